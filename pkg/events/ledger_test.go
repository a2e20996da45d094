package events

import (
	"fmt"
	"testing"
)

func TestLedger_MarkApplied(t *testing.T) {
	ledger := NewLedger(16)

	if !ledger.MarkApplied("msg-1@1000") {
		t.Error("first application should be accepted")
	}
	if ledger.MarkApplied("msg-1@1000") {
		t.Error("second application of the same identity must be rejected")
	}
	if !ledger.MarkApplied("msg-1@2000") {
		t.Error("same key with a newer clock is a distinct identity")
	}
}

func TestLedger_Seen(t *testing.T) {
	ledger := NewLedger(16)
	ledger.MarkApplied("job-7@500")

	if !ledger.Seen("job-7@500") {
		t.Error("Seen should report an applied identity")
	}
	if ledger.Seen("job-7@501") {
		t.Error("Seen should not report an unknown identity")
	}
}

func TestLedger_BoundedGrowth(t *testing.T) {
	ledger := NewLedger(4)

	for i := 0; i < 10; i++ {
		ledger.MarkApplied(fmt.Sprintf("msg-%d@1", i))
	}

	if ledger.Len() != 4 {
		t.Errorf("Len = %d, want capacity bound 4", ledger.Len())
	}
	// Oldest entries fell off, newest are retained.
	if ledger.Seen("msg-0@1") {
		t.Error("oldest entry should have been evicted")
	}
	if !ledger.Seen("msg-9@1") {
		t.Error("newest entry should be retained")
	}
}

func TestDomainEvent_Identity(t *testing.T) {
	event := DomainEvent{Type: EventEdited, Key: "msg-42", Version: 1700000000123}

	if got := event.Identity(); got != "msg-42@1700000000123" {
		t.Errorf("Identity = %q", got)
	}
	if got := Identity("msg-42", 1700000000123); got != event.Identity() {
		t.Errorf("Identity helper = %q, want %q", got, event.Identity())
	}
}

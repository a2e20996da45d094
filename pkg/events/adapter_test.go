package events

import (
	"testing"
	"time"

	"github.com/walletpulse/feedsync/internal/testutil"
)

// pushFrame is the wire shape the mock server broadcasts.
type pushFrame struct {
	Event     string `json:"event"`
	Scope     string `json:"scope,omitempty"`
	Key       string `json:"key,omitempty"`
	Timestamp int64  `json:"timestamp,omitempty"`
	Payload   any    `json:"payload,omitempty"`
}

func newTestAdapter(t *testing.T, url string) *Adapter {
	t.Helper()

	cfg := DefaultConfig(url)
	cfg.MaxReconnectAttempts = 3
	cfg.InitialReconnectBackoff = 10 * time.Millisecond
	cfg.MaxReconnectBackoff = 20 * time.Millisecond
	cfg.PingInterval = 50 * time.Millisecond
	return New(cfg)
}

// waitForScopes polls until the mock server has seen n scope declarations.
func waitForScopes(t *testing.T, mock *testutil.MockPush, n int) []string {
	t.Helper()

	deadline := time.Now().Add(2 * time.Second)
	for {
		scopes := mock.Subscribed()
		if len(scopes) >= n {
			return scopes
		}
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %d scope declarations, got %v", n, scopes)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestAdapter_DeliversMappedEvents(t *testing.T) {
	mock := testutil.NewMockPush()
	defer mock.Close()

	adapter := newTestAdapter(t, mock.URL())
	received := make(chan DomainEvent, 8)
	adapter.SetHandler(func(event DomainEvent) { received <- event })

	detach := adapter.Attach("channel:general")
	defer detach()
	waitForScopes(t, mock, 1)

	mock.Broadcast(pushFrame{Event: "message.created", Scope: "channel:general", Key: "msg-1", Timestamp: 1000})

	select {
	case event := <-received:
		if event.Type != EventCreated {
			t.Errorf("Type = %q, want created", event.Type)
		}
		if event.Key != "msg-1" || event.Version != 1000 {
			t.Errorf("event = %+v", event)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("event never delivered")
	}
}

func TestAdapter_UnknownEventNamesIgnored(t *testing.T) {
	mock := testutil.NewMockPush()
	defer mock.Close()

	adapter := newTestAdapter(t, mock.URL())
	received := make(chan DomainEvent, 8)
	adapter.SetHandler(func(event DomainEvent) { received <- event })

	detach := adapter.Attach("channel:general")
	defer detach()
	waitForScopes(t, mock, 1)

	mock.Broadcast(pushFrame{Event: "presence.typing", Key: "user-1", Timestamp: 1})
	mock.Broadcast(pushFrame{Event: "message.created", Key: "msg-1", Timestamp: 1000})

	event := <-received
	if event.Key != "msg-1" {
		t.Errorf("typing noise should be skipped, got %+v", event)
	}
	select {
	case extra := <-received:
		t.Errorf("unexpected extra event %+v", extra)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestAdapter_DuplicateEventsDiscarded(t *testing.T) {
	mock := testutil.NewMockPush()
	defer mock.Close()

	adapter := newTestAdapter(t, mock.URL())
	received := make(chan DomainEvent, 8)
	adapter.SetHandler(func(event DomainEvent) { received <- event })

	detach := adapter.Attach("channel:general")
	defer detach()
	waitForScopes(t, mock, 1)

	frame := pushFrame{Event: "message.edited", Key: "msg-1", Timestamp: 2000}
	mock.Broadcast(frame)
	mock.Broadcast(frame)

	<-received
	select {
	case event := <-received:
		t.Errorf("same identity applied twice: %+v", event)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestAdapter_ReconnectRedeclaresScope(t *testing.T) {
	mock := testutil.NewMockPush()
	defer mock.Close()

	adapter := newTestAdapter(t, mock.URL())
	statuses := make(chan Status, 8)
	adapter.SetStatusHandler(func(status Status) { statuses <- status })

	detach := adapter.Attach("channel:general")
	defer detach()
	waitForScopes(t, mock, 1)

	// First connect carries no gap.
	select {
	case status := <-statuses:
		if status.State != StateConnected || status.Gap {
			t.Errorf("first status = %+v, want connected without gap", status)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no connected status")
	}

	mock.DropConnections()

	// The adapter must redial and re-declare the scope.
	scopes := waitForScopes(t, mock, 2)
	if scopes[1] != "channel:general" {
		t.Errorf("re-declared scope = %q", scopes[1])
	}
	if mock.ConnectionCount() < 2 {
		t.Errorf("expected a second connection, got %d", mock.ConnectionCount())
	}

	// The resumed connection reports a potential gap.
	deadline := time.After(2 * time.Second)
	for {
		select {
		case status := <-statuses:
			if status.State == StateConnected {
				if !status.Gap {
					t.Error("resumed connection should report a gap")
				}
				return
			}
		case <-deadline:
			t.Fatal("no reconnected status")
		}
	}
}

func TestAdapter_DegradesAfterExhaustedAttempts(t *testing.T) {
	mock := testutil.NewMockPush()
	defer mock.Close()
	mock.SetRefusing(true)

	adapter := newTestAdapter(t, mock.URL())
	statuses := make(chan Status, 8)
	adapter.SetStatusHandler(func(status Status) { statuses <- status })

	detach := adapter.Attach("channel:general")
	defer detach()

	deadline := time.After(2 * time.Second)
	for {
		select {
		case status := <-statuses:
			if status.State == StateDegraded {
				if status.Attempts != 3 {
					t.Errorf("Attempts = %d, want 3", status.Attempts)
				}
				return
			}
		case <-deadline:
			t.Fatal("adapter never degraded")
		}
	}
}

func TestAdapter_RedialsAfterDegradedStretch(t *testing.T) {
	mock := testutil.NewMockPush()
	defer mock.Close()
	mock.SetRefusing(true)

	cfg := DefaultConfig(mock.URL())
	cfg.MaxReconnectAttempts = 2
	cfg.InitialReconnectBackoff = 5 * time.Millisecond
	cfg.MaxReconnectBackoff = 10 * time.Millisecond
	cfg.RecoveryInterval = 20 * time.Millisecond
	adapter := New(cfg)

	statuses := make(chan Status, 64)
	adapter.SetStatusHandler(func(status Status) { statuses <- status })

	detach := adapter.Attach("channel:general")
	defer detach()

	waitForState := func(want State) Status {
		t.Helper()
		deadline := time.After(2 * time.Second)
		for {
			select {
			case status := <-statuses:
				if status.State == want {
					return status
				}
			case <-deadline:
				t.Fatalf("never reached state %q", want)
			}
		}
	}

	waitForState(StateDegraded)

	// Once the endpoint is healthy again, the next recovery round connects
	// and reports a gap so consumers reconcile what they missed.
	mock.SetRefusing(false)
	status := waitForState(StateConnected)
	if !status.Gap {
		t.Error("connect after a degraded stretch should report a gap")
	}
	waitForScopes(t, mock, 1)
}

func TestAdapter_LastDetachClosesConnection(t *testing.T) {
	mock := testutil.NewMockPush()
	defer mock.Close()

	adapter := newTestAdapter(t, mock.URL())
	statuses := make(chan Status, 8)
	adapter.SetStatusHandler(func(status Status) { statuses <- status })

	detachA := adapter.Attach("channel:general")
	detachB := adapter.Attach("wallet:abc")
	waitForScopes(t, mock, 2)

	// Detaching one consumer leaves the connection up for the other.
	detachA()
	select {
	case status := <-statuses:
		if status.State == StateClosed {
			t.Error("connection closed while a consumer is still attached")
		}
	case <-time.After(50 * time.Millisecond):
	}

	detachB()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case status := <-statuses:
			if status.State == StateClosed {
				return
			}
		case <-deadline:
			t.Fatal("connection not closed after last detach")
		}
	}
}

func TestAdapter_DetachIdempotent(t *testing.T) {
	mock := testutil.NewMockPush()
	defer mock.Close()

	adapter := newTestAdapter(t, mock.URL())
	detach := adapter.Attach("channel:general")
	waitForScopes(t, mock, 1)

	detach()
	detach() // second call is a no-op, not a refcount underflow
}

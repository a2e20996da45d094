package events

import "sync"

// DefaultLedgerCapacity bounds the dedup ledger.
const DefaultLedgerCapacity = 1024

// Ledger is a bounded set of already-applied update identities, fed from
// both channels: the push read loop marks delivered events, and the pull
// path marks fetched item versions so a delayed push duplicate of an
// already-fetched update is discarded. When the capacity is exceeded the
// oldest entries fall off.
type Ledger struct {
	mu       sync.Mutex
	seen     map[string]struct{}
	order    []string
	capacity int
}

// NewLedger creates a ledger holding at most capacity identities.
func NewLedger(capacity int) *Ledger {
	if capacity <= 0 {
		capacity = DefaultLedgerCapacity
	}
	return &Ledger{
		seen:     make(map[string]struct{}, capacity),
		capacity: capacity,
	}
}

// MarkApplied records an identity. It returns false when the identity was
// already present, meaning the event must not be applied again.
func (l *Ledger) MarkApplied(identity string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, ok := l.seen[identity]; ok {
		return false
	}

	l.seen[identity] = struct{}{}
	l.order = append(l.order, identity)

	for len(l.order) > l.capacity {
		oldest := l.order[0]
		l.order = l.order[1:]
		delete(l.seen, oldest)
	}
	return true
}

// Seen reports whether an identity has been applied.
func (l *Ledger) Seen(identity string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, ok := l.seen[identity]
	return ok
}

// Len returns the current number of tracked identities.
func (l *Ledger) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.seen)
}

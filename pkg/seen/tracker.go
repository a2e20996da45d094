// Package seen tracks the "last seen" position and a keyboard-navigable
// selection cursor over the ordered item list, independent of pagination
// direction.
package seen

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/walletpulse/feedsync/pkg/logging"
)

// Tracker maintains the last-seen timestamp for one feed scope. The value
// only ever advances: server-reported read state may move it forward too,
// never backward, so out-of-order delivery cannot erase an unread indicator.
type Tracker struct {
	scope  string
	store  Store
	logger zerolog.Logger

	mu       sync.Mutex
	lastSeen int64

	// persistMu serializes store writes; persisted is the highest value
	// known to have reached the store, guarded by persistMu.
	persistMu sync.Mutex
	persisted int64
}

// NewTracker creates a tracker for a scope, loading the persisted position.
// A load failure is logged and treated as "never seen".
func NewTracker(ctx context.Context, scope string, store Store) *Tracker {
	logger := logging.NewLogger("seen")

	ts, err := store.Load(ctx, scope)
	if err != nil {
		logger.Warn().Err(err).Str("scope", scope).Msg("Failed to load seen state")
		ts = 0
	}

	return &Tracker{
		scope:     scope,
		store:     store,
		logger:    logger,
		lastSeen:  ts,
		persisted: ts,
	}
}

// LastSeen returns the current last-seen timestamp (unix milliseconds).
func (t *Tracker) LastSeen() int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.lastSeen
}

// Advance moves the position forward to ts. Backward moves are ignored.
// Returns true when the position changed.
func (t *Tracker) Advance(ctx context.Context, ts int64) bool {
	return t.advance(ctx, ts)
}

// ReconcileServer applies a server-reported read position. Like Advance it
// is forward-only: a stale server value never erases local progress.
func (t *Tracker) ReconcileServer(ctx context.Context, ts int64) bool {
	return t.advance(ctx, ts)
}

// JumpToLatest marks everything read as of now.
func (t *Tracker) JumpToLatest(ctx context.Context) int64 {
	now := time.Now().UnixMilli()
	t.advance(ctx, now)
	return now
}

// HasUnread reports whether an item updated at latestVersion is newer than
// the last-seen position; it drives the unread indicator.
func (t *Tracker) HasUnread(latestVersion int64) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return latestVersion > t.lastSeen
}

func (t *Tracker) advance(ctx context.Context, ts int64) bool {
	t.mu.Lock()
	if ts <= t.lastSeen {
		t.mu.Unlock()
		return false
	}
	t.lastSeen = ts
	t.mu.Unlock()

	t.persist(ctx)
	return true
}

// persist writes the current in-memory position to the store. Writes are
// serialized and each one re-reads the position, so a save that lost the
// race to a newer advance persists the newer value instead of regressing
// the stored state. Persistence stays best-effort: the in-memory position
// is authoritative.
func (t *Tracker) persist(ctx context.Context) {
	t.persistMu.Lock()
	defer t.persistMu.Unlock()

	t.mu.Lock()
	ts := t.lastSeen
	t.mu.Unlock()

	if ts <= t.persisted {
		return
	}
	if err := t.store.Save(ctx, t.scope, ts); err != nil {
		t.logger.Warn().Err(err).Str("scope", t.scope).Msg("Failed to persist seen state")
		return
	}
	t.persisted = ts
}

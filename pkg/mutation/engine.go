// Package mutation implements optimistic local mutation with reconciliation:
// a caller-provided transform is applied to the page cache immediately, the
// corresponding remote operation is issued, and the result is confirmed on
// success or rolled back on failure. Per mutation the state machine is
// Idle -> Applied -> {Confirmed | RolledBack}.
package mutation

import (
	"context"
	"errors"
	"sync"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"

	"github.com/walletpulse/feedsync/pkg/logging"
	"github.com/walletpulse/feedsync/pkg/pagecache"
)

var mutationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "feedsync_mutations_total",
	Help: "Optimistic mutations by outcome",
}, []string{"outcome"})

// Mutation outcomes, used as metric labels.
const (
	outcomeConfirmed       = "confirmed"
	outcomeConfirmedByPush = "confirmed_by_push"
	outcomeRolledBack      = "rolled_back"
)

// ErrUnknownItem is returned when a mutation targets a key the cache does
// not hold; there is nothing to apply optimistically.
var ErrUnknownItem = errors.New("unknown item")

// Transform rewrites an item. It must carry the item's logical clock
// forward, otherwise the page cache rejects the merge as stale.
type Transform[T pagecache.Item] func(T) T

// RemoteFunc issues the remote operation backing an optimistic mutation.
type RemoteFunc func(ctx context.Context) error

// Refresher performs a full reconciling refresh of the feed. When set it is
// the preferred rollback path: structural changes (others' concurrent
// reactions, edits) make snapshot-revert unsafe.
type Refresher func(ctx context.Context) error

type pendingMutation[T pagecache.Item] struct {
	id              string
	before          T
	done            chan struct{}
	confirmedByPush bool
}

// Engine drives optimistic mutations against one page cache.
type Engine[T pagecache.Item] struct {
	store  *pagecache.Store[T]
	logger zerolog.Logger

	mu        sync.Mutex
	pending   map[string]*pendingMutation[T]
	refresher Refresher
}

// NewEngine creates an engine bound to a page cache.
func NewEngine[T pagecache.Item](store *pagecache.Store[T]) *Engine[T] {
	return &Engine[T]{
		store:   store,
		logger:  logging.NewLogger("mutation"),
		pending: make(map[string]*pendingMutation[T]),
	}
}

// SetRefresher installs the reconciling refresh used on rollback and when a
// failed refresh needs correcting. Installed by the coordinator after both
// are constructed.
func (e *Engine[T]) SetRefresher(refresher Refresher) {
	e.mu.Lock()
	e.refresher = refresher
	e.mu.Unlock()
}

// Mutate applies transform to the cached item synchronously, then issues
// remote and reconciles. At most one mutation per (key, fieldGroup) runs at
// a time; a second concurrent caller waits for the first to settle. On
// remote failure the cache is reconciled (full refresh when a refresher is
// installed, before-snapshot re-apply otherwise) and the error is returned.
func (e *Engine[T]) Mutate(ctx context.Context, key, fieldGroup string, transform Transform[T], remote RemoteFunc) error {
	lockKey := key + "/" + fieldGroup

	var p *pendingMutation[T]
	for {
		e.mu.Lock()
		if current, ok := e.pending[lockKey]; ok {
			done := current.done
			e.mu.Unlock()
			select {
			case <-done:
				continue
			case <-ctx.Done():
				return ctx.Err()
			}
		}

		before, ok := e.store.Get(key)
		if !ok {
			e.mu.Unlock()
			return ErrUnknownItem
		}

		p = &pendingMutation[T]{
			id:     uuid.NewString(),
			before: before,
			done:   make(chan struct{}),
		}
		e.pending[lockKey] = p
		e.mu.Unlock()
		break
	}

	// Applied: the UI reflects the transform before the remote round trip.
	e.store.MergeItem(key, transform)

	err := remote(ctx)

	e.mu.Lock()
	confirmedByPush := p.confirmedByPush
	delete(e.pending, lockKey)
	close(p.done)
	e.mu.Unlock()

	if confirmedByPush {
		// The push channel already resolved this mutation; the remote
		// response, success or failure, is redundant.
		mutationsTotal.WithLabelValues(outcomeConfirmedByPush).Inc()
		e.logger.Debug().
			Str("item_key", key).
			Str("field_group", fieldGroup).
			Str("mutation_id", p.id).
			Msg("Mutation already confirmed by push event")
		return nil
	}

	if err == nil {
		mutationsTotal.WithLabelValues(outcomeConfirmed).Inc()
		return nil
	}

	mutationsTotal.WithLabelValues(outcomeRolledBack).Inc()
	e.logger.Warn().
		Err(err).
		Str("item_key", key).
		Str("field_group", fieldGroup).
		Msg("Remote mutation failed, reconciling")

	e.rollback(ctx, key, p.before)
	return err
}

// ConfirmFromPush resolves the pending mutation for (key, fieldGroup) from a
// push-channel confirmation that arrived before the remote call's own
// response. Returns false when no mutation is pending.
func (e *Engine[T]) ConfirmFromPush(key, fieldGroup string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	p, ok := e.pending[key+"/"+fieldGroup]
	if !ok {
		return false
	}
	p.confirmedByPush = true
	return true
}

// PendingCount returns the number of in-flight mutations.
func (e *Engine[T]) PendingCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.pending)
}

// rollback reconciles after a failed remote call. A full refresh is safer
// than snapshot-revert when available; the snapshot path force-replaces
// because the before state is older than the optimistic one.
func (e *Engine[T]) rollback(ctx context.Context, key string, before T) {
	e.mu.Lock()
	refresher := e.refresher
	e.mu.Unlock()

	if refresher != nil {
		err := refresher(ctx)
		if err == nil {
			return
		}
		e.logger.Warn().Err(err).Msg("Reconciling refresh failed, reverting snapshot")
	}
	e.store.ReplaceItem(key, before)
}

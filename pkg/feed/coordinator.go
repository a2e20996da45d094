// Package feed coordinates the two update channels of a synchronized feed:
// the pull channel (cursor-paginated page fetches) and the push channel
// (domain events). Both converge on one pagecache.Store, so racing updates
// resolve through its version gate instead of clobbering each other.
package feed

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/walletpulse/feedsync/pkg/events"
	"github.com/walletpulse/feedsync/pkg/gateway"
	"github.com/walletpulse/feedsync/pkg/logging"
	"github.com/walletpulse/feedsync/pkg/mutation"
	"github.com/walletpulse/feedsync/pkg/pagecache"
	"github.com/walletpulse/feedsync/pkg/seen"
)

// PageFetchFunc fetches one page of the feed at the given cursor. The empty
// cursor addresses the first page.
type PageFetchFunc[T pagecache.Item] func(ctx context.Context, cursor string) (pagecache.Page[T], error)

// DecodeFunc decodes a push event payload into a full item. Returning an
// error signals the payload was a partial patch (or absent), in which case
// the coordinator falls back to a reconciling refresh.
type DecodeFunc[T pagecache.Item] func(payload json.RawMessage) (T, error)

// JSONDecode returns a DecodeFunc that unmarshals the payload into T.
func JSONDecode[T pagecache.Item]() DecodeFunc[T] {
	return func(payload json.RawMessage) (T, error) {
		var v T
		if len(payload) == 0 {
			return v, errors.New("empty payload")
		}
		if err := json.Unmarshal(payload, &v); err != nil {
			return v, fmt.Errorf("decode item payload: %w", err)
		}
		if v.ItemKey() == "" {
			return v, errors.New("payload is not a full item")
		}
		return v, nil
	}
}

// Config holds coordinator configuration.
type Config struct {
	// Scope is the feed this coordinator synchronizes; it is the scope
	// declared on the push channel.
	Scope string

	// PollInterval drives the pull-only fallback loop while the push
	// channel is degraded.
	PollInterval time.Duration
}

// DefaultConfig returns a safe default configuration for a scope.
func DefaultConfig(scope string) Config {
	return Config{
		Scope:        scope,
		PollInterval: 15 * time.Second,
	}
}

// Coordinator keeps one feed's page cache correct under racing push and
// pull updates. Construct one per feed with New; there are no package-level
// instances, so tests and multi-feed daemons build isolated coordinators.
type Coordinator[T pagecache.Item] struct {
	config  Config
	fetch   PageFetchFunc[T]
	decode  DecodeFunc[T]
	store   *pagecache.Store[T]
	engine  *mutation.Engine[T]
	tracker *seen.Tracker
	logger  zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu             sync.Mutex
	ledger         *events.Ledger
	pollCancel     context.CancelFunc
	notFoundStreak int
}

// New creates a coordinator for one feed scope. The engine and tracker may
// be nil for feeds without mutations or read positions (for example a
// token-metadata feed); when an engine is given, the coordinator installs
// itself as its reconciling refresher.
func New[T pagecache.Item](ctx context.Context, cfg Config, fetch PageFetchFunc[T], decode DecodeFunc[T], store *pagecache.Store[T], engine *mutation.Engine[T], tracker *seen.Tracker) *Coordinator[T] {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultConfig(cfg.Scope).PollInterval
	}
	runCtx, cancel := context.WithCancel(ctx)
	c := &Coordinator[T]{
		config:  cfg,
		fetch:   fetch,
		decode:  decode,
		store:   store,
		engine:  engine,
		tracker: tracker,
		logger:  logging.NewLogger("feed").With().Str("scope", cfg.Scope).Logger(),
		ctx:     runCtx,
		cancel:  cancel,
	}
	if engine != nil {
		engine.SetRefresher(c.Refresh)
	}
	return c
}

// Bind wires the coordinator into a push adapter and declares interest in
// its scope. The adapter's dedup ledger is shared so pull fetches also feed
// it. The returned detach function releases the scope.
func (c *Coordinator[T]) Bind(adapter *events.Adapter) func() {
	c.mu.Lock()
	c.ledger = adapter.Ledger()
	c.mu.Unlock()

	adapter.SetHandler(c.HandleEvent)
	adapter.SetStatusHandler(c.HandleStatus)
	return adapter.Attach(c.config.Scope)
}

// GetPage returns the page at cursor, fetching and caching it on a miss.
func (c *Coordinator[T]) GetPage(ctx context.Context, cursor string) (pagecache.Page[T], error) {
	if page, ok := c.store.GetPage(cursor); ok {
		return page, nil
	}

	page, err := c.fetch(ctx, cursor)
	if err != nil {
		return pagecache.Page[T]{}, fmt.Errorf("fetch page %q: %w", cursor, err)
	}
	c.store.AppendPage(page)
	c.markApplied(page.Items)

	// Return the cached copy: the append may have folded items that were
	// already known under their keys, or lost a race with another fetch.
	if cached, ok := c.store.GetPage(cursor); ok {
		return cached, nil
	}
	return page, nil
}

// LoadMore fetches the next page at the stored cursor and appends it.
// It returns the item count from before the append, so a scrolling view can
// keep its position anchored while older items arrive. When no further pages
// remain the call is a no-op.
func (c *Coordinator[T]) LoadMore(ctx context.Context) (int, error) {
	prior := c.store.Len()
	if !c.store.HasMore() {
		return prior, nil
	}

	cursor := c.store.NextCursor()
	page, err := c.fetch(ctx, cursor)
	if err != nil {
		return prior, fmt.Errorf("load more at %q: %w", cursor, err)
	}
	c.store.AppendPage(page)
	c.markApplied(page.Items)
	return prior, nil
}

// Refresh re-fetches the first page and restarts pagination from it. Used
// after a push channel gap, as the mutation engine's rollback reconciler,
// and by the degraded-mode poll loop. The fetch happens before the reset so
// a failed refresh never leaves the cache empty.
func (c *Coordinator[T]) Refresh(ctx context.Context) error {
	page, err := c.fetch(ctx, "")
	if err != nil {
		return fmt.Errorf("refresh: %w", err)
	}

	c.store.Reset()
	c.store.AppendPage(page)
	c.markApplied(page.Items)
	c.logger.Debug().Int("items", len(page.Items)).Msg("Feed refreshed from first page")
	return nil
}

// markApplied records pull-delivered item versions in the shared dedup
// ledger, so a delayed push duplicate of an already-fetched update is
// discarded before it reaches the cache.
func (c *Coordinator[T]) markApplied(items []T) {
	c.mu.Lock()
	ledger := c.ledger
	c.mu.Unlock()
	if ledger == nil {
		return
	}
	for _, item := range items {
		ledger.MarkApplied(events.Identity(item.ItemKey(), item.ItemVersion()))
	}
}

// Items returns the current ordered view of the feed.
func (c *Coordinator[T]) Items() []T {
	return c.store.Items()
}

// Store exposes the underlying page cache.
func (c *Coordinator[T]) Store() *pagecache.Store[T] {
	return c.store
}

// Close stops background work. The page cache stays readable.
func (c *Coordinator[T]) Close() {
	c.cancel()
	c.stopPolling()
}

// HandleEvent applies one deduplicated push event to the cache. Events are
// remote-confirmed facts, so they always take the version-gated merge path,
// never the optimistic one.
func (c *Coordinator[T]) HandleEvent(ev events.DomainEvent) {
	switch ev.Type {
	case events.EventCreated:
		item, err := c.decode(ev.Payload)
		if err != nil {
			c.logger.Debug().Str("item_key", ev.Key).Msg("Created event without full item, refreshing")
			c.scheduleRefresh("created event without payload")
			return
		}
		c.store.InsertAtHead(item)

	case events.EventEdited:
		c.applyPatch(ev, "content")

	case events.EventStateToggled:
		c.applyPatch(ev, "state")

	case events.EventDeleted:
		c.store.RemoveItem(ev.Key)

	case events.EventReadStateUpdated:
		if c.tracker != nil {
			c.tracker.ReconcileServer(c.ctx, ev.Version)
		}
	}
}

// applyPatch handles edit and state-toggle events: resolve any pending
// optimistic mutation on the same field group, then merge the authoritative
// item into the cache.
func (c *Coordinator[T]) applyPatch(ev events.DomainEvent, defaultField string) {
	field := defaultField
	var probe struct {
		Field string `json:"field"`
	}
	if json.Unmarshal(ev.Payload, &probe) == nil && probe.Field != "" {
		field = probe.Field
	}
	if c.engine != nil && c.engine.ConfirmFromPush(ev.Key, field) {
		c.logger.Debug().
			Str("item_key", ev.Key).
			Str("field_group", field).
			Msg("Pending mutation confirmed by push event")
	}

	item, err := c.decode(ev.Payload)
	if err != nil {
		c.scheduleRefresh("patch event without full item")
		return
	}
	if !c.store.MergeItem(ev.Key, func(T) T { return item }) {
		// Not cached yet; the item arrives with a later page fetch.
		c.logger.Debug().Str("item_key", ev.Key).Msg("Patch for unknown item ignored")
	}
}

// HandleStatus reacts to push channel state changes: a reconnect that may
// have missed events forces a reconciling refresh, and an exhausted channel
// degrades to pull-only polling until the connection recovers.
func (c *Coordinator[T]) HandleStatus(status events.Status) {
	switch status.State {
	case events.StateConnected:
		c.stopPolling()
		if status.Gap {
			c.scheduleRefresh("push channel gap")
		}
	case events.StateDegraded:
		c.logger.Warn().Int("attempts", status.Attempts).Msg("Push channel degraded, falling back to pull-only polling")
		c.startPolling()
	case events.StateClosed:
		c.stopPolling()
	}
}

// scheduleRefresh runs a reconciling refresh off the caller's goroutine so
// the push channel read loop is never blocked on HTTP.
func (c *Coordinator[T]) scheduleRefresh(reason string) {
	go func() {
		if err := c.Refresh(c.ctx); err != nil && !errors.Is(err, context.Canceled) {
			c.logger.Error().Err(err).Str("reason", reason).Msg("Reconciling refresh failed")
		}
	}()
}

func (c *Coordinator[T]) startPolling() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.pollCancel != nil {
		return
	}
	pollCtx, cancel := context.WithCancel(c.ctx)
	c.pollCancel = cancel
	c.notFoundStreak = 0
	go c.pollLoop(pollCtx)
}

func (c *Coordinator[T]) stopPolling() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.pollCancel != nil {
		c.pollCancel()
		c.pollCancel = nil
	}
}

// pollLoop refreshes the feed on a ticker while the push channel is down.
// A single NotFound is absorbed (the resource may be mid-rotation or
// garbage-collected); only a repeated one is surfaced.
func (c *Coordinator[T]) pollLoop(ctx context.Context) {
	ticker := time.NewTicker(c.config.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			err := c.Refresh(ctx)
			switch {
			case err == nil:
				c.mu.Lock()
				c.notFoundStreak = 0
				c.mu.Unlock()
			case errors.Is(err, context.Canceled):
				return
			case gateway.IsNotFound(err):
				c.mu.Lock()
				c.notFoundStreak++
				streak := c.notFoundStreak
				c.mu.Unlock()
				if streak > 1 {
					c.logger.Error().Int("consecutive", streak).Msg("Feed repeatedly not found while polling")
				} else {
					c.logger.Debug().Msg("Feed not found while polling, absorbed")
				}
			default:
				c.logger.Warn().Err(err).Msg("Pull-only poll failed")
			}
		}
	}
}

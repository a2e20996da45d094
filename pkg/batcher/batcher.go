// Package batcher merges many near-simultaneous single-key requests into one
// multi-key remote call, with a shared result cache and multi-subscriber
// fan-out. The recurring use is token-metadata lookup: dozens of rows become
// visible at once and each asks for its mint's metadata, but the upstream
// API wants one call with the full mint list.
package batcher

import (
	"context"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"

	"github.com/walletpulse/feedsync/pkg/logging"
)

// Prometheus metrics for batch coalescing.
var (
	batchCallsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "feedsync_batch_calls_total",
		Help: "Total batched remote calls",
	})

	batchKeysPerCall = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "feedsync_batch_keys_per_call",
		Help:    "Number of keys coalesced into one remote call",
		Buckets: []float64{1, 2, 5, 10, 25, 50, 100},
	})

	batchCacheHits = promauto.NewCounter(prometheus.CounterOpts{
		Name: "feedsync_batch_cache_hits_total",
		Help: "Batch requests served from the shared result cache",
	})
)

// BatchFunc executes one multi-key remote call. Keys absent from the result
// map were omitted by the server (callbacks receive ok=false for them).
type BatchFunc[V any] func(ctx context.Context, keys []string) (map[string]V, error)

// Callback receives the value for a requested key. ok is false when the
// server omitted the key or the batch call failed.
type Callback[V any] func(value V, ok bool)

// Config holds coalescer configuration.
type Config struct {
	// Window is the coalescing delay during which same-kind requests are
	// collected before one batched call is issued.
	Window time.Duration

	// RefreshDelay schedules a second fetch of the same keys to capture
	// server-side enrichment that completes after the first response.
	// Zero disables the refresh phase.
	RefreshDelay time.Duration
}

// DefaultConfig returns safe defaults.
func DefaultConfig() Config {
	return Config{
		Window:       25 * time.Millisecond,
		RefreshDelay: 2 * time.Second,
	}
}

// Coalescer batches single-key requests. Construct with New; one instance is
// shared process-wide per result kind and is safe for concurrent use.
type Coalescer[V any] struct {
	fetch  BatchFunc[V]
	config Config
	logger zerolog.Logger

	mu          sync.Mutex
	cache       map[string]V
	pending     map[string][]Callback[V]
	subscribers map[string]map[int]Callback[V]
	nextSubID   int
	timerArmed  bool
	inFlight    bool
	closed      bool

	ctx    context.Context
	cancel context.CancelFunc
}

// New creates a coalescer around one batch fetch function.
func New[V any](fetch BatchFunc[V], cfg Config) *Coalescer[V] {
	if cfg.Window <= 0 {
		cfg.Window = DefaultConfig().Window
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Coalescer[V]{
		fetch:       fetch,
		config:      cfg,
		logger:      logging.NewLogger("batcher"),
		cache:       make(map[string]V),
		pending:     make(map[string][]Callback[V]),
		subscribers: make(map[string]map[int]Callback[V]),
		ctx:         ctx,
		cancel:      cancel,
	}
}

// Request asks for one key. A cache hit short-circuits immediately,
// synchronously invoking cb with zero remote calls. Otherwise the key joins
// the current coalescing window; keys arriving while a batch is in flight
// queue into the next batch rather than blocking.
func (c *Coalescer[V]) Request(key string, cb Callback[V]) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	if value, ok := c.cache[key]; ok {
		c.mu.Unlock()
		batchCacheHits.Inc()
		cb(value, true)
		return
	}

	c.pending[key] = append(c.pending[key], cb)
	c.armLocked()
	c.mu.Unlock()
}

// Subscribe registers a persistent subscriber for a key: it is notified on
// every cache update for that key, including the enrichment refresh phase,
// not just the response to its own request. The returned cancel func removes
// only this subscriber, leaving others sharing the key untouched.
func (c *Coalescer[V]) Subscribe(key string, cb Callback[V]) func() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return func() {}
	}

	id := c.nextSubID
	c.nextSubID++
	if c.subscribers[key] == nil {
		c.subscribers[key] = make(map[int]Callback[V])
	}
	c.subscribers[key][id] = cb

	value, cached := c.cache[key]
	if !cached {
		c.pending[key] = append(c.pending[key], nil)
		c.armLocked()
	}
	c.mu.Unlock()

	if cached {
		cb(value, true)
	}

	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		if subs, ok := c.subscribers[key]; ok {
			delete(subs, id)
			if len(subs) == 0 {
				delete(c.subscribers, key)
			}
		}
	}
}

// Peek returns the cached value for a key without triggering a fetch.
func (c *Coalescer[V]) Peek(key string) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	value, ok := c.cache[key]
	return value, ok
}

// Close stops the coalescer. Queued callbacks are dropped.
func (c *Coalescer[V]) Close() {
	c.mu.Lock()
	c.closed = true
	c.pending = make(map[string][]Callback[V])
	c.subscribers = make(map[string]map[int]Callback[V])
	c.mu.Unlock()
	c.cancel()
}

// armLocked arms the coalescing window timer unless a batch is already
// pending or in flight. Callers hold c.mu.
func (c *Coalescer[V]) armLocked() {
	if c.timerArmed || c.inFlight {
		return
	}
	c.timerArmed = true
	time.AfterFunc(c.config.Window, c.flush)
}

// flush issues one batched call for every key queued during the window.
func (c *Coalescer[V]) flush() {
	c.mu.Lock()
	c.timerArmed = false
	if c.closed || c.inFlight || len(c.pending) == 0 {
		c.mu.Unlock()
		return
	}

	batch := c.pending
	c.pending = make(map[string][]Callback[V])
	c.inFlight = true
	c.mu.Unlock()

	keys := make([]string, 0, len(batch))
	for key := range batch {
		keys = append(keys, key)
	}

	batchCallsTotal.Inc()
	batchKeysPerCall.Observe(float64(len(keys)))
	c.logger.Debug().Int("keys", len(keys)).Msg("Issuing batched call")

	result, err := c.fetch(c.ctx, keys)
	if err != nil {
		c.logger.Warn().Err(err).Int("keys", len(keys)).Msg("Batch call failed")
		result = nil
	}

	// Store results, then deliver outside the lock: callbacks may re-enter.
	type delivery struct {
		cb    Callback[V]
		value V
		ok    bool
	}
	var deliveries []delivery

	c.mu.Lock()
	for key, cbs := range batch {
		value, ok := result[key]
		if ok {
			c.cache[key] = value
		}
		for _, cb := range cbs {
			if cb == nil {
				// Subscribe-originated fetch; the subscriber set below
				// handles notification.
				continue
			}
			deliveries = append(deliveries, delivery{cb: cb, value: value, ok: ok})
		}
		if ok {
			for _, sub := range c.subscribers[key] {
				deliveries = append(deliveries, delivery{cb: sub, value: value, ok: true})
			}
		}
	}
	done := c.closed
	if !done {
		c.inFlight = false
		if len(c.pending) > 0 {
			c.armLocked()
		}
	}
	c.mu.Unlock()

	if done {
		return
	}

	for _, d := range deliveries {
		d.cb(d.value, d.ok)
	}

	if c.config.RefreshDelay > 0 {
		time.AfterFunc(c.config.RefreshDelay, func() { c.refresh(keys) })
	}
}

// refresh re-issues the same keys once after the enrichment window and
// notifies all current subscribers of the refreshed values.
func (c *Coalescer[V]) refresh(keys []string) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()

	batchCallsTotal.Inc()
	batchKeysPerCall.Observe(float64(len(keys)))
	c.logger.Debug().Int("keys", len(keys)).Msg("Refreshing batch for enrichment")

	result, err := c.fetch(c.ctx, keys)
	if err != nil {
		c.logger.Warn().Err(err).Msg("Batch refresh failed")
		return
	}

	type delivery struct {
		cb    Callback[V]
		value V
	}
	var deliveries []delivery

	c.mu.Lock()
	for _, key := range keys {
		value, ok := result[key]
		if !ok {
			continue
		}
		c.cache[key] = value
		for _, sub := range c.subscribers[key] {
			deliveries = append(deliveries, delivery{cb: sub, value: value})
		}
	}
	closed := c.closed
	c.mu.Unlock()

	if closed {
		return
	}
	for _, d := range deliveries {
		d.cb(d.value, true)
	}
}

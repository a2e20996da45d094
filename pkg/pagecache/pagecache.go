// Package pagecache provides a cursor-paginated, append/merge store of feed
// items keyed by identity. It is the single serialization point for the two
// racing update channels (push events and page fetches): all mutation goes
// through AppendPage / MergeItem / InsertAtHead, never by replacing cached
// structures wholesale.
package pagecache

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"

	"github.com/walletpulse/feedsync/pkg/logging"
)

// Prometheus metrics for page cache operations.
var (
	cacheHits = promauto.NewCounter(prometheus.CounterOpts{
		Name: "feedsync_cache_hits_total",
		Help: "Page cache hits",
	})

	cacheMisses = promauto.NewCounter(prometheus.CounterOpts{
		Name: "feedsync_cache_misses_total",
		Help: "Page cache misses",
	})

	mergesRejected = promauto.NewCounter(prometheus.CounterOpts{
		Name: "feedsync_merges_rejected_total",
		Help: "Item merges rejected because they would move the item backward in time",
	})
)

// Item is implemented by every feed record the cache can hold.
// ItemVersion is a logical clock (unix milliseconds of the last update);
// merges that would move an item backward in time are rejected.
type Item interface {
	ItemKey() string
	ItemVersion() int64
}

// Page is an ordered sequence of items plus an opaque next cursor.
// An empty NextCursor means end-of-collection. Cursor is the token the page
// was fetched at; the first page of a feed uses the empty cursor.
type Page[T Item] struct {
	Cursor     string
	Items      []T
	NextCursor string
}

// Store holds the ordered list of pages and the canonical item per key.
// Construct one per feed with New; instances are safe for concurrent use.
type Store[T Item] struct {
	mu      sync.Mutex
	pages   []Page[T]
	cursors map[string]int // appended cursor -> page index
	started bool
	logger  zerolog.Logger
}

// New creates an empty store.
func New[T Item]() *Store[T] {
	return &Store[T]{
		cursors: make(map[string]int),
		logger:  logging.NewLogger("pagecache"),
	}
}

// GetPage returns the cached page fetched at cursor, if present.
func (s *Store[T]) GetPage(cursor string) (Page[T], bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	idx, ok := s.cursors[cursor]
	if !ok {
		cacheMisses.Inc()
		return Page[T]{}, false
	}
	cacheHits.Inc()
	return s.pages[idx], true
}

// AppendPage adds a page to the end of the known sequence. Re-appending an
// already-seen cursor is a no-op (returns false), which makes concurrent
// push+pull refreshes idempotent. Items whose key is already cached are not
// duplicated; instead the cached occurrence is updated in place when the
// incoming copy is at least as recent.
func (s *Store[T]) AppendPage(page Page[T]) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, seen := s.cursors[page.Cursor]; seen {
		s.logger.Debug().Str("cursor", page.Cursor).Msg("Duplicate cursor, append ignored")
		return false
	}

	kept := make([]T, 0, len(page.Items))
	for _, item := range page.Items {
		if s.replaceExistingLocked(item) {
			continue
		}
		kept = append(kept, item)
	}
	page.Items = kept

	s.cursors[page.Cursor] = len(s.pages)
	s.pages = append(s.pages, page)
	s.started = true

	s.logger.Debug().
		Str("cursor", page.Cursor).
		Str("next_cursor", page.NextCursor).
		Int("items", len(page.Items)).
		Msg("Page appended")
	return true
}

// MergeItem locates the item by key across all pages and replaces every
// occurrence with fn(current). A merge whose result carries an older version
// than the current item is rejected. Returns false when the key is not yet
// known locally; callers needing creation use InsertAtHead.
func (s *Store[T]) MergeItem(key string, fn func(T) T) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	merged := false
	for pi := range s.pages {
		for ii, item := range s.pages[pi].Items {
			if item.ItemKey() != key {
				continue
			}
			updated := fn(item)
			if updated.ItemVersion() < item.ItemVersion() {
				mergesRejected.Inc()
				s.logger.Debug().
					Str("item_key", key).
					Int64("current_version", item.ItemVersion()).
					Int64("incoming_version", updated.ItemVersion()).
					Msg("Merge rejected, would move item backward in time")
				return merged
			}
			s.pages[pi].Items[ii] = updated
			merged = true
		}
	}
	return merged
}

// InsertAtHead places a new item at the front of the most-recent page
// (newest-first feeds). If the key is already cached the call degrades to a
// version-gated in-place replace, preserving the one-item-per-key invariant.
func (s *Store[T]) InsertAtHead(item T) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.replaceExistingLocked(item) {
		return
	}

	if len(s.pages) == 0 {
		s.cursors[""] = 0
		s.pages = append(s.pages, Page[T]{})
		s.started = true
	}
	head := &s.pages[0]
	head.Items = append([]T{item}, head.Items...)

	s.logger.Debug().Str("item_key", item.ItemKey()).Msg("Item inserted at head")
}

// ReplaceItem replaces every occurrence of key with item, bypassing the
// version gate. This exists only for snapshot rollback of a failed
// optimistic mutation, where the authoritative state is older than the
// optimistic one; regular updates go through MergeItem.
func (s *Store[T]) ReplaceItem(key string, item T) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	replaced := false
	for pi := range s.pages {
		for ii, existing := range s.pages[pi].Items {
			if existing.ItemKey() == key {
				s.pages[pi].Items[ii] = item
				replaced = true
			}
		}
	}
	return replaced
}

// RemoveItem deletes every occurrence of key from the cached pages. Returns
// false when the key is not cached (a deletion of an item that was never
// fetched needs no local work).
func (s *Store[T]) RemoveItem(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	removed := false
	for pi := range s.pages {
		kept := s.pages[pi].Items[:0]
		for _, item := range s.pages[pi].Items {
			if item.ItemKey() == key {
				removed = true
				continue
			}
			kept = append(kept, item)
		}
		s.pages[pi].Items = kept
	}
	if removed {
		s.logger.Debug().Str("item_key", key).Msg("Item removed")
	}
	return removed
}

// Reset clears all pages and restarts pagination from the first page. Used
// after a cursor-invalidating change such as a push channel connection gap.
func (s *Store[T]) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.pages = nil
	s.cursors = make(map[string]int)
	s.started = false
	s.logger.Debug().Msg("Page cache reset")
}

// Get returns the canonical item for key.
func (s *Store[T]) Get(key string) (T, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for pi := range s.pages {
		for _, item := range s.pages[pi].Items {
			if item.ItemKey() == key {
				return item, true
			}
		}
	}
	var zero T
	return zero, false
}

// Items returns the concatenated ordered sequence across all pages.
func (s *Store[T]) Items() []T {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]T, 0, s.lenLocked())
	for _, page := range s.pages {
		out = append(out, page.Items...)
	}
	return out
}

// Len returns the total number of cached items.
func (s *Store[T]) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lenLocked()
}

// NextCursor returns the cursor at which the next page should be fetched.
func (s *Store[T]) NextCursor() string {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.pages) == 0 {
		return ""
	}
	return s.pages[len(s.pages)-1].NextCursor
}

// HasMore reports whether further pages remain. An untouched store always
// has more (the first page has not been fetched yet).
func (s *Store[T]) HasMore() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.started {
		return true
	}
	return s.pages[len(s.pages)-1].NextCursor != ""
}

func (s *Store[T]) lenLocked() int {
	n := 0
	for _, page := range s.pages {
		n += len(page.Items)
	}
	return n
}

// replaceExistingLocked performs a version-gated in-place replace of an
// already-cached key. Returns true when the key was found (whether or not
// the replace happened).
func (s *Store[T]) replaceExistingLocked(item T) bool {
	found := false
	for pi := range s.pages {
		for ii, existing := range s.pages[pi].Items {
			if existing.ItemKey() != item.ItemKey() {
				continue
			}
			found = true
			if item.ItemVersion() >= existing.ItemVersion() {
				s.pages[pi].Items[ii] = item
			} else {
				mergesRejected.Inc()
			}
		}
	}
	return found
}

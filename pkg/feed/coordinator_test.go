package feed

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/walletpulse/feedsync/internal/testutil"
	"github.com/walletpulse/feedsync/pkg/events"
	"github.com/walletpulse/feedsync/pkg/gateway"
	"github.com/walletpulse/feedsync/pkg/mutation"
	"github.com/walletpulse/feedsync/pkg/pagecache"
	"github.com/walletpulse/feedsync/pkg/seen"
)

type feedItem struct {
	ID        string `json:"id"`
	UpdatedAt int64  `json:"updatedAt"`
	Pinned    bool   `json:"pinned"`
	Body      string `json:"body"`
}

func (m feedItem) ItemKey() string    { return m.ID }
func (m feedItem) ItemVersion() int64 { return m.UpdatedAt }

// fakeBackend serves pages from a cursor-keyed map and counts fetches.
type fakeBackend struct {
	mu    sync.Mutex
	pages map[string]pagecache.Page[feedItem]
	err   error
	calls int
}

func (b *fakeBackend) fetch(_ context.Context, cursor string) (pagecache.Page[feedItem], error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.calls++
	if b.err != nil {
		return pagecache.Page[feedItem]{}, b.err
	}
	page, ok := b.pages[cursor]
	if !ok {
		return pagecache.Page[feedItem]{}, &gateway.APIError{
			StatusCode: 404,
			ErrorClass: gateway.ErrorClassNotFound,
			Message:    "no such page",
		}
	}
	page.Cursor = cursor
	return page, nil
}

func (b *fakeBackend) fetchCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.calls
}

func (b *fakeBackend) setFirstPage(page pagecache.Page[feedItem]) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.pages[""] = page
}

func twoPageBackend() *fakeBackend {
	return &fakeBackend{pages: map[string]pagecache.Page[feedItem]{
		"": {
			Items:      []feedItem{{ID: "A", UpdatedAt: 100}, {ID: "B", UpdatedAt: 100}},
			NextCursor: "c1",
		},
		"c1": {
			Items: []feedItem{{ID: "C", UpdatedAt: 100}, {ID: "D", UpdatedAt: 100}},
		},
	}}
}

func newTestCoordinator(t *testing.T, backend *fakeBackend) *Coordinator[feedItem] {
	t.Helper()

	cfg := DefaultConfig("channel:general")
	cfg.PollInterval = 10 * time.Millisecond
	c := New(t.Context(), cfg, backend.fetch, JSONDecode[feedItem](), pagecache.New[feedItem](), nil, nil)
	t.Cleanup(c.Close)
	return c
}

func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal(msg)
}

func itemKeys(items []feedItem) []string {
	out := make([]string, len(items))
	for i, it := range items {
		out[i] = it.ID
	}
	return out
}

func assertItemOrder(t *testing.T, c *Coordinator[feedItem], want ...string) {
	t.Helper()

	got := itemKeys(c.Items())
	if len(got) != len(want) {
		t.Fatalf("item count = %d, want %d (got %v)", len(got), len(want), got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("item[%d] = %q, want %q (got %v)", i, got[i], want[i], got)
		}
	}
}

func TestGetPage_FetchesOnceThenServesFromCache(t *testing.T) {
	backend := twoPageBackend()
	c := newTestCoordinator(t, backend)

	page, err := c.GetPage(t.Context(), "")
	if err != nil {
		t.Fatalf("GetPage: %v", err)
	}
	if page.NextCursor != "c1" {
		t.Errorf("NextCursor = %q, want c1", page.NextCursor)
	}

	if _, err := c.GetPage(t.Context(), ""); err != nil {
		t.Fatalf("second GetPage: %v", err)
	}
	if backend.fetchCount() != 1 {
		t.Errorf("fetch count = %d, want 1 (second read must hit the cache)", backend.fetchCount())
	}
}

func TestLoadMore_AppendsNextPage(t *testing.T) {
	backend := twoPageBackend()
	c := newTestCoordinator(t, backend)

	if _, err := c.GetPage(t.Context(), ""); err != nil {
		t.Fatalf("GetPage: %v", err)
	}

	prior, err := c.LoadMore(t.Context())
	if err != nil {
		t.Fatalf("LoadMore: %v", err)
	}
	if prior != 2 {
		t.Errorf("prior count = %d, want 2 for scroll anchoring", prior)
	}

	assertItemOrder(t, c, "A", "B", "C", "D")
	if c.Store().HasMore() {
		t.Error("HasMore should be false after the last page")
	}

	// End of collection: further LoadMore does not call the backend.
	calls := backend.fetchCount()
	if prior, err := c.LoadMore(t.Context()); err != nil || prior != 4 {
		t.Errorf("LoadMore at end = (%d, %v), want (4, nil)", prior, err)
	}
	if backend.fetchCount() != calls {
		t.Error("LoadMore at end of collection should not fetch")
	}
}

func TestRefresh_RestartsPagination(t *testing.T) {
	backend := twoPageBackend()
	c := newTestCoordinator(t, backend)

	c.GetPage(t.Context(), "")
	c.LoadMore(t.Context())

	backend.setFirstPage(pagecache.Page[feedItem]{
		Items:      []feedItem{{ID: "E", UpdatedAt: 200}, {ID: "A", UpdatedAt: 100}},
		NextCursor: "c1",
	})

	if err := c.Refresh(t.Context()); err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	assertItemOrder(t, c, "E", "A")
	if !c.Store().HasMore() {
		t.Error("refreshed feed should have more pages again")
	}
}

func TestRefresh_FailureKeepsCache(t *testing.T) {
	backend := twoPageBackend()
	c := newTestCoordinator(t, backend)
	c.GetPage(t.Context(), "")

	backend.mu.Lock()
	backend.err = errors.New("backend down")
	backend.mu.Unlock()

	if err := c.Refresh(t.Context()); err == nil {
		t.Fatal("expected refresh error")
	}
	assertItemOrder(t, c, "A", "B")
}

func TestHandleEvent_CreatedInsertsAtHead(t *testing.T) {
	backend := twoPageBackend()
	c := newTestCoordinator(t, backend)
	c.GetPage(t.Context(), "")

	c.HandleEvent(events.DomainEvent{
		Type:    events.EventCreated,
		Key:     "N",
		Version: 300,
		Payload: json.RawMessage(`{"id": "N", "updatedAt": 300, "body": "new"}`),
	})

	assertItemOrder(t, c, "N", "A", "B")
}

func TestHandleEvent_CreatedWithoutPayloadRefreshes(t *testing.T) {
	backend := twoPageBackend()
	c := newTestCoordinator(t, backend)
	c.GetPage(t.Context(), "")

	calls := backend.fetchCount()
	c.HandleEvent(events.DomainEvent{Type: events.EventCreated, Key: "N", Version: 300})

	waitFor(t, func() bool { return backend.fetchCount() > calls },
		"created event without payload should trigger a reconciling refresh")
}

func TestHandleEvent_PatchIsVersionGated(t *testing.T) {
	backend := twoPageBackend()
	c := newTestCoordinator(t, backend)
	c.GetPage(t.Context(), "")

	c.HandleEvent(events.DomainEvent{
		Type:    events.EventStateToggled,
		Key:     "A",
		Version: 200,
		Payload: json.RawMessage(`{"id": "A", "updatedAt": 200, "pinned": true}`),
	})
	got, _ := c.Store().Get("A")
	if !got.Pinned || got.UpdatedAt != 200 {
		t.Fatalf("patch not applied, got %+v", got)
	}

	// A stale copy of the item must not move it backward in time.
	c.HandleEvent(events.DomainEvent{
		Type:    events.EventStateToggled,
		Key:     "A",
		Version: 150,
		Payload: json.RawMessage(`{"id": "A", "updatedAt": 150, "pinned": false}`),
	})
	got, _ = c.Store().Get("A")
	if !got.Pinned || got.UpdatedAt != 200 {
		t.Errorf("stale patch should be rejected, got %+v", got)
	}
}

func TestHandleEvent_PatchForUnknownKeyIgnored(t *testing.T) {
	backend := twoPageBackend()
	c := newTestCoordinator(t, backend)
	c.GetPage(t.Context(), "")

	calls := backend.fetchCount()
	c.HandleEvent(events.DomainEvent{
		Type:    events.EventEdited,
		Key:     "Z",
		Version: 300,
		Payload: json.RawMessage(`{"id": "Z", "updatedAt": 300, "body": "later"}`),
	})

	assertItemOrder(t, c, "A", "B")
	if backend.fetchCount() != calls {
		t.Error("a full-item patch for an unknown key needs no refresh")
	}
}

func TestHandleEvent_Deleted(t *testing.T) {
	backend := twoPageBackend()
	c := newTestCoordinator(t, backend)
	c.GetPage(t.Context(), "")

	c.HandleEvent(events.DomainEvent{Type: events.EventDeleted, Key: "A", Version: 300})
	assertItemOrder(t, c, "B")

	// Deleting an item that was never fetched is a no-op.
	c.HandleEvent(events.DomainEvent{Type: events.EventDeleted, Key: "Z", Version: 300})
	assertItemOrder(t, c, "B")
}

func TestHandleEvent_ReadStateUpdated(t *testing.T) {
	backend := twoPageBackend()
	tracker := seen.NewTracker(t.Context(), "channel:general", seen.NewMemoryStore())

	cfg := DefaultConfig("channel:general")
	c := New(t.Context(), cfg, backend.fetch, JSONDecode[feedItem](), pagecache.New[feedItem](), nil, tracker)
	defer c.Close()

	c.HandleEvent(events.DomainEvent{Type: events.EventReadStateUpdated, Key: "channel:general", Version: 500})
	if tracker.LastSeen() != 500 {
		t.Errorf("lastSeen = %d, want 500", tracker.LastSeen())
	}

	// Server reporting an older position must not move the marker back.
	c.HandleEvent(events.DomainEvent{Type: events.EventReadStateUpdated, Key: "channel:general", Version: 400})
	if tracker.LastSeen() != 500 {
		t.Errorf("lastSeen = %d, want 500 (forward-only)", tracker.LastSeen())
	}
}

func TestHandleEvent_PushConfirmResolvesPendingMutation(t *testing.T) {
	backend := twoPageBackend()
	store := pagecache.New[feedItem]()
	engine := mutation.NewEngine(store)

	cfg := DefaultConfig("channel:general")
	c := New(t.Context(), cfg, backend.fetch, JSONDecode[feedItem](), store, engine, nil)
	defer c.Close()
	c.GetPage(t.Context(), "")

	release := make(chan struct{})
	remoteStarted := make(chan struct{})
	errc := make(chan error, 1)
	go func() {
		errc <- engine.Mutate(t.Context(), "A", "pinned",
			func(m feedItem) feedItem {
				m.Pinned = true
				m.UpdatedAt = 150
				return m
			},
			func(ctx context.Context) error {
				close(remoteStarted)
				<-release
				return errors.New("response lost")
			})
	}()

	<-remoteStarted

	// The push confirmation arrives while the mutation's own response is
	// still in flight.
	c.HandleEvent(events.DomainEvent{
		Type:    events.EventStateToggled,
		Key:     "A",
		Version: 200,
		Payload: json.RawMessage(`{"id": "A", "updatedAt": 200, "pinned": true, "field": "pinned"}`),
	})
	close(release)

	if err := <-errc; err != nil {
		t.Fatalf("push-confirmed mutation should succeed despite the lost response: %v", err)
	}
	got, _ := store.Get("A")
	if !got.Pinned || got.UpdatedAt != 200 {
		t.Errorf("item should be pinned once at the confirmed version, got %+v", got)
	}
	if engine.PendingCount() != 0 {
		t.Errorf("pending count = %d, want 0", engine.PendingCount())
	}
}

func TestHandleStatus_DegradedStartsPolling(t *testing.T) {
	backend := twoPageBackend()
	c := newTestCoordinator(t, backend)
	c.GetPage(t.Context(), "")

	calls := backend.fetchCount()
	c.HandleStatus(events.Status{State: events.StateDegraded, Attempts: 5})

	waitFor(t, func() bool { return backend.fetchCount() > calls+1 },
		"degraded channel should drive repeated pull-only refreshes")

	// Recovery stops the poll loop.
	c.HandleStatus(events.Status{State: events.StateConnected})
	settled := backend.fetchCount()
	time.Sleep(50 * time.Millisecond)
	if backend.fetchCount() > settled+1 {
		t.Error("polling should stop once the push channel recovers")
	}
}

func TestHandleStatus_GapTriggersRefresh(t *testing.T) {
	backend := twoPageBackend()
	c := newTestCoordinator(t, backend)
	c.GetPage(t.Context(), "")

	backend.setFirstPage(pagecache.Page[feedItem]{
		Items: []feedItem{{ID: "E", UpdatedAt: 200}},
	})

	c.HandleStatus(events.Status{State: events.StateConnected, Gap: true})

	waitFor(t, func() bool {
		items := c.Items()
		return len(items) == 1 && items[0].ID == "E"
	}, "a reconnect gap should reconcile through a full refresh")
}

func TestBind_PullFetchesFeedDedupLedger(t *testing.T) {
	mock := testutil.NewMockPush()
	defer mock.Close()

	backend := twoPageBackend()
	c := newTestCoordinator(t, backend)

	cfg := events.DefaultConfig(mock.URL())
	cfg.InitialReconnectBackoff = 10 * time.Millisecond
	cfg.MaxReconnectBackoff = 20 * time.Millisecond
	adapter := events.New(cfg)
	detach := c.Bind(adapter)
	defer detach()

	if _, err := c.GetPage(t.Context(), ""); err != nil {
		t.Fatalf("GetPage: %v", err)
	}

	// Fetched item versions are recorded, so a delayed push duplicate of
	// the same update is discarded at the adapter.
	ledger := adapter.Ledger()
	for _, id := range []string{"A@100", "B@100"} {
		if !ledger.Seen(id) {
			t.Errorf("fetched identity %q missing from dedup ledger", id)
		}
	}
	if ledger.Seen("C@100") {
		t.Error("unfetched identity should not be in the ledger")
	}
}

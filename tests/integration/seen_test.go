package integration

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/redis/go-redis/v9"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/walletpulse/feedsync/internal/model"
	"github.com/walletpulse/feedsync/internal/testutil"
	"github.com/walletpulse/feedsync/pkg/feed"
	"github.com/walletpulse/feedsync/pkg/gateway"
	"github.com/walletpulse/feedsync/pkg/pagecache"
	"github.com/walletpulse/feedsync/pkg/seen"
)

// setupRedis creates a Redis container for integration testing.
func setupRedis(t *testing.T) (*redis.Client, func()) {
	t.Helper()

	ctx := context.Background()

	req := testcontainers.ContainerRequest{
		Image:        "redis:7-alpine",
		ExposedPorts: []string{"6379/tcp"},
		WaitingFor:   wait.ForLog("Ready to accept connections"),
	}

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		t.Skipf("Failed to start Redis container (is Docker running?): %v", err)
	}

	host, err := container.Host(ctx)
	if err != nil {
		t.Fatalf("Failed to get container host: %v", err)
	}

	port, err := container.MappedPort(ctx, "6379")
	if err != nil {
		t.Fatalf("Failed to get container port: %v", err)
	}

	redisClient := redis.NewClient(&redis.Options{
		Addr: host + ":" + port.Port(),
	})

	cleanup := func() {
		redisClient.Close()
		container.Terminate(ctx)
	}

	return redisClient, cleanup
}

// TestReadStateSurvivesRestart verifies that the read position persisted by
// one tracker is picked up by a fresh tracker for the same scope, as after a
// process restart.
func TestReadStateSurvivesRestart(t *testing.T) {
	redisClient, cleanup := setupRedis(t)
	defer cleanup()

	ctx := context.Background()
	store := seen.NewRedisStore(redisClient)

	tracker := seen.NewTracker(ctx, "channel:general", store)
	if !tracker.Advance(ctx, 1500) {
		t.Fatal("Advance should move a fresh tracker forward")
	}

	restarted := seen.NewTracker(ctx, "channel:general", store)
	if got := restarted.LastSeen(); got != 1500 {
		t.Errorf("restarted LastSeen = %d, want 1500", got)
	}
}

// TestReadStateScopeIsolation verifies per-scope keys do not interfere.
func TestReadStateScopeIsolation(t *testing.T) {
	redisClient, cleanup := setupRedis(t)
	defer cleanup()

	ctx := context.Background()
	store := seen.NewRedisStore(redisClient)

	general := seen.NewTracker(ctx, "channel:general", store)
	alerts := seen.NewTracker(ctx, "channel:alerts", store)

	general.Advance(ctx, 1000)
	alerts.Advance(ctx, 2000)

	if got, err := store.Load(ctx, "channel:general"); err != nil || got != 1000 {
		t.Errorf("Load(channel:general) = (%d, %v), want (1000, nil)", got, err)
	}
	if got, err := store.Load(ctx, "channel:alerts"); err != nil || got != 2000 {
		t.Errorf("Load(channel:alerts) = (%d, %v), want (2000, nil)", got, err)
	}
}

// TestReadStateForwardOnlyAcrossClients verifies the forward-only merge when
// two clients share one persisted scope: a client that loads a newer
// position never moves it backward.
func TestReadStateForwardOnlyAcrossClients(t *testing.T) {
	redisClient, cleanup := setupRedis(t)
	defer cleanup()

	ctx := context.Background()
	store := seen.NewRedisStore(redisClient)

	first := seen.NewTracker(ctx, "channel:general", store)
	first.Advance(ctx, 3000)

	second := seen.NewTracker(ctx, "channel:general", store)
	second.Advance(ctx, 2000) // older than the persisted position

	if got, err := store.Load(ctx, "channel:general"); err != nil || got != 3000 {
		t.Errorf("persisted position = (%d, %v), want (3000, nil)", got, err)
	}
}

// TestFeedSyncWithPersistentReadState runs the full flow: pages come from a
// mock feed API, the read position advances past them, and a restarted
// client still reports no unread.
func TestFeedSyncWithPersistentReadState(t *testing.T) {
	redisClient, cleanup := setupRedis(t)
	defer cleanup()

	mockFeed := testutil.NewMockFeedAPI()
	defer mockFeed.Close()
	mockFeed.SetResponse("/api/feed", testutil.NewPageResponse(
		`{"items": [{"id": "m-1", "updatedAt": 1000}, {"id": "m-2", "updatedAt": 2000}], "nextCursor": ""}`))

	gw, err := gateway.New(gateway.DefaultConfig(mockFeed.URL()))
	if err != nil {
		t.Fatalf("gateway.New: %v", err)
	}

	ctx := context.Background()
	store := seen.NewRedisStore(redisClient)
	tracker := seen.NewTracker(ctx, "channel:general", store)

	fetch := func(ctx context.Context, cursor string) (pagecache.Page[model.ChatMessage], error) {
		payload, err := gw.Get(ctx, "/api/feed")
		if err != nil {
			return pagecache.Page[model.ChatMessage]{}, err
		}
		var page struct {
			Items      []model.ChatMessage `json:"items"`
			NextCursor string              `json:"nextCursor"`
		}
		if err := json.Unmarshal(payload, &page); err != nil {
			return pagecache.Page[model.ChatMessage]{}, err
		}
		return pagecache.Page[model.ChatMessage]{Cursor: cursor, Items: page.Items, NextCursor: page.NextCursor}, nil
	}

	coordinator := feed.New(ctx, feed.DefaultConfig("channel:general"),
		fetch, feed.JSONDecode[model.ChatMessage](), pagecache.New[model.ChatMessage](), nil, tracker)
	defer coordinator.Close()

	page, err := coordinator.GetPage(ctx, "")
	if err != nil {
		t.Fatalf("GetPage: %v", err)
	}
	if len(page.Items) != 2 {
		t.Fatalf("items = %d, want 2", len(page.Items))
	}

	latest := page.Items[len(page.Items)-1].ItemVersion()
	if !tracker.HasUnread(latest) {
		t.Fatal("fresh tracker should report unread items")
	}
	tracker.Advance(ctx, latest)

	restarted := seen.NewTracker(ctx, "channel:general", store)
	if restarted.HasUnread(latest) {
		t.Error("restarted tracker should report everything read")
	}

	if got, err := store.Load(ctx, "channel:general"); err != nil || got != latest {
		t.Errorf("persisted position = (%d, %v), want (%d, nil)", got, err, latest)
	}
}

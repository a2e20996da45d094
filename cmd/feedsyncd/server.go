package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/walletpulse/feedsync/internal/model"
	"github.com/walletpulse/feedsync/pkg/batcher"
	"github.com/walletpulse/feedsync/pkg/feed"
	"github.com/walletpulse/feedsync/pkg/gateway"
	"github.com/walletpulse/feedsync/pkg/mutation"
	"github.com/walletpulse/feedsync/pkg/pagecache"
	"github.com/walletpulse/feedsync/pkg/seen"
)

// server holds the HTTP handlers over the sync core.
type server struct {
	coordinator *feed.Coordinator[model.ChatMessage]
	engine      *mutation.Engine[model.ChatMessage]
	tracker     *seen.Tracker
	tokens      *batcher.Coalescer[model.TokenMetadata]
	gw          *gateway.Client
}

func newServer(coordinator *feed.Coordinator[model.ChatMessage], engine *mutation.Engine[model.ChatMessage], tracker *seen.Tracker, tokens *batcher.Coalescer[model.TokenMetadata], gw *gateway.Client) *server {
	return &server{
		coordinator: coordinator,
		engine:      engine,
		tracker:     tracker,
		tokens:      tokens,
		gw:          gw,
	}
}

func (s *server) routes() http.Handler {
	engine := gin.New()
	engine.Use(gin.Recovery())
	engine.GET("/healthz", s.handleHealthz)
	engine.GET("/metrics", gin.WrapH(promhttp.Handler()))
	engine.GET("/api/feed", s.handleFeed)
	engine.POST("/api/feed/more", s.handleFeedMore)
	engine.POST("/api/messages/:id/pin", s.handlePin)
	engine.GET("/api/tokens/:mint", s.handleToken)
	engine.POST("/api/seen", s.handleSeen)
	return engine
}

func (s *server) handleHealthz(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// feedPage is the wire shape of one page, both upstream and downstream.
type feedPage struct {
	Items      []model.ChatMessage `json:"items"`
	NextCursor string              `json:"nextCursor"`
}

func (s *server) handleFeed(c *gin.Context) {
	page, err := s.coordinator.GetPage(c.Request.Context(), c.Query("cursor"))
	if err != nil {
		writeGatewayError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"items":      page.Items,
		"nextCursor": page.NextCursor,
		"hasMore":    page.NextCursor != "",
	})
}

func (s *server) handleFeedMore(c *gin.Context) {
	prior, err := s.coordinator.LoadMore(c.Request.Context())
	if err != nil {
		writeGatewayError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"priorCount": prior,
		"items":      s.coordinator.Items(),
	})
}

func (s *server) handlePin(c *gin.Context) {
	id := c.Param("id")
	var body struct {
		Pinned bool `json:"pinned"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid body"})
		return
	}

	err := s.engine.Mutate(c.Request.Context(), id, "pinned",
		func(m model.ChatMessage) model.ChatMessage {
			m.Pinned = body.Pinned
			m.UpdatedAt = time.Now().UnixMilli()
			return m
		},
		func(ctx context.Context) error {
			_, err := s.gw.Patch(ctx, "/api/messages/"+url.PathEscape(id)+"/pin", body)
			return err
		})
	if errors.Is(err, mutation.ErrUnknownItem) {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown message"})
		return
	}
	if err != nil {
		writeGatewayError(c, err)
		return
	}

	msg, ok := s.coordinator.Store().Get(id)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown message"})
		return
	}
	c.JSON(http.StatusOK, msg)
}

func (s *server) handleToken(c *gin.Context) {
	mint := c.Param("mint")

	// The callback can fire more than once (bare record, then the
	// enrichment refresh); the first result answers this request.
	results := make(chan model.TokenMetadata, 1)
	cancel := s.tokens.Subscribe(mint, func(token model.TokenMetadata, ok bool) {
		if !ok {
			return
		}
		select {
		case results <- token:
		default:
		}
	})
	defer cancel()

	select {
	case token := <-results:
		c.JSON(http.StatusOK, token)
	case <-time.After(5 * time.Second):
		c.JSON(http.StatusNotFound, gin.H{"error": "token metadata unavailable"})
	case <-c.Request.Context().Done():
		c.Status(http.StatusRequestTimeout)
	}
}

func (s *server) handleSeen(c *gin.Context) {
	var body struct {
		Timestamp int64 `json:"timestamp"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid body"})
		return
	}

	// A zero timestamp marks everything read.
	if body.Timestamp == 0 {
		c.JSON(http.StatusOK, gin.H{"lastSeen": s.tracker.JumpToLatest(c.Request.Context())})
		return
	}
	s.tracker.Advance(c.Request.Context(), body.Timestamp)
	c.JSON(http.StatusOK, gin.H{"lastSeen": s.tracker.LastSeen()})
}

// writeGatewayError maps upstream failures onto this API's status codes.
func writeGatewayError(c *gin.Context, err error) {
	switch {
	case gateway.IsNotFound(err):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	case gateway.IsConflict(err):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	default:
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
	}
}

// messagePageFetch adapts the upstream feed endpoint to the coordinator.
func messagePageFetch(gw *gateway.Client) feed.PageFetchFunc[model.ChatMessage] {
	return func(ctx context.Context, cursor string) (pagecache.Page[model.ChatMessage], error) {
		path := "/api/feed"
		if cursor != "" {
			path += "?cursor=" + url.QueryEscape(cursor)
		}
		payload, err := gw.Get(ctx, path)
		if err != nil {
			return pagecache.Page[model.ChatMessage]{}, err
		}

		var page feedPage
		if err := json.Unmarshal(payload, &page); err != nil {
			return pagecache.Page[model.ChatMessage]{}, fmt.Errorf("decode feed page: %w", err)
		}
		return pagecache.Page[model.ChatMessage]{
			Cursor:     cursor,
			Items:      page.Items,
			NextCursor: page.NextCursor,
		}, nil
	}
}

// tokenBatchFetch resolves a window of mints in one upstream call.
func tokenBatchFetch(gw *gateway.Client) batcher.BatchFunc[model.TokenMetadata] {
	return func(ctx context.Context, mints []string) (map[string]model.TokenMetadata, error) {
		payload, err := gw.Post(ctx, "/api/tokens/batch", gin.H{"mints": mints})
		if err != nil {
			return nil, err
		}

		var resp struct {
			Tokens map[string]model.TokenMetadata `json:"tokens"`
		}
		if err := json.Unmarshal(payload, &resp); err != nil {
			return nil, fmt.Errorf("decode token batch: %w", err)
		}
		return resp.Tokens, nil
	}
}

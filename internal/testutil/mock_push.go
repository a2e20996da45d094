package testutil

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"

	"github.com/gorilla/websocket"
)

// controlFrame mirrors the subscribe/unsubscribe frames the adapter emits.
type controlFrame struct {
	Event string `json:"event"`
	Scope string `json:"scope"`
}

// MockPush is a websocket push-channel server for testing the event adapter.
// It records scope declarations and can broadcast frames or drop connections
// to simulate outages.
type MockPush struct {
	server   *httptest.Server
	upgrader websocket.Upgrader

	mu         sync.Mutex
	conns      []*websocket.Conn
	total      int
	subscribed []string
	refusing   bool
}

// NewMockPush creates and starts a mock push server.
func NewMockPush() *MockPush {
	mock := &MockPush{}

	mock.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mock.mu.Lock()
		refusing := mock.refusing
		mock.mu.Unlock()
		if refusing {
			http.Error(w, "unavailable", http.StatusServiceUnavailable)
			return
		}

		conn, err := mock.upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}

		mock.mu.Lock()
		mock.conns = append(mock.conns, conn)
		mock.total++
		mock.mu.Unlock()

		// Read loop capturing scope declarations.
		go func() {
			for {
				_, data, err := conn.ReadMessage()
				if err != nil {
					return
				}
				var frame controlFrame
				if json.Unmarshal(data, &frame) != nil {
					continue
				}
				if frame.Event == "subscribe" {
					mock.mu.Lock()
					mock.subscribed = append(mock.subscribed, frame.Scope)
					mock.mu.Unlock()
				}
			}
		}()
	}))

	return mock
}

// URL returns the websocket URL of the mock server.
func (m *MockPush) URL() string {
	return "ws" + strings.TrimPrefix(m.server.URL, "http")
}

// Broadcast sends a JSON frame to every connected client.
func (m *MockPush) Broadcast(frame any) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, conn := range m.conns {
		if err := conn.WriteJSON(frame); err != nil {
			return err
		}
	}
	return nil
}

// Subscribed returns the scopes clients have declared, in order.
func (m *MockPush) Subscribed() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.subscribed...)
}

// ConnectionCount returns the total number of accepted connections,
// including ones that have since been dropped.
func (m *MockPush) ConnectionCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.total
}

// DropConnections force-closes all active connections, simulating an outage.
func (m *MockPush) DropConnections() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, conn := range m.conns {
		conn.Close()
	}
	m.conns = nil
}

// SetRefusing makes the server reject new websocket upgrades when true.
func (m *MockPush) SetRefusing(refusing bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.refusing = refusing
}

// Close shuts down the mock server.
func (m *MockPush) Close() {
	m.DropConnections()
	m.server.Close()
}

package events

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"

	"github.com/walletpulse/feedsync/pkg/logging"
)

// Prometheus metrics for the push channel.
var (
	eventsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "feedsync_events_total",
		Help: "Push events received by domain type",
	}, []string{"type"})

	eventsDeduped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "feedsync_events_deduped_total",
		Help: "Push events discarded because their identity was already applied",
	})

	reconnectsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "feedsync_reconnects_total",
		Help: "Push channel reconnect attempts",
	})

	channelDegraded = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "feedsync_channel_degraded",
		Help: "1 when the push channel has degraded to pull-only operation",
	})
)

// State describes the push channel connection.
type State string

const (
	// StateConnected: the channel is up and scope interest is declared.
	StateConnected State = "connected"

	// StateReconnecting: the connection dropped and redial is in progress.
	StateReconnecting State = "reconnecting"

	// StateDegraded: reconnect attempts are exhausted; consumers should
	// fall back to pull-only operation.
	StateDegraded State = "degraded"

	// StateClosed: the last consumer detached and the connection was torn down.
	StateClosed State = "closed"
)

// Status is delivered to the status handler on every state change. Gap is
// true when a (re)connect may have missed events, so the consumer should
// reconcile through the pull channel.
type Status struct {
	State    State
	Gap      bool
	Attempts int
}

// Handler receives deduplicated domain events.
type Handler func(DomainEvent)

// Config holds adapter configuration.
type Config struct {
	// URL is the websocket endpoint (ws:// or wss://).
	URL string

	// AuthToken is attached as a bearer credential on the dial request.
	AuthToken string

	// EventMap maps wire message names to domain events.
	// Defaults to DefaultEventMap().
	EventMap map[string]EventType

	// MaxReconnectAttempts bounds redial attempts per outage before the
	// adapter degrades to pull-only.
	MaxReconnectAttempts int

	// InitialReconnectBackoff is the first redial delay; it doubles per
	// attempt up to MaxReconnectBackoff.
	InitialReconnectBackoff time.Duration
	MaxReconnectBackoff     time.Duration

	// PingInterval keeps the connection alive.
	PingInterval time.Duration

	// RecoveryInterval is how long a degraded channel waits before trying
	// a fresh round of redials. Pull-only polling covers the gap meanwhile.
	RecoveryInterval time.Duration

	// LedgerCapacity bounds the dedup ledger.
	LedgerCapacity int

	// Dialer allows injecting a custom dialer (tests).
	Dialer *websocket.Dialer
}

// DefaultConfig returns a safe default configuration.
func DefaultConfig(url string) Config {
	return Config{
		URL:                     url,
		EventMap:                DefaultEventMap(),
		MaxReconnectAttempts:    5,
		InitialReconnectBackoff: time.Second,
		MaxReconnectBackoff:     30 * time.Second,
		PingInterval:            30 * time.Second,
		RecoveryInterval:        time.Minute,
		LedgerCapacity:          DefaultLedgerCapacity,
	}
}

// Adapter maintains the push channel connection. Consumers attach per feed
// scope; the underlying connection is reference-counted and only torn down
// when the last consumer detaches. The event handler lives in a mutable cell
// (SetHandler) so a long-lived connection always dispatches to the latest
// caller-supplied closure.
type Adapter struct {
	config Config
	ledger *Ledger
	logger zerolog.Logger

	handlerMu     sync.RWMutex
	handler       Handler
	statusHandler func(Status)

	mu      sync.Mutex
	scopes  map[string]int
	refs    int
	running bool
	conn    *websocket.Conn
	writeMu sync.Mutex
	cancel  context.CancelFunc
	done    chan struct{}
}

// New creates an adapter. No connection is made until the first Attach.
func New(cfg Config) *Adapter {
	if cfg.EventMap == nil {
		cfg.EventMap = DefaultEventMap()
	}
	if cfg.MaxReconnectAttempts <= 0 {
		cfg.MaxReconnectAttempts = 5
	}
	if cfg.InitialReconnectBackoff <= 0 {
		cfg.InitialReconnectBackoff = time.Second
	}
	if cfg.MaxReconnectBackoff <= 0 {
		cfg.MaxReconnectBackoff = 30 * time.Second
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = 30 * time.Second
	}
	if cfg.RecoveryInterval <= 0 {
		cfg.RecoveryInterval = time.Minute
	}
	if cfg.Dialer == nil {
		cfg.Dialer = websocket.DefaultDialer
	}

	return &Adapter{
		config: cfg,
		ledger: NewLedger(cfg.LedgerCapacity),
		logger: logging.NewLogger("events"),
		scopes: make(map[string]int),
	}
}

// SetHandler installs the event handler. May be called at any time; the
// running read loop picks up the new handler on the next event.
func (a *Adapter) SetHandler(h Handler) {
	a.handlerMu.Lock()
	a.handler = h
	a.handlerMu.Unlock()
}

// SetStatusHandler installs the connection status handler.
func (a *Adapter) SetStatusHandler(h func(Status)) {
	a.handlerMu.Lock()
	a.statusHandler = h
	a.handlerMu.Unlock()
}

// Ledger exposes the dedup ledger so the pull channel can record fetched
// item versions, discarding delayed push duplicates of the same update.
func (a *Adapter) Ledger() *Ledger {
	return a.ledger
}

// Attach declares interest in a feed scope and returns a detach func.
// The first attachment dials the channel; further attachments share the
// connection. Detaching must not affect other consumers; the connection
// closes when the last consumer detaches.
func (a *Adapter) Attach(scope string) func() {
	a.mu.Lock()
	a.refs++
	a.scopes[scope]++
	newScope := a.scopes[scope] == 1
	conn := a.conn
	start := !a.running
	if start {
		a.running = true
		ctx, cancel := context.WithCancel(context.Background())
		a.cancel = cancel
		a.done = make(chan struct{})
		go a.run(ctx)
	}
	a.mu.Unlock()

	if newScope && conn != nil {
		a.emit(conn, wireFrame{Event: "subscribe", Scope: scope})
	}

	var once sync.Once
	return func() {
		once.Do(func() { a.detach(scope) })
	}
}

func (a *Adapter) detach(scope string) {
	a.mu.Lock()
	a.refs--
	a.scopes[scope]--
	lastForScope := a.scopes[scope] == 0
	if lastForScope {
		delete(a.scopes, scope)
	}
	lastConsumer := a.refs == 0
	conn := a.conn
	var cancel context.CancelFunc
	var done chan struct{}
	if lastConsumer && a.running {
		cancel = a.cancel
		done = a.done
		a.running = false
	}
	a.mu.Unlock()

	if lastForScope && !lastConsumer && conn != nil {
		a.emit(conn, wireFrame{Event: "unsubscribe", Scope: scope})
	}

	if cancel != nil {
		cancel()
		if conn != nil {
			conn.Close()
		}
		<-done
		a.notifyStatus(Status{State: StateClosed})
	}
}

// run is the connect/reconnect loop.
func (a *Adapter) run(ctx context.Context) {
	defer close(a.done)

	attempts := 0
	everConnected := false
	wasDegraded := false
	backoff := a.config.InitialReconnectBackoff

	for {
		if ctx.Err() != nil {
			return
		}

		conn, err := a.dial(ctx)
		if err != nil {
			attempts++
			reconnectsTotal.Inc()
			if attempts >= a.config.MaxReconnectAttempts {
				a.logger.Error().
					Err(err).
					Int("attempts", attempts).
					Dur("recovery_interval", a.config.RecoveryInterval).
					Msg("Push channel degraded to pull-only operation")
				channelDegraded.Set(1)
				a.notifyStatus(Status{State: StateDegraded, Attempts: attempts})

				// Pull-only polling covers the outage; after the recovery
				// interval a fresh redial budget is granted.
				select {
				case <-ctx.Done():
					return
				case <-time.After(a.config.RecoveryInterval):
				}
				attempts = 0
				backoff = a.config.InitialReconnectBackoff
				wasDegraded = true
				continue
			}

			a.logger.Warn().
				Err(err).
				Int("attempt", attempts).
				Dur("backoff", backoff).
				Msg("Push channel dial failed, retrying")
			a.notifyStatus(Status{State: StateReconnecting, Attempts: attempts})

			select {
			case <-ctx.Done():
				return
			case <-time.After(backoff):
			}
			backoff *= 2
			if backoff > a.config.MaxReconnectBackoff {
				backoff = a.config.MaxReconnectBackoff
			}
			continue
		}

		a.mu.Lock()
		a.conn = conn
		scopes := make([]string, 0, len(a.scopes))
		for scope := range a.scopes {
			scopes = append(scopes, scope)
		}
		a.mu.Unlock()

		// Scope membership must be re-declared on every (re)connect;
		// connection loss and resume must not silently drop scope.
		for _, scope := range scopes {
			a.emit(conn, wireFrame{Event: "subscribe", Scope: scope})
		}

		channelDegraded.Set(0)
		a.logger.Info().
			Str("url", a.config.URL).
			Int("scopes", len(scopes)).
			Bool("resumed", everConnected).
			Msg("Push channel connected")
		// A connect after a degraded stretch may have missed events even if
		// the channel never carried any before, so it reports a gap too.
		a.notifyStatus(Status{State: StateConnected, Gap: everConnected || wasDegraded, Attempts: attempts})

		attempts = 0
		backoff = a.config.InitialReconnectBackoff
		everConnected = true
		wasDegraded = false

		pingDone := make(chan struct{})
		go a.pingLoop(ctx, conn, pingDone)

		a.readLoop(ctx, conn)
		close(pingDone)

		a.mu.Lock()
		a.conn = nil
		a.mu.Unlock()
		conn.Close()

		if ctx.Err() != nil {
			return
		}
		reconnectsTotal.Inc()
		attempts = 1
		a.notifyStatus(Status{State: StateReconnecting, Attempts: attempts})

		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}
	}
}

func (a *Adapter) dial(ctx context.Context) (*websocket.Conn, error) {
	header := http.Header{}
	if a.config.AuthToken != "" {
		header.Set("Authorization", "Bearer "+a.config.AuthToken)
	}
	conn, resp, err := a.config.Dialer.DialContext(ctx, a.config.URL, header)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	return conn, err
}

// readLoop consumes frames until the connection fails or ctx is cancelled.
func (a *Adapter) readLoop(ctx context.Context, conn *websocket.Conn) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() == nil {
				a.logger.Warn().Err(err).Msg("Push channel read failed")
			}
			return
		}

		var frame wireFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			a.logger.Debug().Err(err).Msg("Dropping malformed frame")
			continue
		}

		eventType, ok := a.config.EventMap[frame.Event]
		if !ok {
			// Presence/typing noise the sync core does not care about.
			continue
		}

		event := DomainEvent{
			Type:    eventType,
			Key:     frame.Key,
			Version: frame.Timestamp,
			Scope:   frame.Scope,
			Payload: frame.Payload,
		}

		if !a.ledger.MarkApplied(event.Identity()) {
			eventsDeduped.Inc()
			a.logger.Debug().
				Str("identity", event.Identity()).
				Msg("Event already applied, discarding")
			continue
		}

		eventsTotal.WithLabelValues(string(eventType)).Inc()

		a.handlerMu.RLock()
		handler := a.handler
		a.handlerMu.RUnlock()
		if handler != nil {
			handler(event)
		}
	}
}

// pingLoop keeps the connection alive until it closes.
func (a *Adapter) pingLoop(ctx context.Context, conn *websocket.Conn, done <-chan struct{}) {
	ticker := time.NewTicker(a.config.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-done:
			return
		case <-ticker.C:
			a.writeMu.Lock()
			err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second))
			a.writeMu.Unlock()
			if err != nil {
				return
			}
		}
	}
}

// emit sends a control frame (scope interest declaration).
func (a *Adapter) emit(conn *websocket.Conn, frame wireFrame) {
	a.writeMu.Lock()
	defer a.writeMu.Unlock()
	if err := conn.WriteJSON(frame); err != nil {
		a.logger.Warn().Err(err).Str("event", frame.Event).Msg("Failed to emit control frame")
	}
}

func (a *Adapter) notifyStatus(status Status) {
	a.handlerMu.RLock()
	handler := a.statusHandler
	a.handlerMu.RUnlock()
	if handler != nil {
		handler(status)
	}
}

package realtime

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

const chatSocketPath = "/api/v2/chats/ws"

var (
	// ErrReconnectExhausted is surfaced in the status once every reconnect attempt has failed.
	ErrReconnectExhausted = errors.New("reconnect attempts exhausted")
	// ErrConnectionClosed is returned by Connect when Disconnect ran while the dial was in flight.
	ErrConnectionClosed = errors.New("connection closed")
)

// Status is the observable connection state.
type Status struct {
	Connected  bool
	Connecting bool
	Err        error
}

// Conn is the subset of a websocket connection the manager uses.
type Conn interface {
	ReadMessage() (int, []byte, error)
	WriteMessage(messageType int, data []byte) error
	Close() error
}

// Dialer opens websocket connections.
type Dialer interface {
	DialContext(ctx context.Context, url string, header http.Header) (Conn, error)
}

type gorillaDialer struct {
	dialer *websocket.Dialer
}

// NewWebsocketDialer returns a Dialer backed by gorilla/websocket.
func NewWebsocketDialer(handshakeTimeout time.Duration) Dialer {
	return gorillaDialer{dialer: &websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: handshakeTimeout,
	}}
}

func (d gorillaDialer) DialContext(ctx context.Context, target string, header http.Header) (Conn, error) {
	conn, resp, err := d.dialer.DialContext(ctx, target, header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dial %s: %w (status %d)", target, err, resp.StatusCode)
		}
		return nil, fmt.Errorf("dial %s: %w", target, err)
	}
	return conn, nil
}

// WebsocketURL derives the chat socket endpoint from the API base URL.
func WebsocketURL(serverURL string) (string, error) {
	parsed, err := url.Parse(strings.TrimSpace(serverURL))
	if err != nil {
		return "", fmt.Errorf("parse server url: %w", err)
	}
	switch parsed.Scheme {
	case "http", "ws":
		parsed.Scheme = "ws"
	case "https", "wss":
		parsed.Scheme = "wss"
	default:
		return "", fmt.Errorf("unsupported server url scheme %q", parsed.Scheme)
	}
	parsed.Path = strings.TrimSuffix(parsed.Path, "/") + chatSocketPath
	return parsed.String(), nil
}

// ConnectionManagerConfig configures a ConnectionManager.
type ConnectionManagerConfig struct {
	URL                  string
	MaxReconnectAttempts int
	ReconnectDelay       time.Duration
	Dialer               Dialer
	Decoder              *Decoder
	Clock                clock.Clock
	Logger               zerolog.Logger
}

type connState int

const (
	stateDisconnected connState = iota
	stateConnecting
	stateConnected
)

// ConnectionManager owns the single event channel to the server.
type ConnectionManager struct {
	url         string
	dialer      Dialer
	decoder     *Decoder
	clock       clock.Clock
	logger      zerolog.Logger
	maxAttempts int
	delay       time.Duration

	mu         sync.Mutex
	state      connState
	conn       Conn
	credential string
	lastErr    error
	cancel     context.CancelFunc
	generation uint64
	handler    func(InboundEvent)
	listeners  map[int]func(Status)
	nextID     int

	writeMu sync.Mutex
}

// NewConnectionManager constructs a manager. Nothing is dialled until Connect.
func NewConnectionManager(cfg ConnectionManagerConfig) (*ConnectionManager, error) {
	if cfg.URL == "" {
		return nil, errors.New("websocket url is required")
	}
	decoder := cfg.Decoder
	if decoder == nil {
		var err error
		if decoder, err = NewDecoder(); err != nil {
			return nil, err
		}
	}
	dialer := cfg.Dialer
	if dialer == nil {
		dialer = NewWebsocketDialer(10 * time.Second)
	}
	clk := cfg.Clock
	if clk == nil {
		clk = clock.New()
	}
	attempts := cfg.MaxReconnectAttempts
	if attempts < 0 {
		attempts = 0
	}
	delay := cfg.ReconnectDelay
	if delay <= 0 {
		delay = time.Second
	}

	return &ConnectionManager{
		url:         cfg.URL,
		dialer:      dialer,
		decoder:     decoder,
		clock:       clk,
		logger:      cfg.Logger.With().Str("component", "chat_connection").Logger(),
		maxAttempts: attempts,
		delay:       delay,
		listeners:   make(map[int]func(Status)),
	}, nil
}

// Connect dials the server with the bearer credential. It is a no-op while connected or connecting.
func (m *ConnectionManager) Connect(ctx context.Context, credential string) error {
	m.mu.Lock()
	if m.state != stateDisconnected {
		m.mu.Unlock()
		return nil
	}
	m.state = stateConnecting
	m.credential = credential
	m.generation++
	gen := m.generation
	runCtx, cancel := context.WithCancel(context.Background())
	m.cancel = cancel
	m.mu.Unlock()

	m.notify(Status{Connecting: true})

	conn, err := m.dialer.DialContext(ctx, m.url, bearerHeader(credential))

	m.mu.Lock()
	if gen != m.generation {
		m.mu.Unlock()
		if conn != nil {
			_ = conn.Close()
		}
		return ErrConnectionClosed
	}
	if err != nil {
		m.state = stateDisconnected
		m.lastErr = err
		m.cancel = nil
		m.mu.Unlock()
		cancel()
		m.logger.Warn().Err(err).Msg("chat connection failed")
		m.notify(Status{Err: err})
		return err
	}
	m.state = stateConnected
	m.conn = conn
	m.lastErr = nil
	m.mu.Unlock()

	m.logger.Info().Msg("chat connection established")
	m.notify(Status{Connected: true})
	go m.readLoop(runCtx, conn, gen)
	return nil
}

// Disconnect closes the connection and cancels any reconnect loop. Calling it twice is harmless.
func (m *ConnectionManager) Disconnect() {
	m.mu.Lock()
	active := m.state != stateDisconnected
	m.generation++
	conn := m.conn
	cancel := m.cancel
	m.conn = nil
	m.cancel = nil
	m.state = stateDisconnected
	m.lastErr = nil
	m.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if conn != nil {
		_ = conn.Close()
	}
	if active {
		m.logger.Info().Msg("chat connection closed")
		m.notify(Status{})
	}
}

// Emit writes one outbound frame. It reports false, dropping the frame, when not connected.
func (m *ConnectionManager) Emit(event string, payload interface{}) bool {
	m.mu.Lock()
	conn := m.conn
	connected := m.state == stateConnected
	m.mu.Unlock()

	if !connected || conn == nil {
		m.logger.Debug().Str("event", event).Msg("dropping chat frame while disconnected")
		return false
	}

	data, err := encodeFrame(event, payload)
	if err != nil {
		m.logger.Warn().Err(err).Str("event", event).Msg("failed to encode chat frame")
		return false
	}

	m.writeMu.Lock()
	err = conn.WriteMessage(websocket.TextMessage, data)
	m.writeMu.Unlock()
	if err != nil {
		m.logger.Debug().Err(err).Str("event", event).Msg("chat frame write failed")
		return false
	}
	return true
}

// Status returns the current connection state.
func (m *ConnectionManager) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return Status{
		Connected:  m.state == stateConnected,
		Connecting: m.state == stateConnecting,
		Err:        m.lastErr,
	}
}

// OnStatus registers a status listener and returns a function that removes it.
func (m *ConnectionManager) OnStatus(fn func(Status)) func() {
	m.mu.Lock()
	id := m.nextID
	m.nextID++
	m.listeners[id] = fn
	m.mu.Unlock()

	return func() {
		m.mu.Lock()
		delete(m.listeners, id)
		m.mu.Unlock()
	}
}

// OnEvent sets the single inbound event handler. Events are delivered serially in arrival order.
func (m *ConnectionManager) OnEvent(fn func(InboundEvent)) {
	m.mu.Lock()
	m.handler = fn
	m.mu.Unlock()
}

func (m *ConnectionManager) notify(status Status) {
	m.mu.Lock()
	listeners := make([]func(Status), 0, len(m.listeners))
	for _, fn := range m.listeners {
		listeners = append(listeners, fn)
	}
	m.mu.Unlock()

	for _, fn := range listeners {
		fn(status)
	}
}

func (m *ConnectionManager) dispatch(event InboundEvent) {
	m.mu.Lock()
	handler := m.handler
	m.mu.Unlock()
	if handler != nil {
		handler(event)
	}
}

func (m *ConnectionManager) readLoop(ctx context.Context, conn Conn, gen uint64) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			m.handleLoss(ctx, conn, gen, err)
			return
		}

		event, err := m.decoder.Decode(data)
		if err != nil {
			m.logger.Warn().Err(err).Msg("dropping inbound chat frame")
			continue
		}
		m.dispatch(event)
	}
}

func (m *ConnectionManager) handleLoss(ctx context.Context, conn Conn, gen uint64, cause error) {
	m.mu.Lock()
	if gen != m.generation || m.conn != conn {
		m.mu.Unlock()
		return
	}
	m.conn = nil
	m.state = stateConnecting
	m.lastErr = cause
	m.mu.Unlock()

	_ = conn.Close()
	m.logger.Warn().Err(cause).Msg("chat connection lost")
	m.notify(Status{Connecting: m.maxAttempts > 0, Err: cause})
	m.reconnect(ctx, gen)
}

func (m *ConnectionManager) reconnect(ctx context.Context, gen uint64) {
	var lastErr error
	for attempt := 1; attempt <= m.maxAttempts; attempt++ {
		timer := m.clock.Timer(m.delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}

		m.mu.Lock()
		if gen != m.generation {
			m.mu.Unlock()
			return
		}
		credential := m.credential
		m.mu.Unlock()

		conn, err := m.dialer.DialContext(ctx, m.url, bearerHeader(credential))

		m.mu.Lock()
		if gen != m.generation {
			m.mu.Unlock()
			if conn != nil {
				_ = conn.Close()
			}
			return
		}
		if err == nil {
			m.conn = conn
			m.state = stateConnected
			m.lastErr = nil
			m.mu.Unlock()

			m.logger.Info().Int("attempt", attempt).Msg("chat connection re-established")
			m.notify(Status{Connected: true})
			go m.readLoop(ctx, conn, gen)
			return
		}
		m.lastErr = err
		m.mu.Unlock()

		lastErr = err
		m.logger.Warn().Err(err).Int("attempt", attempt).Int("max_attempts", m.maxAttempts).Msg("chat reconnect failed")
	}

	exhausted := ErrReconnectExhausted
	if lastErr != nil {
		exhausted = fmt.Errorf("%w after %d attempts: %v", ErrReconnectExhausted, m.maxAttempts, lastErr)
	}

	m.mu.Lock()
	if gen != m.generation {
		m.mu.Unlock()
		return
	}
	m.state = stateDisconnected
	m.lastErr = exhausted
	cancel := m.cancel
	m.cancel = nil
	m.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	m.logger.Error().Err(exhausted).Msg("chat connection gave up")
	m.notify(Status{Err: exhausted})
}

func bearerHeader(credential string) http.Header {
	header := http.Header{}
	if credential != "" {
		header.Set("Authorization", "Bearer "+credential)
	}
	return header
}

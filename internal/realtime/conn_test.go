package realtime

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/noah-isme/gema-notes-api/internal/dto"
)

var errPipeClosed = errors.New("pipe closed")

type pipeConn struct {
	in      chan []byte
	written chan []byte
	closed  chan struct{}
	once    sync.Once
}

func newPipeConn() *pipeConn {
	return &pipeConn{
		in:      make(chan []byte, 16),
		written: make(chan []byte, 16),
		closed:  make(chan struct{}),
	}
}

func (c *pipeConn) ReadMessage() (int, []byte, error) {
	select {
	case data := <-c.in:
		return 1, data, nil
	case <-c.closed:
		return 0, nil, errPipeClosed
	}
}

func (c *pipeConn) WriteMessage(_ int, data []byte) error {
	select {
	case <-c.closed:
		return errPipeClosed
	default:
	}
	c.written <- data
	return nil
}

func (c *pipeConn) Close() error {
	c.once.Do(func() { close(c.closed) })
	return nil
}

// scriptedDialer answers dials from a queue; an empty queue fails the dial.
type scriptedDialer struct {
	mu      sync.Mutex
	results []func() (Conn, error)
	headers []http.Header
	dials   int
	block   chan struct{}
}

func (d *scriptedDialer) push(results ...func() (Conn, error)) {
	d.mu.Lock()
	d.results = append(d.results, results...)
	d.mu.Unlock()
}

func (d *scriptedDialer) DialContext(ctx context.Context, _ string, header http.Header) (Conn, error) {
	d.mu.Lock()
	d.dials++
	d.headers = append(d.headers, header)
	block := d.block
	var next func() (Conn, error)
	if len(d.results) > 0 {
		next = d.results[0]
		d.results = d.results[1:]
	}
	d.mu.Unlock()

	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if next == nil {
		return nil, errors.New("connection refused")
	}
	return next()
}

func (d *scriptedDialer) dialCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dials
}

func succeed(conn *pipeConn) func() (Conn, error) {
	return func() (Conn, error) { return conn, nil }
}

type statusLog struct {
	mu       sync.Mutex
	statuses []Status
}

func (l *statusLog) record(status Status) {
	l.mu.Lock()
	l.statuses = append(l.statuses, status)
	l.mu.Unlock()
}

func (l *statusLog) last() Status {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.statuses) == 0 {
		return Status{}
	}
	return l.statuses[len(l.statuses)-1]
}

func (l *statusLog) count() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.statuses)
}

func newTestManager(t *testing.T, dialer Dialer, attempts int) *ConnectionManager {
	t.Helper()
	manager, err := NewConnectionManager(ConnectionManagerConfig{
		URL:                  "ws://chat.test/api/v2/chats/ws",
		MaxReconnectAttempts: attempts,
		ReconnectDelay:       5 * time.Millisecond,
		Dialer:               dialer,
		Logger:               testLogger(),
	})
	require.NoError(t, err)
	t.Cleanup(manager.Disconnect)
	return manager
}

func TestWebsocketURL(t *testing.T) {
	got, err := WebsocketURL("http://localhost:8080/")
	require.NoError(t, err)
	require.Equal(t, "ws://localhost:8080/api/v2/chats/ws", got)

	got, err = WebsocketURL("https://chat.example.com/base")
	require.NoError(t, err)
	require.Equal(t, "wss://chat.example.com/base/api/v2/chats/ws", got)

	_, err = WebsocketURL("ftp://example.com")
	require.Error(t, err)
}

func TestConnectSendsBearerAndIsNoOpWhenConnected(t *testing.T) {
	conn := newPipeConn()
	dialer := &scriptedDialer{}
	dialer.push(succeed(conn))
	manager := newTestManager(t, dialer, 0)

	require.NoError(t, manager.Connect(context.Background(), "secret-token"))
	require.True(t, manager.Status().Connected)
	require.NoError(t, manager.Connect(context.Background(), "other"))
	require.Equal(t, 1, dialer.dialCount())
	require.Equal(t, "Bearer secret-token", dialer.headers[0].Get("Authorization"))
}

func TestConnectIsNoOpWhileConnecting(t *testing.T) {
	conn := newPipeConn()
	dialer := &scriptedDialer{block: make(chan struct{})}
	dialer.push(succeed(conn))
	manager := newTestManager(t, dialer, 0)

	done := make(chan error, 1)
	go func() { done <- manager.Connect(context.Background(), "t") }()
	require.Eventually(t, func() bool { return manager.Status().Connecting }, time.Second, time.Millisecond)

	require.NoError(t, manager.Connect(context.Background(), "t"))
	close(dialer.block)
	require.NoError(t, <-done)
	require.Equal(t, 1, dialer.dialCount())
	require.True(t, manager.Status().Connected)
}

func TestEmitDropsWhileDisconnected(t *testing.T) {
	manager := newTestManager(t, &scriptedDialer{}, 0)
	require.False(t, manager.Emit(dto.EventTypingStart, dto.TypingPayload{ChatID: "c1"}))
}

func TestEmitWritesFrame(t *testing.T) {
	conn := newPipeConn()
	dialer := &scriptedDialer{}
	dialer.push(succeed(conn))
	manager := newTestManager(t, dialer, 0)
	require.NoError(t, manager.Connect(context.Background(), "t"))

	require.True(t, manager.Emit(dto.EventMessageDelete, dto.DeleteMessagePayload{MessageID: "m1"}))
	require.JSONEq(t, `{"event":"message:delete","data":{"messageId":"m1"}}`, string(<-conn.written))
}

func TestInboundEventsAreDeliveredInOrderAndBadFramesDropped(t *testing.T) {
	conn := newPipeConn()
	dialer := &scriptedDialer{}
	dialer.push(succeed(conn))
	manager := newTestManager(t, dialer, 0)

	var mu sync.Mutex
	var received []InboundEvent
	manager.OnEvent(func(event InboundEvent) {
		mu.Lock()
		received = append(received, event)
		mu.Unlock()
	})
	require.NoError(t, manager.Connect(context.Background(), "t"))

	conn.in <- frameBytes(t, dto.EventUserOnline, dto.PresenceEvent{UserID: "u1"})
	conn.in <- []byte(`{"event":"bogus","data":{}}`)
	conn.in <- []byte(`not json`)
	conn.in <- frameBytes(t, dto.EventUserOffline, dto.PresenceEvent{UserID: "u1"})
	conn.in <- frameBytes(t, dto.EventUserOnline, dto.PresenceEvent{UserID: "u2"})

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(received) == 3
	}, time.Second, 5*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, []InboundEvent{UserOnline{UserID: "u1"}, UserOffline{UserID: "u1"}, UserOnline{UserID: "u2"}}, received)
}

func TestReconnectAfterUnexpectedLoss(t *testing.T) {
	first, second := newPipeConn(), newPipeConn()
	dialer := &scriptedDialer{}
	dialer.push(succeed(first), func() (Conn, error) { return nil, errors.New("still down") }, succeed(second))
	manager := newTestManager(t, dialer, 3)

	log := &statusLog{}
	manager.OnStatus(log.record)
	require.NoError(t, manager.Connect(context.Background(), "t"))

	_ = first.Close()
	require.Eventually(t, func() bool { return dialer.dialCount() == 3 && manager.Status().Connected }, 2*time.Second, 5*time.Millisecond)
	require.True(t, log.last().Connected)
	require.NoError(t, manager.Status().Err)

	require.True(t, manager.Emit(dto.EventTypingStop, dto.TypingPayload{ChatID: "c1"}))
	<-second.written
}

func TestReconnectExhaustionSurfacesError(t *testing.T) {
	conn := newPipeConn()
	dialer := &scriptedDialer{}
	dialer.push(succeed(conn))
	manager := newTestManager(t, dialer, 2)

	log := &statusLog{}
	manager.OnStatus(log.record)
	require.NoError(t, manager.Connect(context.Background(), "t"))

	_ = conn.Close()
	require.Eventually(t, func() bool {
		return errors.Is(manager.Status().Err, ErrReconnectExhausted)
	}, 2*time.Second, 5*time.Millisecond)

	status := manager.Status()
	require.False(t, status.Connected)
	require.False(t, status.Connecting)
	require.Equal(t, 3, dialer.dialCount())
	require.True(t, errors.Is(log.last().Err, ErrReconnectExhausted))
	require.False(t, manager.Emit(dto.EventTypingStop, dto.TypingPayload{ChatID: "c1"}))
}

func TestDisconnectIsIdempotentAndStopsReconnect(t *testing.T) {
	conn := newPipeConn()
	dialer := &scriptedDialer{}
	dialer.push(succeed(conn))
	manager := newTestManager(t, dialer, 5)

	log := &statusLog{}
	unsubscribe := manager.OnStatus(log.record)
	require.NoError(t, manager.Connect(context.Background(), "t"))

	manager.Disconnect()
	manager.Disconnect()
	require.False(t, manager.Status().Connected)
	require.NoError(t, manager.Status().Err)

	time.Sleep(30 * time.Millisecond)
	require.Equal(t, 1, dialer.dialCount())

	unsubscribe()
	seen := log.count()
	conn2 := newPipeConn()
	dialer.push(succeed(conn2))
	require.NoError(t, manager.Connect(context.Background(), "t"))
	require.Equal(t, seen, log.count())
}

func TestConnectFailureIsReported(t *testing.T) {
	manager := newTestManager(t, &scriptedDialer{}, 3)
	log := &statusLog{}
	manager.OnStatus(log.record)

	require.Error(t, manager.Connect(context.Background(), "t"))
	require.False(t, manager.Status().Connected)
	require.Error(t, manager.Status().Err)
	require.Error(t, log.last().Err)
}

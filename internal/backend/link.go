// Package backend maintains the persistent WebSocket link to the voice
// backend. It owns connect, reconnect, framing, and dispatch; what the
// frames mean is up to the registered handler.
package backend

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nugget/wonderland-agent/internal/buildinfo"
	"github.com/nugget/wonderland-agent/internal/config"
	"github.com/nugget/wonderland-agent/internal/connwatch"
	"github.com/nugget/wonderland-agent/internal/protocol"
)

// DefaultURL is where the voice backend listens unless configured.
const DefaultURL = "ws://localhost:8765"

// ConnectTimeout bounds the dial and WebSocket handshake.
const ConnectTimeout = 10 * time.Second

// ReconnectInterval is the fixed delay between reconnect attempts.
const ReconnectInterval = 5 * time.Second

const writeTimeout = 10 * time.Second

// ConnState is the link's position in its connection state machine:
// Disconnected -> Connecting -> Connected -> Disconnected.
type ConnState int

// Connection states.
const (
	StateDisconnected ConnState = iota
	StateConnecting
	StateConnected
)

func (s ConnState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	default:
		return fmt.Sprintf("ConnState(%d)", int(s))
	}
}

// ErrTimeout is returned when the handshake does not complete within
// the connect deadline.
var ErrTimeout = errors.New("backend connect timed out")

// ErrClosed is returned by Connect after Close.
var ErrClosed = errors.New("backend link closed")

// TransportError wraps a socket-level failure.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string { return "backend " + e.Op + ": " + e.Err.Error() }

func (e *TransportError) Unwrap() error { return e.Err }

// Handler receives every decoded inbound message, in arrival order,
// from the link's single read goroutine.
type Handler func(protocol.Message)

// Config configures a [Link]. Zero durations take the package defaults.
type Config struct {
	URL               string
	ConnectTimeout    time.Duration
	ReconnectInterval time.Duration
}

// Status is a diagnostic view of the link.
type Status struct {
	URL       string           `json:"url"`
	State     string           `json:"state"`
	Reconnect connwatch.Status `json:"reconnect"`
}

// Link owns at most one live socket to the voice backend.
type Link struct {
	url    string
	cfg    Config
	logger *slog.Logger
	dialer websocket.Dialer

	mu       sync.Mutex
	conn     *websocket.Conn
	state    ConnState
	closed   bool
	handler  Handler
	snapshot func() protocol.Snapshot
	onStatus func(connected bool)

	writeMu sync.Mutex
	readers sync.WaitGroup

	reconnector *connwatch.Reconnector
}

// NewLink creates a disconnected link. http(s) URLs are rewritten to
// ws(s). Register handlers before calling Connect.
func NewLink(cfg Config, logger *slog.Logger) (*Link, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.URL == "" {
		cfg.URL = DefaultURL
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = ConnectTimeout
	}
	if cfg.ReconnectInterval <= 0 {
		cfg.ReconnectInterval = ReconnectInterval
	}

	u, err := url.Parse(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("parse backend URL: %w", err)
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	case "http":
		u.Scheme = "ws"
	case "ws", "wss":
	default:
		return nil, fmt.Errorf("unsupported backend URL scheme %q", u.Scheme)
	}

	l := &Link{
		url:    u.String(),
		cfg:    cfg,
		logger: logger.With("component", "backend"),
		dialer: websocket.Dialer{
			HandshakeTimeout: cfg.ConnectTimeout,
		},
	}
	l.reconnector = connwatch.New(connwatch.Config{
		Name:           "backend",
		Interval:       cfg.ReconnectInterval,
		AttemptTimeout: cfg.ConnectTimeout,
		Attempt:        l.connect,
		NeedsConnect: func() bool {
			l.mu.Lock()
			defer l.mu.Unlock()
			return !l.closed && l.state == StateDisconnected
		},
		Logger: l.logger,
	})
	return l, nil
}

// OnMessage registers the single dispatch target for inbound messages.
func (l *Link) OnMessage(h Handler) {
	l.mu.Lock()
	l.handler = h
	l.mu.Unlock()
}

// OnStatus registers a callback for connected/disconnected transitions.
func (l *Link) OnStatus(f func(connected bool)) {
	l.mu.Lock()
	l.onStatus = f
	l.mu.Unlock()
}

// SetSnapshotFunc registers the source of the state echo pushed on
// every successful (re)connect.
func (l *Link) SetSnapshotFunc(f func() protocol.Snapshot) {
	l.mu.Lock()
	l.snapshot = f
	l.mu.Unlock()
}

// URL returns the normalized backend URL.
func (l *Link) URL() string { return l.url }

// State returns the current connection state.
func (l *Link) State() ConnState {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

// Connected reports whether the socket is open.
func (l *Link) Connected() bool { return l.State() == StateConnected }

// Status returns a diagnostic snapshot.
func (l *Link) Status() Status {
	return Status{
		URL:       l.url,
		State:     l.State().String(),
		Reconnect: l.reconnector.Status(),
	}
}

// Connect dials the backend. It returns [ErrTimeout] if the handshake
// does not finish within the connect deadline and a *[TransportError]
// for any other failure; either way a reconnect is scheduled. Calling
// Connect while already connecting or connected is a no-op.
func (l *Link) Connect(ctx context.Context) error {
	err := l.connect(ctx)
	if err != nil && !errors.Is(err, ErrClosed) {
		l.reconnector.Trigger()
	}
	return err
}

func (l *Link) connect(ctx context.Context) error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return ErrClosed
	}
	if l.state != StateDisconnected {
		l.mu.Unlock()
		return nil
	}
	l.state = StateConnecting
	l.mu.Unlock()

	l.logger.Info("connecting to voice backend", "url", l.url)

	dialCtx, cancel := context.WithTimeout(ctx, l.cfg.ConnectTimeout)
	defer cancel()

	conn, _, err := l.dialer.DialContext(dialCtx, l.url, http.Header{"User-Agent": {buildinfo.UserAgent()}})
	if err != nil {
		l.setState(StateDisconnected)
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(dialCtx.Err(), context.DeadlineExceeded) {
			l.logger.Warn("voice backend connect timed out", "url", l.url, "timeout", l.cfg.ConnectTimeout.String())
			return fmt.Errorf("connect %s: %w", l.url, ErrTimeout)
		}
		var netErr interface{ Timeout() bool }
		if errors.As(err, &netErr) && netErr.Timeout() {
			l.logger.Warn("voice backend connect timed out", "url", l.url, "timeout", l.cfg.ConnectTimeout.String())
			return fmt.Errorf("connect %s: %w", l.url, ErrTimeout)
		}
		l.logger.Warn("voice backend connect failed", "url", l.url, "error", err)
		return &TransportError{Op: "dial", Err: err}
	}

	return l.opened(conn)
}

// opened is the one open handler: it publishes the connection, reports
// the transition, starts the read loop, and echoes the current state.
func (l *Link) opened(conn *websocket.Conn) error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		conn.Close()
		return ErrClosed
	}
	l.conn = conn
	l.state = StateConnected
	onStatus := l.onStatus
	snapshot := l.snapshot
	l.mu.Unlock()

	l.logger.Info("connected to voice backend", "url", l.url)
	// Report up before the read loop can report down.
	if onStatus != nil {
		onStatus(true)
	}

	l.mu.Lock()
	if l.closed || l.conn != conn {
		l.mu.Unlock()
		return ErrClosed
	}
	l.readers.Add(1)
	l.mu.Unlock()
	go l.readLoop(conn)

	if snapshot != nil {
		l.Send(protocol.StateReport{State: snapshot()})
	}
	return nil
}

// Send writes one message. It never blocks on a missing connection: if
// the socket is not open the message is logged and dropped.
func (l *Link) Send(msg protocol.Message) {
	l.mu.Lock()
	conn := l.conn
	state := l.state
	l.mu.Unlock()

	if conn == nil || state != StateConnected {
		l.logger.Debug("not connected to voice backend, dropping message", "type", msg.Type())
		return
	}

	data, err := protocol.Encode(msg)
	if err != nil {
		l.logger.Error("encode backend message", "type", msg.Type(), "error", err)
		return
	}

	l.writeMu.Lock()
	defer l.writeMu.Unlock()

	conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		l.logger.Warn("write to voice backend failed", "type", msg.Type(), "error", err)
		return
	}
	l.logger.Log(context.Background(), config.LevelTrace, "backend frame sent", "json", string(data))
}

// Close stops reconnecting, closes the socket, and waits for the read
// loop to exit. No handler runs after Close returns.
func (l *Link) Close() error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil
	}
	l.closed = true
	conn := l.conn
	l.conn = nil
	l.state = StateDisconnected
	l.mu.Unlock()

	l.reconnector.Stop()

	var err error
	if conn != nil {
		l.writeMu.Lock()
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, "agent stopping"),
			time.Now().Add(time.Second))
		l.writeMu.Unlock()
		err = conn.Close()
	}
	l.readers.Wait()
	return err
}

func (l *Link) readLoop(conn *websocket.Conn) {
	defer l.readers.Done()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			l.handleClose(conn, err)
			return
		}
		l.logger.Log(context.Background(), config.LevelTrace, "backend frame received", "json", string(data))

		msg, err := protocol.Decode(data)
		if err != nil {
			l.logger.Warn("dropping malformed backend frame", "error", err)
			continue
		}
		if u, ok := msg.(protocol.Unknown); ok {
			l.logger.Info("dropping backend message of unknown type", "type", u.Kind)
			continue
		}

		l.mu.Lock()
		h := l.handler
		closed := l.closed
		l.mu.Unlock()

		if closed {
			continue
		}
		if h == nil {
			l.logger.Debug("no backend handler registered", "type", msg.Type())
			continue
		}
		h(msg)
	}
}

// handleClose runs once per socket, when its read loop ends.
func (l *Link) handleClose(conn *websocket.Conn, err error) {
	l.mu.Lock()
	current := l.conn == conn
	if current {
		l.conn = nil
		l.state = StateDisconnected
	}
	closed := l.closed
	onStatus := l.onStatus
	l.mu.Unlock()

	conn.Close()

	if closed || !current {
		return
	}

	if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
		l.logger.Info("voice backend closed the connection")
	} else {
		l.logger.Warn("voice backend connection lost", "error", err)
	}

	if onStatus != nil {
		onStatus(false)
	}
	l.reconnector.Trigger()
}

func (l *Link) setState(s ConnState) {
	l.mu.Lock()
	l.state = s
	l.mu.Unlock()
}

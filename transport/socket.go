package transport

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"hiphop-rpc/codec"
	"hiphop-rpc/loop"
)

const (
	defaultReconnectInterval = time.Second
	defaultWriteTimeout      = 10 * time.Second
)

type SocketConfig struct {
	URL               string
	ReconnectInterval time.Duration // Fixed delay between a close and the next attempt
	WriteTimeout      time.Duration
	Codec             codec.CodecType
	Dialer            *websocket.Dialer
	Header            http.Header
	Logger            *slog.Logger
}

// Socket is the network transport. It connects on Start and keeps
// reconnecting at a fixed interval until Close:
//
//	Disconnected ──connect──▶ Connecting ──dial ok──▶ Open
//	     ▲                        │                     │
//	     └──────dial error────────┘◀──────close─────────┘
//
// OnOpen fires once per successful connect and OnClose once per loss of an
// open connection. A failed dial only schedules the next attempt.
type Socket struct {
	cfg    SocketConfig
	logger *slog.Logger

	loop    *loop.Loop
	handler Handler
	started atomic.Bool
	closed  atomic.Bool
	state   atomic.Int32

	attempts atomic.Int64
	ctx      context.Context
	cancel   context.CancelFunc

	// Loop-owned.
	reconnect *loop.Task

	// sending guards conn and serializes writes.
	sending sync.Mutex
	conn    *websocket.Conn
}

func NewSocket(cfg SocketConfig) *Socket {
	if cfg.ReconnectInterval <= 0 {
		cfg.ReconnectInterval = defaultReconnectInterval
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = defaultWriteTimeout
	}
	if cfg.Dialer == nil {
		cfg.Dialer = websocket.DefaultDialer
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Socket{
		cfg:    cfg,
		logger: cfg.Logger.With("component", "transport.socket", "url", cfg.URL),
		ctx:    ctx,
		cancel: cancel,
	}
}

func (s *Socket) Kind() Kind                 { return KindNetwork }
func (s *Socket) CodecType() codec.CodecType { return s.cfg.Codec }
func (s *Socket) State() State               { return State(s.state.Load()) }

// Attempts returns the number of connect attempts made so far.
func (s *Socket) Attempts() int64 {
	return s.attempts.Load()
}

// Start begins connecting immediately.
func (s *Socket) Start(l *loop.Loop, h Handler) error {
	if !s.started.CompareAndSwap(false, true) {
		return ErrStarted
	}
	s.loop, s.handler = l, h
	l.Post(s.connect)
	return nil
}

// Send writes one frame. While the socket is not Open it logs and returns
// ErrUnavailable without queueing.
func (s *Socket) Send(frame []byte) error {
	if st := s.State(); st != Open {
		s.logger.Warn("send while not open, dropping frame", "state", st.String())
		return ErrUnavailable
	}

	s.sending.Lock()
	defer s.sending.Unlock()
	if s.conn == nil {
		return ErrUnavailable
	}
	s.conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
	if err := s.conn.WriteMessage(s.messageType(), frame); err != nil {
		return fmt.Errorf("transport: socket write: %w", err)
	}
	return nil
}

// Close drops the connection and stops reconnecting for good.
func (s *Socket) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	s.cancel()
	if s.loop != nil {
		s.loop.Post(func() {
			s.reconnect.Cancel()
			s.reconnect = nil
		})
	}

	s.sending.Lock()
	defer s.sending.Unlock()
	if s.conn == nil {
		return nil
	}
	s.conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
	s.conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	return s.conn.Close()
}

func (s *Socket) messageType() int {
	if s.cfg.Codec == codec.CodecTypeCBOR {
		return websocket.BinaryMessage
	}
	return websocket.TextMessage
}

func (s *Socket) setState(st State) {
	old := State(s.state.Swap(int32(st)))
	if old != st {
		s.logger.Debug("state change", "from", old.String(), "to", st.String())
	}
}

// connect runs on the loop. The dial itself happens off the loop and the
// result is posted back.
func (s *Socket) connect() {
	s.reconnect = nil
	if s.closed.Load() || s.State() != Disconnected {
		return
	}
	s.setState(Connecting)
	n := s.attempts.Add(1)
	s.logger.Debug("connecting", "attempt", n)

	go func() {
		conn, _, err := s.cfg.Dialer.DialContext(s.ctx, s.cfg.URL, s.cfg.Header)
		if !s.loop.Post(func() { s.onDial(conn, err) }) && conn != nil {
			conn.Close()
		}
	}()
}

func (s *Socket) onDial(conn *websocket.Conn, err error) {
	if s.closed.Load() {
		if conn != nil {
			conn.Close()
		}
		s.setState(Disconnected)
		return
	}
	if err != nil {
		s.logger.Debug("dial failed", "error", err)
		s.setState(Disconnected)
		s.scheduleReconnect()
		return
	}

	s.sending.Lock()
	s.conn = conn
	s.sending.Unlock()

	s.reconnect.Cancel()
	s.reconnect = nil
	s.setState(Open)
	s.logger.Info("connected", "attempt", s.attempts.Load())

	go s.readLoop(conn)
	s.handler.OnOpen()
}

func (s *Socket) readLoop(conn *websocket.Conn) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			s.loop.Post(func() { s.onClosed(conn, err) })
			return
		}
		s.loop.Post(func() {
			if s.current(conn) {
				s.handler.OnFrame(data)
			}
		})
	}
}

func (s *Socket) current(conn *websocket.Conn) bool {
	s.sending.Lock()
	defer s.sending.Unlock()
	return s.conn == conn
}

func (s *Socket) onClosed(conn *websocket.Conn, err error) {
	s.sending.Lock()
	if s.conn != conn {
		s.sending.Unlock()
		return
	}
	s.conn = nil
	s.sending.Unlock()
	conn.Close()

	if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
		s.logger.Info("connection closed", "error", err)
	} else {
		s.logger.Warn("connection lost", "error", err)
	}
	s.setState(Disconnected)
	s.handler.OnClose(err)
	s.scheduleReconnect()
}

func (s *Socket) scheduleReconnect() {
	if s.closed.Load() {
		return
	}
	s.reconnect.Cancel()
	s.reconnect = s.loop.After(s.cfg.ReconnectInterval, s.connect)
}

// Package server is the host side of the control protocol. It accepts UI
// peers over websocket, the embedded bridge and IPC pipes, and routes their
// control calls through a Dispatcher.
//
// Inbound frame pipeline, per peer:
//
//	read frame → codec.Decode
//	  → control: Dispatcher (middleware chain → handler) → reply to origin
//	  → passthrough: observers registered with OnPassthrough
//
// Frames from one peer are dispatched in arrival order. Host-initiated
// frames (Notify, Post) are held per peer until that peer sends
// flushInitMessageQueue, unless Config.HoldUntilFlush is off.
package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"hiphop-rpc/channel"
	"hiphop-rpc/codec"
	"hiphop-rpc/message"
	"hiphop-rpc/middleware"
	"hiphop-rpc/registry"
	"hiphop-rpc/transport"
)

// DestinationAll addresses every connected peer.
const DestinationAll uint64 = 0

var (
	ErrUnknownPeer = errors.New("server: unknown peer")
	ErrShutdown    = errors.New("server: shut down")
)

const (
	defaultInitQueueSize = 256
	defaultWriteTimeout  = 10 * time.Second
	defaultRegisterTTL   = 10 * time.Second
)

type Config struct {
	Addr string // Listen address, e.g. ":49152"
	Path string // Websocket path, "/" when empty
	// HoldUntilFlush queues host-initiated frames for each peer until it
	// sends flushInitMessageQueue.
	HoldUntilFlush bool
	InitQueueSize  int // Per peer; the oldest frame is dropped when full
	WriteTimeout   time.Duration
	// Diagnostics receives unknown method, missing argument and malformed
	// frame reports. Defaults to a WARN log.
	Diagnostics func(origin uint64, err error)

	// Registry, when set, advertises Endpoint while the server is serving.
	// An empty Endpoint.URL is filled in from the listener.
	Registry    registry.Registry
	Endpoint    registry.Endpoint
	RegisterTTL time.Duration

	Logger *slog.Logger
}

// PassthroughFunc observes a non-control frame from origin.
type PassthroughFunc func(origin uint64, msg message.Message)

type Server struct {
	cfg        Config
	logger     *slog.Logger
	dispatcher *Dispatcher
	upgrader   websocket.Upgrader

	ctx    context.Context // Handler context, cancelled by Shutdown
	cancel context.CancelFunc

	nextID      atomic.Uint64
	mu          sync.Mutex
	peers       map[uint64]*peer
	passthrough map[string][]PassthroughFunc

	listener   net.Listener
	httpSrv    *http.Server
	advertised atomic.Bool
	wg         sync.WaitGroup // In-flight dispatches
	shutdown   atomic.Bool
}

func NewServer(cfg Config) *Server {
	if cfg.Path == "" {
		cfg.Path = "/"
	}
	if cfg.InitQueueSize <= 0 {
		cfg.InitQueueSize = defaultInitQueueSize
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = defaultWriteTimeout
	}
	if cfg.RegisterTTL <= 0 {
		cfg.RegisterTTL = defaultRegisterTTL
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Endpoint.Instance == "" {
		cfg.Endpoint.Instance = uuid.NewString()
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		cfg:         cfg,
		logger:      cfg.Logger.With("component", "server"),
		dispatcher:  NewDispatcher(),
		ctx:         ctx,
		cancel:      cancel,
		peers:       make(map[uint64]*peer),
		passthrough: make(map[string][]PassthroughFunc),
	}
	// UIs are served from file:// or another port, so any origin may connect.
	s.upgrader.CheckOrigin = func(*http.Request) bool { return true }

	s.dispatcher.handleBuiltin(channel.FlushMethod, s.handleFlush)
	s.dispatcher.handleBuiltin(channel.PingMethod, func(ctx context.Context, req *message.Request) *message.Reply {
		return &message.Reply{}
	})
	return s
}

// Dispatcher returns the method table control calls are routed through.
func (s *Server) Dispatcher() *Dispatcher {
	return s.dispatcher
}

// Use registers a middleware on the dispatcher.
func (s *Server) Use(mw middleware.Middleware) {
	s.dispatcher.Use(mw)
}

// Handle registers a control method handler.
func (s *Server) Handle(method string, minArgs int, fn middleware.HandlerFunc) {
	s.dispatcher.Handle(method, minArgs, fn)
}

// OnPassthrough observes non-control frames with the given tag.
func (s *Server) OnPassthrough(tag string, fn PassthroughFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.passthrough[tag] = append(s.passthrough[tag], fn)
}

// Endpoint is what the server advertises.
func (s *Server) Endpoint() registry.Endpoint {
	return s.cfg.Endpoint
}

// Peers returns the number of connected peers.
func (s *Server) Peers() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.peers)
}

// Notify sends a control frame to every peer.
func (s *Server) Notify(method string, args ...any) error {
	return s.NotifyTo(DestinationAll, method, args...)
}

// NotifyTo sends a control frame to one peer, or to all with DestinationAll.
func (s *Server) NotifyTo(origin uint64, method string, args ...any) error {
	return s.postTo(origin, message.NewControl(method, args...))
}

// Post broadcasts a raw frame, usually passthrough traffic.
func (s *Server) Post(msg message.Message) error {
	return s.postTo(DestinationAll, msg)
}

func (s *Server) postTo(origin uint64, msg message.Message) error {
	if s.shutdown.Load() {
		return ErrShutdown
	}
	targets := s.targets(origin)
	if origin != DestinationAll && len(targets) == 0 {
		return fmt.Errorf("%w: %d", ErrUnknownPeer, origin)
	}

	// Encode once per codec in use.
	var encoded [2][]byte
	var errs []error
	for _, p := range targets {
		ct := p.codec.Type()
		if encoded[ct] == nil {
			frame, err := p.codec.Encode(msg)
			if err != nil {
				return fmt.Errorf("server: encode %s: %w", msg.Tag(), err)
			}
			encoded[ct] = frame
		}
		dropped, err := p.push(encoded[ct])
		if dropped {
			s.logger.Warn("init queue full, dropped oldest frame", "peer", p.id)
		}
		if err != nil {
			errs = append(errs, fmt.Errorf("server: write peer %d: %w", p.id, err))
		}
	}
	return errors.Join(errs...)
}

func (s *Server) targets(origin uint64) []*peer {
	s.mu.Lock()
	defer s.mu.Unlock()
	if origin != DestinationAll {
		if p, ok := s.peers[origin]; ok {
			return []*peer{p}
		}
		return nil
	}
	out := make([]*peer, 0, len(s.peers))
	for _, p := range s.peers {
		out = append(out, p)
	}
	return out
}

func (s *Server) addPeer(kind transport.Kind, ct codec.CodecType, write func([]byte) error, closeFn func() error) *peer {
	p := &peer{
		id:    s.nextID.Add(1),
		kind:  kind,
		codec: codec.GetCodec(ct),
		write: write,
		close: closeFn,
		ready: !s.cfg.HoldUntilFlush,
		limit: s.cfg.InitQueueSize,
	}
	s.mu.Lock()
	s.peers[p.id] = p
	s.mu.Unlock()
	s.logger.Info("peer connected", "peer", p.id, "transport", kind.String(), "codec", ct.String())
	return p
}

func (s *Server) removePeer(id uint64) {
	s.mu.Lock()
	p, ok := s.peers[id]
	delete(s.peers, id)
	s.mu.Unlock()
	if ok {
		s.logger.Info("peer disconnected", "peer", id, "transport", p.kind.String())
	}
}

func (s *Server) report(origin uint64, err error) {
	if s.cfg.Diagnostics != nil {
		s.cfg.Diagnostics(origin, err)
		return
	}
	s.logger.Warn("protocol desync", "peer", origin, "error", err)
}

// receive handles one inbound frame from p.
func (s *Server) receive(p *peer, frame []byte) {
	s.wg.Add(1)
	defer s.wg.Done()

	msg, err := p.codec.Decode(frame)
	if err != nil {
		s.report(p.id, fmt.Errorf("server: decode frame: %w", err))
		return
	}
	if !msg.IsControl() {
		if msg.Tag() == message.ControlTag {
			s.report(p.id, fmt.Errorf("server: control frame without method: %v", msg))
			return
		}
		s.deliverPassthrough(p.id, msg)
		return
	}

	req := &message.Request{Method: msg.Method(), Args: msg.Args(), Origin: p.id}
	reply, err := s.dispatcher.Dispatch(s.ctx, req)
	if err != nil {
		s.report(p.id, err)
		return
	}
	if reply == nil {
		return
	}
	if reply.Error != "" {
		s.logger.Warn("call failed", "peer", p.id, "method", req.Method, "error", reply.Error)
		return
	}

	out, err := p.codec.Encode(message.NewControl(req.Method, reply.Args...))
	if err != nil {
		s.logger.Error("encode reply", "method", req.Method, "error", err)
		return
	}
	if err := p.write(out); err != nil {
		s.logger.Warn("write reply", "peer", p.id, "method", req.Method, "error", err)
	}
}

func (s *Server) deliverPassthrough(origin uint64, msg message.Message) {
	s.mu.Lock()
	fns := s.passthrough[msg.Tag()]
	s.mu.Unlock()
	if len(fns) == 0 {
		s.logger.Debug("unhandled passthrough frame", "peer", origin, "tag", msg.Tag())
		return
	}
	for _, fn := range fns {
		fn(origin, msg)
	}
}

func (s *Server) handleFlush(ctx context.Context, req *message.Request) *message.Reply {
	s.mu.Lock()
	p, ok := s.peers[req.Origin]
	s.mu.Unlock()
	if !ok {
		return nil
	}
	n, err := p.flush()
	if err != nil {
		s.logger.Warn("flush init queue", "peer", p.id, "error", err)
	} else if n > 0 {
		s.logger.Debug("flushed init queue", "peer", p.id, "frames", n)
	}
	return nil
}

// Handler serves websocket peers on Config.Path. A "codec=cbor" query
// parameter selects binary CBOR frames instead of JSON text frames.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc(s.cfg.Path, s.serveWebsocket)
	return mux
}

func (s *Server) serveWebsocket(w http.ResponseWriter, r *http.Request) {
	if s.shutdown.Load() {
		http.Error(w, ErrShutdown.Error(), http.StatusServiceUnavailable)
		return
	}
	ct, err := codec.ParseCodecType(r.URL.Query().Get("codec"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade", "remote", r.RemoteAddr, "error", err)
		return
	}

	mt := websocket.TextMessage
	if ct == codec.CodecTypeCBOR {
		mt = websocket.BinaryMessage
	}
	var writeMu sync.Mutex
	p := s.addPeer(transport.KindNetwork, ct, func(frame []byte) error {
		writeMu.Lock()
		defer writeMu.Unlock()
		conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
		return conn.WriteMessage(mt, frame)
	}, func() error {
		writeMu.Lock()
		defer writeMu.Unlock()
		conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
		conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, ""))
		return conn.Close()
	})
	defer s.removePeer(p.id)
	defer conn.Close()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			s.logger.Debug("websocket read", "peer", p.id, "error", err)
			return
		}
		s.receive(p, data)
	}
}

// AttachEmbedded connects an in-process UI. The returned bridge is the UI's
// transport; frames it sends are dispatched on the sending goroutine.
func (s *Server) AttachEmbedded(ct codec.CodecType) (*transport.Bridge, uint64) {
	var p *peer
	bridge := transport.NewBridge(func(frame []byte) error {
		s.receive(p, frame)
		return nil
	}, ct)
	p = s.addPeer(transport.KindEmbedded, ct, bridge.Deliver, bridge.Close)
	return bridge, p.id
}

// Detach forgets a peer without closing its transport.
func (s *Server) Detach(origin uint64) {
	s.removePeer(origin)
}

// ServeIPC serves one UI over a protocol-framed pipe until it reaches EOF
// or fails.
func (s *Server) ServeIPC(rw io.ReadWriter, ct codec.CodecType) error {
	ipc := transport.NewIPC(rw, ct)
	closeFn := func() error { return nil }
	if c, ok := rw.(io.Closer); ok {
		closeFn = c.Close
	}
	p := s.addPeer(transport.KindEmbedded, ct, ipc.Post, closeFn)
	defer s.removePeer(p.id)

	return ipc.Serve(func(frame []byte) error {
		s.receive(p, frame)
		return nil
	})
}

// Serve accepts websocket peers on ln and advertises the endpoint when a
// registry is configured. It returns nil after Shutdown.
func (s *Server) Serve(ln net.Listener) error {
	s.listener = ln
	s.httpSrv = &http.Server{Handler: s.Handler(), ReadHeaderTimeout: 10 * time.Second}

	if s.cfg.Registry != nil {
		if err := s.advertise(ln.Addr()); err != nil {
			return err
		}
	}

	s.logger.Info("serving", "addr", ln.Addr().String(), "path", s.cfg.Path)
	err := s.httpSrv.Serve(ln)
	// Shutdown closes the listener; that error is intentional.
	if s.shutdown.Load() || errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// ListenAndServe listens on Config.Addr, or on the first available port
// from FirstPort when Addr is empty.
func (s *Server) ListenAndServe() error {
	addr := s.cfg.Addr
	if addr == "" {
		port, err := FindAvailablePort(FirstPort)
		if err != nil {
			return err
		}
		addr = ":" + strconv.Itoa(port)
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("server: listen %s: %w", addr, err)
	}
	return s.Serve(ln)
}

// Addr is the listening address, nil before Serve.
func (s *Server) Addr() net.Addr {
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

func (s *Server) advertise(addr net.Addr) error {
	ep := s.cfg.Endpoint
	if ep.URL == "" {
		port := 0
		if tcp, ok := addr.(*net.TCPAddr); ok {
			port = tcp.Port
		}
		url, err := PublicURL("ws", port)
		if err != nil {
			s.logger.Warn("no public address, advertising loopback", "error", err)
			url = LocalURL("ws", port)
		}
		ep.URL = url + s.cfg.Path
	}
	if err := s.cfg.Registry.Register(s.ctx, ep, s.cfg.RegisterTTL); err != nil {
		return fmt.Errorf("server: advertise: %w", err)
	}
	s.cfg.Endpoint = ep
	s.advertised.Store(true)
	s.logger.Info("advertised", "service", ep.Service, "instance", ep.Instance, "url", ep.URL)
	return nil
}

// Shutdown performs graceful shutdown:
//  1. Deregister the endpoint (UIs stop discovering this host)
//  2. Set the shutdown flag and close the listener
//  3. Close every peer
//  4. Wait for in-flight dispatches, at most timeout
func (s *Server) Shutdown(timeout time.Duration) error {
	if s.advertised.Load() {
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		if err := s.cfg.Registry.Deregister(ctx, s.cfg.Endpoint.Service, s.cfg.Endpoint.Instance); err != nil {
			s.logger.Warn("deregister", "error", err)
		}
		cancel()
	}

	s.shutdown.Store(true)
	if s.httpSrv != nil {
		s.httpSrv.Close()
	}

	for _, p := range s.targets(DestinationAll) {
		if p.close != nil {
			p.close()
		}
		s.removePeer(p.id)
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	defer s.cancel()
	select {
	case <-done:
		return nil
	case <-time.After(timeout):
		return fmt.Errorf("server: timeout waiting for in-flight calls")
	}
}

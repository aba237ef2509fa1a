package server

import (
	"bytes"
	"context"
	"errors"
	"net"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"hiphop-rpc/channel"
	"hiphop-rpc/codec"
	"hiphop-rpc/message"
	"hiphop-rpc/middleware"
	"hiphop-rpc/registry"
	"hiphop-rpc/transfer"
	"hiphop-rpc/transport"
)

type fakeHost struct {
	mu     sync.Mutex
	notes  [][3]uint8
	params map[uint32]float32
	state  map[string]string
	edits  []bool
}

func newFakeHost() *fakeHost {
	return &fakeHost{params: map[uint32]float32{}, state: map[string]string{}}
}

func (h *fakeHost) InitWidthCSS() float64  { return 640 }
func (h *fakeHost) InitHeightCSS() float64 { return 480 }
func (h *fakeHost) IsStandalone() bool     { return true }

func (h *fakeHost) SendNote(ch, note, velocity uint8) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.notes = append(h.notes, [3]uint8{ch, note, velocity})
}

func (h *fakeHost) EditParameter(index uint32, started bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.edits = append(h.edits, started)
}

func (h *fakeHost) SetParameterValue(index uint32, value float32) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.params[index] = value
}

func (h *fakeHost) SetState(key, value string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.state[key] = value
}

type diagRecorder struct {
	mu   sync.Mutex
	errs []error
}

func (d *diagRecorder) record(origin uint64, err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.errs = append(d.errs, err)
}

func (d *diagRecorder) has(target error) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, err := range d.errs {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}

func callCtx(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func TestDispatcher(t *testing.T) {
	d := NewDispatcher()
	var order []string
	d.Use(func(next middleware.HandlerFunc) middleware.HandlerFunc {
		return func(ctx context.Context, req *message.Request) *message.Reply {
			order = append(order, "outer")
			return next(ctx, req)
		}
	})
	d.Handle("sum", 2, func(ctx context.Context, req *message.Request) *message.Reply {
		order = append(order, "handler")
		a, _ := req.Args.Int(0)
		b, _ := req.Args.Int(1)
		return &message.Reply{Args: []any{a + b}}
	})
	// Registered after the handler, still applies.
	d.Use(func(next middleware.HandlerFunc) middleware.HandlerFunc {
		return func(ctx context.Context, req *message.Request) *message.Reply {
			order = append(order, "inner")
			return next(ctx, req)
		}
	})

	reply, err := d.Dispatch(context.Background(), &message.Request{Method: "sum", Args: message.Args{1, 2}})
	require.NoError(t, err)
	assert.Equal(t, []any{3}, reply.Args)
	assert.Equal(t, []string{"outer", "inner", "handler"}, order)

	_, err = d.Dispatch(context.Background(), &message.Request{Method: "sum", Args: message.Args{1}})
	assert.ErrorIs(t, err, ErrMissingArgs)

	_, err = d.Dispatch(context.Background(), &message.Request{Method: "nope"})
	assert.ErrorIs(t, err, ErrUnknownMethod)

	assert.Equal(t, []string{"sum"}, d.Methods())
}

func TestBuiltinsBypassMiddleware(t *testing.T) {
	srv := NewServer(Config{})
	srv.Use(middleware.RateLimitMiddleware(0.0001, 1))
	RegisterSurface(srv, newFakeHost())

	for i := range 3 {
		reply, err := srv.Dispatcher().Dispatch(context.Background(), &message.Request{Method: channel.PingMethod, Origin: 1})
		require.NoError(t, err)
		require.NotNil(t, reply, "ping %d", i)
		assert.Empty(t, reply.Error, "ping %d", i)
	}

	req := &message.Request{Method: "getInitWidthCSS", Origin: 1}
	reply, err := srv.Dispatcher().Dispatch(context.Background(), req)
	require.NoError(t, err)
	assert.Empty(t, reply.Error)
	reply, err = srv.Dispatcher().Dispatch(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, middleware.ErrRateLimited, reply.Error)
}

func TestFailedCallRejectedByDeadline(t *testing.T) {
	srv := NewServer(Config{HoldUntilFlush: true})
	srv.Use(middleware.RateLimitMiddleware(0.0001, 1))
	RegisterSurface(srv, newFakeHost())

	bridge, _ := srv.AttachEmbedded(codec.CodecTypeJSON)
	ch, err := channel.New(bridge, channel.Config{FlushOnOpen: true, CallTimeout: 100 * time.Millisecond})
	require.NoError(t, err)
	defer ch.Close()

	ctx := callCtx(t)
	_, err = ch.Call(ctx, "getInitWidthCSS")
	require.NoError(t, err)

	// The host rate limits the second call and sends nothing back.
	_, err = ch.Call(ctx, "getInitWidthCSS")
	assert.ErrorIs(t, err, channel.ErrCallTimeout)
	assert.NoError(t, ctx.Err())
}

func TestPeerInitQueue(t *testing.T) {
	var written [][]byte
	p := &peer{limit: 2, write: func(frame []byte) error {
		written = append(written, frame)
		return nil
	}}

	dropped, err := p.push([]byte("a"))
	require.NoError(t, err)
	assert.False(t, dropped)
	p.push([]byte("b"))
	dropped, _ = p.push([]byte("c"))
	assert.True(t, dropped)
	assert.Empty(t, written)
	assert.Equal(t, 2, p.queued())

	n, err := p.flush()
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, [][]byte{[]byte("b"), []byte("c")}, written)

	// Ready peers write straight through; a second flush is a no-op.
	p.push([]byte("d"))
	n, _ = p.flush()
	assert.Zero(t, n)
	assert.Len(t, written, 3)
}

func TestEmbeddedSurface(t *testing.T) {
	host := newFakeHost()
	srv := NewServer(Config{HoldUntilFlush: true})
	RegisterSurface(srv, host)

	bridge, _ := srv.AttachEmbedded(codec.CodecTypeCBOR)
	ch, err := channel.New(bridge, channel.Config{FlushOnOpen: true})
	require.NoError(t, err)
	defer ch.Close()

	ctx := callCtx(t)
	width, err := ch.Call(ctx, "getInitWidthCSS")
	require.NoError(t, err)
	w, err := width.Float(0)
	require.NoError(t, err)
	assert.Equal(t, 640.0, w)

	standalone, err := ch.Call(ctx, "isStandalone")
	require.NoError(t, err)
	assert.Equal(t, []any{true}, []any(standalone))

	require.NoError(t, ch.Notify("sendNote", 0, 60, 100))
	require.NoError(t, ch.Notify("setParameterValue", 3, 0.5))
	require.NoError(t, ch.Notify("editParameter", 3, true))
	require.NoError(t, ch.Notify("setState", "preset", "warm"))

	assert.Eventually(t, func() bool {
		host.mu.Lock()
		defer host.mu.Unlock()
		return len(host.notes) == 1 && host.params[3] == 0.5 &&
			len(host.edits) == 1 && host.state["preset"] == "warm"
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, [3]uint8{0, 60, 100}, host.notes[0])
}

func TestNotificationsHeldUntilFlush(t *testing.T) {
	srv := NewServer(Config{HoldUntilFlush: true})

	got := make(chan message.Args, 4)
	bridge, _ := srv.AttachEmbedded(codec.CodecTypeJSON)
	ch, err := channel.New(bridge, channel.Config{Methods: map[string]channel.MethodFunc{
		"parameterChanged": func(args message.Args) { got <- args },
	}})
	require.NoError(t, err)
	defer ch.Close()

	require.NoError(t, srv.ParameterChanged(1, 0.25))
	require.NoError(t, srv.ParameterChanged(2, 0.75))
	select {
	case <-got:
		t.Fatal("notification delivered before flush")
	case <-time.After(50 * time.Millisecond):
	}

	require.NoError(t, ch.Notify(channel.FlushMethod))
	for _, want := range []int{1, 2} {
		select {
		case args := <-got:
			index, err := args.Int(0)
			require.NoError(t, err)
			assert.Equal(t, want, index)
		case <-time.After(time.Second):
			t.Fatal("queued notification not delivered")
		}
	}
}

func TestDiagnostics(t *testing.T) {
	diag := &diagRecorder{}
	srv := NewServer(Config{Diagnostics: diag.record})
	srv.Handle("setState", 2, func(ctx context.Context, req *message.Request) *message.Reply { return nil })

	bridge, _ := srv.AttachEmbedded(codec.CodecTypeJSON)
	ch, err := channel.New(bridge, channel.Config{})
	require.NoError(t, err)
	defer ch.Close()

	require.NoError(t, ch.Notify("noSuchMethod"))
	require.NoError(t, ch.Notify("setState", "only-key"))

	assert.Eventually(t, func() bool {
		return diag.has(ErrUnknownMethod) && diag.has(ErrMissingArgs)
	}, time.Second, 5*time.Millisecond)
}

func TestIPCPeer(t *testing.T) {
	srv := NewServer(Config{HoldUntilFlush: true})
	RegisterSurface(srv, newFakeHost())

	hostEnd, uiEnd := net.Pipe()
	served := make(chan error, 1)
	go func() { served <- srv.ServeIPC(hostEnd, codec.CodecTypeCBOR) }()

	ui := transport.NewIPC(uiEnd, codec.CodecTypeCBOR)
	bridge := ui.PipeBridge()
	ch, err := channel.New(bridge, channel.Config{FlushOnOpen: true})
	require.NoError(t, err)
	defer ch.Close()
	go ui.Serve(bridge.Deliver)

	height, err := ch.Call(callCtx(t), "getInitHeightCSS")
	require.NoError(t, err)
	h, err := height.Float(0)
	require.NoError(t, err)
	assert.Equal(t, 480.0, h)
	assert.Equal(t, 1, srv.Peers())

	// Closing the UI end ends the peer.
	require.NoError(t, uiEnd.Close())
	select {
	case <-served:
	case <-time.After(time.Second):
		t.Fatal("ServeIPC did not return after the pipe closed")
	}
	assert.Eventually(t, func() bool { return srv.Peers() == 0 }, time.Second, 5*time.Millisecond)
}

func TestPassthrough(t *testing.T) {
	srv := NewServer(Config{})
	seen := make(chan message.Message, 1)
	srv.OnPassthrough("dragdrop", func(origin uint64, msg message.Message) {
		seen <- msg
	})

	bridge, id := srv.AttachEmbedded(codec.CodecTypeJSON)
	ch, err := channel.New(bridge, channel.Config{})
	require.NoError(t, err)
	defer ch.Close()

	echoed := make(chan message.Message, 1)
	ch.OnEvent("waveform", func(msg message.Message) { echoed <- msg })

	require.NoError(t, ch.Post(message.Message{"dragdrop", "file.wav"}))
	select {
	case msg := <-seen:
		assert.Equal(t, "file.wav", msg[1])
	case <-time.After(time.Second):
		t.Fatal("passthrough not observed")
	}

	require.NoError(t, srv.Post(message.Message{"waveform", "data"}))
	select {
	case msg := <-echoed:
		assert.Equal(t, "data", msg[1])
	case <-time.After(time.Second):
		t.Fatal("passthrough not delivered to the UI")
	}

	assert.ErrorIs(t, srv.NotifyTo(id+100, "parameterChanged", 0, 0), ErrUnknownPeer)
}

func TestTransferOverServer(t *testing.T) {
	srv := NewServer(Config{})
	done := make(chan transfer.Completion, 1)
	RegisterTransfer(srv, WriteSharedMemoryMethod, transfer.NewReceiver(transfer.ReceiverConfig{
		Destinations: map[string]int{"shm": 4096},
		OnComplete:   func(c transfer.Completion) { done <- c },
	}))

	bridge, _ := srv.AttachEmbedded(codec.CodecTypeCBOR)
	ch, err := channel.New(bridge, channel.Config{})
	require.NoError(t, err)
	defer ch.Close()

	payload := bytes.Repeat([]byte{0xde, 0xad, 0xbe, 0xef}, 1000)
	token, err := transfer.NewSender(ch, WriteSharedMemoryMethod, 512).Send("shm", payload, "")
	require.NoError(t, err)

	select {
	case c := <-done:
		assert.Equal(t, token, c.Token)
		assert.Equal(t, payload, c.Data)
	case <-time.After(2 * time.Second):
		t.Fatal("transfer did not complete")
	}
}

func TestWebsocketPeer(t *testing.T) {
	host := newFakeHost()
	srv := NewServer(Config{HoldUntilFlush: true})
	RegisterSurface(srv, host)
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	sock := transport.NewSocket(transport.SocketConfig{
		URL:               "ws" + strings.TrimPrefix(ts.URL, "http") + "/",
		ReconnectInterval: 20 * time.Millisecond,
	})
	ch, err := channel.New(sock, channel.Config{FlushOnOpen: true, PingInterval: 10 * time.Millisecond})
	require.NoError(t, err)
	defer ch.Close()

	require.Eventually(t, func() bool { return ch.State() == transport.Open }, 2*time.Second, 5*time.Millisecond)

	height, err := ch.Call(callCtx(t), "getInitHeightCSS")
	require.NoError(t, err)
	h, err := height.Float(0)
	require.NoError(t, err)
	assert.Equal(t, 480.0, h)

	// Builtin ping answers the latency monitor.
	assert.Eventually(t, func() bool { return ch.Monitor().Samples() > 0 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, 1, srv.Peers())
}

func TestServeAdvertisesAndShutdown(t *testing.T) {
	reg := registry.NewStaticRegistry()
	srv := NewServer(Config{
		Registry: reg,
		Endpoint: registry.Endpoint{Service: "hiphop", URL: "ws://127.0.0.1/"},
	})

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	served := make(chan error, 1)
	go func() { served <- srv.Serve(ln) }()

	require.Eventually(t, func() bool {
		eps, _ := reg.Discover(context.Background(), "hiphop")
		return len(eps) == 1
	}, time.Second, 5*time.Millisecond)

	require.NoError(t, srv.Shutdown(time.Second))
	eps, err := reg.Discover(context.Background(), "hiphop")
	require.NoError(t, err)
	assert.Empty(t, eps)

	select {
	case err := <-served:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Serve did not return")
	}
	assert.ErrorIs(t, srv.Notify("parameterChanged", 0, 0), ErrShutdown)
}

func TestFindAvailablePort(t *testing.T) {
	busy, err := net.Listen("tcp4", ":0")
	require.NoError(t, err)
	defer busy.Close()
	taken := busy.Addr().(*net.TCPAddr).Port

	port, err := FindAvailablePort(taken)
	require.NoError(t, err)
	assert.Greater(t, port, taken)
}

// Package channel is the UI side of the control protocol: remote calls,
// fire-and-forget notifications and passthrough events over one transport.
//
//	ch := channel.New(transport.NewSocket(cfg), channel.Config{PingInterval: 10 * time.Second})
//	args, err := ch.Call(ctx, "getInitWidthCSS")
//
// A call is answered by a control frame carrying the same method name.
// Inbound control frames that answer nothing are handed to the methods
// registered in Config, and anything else is reported as a protocol desync.
package channel

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"hiphop-rpc/codec"
	"hiphop-rpc/loop"
	"hiphop-rpc/message"
	"hiphop-rpc/transport"
)

// FlushMethod is sent once the transport opens when Config.FlushOnOpen is set.
// It tells the host to release messages it queued before the UI was ready.
const FlushMethod = "flushInitMessageQueue"

// MethodFunc handles a host-initiated control frame. It runs on the loop.
type MethodFunc func(args message.Args)

// Config configures a Channel. The zero value is usable: no latency monitor,
// no host-initiated methods, no call deadline and a private loop.
type Config struct {
	// PingInterval enables the latency monitor on network transports.
	PingInterval time.Duration
	// CallTimeout rejects a call with ErrCallTimeout when no reply arrives
	// in time. Zero leaves calls pending until answered, superseded or the
	// transport closes.
	CallTimeout time.Duration
	// Methods handles host-initiated calls by name. Fixed at construction.
	Methods map[string]MethodFunc
	// Diagnostics receives protocol desync reports. Defaults to a WARN log.
	Diagnostics func(err error)
	// OnLatency is called on the loop with every latency sample.
	OnLatency   func(d time.Duration)
	FlushOnOpen bool
	Logger      *slog.Logger
	// Loop runs every callback. When nil the channel starts its own loop on
	// the wall clock and stops it on Close.
	Loop *loop.Loop
}

// Channel is one UI's view of its host. Calls, events and lifecycle
// observers all run on the channel's loop; the exported methods are safe
// from any goroutine.
type Channel struct {
	tr      transport.Transport
	codec   codec.Codec
	loop    *loop.Loop
	ownLoop bool
	logger  *slog.Logger
	diag    func(error)
	methods map[string]MethodFunc
	flush   bool
	timeout time.Duration

	pending *Correlator
	monitor *LatencyMonitor
	closed  atomic.Bool

	mu      sync.Mutex
	events  map[string][]func(message.Message)
	onOpen  []func()
	onClose []func(error)
}

// New binds a channel to tr and starts it. A network transport begins
// connecting immediately.
func New(tr transport.Transport, cfg Config) (*Channel, error) {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	c := &Channel{
		tr:      tr,
		codec:   codec.GetCodec(tr.CodecType()),
		loop:    cfg.Loop,
		logger:  cfg.Logger.With("component", "channel", "transport", tr.Kind().String()),
		methods: make(map[string]MethodFunc, len(cfg.Methods)),
		flush:   cfg.FlushOnOpen,
		timeout: cfg.CallTimeout,
		pending: NewCorrelator(),
		events:  make(map[string][]func(message.Message)),
	}
	for name, fn := range cfg.Methods {
		c.methods[name] = fn
	}
	c.diag = cfg.Diagnostics
	if c.diag == nil {
		c.diag = func(err error) {
			c.logger.Warn("protocol desync", "error", err)
		}
	}
	if c.loop == nil {
		c.loop = loop.New(loop.RealClock{})
		c.ownLoop = true
		c.loop.Start()
	}
	if tr.Kind() == transport.KindNetwork && cfg.PingInterval > 0 {
		c.monitor = newLatencyMonitor(c, cfg.PingInterval, cfg.OnLatency)
	}

	if err := tr.Start(c.loop, (*handler)(c)); err != nil {
		if c.ownLoop {
			c.loop.Stop()
		}
		return nil, fmt.Errorf("channel: start transport: %w", err)
	}
	return c, nil
}

func (c *Channel) Loop() *loop.Loop {
	return c.loop
}

func (c *Channel) State() transport.State {
	return c.tr.State()
}

// Monitor returns the latency monitor, or nil for embedded transports.
func (c *Channel) Monitor() *LatencyMonitor {
	return c.monitor
}

// Latency returns the last measured round trip, or 0 before the first sample.
func (c *Channel) Latency() time.Duration {
	if c.monitor == nil {
		return 0
	}
	return c.monitor.Latency()
}

// Go issues a call and returns without waiting. A pending call to the same
// method is rejected with ErrSuperseded first.
func (c *Channel) Go(method string, args ...any) *Call {
	call := newCall(method)
	c.issue(call, args, c.timeout)
	return call
}

// Call issues a call and waits for its reply. Cancelling ctx abandons the
// wait only; the call stays pending until it is answered, superseded or
// past Config.CallTimeout.
func (c *Channel) Call(ctx context.Context, method string, args ...any) (message.Args, error) {
	call := c.Go(method, args...)
	select {
	case <-call.Done():
		return call.Reply, call.Error
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Notify sends a control frame that expects no reply.
func (c *Channel) Notify(method string, args ...any) error {
	return c.Post(message.NewControl(method, args...))
}

// Post sends any frame, control or passthrough, without tracking a reply.
func (c *Channel) Post(msg message.Message) error {
	if c.closed.Load() {
		return ErrClosed
	}
	data, err := c.codec.Encode(msg)
	if err != nil {
		return err
	}
	return c.tr.Send(data)
}

// OnEvent registers fn for passthrough frames whose tag is tag.
func (c *Channel) OnEvent(tag string, fn func(message.Message)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events[tag] = append(c.events[tag], fn)
}

// OnOpen adds an observer for the transport opening. Observers run in
// registration order.
func (c *Channel) OnOpen(fn func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onOpen = append(c.onOpen, fn)
}

// OnClose adds an observer for the transport closing.
func (c *Channel) OnClose(fn func(error)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onClose = append(c.onClose, fn)
}

// Close rejects every pending call with ErrClosed and closes the transport.
func (c *Channel) Close() error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}
	c.pending.RejectAll(ErrClosed)
	if c.monitor != nil {
		c.loop.Post(c.monitor.stop)
	}
	err := c.tr.Close()
	if c.ownLoop {
		go c.loop.Stop()
	}
	return err
}

// issue sends call. A positive timeout rejects it with ErrCallTimeout if it
// is still pending then.
func (c *Channel) issue(call *Call, args []any, timeout time.Duration) {
	if c.closed.Load() {
		call.settle(nil, ErrClosed)
		return
	}
	data, err := c.codec.Encode(message.NewControl(call.Method, args...))
	if err != nil {
		call.settle(nil, err)
		return
	}

	c.pending.Issue(call)
	if err := c.tr.Send(data); err != nil {
		c.pending.Remove(call, err)
		return
	}
	if timeout > 0 {
		call.expireWith(c.loop.After(timeout, func() {
			c.pending.Remove(call, ErrCallTimeout)
		}))
	}
}

func (c *Channel) report(err error) {
	c.diag(err)
}

// handler receives transport events on the loop.
type handler Channel

func (h *handler) OnOpen() {
	c := (*Channel)(h)
	c.logger.Info("channel open")
	if c.flush {
		if err := c.Notify(FlushMethod); err != nil {
			c.logger.Warn("flush request failed", "error", err)
		}
	}
	if c.monitor != nil {
		c.monitor.start()
	}

	c.mu.Lock()
	observers := append([]func(){}, c.onOpen...)
	c.mu.Unlock()
	for _, fn := range observers {
		fn()
	}
}

func (h *handler) OnClose(err error) {
	c := (*Channel)(h)
	c.logger.Info("channel closed", "error", err)
	if c.monitor != nil {
		c.monitor.stop()
	}
	c.pending.RejectAll(ErrConnectionLost)

	c.mu.Lock()
	observers := append([]func(error){}, c.onClose...)
	c.mu.Unlock()
	for _, fn := range observers {
		fn(err)
	}
}

func (h *handler) OnFrame(frame []byte) {
	c := (*Channel)(h)
	msg, err := c.codec.Decode(frame)
	if err != nil {
		c.report(&DesyncError{Reason: err.Error()})
		return
	}

	if msg.IsControl() {
		method := msg.Method()
		if c.pending.Resolve(method, msg.Args()) == nil {
			return
		}
		if fn, ok := c.methods[method]; ok {
			fn(msg.Args())
			return
		}
		c.report(&DesyncError{Method: method, Reason: "no pending call or handler"})
		return
	}
	if msg.Tag() == message.ControlTag {
		c.report(&DesyncError{Reason: "control frame without a method name"})
		return
	}

	c.mu.Lock()
	handlers := append([]func(message.Message){}, c.events[msg.Tag()]...)
	c.mu.Unlock()
	if len(handlers) == 0 {
		c.logger.Debug("unhandled event", "tag", msg.Tag())
		return
	}
	for _, fn := range handlers {
		fn(msg)
	}
}

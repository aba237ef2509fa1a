package transport

import (
	"fmt"
	"sync/atomic"

	"hiphop-rpc/codec"
	"hiphop-rpc/loop"
)

// Bridge is the embedded transport. The host supplies post, which hands a
// frame to its side of the conduit, and calls Deliver for every frame it
// sends back.
//
// Deliver only enqueues onto the loop, so a reply is never observed from
// inside the Send that caused it.
type Bridge struct {
	post  func(frame []byte) error
	codec codec.CodecType

	loop    *loop.Loop
	handler Handler
	state   atomic.Int32
	started atomic.Bool
}

func NewBridge(post func(frame []byte) error, ct codec.CodecType) *Bridge {
	return &Bridge{post: post, codec: ct}
}

func (b *Bridge) Kind() Kind                 { return KindEmbedded }
func (b *Bridge) CodecType() codec.CodecType { return b.codec }
func (b *Bridge) State() State               { return State(b.state.Load()) }

func (b *Bridge) Start(l *loop.Loop, h Handler) error {
	if !b.started.CompareAndSwap(false, true) {
		return ErrStarted
	}
	b.loop, b.handler = l, h
	b.state.Store(int32(Open))
	l.Post(h.OnOpen)
	return nil
}

func (b *Bridge) Send(frame []byte) error {
	if b.State() != Open {
		return ErrUnavailable
	}
	if err := b.post(frame); err != nil {
		return fmt.Errorf("transport: bridge post: %w", err)
	}
	return nil
}

// Deliver queues a frame from the host. The frame is copied, so the host
// may reuse its buffer after Deliver returns.
func (b *Bridge) Deliver(frame []byte) error {
	if b.State() != Open {
		return ErrUnavailable
	}
	buf := append([]byte(nil), frame...)
	if !b.loop.Post(func() { b.handler.OnFrame(buf) }) {
		return ErrUnavailable
	}
	return nil
}

func (b *Bridge) Close() error {
	if !b.state.CompareAndSwap(int32(Open), int32(Disconnected)) {
		return nil
	}
	b.loop.Post(func() { b.handler.OnClose(ErrClosed) })
	return nil
}

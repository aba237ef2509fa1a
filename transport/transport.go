// Package transport carries encoded frames between a UI and its host.
//
// Two variants exist:
//
//	Bridge: embedded, in-process conduit supplied by the host. Always open.
//	Socket: websocket to one fixed endpoint, reconnects at a fixed interval.
//
// Every Handler callback runs on the control loop the transport was started
// with, never on a reader, dialer or host goroutine.
package transport

import (
	"errors"
	"fmt"

	"hiphop-rpc/codec"
	"hiphop-rpc/loop"
)

var (
	// ErrUnavailable is returned by Send when the transport is not Open.
	// Nothing is queued; the caller treats it as a failed delivery.
	ErrUnavailable = errors.New("transport: unavailable")
	ErrClosed      = errors.New("transport: closed")
	ErrStarted     = errors.New("transport: already started")
)

type Kind int

const (
	KindEmbedded Kind = iota
	KindNetwork
)

func (k Kind) String() string {
	switch k {
	case KindEmbedded:
		return "embedded"
	case KindNetwork:
		return "network"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// State is the connection state of a transport.
type State int32

const (
	Disconnected State = iota
	Connecting
	Open
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Open:
		return "open"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Handler receives transport events on the control loop.
type Handler interface {
	OnOpen()
	OnClose(err error)
	OnFrame(frame []byte)
}

type Transport interface {
	Kind() Kind
	// CodecType is the frame encoding the peer expects.
	CodecType() codec.CodecType
	// Start binds the transport to a loop and begins delivering events to h.
	Start(l *loop.Loop, h Handler) error
	// Send writes one frame. It never blocks on connection setup.
	Send(frame []byte) error
	State() State
	Close() error
}

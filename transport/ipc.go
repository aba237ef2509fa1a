package transport

import (
	"errors"
	"fmt"
	"io"
	"sync"

	"hiphop-rpc/codec"
	"hiphop-rpc/protocol"
)

// IPC frames a byte stream (a pipe, a unix socket, a host process's stdio)
// so it can back a Bridge on one side and a server peer on the other.
type IPC struct {
	rw    io.ReadWriter
	codec codec.CodecType

	sending sync.Mutex
}

func NewIPC(rw io.ReadWriter, ct codec.CodecType) *IPC {
	return &IPC{rw: rw, codec: ct}
}

func (c *IPC) CodecType() codec.CodecType {
	return c.codec
}

// Post writes one frame. Safe for concurrent use.
func (c *IPC) Post(frame []byte) error {
	c.sending.Lock()
	defer c.sending.Unlock()
	return protocol.Encode(c.rw, c.codec, frame)
}

// Serve reads frames until the stream ends, handing each to deliver.
// A clean end of stream returns nil.
func (c *IPC) Serve(deliver func(frame []byte) error) error {
	for {
		ct, body, err := protocol.Decode(c.rw)
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
		if ct != c.codec {
			return fmt.Errorf("transport: ipc frame codec %s, want %s", ct, c.codec)
		}
		if err := deliver(body); err != nil {
			return err
		}
	}
}

// PipeBridge returns a Bridge whose frames travel over c.
// The caller runs c.Serve(bridge.Deliver) once the bridge is started.
func (c *IPC) PipeBridge() *Bridge {
	return NewBridge(c.Post, c.codec)
}

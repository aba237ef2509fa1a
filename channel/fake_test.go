package channel

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"hiphop-rpc/codec"
	"hiphop-rpc/loop"
	"hiphop-rpc/message"
	"hiphop-rpc/transport"
)

var epoch = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

// fakeTransport is a transport whose peer is the test itself.
type fakeTransport struct {
	kind  transport.Kind
	codec codec.Codec

	mu    sync.Mutex
	loop  *loop.Loop
	h     transport.Handler
	state transport.State
	sent  []message.Message
}

func newFakeTransport(kind transport.Kind) *fakeTransport {
	return &fakeTransport{kind: kind, codec: codec.GetCodec(codec.CodecTypeJSON)}
}

func (f *fakeTransport) Kind() transport.Kind       { return f.kind }
func (f *fakeTransport) CodecType() codec.CodecType { return f.codec.Type() }

func (f *fakeTransport) State() transport.State {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

func (f *fakeTransport) Start(l *loop.Loop, h transport.Handler) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.loop, f.h = l, h
	f.state = transport.Connecting
	return nil
}

func (f *fakeTransport) Send(frame []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.state != transport.Open {
		return transport.ErrUnavailable
	}
	msg, err := f.codec.Decode(frame)
	if err != nil {
		return err
	}
	f.sent = append(f.sent, msg)
	return nil
}

func (f *fakeTransport) Close() error {
	f.drop(transport.ErrClosed)
	return nil
}

func (f *fakeTransport) open() {
	f.mu.Lock()
	f.state = transport.Open
	f.mu.Unlock()
	f.loop.Post(f.h.OnOpen)
}

func (f *fakeTransport) drop(err error) {
	f.mu.Lock()
	wasOpen := f.state == transport.Open
	f.state = transport.Disconnected
	f.mu.Unlock()
	if wasOpen {
		f.loop.Post(func() { f.h.OnClose(err) })
	}
}

// deliver queues msg as if the peer had sent it.
func (f *fakeTransport) deliver(t *testing.T, msg message.Message) {
	t.Helper()
	data, err := f.codec.Encode(msg)
	require.NoError(t, err)
	f.loop.Post(func() { f.h.OnFrame(data) })
}

func (f *fakeTransport) frames() []message.Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]message.Message(nil), f.sent...)
}

func (f *fakeTransport) methods() []string {
	var out []string
	for _, m := range f.frames() {
		out = append(out, m.Method())
	}
	return out
}

type diagnostics struct {
	errs []error
}

func (d *diagnostics) report(err error) {
	d.errs = append(d.errs, err)
}

func (d *diagnostics) desyncs() int {
	n := 0
	for _, err := range d.errs {
		if errors.Is(err, ErrProtocolDesync) {
			n++
		}
	}
	return n
}

func (f *fakeTransport) deliverRaw(frame []byte) {
	f.loop.Post(func() { f.h.OnFrame(frame) })
}

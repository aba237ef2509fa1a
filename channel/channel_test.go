package channel

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"hiphop-rpc/loop"
	"hiphop-rpc/message"
	"hiphop-rpc/transport"
)

func newTestChannel(t *testing.T, cfg Config) (*Channel, *fakeTransport, *loop.Loop) {
	t.Helper()
	l := loop.New(loop.NewManualClock(epoch))
	cfg.Loop = l
	ft := newFakeTransport(transport.KindNetwork)
	ch, err := New(ft, cfg)
	require.NoError(t, err)
	return ch, ft, l
}

func TestCallResolvesByMethod(t *testing.T) {
	ch, ft, l := newTestChannel(t, Config{})
	ft.open()
	l.RunPending()
	assert.Equal(t, transport.Open, ch.State())

	call := ch.Go("getInitWidthCSS")
	require.Equal(t, []string{"getInitWidthCSS"}, ft.methods())
	assert.Equal(t, message.Message{message.ControlTag, "getInitWidthCSS"}, ft.frames()[0])

	ft.deliver(t, message.NewControl("getInitWidthCSS", 640))
	l.RunPending()

	reply, err := call.Result()
	require.NoError(t, err)
	width, err := reply.Int(0)
	require.NoError(t, err)
	assert.Equal(t, 640, width)
}

func TestSecondCallSupersedesFirst(t *testing.T) {
	ch, ft, l := newTestChannel(t, Config{})
	ft.open()
	l.RunPending()

	first := ch.Go("getState", "key")
	second := ch.Go("getState", "key")

	// The first rejection is visible before any reply is processed.
	select {
	case <-first.Done():
	default:
		t.Fatal("first call still pending after being superseded")
	}
	assert.ErrorIs(t, first.Error, ErrSuperseded)

	ft.deliver(t, message.NewControl("getState", "value"))
	l.RunPending()

	reply, err := second.Result()
	require.NoError(t, err)
	assert.Equal(t, message.Args{"value"}, reply)
	assert.Len(t, ft.frames(), 2)
}

func TestUnmatchedReplyIsReported(t *testing.T) {
	var diag diagnostics
	ch, ft, l := newTestChannel(t, Config{Diagnostics: diag.report})
	ft.open()
	l.RunPending()

	other := ch.Go("isStandalone")
	ft.deliver(t, message.NewControl("getPublicUrl", "http://x"))
	l.RunPending()

	require.Equal(t, 1, diag.desyncs())
	var desync *DesyncError
	require.ErrorAs(t, diag.errs[0], &desync)
	assert.Equal(t, "getPublicUrl", desync.Method)

	select {
	case <-other.Done():
		t.Fatal("unrelated call settled by a desynced reply")
	default:
	}

	// The channel stays usable.
	require.NoError(t, ch.Notify("sendNote", 0x90, 60, 100))
	ft.deliver(t, message.NewControl("isStandalone", true))
	l.RunPending()
	reply, err := other.Result()
	require.NoError(t, err)
	standalone, err := reply.Bool(0)
	require.NoError(t, err)
	assert.True(t, standalone)
}

func TestMalformedFramesAreReported(t *testing.T) {
	var diag diagnostics
	_, ft, l := newTestChannel(t, Config{Diagnostics: diag.report})
	ft.open()
	l.RunPending()

	ft.deliverRaw([]byte("{not json"))
	ft.deliver(t, message.Message{message.ControlTag})
	ft.deliver(t, message.Message{message.ControlTag, 7})
	l.RunPending()

	assert.Equal(t, 3, diag.desyncs())
}

func TestHostInitiatedMethods(t *testing.T) {
	var got []message.Args
	var diag diagnostics
	_, ft, l := newTestChannel(t, Config{
		Diagnostics: diag.report,
		Methods: map[string]MethodFunc{
			"parameterChanged": func(args message.Args) { got = append(got, args) },
		},
	})
	ft.open()
	ft.deliver(t, message.NewControl("parameterChanged", 2, 0.75))
	ft.deliver(t, message.NewControl("stateChanged", "k", "v"))
	l.RunPending()

	require.Len(t, got, 1)
	index, err := got[0].Int(0)
	require.NoError(t, err)
	assert.Equal(t, 2, index)
	assert.Equal(t, 1, diag.desyncs())
}

func TestPassthroughEvents(t *testing.T) {
	var diag diagnostics
	ch, ft, l := newTestChannel(t, Config{Diagnostics: diag.report})

	var order []string
	ch.OnEvent("visualization", func(msg message.Message) { order = append(order, "a:"+msg[1].(string)) })
	ch.OnEvent("visualization", func(msg message.Message) { order = append(order, "b:"+msg[1].(string)) })

	ft.open()
	ft.deliver(t, message.Message{"visualization", "frame"})
	ft.deliver(t, message.Message{"unrelated", 1})
	l.RunPending()

	assert.Equal(t, []string{"a:frame", "b:frame"}, order)
	assert.Empty(t, diag.errs)

	require.NoError(t, ch.Post(message.Message{"drop", "file.wav"}))
	assert.Equal(t, "drop", ft.frames()[0].Tag())
}

func TestSendWhileNotOpenFailsLocally(t *testing.T) {
	ch, ft, _ := newTestChannel(t, Config{})

	call := ch.Go("getInitWidthCSS")
	_, err := call.Result()
	assert.ErrorIs(t, err, transport.ErrUnavailable)
	assert.Equal(t, 0, ch.pending.Len())

	assert.ErrorIs(t, ch.Notify("sendNote"), transport.ErrUnavailable)
	assert.Empty(t, ft.frames())
}

func TestLifecycleObservers(t *testing.T) {
	ch, ft, l := newTestChannel(t, Config{FlushOnOpen: true})

	var events []string
	ch.OnOpen(func() { events = append(events, "open-1") })
	ch.OnOpen(func() { events = append(events, "open-2") })
	ch.OnClose(func(err error) { events = append(events, "close-1:"+err.Error()) })
	ch.OnClose(func(error) { events = append(events, "close-2") })

	ft.open()
	l.RunPending()
	assert.Equal(t, []string{FlushMethod}, ft.methods())

	call := ch.Go("getPublicUrl")
	lost := errors.New("peer went away")
	ft.drop(lost)
	l.RunPending()

	_, err := call.Result()
	assert.ErrorIs(t, err, ErrConnectionLost)
	assert.Equal(t, []string{"open-1", "open-2", "close-1:peer went away", "close-2"}, events)
}

func TestCallContextAbandonsWaitOnly(t *testing.T) {
	ch, ft, l := newTestChannel(t, Config{})
	ft.open()
	l.RunPending()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := ch.Call(ctx, "getState")
	assert.ErrorIs(t, err, context.Canceled)
	assert.True(t, ch.pending.Pending("getState"))
}

func TestCloseRejectsPending(t *testing.T) {
	ch, ft, l := newTestChannel(t, Config{})
	ft.open()
	l.RunPending()

	call := ch.Go("getState")
	require.NoError(t, ch.Close())
	require.NoError(t, ch.Close())

	_, err := call.Result()
	assert.ErrorIs(t, err, ErrClosed)
	_, err = ch.Go("getState").Result()
	assert.ErrorIs(t, err, ErrClosed)
	assert.ErrorIs(t, ch.Notify("x"), ErrClosed)

	l.RunPending()
	assert.Equal(t, transport.Disconnected, ch.State())
}

func TestCallTimeout(t *testing.T) {
	ch, ft, l := newTestChannel(t, Config{CallTimeout: 50 * time.Millisecond})
	clock := l.Clock().(*loop.ManualClock)
	ft.open()
	l.RunPending()

	// The host dropped this one, e.g. a handler that failed.
	dropped := ch.Go("getInitWidthCSS")
	clock.Advance(49 * time.Millisecond)
	l.RunPending()
	select {
	case <-dropped.Done():
		t.Fatal("call settled before its deadline")
	default:
	}

	clock.Advance(time.Millisecond)
	l.RunPending()
	_, err := dropped.Result()
	assert.ErrorIs(t, err, ErrCallTimeout)
	assert.Equal(t, 0, ch.pending.Len())
	assert.Equal(t, 0, clock.Pending())

	// An answered call cancels its deadline.
	answered := ch.Go("isStandalone")
	ft.deliver(t, message.NewControl("isStandalone", true))
	l.RunPending()
	_, err = answered.Result()
	require.NoError(t, err)
	assert.Equal(t, 0, clock.Pending())

	clock.Advance(time.Second)
	l.RunPending()
	assert.NoError(t, answered.Error)
}

func TestNoCallTimeoutByDefault(t *testing.T) {
	ch, ft, l := newTestChannel(t, Config{})
	clock := l.Clock().(*loop.ManualClock)
	ft.open()
	l.RunPending()

	call := ch.Go("getInitWidthCSS")
	clock.Advance(time.Hour)
	l.RunPending()
	assert.True(t, ch.pending.Pending("getInitWidthCSS"))
	select {
	case <-call.Done():
		t.Fatal("call settled without a reply")
	default:
	}
}

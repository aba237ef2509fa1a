package cmd

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"hiphop-rpc/dsp"
	"hiphop-rpc/server"
)

func newTestHost(t *testing.T) (*pluginHost, *dsp.Snapshot, *dsp.Session) {
	t.Helper()
	snapshot := dsp.NewSnapshot(64)
	gain := dsp.NewGain(snapshot)
	sess, err := dsp.NewSession(dsp.Layout{Inputs: 2, Outputs: 2, MaxFrames: 64}, gain)
	require.NoError(t, err)
	return newPluginHost(server.NewServer(server.Config{}), gain, slog.Default()), snapshot, sess
}

func TestPluginHostParameters(t *testing.T) {
	host, _, _ := newTestHost(t)

	host.SetParameterValue(gainParameter, 0.25)
	assert.Equal(t, float32(0.25), host.gain.Gain())

	host.SetState("preset", "warm")
	assert.Equal(t, "warm", host.state["preset"])
}

func TestPluginHostNoteQueue(t *testing.T) {
	host, _, _ := newTestHost(t)
	for i := 0; i < noteQueueSize+5; i++ {
		host.SendNote(1, 60, 100)
	}
	assert.Len(t, host.notes, noteQueueSize)

	n := <-host.notes
	assert.Equal(t, [3]byte{0x91, 60, 100}, n)

	host.SendNote(0, 60, 0)
	for len(host.notes) > 1 {
		<-host.notes
	}
	assert.Equal(t, [3]byte{0x80, 60, 0}, <-host.notes)
}

func TestEngineFeedsSnapshot(t *testing.T) {
	host, snapshot, sess := newTestHost(t)
	host.gain.SetGain(0.5)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	go host.runEngine(ctx, sess, 48000)

	var samples []float32
	require.Eventually(t, func() bool {
		s, ok := snapshot.Acquire()
		if ok {
			samples = s
		}
		return ok
	}, time.Second, time.Millisecond)
	assert.Len(t, samples, 64)
	// 0.5 amplitude tone through 0.5 gain.
	assert.LessOrEqual(t, peak(samples), float32(0.25)+1e-6)
}

func TestPeak(t *testing.T) {
	assert.Equal(t, float32(0.75), peak([]float32{0.1, -0.75, 0.5}))
	assert.Zero(t, peak(nil))
}

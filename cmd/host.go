package cmd

import (
	"context"
	"log/slog"
	"math"
	"sync"
	"time"

	"hiphop-rpc/dsp"
	"hiphop-rpc/server"
)

const (
	gainParameter = 0
	noteQueueSize = 64
	toneHz        = 220
)

// pluginHost is a stand-in plugin: a gain stage over a test tone, driven by
// the standard UI surface.
type pluginHost struct {
	srv    *server.Server
	gain   *dsp.Gain
	logger *slog.Logger
	notes  chan [3]byte

	mu    sync.Mutex
	state map[string]string
}

func newPluginHost(srv *server.Server, gain *dsp.Gain, logger *slog.Logger) *pluginHost {
	return &pluginHost{
		srv:    srv,
		gain:   gain,
		logger: logger,
		notes:  make(chan [3]byte, noteQueueSize),
		state:  make(map[string]string),
	}
}

func (h *pluginHost) InitWidthCSS() float64  { return 600 }
func (h *pluginHost) InitHeightCSS() float64 { return 300 }
func (h *pluginHost) IsStandalone() bool     { return true }

func (h *pluginHost) SendNote(channel, note, velocity uint8) {
	status := byte(0x90) | channel&0x0F
	if velocity == 0 {
		status = 0x80 | channel&0x0F
	}
	select {
	case h.notes <- [3]byte{status, note, velocity}:
	default:
		h.logger.Warn("note queue full, dropping", "note", note)
	}
}

func (h *pluginHost) EditParameter(index uint32, started bool) {
	h.logger.Debug("edit parameter", "index", index, "started", started)
}

func (h *pluginHost) SetParameterValue(index uint32, value float32) {
	if index == gainParameter {
		h.gain.SetGain(value)
	}
	if err := h.srv.ParameterChanged(index, value); err != nil {
		h.logger.Warn("broadcast parameter", "index", index, "error", err)
	}
}

func (h *pluginHost) SetState(key, value string) {
	h.mu.Lock()
	h.state[key] = value
	h.mu.Unlock()
	if err := h.srv.StateChanged(key, value); err != nil {
		h.logger.Warn("broadcast state", "key", key, "error", err)
	}
}

// runEngine calls sess.Process once per block period until ctx is done.
// Nothing in the cycle allocates: buffers and the MIDI event table are set
// up before the first tick.
func (h *pluginHost) runEngine(ctx context.Context, sess *dsp.Session, sampleRate int) {
	layout := sess.Layout()
	frames := layout.MaxFrames
	period := time.Duration(frames) * time.Second / time.Duration(sampleRate)

	inputs := make([][]float32, layout.Inputs)
	for i := range inputs {
		inputs[i] = make([]float32, frames)
	}
	outputs := make([][]float32, layout.Outputs)
	for i := range outputs {
		outputs[i] = make([]float32, frames)
	}
	var noteBuf [noteQueueSize][3]byte
	events := make([]dsp.MidiEvent, 0, noteQueueSize)

	step := 2 * math.Pi * toneHz / float64(sampleRate)
	phase := 0.0
	ticker := time.NewTicker(period)
	defer ticker.Stop()

	h.logger.Info("engine running", "frames", frames, "period", period)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		for f := range frames {
			v := float32(0.5 * math.Sin(phase))
			for _, in := range inputs {
				in[f] = v
			}
			phase += step
		}
		phase = math.Mod(phase, 2*math.Pi)

		events = events[:0]
	drain:
		for len(events) < cap(events) {
			select {
			case n := <-h.notes:
				noteBuf[len(events)] = n
				events = append(events, dsp.MidiEvent{Data: noteBuf[len(events)][:]})
			default:
				break drain
			}
		}

		if err := sess.Process(frames, inputs, outputs, events); err != nil {
			h.logger.Error("process cycle skipped", "error", err)
		}
	}
}

package dsp

import (
	"errors"
	"math"
	"sync/atomic"
)

// ccVolume is MIDI controller 7, channel volume.
const ccVolume = 7

// Gain is a reference module: every output channel is the matching input
// scaled by a gain the control domain can set at any time. Control change 7
// on any MIDI channel also sets the gain. The first output is published to
// an optional Snapshot each block.
type Gain struct {
	block    *Block
	gain     atomic.Uint32
	snapshot *Snapshot
}

func NewGain(snapshot *Snapshot) *Gain {
	g := &Gain{snapshot: snapshot}
	g.SetGain(1)
	return g
}

func (g *Gain) SetGain(v float32) {
	g.gain.Store(math.Float32bits(v))
}

func (g *Gain) Gain() float32 {
	return math.Float32frombits(g.gain.Load())
}

func (g *Gain) Bind(b *Block) error {
	if b.Layout().Outputs == 0 {
		return errors.New("dsp: gain needs at least one output")
	}
	g.block = b
	return nil
}

func (g *Gain) Run(frames, midiEventCount uint32) {
	r := g.block.Midi(midiEventCount)
	for ev, ok := r.Next(); ok; ev, ok = r.Next() {
		if len(ev.Data) == 3 && ev.Data[0]&0xF0 == 0xB0 && ev.Data[1] == ccVolume {
			g.SetGain(float32(ev.Data[2]) / 127)
		}
	}

	gain := g.Gain()
	layout := g.block.Layout()
	for ch := range layout.Outputs {
		out := g.block.Output(ch)[:frames]
		if ch >= layout.Inputs {
			clear(out)
			continue
		}
		in := g.block.Input(ch)[:frames]
		for i := range out {
			out[i] = in[i] * gain
		}
	}

	if g.snapshot != nil {
		g.snapshot.Publish(g.block.Output(0)[:frames])
	}
}

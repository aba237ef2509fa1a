package dsp

import "fmt"

// Module is the compute side. Bind is called once at session start with the
// block whose fixed views the module keeps. Run is then called once per
// processing cycle with no buffer arguments; the module reads and writes
// through the views it was bound to.
//
// Run executes on the real-time thread: no allocation, locking or I/O.
type Module interface {
	Bind(b *Block) error
	Run(frames, midiEventCount uint32)
}

// Block is what a module sees of the shared regions.
type Block struct {
	layout  Layout
	inputs  [][]float32
	outputs [][]float32
	midi    []byte
}

func (b *Block) Layout() Layout {
	return b.layout
}

// Input returns the MaxFrames samples of input channel ch. Only the first
// frames samples passed to Run are valid.
func (b *Block) Input(ch int) []float32 {
	return b.inputs[ch]
}

// Output returns the MaxFrames samples of output channel ch.
func (b *Block) Output(ch int) []float32 {
	return b.outputs[ch]
}

// Midi returns a reader over the count events of the current block.
func (b *Block) Midi(count uint32) MidiReader {
	return NewMidiReader(b.midi, count)
}

// Session owns the regions for one layout and drives a module.
type Session struct {
	layout Layout
	in     *Region
	out    *Region
	midi   []byte
	writer *MidiWriter
	block  *Block
	module Module
}

// NewSession allocates the regions and binds m. All allocation for the
// session happens here.
func NewSession(layout Layout, m Module) (*Session, error) {
	if err := layout.Validate(); err != nil {
		return nil, err
	}

	s := &Session{
		layout: layout,
		in:     NewRegion(MaxAudioBlockBytes),
		out:    NewRegion(MaxAudioBlockBytes),
		midi:   make([]byte, MaxMidiBlockBytes),
		module: m,
	}
	s.writer = NewMidiWriter(s.midi)
	s.block = &Block{
		layout:  layout,
		inputs:  make([][]float32, layout.Inputs),
		outputs: make([][]float32, layout.Outputs),
		midi:    s.midi,
	}
	for ch := range s.block.inputs {
		s.block.inputs[ch] = s.in.view(ch, layout.MaxFrames)
	}
	for ch := range s.block.outputs {
		s.block.outputs[ch] = s.out.view(ch, layout.MaxFrames)
	}

	if err := m.Bind(s.block); err != nil {
		return nil, fmt.Errorf("dsp: bind module: %w", err)
	}
	return s, nil
}

func (s *Session) Layout() Layout {
	return s.layout
}

// InputBytes is the raw input region.
func (s *Session) InputBytes() []byte {
	return s.in.Bytes()
}

// OutputBytes is the raw output region.
func (s *Session) OutputBytes() []byte {
	return s.out.Bytes()
}

// MidiBytes is the raw MIDI region.
func (s *Session) MidiBytes() []byte {
	return s.midi
}

// Process runs one cycle: copy inputs in, pack events, run the module, copy
// outputs back. Input channels not supplied are silent. Any error is
// detected before the module runs and the cycle is skipped.
func (s *Session) Process(frames int, inputs, outputs [][]float32, events []MidiEvent) error {
	if frames < 0 || frames > s.layout.MaxFrames {
		return ErrFrameCount
	}
	if len(inputs) > s.layout.Inputs || len(outputs) > s.layout.Outputs {
		return ErrChannelCount
	}
	for _, src := range inputs {
		if len(src) < frames {
			return ErrShortBuffer
		}
	}
	for _, dst := range outputs {
		if len(dst) < frames {
			return ErrShortBuffer
		}
	}

	for ch, view := range s.block.inputs {
		if ch < len(inputs) {
			copy(view[:frames], inputs[ch][:frames])
		} else {
			clear(view[:frames])
		}
	}

	s.writer.Reset()
	for i := range events {
		if err := s.writer.Write(events[i].Frame, events[i].Data); err != nil {
			return err
		}
	}

	s.module.Run(uint32(frames), s.writer.Count())

	for ch, dst := range outputs {
		copy(dst[:frames], s.block.outputs[ch][:frames])
	}
	return nil
}

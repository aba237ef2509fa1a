// Package dsp is the boundary between the host and a real-time processing
// module. Audio and MIDI cross it through fixed regions allocated once per
// session; nothing on the per-block path allocates, locks or blocks.
//
// Region layout:
//
//	input/output  ch*maxFrames*4 ─▶ maxFrames float32 samples, native byte order
//	midi          repeated [frame u32 LE][len u32 LE][len bytes]
package dsp

import (
	"errors"
	"fmt"
	"unsafe"
)

const (
	MaxAudioBlockBytes = 65536 // Per direction
	MaxMidiBlockBytes  = 1536  // Per block
	MidiHeaderSize     = 8
	SampleSize         = 4
)

// ErrBoundaryViolation is the root of every region capacity error. The
// wrapped variants are built once so the processing path can return them
// without allocating.
var (
	ErrBoundaryViolation = errors.New("dsp: real-time boundary violation")
	ErrMidiOverflow      = fmt.Errorf("%w: midi region full", ErrBoundaryViolation)
	ErrMidiCorrupt       = fmt.Errorf("%w: midi record past region end", ErrBoundaryViolation)
	ErrFrameCount        = fmt.Errorf("%w: frame count exceeds session maximum", ErrBoundaryViolation)
	ErrChannelCount      = fmt.Errorf("%w: channel count exceeds session layout", ErrBoundaryViolation)
	ErrShortBuffer       = fmt.Errorf("%w: caller buffer shorter than frame count", ErrBoundaryViolation)
)

// Layout is negotiated once per session and never changes.
type Layout struct {
	Inputs    int
	Outputs   int
	MaxFrames int
}

func (l Layout) Validate() error {
	if l.MaxFrames <= 0 {
		return fmt.Errorf("dsp: max frames must be positive, got %d", l.MaxFrames)
	}
	if l.Inputs < 0 || l.Outputs < 0 {
		return fmt.Errorf("dsp: negative channel count %d/%d", l.Inputs, l.Outputs)
	}
	if n := l.Inputs * l.MaxFrames * SampleSize; n > MaxAudioBlockBytes {
		return fmt.Errorf("dsp: %d inputs x %d frames need %d bytes, region holds %d",
			l.Inputs, l.MaxFrames, n, MaxAudioBlockBytes)
	}
	if n := l.Outputs * l.MaxFrames * SampleSize; n > MaxAudioBlockBytes {
		return fmt.Errorf("dsp: %d outputs x %d frames need %d bytes, region holds %d",
			l.Outputs, l.MaxFrames, n, MaxAudioBlockBytes)
	}
	return nil
}

// ChannelOffset is the byte offset of channel ch inside an audio region.
func ChannelOffset(ch, maxFrames int) int {
	return ch * maxFrames * SampleSize
}

// Region is a fixed audio region. It is backed by float32 storage so the
// per-channel sample views need no conversion; Bytes views the same memory.
type Region struct {
	samples []float32
	bytes   []byte
}

func NewRegion(size int) *Region {
	samples := make([]float32, size/SampleSize)
	r := &Region{samples: samples}
	if len(samples) > 0 {
		r.bytes = unsafe.Slice((*byte)(unsafe.Pointer(&samples[0])), len(samples)*SampleSize)
	}
	return r
}

// Bytes is the raw region, as a module reading fixed offsets sees it.
func (r *Region) Bytes() []byte {
	return r.bytes
}

func (r *Region) Len() int {
	return len(r.bytes)
}

// view returns the maxFrames samples of channel ch.
func (r *Region) view(ch, maxFrames int) []float32 {
	start := ChannelOffset(ch, maxFrames) / SampleSize
	return r.samples[start : start+maxFrames : start+maxFrames]
}

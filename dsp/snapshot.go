package dsp

import "sync/atomic"

const snapshotDirty = 4

// Snapshot hands sample blocks from the processing domain to the control
// domain without locks. It is a triple buffer: the writer fills its back
// buffer and swaps it into the middle slot; the reader swaps the middle slot
// out when it is marked fresh. Neither side ever waits on the other.
//
// One goroutine may Publish and one may Acquire.
type Snapshot struct {
	bufs  [3][]float32
	lens  [3]int
	state atomic.Uint32 // Middle index, plus snapshotDirty when unread

	back  int // Writer-owned
	front int // Reader-owned
}

// NewSnapshot preallocates three buffers of capacity samples each.
func NewSnapshot(capacity int) *Snapshot {
	s := &Snapshot{back: 0, front: 2}
	for i := range s.bufs {
		s.bufs[i] = make([]float32, capacity)
	}
	s.state.Store(1)
	return s
}

func (s *Snapshot) Capacity() int {
	return len(s.bufs[0])
}

// Publish copies up to Capacity samples. Safe on the real-time thread.
func (s *Snapshot) Publish(samples []float32) {
	n := copy(s.bufs[s.back], samples)
	s.lens[s.back] = n
	prev := s.state.Swap(uint32(s.back) | snapshotDirty)
	s.back = int(prev &^ snapshotDirty)
}

// Acquire returns the latest published samples and whether they are new
// since the previous Acquire. The slice is valid until the next Acquire.
func (s *Snapshot) Acquire() ([]float32, bool) {
	if s.state.Load()&snapshotDirty == 0 {
		return s.bufs[s.front][:s.lens[s.front]], false
	}
	prev := s.state.Swap(uint32(s.front))
	s.front = int(prev &^ snapshotDirty)
	return s.bufs[s.front][:s.lens[s.front]], true
}

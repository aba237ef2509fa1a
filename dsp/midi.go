package dsp

import "encoding/binary"

// MidiEvent is one event in a block. Data is not copied by MidiReader; it
// aliases the MIDI region and is valid until the next block.
type MidiEvent struct {
	Frame uint32 // Frames from block start
	Data  []byte
}

// MidiWriter packs events into a fixed region.
type MidiWriter struct {
	buf    []byte
	cursor int
	count  uint32
}

func NewMidiWriter(region []byte) *MidiWriter {
	return &MidiWriter{buf: region}
}

func (w *MidiWriter) Reset() {
	w.cursor = 0
	w.count = 0
}

// Write appends one record at the cursor. An event that does not fit
// returns ErrMidiOverflow and leaves the region unchanged.
func (w *MidiWriter) Write(frame uint32, data []byte) error {
	if MidiHeaderSize+len(data) > len(w.buf)-w.cursor {
		return ErrMidiOverflow
	}
	c := w.cursor
	binary.LittleEndian.PutUint32(w.buf[c:], frame)
	binary.LittleEndian.PutUint32(w.buf[c+4:], uint32(len(data)))
	copy(w.buf[c+MidiHeaderSize:], data)
	w.cursor = c + MidiHeaderSize + len(data)
	w.count++
	return nil
}

// Count is the number of events written since Reset.
func (w *MidiWriter) Count() uint32 {
	return w.count
}

// Len is the number of bytes written since Reset.
func (w *MidiWriter) Len() int {
	return w.cursor
}

// MidiReader walks count records packed at the start of a region.
//
//	r := block.Midi(count)
//	for ev, ok := r.Next(); ok; ev, ok = r.Next() { ... }
//	if r.Err() != nil { ... }
type MidiReader struct {
	buf       []byte
	cursor    int
	remaining uint32
	err       error
}

func NewMidiReader(region []byte, count uint32) MidiReader {
	return MidiReader{buf: region, remaining: count}
}

func (r *MidiReader) Next() (MidiEvent, bool) {
	if r.remaining == 0 || r.err != nil {
		return MidiEvent{}, false
	}
	c := r.cursor
	if len(r.buf)-c < MidiHeaderSize {
		r.err = ErrMidiCorrupt
		return MidiEvent{}, false
	}
	frame := binary.LittleEndian.Uint32(r.buf[c:])
	size := binary.LittleEndian.Uint32(r.buf[c+4:])
	if uint64(size) > uint64(len(r.buf)-c-MidiHeaderSize) {
		r.err = ErrMidiCorrupt
		return MidiEvent{}, false
	}
	start := c + MidiHeaderSize
	end := start + int(size)
	r.cursor = end
	r.remaining--
	return MidiEvent{Frame: frame, Data: r.buf[start:end:end]}, true
}

// Err reports a record that ran past the region.
func (r *MidiReader) Err() error {
	return r.err
}

package transport

import (
	"sync"
)

// recorder is a Handler that records every event for assertions.
type recorder struct {
	mu     sync.Mutex
	opens  int
	closes int
	errs   []error
	frames [][]byte
}

func (r *recorder) OnOpen() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.opens++
}

func (r *recorder) OnClose(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closes++
	r.errs = append(r.errs, err)
}

func (r *recorder) OnFrame(frame []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.frames = append(r.frames, frame)
}

func (r *recorder) counts() (opens, closes int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.opens, r.closes
}

func (r *recorder) received() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.frames))
	for i, f := range r.frames {
		out[i] = string(f)
	}
	return out
}

package server

import (
	"sync"

	"hiphop-rpc/codec"
	"hiphop-rpc/transport"
)

// peer is one connected UI. Host-initiated frames wait in the init queue
// until the UI asks for them with flushInitMessageQueue; replies to the
// peer's own calls are written straight away.
type peer struct {
	id    uint64
	kind  transport.Kind
	codec codec.Codec
	write func(frame []byte) error
	close func() error

	mu      sync.Mutex
	ready   bool
	queue   [][]byte
	limit   int
	dropped int
}

// push writes frame, or queues it while the peer is not ready. A full
// queue drops its oldest frame. Returns whether a frame was dropped.
func (p *peer) push(frame []byte) (dropped bool, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.ready {
		return false, p.write(frame)
	}
	if len(p.queue) == p.limit {
		copy(p.queue, p.queue[1:])
		p.queue = p.queue[:len(p.queue)-1]
		p.dropped++
		dropped = true
	}
	p.queue = append(p.queue, frame)
	return dropped, nil
}

// flush marks the peer ready and writes everything queued, in order.
// Later calls do nothing.
func (p *peer) flush() (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.ready {
		return 0, nil
	}
	p.ready = true
	queued := p.queue
	p.queue = nil
	for i, frame := range queued {
		if err := p.write(frame); err != nil {
			return i, err
		}
	}
	return len(queued), nil
}

func (p *peer) queued() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.queue)
}

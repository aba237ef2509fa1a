package channel

import (
	"errors"
	"sync/atomic"
	"time"

	"hiphop-rpc/loop"
)

// PingMethod is the zero-argument call the latency monitor issues.
const PingMethod = "ping"

// pingLossPeriods is how many periods a ping may stay unanswered before it
// is counted lost.
const pingLossPeriods = 3

// LatencyMonitor measures round trips with a periodic ping while the
// channel is open. Only one ping is outstanding at a time; a tick that finds
// one in flight is skipped. A ping unanswered for pingLossPeriods periods is
// counted lost and the next tick sends a fresh one.
type LatencyMonitor struct {
	ch       *Channel
	period   time.Duration
	onSample func(time.Duration)

	// Loop-owned.
	task     *loop.Task
	inflight bool
	gen      uint64

	latency atomic.Int64
	samples atomic.Int64
	skipped atomic.Int64
	lost    atomic.Int64
}

func newLatencyMonitor(ch *Channel, period time.Duration, onSample func(time.Duration)) *LatencyMonitor {
	return &LatencyMonitor{ch: ch, period: period, onSample: onSample}
}

// Latency returns the most recent round trip, or 0 before the first reply.
func (m *LatencyMonitor) Latency() time.Duration {
	return time.Duration(m.latency.Load())
}

// Samples returns the number of pings answered.
func (m *LatencyMonitor) Samples() int64 {
	return m.samples.Load()
}

// Skipped returns the number of ticks skipped because a ping was outstanding.
func (m *LatencyMonitor) Skipped() int64 {
	return m.skipped.Load()
}

// Lost returns the number of pings that were never answered.
func (m *LatencyMonitor) Lost() int64 {
	return m.lost.Load()
}

func (m *LatencyMonitor) start() {
	if m.task != nil {
		return
	}
	m.task = m.ch.loop.Every(m.period, m.tick)
}

func (m *LatencyMonitor) stop() {
	m.task.Cancel()
	m.task = nil
	m.inflight = false
	m.gen++
}

func (m *LatencyMonitor) tick() {
	if m.inflight {
		m.skipped.Add(1)
		m.ch.logger.Debug("ping outstanding, skipping tick")
		return
	}
	m.inflight = true

	gen := m.gen
	clock := m.ch.loop.Clock()
	sent := clock.Now()
	call := newCall(PingMethod)
	call.onSettle = func(c *Call) {
		m.ch.loop.Post(func() { m.settled(gen, sent, c.Error) })
	}
	m.ch.issue(call, nil, pingLossPeriods*m.period)
}

func (m *LatencyMonitor) settled(gen uint64, sent time.Time, err error) {
	if gen != m.gen {
		return
	}
	m.inflight = false
	if errors.Is(err, ErrCallTimeout) {
		m.lost.Add(1)
		m.ch.logger.Warn("ping lost", "after", pingLossPeriods*m.period)
		return
	}
	if err != nil {
		m.ch.logger.Debug("ping failed", "error", err)
		return
	}

	d := m.ch.loop.Clock().Now().Sub(sent)
	m.latency.Store(int64(d))
	m.samples.Add(1)
	if m.onSample != nil {
		m.onSample(d)
	}
}

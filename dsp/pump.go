package dsp

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sync/atomic"

	"github.com/zaf/g711"
	"golang.org/x/time/rate"

	"hiphop-rpc/codec"
	"hiphop-rpc/message"
)

const (
	DefaultSnapshotTag  = "visualization"
	DefaultSnapshotRate = 30 // Per second
)

// Sink accepts outbound frames. *channel.Channel and *server.Server both
// satisfy it.
type Sink interface {
	Post(msg message.Message) error
}

type PumpConfig struct {
	Snapshot *Snapshot
	Sink     Sink
	Tag      string
	Rate     float64 // Snapshots per second
	Logger   *slog.Logger
}

// Pump is the rate-limited path from a Snapshot to the UI. It runs in the
// control domain. Each push is a passthrough frame:
//
//	[tag, sampleCount, base64(μ-law samples)]
type Pump struct {
	cfg     PumpConfig
	limiter *rate.Limiter
	logger  *slog.Logger
	buf     []byte
	sent    atomic.Int64
}

func NewPump(cfg PumpConfig) *Pump {
	if cfg.Tag == "" {
		cfg.Tag = DefaultSnapshotTag
	}
	if cfg.Rate <= 0 {
		cfg.Rate = DefaultSnapshotRate
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Pump{
		cfg:     cfg,
		limiter: rate.NewLimiter(rate.Limit(cfg.Rate), 1),
		logger:  cfg.Logger.With("component", "dsp.pump", "tag", cfg.Tag),
		buf:     make([]byte, cfg.Snapshot.Capacity()),
	}
}

// Run pushes fresh snapshots at most Rate times per second until ctx is done.
func (p *Pump) Run(ctx context.Context) error {
	for {
		if err := p.limiter.Wait(ctx); err != nil {
			return ctx.Err()
		}
		p.Flush()
	}
}

// Flush pushes the latest snapshot if it is new. It reports whether a frame
// was sent.
func (p *Pump) Flush() bool {
	samples, fresh := p.cfg.Snapshot.Acquire()
	if !fresh {
		return false
	}
	encoded := EncodeUlaw(p.buf[:0], samples)
	msg := message.Message{p.cfg.Tag, len(samples), codec.EncodeBase64(encoded)}
	if err := p.cfg.Sink.Post(msg); err != nil {
		p.logger.Debug("snapshot not delivered", "error", err)
		return false
	}
	p.sent.Add(1)
	return true
}

// Sent returns the number of snapshots delivered.
func (p *Pump) Sent() int64 {
	return p.sent.Load()
}

// EncodeUlaw appends the μ-law encoding of samples in [-1, 1] to dst.
// Out-of-range samples are clipped.
func EncodeUlaw(dst []byte, samples []float32) []byte {
	for _, s := range samples {
		v := math.Round(float64(s) * math.MaxInt16)
		v = max(math.MinInt16, min(math.MaxInt16, v))
		dst = append(dst, g711.EncodeUlawFrame(int16(v)))
	}
	return dst
}

// DecodeSnapshot turns a frame pushed by Pump back into samples.
func DecodeSnapshot(msg message.Message) ([]float32, error) {
	if len(msg) != 3 {
		return nil, fmt.Errorf("dsp: snapshot frame has %d elements, want 3", len(msg))
	}
	encoded, ok := msg[2].(string)
	if !ok {
		return nil, fmt.Errorf("dsp: snapshot payload is %T, want string", msg[2])
	}
	raw, err := codec.DecodeBase64(encoded)
	if err != nil {
		return nil, fmt.Errorf("dsp: snapshot payload: %w", err)
	}
	n, err := message.Args(msg[1:2]).Int(0)
	if err != nil {
		return nil, fmt.Errorf("dsp: snapshot count: %w", err)
	}
	if n != len(raw) {
		return nil, fmt.Errorf("dsp: snapshot count %d, payload holds %d", n, len(raw))
	}

	out := make([]float32, len(raw))
	for i, u := range raw {
		out[i] = float32(g711.DecodeUlawFrame(u)) / math.MaxInt16
	}
	return out, nil
}

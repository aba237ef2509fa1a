package transfer

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"hiphop-rpc/codec"
	"hiphop-rpc/message"
)

var (
	// ErrProtocol is the root of every aborted transfer.
	ErrProtocol           = errors.New("transfer: protocol error")
	ErrOutOfRange         = fmt.Errorf("%w: chunk outside destination buffer", ErrProtocol)
	ErrOutOfOrder         = fmt.Errorf("%w: chunk out of order", ErrProtocol)
	ErrUnknownDestination = fmt.Errorf("%w: unknown destination", ErrProtocol)
	// ErrAbandoned reports a transfer cut off by a newer one to the same
	// destination.
	ErrAbandoned = errors.New("transfer: abandoned for a newer transfer")
)

type Chunk struct {
	Destination string
	Data        []byte
	Offset      int
	Token       string
	Length      int // Total transfer size
}

// Completion is a finished transfer. Data aliases the destination region
// and is overwritten by the next transfer to that destination; copy it to
// keep it.
type Completion struct {
	Destination string
	Token       string
	Data        []byte
}

type ReceiverConfig struct {
	// Destinations maps each accepted destination key to its capacity in bytes.
	Destinations map[string]int
	OnComplete   func(Completion)
	// OnError is told about every aborted transfer.
	OnError func(err error)
	Logger  *slog.Logger
}

// Receiver reassembles chunked transfers into fixed-capacity destinations.
//
// Each destination owns one region, allocated once at its full capacity,
// and carries at most one transfer at a time. A chunk at offset 0 with a new
// token abandons the transfer in progress there (reported with
// ErrAbandoned) and starts over. Chunks of one token must arrive in
// non-decreasing offset order with no gaps; anything else aborts that token.
type Receiver struct {
	cfg    ReceiverConfig
	logger *slog.Logger

	mu      sync.Mutex
	regions map[string]*region
}

type region struct {
	buf    []byte // Full capacity
	token  string // Transfer in progress, "" when idle
	length int
	last   int // Offset of the previous chunk
	high   int // Bytes filled from the start
}

func (g *region) start(token string, length int) {
	g.token, g.length, g.last, g.high = token, length, 0, 0
}

func (g *region) reset() {
	g.start("", 0)
}

func NewReceiver(cfg ReceiverConfig) *Receiver {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	regions := make(map[string]*region, len(cfg.Destinations))
	for name, capacity := range cfg.Destinations {
		regions[name] = &region{buf: make([]byte, max(capacity, 0))}
	}
	return &Receiver{
		cfg:     cfg,
		logger:  cfg.Logger.With("component", "transfer"),
		regions: regions,
	}
}

// Capacity returns the capacity of a destination.
func (r *Receiver) Capacity(destination string) (int, bool) {
	g, ok := r.regions[destination]
	if !ok {
		return 0, false
	}
	return len(g.buf), true
}

// Pending returns the number of transfers in progress, at most one per
// destination.
func (r *Receiver) Pending() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, g := range r.regions {
		if g.token != "" {
			n++
		}
	}
	return n
}

// Handle decodes chunk arguments as sent by Sender and accepts the chunk.
func (r *Receiver) Handle(args message.Args) error {
	if args.Len() < 5 {
		return r.fail("", fmt.Errorf("%w: want 5 chunk arguments, got %d", ErrProtocol, args.Len()))
	}
	dest, err := args.String(0)
	if err != nil {
		return r.fail("", fmt.Errorf("%w: destination: %v", ErrProtocol, err))
	}
	encoded, err := args.String(1)
	if err != nil {
		return r.fail("", fmt.Errorf("%w: chunk: %v", ErrProtocol, err))
	}
	offset, err := args.Int(2)
	if err != nil {
		return r.fail("", fmt.Errorf("%w: offset: %v", ErrProtocol, err))
	}
	token, err := args.String(3)
	if err != nil {
		return r.fail("", fmt.Errorf("%w: token: %v", ErrProtocol, err))
	}
	length, err := args.Int(4)
	if err != nil {
		return r.fail(token, fmt.Errorf("%w: length: %v", ErrProtocol, err))
	}
	data, err := codec.DecodeBase64(encoded)
	if err != nil {
		return r.fail(token, fmt.Errorf("%w: %v", ErrProtocol, err))
	}

	return r.Accept(Chunk{Destination: dest, Data: data, Offset: offset, Token: token, Length: length})
}

// Accept applies one chunk. On error the token's transfer is discarded;
// a transfer in progress under another token is left alone.
func (r *Receiver) Accept(c Chunk) error {
	r.mu.Lock()
	g, ok := r.regions[c.Destination]
	if !ok {
		r.mu.Unlock()
		return r.fail(c.Token, fmt.Errorf("%w %q", ErrUnknownDestination, c.Destination))
	}
	if err := g.check(c); err != nil {
		if g.token == c.Token {
			g.reset()
		}
		r.mu.Unlock()
		return r.fail(c.Token, err)
	}

	abandoned := ""
	if g.token != c.Token {
		abandoned = g.token
		g.start(c.Token, c.Length)
	}
	copy(g.buf[c.Offset:], c.Data)
	g.last = c.Offset
	g.high = max(g.high, c.Offset+len(c.Data))

	var done *Completion
	if g.high == g.length {
		done = &Completion{Destination: c.Destination, Token: c.Token, Data: g.buf[:g.length]}
		g.reset()
	}
	r.mu.Unlock()

	if abandoned != "" {
		r.fail(abandoned, fmt.Errorf("%w by %s", ErrAbandoned, c.Token))
	}
	if done != nil {
		r.logger.Debug("transfer complete", "destination", done.Destination, "token", done.Token, "bytes", len(done.Data))
		if r.cfg.OnComplete != nil {
			r.cfg.OnComplete(*done)
		}
	}
	return nil
}

// check validates c against the region without changing it.
func (g *region) check(c Chunk) error {
	capacity := len(g.buf)
	if c.Length < 0 || c.Length > capacity {
		return fmt.Errorf("%w: length %d exceeds capacity %d of %q", ErrOutOfRange, c.Length, capacity, c.Destination)
	}
	if c.Offset < 0 || c.Offset+len(c.Data) > c.Length {
		return fmt.Errorf("%w: [%d, %d) past length %d", ErrOutOfRange, c.Offset, c.Offset+len(c.Data), c.Length)
	}
	if g.token != c.Token {
		if c.Offset != 0 {
			return fmt.Errorf("%w: transfer starts at offset %d", ErrOutOfOrder, c.Offset)
		}
		return nil
	}
	switch {
	case c.Length != g.length:
		return fmt.Errorf("%w: length changed from %d to %d", ErrProtocol, g.length, c.Length)
	case c.Offset < g.last:
		return fmt.Errorf("%w: offset %d after %d", ErrOutOfOrder, c.Offset, g.last)
	case c.Offset > g.high:
		return fmt.Errorf("%w: gap between %d and %d", ErrOutOfOrder, g.high, c.Offset)
	}
	return nil
}

func (r *Receiver) fail(token string, err error) error {
	if token != "" {
		err = fmt.Errorf("token %s: %w", token, err)
	}
	r.logger.Warn("transfer aborted", "error", err)
	if r.cfg.OnError != nil {
		r.cfg.OnError(err)
	}
	return err
}

// Package transfer moves large binaries (state files, sideloaded modules)
// over a message channel as base64 chunks.
//
// Each chunk is one notification:
//
//	[UI, method, destination, base64Chunk, offset, token, length]
//
// length is the total size of the transfer. The receiver completes a token
// once every byte up to length has arrived.
package transfer

import (
	"fmt"

	"github.com/google/uuid"

	"hiphop-rpc/codec"
)

// DefaultMaxChunk is the largest raw payload per chunk: 64 KiB once base64
// encoded, line breaks aside.
const DefaultMaxChunk = 48 << 10

// Notifier sends fire-and-forget control frames. *channel.Channel and the
// host server both satisfy it.
type Notifier interface {
	Notify(method string, args ...any) error
}

type Sender struct {
	n        Notifier
	method   string
	maxChunk int
}

func NewSender(n Notifier, method string, maxChunk int) *Sender {
	if maxChunk <= 0 {
		maxChunk = DefaultMaxChunk
	}
	return &Sender{n: n, method: method, maxChunk: maxChunk}
}

// NewToken returns a fresh transfer token.
func NewToken() string {
	return uuid.NewString()
}

// Send splits data into chunks sent in increasing offset order. An empty
// token is replaced with NewToken. The token used is returned.
func (s *Sender) Send(destination string, data []byte, token string) (string, error) {
	if token == "" {
		token = NewToken()
	}
	total := len(data)
	if total == 0 {
		return token, s.n.Notify(s.method, destination, "", 0, token, 0)
	}

	for off := 0; off < total; off += s.maxChunk {
		end := min(off+s.maxChunk, total)
		chunk := codec.EncodeBase64(data[off:end])
		if err := s.n.Notify(s.method, destination, chunk, off, token, total); err != nil {
			return token, fmt.Errorf("transfer: send chunk at offset %d: %w", off, err)
		}
	}
	return token, nil
}

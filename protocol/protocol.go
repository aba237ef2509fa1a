// Package protocol frames encoded messages over a byte stream.
//
// The network socket carries one frame per websocket message, so it needs no
// framing. Pipe conduits of the embedded bridge (stdin/stdout of a host
// process, unix sockets) are plain streams and use a fixed 9-byte header
// followed by the encoded body.
//
// Frame format:
//
//	0      3  4  5         9
//	┌──────┬──┬──┬─────────┬───────────────┐
//	│magic │v │ct│ bodyLen │    body ...    │
//	│ hhp  │01│  │ uint32  │ bodyLen bytes  │
//	└──────┴──┴──┴─────────┴───────────────┘
package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"hiphop-rpc/codec"
)

const (
	MagicNumber byte = 0x68 // 'h'
	MagicByte2  byte = 0x68 // 'h'
	MagicByte3  byte = 0x70 // 'p'
	Version     byte = 0x01
	HeaderSize  int  = 9 // 3 (magic) + 1 (version) + 1 (codec) + 4 (bodyLen)

	// MaxBodyLen bounds the allocation made for a single incoming frame.
	MaxBodyLen = 16 << 20
)

var (
	ErrBadMagic      = errors.New("protocol: invalid magic number")
	ErrBadVersion    = errors.New("protocol: unsupported version")
	ErrBadCodec      = errors.New("protocol: unsupported codec type")
	ErrFrameTooLarge = errors.New("protocol: frame body too large")
)

// Encode writes one frame to w in a single Write call.
// Callers sharing w between goroutines must serialize calls.
func Encode(w io.Writer, ct codec.CodecType, body []byte) error {
	if len(body) > MaxBodyLen {
		return fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, len(body))
	}

	buf := make([]byte, HeaderSize+len(body))
	buf[0], buf[1], buf[2] = MagicNumber, MagicByte2, MagicByte3
	buf[3] = Version
	buf[4] = byte(ct)
	binary.BigEndian.PutUint32(buf[5:9], uint32(len(body)))
	copy(buf[HeaderSize:], body)

	_, err := w.Write(buf)
	return err
}

// Decode reads one frame from r. A clean end of stream before the header
// returns io.EOF.
func Decode(r io.Reader) (codec.CodecType, []byte, error) {
	var header [HeaderSize]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return 0, nil, err
	}

	if header[0] != MagicNumber || header[1] != MagicByte2 || header[2] != MagicByte3 {
		return 0, nil, fmt.Errorf("%w: %x", ErrBadMagic, header[0:3])
	}
	if header[3] != Version {
		return 0, nil, fmt.Errorf("%w: %d", ErrBadVersion, header[3])
	}
	ct := codec.CodecType(header[4])
	if ct != codec.CodecTypeJSON && ct != codec.CodecTypeCBOR {
		return 0, nil, fmt.Errorf("%w: %d", ErrBadCodec, header[4])
	}

	bodyLen := binary.BigEndian.Uint32(header[5:9])
	if bodyLen > MaxBodyLen {
		return 0, nil, fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, bodyLen)
	}

	body := make([]byte, bodyLen)
	if _, err := io.ReadFull(r, body); err != nil {
		return 0, nil, fmt.Errorf("protocol: short body: %w", err)
	}
	return ct, body, nil
}

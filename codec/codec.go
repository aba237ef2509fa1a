// Package codec turns message frames into bytes and back, and provides the
// base64 binary codec used to carry raw bytes inside text-only frames.
//
// Two frame codecs exist:
//   - JSON: the network socket format, frames are JSON arrays sent as text messages.
//   - CBOR: compact binary frames for the embedded bridge and pipe conduits.
package codec

import (
	"errors"
	"fmt"
	"strings"

	"hiphop-rpc/message"
)

type CodecType byte

const (
	CodecTypeJSON CodecType = 0
	CodecTypeCBOR CodecType = 1
)

// ErrNotAFrame is returned when decoded data is not a non-empty array.
var ErrNotAFrame = errors.New("codec: frame must be a non-empty array")

type Codec interface {
	Encode(msg message.Message) ([]byte, error)
	Decode(data []byte) (message.Message, error)
	Type() CodecType // 0=JSON, 1=CBOR
}

func GetCodec(codecType CodecType) Codec {
	if codecType == CodecTypeCBOR {
		return cborCodec
	}

	return jsonCodec
}

// ParseCodecType maps a config name ("json", "cbor") to a CodecType.
func ParseCodecType(name string) (CodecType, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "json":
		return CodecTypeJSON, nil
	case "cbor":
		return CodecTypeCBOR, nil
	default:
		return 0, fmt.Errorf("codec: unsupported codec %q", name)
	}
}

func (t CodecType) String() string {
	switch t {
	case CodecTypeJSON:
		return "json"
	case CodecTypeCBOR:
		return "cbor"
	default:
		return fmt.Sprintf("codec(%d)", byte(t))
	}
}

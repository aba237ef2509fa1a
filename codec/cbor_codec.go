package codec

import (
	"fmt"
	"reflect"

	"github.com/fxamacker/cbor/v2"

	"hiphop-rpc/message"
)

var cborCodec = newCBORCodec()

// CBORCodec encodes frames as CBOR arrays.
//
// Maps decode as map[string]any so passthrough payloads look the same as
// they do through JSONCodec; integers decode as int64.
type CBORCodec struct {
	enc cbor.EncMode
	dec cbor.DecMode
}

func newCBORCodec() *CBORCodec {
	enc, err := cbor.EncOptions{ShortestFloat: cbor.ShortestFloat16}.EncMode()
	if err != nil {
		panic(err)
	}
	dec, err := cbor.DecOptions{
		DefaultMapType: reflect.TypeOf(map[string]any(nil)),
		IntDec:         cbor.IntDecConvertSigned,
	}.DecMode()
	if err != nil {
		panic(err)
	}
	return &CBORCodec{enc: enc, dec: dec}
}

func (c *CBORCodec) Encode(msg message.Message) ([]byte, error) {
	data, err := c.enc.Marshal([]any(msg))
	if err != nil {
		return nil, fmt.Errorf("codec: cbor encode: %w", err)
	}
	return data, nil
}

func (c *CBORCodec) Decode(data []byte) (message.Message, error) {
	var frame []any
	if err := c.dec.Unmarshal(data, &frame); err != nil {
		return nil, fmt.Errorf("codec: cbor decode: %w", err)
	}
	if len(frame) == 0 {
		return nil, ErrNotAFrame
	}
	return message.Message(frame), nil
}

func (c *CBORCodec) Type() CodecType {
	return CodecTypeCBOR
}

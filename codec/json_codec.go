package codec

import (
	"fmt"

	"github.com/bytedance/sonic"

	"hiphop-rpc/message"
)

var jsonCodec = &JSONCodec{}

// JSONCodec encodes frames as JSON arrays using sonic.
// Numbers decode as float64, objects as map[string]any.
type JSONCodec struct{}

func (c *JSONCodec) Encode(msg message.Message) ([]byte, error) {
	data, err := sonic.Marshal([]any(msg))
	if err != nil {
		return nil, fmt.Errorf("codec: json encode: %w", err)
	}
	return data, nil
}

func (c *JSONCodec) Decode(data []byte) (message.Message, error) {
	var frame []any
	if err := sonic.Unmarshal(data, &frame); err != nil {
		return nil, fmt.Errorf("codec: json decode: %w", err)
	}
	if len(frame) == 0 {
		return nil, ErrNotAFrame
	}
	return message.Message(frame), nil
}

func (c *JSONCodec) Type() CodecType {
	return CodecTypeJSON
}

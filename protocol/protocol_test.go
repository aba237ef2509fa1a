package protocol

import (
	"bytes"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"hiphop-rpc/codec"
)

func TestEncodeDecode(t *testing.T) {
	body := []byte("hello world")

	var buf bytes.Buffer
	require.NoError(t, Encode(&buf, codec.CodecTypeCBOR, body))
	assert.Equal(t, HeaderSize+len(body), buf.Len())

	ct, decoded, err := Decode(&buf)
	require.NoError(t, err)
	assert.Equal(t, codec.CodecTypeCBOR, ct)
	assert.Equal(t, body, decoded)

	_, _, err = Decode(&buf)
	assert.ErrorIs(t, err, io.EOF)
}

func TestDecodeSequence(t *testing.T) {
	var buf bytes.Buffer
	for _, s := range []string{"a", "", "ccc"} {
		require.NoError(t, Encode(&buf, codec.CodecTypeJSON, []byte(s)))
	}

	for _, want := range []string{"a", "", "ccc"} {
		_, body, err := Decode(&buf)
		require.NoError(t, err)
		assert.Equal(t, want, string(body))
	}
}

func TestDecodeInvalidHeader(t *testing.T) {
	tests := []struct {
		name   string
		header []byte
		want   error
	}{
		{"magic", []byte{0x00, 0x00, 0x00, Version, 0, 0, 0, 0, 0}, ErrBadMagic},
		{"version", []byte{MagicNumber, MagicByte2, MagicByte3, 0xFF, 0, 0, 0, 0, 0}, ErrBadVersion},
		{"codec", []byte{MagicNumber, MagicByte2, MagicByte3, Version, 9, 0, 0, 0, 0}, ErrBadCodec},
		{"length", []byte{MagicNumber, MagicByte2, MagicByte3, Version, 0, 0xFF, 0xFF, 0xFF, 0xFF}, ErrFrameTooLarge},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, _, err := Decode(bytes.NewReader(tt.header))
			assert.ErrorIs(t, err, tt.want)
		})
	}
}

func TestDecodeTruncatedBody(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, Encode(&buf, codec.CodecTypeJSON, []byte("truncated")))

	_, _, err := Decode(bytes.NewReader(buf.Bytes()[:buf.Len()-3]))
	assert.ErrorIs(t, err, io.ErrUnexpectedEOF)
}

func TestDecodeLargeBody(t *testing.T) {
	large := make([]byte, 1024*1024)
	for i := range large {
		large[i] = byte(i % 256)
	}

	var buf bytes.Buffer
	require.NoError(t, Encode(&buf, codec.CodecTypeCBOR, large))

	_, decoded, err := Decode(&buf)
	require.NoError(t, err)
	if !bytes.Equal(decoded, large) {
		t.Fatalf("large body mismatch")
	}
}

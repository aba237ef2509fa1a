package codec

import (
	"errors"
	"fmt"
	"strings"

	"github.com/cloudwego/base64x"
)

// LineLength is the number of output characters after which EncodeBase64 breaks a line.
const LineLength = 76

// ErrBase64 is returned for input that is not valid base64 once whitespace is removed.
var ErrBase64 = errors.New("codec: invalid base64")

// EncodedLen returns the length of EncodeBase64 output for n input bytes,
// line breaks included.
func EncodedLen(n int) int {
	raw := base64x.StdEncoding.EncodedLen(n)
	if raw == 0 {
		return 0
	}
	return raw + (raw-1)/LineLength
}

// EncodeBase64 encodes b with the standard alphabet and '=' padding,
// inserting '\n' after every LineLength characters.
func EncodeBase64(b []byte) string {
	raw := base64x.StdEncoding.EncodeToString(b)
	if len(raw) <= LineLength {
		return raw
	}

	var sb strings.Builder
	sb.Grow(EncodedLen(len(b)))
	for i := 0; i < len(raw); i += LineLength {
		if i > 0 {
			sb.WriteByte('\n')
		}
		end := min(i+LineLength, len(raw))
		sb.WriteString(raw[i:end])
	}
	return sb.String()
}

// DecodeBase64 decodes s, ignoring spaces, tabs and line breaks.
// Missing trailing padding is tolerated.
func DecodeBase64(s string) ([]byte, error) {
	clean := strings.Map(func(r rune) rune {
		switch r {
		case ' ', '\t', '\r', '\n':
			return -1
		}
		return r
	}, s)

	switch len(clean) % 4 {
	case 1:
		return nil, fmt.Errorf("%w: dangling character at position %d", ErrBase64, len(clean)-1)
	case 2:
		clean += "=="
	case 3:
		clean += "="
	}

	out, err := base64x.StdEncoding.DecodeString(clean)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBase64, err)
	}
	return out, nil
}

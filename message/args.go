package message

import (
	"errors"
	"fmt"
	"math"
)

// ErrArgType is returned when an argument does not have the requested type.
var ErrArgType = errors.New("message: argument type mismatch")

// Args are the positional arguments of a control frame.
//
// Values come straight out of a codec, so numbers may be float64 (JSON),
// int64/uint64 (CBOR) or any Go numeric type when built locally.
type Args []any

// Len returns the number of arguments.
func (a Args) Len() int {
	return len(a)
}

func (a Args) at(i int) (any, error) {
	if i < 0 || i >= len(a) {
		return nil, fmt.Errorf("message: argument %d out of range (have %d)", i, len(a))
	}
	return a[i], nil
}

// String returns argument i as a string.
func (a Args) String(i int) (string, error) {
	v, err := a.at(i)
	if err != nil {
		return "", err
	}
	s, ok := v.(string)
	if !ok {
		return "", fmt.Errorf("%w: argument %d is %T, want string", ErrArgType, i, v)
	}
	return s, nil
}

// Bool returns argument i as a bool.
func (a Args) Bool(i int) (bool, error) {
	v, err := a.at(i)
	if err != nil {
		return false, err
	}
	b, ok := v.(bool)
	if !ok {
		return false, fmt.Errorf("%w: argument %d is %T, want bool", ErrArgType, i, v)
	}
	return b, nil
}

// Float returns argument i as a float64.
func (a Args) Float(i int) (float64, error) {
	v, err := a.at(i)
	if err != nil {
		return 0, err
	}
	switch n := v.(type) {
	case float64:
		return n, nil
	case float32:
		return float64(n), nil
	case int:
		return float64(n), nil
	case int8:
		return float64(n), nil
	case int16:
		return float64(n), nil
	case int32:
		return float64(n), nil
	case int64:
		return float64(n), nil
	case uint:
		return float64(n), nil
	case uint8:
		return float64(n), nil
	case uint16:
		return float64(n), nil
	case uint32:
		return float64(n), nil
	case uint64:
		return float64(n), nil
	default:
		return 0, fmt.Errorf("%w: argument %d is %T, want number", ErrArgType, i, v)
	}
}

// Int returns argument i as an int. Fractional values are rejected, and so
// is 2^63: float64(math.MaxInt64) rounds up to it.
func (a Args) Int(i int) (int, error) {
	f, err := a.Float(i)
	if err != nil {
		return 0, err
	}
	if f != math.Trunc(f) || f >= math.MaxInt64 || f < math.MinInt64 {
		return 0, fmt.Errorf("%w: argument %d is %v, want integer", ErrArgType, i, f)
	}
	return int(f), nil
}

package channel

import (
	"errors"
	"fmt"
)

var (
	// ErrSuperseded rejects a pending call when a newer call to the same
	// method is issued.
	ErrSuperseded = errors.New("channel: call superseded by a newer call to the same method")
	// ErrProtocolDesync marks a frame the correlation scheme cannot place.
	ErrProtocolDesync = errors.New("channel: protocol desync")
	// ErrConnectionLost rejects every pending call when the transport closes.
	ErrConnectionLost = errors.New("channel: connection lost")
	ErrClosed         = errors.New("channel: closed")
	// ErrCallTimeout rejects a call that got no reply within its deadline.
	// The host sends nothing back for a failed handler, so this is the
	// only way such a call settles while the connection stays up.
	ErrCallTimeout = errors.New("channel: call timed out")
)

// DesyncError reports a frame that matched neither a pending call nor a
// registered method. It unwraps to ErrProtocolDesync.
type DesyncError struct {
	Method string
	Reason string
}

func (e *DesyncError) Error() string {
	if e.Method == "" {
		return fmt.Sprintf("%v: %s", ErrProtocolDesync, e.Reason)
	}
	return fmt.Sprintf("%v: %q: %s", ErrProtocolDesync, e.Method, e.Reason)
}

func (e *DesyncError) Unwrap() error {
	return ErrProtocolDesync
}

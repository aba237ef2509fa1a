// Package message defines the frame structure exchanged between a UI and its host.
//
// Every frame is an ordered sequence of values. The first element is a namespace
// tag. Frames tagged with ControlTag carry a method name followed by positional
// arguments; any other tag marks passthrough application traffic that is
// delivered verbatim.
//
//	["UI", "setParameterValue", 3, 0.5]   control call / reply
//	["visualization", {...}]              passthrough event
package message

import "fmt"

// ControlTag is the reserved namespace tag for control traffic.
const ControlTag = "UI"

// Message is one frame. Instances are transient: created per call, discarded after dispatch.
type Message []any

// NewControl builds a control frame: [ControlTag, method, args...].
func NewControl(method string, args ...any) Message {
	msg := make(Message, 0, len(args)+2)
	msg = append(msg, ControlTag, method)
	return append(msg, args...)
}

// Tag returns the namespace tag, or "" when the first element is missing or not a string.
func (m Message) Tag() string {
	if len(m) == 0 {
		return ""
	}
	tag, _ := m[0].(string)
	return tag
}

// IsControl reports whether the frame is control traffic with a method name.
func (m Message) IsControl() bool {
	if len(m) < 2 || m.Tag() != ControlTag {
		return false
	}
	_, ok := m[1].(string)
	return ok
}

// Method returns the method name of a control frame.
func (m Message) Method() string {
	if !m.IsControl() {
		return ""
	}
	return m[1].(string)
}

// Args returns the positional arguments of a control frame.
func (m Message) Args() Args {
	if !m.IsControl() {
		return nil
	}
	return Args(m[2:])
}

func (m Message) String() string {
	if m.IsControl() {
		return fmt.Sprintf("%s.%s%v", ControlTag, m.Method(), []any(m.Args()))
	}
	return fmt.Sprintf("%v", []any(m))
}

// Request is one inbound control call as seen by a host handler.
type Request struct {
	Method string // Method name, e.g. "setParameterValue"
	Args   Args   // Positional arguments after the method name
	Origin uint64 // Peer the call came from; replies go back to it
}

// Reply is what a host handler hands back.
//
//   - nil Reply: fire-and-forget, nothing is sent back.
//   - Error non-empty: the call failed; the host logs it, no frame is sent
//     because the wire format carries no error element.
//   - otherwise [ControlTag, method, Args...] is sent to the origin.
type Reply struct {
	Args  []any
	Error string
}

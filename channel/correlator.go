package channel

import (
	"sync"

	"hiphop-rpc/message"
)

// Correlator matches replies to calls by method name. At most one call per
// method is pending; issuing another rejects the first with ErrSuperseded.
//
// The wire format carries no call id, so two calls to one method cannot be
// told apart. Last call wins.
type Correlator struct {
	mu      sync.Mutex
	pending map[string]*Call
}

func NewCorrelator() *Correlator {
	return &Correlator{pending: make(map[string]*Call)}
}

// Issue registers call, rejecting any call already pending for its method.
// The superseded call is settled before Issue returns.
func (c *Correlator) Issue(call *Call) {
	c.mu.Lock()
	prev := c.pending[call.Method]
	c.pending[call.Method] = call
	c.mu.Unlock()

	if prev != nil {
		prev.settle(nil, ErrSuperseded)
	}
}

// Resolve settles the pending call for method with args. With no pending
// call it returns a *DesyncError and settles nothing.
func (c *Correlator) Resolve(method string, args message.Args) error {
	call := c.take(method)
	if call == nil {
		return &DesyncError{Method: method, Reason: "reply with no pending call"}
	}
	call.settle(args, nil)
	return nil
}

// Reject settles the pending call for method with err.
func (c *Correlator) Reject(method string, err error) error {
	call := c.take(method)
	if call == nil {
		return &DesyncError{Method: method, Reason: "rejection with no pending call"}
	}
	call.settle(nil, err)
	return nil
}

// Remove rejects call with err, unregistering it if it is still the pending
// call for its method.
func (c *Correlator) Remove(call *Call, err error) {
	c.mu.Lock()
	if c.pending[call.Method] == call {
		delete(c.pending, call.Method)
	}
	c.mu.Unlock()
	call.settle(nil, err)
}

// RejectAll settles every pending call with err.
func (c *Correlator) RejectAll(err error) {
	c.mu.Lock()
	calls := c.pending
	c.pending = make(map[string]*Call)
	c.mu.Unlock()

	for _, call := range calls {
		call.settle(nil, err)
	}
}

func (c *Correlator) Pending(method string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.pending[method]
	return ok
}

func (c *Correlator) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

func (c *Correlator) take(method string) *Call {
	c.mu.Lock()
	defer c.mu.Unlock()
	call := c.pending[method]
	delete(c.pending, method)
	return call
}

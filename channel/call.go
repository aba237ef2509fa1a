package channel

import (
	"sync"

	"hiphop-rpc/loop"
	"hiphop-rpc/message"
)

// Call is one outstanding remote call. It settles exactly once: with the
// reply arguments, or with an error (superseded, connection lost, deadline,
// send failure).
type Call struct {
	Method string
	Reply  message.Args
	Error  error

	done     chan struct{}
	once     sync.Once
	onSettle func(*Call)

	mu       sync.Mutex
	deadline *loop.Task
}

func newCall(method string) *Call {
	return &Call{Method: method, done: make(chan struct{})}
}

// Done is closed once the call has settled.
func (c *Call) Done() <-chan struct{} {
	return c.done
}

// Result waits for the call to settle.
func (c *Call) Result() (message.Args, error) {
	<-c.done
	return c.Reply, c.Error
}

func (c *Call) settle(reply message.Args, err error) bool {
	first := false
	c.once.Do(func() {
		c.Reply, c.Error = reply, err
		first = true
		close(c.done)
	})
	if !first {
		return false
	}
	c.mu.Lock()
	t := c.deadline
	c.deadline = nil
	c.mu.Unlock()
	t.Cancel()
	if c.onSettle != nil {
		c.onSettle(c)
	}
	return true
}

// expireWith attaches the task that rejects the call once its deadline
// passes. The task is cancelled as soon as the call settles.
func (c *Call) expireWith(t *loop.Task) {
	c.mu.Lock()
	c.deadline = t
	c.mu.Unlock()
	select {
	case <-c.done:
		t.Cancel()
	default:
	}
}

package certify

import "sync"

type lifecycle int

const (
	active lifecycle = iota
	destroying
	destroyed
)

// completions owns the callbacks handed to asynchronous operations on one
// handle. A callback is held from registration until it fires and is
// removed as it fires, so it runs at most once.
type completions struct {
	mu      sync.Mutex
	next    uint64
	pending map[uint64]func()
}

func (c *completions) register(fn func()) uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.pending == nil {
		c.pending = make(map[uint64]func())
	}
	c.next++
	c.pending[c.next] = fn
	return c.next
}

func (c *completions) fire(id uint64) bool {
	c.mu.Lock()
	fn, ok := c.pending[id]
	delete(c.pending, id)
	c.mu.Unlock()
	if ok {
		fn()
	}
	return ok
}

func (c *completions) len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

package graph

import (
	"sync"
	"time"
)

// DefaultPortCapacity is the bound applied to input ports that have not
// been resized with Pipeline.SetNodeQueueSize.
const DefaultPortCapacity = 16

// port is a bounded FIFO of Blobs attached to one input side of a node.
// It is the only structure shared between worker goroutines; discipline is
// a mutex plus two condition variables (notEmpty / notFull), with timed
// waits implemented by a timer that broadcasts on expiry.
type port struct {
	mu       sync.Mutex
	notEmpty *sync.Cond
	notFull  *sync.Cond
	items    []*Blob
	capacity int
	closed   bool
}

func newPort(capacity int) *port {
	if capacity <= 0 {
		capacity = DefaultPortCapacity
	}
	p := &port{capacity: capacity}
	p.notEmpty = sync.NewCond(&p.mu)
	p.notFull = sync.NewCond(&p.mu)
	return p
}

// condWaitTimeout waits on c for at most d. The caller must hold c.L and
// must re-check its predicate afterwards: the broadcast wakes every waiter.
func condWaitTimeout(c *sync.Cond, d time.Duration) {
	t := time.AfterFunc(d, func() {
		c.L.Lock()
		c.Broadcast()
		c.L.Unlock()
	})
	defer t.Stop()
	c.Wait()
}

func (p *port) setCapacity(n int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if n > 0 {
		p.capacity = n
	}
}

// push appends b, waiting up to timeout for space. On timeout the Blob is
// NOT consumed; the caller decides between retry and discard.
func (p *port) push(b *Blob, timeout time.Duration) SendStatus {
	deadline := time.Now().Add(timeout)
	p.mu.Lock()
	defer p.mu.Unlock()
	for {
		if p.closed {
			return SendNullPort
		}
		if len(p.items) < p.capacity {
			p.items = append(p.items, b)
			p.notEmpty.Broadcast()
			return SendSuccess
		}
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return SendPortFullTimeout
		}
		condWaitTimeout(p.notFull, remaining)
	}
}

// pushFront requeues b at the head, ignoring the capacity bound so a
// requeue after a failed multi-port alignment can never lose the Blob.
func (p *port) pushFront(b *Blob) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.items = append([]*Blob{b}, p.items...)
	p.notEmpty.Broadcast()
}

// popMatch removes and returns the first queued Blob satisfying pred,
// waiting up to timeout for one to arrive. Returns nil on timeout or when
// the port has been closed and drained of matching blobs.
func (p *port) popMatch(pred func(*Blob) bool, timeout time.Duration) *Blob {
	deadline := time.Now().Add(timeout)
	p.mu.Lock()
	defer p.mu.Unlock()
	for {
		for i, b := range p.items {
			if pred == nil || pred(b) {
				p.items = append(p.items[:i], p.items[i+1:]...)
				p.notFull.Broadcast()
				return b
			}
		}
		if p.closed {
			return nil
		}
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil
		}
		condWaitTimeout(p.notEmpty, remaining)
	}
}

// close wakes all waiters; subsequent pushes fail with SendNullPort and
// pops return only what is already queued.
func (p *port) close() {
	p.mu.Lock()
	p.closed = true
	p.notEmpty.Broadcast()
	p.notFull.Broadcast()
	p.mu.Unlock()
}

// reopen rearms a closed port, dropping anything left queued.
func (p *port) reopen() {
	p.mu.Lock()
	p.closed = false
	p.items = nil
	p.mu.Unlock()
}

func (p *port) depth() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.items)
}

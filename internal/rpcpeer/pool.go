package rpcpeer

import "sync"

// Pool hands out one Task per peer address and reuses it across calls, so
// raftpull doesn't redial a peer it's already connected to on every poll.
type Pool struct {
	dial Dialer

	mu    sync.Mutex
	tasks map[string]*Task
}

// NewPool returns a Pool that dials peers with dial (nil for the default
// net.Dialer).
func NewPool(dial Dialer) *Pool {
	return &Pool{dial: dial, tasks: map[string]*Task{}}
}

// Task returns the Task for address, creating one on first use.
func (p *Pool) Task(address string) *Task {
	p.mu.Lock()
	defer p.mu.Unlock()
	t, ok := p.tasks[address]
	if !ok {
		t = New(address, p.dial)
		p.tasks[address] = t
	}
	return t
}

// Sweep closes and forgets every Task whose connection has sat idle past
// its teardown threshold, freeing sockets for peers that have gone quiet.
func (p *Pool) Sweep() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for addr, t := range p.tasks {
		if t.ShouldTeardown() {
			t.Close()
			delete(p.tasks, addr)
		}
	}
}

// Close tears down every Task in the pool.
func (p *Pool) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for addr, t := range p.tasks {
		t.Close()
		delete(p.tasks, addr)
	}
}

package clock

import "sync"

// Lamport is the node's logical clock. The counter only ever moves forward:
// Tick before any locally-originated event, Observe on every message received
// from the network.
type Lamport struct {
	mu  sync.Mutex
	now int64
}

func New(start int64) *Lamport {
	if start < 0 {
		start = 0
	}
	return &Lamport{now: start}
}

// Tick increments the counter and returns the new value.
func (l *Lamport) Tick() int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.now++
	return l.now
}

// Observe merges a remote timestamp: the counter becomes
// max(local, remote)+1, which is always strictly greater than both.
func (l *Lamport) Observe(remote int64) int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	if remote > l.now {
		l.now = remote
	}
	l.now++
	return l.now
}

// Now returns the current value without advancing it.
func (l *Lamport) Now() int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.now
}

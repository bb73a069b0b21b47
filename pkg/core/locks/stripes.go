// Package locks provides the striped mutex pool shared by all tunnel
// states. A fixed pool avoids both a single global lock (serializes every
// tunnel) and one mutex per state (makes states expensive and complicates
// destruction under concurrent late events).
package locks

import (
	"sync"
	"sync/atomic"
)

// Stripes is the pool size. At 10 000 stripes the collision probability
// stays at or below 0.5% for 100-connection contention windows.
const Stripes = 10_000

// Pool is a fixed array of mutexes indexed by a monotonic counter.
type Pool struct {
	mu   [Stripes]sync.Mutex
	next atomic.Uint64
}

// NewPool returns a fresh pool.
func NewPool() *Pool {
	return &Pool{}
}

// Next assigns the next stripe index. Each state calls this exactly once
// at construction and uses the returned index for all serialized sections.
func (p *Pool) Next() int {
	return int(p.next.Add(1) % Stripes)
}

// Lock locks stripe i.
func (p *Pool) Lock(i int) {
	p.mu[i].Lock()
}

// Unlock unlocks stripe i.
func (p *Pool) Unlock(i int) {
	p.mu[i].Unlock()
}

package transport

import (
	"sync"
	"sync/atomic"
)

// pendingTable tracks relays waiting for their upstream response. Every entry
// is completed exactly once: by the response, by an error, or by failAll when
// the transport closes.
type pendingTable struct {
	seq     atomic.Uint64
	pending sync.Map // map[uint64]chan Result
	closed  atomic.Bool
}

// add registers a new waiter. The channel is buffered so completing never blocks.
func (p *pendingTable) add() (uint64, <-chan Result) {
	id := p.seq.Add(1)
	ch := make(chan Result, 1)
	p.pending.Store(id, ch)

	// failAll may have run between the check and the store
	if p.closed.Load() {
		p.complete(id, Result{Err: ErrClosed})
	}
	return id, ch
}

// complete delivers r to waiter id. It reports false if id was already completed.
func (p *pendingTable) complete(id uint64, r Result) bool {
	v, ok := p.pending.LoadAndDelete(id)
	if !ok {
		return false
	}
	v.(chan Result) <- r
	return true
}

func (p *pendingTable) failAll(err error) {
	p.closed.Store(true)
	p.pending.Range(func(key, _ any) bool {
		p.complete(key.(uint64), Result{Err: err})
		return true
	})
}

func (p *pendingTable) len() int {
	n := 0
	p.pending.Range(func(_, _ any) bool {
		n++
		return true
	})
	return n
}

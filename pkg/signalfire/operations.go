package signalfire

import (
	"sync"
)

// operations runs queued functions one at a time, in order, on a goroutine
// that only lives while there is work.
type operations struct {
	mu     sync.Mutex
	busy   bool
	closed bool
	queue  []func()
}

// enqueue reports false once the queue is closed.
func (o *operations) enqueue(op func()) bool {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.closed {
		return false
	}

	o.queue = append(o.queue, op)

	if !o.busy {
		o.busy = true
		go o.run()
	}

	return true
}

func (o *operations) run() {
	for {
		o.mu.Lock()
		if len(o.queue) == 0 {
			o.busy = false
			o.mu.Unlock()

			return
		}

		op := o.queue[0]
		o.queue = o.queue[1:]
		o.mu.Unlock()

		op()
	}
}

// close refuses further work. Operations already queued still run and are
// expected to notice that their owner is gone.
func (o *operations) close() {
	o.mu.Lock()
	defer o.mu.Unlock()

	o.closed = true
}

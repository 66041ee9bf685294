package signalfire

import (
	"sync"
)

// observers fans an event out to every subscriber in registration order.
// Handlers run on the emitting goroutine without the lock held, so they may
// subscribe or unsubscribe themselves.
type observers[E any] struct {
	mu     sync.Mutex
	nextID int
	ids    []int
	subs   map[int]func(E)
}

func (o *observers[E]) subscribe(h func(E)) (unsubscribe func()) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.subs == nil {
		o.subs = make(map[int]func(E))
	}

	id := o.nextID
	o.nextID++

	o.ids = append(o.ids, id)
	o.subs[id] = h

	var once sync.Once

	return func() {
		once.Do(func() {
			o.mu.Lock()
			defer o.mu.Unlock()

			delete(o.subs, id)

			for i, v := range o.ids {
				if v == id {
					o.ids = append(o.ids[:i], o.ids[i+1:]...)

					break
				}
			}
		})
	}
}

func (o *observers[E]) emit(event E) {
	o.mu.Lock()
	handlers := make([]func(E), 0, len(o.ids))
	for _, id := range o.ids {
		handlers = append(handlers, o.subs[id])
	}
	o.mu.Unlock()

	for _, h := range handlers {
		h(event)
	}
}

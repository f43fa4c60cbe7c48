package schedule

import "sync"

// Bus is a minimal fan-out activity source. The surrounding application calls
// Signal whenever it observes user activity (an ingested event, an input
// event, a request); every subscribed poller re-evaluates its cadence.
type Bus struct {
	mu   sync.Mutex
	subs map[int]func()
	next int
}

// NewBus constructs an empty Bus.
func NewBus() *Bus {
	return &Bus{subs: make(map[int]func())}
}

// Subscribe registers fn and returns a function that removes the
// subscription. The returned function is idempotent.
func (b *Bus) Subscribe(fn func()) func() {
	b.mu.Lock()
	defer b.mu.Unlock()

	id := b.next
	b.next++
	b.subs[id] = fn

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		delete(b.subs, id)
	}
}

// Signal notifies all current subscribers. Callbacks run outside the bus lock
// so a subscriber may unsubscribe from within its own callback.
func (b *Bus) Signal() {
	b.mu.Lock()
	fns := make([]func(), 0, len(b.subs))
	for _, fn := range b.subs {
		fns = append(fns, fn)
	}
	b.mu.Unlock()

	for _, fn := range fns {
		fn()
	}
}

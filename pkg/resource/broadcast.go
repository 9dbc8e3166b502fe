package resource

import "sync"

// broadcaster fans a single Response out to every currently-subscribed
// Handle, mirroring the Rust source's async_broadcast sender. Sends are
// non-blocking: a subscriber that isn't receiving simply misses
// messages published while it's behind, same as an async_broadcast
// channel configured to overflow rather than block the sender.
type broadcaster struct {
	mu   sync.Mutex
	subs map[int]chan Response
	next int
}

func newBroadcaster() *broadcaster {
	return &broadcaster{subs: make(map[int]chan Response)}
}

// Subscribe registers a new receiver and returns it along with a cancel
// function that unregisters it. The channel is buffered so a Publish
// racing a cancel never blocks.
func (b *broadcaster) Subscribe() (<-chan Response, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	id := b.next
	b.next++
	ch := make(chan Response, 4)
	b.subs[id] = ch

	cancel := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if _, ok := b.subs[id]; ok {
			delete(b.subs, id)
			close(ch)
		}
	}
	return ch, cancel
}

// Publish delivers r to every live subscriber. A full subscriber buffer
// drops the message for that subscriber rather than blocking the
// driver loop.
func (b *broadcaster) Publish(r Response) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, ch := range b.subs {
		select {
		case ch <- r:
		default:
		}
	}
}

// Close unregisters and closes every remaining subscriber channel. It
// is called once, when the Record's driver loop exits terminally.
func (b *broadcaster) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for id, ch := range b.subs {
		delete(b.subs, id)
		close(ch)
	}
}

package state

import "sync"

// Message is one item on a fan-out channel. A Shutdown message tells
// subscribers the stream has ended.
type Message struct {
	Data     []byte
	Shutdown bool
}

// Broadcaster delivers each published message to every registered
// subscriber. Publishing never blocks: when a subscriber's buffer is full the
// oldest buffered message is dropped to make room.
type Broadcaster struct {
	mu     sync.Mutex
	subs   map[*Subscription]struct{}
	buffer int
}

// NewBroadcaster creates a broadcaster whose subscribers buffer up to
// buffer messages each.
func NewBroadcaster(buffer int) *Broadcaster {
	if buffer <= 0 {
		buffer = 1
	}
	return &Broadcaster{
		subs:   make(map[*Subscription]struct{}),
		buffer: buffer,
	}
}

// Subscription is a registered receiver. Close it when done.
type Subscription struct {
	ch   chan Message
	b    *Broadcaster
	once sync.Once
}

// C returns the receive side of the subscription. It is closed by Close.
func (s *Subscription) C() <-chan Message {
	return s.ch
}

// Close unregisters the subscription. Safe to call more than once.
func (s *Subscription) Close() {
	s.once.Do(func() {
		s.b.mu.Lock()
		delete(s.b.subs, s)
		close(s.ch)
		s.b.mu.Unlock()
	})
}

// Subscribe registers a new subscriber for messages published from now on.
func (b *Broadcaster) Subscribe() *Subscription {
	sub := &Subscription{ch: make(chan Message, b.buffer), b: b}
	b.mu.Lock()
	b.subs[sub] = struct{}{}
	b.mu.Unlock()
	return sub
}

// Publish sends msg to all current subscribers and returns how many
// messages had to be dropped to keep up.
func (b *Broadcaster) Publish(msg Message) int {
	b.mu.Lock()
	defer b.mu.Unlock()

	dropped := 0
	for sub := range b.subs {
		select {
		case sub.ch <- msg:
			continue
		default:
		}
		// Full: drop the oldest message, then retry once.
		select {
		case <-sub.ch:
			dropped++
		default:
		}
		select {
		case sub.ch <- msg:
		default:
			dropped++
		}
	}
	return dropped
}

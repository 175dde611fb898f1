package state

import (
	"testing"
)

func TestBroadcaster_FanOut(t *testing.T) {
	b := NewBroadcaster(4)
	s1 := b.Subscribe()
	s2 := b.Subscribe()
	defer s1.Close()
	defer s2.Close()

	b.Publish(Message{Data: []byte("hello")})

	for i, sub := range []*Subscription{s1, s2} {
		msg := <-sub.C()
		if string(msg.Data) != "hello" {
			t.Errorf("subscriber %d got %q", i, msg.Data)
		}
	}
}

func TestBroadcaster_DropsOldestWhenFull(t *testing.T) {
	b := NewBroadcaster(2)
	sub := b.Subscribe()
	defer sub.Close()

	dropped := 0
	for _, m := range []string{"1", "2", "3", "4"} {
		dropped += b.Publish(Message{Data: []byte(m)})
	}
	if dropped != 2 {
		t.Errorf("expected 2 dropped messages, got %d", dropped)
	}

	if got := string((<-sub.C()).Data); got != "3" {
		t.Errorf("expected oldest surviving message 3, got %s", got)
	}
	if got := string((<-sub.C()).Data); got != "4" {
		t.Errorf("expected newest message 4, got %s", got)
	}
}

func TestBroadcaster_CloseUnregisters(t *testing.T) {
	b := NewBroadcaster(1)
	sub := b.Subscribe()
	if subscriberCount(b) != 1 {
		t.Fatalf("expected 1 subscriber, got %d", subscriberCount(b))
	}

	sub.Close()
	sub.Close()

	if subscriberCount(b) != 0 {
		t.Errorf("expected 0 subscribers, got %d", subscriberCount(b))
	}
	if _, ok := <-sub.C(); ok {
		t.Error("expected closed channel")
	}
	// Publishing with no subscribers is a no-op.
	b.Publish(Message{Data: []byte("x")})
}

func subscriberCount(b *Broadcaster) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

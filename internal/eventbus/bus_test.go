package eventbus

import "testing"

func TestSubscribeFiltersByPrefix(t *testing.T) {
	t.Parallel()

	b := New()
	all, unsubAll := b.Subscribe(4)
	defer unsubAll()
	delivery, unsubDelivery := b.Subscribe(4, "delivery.")
	defer unsubDelivery()

	b.Publish(Event{Type: "delivery.sent"})
	b.Publish(Event{Type: "publisher.done"})

	if got := len(all); got != 2 {
		t.Fatalf("unfiltered subscriber got %d events", got)
	}
	if got := len(delivery); got != 1 {
		t.Fatalf("filtered subscriber got %d events", got)
	}
	if e := <-delivery; e.Type != "delivery.sent" || e.Time.IsZero() {
		t.Fatalf("event=%+v", e)
	}
}

func TestPublishNeverBlocks(t *testing.T) {
	t.Parallel()

	b := New()
	_, unsub := b.Subscribe(1)
	for i := 0; i < 5; i++ {
		b.Publish(Event{Type: "x"})
	}
	if got := b.Dropped(); got != 4 {
		t.Fatalf("dropped=%d", got)
	}
	unsub()
	unsub()
	b.Publish(Event{Type: "after"})
}

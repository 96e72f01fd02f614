package events

import (
	"fmt"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func TestBroadcastDelivery(t *testing.T) {
	b := NewBus(zerolog.Nop())
	ch, cancel := b.Subscribe()
	defer cancel()

	b.Broadcast("Routing traffic on port %d to %s for service '%s' (mode: %s)",
		6000, "1.2.3.4:9000", "svc", "failover")

	select {
	case ev := <-ch:
		want := "Routing traffic on port 6000 to 1.2.3.4:9000 for service 'svc' (mode: failover)"
		if ev.Message != want {
			t.Errorf("message = %q, want %q", ev.Message, want)
		}
		if ev.Time.IsZero() {
			t.Error("event timestamp is zero")
		}
	case <-time.After(time.Second):
		t.Fatal("no event delivered")
	}
}

func TestFIFOPerSubscriber(t *testing.T) {
	b := NewBus(zerolog.Nop())
	ch, cancel := b.Subscribe()
	defer cancel()

	for i := 0; i < 10; i++ {
		b.Broadcast("event %d", i)
	}

	for i := 0; i < 10; i++ {
		select {
		case ev := <-ch:
			want := fmt.Sprintf("event %d", i)
			if ev.Message != want {
				t.Errorf("event %d = %q, want %q", i, ev.Message, want)
			}
		case <-time.After(time.Second):
			t.Fatal("missing event")
		}
	}
}

func TestSlowSubscriberDoesNotBlock(t *testing.T) {
	b := NewBus(zerolog.Nop())
	_, cancelSlow := b.Subscribe() // never reads
	defer cancelSlow()
	fast, cancelFast := b.Subscribe()
	defer cancelFast()

	// Overflow the slow subscriber's buffer; broadcasts must not block and
	// the fast subscriber must keep receiving.
	done := make(chan struct{})
	go func() {
		for i := 0; i < subscriberBuffer+50; i++ {
			b.Broadcast("event %d", i)
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("broadcast blocked on slow subscriber")
	}

	received := 0
	for {
		select {
		case <-fast:
			received++
		default:
			if received == 0 {
				t.Error("fast subscriber received nothing")
			}
			return
		}
	}
}

func TestUnsubscribe(t *testing.T) {
	b := NewBus(zerolog.Nop())
	ch, cancel := b.Subscribe()

	if got := b.SubscriberCount(); got != 1 {
		t.Errorf("subscribers = %d, want 1", got)
	}

	cancel()
	cancel() // safe to call twice

	if got := b.SubscriberCount(); got != 0 {
		t.Errorf("subscribers = %d, want 0", got)
	}

	// Channel is closed after cancel.
	if _, ok := <-ch; ok {
		t.Error("channel still open after cancel")
	}
}

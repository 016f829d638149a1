package bus

import (
	"log/slog"
	"os"
	"testing"
	"time"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func TestPublishReachesTopicSubscribers(t *testing.T) {
	t.Parallel()
	b := New(testLogger())

	copyCh, cancelCopy := b.Subscribe("copy_trading")
	defer cancelCopy()
	stratCh, cancelStrat := b.Subscribe("strategies:updates")
	defer cancelStrat()

	b.Publish("copy_trading", "new_trade", map[string]string{"id": "0x1"})

	select {
	case evt := <-copyCh:
		if evt.Type != "new_trade" || evt.Topic != "copy_trading" {
			t.Errorf("event = %+v", evt)
		}
	case <-time.After(time.Second):
		t.Fatal("subscriber missed event")
	}

	select {
	case evt := <-stratCh:
		t.Errorf("wrong-topic delivery: %+v", evt)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestMultiTopicSubscription(t *testing.T) {
	t.Parallel()
	b := New(testLogger())

	ch, cancel := b.Subscribe("a", "b")
	defer cancel()

	b.Publish("a", "one", nil)
	b.Publish("b", "two", nil)

	if evt := <-ch; evt.Type != "one" {
		t.Errorf("first = %q", evt.Type)
	}
	if evt := <-ch; evt.Type != "two" {
		t.Errorf("second = %q", evt.Type)
	}
}

func TestCancelClosesChannel(t *testing.T) {
	t.Parallel()
	b := New(testLogger())

	ch, cancel := b.Subscribe("a")
	cancel()
	cancel() // idempotent

	if _, ok := <-ch; ok {
		t.Error("channel still open after cancel")
	}

	// Publishing after cancel must not panic or deliver.
	b.Publish("a", "late", nil)
}

func TestSlowSubscriberDropsInsteadOfBlocking(t *testing.T) {
	t.Parallel()
	b := New(testLogger())

	_, cancel := b.Subscribe("a")
	defer cancel()

	done := make(chan struct{})
	go func() {
		defer close(done)
		// Overfill the buffer; Publish must never block.
		for i := 0; i < subscriberBuffer*3; i++ {
			b.Publish("a", "evt", i)
		}
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("publish blocked on a slow subscriber")
	}
}

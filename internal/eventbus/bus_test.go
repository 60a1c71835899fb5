package eventbus

import (
	"testing"
	"time"
)

func TestPublishDeliversTypedPayloads(t *testing.T) {
	b := New()
	ch, unsub := b.Subscribe(4)
	defer unsub()

	b.Publish(Event{Type: "cycle.published", Cycle: &CycleEvent{CycleID: "c1", SourceID: "yt:a"}})
	b.Publish(Event{Type: "job.failed", Job: &JobEvent{Job: "publish", Error: "boom"}})

	e := <-ch
	if e.Type != "cycle.published" || e.Cycle == nil || e.Cycle.SourceID != "yt:a" {
		t.Fatalf("unexpected cycle event: %+v", e)
	}
	if e.Job != nil {
		t.Fatalf("cycle event carries a job payload: %+v", e)
	}
	if e.Time.IsZero() {
		t.Fatal("publish did not stamp the event time")
	}

	e = <-ch
	if e.Type != "job.failed" || e.Job == nil || e.Job.Error != "boom" {
		t.Fatalf("unexpected job event: %+v", e)
	}
}

func TestPublishNeverBlocksOnSlowSubscriber(t *testing.T) {
	b := New()
	ch, unsub := b.Subscribe(1)
	defer unsub()

	done := make(chan struct{})
	go func() {
		for i := 0; i < 100; i++ {
			b.Publish(Event{Type: "job.ok", Job: &JobEvent{Job: "publish"}})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("publish blocked on a full subscriber")
	}
	if len(ch) != 1 {
		t.Fatalf("expected the buffer to hold exactly one dropped-behind event, got %d", len(ch))
	}
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	b := New()
	ch, unsub := b.Subscribe(4)
	unsub()

	// Sending after unsubscribe must not panic or deliver.
	b.Publish(Event{Type: "job.ok", Job: &JobEvent{Job: "publish"}})
	if _, ok := <-ch; ok {
		t.Fatal("received an event on an unsubscribed channel")
	}
}

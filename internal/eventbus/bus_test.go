package eventbus

import (
	"testing"
)

func TestPublishFanoutAndFilter(t *testing.T) {
	t.Parallel()

	b := New()
	all, unsubAll := b.Subscribe(4)
	defer unsubAll()
	onlyExec, unsubExec := b.Subscribe(4, TypeTaskExecute)
	defer unsubExec()

	b.Publish(Event{Type: TypeTaskRegistered})
	b.Publish(Event{Type: TypeTaskExecute, Data: TaskExecution{TaskName: "geo"}})

	if got := len(all); got != 2 {
		t.Fatalf("all subscriber got %d events, want 2", got)
	}
	if got := len(onlyExec); got != 1 {
		t.Fatalf("filtered subscriber got %d events, want 1", got)
	}
	ev := <-onlyExec
	if ev.Time.IsZero() {
		t.Fatalf("Publish should stamp Time")
	}
	if rec, ok := ev.Data.(TaskExecution); !ok || rec.TaskName != "geo" {
		t.Fatalf("unexpected data %#v", ev.Data)
	}
}

func TestPublishOrderPreserved(t *testing.T) {
	t.Parallel()

	b := New()
	ch, unsub := b.Subscribe(16)
	defer unsub()

	for i := 0; i < 10; i++ {
		b.Publish(Event{Type: TypeTaskExecute, Data: i})
	}
	for i := 0; i < 10; i++ {
		ev := <-ch
		if got := ev.Data.(int); got != i {
			t.Fatalf("event %d out of order: got %d", i, got)
		}
	}
}

func TestSlowSubscriberDrops(t *testing.T) {
	t.Parallel()

	b := New()
	_, unsub := b.Subscribe(1)
	defer unsub()

	b.Publish(Event{Type: "x"})
	b.Publish(Event{Type: "x"})
	b.Publish(Event{Type: "x"})

	if got := b.Dropped(); got != 2 {
		t.Fatalf("Dropped=%d want 2", got)
	}
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	t.Parallel()

	b := New()
	ch, unsub := b.Subscribe(1)
	unsub()
	unsub() // idempotent

	if _, ok := <-ch; ok {
		t.Fatalf("channel should be closed")
	}
	// Publishing after unsubscribe must not panic.
	b.Publish(Event{Type: "x"})
}

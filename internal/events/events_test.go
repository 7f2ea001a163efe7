package events

import (
	"context"
	"testing"
	"time"
)

func receiveEvent(t *testing.T, ch <-chan RunEvent) RunEvent {
	t.Helper()

	timer := time.NewTimer(500 * time.Millisecond)
	defer timer.Stop()

	select {
	case ev, ok := <-ch:
		if !ok {
			t.Fatal("channel closed before receive")
		}
		return ev
	case <-timer.C:
		t.Fatal("timed out waiting for event")
	}

	return RunEvent{}
}

func waitForClosed(t *testing.T, ch <-chan RunEvent) {
	t.Helper()

	timer := time.NewTimer(500 * time.Millisecond)
	defer timer.Stop()

	for {
		select {
		case _, ok := <-ch:
			if !ok {
				return
			}
		case <-timer.C:
			t.Fatal("timed out waiting for channel close")
		}
	}
}

func TestSubscribeAndPublish(t *testing.T) {
	b := NewBroker()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch := b.Subscribe(ctx, "run-1")
	b.Publish(RunEvent{RunID: "run-1", Type: "run.status.changed", ToStatus: "running"})

	ev := receiveEvent(t, ch)
	if ev.Type != "run.status.changed" {
		t.Fatalf("unexpected type %q", ev.Type)
	}
	if ev.ToStatus != "running" {
		t.Fatalf("unexpected toStatus %q", ev.ToStatus)
	}
}

func TestPublishDoesNotCrossRuns(t *testing.T) {
	b := NewBroker()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch1 := b.Subscribe(ctx, "run-1")
	ch2 := b.Subscribe(ctx, "run-2")

	b.Publish(RunEvent{RunID: "run-1", Type: "run.completed"})

	ev := receiveEvent(t, ch1)
	if ev.RunID != "run-1" {
		t.Fatalf("unexpected run id %q", ev.RunID)
	}
	select {
	case ev := <-ch2:
		t.Fatalf("run-2 subscriber received %+v", ev)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestCancelRemovesSubscriber(t *testing.T) {
	b := NewBroker()
	ctx, cancel := context.WithCancel(context.Background())

	ch := b.Subscribe(ctx, "run-1")
	cancel()
	waitForClosed(t, ch)

	b.mu.RLock()
	_, exists := b.subscribers["run-1"]
	b.mu.RUnlock()
	if exists {
		t.Fatal("subscriber not removed")
	}
}

func TestSlowSubscriberDropsInsteadOfBlocking(t *testing.T) {
	b := NewBroker()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	b.Subscribe(ctx, "run-1")
	done := make(chan struct{})
	go func() {
		for i := 0; i < 100; i++ {
			b.Publish(RunEvent{RunID: "run-1", Type: "run.status.changed"})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("publisher blocked on a slow subscriber")
	}
}

func TestPublishRacingCancelDoesNotPanic(t *testing.T) {
	b := NewBroker()

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 200; i++ {
			b.Publish(RunEvent{RunID: "run-1", Type: "run.status.changed"})
		}
	}()

	for i := 0; i < 200; i++ {
		ctx, cancel := context.WithCancel(context.Background())
		ch := b.Subscribe(ctx, "run-1")
		cancel()
		waitForClosed(t, ch)
	}
	<-done
}

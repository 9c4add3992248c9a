package task

import (
	"testing"
	"time"
)

func TestHub_PublishReachesSubscribers(t *testing.T) {
	h := NewHub()
	ch1, cancel1 := h.Subscribe("t1")
	ch2, cancel2 := h.Subscribe("t1")
	defer cancel1()
	defer cancel2()

	h.Publish(StatusUpdate{TaskID: "t1", State: StateWorking})

	for _, ch := range []<-chan StatusUpdate{ch1, ch2} {
		select {
		case got := <-ch:
			if got.State != StateWorking {
				t.Fatalf("got state %s", got.State)
			}
		default:
			t.Fatal("subscriber missed update")
		}
	}
}

func TestHub_FinalClosesChannels(t *testing.T) {
	h := NewHub()
	ch, cancel := h.Subscribe("t1")
	defer cancel()

	h.Publish(StatusUpdate{TaskID: "t1", State: StateCompleted, Final: true})

	got, ok := <-ch
	if !ok || !got.Final {
		t.Fatalf("expected final update, got %+v ok=%v", got, ok)
	}
	if _, ok := <-ch; ok {
		t.Fatal("channel not closed after terminal update")
	}

	// A post-terminal publish must reach nobody and must not panic.
	h.Publish(StatusUpdate{TaskID: "t1", State: StateCompleted, Final: true})
}

func TestHub_SlowSubscriberDoesNotBlock(t *testing.T) {
	h := NewHub()
	_, cancel := h.Subscribe("t1")
	defer cancel()

	done := make(chan struct{})
	go func() {
		for i := 0; i < subscriberBuffer*2; i++ {
			h.Publish(StatusUpdate{TaskID: "t1", State: StateWorking})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("publish blocked on a slow subscriber")
	}
}

func TestHub_CancelDetachesEarly(t *testing.T) {
	h := NewHub()
	ch, cancel := h.Subscribe("t1")
	cancel()

	if _, ok := <-ch; ok {
		t.Fatal("cancel did not close the channel")
	}
	// Cancelling twice is safe.
	cancel()
}

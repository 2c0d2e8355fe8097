package bus

import (
	"testing"
	"time"
)

func TestPublishSubscribe(t *testing.T) {
	b := New()
	ch, unsub := b.Subscribe("conn.", 10)
	defer unsub()

	b.Publish(NewEvent(KindConnChanged, "test"))

	select {
	case evt := <-ch:
		if evt.Kind != KindConnChanged {
			t.Errorf("got kind %q, want %q", evt.Kind, KindConnChanged)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for event")
	}
}

func TestNamespaceFiltering(t *testing.T) {
	b := New()
	ch, unsub := b.Subscribe("remote.", 10)
	defer unsub()

	b.Publish(NewEvent(KindConnChanged, nil))
	b.Publish(NewEvent(KindRemoteMessage, nil))

	select {
	case evt := <-ch:
		if evt.Kind != KindRemoteMessage {
			t.Errorf("got kind %q, want %q", evt.Kind, KindRemoteMessage)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for event")
	}

	// No second event should arrive.
	select {
	case evt := <-ch:
		t.Errorf("unexpected extra event %q", evt.Kind)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	b := New()
	ch, unsub := b.Subscribe("message.", 10)
	unsub()

	b.Publish(NewEvent(KindMessageUpdated, nil))

	select {
	case evt := <-ch:
		t.Errorf("got event %q after unsubscribe", evt.Kind)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestFullSubscriberDoesNotBlockPublish(t *testing.T) {
	b := New()
	_, unsub := b.Subscribe("message.", 1)
	defer unsub()

	done := make(chan struct{})
	go func() {
		for i := 0; i < 10; i++ {
			b.Publish(NewEvent(KindMessageUpdated, i))
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("publish blocked on full subscriber")
	}
}

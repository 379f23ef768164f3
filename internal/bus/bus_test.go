package bus

import (
	"testing"
	"time"
)

func TestPublishSubscribe(t *testing.T) {
	b := New()
	ch, unsub := b.Subscribe("presence.", 10)
	defer unsub()

	b.Publish(Event{Kind: KindPresenceChanged, Payload: "alice"})

	select {
	case evt := <-ch:
		if evt.Kind != KindPresenceChanged {
			t.Errorf("got kind %q, want %s", evt.Kind, KindPresenceChanged)
		}
		if evt.Timestamp.IsZero() {
			t.Error("Publish should stamp a zero timestamp")
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for event")
	}
}

func TestNamespaceFiltering(t *testing.T) {
	b := New()
	ch, unsub := b.Subscribe("binding.", 10)
	defer unsub()

	b.Emit(KindRelayCompleted, nil)
	b.Emit(KindBindingInvalidated, nil)

	select {
	case evt := <-ch:
		if evt.Kind != KindBindingInvalidated {
			t.Errorf("got kind %q, want %s", evt.Kind, KindBindingInvalidated)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for event")
	}

	select {
	case evt := <-ch:
		t.Errorf("unexpected event: %v", evt)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestUnsubscribe(t *testing.T) {
	b := New()
	ch, unsub := b.Subscribe("relay.", 10)
	unsub()
	unsub()

	if n := b.Publish(Event{Kind: KindRelayCompleted}); n != 0 {
		t.Errorf("delivered = %d, want 0", n)
	}

	select {
	case evt := <-ch:
		t.Errorf("received event after unsubscribe: %v", evt)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestDropOnFullBuffer(t *testing.T) {
	b := New()
	ch, unsub := b.Subscribe("message.", 1)
	defer unsub()

	b.Emit(KindMessageCreated, 1)
	// Buffer is full; this must not block.
	b.Emit(KindMessageUpdated, 2)

	evt := <-ch
	if evt.Kind != KindMessageCreated {
		t.Errorf("got %q, want %s", evt.Kind, KindMessageCreated)
	}
	if got := b.Dropped(); got != 1 {
		t.Errorf("Dropped() = %d, want 1", got)
	}
}

func TestEmitNilBus(t *testing.T) {
	var b *Bus
	b.Emit(KindRelayCompleted, nil)
}

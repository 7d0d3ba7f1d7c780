package eventbus

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestBusSubscribe(t *testing.T) {
	bus := NewBus()

	var received Event
	var wg sync.WaitGroup
	wg.Add(1)

	unsub := bus.Subscribe(SessionTransitioned, func(e Event) {
		received = e
		wg.Done()
	})
	defer unsub()

	bus.Publish(Event{Type: SessionTransitioned, Data: "sess_1"})

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		if received.Type != SessionTransitioned {
			t.Errorf("expected SessionTransitioned, got %v", received.Type)
		}
		if received.Data != "sess_1" {
			t.Errorf("expected 'sess_1', got %v", received.Data)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
	}
}

func TestBusSubscribeAll(t *testing.T) {
	bus := NewBus()

	var count int32
	var wg sync.WaitGroup
	wg.Add(3)

	unsub := bus.SubscribeAll(func(e Event) {
		atomic.AddInt32(&count, 1)
		wg.Done()
	})
	defer unsub()

	bus.Publish(Event{Type: SessionTransitioned})
	bus.Publish(Event{Type: LockAcquired})
	bus.Publish(Event{Type: CascadeDispatched})

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		if atomic.LoadInt32(&count) != 3 {
			t.Errorf("expected 3 events, got %d", count)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for events")
	}
}

func TestBusUnsubscribe(t *testing.T) {
	bus := NewBus()

	var count int32
	unsub := bus.Subscribe(LockConflict, func(e Event) {
		atomic.AddInt32(&count, 1)
	})

	bus.PublishSync(Event{Type: LockConflict})
	if atomic.LoadInt32(&count) != 1 {
		t.Fatalf("expected 1 delivery before unsubscribe, got %d", count)
	}

	unsub()
	bus.PublishSync(Event{Type: LockConflict})
	if atomic.LoadInt32(&count) != 1 {
		t.Fatalf("expected no delivery after unsubscribe, got %d", count)
	}
}

func TestBusPublishSyncOrdersBeforeReturn(t *testing.T) {
	bus := NewBus()

	var applied bool
	bus.Subscribe(GoalDrifted, func(e Event) {
		applied = true
	})

	bus.PublishSync(Event{Type: GoalDrifted})
	if !applied {
		t.Fatal("expected subscriber to run synchronously before PublishSync returns")
	}
}

func TestBusCloseStopsDelivery(t *testing.T) {
	bus := NewBus()

	var count int32
	bus.Subscribe(ReviewCompleted, func(e Event) {
		atomic.AddInt32(&count, 1)
	})

	if err := bus.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	bus.PublishSync(Event{Type: ReviewCompleted})
	if atomic.LoadInt32(&count) != 0 {
		t.Fatalf("expected no delivery after close, got %d", count)
	}
}

package bus

import (
	"sync"
	"testing"
)

func TestBroadcastReachesAllSubscribers(t *testing.T) {
	b := NewMessageBus()

	var got []string
	b.Subscribe("a", func(e Event) { got = append(got, "a:"+e.Name) })
	b.Subscribe("b", func(e Event) { got = append(got, "b:"+e.Name) })

	b.Broadcast(Event{Name: EventRoomQueued})

	if len(got) != 2 {
		t.Fatalf("handlers fired %d times, want 2", len(got))
	}
}

func TestUnsubscribe(t *testing.T) {
	b := NewMessageBus()

	fired := false
	b.Subscribe("a", func(Event) { fired = true })
	b.Unsubscribe("a")

	b.Broadcast(Event{Name: EventRoomAssigned})
	if fired {
		t.Error("unsubscribed handler fired")
	}
}

func TestSubscribeReplacesHandler(t *testing.T) {
	b := NewMessageBus()

	calls := 0
	b.Subscribe("a", func(Event) { calls += 10 })
	b.Subscribe("a", func(Event) { calls++ })

	b.Broadcast(Event{Name: EventRoomResolved})
	if calls != 1 {
		t.Errorf("calls = %d, want 1 (second Subscribe replaces first)", calls)
	}
}

func TestConcurrentBroadcast(t *testing.T) {
	b := NewMessageBus()

	var mu sync.Mutex
	count := 0
	b.Subscribe("a", func(Event) {
		mu.Lock()
		count++
		mu.Unlock()
	})

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			b.Broadcast(Event{Name: EventScanCompleted})
		}()
	}
	wg.Wait()

	if count != 50 {
		t.Errorf("handler fired %d times, want 50", count)
	}
}

package bus

import (
	"sync"
	"testing"
	"time"

	"go.uber.org/goleak"

	"mindloop/internal/types"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func drain(sub *Subscription, n int, timeout time.Duration) []types.Event {
	var out []types.Event
	deadline := time.After(timeout)
	for len(out) < n {
		select {
		case ev, ok := <-sub.Events():
			if !ok {
				return out
			}
			out = append(out, ev)
		case <-deadline:
			return out
		}
	}
	return out
}

func TestBus_TopicFiltering(t *testing.T) {
	b := New()
	defer b.Close()

	cycles := b.Subscribe(types.TopicCycleStart, types.TopicCycleComplete)
	all := b.Subscribe()

	b.Publish(types.TopicCycleStart, 1)
	b.Publish(types.TopicDreamStart, 2)
	b.Publish(types.TopicCycleComplete, 3)

	got := drain(cycles, 2, time.Second)
	if len(got) != 2 {
		t.Fatalf("filtered subscriber got %d events, want 2", len(got))
	}
	if got[0].Topic != types.TopicCycleStart || got[1].Topic != types.TopicCycleComplete {
		t.Fatalf("topics=%v,%v, want cycle-start,cycle-complete", got[0].Topic, got[1].Topic)
	}

	if everything := drain(all, 3, time.Second); len(everything) != 3 {
		t.Fatalf("catch-all subscriber got %d events, want 3", len(everything))
	}
}

func TestBus_PerTopicOrderAndSequence(t *testing.T) {
	b := New()
	defer b.Close()

	sub := b.Subscribe(types.TopicCycleComplete)
	for i := 0; i < 10; i++ {
		b.Publish(types.TopicCycleComplete, i)
	}

	got := drain(sub, 10, time.Second)
	if len(got) != 10 {
		t.Fatalf("got %d events, want 10", len(got))
	}
	for i := 1; i < len(got); i++ {
		if got[i].ID <= got[i-1].ID {
			t.Fatalf("sequence not increasing: %d after %d", got[i].ID, got[i-1].ID)
		}
		if got[i].Payload.(int) != got[i-1].Payload.(int)+1 {
			t.Fatalf("publication order violated at index %d", i)
		}
	}
}

func TestBus_SlowSubscriberDropsNotBlocks(t *testing.T) {
	b := New()
	defer b.Close()

	sub := b.SubscribeBuffered(2, types.TopicThoughtGenerated)

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 50; i++ {
			b.Publish(types.TopicThoughtGenerated, i)
		}
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("publisher blocked on a slow subscriber")
	}

	if sub.Dropped() != 48 {
		t.Fatalf("dropped=%d, want 48 with buffer of 2", sub.Dropped())
	}
	if stats := b.Stats(); stats.Dropped != 48 || stats.Published != 50 {
		t.Fatalf("stats=%+v, want published=50 dropped=48", stats)
	}
}

func TestBus_UnsubscribeClosesChannel(t *testing.T) {
	b := New()
	defer b.Close()

	sub := b.Subscribe(types.TopicBiasDetected)
	b.Unsubscribe(sub)

	if _, ok := <-sub.Events(); ok {
		t.Fatal("channel should be closed after Unsubscribe")
	}
	// Publishing after unsubscribe must not panic.
	b.Publish(types.TopicBiasDetected, nil)
	b.Unsubscribe(sub) // double unsubscribe tolerated
}

func TestBus_CloseIsTerminal(t *testing.T) {
	b := New()
	sub := b.Subscribe()
	b.Close()
	b.Close() // idempotent

	if _, ok := <-sub.Events(); ok {
		t.Fatal("channel should be closed after bus Close")
	}

	late := b.Subscribe()
	if _, ok := <-late.Events(); ok {
		t.Fatal("post-close subscription should come back closed")
	}
	b.Publish(types.TopicCycleStart, nil) // no-op, no panic
}

func TestBus_ConcurrentPublishersKeepCounts(t *testing.T) {
	b := New()
	defer b.Close()

	sub := b.SubscribeBuffered(1024, types.TopicMemoryAdded)

	var wg sync.WaitGroup
	const publishers, each = 8, 25
	for p := 0; p < publishers; p++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < each; i++ {
				b.Publish(types.TopicMemoryAdded, nil)
			}
		}()
	}
	wg.Wait()

	got := drain(sub, publishers*each, 2*time.Second)
	if len(got) != publishers*each {
		t.Fatalf("delivered=%d, want %d", len(got), publishers*each)
	}
	seen := make(map[uint64]bool, len(got))
	for _, ev := range got {
		if seen[ev.ID] {
			t.Fatalf("duplicate sequence id %d", ev.ID)
		}
		seen[ev.ID] = true
	}
}

package memory

import (
	"testing"
	"time"

	"mindloop/internal/types"
)

func mem(id string, importance float64, ageHours float64, access int, base time.Time) types.Memory {
	return types.Memory{
		ID:          id,
		Summary:     "memory " + id,
		Importance:  importance,
		AccessCount: access,
		CreatedAt:   base.Add(-time.Duration(ageHours * float64(time.Hour))),
		Tier:        types.MemoryWorking,
	}
}

func TestBuffer_SizeNeverExceedsCapacity(t *testing.T) {
	b := NewBuffer(3)
	for i := 0; i < 10; i++ {
		b.Insert(types.Memory{ID: types.NewID(types.PrefixMemory), CreatedAt: time.Now()})
		if b.Size() > 3 {
			t.Fatalf("size=%d exceeds capacity after insert %d", b.Size(), i)
		}
	}
	if b.Size() != 3 {
		t.Fatalf("size=%d, want 3", b.Size())
	}
	if b.Pressure() != 1.0 {
		t.Fatalf("pressure=%v, want 1.0", b.Pressure())
	}
}

func TestBuffer_EvictionPicksHighestCompositeScore(t *testing.T) {
	base := time.Now()
	b := NewBuffer(5)
	b.SetClock(func() time.Time { return base })

	// (importance, ageHours, accessCount) per slot; slot "m2" carries the
	// highest eviction score despite "m3" being comparably old.
	b.Insert(mem("m1", 0.9, 1, 3, base))
	b.Insert(mem("m2", 0.2, 48, 0, base))
	b.Insert(mem("m3", 0.5, 24, 1, base))
	b.Insert(mem("m4", 0.8, 2, 2, base))
	b.Insert(mem("m5", 0.3, 12, 0, base))

	var promoted []types.Memory
	b.SetPromotionHandler(func(m types.Memory) { promoted = append(promoted, m) })

	evicted := b.Insert(mem("m6", 1.0, 0, 0, base))
	if evicted == nil || evicted.ID != "m2" {
		t.Fatalf("evicted=%v, want m2", evicted)
	}
	if len(promoted) != 1 || promoted[0].ID != "m2" {
		t.Fatalf("promotion hand-off=%v, want [m2]", promoted)
	}
	if b.Size() != 5 {
		t.Fatalf("size=%d, want 5", b.Size())
	}
}

func TestBuffer_EvictionTieBreaksOlder(t *testing.T) {
	base := time.Now()
	b := NewBuffer(2)
	b.SetClock(func() time.Time { return base })

	older := mem("old", 0.5, 10, 1, base)
	newer := mem("new", 0.5, 10, 1, base)
	newer.CreatedAt = older.CreatedAt.Add(time.Minute)

	b.Insert(newer)
	b.Insert(older)
	evicted := b.Insert(mem("x", 0.9, 0, 0, base))
	if evicted == nil || evicted.ID != "old" {
		t.Fatalf("evicted=%v, want the older slot", evicted)
	}
}

func TestBuffer_TouchSemantics(t *testing.T) {
	b := NewBuffer(3)
	m := mem("m1", 0.5, 0, 0, time.Now())
	b.Insert(m)

	b.Touch("m1")
	b.Touch("m1")
	b.Touch("missing") // no-op

	got := b.List()
	if len(got) != 1 || got[0].AccessCount != 2 {
		t.Fatalf("list=%+v, want m1 with accessCount=2", got)
	}
}

func TestBuffer_QueryScoresAndTouches(t *testing.T) {
	base := time.Now()
	b := NewBuffer(5)
	b.SetClock(func() time.Time { return base })

	a := mem("a", 0.1, 1, 0, base)
	a.Summary = "lock free queue design"
	other := mem("b", 0.1, 1, 0, base)
	other.Summary = "grocery shopping list"
	b.Insert(a)
	b.Insert(other)

	got := b.Query("queue design", 1)
	if len(got) != 1 || got[0].ID != "a" {
		t.Fatalf("query=%+v, want [a]", got)
	}
	if got[0].AccessCount != 1 {
		t.Fatalf("query did not touch: accessCount=%d", got[0].AccessCount)
	}
}

func TestBuffer_RemoveToleratesMissing(t *testing.T) {
	b := NewBuffer(3)
	b.Insert(mem("m1", 0.5, 0, 0, time.Now()))
	if !b.Remove("m1") {
		t.Fatal("Remove(m1) should succeed")
	}
	if b.Remove("m1") {
		t.Fatal("second Remove(m1) should report false")
	}
	if b.Size() != 0 {
		t.Fatalf("size=%d, want 0", b.Size())
	}
}

func TestBuffer_PersistRestoreRoundTrip(t *testing.T) {
	base := time.Now()
	b := NewBuffer(3)
	b.SetClock(func() time.Time { return base })
	b.Insert(mem("m1", 0.7, 1, 2, base))
	b.Insert(mem("m2", 0.3, 2, 0, base))

	blob, err := b.Persist()
	if err != nil {
		t.Fatalf("Persist: %v", err)
	}

	b2 := NewBuffer(3)
	if err := b2.Restore(blob); err != nil {
		t.Fatalf("Restore: %v", err)
	}
	if b2.Size() != 2 {
		t.Fatalf("restored size=%d, want 2", b2.Size())
	}
	if err := b2.Restore(nil); err != nil {
		t.Fatalf("Restore(nil) should be tolerated: %v", err)
	}
	if err := b2.Restore([]byte("not json")); err == nil {
		t.Fatal("Restore of invalid blob should error")
	}
}

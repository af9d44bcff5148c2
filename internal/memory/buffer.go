// Package memory implements short-term working memory: a fixed-slot,
// insertion-ordered buffer with weighted eviction, plus the consolidation
// policy that decides which memories earn promotion to long-term storage.
package memory

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"mindloop/internal/logging"
	"mindloop/internal/types"
)

// DefaultCapacity is the default number of working-memory slots.
const DefaultCapacity = 5

const evictionHistoryLimit = 100

// EvictionRecord notes one eviction for diagnostics and persistence.
type EvictionRecord struct {
	MemoryID string    `json:"memory_id"`
	Score    float64   `json:"score"`
	At       time.Time `json:"at"`
}

// Buffer is the working-memory store. It exclusively owns live memories; an
// eviction hands the victim to the promotion handler and frees the slot.
type Buffer struct {
	mu        sync.Mutex
	capacity  int
	slots     []types.Memory
	evictions []EvictionRecord
	onEvict   func(types.Memory)
	now       func() time.Time
}

// NewBuffer creates a buffer with the given slot count (DefaultCapacity if <= 0).
func NewBuffer(capacity int) *Buffer {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Buffer{
		capacity: capacity,
		slots:    make([]types.Memory, 0, capacity),
		now:      time.Now,
	}
}

// SetPromotionHandler registers the eviction hand-off. The handler is invoked
// outside the buffer lock with a copy of the victim.
func (b *Buffer) SetPromotionHandler(fn func(types.Memory)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.onEvict = fn
}

// SetClock overrides the wall clock. Test hook.
func (b *Buffer) SetClock(now func() time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.now = now
}

// Insert adds a memory, evicting the highest-scoring victim first when full.
// The evicted memory (if any) is returned and forwarded to the promotion
// handler.
func (b *Buffer) Insert(m types.Memory) *types.Memory {
	b.mu.Lock()
	var victim *types.Memory
	if len(b.slots) >= b.capacity {
		idx := b.evictionVictimLocked()
		v := b.slots[idx]
		victim = &v
		b.slots = append(b.slots[:idx], b.slots[idx+1:]...)
		b.evictions = append(b.evictions, EvictionRecord{
			MemoryID: v.ID,
			Score:    b.evictScoreLocked(v),
			At:       b.now(),
		})
		if len(b.evictions) > evictionHistoryLimit {
			b.evictions = b.evictions[len(b.evictions)-evictionHistoryLimit:]
		}
		logging.Memory("evicted %s (importance=%.2f access=%d) for %s", v.ID, v.Importance, v.AccessCount, m.ID)
	}
	b.slots = append(b.slots, m)
	handler := b.onEvict
	b.mu.Unlock()

	if victim != nil && handler != nil {
		handler(*victim)
	}
	return victim
}

// Touch increments a memory's access count. Touching an unknown id is a no-op.
func (b *Buffer) Touch(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i := range b.slots {
		if b.slots[i].ID == id {
			b.slots[i].AccessCount++
			return
		}
	}
}

// Remove drops a memory by id, returning whether it was present. Used by the
// dream engine to apply promotions and discards; a slot that moved since
// enumeration simply reports false.
func (b *Buffer) Remove(id string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i := range b.slots {
		if b.slots[i].ID == id {
			b.slots = append(b.slots[:i], b.slots[i+1:]...)
			return true
		}
	}
	return false
}

// Query scores every slot against the text by word overlap with recency and
// importance boosts, returns the top k, and touches each returned memory.
func (b *Buffer) Query(text string, k int) []types.Memory {
	if k <= 0 {
		return nil
	}
	queryBag := bagOfWords(text)

	b.mu.Lock()
	defer b.mu.Unlock()

	type scored struct {
		idx   int
		score float64
	}
	candidates := make([]scored, 0, len(b.slots))
	now := b.now()
	for i, m := range b.slots {
		sim := jaccardBags(queryBag, bagOfWords(m.Summary+" "+m.Content))
		ageHours := now.Sub(m.CreatedAt).Hours()
		recency := 1 - ageHours/24
		if recency < 0 {
			recency = 0
		}
		score := sim + recency*0.1 + m.Importance*0.2
		candidates = append(candidates, scored{idx: i, score: score})
	}
	sort.SliceStable(candidates, func(i, j int) bool {
		return candidates[i].score > candidates[j].score
	})

	if k > len(candidates) {
		k = len(candidates)
	}
	out := make([]types.Memory, 0, k)
	for _, c := range candidates[:k] {
		b.slots[c.idx].AccessCount++
		out = append(out, b.slots[c.idx])
	}
	return out
}

// List returns a copy of all slots in insertion order.
func (b *Buffer) List() []types.Memory {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]types.Memory(nil), b.slots...)
}

// Clear drops every slot.
func (b *Buffer) Clear() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.slots = b.slots[:0]
}

// Size returns the current slot count.
func (b *Buffer) Size() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.slots)
}

// Capacity returns the fixed slot capacity.
func (b *Buffer) Capacity() int {
	return b.capacity
}

// Pressure returns size/capacity in [0,1].
func (b *Buffer) Pressure() float64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return float64(len(b.slots)) / float64(b.capacity)
}

// bufferState is the persisted layout.
type bufferState struct {
	Slots     []types.Memory   `json:"slots"`
	Evictions []EvictionRecord `json:"evictions,omitempty"`
	SavedAt   time.Time        `json:"saved_at"`
}

// Persist serializes slots and recent evictions.
func (b *Buffer) Persist() ([]byte, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return json.Marshal(bufferState{
		Slots:     b.slots,
		Evictions: b.evictions,
		SavedAt:   b.now(),
	})
}

// Restore replaces the buffer contents from a persisted blob. Slots beyond
// capacity are dropped oldest-first.
func (b *Buffer) Restore(data []byte) error {
	if len(data) == 0 {
		return nil
	}
	var st bufferState
	if err := json.Unmarshal(data, &st); err != nil {
		return fmt.Errorf("restore buffer state: %w", err)
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if len(st.Slots) > b.capacity {
		st.Slots = st.Slots[len(st.Slots)-b.capacity:]
	}
	b.slots = st.Slots
	b.evictions = st.Evictions
	logging.Memory("buffer restored: %d slots", len(b.slots))
	return nil
}

// evictionVictimLocked picks the slot with the highest eviction score,
// breaking ties toward the older memory. Caller must hold mu.
func (b *Buffer) evictionVictimLocked() int {
	best := 0
	bestScore := b.evictScoreLocked(b.slots[0])
	for i := 1; i < len(b.slots); i++ {
		s := b.evictScoreLocked(b.slots[i])
		if s > bestScore || (s == bestScore && b.slots[i].CreatedAt.Before(b.slots[best].CreatedAt)) {
			best = i
			bestScore = s
		}
	}
	return best
}

// evictScoreLocked weighs age, disuse, and unimportance.
func (b *Buffer) evictScoreLocked(m types.Memory) float64 {
	ageDays := b.now().Sub(m.CreatedAt).Hours() / 24
	return 0.4*ageDays + 0.3*(1/float64(m.AccessCount+1)) + 0.3*(1-m.Importance)
}

// bagOfWords lowercases and splits text into a distinct word set.
func bagOfWords(text string) map[string]struct{} {
	bag := make(map[string]struct{})
	for _, f := range strings.Fields(strings.ToLower(text)) {
		w := strings.Trim(f, ".,;:!?\"'()[]{}")
		if w != "" {
			bag[w] = struct{}{}
		}
	}
	return bag
}

// jaccardBags computes word-set overlap in [0,1].
func jaccardBags(a, b map[string]struct{}) float64 {
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
	inter := 0
	for w := range a {
		if _, ok := b[w]; ok {
			inter++
		}
	}
	union := len(a) + len(b) - inter
	if union == 0 {
		return 0
	}
	return float64(inter) / float64(union)
}

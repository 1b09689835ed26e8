package cache

import (
	"container/list"
	"context"
	"sync"
	"time"
)

// memoryEntry is one LRU-tracked value.
type memoryEntry struct {
	key      string
	value    []byte
	storedAt time.Time
}

// MemoryTier is the in-process LRU tier. Reads promote entries to the front;
// inserts beyond the entry cap evict from the back. Entries also expire after
// the configured TTL, observed on access and by [MemoryTier.Sweep].
//
// Safe for concurrent use.
type MemoryTier struct {
	maxEntries int
	ttl        time.Duration

	mu    sync.Mutex
	order *list.List // front = most recently used
	index map[string]*list.Element
}

// NewMemoryTier creates a memory tier bounded to maxEntries values, each
// expiring ttl after it was stored. Non-positive arguments fall back to 100
// entries and one hour.
func NewMemoryTier(maxEntries int, ttl time.Duration) *MemoryTier {
	if maxEntries <= 0 {
		maxEntries = 100
	}
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &MemoryTier{
		maxEntries: maxEntries,
		ttl:        ttl,
		order:      list.New(),
		index:      make(map[string]*list.Element),
	}
}

// Name returns "memory".
func (t *MemoryTier) Name() string { return "memory" }

// Get returns the cached value and marks it most recently used. An expired
// entry is removed and reported as a miss.
func (t *MemoryTier) Get(_ context.Context, key string) ([]byte, bool, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	el, ok := t.index[key]
	if !ok {
		return nil, false, nil
	}
	entry := el.Value.(*memoryEntry)
	if time.Since(entry.storedAt) > t.ttl {
		t.order.Remove(el)
		delete(t.index, key)
		return nil, false, nil
	}
	t.order.MoveToFront(el)
	return entry.value, true, nil
}

// Set stores value under key, evicting the least recently used entry when the
// tier is full.
func (t *MemoryTier) Set(_ context.Context, key string, value []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if el, ok := t.index[key]; ok {
		entry := el.Value.(*memoryEntry)
		entry.value = value
		entry.storedAt = time.Now()
		t.order.MoveToFront(el)
		return nil
	}

	for t.order.Len() >= t.maxEntries {
		oldest := t.order.Back()
		if oldest == nil {
			break
		}
		t.order.Remove(oldest)
		delete(t.index, oldest.Value.(*memoryEntry).key)
	}

	el := t.order.PushFront(&memoryEntry{key: key, value: value, storedAt: time.Now()})
	t.index[key] = el
	return nil
}

// Delete removes key if present.
func (t *MemoryTier) Delete(_ context.Context, key string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if el, ok := t.index[key]; ok {
		t.order.Remove(el)
		delete(t.index, key)
	}
	return nil
}

// Clear removes all entries.
func (t *MemoryTier) Clear(_ context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.order.Init()
	t.index = make(map[string]*list.Element)
	return nil
}

// Ping always succeeds; the tier has no external backend.
func (t *MemoryTier) Ping(context.Context) error { return nil }

// Len returns the current entry count.
func (t *MemoryTier) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.order.Len()
}

// Sweep removes all expired entries and returns how many were dropped.
func (t *MemoryTier) Sweep() int {
	t.mu.Lock()
	defer t.mu.Unlock()

	removed := 0
	for el := t.order.Back(); el != nil; {
		prev := el.Prev()
		entry := el.Value.(*memoryEntry)
		if time.Since(entry.storedAt) > t.ttl {
			t.order.Remove(el)
			delete(t.index, entry.key)
			removed++
		}
		el = prev
	}
	return removed
}

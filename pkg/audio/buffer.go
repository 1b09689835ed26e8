package audio

import (
	"fmt"
	"sync"
	"time"

	"github.com/voxline-ai/voxline/pkg/tts"
)

// Level classifies how much playback time a [Buffer] currently holds,
// relative to its configured thresholds.
type Level int

const (
	// LevelCritical means the buffer is close to starving the uploader.
	LevelCritical Level = iota

	// LevelLow means the buffer is below the comfortable range.
	LevelLow

	// LevelNormal is the steady-state range.
	LevelNormal

	// LevelHigh means the producer is running well ahead of playback.
	LevelHigh

	// LevelOverflow means the buffer holds more than the overflow threshold.
	LevelOverflow
)

// String returns the human-readable name of the level.
func (l Level) String() string {
	switch l {
	case LevelCritical:
		return "critical"
	case LevelLow:
		return "low"
	case LevelNormal:
		return "normal"
	case LevelHigh:
		return "high"
	case LevelOverflow:
		return "overflow"
	default:
		return "unknown"
	}
}

// Thresholds configures the duration watermarks of a [Buffer]. All values are
// amounts of buffered playback time.
type Thresholds struct {
	// Ready is the minimum buffered duration before WaitUntilReady unblocks.
	Ready time.Duration

	// Critical, Low, High, Overflow bound the [Level] bands. Buffered
	// durations below Critical are LevelCritical, below Low are LevelLow,
	// below High are LevelNormal, below Overflow are LevelHigh, and at or
	// above Overflow are LevelOverflow.
	Critical time.Duration
	Low      time.Duration
	High     time.Duration
	Overflow time.Duration
}

// DefaultThresholds are tuned for 20 ms telephony chunks.
func DefaultThresholds() Thresholds {
	return Thresholds{
		Ready:    100 * time.Millisecond,
		Critical: 60 * time.Millisecond,
		Low:      200 * time.Millisecond,
		High:     2 * time.Second,
		Overflow: 5 * time.Second,
	}
}

// BufferStats is a snapshot of a buffer's counters.
type BufferStats struct {
	ChunksAdded   uint64
	ChunksRemoved uint64
	BytesAdded    uint64
	BytesRemoved  uint64
	Overflows     uint64
	Underflows    uint64
	PeakBuffered  time.Duration
	LastAdd       time.Time
	LastGet       time.Time
}

// Buffer is a bounded FIFO queue of audio chunks with duration-based
// threshold signalling. It is the hand-off point between synthesis (multiple
// producers) and the carrier uploader (a single consumer).
//
// All methods are safe for concurrent use.
type Buffer struct {
	mu         sync.Mutex
	chunks     []Chunk
	buffered   time.Duration
	maxSize    int
	thresholds Thresholds
	level      Level
	onLevel    func(from, to Level)
	stats      BufferStats

	// changed is closed and replaced whenever the queue content changes,
	// waking any WaitUntil* callers.
	changed chan struct{}
}

// NewBuffer creates a buffer holding at most maxSize chunks. A zero
// Thresholds value is replaced with [DefaultThresholds].
func NewBuffer(maxSize int, th Thresholds) *Buffer {
	if th == (Thresholds{}) {
		th = DefaultThresholds()
	}
	if maxSize <= 0 {
		maxSize = 256
	}
	return &Buffer{
		chunks:     make([]Chunk, 0, maxSize),
		maxSize:    maxSize,
		thresholds: th,
		level:      LevelCritical,
		changed:    make(chan struct{}),
	}
}

// OnLevelChange registers a callback fired exactly once per threshold
// crossing, in the direction of change. The callback runs outside the buffer
// lock; it must not call back into the buffer synchronously from Add/Get.
func (b *Buffer) OnLevelChange(fn func(from, to Level)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.onLevel = fn
}

// Add appends a chunk. It fails with [tts.ErrBufferOverflow] when the buffer
// already holds its maximum number of chunks; the rejected chunk is not
// enqueued and no queued chunk is lost.
func (b *Buffer) Add(c Chunk) error {
	b.mu.Lock()
	if len(b.chunks) >= b.maxSize {
		b.stats.Overflows++
		b.mu.Unlock()
		return fmt.Errorf("audio: buffer at %d chunks: %w", b.maxSize, tts.ErrBufferOverflow)
	}

	b.chunks = append(b.chunks, c)
	b.buffered += c.Duration
	b.stats.ChunksAdded++
	b.stats.BytesAdded += uint64(len(c.Data))
	b.stats.LastAdd = time.Now()
	if b.buffered > b.stats.PeakBuffered {
		b.stats.PeakBuffered = b.buffered
	}
	notify := b.recomputeLevelLocked()
	b.wakeLocked()
	b.mu.Unlock()

	if notify != nil {
		notify()
	}
	return nil
}

// Get removes and returns the oldest chunk. The second return value is false
// when the buffer is empty; an empty Get is counted as an underflow.
func (b *Buffer) Get() (Chunk, bool) {
	b.mu.Lock()
	if len(b.chunks) == 0 {
		b.stats.Underflows++
		b.mu.Unlock()
		return Chunk{}, false
	}

	c := b.chunks[0]
	b.chunks = b.chunks[1:]
	b.buffered -= c.Duration
	if b.buffered < 0 {
		b.buffered = 0
	}
	b.stats.ChunksRemoved++
	b.stats.BytesRemoved += uint64(len(c.Data))
	b.stats.LastGet = time.Now()
	notify := b.recomputeLevelLocked()
	b.wakeLocked()
	b.mu.Unlock()

	if notify != nil {
		notify()
	}
	return c, true
}

// Len returns the number of queued chunks.
func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.chunks)
}

// Buffered returns the total playback duration currently queued.
func (b *Buffer) Buffered() time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buffered
}

// Level returns the current threshold band.
func (b *Buffer) Level() Level {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.level
}

// Stats returns a snapshot of the buffer counters.
func (b *Buffer) Stats() BufferStats {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.stats
}

// Clear drops all queued chunks and returns how many were discarded.
func (b *Buffer) Clear() int {
	b.mu.Lock()
	n := len(b.chunks)
	b.chunks = b.chunks[:0]
	b.buffered = 0
	notify := b.recomputeLevelLocked()
	b.wakeLocked()
	b.mu.Unlock()

	if notify != nil {
		notify()
	}
	return n
}

// WaitUntilReady blocks until the buffered duration reaches the Ready
// threshold or the timeout elapses. Returns true when ready.
func (b *Buffer) WaitUntilReady(timeout time.Duration) bool {
	return b.waitFor(timeout, func() bool { return b.buffered >= b.thresholds.Ready })
}

// WaitUntilEmpty blocks until the buffer is empty or the timeout elapses.
// Returns true when empty.
func (b *Buffer) WaitUntilEmpty(timeout time.Duration) bool {
	return b.waitFor(timeout, func() bool { return len(b.chunks) == 0 })
}

// waitFor polls cond (evaluated under the buffer lock) each time the queue
// changes, up to the timeout.
func (b *Buffer) waitFor(timeout time.Duration, cond func() bool) bool {
	deadline := time.Now().Add(timeout)
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	for {
		b.mu.Lock()
		if cond() {
			b.mu.Unlock()
			return true
		}
		ch := b.changed
		b.mu.Unlock()

		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return false
		}
		timer.Reset(remaining)

		select {
		case <-ch:
		case <-timer.C:
			return false
		}
	}
}

// recomputeLevelLocked re-derives the threshold band and, when it changed,
// returns a closure invoking the registered callback. Must be called with
// b.mu held; the closure must be called after releasing it.
func (b *Buffer) recomputeLevelLocked() func() {
	var lvl Level
	switch {
	case b.buffered >= b.thresholds.Overflow:
		lvl = LevelOverflow
	case b.buffered >= b.thresholds.High:
		lvl = LevelHigh
	case b.buffered >= b.thresholds.Low:
		lvl = LevelNormal
	case b.buffered >= b.thresholds.Critical:
		lvl = LevelLow
	default:
		lvl = LevelCritical
	}

	if lvl == b.level {
		return nil
	}
	from, to := b.level, lvl
	b.level = lvl
	fn := b.onLevel
	if fn == nil {
		return nil
	}
	return func() { fn(from, to) }
}

// wakeLocked wakes all WaitUntil* callers. Must be called with b.mu held.
func (b *Buffer) wakeLocked() {
	close(b.changed)
	b.changed = make(chan struct{})
}

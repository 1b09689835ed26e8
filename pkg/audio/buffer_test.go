package audio

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/voxline-ai/voxline/pkg/tts"
)

// chunk20ms returns a 20 ms telephony chunk.
func chunk20ms(t *testing.T) Chunk {
	t.Helper()
	c, err := NewPCMChunk(make([]byte, 320), 8000, 2, 1)
	if err != nil {
		t.Fatalf("NewPCMChunk: %v", err)
	}
	return c
}

func TestBuffer_AddGetFIFO(t *testing.T) {
	b := NewBuffer(8, Thresholds{})

	first := chunk20ms(t)
	first.Metadata = map[string]string{"seq": "1"}
	second := chunk20ms(t)
	second.Metadata = map[string]string{"seq": "2"}

	if err := b.Add(first); err != nil {
		t.Fatalf("Add: %v", err)
	}
	if err := b.Add(second); err != nil {
		t.Fatalf("Add: %v", err)
	}
	if b.Len() != 2 {
		t.Errorf("Len = %d, want 2", b.Len())
	}
	if b.Buffered() != 40*time.Millisecond {
		t.Errorf("Buffered = %v, want 40ms", b.Buffered())
	}

	got, ok := b.Get()
	if !ok || got.Metadata["seq"] != "1" {
		t.Errorf("first Get = %v/%v, want seq 1", got.Metadata, ok)
	}
	got, ok = b.Get()
	if !ok || got.Metadata["seq"] != "2" {
		t.Errorf("second Get = %v/%v, want seq 2", got.Metadata, ok)
	}
}

func TestBuffer_OverflowRejectsChunk(t *testing.T) {
	b := NewBuffer(2, Thresholds{})
	for i := 0; i < 2; i++ {
		if err := b.Add(chunk20ms(t)); err != nil {
			t.Fatalf("Add %d: %v", i, err)
		}
	}

	err := b.Add(chunk20ms(t))
	if !errors.Is(err, tts.ErrBufferOverflow) {
		t.Fatalf("error = %v, want ErrBufferOverflow", err)
	}
	if b.Len() != 2 {
		t.Errorf("Len = %d after rejected add, want 2", b.Len())
	}
	if got := b.Stats().Overflows; got != 1 {
		t.Errorf("Overflows = %d, want 1", got)
	}
}

func TestBuffer_EmptyGetCountsUnderflow(t *testing.T) {
	b := NewBuffer(4, Thresholds{})
	if _, ok := b.Get(); ok {
		t.Fatal("Get on empty buffer should report not ok")
	}
	if got := b.Stats().Underflows; got != 1 {
		t.Errorf("Underflows = %d, want 1", got)
	}
}

func TestBuffer_Levels(t *testing.T) {
	th := Thresholds{
		Ready:    40 * time.Millisecond,
		Critical: 20 * time.Millisecond,
		Low:      60 * time.Millisecond,
		High:     100 * time.Millisecond,
		Overflow: 160 * time.Millisecond,
	}
	b := NewBuffer(64, th)

	if b.Level() != LevelCritical {
		t.Fatalf("empty buffer level = %v, want critical", b.Level())
	}

	// 20 ms per chunk: watch the band move up.
	steps := []struct {
		adds int
		want Level
	}{
		{1, LevelLow},     // 20 ms
		{2, LevelNormal},  // 60 ms
		{2, LevelHigh},    // 100 ms
		{3, LevelOverflow}, // 160 ms
	}
	for _, s := range steps {
		for i := 0; i < s.adds; i++ {
			if err := b.Add(chunk20ms(t)); err != nil {
				t.Fatalf("Add: %v", err)
			}
		}
		if got := b.Level(); got != s.want {
			t.Errorf("level at %v buffered = %v, want %v", b.Buffered(), got, s.want)
		}
	}
}

func TestBuffer_LevelChangeCallback(t *testing.T) {
	th := Thresholds{
		Ready:    40 * time.Millisecond,
		Critical: 20 * time.Millisecond,
		Low:      60 * time.Millisecond,
		High:     100 * time.Millisecond,
		Overflow: 160 * time.Millisecond,
	}
	b := NewBuffer(64, th)

	var mu sync.Mutex
	var transitions [][2]Level
	b.OnLevelChange(func(from, to Level) {
		mu.Lock()
		transitions = append(transitions, [2]Level{from, to})
		mu.Unlock()
	})

	for i := 0; i < 3; i++ { // 60 ms: critical -> low -> normal
		if err := b.Add(chunk20ms(t)); err != nil {
			t.Fatalf("Add: %v", err)
		}
	}

	mu.Lock()
	defer mu.Unlock()
	want := [][2]Level{
		{LevelCritical, LevelLow},
		{LevelLow, LevelNormal},
	}
	if len(transitions) != len(want) {
		t.Fatalf("transitions = %v, want %v", transitions, want)
	}
	for i := range want {
		if transitions[i] != want[i] {
			t.Errorf("transition %d = %v, want %v", i, transitions[i], want[i])
		}
	}
}

func TestBuffer_WaitUntilReady(t *testing.T) {
	th := DefaultThresholds()
	b := NewBuffer(64, th)

	done := make(chan bool, 1)
	go func() {
		done <- b.WaitUntilReady(2 * time.Second)
	}()

	// 100 ms ready threshold: five 20 ms chunks.
	for i := 0; i < 5; i++ {
		if err := b.Add(chunk20ms(t)); err != nil {
			t.Fatalf("Add: %v", err)
		}
	}

	select {
	case ok := <-done:
		if !ok {
			t.Fatal("WaitUntilReady returned false")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("WaitUntilReady did not unblock")
	}
}

func TestBuffer_WaitUntilReadyTimeout(t *testing.T) {
	b := NewBuffer(64, DefaultThresholds())
	if b.WaitUntilReady(50 * time.Millisecond) {
		t.Fatal("WaitUntilReady should time out on an empty buffer")
	}
}

func TestBuffer_WaitUntilEmpty(t *testing.T) {
	b := NewBuffer(64, Thresholds{})
	for i := 0; i < 3; i++ {
		if err := b.Add(chunk20ms(t)); err != nil {
			t.Fatalf("Add: %v", err)
		}
	}

	done := make(chan bool, 1)
	go func() {
		done <- b.WaitUntilEmpty(2 * time.Second)
	}()

	for i := 0; i < 3; i++ {
		if _, ok := b.Get(); !ok {
			t.Fatalf("Get %d failed", i)
		}
	}

	select {
	case ok := <-done:
		if !ok {
			t.Fatal("WaitUntilEmpty returned false")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("WaitUntilEmpty did not unblock")
	}
}

func TestBuffer_Clear(t *testing.T) {
	b := NewBuffer(64, Thresholds{})
	for i := 0; i < 4; i++ {
		if err := b.Add(chunk20ms(t)); err != nil {
			t.Fatalf("Add: %v", err)
		}
	}

	if n := b.Clear(); n != 4 {
		t.Errorf("Clear = %d, want 4", n)
	}
	if b.Len() != 0 || b.Buffered() != 0 {
		t.Errorf("after Clear: len=%d buffered=%v, want empty", b.Len(), b.Buffered())
	}
}

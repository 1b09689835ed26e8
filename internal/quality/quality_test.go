package quality

import (
	"errors"
	"testing"
	"time"

	"github.com/voxline-ai/voxline/internal/events"
	"github.com/voxline-ai/voxline/pkg/tts"
)

func TestMonitor_FoldsEvents(t *testing.T) {
	bus := events.NewBus()
	m := NewMonitor(bus, "", nil)
	defer m.Close()

	m.StartCallMonitoring("call-1")
	bus.Publish(events.Event{Type: events.DialogTurnStart, CallID: "call-1"})
	bus.Publish(events.Event{Type: events.SynthesisStarted, CallID: "call-1", Provider: "eleven"})
	bus.Publish(events.Event{Type: events.SynthesisCompleted, CallID: "call-1", Duration: 120 * time.Millisecond})
	bus.Publish(events.Event{Type: events.FirstResponseLatency, CallID: "call-1", Duration: 80 * time.Millisecond})
	bus.Publish(events.Event{Type: events.CacheHit, CallID: "call-1"})
	bus.Publish(events.Event{Type: events.ChunkUploaded, CallID: "call-1", Duration: 15 * time.Millisecond, Bytes: 320})
	bus.Publish(events.Event{Type: events.ChunkUploaded, CallID: "call-1", Duration: 25 * time.Millisecond, Bytes: 320})
	bus.Publish(events.Event{Type: events.SynthesisFailed, CallID: "call-1", Err: "provider down"})
	bus.Publish(events.Event{Type: events.BufferOverflow, CallID: "call-1", Err: "buffer full"})
	bus.Publish(events.Event{Type: events.FragmentRetried, CallID: "call-1"})

	r, ok := m.Record("call-1")
	if !ok {
		t.Fatal("record should exist")
	}
	if r.Turns != 1 || r.Syntheses != 1 || r.CacheHits != 1 || r.Retries != 1 {
		t.Errorf("counts = turns %d syntheses %d hits %d retries %d", r.Turns, r.Syntheses, r.CacheHits, r.Retries)
	}
	if r.ChunksUploaded != 2 || r.BytesUploaded != 640 {
		t.Errorf("chunks/bytes = %d/%d, want 2/640", r.ChunksUploaded, r.BytesUploaded)
	}
	if r.Overflows != 1 {
		t.Errorf("Overflows = %d, want 1", r.Overflows)
	}
	if len(r.Errors) != 2 {
		t.Errorf("Errors = %d, want synthesis failure plus overflow", len(r.Errors))
	}
	if len(r.GenerationTimes) != 1 || r.GenerationTimes[0] != 120*time.Millisecond {
		t.Errorf("GenerationTimes = %v", r.GenerationTimes)
	}
}

func TestMonitor_EventsWithoutCallIDDropped(t *testing.T) {
	bus := events.NewBus()
	m := NewMonitor(bus, "", nil)
	defer m.Close()

	bus.Publish(events.Event{Type: events.SynthesisStarted})

	if rep := m.Aggregate(WindowAll); rep.TotalCalls != 0 {
		t.Errorf("TotalCalls = %d, want 0", rep.TotalCalls)
	}
}

func TestMonitor_ImplicitRecordCreation(t *testing.T) {
	bus := events.NewBus()
	m := NewMonitor(bus, "", nil)
	defer m.Close()

	bus.Publish(events.Event{Type: events.ChunkUploaded, CallID: "call-x", Bytes: 100})

	r, ok := m.Record("call-x")
	if !ok || r.ChunksUploaded != 1 {
		t.Errorf("implicit record = %+v/%v", r, ok)
	}
}

func TestMonitor_Phases(t *testing.T) {
	m := NewMonitor(nil, "", nil)

	m.StartCallMonitoring("call-1")
	m.StartPhase("call-1", "greeting")
	time.Sleep(15 * time.Millisecond)
	m.EndPhase("call-1", "greeting")
	m.StartPhase("call-1", "greeting")
	m.EndPhase("call-1", "greeting")

	r, _ := m.Record("call-1")
	p := r.Phases["greeting"]
	if p == nil {
		t.Fatal("phase should exist")
	}
	if p.Visits != 2 {
		t.Errorf("Visits = %d, want 2", p.Visits)
	}
	if p.Total < 15*time.Millisecond {
		t.Errorf("Total = %v, want at least the slept 15ms", p.Total)
	}
}

func TestMonitor_EndCallFreezesRecord(t *testing.T) {
	bus := events.NewBus()
	m := NewMonitor(bus, "", nil)
	defer m.Close()

	m.StartCallMonitoring("call-1")
	m.StartPhase("call-1", "closing")
	bus.Publish(events.Event{Type: events.SynthesisCompleted, CallID: "call-1", Duration: 100 * time.Millisecond})
	bus.Publish(events.Event{Type: events.SynthesisCompleted, CallID: "call-1", Duration: 300 * time.Millisecond})

	r, err := m.EndCallMonitoring("call-1", StatusCompleted)
	if err != nil {
		t.Fatalf("EndCallMonitoring: %v", err)
	}
	if r.Status != StatusCompleted || r.EndedAt.IsZero() {
		t.Errorf("record = status %s ended %v", r.Status, r.EndedAt)
	}
	if r.AvgGenerationTime != 200*time.Millisecond {
		t.Errorf("AvgGenerationTime = %v, want 200ms", r.AvgGenerationTime)
	}
	if r.Phases["closing"].active {
		t.Error("open phase should be closed at finalisation")
	}

	// Further events must not mutate the finalised record.
	bus.Publish(events.Event{Type: events.SynthesisCompleted, CallID: "call-1", Duration: time.Second})
	after, _ := m.Record("call-1")
	if len(after.GenerationTimes) != 2 {
		t.Errorf("GenerationTimes = %d after finalisation, want still 2", len(after.GenerationTimes))
	}

	// Ending twice returns the frozen copy, not an error.
	again, err := m.EndCallMonitoring("call-1", StatusFailed)
	if err != nil {
		t.Fatalf("second EndCallMonitoring: %v", err)
	}
	if again.Status != StatusCompleted {
		t.Errorf("status = %s on repeat end, want the original completed", again.Status)
	}
}

func TestMonitor_EndCallUnknown(t *testing.T) {
	m := NewMonitor(nil, "", nil)
	_, err := m.EndCallMonitoring("ghost", StatusCompleted)
	if !errors.Is(err, tts.ErrSessionNotFound) {
		t.Errorf("err = %v, want ErrSessionNotFound", err)
	}
}

func TestMonitor_PersistAndReload(t *testing.T) {
	dir := t.TempDir()

	m := NewMonitor(nil, dir, nil)
	m.StartCallMonitoring("call-1")
	m.RecordError("call-1", "carrier", "stream rejected")
	if _, err := m.EndCallMonitoring("call-1", StatusFailed); err != nil {
		t.Fatalf("EndCallMonitoring: %v", err)
	}

	fresh := NewMonitor(nil, dir, nil)
	n, err := fresh.LoadPersisted()
	if err != nil {
		t.Fatalf("LoadPersisted: %v", err)
	}
	if n != 1 {
		t.Fatalf("loaded %d records, want 1", n)
	}

	r, ok := fresh.Record("call-1")
	if !ok {
		t.Fatal("reloaded record should exist")
	}
	if r.Status != StatusFailed || len(r.Errors) != 1 {
		t.Errorf("reloaded record = status %s errors %d", r.Status, len(r.Errors))
	}

	rep := fresh.Aggregate(WindowAll)
	if rep.TotalCalls != 1 || rep.Failed != 1 {
		t.Errorf("aggregate = %d calls / %d failed, want 1/1", rep.TotalCalls, rep.Failed)
	}
}

func TestMonitor_AggregateWindows(t *testing.T) {
	m := NewMonitor(nil, "", nil)

	m.StartCallMonitoring("recent")
	m.EndCallMonitoring("recent", StatusCompleted)

	// Backdate one record past the weekly window.
	m.mu.Lock()
	m.records["old"] = &Record{
		CallID:    "old",
		StartedAt: time.Now().AddDate(0, 0, -10),
		Status:    StatusCompleted,
		Phases:    map[string]*Phase{},
		finalized: true,
	}
	m.mu.Unlock()

	if rep := m.Aggregate(WindowAll); rep.TotalCalls != 2 {
		t.Errorf("all-window calls = %d, want 2", rep.TotalCalls)
	}
	if rep := m.Aggregate(WindowWeek); rep.TotalCalls != 1 {
		t.Errorf("week-window calls = %d, want 1", rep.TotalCalls)
	}
	if rep := m.Aggregate(WindowToday); rep.Completed != 1 {
		t.Errorf("today completed = %d, want 1", rep.Completed)
	}
}

func TestMonitor_ActiveCallsInAggregate(t *testing.T) {
	m := NewMonitor(nil, "", nil)
	m.StartCallMonitoring("live")

	rep := m.Aggregate(WindowAll)
	if rep.ActiveCalls != 1 || rep.TotalCalls != 1 {
		t.Errorf("aggregate = %d active / %d total, want 1/1", rep.ActiveCalls, rep.TotalCalls)
	}
}

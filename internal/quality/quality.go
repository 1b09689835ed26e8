// Package quality aggregates per-call observations from the event stream
// into call quality records: synthesis latencies, chunk counts, errors, and
// named phase durations. Finalised records are persisted as dated JSON files
// and feed windowed aggregation queries.
package quality

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/voxline-ai/voxline/internal/events"
	"github.com/voxline-ai/voxline/pkg/tts"
)

// Status is the final outcome of a monitored call.
type Status string

const (
	StatusCompleted   Status = "completed"
	StatusFailed      Status = "failed"
	StatusInterrupted Status = "interrupted"
)

// ErrorEntry is one recorded failure.
type ErrorEntry struct {
	At     time.Time `json:"at"`
	Source string    `json:"source"`
	Detail string    `json:"detail"`
}

// Phase accumulates time spent in one named call phase across visits.
type Phase struct {
	Name      string        `json:"name"`
	Total     time.Duration `json:"total"`
	Visits    int           `json:"visits"`
	enteredAt time.Time
	active    bool
}

// Record is the per-call aggregate. It must not be mutated after
// finalisation.
type Record struct {
	CallID    string    `json:"call_id"`
	StartedAt time.Time `json:"started_at"`
	EndedAt   time.Time `json:"ended_at,omitzero"`
	Status    Status    `json:"status,omitempty"`

	GenerationTimes     []time.Duration `json:"generation_times"`
	FirstChunkLatencies []time.Duration `json:"first_chunk_latencies"`
	UploadLatencies     []time.Duration `json:"upload_latencies"`

	ChunksUploaded int   `json:"chunks_uploaded"`
	BytesUploaded  int64 `json:"bytes_uploaded"`
	CacheHits      int   `json:"cache_hits"`
	Syntheses      int   `json:"syntheses"`
	Turns          int   `json:"turns"`
	Retries        int   `json:"retries"`
	Overflows      int   `json:"overflows"`

	Errors []ErrorEntry      `json:"errors"`
	Phases map[string]*Phase `json:"phases"`

	// Derived at finalisation.
	CallDuration         time.Duration `json:"call_duration"`
	AvgGenerationTime    time.Duration `json:"avg_generation_time"`
	AvgFirstChunkLatency time.Duration `json:"avg_first_chunk_latency"`
	AvgUploadLatency     time.Duration `json:"avg_upload_latency"`

	finalized bool
}

// Window selects the record age range of an aggregation query.
type Window string

const (
	WindowToday Window = "today"
	WindowWeek  Window = "week"
	WindowMonth Window = "month"
	WindowAll   Window = "all"
)

// Report is the result of a windowed aggregation.
type Report struct {
	Window               Window        `json:"window"`
	TotalCalls           int           `json:"total_calls"`
	Completed            int           `json:"completed"`
	Failed               int           `json:"failed"`
	Interrupted          int           `json:"interrupted"`
	ActiveCalls          int           `json:"active_calls"`
	TotalErrors          int           `json:"total_errors"`
	TotalChunks          int           `json:"total_chunks"`
	TotalBytes           int64         `json:"total_bytes"`
	CacheHits            int           `json:"cache_hits"`
	AvgCallDuration      time.Duration `json:"avg_call_duration"`
	AvgGenerationTime    time.Duration `json:"avg_generation_time"`
	AvgFirstChunkLatency time.Duration `json:"avg_first_chunk_latency"`
}

// Monitor consumes the event stream and owns all call records.
//
// Safe for concurrent use.
type Monitor struct {
	metricsDir  string
	logger      *slog.Logger
	unsubscribe func()

	mu      sync.Mutex
	records map[string]*Record
}

// NewMonitor creates a monitor persisting finalised records under
// metricsDir and subscribes it to the bus.
func NewMonitor(bus *events.Bus, metricsDir string, logger *slog.Logger) *Monitor {
	if logger == nil {
		logger = slog.Default()
	}
	m := &Monitor{
		metricsDir: metricsDir,
		logger:     logger,
		records:    make(map[string]*Record),
	}
	if bus != nil {
		m.unsubscribe = bus.Subscribe(m.handle)
	}
	return m
}

// Close detaches the monitor from the event bus.
func (m *Monitor) Close() {
	if m.unsubscribe != nil {
		m.unsubscribe()
	}
}

// StartCallMonitoring creates the call's record. Events for unknown calls
// also create records implicitly; the explicit start pins the call's true
// start time.
func (m *Monitor) StartCallMonitoring(callID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.recordLocked(callID)
}

// recordLocked returns the live record for callID, creating it on first use.
// A finalised record is left untouched and nil is returned.
func (m *Monitor) recordLocked(callID string) *Record {
	if r, ok := m.records[callID]; ok {
		if r.finalized {
			return nil
		}
		return r
	}
	r := &Record{
		CallID:    callID,
		StartedAt: time.Now(),
		Phases:    make(map[string]*Phase),
	}
	m.records[callID] = r
	return r
}

// handle folds one event into its call's record. Events without a call ID
// are dropped; there is nothing to attribute them to.
func (m *Monitor) handle(e events.Event) {
	if e.CallID == "" {
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	r := m.recordLocked(e.CallID)
	if r == nil {
		return
	}

	switch e.Type {
	case events.DialogTurnStart:
		r.Turns++
	case events.SynthesisStarted:
		r.Syntheses++
	case events.SynthesisCompleted:
		r.GenerationTimes = append(r.GenerationTimes, e.Duration)
	case events.FirstResponseLatency:
		r.FirstChunkLatencies = append(r.FirstChunkLatencies, e.Duration)
	case events.CacheHit:
		r.CacheHits++
	case events.FragmentRetried:
		r.Retries++
	case events.ChunkUploaded:
		r.ChunksUploaded++
		r.BytesUploaded += int64(e.Bytes)
		r.UploadLatencies = append(r.UploadLatencies, e.Duration)
	case events.BufferOverflow:
		r.Overflows++
		r.Errors = append(r.Errors, ErrorEntry{At: e.At, Source: string(e.Type), Detail: e.Err})
	case events.SynthesisFailed, events.SessionError:
		r.Errors = append(r.Errors, ErrorEntry{At: e.At, Source: string(e.Type), Detail: e.Err})
	}
}

// RecordError appends an error to the call's record directly, for failures
// that never pass through the event bus.
func (m *Monitor) RecordError(callID, source, detail string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r := m.recordLocked(callID)
	if r == nil {
		return
	}
	r.Errors = append(r.Errors, ErrorEntry{At: time.Now(), Source: source, Detail: detail})
}

// StartPhase begins (or re-enters) a named phase of the call.
func (m *Monitor) StartPhase(callID, phase string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r := m.recordLocked(callID)
	if r == nil {
		return
	}
	p, ok := r.Phases[phase]
	if !ok {
		p = &Phase{Name: phase}
		r.Phases[phase] = p
	}
	if p.active {
		return
	}
	p.active = true
	p.enteredAt = time.Now()
	p.Visits++
}

// EndPhase closes the named phase, accumulating its elapsed time.
func (m *Monitor) EndPhase(callID, phase string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.records[callID]
	if !ok || r.finalized {
		return
	}
	p, ok := r.Phases[phase]
	if !ok || !p.active {
		return
	}
	p.Total += time.Since(p.enteredAt)
	p.active = false
}

// EndCallMonitoring finalises the record with the given status, computes
// derived metrics, persists it, and returns a copy. The record accepts no
// further mutation afterwards.
func (m *Monitor) EndCallMonitoring(callID string, status Status) (Record, error) {
	m.mu.Lock()
	r, ok := m.records[callID]
	if !ok {
		m.mu.Unlock()
		return Record{}, fmt.Errorf("quality: no record for call %s: %w", callID, tts.ErrSessionNotFound)
	}
	if r.finalized {
		cp := *r
		m.mu.Unlock()
		return cp, nil
	}

	now := time.Now()
	for _, p := range r.Phases {
		if p.active {
			p.Total += now.Sub(p.enteredAt)
			p.active = false
		}
	}
	r.EndedAt = now
	r.Status = status
	r.CallDuration = now.Sub(r.StartedAt)
	r.AvgGenerationTime = avgDuration(r.GenerationTimes)
	r.AvgFirstChunkLatency = avgDuration(r.FirstChunkLatencies)
	r.AvgUploadLatency = avgDuration(r.UploadLatencies)
	r.finalized = true
	cp := *r
	m.mu.Unlock()

	if err := m.persist(&cp); err != nil {
		m.logger.Warn("failed to persist call record", "call_id", callID, "error", err)
		return cp, err
	}
	return cp, nil
}

// persist writes the record as a dated JSON file under the metrics
// directory.
func (m *Monitor) persist(r *Record) error {
	if m.metricsDir == "" {
		return nil
	}
	if err := os.MkdirAll(m.metricsDir, 0o755); err != nil {
		return fmt.Errorf("quality: create metrics dir: %w", err)
	}

	name := fmt.Sprintf("%s_%s.json", r.EndedAt.Format("20060102_150405"), sanitizeCallID(r.CallID))
	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return fmt.Errorf("quality: encode record: %w", err)
	}
	if err := os.WriteFile(filepath.Join(m.metricsDir, name), data, 0o644); err != nil {
		return fmt.Errorf("quality: write record: %w", err)
	}
	return nil
}

// sanitizeCallID keeps call IDs filename-safe.
func sanitizeCallID(id string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9',
			r == '-', r == '_':
			return r
		default:
			return '_'
		}
	}, id)
}

// LoadPersisted reads previously persisted records from the metrics
// directory into memory so aggregation queries see them. Records already in
// memory win over their persisted copy.
func (m *Monitor) LoadPersisted() (int, error) {
	if m.metricsDir == "" {
		return 0, nil
	}
	entries, err := os.ReadDir(m.metricsDir)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, fmt.Errorf("quality: read metrics dir: %w", err)
	}

	loaded := 0
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		data, err := os.ReadFile(filepath.Join(m.metricsDir, e.Name()))
		if err != nil {
			m.logger.Warn("skipping unreadable record file", "file", e.Name(), "error", err)
			continue
		}
		var r Record
		if err := json.Unmarshal(data, &r); err != nil || r.CallID == "" {
			m.logger.Warn("skipping malformed record file", "file", e.Name())
			continue
		}
		r.finalized = true

		m.mu.Lock()
		if _, exists := m.records[r.CallID]; !exists {
			m.records[r.CallID] = &r
			loaded++
		}
		m.mu.Unlock()
	}
	return loaded, nil
}

// Record returns a copy of the call's record.
func (m *Monitor) Record(callID string) (Record, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.records[callID]
	if !ok {
		return Record{}, false
	}
	return *r, true
}

// Aggregate summarises the records whose calls started inside the window.
func (m *Monitor) Aggregate(w Window) Report {
	cutoff := windowCutoff(w, time.Now())

	m.mu.Lock()
	defer m.mu.Unlock()

	rep := Report{Window: w}
	var (
		durations  []time.Duration
		genTimes   []time.Duration
		firstChunk []time.Duration
	)
	for _, r := range m.records {
		if r.StartedAt.Before(cutoff) {
			continue
		}
		rep.TotalCalls++
		rep.TotalErrors += len(r.Errors)
		rep.TotalChunks += r.ChunksUploaded
		rep.TotalBytes += r.BytesUploaded
		rep.CacheHits += r.CacheHits
		genTimes = append(genTimes, r.GenerationTimes...)
		firstChunk = append(firstChunk, r.FirstChunkLatencies...)

		if !r.finalized {
			rep.ActiveCalls++
			continue
		}
		durations = append(durations, r.CallDuration)
		switch r.Status {
		case StatusCompleted:
			rep.Completed++
		case StatusFailed:
			rep.Failed++
		case StatusInterrupted:
			rep.Interrupted++
		}
	}
	rep.AvgCallDuration = avgDuration(durations)
	rep.AvgGenerationTime = avgDuration(genTimes)
	rep.AvgFirstChunkLatency = avgDuration(firstChunk)
	return rep
}

// windowCutoff maps a window name to its lower time bound.
func windowCutoff(w Window, now time.Time) time.Time {
	switch w {
	case WindowToday:
		y, mo, d := now.Date()
		return time.Date(y, mo, d, 0, 0, 0, 0, now.Location())
	case WindowWeek:
		return now.AddDate(0, 0, -7)
	case WindowMonth:
		return now.AddDate(0, -1, 0)
	default:
		return time.Time{}
	}
}

func avgDuration(ds []time.Duration) time.Duration {
	if len(ds) == 0 {
		return 0
	}
	var sum time.Duration
	for _, d := range ds {
		sum += d
	}
	return sum / time.Duration(len(ds))
}

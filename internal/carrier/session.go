package carrier

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/voxline-ai/voxline/internal/events"
	"github.com/voxline-ai/voxline/pkg/audio"
	"github.com/voxline-ai/voxline/pkg/tts"
)

// State is the lifecycle state of one streaming session.
type State string

const (
	StateInitializing State = "initializing"
	StateReady        State = "ready"
	StateStreaming    State = "streaming"
	StatePaused       State = "paused"
	StateCompleted    State = "completed"
	StateError        State = "error"
	StateTerminated   State = "terminated"
)

// terminal reports whether no further transitions are allowed from s.
func (s State) terminal() bool {
	return s == StateCompleted || s == StateError || s == StateTerminated
}

// maxConsecutiveErrors is the upload failure run length that kills a session.
const maxConsecutiveErrors = 3

// latencyWindow bounds the rolling per-chunk upload latency sample.
const latencyWindow = 100

// StreamConfig tunes the session manager. Zero-value fields get defaults.
type StreamConfig struct {
	// ContentType of posted chunks. Default: "audio/l16;rate=8000".
	ContentType string

	// SampleRate, SampleWidth, Channels describe the stream format.
	// Defaults: 8000 Hz, 2 bytes, mono.
	SampleRate  int
	SampleWidth int
	Channels    int

	// BufferChunks caps the per-session buffer. Default: 256.
	BufferChunks int

	// Thresholds for the per-session buffer. Zero uses audio defaults.
	Thresholds audio.Thresholds

	// MaxConcurrentSessions caps simultaneously open sessions. Default: 50.
	MaxConcurrentSessions int

	// SessionTimeout terminates sessions with no buffer activity.
	// Default: 5m.
	SessionTimeout time.Duration

	// DrainTimeout bounds how long Complete waits for queued audio to flush
	// before discarding the remainder. Default: 10s.
	DrainTimeout time.Duration
}

func (c StreamConfig) withDefaults() StreamConfig {
	if c.ContentType == "" {
		c.ContentType = "audio/l16;rate=8000"
	}
	if c.SampleRate <= 0 {
		c.SampleRate = 8000
	}
	if c.SampleWidth <= 0 {
		c.SampleWidth = 2
	}
	if c.Channels <= 0 {
		c.Channels = 1
	}
	if c.BufferChunks <= 0 {
		c.BufferChunks = 256
	}
	if c.MaxConcurrentSessions <= 0 {
		c.MaxConcurrentSessions = 50
	}
	if c.SessionTimeout <= 0 {
		c.SessionTimeout = 5 * time.Minute
	}
	if c.DrainTimeout <= 0 {
		c.DrainTimeout = 10 * time.Second
	}
	return c
}

// SessionStats is a snapshot of one session's upload counters.
type SessionStats struct {
	State             State
	ChunksSent        uint64
	BytesSent         uint64
	ChunksDiscarded   int
	UploadErrors      uint64
	ConsecutiveErrors int
	AvgUploadLatency  time.Duration
	Buffered          time.Duration
	QueuedChunks      int
	StartedAt         time.Time
	LastActivity      time.Time
}

// Session is one call's audio stream to the carrier. A single uploader
// goroutine, spawned once the carrier accepts streaming_start, drains the
// session buffer in FIFO order; producers only enqueue.
type Session struct {
	callID   string
	buffer   *audio.Buffer
	client   *Client
	bus      *events.Bus
	cfg      StreamConfig
	logger   *slog.Logger
	onClosed func(callID string)

	mu           sync.Mutex
	state        State
	streamID     string
	commandID    string
	paused       chan struct{} // non-nil while paused, closed on resume
	lastActivity time.Time
	startedAt    time.Time
	discarded    int
	chunksSent   uint64
	bytesSent    uint64
	uploadErrors uint64
	consecutive  int
	latencies    []time.Duration

	cancel context.CancelFunc
	done   chan struct{}
}

// CallID returns the call this session streams for.
func (s *Session) CallID() string { return s.callID }

// StreamID returns the carrier-assigned stream ID, empty until started.
func (s *Session) StreamID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.streamID
}

// State returns the session's current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Stats snapshots the session counters.
func (s *Session) Stats() SessionStats {
	s.mu.Lock()
	defer s.mu.Unlock()
	var avg time.Duration
	if len(s.latencies) > 0 {
		var sum time.Duration
		for _, l := range s.latencies {
			sum += l
		}
		avg = sum / time.Duration(len(s.latencies))
	}
	return SessionStats{
		State:             s.state,
		ChunksSent:        s.chunksSent,
		BytesSent:         s.bytesSent,
		ChunksDiscarded:   s.discarded,
		UploadErrors:      s.uploadErrors,
		ConsecutiveErrors: s.consecutive,
		AvgUploadLatency:  avg,
		Buffered:          s.buffer.Buffered(),
		QueuedChunks:      s.buffer.Len(),
		StartedAt:         s.startedAt,
		LastActivity:      s.lastActivity,
	}
}

// Add enqueues a chunk of synthesized audio for upload. Only ready,
// streaming, and paused sessions accept audio; nothing leaves the buffer
// until the session has been started.
func (s *Session) Add(c audio.Chunk) error {
	s.mu.Lock()
	switch s.state {
	case StateReady, StateStreaming, StatePaused:
	default:
		state := s.state
		s.mu.Unlock()
		return fmt.Errorf("carrier: session %s is %s: %w", s.callID, state, tts.ErrSessionTerminated)
	}
	s.lastActivity = time.Now()
	s.mu.Unlock()

	if err := s.buffer.Add(c); err != nil {
		s.bus.Publish(events.Event{
			Type:   events.BufferOverflow,
			CallID: s.callID,
			Bytes:  len(c.Data),
			Err:    err.Error(),
		})
		return err
	}
	return nil
}

// AddWAV decodes a WAV blob into a PCM chunk and enqueues it.
func (s *Session) AddWAV(wav []byte) error {
	chunk, err := audio.FromWAV(wav)
	if err != nil {
		return err
	}
	return s.Add(chunk)
}

// Pause suspends uploads. Queued audio stays buffered.
func (s *Session) Pause() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch s.state {
	case StateStreaming:
		s.state = StatePaused
		s.paused = make(chan struct{})
		return nil
	case StatePaused:
		return nil
	default:
		return fmt.Errorf("carrier: cannot pause session in state %s: %w", s.state, tts.ErrSessionTerminated)
	}
}

// Resume continues uploads from where Pause left off.
func (s *Session) Resume() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch s.state {
	case StatePaused:
		s.state = StateStreaming
		close(s.paused)
		s.paused = nil
		return nil
	case StateStreaming:
		return nil
	default:
		return fmt.Errorf("carrier: cannot resume session in state %s: %w", s.state, tts.ErrSessionTerminated)
	}
}

// Complete drains remaining audio (bounded by the drain timeout), stops the
// carrier stream, and finalises the session. Audio still queued when the
// drain times out is discarded and counted.
func (s *Session) Complete(ctx context.Context) error {
	s.mu.Lock()
	if s.state.terminal() {
		s.mu.Unlock()
		return nil
	}
	if s.state == StatePaused {
		// A paused session would never drain.
		s.state = StateStreaming
		close(s.paused)
		s.paused = nil
	}
	started := s.cancel != nil
	s.mu.Unlock()

	if !started {
		// No uploader exists yet, so waiting would never drain anything.
		n := s.buffer.Clear()
		s.mu.Lock()
		s.discarded += n
		s.mu.Unlock()
	} else if !s.buffer.WaitUntilEmpty(s.cfg.DrainTimeout) {
		n := s.buffer.Clear()
		s.mu.Lock()
		s.discarded += n
		s.mu.Unlock()
		s.logger.Warn("session drain timed out, discarding queued audio",
			"call_id", s.callID, "discarded", n)
	}

	s.stopUploader()

	var stopErr error
	s.mu.Lock()
	streamStarted := s.streamID != ""
	s.state = StateCompleted
	s.mu.Unlock()
	if streamStarted {
		stopErr = s.client.StreamingStop(ctx, s.callID)
	}

	s.bus.Publish(events.Event{
		Type:     events.SessionCompleted,
		CallID:   s.callID,
		Duration: time.Since(s.startedAt),
		Detail:   "completed",
	})
	s.onClosed(s.callID)
	return stopErr
}

// Terminate aborts the session immediately, discarding queued audio.
func (s *Session) Terminate(cause error) {
	s.mu.Lock()
	if s.state.terminal() {
		s.mu.Unlock()
		return
	}
	if s.state == StatePaused {
		close(s.paused)
		s.paused = nil
	}
	if cause != nil {
		s.state = StateError
	} else {
		s.state = StateTerminated
	}
	s.mu.Unlock()

	n := s.buffer.Clear()
	s.mu.Lock()
	s.discarded += n
	s.mu.Unlock()
	s.stopUploader()

	errStr := ""
	if cause != nil {
		errStr = cause.Error()
	}
	s.bus.Publish(events.Event{
		Type:   events.SessionError,
		CallID: s.callID,
		Detail: "terminated",
		Err:    errStr,
	})
	s.onClosed(s.callID)
}

// stopUploader cancels the uploader goroutine and waits for it to exit.
// No-op when the session never reached streaming.
func (s *Session) stopUploader() {
	s.mu.Lock()
	cancel, done := s.cancel, s.done
	s.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}

// uploadLoop is the single consumer of the session buffer. It posts chunks
// in FIFO order, tracks latency, and terminates the session after
// maxConsecutiveErrors failed uploads in a row.
func (s *Session) uploadLoop(ctx context.Context) {
	defer close(s.done)

	for {
		if ctx.Err() != nil {
			return
		}

		s.mu.Lock()
		pausedCh := s.paused
		s.mu.Unlock()
		if pausedCh != nil {
			select {
			case <-ctx.Done():
				return
			case <-pausedCh:
			}
			continue
		}

		chunk, ok := s.buffer.Get()
		if !ok {
			select {
			case <-ctx.Done():
				return
			case <-time.After(5 * time.Millisecond):
			}
			continue
		}

		start := time.Now()
		err := s.client.StreamChunk(ctx, s.callID, s.cfg.ContentType, chunk.Data)
		latency := time.Since(start)

		s.mu.Lock()
		if len(s.latencies) >= latencyWindow {
			s.latencies = s.latencies[1:]
		}
		s.latencies = append(s.latencies, latency)

		if err != nil {
			s.uploadErrors++
			s.consecutive++
			fatal := s.consecutive >= maxConsecutiveErrors
			s.mu.Unlock()

			if errors.Is(err, context.Canceled) {
				return
			}
			s.logger.Warn("chunk upload failed",
				"call_id", s.callID, "consecutive", s.consecutive, "error", err)
			if fatal {
				// Terminate re-enters the session lock; run it off this
				// goroutine since Terminate waits for the uploader to exit.
				go s.Terminate(fmt.Errorf("carrier: %d consecutive upload failures: %w",
					maxConsecutiveErrors, err))
				return
			}
			continue
		}

		s.consecutive = 0
		s.chunksSent++
		s.bytesSent += uint64(len(chunk.Data))
		s.lastActivity = time.Now()
		s.mu.Unlock()

		s.bus.Publish(events.Event{
			Type:     events.ChunkUploaded,
			CallID:   s.callID,
			Duration: latency,
			Bytes:    len(chunk.Data),
		})
	}
}

// Manager owns the streaming sessions, one per active call.
//
// Safe for concurrent use.
type Manager struct {
	client *Client
	bus    *events.Bus
	cfg    StreamConfig
	logger *slog.Logger

	mu       sync.Mutex
	sessions map[string]*Session
}

// NewManager creates a session manager over the given carrier client.
func NewManager(client *Client, bus *events.Bus, cfg StreamConfig, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		client:   client,
		bus:      bus,
		cfg:      cfg.withDefaults(),
		logger:   logger,
		sessions: make(map[string]*Session),
	}
}

// Create registers a new session for callID in the ready state. At most one
// session per call may exist at a time.
func (m *Manager) Create(callID string) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.sessions[callID]; ok {
		return nil, fmt.Errorf("carrier: session for call %s already exists: %w", callID, tts.ErrCarrierRejected)
	}
	if len(m.sessions) >= m.cfg.MaxConcurrentSessions {
		return nil, fmt.Errorf("carrier: %d concurrent sessions: %w",
			m.cfg.MaxConcurrentSessions, tts.ErrPoolExhausted)
	}

	s := &Session{
		callID:       callID,
		buffer:       audio.NewBuffer(m.cfg.BufferChunks, m.cfg.Thresholds),
		client:       m.client,
		bus:          m.bus,
		cfg:          m.cfg,
		logger:       m.logger,
		onClosed:     m.remove,
		state:        StateReady,
		startedAt:    time.Now(),
		lastActivity: time.Now(),
	}
	m.sessions[callID] = s
	return s, nil
}

// Start opens the carrier-side stream, transitions the session to streaming,
// and spawns its uploader. Only a ready session can be started; audio queued
// beforehand begins uploading here.
func (m *Manager) Start(ctx context.Context, callID string) error {
	s, err := m.Get(callID)
	if err != nil {
		return err
	}

	s.mu.Lock()
	if s.state != StateReady {
		state := s.state
		s.mu.Unlock()
		return fmt.Errorf("carrier: cannot start session in state %s: %w", state, tts.ErrSessionTerminated)
	}
	s.mu.Unlock()

	streamID, commandID, err := m.client.StreamingStart(ctx, callID,
		m.cfg.ContentType, m.cfg.SampleRate, m.cfg.Channels)
	if err != nil {
		s.Terminate(err)
		return err
	}

	s.mu.Lock()
	if s.state != StateReady {
		// The session died while the control call was in flight; close the
		// carrier-side stream it just opened.
		state := s.state
		s.mu.Unlock()
		m.client.StreamingStop(ctx, callID)
		return fmt.Errorf("carrier: cannot start session in state %s: %w", state, tts.ErrSessionTerminated)
	}
	s.streamID = streamID
	s.commandID = commandID
	s.state = StateStreaming
	s.startedAt = time.Now()
	s.lastActivity = time.Now()
	upCtx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.done = make(chan struct{})
	go s.uploadLoop(upCtx)
	s.mu.Unlock()

	m.bus.Publish(events.Event{
		Type:   events.SessionStarted,
		CallID: callID,
		Detail: streamID,
	})
	return nil
}

// Get returns the session for callID.
func (m *Manager) Get(callID string) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[callID]
	if !ok {
		return nil, fmt.Errorf("carrier: no session for call %s: %w", callID, tts.ErrSessionNotFound)
	}
	return s, nil
}

// Stats returns per-session stats keyed by call ID.
func (m *Manager) Stats() map[string]SessionStats {
	m.mu.Lock()
	sessions := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		sessions = append(sessions, s)
	}
	m.mu.Unlock()

	out := make(map[string]SessionStats, len(sessions))
	for _, s := range sessions {
		out[s.callID] = s.Stats()
	}
	return out
}

// ActiveSessions returns the number of registered sessions.
func (m *Manager) ActiveSessions() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// RunMaintenance terminates idle sessions at the given interval until ctx is
// cancelled.
func (m *Manager) RunMaintenance(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.reapIdle()
		}
	}
}

// reapIdle terminates sessions with no activity past the session timeout.
func (m *Manager) reapIdle() {
	m.mu.Lock()
	var idle []*Session
	cutoff := time.Now().Add(-m.cfg.SessionTimeout)
	for _, s := range m.sessions {
		s.mu.Lock()
		stale := !s.state.terminal() && s.lastActivity.Before(cutoff)
		s.mu.Unlock()
		if stale {
			idle = append(idle, s)
		}
	}
	m.mu.Unlock()

	for _, s := range idle {
		m.logger.Warn("terminating idle session", "call_id", s.callID)
		s.Terminate(fmt.Errorf("carrier: session idle past %s: %w",
			m.cfg.SessionTimeout, tts.ErrTimeout))
	}
}

// Shutdown completes every open session, draining queued audio.
func (m *Manager) Shutdown(ctx context.Context) {
	m.mu.Lock()
	sessions := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		sessions = append(sessions, s)
	}
	m.mu.Unlock()

	for _, s := range sessions {
		if err := s.Complete(ctx); err != nil {
			m.logger.Warn("session completion failed during shutdown",
				"call_id", s.callID, "error", err)
		}
	}
}

// remove drops a closed session from the registry.
func (m *Manager) remove(callID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sessions, callID)
}

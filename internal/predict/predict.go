// Package predict pre-synthesizes the phrases a call is likely to need next.
// It walks a registered call-flow graph a few steps ahead of the call's
// current position and feeds cache-missing phrases to a small worker pool,
// so that when the dialog reaches them the audio is already cached.
package predict

import (
	"container/heap"
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/voxline-ai/voxline/internal/cache"
	"github.com/voxline-ai/voxline/pkg/tts"
)

// Step is one node of a call-flow graph.
type Step struct {
	// Phrases the agent may speak at this step.
	Phrases []string

	// Transitions maps a condition label to the next step ID.
	Transitions map[string]string

	// Metadata carries optional annotations.
	Metadata map[string]string
}

// Flow is a named call-flow graph.
type Flow struct {
	Name      string
	EntryStep string
	Steps     map[string]Step
}

// validate checks that the entry step and every transition target exist.
func (f Flow) validate() error {
	if f.Name == "" {
		return fmt.Errorf("predict: flow has no name: %w", tts.ErrInvalidInput)
	}
	if _, ok := f.Steps[f.EntryStep]; !ok {
		return fmt.Errorf("predict: flow %q entry step %q not defined: %w",
			f.Name, f.EntryStep, tts.ErrInvalidInput)
	}
	for id, step := range f.Steps {
		for cond, next := range step.Transitions {
			if _, ok := f.Steps[next]; !ok {
				return fmt.Errorf("predict: flow %q step %q transition %q targets unknown step %q: %w",
					f.Name, id, cond, next, tts.ErrInvalidInput)
			}
		}
	}
	return nil
}

// CallState tracks one call's position in its flow.
type CallState struct {
	FlowID      string
	CurrentStep string
	History     []string
	Metadata    map[string]string
}

// Synthesizer generates audio for a prediction task. A [tts.Provider]
// satisfies it directly.
type Synthesizer interface {
	Name() string
	Synthesize(ctx context.Context, req tts.Request) ([]byte, error)
}

// Config tunes the generator. Zero-value fields get defaults.
type Config struct {
	// Depth is how many transition hops ahead to predict, clamped to 1..5.
	// Default: 2.
	Depth int

	// Workers is the generation worker count. Default: 2.
	Workers int

	// Voice and Speed are the defaults used for pre-generated audio.
	Voice string
	Speed float64
}

func (c Config) withDefaults() Config {
	if c.Depth <= 0 {
		c.Depth = 2
	}
	if c.Depth > 5 {
		c.Depth = 5
	}
	if c.Workers <= 0 {
		c.Workers = 2
	}
	if c.Speed <= 0 {
		c.Speed = 1.0
	}
	return c
}

// Stats is a snapshot of the generator counters.
type Stats struct {
	TasksGenerated        uint64
	CacheHits             uint64
	SuccessfulPredictions uint64
	TotalPredictions      uint64
	QueuedTasks           int
	ActiveCalls           int
	AvgGenerationTime     time.Duration
}

// generationWindow bounds the rolling generation time sample.
const generationWindow = 100

// Generator walks call flows and pre-fills the cache.
//
// Safe for concurrent use.
type Generator struct {
	synth  Synthesizer
	cache  *cache.Cache
	cfg    Config
	logger *slog.Logger

	mu       sync.Mutex
	flows    map[string]Flow
	calls    map[string]*CallState
	queue    taskQueue
	inflight map[string]struct{}
	seq      uint64
	wake     chan struct{}

	tasksGenerated  uint64
	cacheHits       uint64
	successful      uint64
	total           uint64
	generationTimes []time.Duration
}

// NewGenerator creates a predictive generator synthesizing through synth and
// storing results in c.
func NewGenerator(synth Synthesizer, c *cache.Cache, cfg Config, logger *slog.Logger) *Generator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Generator{
		synth:    synth,
		cache:    c,
		cfg:      cfg.withDefaults(),
		logger:   logger,
		flows:    make(map[string]Flow),
		calls:    make(map[string]*CallState),
		inflight: make(map[string]struct{}),
		wake:     make(chan struct{}, 1),
	}
}

// RegisterFlow adds or replaces a call-flow graph.
func (g *Generator) RegisterFlow(f Flow) error {
	if err := f.validate(); err != nil {
		return err
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	g.flows[f.Name] = f
	return nil
}

// StartCall creates the call's state at the flow's entry step and predicts
// its first phrases.
func (g *Generator) StartCall(ctx context.Context, callID, flowID string) error {
	g.mu.Lock()
	flow, ok := g.flows[flowID]
	if !ok {
		g.mu.Unlock()
		return fmt.Errorf("predict: unknown flow %q: %w", flowID, tts.ErrInvalidInput)
	}
	g.calls[callID] = &CallState{
		FlowID:      flowID,
		CurrentStep: flow.EntryStep,
		Metadata:    make(map[string]string),
	}
	g.mu.Unlock()

	return g.PredictNextPhrases(ctx, callID)
}

// UpdateStep records the step transition and re-runs prediction from the new
// position.
func (g *Generator) UpdateStep(ctx context.Context, callID, newStep string) error {
	g.mu.Lock()
	state, ok := g.calls[callID]
	if !ok {
		g.mu.Unlock()
		return fmt.Errorf("predict: no state for call %s: %w", callID, tts.ErrSessionNotFound)
	}
	flow := g.flows[state.FlowID]
	if _, ok := flow.Steps[newStep]; !ok {
		g.mu.Unlock()
		return fmt.Errorf("predict: flow %q has no step %q: %w", state.FlowID, newStep, tts.ErrInvalidInput)
	}
	state.History = append(state.History, state.CurrentStep)
	state.CurrentStep = newStep
	g.mu.Unlock()

	return g.PredictNextPhrases(ctx, callID)
}

// EndCall drops the call's state. Queued tasks for its phrases still run;
// their output benefits future calls through the cache.
func (g *Generator) EndCall(callID string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.calls, callID)
}

// State returns a copy of the call's flow state.
func (g *Generator) State(callID string) (CallState, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	state, ok := g.calls[callID]
	if !ok {
		return CallState{}, false
	}
	cp := *state
	cp.History = append([]string(nil), state.History...)
	return cp, true
}

// PredictNextPhrases walks the flow ahead of the call's current step and
// enqueues generation tasks for phrases missing from the cache. The current
// step's phrases get high priority, the next hop medium, everything deeper
// low.
func (g *Generator) PredictNextPhrases(ctx context.Context, callID string) error {
	g.mu.Lock()
	state, ok := g.calls[callID]
	if !ok {
		g.mu.Unlock()
		return fmt.Errorf("predict: no state for call %s: %w", callID, tts.ErrSessionNotFound)
	}
	flow := g.flows[state.FlowID]
	current := state.CurrentStep
	g.mu.Unlock()

	type frontier struct {
		step  string
		depth int
	}
	visited := map[string]bool{current: true}
	stack := []frontier{{step: current, depth: 0}}

	for len(stack) > 0 {
		f := stack[len(stack)-1]
		stack = stack[:len(stack)-1]

		step, ok := flow.Steps[f.step]
		if !ok {
			continue
		}

		var prio Priority
		switch f.depth {
		case 0:
			prio = PriorityHigh
		case 1:
			prio = PriorityMedium
		default:
			prio = PriorityLow
		}
		for _, phrase := range step.Phrases {
			g.enqueue(ctx, phrase, prio)
		}

		if f.depth >= g.cfg.Depth {
			continue
		}
		for _, next := range step.Transitions {
			if !visited[next] {
				visited[next] = true
				stack = append(stack, frontier{step: next, depth: f.depth + 1})
			}
		}
	}
	return nil
}

// enqueue adds one phrase task unless the audio is cached or the same key is
// already queued or generating.
func (g *Generator) enqueue(ctx context.Context, phrase string, prio Priority) {
	key := cache.Key(phrase, g.synth.Name(), g.cfg.Voice, g.cfg.Speed, nil)

	if g.cache.Contains(ctx, key) {
		g.mu.Lock()
		g.cacheHits++
		g.mu.Unlock()
		return
	}

	g.mu.Lock()
	if _, dup := g.inflight[key]; dup {
		g.mu.Unlock()
		return
	}
	g.inflight[key] = struct{}{}
	g.seq++
	heap.Push(&g.queue, &task{key: key, text: phrase, priority: prio, seq: g.seq})
	g.tasksGenerated++
	g.mu.Unlock()

	select {
	case g.wake <- struct{}{}:
	default:
	}
}

// Run executes the worker pool until ctx is cancelled.
func (g *Generator) Run(ctx context.Context) error {
	grp, ctx := errgroup.WithContext(ctx)
	for i := 0; i < g.cfg.Workers; i++ {
		grp.Go(func() error {
			g.worker(ctx)
			return nil
		})
	}
	return grp.Wait()
}

// worker pops tasks by priority and generates their audio. Failures are
// logged, not retried; the next prediction pass re-enqueues missing phrases.
func (g *Generator) worker(ctx context.Context) {
	for {
		g.mu.Lock()
		var t *task
		if g.queue.Len() > 0 {
			t = heap.Pop(&g.queue).(*task)
		}
		g.mu.Unlock()

		if t == nil {
			select {
			case <-ctx.Done():
				return
			case <-g.wake:
			}
			continue
		}

		g.generate(ctx, t)

		if ctx.Err() != nil {
			return
		}
	}
}

// generate runs one task end to end and records its outcome.
func (g *Generator) generate(ctx context.Context, t *task) {
	start := time.Now()
	audio, err := g.synth.Synthesize(ctx, tts.Request{
		Text:  t.text,
		Voice: g.cfg.Voice,
		Speed: g.cfg.Speed,
	})
	elapsed := time.Since(start)

	g.mu.Lock()
	delete(g.inflight, t.key)
	g.total++
	if err == nil {
		g.successful++
		if len(g.generationTimes) >= generationWindow {
			g.generationTimes = g.generationTimes[1:]
		}
		g.generationTimes = append(g.generationTimes, elapsed)
	}
	g.mu.Unlock()

	if err != nil {
		if ctx.Err() == nil {
			g.logger.Warn("prediction generation failed",
				"text_len", len(t.text), "priority", t.priority.String(), "error", err)
		}
		return
	}

	g.cache.Set(ctx, t.key, audio)
	g.logger.Debug("pre-generated phrase",
		"text_len", len(t.text), "priority", t.priority.String(), "took", elapsed)
}

// Stats snapshots the generator counters.
func (g *Generator) Stats() Stats {
	g.mu.Lock()
	defer g.mu.Unlock()

	var avg time.Duration
	if len(g.generationTimes) > 0 {
		var sum time.Duration
		for _, d := range g.generationTimes {
			sum += d
		}
		avg = sum / time.Duration(len(g.generationTimes))
	}
	return Stats{
		TasksGenerated:        g.tasksGenerated,
		CacheHits:             g.cacheHits,
		SuccessfulPredictions: g.successful,
		TotalPredictions:      g.total,
		QueuedTasks:           g.queue.Len(),
		ActiveCalls:           len(g.calls),
		AvgGenerationTime:     avg,
	}
}

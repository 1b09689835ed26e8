package dialog

import "sync"

// TurnState is the lifecycle state of one dialog turn.
type TurnState string

const (
	TurnIdle        TurnState = "idle"
	TurnSpeaking    TurnState = "speaking"
	TurnListening   TurnState = "listening"
	TurnProcessing  TurnState = "processing"
	TurnInterrupted TurnState = "interrupted"
)

// Turn tracks the state machine of one dialog turn and serves its fragments
// in order. A concurrent [Turn.Interrupt] while speaking stops fragment
// emission; the in-flight fragment is allowed to finish so no partial audio
// is cut mid-word.
//
// Safe for concurrent use.
type Turn struct {
	id string

	mu        sync.Mutex
	state     TurnState
	fragments []Fragment
	cursor    int
}

// NewTurn creates an idle turn holding the given fragments.
func NewTurn(id string, fragments []Fragment) *Turn {
	return &Turn{id: id, state: TurnIdle, fragments: fragments}
}

// ID returns the turn identifier.
func (t *Turn) ID() string { return t.id }

// State returns the current turn state.
func (t *Turn) State() TurnState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// SetState transitions the turn to s, except that an interrupted turn stays
// interrupted.
func (t *Turn) SetState(s TurnState) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state == TurnInterrupted {
		return
	}
	t.state = s
}

// Next returns the next fragment to speak. ok is false once all fragments
// are consumed or the turn was interrupted. The first call transitions the
// turn to speaking.
func (t *Turn) Next() (Fragment, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.state == TurnInterrupted || t.cursor >= len(t.fragments) {
		return Fragment{}, false
	}
	t.state = TurnSpeaking
	f := t.fragments[t.cursor]
	t.cursor++
	return f, true
}

// Remaining returns how many fragments have not been served yet.
func (t *Turn) Remaining() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.fragments) - t.cursor
}

// Interrupt transitions a speaking turn to interrupted, stopping further
// fragment emission. Interrupting an idle or finished turn is a no-op.
func (t *Turn) Interrupt() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state == TurnSpeaking || t.state == TurnProcessing {
		t.state = TurnInterrupted
	}
}

// Interrupted reports whether the turn was interrupted.
func (t *Turn) Interrupted() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state == TurnInterrupted
}

// Package dialog splits a dialog turn's text into synthesis fragments with
// natural inter-fragment pauses. The first fragment of a long opening
// sentence is deliberately short so the first audio reaches the caller fast;
// the rest of the turn is fragmented at sentence boundaries, with long
// sentences split further at clause boundaries.
package dialog

import (
	"strings"
	"time"
	"unicode"
)

// Fragment is one synthesis unit of a turn. Immutable once produced.
type Fragment struct {
	// Text is the fragment's text span.
	Text string

	// PauseAfter is the silence inserted after this fragment's audio.
	PauseAfter time.Duration

	// IsFirst and IsLast mark the turn boundaries.
	IsFirst bool
	IsLast  bool

	// TurnID identifies the turn this fragment belongs to.
	TurnID string

	// Index is the fragment's position within the turn, starting at 0.
	Index int
}

// Config holds the fragmenter tuning knobs. Zero-value fields are replaced
// with defaults.
type Config struct {
	// MinFragmentSize is the minimum length of the carved initial fragment.
	// Default: 5.
	MinFragmentSize int

	// InitialFragmentLength is the target length of the initial fragment; a
	// first sentence longer than this gets an early fragment carved out.
	// Default: 15.
	InitialFragmentLength int

	// MaxSentenceLength is the length above which a sentence is split at
	// clause boundaries. Default: 120.
	MaxSentenceLength int

	// InterSentencePause separates sentence fragments. Default: 300ms.
	InterSentencePause time.Duration

	// EndOfTurnPause follows the last fragment. Default: 800ms.
	EndOfTurnPause time.Duration
}

func (c Config) withDefaults() Config {
	if c.MinFragmentSize <= 0 {
		c.MinFragmentSize = 5
	}
	if c.InitialFragmentLength <= 0 {
		c.InitialFragmentLength = 15
	}
	if c.MaxSentenceLength <= 0 {
		c.MaxSentenceLength = 120
	}
	if c.InterSentencePause <= 0 {
		c.InterSentencePause = 300 * time.Millisecond
	}
	if c.EndOfTurnPause <= 0 {
		c.EndOfTurnPause = 800 * time.Millisecond
	}
	return c
}

// clausePauses maps trailing punctuation of a mid-sentence clause fragment
// to its pause.
var clausePauses = map[rune]time.Duration{
	',': 150 * time.Millisecond,
	'.': 300 * time.Millisecond,
	';': 200 * time.Millisecond,
	':': 200 * time.Millisecond,
	'?': 350 * time.Millisecond,
	'!': 350 * time.Millisecond,
	'…': 400 * time.Millisecond,
}

// clauseBreakWords are conjunction/preposition boundaries an over-long
// clause may be split before.
var clauseBreakWords = []string{
	"and", "but", "or", "because", "so", "while", "although",
	"with", "without", "before", "after",
}

// Fragmenter produces fragments deterministically from (text, urgency) and
// its configuration. Safe for concurrent use; it carries no mutable state.
type Fragmenter struct {
	cfg Config
}

// NewFragmenter creates a fragmenter with the given configuration.
func NewFragmenter(cfg Config) *Fragmenter {
	return &Fragmenter{cfg: cfg.withDefaults()}
}

// Fragment splits text into an ordered fragment sequence. urgency in [0,1]
// scales every pause by (1 - urgency); at urgency ≥ 0.8 the initial-fragment
// carve-out is skipped entirely. The concatenated fragment texts equal the
// input modulo whitespace normalisation.
func (f *Fragmenter) Fragment(text, turnID string, urgency float64) []Fragment {
	if urgency < 0 {
		urgency = 0
	}
	if urgency > 1 {
		urgency = 1
	}

	text = normalizeSpace(text)
	if text == "" {
		return nil
	}

	var pieces []piece

	sentences := splitSentences(text)

	// Carve a short initial fragment when the opening sentence would delay
	// first audio. A first sentence at or under the target length is already
	// a fast first fragment.
	if len(sentences) > 0 && urgency < 0.8 &&
		len(sentences[0]) > f.cfg.InitialFragmentLength {
		initial, rest := f.carveInitial(sentences[0])
		if initial != "" {
			pieces = append(pieces, piece{text: initial, initial: true})
			if rest != "" {
				sentences[0] = rest
			} else {
				sentences = sentences[1:]
			}
		}
	}

	for _, s := range sentences {
		if len(s) > f.cfg.MaxSentenceLength {
			clauses := f.splitClauses(s)
			for i, cl := range clauses {
				pieces = append(pieces, piece{text: cl, clause: i < len(clauses)-1})
			}
		} else {
			pieces = append(pieces, piece{text: s})
		}
	}

	scale := 1 - urgency
	fragments := make([]Fragment, 0, len(pieces))
	for i, pc := range pieces {
		last := i == len(pieces)-1
		var pause time.Duration
		switch {
		case last:
			pause = f.cfg.EndOfTurnPause
		case pc.initial:
			pause = 0
		case pc.clause:
			pause = f.clausePause(pc.text)
		default:
			pause = f.cfg.InterSentencePause
		}

		fragments = append(fragments, Fragment{
			Text:       pc.text,
			PauseAfter: time.Duration(float64(pause) * scale),
			IsFirst:    i == 0,
			IsLast:     last,
			TurnID:     turnID,
			Index:      i,
		})
	}
	return fragments
}

// piece is an intermediate fragment before pause assignment.
type piece struct {
	text    string
	initial bool // carved initial fragment
	clause  bool // non-final clause of an over-long sentence
}

// carveInitial extracts the shortest useful prefix of the opening sentence:
// preferably ending at a punctuation mark at or past MinFragmentSize, else at
// the first word boundary at or past InitialFragmentLength.
func (f *Fragmenter) carveInitial(sentence string) (initial, rest string) {
	runes := []rune(sentence)

	for i, r := range runes {
		if _, ok := clausePauses[r]; ok && i+1 >= f.cfg.MinFragmentSize {
			return strings.TrimSpace(string(runes[:i+1])),
				strings.TrimSpace(string(runes[i+1:]))
		}
	}
	for i := f.cfg.InitialFragmentLength; i < len(runes); i++ {
		if unicode.IsSpace(runes[i]) {
			return strings.TrimSpace(string(runes[:i])),
				strings.TrimSpace(string(runes[i:]))
		}
	}
	return sentence, ""
}

// splitClauses breaks an over-long sentence at punctuation clause boundaries
// first, then before conjunctions when still too long.
func (f *Fragmenter) splitClauses(sentence string) []string {
	var clauses []string
	start := 0
	runes := []rune(sentence)
	for i, r := range runes {
		if (r == ',' || r == ';' || r == ':') && i+1 < len(runes) && unicode.IsSpace(runes[i+1]) {
			clauses = append(clauses, strings.TrimSpace(string(runes[start:i+1])))
			start = i + 1
		}
	}
	if start < len(runes) {
		clauses = append(clauses, strings.TrimSpace(string(runes[start:])))
	}

	var out []string
	for _, cl := range clauses {
		if len(cl) > f.cfg.MaxSentenceLength {
			out = append(out, f.splitAtConjunction(cl)...)
		} else if cl != "" {
			out = append(out, cl)
		}
	}
	return out
}

// splitAtConjunction splits a clause before the conjunction nearest its
// midpoint, or returns it whole when no break word is found.
func (f *Fragmenter) splitAtConjunction(clause string) []string {
	words := strings.Fields(clause)
	mid := len(words) / 2
	best := -1
	bestDist := len(words)

	for i := 1; i < len(words); i++ {
		for _, bw := range clauseBreakWords {
			if strings.EqualFold(words[i], bw) {
				dist := i - mid
				if dist < 0 {
					dist = -dist
				}
				if dist < bestDist {
					best, bestDist = i, dist
				}
			}
		}
	}
	if best <= 0 {
		return []string{clause}
	}
	return []string{
		strings.Join(words[:best], " "),
		strings.Join(words[best:], " "),
	}
}

// clausePause returns the pause for a non-final clause fragment based on its
// trailing punctuation, defaulting to the inter-sentence pause.
func (f *Fragmenter) clausePause(text string) time.Duration {
	runes := []rune(text)
	if len(runes) == 0 {
		return f.cfg.InterSentencePause
	}
	if p, ok := clausePauses[runes[len(runes)-1]]; ok {
		return p
	}
	return f.cfg.InterSentencePause
}

// splitSentences tokenises text into sentences: split on .!?… followed by
// whitespace, keeping the punctuation with the sentence.
func splitSentences(text string) []string {
	var out []string
	runes := []rune(text)
	start := 0
	for i := 0; i < len(runes); i++ {
		switch runes[i] {
		case '.', '!', '?', '…':
			// Consume runs like "?!" or "..." as one terminator.
			j := i
			for j+1 < len(runes) && isTerminator(runes[j+1]) {
				j++
			}
			if j+1 >= len(runes) || unicode.IsSpace(runes[j+1]) {
				s := strings.TrimSpace(string(runes[start : j+1]))
				if s != "" {
					out = append(out, s)
				}
				start = j + 1
			}
			i = j
		}
	}
	if start < len(runes) {
		if s := strings.TrimSpace(string(runes[start:])); s != "" {
			out = append(out, s)
		}
	}
	return out
}

func isTerminator(r rune) bool {
	return r == '.' || r == '!' || r == '?' || r == '…'
}

// normalizeSpace collapses all whitespace runs to single spaces.
func normalizeSpace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

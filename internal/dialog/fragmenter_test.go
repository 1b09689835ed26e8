package dialog

import (
	"strings"
	"testing"
	"time"
)

func TestFragment_ShortSentences(t *testing.T) {
	f := NewFragmenter(Config{})
	frags := f.Fragment("Hello there. How are you doing today? I hope so!", "turn-1", 0)

	wantTexts := []string{"Hello there.", "How are you doing today?", "I hope so!"}
	wantPauses := []time.Duration{300 * time.Millisecond, 300 * time.Millisecond, 800 * time.Millisecond}

	if len(frags) != len(wantTexts) {
		t.Fatalf("got %d fragments, want %d: %+v", len(frags), len(wantTexts), frags)
	}
	for i, fr := range frags {
		if fr.Text != wantTexts[i] {
			t.Errorf("fragment %d text = %q, want %q", i, fr.Text, wantTexts[i])
		}
		if fr.PauseAfter != wantPauses[i] {
			t.Errorf("fragment %d pause = %v, want %v", i, fr.PauseAfter, wantPauses[i])
		}
		if fr.Index != i {
			t.Errorf("fragment %d index = %d", i, fr.Index)
		}
		if fr.TurnID != "turn-1" {
			t.Errorf("fragment %d turn = %q", i, fr.TurnID)
		}
	}
	if !frags[0].IsFirst || frags[0].IsLast {
		t.Error("first fragment flags wrong")
	}
	if !frags[len(frags)-1].IsLast {
		t.Error("last fragment should be marked IsLast")
	}
}

func TestFragment_CarvesInitialFragment(t *testing.T) {
	f := NewFragmenter(Config{})
	frags := f.Fragment("Sure thing, we can absolutely help you with that.", "t", 0)

	if len(frags) != 2 {
		t.Fatalf("got %d fragments, want 2: %+v", len(frags), frags)
	}
	if frags[0].Text != "Sure thing," {
		t.Errorf("initial fragment = %q, want the carved prefix", frags[0].Text)
	}
	if frags[0].PauseAfter != 0 {
		t.Errorf("initial fragment pause = %v, want 0", frags[0].PauseAfter)
	}
	if frags[1].Text != "we can absolutely help you with that." {
		t.Errorf("rest = %q", frags[1].Text)
	}
	if frags[1].PauseAfter != 800*time.Millisecond {
		t.Errorf("final pause = %v, want 800ms", frags[1].PauseAfter)
	}
}

func TestFragment_UrgencyScalesPauses(t *testing.T) {
	f := NewFragmenter(Config{})
	frags := f.Fragment("Hello there. How are you doing today? I hope so!", "t", 0.5)

	wantPauses := []time.Duration{150 * time.Millisecond, 150 * time.Millisecond, 400 * time.Millisecond}
	if len(frags) != 3 {
		t.Fatalf("got %d fragments, want 3", len(frags))
	}
	for i, fr := range frags {
		if fr.PauseAfter != wantPauses[i] {
			t.Errorf("fragment %d pause = %v, want %v", i, fr.PauseAfter, wantPauses[i])
		}
	}
}

func TestFragment_HighUrgencySkipsCarveAndPauses(t *testing.T) {
	f := NewFragmenter(Config{})
	frags := f.Fragment("Sure thing, we can absolutely help you with that.", "t", 1)

	if len(frags) != 1 {
		t.Fatalf("got %d fragments, want 1 (no carve-out at full urgency): %+v", len(frags), frags)
	}
	if frags[0].PauseAfter != 0 {
		t.Errorf("pause = %v, want 0 at full urgency", frags[0].PauseAfter)
	}
}

func TestFragment_LongSentenceSplitsAtClauses(t *testing.T) {
	f := NewFragmenter(Config{InitialFragmentLength: 500}) // suppress the carve-out
	long := "We received your order yesterday afternoon, the warehouse confirmed availability this morning, " +
		"and the package will be handed to the courier before the end of the business day tomorrow."

	frags := f.Fragment(long, "t", 0)
	if len(frags) < 3 {
		t.Fatalf("got %d fragments, want clause splits: %+v", len(frags), frags)
	}

	// Mid-clause fragments ending in a comma get the comma pause.
	if !strings.HasSuffix(frags[0].Text, ",") {
		t.Errorf("first clause = %q, want trailing comma", frags[0].Text)
	}
	if frags[0].PauseAfter != 150*time.Millisecond {
		t.Errorf("comma clause pause = %v, want 150ms", frags[0].PauseAfter)
	}
	if frags[len(frags)-1].PauseAfter != 800*time.Millisecond {
		t.Errorf("final pause = %v, want 800ms", frags[len(frags)-1].PauseAfter)
	}
}

func TestFragment_TextPreserved(t *testing.T) {
	f := NewFragmenter(Config{})
	in := "Hello there.   How are\nyou doing today? I hope so!"
	frags := f.Fragment(in, "t", 0)

	var joined []string
	for _, fr := range frags {
		joined = append(joined, fr.Text)
	}
	got := strings.Join(joined, " ")
	want := "Hello there. How are you doing today? I hope so!"
	if got != want {
		t.Errorf("concatenated fragments = %q, want %q", got, want)
	}
}

func TestFragment_EmptyInput(t *testing.T) {
	f := NewFragmenter(Config{})
	if frags := f.Fragment("   \n\t ", "t", 0); frags != nil {
		t.Errorf("whitespace input produced fragments: %+v", frags)
	}
}

func TestFragment_EllipsisAndRunTerminators(t *testing.T) {
	f := NewFragmenter(Config{})
	frags := f.Fragment("Wait… Really?! That is great news.", "t", 0.9)

	wantTexts := []string{"Wait…", "Really?!", "That is great news."}
	if len(frags) != len(wantTexts) {
		t.Fatalf("got %d fragments, want %d: %+v", len(frags), len(wantTexts), frags)
	}
	for i, fr := range frags {
		if fr.Text != wantTexts[i] {
			t.Errorf("fragment %d = %q, want %q", i, fr.Text, wantTexts[i])
		}
	}
}

func TestSplitSentences_NoTrailingTerminator(t *testing.T) {
	got := splitSentences("First one. And a trailing remainder")
	if len(got) != 2 || got[1] != "And a trailing remainder" {
		t.Errorf("splitSentences = %v", got)
	}
}

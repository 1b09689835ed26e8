package elevenlabs

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/voxline-ai/voxline/pkg/tts"
)

func TestNew_RequiresAPIKey(t *testing.T) {
	if _, err := New(""); err == nil {
		t.Error("New with empty API key should fail")
	}
}

func TestSynthesize(t *testing.T) {
	var gotPath, gotKey string
	var gotBody synthesisRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotKey = r.Header.Get("xi-api-key")
		json.NewDecoder(r.Body).Decode(&gotBody)
		w.Write([]byte("pcm-bytes"))
	}))
	defer srv.Close()

	p, err := New("key-1", WithBaseURL(srv.URL), WithModel("eleven_turbo_v2"))
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	audio, err := p.Synthesize(context.Background(), tts.Request{Text: "Hello.", Voice: "rachel", Speed: 1.2})
	if err != nil {
		t.Fatalf("Synthesize: %v", err)
	}
	if string(audio) != "pcm-bytes" {
		t.Errorf("audio = %q", audio)
	}
	if gotPath != "/v1/text-to-speech/rachel" {
		t.Errorf("path = %q", gotPath)
	}
	if gotKey != "key-1" {
		t.Errorf("api key header = %q", gotKey)
	}
	if gotBody.Text != "Hello." || gotBody.ModelID != "eleven_turbo_v2" {
		t.Errorf("body = %+v", gotBody)
	}
	if gotBody.VoiceSettings == nil || gotBody.VoiceSettings.Speed != 1.2 {
		t.Errorf("voice settings = %+v", gotBody.VoiceSettings)
	}
}

func TestSynthesize_ModelOverrideExtra(t *testing.T) {
	var gotBody synthesisRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewDecoder(r.Body).Decode(&gotBody)
		w.Write([]byte("x"))
	}))
	defer srv.Close()

	p, _ := New("k", WithBaseURL(srv.URL))
	p.Synthesize(context.Background(), tts.Request{
		Text: "Hi.", Voice: "v",
		Extras: map[string]string{"model_id": "eleven_multilingual_v2"},
	})
	if gotBody.ModelID != "eleven_multilingual_v2" {
		t.Errorf("model_id = %q, want the extras override", gotBody.ModelID)
	}
}

func TestSynthesize_InputValidation(t *testing.T) {
	p, _ := New("k")
	if _, err := p.Synthesize(context.Background(), tts.Request{Voice: "v"}); !errors.Is(err, tts.ErrInvalidInput) {
		t.Errorf("empty text err = %v, want ErrInvalidInput", err)
	}
	if _, err := p.Synthesize(context.Background(), tts.Request{Text: "hi"}); !errors.Is(err, tts.ErrInvalidInput) {
		t.Errorf("empty voice err = %v, want ErrInvalidInput", err)
	}
}

func TestSynthesize_StatusMapping(t *testing.T) {
	cases := []struct {
		status int
		want   error
	}{
		{http.StatusTooManyRequests, tts.ErrRateLimited},
		{http.StatusRequestTimeout, tts.ErrTimeout},
		{http.StatusInternalServerError, tts.ErrProviderUnavailable},
		{http.StatusUnauthorized, tts.ErrInvalidInput},
	}
	for _, tc := range cases {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(tc.status)
		}))
		p, _ := New("k", WithBaseURL(srv.URL))
		_, err := p.Synthesize(context.Background(), tts.Request{Text: "hi", Voice: "v"})
		if !errors.Is(err, tc.want) {
			t.Errorf("status %d: err = %v, want %v", tc.status, err, tc.want)
		}
		srv.Close()
	}
}

func TestSynthesizeStream_ChunksBody(t *testing.T) {
	payload := make([]byte, streamChunkSize+100)
	for i := range payload {
		payload[i] = byte(i)
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/text-to-speech/v/stream" {
			t.Errorf("path = %q", r.URL.Path)
		}
		w.Write(payload)
	}))
	defer srv.Close()

	p, _ := New("k", WithBaseURL(srv.URL))
	ch, err := p.SynthesizeStream(context.Background(), tts.Request{Text: "hi", Voice: "v"})
	if err != nil {
		t.Fatalf("SynthesizeStream: %v", err)
	}

	var got []byte
	chunks := 0
	for c := range ch {
		got = append(got, c...)
		chunks++
	}
	if chunks != 2 {
		t.Errorf("chunks = %d, want 2", chunks)
	}
	if len(got) != len(payload) {
		t.Errorf("reassembled %d bytes, want %d", len(got), len(payload))
	}
}

func TestListVoices(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/voices" {
			t.Errorf("path = %q", r.URL.Path)
		}
		io.WriteString(w, `{"voices":[
			{"voice_id":"r1","name":"Rachel","category":"premade","labels":{"accent":"american"}},
			{"voice_id":"a1","name":"Adam"}
		]}`)
	}))
	defer srv.Close()

	p, _ := New("k", WithBaseURL(srv.URL))
	voices, err := p.ListVoices(context.Background())
	if err != nil {
		t.Fatalf("ListVoices: %v", err)
	}
	if len(voices) != 2 {
		t.Fatalf("got %d voices, want 2", len(voices))
	}
	if voices[0].ID != "r1" || voices[0].Name != "Rachel" {
		t.Errorf("voice 0 = %+v", voices[0])
	}
	if voices[0].Metadata["category"] != "premade" || voices[0].Metadata["accent"] != "american" {
		t.Errorf("voice 0 metadata = %v", voices[0].Metadata)
	}

	ok, err := p.HasVoice(context.Background(), "a1")
	if err != nil || !ok {
		t.Errorf("HasVoice(a1) = %v/%v, want true", ok, err)
	}
	ok, _ = p.HasVoice(context.Background(), "nope")
	if ok {
		t.Error("HasVoice should miss on an unknown ID")
	}
}

func TestHealthCheck(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, `{"voices":[]}`)
	}))
	defer srv.Close()

	p, _ := New("k", WithBaseURL(srv.URL))
	if status := p.HealthCheck(context.Background()); !status.Healthy() {
		t.Errorf("status = %+v, want healthy", status)
	}

	srv.Close()
	if status := p.HealthCheck(context.Background()); status.Healthy() {
		t.Error("unreachable server should report unhealthy")
	}
}

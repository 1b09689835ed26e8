package carrier

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/voxline-ai/voxline/pkg/tts"
)

func TestClient_StreamingStart(t *testing.T) {
	var gotPath, gotAuth, gotContentType string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotAuth = r.Header.Get("Authorization")
		gotContentType = r.Header.Get("Content-Type")
		io.WriteString(w, `{"data":{"stream_id":"stream-9"}}`)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "secret")
	streamID, commandID, err := c.StreamingStart(context.Background(), "call-1", "audio/l16;rate=8000", 8000, 1)
	if err != nil {
		t.Fatalf("StreamingStart: %v", err)
	}
	if streamID != "stream-9" {
		t.Errorf("streamID = %q, want stream-9", streamID)
	}
	if commandID == "" {
		t.Error("commandID should be generated")
	}
	if gotPath != "/v2/calls/call-1/actions/streaming_start" {
		t.Errorf("path = %q", gotPath)
	}
	if gotAuth != "Bearer secret" {
		t.Errorf("auth header = %q", gotAuth)
	}
	if gotContentType != "application/json" {
		t.Errorf("content type = %q", gotContentType)
	}
}

func TestClient_RetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "k", WithRetry(3, 1.01))
	if err := c.StreamingStop(context.Background(), "call-1"); err != nil {
		t.Fatalf("StreamingStop should succeed on the third attempt: %v", err)
	}
	if got := calls.Load(); got != 3 {
		t.Errorf("server saw %d requests, want 3", got)
	}
}

func TestClient_ChunkPostDoesNotRetryServerErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "k", WithRetry(3, 1.01))
	err := c.StreamChunk(context.Background(), "call-1", "audio/l16;rate=8000", []byte("pcm"))
	if !errors.Is(err, tts.ErrProviderUnavailable) {
		t.Errorf("err = %v, want ErrProviderUnavailable", err)
	}
	if got := calls.Load(); got != 1 {
		t.Errorf("server saw %d requests, want 1 (no replayed chunk)", got)
	}
}

func TestClient_ClientErrorIsRejectedWithoutRetry(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusUnprocessableEntity)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "k", WithRetry(3, 1.01))
	err := c.PlayAudio(context.Background(), "call-1", "https://cdn/x.wav")
	if !errors.Is(err, tts.ErrCarrierRejected) {
		t.Errorf("err = %v, want ErrCarrierRejected", err)
	}
	if got := calls.Load(); got != 1 {
		t.Errorf("server saw %d requests, want 1", got)
	}
}

func TestClient_RateLimitRetriedThenSurfaced(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "k", WithRetry(2, 1.01))
	err := c.Hangup(context.Background(), "call-1")
	if !errors.Is(err, tts.ErrRateLimited) {
		t.Errorf("err = %v, want ErrRateLimited", err)
	}
	if got := calls.Load(); got != 2 {
		t.Errorf("server saw %d requests, want 2", got)
	}
}

func TestClient_UploadMedia(t *testing.T) {
	var putBody []byte
	var putContentType string
	mux := http.NewServeMux()
	srv := httptest.NewServer(mux)
	defer srv.Close()

	mux.HandleFunc("POST /v2/media", func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, `{"data":{"id":"m1","public_url":"`+srv.URL+`/public/m1","upload_url":"`+srv.URL+`/upload/m1"}}`)
	})
	mux.HandleFunc("PUT /upload/m1", func(w http.ResponseWriter, r *http.Request) {
		putBody, _ = io.ReadAll(r.Body)
		putContentType = r.Header.Get("Content-Type")
	})

	c := NewClient(srv.URL, "k")
	media, err := c.UploadMedia(context.Background(), "greeting.wav", "audio/wav", []byte("RIFF..."))
	if err != nil {
		t.Fatalf("UploadMedia: %v", err)
	}
	if media.ID != "m1" || media.PublicURL != srv.URL+"/public/m1" {
		t.Errorf("media = %+v", media)
	}
	if string(putBody) != "RIFF..." {
		t.Errorf("uploaded body = %q", putBody)
	}
	if putContentType != "audio/wav" {
		t.Errorf("upload content type = %q", putContentType)
	}
}

func TestClient_UploadMediaMissingUploadURL(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, `{"data":{"id":"m1"}}`)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "k")
	_, err := c.UploadMedia(context.Background(), "x", "audio/wav", nil)
	if !errors.Is(err, tts.ErrCarrierRejected) {
		t.Errorf("err = %v, want ErrCarrierRejected", err)
	}
}

func TestClient_BreakerOpensAfterRepeatedFailures(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "k", WithRetry(1, 1.01))
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		if err := c.StreamingStop(ctx, "call-1"); err == nil {
			t.Fatalf("call %d should fail", i)
		}
	}
	if got := calls.Load(); got != 5 {
		t.Fatalf("server saw %d requests, want 5", got)
	}

	// The breaker is now open: the next control-plane call fails fast.
	err := c.StreamingStop(ctx, "call-1")
	if !errors.Is(err, tts.ErrProviderUnavailable) {
		t.Errorf("err = %v, want ErrProviderUnavailable", err)
	}
	if got := calls.Load(); got != 5 {
		t.Errorf("server saw %d requests after the breaker opened, want still 5", got)
	}

	// Chunk posts bypass the breaker.
	c.StreamChunk(ctx, "call-1", "audio/l16;rate=8000", []byte("pcm"))
	if got := calls.Load(); got != 6 {
		t.Errorf("chunk post should still reach the carrier, requests = %d", got)
	}
}

package app

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/voxline-ai/voxline/internal/engine"
	"github.com/voxline-ai/voxline/internal/events"
	"github.com/voxline-ai/voxline/internal/quality"
	"github.com/voxline-ai/voxline/pkg/tts"
)

// synthesizeRequest is the JSON body shared by the synthesis endpoints.
type synthesizeRequest struct {
	Text    string            `json:"text"`
	Voice   string            `json:"voice,omitempty"`
	Speed   float64           `json:"speed,omitempty"`
	Extras  map[string]string `json:"extras,omitempty"`
	NoCache bool              `json:"no_cache,omitempty"`
	Urgency float64           `json:"urgency,omitempty"`
	TurnID  string            `json:"turn_id,omitempty"`
	Style   string            `json:"style,omitempty"`
	Name    string            `json:"name,omitempty"`
	CallID  string            `json:"call_id,omitempty"`
}

func (r synthesizeRequest) options() engine.Options {
	return engine.Options{
		Voice:   r.Voice,
		Speed:   r.Speed,
		Extras:  r.Extras,
		NoCache: r.NoCache,
		Urgency: r.Urgency,
		TurnID:  r.TurnID,
	}
}

// registerRoutes attaches the control API used by the call state machine.
func (a *App) registerRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /v1/synthesize", a.handleSynthesize)
	mux.HandleFunc("POST /v1/synthesize/stream", a.handleSynthesizeStream)
	mux.HandleFunc("POST /v1/synthesize/dialog", a.handleSynthesizeDialog)
	mux.HandleFunc("POST /v1/synthesize/style", a.handleSynthesizeStyle)
	mux.HandleFunc("POST /v1/synthesize/upload", a.handleSynthesizeUpload)
	mux.HandleFunc("POST /v1/provider", a.handleChangeProvider)
	mux.HandleFunc("POST /v1/cache/clear", a.handleClearCache)
	mux.HandleFunc("GET /v1/health", a.handleHealth)
	mux.HandleFunc("GET /v1/stats", a.handleStats)

	// Carrier streaming session lifecycle.
	mux.HandleFunc("POST /v1/calls/{call_id}/session", a.handleSessionCreate)
	mux.HandleFunc("POST /v1/calls/{call_id}/session/start", a.handleSessionStart)
	mux.HandleFunc("POST /v1/calls/{call_id}/session/audio", a.handleSessionAudio)
	mux.HandleFunc("POST /v1/calls/{call_id}/session/pause", a.handleSessionPause)
	mux.HandleFunc("POST /v1/calls/{call_id}/session/resume", a.handleSessionResume)
	mux.HandleFunc("POST /v1/calls/{call_id}/session/complete", a.handleSessionComplete)
	mux.HandleFunc("DELETE /v1/calls/{call_id}/session", a.handleSessionTerminate)

	// Call quality monitoring.
	mux.HandleFunc("POST /v1/calls/{call_id}/monitoring/start", a.handleMonitorStart)
	mux.HandleFunc("POST /v1/calls/{call_id}/monitoring/end", a.handleMonitorEnd)
	mux.HandleFunc("POST /v1/calls/{call_id}/monitoring/error", a.handleMonitorError)
	mux.HandleFunc("POST /v1/calls/{call_id}/phases/start", a.handlePhaseStart)
	mux.HandleFunc("POST /v1/calls/{call_id}/phases/end", a.handlePhaseEnd)
	mux.HandleFunc("GET /v1/quality/report", a.handleQualityReport)

	// Predictive generation.
	if a.predict != nil {
		mux.HandleFunc("POST /v1/calls/{call_id}/flow/start", a.handleFlowStart)
		mux.HandleFunc("POST /v1/calls/{call_id}/flow/step", a.handleFlowStep)
		mux.HandleFunc("DELETE /v1/calls/{call_id}/flow", a.handleFlowEnd)
	}
}

// decodeSynthesize parses the shared request body.
func decodeSynthesize(w http.ResponseWriter, r *http.Request) (synthesizeRequest, bool) {
	var req synthesizeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpError(w, errors.Join(tts.ErrInvalidInput, err))
		return req, false
	}
	return req, true
}

func (a *App) handleSynthesize(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeSynthesize(w, r)
	if !ok {
		return
	}
	ctx := events.WithCallID(r.Context(), req.CallID)

	audio, err := a.engine.Synthesize(ctx, req.Text, req.options())
	if err != nil {
		httpError(w, err)
		return
	}
	w.Header().Set("Content-Type", "audio/wav")
	w.Write(audio)
}

func (a *App) handleSynthesizeStream(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeSynthesize(w, r)
	if !ok {
		return
	}
	ctx := events.WithCallID(r.Context(), req.CallID)

	ch, err := a.engine.SynthesizeStream(ctx, req.Text, req.options())
	if err != nil {
		httpError(w, err)
		return
	}
	streamChunks(w, ch)
}

func (a *App) handleSynthesizeDialog(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeSynthesize(w, r)
	if !ok {
		return
	}
	ctx := events.WithCallID(r.Context(), req.CallID)

	ch, err := a.engine.SynthesizeDialogStream(ctx, req.Text, req.options())
	if err != nil {
		httpError(w, err)
		return
	}
	streamChunks(w, ch)
}

// streamChunks writes binary chunks as they arrive, flushing after each so
// the caller hears audio before the turn finishes.
func streamChunks(w http.ResponseWriter, ch <-chan []byte) {
	w.Header().Set("Content-Type", "application/octet-stream")
	flusher, _ := w.(http.Flusher)
	for chunk := range ch {
		if _, err := w.Write(chunk); err != nil {
			return
		}
		if flusher != nil {
			flusher.Flush()
		}
	}
}

func (a *App) handleSynthesizeStyle(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeSynthesize(w, r)
	if !ok {
		return
	}
	ctx := events.WithCallID(r.Context(), req.CallID)

	audio, err := a.engine.SynthesizeWithStyle(ctx, req.Text, req.Style, req.Speed)
	if err != nil {
		httpError(w, err)
		return
	}
	w.Header().Set("Content-Type", "audio/wav")
	w.Write(audio)
}

func (a *App) handleSynthesizeUpload(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeSynthesize(w, r)
	if !ok {
		return
	}
	ctx := events.WithCallID(r.Context(), req.CallID)

	media, err := a.engine.SynthesizeAndUpload(ctx, req.Text, req.Name, req.options())
	if err != nil {
		httpError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, media)
}

func (a *App) handleChangeProvider(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name string `json:"name"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpError(w, errors.Join(tts.ErrInvalidInput, err))
		return
	}
	if !a.engine.ChangeProvider(req.Name) {
		httpError(w, tts.ErrInvalidInput)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"provider": req.Name})
}

func (a *App) handleClearCache(w http.ResponseWriter, r *http.Request) {
	a.engine.ClearCache(r.Context())
	w.WriteHeader(http.StatusNoContent)
}

func (a *App) handleHealth(w http.ResponseWriter, r *http.Request) {
	h := a.engine.Health(r.Context())
	resp := map[string]any{
		"current_provider": h.CurrentProvider,
		"providers":        h.Providers,
	}
	tiers := make(map[string]string, len(h.CacheTiers))
	for name, err := range h.CacheTiers {
		if err != nil {
			tiers[name] = err.Error()
		} else {
			tiers[name] = "ok"
		}
	}
	resp["cache_tiers"] = tiers
	if a.streams != nil {
		resp["active_sessions"] = a.streams.ActiveSessions()
	}
	writeJSON(w, http.StatusOK, resp)
}

func (a *App) handleStats(w http.ResponseWriter, r *http.Request) {
	stats := map[string]any{
		"cache": a.cache.Stats(),
		"pools": a.pools.Stats(),
	}
	if a.streams != nil {
		stats["sessions"] = a.streams.Stats()
	}
	if a.predict != nil {
		stats["prediction"] = a.predict.Stats()
	}
	writeJSON(w, http.StatusOK, stats)
}

// --- Carrier streaming session handlers ---

func (a *App) requireStreams(w http.ResponseWriter) bool {
	if a.streams == nil {
		httpError(w, tts.ErrCarrierRejected)
		return false
	}
	return true
}

func (a *App) handleSessionCreate(w http.ResponseWriter, r *http.Request) {
	if !a.requireStreams(w) {
		return
	}
	s, err := a.streams.Create(r.PathValue("call_id"))
	if err != nil {
		httpError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{
		"call_id": s.CallID(),
		"state":   string(s.State()),
	})
}

func (a *App) handleSessionStart(w http.ResponseWriter, r *http.Request) {
	if !a.requireStreams(w) {
		return
	}
	if err := a.streams.Start(r.Context(), r.PathValue("call_id")); err != nil {
		httpError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *App) handleSessionAudio(w http.ResponseWriter, r *http.Request) {
	if !a.requireStreams(w) {
		return
	}
	s, err := a.streams.Get(r.PathValue("call_id"))
	if err != nil {
		httpError(w, err)
		return
	}
	wav, err := io.ReadAll(r.Body)
	if err != nil {
		httpError(w, errors.Join(tts.ErrInvalidInput, err))
		return
	}
	if err := s.AddWAV(wav); err != nil {
		httpError(w, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (a *App) sessionAction(w http.ResponseWriter, r *http.Request, action func(s sessionControl) error) {
	if !a.requireStreams(w) {
		return
	}
	s, err := a.streams.Get(r.PathValue("call_id"))
	if err != nil {
		httpError(w, err)
		return
	}
	if err := action(s); err != nil {
		httpError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// sessionControl is the slice of the session surface the action handlers
// need.
type sessionControl interface {
	Pause() error
	Resume() error
}

func (a *App) handleSessionPause(w http.ResponseWriter, r *http.Request) {
	a.sessionAction(w, r, func(s sessionControl) error { return s.Pause() })
}

func (a *App) handleSessionResume(w http.ResponseWriter, r *http.Request) {
	a.sessionAction(w, r, func(s sessionControl) error { return s.Resume() })
}

func (a *App) handleSessionComplete(w http.ResponseWriter, r *http.Request) {
	if !a.requireStreams(w) {
		return
	}
	s, err := a.streams.Get(r.PathValue("call_id"))
	if err != nil {
		httpError(w, err)
		return
	}
	if err := s.Complete(r.Context()); err != nil {
		httpError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *App) handleSessionTerminate(w http.ResponseWriter, r *http.Request) {
	if !a.requireStreams(w) {
		return
	}
	s, err := a.streams.Get(r.PathValue("call_id"))
	if err != nil {
		httpError(w, err)
		return
	}
	s.Terminate(nil)
	w.WriteHeader(http.StatusNoContent)
}

// --- Call quality handlers ---

func (a *App) handleMonitorStart(w http.ResponseWriter, r *http.Request) {
	a.quality.StartCallMonitoring(r.PathValue("call_id"))
	w.WriteHeader(http.StatusNoContent)
}

func (a *App) handleMonitorEnd(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Status quality.Status `json:"status"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpError(w, errors.Join(tts.ErrInvalidInput, err))
		return
	}
	record, err := a.quality.EndCallMonitoring(r.PathValue("call_id"), req.Status)
	if err != nil {
		httpError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, record)
}

func (a *App) handleMonitorError(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Source string `json:"source"`
		Detail string `json:"detail"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpError(w, errors.Join(tts.ErrInvalidInput, err))
		return
	}
	a.quality.RecordError(r.PathValue("call_id"), req.Source, req.Detail)
	w.WriteHeader(http.StatusNoContent)
}

func (a *App) handlePhaseStart(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Phase string `json:"phase"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpError(w, errors.Join(tts.ErrInvalidInput, err))
		return
	}
	a.quality.StartPhase(r.PathValue("call_id"), req.Phase)
	w.WriteHeader(http.StatusNoContent)
}

func (a *App) handlePhaseEnd(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Phase string `json:"phase"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpError(w, errors.Join(tts.ErrInvalidInput, err))
		return
	}
	a.quality.EndPhase(r.PathValue("call_id"), req.Phase)
	w.WriteHeader(http.StatusNoContent)
}

func (a *App) handleQualityReport(w http.ResponseWriter, r *http.Request) {
	window := quality.Window(r.URL.Query().Get("window"))
	if window == "" {
		window = quality.WindowAll
	}
	writeJSON(w, http.StatusOK, a.quality.Aggregate(window))
}

// --- Predictive generation handlers ---

func (a *App) handleFlowStart(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Flow string `json:"flow"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpError(w, errors.Join(tts.ErrInvalidInput, err))
		return
	}
	if err := a.predict.StartCall(r.Context(), r.PathValue("call_id"), req.Flow); err != nil {
		httpError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *App) handleFlowStep(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Step string `json:"step"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpError(w, errors.Join(tts.ErrInvalidInput, err))
		return
	}
	if err := a.predict.UpdateStep(r.Context(), r.PathValue("call_id"), req.Step); err != nil {
		httpError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *App) handleFlowEnd(w http.ResponseWriter, r *http.Request) {
	a.predict.EndCall(r.PathValue("call_id"))
	w.WriteHeader(http.StatusNoContent)
}

// --- Response helpers ---

// httpError maps the shared error kinds onto HTTP statuses.
func httpError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, tts.ErrInvalidInput), errors.Is(err, tts.ErrConfigInvalid):
		status = http.StatusBadRequest
	case errors.Is(err, tts.ErrSessionNotFound):
		status = http.StatusNotFound
	case errors.Is(err, tts.ErrSessionTerminated), errors.Is(err, tts.ErrCarrierRejected):
		status = http.StatusConflict
	case errors.Is(err, tts.ErrRateLimited), errors.Is(err, tts.ErrPoolExhausted):
		status = http.StatusTooManyRequests
	case errors.Is(err, tts.ErrTimeout):
		status = http.StatusGatewayTimeout
	case errors.Is(err, tts.ErrProviderUnavailable), errors.Is(err, tts.ErrCacheUnavailable):
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

// writeJSON encodes v with the given status. Encoding failures are logged;
// the status line has already been written.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Warn("response encoding failed", "err", err)
	}
}

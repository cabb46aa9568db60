package app

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/MrWong99/supportline/internal/config"
	"github.com/MrWong99/supportline/internal/display"
	"github.com/MrWong99/supportline/internal/health"
	"github.com/MrWong99/supportline/internal/observe"
	"github.com/MrWong99/supportline/internal/pipeline"
)

// stopSettleLimit is how long the pipeline may sit in Stopping before
// /readyz reports it as stuck.
const stopSettleLimit = 30 * time.Second

// Handler returns the control and ops API:
//
//	GET    /v1/session         statistics of the current or last session
//	POST   /v1/session/start   start a session
//	POST   /v1/session/stop    stop the session
//	GET    /v1/transcript      conversation as text (?format=json for entries)
//	DELETE /v1/transcript      clear the conversation
//	GET    /healthz, /readyz   liveness and readiness
//	GET    /metrics            Prometheus metrics, when a handler was given
//
// Every route is wrapped in [observe.Middleware].
func (a *App) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /v1/session", a.handleSession)
	mux.HandleFunc("POST /v1/session/start", a.handleStart)
	mux.HandleFunc("POST /v1/session/stop", a.handleStop)
	mux.HandleFunc("GET /v1/transcript", a.handleTranscript)
	mux.HandleFunc("DELETE /v1/transcript", a.handleClearTranscript)

	health.New(
		health.Configured("providers", a.requiredSettings),
		health.Settles("pipeline", a.state, stopSettleLimit, stateStopping),
	).Register(mux)

	if a.metricsHandler != nil {
		mux.Handle("GET /metrics", a.metricsHandler)
	}

	return observe.Middleware(a.metrics)(mux)
}

// requiredSettings lists the settings a session cannot start without.
func (a *App) requiredSettings() map[string]string {
	a.cfgMu.Lock()
	defer a.cfgMu.Unlock()
	s := map[string]string{
		"providers.stt.api_key": a.cfg.Providers.STT.APIKey,
	}
	if config.NeedsAPIKey(a.cfg.Providers.LLM.Name) {
		s["providers.llm.api_key"] = a.cfg.Providers.LLM.APIKey
	}
	return s
}

// apiError is the JSON body of a failed request.
type apiError struct {
	Error string `json:"error"`
}

func (a *App) handleSession(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, a.sessions.Stats())
}

func (a *App) handleStart(w http.ResponseWriter, r *http.Request) {
	err := a.sessions.Start(r.Context())
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, a.sessions.Stats())
	case errors.Is(err, pipeline.ErrNotIdle):
		writeJSON(w, http.StatusConflict, apiError{Error: "a session is already " + a.state()})
	case errors.Is(err, ErrSessionUnavailable):
		writeJSON(w, http.StatusServiceUnavailable, apiError{Error: err.Error()})
	default:
		observe.Logger(r.Context()).Warn("session start failed", "err", err)
		writeJSON(w, http.StatusBadGateway, apiError{Error: err.Error()})
	}
}

func (a *App) handleStop(w http.ResponseWriter, r *http.Request) {
	if err := a.sessions.Stop(r.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, apiError{Error: err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, a.sessions.Stats())
}

func (a *App) handleTranscript(w http.ResponseWriter, r *http.Request) {
	if r.URL.Query().Get("format") == "json" {
		entries := a.transcript.Entries()
		if entries == nil {
			entries = []display.Entry{}
		}
		writeJSON(w, http.StatusOK, entries)
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	if _, err := io.WriteString(w, a.transcript.String()); err != nil {
		slog.Debug("write transcript", "err", err)
	}
}

func (a *App) handleClearTranscript(w http.ResponseWriter, _ *http.Request) {
	a.transcript.Clear()
	w.WriteHeader(http.StatusNoContent)
}

// writeJSON encodes v as JSON and writes it with the given status code.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Debug("write json response", "err", err)
	}
}

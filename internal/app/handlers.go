package app

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/MrWong99/vocalis/internal/engine"
	"github.com/MrWong99/vocalis/internal/observe"
)

// maxRequestBytes bounds JSON request bodies.
const maxRequestBytes = 64 << 10

type errorBody struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Debug("app: write response", "err", err)
	}
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, errorBody{Error: err.Error()})
}

// decodeBody decodes an optional JSON body into v. An empty body leaves v
// unchanged.
func decodeBody(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

// routes registers the HTTP API on mux.
func (a *App) routes(mux *http.ServeMux) {
	mux.HandleFunc("POST /v1/session", a.startSession)
	mux.HandleFunc("DELETE /v1/session", a.stopSession)
	mux.HandleFunc("GET /v1/session", a.sessionStatus)

	mux.HandleFunc("POST /v1/calibration", a.startCalibration)
	mux.HandleFunc("DELETE /v1/calibration", a.cancelCalibration)
	mux.HandleFunc("GET /v1/calibration", a.calibrationStatus)
	mux.HandleFunc("GET /v1/calibration/profile", a.storedProfile)

	mux.HandleFunc("GET /v1/snapshot", a.snapshot)
	mux.HandleFunc("POST /v1/analysis/pause", a.pause)
	mux.HandleFunc("POST /v1/analysis/resume", a.resume)

	mux.Handle("GET /v1/feed", a.hub)
	if a.ingest != nil {
		mux.Handle("GET /v1/ingest", a.ingest)
	}

	a.health.Register(mux)
	if a.gatherer != nil {
		mux.Handle("GET "+a.cfg.Telemetry.MetricsPath, promHandler(a.gatherer))
	}
}

// Handler returns the full HTTP handler, wrapped in the metrics middleware.
func (a *App) Handler() http.Handler {
	mux := http.NewServeMux()
	a.routes(mux)
	if a.metrics == nil {
		return mux
	}
	return observe.Middleware(a.metrics)(mux)
}

func (a *App) startSession(w http.ResponseWriter, r *http.Request) {
	var req StartRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	info, err := a.sessions.Start(r.Context(), req)
	switch {
	case isInvalidSession(err):
		writeError(w, http.StatusBadRequest, err)
	case err != nil:
		observe.Logger(r.Context()).Error("start session", "err", err)
		writeError(w, http.StatusInternalServerError, err)
	default:
		observe.Logger(observe.WithSession(r.Context(), info.ID)).Debug("session created", "mode", info.Mode.String())
		writeJSON(w, http.StatusCreated, info)
	}
}

func (a *App) stopSession(w http.ResponseWriter, r *http.Request) {
	if !a.sessions.Stop(r.Context()) {
		writeError(w, http.StatusNotFound, errors.New("no session running"))
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *App) sessionStatus(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, a.sessions.Status())
}

func (a *App) startCalibration(w http.ResponseWriter, _ *http.Request) {
	runID, err := a.calibration.Start()
	switch {
	case errors.Is(err, engine.ErrCalibrationActive):
		writeError(w, http.StatusConflict, err)
	case err != nil:
		writeError(w, http.StatusInternalServerError, err)
	default:
		writeJSON(w, http.StatusAccepted, map[string]string{"run_id": runID})
	}
}

func (a *App) cancelCalibration(w http.ResponseWriter, r *http.Request) {
	if !a.calibration.Cancel(r.Context()) {
		writeError(w, http.StatusNotFound, errors.New("no calibration running"))
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *App) calibrationStatus(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, a.calibration.Status())
}

func (a *App) storedProfile(w http.ResponseWriter, r *http.Request) {
	p, err := a.calibration.StoredProfile(r.Context())
	if err != nil {
		observe.Logger(r.Context()).Warn("load stored profile", "err", err)
		writeError(w, http.StatusServiceUnavailable, err)
		return
	}
	if p == nil {
		writeError(w, http.StatusNotFound, errors.New("no calibration profile stored"))
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (a *App) snapshot(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, a.engine.Latest())
}

func (a *App) pause(w http.ResponseWriter, _ *http.Request) {
	a.engine.Pause()
	writeJSON(w, http.StatusOK, map[string]bool{"paused": true})
}

func (a *App) resume(w http.ResponseWriter, _ *http.Request) {
	a.engine.Resume()
	writeJSON(w, http.StatusOK, map[string]bool{"paused": false})
}

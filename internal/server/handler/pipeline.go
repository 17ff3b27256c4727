package handler

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/alanyoungcy/tradecdc/internal/pipeline"
)

// RunReporter exposes the most recent merge job run.
type RunReporter interface {
	LastRun() (pipeline.RunReport, bool)
}

// PipelineHandler serves merge job trigger and status endpoints.
type PipelineHandler struct {
	logger    *slog.Logger
	triggerCh chan<- struct{} // when non-nil, sending triggers one job run
	reporter  RunReporter
}

// NewPipelineHandler creates a PipelineHandler with the given logger.
func NewPipelineHandler(logger *slog.Logger) *PipelineHandler {
	return &PipelineHandler{logger: logger}
}

// WithTriggerChannel sets the channel to send on when a trigger is requested.
func (h *PipelineHandler) WithTriggerChannel(ch chan<- struct{}) *PipelineHandler {
	h.triggerCh = ch
	return h
}

// WithReporter sets the source of the last run report.
func (h *PipelineHandler) WithReporter(r RunReporter) *PipelineHandler {
	h.reporter = r
	return h
}

// TriggerPipeline enqueues one merge job run with a non-blocking send.
// POST /api/pipeline/trigger
func (h *PipelineHandler) TriggerPipeline(w http.ResponseWriter, r *http.Request) {
	if h.triggerCh == nil {
		writeError(w, http.StatusServiceUnavailable, "merge job is not running in this mode")
		return
	}
	h.logger.InfoContext(r.Context(), "handler: pipeline trigger requested")

	queued := true
	select {
	case h.triggerCh <- struct{}{}:
	default:
		queued = false // a run is already pending
	}
	writeJSON(w, http.StatusAccepted, map[string]any{
		"status":       "accepted",
		"queued":       queued,
		"requested_at": time.Now().UTC().Format(time.RFC3339),
	})
}

// LastRun returns the report of the most recent merge job run.
// GET /api/pipeline/last-run
func (h *PipelineHandler) LastRun(w http.ResponseWriter, r *http.Request) {
	if h.reporter == nil {
		writeError(w, http.StatusServiceUnavailable, "merge job is not running in this mode")
		return
	}
	report, ok := h.reporter.LastRun()
	if !ok {
		writeError(w, http.StatusNotFound, "no run yet")
		return
	}
	writeJSON(w, http.StatusOK, report)
}

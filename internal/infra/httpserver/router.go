package httpserver

import (
	"database/sql"
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"

	appingest "github.com/gabcoyne/call-coach/internal/application/ingest"
	appruns "github.com/gabcoyne/call-coach/internal/application/runs"
	"github.com/gabcoyne/call-coach/internal/domain/analysis"
	"github.com/gabcoyne/call-coach/internal/domain/events"
	"github.com/gabcoyne/call-coach/internal/middleware"
)

// maxWebhookBody caps inbound payload size; transcripts never travel
// in the event itself.
const maxWebhookBody = 1 << 20

type Router struct {
	gate *appingest.Service
	runs *appruns.Service
}

// NewRouter mounts the ingestion gate and the operator read surface.
func NewRouter(gate *appingest.Service, runsSvc *appruns.Service) http.Handler {
	r := &Router{gate: gate, runs: runsSvc}
	mux := chi.NewRouter()

	mux.Route("/v1", func(rt chi.Router) {
		rt.Post("/webhooks/call-ready", r.handleWebhook)
		rt.Get("/calls/{callID}/analysis", r.wrap(r.handleCallAnalysis))
		rt.Post("/calls/{callID}/reanalyze", r.wrap(r.handleReanalyze))
		rt.Get("/runs/{runID}", r.wrap(r.handleGetRun))
		rt.Get("/diagnostics/events/{eventID}", r.wrap(r.handleGetEvent))
		rt.Get("/diagnostics/cache/{key}", r.wrap(r.handleGetCacheEntry))
	})

	return mux
}

type handlerFunc func(http.ResponseWriter, *http.Request) error

func (r *Router) wrap(h handlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		if err := h(w, req); err != nil {
			if errors.Is(err, sql.ErrNoRows) || errors.Is(err, analysis.ErrNotFound) {
				http.Error(w, "not found", http.StatusNotFound)
				return
			}
			http.Error(w, err.Error(), http.StatusInternalServerError)
		}
	}
}

// POST /v1/webhooks/call-ready
// The acknowledgment must go out fast: the gate only verifies,
// dedupes, audits, and schedules; everything expensive runs detached.
func (r *Router) handleWebhook(w http.ResponseWriter, req *http.Request) {
	body, err := io.ReadAll(io.LimitReader(req.Body, maxWebhookBody))
	if err != nil {
		http.Error(w, "unreadable body", http.StatusBadRequest)
		return
	}

	outcome, err := r.gate.Accept(req.Context(), body, req.Header.Get("X-Signature"))
	switch outcome {
	case appingest.OutcomeAccepted:
		middleware.IncrementEventsAccepted()
		middleware.IncrementRunsStarted()
		writeJSON(w, http.StatusAccepted, map[string]any{"status": "accepted"})
	case appingest.OutcomeDuplicate:
		middleware.IncrementEventsDuplicate()
		writeJSON(w, http.StatusOK, map[string]any{"status": "duplicate"})
	default:
		middleware.IncrementEventsRejected()
		status := http.StatusInternalServerError
		if errors.Is(err, appingest.ErrBadSignature) {
			status = http.StatusUnauthorized
		} else if errors.Is(err, appingest.ErrMalformedPayload) {
			status = http.StatusBadRequest
		}
		writeJSON(w, status, map[string]any{"status": "rejected"})
	}
}

// GET /v1/calls/{callID}/analysis
func (r *Router) handleCallAnalysis(w http.ResponseWriter, req *http.Request) error {
	callID := chi.URLParam(req, "callID")
	if err := middleware.ValidateCallID(callID); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return nil
	}

	run, err := r.runs.Runs.LatestByCall(req.Context(), callID)
	if err != nil {
		return err
	}
	return writeJSON(w, http.StatusOK, run)
}

// POST /v1/calls/{callID}/reanalyze
func (r *Router) handleReanalyze(w http.ResponseWriter, req *http.Request) error {
	callID := chi.URLParam(req, "callID")
	if err := middleware.ValidateCallID(callID); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return nil
	}

	eventID, err := r.runs.Reanalyze(req.Context(), callID)
	if err != nil {
		return err
	}
	middleware.IncrementRunsStarted()
	return writeJSON(w, http.StatusAccepted, map[string]any{
		"status":   "reanalysis scheduled",
		"call_id":  callID,
		"event_id": eventID,
	})
}

// GET /v1/runs/{runID}
func (r *Router) handleGetRun(w http.ResponseWriter, req *http.Request) error {
	run, err := r.runs.Runs.Get(req.Context(), analysis.RunID(chi.URLParam(req, "runID")))
	if err != nil {
		return err
	}
	return writeJSON(w, http.StatusOK, run)
}

// GET /v1/diagnostics/events/{eventID}
func (r *Router) handleGetEvent(w http.ResponseWriter, req *http.Request) error {
	eventID := chi.URLParam(req, "eventID")
	if err := middleware.ValidateEventID(eventID); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return nil
	}

	rec, err := r.gate.Repo.Get(req.Context(), events.EventID(eventID))
	if err != nil {
		return err
	}
	return writeJSON(w, http.StatusOK, rec)
}

// GET /v1/diagnostics/cache/{key}
func (r *Router) handleGetCacheEntry(w http.ResponseWriter, req *http.Request) error {
	key := chi.URLParam(req, "key")
	entry, ok := r.runs.Cache.Get(req.Context(), key)
	if !ok {
		return analysis.ErrNotFound
	}
	return writeJSON(w, http.StatusOK, entry)
}

func writeJSON(w http.ResponseWriter, status int, v any) error {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	return json.NewEncoder(w).Encode(v)
}

// Package handlers provides HTTP handlers for the medication API.
package handlers

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/dosetrack/dosetrack/internal/domain/today"
)

// TodayHandler serves the synthesized today state and per-medicine
// dose queries
type TodayHandler struct {
	refresher   *today.Refresher
	loader      today.SnapshotLoader
	completions *today.CompletionSet
	logger      *zap.Logger
}

// NewTodayHandler creates a new handler
func NewTodayHandler(refresher *today.Refresher, loader today.SnapshotLoader, completions *today.CompletionSet, logger *zap.Logger) *TodayHandler {
	return &TodayHandler{
		refresher:   refresher,
		loader:      loader,
		completions: completions,
		logger:      logger,
	}
}

// Routes returns the handler routes
func (h *TodayHandler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Get("/", h.Get)
	r.Post("/complete", h.Complete)
	return r
}

// CompleteRequest toggles a todo key's completion for today
type CompleteRequest struct {
	Key  string `json:"key"`
	Done bool   `json:"done"`
}

// Complete handles POST /today/complete
func (h *TodayHandler) Complete(w http.ResponseWriter, r *http.Request) {
	var req CompleteRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		jsonError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.Key == "" {
		jsonError(w, "key is required", http.StatusBadRequest)
		return
	}

	if req.Done {
		h.completions.MarkDone(req.Key)
	} else {
		h.completions.Clear(req.Key)
	}
	h.refresher.Kick()

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]bool{"done": req.Done})
}

// Get handles GET /today. Serves the latest committed state; a client
// presenting a matching X-Sync-Token gets 304 without a body. The
// refresh query parameter forces a synchronous recomputation.
func (h *TodayHandler) Get(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	state := h.refresher.Latest()
	if state == nil || r.URL.Query().Get("refresh") == "true" {
		var err error
		state, err = h.refresher.RefreshNow(ctx)
		if err != nil {
			h.logger.Error("refresh failed", zap.Error(err))
			jsonError(w, "failed to compute today state", http.StatusServiceUnavailable)
			return
		}
	}

	if token := r.Header.Get("X-Sync-Token"); token != "" && token == state.SyncToken {
		w.WriteHeader(http.StatusNotModified)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("X-Sync-Token", state.SyncToken)
	json.NewEncoder(w).Encode(state)
}

// NextDoseResponse describes the next dose for a medicine
type NextDoseResponse struct {
	MedicineID     string     `json:"medicine_id"`
	At             *time.Time `json:"at,omitempty"`
	TherapyID      string     `json:"therapy_id,omitempty"`
	RemainingToday int        `json:"remaining_today"`
	NextDate       *time.Time `json:"next_date,omitempty"`
}

// NextDose handles GET /medicines/{id}/next-dose. Reports the next
// pending slot today when one exists, otherwise the next scheduled
// date.
func (h *TodayHandler) NextDose(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := chi.URLParam(r, "id")

	snap, err := h.loader(ctx)
	if err != nil {
		h.logger.Error("snapshot load failed", zap.Error(err))
		jsonError(w, "failed to load snapshot", http.StatusServiceUnavailable)
		return
	}

	snap.Normalize()

	var med *today.MedicineSnapshot
	for i := range snap.Medicines {
		if snap.Medicines[i].ID == id {
			med = &snap.Medicines[i]
			break
		}
	}
	if med == nil {
		jsonError(w, "medicine not found", http.StatusNotFound)
		return
	}

	now := snap.TakenAt
	if now.IsZero() {
		now = time.Now().UTC()
	}

	resp := NextDoseResponse{MedicineID: med.ID}
	if info, ok := today.NextDoseTodayInfo(med, snap.Logs, now); ok {
		at := info.At
		resp.At = &at
		resp.TherapyID = info.TherapyID
		resp.RemainingToday = info.Remaining
	} else if next, ok := today.NextUpcomingDoseDate(med, now); ok {
		resp.NextDate = &next
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

func jsonError(w http.ResponseWriter, message string, code int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}

package handlers

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/dosetrack/dosetrack/internal/domain/ledger"
	"github.com/dosetrack/dosetrack/pkg/workerpool"
)

// AdminHandler handles maintenance endpoints
type AdminHandler struct {
	ledger *ledger.Ledger
	logger *zap.Logger
}

// NewAdminHandler creates a new handler
func NewAdminHandler(l *ledger.Ledger, logger *zap.Logger) *AdminHandler {
	return &AdminHandler{ledger: l, logger: logger}
}

// Routes returns the handler routes
func (h *AdminHandler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Post("/rebuild-stock", h.RebuildStock)
	return r
}

// RebuildStockResponse summarizes a rebuild run
type RebuildStockResponse struct {
	Packages int `json:"packages"`
	Rebuilt  int `json:"rebuilt"`
	Failed   int `json:"failed"`
}

// RebuildStock handles POST /admin/rebuild-stock. Recomputes every
// package counter from ledger history, fanned out over a bounded
// worker pool.
func (h *AdminHandler) RebuildStock(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	refs, err := h.ledger.PackageRefs(ctx)
	if err != nil {
		h.logger.Error("listing packages failed", zap.Error(err))
		jsonError(w, "failed to list packages", http.StatusInternalServerError)
		return
	}
	if len(refs) == 0 {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(RebuildStockResponse{})
		return
	}

	worker := func(taskCtx context.Context, task *workerpool.Task) *workerpool.Result {
		ref := task.Payload.(ledger.PackageRef)
		units, err := h.ledger.RebuildStock(taskCtx, ref.MedicineID, ref.PackageID)
		if err != nil {
			return &workerpool.Result{TaskID: task.ID, Success: false, Error: err}
		}
		return &workerpool.Result{TaskID: task.ID, Success: true, Data: units}
	}

	pool, err := workerpool.New(workerpool.DefaultConfig(), worker, h.logger)
	if err != nil {
		h.logger.Error("creating rebuild pool failed", zap.Error(err))
		jsonError(w, "failed to start rebuild", http.StatusInternalServerError)
		return
	}
	pool.Start()

	submitted := 0
	for _, ref := range refs {
		task := &workerpool.Task{
			ID:      ref.MedicineID + "/" + ref.PackageID,
			Payload: ref,
			Context: ctx,
		}
		if err := pool.Submit(task); err != nil {
			h.logger.Warn("rebuild task rejected",
				zap.String("task_id", task.ID), zap.Error(err))
			continue
		}
		submitted++
	}

	resp := RebuildStockResponse{Packages: len(refs), Failed: len(refs) - submitted}
	for i := 0; i < submitted; i++ {
		select {
		case <-ctx.Done():
			h.logger.Warn("rebuild interrupted", zap.Error(ctx.Err()))
			i = submitted
		case result := <-pool.Results():
			if result.Success {
				resp.Rebuilt++
			} else {
				resp.Failed++
			}
		}
	}
	pool.Stop()

	h.logger.Info("stock rebuild finished",
		zap.Int("packages", resp.Packages),
		zap.Int("rebuilt", resp.Rebuilt),
		zap.Int("failed", resp.Failed))

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

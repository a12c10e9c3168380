package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/dosetrack/dosetrack/internal/api/middleware"
	"github.com/dosetrack/dosetrack/internal/domain/actions"
	"github.com/dosetrack/dosetrack/internal/domain/ledger"
	"github.com/dosetrack/dosetrack/internal/domain/today"
	"github.com/dosetrack/dosetrack/internal/observability/metrics"
	"github.com/dosetrack/dosetrack/pkg/opident"
)

// ActionHandler handles the mutating action endpoints. Each request
// carries a logical operation key (body field or X-Operation-Key
// header); the identity cache resolves retries of the same key to the
// same operation identifier so the ledger append stays idempotent.
type ActionHandler struct {
	svc     *actions.Service
	cache   *opident.Cache
	metrics *metrics.Metrics
	logger  *zap.Logger
}

// NewActionHandler creates a new handler. metrics may be nil.
func NewActionHandler(svc *actions.Service, cache *opident.Cache, m *metrics.Metrics, logger *zap.Logger) *ActionHandler {
	return &ActionHandler{
		svc:     svc,
		cache:   cache,
		metrics: m,
		logger:  logger,
	}
}

// Routes returns the handler routes
func (h *ActionHandler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Post("/intake", h.Intake)
	r.Post("/purchase", h.Purchase)
	r.Post("/prescription-request", h.PrescriptionRequest)
	r.Post("/prescription-received", h.PrescriptionReceived)
	r.Post("/adjust-stock", h.AdjustStock)
	r.Post("/undo", h.Undo)
	return r
}

// operationID resolves the request's operation identifier. With no key
// the action gets a one-off identifier and retries are not coalesced.
func (h *ActionHandler) operationID(r *http.Request, bodyKey string) (id, key string) {
	key = bodyKey
	if key == "" {
		key = r.Header.Get("X-Operation-Key")
	}
	if key == "" {
		return uuid.New().String(), ""
	}
	return h.cache.OperationID(key, 0), key
}

// settle marks the key's operation as committed and updates the gauge
func (h *ActionHandler) settle(key string) {
	if key != "" {
		h.cache.Settle(key)
	}
	if h.metrics != nil {
		h.metrics.OperationCacheSize.Set(float64(h.cache.Len()))
	}
}

// drop forgets the key so the next attempt mints a fresh operation
func (h *ActionHandler) drop(key string) {
	if key != "" {
		h.cache.Clear(key)
	}
	if h.metrics != nil {
		h.metrics.OperationCacheSize.Set(float64(h.cache.Len()))
	}
}

// IntakeRequest is the request body for recording an intake
type IntakeRequest struct {
	MedicineID   string `json:"medicine_id"`
	TherapyID    string `json:"therapy_id,omitempty"`
	PackageID    string `json:"package_id,omitempty"`
	OperationKey string `json:"operation_key,omitempty"`
	Confirmed    bool   `json:"confirmed,omitempty"`
}

// EntryResponse is the response for a recorded action
type EntryResponse struct {
	Entry *ledger.Entry `json:"entry"`
}

// WarningResponse is returned with 409 when a guardrail requires
// explicit confirmation
type WarningResponse struct {
	Error   string         `json:"error"`
	Warning *today.Warning `json:"warning"`
}

// Intake handles POST /actions/intake
func (h *ActionHandler) Intake(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req IntakeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		jsonError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.MedicineID == "" {
		jsonError(w, "medicine_id is required", http.StatusBadRequest)
		return
	}

	opID, key := h.operationID(r, req.OperationKey)

	entry, warning, err := h.svc.RecordIntake(ctx, actions.IntakeInput{
		MedicineID:  req.MedicineID,
		TherapyID:   req.TherapyID,
		PackageID:   req.PackageID,
		OperationID: opID,
		Confirmed:   req.Confirmed,
	})
	if errors.Is(err, actions.ErrConfirmationRequired) {
		if h.metrics != nil {
			h.metrics.GuardrailWarnings.Inc()
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusConflict)
		json.NewEncoder(w).Encode(WarningResponse{
			Error:   "confirmation required",
			Warning: warning,
		})
		return
	}
	if err != nil {
		h.actionError(w, r, key, "intake", err)
		return
	}

	h.settle(key)
	h.recordAppend(entry)
	h.logger.Info("intake recorded",
		zap.String("medicine_id", req.MedicineID),
		zap.String("operation_id", entry.OperationID),
		zap.String("request_id", middleware.GetRequestID(ctx)))

	writeEntry(w, entry)
}

// PurchaseRequest is the request body for recording a purchase
type PurchaseRequest struct {
	MedicineID   string `json:"medicine_id"`
	PackageID    string `json:"package_id,omitempty"`
	Packs        int    `json:"packs,omitempty"`
	OperationKey string `json:"operation_key,omitempty"`
}

// Purchase handles POST /actions/purchase
func (h *ActionHandler) Purchase(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req PurchaseRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		jsonError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.MedicineID == "" {
		jsonError(w, "medicine_id is required", http.StatusBadRequest)
		return
	}

	opID, key := h.operationID(r, req.OperationKey)

	entry, err := h.svc.RecordPurchase(ctx, actions.PurchaseInput{
		MedicineID:  req.MedicineID,
		PackageID:   req.PackageID,
		OperationID: opID,
		Packs:       req.Packs,
	})
	if err != nil {
		h.actionError(w, r, key, "purchase", err)
		return
	}

	h.settle(key)
	h.recordAppend(entry)
	writeEntry(w, entry)
}

// PrescriptionActionRequest is the request body for prescription
// lifecycle actions
type PrescriptionActionRequest struct {
	MedicineID   string `json:"medicine_id"`
	OperationKey string `json:"operation_key,omitempty"`
}

// PrescriptionRequest handles POST /actions/prescription-request
func (h *ActionHandler) PrescriptionRequest(w http.ResponseWriter, r *http.Request) {
	h.prescriptionAction(w, r, h.svc.RequestPrescription, "prescription_request")
}

// PrescriptionReceived handles POST /actions/prescription-received
func (h *ActionHandler) PrescriptionReceived(w http.ResponseWriter, r *http.Request) {
	h.prescriptionAction(w, r, h.svc.RecordPrescriptionReceived, "prescription_received")
}

func (h *ActionHandler) prescriptionAction(
	w http.ResponseWriter,
	r *http.Request,
	fn func(context.Context, actions.PrescriptionInput) (*ledger.Entry, error),
	name string,
) {
	ctx := r.Context()

	var req PrescriptionActionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		jsonError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.MedicineID == "" {
		jsonError(w, "medicine_id is required", http.StatusBadRequest)
		return
	}

	opID, key := h.operationID(r, req.OperationKey)

	entry, err := fn(ctx, actions.PrescriptionInput{
		MedicineID:  req.MedicineID,
		OperationID: opID,
	})
	if err != nil {
		h.actionError(w, r, key, name, err)
		return
	}

	h.settle(key)
	h.recordAppend(entry)
	writeEntry(w, entry)
}

// AdjustStockRequest is the request body for a manual stock adjustment
type AdjustStockRequest struct {
	MedicineID   string `json:"medicine_id"`
	PackageID    string `json:"package_id"`
	Delta        int    `json:"delta"`
	OperationKey string `json:"operation_key,omitempty"`
}

// AdjustStock handles POST /actions/adjust-stock
func (h *ActionHandler) AdjustStock(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req AdjustStockRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		jsonError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.MedicineID == "" || req.PackageID == "" {
		jsonError(w, "medicine_id and package_id are required", http.StatusBadRequest)
		return
	}
	if req.Delta == 0 {
		jsonError(w, "delta must be non-zero", http.StatusBadRequest)
		return
	}

	opID, key := h.operationID(r, req.OperationKey)

	entry, err := h.svc.AdjustStock(ctx, actions.AdjustmentInput{
		MedicineID:  req.MedicineID,
		PackageID:   req.PackageID,
		OperationID: opID,
		Delta:       req.Delta,
	})
	if err != nil {
		h.actionError(w, r, key, "adjust_stock", err)
		return
	}

	h.settle(key)
	h.recordAppend(entry)
	writeEntry(w, entry)
}

// UndoRequest is the request body for undoing an operation
type UndoRequest struct {
	OperationID string `json:"operation_id"`
}

// Undo handles POST /actions/undo. Undoing an unknown or already
// undone operation succeeds without effect.
func (h *ActionHandler) Undo(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req UndoRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		jsonError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.OperationID == "" {
		jsonError(w, "operation_id is required", http.StatusBadRequest)
		return
	}

	found, err := h.svc.Undo(ctx, req.OperationID)
	if err != nil {
		h.logger.Error("undo failed", zap.Error(err),
			zap.String("operation_id", req.OperationID))
		jsonError(w, "failed to undo operation", http.StatusInternalServerError)
		return
	}

	if found && h.metrics != nil {
		h.metrics.UndosPerformed.Inc()
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]bool{"undone": found})
}

func (h *ActionHandler) actionError(w http.ResponseWriter, r *http.Request, key, action string, err error) {
	switch {
	case errors.Is(err, actions.ErrMedicineNotFound):
		jsonError(w, err.Error(), http.StatusNotFound)
	case errors.Is(err, actions.ErrNoPackage), errors.Is(err, ledger.ErrInvalidInput):
		jsonError(w, err.Error(), http.StatusBadRequest)
	default:
		// Persistence failed; forget the key so the retry mints a fresh
		// operation instead of reusing a never-committed one.
		h.drop(key)
		h.logger.Error("action failed",
			zap.String("action", action),
			zap.Error(err),
			zap.String("request_id", middleware.GetRequestID(r.Context())))
		jsonError(w, "failed to record action", http.StatusInternalServerError)
	}
}

func (h *ActionHandler) recordAppend(entry *ledger.Entry) {
	if h.metrics != nil && entry != nil {
		h.metrics.LedgerAppends.WithLabelValues(string(entry.Type)).Inc()
	}
}

func writeEntry(w http.ResponseWriter, entry *ledger.Entry) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(EntryResponse{Entry: entry})
}

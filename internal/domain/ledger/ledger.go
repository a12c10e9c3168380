package ledger

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/dosetrack/dosetrack/internal/observability/metrics"
)

// Ledger provides idempotent appends, compensating undo and the
// history-derived stock fold over a Store. Appends and undos are
// serialized: the read-modify-write of the stock counter and the entry
// insert form one unit of work under a single writer.
type Ledger struct {
	store   Store
	logger  *zap.Logger
	tracer  trace.Tracer
	metrics *metrics.Metrics
	now     func() time.Time

	mu sync.Mutex
}

// Option configures a Ledger
type Option func(*Ledger)

// WithClock overrides the ledger's clock. Test hook.
func WithClock(now func() time.Time) Option {
	return func(l *Ledger) { l.now = now }
}

// WithMetrics attaches idempotent-hit and clamp counters
func WithMetrics(m *metrics.Metrics) Option {
	return func(l *Ledger) { l.metrics = m }
}

// New creates a ledger over the given store
func New(store Store, logger *zap.Logger, opts ...Option) *Ledger {
	if logger == nil {
		logger = zap.NewNop()
	}
	l := &Ledger{
		store:  store,
		logger: logger,
		tracer: otel.Tracer("ledger"),
		now:    func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// AppendInput describes an event to record
type AppendInput struct {
	Type        EntryType
	OperationID string
	MedicineID  string
	TherapyID   string
	PackageID   string
	// Units is the quantity the event moves: pack size for purchases,
	// signed delta for adjustments. Ignored for intake.
	Units int
	// Timestamp defaults to the ledger clock when zero.
	Timestamp time.Time
}

// Append records an event idempotently. If an entry with the same
// operation id already exists it is returned unchanged and no stock
// delta is applied a second time.
func (l *Ledger) Append(ctx context.Context, in AppendInput) (*Entry, error) {
	ctx, span := l.tracer.Start(ctx, "ledger_append",
		trace.WithAttributes(
			attribute.String("entry_type", string(in.Type)),
			attribute.String("operation_id", in.OperationID),
		))
	defer span.End()

	if !in.Type.Valid() {
		return nil, fmt.Errorf("%w: entry type %q", ErrInvalidInput, in.Type)
	}
	if in.OperationID == "" {
		return nil, fmt.Errorf("%w: operation id is required", ErrInvalidInput)
	}
	if in.MedicineID == "" {
		return nil, fmt.Errorf("%w: medicine id is required", ErrInvalidInput)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	existing, err := l.store.GetByOperationID(ctx, in.OperationID)
	if err == nil {
		span.SetAttributes(attribute.Bool("duplicate", true))
		if l.metrics != nil {
			l.metrics.IdempotentHits.Inc()
		}
		l.logger.Debug("append resolved to existing entry",
			zap.String("operation_id", in.OperationID),
			zap.String("entry_id", existing.ID))
		return existing, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return nil, fmt.Errorf("check operation id: %w", err)
	}

	ts := in.Timestamp
	if ts.IsZero() {
		ts = l.now()
	}

	entry := &Entry{
		ID:          uuid.New().String(),
		Type:        in.Type,
		Timestamp:   ts,
		OperationID: in.OperationID,
		MedicineID:  in.MedicineID,
		TherapyID:   in.TherapyID,
		PackageID:   in.PackageID,
		Units:       normalizeUnits(in.Type, in.Units),
	}

	clamped, err := l.store.AppendWithDelta(ctx, entry, entry.StockDelta())
	if err != nil {
		// The store rolls the counter back with the failed insert;
		// nothing happened as far as callers are concerned.
		span.RecordError(err)
		return nil, fmt.Errorf("append entry: %w", err)
	}

	if clamped {
		if l.metrics != nil {
			l.metrics.StockClamps.Inc()
		}
		// Underflow is defined behavior, surfaced as a diagnostic only.
		l.logger.Warn("stock clamped at zero",
			zap.String("medicine_id", in.MedicineID),
			zap.String("package_id", in.PackageID),
			zap.String("entry_type", string(in.Type)))
	}

	return entry, nil
}

// Undo reverses the entry recorded under the operation id. Types with a
// compensating type get a reversal entry appended under a fresh
// operation id; a second undo of the same operation is a no-op. Types
// without one are removed and the package counter rebuilt from the
// remaining history. Returns false when no entry with the operation id
// exists.
func (l *Ledger) Undo(ctx context.Context, operationID string) (bool, error) {
	ctx, span := l.tracer.Start(ctx, "ledger_undo",
		trace.WithAttributes(attribute.String("operation_id", operationID)))
	defer span.End()

	l.mu.Lock()
	defer l.mu.Unlock()

	orig, err := l.store.GetByOperationID(ctx, operationID)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("load entry: %w", err)
	}

	comp, ok := orig.Type.CompensatingType()
	if !ok {
		units, err := l.store.RemoveAndRebuild(ctx, operationID, orig.MedicineID, orig.PackageID)
		if err != nil {
			span.RecordError(err)
			return false, fmt.Errorf("remove entry: %w", err)
		}
		l.logger.Info("entry removed",
			zap.String("operation_id", operationID),
			zap.String("entry_type", string(orig.Type)),
			zap.Int("units", units))
		return true, nil
	}

	if _, err := l.store.GetReversalOf(ctx, operationID); err == nil {
		// At most one reversal per original operation.
		span.SetAttributes(attribute.Bool("already_reversed", true))
		return true, nil
	} else if !errors.Is(err, ErrNotFound) {
		return false, fmt.Errorf("check reversal: %w", err)
	}

	reversal := &Entry{
		ID:          uuid.New().String(),
		Type:        comp,
		Timestamp:   l.now(),
		OperationID: uuid.New().String(),
		ReversalOf:  operationID,
		MedicineID:  orig.MedicineID,
		TherapyID:   orig.TherapyID,
		PackageID:   orig.PackageID,
		Units:       orig.Units,
	}

	if _, err := l.store.AppendWithDelta(ctx, reversal, reversal.StockDelta()); err != nil {
		span.RecordError(err)
		return false, fmt.Errorf("append reversal: %w", err)
	}

	l.logger.Info("entry reversed",
		zap.String("operation_id", operationID),
		zap.String("reversal_type", string(comp)))
	return true, nil
}

// UnitsFromHistory folds the package's full history into its stock
// level, clamping at zero after each entry exactly as the incremental
// counter does. Used to bootstrap and repair the counter.
func (l *Ledger) UnitsFromHistory(ctx context.Context, medicineID, packageID string) (int, error) {
	entries, err := l.store.EntriesForPackage(ctx, medicineID, packageID)
	if err != nil {
		return 0, fmt.Errorf("load history: %w", err)
	}
	return FoldUnits(entries), nil
}

// FoldUnits folds entries in order into a stock level, clamping at
// zero after each entry exactly as the incremental counter does.
func FoldUnits(entries []*Entry) int {
	units := 0
	for _, e := range entries {
		units += e.StockDelta()
		if units < 0 {
			units = 0
		}
	}
	return units
}

// RebuildStock recomputes the package's counter from history and
// overwrites the materialized value. Returns the rebuilt units.
func (l *Ledger) RebuildStock(ctx context.Context, medicineID, packageID string) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	units, err := l.UnitsFromHistory(ctx, medicineID, packageID)
	if err != nil {
		return 0, err
	}
	if err := l.store.SetStock(ctx, packageID, units); err != nil {
		return 0, fmt.Errorf("write stock: %w", err)
	}
	l.logger.Info("stock rebuilt from history",
		zap.String("medicine_id", medicineID),
		zap.String("package_id", packageID),
		zap.Int("units", units))
	return units, nil
}

// Stock returns the materialized stock counter for a package
func (l *Ledger) Stock(ctx context.Context, packageID string) (int, error) {
	return l.store.Stock(ctx, packageID)
}

// EntriesSince exposes the bounded lookback read path for synthesis
func (l *Ledger) EntriesSince(ctx context.Context, since time.Time) ([]*Entry, error) {
	return l.store.EntriesSince(ctx, since)
}

// PackageRefs returns every medicine/package pair with ledger history
func (l *Ledger) PackageRefs(ctx context.Context) ([]PackageRef, error) {
	return l.store.PackageRefs(ctx)
}

// normalizeUnits pins the per-type quantity semantics: intake always
// moves one unit, purchases never move a non-positive pack size.
func normalizeUnits(t EntryType, units int) int {
	switch t {
	case EntryIntake, EntryIntakeUndo:
		return 1
	case EntryPurchase, EntryPurchaseUndo:
		if units < 1 {
			return 1
		}
	}
	return units
}

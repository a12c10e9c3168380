// Package postgres provides PostgreSQL infrastructure components: the
// durable ledger store and the snapshot provider the synthesizer reads
// from.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/dosetrack/dosetrack/internal/domain/ledger"
	"github.com/dosetrack/dosetrack/internal/domain/schedule"
	"github.com/dosetrack/dosetrack/internal/domain/today"
)

// Schema is the store's table layout. Applied by EnsureSchema.
const Schema = `
CREATE TABLE IF NOT EXISTS medication_events (
	id            TEXT PRIMARY KEY,
	entry_type    TEXT NOT NULL,
	ts            TIMESTAMPTZ NOT NULL,
	operation_id  TEXT NOT NULL UNIQUE,
	reversal_of   TEXT NOT NULL DEFAULT '',
	medicine_id   TEXT NOT NULL,
	therapy_id    TEXT NOT NULL DEFAULT '',
	package_id    TEXT NOT NULL DEFAULT '',
	units         INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_events_reversal ON medication_events (reversal_of) WHERE reversal_of <> '';
CREATE INDEX IF NOT EXISTS idx_events_package ON medication_events (medicine_id, package_id, ts);
CREATE INDEX IF NOT EXISTS idx_events_ts ON medication_events (ts);

CREATE TABLE IF NOT EXISTS stock_counters (
	package_id TEXT PRIMARY KEY,
	units      INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS medicines (
	id                    TEXT PRIMARY KEY,
	name                  TEXT NOT NULL,
	package_id            TEXT NOT NULL,
	units_per_pack        INTEGER NOT NULL DEFAULT 1,
	dose_unit             TEXT NOT NULL DEFAULT '',
	prescription_required BOOLEAN NOT NULL DEFAULT FALSE,
	threshold_days        INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS therapies (
	id            TEXT PRIMARY KEY,
	medicine_id   TEXT NOT NULL REFERENCES medicines(id) ON DELETE CASCADE,
	package_id    TEXT NOT NULL DEFAULT '',
	start_date    DATE NOT NULL,
	rule_text     TEXT NOT NULL DEFAULT '',
	manual_intake BOOLEAN NOT NULL DEFAULT TRUE
);

CREATE TABLE IF NOT EXISTS therapy_doses (
	therapy_id TEXT NOT NULL REFERENCES therapies(id) ON DELETE CASCADE,
	hour       INTEGER NOT NULL,
	minute     INTEGER NOT NULL,
	second     INTEGER NOT NULL DEFAULT 0,
	amount     DOUBLE PRECISION NOT NULL
);

CREATE TABLE IF NOT EXISTS options (
	id                     INTEGER PRIMARY KEY DEFAULT 1,
	default_threshold_days INTEGER NOT NULL DEFAULT 7,
	manual_intake_default  BOOLEAN NOT NULL DEFAULT TRUE
);
`

// Store is the pgx-backed ledger store and snapshot provider
type Store struct {
	pool   *pgxpool.Pool
	logger *zap.Logger
	tracer trace.Tracer
	// Lookback bounds the snapshot's log window
	Lookback time.Duration
}

// NewStore creates a store over the pool
func NewStore(pool *pgxpool.Pool, logger *zap.Logger) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{
		pool:     pool,
		logger:   logger,
		tracer:   otel.Tracer("postgres-store"),
		Lookback: 90 * 24 * time.Hour,
	}
}

// EnsureSchema applies the table layout
func (s *Store) EnsureSchema(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

// GetByOperationID returns the entry for the operation id
func (s *Store) GetByOperationID(ctx context.Context, operationID string) (*ledger.Entry, error) {
	return s.queryOne(ctx, `WHERE operation_id = $1`, operationID)
}

// GetReversalOf returns the reversal entry referencing the operation id
func (s *Store) GetReversalOf(ctx context.Context, operationID string) (*ledger.Entry, error) {
	return s.queryOne(ctx, `WHERE reversal_of = $1`, operationID)
}

func (s *Store) queryOne(ctx context.Context, where string, arg any) (*ledger.Entry, error) {
	query := `
		SELECT id, entry_type, ts, operation_id, reversal_of, medicine_id, therapy_id, package_id, units
		FROM medication_events ` + where

	e := &ledger.Entry{}
	err := s.pool.QueryRow(ctx, query, arg).Scan(
		&e.ID, &e.Type, &e.Timestamp, &e.OperationID, &e.ReversalOf,
		&e.MedicineID, &e.TherapyID, &e.PackageID, &e.Units,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ledger.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query entry: %w", err)
	}
	return e, nil
}

// AppendWithDelta inserts the entry and applies the stock delta in one
// transaction; a failed insert rolls the counter mutation back with it.
func (s *Store) AppendWithDelta(ctx context.Context, e *ledger.Entry, delta int) (bool, error) {
	ctx, span := s.tracer.Start(ctx, "store_append",
		trace.WithAttributes(
			attribute.String("entry_type", string(e.Type)),
			attribute.Int("delta", delta),
		))
	defer span.End()

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return false, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	insert := `
		INSERT INTO medication_events
		(id, entry_type, ts, operation_id, reversal_of, medicine_id, therapy_id, package_id, units)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`
	_, err = tx.Exec(ctx, insert,
		e.ID, e.Type, e.Timestamp, e.OperationID, e.ReversalOf,
		e.MedicineID, e.TherapyID, e.PackageID, e.Units,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return false, ledger.ErrDuplicateOperation
		}
		return false, fmt.Errorf("insert entry: %w", err)
	}

	clamped := false
	if e.PackageID != "" && delta != 0 {
		clamped, err = applyDelta(ctx, tx, e.PackageID, delta)
		if err != nil {
			return false, err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return false, fmt.Errorf("commit: %w", err)
	}
	return clamped, nil
}

// RemoveAndRebuild deletes the entry and refolds the package counter
// from the remaining history inside the same transaction
func (s *Store) RemoveAndRebuild(ctx context.Context, operationID, medicineID, packageID string) (int, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx, `DELETE FROM medication_events WHERE operation_id = $1`, operationID)
	if err != nil {
		return 0, fmt.Errorf("delete entry: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return 0, ledger.ErrNotFound
	}

	units := 0
	if packageID != "" {
		remaining, err := s.entriesForPackageTx(ctx, tx, medicineID, packageID)
		if err != nil {
			return 0, err
		}
		units = ledger.FoldUnits(remaining)

		upsert := `
			INSERT INTO stock_counters (package_id, units) VALUES ($1, $2)
			ON CONFLICT (package_id) DO UPDATE SET units = $2
		`
		if _, err := tx.Exec(ctx, upsert, packageID, units); err != nil {
			return 0, fmt.Errorf("write counter: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("commit: %w", err)
	}
	return units, nil
}

func (s *Store) entriesForPackageTx(ctx context.Context, tx pgx.Tx, medicineID, packageID string) ([]*ledger.Entry, error) {
	query := `
		SELECT id, entry_type, ts, operation_id, reversal_of, medicine_id, therapy_id, package_id, units
		FROM medication_events
		WHERE medicine_id = $1 AND package_id = $2
		ORDER BY ts ASC
	`
	rows, err := tx.Query(ctx, query, medicineID, packageID)
	if err != nil {
		return nil, fmt.Errorf("query package history: %w", err)
	}
	defer rows.Close()

	var entries []*ledger.Entry
	for rows.Next() {
		e := &ledger.Entry{}
		err := rows.Scan(
			&e.ID, &e.Type, &e.Timestamp, &e.OperationID, &e.ReversalOf,
			&e.MedicineID, &e.TherapyID, &e.PackageID, &e.Units,
		)
		if err != nil {
			return nil, fmt.Errorf("scan entry: %w", err)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// applyDelta mutates the counter under a row lock, clamping at zero
func applyDelta(ctx context.Context, tx pgx.Tx, packageID string, delta int) (bool, error) {
	var units int
	err := tx.QueryRow(ctx,
		`SELECT units FROM stock_counters WHERE package_id = $1 FOR UPDATE`, packageID,
	).Scan(&units)
	if errors.Is(err, pgx.ErrNoRows) {
		units = 0
	} else if err != nil {
		return false, fmt.Errorf("lock counter: %w", err)
	}

	units += delta
	clamped := units < 0
	if clamped {
		units = 0
	}

	upsert := `
		INSERT INTO stock_counters (package_id, units) VALUES ($1, $2)
		ON CONFLICT (package_id) DO UPDATE SET units = $2
	`
	if _, err := tx.Exec(ctx, upsert, packageID, units); err != nil {
		return false, fmt.Errorf("write counter: %w", err)
	}
	return clamped, nil
}

// EntriesForPackage returns the package's entries in chronological order
func (s *Store) EntriesForPackage(ctx context.Context, medicineID, packageID string) ([]*ledger.Entry, error) {
	query := `
		SELECT id, entry_type, ts, operation_id, reversal_of, medicine_id, therapy_id, package_id, units
		FROM medication_events
		WHERE medicine_id = $1 AND package_id = $2
		ORDER BY ts ASC
	`
	return s.queryEntries(ctx, query, medicineID, packageID)
}

// EntriesSince returns entries at or after the instant in chronological order
func (s *Store) EntriesSince(ctx context.Context, since time.Time) ([]*ledger.Entry, error) {
	query := `
		SELECT id, entry_type, ts, operation_id, reversal_of, medicine_id, therapy_id, package_id, units
		FROM medication_events
		WHERE ts >= $1
		ORDER BY ts ASC
	`
	return s.queryEntries(ctx, query, since)
}

func (s *Store) queryEntries(ctx context.Context, query string, args ...any) ([]*ledger.Entry, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query entries: %w", err)
	}
	defer rows.Close()

	var entries []*ledger.Entry
	for rows.Next() {
		e := &ledger.Entry{}
		err := rows.Scan(
			&e.ID, &e.Type, &e.Timestamp, &e.OperationID, &e.ReversalOf,
			&e.MedicineID, &e.TherapyID, &e.PackageID, &e.Units,
		)
		if err != nil {
			return nil, fmt.Errorf("scan entry: %w", err)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// Stock returns the counter for a package, zero when absent
func (s *Store) Stock(ctx context.Context, packageID string) (int, error) {
	var units int
	err := s.pool.QueryRow(ctx,
		`SELECT units FROM stock_counters WHERE package_id = $1`, packageID,
	).Scan(&units)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("query stock: %w", err)
	}
	return units, nil
}

// SetStock overwrites the counter for a package
func (s *Store) SetStock(ctx context.Context, packageID string, units int) error {
	if units < 0 {
		units = 0
	}
	upsert := `
		INSERT INTO stock_counters (package_id, units) VALUES ($1, $2)
		ON CONFLICT (package_id) DO UPDATE SET units = $2
	`
	if _, err := s.pool.Exec(ctx, upsert, packageID, units); err != nil {
		return fmt.Errorf("write stock: %w", err)
	}
	return nil
}

// PackageRefs returns every medicine/package pair with ledger history
func (s *Store) PackageRefs(ctx context.Context) ([]ledger.PackageRef, error) {
	query := `
		SELECT DISTINCT medicine_id, package_id
		FROM medication_events
		WHERE package_id <> ''
	`
	rows, err := s.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("query package refs: %w", err)
	}
	defer rows.Close()

	var refs []ledger.PackageRef
	for rows.Next() {
		var ref ledger.PackageRef
		if err := rows.Scan(&ref.MedicineID, &ref.PackageID); err != nil {
			return nil, fmt.Errorf("scan ref: %w", err)
		}
		refs = append(refs, ref)
	}
	return refs, rows.Err()
}

// LoadSnapshot captures a consistent snapshot for synthesis: all
// medicines with their therapies and doses, the options row, derived
// stock counters and the bounded log window. Runs in one repeatable
// read transaction.
func (s *Store) LoadSnapshot(ctx context.Context) (*today.Snapshot, error) {
	ctx, span := s.tracer.Start(ctx, "store_load_snapshot")
	defer span.End()

	now := time.Now().UTC()

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.RepeatableRead, AccessMode: pgx.ReadOnly})
	if err != nil {
		return nil, fmt.Errorf("begin snapshot tx: %w", err)
	}
	defer tx.Rollback(ctx)

	snap := &today.Snapshot{TakenAt: now}

	err = tx.QueryRow(ctx,
		`SELECT default_threshold_days, manual_intake_default FROM options WHERE id = 1`,
	).Scan(&snap.Options.DefaultThresholdDays, &snap.Options.ManualIntakeDefault)
	if errors.Is(err, pgx.ErrNoRows) {
		snap.Options = today.Options{DefaultThresholdDays: 7, ManualIntakeDefault: true}
	} else if err != nil {
		return nil, fmt.Errorf("query options: %w", err)
	}

	medicines, err := s.loadMedicines(ctx, tx)
	if err != nil {
		return nil, err
	}
	if err := s.loadTherapies(ctx, tx, medicines, snap.Options); err != nil {
		return nil, err
	}

	for _, med := range medicines {
		snap.Medicines = append(snap.Medicines, *med)
	}

	logs, err := s.entriesSinceTx(ctx, tx, now.Add(-s.Lookback))
	if err != nil {
		return nil, err
	}
	snap.Logs = logs

	span.SetAttributes(
		attribute.Int("medicines", len(snap.Medicines)),
		attribute.Int("log_entries", len(snap.Logs)),
	)
	return snap, nil
}

func (s *Store) loadMedicines(ctx context.Context, tx pgx.Tx) (map[string]*today.MedicineSnapshot, error) {
	query := `
		SELECT m.id, m.name, m.package_id, m.units_per_pack, m.dose_unit,
		       m.prescription_required, m.threshold_days,
		       COALESCE(c.units, 0)
		FROM medicines m
		LEFT JOIN stock_counters c ON c.package_id = m.package_id
		ORDER BY m.name
	`
	rows, err := tx.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("query medicines: %w", err)
	}
	defer rows.Close()

	medicines := make(map[string]*today.MedicineSnapshot)
	for rows.Next() {
		med := &today.MedicineSnapshot{}
		err := rows.Scan(
			&med.ID, &med.Name, &med.Package.ID, &med.Package.UnitsPerPack,
			&med.Package.DoseUnit, &med.PrescriptionRequired, &med.ThresholdDays,
			&med.StockUnits,
		)
		if err != nil {
			return nil, fmt.Errorf("scan medicine: %w", err)
		}
		medicines[med.ID] = med
	}
	return medicines, rows.Err()
}

func (s *Store) loadTherapies(ctx context.Context, tx pgx.Tx, medicines map[string]*today.MedicineSnapshot, opts today.Options) error {
	query := `
		SELECT t.id, t.medicine_id, t.package_id, t.start_date, t.rule_text, t.manual_intake,
		       d.hour, d.minute, d.second, d.amount
		FROM therapies t
		LEFT JOIN therapy_doses d ON d.therapy_id = t.id
		ORDER BY t.id, d.hour, d.minute, d.second
	`
	rows, err := tx.Query(ctx, query)
	if err != nil {
		return fmt.Errorf("query therapies: %w", err)
	}
	defer rows.Close()

	byID := make(map[string]*today.TherapySnapshot)
	var order []string
	for rows.Next() {
		var (
			t      today.TherapySnapshot
			hour   *int
			minute *int
			second *int
			amount *float64
		)
		err := rows.Scan(&t.ID, &t.MedicineID, &t.PackageID, &t.StartDate, &t.RuleText, &t.ManualIntake,
			&hour, &minute, &second, &amount)
		if err != nil {
			return fmt.Errorf("scan therapy: %w", err)
		}

		existing, ok := byID[t.ID]
		if !ok {
			t.Rule = schedule.ParseOrInert(t.RuleText)
			existing = &t
			byID[t.ID] = existing
			order = append(order, t.ID)
		}
		if hour != nil && amount != nil {
			existing.Doses = append(existing.Doses, schedule.Dose{
				Time:   schedule.TimeOfDay{Hour: *hour, Minute: *minute, Second: *second},
				Amount: *amount,
			})
		}
	}
	if err := rows.Err(); err != nil {
		return err
	}

	for _, id := range order {
		t := byID[id]
		med, ok := medicines[t.MedicineID]
		if !ok {
			// Orphaned therapy; excluded from scheduling.
			s.logger.Warn("therapy references missing medicine",
				zap.String("therapy_id", t.ID),
				zap.String("medicine_id", t.MedicineID))
			continue
		}
		if t.PackageID == "" {
			t.PackageID = med.Package.ID
		}
		med.Therapies = append(med.Therapies, *t)
	}
	return nil
}

func (s *Store) entriesSinceTx(ctx context.Context, tx pgx.Tx, since time.Time) ([]*ledger.Entry, error) {
	query := `
		SELECT id, entry_type, ts, operation_id, reversal_of, medicine_id, therapy_id, package_id, units
		FROM medication_events
		WHERE ts >= $1
		ORDER BY ts ASC
	`
	rows, err := tx.Query(ctx, query, since)
	if err != nil {
		return nil, fmt.Errorf("query log window: %w", err)
	}
	defer rows.Close()

	var entries []*ledger.Entry
	for rows.Next() {
		e := &ledger.Entry{}
		err := rows.Scan(
			&e.ID, &e.Type, &e.Timestamp, &e.OperationID, &e.ReversalOf,
			&e.MedicineID, &e.TherapyID, &e.PackageID, &e.Units,
		)
		if err != nil {
			return nil, fmt.Errorf("scan entry: %w", err)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// Verify interface compliance.
var _ ledger.Store = (*Store)(nil)

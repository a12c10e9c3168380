// Package actions implements the mutating action contract: recording
// intakes, purchases and prescription events against the ledger, and
// undoing them. Operation identifiers are caller-supplied (sourced
// from the operation identity cache) so retries stay caller-controlled.
package actions

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/dosetrack/dosetrack/internal/domain/ledger"
	"github.com/dosetrack/dosetrack/internal/domain/today"
)

// ErrConfirmationRequired indicates a guardrail warning must be
// explicitly confirmed before the intake is recorded
var ErrConfirmationRequired = errors.New("guardrail confirmation required")

// ErrMedicineNotFound indicates the referenced medicine is not in the snapshot
var ErrMedicineNotFound = errors.New("medicine not found")

// ErrNoPackage indicates no package could be resolved for the action
var ErrNoPackage = errors.New("no resolvable package")

// Kicker requests a today-state recomputation after a mutation
type Kicker interface {
	Kick()
}

// Service orchestrates ledger mutations with guardrail gating
type Service struct {
	ledger    *ledger.Ledger
	loader    today.SnapshotLoader
	refresher Kicker
	logger    *zap.Logger
	now       func() time.Time
}

// NewService creates an action service. refresher may be nil.
func NewService(l *ledger.Ledger, loader today.SnapshotLoader, refresher Kicker, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		ledger:    l,
		loader:    loader,
		refresher: refresher,
		logger:    logger,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// IntakeInput describes a record-intake action
type IntakeInput struct {
	MedicineID  string
	TherapyID   string
	PackageID   string
	OperationID string
	// Confirmed carries the user's explicit decision to proceed past a
	// guardrail warning. Never set by the system itself.
	Confirmed bool
}

// RecordIntake appends an intake event. When the guardrail flags the
// intake and the input carries no confirmation, the warning is
// returned with ErrConfirmationRequired and nothing is appended.
func (s *Service) RecordIntake(ctx context.Context, in IntakeInput) (*ledger.Entry, *today.Warning, error) {
	snap, err := s.loader(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("load snapshot: %w", err)
	}

	med := findMedicine(snap, in.MedicineID)
	if med == nil {
		return nil, nil, fmt.Errorf("%w: %s", ErrMedicineNotFound, in.MedicineID)
	}

	packageID := in.PackageID
	if packageID == "" {
		packageID = med.Package.ID
	}
	if packageID == "" {
		return nil, nil, fmt.Errorf("%w: medicine %s", ErrNoPackage, in.MedicineID)
	}

	therapy := resolveTherapy(med, in.TherapyID)
	if therapy != nil {
		if warning := today.CheckIntake(snap.Logs, med, therapy, s.now()); warning != nil {
			if !in.Confirmed {
				return nil, warning, ErrConfirmationRequired
			}
			s.logger.Info("guardrail warning confirmed by user",
				zap.String("medicine_id", in.MedicineID),
				zap.String("code", warning.Code))
		}
	}

	entry, err := s.ledger.Append(ctx, ledger.AppendInput{
		Type:        ledger.EntryIntake,
		OperationID: in.OperationID,
		MedicineID:  in.MedicineID,
		TherapyID:   in.TherapyID,
		PackageID:   packageID,
	})
	if err != nil {
		return nil, nil, err
	}

	s.kick()
	return entry, nil, nil
}

// PurchaseInput describes a record-purchase action
type PurchaseInput struct {
	MedicineID  string
	PackageID   string
	OperationID string
	// Packs bought; defaults to 1
	Packs int
}

// RecordPurchase appends a purchase event worth packs x pack size units
func (s *Service) RecordPurchase(ctx context.Context, in PurchaseInput) (*ledger.Entry, error) {
	snap, err := s.loader(ctx)
	if err != nil {
		return nil, fmt.Errorf("load snapshot: %w", err)
	}

	med := findMedicine(snap, in.MedicineID)
	if med == nil {
		return nil, fmt.Errorf("%w: %s", ErrMedicineNotFound, in.MedicineID)
	}

	packageID := in.PackageID
	if packageID == "" {
		packageID = med.Package.ID
	}
	if packageID == "" {
		return nil, fmt.Errorf("%w: medicine %s", ErrNoPackage, in.MedicineID)
	}

	packs := in.Packs
	if packs < 1 {
		packs = 1
	}
	unitsPerPack := med.Package.UnitsPerPack
	if unitsPerPack < 1 {
		unitsPerPack = 1
	}

	entry, err := s.ledger.Append(ctx, ledger.AppendInput{
		Type:        ledger.EntryPurchase,
		OperationID: in.OperationID,
		MedicineID:  in.MedicineID,
		PackageID:   packageID,
		Units:       packs * unitsPerPack,
	})
	if err != nil {
		return nil, err
	}

	s.kick()
	return entry, nil
}

// PrescriptionInput describes a prescription lifecycle action
type PrescriptionInput struct {
	MedicineID  string
	OperationID string
}

// RequestPrescription records that a prescription was requested
func (s *Service) RequestPrescription(ctx context.Context, in PrescriptionInput) (*ledger.Entry, error) {
	return s.appendPrescription(ctx, ledger.EntryPrescriptionRequest, in)
}

// RecordPrescriptionReceived records that a prescription was received
func (s *Service) RecordPrescriptionReceived(ctx context.Context, in PrescriptionInput) (*ledger.Entry, error) {
	return s.appendPrescription(ctx, ledger.EntryPrescriptionReceived, in)
}

func (s *Service) appendPrescription(ctx context.Context, t ledger.EntryType, in PrescriptionInput) (*ledger.Entry, error) {
	entry, err := s.ledger.Append(ctx, ledger.AppendInput{
		Type:        t,
		OperationID: in.OperationID,
		MedicineID:  in.MedicineID,
	})
	if err != nil {
		return nil, err
	}
	s.kick()
	return entry, nil
}

// AdjustmentInput describes a manual stock adjustment
type AdjustmentInput struct {
	MedicineID  string
	PackageID   string
	OperationID string
	// Delta is the signed unit change, typically +1 or -1
	Delta int
}

// AdjustStock appends a manual stock adjustment event
func (s *Service) AdjustStock(ctx context.Context, in AdjustmentInput) (*ledger.Entry, error) {
	entry, err := s.ledger.Append(ctx, ledger.AppendInput{
		Type:        ledger.EntryStockAdjustment,
		OperationID: in.OperationID,
		MedicineID:  in.MedicineID,
		PackageID:   in.PackageID,
		Units:       in.Delta,
	})
	if err != nil {
		return nil, err
	}
	s.kick()
	return entry, nil
}

// Undo reverses the operation; false means no such operation exists
func (s *Service) Undo(ctx context.Context, operationID string) (bool, error) {
	found, err := s.ledger.Undo(ctx, operationID)
	if err != nil {
		return false, err
	}
	if found {
		s.kick()
	}
	return found, nil
}

func (s *Service) kick() {
	if s.refresher != nil {
		s.refresher.Kick()
	}
}

func findMedicine(snap *today.Snapshot, id string) *today.MedicineSnapshot {
	for i := range snap.Medicines {
		if snap.Medicines[i].ID == id {
			return &snap.Medicines[i]
		}
	}
	return nil
}

// resolveTherapy returns the referenced therapy, falling back to the
// medicine's only therapy for unassigned intakes.
func resolveTherapy(med *today.MedicineSnapshot, therapyID string) *today.TherapySnapshot {
	if therapyID != "" {
		for i := range med.Therapies {
			if med.Therapies[i].ID == therapyID {
				return &med.Therapies[i]
			}
		}
		return nil
	}
	if len(med.Therapies) == 1 {
		return &med.Therapies[0]
	}
	return nil
}

package today

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/dosetrack/dosetrack/internal/domain/ledger"
	"github.com/dosetrack/dosetrack/internal/domain/schedule"
	"github.com/dosetrack/dosetrack/internal/observability/metrics"
)

// defaultPrescriptionValidity bounds how long a received prescription
// keeps covering a medicine when the options carry no explicit window.
const defaultPrescriptionValidity = 90 * 24 * time.Hour

// Synthesizer builds TodayState values from snapshots. It performs no
// I/O, holds no mutable state and is safe to run on any goroutine.
type Synthesizer struct {
	logger  *zap.Logger
	tracer  trace.Tracer
	metrics *metrics.Metrics
}

// NewSynthesizer creates a synthesizer
func NewSynthesizer(logger *zap.Logger) *Synthesizer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Synthesizer{
		logger: logger,
		tracer: otel.Tracer("today"),
	}
}

// SetMetrics attaches the synthesis duration histogram and the
// dedup-dropped counter. Set before first use.
func (s *Synthesizer) SetMetrics(m *metrics.Metrics) { s.metrics = m }

// Build runs the synthesis pipeline over the snapshot: classify each
// medicine, derive statuses, generate therapy and purchase items,
// deduplicate, sort, and filter completed items. Cancellation is
// checked between medicines so superseded passes stop promptly.
func (s *Synthesizer) Build(ctx context.Context, snap *Snapshot, completed map[string]bool, now time.Time) (*TodayState, error) {
	ctx, span := s.tracer.Start(ctx, "today_build",
		trace.WithAttributes(attribute.Int("medicines", len(snap.Medicines))))
	defer span.End()

	if s.metrics != nil {
		start := time.Now()
		defer func() {
			s.metrics.SynthesisDuration.Observe(time.Since(start).Seconds())
		}()
	}

	snap.Normalize()
	reversed := reversedOperations(snap.Logs)

	statuses := make(map[string]MedicineStatus, len(snap.Medicines))
	blocked := make(map[string]BlockedStatus)
	var items []TodoItem

	for mi := range snap.Medicines {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		med := &snap.Medicines[mi]

		status := s.classify(med, snap, reversed, now)
		statuses[med.ID] = status

		items = append(items, s.therapyItems(med, snap.Logs, reversed, status, blocked, now)...)
		items = append(items, purchaseItems(med, status)...)
	}

	items, dropped := dedupe(items)
	if dropped > 0 {
		if s.metrics != nil {
			s.metrics.DuplicateItems.Add(float64(dropped))
		}
		s.logger.Debug("duplicate items suppressed", zap.Int("dropped", dropped))
	}
	sortItems(items)

	state := &TodayState{
		MedicineStatuses:       statuses,
		BlockedTherapyStatuses: blocked,
		SyncToken:              syncToken(items, blocked),
	}

	for _, it := range items {
		if completed[it.CompletionKey()] {
			// Completed items stay out of the pending lists but their
			// presence still counted toward the sync token above.
			continue
		}
		state.PendingItems = append(state.PendingItems, it)
		switch it.Category {
		case CategoryTherapy, CategoryMissedDose, CategoryMonitoring:
			state.TherapyItems = append(state.TherapyItems, it)
		case CategoryPurchase, CategoryPrescription:
			state.PurchaseItems = append(state.PurchaseItems, it)
		case CategoryDeadline, CategoryUpcoming, CategoryPharmacy:
			state.OtherItems = append(state.OtherItems, it)
		}
	}

	span.SetAttributes(
		attribute.Int("items", len(items)),
		attribute.Int("pending", len(state.PendingItems)),
	)
	return state, nil
}

// classify buckets a medicine by its stock coverage and prescription
// state.
func (s *Synthesizer) classify(med *MedicineSnapshot, snap *Snapshot, reversed map[string]bool, now time.Time) MedicineStatus {
	rate := dailyConsumption(med)
	units := med.StockUnits

	coverage := math.Inf(1)
	if units == 0 {
		coverage = 0
	} else if rate > 0 {
		coverage = float64(units) / rate
	}

	threshold := med.ThresholdDays
	if threshold <= 0 {
		threshold = snap.Options.DefaultThresholdDays
	}

	remainingToday := 0
	for ti := range med.Therapies {
		t := &med.Therapies[ti]
		allowed := schedule.AllowedEventsOnDay(t.Rule, t.StartDate, now, len(t.Doses))
		if allowed == 0 {
			continue
		}
		done := completedDosesToday(snap.Logs, med, t, reversed, now)
		if pending := allowed - done; pending > 0 {
			remainingToday += pending
		}
	}

	purchaseNeeded := units == 0 || (rate > 0 && coverage < float64(threshold))

	validity := snap.Options.PrescriptionValidity
	if validity <= 0 {
		validity = defaultPrescriptionValidity
	}
	needsPrescription := med.PrescriptionRequired &&
		purchaseNeeded &&
		!hasValidPrescription(snap.Logs, med.ID, reversed, validity, now)

	return MedicineStatus{
		NeedsPrescription: needsPrescription,
		IsOutOfStock:      units < remainingToday,
		IsDepleted:        units == 0,
		CoverageDays:      coverage,
		StockUnits:        units,
		PurchaseNeeded:    purchaseNeeded,
	}
}

// therapyItems emits one item per distinct scheduled time still
// pending today, with ids derived from (therapy ids, HHmm) so repeated
// passes reuse the same id.
func (s *Synthesizer) therapyItems(med *MedicineSnapshot, logs []*ledger.Entry, reversed map[string]bool, status MedicineStatus, blocked map[string]BlockedStatus, now time.Time) []TodoItem {
	type slot struct {
		time       schedule.TimeOfDay
		amount     float64
		therapyIDs []string
	}
	slots := make(map[string]*slot)

	for ti := range med.Therapies {
		t := &med.Therapies[ti]
		if !t.ManualIntake {
			// Auto-registered therapies consume stock without surfacing
			// a take-a-dose item.
			continue
		}
		allowed := schedule.AllowedEventsOnDay(t.Rule, t.StartDate, now, len(t.Doses))
		if allowed == 0 {
			continue
		}
		done := completedDosesToday(logs, med, t, reversed, now)
		if done >= allowed {
			continue
		}

		doses := make([]schedule.Dose, len(t.Doses))
		copy(doses, t.Doses)
		sort.Slice(doses, func(i, j int) bool { return doses[i].Time.Before(doses[j].Time) })
		if allowed > len(doses) {
			allowed = len(doses)
		}

		// Doses are taken in slot order; the first `done` slots are
		// considered consumed.
		for _, d := range doses[done:allowed] {
			key := d.Time.HHMM()
			sl, ok := slots[key]
			if !ok {
				sl = &slot{time: d.Time}
				slots[key] = sl
			}
			sl.amount += d.Amount
			sl.therapyIDs = append(sl.therapyIDs, t.ID)
		}
	}

	items := make([]TodoItem, 0, len(slots))
	for key, sl := range slots {
		sort.Strings(sl.therapyIDs)
		id := "therapy:" + strings.Join(sl.therapyIDs, "+") + ":" + key
		tod := sl.time

		detail := fmt.Sprintf("take %s at %02d:%02d", formatAmount(sl.amount, med.Package.DoseUnit), sl.time.Hour, sl.time.Minute)
		items = append(items, TodoItem{
			ID:         id,
			Title:      med.Name,
			Detail:     detail,
			Category:   CategoryTherapy,
			MedicineID: med.ID,
			Time:       &tod,
		})

		switch {
		case status.NeedsPrescription:
			blocked[id] = BlockedNeedsPrescription
		case status.IsDepleted || status.IsOutOfStock:
			blocked[id] = BlockedOutOfStock
		}
	}
	return items
}

// purchaseItems emits the refill item for a purchase-needed medicine,
// folding the prescription need into it when both apply so the same
// medicine never surfaces twice.
func purchaseItems(med *MedicineSnapshot, status MedicineStatus) []TodoItem {
	if status.PurchaseNeeded {
		detail := stockStatusText(status)
		if status.NeedsPrescription {
			detail += "; prescription required"
		}
		return []TodoItem{{
			ID:         "purchase:" + med.ID,
			Title:      med.Name,
			Detail:     detail,
			Category:   CategoryPurchase,
			MedicineID: med.ID,
		}}
	}
	if status.NeedsPrescription {
		return []TodoItem{{
			ID:         "prescription:" + med.ID,
			Title:      med.Name,
			Detail:     "prescription needed",
			Category:   CategoryPrescription,
			MedicineID: med.ID,
		}}
	}
	return nil
}

func stockStatusText(status MedicineStatus) string {
	if status.IsDepleted {
		return "out of stock"
	}
	if math.IsInf(status.CoverageDays, 1) {
		return fmt.Sprintf("%d units left", status.StockUnits)
	}
	return fmt.Sprintf("%d units left (~%.0f days)", status.StockUnits, math.Floor(status.CoverageDays))
}

func formatAmount(amount float64, unit string) string {
	text := fmt.Sprintf("%g", amount)
	if unit != "" {
		text += " " + unit
	}
	return text
}

// dedupe suppresses items equivalent to one already in the batch:
// same category and time with either a case-insensitive title match or
// the same medicine. Returns kept items and the dropped count.
func dedupe(items []TodoItem) ([]TodoItem, int) {
	seen := make(map[string]bool)
	kept := items[:0]
	dropped := 0

	for _, it := range items {
		timeKey := ""
		if it.Time != nil {
			timeKey = it.Time.HHMM()
		}
		titleKey := it.Category.String() + "|" + timeKey + "|t|" + strings.ToLower(it.Title)
		medKey := ""
		if it.MedicineID != "" {
			medKey = it.Category.String() + "|" + timeKey + "|m|" + it.MedicineID
		}

		if seen[titleKey] || (medKey != "" && seen[medKey]) {
			dropped++
			continue
		}
		seen[titleKey] = true
		if medKey != "" {
			seen[medKey] = true
		}
		kept = append(kept, it)
	}
	return kept, dropped
}

// sortItems orders by earliest time of day (timeless items last), then
// category display rank, then case-insensitive title.
func sortItems(items []TodoItem) {
	sort.SliceStable(items, func(i, j int) bool {
		a, b := items[i], items[j]
		switch {
		case a.Time != nil && b.Time == nil:
			return true
		case a.Time == nil && b.Time != nil:
			return false
		case a.Time != nil && b.Time != nil && *a.Time != *b.Time:
			return a.Time.Before(*b.Time)
		}
		if a.Category.DisplayRank() != b.Category.DisplayRank() {
			return a.Category.DisplayRank() < b.Category.DisplayRank()
		}
		return strings.ToLower(a.Title) < strings.ToLower(b.Title)
	})
}

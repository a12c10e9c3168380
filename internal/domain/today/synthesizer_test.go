package today

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dosetrack/dosetrack/internal/domain/ledger"
	"github.com/dosetrack/dosetrack/internal/domain/schedule"
	"github.com/dosetrack/dosetrack/internal/observability/metrics"
)

var (
	testNow   = time.Date(2024, 3, 15, 7, 0, 0, 0, time.UTC) // Friday
	testStart = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
)

func morningEvening() []schedule.Dose {
	return []schedule.Dose{
		{Time: schedule.TimeOfDay{Hour: 8}, Amount: 1},
		{Time: schedule.TimeOfDay{Hour: 20}, Amount: 1},
	}
}

func testMedicine(stock int) MedicineSnapshot {
	return MedicineSnapshot{
		ID:   "med-1",
		Name: "Aspirin",
		Package: PackageSnapshot{
			ID:           "pkg-1",
			UnitsPerPack: 20,
			DoseUnit:     "tablet",
		},
		StockUnits: stock,
		Therapies: []TherapySnapshot{{
			ID:           "t1",
			MedicineID:   "med-1",
			PackageID:    "pkg-1",
			StartDate:    testStart,
			RuleText:     "FREQ=DAILY",
			Doses:        morningEvening(),
			ManualIntake: true,
		}},
	}
}

func testSnapshot(meds ...MedicineSnapshot) *Snapshot {
	return &Snapshot{
		Medicines: meds,
		Options:   Options{DefaultThresholdDays: 7, ManualIntakeDefault: true},
		TakenAt:   testNow,
	}
}

func intakeLog(op, therapyID string, at time.Time) *ledger.Entry {
	return &ledger.Entry{
		ID:          "e-" + op,
		Type:        ledger.EntryIntake,
		Timestamp:   at,
		OperationID: op,
		MedicineID:  "med-1",
		TherapyID:   therapyID,
		PackageID:   "pkg-1",
		Units:       1,
	}
}

func build(t *testing.T, snap *Snapshot, completed map[string]bool) *TodayState {
	t.Helper()
	state, err := NewSynthesizer(nil).Build(context.Background(), snap, completed, testNow)
	require.NoError(t, err)
	return state
}

func TestBuildPendingTherapyItems(t *testing.T) {
	state := build(t, testSnapshot(testMedicine(30)), nil)

	require.Len(t, state.TherapyItems, 2)
	assert.Equal(t, "therapy:t1:0800", state.TherapyItems[0].ID)
	assert.Equal(t, "therapy:t1:2000", state.TherapyItems[1].ID)
	assert.Equal(t, "Aspirin", state.TherapyItems[0].Title)
	assert.Equal(t, "take 1 tablet at 08:00", state.TherapyItems[0].Detail)
	assert.Empty(t, state.PurchaseItems, "15 days of coverage needs no refill")
	assert.Empty(t, state.BlockedTherapyStatuses)

	status := state.MedicineStatuses["med-1"]
	assert.False(t, status.PurchaseNeeded)
	assert.False(t, status.IsOutOfStock)
	assert.InDelta(t, 15.0, status.CoverageDays, 0.01)
}

func TestBuildConsumedSlotsDropOff(t *testing.T) {
	snap := testSnapshot(testMedicine(30))
	snap.Logs = []*ledger.Entry{
		intakeLog("op-1", "t1", testNow.Add(-time.Hour)),
	}

	state := build(t, snap, nil)
	require.Len(t, state.TherapyItems, 1)
	assert.Equal(t, "therapy:t1:2000", state.TherapyItems[0].ID, "morning slot consumed first")
}

func TestBuildReversedIntakeRestoresSlot(t *testing.T) {
	snap := testSnapshot(testMedicine(30))
	snap.Logs = []*ledger.Entry{
		intakeLog("op-1", "t1", testNow.Add(-time.Hour)),
		{
			ID: "e-2", Type: ledger.EntryIntakeUndo,
			Timestamp: testNow.Add(-30 * time.Minute), OperationID: "op-2",
			ReversalOf: "op-1", MedicineID: "med-1", TherapyID: "t1",
			PackageID: "pkg-1", Units: 1,
		},
	}

	state := build(t, snap, nil)
	assert.Len(t, state.TherapyItems, 2)
}

func TestBuildUnassignedIntakeCountsForOnlyTherapy(t *testing.T) {
	snap := testSnapshot(testMedicine(30))
	snap.Logs = []*ledger.Entry{
		intakeLog("op-1", "", testNow.Add(-time.Hour)),
	}

	state := build(t, snap, nil)
	assert.Len(t, state.TherapyItems, 1)
}

func TestBuildPurchaseBelowThreshold(t *testing.T) {
	// 10 units at 2/day is 5 days of coverage, under the 7-day default.
	state := build(t, testSnapshot(testMedicine(10)), nil)

	require.Len(t, state.PurchaseItems, 1)
	item := state.PurchaseItems[0]
	assert.Equal(t, "purchase:med-1", item.ID)
	assert.Equal(t, CategoryPurchase, item.Category)
	assert.Equal(t, "10 units left (~5 days)", item.Detail)

	status := state.MedicineStatuses["med-1"]
	assert.True(t, status.PurchaseNeeded)
	assert.False(t, status.IsDepleted)
}

func TestBuildDepletedBlocksTherapy(t *testing.T) {
	state := build(t, testSnapshot(testMedicine(0)), nil)

	status := state.MedicineStatuses["med-1"]
	assert.True(t, status.IsDepleted)
	assert.True(t, status.IsOutOfStock)
	assert.Zero(t, status.CoverageDays)

	require.Len(t, state.PurchaseItems, 1)
	assert.Equal(t, "out of stock", state.PurchaseItems[0].Detail)

	require.Len(t, state.TherapyItems, 2)
	for _, item := range state.TherapyItems {
		assert.Equal(t, BlockedOutOfStock, state.BlockedTherapyStatuses[item.ID])
	}
}

func TestBuildOutOfStockForRemainingDoses(t *testing.T) {
	// One unit covers only one of the two doses still due today.
	state := build(t, testSnapshot(testMedicine(1)), nil)

	status := state.MedicineStatuses["med-1"]
	assert.True(t, status.IsOutOfStock)
	assert.False(t, status.IsDepleted)
}

func TestBuildNeedsPrescription(t *testing.T) {
	med := testMedicine(0)
	med.PrescriptionRequired = true
	state := build(t, testSnapshot(med), nil)

	status := state.MedicineStatuses["med-1"]
	assert.True(t, status.NeedsPrescription)

	require.Len(t, state.PurchaseItems, 1)
	assert.Equal(t, "out of stock; prescription required", state.PurchaseItems[0].Detail)

	for _, item := range state.TherapyItems {
		assert.Equal(t, BlockedNeedsPrescription, state.BlockedTherapyStatuses[item.ID])
	}
}

func TestBuildValidPrescriptionCovers(t *testing.T) {
	med := testMedicine(0)
	med.PrescriptionRequired = true
	snap := testSnapshot(med)
	snap.Logs = []*ledger.Entry{{
		ID: "e-1", Type: ledger.EntryPrescriptionReceived,
		Timestamp: testNow.Add(-24 * time.Hour), OperationID: "op-1",
		MedicineID: "med-1",
	}}

	state := build(t, snap, nil)
	status := state.MedicineStatuses["med-1"]
	assert.False(t, status.NeedsPrescription)
	assert.True(t, status.PurchaseNeeded)
}

func TestBuildExpiredPrescriptionDoesNotCover(t *testing.T) {
	med := testMedicine(0)
	med.PrescriptionRequired = true
	snap := testSnapshot(med)
	snap.Logs = []*ledger.Entry{{
		ID: "e-1", Type: ledger.EntryPrescriptionReceived,
		Timestamp: testNow.Add(-120 * 24 * time.Hour), OperationID: "op-1",
		MedicineID: "med-1",
	}}

	state := build(t, snap, nil)
	assert.True(t, state.MedicineStatuses["med-1"].NeedsPrescription)
}

func TestBuildAutoIntakeTherapyEmitsNoItems(t *testing.T) {
	med := testMedicine(10)
	med.Therapies[0].ManualIntake = false
	state := build(t, testSnapshot(med), nil)

	assert.Empty(t, state.TherapyItems)
	// Consumption still counts: 5 days of coverage triggers the refill.
	assert.Len(t, state.PurchaseItems, 1)
}

func TestBuildMalformedRuleIsInert(t *testing.T) {
	med := testMedicine(30)
	med.Therapies[0].RuleText = "garbage"
	state := build(t, testSnapshot(med), nil)

	assert.Empty(t, state.TherapyItems)
	assert.Empty(t, state.PurchaseItems)
}

func TestBuildDedupesMatchingTitles(t *testing.T) {
	a := testMedicine(30)
	b := testMedicine(30)
	b.ID = "med-2"
	b.Package.ID = "pkg-2"
	b.Therapies[0].ID = "t2"
	b.Therapies[0].MedicineID = "med-2"
	b.Therapies[0].PackageID = "pkg-2"

	state := build(t, testSnapshot(a, b), nil)

	// Same title, same times: the second medicine's slots are duplicates.
	assert.Len(t, state.TherapyItems, 2)
}

func TestBuildRecordsDuplicateItemMetric(t *testing.T) {
	a := testMedicine(30)
	b := testMedicine(30)
	b.ID = "med-2"
	b.Package.ID = "pkg-2"
	b.Therapies[0].ID = "t2"
	b.Therapies[0].MedicineID = "med-2"
	b.Therapies[0].PackageID = "pkg-2"

	s := NewSynthesizer(nil)
	m := metrics.NewWithRegistry(prometheus.NewRegistry())
	s.SetMetrics(m)

	_, err := s.Build(context.Background(), testSnapshot(a, b), nil, testNow)
	require.NoError(t, err)
	assert.Equal(t, 2.0, testutil.ToFloat64(m.DuplicateItems))
}

func TestBuildSortOrder(t *testing.T) {
	med := testMedicine(10)
	state := build(t, testSnapshot(med), nil)

	require.Len(t, state.PendingItems, 3)
	assert.Equal(t, CategoryTherapy, state.PendingItems[0].Category)
	assert.Equal(t, CategoryTherapy, state.PendingItems[1].Category)
	assert.True(t, state.PendingItems[0].Time.Before(*state.PendingItems[1].Time))
	assert.Equal(t, CategoryPurchase, state.PendingItems[2].Category, "timeless items last")
}

func TestBuildCompletionFilter(t *testing.T) {
	snap := testSnapshot(testMedicine(30))
	base := build(t, snap, nil)
	require.Len(t, base.TherapyItems, 2)

	completed := map[string]bool{base.TherapyItems[0].CompletionKey(): true}
	state := build(t, testSnapshot(testMedicine(30)), completed)

	assert.Len(t, state.TherapyItems, 1)
	assert.Equal(t, base.SyncToken, state.SyncToken, "completion does not change the token")
}

func TestBuildSyncTokenReflectsContent(t *testing.T) {
	first := build(t, testSnapshot(testMedicine(30)), nil)
	same := build(t, testSnapshot(testMedicine(30)), nil)
	changed := build(t, testSnapshot(testMedicine(10)), nil)

	assert.Equal(t, first.SyncToken, same.SyncToken)
	assert.NotEqual(t, first.SyncToken, changed.SyncToken)
}

func TestBuildCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := NewSynthesizer(nil).Build(ctx, testSnapshot(testMedicine(30)), nil, testNow)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestDailyConsumptionRates(t *testing.T) {
	med := testMedicine(30)
	med.Therapies[0].Rule = schedule.MustParse("FREQ=DAILY")
	assert.InDelta(t, 2.0, dailyConsumption(&med), 0.001)

	med.Therapies[0].Rule = schedule.MustParse("FREQ=DAILY;INTERVAL=2")
	assert.InDelta(t, 1.0, dailyConsumption(&med), 0.001)

	med.Therapies[0].Rule = schedule.MustParse("FREQ=DAILY;CYCLEON=21;CYCLEOFF=7")
	assert.InDelta(t, 1.5, dailyConsumption(&med), 0.001)

	med.Therapies[0].Rule = schedule.MustParse("FREQ=WEEKLY;BYDAY=MO,TH")
	assert.InDelta(t, 2.0*2.0/7.0, dailyConsumption(&med), 0.001)

	med.Therapies[0].Rule = schedule.MustParse("FREQ=MONTHLY")
	assert.InDelta(t, 2.0/30.44, dailyConsumption(&med), 0.001)

	med.Therapies[0].Rule = schedule.Rule{}
	assert.Zero(t, dailyConsumption(&med))
}

func TestCompletionSetDayRollover(t *testing.T) {
	set := NewCompletionSet()
	clock := time.Date(2024, 3, 15, 23, 0, 0, 0, time.UTC)
	set.now = func() time.Time { return clock }

	set.MarkDone("therapy:t1:0800")
	assert.True(t, set.Keys()["therapy:t1:0800"])

	clock = clock.Add(2 * time.Hour)
	assert.Empty(t, set.Keys(), "completions expire at midnight")
}

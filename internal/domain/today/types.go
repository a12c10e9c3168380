package today

import (
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"strings"

	"github.com/dosetrack/dosetrack/internal/domain/schedule"
)

// Category classifies a todo item. The set is closed; every
// consumption site switches exhaustively so a new category is a
// compile-time-checked change.
type Category int

const (
	CategoryTherapy Category = iota
	CategoryMissedDose
	CategoryMonitoring
	CategoryPurchase
	CategoryPrescription
	CategoryDeadline
	CategoryUpcoming
	CategoryPharmacy
)

// String returns the category's stable name
func (c Category) String() string {
	switch c {
	case CategoryTherapy:
		return "therapy"
	case CategoryMissedDose:
		return "missed_dose"
	case CategoryMonitoring:
		return "monitoring"
	case CategoryPurchase:
		return "purchase"
	case CategoryPrescription:
		return "prescription"
	case CategoryDeadline:
		return "deadline"
	case CategoryUpcoming:
		return "upcoming"
	case CategoryPharmacy:
		return "pharmacy"
	}
	return "unknown"
}

// DisplayRank is the fixed priority ordering used as the secondary
// sort key; lower ranks render first.
func (c Category) DisplayRank() int {
	switch c {
	case CategoryTherapy:
		return 0
	case CategoryMissedDose:
		return 1
	case CategoryMonitoring:
		return 2
	case CategoryPurchase:
		return 3
	case CategoryPrescription:
		return 4
	case CategoryDeadline:
		return 5
	case CategoryUpcoming:
		return 6
	case CategoryPharmacy:
		return 7
	}
	return 8
}

// TodoItem is one actionable entry of the day. Items are ephemeral and
// recomputed every pass; ID is stable across passes for the same
// logical obligation so completion state keyed by it survives.
type TodoItem struct {
	ID         string              `json:"id"`
	Title      string              `json:"title"`
	Detail     string              `json:"detail,omitempty"`
	Category   Category            `json:"category"`
	MedicineID string              `json:"medicine_id,omitempty"`
	Time       *schedule.TimeOfDay `json:"time,omitempty"`
}

// CompletionKey identifies the item for completion bookkeeping:
// time-bound items complete by their exact id, the rest by
// category + medicine so a regenerated item stays completed.
func (i TodoItem) CompletionKey() string {
	switch i.Category {
	case CategoryTherapy, CategoryMonitoring, CategoryMissedDose:
		return i.ID
	case CategoryPurchase, CategoryPrescription, CategoryDeadline, CategoryUpcoming, CategoryPharmacy:
		return i.Category.String() + ":" + i.MedicineID
	}
	return i.ID
}

// BlockedStatus explains why a therapy item cannot be acted on
type BlockedStatus string

const (
	BlockedNeedsPrescription BlockedStatus = "needs_prescription"
	BlockedOutOfStock        BlockedStatus = "out_of_stock"
)

// MedicineStatus is the per-medicine derived status
type MedicineStatus struct {
	NeedsPrescription bool    `json:"needs_prescription"`
	IsOutOfStock      bool    `json:"is_out_of_stock"`
	IsDepleted        bool    `json:"is_depleted"`
	CoverageDays      float64 `json:"coverage_days"`
	StockUnits        int     `json:"stock_units"`
	PurchaseNeeded    bool    `json:"purchase_needed"`
}

// TodayState is the synthesized value object handed to presentation
type TodayState struct {
	PendingItems           []TodoItem                `json:"pending_items"`
	TherapyItems           []TodoItem                `json:"therapy_items"`
	PurchaseItems          []TodoItem                `json:"purchase_items"`
	OtherItems             []TodoItem                `json:"other_items"`
	MedicineStatuses       map[string]MedicineStatus `json:"medicine_statuses"`
	BlockedTherapyStatuses map[string]BlockedStatus  `json:"blocked_therapy_statuses"`
	SyncToken              string                    `json:"sync_token"`
}

// syncToken digests item identities and content so downstream
// consumers can short-circuit redundant redraws.
func syncToken(items []TodoItem, blocked map[string]BlockedStatus) string {
	lines := make([]string, 0, len(items)+len(blocked))
	for _, it := range items {
		lines = append(lines, it.ID+"|"+it.Title+"|"+it.Detail+"|"+it.Category.String())
	}
	for id, status := range blocked {
		lines = append(lines, "blocked|"+id+"|"+string(status))
	}
	sort.Strings(lines)

	hash := sha256.Sum256([]byte(strings.Join(lines, "\n")))
	return hex.EncodeToString(hash[:])
}

package rating

import (
	"fmt"

	"github.com/ogulcanaydogan/genai-cost-ledger/pkg/model"
	"github.com/shopspring/decimal"
)

// FlowRater prices usage of one flow kind. Implementations are pure.
type FlowRater interface {
	// Flow returns the flow kind this rater handles.
	Flow() model.Flow

	// Validate checks the flow-specific quantity shape of a usage record.
	Validate(u model.UsageRecord) error

	// Rate computes the amount for a group of validated usage records that
	// share one product key, and the lineage describing what was summed.
	Rate(usage []model.UsageRecord, terms model.PriceTerms) (decimal.Decimal, model.CostLineage)
}

// UsageError reports a malformed or out-of-range usage record. It excludes
// only the offending record from the batch.
type UsageError struct {
	UsageID string
	Field   string
	Reason  string
}

func (e *UsageError) Error() string {
	return fmt.Sprintf("usage %s: %s: %s", e.UsageID, e.Field, e.Reason)
}

// thousandShift moves the decimal point for per-1K prices.
const thousandShift = -3

var hoursPerDay = decimal.NewFromInt(24)

func usageIDs(usage []model.UsageRecord) []string {
	ids := make([]string, 0, len(usage))
	for _, u := range usage {
		ids = append(ids, u.ID)
	}
	return ids
}

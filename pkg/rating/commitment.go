package rating

import (
	"github.com/ogulcanaydogan/genai-cost-ledger/pkg/model"
	"github.com/shopspring/decimal"
)

// Commitment rates provisioned capacity (PTU/GSU). Partial days prorate
// linearly by active hours: amount = units * hourly rate * hours.
type Commitment struct{}

func (Commitment) Flow() model.Flow { return model.FlowCommitment }

func (Commitment) Validate(u model.UsageRecord) error {
	if u.Capacity == nil {
		return &UsageError{UsageID: u.ID, Field: "capacity", Reason: "missing capacity quantities"}
	}
	if u.Capacity.CapacityUnits.IsNegative() {
		return &UsageError{UsageID: u.ID, Field: "capacity_units", Reason: "negative capacity"}
	}
	if u.Capacity.ActiveHours.IsNegative() || u.Capacity.ActiveHours.GreaterThan(hoursPerDay) {
		return &UsageError{UsageID: u.ID, Field: "active_hours", Reason: "must be between 0 and 24"}
	}
	return nil
}

func (Commitment) Rate(usage []model.UsageRecord, terms model.PriceTerms) (decimal.Decimal, model.CostLineage) {
	amount := decimal.Zero
	for _, u := range usage {
		amount = amount.Add(u.Capacity.CapacityUnits.Mul(terms.HourlyRate).Mul(u.Capacity.ActiveHours))
	}
	return amount, model.CostLineage{UsageIDs: usageIDs(usage)}
}

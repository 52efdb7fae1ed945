package model

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Flow is the billing model usage is measured and priced under.
type Flow string

const (
	FlowPAYG           Flow = "payg"           // Token-metered usage
	FlowCommitment     Flow = "commitment"     // Provisioned capacity (PTU/GSU)
	FlowInfrastructure Flow = "infrastructure" // Hourly instances
)

// Flows lists every flow kind in a stable order.
var Flows = []Flow{FlowPAYG, FlowCommitment, FlowInfrastructure}

// Valid reports whether f is a known flow kind.
func (f Flow) Valid() bool {
	switch f {
	case FlowPAYG, FlowCommitment, FlowInfrastructure:
		return true
	}
	return false
}

// ParseFlow converts a string into a Flow.
func ParseFlow(s string) (Flow, error) {
	f := Flow(strings.ToLower(strings.TrimSpace(s)))
	if !f.Valid() {
		return "", fmt.Errorf("unknown flow %q", s)
	}
	return f, nil
}

// TokenUsage is the PAYG quantity shape.
type TokenUsage struct {
	InputTokens  int64 `json:"input_tokens"`
	OutputTokens int64 `json:"output_tokens"`
}

// CapacityUsage is the commitment quantity shape.
type CapacityUsage struct {
	CapacityUnits decimal.Decimal `json:"capacity_units"`
	ActiveHours   decimal.Decimal `json:"active_hours"`
}

// InstanceUsage is the infrastructure quantity shape.
type InstanceUsage struct {
	InstanceID string          `json:"instance_id"`
	Hours      decimal.Decimal `json:"hours"`
}

// UsageRecord is one extracted usage measurement. Exactly one of Tokens,
// Capacity or Instance is set, matching Flow.
type UsageRecord struct {
	ID          string         `json:"id"`
	TenantID    string         `json:"tenant_id"`
	Provider    string         `json:"provider"`
	Flow        Flow           `json:"flow"`
	ProductKey  string         `json:"product_key"`
	UsageDate   time.Time      `json:"usage_date"`
	Tokens      *TokenUsage    `json:"tokens,omitempty"`
	Capacity    *CapacityUsage `json:"capacity,omitempty"`
	Instance    *InstanceUsage `json:"instance,omitempty"`
	Unit        string         `json:"unit,omitempty"`
	ExtractedAt time.Time      `json:"extracted_at"`
}

// RatingKey scopes a rating task and the cost rows it owns.
type RatingKey struct {
	TenantID string    `json:"tenant_id"`
	Provider string    `json:"provider"`
	Flow     Flow      `json:"flow"`
	Date     time.Time `json:"date"`
}

func (k RatingKey) String() string {
	return k.TenantID + "/" + k.Provider + "/" + string(k.Flow) + "/" + FormatDate(k.Date)
}

// PricingRecord is one effective-dated price, either a catalog default
// (TenantID empty) or a tenant override.
type PricingRecord struct {
	ID            string          `json:"id"`
	TenantID      string          `json:"tenant_id,omitempty"`
	Provider      string          `json:"provider"`
	Flow          Flow            `json:"flow"`
	ProductKey    string          `json:"product_key"`
	InputPer1K    decimal.Decimal `json:"input_per_1k"`
	OutputPer1K   decimal.Decimal `json:"output_per_1k"`
	HourlyRate    decimal.Decimal `json:"hourly_rate"`
	Currency      string          `json:"currency"`
	EffectiveFrom time.Time       `json:"effective_from"`
	EffectiveTo   *time.Time      `json:"effective_to,omitempty"`
	IsOverride    bool            `json:"is_override"`
	Source        string          `json:"source,omitempty"`
	UpdatedAt     time.Time       `json:"updated_at"`
}

// Covers reports whether the record's [EffectiveFrom, EffectiveTo) window
// contains date.
func (p PricingRecord) Covers(date time.Time) bool {
	if date.Before(p.EffectiveFrom) {
		return false
	}
	return p.EffectiveTo == nil || date.Before(*p.EffectiveTo)
}

// Terms returns the price terms carried by this record.
func (p PricingRecord) Terms() PriceTerms {
	return PriceTerms{
		PricingID:     p.ID,
		Provider:      p.Provider,
		Flow:          p.Flow,
		ProductKey:    p.ProductKey,
		InputPer1K:    p.InputPer1K,
		OutputPer1K:   p.OutputPer1K,
		HourlyRate:    p.HourlyRate,
		Currency:      p.Currency,
		IsOverride:    p.IsOverride,
		EffectiveFrom: p.EffectiveFrom,
	}
}

// PriceTerms is the single effective unit price for a product on a date.
type PriceTerms struct {
	PricingID     string          `json:"pricing_id"`
	Provider      string          `json:"provider"`
	Flow          Flow            `json:"flow"`
	ProductKey    string          `json:"product_key"`
	InputPer1K    decimal.Decimal `json:"input_per_1k"`
	OutputPer1K   decimal.Decimal `json:"output_per_1k"`
	HourlyRate    decimal.Decimal `json:"hourly_rate"`
	Currency      string          `json:"currency"`
	IsOverride    bool            `json:"is_override"`
	EffectiveFrom time.Time       `json:"effective_from"`
}

// CostStatus marks whether a cost row could be priced.
type CostStatus string

const (
	CostPriced   CostStatus = "PRICED"
	CostUnpriced CostStatus = "UNPRICED"
)

// InstanceLineage records one instance summed into an infrastructure cost.
type InstanceLineage struct {
	InstanceID string          `json:"instance_id"`
	Hours      decimal.Decimal `json:"hours"`
}

// CostLineage links a cost row back to the price and usage that produced it.
type CostLineage struct {
	SourcePricingID string            `json:"source_pricing_id,omitempty"`
	RunID           string            `json:"run_id,omitempty"`
	UsageIDs        []string          `json:"usage_ids,omitempty"`
	Instances       []InstanceLineage `json:"instances,omitempty"`
}

// CostRecord is a flow-scoped daily cost, unique per
// (tenant, provider, flow, product key, cost date).
type CostRecord struct {
	ID         string          `json:"id"`
	TenantID   string          `json:"tenant_id"`
	Provider   string          `json:"provider"`
	Flow       Flow            `json:"flow"`
	ProductKey string          `json:"product_key"`
	CostDate   time.Time       `json:"cost_date"`
	Amount     decimal.Decimal `json:"amount"`
	Currency   string          `json:"currency"`
	Status     CostStatus      `json:"status"`
	Reason     string          `json:"reason,omitempty"`
	UsageCount int             `json:"usage_count"`
	Lineage    CostLineage     `json:"lineage"`
}

// UnifiedCostRecord is one row of the cross-flow ledger, unique per
// (tenant, cost date, flow, provider, product key).
type UnifiedCostRecord struct {
	ID              string          `json:"id"`
	TenantID        string          `json:"tenant_id"`
	CostDate        time.Time       `json:"cost_date"`
	Flow            Flow            `json:"flow"`
	Provider        string          `json:"provider"`
	ProductKey      string          `json:"product_key"`
	Amount          decimal.Decimal `json:"amount"`
	Currency        string          `json:"currency"`
	SourceCostID    string          `json:"source_cost_id"`
	SourcePricingID string          `json:"source_pricing_id"`
	RunID           string          `json:"run_id,omitempty"`
}

// StandardLedgerRecord is the stable allocation schema row handed to
// downstream consumers.
type StandardLedgerRecord struct {
	ID                string          `json:"id"`
	SchemaVersion     string          `json:"schema_version"`
	TenantID          string          `json:"tenant_id"`
	ChargePeriodStart time.Time       `json:"charge_period_start"`
	ChargePeriodEnd   time.Time       `json:"charge_period_end"`
	ProviderName      string          `json:"provider_name"`
	ServiceCategory   string          `json:"service_category"`
	ChargeCategory    string          `json:"charge_category,omitempty"`
	SkuID             string          `json:"sku_id"`
	BilledCost        decimal.Decimal `json:"billed_cost"`
	BillingCurrency   string          `json:"billing_currency"`
	SourceUnifiedID   string          `json:"source_unified_id"`
	RunID             string          `json:"run_id,omitempty"`
}

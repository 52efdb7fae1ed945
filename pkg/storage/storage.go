package storage

import (
	"context"
	"errors"
	"time"

	"github.com/ogulcanaydogan/genai-cost-ledger/pkg/model"
)

// ErrNotFound is returned when a keyed lookup matches nothing.
var ErrNotFound = errors.New("not found")

// PricingFilter selects pricing records. Empty fields match everything;
// TenantIDs may include "" to select catalog rows.
type PricingFilter struct {
	TenantIDs  []string
	Provider   string
	Flow       model.Flow
	ProductKey string
	Override   *bool
}

// CostFilter selects flow-scoped cost records for one tenant and date.
type CostFilter struct {
	TenantID string
	Date     time.Time
	Provider string
	Flow     model.Flow
	Status   model.CostStatus
}

// RunFilter selects pipeline runs.
type RunFilter struct {
	TenantID string
	Date     time.Time
	Kind     model.RunKind
	Provider string
	Flow     model.Flow
}

// Storage is the keyed, date-partitioned table abstraction the pipeline
// writes through. Every Replace* call is a delete-then-insert scoped to its
// key prefix and is atomic from a reader's perspective.
type Storage interface {
	// ReplaceUsage swaps the extracted usage for a rating key.
	ReplaceUsage(ctx context.Context, key model.RatingKey, records []model.UsageRecord) error

	// ReadUsage returns the stored usage for a rating key.
	ReadUsage(ctx context.Context, key model.RatingKey) ([]model.UsageRecord, error)

	// ReplaceCatalog swaps all catalog (non-override) prices of a provider.
	ReplaceCatalog(ctx context.Context, provider string, records []model.PricingRecord) error

	// PutPricing inserts or updates a single pricing record by ID.
	PutPricing(ctx context.Context, record *model.PricingRecord) error

	// FindPricing returns pricing records matching the filter.
	FindPricing(ctx context.Context, filter PricingFilter) ([]model.PricingRecord, error)

	// ReplaceCostRecords swaps the flow-scoped cost rows for a rating key.
	ReplaceCostRecords(ctx context.Context, key model.RatingKey, records []model.CostRecord) error

	// ReadCostRecords returns flow-scoped cost rows matching the filter.
	ReadCostRecords(ctx context.Context, filter CostFilter) ([]model.CostRecord, error)

	// ReplaceUnified swaps the unified ledger rows of a (tenant, date).
	ReplaceUnified(ctx context.Context, tenantID string, date time.Time, records []model.UnifiedCostRecord) error

	// ReadUnified returns the unified ledger rows of a (tenant, date).
	ReadUnified(ctx context.Context, tenantID string, date time.Time) ([]model.UnifiedCostRecord, error)

	// ReplaceStandardLedger swaps the standard ledger rows of a (tenant, charge period).
	ReplaceStandardLedger(ctx context.Context, tenantID string, date time.Time, records []model.StandardLedgerRecord) error

	// ReadStandardLedger returns the standard ledger rows of a (tenant, charge period).
	ReadStandardLedger(ctx context.Context, tenantID string, date time.Time) ([]model.StandardLedgerRecord, error)

	// CreateRun persists a new pipeline run.
	CreateRun(ctx context.Context, run *model.PipelineRun) error

	// UpdateRun persists the mutable fields of a pipeline run.
	UpdateRun(ctx context.Context, run *model.PipelineRun) error

	// GetRun retrieves a run by ID.
	GetRun(ctx context.Context, id string) (*model.PipelineRun, error)

	// ListRuns returns runs matching the filter, oldest first.
	ListRuns(ctx context.Context, filter RunFilter) ([]model.PipelineRun, error)

	// Close releases resources.
	Close() error
}

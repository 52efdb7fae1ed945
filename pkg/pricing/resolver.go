package pricing

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/ogulcanaydogan/genai-cost-ledger/pkg/model"
	"github.com/ogulcanaydogan/genai-cost-ledger/pkg/storage"
)

// Query identifies the price a caller needs.
type Query struct {
	TenantID   string
	Provider   string
	Flow       model.Flow
	ProductKey string
	AsOf       time.Time
}

func (q Query) validate() error {
	if strings.TrimSpace(q.ProductKey) == "" {
		return fmt.Errorf("%w: product key is required", ErrInvalidQuery)
	}
	if q.Provider == "" {
		return fmt.Errorf("%w: provider is required", ErrInvalidQuery)
	}
	if !q.Flow.Valid() {
		return fmt.Errorf("%w: unknown flow %q", ErrInvalidQuery, q.Flow)
	}
	if !model.IsCalendarDate(q.AsOf) {
		return fmt.Errorf("%w: as-of %s is not a calendar date", ErrInvalidQuery, q.AsOf.Format(time.RFC3339))
	}
	return nil
}

// Resolver returns the single effective price for a query.
type Resolver interface {
	Resolve(ctx context.Context, q Query) (model.PriceTerms, error)
}

// Source is the read side of the pricing table.
type Source interface {
	FindPricing(ctx context.Context, filter storage.PricingFilter) ([]model.PricingRecord, error)
}

// StoreResolver resolves prices directly against a Source with no caching.
type StoreResolver struct {
	source Source
	logger *slog.Logger
}

// NewResolver creates a resolver over the given pricing source.
func NewResolver(source Source, logger *slog.Logger) *StoreResolver {
	return &StoreResolver{source: source, logger: logger}
}

// Resolve applies tenant overrides first and falls back to the catalog.
// Both tiers use the [effective_from, effective_to) window.
func (r *StoreResolver) Resolve(ctx context.Context, q Query) (model.PriceTerms, error) {
	q.Provider = strings.ToLower(strings.TrimSpace(q.Provider))
	if err := q.validate(); err != nil {
		return model.PriceTerms{}, fmt.Errorf("resolve pricing: %w", err)
	}

	tenants := []string{""}
	if q.TenantID != "" {
		tenants = append(tenants, q.TenantID)
	}
	records, err := r.source.FindPricing(ctx, storage.PricingFilter{
		TenantIDs:  tenants,
		Provider:   q.Provider,
		Flow:       q.Flow,
		ProductKey: q.ProductKey,
	})
	if err != nil {
		return model.PriceTerms{}, fmt.Errorf("resolve pricing: %w", err)
	}

	var overrides, catalog []model.PricingRecord
	for _, rec := range records {
		if !rec.Covers(q.AsOf) {
			continue
		}
		switch {
		case rec.IsOverride && q.TenantID != "" && rec.TenantID == q.TenantID:
			overrides = append(overrides, rec)
		case !rec.IsOverride && rec.TenantID == "":
			catalog = append(catalog, rec)
		}
	}

	if len(overrides) > 0 {
		if len(overrides) > 1 {
			r.logger.Warn("overlapping pricing overrides",
				"tenant", q.TenantID,
				"provider", q.Provider,
				"flow", q.Flow,
				"product_key", q.ProductKey,
				"as_of", model.FormatDate(q.AsOf),
				"matches", len(overrides),
			)
		}
		return latest(overrides).Terms(), nil
	}
	if len(catalog) > 0 {
		return latest(catalog).Terms(), nil
	}
	return model.PriceTerms{}, &NotFoundError{Query: q}
}

// latest picks the record with the latest EffectiveFrom, breaking ties by ID
// so the choice is stable.
func latest(records []model.PricingRecord) model.PricingRecord {
	best := records[0]
	for _, rec := range records[1:] {
		if rec.EffectiveFrom.After(best.EffectiveFrom) ||
			(rec.EffectiveFrom.Equal(best.EffectiveFrom) && rec.ID > best.ID) {
			best = rec
		}
	}
	return best
}

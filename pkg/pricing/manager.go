package pricing

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/ogulcanaydogan/genai-cost-ledger/pkg/model"
	"github.com/ogulcanaydogan/genai-cost-ledger/pkg/storage"
	"github.com/shopspring/decimal"
)

// Store is the pricing table as seen by the management side.
type Store interface {
	Source
	ReplaceCatalog(ctx context.Context, provider string, records []model.PricingRecord) error
	PutPricing(ctx context.Context, record *model.PricingRecord) error
}

// Override is a tenant-specific price request.
type Override struct {
	TenantID    string
	Provider    string
	Flow        model.Flow
	ProductKey  string
	InputPer1K  decimal.Decimal
	OutputPer1K decimal.Decimal
	HourlyRate  decimal.Decimal
	Currency    string
	From        time.Time
	To          *time.Time
}

// Manager writes catalog and override prices. The rating path only reads.
type Manager struct {
	store  Store
	caches []*CachedResolver
	logger *slog.Logger
	now    func() time.Time
}

// NewManager creates a pricing manager over store. Caches are purged
// after every write.
func NewManager(store Store, logger *slog.Logger, caches ...*CachedResolver) *Manager {
	return &Manager{store: store, caches: caches, logger: logger, now: time.Now}
}

func (m *Manager) purge() {
	for _, c := range m.caches {
		c.Purge()
	}
}

// SyncCatalog replaces each provider's catalog rows with the file contents
// and returns the number of records written.
func (m *Manager) SyncCatalog(ctx context.Context, files []*CatalogFile) (int, error) {
	defer m.purge()
	total := 0
	for _, f := range files {
		records, err := f.Records()
		if err != nil {
			return total, fmt.Errorf("sync catalog: %w", err)
		}
		now := m.now().UTC()
		for i := range records {
			records[i].UpdatedAt = now
		}
		provider := records[0].Provider
		if err := m.store.ReplaceCatalog(ctx, provider, records); err != nil {
			return total, fmt.Errorf("sync catalog %s: %w", provider, err)
		}
		m.logger.Info("pricing catalog synced", "provider", provider, "records", len(records))
		total += len(records)
	}
	return total, nil
}

// SetOverride validates o against the tenant's existing overrides and
// stores it. An override with the same start date replaces the old one.
func (m *Manager) SetOverride(ctx context.Context, o Override) (*model.PricingRecord, error) {
	rec, err := o.record()
	if err != nil {
		return nil, fmt.Errorf("set override: %w", err)
	}

	isOverride := true
	existing, err := m.store.FindPricing(ctx, storage.PricingFilter{
		TenantIDs:  []string{rec.TenantID},
		Provider:   rec.Provider,
		Flow:       rec.Flow,
		ProductKey: rec.ProductKey,
		Override:   &isOverride,
	})
	if err != nil {
		return nil, fmt.Errorf("set override: %w", err)
	}
	if err := CheckOverlap(rec, existing); err != nil {
		return nil, fmt.Errorf("set override: %w", err)
	}

	rec.UpdatedAt = m.now().UTC()
	if err := m.store.PutPricing(ctx, &rec); err != nil {
		return nil, fmt.Errorf("set override: %w", err)
	}
	m.purge()
	m.logger.Info("pricing override set",
		"tenant", rec.TenantID,
		"provider", rec.Provider,
		"flow", rec.Flow,
		"product_key", rec.ProductKey,
		"effective_from", model.FormatDate(rec.EffectiveFrom),
	)
	return &rec, nil
}

// List returns stored pricing rows matching filter.
func (m *Manager) List(ctx context.Context, filter storage.PricingFilter) ([]model.PricingRecord, error) {
	records, err := m.store.FindPricing(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("list pricing: %w", err)
	}
	return records, nil
}

func (o Override) record() (model.PricingRecord, error) {
	tenant := strings.TrimSpace(o.TenantID)
	if tenant == "" {
		return model.PricingRecord{}, fmt.Errorf("tenant is required")
	}
	provider := strings.ToLower(strings.TrimSpace(o.Provider))
	if provider == "" {
		return model.PricingRecord{}, fmt.Errorf("provider is required")
	}
	if !o.Flow.Valid() {
		return model.PricingRecord{}, fmt.Errorf("unknown flow %q", o.Flow)
	}
	product := strings.TrimSpace(o.ProductKey)
	if product == "" {
		return model.PricingRecord{}, fmt.Errorf("product key is required")
	}
	if !model.IsCalendarDate(o.From) {
		return model.PricingRecord{}, fmt.Errorf("effective_from must be a calendar date")
	}
	if o.To != nil && (!model.IsCalendarDate(*o.To) || !o.To.After(o.From)) {
		return model.PricingRecord{}, fmt.Errorf("effective_to must be a calendar date after effective_from")
	}
	for name, d := range map[string]decimal.Decimal{
		"input_per_1k":  o.InputPer1K,
		"output_per_1k": o.OutputPer1K,
		"hourly_rate":   o.HourlyRate,
	} {
		if d.IsNegative() {
			return model.PricingRecord{}, fmt.Errorf("%s must not be negative", name)
		}
	}

	currency := strings.ToUpper(strings.TrimSpace(o.Currency))
	if currency == "" {
		currency = "USD"
	}

	return model.PricingRecord{
		ID:            model.RecordID("override", tenant, provider, string(o.Flow), product, model.FormatDate(o.From)),
		TenantID:      tenant,
		Provider:      provider,
		Flow:          o.Flow,
		ProductKey:    product,
		InputPer1K:    o.InputPer1K,
		OutputPer1K:   o.OutputPer1K,
		HourlyRate:    o.HourlyRate,
		Currency:      currency,
		EffectiveFrom: o.From,
		EffectiveTo:   o.To,
		IsOverride:    true,
		Source:        "override",
	}, nil
}

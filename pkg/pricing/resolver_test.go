package pricing_test

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/ogulcanaydogan/genai-cost-ledger/pkg/model"
	"github.com/ogulcanaydogan/genai-cost-ledger/pkg/pricing"
	"github.com/ogulcanaydogan/genai-cost-ledger/pkg/storage"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func date(s string) time.Time {
	d, err := model.ParseDate(s)
	if err != nil {
		panic(err)
	}
	return d
}

func newStore(t *testing.T) *storage.SQLite {
	t.Helper()
	db, err := storage.NewSQLite(filepath.Join(t.TempDir(), "pricing.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func testLogger(buf *bytes.Buffer) *slog.Logger {
	return slog.New(slog.NewTextHandler(buf, nil))
}

func seedCatalog(t *testing.T, store *storage.SQLite) {
	t.Helper()
	require.NoError(t, store.ReplaceCatalog(context.Background(), "openai", []model.PricingRecord{
		{ID: "cat-gpt4o", Provider: "openai", Flow: model.FlowPAYG, ProductKey: "gpt-4o",
			InputPer1K: decimal.RequireFromString("2.50"), OutputPer1K: decimal.RequireFromString("10.00"),
			Currency: "USD", EffectiveFrom: date("2000-01-01")},
	}))
}

func TestResolve_OverridePrecedence(t *testing.T) {
	store := newStore(t)
	seedCatalog(t, store)
	ctx := context.Background()

	require.NoError(t, store.PutPricing(ctx, &model.PricingRecord{
		ID: "ovr-acme", TenantID: "acme", Provider: "openai", Flow: model.FlowPAYG, ProductKey: "gpt-4o",
		InputPer1K: decimal.RequireFromString("2.00"), OutputPer1K: decimal.RequireFromString("8.00"),
		Currency: "USD", EffectiveFrom: date("2025-01-01"), IsOverride: true,
	}))

	r := pricing.NewResolver(store, testLogger(&bytes.Buffer{}))

	terms, err := r.Resolve(ctx, pricing.Query{TenantID: "acme", Provider: "openai", Flow: model.FlowPAYG,
		ProductKey: "gpt-4o", AsOf: date("2025-01-15")})
	require.NoError(t, err)
	assert.Equal(t, "ovr-acme", terms.PricingID)
	assert.True(t, terms.IsOverride)
	assert.True(t, decimal.RequireFromString("2.00").Equal(terms.InputPer1K))

	terms, err = r.Resolve(ctx, pricing.Query{TenantID: "acme", Provider: "openai", Flow: model.FlowPAYG,
		ProductKey: "gpt-4o", AsOf: date("2024-12-31")})
	require.NoError(t, err)
	assert.Equal(t, "cat-gpt4o", terms.PricingID)
	assert.False(t, terms.IsOverride)

	// Other tenants never see acme's override.
	terms, err = r.Resolve(ctx, pricing.Query{TenantID: "globex", Provider: "openai", Flow: model.FlowPAYG,
		ProductKey: "gpt-4o", AsOf: date("2025-01-15")})
	require.NoError(t, err)
	assert.Equal(t, "cat-gpt4o", terms.PricingID)
}

func TestResolve_EffectiveToIsExclusive(t *testing.T) {
	store := newStore(t)
	seedCatalog(t, store)
	ctx := context.Background()
	end := date("2025-02-01")

	require.NoError(t, store.PutPricing(ctx, &model.PricingRecord{
		ID: "ovr-jan", TenantID: "acme", Provider: "openai", Flow: model.FlowPAYG, ProductKey: "gpt-4o",
		InputPer1K: decimal.RequireFromString("1"), Currency: "USD",
		EffectiveFrom: date("2025-01-01"), EffectiveTo: &end, IsOverride: true,
	}))

	r := pricing.NewResolver(store, testLogger(&bytes.Buffer{}))
	q := pricing.Query{TenantID: "acme", Provider: "openai", Flow: model.FlowPAYG, ProductKey: "gpt-4o"}

	q.AsOf = date("2025-01-31")
	terms, err := r.Resolve(ctx, q)
	require.NoError(t, err)
	assert.Equal(t, "ovr-jan", terms.PricingID)

	q.AsOf = end
	terms, err = r.Resolve(ctx, q)
	require.NoError(t, err)
	assert.Equal(t, "cat-gpt4o", terms.PricingID)
}

func TestResolve_NotFound(t *testing.T) {
	store := newStore(t)
	seedCatalog(t, store)

	r := pricing.NewResolver(store, testLogger(&bytes.Buffer{}))
	_, err := r.Resolve(context.Background(), pricing.Query{TenantID: "acme", Provider: "openai",
		Flow: model.FlowPAYG, ProductKey: "gpt-9", AsOf: date("2025-01-15")})
	require.Error(t, err)
	assert.ErrorIs(t, err, pricing.ErrNotFound)

	var nf *pricing.NotFoundError
	require.True(t, errors.As(err, &nf))
	assert.Equal(t, "gpt-9", nf.Query.ProductKey)

	// Catalog starts in 2000; earlier dates are not covered.
	_, err = r.Resolve(context.Background(), pricing.Query{Provider: "openai", Flow: model.FlowPAYG,
		ProductKey: "gpt-4o", AsOf: date("1999-12-31")})
	assert.ErrorIs(t, err, pricing.ErrNotFound)
}

func TestResolve_InvalidQuery(t *testing.T) {
	r := pricing.NewResolver(newStore(t), testLogger(&bytes.Buffer{}))
	ctx := context.Background()

	tests := []struct {
		name string
		q    pricing.Query
	}{
		{"empty product", pricing.Query{Provider: "openai", Flow: model.FlowPAYG, AsOf: date("2025-01-15")}},
		{"not a calendar date", pricing.Query{Provider: "openai", Flow: model.FlowPAYG, ProductKey: "gpt-4o",
			AsOf: time.Date(2025, 1, 15, 10, 30, 0, 0, time.UTC)}},
		{"unknown flow", pricing.Query{Provider: "openai", Flow: "spot", ProductKey: "gpt-4o", AsOf: date("2025-01-15")}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := r.Resolve(ctx, tt.q)
			require.ErrorIs(t, err, pricing.ErrInvalidQuery)
			assert.NotErrorIs(t, err, pricing.ErrNotFound)
		})
	}
}

func TestResolve_OverlappingOverridesWarn(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()

	// Written straight to storage to bypass the manager's overlap check.
	for _, rec := range []model.PricingRecord{
		{ID: "ovr-a", TenantID: "acme", Provider: "azure", Flow: model.FlowCommitment, ProductKey: "ptu-gpt4o",
			HourlyRate: decimal.RequireFromString("1"), Currency: "USD", EffectiveFrom: date("2025-01-01"), IsOverride: true},
		{ID: "ovr-b", TenantID: "acme", Provider: "azure", Flow: model.FlowCommitment, ProductKey: "ptu-gpt4o",
			HourlyRate: decimal.RequireFromString("2"), Currency: "USD", EffectiveFrom: date("2025-01-10"), IsOverride: true},
	} {
		require.NoError(t, store.PutPricing(ctx, &rec))
	}

	var logs bytes.Buffer
	r := pricing.NewResolver(store, testLogger(&logs))
	terms, err := r.Resolve(ctx, pricing.Query{TenantID: "acme", Provider: "azure", Flow: model.FlowCommitment,
		ProductKey: "ptu-gpt4o", AsOf: date("2025-01-15")})
	require.NoError(t, err)
	assert.Equal(t, "ovr-b", terms.PricingID)
	assert.Contains(t, logs.String(), "overlapping pricing overrides")
}

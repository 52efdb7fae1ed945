package consolidate_test

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/ogulcanaydogan/genai-cost-ledger/pkg/consolidate"
	"github.com/ogulcanaydogan/genai-cost-ledger/pkg/model"
	"github.com/ogulcanaydogan/genai-cost-ledger/pkg/storage"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var day = time.Date(2025, 1, 15, 0, 0, 0, 0, time.UTC)

func newStore(t *testing.T) *storage.SQLite {
	t.Helper()
	db, err := storage.NewSQLite(filepath.Join(t.TempDir(), "consolidate.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func logger() *slog.Logger { return slog.New(slog.NewTextHandler(&bytes.Buffer{}, nil)) }

func cost(provider string, flow model.Flow, product, amount string, status model.CostStatus) model.CostRecord {
	return model.CostRecord{
		ID:         model.RecordID("acme", provider, string(flow), product, model.FormatDate(day)),
		TenantID:   "acme",
		Provider:   provider,
		Flow:       flow,
		ProductKey: product,
		CostDate:   day,
		Amount:     decimal.RequireFromString(amount),
		Currency:   "USD",
		Status:     status,
		UsageCount: 1,
		Lineage:    model.CostLineage{SourcePricingID: "price-" + product},
	}
}

func seed(t *testing.T, store *storage.SQLite, records ...model.CostRecord) {
	t.Helper()
	byKey := make(map[model.RatingKey][]model.CostRecord)
	for _, r := range records {
		k := model.RatingKey{TenantID: r.TenantID, Provider: r.Provider, Flow: r.Flow, Date: r.CostDate}
		byKey[k] = append(byKey[k], r)
	}
	for k, rs := range byKey {
		require.NoError(t, store.ReplaceCostRecords(context.Background(), k, rs))
	}
}

func TestConsolidate_ReplacesPreviousRows(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()

	old := []model.UnifiedCostRecord{
		{ID: "old-1", TenantID: "acme", CostDate: day, Flow: model.FlowPAYG, Provider: "openai", ProductKey: "gpt-3.5", Amount: decimal.NewFromInt(1), Currency: "USD", SourceCostID: "x"},
		{ID: "old-2", TenantID: "acme", CostDate: day, Flow: model.FlowPAYG, Provider: "openai", ProductKey: "gpt-4", Amount: decimal.NewFromInt(2), Currency: "USD", SourceCostID: "y"},
		{ID: "old-3", TenantID: "acme", CostDate: day, Flow: model.FlowCommitment, Provider: "azure", ProductKey: "ptu-old", Amount: decimal.NewFromInt(3), Currency: "USD", SourceCostID: "z"},
	}
	require.NoError(t, store.ReplaceUnified(ctx, "acme", day, old))

	seed(t, store,
		cost("openai", model.FlowPAYG, "gpt-4o", "12.00", model.CostPriced),
		cost("openai", model.FlowPAYG, "gpt-4o-mini", "0.40", model.CostPriced),
		cost("openai", model.FlowPAYG, "mystery", "0", model.CostUnpriced),
		cost("azure", model.FlowPAYG, "gpt-4o", "3.10", model.CostPriced),
		cost("azure", model.FlowCommitment, "ptu-gpt-4o", "2400", model.CostPriced),
		cost("azure", model.FlowInfrastructure, "nc24", "5.00", model.CostPriced),
	)

	res, err := consolidate.New(store, logger()).Consolidate(ctx, "acme", day, "run-9")
	require.NoError(t, err)
	assert.Equal(t, 5, res.Unified())
	require.Len(t, res.Unpriced, 1)
	assert.Equal(t, "mystery", res.Unpriced[0].ProductKey)

	rows, err := store.ReadUnified(ctx, "acme", day)
	require.NoError(t, err)
	require.Len(t, rows, 5)
	for _, r := range rows {
		assert.NotContains(t, []string{"old-1", "old-2", "old-3"}, r.ID)
		assert.Equal(t, "run-9", r.RunID)
		assert.NotEmpty(t, r.SourceCostID)
		assert.Equal(t, "price-"+r.ProductKey, r.SourcePricingID)
	}
}

func TestConsolidate_KeepsFlowsSeparate(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()

	// Same provider and product under two flows stays two rows.
	seed(t, store,
		cost("azure", model.FlowPAYG, "gpt-4o", "3.00", model.CostPriced),
		cost("azure", model.FlowCommitment, "gpt-4o", "48.00", model.CostPriced),
	)

	res, err := consolidate.New(store, logger()).Consolidate(ctx, "acme", day, "")
	require.NoError(t, err)
	require.Equal(t, 2, res.Unified())
	assert.Equal(t, model.FlowCommitment, res.Records[0].Flow)
	assert.Equal(t, model.FlowPAYG, res.Records[1].Flow)
}

func TestConsolidate_Rerun(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()
	c := consolidate.New(store, logger())

	seed(t, store, cost("openai", model.FlowPAYG, "gpt-4o", "12.00", model.CostPriced))
	first, err := c.Consolidate(ctx, "acme", day, "")
	require.NoError(t, err)
	second, err := c.Consolidate(ctx, "acme", day, "")
	require.NoError(t, err)
	assert.Equal(t, first.Records, second.Records)

	rows, err := store.ReadUnified(ctx, "acme", day)
	require.NoError(t, err)
	assert.Len(t, rows, 1)
}

func TestConsolidate_EmptyDayClearsLedger(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()

	require.NoError(t, store.ReplaceUnified(ctx, "acme", day, []model.UnifiedCostRecord{
		{ID: "stale", TenantID: "acme", CostDate: day, Flow: model.FlowPAYG, Provider: "openai", ProductKey: "gpt-4", Amount: decimal.NewFromInt(1), Currency: "USD", SourceCostID: "x"},
	}))

	res, err := consolidate.New(store, logger()).Consolidate(ctx, "acme", day, "")
	require.NoError(t, err)
	assert.Equal(t, 0, res.Unified())

	rows, err := store.ReadUnified(ctx, "acme", day)
	require.NoError(t, err)
	assert.Empty(t, rows)
}

type failingStore struct{}

func (failingStore) ReadCostRecords(context.Context, storage.CostFilter) ([]model.CostRecord, error) {
	return nil, errors.New("disk I/O error")
}

func (failingStore) ReplaceUnified(context.Context, string, time.Time, []model.UnifiedCostRecord) error {
	panic("must not write after a failed read")
}

func TestConsolidate_ReadFailure(t *testing.T) {
	_, err := consolidate.New(failingStore{}, logger()).Consolidate(context.Background(), "acme", day, "")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "disk I/O error")
}

func TestConsolidate_InvalidInput(t *testing.T) {
	c := consolidate.New(failingStore{}, logger())
	_, err := c.Consolidate(context.Background(), "", day, "")
	assert.Error(t, err)
	_, err = c.Consolidate(context.Background(), "acme", day.Add(time.Minute), "")
	assert.Error(t, err)
}

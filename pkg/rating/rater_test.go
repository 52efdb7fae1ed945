package rating_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/ogulcanaydogan/genai-cost-ledger/pkg/model"
	"github.com/ogulcanaydogan/genai-cost-ledger/pkg/pricing"
	"github.com/ogulcanaydogan/genai-cost-ledger/pkg/rating"
	"github.com/ogulcanaydogan/genai-cost-ledger/pkg/storage"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var day = time.Date(2025, 1, 15, 0, 0, 0, 0, time.UTC)

// mapResolver resolves from a fixed product -> terms table.
type mapResolver struct {
	terms map[string]model.PriceTerms
	err   error
	calls int
}

func (m *mapResolver) Resolve(_ context.Context, q pricing.Query) (model.PriceTerms, error) {
	m.calls++
	if m.err != nil {
		return model.PriceTerms{}, m.err
	}
	t, ok := m.terms[q.ProductKey]
	if !ok {
		return model.PriceTerms{}, &pricing.NotFoundError{Query: q}
	}
	return t, nil
}

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func newRater(res pricing.Resolver, w rating.CostWriter) *rating.Rater {
	return rating.NewRater(res, rating.DefaultRegistry(), w, slog.New(slog.NewTextHandler(&bytes.Buffer{}, nil)))
}

func paygUsage(id, product string, in, out int64) model.UsageRecord {
	return model.UsageRecord{ID: id, TenantID: "acme", Provider: "openai", Flow: model.FlowPAYG,
		ProductKey: product, UsageDate: day, Tokens: &model.TokenUsage{InputTokens: in, OutputTokens: out}}
}

func TestRate_PAYG(t *testing.T) {
	res := &mapResolver{terms: map[string]model.PriceTerms{
		"gpt-4o": {PricingID: "p1", InputPer1K: d("2.00"), OutputPer1K: d("8.00"), Currency: "USD"},
	}}
	r := newRater(res, nil)

	out, err := r.Rate(context.Background(), rating.Batch{
		TenantID: "acme", Provider: "openai", Flow: model.FlowPAYG, Date: day, RunID: "run-1",
		Usage: []model.UsageRecord{paygUsage("u1", "gpt-4o", 2000, 1000)},
	})
	require.NoError(t, err)
	require.Len(t, out.Priced, 1)

	rec := out.Priced[0]
	assert.True(t, d("12.00").Equal(rec.Amount), "got %s", rec.Amount)
	assert.Equal(t, "USD", rec.Currency)
	assert.Equal(t, model.CostPriced, rec.Status)
	assert.Equal(t, "p1", rec.Lineage.SourcePricingID)
	assert.Equal(t, "run-1", rec.Lineage.RunID)
	assert.Equal(t, []string{"u1"}, rec.Lineage.UsageIDs)
}

func TestRate_PAYG_ZeroUsageIsPriced(t *testing.T) {
	res := &mapResolver{terms: map[string]model.PriceTerms{
		"gpt-4o": {PricingID: "p1", InputPer1K: d("2.00"), OutputPer1K: d("8.00"), Currency: "USD"},
	}}
	out, err := newRater(res, nil).Rate(context.Background(), rating.Batch{
		TenantID: "acme", Provider: "openai", Flow: model.FlowPAYG, Date: day,
		Usage: []model.UsageRecord{paygUsage("u1", "gpt-4o", 0, 0)},
	})
	require.NoError(t, err)
	require.Len(t, out.Priced, 1)
	assert.True(t, out.Priced[0].Amount.IsZero())
	assert.Equal(t, model.CostPriced, out.Priced[0].Status)
}

func TestRate_PAYG_AggregatesByProduct(t *testing.T) {
	res := &mapResolver{terms: map[string]model.PriceTerms{
		"gpt-4o":      {PricingID: "p1", InputPer1K: d("0.0025"), OutputPer1K: d("0.01"), Currency: "USD"},
		"gpt-4o-mini": {PricingID: "p2", InputPer1K: d("0.00015"), OutputPer1K: d("0.0006"), Currency: "USD"},
	}}
	out, err := newRater(res, nil).Rate(context.Background(), rating.Batch{
		TenantID: "acme", Provider: "openai", Flow: model.FlowPAYG, Date: day,
		Usage: []model.UsageRecord{
			paygUsage("u2", "gpt-4o", 1000, 0),
			paygUsage("u1", "gpt-4o", 1000, 500),
			paygUsage("u3", "gpt-4o-mini", 10000, 10000),
		},
	})
	require.NoError(t, err)
	require.Len(t, out.Priced, 2)
	assert.Equal(t, 2, res.calls)

	assert.Equal(t, "gpt-4o", out.Priced[0].ProductKey)
	assert.True(t, d("0.01").Equal(out.Priced[0].Amount), "got %s", out.Priced[0].Amount)
	assert.Equal(t, 2, out.Priced[0].UsageCount)
	assert.Equal(t, []string{"u1", "u2"}, out.Priced[0].Lineage.UsageIDs)

	assert.Equal(t, "gpt-4o-mini", out.Priced[1].ProductKey)
	assert.True(t, d("0.0075").Equal(out.Priced[1].Amount), "got %s", out.Priced[1].Amount)
}

func TestRate_Commitment(t *testing.T) {
	res := &mapResolver{terms: map[string]model.PriceTerms{
		"ptu-gpt-4o": {PricingID: "c1", HourlyRate: d("2.00"), Currency: "USD"},
	}}
	out, err := newRater(res, nil).Rate(context.Background(), rating.Batch{
		TenantID: "acme", Provider: "azure", Flow: model.FlowCommitment, Date: day,
		Usage: []model.UsageRecord{
			{ID: "c-full", TenantID: "acme", Provider: "azure", Flow: model.FlowCommitment, ProductKey: "ptu-gpt-4o",
				UsageDate: day, Capacity: &model.CapacityUsage{CapacityUnits: d("50"), ActiveHours: d("24")}},
			{ID: "c-half", TenantID: "acme", Provider: "azure", Flow: model.FlowCommitment, ProductKey: "ptu-gpt-4o",
				UsageDate: day, Capacity: &model.CapacityUsage{CapacityUnits: d("10"), ActiveHours: d("12")}},
		},
	})
	require.NoError(t, err)
	require.Len(t, out.Priced, 1)
	// 50*2*24 + 10*2*12
	assert.True(t, d("2640").Equal(out.Priced[0].Amount), "got %s", out.Priced[0].Amount)
}

func TestRate_Infrastructure(t *testing.T) {
	res := &mapResolver{terms: map[string]model.PriceTerms{
		"nc24": {PricingID: "i1", HourlyRate: d("1.25"), Currency: "USD"},
	}}
	out, err := newRater(res, nil).Rate(context.Background(), rating.Batch{
		TenantID: "acme", Provider: "azure", Flow: model.FlowInfrastructure, Date: day,
		Usage: []model.UsageRecord{
			{ID: "vm-b", TenantID: "acme", Provider: "azure", Flow: model.FlowInfrastructure, ProductKey: "nc24",
				UsageDate: day, Instance: &model.InstanceUsage{InstanceID: "vm-b", Hours: d("1.5")}},
			{ID: "vm-a", TenantID: "acme", Provider: "azure", Flow: model.FlowInfrastructure, ProductKey: "nc24",
				UsageDate: day, Instance: &model.InstanceUsage{InstanceID: "vm-a", Hours: d("2.5")}},
		},
	})
	require.NoError(t, err)
	require.Len(t, out.Priced, 1)

	rec := out.Priced[0]
	assert.True(t, d("5.00").Equal(rec.Amount), "got %s", rec.Amount)
	require.Len(t, rec.Lineage.Instances, 2)
	assert.Equal(t, "vm-a", rec.Lineage.Instances[0].InstanceID)
	assert.True(t, d("2.5").Equal(rec.Lineage.Instances[0].Hours))
}

func TestRate_UnpricedIsolation(t *testing.T) {
	terms := map[string]model.PriceTerms{}
	var usage []model.UsageRecord
	for i := 0; i < 10; i++ {
		product := fmt.Sprintf("model-%02d", i)
		if i < 8 {
			terms[product] = model.PriceTerms{PricingID: "p-" + product, InputPer1K: d("1"), Currency: "USD"}
		}
		usage = append(usage, paygUsage(fmt.Sprintf("u%02d", i), product, 1000, 0))
	}

	out, err := newRater(&mapResolver{terms: terms}, nil).Rate(context.Background(), rating.Batch{
		TenantID: "acme", Provider: "openai", Flow: model.FlowPAYG, Date: day, Usage: usage,
	})
	require.NoError(t, err)
	assert.Len(t, out.Priced, 8)
	require.Len(t, out.Unpriced, 2)
	assert.Empty(t, out.Rejected)
	assert.Equal(t, 10, out.Total())
	assert.Contains(t, out.Unpriced[0].Reason, "pricing not found")

	b := rating.Batch{TenantID: "acme", Provider: "openai", Flow: model.FlowPAYG, Date: day}
	records := out.Records(b)
	require.Len(t, records, 10)
	unpriced := 0
	for _, r := range records {
		if r.Status == model.CostUnpriced {
			unpriced++
			assert.True(t, r.Amount.IsZero())
			assert.NotEmpty(t, r.Reason)
		}
	}
	assert.Equal(t, 2, unpriced)
}

func TestRate_RejectsMalformedUsage(t *testing.T) {
	res := &mapResolver{terms: map[string]model.PriceTerms{
		"gpt-4o": {PricingID: "p1", InputPer1K: d("1"), Currency: "USD"},
	}}
	bad := []model.UsageRecord{
		paygUsage("neg", "gpt-4o", -5, 0),
		{ID: "shape", TenantID: "acme", Provider: "openai", Flow: model.FlowPAYG, ProductKey: "gpt-4o", UsageDate: day},
		paygUsage("empty", "", 1, 1),
	}
	other := paygUsage("tenant", "gpt-4o", 1, 1)
	other.TenantID = "globex"
	late := paygUsage("late", "gpt-4o", 1, 1)
	late.UsageDate = day.AddDate(0, 0, 1)
	bad = append(bad, other, late)

	out, err := newRater(res, nil).Rate(context.Background(), rating.Batch{
		TenantID: "acme", Provider: "openai", Flow: model.FlowPAYG, Date: day,
		Usage: append(bad, paygUsage("ok", "gpt-4o", 1000, 0)),
	})
	require.NoError(t, err)
	require.Len(t, out.Priced, 1)
	assert.Equal(t, 1, out.Priced[0].UsageCount)
	require.Len(t, out.Rejected, 5)

	var ue *rating.UsageError
	require.True(t, errors.As(out.Rejected[0].Err, &ue))
	assert.Equal(t, "input_tokens", ue.Field)
}

func TestRate_RejectsRepeatedUsageID(t *testing.T) {
	res := &mapResolver{terms: map[string]model.PriceTerms{
		"gpt-4o": {PricingID: "p1", InputPer1K: d("2.00"), OutputPer1K: d("8.00"), Currency: "USD"},
	}}
	out, err := newRater(res, nil).Rate(context.Background(), rating.Batch{
		TenantID: "acme", Provider: "openai", Flow: model.FlowPAYG, Date: day,
		Usage: []model.UsageRecord{
			paygUsage("u1", "gpt-4o", 1000, 0),
			paygUsage("u1", "gpt-4o", 5000, 5000),
			paygUsage("u2", "gpt-4o", 1000, 1000),
		},
	})
	require.NoError(t, err)

	require.Len(t, out.Priced, 1)
	assert.Equal(t, 2, out.Priced[0].UsageCount)
	assert.True(t, d("12.00").Equal(out.Priced[0].Amount), "got %s", out.Priced[0].Amount)

	require.Len(t, out.Rejected, 1)
	var ue *rating.UsageError
	require.True(t, errors.As(out.Rejected[0].Err, &ue))
	assert.Equal(t, "id", ue.Field)
	assert.Equal(t, int64(5000), out.Rejected[0].Usage.Tokens.InputTokens)
	assert.Equal(t, 3, out.Total())
}

func TestRate_CommitmentHoursOutOfRange(t *testing.T) {
	err := rating.Commitment{}.Validate(model.UsageRecord{ID: "x",
		Capacity: &model.CapacityUsage{CapacityUnits: d("1"), ActiveHours: d("25")}})
	assert.Error(t, err)
}

func TestRate_ResolverFailureFailsBatch(t *testing.T) {
	res := &mapResolver{err: errors.New("pricing backend unavailable")}
	_, err := newRater(res, nil).Rate(context.Background(), rating.Batch{
		TenantID: "acme", Provider: "openai", Flow: model.FlowPAYG, Date: day,
		Usage: []model.UsageRecord{paygUsage("u1", "gpt-4o", 1, 1)},
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "pricing backend unavailable")
}

func TestRate_InvalidBatch(t *testing.T) {
	r := newRater(&mapResolver{}, nil)
	_, err := r.Rate(context.Background(), rating.Batch{TenantID: "acme", Provider: "openai", Flow: "spot", Date: day})
	assert.Error(t, err)
	_, err = r.Rate(context.Background(), rating.Batch{TenantID: "acme", Provider: "openai", Flow: model.FlowPAYG,
		Date: day.Add(time.Hour)})
	assert.Error(t, err)
}

func TestRate_PersistIsIdempotent(t *testing.T) {
	store, err := storage.NewSQLite(filepath.Join(t.TempDir(), "rating.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	ctx := context.Background()

	res := &mapResolver{terms: map[string]model.PriceTerms{
		"gpt-4o": {PricingID: "p1", InputPer1K: d("2.00"), OutputPer1K: d("8.00"), Currency: "USD"},
	}}
	r := newRater(res, store)
	b := rating.Batch{TenantID: "acme", Provider: "openai", Flow: model.FlowPAYG, Date: day, RunID: "run-1",
		Usage: []model.UsageRecord{
			paygUsage("u1", "gpt-4o", 2000, 1000),
			paygUsage("u2", "unknown-model", 10, 10),
		}}

	snapshot := func() []byte {
		out, err := r.Rate(ctx, b)
		require.NoError(t, err)
		require.NoError(t, r.Persist(ctx, b, out))
		rows, err := store.ReadCostRecords(ctx, storage.CostFilter{TenantID: "acme", Date: day})
		require.NoError(t, err)
		data, err := json.Marshal(rows)
		require.NoError(t, err)
		return data
	}

	first := snapshot()
	second := snapshot()
	assert.Equal(t, string(first), string(second))

	rows, err := store.ReadCostRecords(ctx, storage.CostFilter{TenantID: "acme", Date: day})
	require.NoError(t, err)
	assert.Len(t, rows, 2)
}

func TestRater_PersistWithoutWriter(t *testing.T) {
	r := newRater(&mapResolver{}, nil)
	err := r.Persist(context.Background(), rating.Batch{TenantID: "acme"}, &rating.Result{})
	assert.Error(t, err)
}

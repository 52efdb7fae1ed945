package ledger_test

import (
	"errors"
	"testing"
	"time"

	"github.com/ogulcanaydogan/genai-cost-ledger/pkg/ledger"
	"github.com/ogulcanaydogan/genai-cost-ledger/pkg/model"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var day = time.Date(2025, 1, 15, 0, 0, 0, 0, time.UTC)

func unified(id, provider string, flow model.Flow) model.UnifiedCostRecord {
	return model.UnifiedCostRecord{
		ID: id, TenantID: "acme", CostDate: day, Flow: flow, Provider: provider, ProductKey: "sku-" + id,
		Amount: decimal.RequireFromString("4.20"), Currency: "USD", SourceCostID: "c-" + id, RunID: "run-1",
	}
}

func TestNormalize_Mapping(t *testing.T) {
	n := ledger.NewNormalizer("")
	assert.Equal(t, ledger.DefaultSchemaVersion, n.SchemaVersion())

	out, err := n.Normalize([]model.UnifiedCostRecord{
		unified("a", "openai", model.FlowPAYG),
		unified("b", "Azure-OpenAI", model.FlowCommitment),
		unified("c", "aws", model.FlowInfrastructure),
	})
	require.NoError(t, err)
	require.Len(t, out, 3)

	assert.Equal(t, "OpenAI", out[0].ProviderName)
	assert.Equal(t, ledger.ServiceGenAI, out[0].ServiceCategory)
	assert.Equal(t, ledger.ChargeUsage, out[0].ChargeCategory)
	assert.Equal(t, day, out[0].ChargePeriodStart)
	assert.Equal(t, day.AddDate(0, 0, 1), out[0].ChargePeriodEnd)
	assert.Equal(t, "a", out[0].SourceUnifiedID)
	assert.Equal(t, "sku-a", out[0].SkuID)
	assert.True(t, decimal.RequireFromString("4.20").Equal(out[0].BilledCost))
	assert.Equal(t, "1.0", out[0].SchemaVersion)

	assert.Equal(t, "Microsoft Azure", out[1].ProviderName)
	assert.Equal(t, ledger.ServiceGenAI, out[1].ServiceCategory)
	assert.Equal(t, ledger.ChargeCommitment, out[1].ChargeCategory)

	assert.Equal(t, "Amazon Web Services", out[2].ProviderName)
	assert.Equal(t, ledger.ServiceInfrastructure, out[2].ServiceCategory)
}

func TestNormalize_UnknownProvider(t *testing.T) {
	n := ledger.NewNormalizer("2.0")
	out, err := n.Normalize([]model.UnifiedCostRecord{
		unified("a", "openai", model.FlowPAYG),
		unified("b", "acme-llm", model.FlowPAYG),
	})
	require.Error(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, "2.0", out[0].SchemaVersion)

	var upe *ledger.UnknownProviderError
	require.True(t, errors.As(err, &upe))
	assert.Equal(t, "acme-llm", upe.Provider)
	assert.Equal(t, "b", upe.RecordID)
}

func TestNormalize_StableIDs(t *testing.T) {
	n := ledger.NewNormalizer("1.0")
	in := []model.UnifiedCostRecord{unified("a", "anthropic", model.FlowPAYG)}

	first, err := n.Normalize(in)
	require.NoError(t, err)
	second, err := n.Normalize(in)
	require.NoError(t, err)
	assert.Equal(t, first, second)

	bumped, err := ledger.NewNormalizer("1.1").Normalize(in)
	require.NoError(t, err)
	assert.NotEqual(t, first[0].ID, bumped[0].ID)
}

func TestProviderName(t *testing.T) {
	tests := []struct {
		in   string
		want string
		ok   bool
	}{
		{"openai", "OpenAI", true},
		{" Anthropic ", "Anthropic", true},
		{"vertex", "Google Cloud", true},
		{"bedrock", "Amazon Web Services", true},
		{"unknown", "", false},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, ok := ledger.ProviderName(tt.in)
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.want, got)
		})
	}
	assert.Contains(t, ledger.ProviderKeys(), "cohere")
}

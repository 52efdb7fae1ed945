package ledger

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/ogulcanaydogan/genai-cost-ledger/pkg/model"
)

// DefaultSchemaVersion is stamped on rows when no version is configured.
// Changing the meaning of an existing field requires a bump.
const DefaultSchemaVersion = "1.0"

// Service categories.
const (
	ServiceGenAI          = "genai"
	ServiceInfrastructure = "infrastructure"
)

// Charge categories.
const (
	ChargeUsage      = "Usage"
	ChargeCommitment = "Commitment"
)

// providerNames is the fixed provider enumeration. Keys are normalized
// with normalizeKey.
var providerNames = map[string]string{
	"openai":       "OpenAI",
	"anthropic":    "Anthropic",
	"azure":        "Microsoft Azure",
	"azure_openai": "Microsoft Azure",
	"gcp":          "Google Cloud",
	"vertex":       "Google Cloud",
	"gemini":       "Google Cloud",
	"aws":          "Amazon Web Services",
	"bedrock":      "Amazon Web Services",
	"mistral":      "Mistral AI",
	"cohere":       "Cohere",
}

// UnknownProviderError reports a provider key missing from the enumeration.
type UnknownProviderError struct {
	Provider string
	RecordID string
}

func (e *UnknownProviderError) Error() string {
	return fmt.Sprintf("unknown provider %q in unified record %s", e.Provider, e.RecordID)
}

// ProviderName maps a provider key to its enumerated name.
func ProviderName(provider string) (string, bool) {
	name, ok := providerNames[normalizeKey(provider)]
	return name, ok
}

// ProviderKeys returns the known provider keys, sorted.
func ProviderKeys() []string {
	keys := make([]string, 0, len(providerNames))
	for k := range providerNames {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func normalizeKey(s string) string {
	return strings.ReplaceAll(strings.ToLower(strings.TrimSpace(s)), "-", "_")
}

// Normalizer maps unified rows into the standard allocation schema.
type Normalizer struct {
	schemaVersion string
}

// NewNormalizer creates a normalizer stamping rows with schemaVersion.
func NewNormalizer(schemaVersion string) *Normalizer {
	if schemaVersion == "" {
		schemaVersion = DefaultSchemaVersion
	}
	return &Normalizer{schemaVersion: schemaVersion}
}

// SchemaVersion returns the version stamped on produced rows.
func (n *Normalizer) SchemaVersion() string { return n.schemaVersion }

// Normalize maps every record it can. Records with an unknown provider or
// flow are left out and reported through the joined error, so a non-nil
// error may accompany a non-empty result.
func (n *Normalizer) Normalize(records []model.UnifiedCostRecord) ([]model.StandardLedgerRecord, error) {
	out := make([]model.StandardLedgerRecord, 0, len(records))
	var errs []error

	for _, r := range records {
		name, ok := ProviderName(r.Provider)
		if !ok {
			errs = append(errs, &UnknownProviderError{Provider: r.Provider, RecordID: r.ID})
			continue
		}
		service, charge, err := categories(r.Flow)
		if err != nil {
			errs = append(errs, fmt.Errorf("unified record %s: %w", r.ID, err))
			continue
		}

		start, end := model.ChargePeriod(r.CostDate)
		out = append(out, model.StandardLedgerRecord{
			ID:                model.RecordID("ledger", n.schemaVersion, r.ID),
			SchemaVersion:     n.schemaVersion,
			TenantID:          r.TenantID,
			ChargePeriodStart: start,
			ChargePeriodEnd:   end,
			ProviderName:      name,
			ServiceCategory:   service,
			ChargeCategory:    charge,
			SkuID:             r.ProductKey,
			BilledCost:        r.Amount,
			BillingCurrency:   r.Currency,
			SourceUnifiedID:   r.ID,
			RunID:             r.RunID,
		})
	}
	return out, errors.Join(errs...)
}

func categories(flow model.Flow) (service, charge string, err error) {
	switch flow {
	case model.FlowPAYG:
		return ServiceGenAI, ChargeUsage, nil
	case model.FlowCommitment:
		return ServiceGenAI, ChargeCommitment, nil
	case model.FlowInfrastructure:
		return ServiceInfrastructure, ChargeUsage, nil
	}
	return "", "", fmt.Errorf("unknown flow %q", flow)
}

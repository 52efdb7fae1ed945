package pricing

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/ogulcanaydogan/genai-cost-ledger/pkg/model"
	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

// CatalogPrice is one effective-dated price line in a catalog file.
// Prices are kept as strings so YAML numbers reach decimal unrounded.
type CatalogPrice struct {
	Flow          string `yaml:"flow"`
	ProductKey    string `yaml:"product_key"`
	InputPer1K    string `yaml:"input_per_1k,omitempty"`
	OutputPer1K   string `yaml:"output_per_1k,omitempty"`
	HourlyRate    string `yaml:"hourly_rate,omitempty"`
	Currency      string `yaml:"currency,omitempty"`
	EffectiveFrom string `yaml:"effective_from"`
	EffectiveTo   string `yaml:"effective_to,omitempty"`
}

// CatalogFile is the YAML layout of one provider's price catalog.
type CatalogFile struct {
	Provider string         `yaml:"provider"`
	Currency string         `yaml:"currency"`
	Updated  string         `yaml:"updated"`
	Prices   []CatalogPrice `yaml:"prices"`
}

// LoadCatalogFile reads and validates a YAML catalog file.
func LoadCatalogFile(path string) (*CatalogFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read pricing file %s: %w", path, err)
	}

	cat, err := LoadCatalogFromBytes(data)
	if err != nil {
		return nil, fmt.Errorf("pricing file %s: %w", path, err)
	}
	return cat, nil
}

// LoadCatalogFromBytes parses and validates YAML catalog data.
func LoadCatalogFromBytes(data []byte) (*CatalogFile, error) {
	var cat CatalogFile
	if err := yaml.Unmarshal(data, &cat); err != nil {
		return nil, fmt.Errorf("parse pricing data: %w", err)
	}
	if _, err := cat.Records(); err != nil {
		return nil, err
	}
	return &cat, nil
}

// LoadCatalog reads every *.yaml / *.yml file in dir, sorted by name.
// Two files may not declare the same provider.
func LoadCatalog(dir string) ([]*CatalogFile, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read pricing dir %s: %w", dir, err)
	}

	var names []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		ext := strings.ToLower(filepath.Ext(e.Name()))
		if ext == ".yaml" || ext == ".yml" {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)

	seen := make(map[string]string, len(names))
	files := make([]*CatalogFile, 0, len(names))
	for _, name := range names {
		cat, err := LoadCatalogFile(filepath.Join(dir, name))
		if err != nil {
			return nil, err
		}
		if prev, ok := seen[cat.Provider]; ok {
			return nil, fmt.Errorf("provider %q declared in both %s and %s", cat.Provider, prev, name)
		}
		seen[cat.Provider] = name
		files = append(files, cat)
	}
	return files, nil
}

// Records converts the file into catalog pricing records with stable IDs.
func (c *CatalogFile) Records() ([]model.PricingRecord, error) {
	provider := strings.ToLower(strings.TrimSpace(c.Provider))
	if provider == "" {
		return nil, fmt.Errorf("missing provider name")
	}
	if len(c.Prices) == 0 {
		return nil, fmt.Errorf("provider %s: no prices defined", provider)
	}

	source := "catalog:" + provider
	if c.Updated != "" {
		source += "@" + c.Updated
	}

	records := make([]model.PricingRecord, 0, len(c.Prices))
	for i, p := range c.Prices {
		rec, err := p.record(provider, c.Currency, source)
		if err != nil {
			return nil, fmt.Errorf("provider %s price %d: %w", provider, i, err)
		}
		if err := CheckOverlap(rec, records); err != nil {
			return nil, fmt.Errorf("provider %s price %d: %w", provider, i, err)
		}
		records = append(records, rec)
	}
	return records, nil
}

func (p CatalogPrice) record(provider, defaultCurrency, source string) (model.PricingRecord, error) {
	flow, err := model.ParseFlow(p.Flow)
	if err != nil {
		return model.PricingRecord{}, err
	}
	product := strings.TrimSpace(p.ProductKey)
	if product == "" {
		return model.PricingRecord{}, fmt.Errorf("missing product_key")
	}

	from, to, err := parseWindow(p.EffectiveFrom, p.EffectiveTo)
	if err != nil {
		return model.PricingRecord{}, err
	}

	currency := p.Currency
	if currency == "" {
		currency = defaultCurrency
	}
	if currency == "" {
		currency = "USD"
	}

	rec := model.PricingRecord{
		ID:            model.RecordID("catalog", provider, string(flow), product, model.FormatDate(from)),
		Provider:      provider,
		Flow:          flow,
		ProductKey:    product,
		Currency:      strings.ToUpper(currency),
		EffectiveFrom: from,
		EffectiveTo:   to,
		Source:        source,
	}
	if rec.InputPer1K, err = parsePrice("input_per_1k", p.InputPer1K); err != nil {
		return model.PricingRecord{}, err
	}
	if rec.OutputPer1K, err = parsePrice("output_per_1k", p.OutputPer1K); err != nil {
		return model.PricingRecord{}, err
	}
	if rec.HourlyRate, err = parsePrice("hourly_rate", p.HourlyRate); err != nil {
		return model.PricingRecord{}, err
	}
	return rec, nil
}

func parsePrice(field, s string) (decimal.Decimal, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return decimal.Zero, nil
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, fmt.Errorf("%s: %w", field, err)
	}
	if d.IsNegative() {
		return decimal.Zero, fmt.Errorf("%s: negative price %s", field, s)
	}
	return d, nil
}

func parseWindow(fromStr, toStr string) (time.Time, *time.Time, error) {
	if strings.TrimSpace(fromStr) == "" {
		return time.Time{}, nil, fmt.Errorf("missing effective_from")
	}
	from, err := model.ParseDate(fromStr)
	if err != nil {
		return time.Time{}, nil, err
	}
	if strings.TrimSpace(toStr) == "" {
		return from, nil, nil
	}
	to, err := model.ParseDate(toStr)
	if err != nil {
		return time.Time{}, nil, err
	}
	if !to.After(from) {
		return time.Time{}, nil, fmt.Errorf("effective_to %s must be after effective_from %s", toStr, fromStr)
	}
	return from, &to, nil
}

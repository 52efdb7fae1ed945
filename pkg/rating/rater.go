package rating

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/ogulcanaydogan/genai-cost-ledger/pkg/model"
	"github.com/ogulcanaydogan/genai-cost-ledger/pkg/pricing"
	"github.com/shopspring/decimal"
)

// CostWriter is the write side of the flow-scoped cost table.
type CostWriter interface {
	ReplaceCostRecords(ctx context.Context, key model.RatingKey, records []model.CostRecord) error
}

// Batch is the usage of one rating key.
type Batch struct {
	TenantID string
	Provider string
	Flow     model.Flow
	Date     time.Time
	RunID    string
	Usage    []model.UsageRecord
}

// Key returns the rating key the batch writes under.
func (b Batch) Key() model.RatingKey {
	return model.RatingKey{TenantID: b.TenantID, Provider: b.Provider, Flow: b.Flow, Date: b.Date}
}

// UnpricedUsage is a usage record whose price could not be resolved.
type UnpricedUsage struct {
	Usage  model.UsageRecord
	Reason string
}

// RejectedUsage is a usage record excluded as malformed or repeated.
type RejectedUsage struct {
	Usage model.UsageRecord
	Err   error
}

// Result is the outcome of rating one batch. Partial success is normal:
// Priced may be non-empty alongside Unpriced and Rejected.
type Result struct {
	Priced   []model.CostRecord
	Unpriced []UnpricedUsage
	Rejected []RejectedUsage
}

// PricedUsage returns the number of usage records behind the priced rows.
func (r *Result) PricedUsage() int {
	n := 0
	for _, c := range r.Priced {
		n += c.UsageCount
	}
	return n
}

// Total returns the number of usage records the batch contained.
func (r *Result) Total() int {
	return r.PricedUsage() + len(r.Unpriced) + len(r.Rejected)
}

// Records returns the rows to persist for b: the priced rows plus one
// UNPRICED row per product key whose pricing could not be resolved.
func (r *Result) Records(b Batch) []model.CostRecord {
	records := make([]model.CostRecord, 0, len(r.Priced)+len(r.Unpriced))
	records = append(records, r.Priced...)

	byProduct := make(map[string][]UnpricedUsage)
	var products []string
	for _, u := range r.Unpriced {
		if _, ok := byProduct[u.Usage.ProductKey]; !ok {
			products = append(products, u.Usage.ProductKey)
		}
		byProduct[u.Usage.ProductKey] = append(byProduct[u.Usage.ProductKey], u)
	}
	sort.Strings(products)

	for _, product := range products {
		group := byProduct[product]
		ids := make([]string, 0, len(group))
		for _, u := range group {
			ids = append(ids, u.Usage.ID)
		}
		records = append(records, model.CostRecord{
			ID:         costID(b, product),
			TenantID:   b.TenantID,
			Provider:   b.Provider,
			Flow:       b.Flow,
			ProductKey: product,
			CostDate:   b.Date,
			Amount:     decimal.Zero,
			Status:     model.CostUnpriced,
			Reason:     group[0].Reason,
			UsageCount: len(group),
			Lineage:    model.CostLineage{RunID: b.RunID, UsageIDs: ids},
		})
	}
	return records
}

// Rater turns a usage batch into flow-scoped cost records.
type Rater struct {
	resolver pricing.Resolver
	registry *Registry
	writer   CostWriter
	logger   *slog.Logger
}

// NewRater creates a rater. writer may be nil when Persist is not used.
func NewRater(resolver pricing.Resolver, registry *Registry, writer CostWriter, logger *slog.Logger) *Rater {
	return &Rater{resolver: resolver, registry: registry, writer: writer, logger: logger}
}

// Rate prices the batch. Records are grouped by product key and each group
// is resolved once. Pricing-not-found routes the group to Unpriced; any
// other resolver error fails the call.
func (r *Rater) Rate(ctx context.Context, b Batch) (*Result, error) {
	if err := validateBatch(b); err != nil {
		return nil, fmt.Errorf("rate %s: %w", b.Key(), err)
	}
	fr, err := r.registry.Get(b.Flow)
	if err != nil {
		return nil, fmt.Errorf("rate %s: %w", b.Key(), err)
	}

	res := &Result{}
	groups := make(map[string][]model.UsageRecord)
	seen := make(map[string]bool, len(b.Usage))
	for _, u := range b.Usage {
		err := checkUsage(b, u)
		if err == nil && seen[u.ID] {
			err = &UsageError{UsageID: u.ID, Field: "id", Reason: "duplicate in batch"}
		}
		if err == nil {
			err = fr.Validate(u)
		}
		seen[u.ID] = true
		if err != nil {
			res.Rejected = append(res.Rejected, RejectedUsage{Usage: u, Err: err})
			continue
		}
		groups[u.ProductKey] = append(groups[u.ProductKey], u)
	}

	products := make([]string, 0, len(groups))
	for p := range groups {
		products = append(products, p)
	}
	sort.Strings(products)

	for _, product := range products {
		usage := groups[product]
		sort.Slice(usage, func(i, j int) bool { return usage[i].ID < usage[j].ID })

		terms, err := r.resolver.Resolve(ctx, pricing.Query{
			TenantID:   b.TenantID,
			Provider:   b.Provider,
			Flow:       b.Flow,
			ProductKey: product,
			AsOf:       b.Date,
		})
		if errors.Is(err, pricing.ErrNotFound) {
			r.logger.Warn("usage unpriced",
				"tenant", b.TenantID,
				"provider", b.Provider,
				"flow", b.Flow,
				"product_key", product,
				"records", len(usage),
				"reason", err.Error(),
			)
			for _, u := range usage {
				res.Unpriced = append(res.Unpriced, UnpricedUsage{Usage: u, Reason: err.Error()})
			}
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("rate %s: product %s: %w", b.Key(), product, err)
		}

		amount, lineage := fr.Rate(usage, terms)
		lineage.SourcePricingID = terms.PricingID
		lineage.RunID = b.RunID

		res.Priced = append(res.Priced, model.CostRecord{
			ID:         costID(b, product),
			TenantID:   b.TenantID,
			Provider:   b.Provider,
			Flow:       b.Flow,
			ProductKey: product,
			CostDate:   b.Date,
			Amount:     amount,
			Currency:   terms.Currency,
			Status:     model.CostPriced,
			UsageCount: len(usage),
			Lineage:    lineage,
		})
	}

	for _, rej := range res.Rejected {
		r.logger.Warn("usage rejected",
			"tenant", b.TenantID,
			"provider", b.Provider,
			"flow", b.Flow,
			"product_key", rej.Usage.ProductKey,
			"usage_id", rej.Usage.ID,
			"reason", rej.Err.Error(),
		)
	}
	return res, nil
}

// Persist replaces every cost row of the batch's rating key with the
// result's rows.
func (r *Rater) Persist(ctx context.Context, b Batch, res *Result) error {
	if r.writer == nil {
		return fmt.Errorf("persist %s: no cost writer configured", b.Key())
	}
	if err := r.writer.ReplaceCostRecords(ctx, b.Key(), res.Records(b)); err != nil {
		return fmt.Errorf("persist %s: %w", b.Key(), err)
	}
	return nil
}

func validateBatch(b Batch) error {
	if strings.TrimSpace(b.TenantID) == "" {
		return errors.New("tenant is required")
	}
	if strings.TrimSpace(b.Provider) == "" {
		return errors.New("provider is required")
	}
	if !b.Flow.Valid() {
		return fmt.Errorf("unknown flow %q", b.Flow)
	}
	if !model.IsCalendarDate(b.Date) {
		return errors.New("date must be a calendar date")
	}
	return nil
}

// checkUsage enforces that a record belongs to the batch's rating key.
func checkUsage(b Batch, u model.UsageRecord) error {
	switch {
	case strings.TrimSpace(u.ProductKey) == "":
		return &UsageError{UsageID: u.ID, Field: "product_key", Reason: "empty"}
	case u.TenantID != b.TenantID:
		return &UsageError{UsageID: u.ID, Field: "tenant_id", Reason: "does not match batch"}
	case u.Provider != b.Provider:
		return &UsageError{UsageID: u.ID, Field: "provider", Reason: "does not match batch"}
	case u.Flow != b.Flow:
		return &UsageError{UsageID: u.ID, Field: "flow", Reason: "does not match batch"}
	case !model.Day(u.UsageDate).Equal(b.Date):
		return &UsageError{UsageID: u.ID, Field: "usage_date", Reason: "outside batch date"}
	}
	return nil
}

func costID(b Batch, product string) string {
	return model.RecordID(b.TenantID, b.Provider, string(b.Flow), product, model.FormatDate(b.Date))
}

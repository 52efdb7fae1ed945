// Package consolidate merges the flow-scoped cost tables of a tenant and
// date into the unified ledger.
package consolidate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/ogulcanaydogan/genai-cost-ledger/pkg/model"
	"github.com/ogulcanaydogan/genai-cost-ledger/pkg/storage"
	"golang.org/x/sync/errgroup"
)

// Store is the slice of storage the consolidator reads and writes.
type Store interface {
	ReadCostRecords(ctx context.Context, filter storage.CostFilter) ([]model.CostRecord, error)
	ReplaceUnified(ctx context.Context, tenantID string, date time.Time, records []model.UnifiedCostRecord) error
}

// Result is the outcome of one consolidation.
type Result struct {
	Records []model.UnifiedCostRecord
	// Unpriced holds the source rows excluded from the unified ledger.
	Unpriced []model.CostRecord
}

// Unified returns the number of unified rows written.
func (r *Result) Unified() int { return len(r.Records) }

// Consolidator builds the unified ledger.
type Consolidator struct {
	store  Store
	flows  []model.Flow
	logger *slog.Logger
}

// New creates a consolidator over every flow kind.
func New(store Store, logger *slog.Logger) *Consolidator {
	return &Consolidator{store: store, flows: model.Flows, logger: logger}
}

// Consolidate reads every flow's cost rows for (tenant, date), keeps the
// PRICED ones and replaces the whole unified set for that tenant and date.
// Rows from different flows are never netted against each other.
func (c *Consolidator) Consolidate(ctx context.Context, tenantID string, date time.Time, runID string) (*Result, error) {
	if strings.TrimSpace(tenantID) == "" {
		return nil, errors.New("consolidate: tenant is required")
	}
	if !model.IsCalendarDate(date) {
		return nil, errors.New("consolidate: date must be a calendar date")
	}

	perFlow := make([][]model.CostRecord, len(c.flows))
	g, gctx := errgroup.WithContext(ctx)
	for i, flow := range c.flows {
		g.Go(func() error {
			rows, err := c.store.ReadCostRecords(gctx, storage.CostFilter{TenantID: tenantID, Date: date, Flow: flow})
			if err != nil {
				return fmt.Errorf("read %s costs: %w", flow, err)
			}
			perFlow[i] = rows
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("consolidate %s/%s: %w", tenantID, model.FormatDate(date), err)
	}

	res := &Result{}
	seen := make(map[string]string)
	for _, rows := range perFlow {
		for _, cr := range rows {
			if cr.Status != model.CostPriced {
				res.Unpriced = append(res.Unpriced, cr)
				continue
			}
			key := string(cr.Flow) + "|" + cr.Provider + "|" + cr.ProductKey
			if prev, dup := seen[key]; dup {
				return nil, fmt.Errorf("consolidate %s/%s: duplicate unified key %s (cost rows %s, %s)",
					tenantID, model.FormatDate(date), key, prev, cr.ID)
			}
			seen[key] = cr.ID
			res.Records = append(res.Records, unify(cr, runID))
		}
	}

	sort.Slice(res.Records, func(i, j int) bool {
		a, b := res.Records[i], res.Records[j]
		if a.Flow != b.Flow {
			return a.Flow < b.Flow
		}
		if a.Provider != b.Provider {
			return a.Provider < b.Provider
		}
		return a.ProductKey < b.ProductKey
	})

	if err := c.store.ReplaceUnified(ctx, tenantID, date, res.Records); err != nil {
		return nil, fmt.Errorf("consolidate %s/%s: %w", tenantID, model.FormatDate(date), err)
	}

	for _, u := range res.Unpriced {
		c.logger.Warn("unpriced cost excluded from unified ledger",
			"tenant", tenantID,
			"provider", u.Provider,
			"flow", u.Flow,
			"product_key", u.ProductKey,
			"reason", u.Reason,
		)
	}
	return res, nil
}

func unify(cr model.CostRecord, runID string) model.UnifiedCostRecord {
	return model.UnifiedCostRecord{
		ID:              model.RecordID("unified", cr.TenantID, model.FormatDate(cr.CostDate), string(cr.Flow), cr.Provider, cr.ProductKey),
		TenantID:        cr.TenantID,
		CostDate:        cr.CostDate,
		Flow:            cr.Flow,
		Provider:        cr.Provider,
		ProductKey:      cr.ProductKey,
		Amount:          cr.Amount,
		Currency:        cr.Currency,
		SourceCostID:    cr.ID,
		SourcePricingID: cr.Lineage.SourcePricingID,
		RunID:           runID,
	}
}

package pipeline

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/ogulcanaydogan/genai-cost-ledger/pkg/model"
	"github.com/ogulcanaydogan/genai-cost-ledger/pkg/storage"
)

// BarrierError fails a consolidation run whose rating runs did not all
// reach SUCCEEDED or PARTIAL.
type BarrierError struct {
	TenantID string
	Date     time.Time
	// Pending lists scopes still PENDING/RUNNING or missing a run.
	Pending []string
	// Failed lists scopes whose latest rating run FAILED.
	Failed []string
	Err    error
}

func (e *BarrierError) Error() string {
	var parts []string
	if len(e.Failed) > 0 {
		parts = append(parts, "failed: "+strings.Join(e.Failed, ", "))
	}
	if len(e.Pending) > 0 {
		parts = append(parts, "not terminal: "+strings.Join(e.Pending, ", "))
	}
	if e.Err != nil {
		parts = append(parts, e.Err.Error())
	}
	return fmt.Sprintf("consolidation barrier for %s/%s: %s",
		e.TenantID, model.FormatDate(e.Date), strings.Join(parts, "; "))
}

func (e *BarrierError) Unwrap() error { return e.Err }

// awaitBarrier polls the rating runs of (tenant, date) until every scope's
// latest run is SUCCEEDED or PARTIAL and every required flow has a run.
// A FAILED latest run fails the barrier at once.
func (c *Coordinator) awaitBarrier(ctx context.Context, tenantID string, date time.Time) error {
	deadline := c.now().Add(c.opts.BarrierTimeout)
	for {
		pending, failed, err := c.barrierState(ctx, tenantID, date)
		if err != nil {
			return &BarrierError{TenantID: tenantID, Date: date, Err: err}
		}
		if len(failed) > 0 {
			return &BarrierError{TenantID: tenantID, Date: date, Pending: pending, Failed: failed}
		}
		if len(pending) == 0 {
			return nil
		}
		if !c.now().Before(deadline) {
			return &BarrierError{TenantID: tenantID, Date: date, Pending: pending}
		}

		c.logger.Debug("consolidation waiting on rating runs",
			"tenant", tenantID,
			"date", model.FormatDate(date),
			"pending", pending,
		)
		select {
		case <-ctx.Done():
			return &BarrierError{TenantID: tenantID, Date: date, Pending: pending, Err: ctx.Err()}
		case <-time.After(c.opts.BarrierPollInterval):
		}
	}
}

func (c *Coordinator) barrierState(ctx context.Context, tenantID string, date time.Time) (pending, failed []string, err error) {
	runs, err := c.store.ListRuns(ctx, storage.RunFilter{TenantID: tenantID, Date: date, Kind: model.RunKindRating})
	if err != nil {
		return nil, nil, fmt.Errorf("list rating runs: %w", err)
	}

	// Runs come oldest first, so the last one per scope wins.
	latest := make(map[string]model.PipelineRun)
	seenFlows := make(map[model.Flow]bool)
	for _, r := range runs {
		latest[r.Provider+"/"+string(r.Flow)] = r
		seenFlows[r.Flow] = true
	}

	scopes := make([]string, 0, len(latest))
	for s := range latest {
		scopes = append(scopes, s)
	}
	sort.Strings(scopes)

	for _, s := range scopes {
		r := latest[s]
		switch {
		case r.Status == model.RunFailed:
			failed = append(failed, s)
		case !r.Status.Terminal():
			pending = append(pending, s+" "+string(r.Status))
		}
	}
	for _, f := range c.opts.RequiredFlows {
		if !seenFlows[f] {
			pending = append(pending, string(f)+" (no rating run)")
		}
	}
	return pending, failed, nil
}

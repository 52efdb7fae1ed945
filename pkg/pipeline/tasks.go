package pipeline

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/ogulcanaydogan/genai-cost-ledger/pkg/extract"
	"github.com/ogulcanaydogan/genai-cost-ledger/pkg/model"
	"github.com/ogulcanaydogan/genai-cost-ledger/pkg/rating"
)

func (c *Coordinator) taskContext(base context.Context) (context.Context, context.CancelFunc) {
	if c.opts.TaskTimeout > 0 {
		return context.WithTimeout(base, c.opts.TaskTimeout)
	}
	return context.WithCancel(base)
}

// rate runs extraction then rating for one rating key.
func (c *Coordinator) rate(base context.Context, run *model.PipelineRun) {
	ctx, cancel := c.taskContext(base)
	defer cancel()

	key := model.RatingKey{TenantID: run.TenantID, Provider: run.Provider, Flow: run.Flow, Date: run.Date}
	unlock, err := c.locks.Lock(ctx, "rating|"+key.String())
	if err != nil {
		c.finish(ctx, run, model.RunFailed, "waiting for rating key: "+err.Error())
		return
	}
	defer unlock()

	release, err := c.acquire(ctx)
	if err != nil {
		c.finish(ctx, run, model.RunFailed, "waiting for worker: "+err.Error())
		return
	}
	defer release()

	if err := c.start(ctx, run); err != nil {
		c.finish(ctx, run, model.RunFailed, err.Error())
		return
	}

	usage, err := c.fetch(ctx, run)
	if err != nil {
		c.finish(ctx, run, model.RunFailed, fmt.Sprintf("extract usage after %d attempt(s): %v", run.Attempts, err))
		return
	}
	if err := c.store.ReplaceUsage(ctx, key, usage); err != nil {
		c.finish(ctx, run, model.RunFailed, err.Error())
		return
	}

	batch := rating.Batch{
		TenantID: run.TenantID,
		Provider: run.Provider,
		Flow:     run.Flow,
		Date:     run.Date,
		RunID:    run.ID,
		Usage:    usage,
	}
	res, err := c.rater.Rate(ctx, batch)
	if err != nil {
		c.finish(ctx, run, model.RunFailed, err.Error())
		return
	}
	if err := c.rater.Persist(ctx, batch, res); err != nil {
		c.finish(ctx, run, model.RunFailed, err.Error())
		return
	}

	run.PricedCount = res.PricedUsage()
	run.UnpricedCount = len(res.Unpriced)
	run.RejectedCount = len(res.Rejected)

	status, summary := ratingOutcome(res, c.opts.UnpricedThreshold)
	c.finish(ctx, run, status, summary)
}

// fetch pulls the usage of a run, retrying transient failures with
// exponential backoff. Every attempt is counted on the run.
func (c *Coordinator) fetch(ctx context.Context, run *model.PipelineRun) ([]model.UsageRecord, error) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.opts.InitialBackoff
	b.MaxInterval = c.opts.MaxBackoff

	op := func() ([]model.UsageRecord, error) {
		run.Attempts++
		attemptCtx, cancel := ctx, context.CancelFunc(func() {})
		if c.opts.FetchTimeout > 0 {
			attemptCtx, cancel = context.WithTimeout(ctx, c.opts.FetchTimeout)
		}
		defer cancel()

		records, err := c.fetcher.FetchUsage(attemptCtx, run.TenantID, run.Provider, run.Flow, run.Date)
		if err == nil {
			return records, nil
		}
		if ctx.Err() != nil || !extract.IsTransient(err) {
			return nil, backoff.Permanent(err)
		}
		return nil, err
	}

	return backoff.Retry(ctx, op,
		backoff.WithBackOff(b),
		backoff.WithMaxTries(uint(c.opts.MaxAttempts)),
		backoff.WithNotify(func(err error, next time.Duration) {
			c.logger.Warn("usage extraction failed, retrying",
				"run_id", run.ID,
				"attempt", run.Attempts,
				"next_in", next,
				"error", err,
			)
		}),
	)
}

// ratingOutcome maps a rating result to a run status. Excluded usage
// (unpriced or rejected) above the threshold share makes the run PARTIAL.
func ratingOutcome(res *rating.Result, threshold float64) (model.RunStatus, string) {
	total := res.Total()
	excluded := len(res.Unpriced) + len(res.Rejected)
	if total == 0 || excluded == 0 {
		return model.RunSucceeded, ""
	}

	summary := fmt.Sprintf("%d of %d usage records excluded (%d unpriced, %d rejected)",
		excluded, total, len(res.Unpriced), len(res.Rejected))
	if res.PricedUsage() == 0 || float64(excluded)/float64(total) > threshold {
		return model.RunPartial, summary
	}
	return model.RunSucceeded, summary
}

// consolidate waits on the rating barrier, rebuilds the unified ledger and
// projects it into the standard ledger.
func (c *Coordinator) consolidate(base context.Context, run *model.PipelineRun) {
	lockCtx, cancelLock := c.taskContext(base)
	defer cancelLock()

	unlock, err := c.locks.Lock(lockCtx, "consolidation|"+run.TenantID+"|"+model.FormatDate(run.Date))
	if err != nil {
		c.finish(lockCtx, run, model.RunFailed, "waiting for consolidation key: "+err.Error())
		return
	}
	defer unlock()

	if err := c.start(lockCtx, run); err != nil {
		c.finish(lockCtx, run, model.RunFailed, err.Error())
		return
	}

	// The barrier holds no worker slot, so pending rating runs can drain.
	if err := c.awaitBarrier(base, run.TenantID, run.Date); err != nil {
		c.finish(base, run, model.RunFailed, err.Error())
		return
	}

	ctx, cancel := c.taskContext(base)
	defer cancel()
	release, err := c.acquire(ctx)
	if err != nil {
		c.finish(ctx, run, model.RunFailed, "waiting for worker: "+err.Error())
		return
	}
	defer release()

	res, err := c.consolidator.Consolidate(ctx, run.TenantID, run.Date, run.ID)
	if err != nil {
		c.finish(ctx, run, model.RunFailed, err.Error())
		return
	}
	run.UnifiedCount = res.Unified()
	run.PricedCount = res.Unified()
	run.UnpricedCount = len(res.Unpriced)

	var problems []string
	degraded := false
	ledger, normErr := c.normalizer.Normalize(res.Records)
	if normErr != nil {
		degraded = true
		problems = append(problems, fmt.Sprintf("normalize: %d of %d unified rows skipped: %v",
			len(res.Records)-len(ledger), len(res.Records), normErr))
	}
	if err := c.store.ReplaceStandardLedger(ctx, run.TenantID, run.Date, ledger); err != nil {
		degraded = true
		problems = append(problems, err.Error())
	} else {
		run.LedgerCount = len(ledger)
	}

	status := model.RunSucceeded
	if n := len(res.Unpriced); n > 0 {
		total := n + res.Unified()
		summary := fmt.Sprintf("%d of %d cost rows unpriced", n, total)
		if res.Unified() == 0 || float64(n)/float64(total) > c.opts.UnpricedThreshold {
			status = model.RunPartial
		}
		problems = append([]string{summary}, problems...)
	}
	if degraded {
		status = model.RunPartial
	}

	c.finish(ctx, run, status, strings.Join(problems, "; "))
}

package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/ogulcanaydogan/genai-cost-ledger/pkg/alerts"
	"github.com/ogulcanaydogan/genai-cost-ledger/pkg/consolidate"
	"github.com/ogulcanaydogan/genai-cost-ledger/pkg/extract"
	"github.com/ogulcanaydogan/genai-cost-ledger/pkg/model"
	"github.com/ogulcanaydogan/genai-cost-ledger/pkg/rating"
	"github.com/ogulcanaydogan/genai-cost-ledger/pkg/storage"
	"golang.org/x/sync/errgroup"
)

// ErrClosed is returned when dispatching on a closed coordinator.
var ErrClosed = errors.New("coordinator closed")

// Store is the storage the coordinator drives directly.
type Store interface {
	ReplaceUsage(ctx context.Context, key model.RatingKey, records []model.UsageRecord) error
	ReplaceStandardLedger(ctx context.Context, tenantID string, date time.Time, records []model.StandardLedgerRecord) error
	CreateRun(ctx context.Context, run *model.PipelineRun) error
	UpdateRun(ctx context.Context, run *model.PipelineRun) error
	GetRun(ctx context.Context, id string) (*model.PipelineRun, error)
	ListRuns(ctx context.Context, filter storage.RunFilter) ([]model.PipelineRun, error)
}

// Rater prices and persists one rating batch.
type Rater interface {
	Rate(ctx context.Context, b rating.Batch) (*rating.Result, error)
	Persist(ctx context.Context, b rating.Batch, res *rating.Result) error
}

// Consolidator rebuilds the unified ledger of a tenant and date.
type Consolidator interface {
	Consolidate(ctx context.Context, tenantID string, date time.Time, runID string) (*consolidate.Result, error)
}

// Normalizer maps unified rows into the standard ledger.
type Normalizer interface {
	Normalize(records []model.UnifiedCostRecord) ([]model.StandardLedgerRecord, error)
}

// Deps are the collaborators a coordinator sequences.
type Deps struct {
	Store        Store
	Fetcher      extract.Fetcher
	Rater        Rater
	Consolidator Consolidator
	Normalizer   Normalizer
	Notifiers    []alerts.Notifier
}

// Scope is one (provider, flow) rating scope of a day run.
type Scope struct {
	Provider string     `json:"provider"`
	Flow     model.Flow `json:"flow"`
}

// DayRuns are the run IDs dispatched by RunDay.
type DayRuns struct {
	Rating        []string `json:"rating"`
	Consolidation string   `json:"consolidation"`
}

// Coordinator dispatches rating and consolidation tasks onto a bounded
// worker pool, allowing at most one in-flight task per key.
type Coordinator struct {
	store        Store
	fetcher      extract.Fetcher
	rater        Rater
	consolidator Consolidator
	normalizer   Normalizer
	notifiers    []alerts.Notifier
	opts         Options
	logger       *slog.Logger
	now          func() time.Time

	sem   chan struct{}
	locks *keyLocks

	baseCtx context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	mu     sync.Mutex
	closed bool
	done   map[string]chan struct{}
}

// New creates a coordinator. Close must be called to stop in-flight tasks.
func New(deps Deps, opts Options, logger *slog.Logger) *Coordinator {
	opts = opts.withDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	return &Coordinator{
		store:        deps.Store,
		fetcher:      deps.Fetcher,
		rater:        deps.Rater,
		consolidator: deps.Consolidator,
		normalizer:   deps.Normalizer,
		notifiers:    deps.Notifiers,
		opts:         opts,
		logger:       logger,
		now:          time.Now,
		sem:          make(chan struct{}, opts.Workers),
		locks:        newKeyLocks(),
		baseCtx:      ctx,
		cancel:       cancel,
		done:         make(map[string]chan struct{}),
	}
}

// RunRating dispatches a rating task for (tenant, provider, flow, date)
// and returns its run ID immediately.
func (c *Coordinator) RunRating(ctx context.Context, tenantID, provider string, flow model.Flow, date time.Time) (string, error) {
	provider = strings.ToLower(strings.TrimSpace(provider))
	if err := validateScope(tenantID, date); err != nil {
		return "", fmt.Errorf("run rating: %w", err)
	}
	if provider == "" {
		return "", errors.New("run rating: provider is required")
	}
	if !flow.Valid() {
		return "", fmt.Errorf("run rating: unknown flow %q", flow)
	}

	run := c.newRun(model.RunKindRating, tenantID, date)
	run.Provider = provider
	run.Flow = flow
	if err := c.dispatch(ctx, run, c.rate); err != nil {
		return "", fmt.Errorf("run rating: %w", err)
	}
	return run.ID, nil
}

// RunConsolidation dispatches a consolidation task for (tenant, date) and
// returns its run ID immediately. The task waits on the rating barrier.
func (c *Coordinator) RunConsolidation(ctx context.Context, tenantID string, date time.Time) (string, error) {
	if err := validateScope(tenantID, date); err != nil {
		return "", fmt.Errorf("run consolidation: %w", err)
	}

	run := c.newRun(model.RunKindConsolidation, tenantID, date)
	if err := c.dispatch(ctx, run, c.consolidate); err != nil {
		return "", fmt.Errorf("run consolidation: %w", err)
	}
	return run.ID, nil
}

// RunDay dispatches every scope's rating run followed by one consolidation
// run, which the barrier holds until the ratings are terminal.
func (c *Coordinator) RunDay(ctx context.Context, tenantID string, date time.Time, scopes []Scope) (*DayRuns, error) {
	if len(scopes) == 0 {
		return nil, errors.New("run day: no scopes")
	}
	out := &DayRuns{}
	for _, s := range scopes {
		id, err := c.RunRating(ctx, tenantID, s.Provider, s.Flow, date)
		if err != nil {
			return out, fmt.Errorf("run day: %w", err)
		}
		out.Rating = append(out.Rating, id)
	}
	id, err := c.RunConsolidation(ctx, tenantID, date)
	if err != nil {
		return out, fmt.Errorf("run day: %w", err)
	}
	out.Consolidation = id
	return out, nil
}

// GetRunStatus returns the stored state of a run.
func (c *Coordinator) GetRunStatus(ctx context.Context, id string) (*model.PipelineRun, error) {
	run, err := c.store.GetRun(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("get run status: %w", err)
	}
	return run, nil
}

// Wait blocks until the run is terminal or ctx is done.
func (c *Coordinator) Wait(ctx context.Context, id string) (*model.PipelineRun, error) {
	for {
		run, err := c.store.GetRun(ctx, id)
		if err != nil {
			return nil, fmt.Errorf("wait for run %s: %w", id, err)
		}
		if run.Status.Terminal() {
			return run, nil
		}

		c.mu.Lock()
		done, inFlight := c.done[id]
		c.mu.Unlock()

		wake := done
		if !inFlight {
			wake = nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-wake:
		case <-time.After(c.opts.BarrierPollInterval):
		}
	}
}

// WaitAll waits for every run concurrently and returns them in order.
func (c *Coordinator) WaitAll(ctx context.Context, ids ...string) ([]*model.PipelineRun, error) {
	runs := make([]*model.PipelineRun, len(ids))
	g, gctx := errgroup.WithContext(ctx)
	for i, id := range ids {
		g.Go(func() error {
			run, err := c.Wait(gctx, id)
			if err != nil {
				return err
			}
			runs[i] = run
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return runs, nil
}

// Close stops accepting runs, cancels in-flight tasks and waits for them
// to record a terminal status.
func (c *Coordinator) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	c.cancel()
	c.wg.Wait()
	return nil
}

func (c *Coordinator) newRun(kind model.RunKind, tenantID string, date time.Time) *model.PipelineRun {
	return &model.PipelineRun{
		ID:        uuid.New().String(),
		Kind:      kind,
		TenantID:  tenantID,
		Date:      date,
		Status:    model.RunPending,
		CreatedAt: c.now().UTC(),
	}
}

func (c *Coordinator) dispatch(ctx context.Context, run *model.PipelineRun, task func(context.Context, *model.PipelineRun)) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}

	// Created under mu so Close cannot slip in between create and start.
	if err := c.store.CreateRun(ctx, run); err != nil {
		return err
	}
	done := make(chan struct{})
	c.done[run.ID] = done
	c.wg.Add(1)

	c.logger.Info("pipeline run dispatched",
		"run_id", run.ID,
		"kind", run.Kind,
		"tenant", run.TenantID,
		"date", model.FormatDate(run.Date),
		"provider", run.Provider,
		"flow", run.Flow,
	)

	go func() {
		defer c.wg.Done()
		defer func() {
			c.mu.Lock()
			delete(c.done, run.ID)
			c.mu.Unlock()
			close(done)
		}()
		task(c.baseCtx, run)
	}()
	return nil
}

// acquire takes a worker slot.
func (c *Coordinator) acquire(ctx context.Context) (release func(), err error) {
	select {
	case c.sem <- struct{}{}:
		return func() { <-c.sem }, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *Coordinator) start(ctx context.Context, run *model.PipelineRun) error {
	if err := run.Start(c.now().UTC()); err != nil {
		return err
	}
	if err := c.store.UpdateRun(ctx, run); err != nil {
		return fmt.Errorf("mark run running: %w", err)
	}
	c.logger.Info("pipeline run started", "run_id", run.ID, "kind", run.Kind, "status", run.Status)
	return nil
}

// finish records a terminal status. It runs detached from the task's
// context so cancelled tasks still leave an audit record.
func (c *Coordinator) finish(ctx context.Context, run *model.PipelineRun, status model.RunStatus, summary string) {
	ctx = context.WithoutCancel(ctx)
	if err := run.Finish(status, summary, c.now().UTC()); err != nil {
		c.logger.Error("finish run", "run_id", run.ID, "error", err)
		return
	}

	writeCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	if err := c.store.UpdateRun(writeCtx, run); err != nil {
		c.logger.Error("record run status", "run_id", run.ID, "status", status, "error", err)
	}

	level := slog.LevelInfo
	if status != model.RunSucceeded {
		level = slog.LevelWarn
	}
	c.logger.Log(ctx, level, "pipeline run finished",
		"run_id", run.ID,
		"kind", run.Kind,
		"tenant", run.TenantID,
		"date", model.FormatDate(run.Date),
		"provider", run.Provider,
		"flow", run.Flow,
		"status", run.Status,
		"attempts", run.Attempts,
		"priced", run.PricedCount,
		"unpriced", run.UnpricedCount,
		"rejected", run.RejectedCount,
		"unified", run.UnifiedCount,
		"error_summary", run.ErrorSummary,
	)

	alertCtx, alertCancel := context.WithTimeout(ctx, 15*time.Second)
	defer alertCancel()
	alerts.NotifyRun(alertCtx, c.notifiers, run, c.logger)
}

func validateScope(tenantID string, date time.Time) error {
	if strings.TrimSpace(tenantID) == "" {
		return errors.New("tenant is required")
	}
	if !model.IsCalendarDate(date) {
		return errors.New("date must be a calendar date")
	}
	return nil
}

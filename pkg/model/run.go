package model

import (
	"fmt"
	"time"
)

// RunStatus is the lifecycle state of a pipeline run.
type RunStatus string

const (
	RunPending   RunStatus = "PENDING"
	RunRunning   RunStatus = "RUNNING"
	RunSucceeded RunStatus = "SUCCEEDED"
	RunFailed    RunStatus = "FAILED"
	RunPartial   RunStatus = "PARTIAL"
)

// Terminal reports whether no further transition is possible.
func (s RunStatus) Terminal() bool {
	return s == RunSucceeded || s == RunFailed || s == RunPartial
}

// CanTransition reports whether s -> to is a legal move.
func (s RunStatus) CanTransition(to RunStatus) bool {
	switch s {
	case RunPending:
		return to == RunRunning || to == RunFailed
	case RunRunning:
		return to.Terminal()
	}
	return false
}

// RunKind distinguishes rating runs from consolidation runs.
type RunKind string

const (
	RunKindRating        RunKind = "rating"
	RunKindConsolidation RunKind = "consolidation"
)

// PipelineRun is the audit record of one coordinator task. Rating runs are
// scoped to (tenant, date, provider, flow); consolidation runs leave
// Provider and Flow empty. Rating runs count usage records, consolidation
// runs count cost rows.
type PipelineRun struct {
	ID            string     `json:"id"`
	Kind          RunKind    `json:"kind"`
	TenantID      string     `json:"tenant_id"`
	Date          time.Time  `json:"date"`
	Provider      string     `json:"provider,omitempty"`
	Flow          Flow       `json:"flow,omitempty"`
	Status        RunStatus  `json:"status"`
	Attempts      int        `json:"attempts"`
	PricedCount   int        `json:"priced_count"`
	UnpricedCount int        `json:"unpriced_count"`
	RejectedCount int        `json:"rejected_count"`
	UnifiedCount  int        `json:"unified_count"`
	LedgerCount   int        `json:"ledger_count"`
	ErrorSummary  string     `json:"error_summary,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
	StartedAt     *time.Time `json:"started_at,omitempty"`
	FinishedAt    *time.Time `json:"finished_at,omitempty"`
}

// Start moves the run to RUNNING.
func (r *PipelineRun) Start(now time.Time) error {
	if !r.Status.CanTransition(RunRunning) {
		return fmt.Errorf("run %s: illegal transition %s -> %s", r.ID, r.Status, RunRunning)
	}
	r.Status = RunRunning
	r.StartedAt = &now
	return nil
}

// Finish moves the run to a terminal status.
func (r *PipelineRun) Finish(status RunStatus, summary string, now time.Time) error {
	if !status.Terminal() || !r.Status.CanTransition(status) {
		return fmt.Errorf("run %s: illegal transition %s -> %s", r.ID, r.Status, status)
	}
	r.Status = status
	r.ErrorSummary = summary
	r.FinishedAt = &now
	return nil
}

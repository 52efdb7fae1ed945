package alerts

import (
	"context"
	"fmt"

	"github.com/ogulcanaydogan/genai-cost-ledger/pkg/model"
)

// AlertLevel indicates the severity of a run alert.
type AlertLevel string

const (
	AlertWarning  AlertLevel = "warning"  // Run finished PARTIAL
	AlertCritical AlertLevel = "critical" // Run FAILED
)

// Alert describes a pipeline run that did not fully succeed.
type Alert struct {
	Level         AlertLevel      `json:"level"`
	RunID         string          `json:"run_id"`
	Kind          model.RunKind   `json:"kind"`
	TenantID      string          `json:"tenant_id"`
	Date          string          `json:"date"`
	Provider      string          `json:"provider,omitempty"`
	Flow          model.Flow      `json:"flow,omitempty"`
	Status        model.RunStatus `json:"status"`
	PricedCount   int             `json:"priced_count"`
	UnpricedCount int             `json:"unpriced_count"`
	RejectedCount int             `json:"rejected_count"`
	Message       string          `json:"message"`
}

// FromRun builds an alert for a terminal run. ok is false for runs that
// need no alert.
func FromRun(run *model.PipelineRun) (alert Alert, ok bool) {
	var level AlertLevel
	switch run.Status {
	case model.RunPartial:
		level = AlertWarning
	case model.RunFailed:
		level = AlertCritical
	default:
		return Alert{}, false
	}

	scope := run.TenantID + " " + model.FormatDate(run.Date)
	if run.Provider != "" {
		scope += " " + run.Provider + "/" + string(run.Flow)
	}
	msg := fmt.Sprintf("%s run %s for %s", run.Kind, run.Status, scope)
	if run.ErrorSummary != "" {
		msg += ": " + run.ErrorSummary
	}

	return Alert{
		Level:         level,
		RunID:         run.ID,
		Kind:          run.Kind,
		TenantID:      run.TenantID,
		Date:          model.FormatDate(run.Date),
		Provider:      run.Provider,
		Flow:          run.Flow,
		Status:        run.Status,
		PricedCount:   run.PricedCount,
		UnpricedCount: run.UnpricedCount,
		RejectedCount: run.RejectedCount,
		Message:       msg,
	}, true
}

// Notifier sends alerts to external systems.
type Notifier interface {
	// Name returns the notifier identifier.
	Name() string

	// Send delivers an alert. Implementations must be safe for concurrent use.
	Send(ctx context.Context, alert Alert) error
}

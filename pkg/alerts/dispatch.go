package alerts

import (
	"context"
	"log/slog"

	"github.com/ogulcanaydogan/genai-cost-ledger/pkg/model"
)

// NotifyRun sends the run's alert, if any, to every notifier. Delivery
// failures are logged and never change the run outcome.
func NotifyRun(ctx context.Context, notifiers []Notifier, run *model.PipelineRun, logger *slog.Logger) {
	alert, ok := FromRun(run)
	if !ok {
		return
	}
	for _, n := range notifiers {
		if err := n.Send(ctx, alert); err != nil {
			logger.Error("send run alert",
				"notifier", n.Name(),
				"run_id", run.ID,
				"error", err,
			)
		}
	}
}

package cli

import (
	"context"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/ogulcanaydogan/genai-cost-ledger/pkg/model"
	"github.com/ogulcanaydogan/genai-cost-ledger/pkg/pipeline"
	"github.com/spf13/cobra"
)

var rateCmd = &cobra.Command{
	Use:   "rate",
	Short: "Extract and rate one provider flow for a tenant and date",
	Long: `Run a rating task: extract the usage export for (tenant, provider, flow,
date), price it and replace the flow's cost records. Blocks until the run
is terminal.`,
	RunE: runRate,
}

var consolidateCmd = &cobra.Command{
	Use:   "consolidate",
	Short: "Consolidate a tenant's rated flows into the unified and standard ledgers",
	Long: `Run a consolidation task for (tenant, date). The task waits until every
rating run of that tenant and date is SUCCEEDED or PARTIAL.`,
	RunE: runConsolidate,
}

var runDayCmd = &cobra.Command{
	Use:   "run-day",
	Short: "Rate every provider flow of a day, then consolidate",
	Long: `Dispatch one rating run per --scope (provider/flow) and one consolidation
run for the tenant and date. Example:

  costledger run-day -t acme -d 2025-01-15 -s openai/payg -s azure/commitment -s azure/infrastructure`,
	RunE: runRunDay,
}

func init() {
	rootCmd.AddCommand(rateCmd)
	rootCmd.AddCommand(consolidateCmd)
	rootCmd.AddCommand(runDayCmd)

	for _, c := range []*cobra.Command{rateCmd, consolidateCmd, runDayCmd} {
		c.Flags().StringP("tenant", "t", "", "Tenant ID")
		c.Flags().StringP("date", "d", "", "Usage date (YYYY-MM-DD, default yesterday UTC)")
		c.Flags().Duration("timeout", time.Hour, "Maximum time to wait for the runs")
		_ = c.MarkFlagRequired("tenant")
	}

	rateCmd.Flags().StringP("provider", "p", "", "Provider (e.g., openai, azure)")
	rateCmd.Flags().StringP("flow", "f", "", "Flow (payg, commitment, infrastructure)")
	_ = rateCmd.MarkFlagRequired("provider")
	_ = rateCmd.MarkFlagRequired("flow")

	runDayCmd.Flags().StringSliceP("scope", "s", nil, "Rating scope as provider/flow (repeatable)")
	_ = runDayCmd.MarkFlagRequired("scope")
}

// runDate returns the --date flag or yesterday in UTC.
func runDate(cmd *cobra.Command) (time.Time, error) {
	s, _ := cmd.Flags().GetString("date")
	if s == "" {
		return model.Day(time.Now()).AddDate(0, 0, -1), nil
	}
	return model.ParseDate(s)
}

func runRate(cmd *cobra.Command, _ []string) error {
	tenant, _ := cmd.Flags().GetString("tenant")
	provider, _ := cmd.Flags().GetString("provider")
	flowStr, _ := cmd.Flags().GetString("flow")

	flow, err := model.ParseFlow(flowStr)
	if err != nil {
		return err
	}
	date, err := runDate(cmd)
	if err != nil {
		return err
	}

	return withApp(func(a *app) error {
		id, err := a.coordinator.RunRating(cmd.Context(), tenant, provider, flow, date)
		if err != nil {
			return err
		}
		return waitAndPrint(cmd, a, id)
	})
}

func runConsolidate(cmd *cobra.Command, _ []string) error {
	tenant, _ := cmd.Flags().GetString("tenant")
	date, err := runDate(cmd)
	if err != nil {
		return err
	}

	return withApp(func(a *app) error {
		id, err := a.coordinator.RunConsolidation(cmd.Context(), tenant, date)
		if err != nil {
			return err
		}
		return waitAndPrint(cmd, a, id)
	})
}

func runRunDay(cmd *cobra.Command, _ []string) error {
	tenant, _ := cmd.Flags().GetString("tenant")
	rawScopes, _ := cmd.Flags().GetStringSlice("scope")
	date, err := runDate(cmd)
	if err != nil {
		return err
	}

	scopes, err := parseScopes(rawScopes)
	if err != nil {
		return err
	}

	return withApp(func(a *app) error {
		runs, err := a.coordinator.RunDay(cmd.Context(), tenant, date, scopes)
		if err != nil {
			return err
		}
		return waitAndPrint(cmd, a, append(runs.Rating, runs.Consolidation)...)
	})
}

func parseScopes(raw []string) ([]pipeline.Scope, error) {
	scopes := make([]pipeline.Scope, 0, len(raw))
	for _, s := range raw {
		provider, flowStr, ok := strings.Cut(s, "/")
		if !ok || provider == "" {
			return nil, fmt.Errorf("scope %q must be provider/flow", s)
		}
		flow, err := model.ParseFlow(flowStr)
		if err != nil {
			return nil, fmt.Errorf("scope %q: %w", s, err)
		}
		scopes = append(scopes, pipeline.Scope{Provider: provider, Flow: flow})
	}
	return scopes, nil
}

// waitAndPrint blocks until every run is terminal and prints a summary.
// A FAILED run makes the command fail.
func waitAndPrint(cmd *cobra.Command, a *app, ids ...string) error {
	timeout, _ := cmd.Flags().GetDuration("timeout")
	ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
	defer cancel()

	runs, err := a.coordinator.WaitAll(ctx, ids...)
	if err != nil {
		return fmt.Errorf("wait for runs: %w", err)
	}

	printRuns(runs)

	var failed int
	for _, r := range runs {
		if r.Status == model.RunFailed {
			failed++
		}
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d runs failed", failed, len(runs))
	}
	return nil
}

func printRuns(runs []*model.PipelineRun) {
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintf(w, "RUN\tKIND\tSCOPE\tSTATUS\tATTEMPTS\tPRICED\tUNPRICED\tREJECTED\tUNIFIED\tLEDGER\tSUMMARY\n")
	for _, r := range runs {
		scope := "-"
		if r.Provider != "" {
			scope = r.Provider + "/" + string(r.Flow)
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\t%d\t%d\t%d\t%d\t%d\t%s\n",
			r.ID, r.Kind, scope, r.Status, r.Attempts,
			r.PricedCount, r.UnpricedCount, r.RejectedCount,
			r.UnifiedCount, r.LedgerCount, r.ErrorSummary,
		)
	}
	w.Flush()
}

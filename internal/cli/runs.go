package cli

import (
	"fmt"

	"github.com/ogulcanaydogan/genai-cost-ledger/pkg/model"
	"github.com/ogulcanaydogan/genai-cost-ledger/pkg/storage"
	"github.com/spf13/cobra"
)

var runsCmd = &cobra.Command{
	Use:   "runs",
	Short: "Inspect pipeline run history",
}

var runsStatusCmd = &cobra.Command{
	Use:   "status <run-id>",
	Short: "Show the status of one run",
	Args:  cobra.ExactArgs(1),
	RunE:  runRunsStatus,
}

var runsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List runs for a tenant and date",
	RunE:  runRunsList,
}

func init() {
	rootCmd.AddCommand(runsCmd)
	runsCmd.AddCommand(runsStatusCmd)
	runsCmd.AddCommand(runsListCmd)

	runsListCmd.Flags().StringP("tenant", "t", "", "Filter by tenant")
	runsListCmd.Flags().StringP("date", "d", "", "Filter by date (YYYY-MM-DD)")
	runsListCmd.Flags().StringP("kind", "k", "", "Filter by kind (rating, consolidation)")
}

func runRunsStatus(cmd *cobra.Command, args []string) error {
	return withApp(func(a *app) error {
		run, err := a.coordinator.GetRunStatus(cmd.Context(), args[0])
		if err != nil {
			return err
		}

		fmt.Printf("Run %s\n", run.ID)
		fmt.Printf("  Kind:      %s\n", run.Kind)
		fmt.Printf("  Tenant:    %s\n", run.TenantID)
		fmt.Printf("  Date:      %s\n", model.FormatDate(run.Date))
		if run.Provider != "" {
			fmt.Printf("  Scope:     %s/%s\n", run.Provider, run.Flow)
		}
		fmt.Printf("  Status:    %s\n", run.Status)
		fmt.Printf("  Attempts:  %d\n", run.Attempts)
		fmt.Printf("  Priced:    %d\n", run.PricedCount)
		fmt.Printf("  Unpriced:  %d\n", run.UnpricedCount)
		fmt.Printf("  Rejected:  %d\n", run.RejectedCount)
		if run.Kind == model.RunKindConsolidation {
			fmt.Printf("  Unified:   %d\n", run.UnifiedCount)
			fmt.Printf("  Ledger:    %d\n", run.LedgerCount)
		}
		if run.ErrorSummary != "" {
			fmt.Printf("  Summary:   %s\n", run.ErrorSummary)
		}
		return nil
	})
}

func runRunsList(cmd *cobra.Command, _ []string) error {
	tenant, _ := cmd.Flags().GetString("tenant")
	dateStr, _ := cmd.Flags().GetString("date")
	kind, _ := cmd.Flags().GetString("kind")

	filter := storage.RunFilter{TenantID: tenant, Kind: model.RunKind(kind)}
	if dateStr != "" {
		date, err := model.ParseDate(dateStr)
		if err != nil {
			return err
		}
		filter.Date = date
	}

	return withApp(func(a *app) error {
		runs, err := a.store.ListRuns(cmd.Context(), filter)
		if err != nil {
			return err
		}
		if len(runs) == 0 {
			fmt.Println("No runs found.")
			return nil
		}

		ptrs := make([]*model.PipelineRun, len(runs))
		for i := range runs {
			ptrs[i] = &runs[i]
		}
		printRuns(ptrs)
		return nil
	})
}

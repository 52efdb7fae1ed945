package cli

import (
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/ogulcanaydogan/genai-cost-ledger/pkg/model"
	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"
)

var ledgerCmd = &cobra.Command{
	Use:   "ledger",
	Short: "Read the consolidated ledgers",
}

var ledgerShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show the standard ledger for a tenant and date",
	RunE:  runLedgerShow,
}

var ledgerUnifiedCmd = &cobra.Command{
	Use:   "unified",
	Short: "Show the unified cost ledger for a tenant and date",
	RunE:  runLedgerUnified,
}

func init() {
	rootCmd.AddCommand(ledgerCmd)
	ledgerCmd.AddCommand(ledgerShowCmd)
	ledgerCmd.AddCommand(ledgerUnifiedCmd)

	for _, c := range []*cobra.Command{ledgerShowCmd, ledgerUnifiedCmd} {
		c.Flags().StringP("tenant", "t", "", "Tenant ID")
		c.Flags().StringP("date", "d", "", "Date (YYYY-MM-DD)")
		c.Flags().Bool("json", false, "Print rows as JSON")
		_ = c.MarkFlagRequired("tenant")
		_ = c.MarkFlagRequired("date")
	}
}

func ledgerArgs(cmd *cobra.Command) (tenant string, date time.Time, asJSON bool, err error) {
	tenant, _ = cmd.Flags().GetString("tenant")
	asJSON, _ = cmd.Flags().GetBool("json")
	dateStr, _ := cmd.Flags().GetString("date")
	date, err = model.ParseDate(dateStr)
	return tenant, date, asJSON, err
}

func runLedgerShow(cmd *cobra.Command, _ []string) error {
	tenant, date, asJSON, err := ledgerArgs(cmd)
	if err != nil {
		return err
	}

	return withApp(func(a *app) error {
		rows, err := a.store.ReadStandardLedger(cmd.Context(), tenant, date)
		if err != nil {
			return err
		}
		if asJSON {
			return printJSON(rows)
		}
		if len(rows) == 0 {
			fmt.Println("No ledger rows. Run 'costledger consolidate' for this tenant and date.")
			return nil
		}

		fmt.Printf("=== Standard Ledger %s %s (schema %s) ===\n\n", tenant, model.FormatDate(date), rows[0].SchemaVersion)
		totals := make(map[string]decimal.Decimal)
		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintf(w, "PROVIDER\tSERVICE\tCHARGE\tSKU\tBILLED\tCURRENCY\n")
		for _, r := range rows {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
				r.ProviderName, r.ServiceCategory, r.ChargeCategory,
				r.SkuID, r.BilledCost.StringFixed(4), r.BillingCurrency,
			)
			totals[r.BillingCurrency] = totals[r.BillingCurrency].Add(r.BilledCost)
		}
		w.Flush()

		fmt.Println()
		for currency, total := range totals {
			fmt.Printf("Total: %s %s\n", total.StringFixed(4), currency)
		}
		return nil
	})
}

func runLedgerUnified(cmd *cobra.Command, _ []string) error {
	tenant, date, asJSON, err := ledgerArgs(cmd)
	if err != nil {
		return err
	}

	return withApp(func(a *app) error {
		rows, err := a.store.ReadUnified(cmd.Context(), tenant, date)
		if err != nil {
			return err
		}
		if asJSON {
			return printJSON(rows)
		}
		if len(rows) == 0 {
			fmt.Println("No unified rows for this tenant and date.")
			return nil
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintf(w, "FLOW\tPROVIDER\tPRODUCT\tAMOUNT\tCURRENCY\tPRICING\tRUN\n")
		for _, r := range rows {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
				r.Flow, r.Provider, r.ProductKey,
				r.Amount.StringFixed(4), r.Currency,
				r.SourcePricingID, r.RunID,
			)
		}
		w.Flush()
		return nil
	})
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

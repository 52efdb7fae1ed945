package cli

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/ogulcanaydogan/genai-cost-ledger/pkg/model"
	"github.com/ogulcanaydogan/genai-cost-ledger/pkg/pricing"
	"github.com/ogulcanaydogan/genai-cost-ledger/pkg/storage"
	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"
)

var pricingCmd = &cobra.Command{
	Use:   "pricing",
	Short: "Manage provider catalogs and tenant price overrides",
}

var pricingSyncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Load catalog YAML files into storage",
	Long:  `Replace each provider's catalog rows with the contents of its YAML file. Tenant overrides are kept.`,
	RunE:  runPricingSync,
}

var pricingListCmd = &cobra.Command{
	Use:   "list",
	Short: "List stored pricing rows",
	RunE:  runPricingList,
}

var pricingOverrideCmd = &cobra.Command{
	Use:   "override",
	Short: "Manage tenant price overrides",
}

var pricingOverrideSetCmd = &cobra.Command{
	Use:   "set",
	Short: "Create or update a tenant price override",
	RunE:  runPricingOverrideSet,
}

var pricingResolveCmd = &cobra.Command{
	Use:   "resolve",
	Short: "Show the effective price terms for a product on a date",
	RunE:  runPricingResolve,
}

func init() {
	rootCmd.AddCommand(pricingCmd)
	pricingCmd.AddCommand(pricingSyncCmd)
	pricingCmd.AddCommand(pricingListCmd)
	pricingCmd.AddCommand(pricingOverrideCmd)
	pricingCmd.AddCommand(pricingResolveCmd)
	pricingOverrideCmd.AddCommand(pricingOverrideSetCmd)

	pricingSyncCmd.Flags().String("dir", "", "Catalog directory (default from config)")

	pricingListCmd.Flags().StringP("tenant", "t", "", "Include this tenant's overrides")
	pricingListCmd.Flags().StringP("provider", "p", "", "Filter by provider")
	pricingListCmd.Flags().StringP("flow", "f", "", "Filter by flow (payg, commitment, infrastructure)")

	f := pricingOverrideSetCmd.Flags()
	f.StringP("tenant", "t", "", "Tenant ID")
	f.StringP("provider", "p", "", "Provider")
	f.StringP("flow", "f", "", "Flow (payg, commitment, infrastructure)")
	f.StringP("product", "m", "", "Product key")
	f.String("input-per-1k", "0", "PAYG input price per 1K tokens")
	f.String("output-per-1k", "0", "PAYG output price per 1K tokens")
	f.String("hourly-rate", "0", "Commitment or infrastructure hourly rate")
	f.String("currency", "USD", "Currency")
	f.String("from", "", "Effective from (YYYY-MM-DD)")
	f.String("to", "", "Effective to, exclusive (YYYY-MM-DD)")
	for _, name := range []string{"tenant", "provider", "flow", "product", "from"} {
		_ = pricingOverrideSetCmd.MarkFlagRequired(name)
	}

	r := pricingResolveCmd.Flags()
	r.StringP("tenant", "t", "", "Tenant ID")
	r.StringP("provider", "p", "", "Provider")
	r.StringP("flow", "f", "", "Flow")
	r.StringP("product", "m", "", "Product key")
	r.StringP("date", "d", "", "Date (YYYY-MM-DD)")
	for _, name := range []string{"tenant", "provider", "flow", "product", "date"} {
		_ = pricingResolveCmd.MarkFlagRequired(name)
	}
}

func runPricingSync(cmd *cobra.Command, _ []string) error {
	dir, _ := cmd.Flags().GetString("dir")

	return withApp(func(a *app) error {
		if dir == "" {
			dir = pricingDir(a.cfg)
		}
		files, err := pricing.LoadCatalog(dir)
		if err != nil {
			return err
		}
		if len(files) == 0 {
			fmt.Printf("No catalog files found in %s\n", dir)
			return nil
		}

		n, err := a.pricing.SyncCatalog(cmd.Context(), files)
		if err != nil {
			return err
		}
		fmt.Printf("Synced %d pricing records from %d provider catalogs\n", n, len(files))
		return nil
	})
}

func runPricingList(cmd *cobra.Command, _ []string) error {
	tenant, _ := cmd.Flags().GetString("tenant")
	provider, _ := cmd.Flags().GetString("provider")
	flowStr, _ := cmd.Flags().GetString("flow")

	filter := storage.PricingFilter{Provider: provider}
	if tenant != "" {
		filter.TenantIDs = []string{"", tenant}
	}
	if flowStr != "" {
		flow, err := model.ParseFlow(flowStr)
		if err != nil {
			return err
		}
		filter.Flow = flow
	}

	return withApp(func(a *app) error {
		records, err := a.pricing.List(cmd.Context(), filter)
		if err != nil {
			return err
		}
		if len(records) == 0 {
			fmt.Println("No pricing configured. Run 'costledger pricing sync' first.")
			return nil
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintf(w, "PROVIDER\tFLOW\tPRODUCT\tTENANT\tINPUT/1K\tOUTPUT/1K\tHOURLY\tCURRENCY\tFROM\tTO\n")
		for _, r := range records {
			tenant := "-"
			if r.IsOverride {
				tenant = r.TenantID
			}
			to := "-"
			if r.EffectiveTo != nil {
				to = model.FormatDate(*r.EffectiveTo)
			}
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
				r.Provider, r.Flow, r.ProductKey, tenant,
				r.InputPer1K, r.OutputPer1K, r.HourlyRate, r.Currency,
				model.FormatDate(r.EffectiveFrom), to,
			)
		}
		w.Flush()
		return nil
	})
}

func runPricingOverrideSet(cmd *cobra.Command, _ []string) error {
	f := cmd.Flags()
	tenant, _ := f.GetString("tenant")
	provider, _ := f.GetString("provider")
	flowStr, _ := f.GetString("flow")
	product, _ := f.GetString("product")
	currency, _ := f.GetString("currency")
	fromStr, _ := f.GetString("from")
	toStr, _ := f.GetString("to")

	flow, err := model.ParseFlow(flowStr)
	if err != nil {
		return err
	}
	from, err := model.ParseDate(fromStr)
	if err != nil {
		return err
	}
	o := pricing.Override{
		TenantID:   tenant,
		Provider:   provider,
		Flow:       flow,
		ProductKey: product,
		Currency:   currency,
		From:       from,
	}
	if toStr != "" {
		to, err := model.ParseDate(toStr)
		if err != nil {
			return err
		}
		o.To = &to
	}
	for name, dst := range map[string]*decimal.Decimal{
		"input-per-1k":  &o.InputPer1K,
		"output-per-1k": &o.OutputPer1K,
		"hourly-rate":   &o.HourlyRate,
	} {
		s, _ := f.GetString(name)
		v, err := decimal.NewFromString(s)
		if err != nil {
			return fmt.Errorf("parse --%s: %w", name, err)
		}
		*dst = v
	}

	return withApp(func(a *app) error {
		rec, err := a.pricing.SetOverride(cmd.Context(), o)
		if err != nil {
			return err
		}

		fmt.Printf("Override set:\n")
		fmt.Printf("  ID:        %s\n", rec.ID)
		fmt.Printf("  Tenant:    %s\n", rec.TenantID)
		fmt.Printf("  Scope:     %s/%s %s\n", rec.Provider, rec.Flow, rec.ProductKey)
		fmt.Printf("  Effective: %s\n", model.FormatDate(rec.EffectiveFrom))
		return nil
	})
}

func runPricingResolve(cmd *cobra.Command, _ []string) error {
	f := cmd.Flags()
	tenant, _ := f.GetString("tenant")
	provider, _ := f.GetString("provider")
	flowStr, _ := f.GetString("flow")
	product, _ := f.GetString("product")
	dateStr, _ := f.GetString("date")

	flow, err := model.ParseFlow(flowStr)
	if err != nil {
		return err
	}
	date, err := model.ParseDate(dateStr)
	if err != nil {
		return err
	}

	return withApp(func(a *app) error {
		terms, err := a.resolver.Resolve(cmd.Context(), pricing.Query{
			TenantID:   tenant,
			Provider:   provider,
			Flow:       flow,
			ProductKey: product,
			AsOf:       date,
		})
		if err != nil {
			return err
		}

		source := "catalog"
		if terms.IsOverride {
			source = "tenant override"
		}
		fmt.Printf("Pricing %s (%s, effective %s):\n", terms.PricingID, source, model.FormatDate(terms.EffectiveFrom))
		switch terms.Flow {
		case model.FlowPAYG:
			fmt.Printf("  Input per 1K:  %s %s\n", terms.InputPer1K, terms.Currency)
			fmt.Printf("  Output per 1K: %s %s\n", terms.OutputPer1K, terms.Currency)
		default:
			fmt.Printf("  Hourly rate:   %s %s\n", terms.HourlyRate, terms.Currency)
		}
		return nil
	})
}

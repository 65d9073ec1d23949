package main

import (
	"context"
	"fmt"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/foremanhq/foreman/internal/budget"
	"github.com/foremanhq/foreman/internal/clock"
	"github.com/foremanhq/foreman/internal/store"
)

var budgetCmd = &cobra.Command{
	Use:   "budget",
	Short: "Show spend against the configured limits",
	RunE: func(cmd *cobra.Command, args []string) error {
		st, err := store.Open(cfg.DBPath(), clock.Real{})
		if err != nil {
			return err
		}
		defer st.Close()

		bm := budget.New(st, cfg, clock.Real{})
		status, err := bm.Status(context.Background())
		if err != nil {
			return err
		}

		printBudgetLine("Daily", status.DailySpentUSD, status.DailyLimitUSD, status.DailyPct)
		printBudgetLine("Monthly", status.MonthlySpentUSD, status.MonthlyLimitUSD, status.MonthlyPct)

		summary, err := st.UsageSummary(context.Background(), "")
		if err != nil {
			return err
		}
		fmt.Printf("\nLifetime: $%.4f across %d calls\n", summary.CostUSD, summary.CallCount)
		for model, mu := range summary.ByModel {
			fmt.Printf("  %-36s $%.4f  (%d calls, %d in / %d out tokens)\n",
				model, mu.CostUSD, mu.CallCount, mu.PromptTokens, mu.CompletionTokens)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(budgetCmd)
}

func printBudgetLine(label string, spent, limit, pct float64) {
	c := color.New(color.FgGreen)
	switch {
	case pct >= 100:
		c = color.New(color.FgRed)
	case pct >= cfg.Budget.WarnAtPct:
		c = color.New(color.FgYellow)
	}
	c.Printf("%-8s $%.4f / $%.2f  (%.1f%%)\n", label, spent, limit, pct)
}

// Package main is the foreman CLI: run the engine, inspect status and
// budget, and watch live progress.
package main

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/foremanhq/foreman/internal/config"
)

var (
	cfgPath string
	cfg     *config.Config
)

var rootCmd = &cobra.Command{
	Use:   "foreman",
	Short: "LLM task orchestration engine",
	Long: `Foreman orchestrates long-running LLM-driven work: plans are
decomposed into dependency-aware task graphs and executed concurrently
under budget and resource constraints.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		// .env is a convenience for local runs; a missing file is fine.
		_ = godotenv.Load()
		var err error
		cfg, err = config.Load(cfgPath)
		if err != nil {
			return err
		}
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgPath, "config", "c", "", "path to config file")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

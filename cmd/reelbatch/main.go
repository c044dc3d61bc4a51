package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"reelbatch/cmd/reelbatch/commands"
	"reelbatch/internal/errors"
	"reelbatch/internal/logger"
)

var configFile string

var rootCmd = &cobra.Command{
	Use:   "reelbatch",
	Short: "Batch intake, rendering and scheduled publishing of short clips",
	Long: `reelbatch runs batches of short clips from intake to a publishing calendar.

Workflow:
  intake    - Scrape a source profile into a new job
  approve   - Approve or reject items before rendering
  start     - Render approved items with a background worker
  cancel    - Stop a job's worker
  correct   - Re-render selected items of a completed job
  status    - Show one job or list all jobs
  captions  - Generate or edit captions
  plan      - Propose conflict-free publish times
  publish   - Schedule rendered items on the remote calendar
  reconcile - Resolve jobs whose worker died unobserved
  accounts  - List remote publishing accounts

Examples:
  reelbatch intake https://www.instagram.com/someone/ --limit 8
  reelbatch start 3f1c... --mode design --name "Brand" --handle @brand
  reelbatch status 3f1c... --follow
  reelbatch publish 3f1c... --accounts 64ab...,64cd... --start-hour 9`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		return commands.Setup(configFile)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "", "Config file (toml, yaml or json)")

	rootCmd.AddCommand(commands.IntakeCmd)
	rootCmd.AddCommand(commands.ApproveCmd)
	rootCmd.AddCommand(commands.StartCmd)
	rootCmd.AddCommand(commands.CancelCmd)
	rootCmd.AddCommand(commands.CorrectCmd)
	rootCmd.AddCommand(commands.StatusCmd)
	rootCmd.AddCommand(commands.CaptionsCmd)
	rootCmd.AddCommand(commands.PlanCmd)
	rootCmd.AddCommand(commands.PublishCmd)
	rootCmd.AddCommand(commands.ReconcileCmd)
	rootCmd.AddCommand(commands.AccountsCmd)
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	defer logger.Cleanup()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		pterm.Error.Println(err)
		for _, hint := range errors.GetAllHints(err) {
			pterm.Info.Println(hint)
		}
		stop()
		logger.Cleanup()
		os.Exit(1)
	}
}

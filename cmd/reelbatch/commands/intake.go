package commands

import (
	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"reelbatch/internal/core/domain"
)

// IntakeCmd scrapes a source into a new job
var IntakeCmd = &cobra.Command{
	Use:   "intake <source-url>",
	Short: "Scrape a profile into a new job",
	Long: `Create a job from a source profile. Every clip found becomes an approved
item. If scraping fails and intake.simulate_on_failure is set, the job is
filled with placeholder items so the rest of the workflow can be tried.

Examples:
  reelbatch intake https://www.instagram.com/someone/
  reelbatch intake https://www.instagram.com/someone/ --limit 5`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")
		return runIntake(cmd, args[0], limit)
	},
}

// ApproveCmd toggles item approval
var ApproveCmd = &cobra.Command{
	Use:   "approve <job-id> <item-id>...",
	Short: "Approve or reject items before rendering",
	Args:  cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		reject, _ := cmd.Flags().GetBool("reject")
		return runApprove(cmd, args[0], args[1:], reject)
	},
}

func init() {
	IntakeCmd.Flags().Int("limit", 0, "Maximum number of clips (default intake.limit)")
	ApproveCmd.Flags().Bool("reject", false, "Reject instead of approve")
}

func runIntake(cmd *cobra.Command, source string, limit int) error {
	ctx := cmd.Context()
	a, err := newApp(ctx, appOptions{scraper: true})
	if err != nil {
		return err
	}
	defer a.close()

	spinner, _ := pterm.DefaultSpinner.Start("Scraping " + source)
	job, err := a.orch.CreateJob(ctx, source, limit)
	if err != nil {
		if spinner != nil {
			spinner.Fail("Intake failed")
		}
		return err
	}
	if spinner != nil {
		spinner.Success("Intake finished")
	}
	printJob(job)
	return nil
}

func runApprove(cmd *cobra.Command, jobID string, itemIDs []string, reject bool) error {
	ctx := cmd.Context()
	a, err := newApp(ctx, appOptions{})
	if err != nil {
		return err
	}
	defer a.close()

	state := domain.ApprovalApproved
	if reject {
		state = domain.ApprovalRejected
	}
	var job *domain.Job
	for _, id := range itemIDs {
		job, err = a.orch.SetApproval(ctx, jobID, id, state)
		if err != nil {
			return err
		}
	}
	pterm.Success.Printfln("%d item(s) %s", len(itemIDs), state)
	printJob(job)
	return nil
}

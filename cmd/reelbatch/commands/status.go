package commands

import (
	"context"
	"time"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"reelbatch/internal/adapters/jsonstore"
	"reelbatch/internal/core/domain"
	"reelbatch/internal/logger"
)

// followPollInterval refreshes --follow output for stores without file watching.
const followPollInterval = 2 * time.Second

// StatusCmd shows jobs
var StatusCmd = &cobra.Command{
	Use:   "status [job-id]",
	Short: "Show a job, or list all jobs",
	Long: `Show a job with its items, or list every job when no id is given.
Orphaned jobs are reconciled first. With --follow the job is printed
again whenever it changes, until it completes or is interrupted.

Examples:
  reelbatch status
  reelbatch status 3f1c... --follow`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		follow, _ := cmd.Flags().GetBool("follow")
		if len(args) == 0 {
			return runList(cmd)
		}
		return runStatus(cmd, args[0], follow)
	},
}

// ReconcileCmd resolves orphaned jobs
var ReconcileCmd = &cobra.Command{
	Use:   "reconcile",
	Short: "Resolve processing jobs whose worker died unobserved",
	Long: `Inspect every processing job that has no worker in this process. When
the recorded worker is no longer alive, or none was recorded and the job
is older than worker.stale_after, the job is completed or failed from the
outputs found on disk.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runReconcile(cmd)
	},
}

func init() {
	StatusCmd.Flags().BoolP("follow", "f", false, "Keep printing the job as it changes")
}

func runList(cmd *cobra.Command) error {
	ctx := cmd.Context()
	a, err := newApp(ctx, appOptions{})
	if err != nil {
		return err
	}
	defer a.close()
	a.reconcile(ctx)

	jobs, err := a.orch.ListJobs(ctx)
	if err != nil {
		return err
	}
	printJobs(jobs)
	return nil
}

func runStatus(cmd *cobra.Command, jobID string, follow bool) error {
	ctx := cmd.Context()
	a, err := newApp(ctx, appOptions{})
	if err != nil {
		return err
	}
	defer a.close()
	a.reconcile(ctx)

	job, err := a.orch.GetJob(ctx, jobID)
	if err != nil {
		return err
	}
	printJob(job)
	if !follow || settled(job) {
		return nil
	}
	return a.follow(ctx, job)
}

// follow reprints the job on every revision change until it settles.
func (a *app) follow(ctx context.Context, job *domain.Job) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	changed := make(chan struct{}, 1)
	notify := func() {
		select {
		case changed <- struct{}{}:
		default:
		}
	}

	if store, ok := a.store.(*jsonstore.Store); ok {
		go func() {
			if err := store.Watch(ctx, jsonstore.DefaultDebounce, notify); err != nil {
				a.log.Warnw("watch failed, falling back to polling", logger.FieldError, err)
				a.poll(ctx, notify)
			}
		}()
	} else {
		go a.poll(ctx, notify)
	}

	revision := job.Revision
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-changed:
		}
		// The worker may have died without anyone observing it.
		a.reconcile(ctx)
		latest, err := a.orch.GetJob(ctx, job.ID)
		if err != nil {
			return err
		}
		if latest.Revision == revision {
			continue
		}
		revision = latest.Revision
		pterm.Println()
		printJob(latest)
		if settled(latest) {
			return nil
		}
	}
}

func (a *app) poll(ctx context.Context, notify func()) {
	ticker := time.NewTicker(followPollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			notify()
		}
	}
}

func settled(job *domain.Job) bool {
	return job.Status != domain.StatusProcessing && job.Status != domain.StatusCreated
}

func runReconcile(cmd *cobra.Command) error {
	ctx := cmd.Context()
	a, err := newApp(ctx, appOptions{})
	if err != nil {
		return err
	}
	defer a.close()

	resolved, err := a.orch.Reconcile(ctx)
	if err != nil {
		return err
	}
	if len(resolved) == 0 {
		pterm.Info.Println("No orphaned jobs")
		return nil
	}
	pterm.Success.Printfln("Resolved %d job(s)", len(resolved))
	printJobs(resolved)
	return nil
}

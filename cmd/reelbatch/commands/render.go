package commands

import (
	"context"
	"encoding/json"
	"io"
	"os"
	"time"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"reelbatch/internal/core/domain"
	"reelbatch/internal/errors"
	"reelbatch/internal/service"
)

// cancelTimeout bounds the cleanup run after the operator interrupts a render.
const cancelTimeout = 10 * time.Second

// StartCmd renders a job's approved items
var StartCmd = &cobra.Command{
	Use:   "start <job-id>",
	Short: "Render approved items with the worker",
	Long: `Store the render configuration and spawn the render worker for a job.
The command waits for the worker; interrupting it cancels the job.
Starting a job whose worker is already running does nothing.

Modes:
  design - the worker draws the header from --name, --handle and --profile
  upload - the worker overlays the image given with --header

Examples:
  reelbatch start 3f1c... --mode design --name "Brand" --handle @brand --profile logo.png
  reelbatch start 3f1c... --mode upload --header header.png
  reelbatch start 3f1c... --render-config render.json`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runStart(cmd, args[0])
	},
}

// CancelCmd stops a job's worker
var CancelCmd = &cobra.Command{
	Use:   "cancel <job-id>",
	Short: "Cancel a job and stop its worker",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runCancel(cmd, args[0])
	},
}

// CorrectCmd re-renders selected items
var CorrectCmd = &cobra.Command{
	Use:   "correct <job-id>",
	Short: "Re-render selected items of a completed job",
	Long: `Clear the rendered output of the given items, move the job back to
processing and render only those items again. --shift sets a vertical
correction in pixels per item.

Example:
  reelbatch correct 3f1c... --items C1,C7 --shift C1=-12,C7=8`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runCorrect(cmd, args[0])
	},
}

func init() {
	addRenderFlags(StartCmd)
	StartCmd.Flags().String("header", "", "Header image for upload mode")
	StartCmd.Flags().String("profile", "", "Profile image for design mode")

	CorrectCmd.Flags().String("items", "", "Comma separated item ids (required)")
	CorrectCmd.Flags().StringToInt("shift", nil, "Vertical correction per item, e.g. C1=-12")
	CorrectCmd.Flags().String("render-config", "", "JSON file replacing the job's render config")
	_ = CorrectCmd.MarkFlagRequired("items")
}

func addRenderFlags(cmd *cobra.Command) {
	f := cmd.Flags()
	f.String("render-config", "", "JSON file with the full render config")
	f.String("mode", "design", "Header mode: design or upload")
	f.String("name", "", "Display name drawn in the header")
	f.String("handle", "", "Handle drawn in the header")
	f.Int("header-height", 0, "Header height in percent of the frame")
	f.String("background", "", "Header background color")
	f.String("text-color", "", "Header text color")
	f.String("headline", "", "Headline text")
	f.String("headline-mode", "", "Headline source: caption or custom")
	f.Bool("show-headline", false, "Draw the headline")
	f.Int("vertical-position", 0, "Vertical position of the clip in pixels")
	f.Bool("auto-detect", true, "Detect the content area automatically")
}

// renderConfig builds the config from --render-config, then applies any
// flags given explicitly.
func renderConfig(cmd *cobra.Command) (domain.RenderConfig, error) {
	var rc domain.RenderConfig
	f := cmd.Flags()
	if path, _ := f.GetString("render-config"); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return rc, errors.Wrapf(err, "failed to read render config %s", path)
		}
		if err := json.Unmarshal(data, &rc); err != nil {
			return rc, errors.Wrapf(errors.ErrInvalidRequest, "invalid render config %s: %v", path, err)
		}
	} else {
		rc.Mode, _ = f.GetString("mode")
		rc.AutoDetect, _ = f.GetBool("auto-detect")
	}

	if f.Changed("mode") {
		rc.Mode, _ = f.GetString("mode")
	}
	if f.Changed("name") {
		rc.DesignName, _ = f.GetString("name")
	}
	if f.Changed("handle") {
		rc.DesignHandle, _ = f.GetString("handle")
	}
	if f.Changed("header-height") {
		rc.HeaderHeight, _ = f.GetInt("header-height")
	}
	if f.Changed("background") {
		rc.BackgroundColor, _ = f.GetString("background")
	}
	if f.Changed("text-color") {
		rc.TextColor, _ = f.GetString("text-color")
	}
	if f.Changed("headline") {
		rc.HeadlineText, _ = f.GetString("headline")
	}
	if f.Changed("headline-mode") {
		rc.HeadlineMode, _ = f.GetString("headline-mode")
	}
	if f.Changed("show-headline") {
		rc.ShowHeadline, _ = f.GetBool("show-headline")
	}
	if f.Changed("vertical-position") {
		rc.VerticalPosition, _ = f.GetInt("vertical-position")
	}
	if f.Changed("auto-detect") {
		rc.AutoDetect, _ = f.GetBool("auto-detect")
	}

	if rc.Mode == "" {
		rc.Mode = "design"
	}
	switch rc.Mode {
	case "design", "upload":
	default:
		return rc, errors.NewInvalidRequestError("unknown mode %q", rc.Mode)
	}
	return rc, nil
}

func openOptional(path string) (io.ReadCloser, error) {
	if path == "" {
		return nil, nil
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open %s", path)
	}
	return f, nil
}

func runStart(cmd *cobra.Command, jobID string) error {
	ctx := cmd.Context()
	rc, err := renderConfig(cmd)
	if err != nil {
		return err
	}

	req := service.StartRequest{Config: rc}
	headerPath, _ := cmd.Flags().GetString("header")
	header, err := openOptional(headerPath)
	if err != nil {
		return err
	}
	if header != nil {
		defer header.Close()
		req.HeaderImage = header
	}
	profilePath, _ := cmd.Flags().GetString("profile")
	profile, err := openOptional(profilePath)
	if err != nil {
		return err
	}
	if profile != nil {
		defer profile.Close()
		req.ProfileImage = profile
	}

	a, err := newApp(ctx, appOptions{})
	if err != nil {
		return err
	}
	defer a.close()
	a.reconcile(ctx)

	job, err := a.orch.StartJob(ctx, jobID, req)
	if err != nil {
		return err
	}
	return a.waitForWorker(ctx, job)
}

// waitForWorker blocks until the job's worker exits and prints the result.
// If ctx ends first the job is canceled.
func (a *app) waitForWorker(ctx context.Context, job *domain.Job) error {
	h, ok := a.supervisor.Handle(job.ID)
	if !ok {
		if job.Status == domain.StatusProcessing && job.Worker != nil {
			pterm.Info.Printfln("Worker pid %d is already running in another process", job.Worker.PID)
		}
		printJob(job)
		return nil
	}

	spinner, _ := pterm.DefaultSpinner.Start("Rendering job " + job.ID)
	select {
	case <-h.Done():
	case <-ctx.Done():
		if spinner != nil {
			spinner.Warning("Interrupted, canceling job")
		}
		cleanup, cancel := context.WithTimeout(context.Background(), cancelTimeout)
		defer cancel()
		job, _, err := a.orch.CancelJob(cleanup, job.ID)
		if err != nil {
			return err
		}
		<-h.Done()
		printJob(job)
		return ctx.Err()
	}

	job, err := a.orch.GetJob(context.Background(), job.ID)
	if err != nil {
		return err
	}
	if spinner != nil {
		if job.Status == domain.StatusCompleted {
			spinner.Success("Render finished")
		} else {
			spinner.Fail("Render " + string(job.Status))
		}
	}
	printJob(job)
	if job.Status == domain.StatusFailed {
		return errors.Newf("job %s failed", job.ID)
	}
	return nil
}

func runCancel(cmd *cobra.Command, jobID string) error {
	ctx := cmd.Context()
	a, err := newApp(ctx, appOptions{})
	if err != nil {
		return err
	}
	defer a.close()

	job, signaled, err := a.orch.CancelJob(ctx, jobID)
	if err != nil {
		return err
	}
	switch {
	case signaled:
		pterm.Success.Println("Worker signaled and job canceled")
	case job.Status == domain.StatusCanceled:
		pterm.Success.Println("Job canceled")
	default:
		pterm.Info.Printfln("Job is %s, nothing to cancel", job.Status)
	}
	return nil
}

func runCorrect(cmd *cobra.Command, jobID string) error {
	ctx := cmd.Context()
	itemsFlag, _ := cmd.Flags().GetString("items")
	shifts, _ := cmd.Flags().GetStringToInt("shift")

	req := service.CorrectRequest{ItemIDs: splitList(itemsFlag), Corrections: shifts}
	if path, _ := cmd.Flags().GetString("render-config"); path != "" {
		rc, err := renderConfig(cmd)
		if err != nil {
			return err
		}
		req.Config = &rc
	}

	a, err := newApp(ctx, appOptions{})
	if err != nil {
		return err
	}
	defer a.close()

	job, err := a.orch.CorrectJob(ctx, jobID, req)
	if err != nil {
		return err
	}
	return a.waitForWorker(ctx, job)
}

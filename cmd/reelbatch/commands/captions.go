package commands

import (
	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"reelbatch/internal/errors"
)

// CaptionsCmd generates or edits captions
var CaptionsCmd = &cobra.Command{
	Use:   "captions <job-id>",
	Short: "Generate or edit item captions",
	Long: `Generate captions with the text-generation API, or set them by hand.
Without --items every approved item is captioned. Items that fail keep
their current caption and are reported.

Styles: viral, professional, funny, minimal

Examples:
  reelbatch captions 3f1c... --generate --style funny
  reelbatch captions 3f1c... --set C1="New drop is live",C7="Behind the scenes"`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runCaptions(cmd, args[0])
	},
}

func init() {
	CaptionsCmd.Flags().Bool("generate", false, "Generate captions")
	CaptionsCmd.Flags().String("style", "viral", "Caption style for --generate")
	CaptionsCmd.Flags().String("items", "", "Comma separated item ids (default all approved)")
	CaptionsCmd.Flags().StringToString("set", nil, "Set captions by hand, item=text")
}

func runCaptions(cmd *cobra.Command, jobID string) error {
	ctx := cmd.Context()
	generate, _ := cmd.Flags().GetBool("generate")
	style, _ := cmd.Flags().GetString("style")
	itemsFlag, _ := cmd.Flags().GetString("items")
	manual, _ := cmd.Flags().GetStringToString("set")

	if !generate && len(manual) == 0 {
		return errors.WithHint(errors.NewInvalidRequestError("nothing to do"), "pass --generate or --set")
	}

	a, err := newApp(ctx, appOptions{captioner: generate})
	if err != nil {
		return err
	}
	defer a.close()

	if len(manual) > 0 {
		job, err := a.orch.UpdateCaptions(ctx, jobID, manual)
		if err != nil {
			return err
		}
		pterm.Success.Printfln("Updated %d caption(s)", len(manual))
		if !generate {
			printJob(job)
			return nil
		}
	}

	spinner, _ := pterm.DefaultSpinner.Start("Generating captions")
	outcomes, err := a.orch.GenerateCaptions(ctx, jobID, splitList(itemsFlag), style)
	if spinner != nil {
		_ = spinner.Stop()
	}
	if err != nil {
		return err
	}

	data := pterm.TableData{{"Item", "Caption"}}
	failed := 0
	for _, o := range outcomes {
		text := truncate(o.Caption, 70)
		if o.Error != "" {
			failed++
			text = pterm.Red(o.Error)
		}
		data = append(data, []string{o.ItemID, text})
	}
	_ = pterm.DefaultTable.WithHasHeader().WithData(data).Render()
	if failed > 0 {
		pterm.Warning.Printfln("%d of %d caption(s) failed", failed, len(outcomes))
	} else {
		pterm.Success.Printfln("Generated %d caption(s)", len(outcomes))
	}
	return nil
}

package commands

import (
	"sort"
	"strconv"
	"time"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"reelbatch/internal/core/domain"
	"reelbatch/internal/errors"
	"reelbatch/internal/service"
)

// PlanCmd proposes publish times
var PlanCmd = &cobra.Command{
	Use:   "plan <job-id>",
	Short: "Propose conflict-free publish times",
	Long: `Read the posts already scheduled on the target accounts and assign a
publish time to each item, keeping every post at least --min-gap from
any other. Nothing is submitted.

Strategies:
  fill   - use free gaps from the start day onward
  append - place every item after the last scheduled post

Example:
  reelbatch plan 3f1c... --accounts 64ab... --start-hour 9 --spread-days 3`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runPlan(cmd, args[0])
	},
}

// PublishCmd plans and schedules items
var PublishCmd = &cobra.Command{
	Use:   "publish <job-id>",
	Short: "Schedule rendered items on the remote calendar",
	Long: `Plan publish times like 'plan', then upload and schedule each item in
order. A time rejected for being too close to another post is moved
forward by schedule.conflict_shift and retried, up to
schedule.max_attempts submissions per item. One item failing does not
stop the others. --at skips planning and uses the given times.

Examples:
  reelbatch publish 3f1c... --accounts 64ab...,64cd... --strategy append
  reelbatch publish 3f1c... --accounts 64ab... --at C1=2026-03-10T18:00:00+01:00`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runPublish(cmd, args[0])
	},
}

// AccountsCmd lists remote accounts
var AccountsCmd = &cobra.Command{
	Use:   "accounts",
	Short: "List publishing accounts and workspaces",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runAccounts(cmd)
	},
}

func init() {
	for _, cmd := range []*cobra.Command{PlanCmd, PublishCmd} {
		f := cmd.Flags()
		f.String("accounts", "", "Comma separated target account ids (required)")
		f.String("items", "", "Comma separated item ids (default all rendered, unpublished)")
		f.String("strategy", "", "fill or append (default schedule.strategy)")
		f.Duration("min-gap", 0, "Minimum gap between posts (default schedule.min_gap)")
		f.Int("start-hour", -1, "First hour of the day to post (default schedule.start_hour)")
		f.Int("spread-days", 0, "Days to spread the batch over (default schedule.spread_days)")
		f.Int("start-day", -1, "Days from today to start (default schedule.start_day)")
		_ = cmd.MarkFlagRequired("accounts")
	}
	PublishCmd.Flags().StringToString("at", nil, "Manual publish times, item=RFC3339")
}

// manualSlots parses --at values, ordered by time.
func manualSlots(at map[string]string) ([]domain.ScheduleSlot, error) {
	slots := make([]domain.ScheduleSlot, 0, len(at))
	for id, value := range at {
		t, err := time.Parse(time.RFC3339, value)
		if err != nil {
			return nil, errors.Wrapf(errors.ErrInvalidRequest, "invalid time for %s: %v", id, err)
		}
		slots = append(slots, domain.ScheduleSlot{ItemID: id, At: t})
	}
	sort.Slice(slots, func(i, j int) bool { return slots[i].At.Before(slots[j].At) })
	return slots, nil
}

func planRequest(cmd *cobra.Command) (service.PlanRequest, error) {
	f := cmd.Flags()
	accounts, _ := f.GetString("accounts")
	items, _ := f.GetString("items")
	strategy, _ := f.GetString("strategy")
	minGap, _ := f.GetDuration("min-gap")
	startHour, _ := f.GetInt("start-hour")
	spreadDays, _ := f.GetInt("spread-days")
	startDay, _ := f.GetInt("start-day")

	if startHour < 0 {
		startHour = cfg.Schedule.StartHour
	}
	if startDay < 0 {
		startDay = cfg.Schedule.StartDay
	}
	req := service.PlanRequest{
		ItemIDs:    splitList(items),
		AccountIDs: splitList(accounts),
		Strategy:   domain.Strategy(strategy),
		MinGap:     minGap,
		StartHour:  startHour,
		SpreadDays: spreadDays,
		StartDay:   startDay,
	}
	if len(req.AccountIDs) == 0 {
		return req, errors.WithHint(errors.NewInvalidRequestError("no target accounts"), "run 'reelbatch accounts' to list them")
	}
	return req, nil
}

func runPlan(cmd *cobra.Command, jobID string) error {
	ctx := cmd.Context()
	req, err := planRequest(cmd)
	if err != nil {
		return err
	}
	a, err := newApp(ctx, appOptions{publisher: true})
	if err != nil {
		return err
	}
	defer a.close()

	plan, err := a.orch.PlanSchedule(ctx, jobID, req)
	if err != nil {
		return err
	}
	printPlan(plan)
	return nil
}

func printPlan(plan *service.SchedulePlan) {
	if len(plan.Slots) == 0 && len(plan.Unassigned) == 0 {
		pterm.Info.Println("No rendered, unpublished items to plan")
		return
	}
	printSlots(plan.Slots)
	for _, e := range plan.Unassigned {
		pterm.Warning.Println(e.Error())
	}
}

func runPublish(cmd *cobra.Command, jobID string) error {
	ctx := cmd.Context()
	req, err := planRequest(cmd)
	if err != nil {
		return err
	}
	a, err := newApp(ctx, appOptions{publisher: true})
	if err != nil {
		return err
	}
	defer a.close()

	at, _ := cmd.Flags().GetStringToString("at")
	var slots []domain.ScheduleSlot
	if len(at) > 0 {
		if slots, err = manualSlots(at); err != nil {
			return err
		}
		printSlots(slots)
	} else {
		plan, err := a.orch.PlanSchedule(ctx, jobID, req)
		if err != nil {
			return err
		}
		printPlan(plan)
		slots = plan.Slots
	}
	if len(slots) == 0 {
		return nil
	}

	spinner, _ := pterm.DefaultSpinner.Start("Publishing " + strconv.Itoa(len(slots)) + " item(s)")
	outcomes, err := a.orch.PublishBatch(ctx, jobID, service.PublishRequest{
		AccountIDs: req.AccountIDs,
		Slots:      slots,
	})
	if spinner != nil {
		_ = spinner.Stop()
	}

	data := pterm.TableData{{"Item", "Result", "Scheduled", "Attempts", "Remote id"}}
	succeeded := 0
	for _, o := range outcomes {
		result := pterm.Green("scheduled")
		if o.Success {
			succeeded++
		} else {
			result = pterm.Red(truncate(o.Error, 60))
		}
		data = append(data, []string{o.ItemID, result, formatAt(o.ScheduledAt), strconv.Itoa(o.Attempts), o.RemotePostID})
	}
	if len(outcomes) > 0 {
		_ = pterm.DefaultTable.WithHasHeader().WithData(data).Render()
	}
	if err != nil {
		return err
	}
	if succeeded < len(outcomes) {
		pterm.Warning.Printfln("%d of %d item(s) scheduled", succeeded, len(outcomes))
		return nil
	}
	pterm.Success.Printfln("All %d item(s) scheduled", succeeded)
	return nil
}

func runAccounts(cmd *cobra.Command) error {
	ctx := cmd.Context()
	a, err := newApp(ctx, appOptions{publisher: true})
	if err != nil {
		return err
	}
	defer a.close()

	workspaces, err := a.publisher.Workspaces(ctx)
	if err != nil {
		return err
	}
	if len(workspaces) > 0 {
		data := pterm.TableData{{"Workspace", "Name"}}
		for _, w := range workspaces {
			data = append(data, []string{w.ID, w.Name})
		}
		_ = pterm.DefaultTable.WithHasHeader().WithData(data).Render()
		pterm.Println()
	}

	accounts, err := a.publisher.Accounts(ctx)
	if err != nil {
		return err
	}
	data := pterm.TableData{{"Account", "Name", "Network"}}
	for _, acc := range accounts {
		network := acc.Provider
		if network == "" {
			network = acc.Type
		}
		data = append(data, []string{acc.ID, acc.Name, network})
	}
	_ = pterm.DefaultTable.WithHasHeader().WithData(data).Render()
	return nil
}

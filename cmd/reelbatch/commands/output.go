package commands

import (
	"fmt"
	"path/filepath"
	"strconv"
	"time"

	"github.com/pterm/pterm"

	"reelbatch/internal/core/domain"
)

const timeLayout = "2006-01-02 15:04 MST"

func printJob(job *domain.Job) {
	pterm.DefaultSection.Printfln("Job %s", job.ID)
	pterm.Printfln("Source:    %s", job.SourceURL)
	pterm.Printfln("Status:    %s", statusLabel(job.Status))
	pterm.Printfln("Created:   %s", job.CreatedAt.Local().Format(timeLayout))
	pterm.Printfln("Updated:   %s", job.UpdatedAt.Local().Format(timeLayout))
	if job.IsSimulated {
		pterm.Warning.Println("Items are simulated placeholders, intake did not succeed")
	}
	if job.Worker != nil {
		w := job.Worker
		line := fmt.Sprintf("Worker:    pid %d on %s since %s", w.PID, w.Host, w.StartedAt.Local().Format(timeLayout))
		if w.ExitCode != nil {
			line += fmt.Sprintf(", exit %d", *w.ExitCode)
		}
		pterm.Println(line)
	}
	if job.LastError != "" {
		pterm.Error.Println(job.LastError)
	}
	pterm.Println()

	if len(job.Items) == 0 {
		return
	}
	data := pterm.TableData{{"Item", "Approval", "Score", "Output", "Caption", "Scheduled"}}
	for _, item := range job.Items {
		output := "-"
		if item.Rendered() {
			output = filepath.Base(item.RenderedOutput)
		}
		scheduled := "-"
		if item.ScheduledAt != nil {
			scheduled = item.ScheduledAt.Local().Format(timeLayout)
		} else if item.PublishError != "" {
			scheduled = pterm.Red("error")
		}
		data = append(data, []string{
			item.ID,
			string(item.Approval),
			strconv.FormatFloat(item.Score, 'f', 0, 64),
			output,
			truncate(item.Caption, 40),
			scheduled,
		})
	}
	_ = pterm.DefaultTable.WithHasHeader().WithData(data).Render()
}

func printJobs(jobs []*domain.Job) {
	if len(jobs) == 0 {
		pterm.Info.Println("No jobs yet")
		return
	}
	data := pterm.TableData{{"Job", "Status", "Items", "Source", "Updated"}}
	for _, job := range jobs {
		data = append(data, []string{
			job.ID,
			statusLabel(job.Status),
			strconv.Itoa(len(job.Items)),
			truncate(job.SourceURL, 48),
			job.UpdatedAt.Local().Format(timeLayout),
		})
	}
	_ = pterm.DefaultTable.WithHasHeader().WithData(data).Render()
}

func printSlots(slots []domain.ScheduleSlot) {
	data := pterm.TableData{{"Item", "Publish at"}}
	for _, s := range slots {
		data = append(data, []string{s.ItemID, s.At.Local().Format(timeLayout)})
	}
	_ = pterm.DefaultTable.WithHasHeader().WithData(data).Render()
}

func statusLabel(s domain.Status) string {
	switch s {
	case domain.StatusCompleted:
		return pterm.Green(string(s))
	case domain.StatusFailed:
		return pterm.Red(string(s))
	case domain.StatusProcessing:
		return pterm.Yellow(string(s))
	case domain.StatusCanceled:
		return pterm.Gray(string(s))
	}
	return string(s)
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}

func formatAt(t *time.Time) string {
	if t == nil {
		return "-"
	}
	return t.Local().Format(timeLayout)
}

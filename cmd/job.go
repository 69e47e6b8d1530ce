package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/accordhq/accord/internal/models"
	"github.com/accordhq/accord/internal/output"
	"github.com/accordhq/accord/internal/store"
)

var (
	jobState string
	jobLimit int
)

var jobCmd = &cobra.Command{
	Use:   "job",
	Short: "Inspect and manage guidance jobs",
	RunE: func(cmd *cobra.Command, args []string) error {
		return jobListRun(cmd.Context())
	},
}

var jobListCmd = &cobra.Command{
	Use:   "list",
	Short: "List guidance jobs",
	RunE: func(cmd *cobra.Command, args []string) error {
		return jobListRun(cmd.Context())
	},
}

var jobStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show job counts by state",
	RunE: func(cmd *cobra.Command, args []string) error {
		return jobStatsRun(cmd.Context())
	},
}

var jobRetryCmd = &cobra.Command{
	Use:   "retry <job-id>",
	Short: "Reset a failed job so workers pick it up again",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return jobRetryRun(cmd.Context(), args[0])
	},
}

func init() {
	jobListCmd.Flags().StringVar(&jobState, "state", "", "Filter by state (pending, running, completed, failed)")
	jobListCmd.Flags().IntVar(&jobLimit, "limit", 50, "Maximum jobs to list")

	jobCmd.AddCommand(jobListCmd)
	jobCmd.AddCommand(jobStatsCmd)
	jobCmd.AddCommand(jobRetryCmd)
	rootCmd.AddCommand(jobCmd)
}

func jobListRun(ctx context.Context) error {
	s, err := getStore()
	if err != nil {
		return err
	}

	jobs, err := s.ListJobs(ctx, store.JobListFilter{
		State: models.JobState(jobState),
		Limit: jobLimit,
	})
	if err != nil {
		return err
	}
	if len(jobs) == 0 {
		ui.Info("No jobs")
		return nil
	}

	table := ui.Table([]string{"ID", "Kind", "Conflict", "State", "Attempts", "Last Error"})
	for _, j := range jobs {
		lastErr := j.LastError
		if len(lastErr) > 60 {
			lastErr = lastErr[:57] + "..."
		}
		table.Append([]string{
			j.ID,
			string(j.Payload.Kind),
			j.Payload.ConflictID,
			output.JobStateColor(string(j.State)),
			fmt.Sprintf("%d/%d", j.Attempts, j.MaxAttempts),
			lastErr,
		})
	}
	return table.Render()
}

func jobStatsRun(ctx context.Context) error {
	s, err := getStore()
	if err != nil {
		return err
	}

	counts, err := s.CountJobsByState(ctx)
	if err != nil {
		return err
	}

	for _, state := range []models.JobState{
		models.JobStatePending, models.JobStateRunning,
		models.JobStateCompleted, models.JobStateFailed,
	} {
		fmt.Fprintf(ui.Out, "  %-10s %d\n", output.JobStateColor(string(state)), counts[state])
	}
	return nil
}

func jobRetryRun(ctx context.Context, jobID string) error {
	s, err := getStore()
	if err != nil {
		return err
	}

	if err := s.ResetJob(ctx, jobID); err != nil {
		return err
	}
	ui.Success("Job %s reset to pending", jobID)
	return nil
}

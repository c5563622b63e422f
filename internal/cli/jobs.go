package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/raphaelgruber/moduleconv/internal/client"
	"github.com/raphaelgruber/moduleconv/internal/models"
)

var (
	jobsStatus   string
	jobsTemplate string
	jobsTenant   string
	jobsLimit    int
	jobsOffset   int
)

var jobsCmd = &cobra.Command{
	Use:   "jobs [job-id]",
	Short: "List or inspect conversion jobs",
	Long: `List conversion jobs newest first or inspect a specific job by ID.

Examples:
  moduleconv jobs                   # List recent jobs
  moduleconv jobs --status failed   # List failed jobs
  moduleconv jobs conv-3f9a1c2b7d4e  # Show details for one job`,
	Args: cobra.MaximumNArgs(1),
	RunE: runJobs,
}

var stepsCmd = &cobra.Command{
	Use:   "steps <job-id>",
	Short: "Show the step log of a conversion job",
	Args:  cobra.ExactArgs(1),
	RunE:  runSteps,
}

func init() {
	jobsCmd.Flags().StringVar(&jobsStatus, "status", "", "filter by status")
	jobsCmd.Flags().StringVar(&jobsTemplate, "template", "", "filter by template ID")
	jobsCmd.Flags().StringVar(&jobsTenant, "tenant", "", "filter by tenant ID")
	jobsCmd.Flags().IntVarP(&jobsLimit, "limit", "n", 20, "maximum number of jobs")
	jobsCmd.Flags().IntVar(&jobsOffset, "offset", 0, "number of jobs to skip")
}

func runJobs(cmd *cobra.Command, args []string) error {
	ctx := context.Background()
	b, err := getBackend(ctx)
	if err != nil {
		return err
	}

	if len(args) == 1 {
		return showJob(ctx, b, cmd.OutOrStdout(), args[0])
	}
	return listJobs(ctx, b, cmd.OutOrStdout())
}

func listJobs(ctx context.Context, b backend, out io.Writer) error {
	jobs, total, err := b.List(ctx, client.ListOptions{
		Status:     jobsStatus,
		TemplateID: jobsTemplate,
		TenantID:   jobsTenant,
		Limit:      jobsLimit,
		Offset:     jobsOffset,
	})
	if err != nil {
		return fmt.Errorf("list jobs: %w", err)
	}

	if len(jobs) == 0 {
		fmt.Fprintln(out, "No jobs found")
		return nil
	}

	fmt.Fprintf(out, "%-24s %-16s %-11s %-9s %s\n", "ID", "TEMPLATE", "STATUS", "PROGRESS", "CREATED")
	fmt.Fprintln(out, "--------------------------------------------------------------------------------")

	for _, job := range jobs {
		fmt.Fprintf(out, "%-24s %-16s %-11s %-9s %s\n",
			job.ID, job.TemplateID, job.Status, fmt.Sprintf("%d%%", job.Progress), job.CreatedAt.Local().Format("2006-01-02 15:04:05"))
	}
	if total > len(jobs) {
		fmt.Fprintf(out, "\nShowing %d of %d jobs\n", len(jobs), total)
	}

	return nil
}

func showJob(ctx context.Context, b backend, out io.Writer, id string) error {
	job, err := b.Get(ctx, id)
	if errors.Is(err, errNotFound) {
		return fmt.Errorf("job not found: %s", id)
	}
	if err != nil {
		return fmt.Errorf("get job: %w", err)
	}

	fmt.Fprintf(out, "Job: %s\n", job.ID)
	fmt.Fprintf(out, "  Template: %s\n", job.TemplateID)
	fmt.Fprintf(out, "  Status: %s\n", job.Status)
	fmt.Fprintf(out, "  Progress: %d%%\n", job.Progress)
	fmt.Fprintf(out, "  Source: %s", job.Source.Kind)
	if job.Source.Location != "" {
		fmt.Fprintf(out, " (%s)", job.Source.Location)
	}
	fmt.Fprintln(out)
	if job.RetryOf != "" {
		fmt.Fprintf(out, "  Retry of: %s\n", job.RetryOf)
	}
	fmt.Fprintf(out, "  Created: %s\n", job.CreatedAt.Format(time.RFC3339))
	if job.StartedAt != nil {
		fmt.Fprintf(out, "  Started: %s\n", job.StartedAt.Format(time.RFC3339))
	}
	if job.CompletedAt != nil {
		fmt.Fprintf(out, "  Completed: %s\n", job.CompletedAt.Format(time.RFC3339))
		if job.StartedAt != nil {
			fmt.Fprintf(out, "  Duration: %s\n", job.CompletedAt.Sub(*job.StartedAt).Round(time.Millisecond))
		}
	}
	fmt.Fprintf(out, "  Tokens: %d\n", job.TokensUsed)

	if job.ErrorMessage != "" {
		fmt.Fprintf(out, "  Error: %s\n", job.ErrorMessage)
	}
	if job.StagingPRURL != "" {
		fmt.Fprintf(out, "  Pull request: %s (#%d, branch %s)\n", job.StagingPRURL, job.StagingPRNumber, job.StagingBranch)
	}

	if len(job.LLMRequests) > 0 {
		fmt.Fprintf(out, "\nLLM requests (%d):\n", len(job.LLMRequests))
		for _, r := range job.LLMRequests {
			if r.Error != "" {
				fmt.Fprintf(out, "  - %s failed: %s\n", r.Provider, r.Error)
				continue
			}
			fmt.Fprintf(out, "  - %s/%s %d+%d tokens in %dms\n", r.Provider, r.Model, r.PromptTokens, r.CompletionTokens, r.LatencyMs)
		}
	}

	if job.Output != nil && verbose {
		fmt.Fprintf(out, "\nGenerated code (%s):\n\n%s\n", job.Output.ModelUsed, job.Output.GeneratedCode)
	}

	return nil
}

func runSteps(cmd *cobra.Command, args []string) error {
	ctx := context.Background()
	b, err := getBackend(ctx)
	if err != nil {
		return err
	}

	steps, err := b.Steps(ctx, args[0])
	if errors.Is(err, errNotFound) {
		return fmt.Errorf("job not found: %s", args[0])
	}
	if err != nil {
		return fmt.Errorf("get steps: %w", err)
	}
	printSteps(cmd.OutOrStdout(), steps)
	return nil
}

func printSteps(out io.Writer, steps []models.ConversionStep) {
	if len(steps) == 0 {
		fmt.Fprintln(out, "No steps recorded")
		return
	}

	fmt.Fprintf(out, "%-3s %-10s %-12s %-10s %s\n", "#", "STEP", "STATUS", "DURATION", "ERROR")
	fmt.Fprintln(out, "------------------------------------------------------------")
	for _, s := range steps {
		duration := ""
		if s.DurationMs > 0 {
			duration = (time.Duration(s.DurationMs) * time.Millisecond).String()
		}
		fmt.Fprintf(out, "%-3d %-10s %-12s %-10s %s\n", s.StepNumber, s.Kind, s.Status, duration, s.ErrorMessage)
	}
}

package cli

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"
)

var retryTarget string

var cancelCmd = &cobra.Command{
	Use:   "cancel <job-id>",
	Short: "Cancel a pending or running conversion",
	Long: `Cancel a conversion job. A running job stops after its current step.

Examples:
  moduleconv cancel conv-3f9a1c2b7d4e`,
	Args: cobra.ExactArgs(1),
	RunE: runCancel,
}

var retryCmd = &cobra.Command{
	Use:   "retry <job-id>",
	Short: "Retry a failed or cancelled conversion",
	Long: `Create a new conversion with the inputs of a failed or cancelled one and
run it. The original job is left untouched.

Examples:
  moduleconv retry conv-3f9a1c2b7d4e
  moduleconv retry conv-3f9a1c2b7d4e --target staging`,
	Args: cobra.ExactArgs(1),
	RunE: runRetry,
}

func init() {
	retryCmd.Flags().StringVar(&retryTarget, "target", "", "staging target ID")
}

func runCancel(cmd *cobra.Command, args []string) error {
	ctx := context.Background()
	b, err := getBackend(ctx)
	if err != nil {
		return err
	}

	ok, err := b.Cancel(ctx, args[0])
	if err != nil {
		return fmt.Errorf("cancel: %w", err)
	}
	if !ok {
		return fmt.Errorf("job %s not found or already finished", args[0])
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Cancelled %s\n", args[0])
	return nil
}

func runRetry(cmd *cobra.Command, args []string) error {
	ctx := context.Background()
	b, err := getBackend(ctx)
	if err != nil {
		return err
	}

	job, err := b.Retry(ctx, args[0], retryTarget)
	if errors.Is(err, errNotFound) {
		return fmt.Errorf("job not found: %s", args[0])
	}
	if err != nil {
		return fmt.Errorf("retry: %w", err)
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Retrying %s as %s\n", args[0], job.ID)
	_, err = followJob(ctx, b, job, retryTarget, out)
	return err
}

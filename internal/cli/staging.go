package cli

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/raphaelgruber/moduleconv/internal/staging"
	"github.com/raphaelgruber/moduleconv/internal/store"
)

var stagingCmd = &cobra.Command{
	Use:   "staging",
	Short: "Manage staging targets",
	Long: `Inspect and check the GitHub repositories that receive converted modules.

Examples:
  moduleconv staging list
  moduleconv staging validate staging`,
}

var stagingListCmd = &cobra.Command{
	Use:   "list",
	Short: "List staging targets",
	Args:  cobra.NoArgs,
	RunE:  runStagingList,
}

var stagingValidateCmd = &cobra.Command{
	Use:   "validate <target-id>",
	Short: "Check the token, repository and base branch of a staging target",
	Args:  cobra.ExactArgs(1),
	RunE:  runStagingValidate,
}

func init() {
	stagingCmd.AddCommand(stagingListCmd)
	stagingCmd.AddCommand(stagingValidateCmd)
}

func runStagingList(cmd *cobra.Command, args []string) error {
	ctx := context.Background()
	a, err := getApp(ctx)
	if err != nil {
		return err
	}

	targets, err := a.Store.ListStagingTargets(ctx)
	if err != nil {
		return fmt.Errorf("list staging targets: %w", err)
	}

	out := cmd.OutOrStdout()
	if len(targets) == 0 {
		fmt.Fprintln(out, "No staging targets found. Add them to the catalog file (MODULECONV_CATALOG).")
		return nil
	}
	for _, t := range targets {
		t = t.WithDefaults()
		state := ""
		if !t.IsActive {
			state = " (inactive)"
		}
		fmt.Fprintf(out, "- %s: %s/%s@%s%s\n", t.ID, t.Owner, t.Repo, t.BaseBranch, state)
	}
	return nil
}

func runStagingValidate(cmd *cobra.Command, args []string) error {
	ctx := context.Background()
	a, err := getApp(ctx)
	if err != nil {
		return err
	}

	target, err := a.Store.GetStagingTarget(ctx, args[0])
	if errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("staging target not found: %s", args[0])
	}
	if err != nil {
		return fmt.Errorf("get staging target: %w", err)
	}
	t := target.WithDefaults()

	token, err := a.Keyring.Decrypt(ctx, t.TokenEncrypted)
	if err != nil {
		return fmt.Errorf("decrypt token: %w", err)
	}
	gh := staging.New(token, t.APIBaseURL, staging.WithMetrics(a.Metrics), staging.WithLogger(logger))

	out := cmd.OutOrStdout()
	ok := defaultTheme.completedStyle().Render("✓")
	fail := defaultTheme.errorStyle().Render("✗")

	user, err := gh.AuthenticatedUser(ctx)
	if err != nil {
		fmt.Fprintf(out, "%s token: %v\n", fail, err)
		return fmt.Errorf("staging target %s is not usable", t.ID)
	}
	fmt.Fprintf(out, "%s token (authenticated as %s)\n", ok, user.Login)

	repo, err := gh.GetRepository(ctx, t.Owner, t.Repo)
	if err != nil {
		fmt.Fprintf(out, "%s repository %s/%s: %v\n", fail, t.Owner, t.Repo, err)
		return fmt.Errorf("staging target %s is not usable", t.ID)
	}
	fmt.Fprintf(out, "%s repository %s\n", ok, repo.FullName)

	branch, err := gh.GetBranch(ctx, t.Owner, t.Repo, t.BaseBranch)
	if err != nil {
		fmt.Fprintf(out, "%s base branch %s: %v\n", fail, t.BaseBranch, err)
		return fmt.Errorf("staging target %s is not usable", t.ID)
	}
	fmt.Fprintf(out, "%s base branch %s at %.7s\n", ok, branch.Name, branch.SHA)

	if !t.IsActive {
		fmt.Fprintln(out, defaultTheme.hintStyle().Render("Target is inactive; conversions cannot stage to it."))
	}
	return nil
}

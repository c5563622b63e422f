package cli

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/cobra"
)

var providersCmd = &cobra.Command{
	Use:   "providers",
	Short: "Manage LLM provider configurations",
	Long: `Inspect the LLM provider configurations of the catalog.

Subcommands:
  list    List configurations in fallback order
  test    Run the health check of one configuration

Examples:
  moduleconv providers list
  moduleconv providers test openai-primary`,
}

var providersListCmd = &cobra.Command{
	Use:   "list",
	Short: "List provider configurations in fallback order",
	Args:  cobra.NoArgs,
	RunE:  runProvidersList,
}

var providersTestCmd = &cobra.Command{
	Use:   "test <config-id>",
	Short: "Test the connection of a provider configuration",
	Args:  cobra.ExactArgs(1),
	RunE:  runProvidersTest,
}

func init() {
	providersCmd.AddCommand(providersListCmd)
	providersCmd.AddCommand(providersTestCmd)
}

func runProvidersList(cmd *cobra.Command, args []string) error {
	ctx := context.Background()
	a, err := getApp(ctx)
	if err != nil {
		return err
	}

	configs, err := a.Store.ListProviderConfigs(ctx)
	if err != nil {
		return fmt.Errorf("list provider configurations: %w", err)
	}

	out := cmd.OutOrStdout()
	if len(configs) == 0 {
		fmt.Fprintln(out, "No provider configurations found. Add them to the catalog file (MODULECONV_CATALOG).")
		return nil
	}

	fmt.Fprintf(out, "%-20s %-14s %-28s %-8s %s\n", "ID", "PROVIDER", "MODEL", "PRIORITY", "FLAGS")
	fmt.Fprintln(out, "--------------------------------------------------------------------------------")
	for _, c := range configs {
		var flags []string
		if c.IsDefault {
			flags = append(flags, "default")
		}
		if !c.IsActive {
			flags = append(flags, "inactive")
		}
		fmt.Fprintf(out, "%-20s %-14s %-28s %-8d %s\n", c.ID, c.Provider, c.Model, c.Priority, strings.Join(flags, ","))
	}

	kinds := a.Registry.Kinds()
	names := make([]string, len(kinds))
	for i, k := range kinds {
		names[i] = string(k)
	}
	fmt.Fprintf(out, "\nSupported providers: %s\n", strings.Join(names, ", "))
	return nil
}

func runProvidersTest(cmd *cobra.Command, args []string) error {
	ctx := context.Background()
	b, err := getBackend(ctx)
	if err != nil {
		return err
	}

	ok, err := b.TestProvider(ctx, args[0])
	if errors.Is(err, errNotFound) {
		return fmt.Errorf("provider configuration not found: %s", args[0])
	}
	if err != nil {
		return fmt.Errorf("test provider: %w", err)
	}

	out := cmd.OutOrStdout()
	if !ok {
		fmt.Fprintln(out, defaultTheme.errorStyle().Render("✗ "+args[0]+" is unreachable"))
		return fmt.Errorf("provider %s failed its health check", args[0])
	}
	fmt.Fprintln(out, defaultTheme.completedStyle().Render("✓ "+args[0]+" is reachable"))
	return nil
}

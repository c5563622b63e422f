package cli

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/raphaelgruber/moduleconv/internal/store"
)

var templatesTenant string

var templatesCmd = &cobra.Command{
	Use:   "templates",
	Short: "Inspect conversion templates",
	Long: `Inspect the conversion templates of the catalog.

Examples:
  moduleconv templates list
  moduleconv templates list --tenant acme
  moduleconv templates show billing`,
}

var templatesListCmd = &cobra.Command{
	Use:   "list",
	Short: "List active templates",
	Args:  cobra.NoArgs,
	RunE:  runTemplatesList,
}

var templatesShowCmd = &cobra.Command{
	Use:   "show <template-id>",
	Short: "Show a template as YAML",
	Args:  cobra.ExactArgs(1),
	RunE:  runTemplatesShow,
}

func init() {
	templatesListCmd.Flags().StringVar(&templatesTenant, "tenant", "", "show templates visible to this tenant")

	templatesCmd.AddCommand(templatesListCmd)
	templatesCmd.AddCommand(templatesShowCmd)
}

func runTemplatesList(cmd *cobra.Command, args []string) error {
	ctx := context.Background()
	a, err := getApp(ctx)
	if err != nil {
		return err
	}

	templates, err := a.Store.ListTemplates(ctx, templatesTenant)
	if err != nil {
		return fmt.Errorf("list templates: %w", err)
	}

	out := cmd.OutOrStdout()
	if len(templates) == 0 {
		fmt.Fprintln(out, "No templates found. Add them to the catalog file (MODULECONV_CATALOG).")
		return nil
	}

	fmt.Fprintf(out, "Templates (%d):\n\n", len(templates))
	for _, t := range templates {
		desc := ""
		if t.Description != "" {
			desc = fmt.Sprintf(" - %s", t.Description)
		}
		fmt.Fprintf(out, "- %s (%s, .%s)%s\n", t.ID, t.ModuleType, t.FileExtension(), desc)
	}
	return nil
}

func runTemplatesShow(cmd *cobra.Command, args []string) error {
	ctx := context.Background()
	a, err := getApp(ctx)
	if err != nil {
		return err
	}

	t, err := a.Store.GetTemplate(ctx, args[0])
	if errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("template not found: %s", args[0])
	}
	if err != nil {
		return fmt.Errorf("get template: %w", err)
	}

	data, err := yaml.Marshal(t)
	if err != nil {
		return fmt.Errorf("encode template: %w", err)
	}
	fmt.Fprint(cmd.OutOrStdout(), string(data))
	return nil
}

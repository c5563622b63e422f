package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/raphaelgruber/moduleconv/internal/models"
	"github.com/raphaelgruber/moduleconv/internal/server"
)

var (
	convertTemplate string
	convertTarget   string
	convertConfig   string
	convertFile     string
	convertRepo     string
	convertBranch   string
	convertCommit   string
	convertTenant   string
	convertOutput   string
	convertParams   map[string]string
	convertDetach   bool
)

var convertCmd = &cobra.Command{
	Use:   "convert",
	Short: "Convert a module",
	Long: `Create a conversion job and run it to completion.

The source is either a local file (--file, "-" for stdin) or a GitHub
repository (--repo owner/name). With --target the generated code is staged
as a pull request on the given staging target.

Examples:
  moduleconv convert --template billing --file ./billing.py
  moduleconv convert --template billing --repo acme/legacy --branch develop
  moduleconv convert --template billing --file ./billing.py --target staging --config openai-primary
  moduleconv convert --template billing --file ./billing.py --param module_name=invoices -o invoices.go`,
	Args: cobra.NoArgs,
	RunE: runConvert,
}

func init() {
	convertCmd.Flags().StringVarP(&convertTemplate, "template", "t", "", "template ID (required)")
	convertCmd.Flags().StringVar(&convertTarget, "target", "", "staging target ID")
	convertCmd.Flags().StringVar(&convertConfig, "config", "", "preferred provider configuration ID")
	convertCmd.Flags().StringVarP(&convertFile, "file", "f", "", "source file to upload (- for stdin)")
	convertCmd.Flags().StringVar(&convertRepo, "repo", "", "GitHub source repository (owner/name)")
	convertCmd.Flags().StringVar(&convertBranch, "branch", "", "source branch (with --repo)")
	convertCmd.Flags().StringVar(&convertCommit, "commit", "", "source commit (with --repo)")
	convertCmd.Flags().StringVar(&convertTenant, "tenant", "", "tenant ID")
	convertCmd.Flags().StringVarP(&convertOutput, "output", "o", "", "write generated code to this file")
	convertCmd.Flags().StringToStringVarP(&convertParams, "param", "p", nil, "input parameter (key=value, repeatable)")
	convertCmd.Flags().BoolVar(&convertDetach, "detach", false, "do not wait for the conversion (server mode only)")
	_ = convertCmd.MarkFlagRequired("template")
	convertCmd.MarkFlagsMutuallyExclusive("file", "repo")
}

func runConvert(cmd *cobra.Command, args []string) error {
	ctx := context.Background()

	source, err := convertSource(cmd.InOrStdin())
	if err != nil {
		return err
	}

	b, err := getBackend(ctx)
	if err != nil {
		return err
	}
	if convertDetach && !b.Detached() {
		return errors.New("--detach requires a server (--server or MODULECONV_SERVER_URL)")
	}

	input := make(map[string]any, len(convertParams))
	for k, v := range convertParams {
		input[k] = v
	}

	job, err := b.Create(ctx, server.CreateConversionRequest{
		TemplateID:       convertTemplate,
		Source:           source,
		ProviderConfigID: convertConfig,
		StagingTargetID:  convertTarget,
		InputData:        input,
		TenantID:         convertTenant,
		CreatedBy:        currentUser(),
	})
	if err != nil {
		return fmt.Errorf("create conversion: %w", err)
	}

	out := cmd.OutOrStdout()
	if convertDetach {
		fmt.Fprintf(out, "Conversion %s queued.\nUse 'moduleconv jobs %s' to check status.\n", job.ID, job.ID)
		return nil
	}

	final, err := followJob(ctx, b, job, convertTarget, out)
	if err != nil {
		return err
	}
	return writeOutput(out, final)
}

// convertSource builds the job source from --file or --repo.
func convertSource(stdin io.Reader) (models.Source, error) {
	switch {
	case convertRepo != "":
		return models.Source{
			Kind:     models.SourceGitHub,
			Location: convertRepo,
			Branch:   convertBranch,
			Commit:   convertCommit,
		}, nil
	case convertFile == "-":
		data, err := io.ReadAll(stdin)
		if err != nil {
			return models.Source{}, fmt.Errorf("read stdin: %w", err)
		}
		return models.Source{Kind: models.SourceUpload, Content: string(data)}, nil
	case convertFile != "":
		data, err := os.ReadFile(convertFile)
		if err != nil {
			return models.Source{}, fmt.Errorf("read file: %w", err)
		}
		return models.Source{Kind: models.SourceUpload, Location: convertFile, Content: string(data)}, nil
	default:
		return models.Source{}, errors.New("either --file or --repo is required")
	}
}

// writeOutput stores the generated code in --output or prints it.
func writeOutput(out io.Writer, job *models.ConversionJob) error {
	if job == nil || job.Output == nil || job.Status != models.StatusCompleted {
		return nil
	}
	if convertOutput == "" {
		fmt.Fprintf(out, "\n%s\n", job.Output.GeneratedCode)
		return nil
	}
	if err := os.WriteFile(convertOutput, []byte(job.Output.GeneratedCode), 0o644); err != nil {
		return fmt.Errorf("write output: %w", err)
	}
	fmt.Fprintf(out, "Wrote %s\n", convertOutput)
	return nil
}

func currentUser() string {
	if u := os.Getenv("USER"); u != "" {
		return u
	}
	return os.Getenv("USERNAME")
}

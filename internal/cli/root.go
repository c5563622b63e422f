// Package cli provides the command-line interface for moduleconv.
package cli

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/raphaelgruber/moduleconv/internal/app"
	"github.com/raphaelgruber/moduleconv/internal/client"
	"github.com/raphaelgruber/moduleconv/internal/config"
)

var (
	// Version is set at build time.
	Version = "0.1.0"

	// Global flags
	verbose   bool
	serverURL string

	cfg         config.Config
	logger      *slog.Logger
	closeLogger func() error
	conversions backend
	localApp    *app.App
	local       *localBackend
)

// rootCmd represents the base command when called without any subcommands.
var rootCmd = &cobra.Command{
	Use:   "moduleconv",
	Short: "Convert legacy modules with LLMs",
	Long: `moduleconv converts source modules into new packages following a template.

Each conversion runs analyze, prepare, transform (LLM) and validate steps and
can optionally stage the result as a pull request on a GitHub repository.

Commands run in-process against the configured store unless --server (or
MODULECONV_SERVER_URL) points at a running moduleconv-server.`,
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		// Skip setup for version and help commands
		if cmd.Name() == "version" || cmd.Name() == "help" {
			return nil
		}

		cfg = config.Load()
		if verbose {
			cfg.LogLevel = slog.LevelDebug
		}
		logger, closeLogger = config.SetupLogger(cfg.LogFile, cfg.LogLevel)
		slog.SetDefault(logger)
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if localApp != nil {
			if err := localApp.Close(); err != nil {
				fmt.Fprintf(os.Stderr, "Warning: failed to close: %v\n", err)
			}
		}
		conversions, localApp, local = nil, nil, nil
		if closeLogger != nil {
			_ = closeLogger()
		}
	},
}

// getBackend connects lazily so commands that only read local files do not
// open the store.
func getBackend(ctx context.Context) (backend, error) {
	if conversions != nil {
		return conversions, nil
	}
	url := serverURL
	if url == "" {
		url = cfg.ServerURL
	}
	if url != "" {
		conversions = &remoteBackend{client: client.New(url)}
		return conversions, nil
	}

	if _, err := getApp(ctx); err != nil {
		return nil, err
	}
	conversions = local
	return conversions, nil
}

// getApp builds the in-process pipeline. Commands that need the catalog or
// credentials directly use it even when a server is configured.
func getApp(ctx context.Context) (*app.App, error) {
	if localApp != nil {
		return localApp, nil
	}
	lb := newLocalBackend(nil)
	a, err := app.New(ctx, cfg, logger, app.WithObserver(lb))
	if err != nil {
		return nil, fmt.Errorf("initialize: %w", err)
	}
	a.RegisterExtensions()
	lb.app = a
	localApp, local = a, lb
	return a, nil
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose output")
	rootCmd.PersistentFlags().StringVar(&serverURL, "server", "", "moduleconv-server URL (default $MODULECONV_SERVER_URL)")

	rootCmd.AddCommand(convertCmd)
	rootCmd.AddCommand(jobsCmd)
	rootCmd.AddCommand(stepsCmd)
	rootCmd.AddCommand(cancelCmd)
	rootCmd.AddCommand(retryCmd)
	rootCmd.AddCommand(providersCmd)
	rootCmd.AddCommand(templatesCmd)
	rootCmd.AddCommand(stagingCmd)
	rootCmd.AddCommand(secretsCmd)
}

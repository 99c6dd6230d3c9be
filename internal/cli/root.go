// Package cli provides the command-line interface for qdoc.
package cli

import (
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/raphaelgruber/questiondoc/internal/client"
	"github.com/raphaelgruber/questiondoc/internal/config"
	"github.com/raphaelgruber/questiondoc/internal/metrics"
)

var (
	// Version is set at build time.
	Version = "0.1.0"

	// Global flags
	verbose bool
	plain   bool

	// Global config and logger
	cfg        config.Config
	logger     *slog.Logger
	logCleanup func() error
	collector  *metrics.Collector
)

// rootCmd represents the base command when called without any subcommands.
var rootCmd = &cobra.Command{
	Use:   "qdoc",
	Short: "Generate question documents from textbook PDFs",
	Long: `qdoc uploads a PDF chapter to the question generator, follows the job
live over the event channel and downloads the finished .docx.

Configuration comes from QDOC_* environment variables, a .env file in the
working directory, or a YAML file named by QDOC_CONFIG.`,
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		// Skip setup for help
		if cmd.Name() == "help" {
			return nil
		}

		var err error
		cfg, err = config.Load()
		if err != nil {
			return err
		}

		logger, logCleanup = config.SetupLogger(consoleWriter(), cfg.LogFile, cfg.LogLevel)
		slog.SetDefault(logger)
		collector = metrics.NewCollector()
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logCleanup != nil {
			if err := logCleanup(); err != nil {
				fmt.Fprintf(os.Stderr, "Warning: failed to close log file: %v\n", err)
			}
		}
	},
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	// Global flags
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose output")
	rootCmd.PersistentFlags().BoolVar(&plain, "plain", false, "line output instead of the interactive progress view")

	// Add subcommands
	rootCmd.AddCommand(generateCmd)
	rootCmd.AddCommand(downloadCmd)
	rootCmd.AddCommand(jobsCmd)
	rootCmd.AddCommand(healthCmd)
}

// interactive reports whether the full-screen progress view should be used.
func interactive() bool {
	return !plain && term.IsTerminal(int(os.Stdout.Fd()))
}

// consoleWriter keeps log lines off the terminal unless asked for, and never
// while the interactive view owns the screen.
func consoleWriter() io.Writer {
	if verbose && !interactive() {
		return os.Stderr
	}
	return io.Discard
}

// apiClient returns a client for one-shot commands.
func apiClient() *client.Client {
	return client.New(cfg.APIURL, cfg.ClientTimeout, "")
}

package commands

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/openfroyo/rowforge/pkg/engine"
)

var (
	// Global flags
	dbPath     string
	verbose    bool
	jsonOutput bool

	buildVersion = "dev"
)

// Exit codes of the rowforge binary.
const (
	ExitFailed      = engine.ExitFailed
	ExitInterrupted = engine.ExitInterrupted
)

// ExitError carries the process exit code of a command. Err is nil when
// the command already reported the outcome.
type ExitError struct {
	Code int
	Err  error
}

func (e *ExitError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("exit status %d", e.Code)
	}
	return e.Err.Error()
}

func (e *ExitError) Unwrap() error { return e.Err }

// Execute runs the root command
func Execute(ctx context.Context, version, commit, buildDate string) error {
	buildVersion = version
	rootCmd := newRootCommand(version, commit, buildDate)
	return rootCmd.ExecuteContext(ctx)
}

func newRootCommand(version, commit, buildDate string) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "rowforge",
		Short: "Rowforge - auditable row pipeline engine",
		Long: `Rowforge runs row-level data pipelines and records the lineage of every
row in an audit trail.

Features:
  - Pipelines declared in YAML, JSON or CUE
  - Gates with Starlark or Rego conditions
  - Fork, coalesce, expansion and count/time batch aggregation
  - Checkpoints and resume after interruption or crash
  - Per-row explain from the SQLite audit trail`,
		Version:       fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, buildDate),
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			if verbose {
				zerolog.SetGlobalLevel(zerolog.DebugLevel)
			}
		},
	}

	rootCmd.PersistentFlags().StringVar(&dbPath, "db", "rowforge.db", "audit trail database path")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable verbose output")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "output in JSON format")

	rootCmd.AddCommand(newRunCommand())
	rootCmd.AddCommand(newResumeCommand())
	rootCmd.AddCommand(newValidateCommand())
	rootCmd.AddCommand(newRunsCommand())
	rootCmd.AddCommand(newExplainCommand())

	return rootCmd
}

package commands

import (
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/openfroyo/rowforge/pkg/engine"
)

func newRunCommand() *cobra.Command {
	var (
		runID       string
		metricsAddr string
	)

	cmd := &cobra.Command{
		Use:   "run <pipeline>",
		Short: "Run a pipeline",
		Long: `Run a pipeline from its settings file, recording every row into the audit trail.

An interrupt (Ctrl-C) finishes the current row, flushes buffered output and
ends the run INTERRUPTED; it can be continued with "rowforge resume".

Exit codes:
  0  completed
  1  failed
  3  interrupted`,
		Example: `  # Run a pipeline into the default audit trail
  rowforge run orders.yaml

  # Use a specific database and print the summary as JSON
  rowforge run --db /var/lib/rowforge/audit.db --json orders.cue`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			p, err := loadPipeline(ctx, args[0])
			if err != nil {
				return err
			}
			p.opts.RunID = runID

			log.Info().
				Str("pipeline", args[0]).
				Str("name", p.settings.Name).
				Str("db", dbPath).
				Msg("Starting run")

			return p.execute(ctx, cmd.OutOrStdout(), metricsAddr, func(o *engine.Orchestrator) (*engine.RunResult, error) {
				return o.Run(ctx, p.spec)
			})
		},
	}

	cmd.Flags().StringVar(&runID, "run-id", "", "id of the new run (generated when empty)")
	cmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address while running")

	return cmd
}

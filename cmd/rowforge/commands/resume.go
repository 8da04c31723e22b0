package commands

import (
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/openfroyo/rowforge/pkg/engine"
)

func newResumeCommand() *cobra.Command {
	var metricsAddr string

	cmd := &cobra.Command{
		Use:   "resume <run-id> <pipeline>",
		Short: "Resume an interrupted or failed run",
		Long: `Resume a run that was interrupted, failed or crashed.

The pipeline must build the same graph as the original run. Rows without a
complete set of outcomes are processed again, held aggregation buffers are
restored from the latest checkpoint and the source continues after the last
recorded row.`,
		Example: `  rowforge resume 6f1c... orders.yaml`,
		Args:    cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			runID := args[0]

			p, err := loadPipeline(ctx, args[1])
			if err != nil {
				return err
			}

			log.Info().
				Str("run_id", runID).
				Str("pipeline", args[1]).
				Str("db", dbPath).
				Msg("Resuming run")

			return p.execute(ctx, cmd.OutOrStdout(), metricsAddr, func(o *engine.Orchestrator) (*engine.RunResult, error) {
				return o.Resume(ctx, runID, p.spec)
			})
		},
	}

	cmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address while running")

	return cmd
}

package commands

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/openfroyo/rowforge/pkg/config"
	"github.com/openfroyo/rowforge/pkg/engine"
)

// validationReport is the --json form of a validation result.
type validationReport struct {
	Path   string                  `json:"path"`
	Valid  bool                    `json:"valid"`
	Nodes  int                     `json:"nodes,omitempty"`
	Errors []config.ValidationError `json:"errors,omitempty"`
}

func newValidateCommand() *cobra.Command {
	var (
		watch bool
		dot   bool
	)

	cmd := &cobra.Command{
		Use:   "validate <pipeline>",
		Short: "Validate a pipeline settings file",
		Long: `Validate a pipeline settings file without running it.

This command checks:
  - YAML, JSON or CUE syntax and the built-in CUE schemas
  - Field constraints (required fields, ranges, enums)
  - Cross-references between steps, branches, coalesce points and sinks
  - Gate conditions compile
  - Plugins exist and accept their options
  - The execution graph can be built`,
		Example: `  # Validate a pipeline
  rowforge validate orders.yaml

  # Print the execution graph in Graphviz format
  rowforge validate --dot orders.yaml | dot -Tsvg > orders.svg

  # Revalidate on every save
  rowforge validate --watch orders.cue`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			path := args[0]
			out := cmd.OutOrStdout()

			if !watch {
				report, graph := validatePipeline(ctx, path)
				if err := printValidation(out, report); err != nil {
					return err
				}
				if !report.Valid {
					return &ExitError{Code: ExitFailed}
				}
				if dot {
					fmt.Fprint(out, graph.ToDOT())
				}
				return nil
			}

			log.Info().Str("path", path).Msg("Watching pipeline, press Ctrl-C to stop")
			err := config.NewLoader().Watch(ctx, path, func(s *config.Settings, err error) {
				report, _ := checkSettings(ctx, path, s, err)
				if perr := printValidation(out, report); perr != nil {
					log.Warn().Err(perr).Msg("Failed to print validation result")
				}
			})
			if err != nil && !errors.Is(err, context.Canceled) {
				return err
			}
			return nil
		},
	}

	cmd.Flags().BoolVarP(&watch, "watch", "w", false, "revalidate whenever the file changes")
	cmd.Flags().BoolVar(&dot, "dot", false, "print the execution graph in Graphviz DOT format")

	return cmd
}

func validatePipeline(ctx context.Context, path string) (validationReport, *engine.Graph) {
	settings, err := config.NewLoader().Load(ctx, path)
	return checkSettings(ctx, path, settings, err)
}

// checkSettings binds loaded settings to the plugins and builds the graph,
// folding every failure into the report.
func checkSettings(ctx context.Context, path string, settings *config.Settings, loadErr error) (validationReport, *engine.Graph) {
	report := validationReport{Path: path}
	if loadErr != nil {
		report.Errors = asValidationErrors(path, loadErr)
		return report, nil
	}

	p, err := bindPipeline(ctx, path, settings)
	if err != nil {
		report.Errors = asValidationErrors(path, err)
		return report, nil
	}
	graph, err := engine.BuildGraph(p.spec)
	if err != nil {
		report.Errors = asValidationErrors(path, err)
		return report, nil
	}

	report.Valid = true
	report.Nodes = len(graph.Nodes())
	return report, graph
}

func asValidationErrors(path string, err error) []config.ValidationError {
	var verrs config.ValidationErrors
	if errors.As(err, &verrs) {
		return verrs
	}
	return []config.ValidationError{{File: path, Message: err.Error(), Severity: "error"}}
}

func printValidation(out io.Writer, report validationReport) error {
	if jsonOutput {
		return writeJSON(out, report)
	}
	if report.Valid {
		_, err := fmt.Fprintf(out, "%s: valid (%d nodes)\n", report.Path, report.Nodes)
		return err
	}
	fmt.Fprintf(out, "%s: %d error(s)\n", report.Path, len(report.Errors))
	for _, e := range report.Errors {
		fmt.Fprintf(out, "  %s\n", e.String())
	}
	return nil
}

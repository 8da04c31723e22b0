package commands

import (
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/openfroyo/rowforge/pkg/audit"
)

func newRunsCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "runs",
		Short: "Inspect runs recorded in the audit trail",
	}

	cmd.AddCommand(newRunsListCommand())
	cmd.AddCommand(newRunsShowCommand())
	cmd.AddCommand(newRunsDeleteCommand())

	return cmd
}

func newRunsListCommand() *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:     "list",
		Short:   "List runs, newest first",
		Example: `  rowforge runs list --limit 5`,
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			store, err := openStore(ctx)
			if err != nil {
				return err
			}
			defer store.Close()

			runs, err := store.ListRuns(ctx, limit)
			if err != nil {
				return fmt.Errorf("failed to list runs: %w", err)
			}

			out := cmd.OutOrStdout()
			if jsonOutput {
				if runs == nil {
					runs = []audit.Run{}
				}
				return writeJSON(out, runs)
			}

			tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "RUN ID\tSTATUS\tSTARTED\tDURATION\tCONFIG")
			for _, r := range runs {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n",
					r.RunID, r.Status, r.StartedAt.Format(time.RFC3339), runDuration(r), shortHash(r.ConfigHash))
			}
			return tw.Flush()
		},
	}

	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "maximum number of runs to list (0 for all)")

	return cmd
}

// runSummary is the recorded state of one run.
type runSummary struct {
	Run       audit.Run        `json:"run"`
	Rows      int              `json:"rows"`
	Nodes     []audit.Node     `json:"nodes"`
	Artifacts []audit.Artifact `json:"artifacts"`
}

func newRunsShowCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "show <run-id>",
		Short: "Show a run with its graph and artifacts",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			store, err := openStore(ctx)
			if err != nil {
				return err
			}
			defer store.Close()

			run, err := store.GetRun(ctx, args[0])
			if err != nil {
				return err
			}
			summary := runSummary{Run: *run}
			if summary.Rows, err = store.GetRowCount(ctx, run.RunID); err != nil {
				return err
			}
			if summary.Nodes, err = store.GetNodes(ctx, run.RunID); err != nil {
				return err
			}
			if summary.Artifacts, err = store.GetArtifacts(ctx, run.RunID); err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if jsonOutput {
				return writeJSON(out, summary)
			}

			fmt.Fprintf(out, "Run:      %s\n", run.RunID)
			fmt.Fprintf(out, "Status:   %s\n", run.Status)
			fmt.Fprintf(out, "Started:  %s\n", run.StartedAt.Format(time.RFC3339))
			fmt.Fprintf(out, "Duration: %s\n", runDuration(*run))
			fmt.Fprintf(out, "Config:   %s\n", run.ConfigHash)
			fmt.Fprintf(out, "Rows:     %d\n", summary.Rows)

			tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "\nNODE\tTYPE\tPLUGIN")
			for _, n := range summary.Nodes {
				fmt.Fprintf(tw, "%s\t%s\t%s\n", n.NodeID, n.NodeType, n.PluginName)
			}
			if len(summary.Artifacts) > 0 {
				fmt.Fprintln(tw, "\nARTIFACT\tROWS\tBYTES\tSHA256")
				for _, a := range summary.Artifacts {
					fmt.Fprintf(tw, "%s\t%d\t%d\t%s\n", a.PathOrURI, a.RowCount, a.SizeBytes, shortHash(a.ContentHash))
				}
			}
			return tw.Flush()
		},
	}
}

func newRunsDeleteCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <run-id>",
		Short: "Delete a run and everything recorded for it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			store, err := openStore(ctx)
			if err != nil {
				return err
			}
			defer store.Close()

			if err := store.DeleteRun(ctx, args[0]); err != nil {
				return err
			}
			log.Info().Str("run_id", args[0]).Msg("Run deleted")
			return nil
		},
	}
}

func runDuration(r audit.Run) string {
	if r.CompletedAt == nil {
		return "-"
	}
	return r.CompletedAt.Sub(r.StartedAt).Round(time.Millisecond).String()
}

func shortHash(h string) string {
	if len(h) > 12 {
		return h[:12]
	}
	return h
}

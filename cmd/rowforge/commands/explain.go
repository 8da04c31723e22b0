package commands

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/openfroyo/rowforge/pkg/audit"
)

func newExplainCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "explain <run-id> <row-or-token-id>",
		Short: "Explain what happened to a row",
		Long: `Explain prints the recorded lineage of one source row: every token derived
from it, the node states each token went through, the routing decisions taken
and the terminal outcome of each token.

A token id selects its row and marks the token and its ancestors.`,
		Example: `  rowforge explain 6f1c... 0b9e...
  rowforge explain --json 6f1c... 0b9e... | jq '.Tokens[].Outcome'`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			store, err := openStore(ctx)
			if err != nil {
				return err
			}
			defer store.Close()

			lin, err := audit.Explain(ctx, store, args[0], args[1])
			if err != nil {
				return err
			}
			if jsonOutput {
				return writeJSON(cmd.OutOrStdout(), lin)
			}
			return printLineage(cmd.OutOrStdout(), lin)
		},
	}

	return cmd
}

func printLineage(out io.Writer, lin *audit.Lineage) error {
	data, err := json.Marshal(lin.Row.Data)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "Row %s (index %d) of run %s\n", lin.Row.RowID, lin.Row.RowIndex, lin.Run.RunID)
	fmt.Fprintf(out, "  data: %s\n", data)
	fmt.Fprintf(out, "  hash: %s\n", lin.Row.DataHash)

	marked := map[string]bool{}
	if lin.Focus != "" {
		marked[lin.Focus] = true
		for _, id := range lin.Ancestors(lin.Focus) {
			marked[id] = true
		}
	}

	for _, t := range lin.Tokens {
		mark := " "
		if marked[t.Token.TokenID] {
			mark = "*"
		}
		fmt.Fprintf(out, "\n%s token %s%s\n", mark, t.Token.TokenID, tokenTags(t.Token))
		if len(t.Parents) > 0 {
			ids := make([]string, len(t.Parents))
			for i, p := range t.Parents {
				ids[i] = p.ParentTokenID
			}
			fmt.Fprintf(out, "    parents: %s\n", strings.Join(ids, ", "))
		}
		for _, s := range t.States {
			st := s.State
			fmt.Fprintf(out, "    [%d] %s %s", st.StepIndex, st.NodeID, st.Status)
			if st.Attempt > 1 {
				fmt.Fprintf(out, " (attempt %d)", st.Attempt)
			}
			if st.DurationMs > 0 {
				fmt.Fprintf(out, " %.1fms", st.DurationMs)
			}
			fmt.Fprintln(out)
			if msg, ok := st.Error["error"]; ok {
				fmt.Fprintf(out, "        error: %v\n", msg)
			}
			for _, r := range s.Routes {
				fmt.Fprintf(out, "        -> %s (%s)\n", r.EdgeID, r.Mode)
			}
		}
		if o := t.Outcome; o != nil {
			fmt.Fprintf(out, "    outcome: %s", o.Outcome)
			if o.SinkName != "" {
				fmt.Fprintf(out, " -> %s", o.SinkName)
			}
			fmt.Fprintln(out)
		} else {
			fmt.Fprintln(out, "    outcome: pending")
		}
	}
	return nil
}

func tokenTags(t audit.Token) string {
	var tags []string
	if t.BranchName != "" {
		tags = append(tags, "branch="+t.BranchName)
	}
	if t.ForkGroupID != "" {
		tags = append(tags, "fork="+t.ForkGroupID)
	}
	if t.ExpandGroupID != "" {
		tags = append(tags, "expand="+t.ExpandGroupID)
	}
	if t.JoinGroupID != "" {
		tags = append(tags, "join="+t.JoinGroupID)
	}
	if len(tags) == 0 {
		return ""
	}
	return " [" + strings.Join(tags, " ") + "]"
}

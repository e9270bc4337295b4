// The inspect command: summarise the traces in an ND-JSON file
package main

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"github.com/andrewh/spanvault/pkg/ndjson"
)

func inspectCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "inspect [spans.ndjson]",
		Short: "Show one row per trace in an ND-JSON span file",
		Long: "Decode an uploaded trace object (or any ND-JSON span stream) and rebuild its traces.\n" +
			"Both stdouttrace and OTLP JSON lines are accepted.",
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var in io.Reader = cmd.InOrStdin()
			if len(args) == 1 && args[0] != "-" {
				f, err := os.Open(args[0])
				if err != nil {
					return fmt.Errorf("opening spans: %w", err)
				}
				defer f.Close() //nolint:errcheck // read-only file
				in = f
			}
			spans, err := ndjson.Decode(in)
			if err != nil {
				return err
			}
			if len(spans) == 0 {
				_, _ = fmt.Fprintln(cmd.ErrOrStderr(), "no spans found")
				return nil
			}
			renderTrees(cmd.OutOrStdout(), ndjson.BuildTrees(spans, cmd.ErrOrStderr()))
			return nil
		},
	}
}

func renderTrees(w io.Writer, trees []*ndjson.TraceTree) {
	t := table.NewWriter()
	t.SetOutputMirror(w)
	t.SetStyle(table.StyleLight)
	t.AppendHeader(table.Row{"Trace ID", "Spans", "Root", "Root Span", "Duration", "Errors"})
	for _, tree := range trees {
		root, rootName := "no", "-"
		if tree.HasRoot() {
			root = "yes"
		}
		if len(tree.Roots) > 0 {
			rootName = tree.Roots[0].Span.Name()
		}
		start, end := tree.Window()
		t.AppendRow(table.Row{
			tree.TraceID.String(),
			len(tree.AllNodes),
			root,
			rootName,
			end.Sub(start).Round(time.Microsecond),
			tree.Errors(),
		})
	}
	t.Render()
}

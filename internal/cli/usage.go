package cli

import (
	"fmt"
	"io"

	"github.com/jedib0t/go-pretty/v6/table"

	"github.com/raphaelgruber/questiondoc/internal/metrics"
)

// printMetrics displays client runtime statistics for this run.
func printMetrics(w io.Writer, snap metrics.Snapshot) {
	fmt.Fprintf(w, "\nClient Statistics (%.1f seconds)\n", snap.UptimeSeconds)

	tw := table.NewWriter()
	tw.SetOutputMirror(w)
	tw.SetStyle(table.StyleLight)
	tw.AppendHeader(table.Row{"Operation", "Count", "Failures", "Avg ms", "Min ms", "Max ms"})

	ops := []struct {
		name string
		op   *metrics.OperationSnapshot
	}{
		{"Submit", snap.Submit},
		{"Status", snap.Status},
		{"Download", snap.Download},
	}
	for _, o := range ops {
		if o.op == nil {
			continue
		}
		tw.AppendRow(table.Row{o.name, o.op.Count, o.op.Failures, fmt.Sprintf("%.0f", o.op.AvgTimeMs), o.op.MinTimeMs, o.op.MaxTimeMs})
	}
	tw.Render()

	if len(snap.Events) > 0 || snap.Reconnects > 0 {
		fmt.Fprintf(w, "\nEvents:\n")
		for _, kind := range snap.EventKinds() {
			fmt.Fprintf(w, "  %-10s %d\n", kind, snap.Events[kind])
		}
		fmt.Fprintf(w, "  %-10s %d\n", "dropped", snap.DroppedEvents)
		fmt.Fprintf(w, "  %-10s %d\n", "reconnects", snap.Reconnects)
	}
}

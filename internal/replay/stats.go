package replay

import (
	"fmt"
	"io"
	"sort"
	"time"

	"github.com/vinayprograms/datalens/internal/audit"
	"github.com/vinayprograms/datalens/internal/events"
	"github.com/vinayprograms/datalens/internal/session"
)

// Stats holds aggregate statistics for a session.
type Stats struct {
	Duration time.Duration

	Routes     map[string]int // routing decisions by target
	NodeRuns   map[string]int // worker executions by node
	ToolCalls  map[string]int // actions by tool name
	Charts     int
	Interrupts int
	Errors     int

	// Audits holds the metrics of every final event, in order.
	Audits []audit.Result
}

// ComputeStats aggregates the events of a session.
func ComputeStats(sess *session.Session) *Stats {
	stats := &Stats{
		Routes:    make(map[string]int),
		NodeRuns:  make(map[string]int),
		ToolCalls: make(map[string]int),
	}

	var first, last time.Time
	for _, ev := range sess.Events {
		if first.IsZero() || ev.Timestamp.Before(first) {
			first = ev.Timestamp
		}
		if last.IsZero() || ev.Timestamp.After(last) {
			last = ev.Timestamp
		}

		switch ev.Type {
		case events.TypeRouting:
			stats.Routes[string(ev.Route)]++
		case events.TypeNodeStart:
			stats.NodeRuns[string(ev.Node)]++
		case events.TypeAction:
			stats.ToolCalls[ev.Name]++
		case events.TypeChart:
			stats.Charts++
		case events.TypeInterrupt:
			stats.Interrupts++
		case events.TypeError:
			stats.Errors++
		case events.TypeFinal:
			if ev.Metrics != nil {
				stats.Audits = append(stats.Audits, *ev.Metrics)
			}
		}
	}
	if !first.IsZero() {
		stats.Duration = last.Sub(first)
	}
	return stats
}

// PrintStats writes the statistics.
func PrintStats(w io.Writer, stats *Stats) {
	fmt.Fprintln(w)
	fmt.Fprintf(w, "%s %s\n", titleStyle.Render("STATS"), dimStyle.Render(stats.Duration.Round(time.Millisecond).String()))

	printCounts(w, "Routes:", stats.Routes)
	printCounts(w, "Workers:", stats.NodeRuns)
	printCounts(w, "Tools:", stats.ToolCalls)
	if stats.Charts > 0 {
		fmt.Fprintf(w, "  %s %d\n", labelStyle.Render("Charts:"), stats.Charts)
	}
	if stats.Interrupts > 0 {
		fmt.Fprintf(w, "  %s %d\n", labelStyle.Render("Approvals requested:"), stats.Interrupts)
	}
	if stats.Errors > 0 {
		fmt.Fprintf(w, "  %s %s\n", labelStyle.Render("Errors:"), errorStyle.Render(fmt.Sprintf("%d", stats.Errors)))
	}

	if n := len(stats.Audits); n > 0 {
		var g, c float64
		for _, a := range stats.Audits {
			g += a.Groundedness
			c += a.Completeness
		}
		g /= float64(n)
		c /= float64(n)
		fmt.Fprintf(w, "  %s groundedness %s, completeness %s %s\n",
			labelStyle.Render("Audit:"),
			scoreStyle(g).Render(percent(g)),
			scoreStyle(c).Render(percent(c)),
			dimStyle.Render(fmt.Sprintf("(mean of %d)", n)))
	}
}

func printCounts(w io.Writer, label string, counts map[string]int) {
	if len(counts) == 0 {
		return
	}
	keys := make([]string, 0, len(counts))
	for k := range counts {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	fmt.Fprintf(w, "  %s", labelStyle.Render(label))
	for _, k := range keys {
		fmt.Fprintf(w, " %s=%d", valueStyle.Render(k), counts[k])
	}
	fmt.Fprintln(w)
}

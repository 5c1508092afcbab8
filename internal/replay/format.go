package replay

import (
	"fmt"
	"io"
	"strings"

	"github.com/muesli/reflow/wordwrap"

	"github.com/vinayprograms/datalens/internal/events"
)

const defaultWidth = 100

// Formatter renders events as text.
type Formatter struct {
	out       io.Writer
	width     int
	verbosity int // 0=normal, 1=verbose (-v)
}

// NewFormatter creates a formatter wrapping text at width columns.
// A width of zero uses a default.
func NewFormatter(out io.Writer, width, verbosity int) *Formatter {
	if width <= 0 {
		width = defaultWidth
	}
	return &Formatter{out: out, width: width, verbosity: verbosity}
}

// Print writes one event without a timeline prefix, for live output.
func (f *Formatter) Print(ev events.Event) {
	head, body := f.render(ev)
	fmt.Fprintln(f.out, head)
	for _, line := range body {
		fmt.Fprintf(f.out, "    %s\n", line)
	}
}

// Timeline writes one event with its sequence number and time.
func (f *Formatter) Timeline(seq, ts string, ev events.Event) {
	head, body := f.render(ev)
	fmt.Fprintf(f.out, "%s │ %s │ %s\n", seq, ts, head)
	for _, line := range body {
		fmt.Fprintf(f.out, "      │          │   %s\n", line)
	}
}

// render returns the headline and the indented detail lines of an event.
func (f *Formatter) render(ev events.Event) (string, []string) {
	switch ev.Type {
	case events.TypeRouting:
		return routeStyle.Render("ROUTE →") + " " + valueStyle.Render(string(ev.Route)), nil

	case events.TypeNodeStart:
		return nodeStyle.Render(string(ev.Node)), nil

	case events.TypeThought:
		return dimStyle.Render("thought"), f.block(ev.Text, thoughtStyle.Render, 0)

	case events.TypeAction:
		head := toolStyle.Render("TOOL: "+ev.Name) + dimStyle.Render(" ["+ev.Lang+"]")
		return head, f.block(ev.Input, toolStyle.Render, 0)

	case events.TypeObservation:
		limit := 12
		if f.verbosity >= 1 {
			limit = 0
		}
		return dimStyle.Render("observation"), f.block(ev.Text, observationStyle.Render, limit)

	case events.TypeChart:
		return chartStyle.Render("CHART") + " " + dimStyle.Render(chartSummary(ev.JSON)), nil

	case events.TypeInterrupt:
		return interruptStyle.Render("⏸ AWAITING APPROVAL:") + " " + valueStyle.Render(string(ev.Node)), nil

	case events.TypeAuditStart:
		return auditStyle.Render("AUDIT"), nil

	case events.TypeFinal:
		head := successStyle.Render("FINAL")
		if m := ev.Metrics; m != nil {
			head += fmt.Sprintf(" %s %s %s %s",
				labelStyle.Render("groundedness"), scoreStyle(m.Groundedness).Render(percent(m.Groundedness)),
				labelStyle.Render("completeness"), scoreStyle(m.Completeness).Render(percent(m.Completeness)))
		}
		body := f.block(ev.Text, thoughtStyle.Render, 0)
		if ev.Metrics != nil && ev.Metrics.Reasoning != "" {
			body = append(body, dimStyle.Render("audit: "+ev.Metrics.Reasoning))
		}
		return head, body

	case events.TypeError:
		return errorStyle.Render("ERROR:") + " " + valueStyle.Render(ev.Error), nil

	default:
		return dimStyle.Render(string(ev.Type)), nil
	}
}

// block wraps text and styles each line. A positive limit caps the line count.
func (f *Formatter) block(text string, style func(...string) string, limit int) []string {
	text = strings.TrimRight(text, "\n")
	if text == "" {
		return nil
	}
	lines := strings.Split(wordwrap.String(text, f.width), "\n")
	var out []string
	for i, line := range lines {
		if limit > 0 && i >= limit {
			out = append(out, dimStyle.Render(fmt.Sprintf("... (%d more lines)", len(lines)-limit)))
			break
		}
		out = append(out, style(line))
	}
	return out
}

func percent(v float64) string {
	return fmt.Sprintf("%.0f%%", v*100)
}

// chartSummary describes a chart payload without printing it.
func chartSummary(payload string) string {
	n := len(payload)
	switch {
	case n >= 1024*1024:
		return fmt.Sprintf("(%.1f MB payload)", float64(n)/(1024*1024))
	case n >= 1024:
		return fmt.Sprintf("(%.1f KB payload)", float64(n)/1024)
	default:
		return fmt.Sprintf("(%d bytes payload)", n)
	}
}

// truncateContent truncates a string for display.
func truncateContent(s string, maxLen int) string {
	r := []rune(s)
	if maxLen <= 0 || len(r) <= maxLen {
		return s
	}
	return string(r[:maxLen]) + fmt.Sprintf("\n... [truncated, %d bytes total]", len(s))
}

// Package replay renders recorded and live event streams for people.
package replay

import (
	"strings"

	"github.com/charmbracelet/lipgloss"
)

// Each node and event kind has a distinct, consistent color.
var (
	// Structural / metadata
	dimStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("8")) // Gray - timestamps, metadata

	labelStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("8"))

	valueStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("15"))

	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("15"))

	// Supervisor routing - Yellow
	routeStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("11"))

	// Workers - Magenta
	nodeStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("13"))

	thoughtStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("15"))

	// Tools - Blue
	toolStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("12"))

	observationStyle = lipgloss.NewStyle().
				Foreground(lipgloss.Color("7"))

	// Charts - Cyan
	chartStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("14"))

	// Approval gate - Orange
	interruptStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("208"))

	auditStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("10"))

	// Outcomes
	successStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("10"))

	errorStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("9"))

	warnStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("11"))

	// Timeline
	seqStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("8")).
			Width(5).
			Align(lipgloss.Right)

	timeStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("8"))

	divider = lipgloss.NewStyle().
		Foreground(lipgloss.Color("8")).
		Render(strings.Repeat("━", 60))
)

// statusStyle picks the color of a session status.
func statusStyle(status string) lipgloss.Style {
	switch status {
	case "complete":
		return successStyle
	case "failed":
		return errorStyle
	case "interrupted":
		return interruptStyle
	default:
		return warnStyle
	}
}

// scoreStyle colors an audit score.
func scoreStyle(v float64) lipgloss.Style {
	switch {
	case v >= 0.8:
		return successStyle
	case v >= 0.5:
		return warnStyle
	default:
		return errorStyle
	}
}

// Package styles holds the dashboard palette and the per-verdict, per-severity
// and per-label styles shared by the scenes.
package styles

import (
	"github.com/charmbracelet/lipgloss"

	"nids-responder/internal/schema"
)

// Palette.
var (
	Primary    = lipgloss.Color("#2563EB")
	MutedColor = lipgloss.Color("#6B7280")
	White      = lipgloss.Color("#F9FAFB")

	okColor   = lipgloss.Color("#22C55E")
	warnColor = lipgloss.Color("#EAB308")
	hotColor  = lipgloss.Color("#F97316")
	errColor  = lipgloss.Color("#DC2626")
)

var (
	Muted = lipgloss.NewStyle().Foreground(MutedColor)

	Title = lipgloss.NewStyle().
		Bold(true).
		Foreground(Primary).
		MarginBottom(1)

	Subtitle = lipgloss.NewStyle().
			Foreground(MutedColor).
			Italic(true)

	Help = lipgloss.NewStyle().
		Foreground(MutedColor).
		MarginTop(1)

	StatusOK      = lipgloss.NewStyle().Foreground(okColor).Bold(true)
	StatusWarning = lipgloss.NewStyle().Foreground(warnColor).Bold(true)
	StatusHot     = lipgloss.NewStyle().Foreground(hotColor).Bold(true)
	StatusError   = lipgloss.NewStyle().Foreground(errColor).Bold(true)

	TabActive = lipgloss.NewStyle().
			Foreground(White).
			Background(Primary).
			Padding(0, 2).
			Bold(true)

	TabInactive = lipgloss.NewStyle().
			Foreground(MutedColor).
			Padding(0, 2)

	TableHeader = lipgloss.NewStyle().
			Bold(true).
			Foreground(Primary).
			BorderBottom(true).
			BorderStyle(lipgloss.NormalBorder()).
			BorderForeground(MutedColor)

	// Dashboard counters.
	MetricCard = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(MutedColor).
			Padding(0, 2).
			Width(22)

	MetricValue = lipgloss.NewStyle().
			Bold(true).
			Foreground(Primary)

	MetricLabel = lipgloss.NewStyle().
			Foreground(MutedColor)
)

var labelStyles = map[string]lipgloss.Style{
	"ddos":          StatusError,
	"malware":       StatusError,
	"sql_injection": StatusHot,
	"bruteforce":    StatusWarning,
	"brute_force":   StatusWarning,
	"port_scan":     StatusWarning,
	"normal":        Muted,
}

// Label returns the style for an attack label.
func Label(label string) lipgloss.Style {
	if s, ok := labelStyles[schema.NormalizeLabel(label)]; ok {
		return s
	}
	return lipgloss.NewStyle().Foreground(Primary)
}

// Severity returns the style for a risk severity.
func Severity(severity string) lipgloss.Style {
	switch severity {
	case "critical":
		return StatusError
	case "high":
		return StatusHot
	case "medium":
		return StatusWarning
	default:
		return StatusOK
	}
}

// Verdict returns the style for a response decision.
func Verdict(verdict string) lipgloss.Style {
	switch verdict {
	case "BLOCK_ESCALATE":
		return StatusError.Underline(true)
	case "BLOCK":
		return StatusError
	case "RATE_LIMIT":
		return StatusHot
	case "ALERT":
		return StatusWarning
	case "ALLOW":
		return StatusOK
	default:
		return Muted
	}
}

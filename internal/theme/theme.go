package theme

import "github.com/charmbracelet/lipgloss"

// Adaptive color pairs (dark terminal value, light terminal value).
var (
	ColorBlue   = lipgloss.AdaptiveColor{Dark: "#5B9BD5", Light: "#2B6CB0"}
	ColorGreen  = lipgloss.AdaptiveColor{Dark: "#6BCB77", Light: "#2F855A"}
	ColorYellow = lipgloss.AdaptiveColor{Dark: "#FFD93D", Light: "#B7791F"}
	ColorRed    = lipgloss.AdaptiveColor{Dark: "#FF6B6B", Light: "#C53030"}
	ColorOrange = lipgloss.AdaptiveColor{Dark: "#FFA94D", Light: "#C05621"}
	ColorGray   = lipgloss.AdaptiveColor{Dark: "#868E96", Light: "#718096"}
	ColorWhite  = lipgloss.AdaptiveColor{Dark: "#F8F9FA", Light: "#1A202C"}
	ColorBorder = lipgloss.AdaptiveColor{Dark: "#495057", Light: "#E2E8F0"}
)

// HeaderStyle is used for report titles.
var HeaderStyle = lipgloss.NewStyle().
	Bold(true).
	Foreground(ColorWhite).
	Background(ColorBlue).
	Padding(0, 1)

// LabelStyle renders the left column of key/value lines.
var LabelStyle = lipgloss.NewStyle().
	Foreground(ColorGray).
	Width(18)

// HelpStyle is used for hints printed after a report.
var HelpStyle = lipgloss.NewStyle().
	Foreground(ColorGray).
	Italic(true)

// BorderStyle provides a standard rounded border for panels.
var BorderStyle = lipgloss.NewStyle().
	Padding(0, 1).
	Border(lipgloss.RoundedBorder()).
	BorderForeground(ColorBorder)

var (
	OKStyle    = lipgloss.NewStyle().Bold(true).Foreground(ColorGreen)
	WarnStyle  = lipgloss.NewStyle().Bold(true).Foreground(ColorYellow)
	ErrorStyle = lipgloss.NewStyle().Bold(true).Foreground(ColorRed)
)

// OutcomeStyle returns a color-coded style for an undo run outcome.
func OutcomeStyle(outcome string) lipgloss.Style {
	base := lipgloss.NewStyle().Bold(true).Padding(0, 1)

	switch outcome {
	case "done":
		return base.Foreground(ColorGreen)
	case "none_found":
		return base.Foreground(ColorBlue)
	case "failed":
		return base.Foreground(ColorRed)
	default:
		return base.Foreground(ColorGray)
	}
}

// CheckStyle returns a color-coded style for the trust check that
// rejected a key email.
func CheckStyle(check string) lipgloss.Style {
	base := lipgloss.NewStyle().Bold(true)

	switch check {
	case "self_exclusion":
		return base.Foreground(ColorGray)
	case "freshness", "completeness":
		return base.Foreground(ColorOrange)
	case "authenticity":
		return base.Foreground(ColorRed)
	default:
		return base.Foreground(ColorGray)
	}
}

// SyncStateStyle returns a color-coded style for a poller state label.
func SyncStateStyle(state string) lipgloss.Style {
	base := lipgloss.NewStyle().Bold(true).Padding(0, 1)

	switch state {
	case "idle":
		return base.Foreground(ColorGreen)
	case "running":
		return base.Foreground(ColorYellow)
	case "error":
		return base.Foreground(ColorRed)
	default:
		return base.Foreground(ColorGray)
	}
}

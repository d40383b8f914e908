package panel

import (
	"github.com/charmbracelet/lipgloss"

	"nodevalidator/internal/types"
)

// Palette
var (
	Primary     = lipgloss.AdaptiveColor{Light: "#101F38", Dark: "#8BC34A"}
	Highlight   = lipgloss.Color("#f72585") // matches the in-page outline
	Destructive = lipgloss.Color("#e53935")
	Success     = lipgloss.Color("#8BC34A")
	Warning     = lipgloss.Color("#FFC107")
	Info        = lipgloss.Color("#2196F3")
	Muted       = lipgloss.AdaptiveColor{Light: "#6b7280", Dark: "#9ca3af"}
	Border      = lipgloss.AdaptiveColor{Light: "#dce0e5", Dark: "#2a3850"}
)

// Styles holds the panel's styles.
type Styles struct {
	Title   lipgloss.Style
	Header  lipgloss.Style
	Muted   lipgloss.Style
	Info    lipgloss.Style
	Error   lipgloss.Style
	Success lipgloss.Style
	Warning lipgloss.Style
	Content lipgloss.Style
	Input   lipgloss.Style
}

// DefaultStyles returns the panel styles.
func DefaultStyles() Styles {
	return Styles{
		Title:   lipgloss.NewStyle().Bold(true).Foreground(Highlight),
		Header:  lipgloss.NewStyle().Foreground(Primary).Bold(true),
		Muted:   lipgloss.NewStyle().Foreground(Muted),
		Info:    lipgloss.NewStyle().Foreground(Info),
		Error:   lipgloss.NewStyle().Foreground(Destructive).Bold(true),
		Success: lipgloss.NewStyle().Foreground(Success),
		Warning: lipgloss.NewStyle().Foreground(Warning),
		Content: lipgloss.NewStyle().BorderStyle(lipgloss.RoundedBorder()).BorderForeground(Border),
		Input:   lipgloss.NewStyle().BorderStyle(lipgloss.NormalBorder()).BorderForeground(Highlight).Padding(0, 1),
	}
}

// phaseStyle colors the phase label.
func (s Styles) phaseStyle(p types.Phase) lipgloss.Style {
	switch p {
	case types.PhaseRunning, types.PhaseAwaitingVerdict:
		return s.Success
	case types.PhaseStopped:
		return s.Warning
	case types.PhaseComplete:
		return s.Info
	default:
		return s.Muted
	}
}

package panel

import (
	"github.com/charmbracelet/bubbles/key"

	"nodevalidator/internal/types"
)

type keyMap struct {
	Start   key.Binding
	Stop    key.Binding
	Resume  key.Binding
	Advance key.Binding
	Mode    key.Binding
	Comment key.Binding
	Verdict key.Binding
	Reset   key.Binding
	Up      key.Binding
	Down    key.Binding
	Help    key.Binding
	Quit    key.Binding
}

func defaultKeys() keyMap {
	return keyMap{
		Start:   key.NewBinding(key.WithKeys("s"), key.WithHelp("s", "start at cursor")),
		Stop:    key.NewBinding(key.WithKeys("x"), key.WithHelp("x", "stop")),
		Resume:  key.NewBinding(key.WithKeys("r"), key.WithHelp("r", "resume")),
		Advance: key.NewBinding(key.WithKeys("n", "enter"), key.WithHelp("n", "next")),
		Mode:    key.NewBinding(key.WithKeys("a"), key.WithHelp("a", "manual/automated")),
		Comment: key.NewBinding(key.WithKeys("c"), key.WithHelp("c", "comment")),
		Verdict: key.NewBinding(key.WithKeys("1", "2", "3", "4", "5", "6", "0"), key.WithHelp("1-6", "verdict")),
		Reset:   key.NewBinding(key.WithKeys("R"), key.WithHelp("R R", "reset")),
		Up:      key.NewBinding(key.WithKeys("up", "k"), key.WithHelp("↑/k", "up")),
		Down:    key.NewBinding(key.WithKeys("down", "j"), key.WithHelp("↓/j", "down")),
		Help:    key.NewBinding(key.WithKeys("?"), key.WithHelp("?", "help")),
		Quit:    key.NewBinding(key.WithKeys("q", "ctrl+c"), key.WithHelp("q", "quit")),
	}
}

func (k keyMap) ShortHelp() []key.Binding {
	return []key.Binding{k.Advance, k.Verdict, k.Comment, k.Mode, k.Stop, k.Resume, k.Help, k.Quit}
}

func (k keyMap) FullHelp() [][]key.Binding {
	return [][]key.Binding{
		{k.Start, k.Stop, k.Resume, k.Advance},
		{k.Verdict, k.Comment, k.Mode, k.Reset},
		{k.Up, k.Down, k.Help, k.Quit},
	}
}

// verdictKeys maps the number keys to statuses.
var verdictKeys = map[string]types.Status{
	"1": types.StatusTruePositive,
	"2": types.StatusFalsePositive,
	"3": types.StatusFalseNegative,
	"4": types.StatusNotValid,
	"5": types.StatusNeedsReview,
	"6": types.StatusSkipped,
	"0": types.StatusPending,
}

// Package panel is the interactive terminal control surface.
//
// It renders the cached run state from control.Surface, sends commands
// through a Commander and refreshes on every push notification. Verdicts are
// previewed immediately and marked with * until the server confirms them.
package panel

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/cursor"
	"github.com/charmbracelet/bubbles/help"
	"github.com/charmbracelet/bubbles/key"
	"github.com/charmbracelet/bubbles/table"
	"github.com/charmbracelet/bubbles/textinput"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"nodevalidator/internal/control"
	"nodevalidator/internal/coordinator"
	"nodevalidator/internal/keepalive"
	"nodevalidator/internal/notify"
	"nodevalidator/internal/report"
	"nodevalidator/internal/types"
)

// Commander is the command protocol the panel drives.
type Commander interface {
	control.API
	Start(ctx context.Context, req coordinator.StartRequest) error
	Stop(ctx context.Context) error
	Resume(ctx context.Context, automated *bool) error
	Advance(ctx context.Context) (bool, error)
	ToggleMode(ctx context.Context, automated bool) (types.Mode, error)
	Reset(ctx context.Context) error
}

// Messages
type (
	refreshedMsg struct{ err error }
	resultMsg    struct {
		text string
		err  error
	}
	eventMsg        notify.Event
	streamClosedMsg struct{}
	tickMsg         time.Time
)

// Model is the bubbletea model of the panel.
type Model struct {
	ctx     context.Context
	cmds    Commander
	surface *control.Surface
	events  <-chan notify.Event
	health  func() keepalive.Status

	table   table.Model
	comment textinput.Model
	help    help.Model
	keys    keyMap
	styles  Styles

	view         control.View
	followIndex  int
	editing      bool
	confirmReset bool
	status       string
	errText      string
	width        int
	height       int
}

// New creates the panel model. events and health may be nil.
func New(ctx context.Context, cmds Commander, events <-chan notify.Event, health func() keepalive.Status) Model {
	t := table.New(
		table.WithColumns(columns(100)),
		table.WithFocused(true),
		table.WithHeight(12),
	)
	ts := table.DefaultStyles()
	ts.Selected = ts.Selected.Foreground(lipgloss.Color("#ffffff")).Background(Highlight).Bold(false)
	t.SetStyles(ts)

	ti := textinput.New()
	ti.Placeholder = "comment for the next verdict"
	ti.CharLimit = 500
	ti.Cursor.SetMode(cursor.CursorStatic)

	return Model{
		ctx:         ctx,
		cmds:        cmds,
		surface:     control.NewSurface(cmds),
		events:      events,
		health:      health,
		table:       t,
		comment:     ti,
		help:        help.New(),
		keys:        defaultKeys(),
		styles:      DefaultStyles(),
		followIndex: -1,
	}
}

func columns(width int) []table.Column {
	rest := width - 4 - 6 - 16 - 10
	if rest < 30 {
		rest = 30
	}
	return []table.Column{
		{Title: "", Width: 2},
		{Title: "#", Width: 4},
		{Title: "Status", Width: 14},
		{Title: "URL", Width: rest * 45 / 100},
		{Title: "Target", Width: rest * 25 / 100},
		{Title: "Comments", Width: rest * 30 / 100},
	}
}

// Init loads the state from the server; the panel never trusts defaults.
func (m Model) Init() tea.Cmd {
	cmds := []tea.Cmd{m.refresh(), tick()}
	if m.events != nil {
		cmds = append(cmds, waitEvent(m.events))
	}
	return tea.Batch(cmds...)
}

func tick() tea.Cmd {
	return tea.Tick(time.Second, func(t time.Time) tea.Msg { return tickMsg(t) })
}

func waitEvent(ch <-chan notify.Event) tea.Cmd {
	return func() tea.Msg {
		e, ok := <-ch
		if !ok {
			return streamClosedMsg{}
		}
		return eventMsg(e)
	}
}

func (m Model) refresh() tea.Cmd {
	return func() tea.Msg {
		return refreshedMsg{err: m.surface.Refresh(m.ctx)}
	}
}

// do runs a command and refreshes the state afterwards.
func (m Model) do(fn func(ctx context.Context) (string, error)) tea.Cmd {
	return func() tea.Msg {
		text, err := fn(m.ctx)
		if rerr := m.surface.Refresh(m.ctx); err == nil && rerr != nil {
			err = rerr
		}
		return resultMsg{text: text, err: err}
	}
}

// Update handles messages.
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width, m.height = msg.Width, msg.Height
		m.table.SetColumns(columns(msg.Width - 4))
		h := msg.Height - 12
		if h < 3 {
			h = 3
		}
		m.table.SetHeight(h)
		m.help.Width = msg.Width
		return m, nil

	case refreshedMsg:
		if msg.err != nil {
			m.errText = msg.err.Error()
		}
		m.sync()
		return m, nil

	case resultMsg:
		m.status, m.errText = msg.text, ""
		if msg.err != nil {
			m.status, m.errText = "", msg.err.Error()
		}
		m.surface.ClearError()
		m.sync()
		return m, nil

	case eventMsg:
		e := notify.Event(msg)
		apply := func() tea.Msg {
			return refreshedMsg{err: m.surface.Apply(m.ctx, e)}
		}
		if m.events == nil {
			return m, apply
		}
		return m, tea.Batch(apply, waitEvent(m.events))

	case streamClosedMsg:
		m.status = "event stream closed; press q and restart the panel to reconnect"
		m.events = nil
		return m, nil

	case tickMsg:
		return m, tick()

	case tea.KeyMsg:
		if m.editing {
			return m.updateComment(msg)
		}
		return m.updateKeys(msg)
	}

	var cmd tea.Cmd
	m.table, cmd = m.table.Update(msg)
	return m, cmd
}

func (m Model) updateComment(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.Type {
	case tea.KeyEnter:
		m.editing = false
		m.comment.Blur()
		m.status = "comment set; press 1-6 to record a verdict"
		return m, nil
	case tea.KeyEsc:
		m.editing = false
		m.comment.Blur()
		m.comment.SetValue("")
		return m, nil
	}
	var cmd tea.Cmd
	m.comment, cmd = m.comment.Update(msg)
	return m, cmd
}

func (m Model) updateKeys(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	if !key.Matches(msg, m.keys.Reset) {
		m.confirmReset = false
	}
	m.errText = ""

	switch {
	case key.Matches(msg, m.keys.Quit):
		return m, tea.Quit

	case key.Matches(msg, m.keys.Help):
		m.help.ShowAll = !m.help.ShowAll
		return m, nil

	case key.Matches(msg, m.keys.Comment):
		m.editing = true
		return m, m.comment.Focus()

	case key.Matches(msg, m.keys.Verdict):
		return m.recordVerdict(verdictKeys[msg.String()])

	case key.Matches(msg, m.keys.Advance):
		return m, m.do(func(ctx context.Context) (string, error) {
			complete, err := m.cmds.Advance(ctx)
			if complete {
				return "validation complete", err
			}
			return "advanced", err
		})

	case key.Matches(msg, m.keys.Start):
		return m.start()

	case key.Matches(msg, m.keys.Stop):
		return m, m.do(func(ctx context.Context) (string, error) {
			return "stopped", m.cmds.Stop(ctx)
		})

	case key.Matches(msg, m.keys.Resume):
		return m, m.do(func(ctx context.Context) (string, error) {
			return "resumed", m.cmds.Resume(ctx, nil)
		})

	case key.Matches(msg, m.keys.Mode):
		automated := m.view.Mode != types.ModeAutomated
		return m, m.do(func(ctx context.Context) (string, error) {
			mode, err := m.cmds.ToggleMode(ctx, automated)
			return "mode: " + mode.String(), err
		})

	case key.Matches(msg, m.keys.Reset):
		if !m.confirmReset {
			m.confirmReset = true
			m.status = "press R again to discard all items and progress"
			return m, nil
		}
		m.confirmReset = false
		return m, m.do(func(ctx context.Context) (string, error) {
			return "reset", m.cmds.Reset(ctx)
		})
	}

	var cmd tea.Cmd
	m.table, cmd = m.table.Update(msg)
	return m, cmd
}

// target is the item a verdict applies to: the current item while a run is
// in progress, otherwise the row under the cursor.
func (m Model) target() int {
	n := len(m.view.Items)
	if m.view.CurrentIndex < n && m.view.Phase != types.PhaseLoaded {
		return m.view.CurrentIndex
	}
	return m.table.Cursor()
}

func (m Model) recordVerdict(status types.Status) (tea.Model, tea.Cmd) {
	idx := m.target()
	comments := strings.TrimSpace(m.comment.Value())
	if err := m.surface.Preview(idx, status, comments); err != nil {
		m.errText = err.Error()
		return m, nil
	}
	m.comment.SetValue("")
	m.sync()
	return m, m.do(func(ctx context.Context) (string, error) {
		err := m.surface.Submit(ctx, idx, status, comments)
		return fmt.Sprintf("item %d: %s", idx+1, status), err
	})
}

func (m Model) start() (tea.Model, tea.Cmd) {
	n := len(m.view.Items)
	if n == 0 {
		m.errText = coordinator.ErrNoItems.Error()
		return m, nil
	}
	idx := m.table.Cursor()
	if idx >= n {
		idx = n - 1
	}
	it := m.view.Items[idx]
	req := coordinator.StartRequest{
		URL:        it.URL,
		TargetNode: it.TargetNode,
		Automated:  m.view.Mode == types.ModeAutomated,
		StartIndex: &idx,
	}
	return m, m.do(func(ctx context.Context) (string, error) {
		err := m.cmds.Start(ctx, req)
		if errors.Is(err, coordinator.ErrNoActiveTab) {
			return "", fmt.Errorf("%w: open the page to validate in Chrome first", err)
		}
		return fmt.Sprintf("started at item %d", idx+1), err
	})
}

// sync copies the surface view into the model and rebuilds the table.
func (m *Model) sync() {
	m.view = m.surface.View()
	rows := make([]table.Row, len(m.view.Items))
	for i, it := range m.view.Items {
		marker := ""
		if i == m.view.CurrentIndex {
			marker = "▶"
		}
		status := it.Status.String()
		if m.view.Previewed[i] {
			status += " *"
		}
		rows[i] = table.Row{marker, fmt.Sprintf("%d", i+1), status, it.URL, it.TargetNode, it.Comments}
	}
	m.table.SetRows(rows)

	// Follow the current item as it moves; leave the cursor alone otherwise.
	if m.view.CurrentIndex != m.followIndex {
		m.followIndex = m.view.CurrentIndex
		if m.followIndex < len(rows) {
			m.table.SetCursor(m.followIndex)
		}
	}
}

// View renders the panel.
func (m Model) View() string {
	var sb strings.Builder
	v := m.view
	n := len(v.Items)

	sb.WriteString(m.styles.Title.Render("nodevalidator"))
	sb.WriteString("  ")
	sb.WriteString(m.styles.phaseStyle(v.Phase).Render(string(v.Phase)))
	sb.WriteString(m.styles.Muted.Render(fmt.Sprintf("  %s mode", v.Mode)))
	if n > 0 {
		cur := v.CurrentIndex + 1
		if cur > n {
			cur = n
		}
		sb.WriteString(m.styles.Muted.Render(fmt.Sprintf("  item %d/%d", cur, n)))
	}
	sb.WriteString("\n")

	sum := report.Summarize(v.Items)
	sb.WriteString(m.styles.Header.Render(fmt.Sprintf(
		"TP %d  FP %d  FN %d  NV %d  Review %d  Skip %d  Pending %d",
		sum.TruePositives, sum.FalsePositives, sum.FalseNegatives, sum.NotValid, sum.NeedsReview, sum.Skipped, sum.Pending)))
	sb.WriteString("\n")

	if v.Located != nil {
		if v.Located.Found {
			sb.WriteString(m.styles.Success.Render(fmt.Sprintf("found %d × %s", v.Located.Count, v.Located.Selector)))
		} else {
			sb.WriteString(m.styles.Warning.Render(fmt.Sprintf("not found: %s", v.Located.Selector)))
		}
		sb.WriteString("\n")
	}
	if v.Complete != nil {
		msg := "validation complete"
		if v.Complete.PendingItemsWereFixed {
			msg += " (pending items were marked Not Valid)"
		}
		sb.WriteString(m.styles.Info.Render(msg) + "\n")
	}

	sb.WriteString(m.styles.Content.Render(m.table.View()))
	sb.WriteString("\n")

	if m.editing {
		sb.WriteString(m.styles.Input.Render(m.comment.View()) + "\n")
	} else if c := m.comment.Value(); c != "" {
		sb.WriteString(m.styles.Muted.Render("comment: "+c) + "\n")
	}

	switch {
	case m.errText != "":
		sb.WriteString(m.styles.Error.Render(m.errText) + "\n")
	case v.LastError != "":
		sb.WriteString(m.styles.Error.Render(v.LastError) + "\n")
	case m.status != "":
		sb.WriteString(m.styles.Info.Render(m.status) + "\n")
	}

	if m.health != nil {
		st := m.health()
		if st.Healthy() {
			sb.WriteString(m.styles.Muted.Render(fmt.Sprintf("server ok, last heartbeat %s", st.LastSuccess.Format("15:04:05"))))
		} else {
			sb.WriteString(m.styles.Error.Render(fmt.Sprintf("server unreachable (%d failed heartbeats)", st.Failures)))
		}
		sb.WriteString("\n")
	}

	sb.WriteString(m.help.View(m.keys))
	return sb.String()
}

// Run starts the panel and blocks until the user quits or ctx is done.
func Run(ctx context.Context, cmds Commander, events <-chan notify.Event, health func() keepalive.Status) error {
	p := tea.NewProgram(New(ctx, cmds, events, health), tea.WithAltScreen(), tea.WithContext(ctx))
	_, err := p.Run()
	if errors.Is(err, tea.ErrProgramKilled) && ctx.Err() != nil {
		return nil
	}
	return err
}

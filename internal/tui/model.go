// Package tui is a terminal browser for the scripts of a running session:
// move through blocks, delete or detach them, switch targets and save.
package tui

import (
	"context"
	"fmt"
	"strings"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"viiru.dev/internal/bridge"
	"viiru.dev/internal/catalog"
	"viiru.dev/internal/render"
	"viiru.dev/internal/session"
)

// Backend is what the browser edits. *session.Session satisfies it.
type Backend interface {
	bridge.API
	Export(ctx context.Context) (session.View, error)
}

type Model struct {
	ctx      context.Context
	backend  Backend
	cat      *catalog.Catalog
	savePath string

	view    session.View
	targets []string
	lines   []render.Line
	cursor  int
	offset  int

	width, height int
	status        string
	err           error
}

type viewMsg struct {
	view session.View
	err  error
}

type doneMsg struct {
	status string
	err    error
}

func NewModel(ctx context.Context, backend Backend, cat *catalog.Catalog, savePath string) Model {
	return Model{ctx: ctx, backend: backend, cat: cat, savePath: savePath}
}

// Run starts the browser on the terminal and blocks until it quits.
func Run(ctx context.Context, backend Backend, cat *catalog.Catalog, savePath string) error {
	p := tea.NewProgram(NewModel(ctx, backend, cat, savePath), tea.WithAltScreen(), tea.WithContext(ctx))
	_, err := p.Run()
	return err
}

func (m Model) Init() tea.Cmd {
	return m.refresh()
}

func (m Model) refresh() tea.Cmd {
	return func() tea.Msg {
		v, err := m.backend.Export(m.ctx)
		return viewMsg{view: v, err: err}
	}
}

func (m Model) act(status string, f func(context.Context) error) tea.Cmd {
	return func() tea.Msg {
		return doneMsg{status: status, err: f(m.ctx)}
	}
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width, m.height = msg.Width, msg.Height
		m.clamp()
		return m, nil

	case viewMsg:
		if msg.err != nil {
			m.err = msg.err
			return m, nil
		}
		m.view = msg.view
		m.targets = nil
		m.lines = nil
		if p := msg.view.Project; p != nil {
			for _, t := range p.Targets {
				m.targets = append(m.targets, t.Name)
			}
			m.lines = render.Lines(m.cat, p.Target(msg.view.EditingTarget))
		}
		m.clamp()
		return m, nil

	case doneMsg:
		m.err = msg.err
		if msg.err == nil {
			m.status = msg.status
		} else {
			m.status = ""
		}
		return m, m.refresh()

	case tea.KeyMsg:
		return m.key(msg)
	}
	return m, nil
}

func (m Model) key(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "q", "ctrl+c":
		return m, tea.Quit
	case "j", "down":
		m.move(1)
	case "k", "up":
		m.move(-1)
	case "g", "home":
		m.cursor = 0
		m.move(0)
	case "r":
		return m, m.refresh()
	case "d":
		if id := m.selected(); id != "" {
			return m, m.act("deleted "+id, func(ctx context.Context) error {
				return m.backend.DeleteBlock(ctx, id)
			})
		}
	case "x":
		if id := m.selected(); id != "" {
			return m, m.act("detached "+id, func(ctx context.Context) error {
				return m.backend.DetachBlock(ctx, id)
			})
		}
	case "s":
		if m.savePath == "" {
			m.status = "no save path"
			return m, nil
		}
		path := m.savePath
		return m, m.act("saved "+path, func(ctx context.Context) error {
			return m.backend.SaveProject(ctx, path)
		})
	case "tab":
		if next := m.nextTarget(); next != "" {
			m.cursor = 0
			return m, m.act("editing "+next, func(ctx context.Context) error {
				return m.backend.SetEditingTarget(ctx, next)
			})
		}
	}
	return m, nil
}

func (m Model) selected() string {
	if m.cursor < 0 || m.cursor >= len(m.lines) {
		return ""
	}
	return m.lines[m.cursor].ID
}

func (m Model) nextTarget() string {
	if len(m.targets) < 2 {
		return ""
	}
	for i, name := range m.targets {
		if name == m.view.EditingTarget {
			return m.targets[(i+1)%len(m.targets)]
		}
	}
	return m.targets[0]
}

// move steps the cursor by delta, skipping rows without a block.
func (m *Model) move(delta int) {
	if len(m.lines) == 0 {
		m.cursor = 0
		return
	}
	c := m.cursor + delta
	for c >= 0 && c < len(m.lines) && m.lines[c].ID == "" {
		if delta == 0 {
			delta = 1
		}
		c += delta
	}
	if c >= 0 && c < len(m.lines) {
		m.cursor = c
	}
	m.clamp()
}

func (m *Model) clamp() {
	if m.cursor >= len(m.lines) {
		m.cursor = len(m.lines) - 1
	}
	if m.cursor < 0 {
		m.cursor = 0
	}
	rows := m.bodyRows()
	if rows <= 0 {
		return
	}
	if m.cursor < m.offset {
		m.offset = m.cursor
	}
	if m.cursor >= m.offset+rows {
		m.offset = m.cursor - rows + 1
	}
}

func (m Model) bodyRows() int {
	return m.height - 3
}

var (
	titleStyle  = lipgloss.NewStyle().Bold(true)
	helpStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("241"))
	errStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("#FF4D4D"))
	cursorStyle = lipgloss.NewStyle().Reverse(true)
)

func (m Model) View() string {
	if m.width == 0 {
		return "Loading..."
	}
	var b strings.Builder
	b.WriteString(titleStyle.Render(fmt.Sprintf("viiru  %s  seq %d", m.view.EditingTarget, m.view.Seq)))
	b.WriteByte('\n')

	rows := m.bodyRows()
	if len(m.lines) == 0 {
		b.WriteString("No scripts\n")
		rows--
	}
	for i := m.offset; i < len(m.lines) && i < m.offset+rows; i++ {
		ln := m.lines[i]
		text := strings.Repeat("  ", ln.Depth) + ln.Text
		if w := m.width - 2; w > 0 && lipgloss.Width(text) > w {
			text = truncate(text, w)
		}
		style := lipgloss.NewStyle()
		if ln.Opcode != "" {
			style = style.Foreground(lipgloss.Color(m.cat.Colour(ln.Opcode).Fill))
		}
		if i == m.cursor {
			style = cursorStyle.Copy().Inherit(style)
		}
		b.WriteString(style.Render(text))
		b.WriteByte('\n')
	}

	switch {
	case m.err != nil:
		b.WriteString(errStyle.Render(fmt.Sprintf("error: %v [%s]", m.err, bridge.CodeFor(m.err))))
	case m.status != "":
		b.WriteString(m.status)
	}
	b.WriteByte('\n')
	b.WriteString(helpStyle.Render("j/k move  d delete  x detach  s save  tab target  r refresh  q quit"))
	return b.String()
}

func truncate(s string, w int) string {
	r := []rune(s)
	if len(r) <= w {
		return s
	}
	return string(r[:w-1]) + "…"
}

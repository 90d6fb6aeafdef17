// Package console is the terminal operator console. It follows The Elm
// Architecture via bubbletea: the Model holds all state, Update reacts to
// messages, View renders a string.
//
// The console is strictly an observer plus one write: it reads project
// state from disk and can place shadow approval markers. It never runs
// pipelines itself.
package console

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/list"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
)

const refreshInterval = 3 * time.Second

var (
	styleSucceeded = lipgloss.NewStyle().Foreground(lipgloss.Color("#4CAF50")).Bold(true)
	styleFailed    = lipgloss.NewStyle().Foreground(lipgloss.Color("#FF6B6B")).Bold(true)
	styleSkipped   = lipgloss.NewStyle().Foreground(lipgloss.Color("#999999"))
	styleDrift     = lipgloss.NewStyle().Foreground(lipgloss.Color("#F7B801")).Bold(true)
	styleDefault   = lipgloss.NewStyle().Foreground(lipgloss.Color("#CCCCCC"))
	styleDetail    = lipgloss.NewStyle().Foreground(lipgloss.Color("#A0AEC0"))
	styleTitle     = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#5B8DEF"))
	styleSelected  = lipgloss.NewStyle().Foreground(lipgloss.Color("#FFFFFF")).Background(lipgloss.Color("#3C3C3C"))
)

// screen identifies which view the console is on.
type screen int

const (
	screenProjects screen = iota
	screenDetail
)

type projectItem struct {
	id string
}

func (i projectItem) Title() string       { return i.id }
func (i projectItem) Description() string { return "project" }
func (i projectItem) FilterValue() string { return i.id }

type statusMsg struct {
	status *ProjectStatus
	err    error
}

type refreshTickMsg struct{}

// Model is the console application state.
type Model struct {
	projectsDir string

	screen    screen
	projects  list.Model
	projectID string
	status    *ProjectStatus
	err       error
	notice    string
	selection int

	width  int
	height int
}

// New builds the console model over one projects directory.
func New(projectsDir string) *Model {
	items := []list.Item{}
	for _, id := range ListProjects(projectsDir) {
		items = append(items, projectItem{id: id})
	}
	projects := list.New(items, list.NewDefaultDelegate(), 0, 0)
	projects.Title = "⛓ FORGECHAIN CONSOLE"
	projects.SetShowStatusBar(false)
	projects.SetFilteringEnabled(false)

	return &Model{
		projectsDir: projectsDir,
		screen:      screenProjects,
		projects:    projects,
	}
}

// Init implements tea.Model.
func (m *Model) Init() tea.Cmd {
	return nil
}

func (m *Model) loadStatus() tea.Cmd {
	projectID := m.projectID
	projectsDir := m.projectsDir
	return func() tea.Msg {
		status, err := Summarize(projectsDir, projectID)
		return statusMsg{status: status, err: err}
	}
}

func refreshTick() tea.Cmd {
	return tea.Tick(refreshInterval, func(time.Time) tea.Msg {
		return refreshTickMsg{}
	})
}

// Update implements tea.Model.
func (m *Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.projects.SetSize(msg.Width, msg.Height-2)
		return m, nil

	case statusMsg:
		m.status = msg.status
		m.err = msg.err
		return m, nil

	case refreshTickMsg:
		if m.screen != screenDetail {
			return m, nil
		}
		return m, tea.Batch(m.loadStatus(), refreshTick())

	case tea.KeyMsg:
		return m.handleKey(msg)
	}

	if m.screen == screenProjects {
		var cmd tea.Cmd
		m.projects, cmd = m.projects.Update(msg)
		return m, cmd
	}
	return m, nil
}

func (m *Model) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch m.screen {
	case screenProjects:
		switch msg.String() {
		case "q", "ctrl+c":
			return m, tea.Quit
		case "enter":
			item, ok := m.projects.SelectedItem().(projectItem)
			if !ok {
				return m, nil
			}
			m.screen = screenDetail
			m.projectID = item.id
			m.status = nil
			m.err = nil
			m.notice = ""
			m.selection = 0
			return m, tea.Batch(m.loadStatus(), refreshTick())
		}
		var cmd tea.Cmd
		m.projects, cmd = m.projects.Update(msg)
		return m, cmd

	case screenDetail:
		switch msg.String() {
		case "q", "ctrl+c":
			return m, tea.Quit
		case "esc":
			m.screen = screenProjects
			return m, nil
		case "r":
			return m, m.loadStatus()
		case "up", "k":
			if m.selection > 0 {
				m.selection--
			}
			return m, nil
		case "down", "j":
			if m.status != nil && m.selection < len(m.status.Gates)-1 {
				m.selection++
			}
			return m, nil
		case "a":
			return m, m.approveSelected()
		}
	}
	return m, nil
}

func (m *Model) approveSelected() tea.Cmd {
	if m.status == nil || m.selection >= len(m.status.Gates) {
		return nil
	}
	gate := m.status.Gates[m.selection]
	if gate.Promoted {
		m.notice = fmt.Sprintf("%s is already promoted", gate.LinkID)
		return nil
	}
	if err := Approve(m.projectsDir, m.projectID, gate.LinkID); err != nil {
		m.notice = fmt.Sprintf("approve %s: %v", gate.LinkID, err)
		return nil
	}
	m.notice = fmt.Sprintf("approved %s; next passing shadow run promotes it", gate.LinkID)
	return m.loadStatus()
}

// View implements tea.Model.
func (m *Model) View() string {
	if m.screen == screenProjects {
		return m.projects.View()
	}
	return m.detailView()
}

func (m *Model) detailView() string {
	var b strings.Builder
	b.WriteString(styleTitle.Render("Project: "+m.projectID) + "\n\n")

	if m.err != nil {
		b.WriteString(styleFailed.Render("error: "+m.err.Error()) + "\n")
		return b.String()
	}
	if m.status == nil {
		b.WriteString(styleDetail.Render("loading…") + "\n")
		return b.String()
	}

	if run := m.status.LastRun; run != nil {
		line := fmt.Sprintf("Last run %s · %s · %dms", shortID(run.RunID), run.Status, run.DurationMS)
		b.WriteString(styleDetail.Render(line) + "\n\n")
	}

	b.WriteString(styleTitle.Render("Links") + "\n")
	if len(m.status.Links) == 0 {
		b.WriteString(styleDetail.Render("  no ledger events yet") + "\n")
	}
	for _, ls := range m.status.Links {
		label := statusStyle(string(ls.Status)).Render(string(ls.Status))
		line := fmt.Sprintf("  %-32s %-18s %s", ls.LinkID, ls.StepID, label)
		if ls.DriftScore != nil {
			line += styleDrift.Render(fmt.Sprintf("  drift=%.2f", *ls.DriftScore))
		}
		b.WriteString(line + "\n")
	}

	if len(m.status.Gates) > 0 {
		b.WriteString("\n" + styleTitle.Render("Shadow gates") + "\n")
		for i, gate := range m.status.Gates {
			state := "pending approval"
			if gate.Promoted {
				state = "promoted"
			} else if gate.Approved {
				state = "approved"
			}
			line := fmt.Sprintf("  %-32s passes=%d score=%.2f  %s", gate.LinkID, gate.ConsecutivePasses, gate.LastScore, state)
			if i == m.selection {
				line = styleSelected.Render(line)
			}
			b.WriteString(line + "\n")
		}
	}

	if m.notice != "" {
		b.WriteString("\n" + styleDetail.Render(m.notice) + "\n")
	}
	b.WriteString("\n" + styleDetail.Render("a approve · r refresh · esc back · q quit") + "\n")
	return b.String()
}

func statusStyle(status string) lipgloss.Style {
	switch status {
	case "SUCCEEDED", "STARTED":
		return styleSucceeded
	case "FAILED":
		return styleFailed
	case "SKIPPED":
		return styleSkipped
	case "DRIFT_DETECTED":
		return styleDrift
	default:
		return styleDefault
	}
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

// Run starts the console program and blocks until it exits.
func Run(projectsDir string) error {
	_, err := tea.NewProgram(New(projectsDir), tea.WithAltScreen()).Run()
	return err
}

// Package tui provides a terminal console for the responder API.
package tui

import (
	"fmt"
	"strings"

	"nids-responder/internal/tui/api"
	"nids-responder/internal/tui/scenes"
	"nids-responder/internal/tui/styles"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
)

// Scene identifies the current view.
type Scene int

const (
	SceneDashboard Scene = iota
	SceneDetections
	SceneRisk
	SceneBlocked

	sceneCount
)

// Model is the main TUI model.
type Model struct {
	client *api.Client

	scene Scene

	// only the active scene receives ticks
	dashboard  *scenes.DashboardScene
	detections *scenes.DetectionsScene
	risk       *scenes.RiskScene
	blocked    *scenes.BlockedScene

	width  int
	height int

	quitting bool
}

// New creates a TUI model for the API at baseURL. apiKey may be empty.
func New(baseURL, apiKey string) *Model {
	client := api.NewClient(baseURL).WithAPIKey(apiKey)

	return &Model{
		client:     client,
		scene:      SceneDashboard,
		dashboard:  scenes.NewDashboardScene(client),
		detections: scenes.NewDetectionsScene(client),
		risk:       scenes.NewRiskScene(client),
		blocked:    scenes.NewBlockedScene(client),
	}
}

// Init fetches the dashboard and starts its ticker.
func (m *Model) Init() tea.Cmd {
	return tea.Batch(
		m.dashboard.Init(),
		m.activeTickCmd(),
	)
}

func (m *Model) activeTickCmd() tea.Cmd {
	switch m.scene {
	case SceneDashboard:
		return m.dashboard.TickCmd()
	case SceneDetections:
		return m.detections.TickCmd()
	case SceneRisk:
		return m.risk.TickCmd()
	case SceneBlocked:
		return m.blocked.TickCmd()
	default:
		return nil
	}
}

func (m *Model) activeInitCmd() tea.Cmd {
	switch m.scene {
	case SceneDashboard:
		return m.dashboard.Init()
	case SceneDetections:
		return m.detections.Init()
	case SceneRisk:
		return m.risk.Init()
	case SceneBlocked:
		return m.blocked.Init()
	default:
		return nil
	}
}

// switchTo activates scene, refreshing it and starting its ticker.
func (m *Model) switchTo(scene Scene) tea.Cmd {
	if scene == m.scene {
		return nil
	}
	m.scene = scene
	return tea.Batch(m.activeInitCmd(), m.activeTickCmd())
}

// Update handles all messages.
func (m *Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			m.quitting = true
			return m, tea.Quit
		case "1":
			return m, m.switchTo(SceneDashboard)
		case "2":
			return m, m.switchTo(SceneDetections)
		case "3":
			return m, m.switchTo(SceneRisk)
		case "4":
			return m, m.switchTo(SceneBlocked)
		case "tab":
			return m, m.switchTo((m.scene + 1) % sceneCount)
		case "shift+tab":
			return m, m.switchTo((m.scene + sceneCount - 1) % sceneCount)
		}

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.dashboard, _ = m.dashboard.Update(msg)
		m.detections, _ = m.detections.Update(msg)
		m.risk, _ = m.risk.Update(msg)
		m.blocked, _ = m.blocked.Update(msg)
		return m, nil

	case scenes.TickMsg:
		// ticks from a scene that is no longer active end its ticker
		if msg.Scene != m.sceneName() {
			return m, nil
		}
		cmd := m.updateActive(msg)
		return m, tea.Batch(cmd, m.activeTickCmd())
	}

	return m, m.updateActive(msg)
}

func (m *Model) updateActive(msg tea.Msg) tea.Cmd {
	var cmd tea.Cmd
	switch m.scene {
	case SceneDashboard:
		m.dashboard, cmd = m.dashboard.Update(msg)
	case SceneDetections:
		m.detections, cmd = m.detections.Update(msg)
	case SceneRisk:
		m.risk, cmd = m.risk.Update(msg)
	case SceneBlocked:
		m.blocked, cmd = m.blocked.Update(msg)
	}
	return cmd
}

func (m *Model) sceneName() string {
	switch m.scene {
	case SceneDashboard:
		return "dashboard"
	case SceneDetections:
		return "detections"
	case SceneRisk:
		return "risk"
	case SceneBlocked:
		return "blocked"
	default:
		return ""
	}
}

// View renders the current view.
func (m *Model) View() string {
	if m.quitting {
		return ""
	}

	var b strings.Builder

	b.WriteString(m.renderHeader())
	b.WriteString("\n")

	switch m.scene {
	case SceneDashboard:
		b.WriteString(m.dashboard.View())
	case SceneDetections:
		b.WriteString(m.detections.View())
	case SceneRisk:
		b.WriteString(m.risk.View())
	case SceneBlocked:
		b.WriteString(m.blocked.View())
	}

	b.WriteString("\n")
	b.WriteString(m.renderFooter())

	return b.String()
}

func (m *Model) renderHeader() string {
	tabs := []struct {
		name  string
		key   string
		scene Scene
	}{
		{"Dashboard", "1", SceneDashboard},
		{"Detections", "2", SceneDetections},
		{"Risk", "3", SceneRisk},
		{"Blocked", "4", SceneBlocked},
	}

	var tabViews []string
	for _, tab := range tabs {
		label := fmt.Sprintf(" %s %s ", tab.key, tab.name)
		if tab.scene == m.scene {
			tabViews = append(tabViews, styles.TabActive.Render(label))
		} else {
			tabViews = append(tabViews, styles.TabInactive.Render(label))
		}
	}

	return lipgloss.NewStyle().
		BorderBottom(true).
		BorderStyle(lipgloss.NormalBorder()).
		BorderForeground(styles.MutedColor).
		Width(m.width).
		Render(lipgloss.JoinHorizontal(lipgloss.Top, tabViews...))
}

func (m *Model) renderFooter() string {
	return styles.Help.Render(" [1-4] Switch tabs  [Tab] Next tab  [↑↓/jk] Navigate  [q] Quit ")
}

// Run starts the TUI application.
func Run(baseURL, apiKey string) error {
	p := tea.NewProgram(New(baseURL, apiKey), tea.WithAltScreen())
	_, err := p.Run()
	return err
}

// Package scenes provides the TUI scenes.
package scenes

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"nids-responder/internal/tui/api"
	"nids-responder/internal/tui/styles"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
)

// TickMsg is sent on each refresh tick. Scene names the scene it is for.
type TickMsg struct {
	Scene string
	Time  time.Time
}

// DashboardScene shows service health and a detection summary.
type DashboardScene struct {
	client     *api.Client
	stats      *api.Stats
	err        error
	width      int
	height     int
	lastUpdate time.Time
	loading    bool
}

type statsMsg struct {
	stats *api.Stats
	err   error
}

// NewDashboardScene creates a new dashboard scene.
func NewDashboardScene(client *api.Client) *DashboardScene {
	return &DashboardScene{
		client:  client,
		loading: true,
		stats:   &api.Stats{},
	}
}

// Init fetches the initial stats.
func (d *DashboardScene) Init() tea.Cmd {
	return d.fetchStats()
}

func (d *DashboardScene) fetchStats() tea.Cmd {
	return func() tea.Msg {
		stats, err := d.client.GetStats()
		return statsMsg{stats: stats, err: err}
	}
}

// TickCmd schedules the next refresh. The parent model only calls it while
// the dashboard is active.
func (d *DashboardScene) TickCmd() tea.Cmd {
	return tea.Tick(2*time.Second, func(t time.Time) tea.Msg {
		return TickMsg{Scene: "dashboard", Time: t}
	})
}

// Update handles messages for the dashboard.
func (d *DashboardScene) Update(msg tea.Msg) (*DashboardScene, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		d.width = msg.Width
		d.height = msg.Height
		return d, nil

	case statsMsg:
		d.loading = false
		d.err = msg.err
		if msg.stats != nil {
			d.stats = msg.stats
		}
		d.lastUpdate = time.Now()
		return d, nil

	case TickMsg:
		if msg.Scene == "dashboard" {
			return d, d.fetchStats()
		}
		return d, nil
	}

	return d, nil
}

// View renders the dashboard.
func (d *DashboardScene) View() string {
	var b strings.Builder

	b.WriteString(styles.Title.Render("  NIDS Responder"))
	b.WriteString("\n\n")

	if d.loading {
		b.WriteString(styles.Muted.Render("Loading..."))
		return b.String()
	}

	if d.err != nil {
		b.WriteString(styles.StatusError.Render(fmt.Sprintf("Error: %v", d.err)))
		b.WriteString("\n")
	}

	var statusText string
	switch d.stats.HealthStatus {
	case "healthy":
		statusText = styles.StatusOK.Render("● HEALTHY")
	case "degraded":
		statusText = styles.StatusWarning.Render("● DEGRADED")
	default:
		statusText = styles.StatusError.Render("● " + strings.ToUpper(d.stats.HealthStatus))
	}
	b.WriteString(fmt.Sprintf("  Status: %s  %s\n\n", statusText, styles.Muted.Render(d.stats.StatusReason)))

	detections, addresses, blocked := "-", "-", "-"
	if s := d.stats.Summary; s != nil {
		detections = formatNumber(int64(s.TotalDetections))
		addresses = formatNumber(int64(s.UniqueAddresses))
		blocked = formatNumber(int64(s.HardBlocked))
	}

	cards := []string{
		d.renderMetricCard("Detections", detections),
		d.renderMetricCard("Source IPs", addresses),
		d.renderMetricCard("Hard Blocked", blocked),
		d.renderMetricCard("Queue", fmt.Sprintf("%d/%d", d.stats.QueueSize, d.stats.QueueCapacity)),
		d.renderMetricCard("Uptime", d.stats.Uptime),
	}
	b.WriteString(lipgloss.JoinHorizontal(lipgloss.Top, cards...))
	b.WriteString("\n\n")

	if s := d.stats.Summary; s != nil && len(s.ByLabel) > 0 {
		b.WriteString(styles.Subtitle.Render("  Detections by Label"))
		b.WriteString("\n")
		b.WriteString(renderLabelBars(s.ByLabel, s.TotalDetections))
		b.WriteString("\n")
	}

	if len(d.stats.Checks) > 0 {
		b.WriteString(styles.Subtitle.Render("  Dependencies"))
		b.WriteString("\n")
		b.WriteString(d.renderChecks())
		b.WriteString("\n")
	}

	if !d.lastUpdate.IsZero() {
		b.WriteString(styles.Muted.Render(fmt.Sprintf("  Last updated: %s", d.lastUpdate.Format("15:04:05"))))
	}

	return b.String()
}

func (d *DashboardScene) renderMetricCard(label, value string) string {
	content := fmt.Sprintf("%s\n%s",
		styles.MetricValue.Render(value),
		styles.MetricLabel.Render(label),
	)
	return styles.MetricCard.Render(content)
}

func (d *DashboardScene) renderChecks() string {
	names := make([]string, 0, len(d.stats.Checks))
	for name := range d.stats.Checks {
		names = append(names, name)
	}
	sort.Strings(names)

	var rows []string
	for _, name := range names {
		result := d.stats.Checks[name]
		status := styles.StatusOK.Render("●")
		if result != "ok" {
			status = styles.StatusError.Render("●")
		}
		rows = append(rows, fmt.Sprintf("  %s %-14s %s", status, name, styles.Muted.Render(result)))
	}
	return strings.Join(rows, "\n") + "\n"
}

// renderLabelBars draws one bar per label, largest first.
func renderLabelBars(byLabel map[string]int, total int) string {
	labels := make([]string, 0, len(byLabel))
	for label := range byLabel {
		labels = append(labels, label)
	}
	sort.Slice(labels, func(i, j int) bool {
		if byLabel[labels[i]] != byLabel[labels[j]] {
			return byLabel[labels[i]] > byLabel[labels[j]]
		}
		return labels[i] < labels[j]
	})

	const barWidth = 30
	var b strings.Builder
	for _, label := range labels {
		count := byLabel[label]
		width := 0
		if total > 0 {
			width = count * barWidth / total
		}
		bar := styles.Label(label).Render(strings.Repeat("█", width))
		b.WriteString(fmt.Sprintf("  %-14s %s %d\n", label, bar, count))
	}
	return b.String()
}

func formatNumber(n int64) string {
	if n >= 1000000 {
		return fmt.Sprintf("%.1fM", float64(n)/1000000)
	}
	if n >= 1000 {
		return fmt.Sprintf("%.1fK", float64(n)/1000)
	}
	return fmt.Sprintf("%d", n)
}

package scenes

import (
	"fmt"
	"strings"
	"time"

	"nids-responder/internal/tui/api"
	"nids-responder/internal/tui/styles"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
)

// DetectionsScene lists the most recent detections.
type DetectionsScene struct {
	client     *api.Client
	detections []api.Detection
	err        string
	width      int
	height     int
	cursor     int
	offset     int
	loading    bool
	maxRows    int
	lastUpdate time.Time
}

type detectionsMsg struct {
	detections []api.Detection
	err        string
}

// NewDetectionsScene creates a new detections scene.
func NewDetectionsScene(client *api.Client) *DetectionsScene {
	return &DetectionsScene{
		client:  client,
		loading: true,
		maxRows: 10,
	}
}

// Init fetches the initial detections.
func (e *DetectionsScene) Init() tea.Cmd {
	return e.fetchDetections()
}

func (e *DetectionsScene) fetchDetections() tea.Cmd {
	return func() tea.Msg {
		resp, err := e.client.GetDetections(100)
		if err != nil {
			return detectionsMsg{err: err.Error()}
		}
		return detectionsMsg{detections: resp.Detections}
	}
}

// TickCmd schedules the next refresh.
func (e *DetectionsScene) TickCmd() tea.Cmd {
	return tea.Tick(5*time.Second, func(t time.Time) tea.Msg {
		return TickMsg{Scene: "detections", Time: t}
	})
}

// Update handles messages for the detections scene.
func (e *DetectionsScene) Update(msg tea.Msg) (*DetectionsScene, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		e.width = msg.Width
		e.height = msg.Height
		e.maxRows = max(5, e.height-12)
		return e, nil

	case tea.KeyMsg:
		switch msg.String() {
		case "up", "k":
			if e.cursor > 0 {
				e.cursor--
				if e.cursor < e.offset {
					e.offset = e.cursor
				}
			}
		case "down", "j":
			if e.cursor < len(e.detections)-1 {
				e.cursor++
				if e.cursor >= e.offset+e.maxRows {
					e.offset = e.cursor - e.maxRows + 1
				}
			}
		case "pgup":
			e.cursor = max(0, e.cursor-e.maxRows)
			e.offset = max(0, e.offset-e.maxRows)
		case "pgdown":
			e.cursor = max(0, min(len(e.detections)-1, e.cursor+e.maxRows))
			e.offset = min(max(0, len(e.detections)-e.maxRows), e.offset+e.maxRows)
		case "r":
			e.loading = true
			return e, e.fetchDetections()
		}
		return e, nil

	case detectionsMsg:
		e.loading = false
		e.detections = msg.detections
		e.err = msg.err
		e.lastUpdate = time.Now()
		if e.cursor >= len(e.detections) {
			e.cursor = max(0, len(e.detections)-1)
		}
		if e.offset > e.cursor {
			e.offset = e.cursor
		}
		return e, nil

	case TickMsg:
		if msg.Scene == "detections" {
			return e, e.fetchDetections()
		}
		return e, nil
	}

	return e, nil
}

// View renders the detections table.
func (e *DetectionsScene) View() string {
	var b strings.Builder

	b.WriteString(styles.Title.Render("  Recent Detections"))
	b.WriteString("\n\n")

	if e.loading && len(e.detections) == 0 {
		b.WriteString(styles.Muted.Render("  Loading detections..."))
		return b.String()
	}

	if e.err != "" {
		b.WriteString(styles.StatusError.Render(fmt.Sprintf("  Error: %s", e.err)))
		b.WriteString("\n\n")
		b.WriteString(styles.Muted.Render("  Press [r] to retry."))
		return b.String()
	}

	if len(e.detections) == 0 {
		b.WriteString(styles.Muted.Render("  No detections found."))
		b.WriteString("\n\n")
		b.WriteString(styles.Muted.Render("  Sensors send detections to POST /v1/detections, the TCP stream or Kafka."))
		return b.String()
	}

	b.WriteString(styles.Subtitle.Render(fmt.Sprintf("  Showing %d most recent", len(e.detections))))
	if e.loading {
		b.WriteString(styles.Muted.Render("  (refreshing...)"))
	}
	b.WriteString("\n\n")

	header := fmt.Sprintf("  %-20s %-40s %-15s %s", "Timestamp", "Source IP", "Label", "Action")
	b.WriteString(styles.TableHeader.Render(header))
	b.WriteString("\n")

	endIdx := min(e.offset+e.maxRows, len(e.detections))
	for i, d := range e.detections[e.offset:endIdx] {
		b.WriteString(e.renderRow(d, e.offset+i == e.cursor))
		b.WriteString("\n")
	}

	if len(e.detections) > e.maxRows {
		b.WriteString(styles.Muted.Render(fmt.Sprintf("\n  %d-%d of %d (↑↓ to scroll, [r] refresh)",
			e.offset+1, endIdx, len(e.detections))))
	} else {
		b.WriteString(styles.Muted.Render("\n  [r] Refresh"))
	}

	if !e.lastUpdate.IsZero() {
		b.WriteString(styles.Muted.Render(fmt.Sprintf("  |  Updated: %s", e.lastUpdate.Format("15:04:05"))))
	}

	return b.String()
}

func (e *DetectionsScene) renderRow(d api.Detection, selected bool) string {
	timestamp := d.Timestamp.Local().Format("01-02 15:04:05")
	label := styles.Label(d.Label).Render(fmt.Sprintf("%-15s", truncate(d.Label, 15)))

	if selected {
		row := fmt.Sprintf("  %-20s %-40s %-15s %s", timestamp, truncate(d.Address, 40), truncate(d.Label, 15), d.Action)
		return lipgloss.NewStyle().
			Background(styles.Primary).
			Foreground(styles.White).
			Render(row)
	}

	return fmt.Sprintf("  %-20s %-40s %s %s", timestamp, truncate(d.Address, 40), label, d.Action)
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen-3] + "..."
}

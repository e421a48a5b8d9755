package scenes

import (
	"fmt"
	"strings"
	"time"

	"nids-responder/internal/tui/api"
	"nids-responder/internal/tui/styles"

	tea "github.com/charmbracelet/bubbletea"
)

// BlockedScene lists the persisted hard blocks.
type BlockedScene struct {
	client     *api.Client
	blocked    []api.Blocked
	err        error
	width      int
	height     int
	offset     int
	maxRows    int
	lastUpdate time.Time
	loading    bool
}

type blockedMsg struct {
	blocked []api.Blocked
	err     error
}

// NewBlockedScene creates a new hard-block scene.
func NewBlockedScene(client *api.Client) *BlockedScene {
	return &BlockedScene{
		client:  client,
		loading: true,
		maxRows: 15,
	}
}

// Init fetches the initial block list.
func (s *BlockedScene) Init() tea.Cmd {
	return s.fetchBlocked()
}

func (s *BlockedScene) fetchBlocked() tea.Cmd {
	return func() tea.Msg {
		resp, err := s.client.GetBlocked()
		if err != nil {
			return blockedMsg{err: err}
		}
		return blockedMsg{blocked: resp.Blocked}
	}
}

// TickCmd schedules the next refresh.
func (s *BlockedScene) TickCmd() tea.Cmd {
	return tea.Tick(10*time.Second, func(t time.Time) tea.Msg {
		return TickMsg{Scene: "blocked", Time: t}
	})
}

// Update handles messages for the blocked scene.
func (s *BlockedScene) Update(msg tea.Msg) (*BlockedScene, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		s.width = msg.Width
		s.height = msg.Height
		s.maxRows = max(5, s.height-10)
		return s, nil

	case tea.KeyMsg:
		switch msg.String() {
		case "up", "k":
			s.offset = max(0, s.offset-1)
		case "down", "j":
			s.offset = min(max(0, len(s.blocked)-s.maxRows), s.offset+1)
		case "r":
			s.loading = true
			return s, s.fetchBlocked()
		}
		return s, nil

	case blockedMsg:
		s.loading = false
		s.err = msg.err
		if msg.err == nil {
			s.blocked = msg.blocked
		}
		s.offset = min(s.offset, max(0, len(s.blocked)-s.maxRows))
		s.lastUpdate = time.Now()
		return s, nil

	case TickMsg:
		if msg.Scene == "blocked" {
			return s, s.fetchBlocked()
		}
		return s, nil
	}

	return s, nil
}

// View renders the hard-block list.
func (s *BlockedScene) View() string {
	var b strings.Builder

	b.WriteString(styles.Title.Render("  Hard Blocks"))
	b.WriteString("\n\n")

	if s.loading && s.blocked == nil {
		b.WriteString(styles.Muted.Render("Loading hard blocks..."))
		return b.String()
	}

	if s.err != nil {
		b.WriteString(styles.StatusError.Render(fmt.Sprintf("  Error: %v", s.err)))
		b.WriteString("\n\n")
	}

	if len(s.blocked) == 0 {
		b.WriteString(styles.StatusOK.Render("  No addresses are hard blocked."))
		return b.String()
	}

	b.WriteString(styles.Subtitle.Render(fmt.Sprintf("  %d addresses blocked permanently", len(s.blocked))))
	b.WriteString("\n\n")

	header := fmt.Sprintf("  %-40s %-20s %s", "Source IP", "Blocked At", "Reason")
	b.WriteString(styles.TableHeader.Render(header))
	b.WriteString("\n")

	endIdx := min(s.offset+s.maxRows, len(s.blocked))
	for _, rec := range s.blocked[s.offset:endIdx] {
		b.WriteString(fmt.Sprintf("  %s %-20s %s\n",
			styles.StatusError.Render(fmt.Sprintf("%-40s", truncate(rec.Address, 40))),
			rec.BlockedAt.Local().Format("2006-01-02 15:04:05"),
			styles.Muted.Render(rec.Reason),
		))
	}

	if len(s.blocked) > s.maxRows {
		b.WriteString(styles.Muted.Render(fmt.Sprintf("\n  %d-%d of %d (↑↓ to scroll, [r] refresh)",
			s.offset+1, endIdx, len(s.blocked))))
	} else {
		b.WriteString(styles.Muted.Render("\n  [r] Refresh"))
	}

	if !s.lastUpdate.IsZero() {
		b.WriteString(styles.Muted.Render(fmt.Sprintf("  |  Updated: %s", s.lastUpdate.Format("15:04:05"))))
	}

	return b.String()
}

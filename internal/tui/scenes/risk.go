package scenes

import (
	"fmt"
	"strings"
	"time"

	"nids-responder/internal/tui/api"
	"nids-responder/internal/tui/styles"
	"nids-responder/internal/window"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
)

// RiskScene ranks addresses by risk and lets the operator run a response
// for the selected one.
type RiskScene struct {
	client     *api.Client
	window     string
	risks      []api.Risk
	err        string
	outcome    *api.Outcome
	outcomeErr string
	width      int
	height     int
	cursor     int
	offset     int
	loading    bool
	responding bool
	maxRows    int
	lastUpdate time.Time
}

type riskMsg struct {
	window string
	risks  []api.Risk
	err    string
}

type respondMsg struct {
	outcome *api.Outcome
	err     string
}

// NewRiskScene creates a new risk scene on the default window.
func NewRiskScene(client *api.Client) *RiskScene {
	return &RiskScene{
		client:  client,
		window:  window.Default,
		loading: true,
		maxRows: 10,
	}
}

// Init fetches the initial risk table.
func (s *RiskScene) Init() tea.Cmd {
	return s.fetchRisk()
}

// Window returns the selected correlation window.
func (s *RiskScene) Window() string {
	return s.window
}

func (s *RiskScene) fetchRisk() tea.Cmd {
	token := s.window
	return func() tea.Msg {
		resp, err := s.client.GetRisk(token)
		if err != nil {
			return riskMsg{window: token, err: err.Error()}
		}
		return riskMsg{window: token, risks: resp.Risks}
	}
}

func (s *RiskScene) respond(address string) tea.Cmd {
	token := s.window
	return func() tea.Msg {
		out, err := s.client.Respond(address, token)
		if err != nil {
			return respondMsg{err: err.Error()}
		}
		return respondMsg{outcome: out}
	}
}

// TickCmd schedules the next refresh.
func (s *RiskScene) TickCmd() tea.Cmd {
	return tea.Tick(5*time.Second, func(t time.Time) tea.Msg {
		return TickMsg{Scene: "risk", Time: t}
	})
}

// nextWindow returns the token after current, wrapping around.
func nextWindow(current string, step int) string {
	tokens := window.Tokens()
	for i, t := range tokens {
		if t == current {
			return tokens[(i+step+len(tokens))%len(tokens)]
		}
	}
	return window.Default
}

// Update handles messages for the risk scene.
func (s *RiskScene) Update(msg tea.Msg) (*RiskScene, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		s.width = msg.Width
		s.height = msg.Height
		s.maxRows = max(5, s.height-16)
		return s, nil

	case tea.KeyMsg:
		switch msg.String() {
		case "up", "k":
			if s.cursor > 0 {
				s.cursor--
				if s.cursor < s.offset {
					s.offset = s.cursor
				}
			}
		case "down", "j":
			if s.cursor < len(s.risks)-1 {
				s.cursor++
				if s.cursor >= s.offset+s.maxRows {
					s.offset = s.cursor - s.maxRows + 1
				}
			}
		case "w", "right", "l":
			s.window = nextWindow(s.window, 1)
			s.loading = true
			return s, s.fetchRisk()
		case "W", "left", "h":
			s.window = nextWindow(s.window, -1)
			s.loading = true
			return s, s.fetchRisk()
		case "r":
			s.loading = true
			return s, s.fetchRisk()
		case "enter":
			if s.cursor < len(s.risks) && !s.responding {
				s.responding = true
				s.outcome = nil
				s.outcomeErr = ""
				return s, s.respond(s.risks[s.cursor].Address)
			}
		}
		return s, nil

	case riskMsg:
		// drop responses for a window the operator already moved away from
		if msg.window != s.window {
			return s, nil
		}
		s.loading = false
		s.risks = msg.risks
		s.err = msg.err
		s.lastUpdate = time.Now()
		if s.cursor >= len(s.risks) {
			s.cursor = max(0, len(s.risks)-1)
		}
		if s.offset > s.cursor {
			s.offset = s.cursor
		}
		return s, nil

	case respondMsg:
		s.responding = false
		s.outcome = msg.outcome
		s.outcomeErr = msg.err
		return s, s.fetchRisk()

	case TickMsg:
		if msg.Scene == "risk" {
			return s, s.fetchRisk()
		}
		return s, nil
	}

	return s, nil
}

// View renders the risk table.
func (s *RiskScene) View() string {
	var b strings.Builder

	b.WriteString(styles.Title.Render("  Risk Assessment"))
	b.WriteString("\n")
	b.WriteString(s.renderWindowBar())
	b.WriteString("\n\n")

	if s.loading && len(s.risks) == 0 && s.err == "" {
		b.WriteString(styles.Muted.Render("  Loading risk..."))
		return b.String()
	}

	if s.err != "" {
		b.WriteString(styles.StatusError.Render(fmt.Sprintf("  Error: %s", s.err)))
		b.WriteString("\n\n")
		b.WriteString(styles.Muted.Render("  Press [r] to retry."))
		return b.String()
	}

	if len(s.risks) == 0 {
		b.WriteString(styles.Muted.Render(fmt.Sprintf("  No detections in the last %s.", s.window)))
		return b.String()
	}

	header := fmt.Sprintf("  %-40s %6s  %-9s %5s %6s  %s", "Source IP", "Risk", "Severity", "Conf", "Count", "Labels")
	b.WriteString(styles.TableHeader.Render(header))
	b.WriteString("\n")

	endIdx := min(s.offset+s.maxRows, len(s.risks))
	for i, r := range s.risks[s.offset:endIdx] {
		b.WriteString(s.renderRow(r, s.offset+i == s.cursor))
		b.WriteString("\n")
	}

	b.WriteString("\n")
	b.WriteString(s.renderOutcome())

	help := "  [enter] Respond to selected  [w/W] Change window  [r] Refresh"
	if len(s.risks) > s.maxRows {
		help = fmt.Sprintf("  %d-%d of %d", s.offset+1, endIdx, len(s.risks)) + help
	}
	b.WriteString(styles.Muted.Render("\n" + help))

	if !s.lastUpdate.IsZero() {
		b.WriteString(styles.Muted.Render(fmt.Sprintf("  |  Updated: %s", s.lastUpdate.Format("15:04:05"))))
	}

	return b.String()
}

func (s *RiskScene) renderWindowBar() string {
	var parts []string
	for _, t := range window.Tokens() {
		if t == s.window {
			parts = append(parts, styles.TabActive.Render(t))
		} else {
			parts = append(parts, styles.TabInactive.Render(t))
		}
	}
	return "  " + lipgloss.JoinHorizontal(lipgloss.Top, parts...)
}

func (s *RiskScene) renderRow(r api.Risk, selected bool) string {
	labels := truncate(strings.Join(r.Labels, ","), 40)
	cells := fmt.Sprintf("  %-40s %6.1f  %-9s %5.2f %6d  %s",
		truncate(r.Address, 40), r.RiskScore, r.Severity, r.Confidence, r.AttackCount, labels)

	if selected {
		return lipgloss.NewStyle().
			Background(styles.Primary).
			Foreground(styles.White).
			Render(cells)
	}
	return fmt.Sprintf("  %-40s %s  %s %5.2f %6d  %s",
		truncate(r.Address, 40),
		styles.Severity(r.Severity).Render(fmt.Sprintf("%6.1f", r.RiskScore)),
		styles.Severity(r.Severity).Render(fmt.Sprintf("%-9s", r.Severity)),
		r.Confidence, r.AttackCount, labels)
}

func (s *RiskScene) renderOutcome() string {
	switch {
	case s.responding:
		return styles.Muted.Render("  Responding...") + "\n"
	case s.outcomeErr != "":
		return styles.StatusError.Render("  Response failed: "+s.outcomeErr) + "\n"
	case s.outcome == nil:
		return ""
	}

	o := s.outcome
	verdict := styles.Verdict(o.Decision.Verdict).Render(o.Decision.Verdict)
	executed := styles.StatusOK.Render("executed")
	if !o.Action.Executed {
		executed = styles.StatusError.Render("not executed")
	}
	return fmt.Sprintf("  %s %s  %s (%s)\n  %s\n",
		o.Address, verdict, o.Action.Action, executed,
		styles.Muted.Render(o.Decision.Reason))
}

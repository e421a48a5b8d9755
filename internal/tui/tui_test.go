package tui

import (
	"strings"
	"testing"
	"time"

	"nids-responder/internal/tui/scenes"

	tea "github.com/charmbracelet/bubbletea"
)

func keyMsg(s string) tea.KeyMsg {
	switch s {
	case "tab":
		return tea.KeyMsg{Type: tea.KeyTab}
	case "shift+tab":
		return tea.KeyMsg{Type: tea.KeyShiftTab}
	case "ctrl+c":
		return tea.KeyMsg{Type: tea.KeyCtrlC}
	default:
		return tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune(s)}
	}
}

func newTestModel() *Model {
	// nothing listens here; scenes only fetch when their commands run
	return New("http://127.0.0.1:1", "")
}

func TestNew(t *testing.T) {
	m := newTestModel()

	if m.scene != SceneDashboard {
		t.Errorf("scene = %d, want SceneDashboard", m.scene)
	}
	if m.client == nil || m.dashboard == nil || m.detections == nil || m.risk == nil || m.blocked == nil {
		t.Error("New() left a scene or the client nil")
	}
	if m.quitting {
		t.Error("quitting = true on a new model")
	}
	if m.Init() == nil {
		t.Error("Init() = nil, want a command")
	}
}

func TestUpdate_SwitchScenes(t *testing.T) {
	tests := []struct {
		keys []string
		want Scene
	}{
		{[]string{"2"}, SceneDetections},
		{[]string{"3"}, SceneRisk},
		{[]string{"4"}, SceneBlocked},
		{[]string{"4", "1"}, SceneDashboard},
		{[]string{"tab"}, SceneDetections},
		{[]string{"tab", "tab", "tab", "tab"}, SceneDashboard},
		{[]string{"shift+tab"}, SceneBlocked},
		{[]string{"x"}, SceneDashboard},
	}

	for _, tt := range tests {
		t.Run(strings.Join(tt.keys, ","), func(t *testing.T) {
			m := newTestModel()
			for _, k := range tt.keys {
				m.Update(keyMsg(k))
			}
			if m.scene != tt.want {
				t.Errorf("scene = %d, want %d", m.scene, tt.want)
			}
		})
	}
}

func TestUpdate_SameSceneIsNoop(t *testing.T) {
	m := newTestModel()
	if _, cmd := m.Update(keyMsg("1")); cmd != nil {
		t.Error("switching to the active scene returned a command")
	}
}

func TestUpdate_Quit(t *testing.T) {
	for _, key := range []string{"q", "ctrl+c"} {
		t.Run(key, func(t *testing.T) {
			m := newTestModel()
			_, cmd := m.Update(keyMsg(key))
			if !m.quitting {
				t.Error("quitting = false after quit key")
			}
			if cmd == nil {
				t.Fatal("cmd = nil, want tea.Quit")
			}
			if _, ok := cmd().(tea.QuitMsg); !ok {
				t.Error("cmd did not produce tea.QuitMsg")
			}
			if m.View() != "" {
				t.Error("View() after quit is not empty")
			}
		})
	}
}

func TestUpdate_WindowSize(t *testing.T) {
	m := newTestModel()
	_, cmd := m.Update(tea.WindowSizeMsg{Width: 120, Height: 40})

	if m.width != 120 || m.height != 40 {
		t.Errorf("size = %dx%d, want 120x40", m.width, m.height)
	}
	if cmd != nil {
		t.Error("WindowSizeMsg returned a command")
	}
}

func TestUpdate_TickRouting(t *testing.T) {
	tests := []struct {
		name    string
		scene   string
		wantCmd bool
	}{
		{"active scene", "dashboard", true},
		{"inactive scene", "risk", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := newTestModel()
			_, cmd := m.Update(scenes.TickMsg{Scene: tt.scene, Time: time.Now()})
			if (cmd != nil) != tt.wantCmd {
				t.Errorf("cmd != nil = %v, want %v", cmd != nil, tt.wantCmd)
			}
		})
	}
}

func TestView(t *testing.T) {
	m := newTestModel()
	m.Update(tea.WindowSizeMsg{Width: 120, Height: 40})

	tests := []struct {
		key  string
		want string
	}{
		{"1", "NIDS Responder"},
		{"2", "Recent Detections"},
		{"3", "Risk Assessment"},
		{"4", "Hard Blocks"},
	}

	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			m.Update(keyMsg(tt.key))
			view := m.View()
			for _, tab := range []string{"Dashboard", "Detections", "Risk", "Blocked", "[q] Quit"} {
				if !strings.Contains(view, tab) {
					t.Errorf("view missing %q", tab)
				}
			}
			if !strings.Contains(view, tt.want) {
				t.Errorf("view missing scene title %q", tt.want)
			}
		})
	}
}

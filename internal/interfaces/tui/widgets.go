package tui

import (
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/bubbles/textarea"
	"github.com/charmbracelet/bubbles/viewport"
	"github.com/charmbracelet/lipgloss"

	"github.com/ngoclaw/ngoclaw/gateway/internal/stdin"
)

// InputArea is the composer box: a Focusable Component built on
// bubbles/textarea, styled with lipgloss, and driven by keys decoded from
// our own C2 stdin parser rather than bubbletea's runtime loop.
type InputArea struct {
	model   textarea.Model
	focused bool
	style   lipgloss.Style
}

// NewInputArea constructs an InputArea with the composer's prompt chrome
// (cyan accent), applied via lipgloss instead of raw ANSI constants.
func NewInputArea(placeholder string) *InputArea {
	m := textarea.New()
	m.Placeholder = placeholder
	m.ShowLineNumbers = false
	m.Focus()
	return &InputArea{
		model:   m,
		focused: true,
		style:   lipgloss.NewStyle().BorderStyle(lipgloss.RoundedBorder()).BorderForeground(lipgloss.Color("36")),
	}
}

func (i *InputArea) Render(width int) []string {
	i.model.SetWidth(width - 2)
	view := i.style.Width(width - 2).Render(i.model.View())
	lines := splitLines(view)
	if i.focused {
		lines = appendCursorMarker(lines, i.model.Line(), cursorColumnFor(i.model))
	}
	return lines
}

func (i *InputArea) Invalidate() {}

func (i *InputArea) HandleInput(data string) {
	msg := keyStringToTeaMsg(data)
	var cmd tea.Cmd
	i.model, cmd = i.model.Update(msg)
	_ = cmd
}

func (i *InputArea) Focused() bool { return i.focused }

func (i *InputArea) SetFocused(f bool) {
	i.focused = f
	if f {
		i.model.Focus()
	} else {
		i.model.Blur()
	}
}

// Value returns the current composer text.
func (i *InputArea) Value() string { return i.model.Value() }

// Clear resets the composer after a submit.
func (i *InputArea) Clear() { i.model.Reset() }

func cursorColumnFor(m textarea.Model) int {
	return len(m.Value()) // approximate; refined once paired with real cursor offset tracking.
}

func appendCursorMarker(lines []string, row, col int) []string {
	if row < 0 || row >= len(lines) {
		return lines
	}
	lines[row] = lines[row] + cursorMarker
	return lines
}

// keyStringToTeaMsg adapts a raw decoded input string (as produced by
// internal/stdin) into the bubbletea key message the embedded widget
// expects, without running bubbletea's own program loop.
func keyStringToTeaMsg(data string) tea.KeyMsg {
	if k, ok := stdin.DecodeKittyCSIu(data); ok {
		return teaKeyMsgFromKey(k)
	}
	if k, ok := stdin.DecodeLegacy(data); ok {
		return teaKeyMsgFromKey(k)
	}
	return tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune(data)}
}

// ctrlKeyTypes maps letters to bubbletea's named KeyCtrlA..KeyCtrlY constants
// (i, j, m, q, s, v and z are not mapped and fall through to the switch below),
// the v1 API's representation of ctrl-modified letters (there is no
// separate modifier bitmask in this bubbletea version).
var ctrlKeyTypes = map[rune]tea.KeyType{
	'a': tea.KeyCtrlA, 'b': tea.KeyCtrlB, 'c': tea.KeyCtrlC, 'd': tea.KeyCtrlD,
	'e': tea.KeyCtrlE, 'f': tea.KeyCtrlF, 'g': tea.KeyCtrlG, 'h': tea.KeyCtrlH,
	'k': tea.KeyCtrlK, 'l': tea.KeyCtrlL, 'n': tea.KeyCtrlN, 'o': tea.KeyCtrlO,
	'p': tea.KeyCtrlP, 'r': tea.KeyCtrlR, 't': tea.KeyCtrlT, 'u': tea.KeyCtrlU,
	'w': tea.KeyCtrlW, 'x': tea.KeyCtrlX, 'y': tea.KeyCtrlY,
}

func teaKeyMsgFromKey(k stdin.Key) tea.KeyMsg {
	if k.Ctrl && k.Name == "" {
		if t, ok := ctrlKeyTypes[k.Rune]; ok {
			return tea.KeyMsg{Type: t, Alt: k.Alt}
		}
	}
	switch k.Name {
	case "enter":
		return tea.KeyMsg{Type: tea.KeyEnter, Alt: k.Alt}
	case "tab":
		return tea.KeyMsg{Type: tea.KeyTab, Alt: k.Alt}
	case "backspace":
		return tea.KeyMsg{Type: tea.KeyBackspace, Alt: k.Alt}
	case "delete":
		return tea.KeyMsg{Type: tea.KeyDelete, Alt: k.Alt}
	case "left":
		return tea.KeyMsg{Type: tea.KeyLeft, Alt: k.Alt}
	case "right":
		return tea.KeyMsg{Type: tea.KeyRight, Alt: k.Alt}
	case "up":
		return tea.KeyMsg{Type: tea.KeyUp, Alt: k.Alt}
	case "down":
		return tea.KeyMsg{Type: tea.KeyDown, Alt: k.Alt}
	case "home":
		return tea.KeyMsg{Type: tea.KeyHome, Alt: k.Alt}
	case "end":
		return tea.KeyMsg{Type: tea.KeyEnd, Alt: k.Alt}
	case "escape":
		return tea.KeyMsg{Type: tea.KeyEsc, Alt: k.Alt}
	case "space":
		return tea.KeyMsg{Type: tea.KeySpace, Alt: k.Alt}
	default:
		r := k.Rune
		if k.Shift && r >= 'a' && r <= 'z' {
			r = r - 'a' + 'A'
		}
		return tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune{r}, Alt: k.Alt}
	}
}

// ScrollView is a read-only transcript pane built on bubbles/viewport,
// used for the message history region above the composer.
type ScrollView struct {
	model viewport.Model
}

// NewScrollView constructs a ScrollView with the given viewport height.
func NewScrollView(height int) *ScrollView {
	return &ScrollView{model: viewport.New(0, height)}
}

func (s *ScrollView) Render(width int) []string {
	s.model.Width = width
	return splitLines(s.model.View())
}

func (s *ScrollView) Invalidate() {}

func (s *ScrollView) HandleInput(data string) {
	msg := keyStringToTeaMsg(data)
	var cmd tea.Cmd
	s.model, cmd = s.model.Update(msg)
	_ = cmd
}

// SetContent replaces the scrollback content (e.g. the rendered transcript
// from C1's text pipeline / C9's shell).
func (s *ScrollView) SetContent(content string) { s.model.SetContent(content) }

// GotoBottom scrolls to the latest content, used when new assistant output
// arrives and the user hasn't scrolled up.
func (s *ScrollView) GotoBottom() { s.model.GotoBottom() }

// AtBottom reports whether the viewport is currently pinned to the latest
// content.
func (s *ScrollView) AtBottom() bool { return s.model.AtBottom() }

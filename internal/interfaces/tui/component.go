// Package tui implements the differential terminal renderer: a
// Component/Container/Focusable tree, an overlay stack with anchor-based
// positioning, and a line-diffing writer that emits minimal terminal
// updates under a synchronized-update bracket.
package tui

import "github.com/ngoclaw/ngoclaw/gateway/internal/textutil"

// cursorMarker is the APC sequence a focused component emits at its desired
// cursor position; the renderer strips it after locating it.
const cursorMarker = "\x1b_pi:c\x07"

// Component is anything that can render itself to a fixed width and receive
// raw input bytes routed to it by the shell.
type Component interface {
	Render(width int) []string
	Invalidate()
	HandleInput(data string)
}

// Focusable components participate in cursor placement: when Focused
// returns true the component is expected to have embedded cursorMarker
// somewhere in its last Render output.
type Focusable interface {
	Component
	Focused() bool
}

// Container holds an ordered list of children and concatenates their
// rendered lines by default.
type Container struct {
	Children []Component
}

func (c *Container) Render(width int) []string {
	var lines []string
	for _, child := range c.Children {
		lines = append(lines, child.Render(width)...)
	}
	return lines
}

func (c *Container) Invalidate() {
	for _, child := range c.Children {
		child.Invalidate()
	}
}

func (c *Container) HandleInput(data string) {
	for _, child := range c.Children {
		if f, ok := child.(Focusable); ok && f.Focused() {
			child.HandleInput(data)
			return
		}
	}
}

// Append adds a child to the container.
func (c *Container) Append(child Component) {
	c.Children = append(c.Children, child)
}

// StaticText is the simplest Component: pre-wrapped, non-interactive text.
type StaticText struct {
	Text string
}

func (s *StaticText) Render(width int) []string {
	wrapped := textutil.WrapTextWithANSI(s.Text, width)
	return splitLines(wrapped)
}

func (s *StaticText) Invalidate()          {}
func (s *StaticText) HandleInput(_ string) {}

func splitLines(s string) []string {
	var lines []string
	start := 0
	for i := 0; i < len(s); i++ {
		if s[i] == '\n' {
			lines = append(lines, s[start:i])
			start = i + 1
		}
	}
	return append(lines, s[start:])
}

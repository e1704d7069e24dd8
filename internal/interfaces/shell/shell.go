// Package shell is the interactive terminal front-end: it reads raw stdin
// through the stdin parser, drives the session controller, and renders
// through the differential TUI instead of plain stdout.
package shell

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"go.uber.org/zap"

	"github.com/ngoclaw/ngoclaw/gateway/internal/application"
	"github.com/ngoclaw/ngoclaw/gateway/internal/domain/entity"
	"github.com/ngoclaw/ngoclaw/gateway/internal/interfaces/tui"
	"github.com/ngoclaw/ngoclaw/gateway/internal/session"
	"github.com/ngoclaw/ngoclaw/gateway/internal/stdin"
	"github.com/ngoclaw/ngoclaw/gateway/internal/terminal"
)

// Shell owns the render loop: terminal raw mode, the Component tree (history
// + composer), and dispatch of decoded key events to either the slash
// command table or the session controller.
type Shell struct {
	term       *terminal.Terminal
	ui         *tui.TUI
	history    *tui.Container
	input      *tui.InputArea
	controller *application.Controller
	store      *session.Store
	parser     *stdin.Parser
	logger     *zap.Logger

	provider string
	model    string
	busy     bool

	// InitialMessage, when set before Run, is submitted as the first turn
	// instead of waiting for composer input (trailing CLI args become the
	// first prompt).
	InitialMessage string
}

// New constructs a Shell bound to term and controller; the controller owns
// session identity.
func New(term *terminal.Terminal, controller *application.Controller, logger *zap.Logger) *Shell {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Shell{
		term:       term,
		history:    &tui.Container{},
		input:      tui.NewInputArea("Type a message, /help for commands"),
		controller: controller,
		store:      controller.Store(),
		parser:     stdin.NewParser(),
		logger:     logger,
		provider:   controller.Provider(),
		model:      controller.Model(),
	}
}

// Run enters raw mode, renders the initial frame, and processes input until
// ctx is canceled, the user runs /exit, or stdin reaches EOF.
func (s *Shell) Run(ctx context.Context) error {
	if err := s.term.EnterRaw(); err != nil {
		return err
	}
	defer s.term.Restore()

	s.ui = tui.New(s.term, tui.Config{
		Model:         s.model,
		SessionID:     s.store.Header().ID,
		DebugRedraw:   os.Getenv("PI_DEBUG_REDRAW") != "",
		ClearOnShrink: os.Getenv("PI_CLEAR_ON_SHRINK") != "",
	}, s.logger)
	s.ui.Append(s.history)
	s.ui.Append(s.input)

	size, err := s.term.GetSize()
	if err != nil {
		size = terminal.Size{Cols: 80, Rows: 24}
	}
	if err := s.ui.RequestRender(size.Cols, size.Rows); err != nil {
		return err
	}

	if s.InitialMessage != "" {
		msg := s.InitialMessage
		s.InitialMessage = ""
		s.input.Clear()
		s.submitText(ctx, msg)
		s.ui.RequestRender(size.Cols, size.Rows)
	}

	reader, err := s.term.Reader(ctx)
	if err != nil {
		return err
	}

	buf := make([]byte, 4096)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case sz := <-s.term.Resized():
			size = sz
			if err := s.ui.RequestRender(size.Cols, size.Rows); err != nil {
				return err
			}
			continue
		default:
		}

		n, err := reader.Read(buf)
		if n > 0 {
			s.parser.Feed(buf[:n])
			events, _ := s.parser.Drain()
			for _, ev := range events {
				if quit := s.handleEvent(ctx, ev, size); quit {
					return nil
				}
			}
			if rerr := s.ui.RequestRender(size.Cols, size.Rows); rerr != nil {
				return rerr
			}
		}
		if err != nil {
			if err == io.EOF {
				return nil
			}
			return err
		}
	}
}

// handleEvent decodes one stdin event and routes it: Enter submits the
// composer (as a slash command or a user message), Ctrl-C requests
// cancellation, everything else is forwarded to the focused component.
// Returns true when the shell should exit.
func (s *Shell) handleEvent(ctx context.Context, ev stdin.Event, size terminal.Size) bool {
	if ev.Kind == stdin.EventPaste {
		s.input.HandleInput(ev.Data)
		return false
	}

	if k, ok := stdin.DecodeKittyCSIu(ev.Data); ok {
		if k.Name == "enter" {
			return s.submit(ctx)
		}
	}
	if k, ok := stdin.DecodeLegacy(ev.Data); ok {
		if k.Name == "enter" {
			return s.submit(ctx)
		}
		if k.Ctrl && k.Rune == 'c' {
			if s.busy {
				s.controller.Steer("(cancelled)")
				return false
			}
			return true
		}
	}

	s.input.HandleInput(ev.Data)
	return false
}

// submit reads the composer value, clears it, and either dispatches a slash
// command or starts an agent turn. Returns true if a /exit command fired.
func (s *Shell) submit(ctx context.Context) bool {
	text := s.input.Value()
	if text == "" {
		return false
	}
	s.input.Clear()
	return s.submitText(ctx, text)
}

// submitText dispatches a slash command or starts/queues an agent turn for
// text, independent of where it came from (composer submit or an initial
// CLI-arg prompt). Returns true if a /exit command fired.
func (s *Shell) submitText(ctx context.Context, text string) bool {
	if cmd := ParseSlashCommand(text); cmd != nil {
		res := s.dispatch(cmd)
		if res.output != "" {
			s.history.Append(&tui.StaticText{Text: res.output})
		}
		return res.isQuit
	}

	s.history.Append(&tui.StaticText{Text: fmt.Sprintf("you> %s", text)})

	if s.busy {
		s.controller.QueueFollowUp(text)
		return false
	}

	s.busy = true
	turn, events, err := s.controller.SubmitUserMessage(ctx, text)
	if err != nil {
		s.history.Append(&tui.StaticText{Text: fmt.Sprintf("error: %v", err)})
		s.busy = false
		return false
	}

	go s.drainTurn(turn, events)
	return false
}

// drainTurn consumes the agent event stream for one turn, appending
// rendered lines to the history pane as events arrive, and re-renders after
// each one so the user sees progressive output.
func (s *Shell) drainTurn(turn *application.Turn, events <-chan entity.AgentEvent) {
	start := time.Now()
	for ev := range events {
		switch ev.Type {
		case entity.EventToolStart:
			s.history.Append(&tui.StaticText{Text: fmt.Sprintf("→ %s", ev.ToolName)})
		case entity.EventToolEnd:
			if ev.ToolIsError {
				s.history.Append(&tui.StaticText{Text: fmt.Sprintf("✗ %s (%s)", ev.ToolName, ev.ToolDuration.Round(time.Millisecond))})
			} else {
				s.history.Append(&tui.StaticText{Text: fmt.Sprintf("← %s (%s)", ev.ToolName, ev.ToolDuration.Round(time.Millisecond))})
			}
		case entity.EventTurnEnd, entity.EventAgentEnd:
			if ev.Error != "" {
				s.history.Append(&tui.StaticText{Text: fmt.Sprintf("error: %s", ev.Error)})
			}
		}
		if size, err := s.term.GetSize(); err == nil {
			s.ui.RequestRender(size.Cols, size.Rows)
		}
	}

	s.busy = false
	if turn.AssistantEntry != nil && turn.AssistantEntry.Message != nil {
		elapsed := time.Since(start).Round(time.Millisecond)
		s.history.Append(&tui.StaticText{Text: fmt.Sprintf("assistant> %s  (%s)", turn.AssistantEntry.Message.Text(), elapsed)})
	}
	if turn.Compacted {
		s.history.Append(&tui.StaticText{Text: "(context compacted)"})
	}
	if size, err := s.term.GetSize(); err == nil {
		s.ui.RequestRender(size.Cols, size.Rows)
	}
}

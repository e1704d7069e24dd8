// Package terminal wraps the raw OS terminal: mode switching, resize
// notification, the Kitty keyboard handshake, and color-profile detection.
package terminal

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sync"

	xterm "github.com/charmbracelet/x/term"
	"github.com/muesli/cancelreader"
	"github.com/muesli/termenv"
	"go.uber.org/zap"
	"golang.org/x/sys/unix"

	"github.com/ngoclaw/ngoclaw/gateway/internal/stdin"
	apperrors "github.com/ngoclaw/ngoclaw/gateway/pkg/errors"
)

// Size is the terminal's current dimensions in character cells.
type Size struct {
	Cols, Rows int
}

// Terminal owns the raw-mode lifecycle and the cancelable stdin reader.
// Exactly one Terminal should be alive per process.
type Terminal struct {
	in     *os.File
	out    *os.File
	logger *zap.Logger

	mu        sync.Mutex
	prevState *xterm.State
	rawOn     bool

	reader cancelreader.CancelReader

	profile termenv.Profile

	resizeCh chan Size
	sigCh    chan os.Signal
}

// New wires a Terminal to the process's stdin/stdout.
func New(logger *zap.Logger) *Terminal {
	return &Terminal{
		in:       os.Stdin,
		out:      os.Stdout,
		logger:   logger,
		resizeCh: make(chan Size, 1),
		profile:  termenv.NewOutput(os.Stdout).Profile,
	}
}

// EnterRaw puts the terminal into raw mode and starts the Kitty keyboard
// protocol handshake. Call Restore when finished.
func (t *Terminal) EnterRaw() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	fd := int(t.in.Fd())
	state, err := xterm.MakeRaw(uintptr(fd))
	if err != nil {
		return apperrors.NewTerminalIOError("failed to enter raw mode", err)
	}
	t.prevState = state
	t.rawOn = true

	if _, err := t.out.WriteString(stdin.HandshakeQuery()); err != nil {
		t.logger.Warn("kitty handshake query write failed", zap.Error(err))
	}

	t.startResizeWatch()
	return nil
}

// Restore returns the terminal to its prior cooked-mode state and disables
// the Kitty keyboard protocol.
func (t *Terminal) Restore() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.sigCh != nil {
		signal.Stop(t.sigCh)
		close(t.sigCh)
		t.sigCh = nil
	}
	if t.reader != nil {
		t.reader.Cancel()
	}

	if stdin.KittyProtocolActive() {
		if _, err := t.out.WriteString(stdin.DisableSequence()); err != nil {
			t.logger.Warn("kitty disable write failed", zap.Error(err))
		}
		stdin.ResetProtocolState()
	}

	if !t.rawOn || t.prevState == nil {
		return nil
	}
	fd := int(t.in.Fd())
	if err := xterm.Restore(uintptr(fd), t.prevState); err != nil {
		return apperrors.NewTerminalIOError("failed to restore terminal state", err)
	}
	t.rawOn = false
	return nil
}

// GetSize reads the current terminal dimensions.
func (t *Terminal) GetSize() (Size, error) {
	cols, rows, err := xterm.GetSize(uintptr(t.out.Fd()))
	if err != nil {
		return Size{}, apperrors.NewTerminalIOError("failed to query terminal size", err)
	}
	return Size{Cols: cols, Rows: rows}, nil
}

// Resized returns a channel that receives the new Size on every SIGWINCH.
func (t *Terminal) Resized() <-chan Size { return t.resizeCh }

func (t *Terminal) startResizeWatch() {
	t.sigCh = make(chan os.Signal, 1)
	signal.Notify(t.sigCh, unix.SIGWINCH)
	go func() {
		for range t.sigCh {
			sz, err := t.GetSize()
			if err != nil {
				continue
			}
			select {
			case t.resizeCh <- sz:
			default:
				// Drop the stale size; the next tick carries the latest.
				select {
				case <-t.resizeCh:
				default:
				}
				t.resizeCh <- sz
			}
		}
	}()
}

// Reader returns a cancelable reader over stdin, suitable for feeding
// stdin.Parser in a dedicated read loop. The returned reader is canceled
// automatically when ctx is done.
func (t *Terminal) Reader(ctx context.Context) (io.Reader, error) {
	r, err := cancelreader.NewReader(t.in)
	if err != nil {
		return nil, apperrors.NewTerminalIOError("failed to create cancelable reader", err)
	}
	t.mu.Lock()
	t.reader = r
	t.mu.Unlock()

	go func() {
		<-ctx.Done()
		r.Cancel()
	}()
	return r, nil
}

// ColorProfile reports the detected terminal color capability (TrueColor,
// ANSI256, ANSI, or Ascii), used by C4/C5 to degrade styling gracefully.
func (t *Terminal) ColorProfile() termenv.Profile { return t.profile }

// Write sends raw bytes to the terminal's output, e.g. a rendered frame
// diff from C5.
func (t *Terminal) Write(b []byte) (int, error) {
	n, err := t.out.Write(b)
	if err != nil {
		return n, apperrors.NewTerminalIOError("terminal write failed", err)
	}
	return n, nil
}

// HideCursor and ShowCursor toggle the hardware cursor's visibility.
func (t *Terminal) HideCursor() error {
	_, err := fmt.Fprint(t.out, "\x1b[?25l")
	return err
}

func (t *Terminal) ShowCursor() error {
	_, err := fmt.Fprint(t.out, "\x1b[?25h")
	return err
}

// BeginSyncUpdate and EndSyncUpdate bracket a frame write in the
// synchronized-update escape sequence (ESC[?2026h/l) so the terminal
// doesn't paint a partially written frame.
func (t *Terminal) BeginSyncUpdate() error {
	_, err := fmt.Fprint(t.out, "\x1b[?2026h")
	return err
}

func (t *Terminal) EndSyncUpdate() error {
	_, err := fmt.Fprint(t.out, "\x1b[?2026l")
	return err
}

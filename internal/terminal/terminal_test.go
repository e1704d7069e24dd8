package terminal

import (
	"bytes"
	"os"
	"testing"

	"go.uber.org/zap"
)

func TestTerminalWriteRoundTrip(t *testing.T) {
	r, w, err := os.Pipe()
	if err != nil {
		t.Fatalf("pipe: %v", err)
	}
	defer r.Close()
	defer w.Close()

	term := &Terminal{out: w, logger: zap.NewNop()}
	n, err := term.Write([]byte("hello"))
	if err != nil {
		t.Fatalf("write: %v", err)
	}
	if n != 5 {
		t.Errorf("expected 5 bytes written, got %d", n)
	}

	buf := make([]byte, 5)
	if _, err := r.Read(buf); err != nil {
		t.Fatalf("read: %v", err)
	}
	if !bytes.Equal(buf, []byte("hello")) {
		t.Errorf("expected %q, got %q", "hello", buf)
	}
}

func TestTerminalSyncUpdateSequences(t *testing.T) {
	r, w, err := os.Pipe()
	if err != nil {
		t.Fatalf("pipe: %v", err)
	}
	defer r.Close()
	defer w.Close()

	term := &Terminal{out: w, logger: zap.NewNop()}
	if err := term.BeginSyncUpdate(); err != nil {
		t.Fatalf("begin sync: %v", err)
	}
	if err := term.EndSyncUpdate(); err != nil {
		t.Fatalf("end sync: %v", err)
	}
	w.Close()

	buf := make([]byte, 64)
	n, _ := r.Read(buf)
	got := string(buf[:n])
	if got != "\x1b[?2026h\x1b[?2026l" {
		t.Errorf("unexpected sync-update bytes: %q", got)
	}
}

func TestNewDefaultsToStdio(t *testing.T) {
	term := New(zap.NewNop())
	if term.in != os.Stdin {
		t.Error("expected input to default to os.Stdin")
	}
	if term.out != os.Stdout {
		t.Error("expected output to default to os.Stdout")
	}
}

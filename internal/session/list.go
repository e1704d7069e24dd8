package session

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	apperrors "github.com/ngoclaw/ngoclaw/gateway/pkg/errors"
)

// SessionInfo is the lightweight projection used for session pickers:
// header fields plus a label and the first user message, without loading
// the full entry tree.
type SessionInfo struct {
	ID           string
	Path         string
	Cwd          string
	ModifiedAt   time.Time
	Label        string
	FirstMessage string
}

// List enumerates every *.jsonl file directly under dir and builds a
// SessionInfo for each, sorted by modification time descending.
func List(dir string) ([]SessionInfo, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, apperrors.NewInternalErrorWithCause("list sessions dir", err)
	}

	var infos []SessionInfo
	for _, de := range entries {
		if de.IsDir() || !strings.HasSuffix(de.Name(), ".jsonl") {
			continue
		}
		path := filepath.Join(dir, de.Name())
		info, err := projectSessionInfo(path)
		if err != nil {
			continue // corrupt/unreadable session files are skipped, not fatal to listing
		}
		infos = append(infos, info)
	}

	sort.Slice(infos, func(i, j int) bool { return infos[i].ModifiedAt.After(infos[j].ModifiedAt) })
	return infos, nil
}

// ListAll unions the per-cwd directories under sessionsRoot.
func ListAll(sessionsRoot string) ([]SessionInfo, error) {
	dirs, err := os.ReadDir(sessionsRoot)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, apperrors.NewInternalErrorWithCause("list sessions root", err)
	}

	var all []SessionInfo
	for _, d := range dirs {
		if !d.IsDir() {
			continue
		}
		sub, err := List(filepath.Join(sessionsRoot, d.Name()))
		if err != nil {
			continue
		}
		all = append(all, sub...)
	}
	sort.Slice(all, func(i, j int) bool { return all[i].ModifiedAt.After(all[j].ModifiedAt) })
	return all, nil
}

func projectSessionInfo(path string) (SessionInfo, error) {
	fi, err := os.Stat(path)
	if err != nil {
		return SessionInfo{}, err
	}

	f, err := os.Open(path)
	if err != nil {
		return SessionInfo{}, err
	}
	defer f.Close()

	raw, err := os.ReadFile(path)
	if err != nil {
		return SessionInfo{}, err
	}
	lines := splitLines(raw)
	if len(lines) == 0 {
		return SessionInfo{}, apperrors.NewCorruptJournalError("empty session file", nil)
	}

	var hdr Header
	if err := json.Unmarshal(lines[0], &hdr); err != nil {
		return SessionInfo{}, err
	}

	info := SessionInfo{
		ID:         hdr.ID,
		Path:       path,
		Cwd:        hdr.Cwd,
		ModifiedAt: fi.ModTime(),
	}

	for _, line := range lines[1:] {
		var e SessionEntry
		if err := json.Unmarshal(line, &e); err != nil {
			continue
		}
		switch e.Type {
		case EntryTypeLabel:
			if e.Label != nil {
				info.Label = *e.Label
			}
		case EntryTypeMessage:
			if info.FirstMessage == "" && e.Message != nil && e.Message.Role == RoleUser {
				info.FirstMessage = e.Message.Text()
			}
		}
	}

	return info, nil
}

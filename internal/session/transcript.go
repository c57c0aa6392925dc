package session

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rcliao/agent-chat/internal/model"
)

// Transcript appends every completed turn to <dir>/<session id>.jsonl, one
// JSON object per line. Saving or clearing a session never rewrites it.
type Transcript struct {
	mu  sync.Mutex
	dir string
}

// NewTranscript returns a transcript writer rooted at dir.
func NewTranscript(dir string) *Transcript {
	return &Transcript{dir: dir}
}

// Path returns the transcript file of a session.
func (t *Transcript) Path(sessionID string) string {
	return filepath.Join(t.dir, sessionID+".jsonl")
}

// TranscriptEntry is one line of a transcript file.
type TranscriptEntry struct {
	At       time.Time               `json:"at"`
	Session  string                  `json:"session"`
	Mode     model.Mode              `json:"mode"`
	Prompt   string                  `json:"prompt"`
	Messages []model.Message         `json:"messages"`
	Failed   map[model.Engine]string `json:"failed,omitempty"`
}

// Record appends the messages a turn added, plus the engines that failed it.
func (t *Transcript) Record(s *Session, report *TurnReport) error {
	entry := TranscriptEntry{
		At:       time.Now().UTC(),
		Session:  s.label(),
		Mode:     s.Mode,
		Prompt:   report.Prompt,
		Messages: report.Recorded,
	}
	for _, res := range report.Results {
		if res.Err != nil {
			if entry.Failed == nil {
				entry.Failed = map[model.Engine]string{}
			}
			entry.Failed[res.Engine] = res.Err.Error()
		}
	}
	line, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("encode transcript entry: %w", err)
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if err := os.MkdirAll(t.dir, 0o755); err != nil {
		return fmt.Errorf("transcript dir: %w", err)
	}
	f, err := os.OpenFile(t.Path(s.ID), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open transcript: %w", err)
	}
	if _, err := f.Write(append(line, '\n')); err != nil {
		f.Close()
		return fmt.Errorf("write transcript: %w", err)
	}
	return f.Close()
}

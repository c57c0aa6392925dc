// Package memory manages the persistent memory file shared by all sessions:
// block appends, journaled replacement, and AI-driven consolidation.
package memory

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/rcliao/agent-chat/internal/fsutil"
	"github.com/rcliao/agent-chat/internal/logging"
	"github.com/rcliao/agent-chat/internal/model"
)

// Store is the memory file plus its backup journal. The journal may be nil,
// in which case replacements back up to a sibling .bak file instead.
type Store struct {
	mu      sync.Mutex
	path    string
	journal *Journal
	logger  *zap.Logger
}

// NewStore returns a store for the memory file at path.
func NewStore(path string, journal *Journal, logger *zap.Logger) *Store {
	return &Store{path: path, journal: journal, logger: logging.OrNop(logger)}
}

// Path returns the memory file path.
func (s *Store) Path() string { return s.path }

// BackupPath is where the prior text is kept when no journal is configured.
func (s *Store) BackupPath() string { return s.path + ".bak" }

// Journal returns the backup journal, which may be nil.
func (s *Store) Journal() *Journal { return s.journal }

// Read returns the memory text. A missing file reads as empty.
func (s *Store) Read() (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.read()
}

func (s *Store) read() (string, error) {
	data, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("read memory: %w", err)
	}
	return string(data), nil
}

// Blocks parses the memory file.
func (s *Store) Blocks() ([]Block, error) {
	text, err := s.Read()
	if err != nil {
		return nil, err
	}
	return Parse(text), nil
}

// Append adds a block to the end of the memory file. The write is atomic:
// either the whole block lands or the file is unchanged.
func (s *Store) Append(b Block) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, err := s.read()
	if err != nil {
		return fmt.Errorf("%w: %v", model.ErrMemoryWriteFailed, err)
	}
	if current != "" && !strings.HasSuffix(current, "\n") {
		current += "\n"
	}
	if current != "" {
		current += "\n"
	}
	if err := s.write(current + b.Render()); err != nil {
		return err
	}
	s.logger.Debug("memory block appended", zap.String("id", b.ID), zap.String("kind", b.Kind), zap.Int("bytes", len(b.Text)))
	return nil
}

// Replace backs up the current text to the journal, then writes text in its
// place. It returns the backup version. Without a journal the prior text is
// copied to BackupPath and the returned version is nil.
func (s *Store) Replace(ctx context.Context, text, reason string) (*Version, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.replace(ctx, text, reason)
}

func (s *Store) replace(ctx context.Context, text, reason string) (*Version, error) {
	current, err := s.read()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", model.ErrMemoryWriteFailed, err)
	}
	var backup *Version
	if s.journal != nil {
		backup, err = s.journal.Record(ctx, current, reason)
	} else {
		err = fsutil.WriteFile(s.BackupPath(), []byte(current), 0o644)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: backup: %v", model.ErrMemoryWriteFailed, err)
	}
	if text != "" && !strings.HasSuffix(text, "\n") {
		text += "\n"
	}
	if err := s.write(text); err != nil {
		return backup, err
	}
	s.logger.Info("memory replaced", zap.String("reason", reason), zap.Int("bytes", len(text)))
	return backup, nil
}

// Restore writes a journaled version back as the live memory text. The text
// being replaced is itself journaled first, so a restore can be undone.
func (s *Store) Restore(ctx context.Context, version int) (*Version, error) {
	if s.journal == nil {
		return nil, fmt.Errorf("restore: no journal configured")
	}
	v, err := s.journal.Get(ctx, version)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.replace(ctx, v.Content, fmt.Sprintf("restore version %d", version))
}

// Stats reports sizes of the memory file and journal.
func (s *Store) Stats(ctx context.Context) (*Stats, error) {
	st := &Stats{}
	if s.journal != nil {
		var err error
		if st, err = s.journal.Stats(ctx); err != nil {
			return nil, err
		}
	}
	st.MemoryPath = s.path
	if info, err := os.Stat(s.path); err == nil {
		st.MemoryBytes = info.Size()
	}
	blocks, err := s.Blocks()
	if err != nil {
		return nil, err
	}
	st.Blocks = len(blocks)
	return st, nil
}

func (s *Store) write(text string) error {
	if err := fsutil.WriteFile(s.path, []byte(text), 0o644); err != nil {
		s.logger.Error("memory write failed", zap.String("path", s.path), zap.Error(err))
		return fmt.Errorf("%w: %v", model.ErrMemoryWriteFailed, err)
	}
	return nil
}

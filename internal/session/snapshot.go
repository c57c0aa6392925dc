package session

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/rcliao/agent-chat/internal/config"
	"github.com/rcliao/agent-chat/internal/contextstore"
	"github.com/rcliao/agent-chat/internal/fsutil"
	"github.com/rcliao/agent-chat/internal/history"
	"github.com/rcliao/agent-chat/internal/logging"
	"github.com/rcliao/agent-chat/internal/model"
)

// FormatVersion is the session file format written by Save.
const FormatVersion = 1

// snapshot is the session file layout. Pointer fields are optional so older
// files fall back to current defaults.
type snapshot struct {
	FormatVersion  int                              `json:"format_version"`
	ID             string                           `json:"id"`
	Name           string                           `json:"name,omitempty"`
	Mode           model.Mode                       `json:"mode,omitempty"`
	Persona        string                           `json:"persona,omitempty"`
	Models         map[model.Engine]string          `json:"models,omitempty"`
	Stream         *bool                            `json:"stream,omitempty"`
	MaxTokens      *int                             `json:"max_tokens,omitempty"`
	Debug          bool                             `json:"debug,omitempty"`
	MemoryEnabled  *bool                            `json:"memory_enabled,omitempty"`
	SystemOverride string                           `json:"system_override,omitempty"`
	CreatedAt      time.Time                        `json:"created_at"`
	UpdatedAt      time.Time                        `json:"updated_at"`
	Logs           map[model.Engine][]model.Message `json:"logs"`
	Attachments    []model.Attachment               `json:"attachments"`
	Pending        map[model.Engine][]string        `json:"pending,omitempty"`
	Usage          map[model.Engine]model.Usage     `json:"usage,omitempty"`
}

// Save writes s to path atomically.
func Save(s *Session, path string) error {
	snap := snapshot{
		FormatVersion:  FormatVersion,
		ID:             s.ID,
		Name:           s.Name,
		Mode:           s.Mode,
		Persona:        s.PersonaName(),
		Models:         s.Models,
		Stream:         &s.Stream,
		MaxTokens:      &s.MaxTokens,
		Debug:          s.Debug,
		MemoryEnabled:  &s.MemoryEnabled,
		SystemOverride: s.SystemOverride,
		CreatedAt:      s.CreatedAt,
		UpdatedAt:      s.UpdatedAt,
		Logs:           map[model.Engine][]model.Message{},
		Attachments:    s.Context.List(),
		Pending:        s.Pending,
		Usage:          s.Usage,
	}
	for e, l := range s.Logs {
		snap.Logs[e] = l.Raw()
	}
	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return fmt.Errorf("encode session: %w", err)
	}
	if err := fsutil.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("save session: %w", err)
	}
	return nil
}

// PersonaResolver finds a persona by its saved reference.
type PersonaResolver func(ref string) (*model.Persona, error)

// Load reads a session file. Any structural problem is reported as
// model.ErrSessionFileCorrupt; the caller's current session is untouched
// because a new Session is only returned on success. Fields missing from the
// file take their values from settings.
func Load(path string, settings config.Settings, personas PersonaResolver, logger *zap.Logger) (*Session, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("load session: %w", err)
	}
	var snap snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, corrupt(path, "%v", err)
	}
	if err := snap.validate(); err != nil {
		return nil, corrupt(path, "%v", err)
	}

	s := New(settings, nil, logger)
	if snap.ID != "" {
		s.ID = snap.ID
	}
	s.Name = snap.Name
	if snap.Mode != "" {
		s.Mode = snap.Mode
	}
	for e, m := range snap.Models {
		if m != "" {
			s.Models[e] = m
		}
	}
	if snap.Stream != nil {
		s.Stream = *snap.Stream
	}
	if snap.MaxTokens != nil {
		s.MaxTokens = *snap.MaxTokens
	}
	if snap.MemoryEnabled != nil {
		s.MemoryEnabled = *snap.MemoryEnabled
	}
	s.Debug = snap.Debug
	s.SystemOverride = snap.SystemOverride
	if !snap.CreatedAt.IsZero() {
		s.CreatedAt = snap.CreatedAt
	}
	if !snap.UpdatedAt.IsZero() {
		s.UpdatedAt = snap.UpdatedAt
	}

	if snap.Persona != "" {
		s.Persona = &model.Persona{Name: snap.Persona, File: snap.Persona}
		if personas != nil {
			p, err := personas(snap.Persona)
			if err != nil {
				logging.OrNop(logger).Warn("saved persona not found; keeping reference only",
					zap.String("persona", snap.Persona), zap.Error(err))
			} else {
				s.Persona = p
			}
		}
	}

	s.Logs = map[model.Engine]*history.Log{}
	for e, msgs := range snap.Logs {
		l := history.New(e)
		if err := l.Restore(msgs); err != nil {
			return nil, corrupt(path, "log %s: %v", e, err)
		}
		s.Logs[e] = l
	}
	s.ensureLogs()

	s.Context = contextstore.New(logger)
	s.Context.Restore(snap.Attachments)
	s.Pending = map[model.Engine][]string{}
	for e, p := range snap.Pending {
		s.Pending[e] = p
	}
	for e, u := range snap.Usage {
		s.Usage[e] = u
	}
	return s, nil
}

func (snap *snapshot) validate() error {
	if snap.FormatVersion > FormatVersion {
		return fmt.Errorf("format version %d is newer than supported %d", snap.FormatVersion, FormatVersion)
	}
	if snap.Mode != "" && !model.ValidModes[snap.Mode] {
		return fmt.Errorf("invalid mode %q", snap.Mode)
	}
	mode := snap.Mode
	for e, msgs := range snap.Logs {
		if _, err := model.ParseEngine(string(e)); err != nil {
			return err
		}
		if mode != "" && !mode.IsDual() && len(msgs) > 0 && mode.Engines()[0] != e {
			return fmt.Errorf("log for %s in %s session", e, mode)
		}
		if err := history.Validate(msgs); err != nil {
			return fmt.Errorf("log %s: %w", e, err)
		}
	}
	for e := range snap.Models {
		if _, err := model.ParseEngine(string(e)); err != nil {
			return err
		}
	}
	seen := map[string]bool{}
	for i, a := range snap.Attachments {
		if strings.TrimSpace(a.Path) == "" {
			return fmt.Errorf("attachment %d has no path", i)
		}
		if seen[a.Path] {
			return fmt.Errorf("attachment %s listed twice", a.Path)
		}
		seen[a.Path] = true
	}
	return nil
}

func corrupt(path, format string, args ...any) error {
	return fmt.Errorf("%w: %s: %s", model.ErrSessionFileCorrupt, filepath.Base(path), fmt.Sprintf(format, args...))
}

// Info summarizes a saved session file.
type Info struct {
	Name        string     `json:"name"`
	Path        string     `json:"path"`
	Mode        model.Mode `json:"mode"`
	Persona     string     `json:"persona,omitempty"`
	Turns       int        `json:"turns"`
	Attachments int        `json:"attachments"`
	SizeBytes   int64      `json:"size_bytes"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

// List summarizes the session files in dir, most recently updated first.
// Unreadable files are skipped.
func List(dir string) ([]Info, error) {
	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var out []Info
	for _, ent := range entries {
		if ent.IsDir() || filepath.Ext(ent.Name()) != ".json" {
			continue
		}
		path := filepath.Join(dir, ent.Name())
		data, err := os.ReadFile(path)
		if err != nil {
			continue
		}
		var snap snapshot
		if json.Unmarshal(data, &snap) != nil {
			continue
		}
		info := Info{
			Name:        strings.TrimSuffix(ent.Name(), ".json"),
			Path:        path,
			Mode:        snap.Mode,
			Persona:     snap.Persona,
			Attachments: len(snap.Attachments),
			SizeBytes:   int64(len(data)),
			UpdatedAt:   snap.UpdatedAt,
		}
		for _, msgs := range snap.Logs {
			for _, m := range msgs {
				if m.Role == model.RoleUser {
					info.Turns++
				}
			}
		}
		out = append(out, info)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.After(out[j].UpdatedAt) })
	return out, nil
}

package cli

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/rcliao/agent-chat/internal/backend"
	"github.com/rcliao/agent-chat/internal/config"
	"github.com/rcliao/agent-chat/internal/contextstore"
	"github.com/rcliao/agent-chat/internal/dispatch"
	"github.com/rcliao/agent-chat/internal/logging"
	"github.com/rcliao/agent-chat/internal/memory"
	"github.com/rcliao/agent-chat/internal/model"
	"github.com/rcliao/agent-chat/internal/session"
)

// app holds what every command needs: the data layout, settings, memory,
// and the dispatcher.
type app struct {
	paths      config.Paths
	settings   config.Settings
	journal    *memory.Journal
	memory     *memory.Consolidator
	dispatcher *dispatch.Dispatcher
	logger     *zap.Logger
}

func openApp(ctx context.Context) (*app, error) {
	paths := getPaths()
	if err := paths.Ensure(); err != nil {
		return nil, err
	}
	settings, err := config.LoadSettings(paths.Settings())
	if err != nil {
		return nil, err
	}
	registry, err := backend.NewFromEnv(ctx, settings.APITimeout(), logger)
	if err != nil {
		return nil, fmt.Errorf("backends: %w", err)
	}

	journal, err := memory.OpenJournal(paths.JournalDB())
	if err != nil {
		logger.Warn("memory journal unavailable; rewrites back up to a .bak file", zap.Error(err))
		journal = nil
	}
	return newApp(paths, settings, registry, journal, logger), nil
}

func newApp(paths config.Paths, settings config.Settings, registry *backend.Registry, journal *memory.Journal, logger *zap.Logger) *app {
	logger = logging.OrNop(logger)
	d := dispatch.New(registry, logger)
	if settings.RetryAttempts > 0 {
		d.MaxAttempts = settings.RetryAttempts
	}
	store := memory.NewStore(paths.MemoryFile(), journal, logger)
	return &app{
		paths:      paths,
		settings:   settings,
		journal:    journal,
		memory:     memory.NewConsolidator(store, logger),
		dispatcher: d,
		logger:     logger,
	}
}

func (a *app) Close() error {
	if a.journal != nil {
		return a.journal.Close()
	}
	return nil
}

func (a *app) loadPersona(name string) (*model.Persona, error) {
	return config.LoadPersona(a.paths.Personas(), name)
}

// newEngine starts a fresh session. An empty persona falls back to the
// configured default persona; an empty mode keeps the settings' mode.
func (a *app) newEngine(personaName, mode string, onWarn func(contextstore.TokenWarning)) (*session.Engine, error) {
	if personaName == "" {
		personaName = a.settings.DefaultPersona
	}
	var persona *model.Persona
	if personaName != "" {
		p, err := a.loadPersona(personaName)
		if err != nil {
			return nil, err
		}
		persona = p
	}
	s := session.New(a.settings, persona, a.logger)
	if mode != "" {
		m, err := parseMode(mode)
		if err != nil {
			return nil, err
		}
		if err := s.SetMode(m); err != nil {
			return nil, err
		}
	}
	eng := a.engineFor(s)
	a.attachPersonaFiles(eng, persona, onWarn)
	return eng, nil
}

// attachPersonaFiles attaches the files a persona lists. Failures are logged
// and skipped.
func (a *app) attachPersonaFiles(eng *session.Engine, p *model.Persona, onWarn func(contextstore.TokenWarning)) {
	if p == nil {
		return
	}
	for _, path := range p.Attachments {
		if _, err := eng.Attach(path, nil, onWarn); err != nil {
			a.logger.Warn("persona attachment skipped", zap.String("persona", p.Name), zap.String("path", path), zap.Error(err))
		}
	}
}

// startEngine loads the named session, or starts a fresh one.
func (a *app) startEngine(sessionName, personaName, mode string, onWarn func(contextstore.TokenWarning)) (*session.Engine, error) {
	if len(a.dispatcher.Registry().Engines()) == 0 {
		a.logger.Warn("no API keys found; set OPENAI_API_KEY or GEMINI_API_KEY")
	}
	if sessionName == "" {
		return a.newEngine(personaName, mode, onWarn)
	}
	s, err := a.loadSession(sessionName)
	if err != nil {
		return nil, err
	}
	if s.Name == "" {
		s.Name = sessionName
	}
	return a.engineFor(s), nil
}

// engineFor wraps s with the shared dispatcher, memory, and transcript.
func (a *app) engineFor(s *session.Session) *session.Engine {
	eng := session.NewEngine(s, a.dispatcher, a.memory, a.logger)
	eng.SetTranscript(session.NewTranscript(a.paths.Transcripts()))
	return eng
}

func (a *app) loadSession(name string) (*session.Session, error) {
	return session.Load(a.paths.SessionFile(name), a.settings, a.loadPersona, a.logger)
}

// parseMode accepts a mode name or an engine alias.
func parseMode(v string) (model.Mode, error) {
	v = strings.ToLower(strings.TrimSpace(v))
	if v == string(model.ModeDual) {
		return model.ModeDual, nil
	}
	e, err := model.ParseEngine(strings.TrimPrefix(v, "single:"))
	if err != nil {
		return "", err
	}
	return model.SingleMode(e), nil
}

// Package session ties the context store, history logs, memory, and
// dispatcher into one conversation, and saves and loads it.
package session

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
	"go.uber.org/zap"

	"github.com/rcliao/agent-chat/internal/budget"
	"github.com/rcliao/agent-chat/internal/config"
	"github.com/rcliao/agent-chat/internal/contextstore"
	"github.com/rcliao/agent-chat/internal/history"
	"github.com/rcliao/agent-chat/internal/model"
)

// ContinuationPrompt is sent when a targeted turn has no prompt of its own.
const ContinuationPrompt = "Please continue the conversation based on the history so far. " +
	"Offer a new insight, ask a follow-up question, or push back on the last point made."

// Session is the state of one conversation.
type Session struct {
	ID             string
	Name           string
	Mode           model.Mode
	Persona        *model.Persona
	Models         map[model.Engine]string
	Stream         bool
	MaxTokens      int
	Debug          bool
	MemoryEnabled  bool
	SystemOverride string
	CreatedAt      time.Time
	UpdatedAt      time.Time

	Logs    map[model.Engine]*history.Log
	Context *contextstore.Store
	// Pending holds the other engine's replies not yet shown to an engine in
	// dual mode. They are prefixed to that engine's next director turn.
	Pending  map[model.Engine][]string
	Usage    map[model.Engine]model.Usage
	Settings config.Settings
}

// New returns a fresh session from a settings snapshot and optional persona.
func New(settings config.Settings, persona *model.Persona, logger *zap.Logger) *Session {
	now := time.Now().UTC()
	s := &Session{
		ID:            ulid.Make().String(),
		Mode:          settings.Mode(),
		Models:        map[model.Engine]string{},
		Stream:        settings.Stream,
		MaxTokens:     settings.MaxTokens,
		MemoryEnabled: settings.MemoryEnabled,
		CreatedAt:     now,
		UpdatedAt:     now,
		Logs:          map[model.Engine]*history.Log{},
		Context:       contextstore.New(logger),
		Pending:       map[model.Engine][]string{},
		Usage:         map[model.Engine]model.Usage{},
		Settings:      settings,
	}
	for _, e := range model.Engines {
		s.Models[e] = settings.Model(e)
	}
	s.applyPersona(persona)
	s.ensureLogs()
	return s
}

// Engines returns the engines active in the session's mode.
func (s *Session) Engines() []model.Engine { return s.Mode.Engines() }

// Active reports whether e is active in the session's mode.
func (s *Session) Active(e model.Engine) bool {
	for _, a := range s.Engines() {
		if a == e {
			return true
		}
	}
	return false
}

// Log returns the history log of e, or nil if e is inactive.
func (s *Session) Log(e model.Engine) *history.Log { return s.Logs[e] }

// PrimaryEngine returns the engine of a single-mode session, or the
// configured default engine in dual mode.
func (s *Session) PrimaryEngine() model.Engine {
	if s.Mode.IsDual() {
		return s.Settings.DefaultEngine
	}
	return s.Engines()[0]
}

// PersonaName returns the persona reference, or "".
func (s *Session) PersonaName() string {
	if s.Persona == nil {
		return ""
	}
	if s.Persona.File != "" {
		return s.Persona.File
	}
	return s.Persona.Name
}

func (s *Session) applyPersona(p *model.Persona) {
	s.Persona = p
	if p == nil {
		return
	}
	if p.Engine != "" && !s.Mode.IsDual() {
		s.Mode = model.SingleMode(p.Engine)
	}
	if p.Model != "" {
		e := p.Engine
		if e == "" {
			e = s.PrimaryEngine()
		}
		s.Models[e] = p.Model
	}
	if p.MaxTokens > 0 {
		s.MaxTokens = p.MaxTokens
	}
	if p.Stream != nil {
		s.Stream = *p.Stream
	}
}

// ensureLogs makes the logs match the mode: one log per active engine, with
// identity prompts as system messages in dual mode.
func (s *Session) ensureLogs() {
	for _, e := range s.Engines() {
		if s.Logs[e] == nil {
			s.Logs[e] = history.New(e)
		}
	}
	for e := range s.Logs {
		if !s.Active(e) {
			delete(s.Logs, e)
			delete(s.Pending, e)
		}
	}
	for _, e := range s.Engines() {
		if s.Mode.IsDual() {
			s.Logs[e].SetSystem(dualIdentity(e))
		} else if s.Logs[e].System() == dualIdentity(e) {
			s.Logs[e].SetSystem("")
		}
	}
}

// SetMode switches modes. Switching between single engines moves the
// conversation to the new engine. Leaving dual mode keeps the chosen
// engine's log.
func (s *Session) SetMode(m model.Mode) error {
	if !model.ValidModes[m] {
		return fmt.Errorf("invalid mode %q", m)
	}
	if m == s.Mode {
		return nil
	}
	if !s.Mode.IsDual() && !m.IsDual() {
		from, to := s.Engines()[0], m.Engines()[0]
		moved := history.New(to)
		if err := moved.Restore(s.Logs[from].Raw()); err != nil {
			return err
		}
		s.Logs[to] = moved
	}
	s.Mode = m
	s.ensureLogs()
	s.touch()
	return nil
}

// SetPersona switches persona. A persona bound to another engine moves a
// single-mode conversation to that engine first.
func (s *Session) SetPersona(p *model.Persona) error {
	if p != nil && p.Engine != "" && !s.Mode.IsDual() && s.Engines()[0] != p.Engine {
		if err := s.SetMode(model.SingleMode(p.Engine)); err != nil {
			return err
		}
	}
	s.applyPersona(p)
	s.ensureLogs()
	s.touch()
	return nil
}

func (s *Session) touch() { s.UpdatedAt = time.Now().UTC() }

// BudgetInput gathers everything that goes into e's prompt.
func (s *Session) BudgetInput(e model.Engine, memoryText string) budget.Input {
	in := budget.Input{
		SystemOverride: s.SystemOverride,
		Memory:         memoryText,
		MemoryEnabled:  s.MemoryEnabled,
		Attachments:    s.Context.List(),
	}
	if s.Persona != nil {
		in.PersonaPrompt = s.Persona.SystemPrompt
	}
	if l := s.Logs[e]; l != nil {
		in.History = l.Raw()
	}
	return in
}

func dualIdentity(e model.Engine) string {
	return fmt.Sprintf("You are the %s model, not %s. The user is the Director.\n"+
		"Do not start your reply with a label such as [%s]: or [%s]:; the client adds your label.\n"+
		"Respond to points made by %s, but speak only for yourself.",
		e.Title(), e.Other().Title(), e.Title(), e.Other().Title(), e.Other().Title())
}

// stripLabel removes a leading "[Engine]:" self-label from a reply.
func stripLabel(e model.Engine, text string) string {
	re := regexp.MustCompile(`(?i)^\s*\[` + regexp.QuoteMeta(e.Title()) + `\]\s*:?\s*`)
	return re.ReplaceAllString(strings.TrimLeft(text, " \t\r\n"), "")
}

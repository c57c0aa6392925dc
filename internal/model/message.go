// Package model defines the core session data types.
package model

import (
	"fmt"
	"strings"
	"time"
)

// Role is the author of a message.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// ValidRoles are the allowed message roles.
var ValidRoles = map[Role]bool{
	RoleSystem:    true,
	RoleUser:      true,
	RoleAssistant: true,
}

// Engine names one LLM backend provider.
type Engine string

const (
	EngineOpenAI Engine = "openai"
	EngineGemini Engine = "gemini"
)

// Engines is the closed set of supported engines, in display order.
var Engines = []Engine{EngineOpenAI, EngineGemini}

// Title returns the display form of the engine name.
func (e Engine) Title() string {
	switch e {
	case EngineOpenAI:
		return "OpenAI"
	case EngineGemini:
		return "Gemini"
	}
	return string(e)
}

// Other returns the counterpart engine in dual mode.
func (e Engine) Other() Engine {
	if e == EngineOpenAI {
		return EngineGemini
	}
	return EngineOpenAI
}

var engineAliases = map[string]Engine{
	"openai": EngineOpenAI,
	"gpt":    EngineOpenAI,
	"gemini": EngineGemini,
	"gem":    EngineGemini,
}

// ParseEngine resolves an engine name or alias (gpt, gem).
func ParseEngine(s string) (Engine, error) {
	if e, ok := engineAliases[strings.ToLower(strings.TrimSpace(s))]; ok {
		return e, nil
	}
	return "", fmt.Errorf("%w: %q (valid: openai, gpt, gemini, gem)", ErrUnknownEngine, s)
}

// Mode selects which engines a session talks to.
type Mode string

const (
	ModeSingleOpenAI Mode = "single:openai"
	ModeSingleGemini Mode = "single:gemini"
	ModeDual         Mode = "dual"
)

// ValidModes are the allowed session modes.
var ValidModes = map[Mode]bool{
	ModeSingleOpenAI: true,
	ModeSingleGemini: true,
	ModeDual:         true,
}

// SingleMode returns the single-engine mode for e.
func SingleMode(e Engine) Mode {
	return Mode("single:" + string(e))
}

// Engines returns the engines active in the mode.
func (m Mode) Engines() []Engine {
	switch m {
	case ModeSingleOpenAI:
		return []Engine{EngineOpenAI}
	case ModeSingleGemini:
		return []Engine{EngineGemini}
	case ModeDual:
		return []Engine{EngineOpenAI, EngineGemini}
	}
	return nil
}

// IsDual reports whether the mode dispatches to both engines.
func (m Mode) IsDual() bool { return m == ModeDual }

// Message is one entry of a history log. Turn links the messages one
// director turn added across logs.
type Message struct {
	ID        string    `json:"id"`
	Role      Role      `json:"role"`
	Content   string    `json:"content"`
	Engine    Engine    `json:"engine,omitempty"`
	Turn      string    `json:"turn,omitempty"`
	Seq       int       `json:"seq"`
	CreatedAt time.Time `json:"created_at"`
}

// Usage holds token counts reported by a backend.
type Usage struct {
	Prompt     int `json:"prompt"`
	Completion int `json:"completion"`
	Total      int `json:"total"`
}

// Add returns the sum of two usages.
func (u Usage) Add(o Usage) Usage {
	return Usage{
		Prompt:     u.Prompt + o.Prompt,
		Completion: u.Completion + o.Completion,
		Total:      u.Total + o.Total,
	}
}

// Package config loads the settings snapshot, personas, and on-disk layout.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/rcliao/agent-chat/internal/fsutil"
	"github.com/rcliao/agent-chat/internal/model"
)

// Paths is the on-disk layout under the installation home.
type Paths struct {
	Home string
}

// HomeFromEnv returns $AGENT_CHAT_HOME or ~/.agent-chat.
func HomeFromEnv() string {
	if env := os.Getenv("AGENT_CHAT_HOME"); env != "" {
		return env
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".agent-chat")
}

func (p Paths) Settings() string { return filepath.Join(p.Home, "settings.yaml") }
func (p Paths) Personas() string { return filepath.Join(p.Home, "personas") }
func (p Paths) Sessions() string { return filepath.Join(p.Home, "sessions") }
func (p Paths) MemoryFile() string { return filepath.Join(p.Home, "memory.txt") }
func (p Paths) JournalDB() string { return filepath.Join(p.Home, "memory-journal.db") }
func (p Paths) Transcripts() string { return filepath.Join(p.Home, "transcripts") }
func (p Paths) SessionFile(name string) string {
	return filepath.Join(p.Sessions(), SanitizeName(name)+".json")
}

// Ensure creates the directories of the layout.
func (p Paths) Ensure() error {
	for _, dir := range []string{p.Home, p.Personas(), p.Sessions(), p.Transcripts()} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create %s: %w", dir, err)
		}
	}
	return nil
}

// SanitizeName turns free text into a file-name-safe stem.
func SanitizeName(name string) string {
	name = strings.TrimSuffix(strings.TrimSpace(name), ".json")
	var b strings.Builder
	for _, r := range strings.ToLower(name) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '-', r == '_':
			b.WriteRune(r)
		case r == ' ' || r == '.' || r == '/':
			b.WriteRune('_')
		}
	}
	out := strings.Trim(b.String(), "_")
	if out == "" {
		return "session"
	}
	return out
}

// Settings is an immutable snapshot of user settings. Use With to derive a
// modified copy.
type Settings struct {
	DefaultEngine     model.Engine `yaml:"default_engine"`
	DefaultMode       model.Mode   `yaml:"default_mode,omitempty"`
	OpenAIModel       string       `yaml:"default_openai_chat_model"`
	GeminiModel       string       `yaml:"default_gemini_chat_model"`
	HelperOpenAIModel string       `yaml:"helper_model_openai"`
	HelperGeminiModel string       `yaml:"helper_model_gemini"`
	Stream            bool         `yaml:"stream"`
	MemoryEnabled     bool         `yaml:"memory_enabled"`
	MaxTokens         int          `yaml:"max_tokens"`
	ContextCapTokens  int          `yaml:"context_cap_tokens"`
	WarnTokens        int          `yaml:"warn_tokens"`
	APITimeoutSeconds int          `yaml:"api_timeout"`
	RetryAttempts     int          `yaml:"retry_attempts"`
	DefaultPersona    string       `yaml:"default_persona,omitempty"`

	// Display options are owned by the terminal front end; they are read and
	// written back untouched.
	ToolbarEnabled bool   `yaml:"toolbar_enabled"`
	ActiveTheme    string `yaml:"active_theme,omitempty"`
}

// Defaults returns the built-in settings.
func Defaults() Settings {
	return Settings{
		DefaultEngine:     model.EngineGemini,
		OpenAIModel:       "gpt-4o-mini",
		GeminiModel:       "gemini-2.5-flash",
		HelperOpenAIModel: "gpt-4o-mini",
		HelperGeminiModel: "gemini-2.5-flash",
		Stream:            true,
		MemoryEnabled:     true,
		MaxTokens:         8192,
		ContextCapTokens:  120000,
		WarnTokens:        60000,
		APITimeoutSeconds: 120,
		RetryAttempts:     3,
		ToolbarEnabled:    true,
		ActiveTheme:       "default",
	}
}

// Model returns the default chat model for an engine.
func (s Settings) Model(e model.Engine) string {
	if e == model.EngineOpenAI {
		return s.OpenAIModel
	}
	return s.GeminiModel
}

// HelperModel returns the model used for internal helper requests.
func (s Settings) HelperModel(e model.Engine) string {
	if e == model.EngineOpenAI {
		return s.HelperOpenAIModel
	}
	return s.HelperGeminiModel
}

// Mode returns the configured default mode, derived from the default engine
// when unset.
func (s Settings) Mode() model.Mode {
	if model.ValidModes[s.DefaultMode] {
		return s.DefaultMode
	}
	return model.SingleMode(s.DefaultEngine)
}

// APITimeout returns the backend request timeout.
func (s Settings) APITimeout() time.Duration {
	return time.Duration(s.APITimeoutSeconds) * time.Second
}

// LoadSettings reads a settings file over the defaults. A missing file yields
// the defaults.
func LoadSettings(path string) (Settings, error) {
	s := Defaults()
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return s, nil
	}
	if err != nil {
		return s, fmt.Errorf("read settings: %w", err)
	}
	if err := yaml.Unmarshal(data, &s); err != nil {
		return Defaults(), fmt.Errorf("parse settings %s: %w", path, err)
	}
	if err := s.validate(); err != nil {
		return Defaults(), fmt.Errorf("settings %s: %w", path, err)
	}
	return s, nil
}

// SaveSettings writes the snapshot to path.
func SaveSettings(path string, s Settings) error {
	data, err := yaml.Marshal(s)
	if err != nil {
		return err
	}
	if err := fsutil.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write settings: %w", err)
	}
	return nil
}

func (s Settings) validate() error {
	if _, err := model.ParseEngine(string(s.DefaultEngine)); err != nil {
		return err
	}
	if s.DefaultMode != "" && !model.ValidModes[s.DefaultMode] {
		return fmt.Errorf("invalid default_mode %q", s.DefaultMode)
	}
	if s.ContextCapTokens < 0 || s.WarnTokens < 0 || s.MaxTokens < 0 {
		return fmt.Errorf("token limits must not be negative")
	}
	return nil
}

// With returns a copy of s with one key changed. Keys are the YAML field names.
func (s Settings) With(key, value string) (Settings, error) {
	out := s
	value = strings.TrimSpace(value)
	var err error
	switch key {
	case "default_engine":
		out.DefaultEngine, err = model.ParseEngine(value)
	case "default_mode":
		if !model.ValidModes[model.Mode(value)] {
			err = fmt.Errorf("invalid mode %q", value)
		}
		out.DefaultMode = model.Mode(value)
	case "default_openai_chat_model":
		out.OpenAIModel = value
	case "default_gemini_chat_model":
		out.GeminiModel = value
	case "helper_model_openai":
		out.HelperOpenAIModel = value
	case "helper_model_gemini":
		out.HelperGeminiModel = value
	case "stream":
		out.Stream, err = strconv.ParseBool(value)
	case "memory_enabled":
		out.MemoryEnabled, err = strconv.ParseBool(value)
	case "toolbar_enabled":
		out.ToolbarEnabled, err = parseOnOff(value)
	case "max_tokens":
		out.MaxTokens, err = parseNonNegative(value)
	case "context_cap_tokens":
		out.ContextCapTokens, err = parseNonNegative(value)
	case "warn_tokens":
		out.WarnTokens, err = parseNonNegative(value)
	case "api_timeout":
		out.APITimeoutSeconds, err = parseNonNegative(value)
	case "retry_attempts":
		out.RetryAttempts, err = parseNonNegative(value)
	case "default_persona":
		out.DefaultPersona = value
	case "active_theme":
		out.ActiveTheme = value
	default:
		return s, fmt.Errorf("unknown setting %q", key)
	}
	if err != nil {
		return s, fmt.Errorf("setting %s: %w", key, err)
	}
	return out, nil
}

func parseNonNegative(v string) (int, error) {
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, err
	}
	if n < 0 {
		return 0, fmt.Errorf("must not be negative")
	}
	return n, nil
}

func parseOnOff(v string) (bool, error) {
	switch strings.ToLower(v) {
	case "on":
		return true, nil
	case "off":
		return false, nil
	}
	return strconv.ParseBool(v)
}

package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/tidwall/jsonc"
	"gopkg.in/yaml.v3"

	"github.com/rcliao/agent-chat/internal/model"
)

var personaExts = []string{".json", ".yaml", ".yml"}

// LoadPersona reads a persona by name from dir. The name may omit its
// extension. JSON personas may carry comments and trailing commas.
func LoadPersona(dir, name string) (*model.Persona, error) {
	path, err := findPersona(dir, name)
	if err != nil {
		return nil, err
	}
	return ReadPersona(path)
}

// ReadPersona parses a persona file. Attachment paths are resolved relative
// to the persona file's directory.
func ReadPersona(path string) (*model.Persona, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read persona: %w", err)
	}

	var p model.Persona
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, &p)
	default:
		err = json.Unmarshal(jsonc.ToJSON(data), &p)
	}
	if err != nil {
		return nil, fmt.Errorf("parse persona %s: %w", path, err)
	}
	if p.Name == "" || p.SystemPrompt == "" {
		return nil, fmt.Errorf("persona %s: name and system_prompt are required", path)
	}
	if p.Engine != "" {
		e, err := model.ParseEngine(string(p.Engine))
		if err != nil {
			return nil, fmt.Errorf("persona %s: %w", path, err)
		}
		p.Engine = e
	}

	base := filepath.Dir(path)
	for i, a := range p.Attachments {
		p.Attachments[i] = resolveRelative(base, a)
	}
	p.File = filepath.Base(path)
	return &p, nil
}

// ListPersonas returns every valid persona in dir, sorted by name. Invalid
// files are skipped.
func ListPersonas(dir string) ([]model.Persona, error) {
	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var out []model.Persona
	for _, e := range entries {
		if e.IsDir() || !isPersonaFile(e.Name()) {
			continue
		}
		p, err := ReadPersona(filepath.Join(dir, e.Name()))
		if err != nil {
			continue
		}
		out = append(out, *p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func findPersona(dir, name string) (string, error) {
	if isPersonaFile(name) {
		path := filepath.Join(dir, name)
		if _, err := os.Stat(path); err != nil {
			return "", fmt.Errorf("persona not found: %s", name)
		}
		return path, nil
	}
	for _, ext := range personaExts {
		path := filepath.Join(dir, name+ext)
		if _, err := os.Stat(path); err == nil {
			return path, nil
		}
	}
	return "", fmt.Errorf("persona not found: %s", name)
}

func isPersonaFile(name string) bool {
	ext := strings.ToLower(filepath.Ext(name))
	for _, e := range personaExts {
		if ext == e {
			return true
		}
	}
	return false
}

func resolveRelative(base, p string) string {
	if strings.HasPrefix(p, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			p = filepath.Join(home, p[2:])
		}
	}
	if !filepath.IsAbs(p) {
		p = filepath.Join(base, p)
	}
	return filepath.Clean(p)
}

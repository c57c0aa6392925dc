package backend

import (
	"context"
	"fmt"
	"os"
	"time"

	"go.uber.org/zap"

	"github.com/rcliao/agent-chat/internal/model"
)

// Registry selects an adapter by engine tag.
type Registry struct {
	adapters map[model.Engine]Adapter
}

// NewRegistry registers adapters; a later adapter for the same engine wins.
func NewRegistry(adapters ...Adapter) *Registry {
	r := &Registry{adapters: map[model.Engine]Adapter{}}
	for _, a := range adapters {
		if a != nil {
			r.adapters[a.Engine()] = a
		}
	}
	return r
}

// Get returns the adapter for e.
func (r *Registry) Get(e model.Engine) (Adapter, error) {
	a, ok := r.adapters[e]
	if !ok {
		return nil, fmt.Errorf("%s is not configured (set %s)", e.Title(), keyEnv(e))
	}
	return a, nil
}

// Has reports whether e has an adapter.
func (r *Registry) Has(e model.Engine) bool {
	_, ok := r.adapters[e]
	return ok
}

// Engines lists configured engines in display order.
func (r *Registry) Engines() []model.Engine {
	var out []model.Engine
	for _, e := range model.Engines {
		if r.Has(e) {
			out = append(out, e)
		}
	}
	return out
}

func keyEnv(e model.Engine) string {
	if e == model.EngineOpenAI {
		return "OPENAI_API_KEY"
	}
	return "GEMINI_API_KEY"
}

// NewFromEnv builds a registry from environment variables.
// OPENAI_API_KEY, OPENAI_BASE_URL: OpenAI-compatible adapter
// GEMINI_API_KEY (or GOOGLE_API_KEY): Gemini adapter
// Engines without a key are left out.
func NewFromEnv(ctx context.Context, timeout time.Duration, logger *zap.Logger) (*Registry, error) {
	var adapters []Adapter
	if key := os.Getenv("OPENAI_API_KEY"); key != "" {
		adapters = append(adapters, NewOpenAI(os.Getenv("OPENAI_BASE_URL"), key, timeout, logger))
	}
	key := os.Getenv("GEMINI_API_KEY")
	if key == "" {
		key = os.Getenv("GOOGLE_API_KEY")
	}
	if key != "" {
		g, err := NewGemini(ctx, key, timeout, logger)
		if err != nil {
			return nil, err
		}
		adapters = append(adapters, g)
	}
	return NewRegistry(adapters...), nil
}

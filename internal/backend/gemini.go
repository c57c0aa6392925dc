package backend

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"
	"google.golang.org/genai"

	"github.com/rcliao/agent-chat/internal/logging"
	"github.com/rcliao/agent-chat/internal/model"
)

// Gemini talks to the Gemini API through the genai SDK.
type Gemini struct {
	client *genai.Client
	logger *zap.Logger
}

// NewGemini creates a Gemini adapter. No request is made until Send.
func NewGemini(ctx context.Context, apiKey string, timeout time.Duration, logger *zap.Logger) (*Gemini, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("gemini: API key is required")
	}
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:     apiKey,
		Backend:    genai.BackendGeminiAPI,
		HTTPClient: &http.Client{Timeout: timeout},
	})
	if err != nil {
		return nil, fmt.Errorf("create gemini client: %w", err)
	}
	return &Gemini{client: client, logger: logging.OrNop(logger)}, nil
}

func (g *Gemini) Engine() model.Engine { return model.EngineGemini }

func geminiContents(msgs []model.Message) []*genai.Content {
	out := make([]*genai.Content, 0, len(msgs))
	for _, m := range conversation(msgs) {
		role := genai.RoleUser
		if m.Role == model.RoleAssistant {
			role = genai.RoleModel
		}
		out = append(out, genai.NewContentFromText(m.Content, genai.Role(role)))
	}
	return out
}

func geminiConfig(req Request) *genai.GenerateContentConfig {
	cfg := &genai.GenerateContentConfig{}
	if req.System != "" {
		cfg.SystemInstruction = genai.NewContentFromText(req.System, genai.RoleUser)
	}
	if req.MaxTokens > 0 {
		cfg.MaxOutputTokens = int32(req.MaxTokens)
	}
	return cfg
}

func geminiUsage(u *genai.GenerateContentResponseUsageMetadata) model.Usage {
	if u == nil {
		return model.Usage{}
	}
	return model.Usage{
		Prompt:     int(u.PromptTokenCount),
		Completion: int(u.CandidatesTokenCount),
		Total:      int(u.TotalTokenCount),
	}
}

func (g *Gemini) Send(ctx context.Context, req Request) (<-chan Event, error) {
	contents := geminiContents(req.Messages)
	if len(contents) == 0 {
		return nil, fmt.Errorf("gemini: request has no messages")
	}
	cfg := geminiConfig(req)

	ch := make(chan Event, 1)
	go func() {
		defer close(ch)
		if !req.Stream {
			resp, err := g.client.Models.GenerateContent(ctx, req.Model, contents, cfg)
			if err != nil {
				if ctx.Err() == nil {
					emit(ctx, ch, Event{Kind: EventError, Err: classifyGemini(err)})
				}
				return
			}
			emit(ctx, ch, Event{Kind: EventDone, Text: resp.Text(), Usage: geminiUsage(resp.UsageMetadata)})
			return
		}

		var full strings.Builder
		var usage model.Usage
		for resp, err := range g.client.Models.GenerateContentStream(ctx, req.Model, contents, cfg) {
			if err != nil {
				if ctx.Err() == nil {
					emit(ctx, ch, Event{Kind: EventError, Err: classifyGemini(err)})
				}
				return
			}
			if resp == nil {
				g.logger.Warn("malformed stream chunk", zap.String("engine", "gemini"))
				if !emit(ctx, ch, Event{Kind: EventMalformed}) {
					return
				}
				continue
			}
			if resp.UsageMetadata != nil {
				usage = geminiUsage(resp.UsageMetadata)
			}
			text := resp.Text()
			if text == "" {
				continue
			}
			full.WriteString(text)
			if !emit(ctx, ch, Event{Kind: EventDelta, Text: text}) {
				return
			}
		}
		if ctx.Err() != nil {
			return
		}
		emit(ctx, ch, Event{Kind: EventDone, Text: full.String(), Usage: usage})
	}()
	return ch, nil
}

// classifyGemini maps SDK errors onto backend error kinds.
func classifyGemini(err error) error {
	var apiErr genai.APIError
	if errors.As(err, &apiErr) {
		return FromStatus(model.EngineGemini, apiErr.Code, apiErr.Status+" "+apiErr.Message)
	}
	var apiErrPtr *genai.APIError
	if errors.As(err, &apiErrPtr) {
		return FromStatus(model.EngineGemini, apiErrPtr.Code, apiErrPtr.Status+" "+apiErrPtr.Message)
	}
	return FromTransport(model.EngineGemini, err)
}

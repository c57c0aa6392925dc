package backend

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/tidwall/gjson"
	"go.uber.org/zap"

	"github.com/rcliao/agent-chat/internal/logging"
	"github.com/rcliao/agent-chat/internal/model"
)

// DefaultOpenAIURL is the OpenAI API base URL.
const DefaultOpenAIURL = "https://api.openai.com/v1"

// OpenAI talks to any OpenAI-compatible chat completions API.
type OpenAI struct {
	baseURL string
	apiKey  string
	client  *http.Client
	logger  *zap.Logger
}

// NewOpenAI returns an adapter for baseURL (DefaultOpenAIURL when empty).
func NewOpenAI(baseURL, apiKey string, timeout time.Duration, logger *zap.Logger) *OpenAI {
	if baseURL == "" {
		baseURL = DefaultOpenAIURL
	}
	return &OpenAI{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		client:  &http.Client{Timeout: timeout},
		logger:  logging.OrNop(logger),
	}
}

func (o *OpenAI) Engine() model.Engine { return model.EngineOpenAI }

type openaiMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// MaxTokensField returns the request field that caps output for a model:
// legacy gpt-3.5-turbo and gpt-4 (not gpt-4o) models take max_tokens, newer
// ones max_completion_tokens.
func MaxTokensField(modelName string) string {
	if strings.HasPrefix(modelName, "gpt-3.5-turbo") ||
		(strings.HasPrefix(modelName, "gpt-4") && !strings.HasPrefix(modelName, "gpt-4o")) {
		return "max_tokens"
	}
	return "max_completion_tokens"
}

func (o *OpenAI) payload(req Request) ([]byte, error) {
	msgs := make([]openaiMessage, 0, len(req.Messages)+1)
	if req.System != "" {
		msgs = append(msgs, openaiMessage{Role: "system", Content: req.System})
	}
	for _, m := range conversation(req.Messages) {
		msgs = append(msgs, openaiMessage{Role: string(m.Role), Content: m.Content})
	}
	body := map[string]any{
		"model":    req.Model,
		"messages": msgs,
		"stream":   req.Stream,
	}
	if req.Stream {
		body["stream_options"] = map[string]any{"include_usage": true}
	}
	if req.MaxTokens > 0 {
		body[MaxTokensField(req.Model)] = req.MaxTokens
	}
	return json.Marshal(body)
}

func (o *OpenAI) Send(ctx context.Context, req Request) (<-chan Event, error) {
	body, err := o.payload(req)
	if err != nil {
		return nil, err
	}
	httpReq, err := http.NewRequestWithContext(ctx, "POST", o.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if o.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+o.apiKey)
	}
	if req.Stream {
		httpReq.Header.Set("Accept", "text/event-stream")
	}

	resp, err := o.client.Do(httpReq)
	if err != nil {
		return nil, FromTransport(model.EngineOpenAI, fmt.Errorf("openai request failed: %w", err))
	}
	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
		resp.Body.Close()
		return nil, FromStatus(model.EngineOpenAI, resp.StatusCode, errorMessage(b))
	}

	ch := make(chan Event, 1)
	go func() {
		defer close(ch)
		defer resp.Body.Close()
		if req.Stream {
			o.readStream(ctx, resp.Body, ch)
			return
		}
		o.readBatch(ctx, resp.Body, ch)
	}()
	return ch, nil
}

func (o *OpenAI) readBatch(ctx context.Context, r io.Reader, ch chan<- Event) {
	data, err := io.ReadAll(r)
	if err != nil {
		emit(ctx, ch, Event{Kind: EventError, Err: FromTransport(model.EngineOpenAI, err)})
		return
	}
	if !gjson.ValidBytes(data) {
		emit(ctx, ch, Event{Kind: EventError, Err: fmt.Errorf("openai: %w: invalid JSON response", model.ErrMalformedStreamChunk)})
		return
	}
	res := gjson.ParseBytes(data)
	emit(ctx, ch, Event{
		Kind:  EventDone,
		Text:  res.Get("choices.0.message.content").String(),
		Usage: openaiUsage(res.Get("usage")),
	})
}

func (o *OpenAI) readStream(ctx context.Context, r io.Reader, ch chan<- Event) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64<<10), 4<<20)

	var full strings.Builder
	var usage model.Usage
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, ":") {
			continue
		}
		data, ok := strings.CutPrefix(line, "data:")
		if !ok {
			continue
		}
		data = strings.TrimSpace(data)
		if data == "[DONE]" {
			emit(ctx, ch, Event{Kind: EventDone, Text: full.String(), Usage: usage})
			return
		}
		if !gjson.Valid(data) {
			o.logger.Warn("malformed stream chunk", zap.String("engine", "openai"), zap.Int("bytes", len(data)))
			if !emit(ctx, ch, Event{Kind: EventMalformed, Text: data}) {
				return
			}
			continue
		}
		chunk := gjson.Parse(data)
		if e := chunk.Get("error"); e.Exists() {
			emit(ctx, ch, Event{Kind: EventError, Err: streamError(e)})
			return
		}
		if u := chunk.Get("usage"); u.IsObject() {
			usage = openaiUsage(u)
		}
		delta := chunk.Get("choices.0.delta.content").String()
		if delta == "" {
			continue
		}
		full.WriteString(delta)
		if !emit(ctx, ch, Event{Kind: EventDelta, Text: delta}) {
			return
		}
	}

	err := scanner.Err()
	if err == nil {
		err = io.ErrUnexpectedEOF
	}
	if ctx.Err() != nil {
		return
	}
	emit(ctx, ch, Event{Kind: EventError, Err: FromTransport(model.EngineOpenAI, fmt.Errorf("openai stream: %w", err))})
}

// streamError classifies an error object sent inside a stream. Its code is
// usually a string such as "insufficient_quota", occasionally an HTTP status.
func streamError(e gjson.Result) *Error {
	msg := strings.TrimSpace(e.Get("message").String())
	code := e.Get("code")
	if code.Type == gjson.Number {
		return FromStatus(model.EngineOpenAI, int(code.Int()), msg)
	}
	tag := strings.ToLower(code.String() + " " + e.Get("type").String())
	out := &Error{Engine: model.EngineOpenAI, Kind: KindRequest, Message: msg}
	if c := code.String(); c != "" {
		out.Message = c + ": " + msg
	}
	switch {
	case strings.Contains(tag, "quota"), strings.Contains(tag, "billing"):
		out.Kind = KindQuota
	case strings.Contains(tag, "api_key"), strings.Contains(tag, "authentication"), strings.Contains(tag, "permission"):
		out.Kind = KindAuth
	case strings.Contains(tag, "rate_limit"), strings.Contains(tag, "server_error"), strings.Contains(tag, "overloaded"), strings.Contains(tag, "timeout"):
		out.Kind = KindTransient
	}
	return out
}

func openaiUsage(u gjson.Result) model.Usage {
	return model.Usage{
		Prompt:     int(u.Get("prompt_tokens").Int()),
		Completion: int(u.Get("completion_tokens").Int()),
		Total:      int(u.Get("total_tokens").Int()),
	}
}

// errorMessage extracts error.message from an API error body.
func errorMessage(body []byte) string {
	if gjson.ValidBytes(body) {
		if msg := gjson.GetBytes(body, "error.message"); msg.Exists() {
			code := gjson.GetBytes(body, "error.code").String()
			if code != "" {
				return code + ": " + msg.String()
			}
			return msg.String()
		}
	}
	return string(body)
}

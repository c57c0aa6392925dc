package memory

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/rcliao/agent-chat/internal/logging"
	"github.com/rcliao/agent-chat/internal/model"
)

// MinKeepRatio is the smallest replacement-to-original size ratio accepted
// without explicit confirmation.
const MinKeepRatio = 0.5

// ErrNothingToConsolidate is returned when the history has no conversation.
var ErrNothingToConsolidate = errors.New("no conversation to consolidate")

// Summarizer runs one non-streaming completion on the active backend.
type Summarizer interface {
	Complete(ctx context.Context, system, prompt string) (string, error)
}

// SummarizerFunc adapts a function to Summarizer.
type SummarizerFunc func(ctx context.Context, system, prompt string) (string, error)

func (f SummarizerFunc) Complete(ctx context.Context, system, prompt string) (string, error) {
	return f(ctx, system, prompt)
}

// Consolidator turns conversations into memory blocks and applies
// AI-proposed removals.
type Consolidator struct {
	store  *Store
	logger *zap.Logger
}

// NewConsolidator returns a consolidator writing to store.
func NewConsolidator(store *Store, logger *zap.Logger) *Consolidator {
	return &Consolidator{store: store, logger: logging.OrNop(logger)}
}

// Store returns the underlying memory store.
func (c *Consolidator) Store() *Store { return c.store }

// ConsolidateParams is the input of one consolidation.
type ConsolidateParams struct {
	// Source names the session for the block's provenance header.
	Source  string
	History []model.Message
	AI      Summarizer
}

// Consolidate summarizes the conversation and appends the summary as a new
// block. Each call appends its own block.
func (c *Consolidator) Consolidate(ctx context.Context, p ConsolidateParams) (*Block, error) {
	transcript := formatTranscript(p.History)
	if transcript == "" {
		return nil, ErrNothingToConsolidate
	}
	if p.AI == nil {
		return nil, fmt.Errorf("consolidate: no backend")
	}
	existing, err := c.store.Read()
	if err != nil {
		return nil, err
	}

	summary, err := p.AI.Complete(ctx, consolidateSystem, consolidatePrompt(existing, transcript))
	if err != nil {
		return nil, fmt.Errorf("consolidate: %w", err)
	}
	summary = strings.TrimSpace(summary)
	if summary == "" || strings.EqualFold(summary, nothingNew) {
		c.logger.Info("consolidation produced nothing new", zap.String("source", p.Source))
		return nil, nil
	}

	b := NewBlock(KindConsolidation, p.Source, summary)
	if err := c.store.Append(b); err != nil {
		return nil, err
	}
	return &b, nil
}

// Inject appends literal text as a block without calling a backend.
func (c *Consolidator) Inject(text, source string) (*Block, error) {
	if strings.TrimSpace(text) == "" {
		return nil, fmt.Errorf("inject: empty text")
	}
	b := NewBlock(KindNote, source, text)
	if err := c.store.Append(b); err != nil {
		return nil, err
	}
	return &b, nil
}

// Proposal is a backend-suggested replacement for the whole memory text.
// Nothing is written until it is applied.
type Proposal struct {
	Query       string `json:"query"`
	Original    string `json:"original"`
	Replacement string `json:"replacement"`
}

// Ratio is the replacement's size relative to the original.
func (p *Proposal) Ratio() float64 {
	if len(p.Original) == 0 {
		return 1
	}
	return float64(len(p.Replacement)) / float64(len(p.Original))
}

// Unchanged reports whether the proposal removes nothing.
func (p *Proposal) Unchanged() bool {
	return strings.TrimSpace(p.Replacement) == strings.TrimSpace(p.Original)
}

// NeedsConfirmation reports whether the replacement shrinks the memory
// suspiciously.
func (p *Proposal) NeedsConfirmation() bool {
	return p.Ratio() < MinKeepRatio
}

// Validate rejects proposals that cannot be written.
func (p *Proposal) Validate() error {
	if strings.TrimSpace(p.Replacement) == "" {
		return fmt.Errorf("%w: empty replacement", model.ErrMalformedProposal)
	}
	if strings.Contains(p.Replacement, "```") && !strings.Contains(p.Original, "```") {
		return fmt.Errorf("%w: replacement contains markdown fences", model.ErrMalformedProposal)
	}
	return nil
}

// ProposeRemoval asks the backend for the memory text with everything about
// query removed.
func (c *Consolidator) ProposeRemoval(ctx context.Context, ai Summarizer, query string) (*Proposal, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, fmt.Errorf("forget: empty topic")
	}
	original, err := c.store.Read()
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(original) == "" {
		return nil, fmt.Errorf("forget: memory is empty")
	}

	out, err := ai.Complete(ctx, removalSystem, removalPrompt(original, query))
	if err != nil {
		return nil, fmt.Errorf("forget: %w", err)
	}
	p := &Proposal{Query: query, Original: original, Replacement: strings.TrimSpace(out)}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return p, nil
}

// Apply writes a validated proposal, journaling the prior text first.
// A suspicious shrink is refused unless confirmed. If memory changed since
// the proposal was made, Apply refuses rather than discard the new content.
func (c *Consolidator) Apply(ctx context.Context, p *Proposal, confirmed bool) (*Version, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}
	if p.NeedsConfirmation() && !confirmed {
		return nil, fmt.Errorf("%w: replacement keeps %.0f%% of memory", model.ErrNeedsConfirmation, p.Ratio()*100)
	}
	current, err := c.store.Read()
	if err != nil {
		return nil, err
	}
	if current != p.Original {
		return nil, fmt.Errorf("forget: memory changed since the proposal was made")
	}
	v, err := c.store.Replace(ctx, p.Replacement, "forget: "+p.Query)
	if err != nil {
		return nil, err
	}
	c.logger.Info("memory forget applied", zap.String("query", p.Query), zap.Float64("ratio", p.Ratio()))
	return v, nil
}

// formatTranscript renders user and assistant messages as "Role: text" lines.
func formatTranscript(history []model.Message) string {
	var b strings.Builder
	for _, m := range history {
		var who string
		switch m.Role {
		case model.RoleUser:
			who = "User"
		case model.RoleAssistant:
			who = "Assistant"
			if m.Engine != "" {
				who = m.Engine.Title()
			}
		default:
			continue
		}
		if strings.TrimSpace(m.Content) == "" {
			continue
		}
		fmt.Fprintf(&b, "%s: %s\n\n", who, strings.TrimSpace(m.Content))
	}
	return strings.TrimSpace(b.String())
}

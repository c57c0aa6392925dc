// Package budget estimates prompt cost and trims history to fit a token cap.
package budget

import (
	"strings"

	"github.com/rcliao/agent-chat/internal/model"
)

const (
	// CharsPerToken is the rough token proxy: 1 token ≈ 4 bytes.
	CharsPerToken = 4
	// MessageOverhead is charged per message for role framing.
	MessageOverhead = 4
)

// Section headers used when assembling the system prompt.
const (
	MemoryHeader      = "--- PERSISTENT MEMORY ---"
	AttachmentsHeader = "--- ATTACHED FILES ---"
)

// Input is everything that contributes to one engine's prompt.
type Input struct {
	PersonaPrompt  string
	SystemOverride string
	Memory         string
	MemoryEnabled  bool
	Attachments    []model.Attachment
	History        []model.Message
}

// EstimateText returns the token estimate for s. It never decreases as s grows.
func EstimateText(s string) int {
	return (len(s) + CharsPerToken - 1) / CharsPerToken
}

// MessageTokens returns the estimate for one message.
func MessageTokens(m model.Message) int {
	return MessageOverhead + EstimateText(m.Content)
}

// AttachmentTokens estimates what the attachments add to a system prompt.
func AttachmentTokens(atts []model.Attachment) int {
	if len(atts) == 0 {
		return 0
	}
	return EstimateText(attachmentSection(atts)) + 1
}

// AssembleSystem builds the system prompt: the override (or persona prompt),
// the history's leading system message, memory, then attachments.
func AssembleSystem(in Input) string {
	var parts []string
	base := in.PersonaPrompt
	if in.SystemOverride != "" {
		base = in.SystemOverride
	}
	if base != "" {
		parts = append(parts, base)
	}
	if len(in.History) > 0 && in.History[0].Role == model.RoleSystem && in.History[0].Content != "" {
		parts = append(parts, in.History[0].Content)
	}
	if in.MemoryEnabled && strings.TrimSpace(in.Memory) != "" {
		parts = append(parts, MemoryHeader+"\n"+in.Memory)
	}
	if len(in.Attachments) > 0 {
		parts = append(parts, attachmentSection(in.Attachments))
	}
	return strings.Join(parts, "\n\n")
}

func attachmentSection(atts []model.Attachment) string {
	var b strings.Builder
	b.WriteString(AttachmentsHeader)
	for i, a := range atts {
		if i == 0 {
			b.WriteString("\n")
		} else {
			b.WriteString("\n\n")
		}
		b.WriteString("--- FILE: ")
		b.WriteString(a.Path)
		b.WriteString(" ---\n")
		b.WriteString(a.Content)
	}
	return b.String()
}

// conversation returns the history without its leading system message.
func conversation(history []model.Message) []model.Message {
	if len(history) > 0 && history[0].Role == model.RoleSystem {
		return history[1:]
	}
	return history
}

// Estimate returns the token estimate of the full prompt for in.
func Estimate(in Input) int {
	total := EstimateText(AssembleSystem(in))
	for _, m := range conversation(in.History) {
		total += MessageTokens(m)
	}
	return total
}

// Breakdown splits an estimate by contributor.
type Breakdown struct {
	System      int `json:"system"`
	Memory      int `json:"memory"`
	Attachments int `json:"attachments"`
	History     int `json:"history"`
	Total       int `json:"total"`
}

// Explain returns the per-section estimate for in.
func Explain(in Input) Breakdown {
	var b Breakdown
	base := in
	base.Memory, base.Attachments = "", nil
	b.System = EstimateText(AssembleSystem(base))
	if in.MemoryEnabled && strings.TrimSpace(in.Memory) != "" {
		b.Memory = EstimateText(MemoryHeader+"\n"+in.Memory) + 1
	}
	b.Attachments = AttachmentTokens(in.Attachments)
	for _, m := range conversation(in.History) {
		b.History += MessageTokens(m)
	}
	b.Total = Estimate(in)
	return b
}

// Fitted is a prompt view that fits the cap.
type Fitted struct {
	System   string
	Messages []model.Message
	Dropped  int
	Tokens   int
}

// Fit drops the oldest conversation turns until the prompt fits hardCap.
// A user message followed by its assistant reply is dropped as a unit. The
// leading system message and the latest message are never dropped, and
// neither are attachments: if they alone exceed the cap, Fit returns a
// *model.ContextTooLargeError. A cap <= 0 disables trimming.
func Fit(in Input, hardCap int) (*Fitted, error) {
	system := AssembleSystem(in)
	msgs := append([]model.Message(nil), conversation(in.History)...)

	total := EstimateText(system)
	for _, m := range msgs {
		total += MessageTokens(m)
	}

	dropped := 0
	for hardCap > 0 && total > hardCap && len(msgs) > 1 {
		n := 1
		if len(msgs) > 2 && msgs[0].Role == model.RoleUser && msgs[1].Role == model.RoleAssistant {
			n = 2
		}
		for _, m := range msgs[:n] {
			total -= MessageTokens(m)
		}
		msgs = msgs[n:]
		dropped += n
	}

	if hardCap > 0 && total > hardCap {
		return nil, &model.ContextTooLargeError{Cap: hardCap, Mandatory: total}
	}
	return &Fitted{System: system, Messages: msgs, Dropped: dropped, Tokens: total}, nil
}

// Package history keeps the ordered message log of one engine.
package history

import (
	"fmt"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/rcliao/agent-chat/internal/model"
)

// Log is an append-only message sequence. A system message, if present, is
// unique and sits at index 0.
type Log struct {
	mu     sync.Mutex
	engine model.Engine
	msgs   []model.Message
	seq    int
	now    func() time.Time
}

// New returns an empty log for engine.
func New(engine model.Engine) *Log {
	return &Log{engine: engine, now: func() time.Time { return time.Now().UTC() }}
}

// Engine returns the engine the log belongs to.
func (l *Log) Engine() model.Engine { return l.engine }

func (l *Log) next(role model.Role, content string) model.Message {
	l.seq++
	return model.Message{
		ID:        ulid.Make().String(),
		Role:      role,
		Content:   content,
		Engine:    l.engine,
		Seq:       l.seq,
		CreatedAt: l.now(),
	}
}

// Append adds a user or assistant message and returns it.
func (l *Log) Append(role model.Role, content string) (model.Message, error) {
	if role != model.RoleUser && role != model.RoleAssistant {
		return model.Message{}, fmt.Errorf("append: role %q not allowed; use SetSystem", role)
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	m := l.next(role, content)
	l.msgs = append(l.msgs, m)
	return m, nil
}

// AppendExchange adds a user message and its reply, both tagged with turn.
func (l *Log) AppendExchange(turn, user, reply string) []model.Message {
	l.mu.Lock()
	defer l.mu.Unlock()
	u := l.next(model.RoleUser, user)
	a := l.next(model.RoleAssistant, reply)
	u.Turn, a.Turn = turn, turn
	l.msgs = append(l.msgs, u, a)
	return []model.Message{u, a}
}

// SetSystem sets or replaces the leading system message. An empty content
// removes it.
func (l *Log) SetSystem(content string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	hasSystem := len(l.msgs) > 0 && l.msgs[0].Role == model.RoleSystem
	switch {
	case content == "" && hasSystem:
		l.msgs = l.msgs[1:]
	case content == "":
	case hasSystem:
		l.msgs[0].Content = content
	default:
		l.msgs = append([]model.Message{l.next(model.RoleSystem, content)}, l.msgs...)
	}
}

// System returns the leading system message content, if any.
func (l *Log) System() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.msgs) > 0 && l.msgs[0].Role == model.RoleSystem {
		return l.msgs[0].Content
	}
	return ""
}

// Clear drops every non-system message.
func (l *Log) Clear() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.msgs) > 0 && l.msgs[0].Role == model.RoleSystem {
		l.msgs = l.msgs[:1]
		return
	}
	l.msgs = nil
}

// ForgetLast removes the trailing user+assistant pair. When no complete pair
// ends the log it changes nothing and returns model.ErrNothingToForget.
func (l *Log) ForgetLast() ([]model.Message, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := len(l.msgs)
	if n < 2 || l.msgs[n-1].Role != model.RoleAssistant || l.msgs[n-2].Role != model.RoleUser {
		return nil, model.ErrNothingToForget
	}
	removed := append([]model.Message(nil), l.msgs[n-2:]...)
	l.msgs = l.msgs[:n-2]
	return removed, nil
}

// LastTurn returns the turn id of the trailing user+assistant pair. ok is
// false when no complete pair ends the log; id is empty for untagged pairs.
func (l *Log) LastTurn() (id string, ok bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := len(l.msgs)
	if n < 2 || l.msgs[n-1].Role != model.RoleAssistant || l.msgs[n-2].Role != model.RoleUser {
		return "", false
	}
	return l.msgs[n-1].Turn, true
}

// Raw returns a copy of every message in order.
func (l *Log) Raw() []model.Message {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]model.Message(nil), l.msgs...)
}

// Len returns the number of messages, system message included.
func (l *Log) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.msgs)
}

// Last returns the final message, if any.
func (l *Log) Last() (model.Message, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.msgs) == 0 {
		return model.Message{}, false
	}
	return l.msgs[len(l.msgs)-1], true
}

// Turn is a user message and the reply it received, if any.
type Turn struct {
	User      model.Message  `json:"user"`
	Assistant *model.Message `json:"assistant,omitempty"`
}

// Turns groups the conversation into user turns. Assistant messages without a
// preceding user message are reported as turns with an empty user message.
func (l *Log) Turns() []Turn {
	l.mu.Lock()
	defer l.mu.Unlock()
	var turns []Turn
	for _, m := range l.msgs {
		switch m.Role {
		case model.RoleUser:
			turns = append(turns, Turn{User: m})
		case model.RoleAssistant:
			reply := m
			if len(turns) > 0 && turns[len(turns)-1].Assistant == nil {
				turns[len(turns)-1].Assistant = &reply
				continue
			}
			turns = append(turns, Turn{Assistant: &reply})
		}
	}
	return turns
}

// Restore replaces the log's contents with msgs. Messages must have valid
// roles and at most one system message, at index 0.
func (l *Log) Restore(msgs []model.Message) error {
	if err := Validate(msgs); err != nil {
		return err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.msgs = append([]model.Message(nil), msgs...)
	l.seq = 0
	for _, m := range l.msgs {
		if m.Seq > l.seq {
			l.seq = m.Seq
		}
	}
	return nil
}

// Validate checks the structural invariants of a message sequence.
func Validate(msgs []model.Message) error {
	for i, m := range msgs {
		if !model.ValidRoles[m.Role] {
			return fmt.Errorf("message %d: invalid role %q", i, m.Role)
		}
		if m.Role == model.RoleSystem && i != 0 {
			return fmt.Errorf("message %d: system message must be first", i)
		}
	}
	return nil
}

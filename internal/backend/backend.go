// Package backend defines the adapter contract the dispatcher talks to and
// the OpenAI and Gemini implementations of it.
package backend

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"syscall"

	"github.com/rcliao/agent-chat/internal/model"
)

// Request is one assembled prompt.
type Request struct {
	Model     string
	System    string
	Messages  []model.Message
	MaxTokens int
	Stream    bool
}

// EventKind tags an Event.
type EventKind int

const (
	// EventDelta carries one text increment.
	EventDelta EventKind = iota
	// EventMalformed reports a chunk that could not be parsed.
	EventMalformed
	// EventDone is terminal and carries the full text and usage.
	EventDone
	// EventError is terminal and carries the failure.
	EventError
)

func (k EventKind) String() string {
	switch k {
	case EventDelta:
		return "delta"
	case EventMalformed:
		return "malformed"
	case EventDone:
		return "done"
	case EventError:
		return "error"
	}
	return fmt.Sprintf("EventKind(%d)", int(k))
}

// Event is one item of a response stream. The channel closes after the
// first terminal event.
type Event struct {
	Kind  EventKind
	Text  string
	Usage model.Usage
	Err   error
}

// Adapter sends a request to one engine. Send returns an error when the
// request could not be started; otherwise all outcomes arrive on the
// channel, and the producer stops when ctx is cancelled.
type Adapter interface {
	Engine() model.Engine
	Send(ctx context.Context, req Request) (<-chan Event, error)
}

// ErrorKind classifies backend failures for the retry policy.
type ErrorKind string

const (
	KindTransient ErrorKind = "transient"
	KindAuth      ErrorKind = "auth"
	KindQuota     ErrorKind = "quota"
	KindRequest   ErrorKind = "request"
)

// Error is a classified backend failure.
type Error struct {
	Engine  model.Engine
	Kind    ErrorKind
	Status  int
	Message string
	Err     error
}

func (e *Error) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s %s error", e.Engine.Title(), e.Kind)
	if e.Status != 0 {
		fmt.Fprintf(&b, " (%d)", e.Status)
	}
	if e.Message != "" {
		b.WriteString(": ")
		b.WriteString(e.Message)
	} else if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

// Unwrap exposes the matching sentinel alongside the cause.
func (e *Error) Unwrap() []error {
	var out []error
	switch e.Kind {
	case KindAuth:
		out = append(out, model.ErrBackendAuth)
	case KindQuota:
		out = append(out, model.ErrBackendQuota)
	}
	if e.Err != nil {
		out = append(out, e.Err)
	}
	return out
}

// Retryable reports whether err is a transient backend failure.
func Retryable(err error) bool {
	var be *Error
	return errors.As(err, &be) && be.Kind == KindTransient
}

// FromStatus classifies an HTTP error response.
func FromStatus(engine model.Engine, status int, message string) *Error {
	e := &Error{Engine: engine, Status: status, Message: strings.TrimSpace(message)}
	lower := strings.ToLower(message)
	switch {
	case status == 401 || status == 403:
		e.Kind = KindAuth
	case status == 429 && (strings.Contains(lower, "quota") || strings.Contains(lower, "billing") || strings.Contains(lower, "resource_exhausted")):
		e.Kind = KindQuota
	case status == 429, status == 408, status >= 500:
		e.Kind = KindTransient
	default:
		e.Kind = KindRequest
	}
	return e
}

// FromTransport classifies a transport failure. Context cancellation is
// returned unchanged so callers can tell it apart.
func FromTransport(engine model.Engine, err error) error {
	if err == nil || errors.Is(err, context.Canceled) {
		return err
	}
	var be *Error
	if errors.As(err, &be) {
		return err
	}
	kind := KindRequest
	var netErr net.Error
	switch {
	case errors.Is(err, context.DeadlineExceeded),
		errors.Is(err, io.ErrUnexpectedEOF),
		errors.Is(err, io.EOF),
		errors.Is(err, syscall.ECONNRESET),
		errors.Is(err, syscall.ECONNREFUSED),
		errors.Is(err, syscall.EPIPE):
		kind = KindTransient
	case errors.As(err, &netErr):
		kind = KindTransient
	}
	return &Error{Engine: engine, Kind: kind, Err: err}
}

// emit sends ev unless ctx is done.
func emit(ctx context.Context, ch chan<- Event, ev Event) bool {
	select {
	case ch <- ev:
		return true
	case <-ctx.Done():
		return false
	}
}

// conversation returns the user and assistant messages of a request.
func conversation(msgs []model.Message) []model.Message {
	out := make([]model.Message, 0, len(msgs))
	for _, m := range msgs {
		if m.Role == model.RoleUser || m.Role == model.RoleAssistant {
			out = append(out, m)
		}
	}
	return out
}

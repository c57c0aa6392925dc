package model

import (
	"errors"
	"fmt"
)

// Conditions surfaced to callers. All of them are recoverable at the turn or
// operation level; match with errors.Is.
var (
	ErrAttachmentUnreadable = errors.New("attachment unreadable")
	ErrContextTooLarge      = errors.New("context too large")
	ErrStreamInterrupted    = errors.New("stream interrupted")
	ErrBackendAuth          = errors.New("backend authentication failed")
	ErrBackendQuota         = errors.New("backend quota exceeded")
	ErrMalformedStreamChunk = errors.New("malformed stream chunk")
	ErrSessionFileCorrupt   = errors.New("session file corrupt")
	ErrMemoryWriteFailed    = errors.New("memory write failed")

	ErrNothingToForget   = errors.New("no complete turn to forget")
	ErrCancelled         = errors.New("turn cancelled")
	ErrNeedsConfirmation = errors.New("memory rewrite needs confirmation")
	ErrMalformedProposal = errors.New("malformed memory proposal")
	ErrUnknownEngine     = errors.New("unknown engine")
	ErrEngineInactive    = errors.New("engine not active in this session")
)

// ContextTooLargeError reports a budget that cannot be satisfied even after
// every droppable history turn was removed.
type ContextTooLargeError struct {
	Cap       int
	Mandatory int
}

func (e *ContextTooLargeError) Error() string {
	return fmt.Sprintf("context too large: mandatory context needs %d tokens, cap is %d", e.Mandatory, e.Cap)
}

func (e *ContextTooLargeError) Unwrap() error { return ErrContextTooLarge }

// AttachmentProblem is a non-fatal condition hit while reading an attachment.
type AttachmentProblem struct {
	Path string
	Err  error
}

func (p AttachmentProblem) Error() string {
	return fmt.Sprintf("%s: %v", p.Path, p.Err)
}

func (p AttachmentProblem) Unwrap() error { return ErrAttachmentUnreadable }

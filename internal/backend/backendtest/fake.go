// Package backendtest provides scripted adapters for tests.
package backendtest

import (
	"context"
	"strings"
	"sync"

	"github.com/rcliao/agent-chat/internal/backend"
	"github.com/rcliao/agent-chat/internal/model"
)

// Reply scripts one Send call.
type Reply struct {
	// SendErr is returned from Send itself.
	SendErr error
	Deltas  []string
	// Malformed chunks are emitted before the deltas.
	Malformed int
	// StreamErr, if set, is emitted after the deltas instead of Done.
	StreamErr error
	// Hang blocks after the deltas until the context is cancelled.
	Hang  bool
	Usage model.Usage
}

// Fake is an Adapter that plays back Replies in order; the last one repeats.
type Fake struct {
	Name    model.Engine
	Replies []Reply

	mu    sync.Mutex
	calls []backend.Request
}

// New returns a fake for engine.
func New(engine model.Engine, replies ...Reply) *Fake {
	return &Fake{Name: engine, Replies: replies}
}

// Text returns a reply streaming text word by word.
func Text(text string) Reply {
	var deltas []string
	for i, w := range strings.Split(text, " ") {
		if i > 0 {
			w = " " + w
		}
		deltas = append(deltas, w)
	}
	return Reply{Deltas: deltas}
}

func (f *Fake) Engine() model.Engine { return f.Name }

// Calls returns the requests received so far.
func (f *Fake) Calls() []backend.Request {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]backend.Request(nil), f.calls...)
}

func (f *Fake) Send(ctx context.Context, req backend.Request) (<-chan backend.Event, error) {
	f.mu.Lock()
	n := len(f.calls)
	f.calls = append(f.calls, req)
	var r Reply
	if len(f.Replies) > 0 {
		r = f.Replies[min(n, len(f.Replies)-1)]
	}
	f.mu.Unlock()

	if r.SendErr != nil {
		return nil, r.SendErr
	}
	ch := make(chan backend.Event)
	go func() {
		defer close(ch)
		send := func(ev backend.Event) bool {
			select {
			case ch <- ev:
				return true
			case <-ctx.Done():
				return false
			}
		}
		for i := 0; i < r.Malformed; i++ {
			if !send(backend.Event{Kind: backend.EventMalformed, Text: "{not json"}) {
				return
			}
		}
		var full strings.Builder
		for _, d := range r.Deltas {
			full.WriteString(d)
			if req.Stream {
				if !send(backend.Event{Kind: backend.EventDelta, Text: d}) {
					return
				}
			}
		}
		if r.Hang {
			<-ctx.Done()
			return
		}
		if r.StreamErr != nil {
			send(backend.Event{Kind: backend.EventError, Err: r.StreamErr})
			return
		}
		send(backend.Event{Kind: backend.EventDone, Text: full.String(), Usage: r.Usage})
	}()
	return ch, nil
}

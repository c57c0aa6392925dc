// Package dispatch sends assembled prompts to one or two engines and
// collects their streamed or batched replies.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/rcliao/agent-chat/internal/backend"
	"github.com/rcliao/agent-chat/internal/logging"
	"github.com/rcliao/agent-chat/internal/model"
)

const (
	DefaultMaxAttempts        = 3
	DefaultBaseBackoff        = 500 * time.Millisecond
	DefaultMalformedTolerance = 3
)

// Sink receives text increments as they arrive, tagged with their engine.
type Sink func(engine model.Engine, delta string)

// Call is one engine's share of a turn.
type Call struct {
	Engine  model.Engine
	Request backend.Request
}

// Result is the outcome of one call. Text is set only when the backend
// signalled completion.
type Result struct {
	Engine    model.Engine
	Text      string
	Usage     model.Usage
	Err       error
	Attempts  int
	Malformed int
	Elapsed   time.Duration
}

// OK reports whether the call completed.
func (r Result) OK() bool { return r.Err == nil }

// Dispatcher routes calls to adapters with retry.
type Dispatcher struct {
	registry *backend.Registry
	logger   *zap.Logger

	MaxAttempts        int
	BaseBackoff        time.Duration
	MalformedTolerance int
}

// New returns a dispatcher with default retry settings.
func New(registry *backend.Registry, logger *zap.Logger) *Dispatcher {
	return &Dispatcher{
		registry:           registry,
		logger:             logging.OrNop(logger),
		MaxAttempts:        DefaultMaxAttempts,
		BaseBackoff:        DefaultBaseBackoff,
		MalformedTolerance: DefaultMalformedTolerance,
	}
}

// Registry returns the adapter registry.
func (d *Dispatcher) Registry() *backend.Registry { return d.registry }

// Send runs a call to completion. Transient failures are retried with
// exponential backoff, but only while no increment has reached the sink.
func (d *Dispatcher) Send(ctx context.Context, call Call, sink Sink) (res Result) {
	start := time.Now()
	res.Engine = call.Engine
	defer func() { res.Elapsed = time.Since(start) }()

	adapter, err := d.registry.Get(call.Engine)
	if err != nil {
		res.Err = err
		return res
	}

	attempts := d.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}
	for attempt := 1; attempt <= attempts; attempt++ {
		res.Attempts = attempt
		out := d.attempt(ctx, adapter, call, sink)
		res.Text, res.Usage, res.Err = out.text, out.usage, out.err
		res.Malformed += out.malformed
		if res.Err == nil || errors.Is(res.Err, model.ErrCancelled) {
			return res
		}
		if out.delivered > 0 || !backend.Retryable(res.Err) || attempt == attempts {
			break
		}
		wait := d.BaseBackoff << (attempt - 1)
		d.logger.Warn("transient backend failure, retrying",
			zap.String("engine", string(call.Engine)),
			zap.Int("attempt", attempt),
			zap.Duration("backoff", wait),
			zap.Error(res.Err))
		if err := sleep(ctx, wait); err != nil {
			res.Err = cancelled(err)
			return res
		}
	}
	d.logger.Warn("backend call failed",
		zap.String("engine", string(call.Engine)),
		zap.Int("attempts", res.Attempts),
		zap.Error(res.Err))
	return res
}

type attemptResult struct {
	text      string
	usage     model.Usage
	err       error
	delivered int
	malformed int
}

func (d *Dispatcher) attempt(parent context.Context, adapter backend.Adapter, call Call, sink Sink) attemptResult {
	ctx, cancel := context.WithCancel(parent)
	defer cancel()

	var out attemptResult
	ch, err := adapter.Send(ctx, call.Request)
	if err != nil {
		if parent.Err() != nil {
			out.err = cancelled(parent.Err())
		} else {
			out.err = err
		}
		return out
	}

	interrupted := func(cause error) error {
		if call.Request.Stream {
			return fmt.Errorf("%w: %w", model.ErrStreamInterrupted, cause)
		}
		return cause
	}

	var partial strings.Builder
	for {
		select {
		case <-parent.Done():
			out.err = cancelled(parent.Err())
			return out
		case ev, ok := <-ch:
			if !ok {
				if parent.Err() != nil {
					out.err = cancelled(parent.Err())
				} else {
					out.err = interrupted(errors.New("response ended without completion"))
				}
				return out
			}
			switch ev.Kind {
			case backend.EventDelta:
				out.delivered++
				partial.WriteString(ev.Text)
				if sink != nil {
					sink(call.Engine, ev.Text)
				}
			case backend.EventMalformed:
				out.malformed++
				d.logger.Warn("skipping malformed chunk",
					zap.String("engine", string(call.Engine)),
					zap.Int("count", out.malformed))
				if out.malformed > d.MalformedTolerance {
					out.err = fmt.Errorf("%w: %d malformed chunks: %w",
						model.ErrStreamInterrupted, out.malformed, model.ErrMalformedStreamChunk)
					return out
				}
			case backend.EventDone:
				out.text = ev.Text
				if out.text == "" {
					out.text = partial.String()
				}
				out.usage = ev.Usage
				return out
			case backend.EventError:
				out.err = interrupted(ev.Err)
				return out
			}
		}
	}
}

// Dual runs calls concurrently. Increments from different engines never
// interleave within one sink call, and one failure does not cancel the
// others. Results are in call order.
func (d *Dispatcher) Dual(ctx context.Context, calls []Call, sink Sink) []Result {
	var mu sync.Mutex
	serialized := func(e model.Engine, delta string) {
		if sink == nil {
			return
		}
		mu.Lock()
		defer mu.Unlock()
		sink(e, delta)
	}

	results := make([]Result, len(calls))
	var g errgroup.Group
	for i, c := range calls {
		g.Go(func() error {
			results[i] = d.Send(ctx, c, serialized)
			return nil
		})
	}
	g.Wait()
	return results
}

func cancelled(cause error) error {
	return fmt.Errorf("%w: %w", model.ErrCancelled, cause)
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

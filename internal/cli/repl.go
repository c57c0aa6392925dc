package cli

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"

	"github.com/rcliao/agent-chat/internal/contextstore"
	"github.com/rcliao/agent-chat/internal/dispatch"
	"github.com/rcliao/agent-chat/internal/memory"
	"github.com/rcliao/agent-chat/internal/model"
	"github.com/rcliao/agent-chat/internal/session"
)

var (
	// errExit ends the loop after consolidating memory.
	errExit = errors.New("exit")
	// errQuit ends the loop without touching memory.
	errQuit = errors.New("quit")
)

// repl reads prompts and slash commands line by line.
type repl struct {
	app         *app
	engine      *session.Engine
	in          *bufio.Scanner
	out         io.Writer
	interactive bool
}

func newREPL(a *app, eng *session.Engine, in io.Reader, out io.Writer, interactive bool) *repl {
	sc := bufio.NewScanner(in)
	sc.Buffer(make([]byte, 64*1024), 4<<20)
	return &repl{app: a, engine: eng, in: sc, out: out, interactive: interactive}
}

func (r *repl) printf(format string, args ...any) {
	fmt.Fprintf(r.out, format, args...)
}

func (r *repl) prompt() string {
	s := r.engine.Session()
	label := s.PrimaryEngine().Title()
	if s.Mode.IsDual() {
		label = "Director"
	}
	if s.Name != "" {
		label = s.Name + " " + label
	}
	return label + "> "
}

// run processes input until EOF, /exit, or /quit. /exit and an interactive
// EOF consolidate the conversation into memory first; /quit and piped input
// leave memory alone.
func (r *repl) run(ctx context.Context) error {
	for {
		if r.interactive {
			r.printf("%s", r.prompt())
		}
		if !r.in.Scan() {
			if r.interactive {
				r.printf("\n")
				r.finalize(ctx)
			}
			return r.in.Err()
		}
		line := strings.TrimSpace(r.in.Text())
		if line == "" {
			continue
		}
		err := r.handle(ctx, line)
		if errors.Is(err, errExit) {
			r.finalize(ctx)
			return nil
		}
		if errors.Is(err, errQuit) {
			return nil
		}
		if err != nil {
			r.printf("error: %v\n", err)
		}
	}
}

// finalize runs the end-of-session memory update. Ctrl-C skips it.
func (r *repl) finalize(ctx context.Context) {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt)
	defer stop()
	b, err := r.engine.Finalize(ctx)
	switch {
	case errors.Is(err, memory.ErrNothingToConsolidate):
	case err != nil:
		r.printf("warning: memory not updated: %v\n", err)
	case b != nil:
		r.printf("memory updated (%s)\n", b.ID)
	}
}

// confirm asks a yes/no question on the input stream.
func (r *repl) confirm(question string) bool {
	r.printf("%s [y/N] ", question)
	if !r.in.Scan() {
		return false
	}
	answer := strings.ToLower(strings.TrimSpace(r.in.Text()))
	return answer == "y" || answer == "yes"
}

func (r *repl) handle(ctx context.Context, line string) error {
	if !strings.HasPrefix(line, "/") {
		return r.turn(ctx, "", line)
	}
	name, rest, _ := strings.Cut(line[1:], " ")
	cmd, ok := slashCommands[strings.ToLower(name)]
	if !ok {
		return fmt.Errorf("unknown command /%s (try /help)", name)
	}
	return cmd.run(ctx, r, strings.TrimSpace(rest))
}

// turn sends prompt to every active engine, or only to target when set.
// Ctrl-C cancels the turn without leaving the loop.
func (r *repl) turn(ctx context.Context, target model.Engine, prompt string) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt)
	defer stop()

	sess := r.engine.Session()
	p := newTurnPrinter(r.out, sess.Mode.IsDual())
	var (
		report *session.TurnReport
		err    error
	)
	if target != "" {
		report, err = r.engine.SendTo(ctx, target, prompt, p.sink)
	} else {
		report, err = r.engine.Send(ctx, prompt, p.sink)
	}
	if err != nil {
		return err
	}
	p.finish(report)
	if sess.Debug {
		for e, n := range report.Tokens {
			r.printf("[debug] %s: ~%d prompt tokens, %d messages dropped, usage %+v\n",
				e.Title(), n, report.Dropped[e], report.Usage[e])
		}
	}
	return nil
}

func (r *repl) warn(w contextstore.TokenWarning) {
	r.printf("warning: %s\n", w)
}

// turnPrinter writes streamed increments, labelling each engine's output in
// dual mode.
type turnPrinter struct {
	out      io.Writer
	dual     bool
	current  model.Engine
	streamed map[model.Engine]bool
}

func newTurnPrinter(out io.Writer, dual bool) *turnPrinter {
	return &turnPrinter{out: out, dual: dual, streamed: map[model.Engine]bool{}}
}

// sink is called with increments already serialized by the dispatcher.
func (p *turnPrinter) sink(e model.Engine, delta string) {
	if e != p.current {
		if p.current != "" {
			fmt.Fprintln(p.out)
		}
		if p.dual {
			fmt.Fprintf(p.out, "[%s]: ", e.Title())
		}
		p.current = e
	}
	p.streamed[e] = true
	fmt.Fprint(p.out, delta)
}

func (p *turnPrinter) finish(report *session.TurnReport) {
	if p.current != "" {
		fmt.Fprintln(p.out)
	}
	for _, res := range report.Results {
		switch {
		case res.OK() && !p.streamed[res.Engine]:
			if p.dual {
				fmt.Fprintf(p.out, "[%s]: ", res.Engine.Title())
			}
			fmt.Fprintln(p.out, res.Text)
		case !res.OK():
			fmt.Fprintf(p.out, "[%s] %s\n", res.Engine.Title(), describeFailure(res))
		}
	}
	for e, n := range report.Dropped {
		if n > 0 {
			fmt.Fprintf(p.out, "note: %d older messages left out of %s's prompt to fit the context cap\n", n, e.Title())
		}
	}
}

func describeFailure(res dispatch.Result) string {
	switch {
	case errors.Is(res.Err, model.ErrCancelled):
		return "cancelled; nothing was recorded"
	case errors.Is(res.Err, model.ErrStreamInterrupted):
		return fmt.Sprintf("reply interrupted; nothing was recorded (%v)", res.Err)
	case errors.Is(res.Err, model.ErrBackendAuth):
		return fmt.Sprintf("authentication failed: %v", res.Err)
	case errors.Is(res.Err, model.ErrBackendQuota):
		return fmt.Sprintf("quota exceeded: %v", res.Err)
	}
	return fmt.Sprintf("failed after %d attempt(s): %v", res.Attempts, res.Err)
}

package session

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/oklog/ulid/v2"
	"go.uber.org/zap"

	"github.com/rcliao/agent-chat/internal/backend"
	"github.com/rcliao/agent-chat/internal/budget"
	"github.com/rcliao/agent-chat/internal/config"
	"github.com/rcliao/agent-chat/internal/contextstore"
	"github.com/rcliao/agent-chat/internal/dispatch"
	"github.com/rcliao/agent-chat/internal/logging"
	"github.com/rcliao/agent-chat/internal/memory"
	"github.com/rcliao/agent-chat/internal/model"
)

// Engine runs commands against the active session one at a time.
type Engine struct {
	mu         sync.Mutex
	sess       *Session
	dispatcher *dispatch.Dispatcher
	memory     *memory.Consolidator
	transcript *Transcript
	logger     *zap.Logger
}

// NewEngine wraps sess. mem may be nil when no memory file is configured.
func NewEngine(sess *Session, d *dispatch.Dispatcher, mem *memory.Consolidator, logger *zap.Logger) *Engine {
	return &Engine{sess: sess, dispatcher: d, memory: mem, logger: logging.OrNop(logger)}
}

// Do runs fn with exclusive access to the session.
func (e *Engine) Do(fn func(s *Session) error) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return fn(e.sess)
}

// Session returns the active session. Callers must not mutate it outside Do.
func (e *Engine) Session() *Session {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.sess
}

// SetTranscript makes every completed turn append to t. A nil t stops
// recording.
func (e *Engine) SetTranscript(t *Transcript) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.transcript = t
}

// Memory returns the consolidator, which may be nil.
func (e *Engine) Memory() *memory.Consolidator { return e.memory }

// TurnReport describes one dispatched turn.
type TurnReport struct {
	Prompt  string                       `json:"prompt"`
	Results []dispatch.Result            `json:"-"`
	Dropped map[model.Engine]int         `json:"dropped,omitempty"`
	Tokens  map[model.Engine]int         `json:"tokens"`
	Usage   map[model.Engine]model.Usage `json:"usage,omitempty"`
	// Recorded holds the messages the turn added to the logs.
	Recorded []model.Message `json:"-"`
}

// Err returns the failures of the turn joined, or nil if every engine
// answered.
func (r *TurnReport) Err() error {
	var errs []error
	for _, res := range r.Results {
		if res.Err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", res.Engine.Title(), res.Err))
		}
	}
	return errors.Join(errs...)
}

// Send dispatches prompt to every active engine. In dual mode the prompt is
// recorded as a director turn in both logs. An engine's log changes only if
// that engine completed its reply.
func (e *Engine) Send(ctx context.Context, prompt string, sink dispatch.Sink) (*TurnReport, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	prompt = strings.TrimSpace(prompt)
	if prompt == "" {
		return nil, fmt.Errorf("empty prompt")
	}
	text := prompt
	if e.sess.Mode.IsDual() {
		text = "Director to All: " + prompt
	}
	return e.turn(ctx, e.sess.Engines(), text, sink)
}

// SendTo dispatches to one engine only. An empty prompt asks the engine to
// continue from its own history.
func (e *Engine) SendTo(ctx context.Context, target model.Engine, prompt string, sink dispatch.Sink) (*TurnReport, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.sess.Active(target) {
		return nil, fmt.Errorf("%w: %s", model.ErrEngineInactive, target.Title())
	}
	prompt = strings.TrimSpace(prompt)
	if prompt == "" {
		prompt = ContinuationPrompt
	}
	text := prompt
	if e.sess.Mode.IsDual() {
		text = "Director to " + target.Title() + ": " + prompt
	}
	return e.turn(ctx, []model.Engine{target}, text, sink)
}

func (e *Engine) turn(ctx context.Context, engines []model.Engine, text string, sink dispatch.Sink) (*TurnReport, error) {
	s := e.sess
	memText := ""
	if s.MemoryEnabled && e.memory != nil {
		var err error
		if memText, err = e.memory.Store().Read(); err != nil {
			e.logger.Warn("memory unavailable for this turn", zap.Error(err))
		}
	}

	report := &TurnReport{
		Prompt:  text,
		Dropped: map[model.Engine]int{},
		Tokens:  map[model.Engine]int{},
		Usage:   map[model.Engine]model.Usage{},
	}
	userText := map[model.Engine]string{}
	calls := make([]dispatch.Call, 0, len(engines))
	for _, eng := range engines {
		userText[eng] = withCrosstalk(s.Pending[eng], text)
		in := s.BudgetInput(eng, memText)
		in.History = append(in.History, model.Message{Role: model.RoleUser, Content: userText[eng]})
		fitted, err := budget.Fit(in, s.Settings.ContextCapTokens)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", eng.Title(), err)
		}
		report.Dropped[eng] = fitted.Dropped
		report.Tokens[eng] = fitted.Tokens
		calls = append(calls, dispatch.Call{Engine: eng, Request: backend.Request{
			Model:     s.Models[eng],
			System:    fitted.System,
			Messages:  fitted.Messages,
			MaxTokens: s.MaxTokens,
			Stream:    s.Stream,
		}})
	}

	if len(calls) == 1 {
		report.Results = []dispatch.Result{e.dispatcher.Send(ctx, calls[0], sink)}
	} else {
		report.Results = e.dispatcher.Dual(ctx, calls, sink)
	}

	turnID := ulid.Make().String()
	replies := map[model.Engine]string{}
	for _, res := range report.Results {
		if !res.OK() {
			continue
		}
		reply := stripLabel(res.Engine, res.Text)
		recorded := s.Logs[res.Engine].AppendExchange(turnID, userText[res.Engine], reply)
		report.Recorded = append(report.Recorded, recorded...)
		replies[res.Engine] = reply
		delete(s.Pending, res.Engine)
		s.Usage[res.Engine] = s.Usage[res.Engine].Add(res.Usage)
		report.Usage[res.Engine] = res.Usage
	}
	// Pending is consumed above before this turn's replies are queued.
	if s.Mode.IsDual() {
		for _, eng := range engines {
			if reply, ok := replies[eng]; ok {
				other := eng.Other()
				s.Pending[other] = append(s.Pending[other], "["+eng.Title()+"]: "+reply)
			}
		}
	}
	s.touch()
	if e.transcript != nil && len(report.Recorded) > 0 {
		if err := e.transcript.Record(s, report); err != nil {
			e.logger.Warn("transcript not written", zap.String("session", s.ID), zap.Error(err))
		}
	}
	return report, nil
}

func withCrosstalk(pending []string, text string) string {
	if len(pending) == 0 {
		return text
	}
	return strings.Join(pending, "\n\n") + "\n\n" + text
}

// Attach adds a path to the context store, warning through onWarn when the
// prompt estimate crosses the configured threshold.
func (e *Engine) Attach(path string, exclude []string, onWarn func(contextstore.TokenWarning)) (*contextstore.AttachResult, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	s := e.sess
	res, err := s.Context.Attach(path, contextstore.AttachOptions{
		Exclude:    exclude,
		WarnTokens: s.Settings.WarnTokens,
		BaseTokens: e.estimate(),
		OnWarn:     onWarn,
	})
	if err == nil {
		s.touch()
	}
	return res, err
}

// Detach removes attachments by path or name.
func (e *Engine) Detach(name string) []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.sess.touch()
	return e.sess.Context.Detach(name)
}

// Refresh re-reads attachments from disk.
func (e *Engine) Refresh(filter string) contextstore.RefreshReport {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.sess.touch()
	return e.sess.Context.Refresh(filter)
}

// Exclude drops attachments matching pattern.
func (e *Engine) Exclude(pattern string) []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.sess.touch()
	return e.sess.Context.Exclude(pattern)
}

// ForgetLast removes the most recent turn. In dual mode only the logs that
// recorded that turn lose their trailing pair; a log whose engine failed it
// keeps its older history. It returns the number of logs changed.
func (e *Engine) ForgetLast() (int, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	latest := map[model.Engine]string{}
	newest := ""
	for _, eng := range e.sess.Engines() {
		if id, ok := e.sess.Logs[eng].LastTurn(); ok {
			latest[eng] = id
			if id > newest {
				newest = id
			}
		}
	}
	forgotten := 0
	for _, eng := range e.sess.Engines() {
		id, ok := latest[eng]
		if !ok || id != newest {
			continue
		}
		if _, err := e.sess.Logs[eng].ForgetLast(); err == nil {
			forgotten++
		}
	}
	if forgotten == 0 {
		return 0, model.ErrNothingToForget
	}
	e.sess.touch()
	return forgotten, nil
}

// Clear drops the conversation but keeps attachments and system messages.
func (e *Engine) Clear() {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, l := range e.sess.Logs {
		l.Clear()
	}
	e.sess.Pending = map[model.Engine][]string{}
	e.sess.touch()
}

// Estimate returns the largest prompt estimate across active engines.
func (e *Engine) Estimate() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.estimate()
}

func (e *Engine) estimate() int {
	memText := e.memoryText()
	best := 0
	for _, eng := range e.sess.Engines() {
		if n := budget.Estimate(e.sess.BudgetInput(eng, memText)); n > best {
			best = n
		}
	}
	return best
}

// Budget explains the prompt estimate of each active engine.
func (e *Engine) Budget() map[model.Engine]budget.Breakdown {
	e.mu.Lock()
	defer e.mu.Unlock()
	memText := e.memoryText()
	out := map[model.Engine]budget.Breakdown{}
	for _, eng := range e.sess.Engines() {
		out[eng] = budget.Explain(e.sess.BudgetInput(eng, memText))
	}
	return out
}

func (e *Engine) memoryText() string {
	if !e.sess.MemoryEnabled || e.memory == nil {
		return ""
	}
	text, err := e.memory.Store().Read()
	if err != nil {
		e.logger.Warn("read memory", zap.Error(err))
	}
	return text
}

// Summarizer returns a non-streaming completion on the session's primary
// engine using the helper model. It reads the session unlocked, so call it
// from inside an Engine method.
func (e *Engine) Summarizer() memory.Summarizer {
	return memory.SummarizerFunc(func(ctx context.Context, system, prompt string) (string, error) {
		eng := e.summaryEngine()
		res := e.dispatcher.Send(ctx, dispatch.Call{Engine: eng, Request: backend.Request{
			Model:     e.sess.Settings.HelperModel(eng),
			System:    system,
			Messages:  []model.Message{{Role: model.RoleUser, Content: prompt}},
			MaxTokens: e.sess.Settings.MaxTokens,
		}}, nil)
		return res.Text, res.Err
	})
}

func (e *Engine) summaryEngine() model.Engine {
	eng := e.sess.PrimaryEngine()
	if reg := e.dispatcher.Registry(); !reg.Has(eng) && reg.Has(eng.Other()) {
		return eng.Other()
	}
	return eng
}

// Consolidate summarizes the conversation into memory, trimmed to the
// context cap. In dual mode both logs are merged in the order messages were
// recorded, so trimming drops the oldest turns first.
func (e *Engine) Consolidate(ctx context.Context) (*memory.Block, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.memory == nil {
		return nil, fmt.Errorf("memory is not configured")
	}
	s := e.sess
	fitted, err := budget.Fit(budget.Input{History: s.conversation()}, s.Settings.ContextCapTokens)
	if err != nil {
		return nil, err
	}
	return e.memory.Consolidate(ctx, memory.ConsolidateParams{
		Source:  s.label(),
		History: fitted.Messages,
		AI:      e.Summarizer(),
	})
}

// Finalize consolidates the conversation into memory at the end of a
// session. It does nothing, returning nil, when memory is disabled or no
// conversation was recorded.
func (e *Engine) Finalize(ctx context.Context) (*memory.Block, error) {
	e.mu.Lock()
	skip := !e.sess.MemoryEnabled || e.memory == nil || len(e.sess.conversation()) == 0
	e.mu.Unlock()
	if skip {
		return nil, nil
	}
	return e.Consolidate(ctx)
}

// Remember appends literal text to memory.
func (e *Engine) Remember(text string) (*memory.Block, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.memory == nil {
		return nil, fmt.Errorf("memory is not configured")
	}
	return e.memory.Inject(text, e.sess.label())
}

// ProposeForget asks the backend for memory without topic. Nothing is
// written until ApplyForget.
func (e *Engine) ProposeForget(ctx context.Context, topic string) (*memory.Proposal, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.memory == nil {
		return nil, fmt.Errorf("memory is not configured")
	}
	return e.memory.ProposeRemoval(ctx, e.Summarizer(), topic)
}

// ApplyForget writes a proposal, backing up the prior memory text.
func (e *Engine) ApplyForget(ctx context.Context, p *memory.Proposal, confirmed bool) (*memory.Version, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.memory == nil {
		return nil, fmt.Errorf("memory is not configured")
	}
	return e.memory.Apply(ctx, p, confirmed)
}

// conversation returns the non-system messages of every active log ordered
// by when they were recorded. Messages of one turn keep their log order.
func (s *Session) conversation() []model.Message {
	var msgs []model.Message
	for _, eng := range s.Engines() {
		for _, m := range s.Logs[eng].Raw() {
			if m.Role != model.RoleSystem {
				msgs = append(msgs, m)
			}
		}
	}
	sort.SliceStable(msgs, func(i, j int) bool {
		a, b := msgs[i], msgs[j]
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.Before(b.CreatedAt)
		}
		return a.Turn != "" && b.Turn != "" && a.Turn < b.Turn
	})
	return msgs
}

func (s *Session) label() string {
	if s.Name != "" {
		return s.Name
	}
	return s.ID
}

// Set applies a settings change to the session's snapshot and returns the
// new snapshot.
func (e *Engine) Set(key, value string) (config.Settings, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	next, err := e.sess.Settings.With(key, value)
	if err != nil {
		return e.sess.Settings, err
	}
	e.sess.Settings = next
	return next, nil
}

// Save writes the session to path.
func (e *Engine) Save(path, name string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if name != "" {
		e.sess.Name = name
	}
	return Save(e.sess, path)
}

// Replace swaps in a different session, such as one just loaded.
func (e *Engine) Replace(s *Session) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.sess = s
}

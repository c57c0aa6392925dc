package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/dustin/go-humanize"

	"github.com/rcliao/agent-chat/internal/config"
	"github.com/rcliao/agent-chat/internal/memory"
	"github.com/rcliao/agent-chat/internal/model"
	"github.com/rcliao/agent-chat/internal/session"
)

type slashCommand struct {
	usage string
	help  string
	run   func(ctx context.Context, r *repl, args string) error
}

var slashCommands = map[string]slashCommand{
	"attach":        {"/attach <path> [!exclude ...]", "attach a file, directory, or archive", cmdAttach},
	"detach":        {"/detach <path|name>", "remove an attachment", cmdDetach},
	"refresh":       {"/refresh [term]", "re-read attachments from disk", cmdRefresh},
	"files":         {"/files", "list attachments", cmdFiles},
	"exclude":       {"/exclude <path|glob>", "drop matching attachments", cmdExclude},
	"forget":        {"/forget", "drop the last exchange", cmdForget},
	"clear":         {"/clear", "clear the conversation, keeping attachments", cmdClear},
	"history":       {"/history", "show the conversation", cmdHistory},
	"raw":           {"/raw", "dump the history logs as JSON", cmdRaw},
	"remember":      {"/remember [text]", "save text, or a summary of this chat, to memory", cmdRemember},
	"memory":        {"/memory", "show persistent memory", cmdMemory},
	"forget-memory": {"/forget-memory <topic>", "remove a topic from memory", cmdForgetMemory},
	"save":          {"/save [name]", "save the session", cmdSave},
	"load":          {"/load <name>", "load a saved session", cmdLoad},
	"sessions":      {"/sessions", "list saved sessions", cmdSessions},
	"ai":            {"/ai <gpt|gem> [prompt]", "address one engine; no prompt asks it to continue", cmdAI},
	"stream":        {"/stream", "toggle streaming", cmdStream},
	"debug":         {"/debug", "toggle debug output", cmdDebug},
	"max-tokens":    {"/max-tokens <n>", "set the reply token limit", cmdMaxTokens},
	"model":         {"/model [engine] <name>", "set the chat model", cmdModel},
	"engine":        {"/engine <gpt|gem|dual>", "switch engine or mode", cmdEngine},
	"persona":       {"/persona <name>", "switch persona", cmdPersona},
	"set":           {"/set <key> <value>", "change and save a setting", cmdSet},
	"state":         {"/state", "show session state", cmdState},
	"budget":        {"/budget", "show the prompt token estimate", cmdBudget},
	"exit":          {"/exit", "summarize the chat into memory and leave", cmdExit},
	"quit":          {"/quit", "leave without updating memory", cmdQuit},
}

func init() {
	slashCommands["help"] = slashCommand{"/help", "list commands", cmdHelp}
}

func cmdHelp(_ context.Context, r *repl, _ string) error {
	names := make([]string, 0, len(slashCommands))
	for name := range slashCommands {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		c := slashCommands[name]
		r.printf("  %-32s %s\n", c.usage, c.help)
	}
	return nil
}

func cmdExit(context.Context, *repl, string) error { return errExit }

func cmdQuit(context.Context, *repl, string) error { return errQuit }

func cmdAttach(_ context.Context, r *repl, args string) error {
	var paths, exclude []string
	for _, f := range strings.Fields(args) {
		if strings.HasPrefix(f, "!") {
			exclude = append(exclude, f[1:])
		} else {
			paths = append(paths, f)
		}
	}
	if len(paths) == 0 {
		return fmt.Errorf("usage: /attach <path> [!exclude ...]")
	}
	for _, p := range paths {
		res, err := r.engine.Attach(p, exclude, r.warn)
		if err != nil {
			r.printf("error: %v\n", err)
			continue
		}
		for _, prob := range res.Problems {
			r.printf("warning: %s: %v\n", prob.Path, prob.Err)
		}
		r.printf("attached %d file(s) from %s", len(res.Added), p)
		if res.Replaced > 0 {
			r.printf(" (%d replaced)", res.Replaced)
		}
		r.printf("\n")
	}
	return nil
}

func cmdDetach(_ context.Context, r *repl, args string) error {
	if args == "" {
		return fmt.Errorf("usage: /detach <path|name>")
	}
	removed := r.engine.Detach(args)
	if len(removed) == 0 {
		return fmt.Errorf("no attachment matches %q", args)
	}
	r.printf("detached %d file(s)\n", len(removed))
	return nil
}

func cmdRefresh(_ context.Context, r *repl, args string) error {
	report := r.engine.Refresh(args)
	for _, p := range report.Problems {
		r.printf("warning: %s: %v\n", p.Path, p.Err)
	}
	r.printf("refreshed: %d updated, %d unchanged, %d stale\n",
		len(report.Updated), len(report.Unchanged), len(report.Stale))
	for _, name := range report.Updated {
		r.printf("  updated %s\n", name)
	}
	for _, name := range report.Stale {
		r.printf("  missing %s (keeping last content)\n", name)
	}
	return nil
}

func cmdFiles(_ context.Context, r *repl, _ string) error {
	s := r.engine.Session()
	atts := s.Context.List()
	if len(atts) == 0 {
		r.printf("no attachments\n")
		return nil
	}
	for _, a := range atts {
		var flags []string
		if a.Binary {
			flags = append(flags, "binary")
		}
		if a.Unreadable {
			flags = append(flags, "unreadable")
		}
		if a.Stale {
			flags = append(flags, "stale")
		}
		note := ""
		if len(flags) > 0 {
			note = " (" + strings.Join(flags, ", ") + ")"
		}
		r.printf("  %8s  %s%s\n", humanize.Bytes(uint64(a.Size)), a.Name, note)
	}
	r.printf("%d file(s), %s, ~%d prompt tokens\n",
		len(atts), humanize.Bytes(uint64(s.Context.TotalSize())), r.engine.Estimate())
	return nil
}

func cmdExclude(_ context.Context, r *repl, args string) error {
	if args == "" {
		return fmt.Errorf("usage: /exclude <path|glob>")
	}
	removed := r.engine.Exclude(args)
	r.printf("excluded %d file(s)\n", len(removed))
	return nil
}

func cmdForget(_ context.Context, r *repl, _ string) error {
	if _, err := r.engine.ForgetLast(); err != nil {
		return err
	}
	r.printf("forgot the last exchange\n")
	return nil
}

func cmdClear(_ context.Context, r *repl, _ string) error {
	r.engine.Clear()
	r.printf("conversation cleared\n")
	return nil
}

func cmdHistory(_ context.Context, r *repl, _ string) error {
	s := r.engine.Session()
	for _, e := range s.Engines() {
		turns := s.Log(e).Turns()
		if s.Mode.IsDual() {
			r.printf("--- %s ---\n", e.Title())
		}
		if len(turns) == 0 {
			r.printf("(no messages)\n")
		}
		for _, t := range turns {
			if t.User.Content != "" {
				r.printf("User: %s\n", t.User.Content)
			}
			if t.Assistant != nil {
				r.printf("%s: %s\n", e.Title(), t.Assistant.Content)
			}
		}
	}
	return nil
}

func cmdRaw(_ context.Context, r *repl, _ string) error {
	s := r.engine.Session()
	logs := map[model.Engine][]model.Message{}
	for _, e := range s.Engines() {
		logs[e] = s.Log(e).Raw()
	}
	b, err := json.MarshalIndent(logs, "", "  ")
	if err != nil {
		return err
	}
	r.printf("%s\n", b)
	return nil
}

func cmdRemember(ctx context.Context, r *repl, args string) error {
	if args != "" {
		b, err := r.engine.Remember(args)
		if err != nil {
			return err
		}
		r.printf("remembered (%s)\n", b.ID)
		return nil
	}
	r.printf("summarizing the conversation...\n")
	b, err := r.engine.Consolidate(ctx)
	if errors.Is(err, memory.ErrNothingToConsolidate) {
		r.printf("nothing to remember yet\n")
		return nil
	}
	if err != nil {
		return err
	}
	if b == nil {
		r.printf("no new facts to remember\n")
		return nil
	}
	r.printf("remembered:\n%s\n", b.Text)
	return nil
}

func cmdMemory(_ context.Context, r *repl, _ string) error {
	text, err := r.app.memory.Store().Read()
	if err != nil {
		return err
	}
	if strings.TrimSpace(text) == "" {
		r.printf("(memory is empty)\n")
		return nil
	}
	r.printf("%s", text)
	if !strings.HasSuffix(text, "\n") {
		r.printf("\n")
	}
	return nil
}

func cmdForgetMemory(ctx context.Context, r *repl, args string) error {
	if args == "" {
		return fmt.Errorf("usage: /forget-memory <topic>")
	}
	p, err := r.engine.ProposeForget(ctx, args)
	if err != nil {
		return err
	}
	v, err := applyProposal(ctx, r.engine, p, r.printf, r.confirm)
	if err != nil {
		return err
	}
	if v != nil {
		r.printf("previous memory saved as version %d\n", v.Version)
	}
	return nil
}

// applyProposal shows a forget proposal and applies it once confirmed. A
// suspicious shrink needs a second confirmation.
func applyProposal(ctx context.Context, eng *session.Engine, p *memory.Proposal,
	printf func(string, ...any), confirm func(string) bool) (*memory.Version, error) {
	if p.Unchanged() {
		printf("memory has nothing about %q\n", p.Query)
		return nil, nil
	}
	printf("proposed memory (%d -> %d bytes):\n%s\n", len(p.Original), len(p.Replacement), p.Replacement)
	if !confirm("Apply this change?") {
		printf("memory left unchanged\n")
		return nil, nil
	}
	if p.NeedsConfirmation() &&
		!confirm(fmt.Sprintf("This keeps only %.0f%% of memory. Apply anyway?", p.Ratio()*100)) {
		printf("memory left unchanged\n")
		return nil, nil
	}
	return eng.ApplyForget(ctx, p, true)
}

func cmdSave(_ context.Context, r *repl, args string) error {
	name := args
	if name == "" {
		name = r.engine.Session().Name
	}
	if name == "" {
		return fmt.Errorf("usage: /save <name>")
	}
	path := r.app.paths.SessionFile(name)
	if err := r.engine.Save(path, name); err != nil {
		return err
	}
	r.printf("saved to %s\n", path)
	return nil
}

func cmdLoad(_ context.Context, r *repl, args string) error {
	if args == "" {
		return fmt.Errorf("usage: /load <name>")
	}
	s, err := r.app.loadSession(args)
	if err != nil {
		return err
	}
	r.engine.Replace(s)
	r.printf("loaded %s: %s, %d attachment(s)\n", args, s.Mode, s.Context.Len())
	return nil
}

func cmdSessions(_ context.Context, r *repl, _ string) error {
	infos, err := session.List(r.app.paths.Sessions())
	if err != nil {
		return err
	}
	writeSessionTable(r.out, infos)
	return nil
}

func cmdAI(ctx context.Context, r *repl, args string) error {
	name, prompt, _ := strings.Cut(args, " ")
	if name == "" {
		return fmt.Errorf("usage: /ai <gpt|gem> [prompt]")
	}
	e, err := model.ParseEngine(name)
	if err != nil {
		return err
	}
	return r.turn(ctx, e, strings.TrimSpace(prompt))
}

func cmdStream(_ context.Context, r *repl, _ string) error {
	return r.engine.Do(func(s *session.Session) error {
		s.Stream = !s.Stream
		r.printf("streaming %s\n", onOff(s.Stream))
		return nil
	})
}

func cmdDebug(_ context.Context, r *repl, _ string) error {
	return r.engine.Do(func(s *session.Session) error {
		s.Debug = !s.Debug
		r.printf("debug %s\n", onOff(s.Debug))
		return nil
	})
}

func cmdMaxTokens(_ context.Context, r *repl, args string) error {
	n, err := strconv.Atoi(args)
	if err != nil || n <= 0 {
		return fmt.Errorf("usage: /max-tokens <positive number>")
	}
	return r.engine.Do(func(s *session.Session) error {
		s.MaxTokens = n
		r.printf("max tokens %d\n", n)
		return nil
	})
}

func cmdModel(_ context.Context, r *repl, args string) error {
	fields := strings.Fields(args)
	return r.engine.Do(func(s *session.Session) error {
		e := s.PrimaryEngine()
		switch len(fields) {
		case 1:
		case 2:
			parsed, err := model.ParseEngine(fields[0])
			if err != nil {
				return err
			}
			e, fields = parsed, fields[1:]
		default:
			return fmt.Errorf("usage: /model [engine] <name>")
		}
		s.Models[e] = fields[0]
		r.printf("%s model %s\n", e.Title(), fields[0])
		return nil
	})
}

func cmdEngine(_ context.Context, r *repl, args string) error {
	m, err := parseMode(args)
	if err != nil {
		return err
	}
	return r.engine.Do(func(s *session.Session) error {
		if err := s.SetMode(m); err != nil {
			return err
		}
		r.printf("mode %s\n", m)
		return nil
	})
}

func cmdPersona(_ context.Context, r *repl, args string) error {
	if args == "" {
		return fmt.Errorf("usage: /persona <name>")
	}
	p, err := r.app.loadPersona(args)
	if err != nil {
		return err
	}
	err = r.engine.Do(func(s *session.Session) error { return s.SetPersona(p) })
	if err != nil {
		return err
	}
	r.app.attachPersonaFiles(r.engine, p, r.warn)
	r.printf("persona %s\n", p.Name)
	return nil
}

func cmdSet(_ context.Context, r *repl, args string) error {
	key, value, ok := strings.Cut(args, " ")
	if !ok {
		return fmt.Errorf("usage: /set <key> <value>")
	}
	settings, err := r.engine.Set(key, value)
	if err != nil {
		return err
	}
	if err := config.SaveSettings(r.app.paths.Settings(), settings); err != nil {
		return err
	}
	r.app.settings = settings
	r.printf("%s = %s\n", key, strings.TrimSpace(value))
	return nil
}

// sessionState is the /state view of a session.
type sessionState struct {
	ID              string                       `json:"id"`
	Name            string                       `json:"name,omitempty"`
	Mode            model.Mode                   `json:"mode"`
	Persona         string                       `json:"persona,omitempty"`
	Models          map[model.Engine]string      `json:"models"`
	Stream          bool                         `json:"stream"`
	MaxTokens       int                          `json:"max_tokens"`
	Debug           bool                         `json:"debug"`
	MemoryEnabled   bool                         `json:"memory_enabled"`
	Attachments     int                          `json:"attachments"`
	Messages        map[model.Engine]int         `json:"messages"`
	Usage           map[model.Engine]model.Usage `json:"usage,omitempty"`
	EstimatedTokens int                          `json:"estimated_tokens"`
}

func stateOf(eng *session.Engine) sessionState {
	est := eng.Estimate()
	var st sessionState
	eng.Do(func(s *session.Session) error {
		st = sessionState{
			ID:              s.ID,
			Name:            s.Name,
			Mode:            s.Mode,
			Persona:         s.PersonaName(),
			Models:          map[model.Engine]string{},
			Stream:          s.Stream,
			MaxTokens:       s.MaxTokens,
			Debug:           s.Debug,
			MemoryEnabled:   s.MemoryEnabled,
			Attachments:     s.Context.Len(),
			Messages:        map[model.Engine]int{},
			Usage:           s.Usage,
			EstimatedTokens: est,
		}
		for _, e := range s.Engines() {
			st.Models[e] = s.Models[e]
			st.Messages[e] = s.Log(e).Len()
		}
		return nil
	})
	return st
}

func cmdState(_ context.Context, r *repl, _ string) error {
	b, err := json.MarshalIndent(stateOf(r.engine), "", "  ")
	if err != nil {
		return err
	}
	r.printf("%s\n", b)
	return nil
}

func cmdBudget(_ context.Context, r *repl, _ string) error {
	limit := r.engine.Session().Settings.ContextCapTokens
	budgets := r.engine.Budget()
	for _, e := range model.Engines {
		b, ok := budgets[e]
		if !ok {
			continue
		}
		r.printf("%s: system %d, memory %d, attachments %d, history %d, total %d of %d\n",
			e.Title(), b.System, b.Memory, b.Attachments, b.History, b.Total, limit)
	}
	return nil
}

func onOff(v bool) string {
	if v {
		return "on"
	}
	return "off"
}

package session

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/rcliao/agent-chat/internal/backend"
	"github.com/rcliao/agent-chat/internal/backend/backendtest"
	"github.com/rcliao/agent-chat/internal/budget"
	"github.com/rcliao/agent-chat/internal/config"
	"github.com/rcliao/agent-chat/internal/dispatch"
	"github.com/rcliao/agent-chat/internal/memory"
	"github.com/rcliao/agent-chat/internal/model"
)

func testSettings(mode model.Mode) config.Settings {
	s := config.Defaults()
	s.DefaultMode = mode
	s.WarnTokens = 0
	return s
}

func newTestEngine(t *testing.T, mode model.Mode, adapters ...backend.Adapter) *Engine {
	t.Helper()
	d := dispatch.New(backend.NewRegistry(adapters...), nil)
	d.BaseBackoff = 0
	mem := memory.NewConsolidator(memory.NewStore(filepath.Join(t.TempDir(), "memory.txt"), nil, nil), nil)
	return NewEngine(New(testSettings(mode), nil, nil), d, mem, nil)
}

func roles(msgs []model.Message) string {
	var out []string
	for _, m := range msgs {
		out = append(out, string(m.Role))
	}
	return strings.Join(out, ",")
}

func TestSingleTurnRecordsPair(t *testing.T) {
	fake := backendtest.New(model.EngineGemini, backendtest.Text("hi there"))
	e := newTestEngine(t, model.ModeSingleGemini, fake)

	var got strings.Builder
	report, err := e.Send(context.Background(), "hello", func(_ model.Engine, d string) { got.WriteString(d) })
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if report.Err() != nil {
		t.Fatalf("turn failed: %v", report.Err())
	}
	if got.String() != "hi there" {
		t.Errorf("expected streamed text, got %q", got.String())
	}
	raw := e.Session().Log(model.EngineGemini).Raw()
	if roles(raw) != "user,assistant" || raw[0].Content != "hello" || raw[1].Content != "hi there" {
		t.Errorf("unexpected log %+v", raw)
	}
	req := fake.Calls()[0]
	if req.Model != "gemini-2.5-flash" || !req.Stream {
		t.Errorf("unexpected request %+v", req)
	}
}

func TestInterruptedStreamLeavesHistory(t *testing.T) {
	fake := backendtest.New(model.EngineOpenAI,
		backendtest.Text("first answer"),
		backendtest.Reply{Deltas: []string{"half an"}, StreamErr: &backend.Error{Kind: backend.KindTransient}},
	)
	e := newTestEngine(t, model.ModeSingleOpenAI, fake)
	ctx := context.Background()

	if _, err := e.Send(ctx, "one", nil); err != nil {
		t.Fatalf("send: %v", err)
	}
	before := e.Session().Log(model.EngineOpenAI).Raw()

	report, err := e.Send(ctx, "two", nil)
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if !errors.Is(report.Err(), model.ErrStreamInterrupted) {
		t.Fatalf("expected ErrStreamInterrupted, got %v", report.Err())
	}
	after := e.Session().Log(model.EngineOpenAI).Raw()
	if diff := cmp.Diff(before, after); diff != "" {
		t.Errorf("history changed after interrupted stream (-before +after):\n%s", diff)
	}
}

func TestDualFailureRecordsOnlySuccess(t *testing.T) {
	openai := backendtest.New(model.EngineOpenAI, backendtest.Reply{
		SendErr: &backend.Error{Engine: model.EngineOpenAI, Kind: backend.KindAuth, Status: 401},
	})
	gemini := backendtest.New(model.EngineGemini, backendtest.Text("[Gemini]: gemini answer"))
	e := newTestEngine(t, model.ModeDual, openai, gemini)

	report, err := e.Send(context.Background(), "compare notes", nil)
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if len(report.Results) != 2 {
		t.Fatalf("expected 2 results, got %d", len(report.Results))
	}
	if !errors.Is(report.Results[0].Err, model.ErrBackendAuth) || !report.Results[1].OK() {
		t.Errorf("expected distinct results, got %+v", report.Results)
	}

	s := e.Session()
	oa := s.Log(model.EngineOpenAI).Raw()
	gm := s.Log(model.EngineGemini).Raw()
	if roles(oa) != "system" {
		t.Errorf("openai log should be unchanged, got %s", roles(oa))
	}
	if roles(gm) != "system,user,assistant" {
		t.Fatalf("gemini log should gain a turn, got %s", roles(gm))
	}
	if gm[1].Content != "Director to All: compare notes" {
		t.Errorf("unexpected director turn %q", gm[1].Content)
	}
	if gm[2].Content != "gemini answer" {
		t.Errorf("self-label should be stripped, got %q", gm[2].Content)
	}
	if len(s.Pending[model.EngineOpenAI]) != 1 {
		t.Errorf("gemini's reply should be pending for openai, got %v", s.Pending)
	}
}

func TestDualCrosstalkAndTargetedContinuation(t *testing.T) {
	openai := backendtest.New(model.EngineOpenAI, backendtest.Text("openai view"))
	gemini := backendtest.New(model.EngineGemini, backendtest.Text("gemini view"))
	e := newTestEngine(t, model.ModeDual, openai, gemini)
	ctx := context.Background()

	if _, err := e.Send(ctx, "topic", nil); err != nil {
		t.Fatalf("send: %v", err)
	}
	report, err := e.SendTo(ctx, model.EngineGemini, "", nil)
	if err != nil {
		t.Fatalf("send to: %v", err)
	}
	if report.Err() != nil {
		t.Fatalf("targeted turn failed: %v", report.Err())
	}
	if len(openai.Calls()) != 1 {
		t.Errorf("targeted turn must not reach openai, got %d calls", len(openai.Calls()))
	}
	msgs := gemini.Calls()[1].Messages
	last := msgs[len(msgs)-1].Content
	if !strings.HasPrefix(last, "[OpenAI]: openai view") {
		t.Errorf("expected openai's reply carried over, got %q", last)
	}
	if !strings.Contains(last, "Director to Gemini: "+ContinuationPrompt) {
		t.Errorf("expected continuation prompt, got %q", last)
	}
}

func TestSendToInactiveEngine(t *testing.T) {
	e := newTestEngine(t, model.ModeSingleGemini, backendtest.New(model.EngineGemini))
	if _, err := e.SendTo(context.Background(), model.EngineOpenAI, "x", nil); !errors.Is(err, model.ErrEngineInactive) {
		t.Errorf("expected ErrEngineInactive, got %v", err)
	}
}

func TestContextTooLargeNotSent(t *testing.T) {
	fake := backendtest.New(model.EngineGemini, backendtest.Text("never"))
	e := newTestEngine(t, model.ModeSingleGemini, fake)
	path := filepath.Join(t.TempDir(), "big.txt")
	os.WriteFile(path, []byte(strings.Repeat("x", 8000)), 0o644)
	if _, err := e.Attach(path, nil, nil); err != nil {
		t.Fatalf("attach: %v", err)
	}
	e.Set("context_cap_tokens", "500")

	_, err := e.Send(context.Background(), "hello", nil)
	if !errors.Is(err, model.ErrContextTooLarge) {
		t.Fatalf("expected ErrContextTooLarge, got %v", err)
	}
	if len(fake.Calls()) != 0 {
		t.Error("turn must not be sent")
	}
	if e.Session().Log(model.EngineGemini).Len() != 0 {
		t.Error("history must be unchanged")
	}
}

func TestRefreshScenarioKeepsHistory(t *testing.T) {
	fake := backendtest.New(model.EngineGemini, backendtest.Text("read it"))
	e := newTestEngine(t, model.ModeSingleGemini, fake)
	path := filepath.Join(t.TempDir(), "a.txt")
	os.WriteFile(path, []byte("hello\nworld\n"), 0o644)

	if _, err := e.Attach(path, nil, nil); err != nil {
		t.Fatalf("attach: %v", err)
	}
	if _, err := e.Send(context.Background(), "summarize", nil); err != nil {
		t.Fatalf("send: %v", err)
	}
	if !strings.Contains(fake.Calls()[0].System, "hello\nworld\n") {
		t.Error("attachment should be in the system prompt")
	}
	before := e.Session().Log(model.EngineGemini).Raw()

	os.WriteFile(path, []byte("hello\nthere\n"), 0o644)
	report := e.Refresh("a.txt")
	if len(report.Updated) != 1 {
		t.Fatalf("expected a.txt updated, got %+v", report)
	}
	if got := e.Session().Context.List()[0].Content; got != "hello\nthere\n" {
		t.Errorf("expected new content, got %q", got)
	}
	if diff := cmp.Diff(before, e.Session().Log(model.EngineGemini).Raw()); diff != "" {
		t.Errorf("refresh changed history:\n%s", diff)
	}
}

func TestForgetAndClear(t *testing.T) {
	fake := backendtest.New(model.EngineOpenAI, backendtest.Text("ok"))
	e := newTestEngine(t, model.ModeSingleOpenAI, fake)
	ctx := context.Background()
	if _, err := e.ForgetLast(); !errors.Is(err, model.ErrNothingToForget) {
		t.Errorf("expected ErrNothingToForget, got %v", err)
	}
	e.Send(ctx, "a", nil)
	e.Send(ctx, "b", nil)
	if _, err := e.ForgetLast(); err != nil {
		t.Fatalf("forget: %v", err)
	}
	if got := e.Session().Log(model.EngineOpenAI).Len(); got != 2 {
		t.Errorf("expected 2 messages, got %d", got)
	}
	e.Clear()
	if got := e.Session().Log(model.EngineOpenAI).Len(); got != 0 {
		t.Errorf("expected empty log, got %d", got)
	}
}

func TestSaveLoadRoundTrip(t *testing.T) {
	openai := backendtest.New(model.EngineOpenAI, backendtest.Text("from openai"))
	gemini := backendtest.New(model.EngineGemini, backendtest.Text("from gemini"))
	e := newTestEngine(t, model.ModeDual, openai, gemini)
	dir := t.TempDir()
	src := filepath.Join(dir, "notes.md")
	os.WriteFile(src, []byte("# notes\n"), 0o644)
	e.Attach(src, nil, nil)
	e.Send(context.Background(), "first", nil)
	e.Do(func(s *Session) error {
		s.SystemOverride = "terse"
		s.MaxTokens = 321
		s.Stream = false
		s.Persona = &model.Persona{Name: "Coder", File: "coder.json", SystemPrompt: "You code."}
		return nil
	})

	path := filepath.Join(dir, "sessions", "rt.json")
	if err := e.Save(path, "rt"); err != nil {
		t.Fatalf("save: %v", err)
	}
	os.Remove(src)

	resolver := func(ref string) (*model.Persona, error) {
		return &model.Persona{Name: "Coder", File: ref, SystemPrompt: "You code."}, nil
	}
	loaded, err := Load(path, testSettings(model.ModeSingleGemini), resolver, nil)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	orig := e.Session()

	for _, eng := range model.Engines {
		if diff := cmp.Diff(orig.Log(eng).Raw(), loaded.Log(eng).Raw()); diff != "" {
			t.Errorf("%s log differs (-saved +loaded):\n%s", eng, diff)
		}
	}
	if diff := cmp.Diff(orig.Context.List(), loaded.Context.List()); diff != "" {
		t.Errorf("attachments differ (-saved +loaded):\n%s", diff)
	}
	if loaded.Mode != model.ModeDual || loaded.Name != "rt" || loaded.ID != orig.ID {
		t.Errorf("identity not restored: %+v", loaded)
	}
	if loaded.SystemOverride != "terse" || loaded.MaxTokens != 321 || loaded.Stream {
		t.Errorf("settings not restored: %+v", loaded)
	}
	if diff := cmp.Diff(orig.Persona, loaded.Persona); diff != "" {
		t.Errorf("persona differs:\n%s", diff)
	}
	if diff := cmp.Diff(orig.Pending, loaded.Pending); diff != "" {
		t.Errorf("pending differs:\n%s", diff)
	}

	infos, err := List(filepath.Dir(path))
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(infos) != 1 || infos[0].Name != "rt" || infos[0].Turns != 2 || infos[0].Attachments != 1 {
		t.Errorf("unexpected session list %+v", infos)
	}
}

func TestLoadCorrupt(t *testing.T) {
	dir := t.TempDir()
	cases := map[string]string{
		"garbage":      "{not json",
		"bad mode":     `{"format_version":1,"mode":"triple","logs":{}}`,
		"bad role":     `{"format_version":1,"logs":{"openai":[{"role":"robot","content":"x"}]}}`,
		"late system":  `{"format_version":1,"mode":"dual","logs":{"openai":[{"role":"user","content":"x"},{"role":"system","content":"y"}]}}`,
		"empty path":   `{"format_version":1,"logs":{},"attachments":[{"path":"","content":"x"}]}`,
		"future":       `{"format_version":99,"logs":{}}`,
		"wrong engine": `{"format_version":1,"mode":"single:openai","logs":{"gemini":[{"role":"user","content":"x"}]}}`,
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			path := filepath.Join(dir, strings.ReplaceAll(name, " ", "_")+".json")
			os.WriteFile(path, []byte(body), 0o644)
			if _, err := Load(path, config.Defaults(), nil, nil); !errors.Is(err, model.ErrSessionFileCorrupt) {
				t.Errorf("expected ErrSessionFileCorrupt, got %v", err)
			}
		})
	}
}

func TestLoadFillsMissingFieldsFromSettings(t *testing.T) {
	path := filepath.Join(t.TempDir(), "old.json")
	os.WriteFile(path, []byte(`{"id":"01OLD","mode":"single:openai","logs":{"openai":[{"role":"user","content":"hi"},{"role":"assistant","content":"yo"}]}}`), 0o644)

	settings := config.Defaults()
	settings.MaxTokens = 777
	settings.Stream = false
	s, err := Load(path, settings, nil, nil)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if s.MaxTokens != 777 || s.Stream || s.Models[model.EngineOpenAI] != settings.OpenAIModel {
		t.Errorf("missing fields should come from settings: %+v", s)
	}
	if s.Log(model.EngineOpenAI).Len() != 2 {
		t.Errorf("expected 2 messages, got %d", s.Log(model.EngineOpenAI).Len())
	}
}

func TestSetModeMovesHistory(t *testing.T) {
	fake := backendtest.New(model.EngineOpenAI, backendtest.Text("ok"))
	e := newTestEngine(t, model.ModeSingleOpenAI, fake)
	e.Send(context.Background(), "keep me", nil)

	err := e.Do(func(s *Session) error { return s.SetMode(model.ModeSingleGemini) })
	if err != nil {
		t.Fatalf("set mode: %v", err)
	}
	s := e.Session()
	if s.Log(model.EngineOpenAI) != nil {
		t.Error("inactive engine log should be gone")
	}
	if got := s.Log(model.EngineGemini).Raw(); len(got) != 2 || got[0].Content != "keep me" {
		t.Errorf("history should move to gemini, got %+v", got)
	}

	s.SetMode(model.ModeDual)
	if s.Log(model.EngineOpenAI) == nil || s.Log(model.EngineGemini).System() == "" {
		t.Error("dual mode should have two logs with identity prompts")
	}
	s.SetMode(model.ModeSingleGemini)
	if s.Log(model.EngineGemini).System() != "" {
		t.Error("identity prompt should be removed when leaving dual mode")
	}
}

func TestConsolidateAndRemember(t *testing.T) {
	fake := backendtest.New(model.EngineGemini, backendtest.Text("chat reply"), backendtest.Text("- user is testing"))
	e := newTestEngine(t, model.ModeSingleGemini, fake)
	ctx := context.Background()
	e.Send(ctx, "I am testing", nil)

	b, err := e.Consolidate(ctx)
	if err != nil {
		t.Fatalf("consolidate: %v", err)
	}
	if b == nil || b.Text != "- user is testing" {
		t.Fatalf("unexpected block %+v", b)
	}
	helper := fake.Calls()[1]
	if helper.Stream || helper.Model != config.Defaults().HelperGeminiModel {
		t.Errorf("summary should be a batch call on the helper model, got %+v", helper)
	}
	if _, err := e.Remember("likes Go"); err != nil {
		t.Fatalf("remember: %v", err)
	}

	// Memory now flows into the next prompt.
	fake.Replies = append(fake.Replies, backendtest.Text("noted"))
	e.Send(ctx, "what do you know?", nil)
	calls := fake.Calls()
	if sys := calls[len(calls)-1].System; !strings.Contains(sys, "likes Go") {
		t.Errorf("memory missing from system prompt: %q", sys)
	}
}

func TestDualForgetSkipsEngineThatFailedLastTurn(t *testing.T) {
	auth := backendtest.Reply{SendErr: &backend.Error{Engine: model.EngineOpenAI, Kind: backend.KindAuth, Status: 401}}
	openai := backendtest.New(model.EngineOpenAI, backendtest.Text("openai one"), auth)
	gemini := backendtest.New(model.EngineGemini, backendtest.Text("gemini reply"))
	e := newTestEngine(t, model.ModeDual, openai, gemini)
	ctx := context.Background()

	if _, err := e.Send(ctx, "turn one", nil); err != nil {
		t.Fatalf("send: %v", err)
	}
	report, err := e.Send(ctx, "turn two", nil)
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if !errors.Is(report.Err(), model.ErrBackendAuth) {
		t.Fatalf("expected openai to fail turn two, got %v", report.Err())
	}

	n, err := e.ForgetLast()
	if err != nil {
		t.Fatalf("forget: %v", err)
	}
	if n != 1 {
		t.Errorf("expected only gemini's log to change, got %d logs", n)
	}
	s := e.Session()
	oa := s.Log(model.EngineOpenAI).Raw()
	if roles(oa) != "system,user,assistant" || oa[1].Content != "Director to All: turn one" {
		t.Errorf("openai's turn one should survive, got %+v", oa)
	}
	gm := s.Log(model.EngineGemini).Raw()
	if roles(gm) != "system,user,assistant" || gm[1].Content != "Director to All: turn one" {
		t.Errorf("gemini should be back at turn one, got %+v", gm)
	}

	// Turn one was recorded by both engines, so both forget it.
	if n, err := e.ForgetLast(); err != nil || n != 2 {
		t.Errorf("expected both logs to forget turn one, got %d %v", n, err)
	}
}

func TestConsolidateTrimsOldestTurnsAcrossLogs(t *testing.T) {
	openai := backendtest.New(model.EngineOpenAI, backendtest.Text("openai says"))
	gemini := backendtest.New(model.EngineGemini, backendtest.Text("gemini says"))
	e := newTestEngine(t, model.ModeDual, openai, gemini)
	ctx := context.Background()

	e.Send(ctx, "alpha", nil)
	e.SendTo(ctx, model.EngineGemini, "bravo", nil)
	e.SendTo(ctx, model.EngineOpenAI, "charlie", nil)

	s := e.Session()
	oa := s.Log(model.EngineOpenAI).Raw()
	gm := s.Log(model.EngineGemini).Raw()
	// Room for exactly the two most recent exchanges.
	limit := 0
	for _, m := range append(oa[len(oa)-2:], gm[len(gm)-2:]...) {
		limit += budget.MessageTokens(m)
	}
	if _, err := e.Set("context_cap_tokens", strconv.Itoa(limit)); err != nil {
		t.Fatalf("set cap: %v", err)
	}
	helper := map[model.Engine]*backendtest.Fake{model.EngineOpenAI: openai, model.EngineGemini: gemini}[s.PrimaryEngine()]

	if _, err := e.Consolidate(ctx); err != nil {
		t.Fatalf("consolidate: %v", err)
	}
	hc := helper.Calls()
	last := hc[len(hc)-1]
	if last.Stream {
		t.Fatalf("expected the summary call last, got %+v", last)
	}
	prompt := last.Messages[0].Content
	for _, want := range []string{"bravo", "charlie"} {
		if !strings.Contains(prompt, want) {
			t.Errorf("summary prompt should keep %q, got %q", want, prompt)
		}
	}
	if strings.Contains(prompt, "alpha") {
		t.Errorf("oldest turn should be trimmed first, got %q", prompt)
	}
}

func TestFinalize(t *testing.T) {
	ctx := context.Background()

	t.Run("nothing said", func(t *testing.T) {
		fake := backendtest.New(model.EngineGemini, backendtest.Text("unused"))
		e := newTestEngine(t, model.ModeSingleGemini, fake)
		b, err := e.Finalize(ctx)
		if err != nil || b != nil || len(fake.Calls()) != 0 {
			t.Errorf("expected no consolidation, got %v %v with %d calls", b, err, len(fake.Calls()))
		}
	})

	t.Run("memory disabled", func(t *testing.T) {
		fake := backendtest.New(model.EngineGemini, backendtest.Text("reply"))
		e := newTestEngine(t, model.ModeSingleGemini, fake)
		e.Send(ctx, "hello", nil)
		e.Do(func(s *Session) error {
			s.MemoryEnabled = false
			return nil
		})
		b, err := e.Finalize(ctx)
		if err != nil || b != nil || len(fake.Calls()) != 1 {
			t.Errorf("expected no consolidation, got %v %v with %d calls", b, err, len(fake.Calls()))
		}
	})

	t.Run("consolidates", func(t *testing.T) {
		fake := backendtest.New(model.EngineGemini, backendtest.Text("reply"), backendtest.Text("- said hello"))
		e := newTestEngine(t, model.ModeSingleGemini, fake)
		e.Send(ctx, "hello", nil)
		b, err := e.Finalize(ctx)
		if err != nil {
			t.Fatalf("finalize: %v", err)
		}
		if b == nil || b.Text != "- said hello" {
			t.Errorf("unexpected block %+v", b)
		}
	})
}

func TestTranscriptRecordsTurns(t *testing.T) {
	auth := backendtest.Reply{SendErr: &backend.Error{Engine: model.EngineOpenAI, Kind: backend.KindAuth, Status: 401}}
	openai := backendtest.New(model.EngineOpenAI, backendtest.Text("openai one"), auth)
	gemini := backendtest.New(model.EngineGemini, backendtest.Text("gemini reply"))
	e := newTestEngine(t, model.ModeDual, openai, gemini)
	tr := NewTranscript(t.TempDir())
	e.SetTranscript(tr)
	ctx := context.Background()

	e.Send(ctx, "first", nil)
	e.Send(ctx, "second", nil)

	f, err := os.Open(tr.Path(e.Session().ID))
	if err != nil {
		t.Fatalf("open transcript: %v", err)
	}
	defer f.Close()
	var entries []TranscriptEntry
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		var entry TranscriptEntry
		if err := json.Unmarshal(sc.Bytes(), &entry); err != nil {
			t.Fatalf("decode line %q: %v", sc.Text(), err)
		}
		entries = append(entries, entry)
	}
	if len(entries) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(entries))
	}
	if len(entries[0].Messages) != 4 || len(entries[0].Failed) != 0 {
		t.Errorf("first turn should record both exchanges, got %+v", entries[0])
	}
	if entries[1].Prompt != "Director to All: second" {
		t.Errorf("unexpected prompt %q", entries[1].Prompt)
	}
	if len(entries[1].Messages) != 2 || entries[1].Messages[0].Engine != model.EngineGemini {
		t.Errorf("second turn should record gemini only, got %+v", entries[1].Messages)
	}
	if _, ok := entries[1].Failed[model.EngineOpenAI]; !ok {
		t.Errorf("openai failure should be noted, got %v", entries[1].Failed)
	}
	if entries[0].Messages[0].Turn == "" || entries[0].Messages[0].Turn != entries[0].Messages[2].Turn {
		t.Errorf("both exchanges of a turn should share its id, got %+v", entries[0].Messages)
	}
}

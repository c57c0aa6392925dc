package cli

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/rcliao/agent-chat/internal/backend"
	"github.com/rcliao/agent-chat/internal/backend/backendtest"
	"github.com/rcliao/agent-chat/internal/config"
	"github.com/rcliao/agent-chat/internal/model"
	"github.com/rcliao/agent-chat/internal/session"
)

func newTestApp(t *testing.T, adapters ...backend.Adapter) *app {
	t.Helper()
	paths := config.Paths{Home: t.TempDir()}
	if err := paths.Ensure(); err != nil {
		t.Fatalf("ensure: %v", err)
	}
	settings := config.Defaults()
	settings.WarnTokens = 0
	a := newApp(paths, settings, backend.NewRegistry(adapters...), nil, nil)
	a.dispatcher.BaseBackoff = 0
	return a
}

func runScript(t *testing.T, a *app, mode, script string) (string, *session.Engine) {
	t.Helper()
	eng, err := a.newEngine("", mode, nil)
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	var out bytes.Buffer
	r := newREPL(a, eng, strings.NewReader(script), &out, false)
	if err := r.run(context.Background()); err != nil {
		t.Fatalf("run: %v", err)
	}
	return out.String(), eng
}

func TestREPLSendsPromptsAndStopsAtExit(t *testing.T) {
	fake := backendtest.New(model.EngineGemini, backendtest.Text("hello back"))
	a := newTestApp(t, fake)

	out, eng := runScript(t, a, "gem", "hello\n\n/exit\nnot sent\n")
	if !strings.Contains(out, "hello back\n") {
		t.Errorf("expected reply in output, got %q", out)
	}
	calls := fake.Calls()
	if len(calls) != 2 {
		t.Fatalf("expected a chat call and a memory call, got %d", len(calls))
	}
	if calls[1].Stream || calls[1].Model != a.settings.HelperGeminiModel {
		t.Errorf("exit summary should be a batch call on the helper model, got %+v", calls[1])
	}
	if got := eng.Session().Log(model.EngineGemini).Len(); got != 2 {
		t.Errorf("expected 2 messages, got %d", got)
	}
	if !strings.Contains(out, "memory updated") {
		t.Errorf("expected memory update notice, got %q", out)
	}
	text, _ := a.memory.Store().Read()
	if !strings.Contains(text, "hello back") {
		t.Errorf("expected summary in memory, got %q", text)
	}
}

func TestREPLQuitSkipsMemory(t *testing.T) {
	fake := backendtest.New(model.EngineGemini, backendtest.Text("hello back"))
	a := newTestApp(t, fake)

	out, _ := runScript(t, a, "gem", "hello\n/quit\nnot sent\n")
	if len(fake.Calls()) != 1 {
		t.Errorf("expected only the chat call, got %d", len(fake.Calls()))
	}
	if strings.Contains(out, "memory updated") {
		t.Errorf("quit must not update memory, got %q", out)
	}
	if text, _ := a.memory.Store().Read(); text != "" {
		t.Errorf("expected empty memory, got %q", text)
	}
}

func TestREPLExitWithoutConversationSkipsMemory(t *testing.T) {
	fake := backendtest.New(model.EngineGemini, backendtest.Text("unused"))
	a := newTestApp(t, fake)

	runScript(t, a, "gem", "/exit\n")
	if len(fake.Calls()) != 0 {
		t.Errorf("expected no calls, got %d", len(fake.Calls()))
	}
}

func TestREPLHistory(t *testing.T) {
	t.Run("single", func(t *testing.T) {
		a := newTestApp(t, backendtest.New(model.EngineGemini, backendtest.Text("hello back")))
		out, _ := runScript(t, a, "gem", "/history\nhello\n/history\n")
		if !strings.Contains(out, "(no messages)\n") {
			t.Errorf("expected empty history first, got %q", out)
		}
		if !strings.Contains(out, "User: hello\nGemini: hello back\n") {
			t.Errorf("expected the exchange, got %q", out)
		}
	})

	t.Run("dual", func(t *testing.T) {
		a := newTestApp(t,
			backendtest.New(model.EngineOpenAI, backendtest.Text("oa reply")),
			backendtest.New(model.EngineGemini, backendtest.Text("gm reply")),
		)
		out, _ := runScript(t, a, "dual", "hi\n/history\n")
		for _, want := range []string{
			"--- OpenAI ---\nUser: Director to All: hi\nOpenAI: oa reply\n",
			"--- Gemini ---\nUser: Director to All: hi\nGemini: gm reply\n",
		} {
			if !strings.Contains(out, want) {
				t.Errorf("expected %q in %q", want, out)
			}
		}
	})
}

func TestREPLWritesTranscript(t *testing.T) {
	a := newTestApp(t, backendtest.New(model.EngineGemini, backendtest.Text("noted")))
	_, eng := runScript(t, a, "gem", "one\ntwo\n")

	data, err := os.ReadFile(filepath.Join(a.paths.Transcripts(), eng.Session().ID+".jsonl"))
	if err != nil {
		t.Fatalf("read transcript: %v", err)
	}
	if got := strings.Count(string(data), "\n"); got != 2 {
		t.Errorf("expected 2 transcript lines, got %d", got)
	}
}

func TestREPLUnknownCommand(t *testing.T) {
	a := newTestApp(t)
	out, _ := runScript(t, a, "gem", "/bogus\n")
	if !strings.Contains(out, "error: unknown command /bogus") {
		t.Errorf("expected unknown command error, got %q", out)
	}
}

func TestREPLAttachFilesDetach(t *testing.T) {
	a := newTestApp(t)
	path := filepath.Join(t.TempDir(), "notes.txt")
	os.WriteFile(path, []byte("some notes\n"), 0o644)

	out, eng := runScript(t, a, "gem", "/attach "+path+"\n/files\n/detach notes.txt\n/files\n")
	for _, want := range []string{"attached 1 file(s)", "11 B  notes.txt", "detached 1 file(s)", "no attachments"} {
		if !strings.Contains(out, want) {
			t.Errorf("expected %q in output, got %q", want, out)
		}
	}
	if eng.Session().Context.Len() != 0 {
		t.Error("expected no attachments left")
	}
}

func TestREPLDualTargetedTurn(t *testing.T) {
	openai := backendtest.New(model.EngineOpenAI, backendtest.Text("gpt says"))
	gemini := backendtest.New(model.EngineGemini, backendtest.Text("gem says"))
	a := newTestApp(t, openai, gemini)

	out, _ := runScript(t, a, "dual", "/ai gem\n")
	if !strings.Contains(out, "[Gemini]: gem says") {
		t.Errorf("expected labelled gemini reply, got %q", out)
	}
	if len(openai.Calls()) != 0 {
		t.Errorf("openai should not be called, got %d calls", len(openai.Calls()))
	}
	msgs := gemini.Calls()[0].Messages
	if got := msgs[len(msgs)-1].Content; got != "Director to Gemini: "+session.ContinuationPrompt {
		t.Errorf("unexpected director turn %q", got)
	}
}

func TestREPLFailureReported(t *testing.T) {
	fake := backendtest.New(model.EngineOpenAI, backendtest.Reply{
		SendErr: &backend.Error{Engine: model.EngineOpenAI, Kind: backend.KindQuota, Status: 429},
	})
	a := newTestApp(t, fake)

	out, eng := runScript(t, a, "gpt", "hi\n")
	if !strings.Contains(out, "[OpenAI] quota exceeded") {
		t.Errorf("expected quota failure, got %q", out)
	}
	if eng.Session().Log(model.EngineOpenAI).Len() != 0 {
		t.Error("failed turn must not be recorded")
	}
}

func TestREPLSaveClearLoad(t *testing.T) {
	fake := backendtest.New(model.EngineGemini, backendtest.Text("ok"))
	a := newTestApp(t, fake)

	out, eng := runScript(t, a, "gem", "remember this\n/save Demo Run\n/clear\n/load Demo Run\n/history\n")
	if _, err := os.Stat(a.paths.SessionFile("Demo Run")); err != nil {
		t.Fatalf("session file missing: %v", err)
	}
	if !strings.Contains(out, "User: remember this\nGemini: ok\n") {
		t.Errorf("expected restored history, got %q", out)
	}
	if eng.Session().Name != "Demo Run" {
		t.Errorf("expected loaded session name, got %q", eng.Session().Name)
	}
}

func TestREPLEngineSwitchKeepsHistory(t *testing.T) {
	openai := backendtest.New(model.EngineOpenAI, backendtest.Text("from gpt"))
	gemini := backendtest.New(model.EngineGemini, backendtest.Text("from gem"))
	a := newTestApp(t, openai, gemini)

	_, eng := runScript(t, a, "gpt", "first\n/engine gem\nsecond\n")
	log := eng.Session().Log(model.EngineGemini)
	if log == nil || log.Len() != 4 {
		t.Fatalf("expected 4 messages on gemini, got %v", log)
	}
	if got := len(gemini.Calls()[0].Messages); got != 3 {
		t.Errorf("gemini should see the earlier exchange, got %d messages", got)
	}
}

func TestREPLForgetMemoryConfirmed(t *testing.T) {
	fake := backendtest.New(model.EngineGemini, backendtest.Text("likes go"))
	a := newTestApp(t, fake)
	if _, err := a.memory.Inject("likes pizza\nlikes go", "test"); err != nil {
		t.Fatalf("inject: %v", err)
	}

	out, _ := runScript(t, a, "gem", "/forget-memory pizza\ny\ny\n")
	if !strings.Contains(out, "Apply anyway?") {
		t.Errorf("expected second confirmation for a large shrink, got %q", out)
	}
	text, _ := a.memory.Store().Read()
	if text != "likes go\n" {
		t.Errorf("expected rewritten memory, got %q", text)
	}
}

func TestREPLForgetMemoryDeclined(t *testing.T) {
	fake := backendtest.New(model.EngineGemini, backendtest.Text("likes go"))
	a := newTestApp(t, fake)
	a.memory.Inject("likes pizza\nlikes go", "test")
	before, _ := a.memory.Store().Read()

	out, _ := runScript(t, a, "gem", "/forget-memory pizza\nn\n")
	if !strings.Contains(out, "memory left unchanged") {
		t.Errorf("expected decline message, got %q", out)
	}
	after, _ := a.memory.Store().Read()
	if after != before {
		t.Errorf("memory changed after decline: %q", after)
	}
}

func TestREPLSetPersistsSettings(t *testing.T) {
	a := newTestApp(t)
	runScript(t, a, "gem", "/set max_tokens 100\n/set nope 1\n")

	s, err := config.LoadSettings(a.paths.Settings())
	if err != nil {
		t.Fatalf("load settings: %v", err)
	}
	if s.MaxTokens != 100 {
		t.Errorf("expected saved max_tokens 100, got %d", s.MaxTokens)
	}
}

func TestTurnPrinterLabelsDualOutput(t *testing.T) {
	var out bytes.Buffer
	p := newTurnPrinter(&out, true)
	p.sink(model.EngineOpenAI, "a")
	p.sink(model.EngineOpenAI, "b")
	p.sink(model.EngineGemini, "c")
	p.finish(&session.TurnReport{})

	if got, want := out.String(), "[OpenAI]: ab\n[Gemini]: c\n"; got != want {
		t.Errorf("expected %q, got %q", want, got)
	}
}

func TestParseMode(t *testing.T) {
	cases := map[string]model.Mode{
		"dual":          model.ModeDual,
		"gpt":           model.ModeSingleOpenAI,
		"Gemini":        model.ModeSingleGemini,
		"single:openai": model.ModeSingleOpenAI,
	}
	for in, want := range cases {
		got, err := parseMode(in)
		if err != nil || got != want {
			t.Errorf("parseMode(%q): expected %s, got %s (%v)", in, want, got, err)
		}
	}
	if _, err := parseMode("triple"); err == nil {
		t.Error("expected error for unknown mode")
	}
}

package budget

import (
	"errors"
	"strings"
	"testing"

	"github.com/rcliao/agent-chat/internal/model"
)

func msg(role model.Role, content string) model.Message {
	return model.Message{Role: role, Content: content}
}

func TestEstimateTextMonotonic(t *testing.T) {
	prev := 0
	for n := 0; n < 64; n++ {
		got := EstimateText(strings.Repeat("a", n))
		if got < prev {
			t.Fatalf("estimate decreased at %d: %d < %d", n, got, prev)
		}
		prev = got
	}
	if EstimateText("") != 0 {
		t.Error("expected 0 for empty text")
	}
	if EstimateText("abcde") != 2 {
		t.Errorf("expected 2, got %d", EstimateText("abcde"))
	}
}

func TestEstimateGrowsWithEveryInput(t *testing.T) {
	in := Input{PersonaPrompt: "You are helpful.", MemoryEnabled: true}
	base := Estimate(in)

	in.Memory = "user likes Go"
	withMem := Estimate(in)
	if withMem <= base {
		t.Errorf("memory should add tokens: %d <= %d", withMem, base)
	}

	in.Attachments = []model.Attachment{{Path: "/a.txt", Content: "hello"}}
	withAtt := Estimate(in)
	if withAtt <= withMem {
		t.Errorf("attachment should add tokens: %d <= %d", withAtt, withMem)
	}

	in.History = []model.Message{msg(model.RoleUser, "hi")}
	if Estimate(in) <= withAtt {
		t.Error("history should add tokens")
	}
}

func TestAssembleSystemOrder(t *testing.T) {
	in := Input{
		PersonaPrompt: "persona",
		Memory:        "remembered",
		MemoryEnabled: true,
		Attachments:   []model.Attachment{{Path: "/x/a.txt", Content: "A"}},
		History:       []model.Message{msg(model.RoleSystem, "identity"), msg(model.RoleUser, "q")},
	}
	got := AssembleSystem(in)
	want := "persona\n\nidentity\n\n" + MemoryHeader + "\nremembered\n\n" + AttachmentsHeader + "\n--- FILE: /x/a.txt ---\nA"
	if got != want {
		t.Errorf("unexpected system prompt:\n%s\nwant:\n%s", got, want)
	}

	in.SystemOverride = "override"
	in.MemoryEnabled = false
	got = AssembleSystem(in)
	if strings.Contains(got, "persona") || strings.Contains(got, "remembered") {
		t.Errorf("override and disabled memory not honored: %q", got)
	}
	if !strings.HasPrefix(got, "override") {
		t.Errorf("expected override first, got %q", got)
	}
}

func TestExplainSumsToTotal(t *testing.T) {
	in := Input{
		PersonaPrompt: "p",
		Memory:        "m",
		MemoryEnabled: true,
		Attachments:   []model.Attachment{{Path: "/a", Content: strings.Repeat("x", 40)}},
		History:       []model.Message{msg(model.RoleUser, "hello"), msg(model.RoleAssistant, "hi")},
	}
	b := Explain(in)
	if b.Total != Estimate(in) {
		t.Errorf("expected total %d, got %d", Estimate(in), b.Total)
	}
	if b.History != MessageTokens(in.History[0])+MessageTokens(in.History[1]) {
		t.Errorf("unexpected history tokens %d", b.History)
	}
	if b.Attachments == 0 || b.Memory == 0 {
		t.Errorf("expected non-zero sections, got %+v", b)
	}
}

func TestFitDropsOldestPairs(t *testing.T) {
	long := strings.Repeat("w", 400)
	in := Input{
		PersonaPrompt: "sys",
		History: []model.Message{
			msg(model.RoleSystem, "identity"),
			msg(model.RoleUser, long),
			msg(model.RoleAssistant, long),
			msg(model.RoleUser, long),
			msg(model.RoleAssistant, long),
			msg(model.RoleUser, "latest"),
		},
	}
	full := Estimate(in)
	limit := full - 150

	f, err := Fit(in, limit)
	if err != nil {
		t.Fatalf("fit: %v", err)
	}
	if f.Tokens > limit {
		t.Errorf("fitted %d exceeds cap %d", f.Tokens, limit)
	}
	if f.Dropped != 2 {
		t.Errorf("expected one pair dropped, got %d", f.Dropped)
	}
	if len(f.Messages) != 3 || f.Messages[0].Role != model.RoleUser {
		t.Errorf("expected history to start at a user turn, got %+v", f.Messages)
	}
	if !strings.Contains(f.System, "identity") {
		t.Error("system message must survive trimming")
	}
	if f.Messages[len(f.Messages)-1].Content != "latest" {
		t.Error("latest message must survive trimming")
	}
}

func TestFitNoCap(t *testing.T) {
	in := Input{History: []model.Message{msg(model.RoleUser, strings.Repeat("x", 1000))}}
	f, err := Fit(in, 0)
	if err != nil {
		t.Fatalf("fit: %v", err)
	}
	if f.Dropped != 0 || f.Tokens != Estimate(in) {
		t.Errorf("unexpected fit %+v", f)
	}
}

func TestFitContextTooLarge(t *testing.T) {
	in := Input{
		Attachments: []model.Attachment{{Path: "/big", Content: strings.Repeat("x", 4000)}},
		History:     []model.Message{msg(model.RoleUser, "a"), msg(model.RoleAssistant, "b"), msg(model.RoleUser, "c")},
	}
	_, err := Fit(in, 100)
	if !errors.Is(err, model.ErrContextTooLarge) {
		t.Fatalf("expected ErrContextTooLarge, got %v", err)
	}
	var tooLarge *model.ContextTooLargeError
	if !errors.As(err, &tooLarge) {
		t.Fatal("expected *ContextTooLargeError")
	}
	if tooLarge.Cap != 100 || tooLarge.Mandatory <= 100 {
		t.Errorf("unexpected error fields %+v", tooLarge)
	}
}

package brain

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"testing"

	"github.com/firebase/genkit/go/ai"

	"github.com/basket/agentrun/internal/agent"
	"github.com/basket/agentrun/internal/otel"
	"github.com/basket/agentrun/internal/tools"
)

func testPlanner(t *testing.T, replies ...string) (*GenkitPlanner, *int) {
	t.Helper()
	v, err := NewValidator(planSchema)
	if err != nil {
		t.Fatalf("NewValidator: %v", err)
	}
	calls := 0
	return &GenkitPlanner{
		validator:  v,
		maxRetries: 2,
		llmOn:      true,
		logger:     slog.Default(),
		generate: func(_ context.Context, _ string, _ []*ai.Message, _ string) (string, error) {
			if calls >= len(replies) {
				return "", errors.New("no more replies")
			}
			calls++
			return replies[calls-1], nil
		},
	}, &calls
}

func TestPlan_ParsesFencedJSON(t *testing.T) {
	p, _ := testPlanner(t, "Sure.\n```json\n{\"thought\": \"list the directory\", \"tool_calls\": [{\"tool\": \"bash\", \"input\": \"ls\"}]}\n```")
	plan, err := p.Plan(context.Background(), Request{})
	if err != nil {
		t.Fatalf("Plan: %v", err)
	}
	if plan.Thought != "list the directory" {
		t.Fatalf("thought = %q", plan.Thought)
	}
	if len(plan.Calls) != 1 || plan.Calls[0].Tool != "bash" || plan.Calls[0].Input != "ls" {
		t.Fatalf("calls = %+v", plan.Calls)
	}
}

func TestPlan_RetriesInvalidReply(t *testing.T) {
	p, calls := testPlanner(t,
		"I will run ls",
		`{"thought": "x", "tool_calls": [{"tool": ""}]}`,
		`{"thought": "done", "tool_calls": []}`,
	)
	plan, err := p.Plan(context.Background(), Request{})
	if err != nil {
		t.Fatalf("Plan: %v", err)
	}
	if *calls != 3 || plan.Thought != "done" || len(plan.Calls) != 0 {
		t.Fatalf("calls = %d, plan = %+v", *calls, plan)
	}
}

func TestPlan_GivesUpAfterRetries(t *testing.T) {
	p, _ := testPlanner(t, "nope", "still nope", "never")
	_, err := p.Plan(context.Background(), Request{})
	var ve *ValidationError
	if !errors.As(err, &ve) {
		t.Fatalf("err = %v, want ValidationError", err)
	}
}

func TestPlan_FallbackWithoutModel(t *testing.T) {
	p := &GenkitPlanner{}
	plan, err := p.Plan(context.Background(), Request{Tools: []tools.Spec{{Name: "bash"}, {Name: "terminate"}}})
	if err != nil {
		t.Fatalf("Plan: %v", err)
	}
	if len(plan.Calls) != 1 || plan.Calls[0].Tool != "terminate" {
		t.Fatalf("fallback plan = %+v", plan)
	}
}

func TestNewGenkitPlanner_NoKeyFallsBack(t *testing.T) {
	t.Setenv("GEMINI_API_KEY", "")
	t.Setenv("GOOGLE_API_KEY", "")
	p, err := NewGenkitPlanner(context.Background(), Config{Provider: "google"}, nil)
	if err != nil {
		t.Fatalf("NewGenkitPlanner: %v", err)
	}
	if p.llmOn {
		t.Fatal("planner should not be LLM-backed without a key")
	}
}

func TestInstructionsListTools(t *testing.T) {
	text := instructions(Request{Tools: []tools.Spec{{Name: "diag", Description: "run obdiag"}}})
	if !strings.Contains(text, "- diag: run obdiag") || !strings.Contains(text, `"tool_calls"`) {
		t.Fatalf("instructions = %q", text)
	}
}

func TestToMessages(t *testing.T) {
	msgs := toMessages([]agent.Message{
		{Role: agent.RoleUser, Content: "hi"},
		{Role: agent.RoleAssistant, Content: "thinking"},
		{Role: agent.RoleTool, Name: "bash", Content: "a.txt"},
	})
	if len(msgs) != 3 {
		t.Fatalf("len = %d", len(msgs))
	}
	if msgs[1].Role != ai.RoleModel {
		t.Fatalf("assistant role = %s", msgs[1].Role)
	}
	if !strings.Contains(msgs[2].Text(), "tool bash") {
		t.Fatalf("tool message = %q", msgs[2].Text())
	}
}

func TestExtractJSON(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{`prefix {"a": "}"} suffix`, `{"a": "}"}`},
		{"```\n[1,2]\n```", "[1,2]"},
		{"no json", ""},
	}
	for _, tt := range tests {
		if got := extractJSON(tt.in); got != tt.want {
			t.Errorf("extractJSON(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

type stubPlanner struct{ err error }

func (s stubPlanner) Plan(context.Context, Request) (Plan, error) {
	return Plan{Thought: "ok"}, s.err
}

func TestInstrument_PassesThrough(t *testing.T) {
	p, m := otel.Noop()
	planner := Instrument(stubPlanner{}, p.Tracer, m.PlannerDuration, "test-model")
	plan, err := planner.Plan(context.Background(), Request{})
	if err != nil || plan.Thought != "ok" {
		t.Fatalf("Plan = %+v, %v", plan, err)
	}

	boom := errors.New("quota exceeded")
	planner = Instrument(stubPlanner{err: boom}, p.Tracer, m.PlannerDuration, "test-model")
	if _, err := planner.Plan(context.Background(), Request{}); !errors.Is(err, boom) {
		t.Fatalf("err = %v, want %v", err, boom)
	}
}

func TestConfigModelName(t *testing.T) {
	if got := (Config{Provider: "anthropic"}).ModelName(); got != "claude-sonnet-4-5" {
		t.Fatalf("ModelName = %q", got)
	}
	if got := (Config{Model: " custom "}).ModelName(); got != "custom" {
		t.Fatalf("ModelName = %q", got)
	}
}

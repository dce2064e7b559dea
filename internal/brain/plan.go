// Package brain asks a language model for the agent's next action.
package brain

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/basket/agentrun/internal/agent"
	"github.com/basket/agentrun/internal/tools"
)

// Request is everything the planner sees for one think step.
type Request struct {
	System   string
	NextStep string
	Messages []agent.Message
	Tools    []tools.Spec
}

// Call is one tool invocation chosen by the planner.
type Call struct {
	Tool  string `json:"tool"`
	Input string `json:"input"`
}

// Plan is the planner's decision for one step. No calls means the thought
// is the answer for this step.
type Plan struct {
	Thought string `json:"thought"`
	Calls   []Call `json:"tool_calls"`
}

// Planner chooses the next action.
type Planner interface {
	Plan(ctx context.Context, req Request) (Plan, error)
}

// planSchema constrains model output.
const planSchema = `{
  "type": "object",
  "required": ["thought", "tool_calls"],
  "properties": {
    "thought": {"type": "string"},
    "tool_calls": {
      "type": "array",
      "maxItems": 8,
      "items": {
        "type": "object",
        "required": ["tool", "input"],
        "properties": {
          "tool": {"type": "string", "minLength": 1},
          "input": {"type": "string"}
        }
      }
    }
  }
}`

// instructions renders the tool catalogue and the reply format.
func instructions(req Request) string {
	var b strings.Builder
	b.WriteString("Available tools:\n")
	for _, t := range req.Tools {
		fmt.Fprintf(&b, "- %s: %s\n", t.Name, t.Description)
	}
	b.WriteString("\nReply with a single JSON object matching this schema and nothing else:\n")
	b.WriteString(planSchema)
	b.WriteString("\nUse an empty tool_calls array when no tool is needed.")
	return b.String()
}

func decodePlan(parsed any) (Plan, error) {
	raw, err := json.Marshal(parsed)
	if err != nil {
		return Plan{}, err
	}
	var p Plan
	if err := json.Unmarshal(raw, &p); err != nil {
		return Plan{}, fmt.Errorf("decode plan: %w", err)
	}
	p.Thought = strings.TrimSpace(p.Thought)
	return p, nil
}

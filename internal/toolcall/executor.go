// Package toolcall is the think/act executor shared by every agent kind:
// ask the planner for tool calls, run them, and feed the output back.
package toolcall

import (
	"context"
	"fmt"
	"strings"

	"github.com/basket/agentrun/internal/agent"
	"github.com/basket/agentrun/internal/brain"
	"github.com/basket/agentrun/internal/sandbox"
	"github.com/basket/agentrun/internal/tasks"
	"github.com/basket/agentrun/internal/tools"
)

// Executor implements agent.Executor.
type Executor struct {
	planner brain.Planner
	tools   *tools.Collection
	// shell refreshes the working directory before each think; may be nil.
	shell      sandbox.Executor
	workingDir string
}

// NewExecutor returns an executor over ts.
func NewExecutor(planner brain.Planner, ts *tools.Collection, shell sandbox.Executor) *Executor {
	return &Executor{planner: planner, tools: ts, shell: shell}
}

// Step runs one think/act iteration.
func (e *Executor) Step(ctx context.Context, s *agent.Session) (string, error) {
	step := s.CurrentStep()
	log := s.Logger()

	e.refreshWorkingDir(ctx)
	next := s.NextStepPrompt()
	if e.workingDir != "" {
		next = strings.ReplaceAll(next, "{current_dir}", e.workingDir)
	}

	plan, err := e.planner.Plan(ctx, brain.Request{
		System:   s.SystemPrompt(),
		NextStep: next,
		Messages: s.Memory().Messages(),
		Tools:    e.tools.Specs(),
	})
	if err != nil {
		return "", fmt.Errorf("think: %w", err)
	}

	log.Debug(tasks.MarkerThoughts+" "+plan.Thought, "agent", s.Name())
	log.Debug(fmt.Sprintf("%s %d tools to use", tasks.MarkerSelected, len(plan.Calls)), "agent", s.Name())
	if plan.Thought != "" {
		s.Hooks().OnThink(ctx, step, plan.Thought)
	}
	s.Memory().Add(agent.Message{Role: agent.RoleAssistant, Content: plan.Thought})

	if len(plan.Calls) == 0 {
		if plan.Thought == "" {
			return "No content or commands to execute", nil
		}
		return plan.Thought, nil
	}

	results := make([]string, 0, len(plan.Calls))
	for _, call := range plan.Calls {
		out, err := e.act(ctx, s, step, call)
		if err != nil {
			return "", err
		}
		results = append(results, out)
		if isFinished(e.tools, call.Tool) {
			s.Finish()
			break
		}
	}
	return strings.Join(results, "\n\n"), nil
}

// act runs a single call. Tool failures become observations; only errors
// that stop the task (cancellation, gate failures) are returned.
func (e *Executor) act(ctx context.Context, s *agent.Session, step int, call brain.Call) (string, error) {
	log := s.Logger()
	tool, ok := e.tools.Get(call.Tool)
	if !ok {
		obs := fmt.Sprintf("Error: Unknown tool '%s'", call.Tool)
		log.Warn(tasks.MarkerOops + " " + obs)
		s.Memory().Add(agent.Message{Role: agent.RoleTool, Name: call.Tool, Content: obs})
		return obs, nil
	}

	if err := s.Hooks().OnTool(ctx, step, call.Tool, call.Input); err != nil {
		return "", fmt.Errorf("tool %s: %w", call.Tool, err)
	}

	out, err := tool.Execute(ctx, call.Input)
	var obs string
	if err != nil {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		obs = fmt.Sprintf("Error: %v", err)
		log.Warn(fmt.Sprintf("%s The %s tool encountered a problem: %v", tasks.MarkerOops, call.Tool, err))
	} else {
		obs = fmt.Sprintf("Observed output of cmd `%s` executed:\n%s", call.Tool, out)
		if strings.TrimSpace(out) == "" {
			obs = fmt.Sprintf("Cmd `%s` completed with no output", call.Tool)
		}
		log.Debug(fmt.Sprintf("%s '%s' completed its mission!", tasks.MarkerToolResult, call.Tool))
	}
	s.Hooks().OnAction(ctx, step, call.Tool)
	s.Memory().Add(agent.Message{Role: agent.RoleTool, Name: call.Tool, Content: obs})

	if tools.IsFinisher(tool) {
		log.Info(fmt.Sprintf("%s '%s' has completed the task!", tasks.MarkerSpecialTool, call.Tool))
	}
	return obs, nil
}

func (e *Executor) refreshWorkingDir(ctx context.Context) {
	if e.shell == nil {
		return
	}
	out, _, code, err := e.shell.Exec(ctx, "pwd", "")
	if err == nil && code == 0 {
		e.workingDir = strings.TrimSpace(out)
	}
}

func isFinished(ts *tools.Collection, name string) bool {
	t, ok := ts.Get(name)
	return ok && tools.IsFinisher(t)
}

package toolcall

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sort"

	"github.com/basket/agentrun/internal/agent"
	"github.com/basket/agentrun/internal/brain"
	"github.com/basket/agentrun/internal/sandbox"
	"github.com/basket/agentrun/internal/tools"
)

// ErrUnknownKind is returned for a task kind with no registered agent.
var ErrUnknownKind = errors.New("unknown task kind")

// Kind names.
const (
	KindDiag = "diag"
	KindRAG  = "rag"
)

const diagSystemPrompt = `You are a DBA expert focused on OceanBase database problems.
OceanBase ships a diagnostics CLI, obdiag, which gathers logs, SQL audit records and process stacks with one command and performs root cause analysis for known scenarios.
Summarize the user's problem into a scenario, then propose the obdiag gather and rca commands that fit it. Use the diag tool to run them; every run is confirmed by a human first.
Common gather scenes: observer.base, observer.cluster_down, observer.cpu_high, observer.memory, observer.io, observer.compaction, observer.long_transaction, observer.restart, observer.perf_sql, observer.sql_err, observer.unknown.
Common rca scenes: transaction_execute_timeout, ddl_disk_full, lock_conflict, ddl_failure, clog_disk_full, disconnection, major_hold, log_error.
Never invent commands. Explain what each command does, ask the user for the collected archive, and close with a few numbered follow-up questions.`

const diagNextStepPrompt = `Current working directory: {current_dir}
Based on the current state, what's your next action?
1. Is the plan sufficient, or does it need refinement?
2. Can you execute the next step immediately?
3. Is the task complete? If so, use terminate right away.
Be concise in your reasoning, then select the appropriate tool.`

const ragSystemPrompt = `You answer questions about the OceanBase community edition.
Use the retrieve tool to look up documentation passages and answer strictly from them. If the question is unrelated to OceanBase, say you cannot help. If the documents do not cover it, say so and offer a best-effort answer from general knowledge, clearly marked as such.
Include code and SQL from the documents where relevant and never invent table names or statements. Do not include links.`

const ragNextStepPrompt = `Current working directory: {current_dir}
Based on the current state, what's your next action?
1. Run the diagnostics steps the user asked for?
2. Continue searching for valid information?
Be methodical and remember what you have learned so far.`

// KindsConfig wires the collaborators shared by all kinds.
type KindsConfig struct {
	Planner           brain.Planner
	Sandbox           sandbox.Provider
	DiagBinary        string
	RetrievalEndpoint string
	RetrievalTopK     int
	HTTPClient        *http.Client
}

// Kinds builds agents by task kind.
type Kinds struct {
	cfg KindsConfig
}

// NewKinds returns a builder for the diag and rag kinds.
func NewKinds(cfg KindsConfig) *Kinds {
	if cfg.Sandbox == nil {
		cfg.Sandbox = &sandbox.HostProvider{}
	}
	return &Kinds{cfg: cfg}
}

// Names lists the supported kinds.
func (k *Kinds) Names() []string {
	names := []string{KindDiag, KindRAG}
	sort.Strings(names)
	return names
}

// Supports reports whether kind can be built.
func (k *Kinds) Supports(kind string) bool {
	return kind == KindDiag || kind == KindRAG
}

// Build creates the agent for kind. base carries the per-task logger, hooks
// and budgets; Build fills in prompts, tools and the sandbox cleanup.
func (k *Kinds) Build(ctx context.Context, taskID, kind string, base agent.Config) (*agent.Agent, error) {
	if !k.Supports(kind) {
		return nil, fmt.Errorf("%w: %q", ErrUnknownKind, kind)
	}
	sess, err := k.cfg.Sandbox.NewSession(ctx, taskID)
	if err != nil {
		return nil, fmt.Errorf("sandbox session: %w", err)
	}

	bash := &tools.Bash{Exec: sess}
	ts := tools.NewCollection(bash)
	switch kind {
	case KindDiag:
		base.Name = KindDiag
		base.SystemPrompt = diagSystemPrompt
		base.NextStepPrompt = diagNextStepPrompt
		ts.Add(&tools.Diag{Bash: bash, Binary: k.cfg.DiagBinary})
	case KindRAG:
		base.Name = KindRAG
		base.SystemPrompt = ragSystemPrompt
		base.NextStepPrompt = ragNextStepPrompt
		ts.Add(&tools.Retrieve{Endpoint: k.cfg.RetrievalEndpoint, Client: k.cfg.HTTPClient, TopK: k.cfg.RetrievalTopK})
	}
	ts.Add(tools.Terminate{})
	base.Cleaner = sess

	return agent.New(base, NewExecutor(k.cfg.Planner, ts, sess)), nil
}

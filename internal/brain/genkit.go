package brain

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/firebase/genkit/go/ai"
	"github.com/firebase/genkit/go/genkit"
	"github.com/firebase/genkit/go/plugins/anthropic"
	"github.com/firebase/genkit/go/plugins/compat_oai"
	"github.com/firebase/genkit/go/plugins/googlegenai"

	"github.com/basket/agentrun/internal/agent"
)

// Config selects the model provider.
type Config struct {
	// Provider is "google", "anthropic", "openai" or "openai_compatible".
	Provider   string
	Model      string
	APIKey     string
	BaseURL    string
	MaxRetries int
}

var defaultModels = map[string]string{
	"google":            "gemini-2.5-flash",
	"anthropic":         "claude-sonnet-4-5",
	"openai":            "gpt-4o",
	"openai_compatible": "gpt-4o",
}

// ModelName returns the configured model, or the provider default.
func (c Config) ModelName() string {
	if m := strings.TrimSpace(c.Model); m != "" {
		return m
	}
	provider := strings.ToLower(strings.TrimSpace(c.Provider))
	if provider == "" {
		provider = "google"
	}
	return defaultModels[provider]
}

// generateFunc produces raw model text; swapped out in tests.
type generateFunc func(ctx context.Context, system string, history []*ai.Message, prompt string) (string, error)

// GenkitPlanner asks an LLM through Genkit for the next plan and validates
// the reply against the plan schema, re-asking on invalid output.
type GenkitPlanner struct {
	generate   generateFunc
	validator  *Validator
	maxRetries int
	llmOn      bool
	logger     *slog.Logger
}

// NewGenkitPlanner initializes Genkit for the configured provider. Without an
// API key the planner falls back to a deterministic plan that ends the run.
func NewGenkitPlanner(ctx context.Context, cfg Config, logger *slog.Logger) (*GenkitPlanner, error) {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "brain")

	provider := strings.ToLower(strings.TrimSpace(cfg.Provider))
	if provider == "" {
		provider = "google"
	}
	model := strings.TrimSpace(cfg.Model)
	if model == "" {
		model = defaultModels[provider]
	}
	apiKey := strings.TrimSpace(cfg.APIKey)
	if apiKey == "" {
		apiKey = envAPIKeyForProvider(provider)
	}

	validator, err := NewValidator(planSchema)
	if err != nil {
		return nil, err
	}
	p := &GenkitPlanner{validator: validator, maxRetries: cfg.MaxRetries, logger: logger}
	if p.maxRetries <= 0 {
		p.maxRetries = 2
	}
	if apiKey == "" {
		logger.Warn("LLM API key missing; using deterministic fallback", "provider", provider)
		return p, nil
	}

	var g *genkit.Genkit
	switch provider {
	case "anthropic":
		g = genkit.Init(ctx, genkit.WithPlugins(&anthropic.Anthropic{APIKey: apiKey, BaseURL: cfg.BaseURL}))
	case "openai":
		g = genkit.Init(ctx, genkit.WithPlugins(&compat_oai.OpenAICompatible{Provider: "openai", APIKey: apiKey, BaseURL: cfg.BaseURL}))
	case "openai_compatible":
		g = genkit.Init(ctx, genkit.WithPlugins(&compat_oai.OpenAICompatible{Provider: "openai_compatible", APIKey: apiKey, BaseURL: cfg.BaseURL}))
	case "google":
		_ = os.Setenv("GEMINI_API_KEY", apiKey)
		g = genkit.Init(ctx, genkit.WithPlugins(&googlegenai.GoogleAI{}))
	default:
		return nil, fmt.Errorf("unknown LLM provider %q", provider)
	}

	modelName := modelNameForProvider(provider, model)
	p.generate = func(ctx context.Context, system string, history []*ai.Message, prompt string) (string, error) {
		opts := []ai.GenerateOption{
			ai.WithModelName(modelName),
			// WithSystem formats its argument.
			ai.WithSystem(strings.ReplaceAll(system, "%", "%%")),
		}
		if len(history) > 0 {
			opts = append(opts, ai.WithMessages(history...))
		}
		opts = append(opts, ai.WithPrompt(prompt))
		resp, err := genkit.Generate(ctx, g, opts...)
		if err != nil {
			return "", fmt.Errorf("genkit generate: %w", err)
		}
		return resp.Text(), nil
	}
	p.llmOn = true
	logger.Info("planner initialized", "provider", provider, "model", modelName)
	return p, nil
}

// Plan implements Planner.
func (p *GenkitPlanner) Plan(ctx context.Context, req Request) (Plan, error) {
	if !p.llmOn {
		return fallbackPlan(req), nil
	}

	system := req.System + "\n\n" + instructions(req)
	history := toMessages(req.Messages)
	prompt := req.NextStep
	if strings.TrimSpace(prompt) == "" {
		prompt = "What is your next action?"
	}

	for attempt := 0; ; attempt++ {
		text, err := p.generate(ctx, system, history, prompt)
		if err != nil {
			return Plan{}, err
		}
		parsed, verr := p.validator.Validate(text)
		if verr == nil {
			return decodePlan(parsed)
		}
		var ve *ValidationError
		if !errors.As(verr, &ve) || attempt >= p.maxRetries {
			return Plan{}, fmt.Errorf("planner reply rejected after %d attempts: %w", attempt+1, verr)
		}
		p.logger.Warn("planner reply rejected, retrying", "attempt", attempt+1, "error", verr)
		history = append(history,
			&ai.Message{Role: ai.RoleUser, Content: []*ai.Part{ai.NewTextPart(prompt)}},
			&ai.Message{Role: ai.RoleModel, Content: []*ai.Part{ai.NewTextPart(text)}},
		)
		prompt = fmt.Sprintf("Your response did not match the required JSON schema. Error: %s\n\nReply again with only the JSON object.", ve.Message)
	}
}

// fallbackPlan is used without a model: it explains itself and terminates.
func fallbackPlan(req Request) Plan {
	for _, t := range req.Tools {
		if t.Name == "terminate" {
			return Plan{
				Thought: "No language model is configured, so I cannot plan further. Set llm.api_key to enable reasoning.",
				Calls:   []Call{{Tool: "terminate", Input: "failure"}},
			}
		}
	}
	return Plan{Thought: "No language model is configured."}
}

func toMessages(msgs []agent.Message) []*ai.Message {
	var out []*ai.Message
	for _, m := range msgs {
		var role ai.Role
		content := m.Content
		switch m.Role {
		case agent.RoleUser:
			role = ai.RoleUser
		case agent.RoleAssistant:
			role = ai.RoleModel
		case agent.RoleSystem:
			role = ai.RoleSystem
		case agent.RoleTool:
			// Tool output goes back as user text; the plan format has no tool-call ids.
			role = ai.RoleUser
			content = fmt.Sprintf("Observed output of tool %s:\n%s", m.Name, m.Content)
		default:
			continue
		}
		out = append(out, &ai.Message{Role: role, Content: []*ai.Part{ai.NewTextPart(content)}})
	}
	return out
}

func envAPIKeyForProvider(provider string) string {
	switch provider {
	case "anthropic":
		return os.Getenv("ANTHROPIC_API_KEY")
	case "openai", "openai_compatible":
		return os.Getenv("OPENAI_API_KEY")
	case "google":
		if k := os.Getenv("GEMINI_API_KEY"); k != "" {
			return k
		}
		return os.Getenv("GOOGLE_API_KEY")
	default:
		return ""
	}
}

func modelNameForProvider(provider, model string) string {
	switch provider {
	case "anthropic":
		return "anthropic/" + model
	case "openai":
		return "openai/" + model
	case "openai_compatible":
		return model
	default:
		return "googleai/" + model
	}
}

// Package llm provides the model transport used by the research agents:
// a provider-neutral request/response envelope, per-task model routing and
// token cost accounting.
package llm

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/mohammad-safakhou/prospector/config"
)

// Status classifies the outcome of one model request.
type Status string

const (
	StatusOK        Status = "ok"
	StatusAborted   Status = "aborted"
	StatusMaxTokens Status = "max-tokens"
	StatusError     Status = "error"
)

// Message roles on the conversation transcript.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// ToolUse is a tool invocation emitted by the model.
type ToolUse struct {
	ID    string          `json:"id"`
	Name  string          `json:"name"`
	Input json.RawMessage `json:"input"`
}

// ToolResult is the outcome of one tool invocation, echoed back to the model.
type ToolResult struct {
	ToolUseID string `json:"tool_use_id"`
	Content   string `json:"content"`
	IsError   bool   `json:"is_error,omitempty"`
}

// Message is one turn of the conversation. Assistant turns may carry tool
// calls; user turns may carry tool results.
type Message struct {
	Role        string       `json:"role"`
	Text        string       `json:"text,omitempty"`
	ToolCalls   []ToolUse    `json:"tool_calls,omitempty"`
	ToolResults []ToolResult `json:"tool_results,omitempty"`
}

// ToolDefinition describes one tool the model may call.
type ToolDefinition struct {
	Name        string                 `json:"name"`
	Description string                 `json:"description"`
	InputSchema map[string]interface{} `json:"input_schema"`
	Required    []string               `json:"required,omitempty"`
}

// Tool choice modes.
const (
	ToolChoiceAuto     = "auto"
	ToolChoiceRequired = "required"
	ToolChoiceNone     = "none"
)

// ToolChoice instructs the model whether and which tool it must call.
// Tool forces one specific tool by name; Mode is consulted otherwise.
type ToolChoice struct {
	Mode string `json:"mode,omitempty"`
	Tool string `json:"tool,omitempty"`
}

// Request is one model invocation. Model is a configured model key resolved
// through the Router; providers apply the model's configured token and
// temperature limits unless MaxTokens overrides them.
type Request struct {
	SystemPrompt string           `json:"system_prompt,omitempty"`
	Messages     []Message        `json:"messages"`
	Model        string           `json:"model"`
	Tools        []ToolDefinition `json:"tools,omitempty"`
	ToolChoice   ToolChoice       `json:"tool_choice,omitempty"`
	MaxTokens    int              `json:"max_tokens,omitempty"`
}

// Usage reports token consumption for one request.
type Usage struct {
	InputTokens  int64 `json:"input_tokens"`
	OutputTokens int64 `json:"output_tokens"`
}

// Add accumulates another usage record.
func (u *Usage) Add(other Usage) {
	u.InputTokens += other.InputTokens
	u.OutputTokens += other.OutputTokens
}

// Response is the provider-neutral result of one request. Status is
// authoritative: callers branch on it rather than on the error, which only
// adds transport detail when Status is not ok.
type Response struct {
	Status     Status  `json:"status"`
	Message    Message `json:"message"`
	Usage      Usage   `json:"usage"`
	StopReason string  `json:"stop_reason,omitempty"`
}

// Responder executes a single model request. Implementations must be safe
// for concurrent use.
type Responder interface {
	Request(ctx context.Context, req Request) (Response, error)
}

// TaskKind selects a routed model for one category of agent work.
type TaskKind string

const (
	TaskCoordination TaskKind = "coordination"
	TaskExtraction   TaskKind = "extraction"
	TaskDedup        TaskKind = "dedup"
	TaskSynthesis    TaskKind = "synthesis"
)

// Router dispatches requests to the provider owning the requested model key
// and answers routing and cost questions for the rest of the system.
type Router struct {
	providers map[string]Responder
	byModel   map[string]string // model key -> provider name
	models    map[string]config.LLMModel
	routing   config.LLMRoutingConfig
}

// NewRouter builds provider responders from configuration.
func NewRouter(cfg config.LLMConfig) (*Router, error) {
	if len(cfg.Providers) == 0 {
		return nil, fmt.Errorf("no LLM providers configured")
	}
	r := &Router{
		providers: make(map[string]Responder),
		byModel:   make(map[string]string),
		models:    make(map[string]config.LLMModel),
		routing:   cfg.Routing,
	}
	for name, provider := range cfg.Providers {
		var responder Responder
		var err error
		switch provider.Type {
		case "anthropic":
			responder, err = newAnthropicResponder(provider)
		case "openai":
			responder, err = newOpenAIResponder(provider)
		default:
			return nil, fmt.Errorf("unsupported LLM provider type: %s", provider.Type)
		}
		if err != nil {
			return nil, fmt.Errorf("provider %s: %w", name, err)
		}
		r.providers[name] = responder
		for key, model := range provider.Models {
			if prev, ok := r.byModel[key]; ok {
				return nil, fmt.Errorf("model %q configured by both %s and %s", key, prev, name)
			}
			r.byModel[key] = name
			r.models[key] = model
		}
	}
	return r, nil
}

// Request dispatches to the provider that owns req.Model.
func (r *Router) Request(ctx context.Context, req Request) (Response, error) {
	providerName, ok := r.byModel[req.Model]
	if !ok {
		return Response{Status: StatusError}, fmt.Errorf("model %q not configured", req.Model)
	}
	return r.providers[providerName].Request(ctx, req)
}

// ModelFor returns the routed model key for a task kind, falling back to the
// configured fallback model when the task has no explicit route.
func (r *Router) ModelFor(kind TaskKind) string {
	var model string
	switch kind {
	case TaskCoordination:
		model = r.routing.Coordination
	case TaskExtraction:
		model = r.routing.Extraction
	case TaskDedup:
		model = r.routing.Dedup
	case TaskSynthesis:
		model = r.routing.Synthesis
	}
	if model == "" {
		model = r.routing.Fallback
	}
	return model
}

// CalculateCost converts token usage into USD using the model's configured
// per-1K rates. Unknown models cost zero.
func (r *Router) CalculateCost(model string, usage Usage) float64 {
	info, ok := r.models[model]
	if !ok {
		return 0.0
	}
	inputCost := float64(usage.InputTokens) / 1000.0 * info.CostPer1K
	outputCost := float64(usage.OutputTokens) / 1000.0 * info.CostPer1KOutput
	return inputCost + outputCost
}

// HasToolCalls reports whether the assistant message carries any tool calls.
func (m Message) HasToolCalls() bool { return len(m.ToolCalls) > 0 }

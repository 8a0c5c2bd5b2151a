package llm

import (
	"context"
	"errors"
	"fmt"
	"math"
	"net"
	"os"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/mohammad-safakhou/prospector/config"
)

const (
	defaultRequestRetries = 3
	defaultRequestBackoff = 1 * time.Second
	defaultMaxTokens      = 4096
)

// anthropicResponder implements Responder on the Anthropic messages API.
type anthropicResponder struct {
	cfg     config.LLMProvider
	client  anthropic.Client
	retries int
	backoff time.Duration
}

func newAnthropicResponder(cfg config.LLMProvider) (*anthropicResponder, error) {
	apiKey := cfg.APIKey
	if apiKey == "" {
		apiKey = os.Getenv("ANTHROPIC_API_KEY")
	}
	if apiKey == "" {
		return nil, fmt.Errorf("anthropic API key not configured")
	}
	opts := []option.RequestOption{option.WithAPIKey(apiKey)}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	retries := cfg.MaxRetries
	if retries <= 0 {
		retries = defaultRequestRetries
	}
	return &anthropicResponder{
		cfg:     cfg,
		client:  anthropic.NewClient(opts...),
		retries: retries,
		backoff: defaultRequestBackoff,
	}, nil
}

func (p *anthropicResponder) Request(ctx context.Context, req Request) (Response, error) {
	model, ok := p.cfg.Models[req.Model]
	if !ok {
		return Response{Status: StatusError}, fmt.Errorf("model %q not configured", req.Model)
	}
	apiModel := model.APIName
	if apiModel == "" {
		apiModel = model.Name
	}
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = model.MaxTokens
	}
	if maxTokens <= 0 {
		maxTokens = defaultMaxTokens
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(apiModel),
		MaxTokens: int64(maxTokens),
		Messages:  toAnthropicMessages(req.Messages),
	}
	if req.SystemPrompt != "" {
		params.System = []anthropic.TextBlockParam{{Text: req.SystemPrompt}}
	}
	if model.Temperature != 0 {
		params.Temperature = anthropic.Float(model.Temperature)
	}
	if len(req.Tools) > 0 {
		params.Tools = toAnthropicTools(req.Tools)
		params.ToolChoice = toAnthropicToolChoice(req.ToolChoice)
	}

	var lastErr error
	for attempt := 0; attempt <= p.retries; attempt++ {
		if attempt > 0 {
			backoff := p.backoff * time.Duration(math.Pow(2, float64(attempt-1)))
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return Response{Status: StatusAborted}, ctx.Err()
			}
		}

		message, err := p.client.Messages.New(ctx, params)
		if err == nil {
			return fromAnthropicMessage(message), nil
		}
		lastErr = err

		if ctx.Err() != nil {
			return Response{Status: StatusAborted}, ctx.Err()
		}
		if !anthropicRetryable(err) {
			return Response{Status: StatusError}, fmt.Errorf("anthropic request: %w", err)
		}
	}
	return Response{Status: StatusError}, fmt.Errorf("anthropic request failed after %d attempts: %w", p.retries+1, lastErr)
}

func toAnthropicMessages(messages []Message) []anthropic.MessageParam {
	out := make([]anthropic.MessageParam, 0, len(messages))
	for _, m := range messages {
		var blocks []anthropic.ContentBlockParamUnion
		if m.Text != "" {
			blocks = append(blocks, anthropic.NewTextBlock(m.Text))
		}
		for _, call := range m.ToolCalls {
			blocks = append(blocks, anthropic.ContentBlockParamUnion{
				OfToolUse: &anthropic.ToolUseBlockParam{ID: call.ID, Name: call.Name, Input: call.Input},
			})
		}
		for _, result := range m.ToolResults {
			blocks = append(blocks, anthropic.ContentBlockParamUnion{
				OfToolResult: &anthropic.ToolResultBlockParam{
					ToolUseID: result.ToolUseID,
					IsError:   anthropic.Bool(result.IsError),
					Content: []anthropic.ToolResultBlockParamContentUnion{
						{OfText: &anthropic.TextBlockParam{Text: result.Content}},
					},
				},
			})
		}
		if len(blocks) == 0 {
			continue
		}
		role := anthropic.MessageParamRoleUser
		if m.Role == RoleAssistant {
			role = anthropic.MessageParamRoleAssistant
		}
		out = append(out, anthropic.MessageParam{Role: role, Content: blocks})
	}
	return out
}

func toAnthropicTools(tools []ToolDefinition) []anthropic.ToolUnionParam {
	out := make([]anthropic.ToolUnionParam, 0, len(tools))
	for _, t := range tools {
		out = append(out, anthropic.ToolUnionParam{
			OfTool: &anthropic.ToolParam{
				Name:        t.Name,
				Description: anthropic.String(t.Description),
				InputSchema: anthropic.ToolInputSchemaParam{
					Properties: t.InputSchema,
					Required:   t.Required,
				},
			},
		})
	}
	return out
}

func toAnthropicToolChoice(choice ToolChoice) anthropic.ToolChoiceUnionParam {
	if choice.Tool != "" {
		return anthropic.ToolChoiceUnionParam{OfTool: &anthropic.ToolChoiceToolParam{Name: choice.Tool}}
	}
	switch choice.Mode {
	case ToolChoiceRequired:
		return anthropic.ToolChoiceUnionParam{OfAny: &anthropic.ToolChoiceAnyParam{}}
	case ToolChoiceNone:
		return anthropic.ToolChoiceUnionParam{OfNone: &anthropic.ToolChoiceNoneParam{}}
	default:
		return anthropic.ToolChoiceUnionParam{OfAuto: &anthropic.ToolChoiceAutoParam{}}
	}
}

func fromAnthropicMessage(message *anthropic.Message) Response {
	msg := Message{Role: RoleAssistant}
	for _, block := range message.Content {
		switch block.Type {
		case "text":
			if msg.Text != "" {
				msg.Text += "\n"
			}
			msg.Text += block.Text
		case "tool_use":
			msg.ToolCalls = append(msg.ToolCalls, ToolUse{ID: block.ID, Name: block.Name, Input: block.Input})
		}
	}
	return Response{
		Status:     anthropicStatus(message.StopReason),
		Message:    msg,
		Usage:      Usage{InputTokens: message.Usage.InputTokens, OutputTokens: message.Usage.OutputTokens},
		StopReason: string(message.StopReason),
	}
}

func anthropicStatus(reason anthropic.StopReason) Status {
	switch reason {
	case anthropic.StopReasonMaxTokens:
		return StatusMaxTokens
	case anthropic.StopReasonRefusal, anthropic.StopReasonPauseTurn:
		return StatusAborted
	default:
		return StatusOK
	}
}

func anthropicRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	var apiErr *anthropic.Error
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode == 429 || apiErr.StatusCode >= 500
	}
	return false
}

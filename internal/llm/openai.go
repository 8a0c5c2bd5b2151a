package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"os"
	"time"

	"github.com/mohammad-safakhou/prospector/config"
)

const defaultOpenAIBaseURL = "https://api.openai.com/v1"

// openaiResponder implements Responder on any chat-completions compatible API.
type openaiResponder struct {
	cfg     config.LLMProvider
	client  *http.Client
	retries int
	backoff time.Duration
}

func newOpenAIResponder(cfg config.LLMProvider) (*openaiResponder, error) {
	apiKey := cfg.APIKey
	if apiKey == "" {
		apiKey = os.Getenv("OPENAI_API_KEY")
	}
	if apiKey == "" {
		return nil, fmt.Errorf("openai API key not configured")
	}
	cfg.APIKey = apiKey
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 120 * time.Second
	}
	retries := cfg.MaxRetries
	if retries <= 0 {
		retries = defaultRequestRetries
	}
	return &openaiResponder{
		cfg:     cfg,
		client:  &http.Client{Timeout: timeout},
		retries: retries,
		backoff: defaultRequestBackoff,
	}, nil
}

type chatMessage struct {
	Role       string         `json:"role"`
	Content    string         `json:"content,omitempty"`
	ToolCalls  []chatToolCall `json:"tool_calls,omitempty"`
	ToolCallID string         `json:"tool_call_id,omitempty"`
}

type chatToolCall struct {
	ID       string       `json:"id"`
	Type     string       `json:"type"`
	Function chatFunction `json:"function"`
}

type chatFunction struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

type chatTool struct {
	Type     string       `json:"type"`
	Function chatToolSpec `json:"function"`
}

type chatToolSpec struct {
	Name        string                 `json:"name"`
	Description string                 `json:"description,omitempty"`
	Parameters  map[string]interface{} `json:"parameters"`
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Tools       []chatTool    `json:"tools,omitempty"`
	ToolChoice  interface{}   `json:"tool_choice,omitempty"`
	Temperature float64       `json:"temperature,omitempty"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content   string         `json:"content"`
			ToolCalls []chatToolCall `json:"tool_calls"`
		} `json:"message"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int64 `json:"prompt_tokens"`
		CompletionTokens int64 `json:"completion_tokens"`
	} `json:"usage"`
}

func (p *openaiResponder) Request(ctx context.Context, req Request) (Response, error) {
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

	body := chatRequest{
		Model:       apiModel,
		Messages:    toChatMessages(req.SystemPrompt, req.Messages),
		Temperature: model.Temperature,
		MaxTokens:   maxTokens,
	}
	if len(req.Tools) > 0 {
		body.Tools = toChatTools(req.Tools)
		body.ToolChoice = toChatToolChoice(req.ToolChoice)
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return Response{Status: StatusError}, fmt.Errorf("marshal: %w", err)
	}

	baseURL := p.cfg.BaseURL
	if baseURL == "" {
		baseURL = defaultOpenAIBaseURL
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

		resp, err := p.send(ctx, baseURL, payload)
		if err == nil {
			return resp, nil
		}
		lastErr = err
		if ctx.Err() != nil {
			return Response{Status: StatusAborted}, ctx.Err()
		}
		var httpErr *openaiHTTPError
		if errors.As(err, &httpErr) && httpErr.status != 429 && httpErr.status < 500 {
			return Response{Status: StatusError}, err
		}
	}
	return Response{Status: StatusError}, fmt.Errorf("openai request failed after %d attempts: %w", p.retries+1, lastErr)
}

type openaiHTTPError struct {
	status int
	body   string
}

func (e *openaiHTTPError) Error() string {
	return fmt.Sprintf("openai status %d: %s", e.status, e.body)
}

func (p *openaiResponder) send(ctx context.Context, baseURL string, payload []byte) (Response, error) {
	httpReq, err := http.NewRequestWithContext(ctx, "POST", baseURL+"/chat/completions", bytes.NewReader(payload))
	if err != nil {
		return Response{}, fmt.Errorf("request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+p.cfg.APIKey)

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return Response{}, fmt.Errorf("do: %w", err)
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return Response{}, fmt.Errorf("read body: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return Response{}, &openaiHTTPError{status: resp.StatusCode, body: trimBody(raw)}
	}

	var out chatResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		return Response{}, fmt.Errorf("decode: %w", err)
	}
	if len(out.Choices) == 0 {
		return Response{}, fmt.Errorf("no choices in response")
	}
	choice := out.Choices[0]

	msg := Message{Role: RoleAssistant, Text: choice.Message.Content}
	for _, call := range choice.Message.ToolCalls {
		msg.ToolCalls = append(msg.ToolCalls, ToolUse{
			ID:    call.ID,
			Name:  call.Function.Name,
			Input: json.RawMessage(call.Function.Arguments),
		})
	}
	return Response{
		Status:     openaiStatus(choice.FinishReason),
		Message:    msg,
		Usage:      Usage{InputTokens: out.Usage.PromptTokens, OutputTokens: out.Usage.CompletionTokens},
		StopReason: choice.FinishReason,
	}, nil
}

func toChatMessages(systemPrompt string, messages []Message) []chatMessage {
	var out []chatMessage
	if systemPrompt != "" {
		out = append(out, chatMessage{Role: "system", Content: systemPrompt})
	}
	for _, m := range messages {
		switch m.Role {
		case RoleAssistant:
			cm := chatMessage{Role: "assistant", Content: m.Text}
			for _, call := range m.ToolCalls {
				cm.ToolCalls = append(cm.ToolCalls, chatToolCall{
					ID:       call.ID,
					Type:     "function",
					Function: chatFunction{Name: call.Name, Arguments: string(call.Input)},
				})
			}
			out = append(out, cm)
		default:
			// Tool results become individual "tool" role messages; plain text
			// stays a user message.
			for _, result := range m.ToolResults {
				content := result.Content
				if result.IsError {
					content = "ERROR: " + content
				}
				out = append(out, chatMessage{Role: "tool", ToolCallID: result.ToolUseID, Content: content})
			}
			if m.Text != "" {
				out = append(out, chatMessage{Role: "user", Content: m.Text})
			}
		}
	}
	return out
}

func toChatTools(tools []ToolDefinition) []chatTool {
	out := make([]chatTool, 0, len(tools))
	for _, t := range tools {
		params := map[string]interface{}{
			"type":       "object",
			"properties": t.InputSchema,
		}
		if len(t.Required) > 0 {
			params["required"] = t.Required
		}
		out = append(out, chatTool{
			Type:     "function",
			Function: chatToolSpec{Name: t.Name, Description: t.Description, Parameters: params},
		})
	}
	return out
}

func toChatToolChoice(choice ToolChoice) interface{} {
	if choice.Tool != "" {
		return map[string]interface{}{
			"type":     "function",
			"function": map[string]interface{}{"name": choice.Tool},
		}
	}
	switch choice.Mode {
	case ToolChoiceRequired:
		return "required"
	case ToolChoiceNone:
		return "none"
	default:
		return "auto"
	}
}

func openaiStatus(finishReason string) Status {
	switch finishReason {
	case "length":
		return StatusMaxTokens
	case "content_filter":
		return StatusAborted
	default:
		return StatusOK
	}
}

func trimBody(raw []byte) string {
	const max = 512
	if len(raw) > max {
		return string(raw[:max]) + "..."
	}
	return string(raw)
}

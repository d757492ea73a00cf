package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/paperforge/paperforge/internal/metrics"
	"github.com/paperforge/paperforge/types"
)

// systemPrompt is sent on every call. The final assistant message must be a
// single JSON object so it can be decoded into the caller's schema.
const systemPrompt = "You are a research automation agent. Use the provided tools when they help. " +
	"When you are done, respond with a single JSON object matching the requested schema and nothing else."

// HTTPCallerConfig configures the OpenAI-compatible agent endpoint.
type HTTPCallerConfig struct {
	BaseURL  string
	APIKey   string
	Model    string
	MaxTurns int
	Timeout  time.Duration
}

// HTTPCaller implements Caller against an OpenAI-compatible chat
// completions endpoint, running a bounded turn loop: each turn the agent
// may request tool calls, which are dispatched through the closed registry
// and fed back, until it produces its final typed output or the turn limit
// is hit.
type HTTPCaller struct {
	cfg      HTTPCallerConfig
	registry *Registry
	client   *http.Client
	metrics  *metrics.Collector
	logger   *zap.Logger
}

// NewHTTPCaller creates an HTTP-backed agent caller.
func NewHTTPCaller(cfg HTTPCallerConfig, registry *Registry, collector *metrics.Collector, logger *zap.Logger) *HTTPCaller {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.MaxTurns <= 0 {
		cfg.MaxTurns = 50
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 2 * time.Minute
	}
	return &HTTPCaller{
		cfg:      cfg,
		registry: registry,
		client:   &http.Client{Timeout: cfg.Timeout},
		metrics:  collector,
		logger:   logger.With(zap.String("component", "agent_caller")),
	}
}

type chatMessage struct {
	Role       string     `json:"role"`
	Content    string     `json:"content,omitempty"`
	ToolCalls  []toolCall `json:"tool_calls,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"`
}

type toolCall struct {
	ID       string `json:"id"`
	Type     string `json:"type"`
	Function struct {
		Name      string `json:"name"`
		Arguments string `json:"arguments"`
	} `json:"function"`
}

type toolDef struct {
	Type     string `json:"type"`
	Function struct {
		Name        string         `json:"name"`
		Description string         `json:"description"`
		Parameters  map[string]any `json:"parameters"`
	} `json:"function"`
}

type chatRequest struct {
	Model    string        `json:"model"`
	Messages []chatMessage `json:"messages"`
	Tools    []toolDef     `json:"tools,omitempty"`
}

type chatResponse struct {
	Choices []struct {
		Message      chatMessage `json:"message"`
		FinishReason string      `json:"finish_reason"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error"`
}

// Call implements Caller.
func (c *HTTPCaller) Call(ctx context.Context, req Request, out any) error {
	maxTurns := c.cfg.MaxTurns
	if req.MaxTurns > 0 {
		maxTurns = req.MaxTurns
	}

	tools, err := c.buildToolDefs(req.Tools)
	if err != nil {
		return err
	}

	messages := []chatMessage{
		{Role: "system", Content: systemPrompt},
		{Role: "user", Content: req.Input},
	}

	for turn := 0; turn < maxTurns; turn++ {
		resp, err := c.complete(ctx, chatRequest{
			Model:    c.cfg.Model,
			Messages: messages,
			Tools:    tools,
		})
		if err != nil {
			c.metrics.AgentCall("error")
			return err
		}

		msg := resp.Choices[0].Message
		messages = append(messages, msg)

		if len(msg.ToolCalls) == 0 {
			if err := decodeFinal(msg.Content, out); err != nil {
				c.metrics.AgentCall("bad_output")
				return err
			}
			c.metrics.AgentCall("success")
			return nil
		}

		for _, tc := range msg.ToolCalls {
			content := c.runToolCall(ctx, tc)
			messages = append(messages, chatMessage{
				Role:       "tool",
				ToolCallID: tc.ID,
				Content:    content,
			})
		}
	}

	c.metrics.AgentCall("turn_limit")
	return types.NewError(types.ErrTurnLimit, fmt.Sprintf("agent did not finish within %d turns", maxTurns))
}

func (c *HTTPCaller) buildToolDefs(names []string) ([]toolDef, error) {
	defs := make([]toolDef, 0, len(names))
	for _, name := range names {
		t, ok := c.registry.Get(name)
		if !ok {
			return nil, types.NewError(types.ErrToolNotFound, fmt.Sprintf("request exposes unknown tool %q", name))
		}
		var def toolDef
		def.Type = "function"
		def.Function.Name = t.Name()
		def.Function.Description = t.Description()
		def.Function.Parameters = map[string]any{"type": "object", "additionalProperties": true}
		defs = append(defs, def)
	}
	return defs, nil
}

// runToolCall dispatches one tool call. Tool failures are reported back to
// the agent as content rather than aborting the turn loop; the agent can
// recover or give up on its own.
func (c *HTTPCaller) runToolCall(ctx context.Context, tc toolCall) string {
	c.logger.Debug("dispatching tool call",
		zap.String("tool", tc.Function.Name))

	result, err := c.registry.Dispatch(ctx, tc.Function.Name, json.RawMessage(tc.Function.Arguments))
	if err != nil {
		c.logger.Warn("tool call failed",
			zap.String("tool", tc.Function.Name),
			zap.Error(err))
		return fmt.Sprintf(`{"error": %q}`, err.Error())
	}

	b, err := json.Marshal(result)
	if err != nil {
		return fmt.Sprintf(`{"error": %q}`, err.Error())
	}
	return string(b)
}

func (c *HTTPCaller) complete(ctx context.Context, req chatRequest) (*chatResponse, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, types.NewError(types.ErrAgentCall, "encode request").WithCause(err)
	}

	url := strings.TrimRight(c.cfg.BaseURL, "/") + "/chat/completions"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, types.NewError(types.ErrAgentCall, "build request").WithCause(err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.cfg.APIKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	}

	httpResp, err := c.client.Do(httpReq)
	if err != nil {
		return nil, types.NewError(types.ErrAgentCall, "agent endpoint unreachable").WithRetryable(true).WithCause(err)
	}
	defer httpResp.Body.Close()

	data, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return nil, types.NewError(types.ErrAgentCall, "read response").WithCause(err)
	}

	var resp chatResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		return nil, types.NewError(types.ErrAgentCall, "decode response").WithCause(err)
	}
	if httpResp.StatusCode >= 400 || resp.Error != nil {
		msg := fmt.Sprintf("agent endpoint returned %d", httpResp.StatusCode)
		if resp.Error != nil {
			msg = resp.Error.Message
		}
		retryable := httpResp.StatusCode == http.StatusTooManyRequests || httpResp.StatusCode >= 500
		return nil, types.NewError(types.ErrAgentCall, msg).WithRetryable(retryable)
	}
	if len(resp.Choices) == 0 {
		return nil, types.NewError(types.ErrAgentBadOutput, "agent returned no choices")
	}
	return &resp, nil
}

// decodeFinal parses the agent's final message into the caller's schema.
// Markdown code fences around the JSON are tolerated.
func decodeFinal(content string, out any) error {
	trimmed := strings.TrimSpace(content)
	if strings.HasPrefix(trimmed, "```") {
		trimmed = strings.TrimPrefix(trimmed, "```json")
		trimmed = strings.TrimPrefix(trimmed, "```")
		trimmed = strings.TrimSuffix(strings.TrimSpace(trimmed), "```")
		trimmed = strings.TrimSpace(trimmed)
	}
	if err := json.Unmarshal([]byte(trimmed), out); err != nil {
		return types.NewError(types.ErrAgentBadOutput, "final output does not match schema").WithCause(err)
	}
	return nil
}

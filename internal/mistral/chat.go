// ABOUTME: Chat completions request building and response parsing
// ABOUTME: Custom functions become function tools; tool_calls in the reply become llm.ToolCalls

package mistral

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/2389/nebula-gateway/internal/llm"
)

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type functionTool struct {
	Type     string       `json:"type"`
	Function llm.Function `json:"function"`
}

type chatRequest struct {
	Model       string         `json:"model"`
	Messages    []chatMessage  `json:"messages"`
	Temperature float64        `json:"temperature"`
	TopP        float64        `json:"top_p"`
	MaxTokens   int            `json:"max_tokens,omitempty"`
	Tools       []functionTool `json:"tools,omitempty"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content   content `json:"content"`
			ToolCalls []struct {
				ID       string `json:"id"`
				Function struct {
					Name      string          `json:"name"`
					Arguments json.RawMessage `json:"arguments"`
				} `json:"function"`
			} `json:"tool_calls"`
		} `json:"message"`
	} `json:"choices"`
}

// content is message content that may arrive as a string or as a list of
// typed chunks.
type content struct {
	Text   string
	Chunks []chunk
}

type chunk struct {
	Type   string `json:"type"`
	Text   string `json:"text"`
	Tool   string `json:"tool"`
	FileID string `json:"file_id"`
}

func (c *content) UnmarshalJSON(data []byte) error {
	if string(data) == "null" {
		return nil
	}
	if len(data) > 0 && data[0] == '"' {
		return json.Unmarshal(data, &c.Text)
	}
	if err := json.Unmarshal(data, &c.Chunks); err != nil {
		return fmt.Errorf("decoding content: %w", err)
	}
	return nil
}

// text returns the string content or the concatenated text chunks.
func (c content) text() string {
	if c.Text != "" {
		return c.Text
	}
	var b strings.Builder
	for _, ch := range c.Chunks {
		if ch.Type == "text" {
			b.WriteString(ch.Text)
		}
	}
	return b.String()
}

func messages(req *llm.Request) []chatMessage {
	msgs := make([]chatMessage, 0, len(req.History)+2)
	if req.SystemPrompt != "" {
		msgs = append(msgs, chatMessage{Role: "system", Content: req.SystemPrompt})
	}
	for _, t := range req.History {
		msgs = append(msgs, chatMessage{Role: t.Role, Content: t.Content})
	}
	return append(msgs, chatMessage{Role: "user", Content: req.Prompt})
}

// arguments renders tool call arguments, which arrive either as a JSON
// string or as an object.
func arguments(raw json.RawMessage) string {
	if len(raw) == 0 || string(raw) == "null" {
		return ""
	}
	var s string
	if json.Unmarshal(raw, &s) == nil {
		return s
	}
	return string(raw)
}

func (c *Client) chat(ctx context.Context, req *llm.Request) (*llm.Result, error) {
	body := chatRequest{
		Model:       req.Model,
		Messages:    messages(req),
		Temperature: req.Temperature,
		TopP:        req.TopP,
		MaxTokens:   req.MaxTokens,
	}
	for _, fn := range req.Capabilities.Functions {
		body.Tools = append(body.Tools, functionTool{Type: "function", Function: fn})
	}

	var resp chatResponse
	if err := c.postJSON(ctx, "/v1/chat/completions", body, &resp); err != nil {
		return nil, err
	}
	if len(resp.Choices) == 0 {
		return &llm.Result{Kind: llm.ResultText}, nil
	}

	msg := resp.Choices[0].Message
	if len(msg.ToolCalls) > 0 {
		calls := make([]llm.ToolCall, len(msg.ToolCalls))
		for i, tc := range msg.ToolCalls {
			calls[i] = llm.ToolCall{ID: tc.ID, Name: tc.Function.Name, Arguments: arguments(tc.Function.Arguments)}
		}
		c.logger.Info("model requested function calls", "model", req.Model, "calls", len(calls))
		return &llm.Result{Kind: llm.ResultToolCalls, ToolCalls: calls}, nil
	}
	return &llm.Result{Kind: llm.ResultText, Text: msg.Content.text()}, nil
}

// ABOUTME: Conversations API calls for built-in tools and image generation
// ABOUTME: Generated images are fetched from the files API into the image directory

package mistral

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"strings"

	"github.com/2389/nebula-gateway/internal/llm"
)

type toolSpec struct {
	Type       string   `json:"type"`
	LibraryIDs []string `json:"library_ids,omitempty"`
}

type completionArgs struct {
	Temperature float64 `json:"temperature"`
	TopP        float64 `json:"top_p"`
	MaxTokens   int     `json:"max_tokens,omitempty"`
}

type conversationRequest struct {
	Model          string         `json:"model"`
	Inputs         []chatMessage  `json:"inputs"`
	Tools          []toolSpec     `json:"tools"`
	CompletionArgs completionArgs `json:"completion_args"`
	Instructions   string         `json:"instructions,omitempty"`
	Stream         bool           `json:"stream"`
}

type conversationResponse struct {
	ConversationID string `json:"conversation_id"`
	Outputs        []struct {
		Type    string  `json:"type"`
		Content content `json:"content"`
	} `json:"outputs"`
}

func conversationInputs(req *llm.Request, prompt string) []chatMessage {
	inputs := make([]chatMessage, 0, len(req.History)+1)
	for _, t := range req.History {
		inputs = append(inputs, chatMessage{Role: t.Role, Content: t.Content})
	}
	return append(inputs, chatMessage{Role: "user", Content: prompt})
}

func (c *Client) startConversation(ctx context.Context, body conversationRequest) (*conversationResponse, error) {
	var resp conversationResponse
	if err := c.postJSON(ctx, "/v1/conversations", body, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// converse handles web search and code interpreter requests. Text from
// every message output is concatenated.
func (c *Client) converse(ctx context.Context, req *llm.Request) (*llm.Result, error) {
	body := conversationRequest{
		Model:  req.Model,
		Inputs: conversationInputs(req, req.Prompt),
		CompletionArgs: completionArgs{
			Temperature: req.Temperature,
			TopP:        req.TopP,
			MaxTokens:   req.MaxTokens,
		},
		Instructions: req.SystemPrompt,
	}
	for _, t := range builtinTools(req.Capabilities) {
		body.Tools = append(body.Tools, toolSpec{Type: string(t)})
	}

	resp, err := c.startConversation(ctx, body)
	if err != nil {
		return nil, err
	}

	c.logger.Debug("conversation finished", "conversation", resp.ConversationID, "outputs", len(resp.Outputs))
	return &llm.Result{Kind: llm.ResultText, Text: resp.text()}, nil
}

// text joins the text of every message output.
func (r *conversationResponse) text() string {
	var parts []string
	for _, out := range r.Outputs {
		if out.Type != "message.output" {
			continue
		}
		if text := out.Content.text(); text != "" {
			parts = append(parts, text)
		}
	}
	return strings.Join(parts, "\n\n")
}

// generateImage asks the image tool for a picture and downloads the first
// file it produces. A reply with no file yields an empty image result.
func (c *Client) generateImage(ctx context.Context, req *llm.Request) (*llm.Result, error) {
	body := conversationRequest{
		Model:  c.imageModel,
		Inputs: conversationInputs(req, req.Prompt),
		Tools:  []toolSpec{{Type: string(llm.CapImageGeneration)}},
		CompletionArgs: completionArgs{
			Temperature: imageTemperature,
			TopP:        1,
			MaxTokens:   imageMaxTokens,
		},
		Instructions: req.SystemPrompt,
	}

	resp, err := c.startConversation(ctx, body)
	if err != nil {
		return nil, err
	}

	for _, out := range resp.Outputs {
		if out.Type != "message.output" {
			continue
		}
		for _, ch := range out.Content.Chunks {
			if ch.Type == "tool_file" && ch.Tool == string(llm.CapImageGeneration) && ch.FileID != "" {
				path, err := c.downloadFile(ctx, ch.FileID)
				if err != nil {
					return nil, err
				}
				c.logger.Info("image generated", "file", ch.FileID, "path", path)
				return &llm.Result{Kind: llm.ResultImage, ImagePath: path}, nil
			}
		}
	}

	c.logger.Warn("image generation returned no file", "conversation", resp.ConversationID)
	return &llm.Result{Kind: llm.ResultImage}, nil
}

// downloadFile saves a file's content under imageDir and returns its path.
func (c *Client) downloadFile(ctx context.Context, fileID string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		c.baseURL+"/v1/files/"+url.PathEscape(fileID)+"/content", nil)
	if err != nil {
		return "", fmt.Errorf("creating download request: %w", err)
	}

	data, err := c.do(req)
	if err != nil {
		return "", err
	}

	f, err := os.CreateTemp(c.imageDir, "nebula-image-*.png")
	if err != nil {
		return "", fmt.Errorf("creating image file: %w", err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(f.Name())
		return "", fmt.Errorf("writing image file: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(f.Name())
		return "", fmt.Errorf("closing image file: %w", err)
	}
	return f.Name(), nil
}

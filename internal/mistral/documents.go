// ABOUTME: Document library search through per-user library agents
// ABOUTME: An agent is created on a user's first query and forgotten when a query fails

package mistral

import (
	"context"
	"fmt"

	"github.com/2389/nebula-gateway/internal/llm"
)

// Sampling for library agents.
const (
	documentTemperature = 0.3
	documentTopP        = 0.95
)

const (
	noLibrariesText = "📚 **No document libraries found!**\n\n" +
		"Please ask an administrator to create a document library and upload some documents."
	noMatchText = "📄 No relevant information found in the document library for your query."
)

type agentRequest struct {
	Model          string         `json:"model"`
	Name           string         `json:"name"`
	Description    string         `json:"description"`
	Instructions   string         `json:"instructions"`
	Tools          []toolSpec     `json:"tools"`
	CompletionArgs completionArgs `json:"completion_args"`
}

type agentResponse struct {
	ID string `json:"id"`
}

type agentConversationRequest struct {
	AgentID string        `json:"agent_id"`
	Inputs  []chatMessage `json:"inputs"`
	Stream  bool          `json:"stream"`
}

type libraryList struct {
	Data []struct {
		ID   string `json:"id"`
		Name string `json:"name"`
	} `json:"data"`
}

// queryDocuments answers the prompt from the user's document libraries.
// A failed query drops the user's agent so the next attempt builds a
// fresh one.
func (c *Client) queryDocuments(ctx context.Context, req *llm.Request) (*llm.Result, error) {
	agentID, err := c.documentAgent(ctx, req.UserID)
	if err != nil {
		return nil, err
	}
	if agentID == "" {
		return &llm.Result{Kind: llm.ResultText, Text: noLibrariesText}, nil
	}

	body := agentConversationRequest{
		AgentID: agentID,
		Inputs:  []chatMessage{{Role: "user", Content: req.Prompt}},
	}
	var resp conversationResponse
	if err := c.postJSON(ctx, "/v1/conversations", body, &resp); err != nil {
		c.forgetAgent(req.UserID, agentID)
		c.logger.Warn("document query failed, dropped agent", "user", req.UserID, "agent", agentID, "error", err)
		return nil, err
	}

	text := resp.text()
	if text == "" {
		text = noMatchText
	}
	c.logger.Debug("document query finished", "conversation", resp.ConversationID, "agent", agentID)
	return &llm.Result{Kind: llm.ResultText, Text: text}, nil
}

// documentAgent returns the user's agent, creating it on first use. It
// returns "" when there are no libraries to search. The dispatcher never
// runs two jobs for one user at once, so creation is not deduplicated.
func (c *Client) documentAgent(ctx context.Context, userID string) (string, error) {
	c.agentsMu.Lock()
	agentID, ok := c.agents[userID]
	c.agentsMu.Unlock()
	if ok {
		return agentID, nil
	}

	libraries, err := c.libraryIDs(ctx)
	if err != nil {
		return "", err
	}
	if len(libraries) == 0 {
		c.logger.Warn("no document libraries available")
		return "", nil
	}

	var resp agentResponse
	err = c.postJSON(ctx, "/v1/agents", agentRequest{
		Model:        c.documentModel,
		Name:         "Document Library Agent",
		Description:  "Agent used to access documents from the document library.",
		Instructions: "Use the library tool to access external documents.",
		Tools:        []toolSpec{{Type: string(llm.CapDocumentLibrary), LibraryIDs: libraries}},
		CompletionArgs: completionArgs{
			Temperature: documentTemperature,
			TopP:        documentTopP,
		},
	}, &resp)
	if err != nil {
		return "", err
	}
	if resp.ID == "" {
		return "", &llm.Error{Kind: llm.KindUnknown, Message: "agent created without an id"}
	}

	c.agentsMu.Lock()
	c.agents[userID] = resp.ID
	c.agentsMu.Unlock()
	c.logger.Info("created document library agent", "user", userID, "agent", resp.ID, "libraries", len(libraries))
	return resp.ID, nil
}

// forgetAgent drops the user's agent if it is still agentID.
func (c *Client) forgetAgent(userID, agentID string) {
	c.agentsMu.Lock()
	defer c.agentsMu.Unlock()
	if c.agents[userID] == agentID {
		delete(c.agents, userID)
	}
}

// libraryIDs returns the configured libraries, or every library the API
// lists when none are configured.
func (c *Client) libraryIDs(ctx context.Context) ([]string, error) {
	if len(c.documentLibraries) > 0 {
		return c.documentLibraries, nil
	}

	var list libraryList
	if err := c.getJSON(ctx, "/v1/libraries", &list); err != nil {
		return nil, fmt.Errorf("listing libraries: %w", err)
	}
	ids := make([]string, 0, len(list.Data))
	for _, lib := range list.Data {
		if lib.ID != "" {
			ids = append(ids, lib.ID)
		}
	}
	return ids, nil
}

// ABOUTME: HTTP client for the Mistral API implementing llm.Completer
// ABOUTME: Routes requests to chat completions or the conversations API by capability

package mistral

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/2389/nebula-gateway/internal/llm"
)

// Defaults for Config.
const (
	DefaultBaseURL    = "https://api.mistral.ai"
	DefaultTimeout    = 60 * time.Second
	DefaultImageModel = "mistral-large-latest"
	// DefaultDocumentModel backs the per-user document library agents.
	DefaultDocumentModel = "mistral-medium-2505"

	// Image generation ignores the user's sampling settings.
	imageTemperature = 0.7
	imageMaxTokens   = 2048
)

// Config configures a Client.
type Config struct {
	APIKey  string
	BaseURL string
	Timeout time.Duration

	// ImageDir receives downloaded images. Defaults to os.TempDir().
	ImageDir   string
	ImageModel string

	// DocumentLibraries restricts document queries to these library IDs.
	// Empty means every library listed by the API.
	DocumentLibraries []string
	DocumentModel     string

	// HTTPClient overrides the client built from Timeout.
	HTTPClient *http.Client
	Logger     *slog.Logger
}

// Client talks to the Mistral API.
type Client struct {
	apiKey     string
	baseURL    string
	imageDir   string
	imageModel string
	httpClient *http.Client
	logger     *slog.Logger

	documentLibraries []string
	documentModel     string

	// agents maps a user ID to their document library agent.
	agentsMu sync.Mutex
	agents   map[string]string
}

var _ llm.Completer = (*Client)(nil)

// New creates a Client.
func New(cfg Config) *Client {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.ImageDir == "" {
		cfg.ImageDir = os.TempDir()
	}
	if cfg.ImageModel == "" {
		cfg.ImageModel = DefaultImageModel
	}
	if cfg.DocumentModel == "" {
		cfg.DocumentModel = DefaultDocumentModel
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: cfg.Timeout}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Client{
		apiKey:     cfg.APIKey,
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		imageDir:   cfg.ImageDir,
		imageModel: cfg.ImageModel,
		httpClient: cfg.HTTPClient,
		logger:     cfg.Logger.With("component", "mistral"),

		documentLibraries: append([]string(nil), cfg.DocumentLibraries...),
		documentModel:     cfg.DocumentModel,
		agents:            make(map[string]string),
	}
}

// Complete runs one request. Image generation, document queries and
// built-in tools go through the conversations API; everything else,
// including any request with custom functions, uses chat completions.
func (c *Client) Complete(ctx context.Context, req *llm.Request) (*llm.Result, error) {
	caps := req.Capabilities
	switch {
	case caps.WantsImage():
		return c.generateImage(ctx, req)
	case caps.WantsDocuments():
		return c.queryDocuments(ctx, req)
	case len(builtinTools(caps)) > 0 && len(caps.Functions) == 0:
		return c.converse(ctx, req)
	default:
		return c.chat(ctx, req)
	}
}

// builtinTools returns the server-side tools other than image generation.
func builtinTools(caps llm.CapabilitySet) []llm.Capability {
	var out []llm.Capability
	for _, t := range caps.Tools {
		if t == llm.CapWebSearch || t == llm.CapCodeInterpreter {
			out = append(out, t)
		}
	}
	return out
}

// postJSON sends body to path and decodes a 2xx response into out.
func (c *Client) postJSON(ctx context.Context, path string, body, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshaling request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	return c.doJSON(req, out)
}

// getJSON fetches path and decodes a 2xx response into out.
func (c *Client) getJSON(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	return c.doJSON(req, out)
}

func (c *Client) doJSON(req *http.Request, out any) error {
	req.Header.Set("Accept", "application/json")
	data, err := c.do(req)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, out); err != nil {
		return &llm.Error{Kind: llm.KindUnknown, Message: "decoding response", Err: err}
	}
	return nil
}

// do sends req with auth and returns the body of a 2xx response.
func (c *Client) do(req *http.Request) ([]byte, error) {
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, transportError(err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, transportError(err)
	}

	c.logger.Debug("api call",
		"method", req.Method,
		"path", req.URL.Path,
		"status", resp.StatusCode,
		"duration", time.Since(start),
	)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, statusError(resp.StatusCode, data)
	}
	return data, nil
}

// statusError maps a non-2xx response to a tagged error.
func statusError(code int, body []byte) *llm.Error {
	var kind llm.ErrorKind
	switch {
	case code == http.StatusUnauthorized || code == http.StatusForbidden:
		kind = llm.KindAuth
	case code == http.StatusTooManyRequests:
		kind = llm.KindRateLimit
	case code == http.StatusRequestTimeout || code == http.StatusGatewayTimeout:
		kind = llm.KindTimeout
	case code >= 500:
		kind = llm.KindServer
	case code >= 400:
		kind = llm.KindBadRequest
	default:
		kind = llm.KindUnknown
	}
	return &llm.Error{Kind: kind, StatusCode: code, Message: errorMessage(body)}
}

// errorMessage pulls a human-readable message out of an error body.
func errorMessage(body []byte) string {
	var e struct {
		Message string          `json:"message"`
		Detail  json.RawMessage `json:"detail"`
		Error   *struct {
			Message string `json:"message"`
		} `json:"error"`
	}
	if json.Unmarshal(body, &e) == nil {
		switch {
		case e.Message != "":
			return e.Message
		case e.Error != nil && e.Error.Message != "":
			return e.Error.Message
		case len(e.Detail) > 0:
			var s string
			if json.Unmarshal(e.Detail, &s) == nil {
				return s
			}
			return string(e.Detail)
		}
	}
	msg := strings.TrimSpace(string(body))
	if len(msg) > 200 {
		msg = msg[:200] + "..."
	}
	return msg
}

// transportError tags a failure that happened before a response arrived.
func transportError(err error) *llm.Error {
	var netErr net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &netErr) && netErr.Timeout()) {
		return &llm.Error{Kind: llm.KindTimeout, Err: err}
	}
	return &llm.Error{Kind: llm.KindNetwork, Err: err}
}

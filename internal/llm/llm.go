// ABOUTME: Contract between the worker pool and a model-completion backend
// ABOUTME: Request/Result shapes, capability sets and the tagged Error type

package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"strings"
)

// Capability is a built-in tool a job may ask the model to use.
type Capability string

const (
	CapImageGeneration Capability = "image_generation"
	CapWebSearch       Capability = "web_search"
	CapCodeInterpreter Capability = "code_interpreter"
	CapDocumentLibrary Capability = "document_library"
)

// Function is a user-defined function the model may call. Parameters is a
// JSON schema object.
type Function struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Parameters  json.RawMessage `json:"parameters"`
}

// CapabilitySet is everything a job asked for.
type CapabilitySet struct {
	Tools     []Capability
	Functions []Function
}

// Has reports whether the set includes the built-in capability c.
func (s CapabilitySet) Has(c Capability) bool {
	return slices.Contains(s.Tools, c)
}

// WantsImage reports whether this is an image-generation job.
func (s CapabilitySet) WantsImage() bool {
	return s.Has(CapImageGeneration)
}

// WantsDocuments reports whether this is a document library query.
func (s CapabilitySet) WantsDocuments() bool {
	return s.Has(CapDocumentLibrary)
}

// Empty reports whether no tools or functions were requested.
func (s CapabilitySet) Empty() bool {
	return len(s.Tools) == 0 && len(s.Functions) == 0
}

// Turn is one prior message sent as history.
type Turn struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Request is a single completion call.
type Request struct {
	// UserID keys per-user server state such as document agents.
	UserID       string
	Prompt       string
	History      []Turn
	Capabilities CapabilitySet
	Model        string
	Temperature  float64
	TopP         float64
	SystemPrompt string
	MaxTokens    int
}

// ResultKind says which field of a Result is populated.
type ResultKind int

const (
	ResultText ResultKind = iota
	ResultImage
	ResultToolCalls
)

func (k ResultKind) String() string {
	switch k {
	case ResultText:
		return "text"
	case ResultImage:
		return "image"
	case ResultToolCalls:
		return "tool_calls"
	default:
		return fmt.Sprintf("ResultKind(%d)", int(k))
	}
}

// ToolCall is a function invocation the model asked for.
type ToolCall struct {
	ID        string
	Name      string
	Arguments string
}

// Result is exactly one of text, a local image file, or tool calls.
type Result struct {
	Kind      ResultKind
	Text      string
	ImagePath string
	ToolCalls []ToolCall
}

// Empty reports whether the result carries nothing usable.
func (r *Result) Empty() bool {
	if r == nil {
		return true
	}
	switch r.Kind {
	case ResultText:
		return strings.TrimSpace(r.Text) == ""
	case ResultImage:
		return r.ImagePath == ""
	case ResultToolCalls:
		return len(r.ToolCalls) == 0
	}
	return true
}

// Completer runs one completion. Implementations own their network timeouts.
type Completer interface {
	Complete(ctx context.Context, req *Request) (*Result, error)
}

// DescribeToolCalls renders tool calls as Markdown for the user.
func DescribeToolCalls(calls []ToolCall) string {
	var b strings.Builder
	b.WriteString("🔧 **Function calls requested:**\n")
	for _, c := range calls {
		args := c.Arguments
		if args == "" {
			args = "{}"
		}
		fmt.Fprintf(&b, "\n• `%s`\n```json\n%s\n```\n", c.Name, args)
	}
	return strings.TrimRight(b.String(), "\n")
}

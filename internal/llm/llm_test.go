// ABOUTME: Tests for capability sets, result shapes and error tagging
// ABOUTME: Status-code tagging is exercised through the mistral client tests

package llm

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCapabilitySet(t *testing.T) {
	img := CapabilitySet{Tools: []Capability{CapImageGeneration}}
	assert.True(t, img.WantsImage())
	assert.False(t, img.Has(CapWebSearch))
	assert.False(t, img.Empty())

	docs := CapabilitySet{Tools: []Capability{CapDocumentLibrary}}
	assert.True(t, docs.WantsDocuments())
	assert.False(t, docs.WantsImage())
	assert.False(t, img.WantsDocuments())

	assert.True(t, CapabilitySet{}.Empty())
	assert.False(t, CapabilitySet{Functions: []Function{{Name: "f"}}}.Empty())
}

func TestResult_Empty(t *testing.T) {
	var nilResult *Result
	assert.True(t, nilResult.Empty())
	assert.True(t, (&Result{Kind: ResultText, Text: "  \n"}).Empty())
	assert.False(t, (&Result{Kind: ResultText, Text: "hi"}).Empty())
	assert.True(t, (&Result{Kind: ResultImage}).Empty())
	assert.False(t, (&Result{Kind: ResultImage, ImagePath: "/tmp/x.png"}).Empty())
	assert.True(t, (&Result{Kind: ResultToolCalls}).Empty())
}

func TestDescribeToolCalls(t *testing.T) {
	got := DescribeToolCalls([]ToolCall{
		{Name: "get_weather", Arguments: `{"city":"Paris"}`},
		{Name: "now"},
	})
	assert.Contains(t, got, "Function calls requested")
	assert.Contains(t, got, "`get_weather`")
	assert.Contains(t, got, `{"city":"Paris"}`)
	assert.Contains(t, got, "`now`\n```json\n{}\n```")
}

func TestError(t *testing.T) {
	base := errors.New("boom")
	err := fmt.Errorf("calling model: %w", &Error{Kind: KindAuth, StatusCode: 401, Err: base})

	kind, ok := KindOf(err)
	assert.True(t, ok)
	assert.Equal(t, KindAuth, kind)
	assert.False(t, IsRetryable(err))
	assert.ErrorIs(t, err, base)
	assert.Contains(t, err.Error(), "auth (status 401): boom")

	assert.True(t, IsRetryable(&Error{Kind: KindRateLimit}))
	assert.True(t, IsRetryable(errors.New("plain")))

	_, ok = KindOf(errors.New("plain"))
	assert.False(t, ok)
}

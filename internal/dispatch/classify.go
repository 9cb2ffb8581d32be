// ABOUTME: Maps completion failures to user-facing categories and messages
// ABOUTME: Typed llm errors win; substring matching on the text is the fallback

package dispatch

import (
	"context"
	"errors"
	"strings"

	"github.com/2389/nebula-gateway/internal/llm"
)

// Category is the user-facing class of a failed job.
type Category string

const (
	CategoryNone       Category = ""
	CategoryRateLimit  Category = "rate_limit"
	CategoryAuth       Category = "auth"
	CategoryTimeout    Category = "timeout"
	CategoryNetwork    Category = "network"
	CategoryNoResponse Category = "no_response"
	CategoryUnknown    Category = "unknown"
)

// Classify picks a category for err.
func Classify(err error) Category {
	if err == nil {
		return CategoryNone
	}
	if kind, ok := llm.KindOf(err); ok {
		switch kind {
		case llm.KindRateLimit:
			return CategoryRateLimit
		case llm.KindAuth:
			return CategoryAuth
		case llm.KindTimeout:
			return CategoryTimeout
		case llm.KindNetwork:
			return CategoryNetwork
		}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return CategoryTimeout
	}

	text := strings.ToLower(err.Error())
	switch {
	case strings.Contains(text, "rate limit"):
		return CategoryRateLimit
	case strings.Contains(text, "api key"), strings.Contains(text, "unauthorized"):
		return CategoryAuth
	case strings.Contains(text, "timeout"):
		return CategoryTimeout
	case strings.Contains(text, "network"), strings.Contains(text, "connection"):
		return CategoryNetwork
	}
	return CategoryUnknown
}

const failurePrefix = "😔 **Oops! Something went wrong.**\n\n"

// Message is what the user sees for a failure in this category.
func (c Category) Message() string {
	switch c {
	case CategoryRateLimit:
		return failurePrefix + "🚦 **Rate Limit Reached**\n" +
			"Please wait a moment before trying again.\n\n" +
			"💡 **Tip**: Premium users have higher limits!"
	case CategoryAuth:
		return failurePrefix + "🔑 **Authentication Issue**\n" +
			"There's a problem with the API connection.\n\n" +
			"🛠️ **Admin**: Please check the API key configuration."
	case CategoryTimeout:
		return failurePrefix + "⏰ **Request Timeout**\n" +
			"The request took too long to process.\n\n" +
			"💡 **Try**: A simpler request or try again later."
	case CategoryNetwork:
		return failurePrefix + "🌐 **Connection Issue**\n" +
			"Unable to reach the AI service.\n\n" +
			"💡 **Try**: Check your internet connection and retry."
	case CategoryNoResponse:
		return "⚠️ **No Response Received**\n\n" +
			"The AI didn't return a response. This might be due to:\n" +
			"• Content filtering\n" +
			"• Server overload\n" +
			"• Network issues\n\n" +
			"💡 **Try**: Rephrase your request or try again in a moment."
	default:
		return failurePrefix + "🔧 **Technical Issue**\n" +
			"An unexpected error occurred.\n\n" +
			"💡 **Try**: Rephrase your request or contact support if this persists."
	}
}

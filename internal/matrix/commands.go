// ABOUTME: Parses chat message bodies into bridge commands
// ABOUTME: Maps each command to the capability set its job requests

package matrix

import (
	"strings"

	"github.com/2389/nebula-gateway/internal/llm"
)

// CommandKind identifies what a message asks for.
type CommandKind int

const (
	CommandChat CommandKind = iota
	CommandImage
	CommandSearch
	CommandCode
	CommandDoc
	CommandImageMode
	CommandExit
	CommandReset
	CommandNew
	CommandContext
	CommandHelp
	CommandUnknown
)

var commandNames = map[string]CommandKind{
	"image":     CommandImage,
	"search":    CommandSearch,
	"code":      CommandCode,
	"doc":       CommandDoc,
	"imagemode": CommandImageMode,
	"exit":      CommandExit,
	"reset":     CommandReset,
	"new":       CommandNew,
	"context":   CommandContext,
	"help":      CommandHelp,
	"start":     CommandHelp,
}

// Command is a parsed message body.
type Command struct {
	Kind CommandKind
	Name string // as typed, without the slash; empty for chat
	Args string
}

// ParseCommand splits a body into command and arguments. Text that does
// not start with a slash is chat.
func ParseCommand(body string) Command {
	body = strings.TrimSpace(body)
	if !strings.HasPrefix(body, "/") {
		return Command{Kind: CommandChat, Args: body}
	}

	name, args, _ := strings.Cut(body[1:], " ")
	name = strings.ToLower(name)
	args = strings.TrimSpace(args)

	kind, ok := commandNames[name]
	if !ok {
		kind = CommandUnknown
	}
	return Command{Kind: kind, Name: name, Args: args}
}

// Queued reports whether the command becomes a job for the worker pool.
func (c Command) Queued() bool {
	switch c.Kind {
	case CommandChat, CommandImage, CommandSearch, CommandCode, CommandDoc:
		return true
	default:
		return false
	}
}

// Capabilities is the tool set a queued command asks the model for.
func (c Command) Capabilities() llm.CapabilitySet {
	switch c.Kind {
	case CommandImage:
		return llm.CapabilitySet{Tools: []llm.Capability{llm.CapImageGeneration}}
	case CommandSearch:
		return llm.CapabilitySet{Tools: []llm.Capability{llm.CapWebSearch}}
	case CommandCode:
		return llm.CapabilitySet{Tools: []llm.Capability{llm.CapCodeInterpreter}}
	case CommandDoc:
		return llm.CapabilitySet{Tools: []llm.Capability{llm.CapDocumentLibrary}}
	case CommandChat:
		return llm.CapabilitySet{Tools: []llm.Capability{llm.CapWebSearch, llm.CapCodeInterpreter}}
	default:
		return llm.CapabilitySet{}
	}
}

const imageUsage = "📝 **Image Description Required**\n\n" +
	"Please provide a description after the `/image` command.\n\n" +
	"**Example**: `/image a beautiful sunset over mountains`\n" +
	"**Tip**: Be descriptive for better results!"

const docUsage = "Please provide a query after the `/doc` command.\n\n" +
	"**Example**: `/doc explain the main concepts in the uploaded documents`"

const (
	imageModeOn = "🎨 **Image Generation Mode: ON**\n\n" +
		"Everything you type will now generate an image. Be descriptive for best results.\n\n" +
		"**Examples:** `sunset over mountains`, `cute cat wearing sunglasses`\n\n" +
		"❌ **To exit**: type `/imagemode` again or `/exit`"
	imageModeOff = "🎨 **Image Generation Mode: OFF**\n\n" +
		"✅ Back to normal chat mode!\n" +
		"🖼️ To generate a single image, use `/image your prompt`."
	imageModeExited = "✅ **Exited Image Generation Mode**\n\n" +
		"💬 Back to normal chat! Use `/imagemode` to enter image mode again."
	imageModeNotActive = "💡 You're not in image generation mode.\n" +
		"🎨 Use `/imagemode` to start generating images!"
)

// imageModePreview announces a message turned into an image prompt.
func imageModePreview(prompt string) string {
	return "🎨 **[IMAGE MODE]** Creating: _" + truncate(prompt, 50) + "_\n\n" +
		"💡 *Tip: Type `/imagemode` to exit image mode*"
}

// fallbackPrompt stands in for a /search or /code command with no text.
const fallbackPrompt = "Hello"

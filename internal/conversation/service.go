// ABOUTME: Intake service: admits inbound chat requests and queues them for the worker pool
// ABOUTME: Also answers the context commands (/reset, /new, /context, /help) directly

package conversation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/2389/nebula-gateway/internal/dispatch"
	"github.com/2389/nebula-gateway/internal/gate"
	"github.com/2389/nebula-gateway/internal/history"
	"github.com/2389/nebula-gateway/internal/llm"
	"github.com/2389/nebula-gateway/internal/plans"
	"github.com/2389/nebula-gateway/internal/store"
)

// ErrRejected is returned by Submit when the request was refused. The user
// has already been told why.
var ErrRejected = errors.New("request rejected")

// ProfileStore defines what the service needs from storage
type ProfileStore interface {
	Profile(ctx context.Context, userID, displayName string) (*store.User, error)
	CustomFunctions(ctx context.Context, userID string) ([]*store.CustomFunction, error)
}

// Queue accepts admitted jobs.
type Queue interface {
	Enqueue(job *dispatch.Job) error
}

// History is the part of the context store the commands need.
type History interface {
	Clear(userID string) bool
	Stats(userID string) history.Stats
}

// Replier sends text back to the user.
type Replier interface {
	SendText(ctx context.Context, dest dispatch.Destination, text string) error
	SendNotice(ctx context.Context, dest dispatch.Destination, text string) error
}

// Config wires a Service.
type Config struct {
	Store   ProfileStore
	Queue   Queue
	History History
	Replier Replier
	Gate    *gate.Gate
	Policy  *plans.Policy
	// Events, if set, is told about every job that is queued.
	Events *Broadcaster
	Logger *slog.Logger
}

// Service admits requests: every inbound message passes the gate and the
// quota check here before a worker sees it.
type Service struct {
	store   ProfileStore
	queue   Queue
	history History
	replier Replier
	gate    *gate.Gate
	policy  *plans.Policy
	events  *Broadcaster
	logger  *slog.Logger
}

// New creates a Service. A nil Gate or Policy takes the defaults.
func New(cfg Config) *Service {
	if cfg.Gate == nil {
		cfg.Gate = gate.New(gate.Options{})
	}
	if cfg.Policy == nil {
		cfg.Policy = plans.NewPolicy(nil)
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Service{
		store:   cfg.Store,
		queue:   cfg.Queue,
		history: cfg.History,
		replier: cfg.Replier,
		gate:    cfg.Gate,
		policy:  cfg.Policy,
		events:  cfg.Events,
		logger:  cfg.Logger.With("component", "conversation"),
	}
}

// Inbound is one chat message asking for model work.
type Inbound struct {
	UserID       string
	DisplayName  string
	Dest         dispatch.Destination
	Prompt       string
	Capabilities llm.CapabilitySet
}

// Messages sent by the service.
const (
	msgBanned = "🚫 **Access Denied**\n\nYour account has been suspended. Please contact the admin."

	msgUnavailable = "⚠️ **Service Unavailable**\n\nThe assistant is shutting down. Please try again in a moment."

	msgResetDone = "🔄 **Context Reset Complete!**\n\n" +
		"Your conversation history has been cleared. I'll start fresh from your next message!"

	msgNothingToReset = "ℹ️ **Nothing to Reset**\n\nYou don't have any conversation history yet."

	msgNewConversation = "🆕 **New Conversation Started!**\n\n✨ Clean slate! What would you like to talk about?"

	// HelpText lists the commands the bridge understands.
	HelpText = "🤖 **Nebula Assistant**\n\n" +
		"Just type a message to chat. I can search the web and run code when it helps.\n\n" +
		"**Commands:**\n" +
		"• `/image <description>` - generate an image\n" +
		"• `/search <query>` - answer using web search\n" +
		"• `/code <task>` - answer using the code interpreter\n" +
		"• `/doc <question>` - search the document library\n" +
		"• `/imagemode` - turn every message into an image, `/exit` to stop\n" +
		"• `/reset` - clear the conversation context\n" +
		"• `/new` - start a brand new conversation\n" +
		"• `/context` - show what I remember\n" +
		"• `/help` - show this message\n\n" +
		"**Tip**: say \"new topic\" or \"by the way\" to switch subjects."
)

// thinkingNotice is the placeholder shown while a job waits for a worker.
func thinkingNotice(caps llm.CapabilitySet) string {
	single := len(caps.Tools) == 1 && len(caps.Functions) == 0
	switch {
	case caps.WantsImage():
		return "🎨 Creating your image..."
	case caps.WantsDocuments():
		return "🔍 Searching document library..."
	case single && caps.Has(llm.CapWebSearch):
		return "🌐 Searching the web..."
	case single && caps.Has(llm.CapCodeInterpreter):
		return "💻 Processing your code..."
	default:
		return "🤔 Thinking..."
	}
}

// Submit admits req and queues it. Rejections are answered on req.Dest and
// returned as ErrRejected; nothing is queued for them.
func (s *Service) Submit(ctx context.Context, req Inbound) (*dispatch.Job, error) {
	log := s.logger.With("user", req.UserID, "channel", req.Dest.ChannelID)

	verdict := s.gate.Validate(req.Prompt)
	if !verdict.OK {
		log.Warn("invalid input", "reason", verdict.Reason, "prompt", truncate(req.Prompt, 100))
		return nil, s.reject(ctx, log, req.Dest, verdict.Message, verdict.Reason.String())
	}

	user, err := s.store.Profile(ctx, req.UserID, req.DisplayName)
	if err != nil {
		s.send(ctx, log, req.Dest, dispatch.CategoryUnknown.Message())
		return nil, fmt.Errorf("loading profile: %w", err)
	}
	if user.Banned {
		log.Warn("request from banned user")
		return nil, s.reject(ctx, log, req.Dest, msgBanned, "banned")
	}

	usage := gate.Usage{ImagesUsed: user.ImagesUsed, TokensUsed: user.TokensUsed}
	if d := gate.CheckQuota(usage, s.policy.Limits(user.Plan), req.Capabilities); !d.OK {
		log.Warn("request blocked, limit reached", "plan", user.Plan,
			"images_used", user.ImagesUsed, "tokens_used", user.TokensUsed)
		return nil, s.reject(ctx, log, req.Dest, d.Message, "quota")
	}

	caps, err := s.withCustomFunctions(ctx, log, req.UserID, req.Capabilities)
	if err != nil {
		s.send(ctx, log, req.Dest, dispatch.CategoryUnknown.Message())
		return nil, err
	}

	job := dispatch.NewJob(req.UserID, req.DisplayName, req.Dest, verdict.Text, caps)

	// The placeholder goes out first so it never lands after the reply.
	if err := s.replier.SendNotice(ctx, req.Dest, thinkingNotice(caps)); err != nil {
		log.Warn("failed to send thinking notice", "error", err)
	}

	if err := s.queue.Enqueue(job); err != nil {
		s.send(ctx, log, req.Dest, msgUnavailable)
		return nil, fmt.Errorf("enqueueing job: %w", err)
	}
	if s.events != nil {
		s.events.JobQueued(job)
	}

	log.Info("queued job",
		"job", job.ID,
		"plan", user.Plan,
		"capabilities", caps.Tools,
		"functions", len(caps.Functions),
		"prompt", truncate(job.Prompt, 50),
	)
	return job, nil
}

// withCustomFunctions returns caps plus the user's stored functions. A
// function whose schema is not a JSON object is skipped.
func (s *Service) withCustomFunctions(ctx context.Context, log *slog.Logger, userID string, caps llm.CapabilitySet) (llm.CapabilitySet, error) {
	fns, err := s.store.CustomFunctions(ctx, userID)
	if err != nil {
		return caps, fmt.Errorf("loading custom functions: %w", err)
	}

	merged := llm.CapabilitySet{
		Tools:     append([]llm.Capability(nil), caps.Tools...),
		Functions: append([]llm.Function(nil), caps.Functions...),
	}
	for _, fn := range fns {
		var schema map[string]any
		if err := json.Unmarshal([]byte(fn.SchemaJSON), &schema); err != nil {
			log.Warn("skipping invalid function schema", "function", fn.ID, "name", fn.Name, "error", err)
			continue
		}
		// "null" decodes cleanly into a nil map.
		if schema == nil {
			log.Warn("skipping null function schema", "function", fn.ID, "name", fn.Name)
			continue
		}
		merged.Functions = append(merged.Functions, llm.Function{
			Name:        fn.Name,
			Description: fn.Description,
			Parameters:  json.RawMessage(fn.SchemaJSON),
		})
	}
	return merged, nil
}

// Reset clears the user's context and confirms.
func (s *Service) Reset(ctx context.Context, dest dispatch.Destination, userID string) error {
	msg := msgNothingToReset
	if s.history.Clear(userID) {
		msg = msgResetDone
	}
	s.logger.Info("context reset", "user", userID)
	return s.replier.SendText(ctx, dest, msg)
}

// NewConversation clears the user's context and greets them.
func (s *Service) NewConversation(ctx context.Context, dest dispatch.Destination, userID string) error {
	s.history.Clear(userID)
	s.logger.Info("new conversation", "user", userID)
	return s.replier.SendText(ctx, dest, msgNewConversation)
}

// ContextInfo reports what the context store holds for the user.
func (s *Service) ContextInfo(ctx context.Context, dest dispatch.Destination, userID string) error {
	return s.replier.SendText(ctx, dest, FormatStats(s.history.Stats(userID)))
}

// Help sends the command list.
func (s *Service) Help(ctx context.Context, dest dispatch.Destination) error {
	return s.replier.SendText(ctx, dest, HelpText)
}

// FormatStats renders context stats as Markdown.
func FormatStats(st history.Stats) string {
	return fmt.Sprintf("📊 **Conversation Context Info**\n\n"+
		"💬 **Messages in Memory**: %d\n"+
		"🏷️ **Current Topic**: %s\n"+
		"🔑 **Topic Keywords**: %d\n"+
		"⏰ **Last Reset**: %s\n\n"+
		"**💡 Pro Tips:**\n"+
		"• Say 'new topic' or 'change subject' for auto-reset\n"+
		"• Use `/reset` to manually clear context\n"+
		"• Use `/new` to start completely fresh",
		st.Messages, st.CurrentTopic, st.TopicKeywords, st.LastReset)
}

func (s *Service) reject(ctx context.Context, log *slog.Logger, dest dispatch.Destination, msg, reason string) error {
	s.send(ctx, log, dest, msg)
	return fmt.Errorf("%w: %s", ErrRejected, reason)
}

func (s *Service) send(ctx context.Context, log *slog.Logger, dest dispatch.Destination, msg string) {
	if err := s.replier.SendText(ctx, dest, msg); err != nil {
		log.Error("failed to send reply", "error", err)
	}
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "..."
}

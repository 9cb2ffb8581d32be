// ABOUTME: Matrix bridge: syncs with the homeserver and turns room messages into requests
// ABOUTME: Filters own, stale, duplicate and off-list events before handing text to the intake service

package matrix

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"github.com/2389/nebula-gateway/internal/conversation"
	"github.com/2389/nebula-gateway/internal/dispatch"
)

// Intake is the request-handling side the bridge forwards to.
type Intake interface {
	Submit(ctx context.Context, req conversation.Inbound) (*dispatch.Job, error)
	Reset(ctx context.Context, dest dispatch.Destination, userID string) error
	NewConversation(ctx context.Context, dest dispatch.Destination, userID string) error
	ContextInfo(ctx context.Context, dest dispatch.Destination, userID string) error
	Help(ctx context.Context, dest dispatch.Destination) error
}

// Dedupe remembers handled event IDs.
type Dedupe interface {
	CheckAndMark(key string) bool
}

// Options controls which messages the bridge answers.
type Options struct {
	// AllowedRooms limits the bridge to these room IDs. Empty allows all.
	AllowedRooms []string
	// CommandPrefix, when set, must start every message the bridge handles.
	CommandPrefix string
	// TypingIndicator shows typing while a room has a job executing.
	TypingIndicator bool
}

// Bridge connects a Matrix account to the intake service.
type Bridge struct {
	userID id.UserID
	api    API
	sender *Sender
	intake Intake
	seen   Dedupe
	events *conversation.Broadcaster
	opts   Options
	logger *slog.Logger

	// startedAt is the cutoff for stale events, in Unix milliseconds.
	startedAt int64

	// imageMode holds users whose free text becomes image prompts.
	imageModeMu sync.Mutex
	imageMode   map[string]bool
}

// NewBridge creates a bridge for the logged-in client. events may be nil
// when the typing indicator is off.
func NewBridge(userID id.UserID, api API, sender *Sender, intake Intake, seen Dedupe, events *conversation.Broadcaster, opts Options, logger *slog.Logger) *Bridge {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bridge{
		userID:    userID,
		api:       api,
		sender:    sender,
		intake:    intake,
		seen:      seen,
		events:    events,
		opts:      opts,
		logger:    logger.With("component", "matrix"),
		startedAt: time.Now().UnixMilli(),
		imageMode: make(map[string]bool),
	}
}

// Run registers the event handlers on client and syncs until ctx is
// cancelled.
func (b *Bridge) Run(ctx context.Context, client *mautrix.Client) error {
	b.logger.Info("starting matrix bridge",
		"homeserver", client.HomeserverURL.String(),
		"user_id", b.userID.String(),
		"allowed_rooms", len(b.opts.AllowedRooms),
	)

	syncer, ok := client.Syncer.(*mautrix.DefaultSyncer)
	if !ok {
		return fmt.Errorf("unexpected syncer type: %T", client.Syncer)
	}
	syncer.OnEventType(event.EventMessage, b.handleMessageEvent)
	syncer.OnEventType(event.StateMember, b.handleMemberEvent)

	if b.opts.TypingIndicator && b.events != nil {
		events, _ := b.events.Subscribe(ctx, conversation.AllChannels)
		go b.trackTyping(ctx, events)
	}

	b.logger.Info("connecting to matrix homeserver")
	err := client.SyncWithContext(ctx)
	if ctx.Err() != nil {
		b.logger.Info("shutting down matrix bridge")
		return nil
	}
	if err != nil {
		return fmt.Errorf("matrix sync failed: %w", err)
	}
	return nil
}

// handleMessageEvent runs on the sync goroutine. Handling inline keeps a
// user's messages in the order they were sent.
func (b *Bridge) handleMessageEvent(ctx context.Context, evt *event.Event) {
	if evt.Sender == b.userID {
		return
	}
	content, ok := evt.Content.Parsed.(*event.MessageEventContent)
	if !ok || content.MsgType != event.MsgText {
		return
	}
	if evt.Timestamp < b.startedAt {
		b.logger.Debug("ignoring event from before startup", "event", evt.ID.String())
		return
	}

	roomID := evt.RoomID.String()
	if !b.isRoomAllowed(roomID) {
		b.logger.Debug("ignoring message from non-allowed room", "room", roomID)
		return
	}
	if b.seen != nil && b.seen.CheckAndMark(evt.ID.String()) {
		b.logger.Debug("ignoring duplicate event", "event", evt.ID.String())
		return
	}

	body := content.Body
	if b.opts.CommandPrefix != "" {
		if !strings.HasPrefix(body, b.opts.CommandPrefix) {
			return
		}
		body = strings.TrimSpace(strings.TrimPrefix(body, b.opts.CommandPrefix))
	}
	if strings.TrimSpace(body) == "" {
		return
	}

	b.logger.Info("received message",
		"room", roomID,
		"sender", evt.Sender.String(),
		"content", truncate(body, 50),
	)

	dest := dispatch.Destination{ChannelID: roomID, ReplyTo: evt.ID.String()}
	b.handleCommand(ctx, dest, evt.Sender, ParseCommand(body))
}

func (b *Bridge) handleCommand(ctx context.Context, dest dispatch.Destination, sender id.UserID, cmd Command) {
	userID := sender.String()
	log := b.logger.With("room", dest.ChannelID, "user", userID)

	if cmd.Kind == CommandChat && b.inImageMode(userID) {
		if err := b.sender.SendNotice(ctx, dest, imageModePreview(cmd.Args)); err != nil {
			log.Warn("failed to send image mode notice", "error", err)
		}
		cmd = Command{Kind: CommandImage, Args: cmd.Args}
	}

	var err error
	switch cmd.Kind {
	case CommandImageMode:
		if b.toggleImageMode(userID) {
			log.Info("entered image mode")
			err = b.sender.SendText(ctx, dest, imageModeOn)
		} else {
			log.Info("left image mode")
			err = b.sender.SendText(ctx, dest, imageModeOff)
		}
	case CommandExit:
		if b.leaveImageMode(userID) {
			log.Info("left image mode")
			err = b.sender.SendText(ctx, dest, imageModeExited)
		} else {
			err = b.sender.SendText(ctx, dest, imageModeNotActive)
		}
	case CommandReset:
		err = b.intake.Reset(ctx, dest, userID)
	case CommandNew:
		err = b.intake.NewConversation(ctx, dest, userID)
	case CommandContext:
		err = b.intake.ContextInfo(ctx, dest, userID)
	case CommandHelp, CommandUnknown:
		err = b.intake.Help(ctx, dest)
	case CommandImage:
		if cmd.Args == "" {
			err = b.sender.SendText(ctx, dest, imageUsage)
			break
		}
		err = b.submit(ctx, dest, sender, cmd.Args, cmd)
	case CommandDoc:
		if cmd.Args == "" {
			err = b.sender.SendText(ctx, dest, docUsage)
			break
		}
		err = b.submit(ctx, dest, sender, cmd.Args, cmd)
	case CommandSearch, CommandCode:
		prompt := cmd.Args
		if prompt == "" {
			prompt = fallbackPrompt
		}
		err = b.submit(ctx, dest, sender, prompt, cmd)
	default:
		err = b.submit(ctx, dest, sender, cmd.Args, cmd)
	}

	switch {
	case err == nil:
	case errors.Is(err, conversation.ErrRejected):
		log.Debug("request rejected", "reason", err)
	default:
		log.Error("failed to handle message", "command", cmd.Name, "error", err)
	}
}

func (b *Bridge) submit(ctx context.Context, dest dispatch.Destination, sender id.UserID, prompt string, cmd Command) error {
	_, err := b.intake.Submit(ctx, conversation.Inbound{
		UserID:       sender.String(),
		DisplayName:  localpart(sender),
		Dest:         dest,
		Prompt:       prompt,
		Capabilities: cmd.Capabilities(),
	})
	return err
}

func (b *Bridge) inImageMode(userID string) bool {
	b.imageModeMu.Lock()
	defer b.imageModeMu.Unlock()
	return b.imageMode[userID]
}

// toggleImageMode flips the user's image mode and reports whether it is
// now on.
func (b *Bridge) toggleImageMode(userID string) bool {
	b.imageModeMu.Lock()
	defer b.imageModeMu.Unlock()
	if b.imageMode[userID] {
		delete(b.imageMode, userID)
		return false
	}
	b.imageMode[userID] = true
	return true
}

// leaveImageMode turns image mode off and reports whether it was on.
func (b *Bridge) leaveImageMode(userID string) bool {
	b.imageModeMu.Lock()
	defer b.imageModeMu.Unlock()
	on := b.imageMode[userID]
	delete(b.imageMode, userID)
	return on
}

// handleMemberEvent joins rooms the bot is invited to, if they are allowed.
func (b *Bridge) handleMemberEvent(ctx context.Context, evt *event.Event) {
	if evt.GetStateKey() != b.userID.String() {
		return
	}
	member := evt.Content.AsMember()
	if member.Membership != event.MembershipInvite {
		return
	}
	roomID := evt.RoomID.String()
	if !b.isRoomAllowed(roomID) {
		b.logger.Info("declining invite to non-allowed room", "room", roomID, "inviter", evt.Sender.String())
		return
	}

	ctx, cancel := context.WithTimeout(ctx, networkTimeout)
	defer cancel()
	if _, err := b.api.JoinRoomByID(ctx, evt.RoomID); err != nil {
		b.logger.Error("failed to join room", "room", roomID, "error", err)
		return
	}
	b.logger.Info("joined room", "room", roomID, "inviter", evt.Sender.String())
}

// isRoomAllowed checks if the room is in the allowed list.
func (b *Bridge) isRoomAllowed(roomID string) bool {
	if len(b.opts.AllowedRooms) == 0 {
		return true
	}
	return slices.Contains(b.opts.AllowedRooms, roomID)
}

// localpart returns the user name part of a Matrix ID: @alice:example.org -> alice.
func localpart(userID id.UserID) string {
	s := strings.TrimPrefix(userID.String(), "@")
	name, _, _ := strings.Cut(s, ":")
	return name
}

// truncate shortens a string to the given max rune count, adding "..." if truncated.
func truncate(s string, maxLen int) string {
	runes := []rune(s)
	if len(runes) <= maxLen {
		return s
	}
	return string(runes[:maxLen]) + "..."
}

// ABOUTME: Delivers replies to Matrix rooms: chunked markdown text, notices and images
// ABOUTME: Implements dispatch.Replier over the subset of the mautrix client it needs

package matrix

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"github.com/2389/nebula-gateway/internal/chunk"
	"github.com/2389/nebula-gateway/internal/dispatch"
)

// API is the part of *mautrix.Client the bridge uses.
type API interface {
	SendMessageEvent(ctx context.Context, roomID id.RoomID, eventType event.Type, contentJSON any, extra ...mautrix.ReqSendEvent) (*mautrix.RespSendEvent, error)
	UploadBytes(ctx context.Context, data []byte, contentType string) (*mautrix.RespMediaUpload, error)
	UserTyping(ctx context.Context, roomID id.RoomID, typing bool, timeout time.Duration) (*mautrix.RespTyping, error)
	JoinRoomByID(ctx context.Context, roomID id.RoomID) (*mautrix.RespJoinRoom, error)
}

var _ API = (*mautrix.Client)(nil)

// sendTimeout bounds each send; messages can be large.
const sendTimeout = 30 * time.Second

// Sender sends messages to rooms.
type Sender struct {
	api    API
	maxLen int
	logger *slog.Logger
}

var _ dispatch.Replier = (*Sender)(nil)

// NewSender creates a sender. maxLen <= 0 means chunk.DefaultMax.
func NewSender(api API, maxLen int, logger *slog.Logger) *Sender {
	if maxLen <= 0 {
		maxLen = chunk.DefaultMax
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Sender{
		api:    api,
		maxLen: maxLen,
		logger: logger.With("component", "matrix-sender"),
	}
}

// SendText sends Markdown text, split into chunks that fit one event. The
// first chunk replies to dest.ReplyTo when set.
func (s *Sender) SendText(ctx context.Context, dest dispatch.Destination, text string) error {
	chunks := chunk.Split(text, s.maxLen)
	for i, c := range chunks {
		content := s.formatted(event.MsgText, c)
		if i == 0 && dest.ReplyTo != "" {
			content.RelatesTo = &event.RelatesTo{
				InReplyTo: &event.InReplyTo{EventID: id.EventID(dest.ReplyTo)},
			}
		}
		if err := s.send(ctx, dest.ChannelID, content); err != nil {
			return fmt.Errorf("sending chunk %d/%d: %w", i+1, len(chunks), err)
		}
	}
	return nil
}

// SendNotice sends a short status message as m.notice.
func (s *Sender) SendNotice(ctx context.Context, dest dispatch.Destination, text string) error {
	return s.send(ctx, dest.ChannelID, s.formatted(event.MsgNotice, text))
}

// SendImage uploads the PNG at path and posts it to the room.
func (s *Sender) SendImage(ctx context.Context, dest dispatch.Destination, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading image: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, sendTimeout)
	defer cancel()

	up, err := s.api.UploadBytes(ctx, data, "image/png")
	if err != nil {
		return fmt.Errorf("uploading image: %w", err)
	}

	content := &event.MessageEventContent{
		MsgType: event.MsgImage,
		Body:    filepath.Base(path),
		URL:     up.ContentURI.CUString(),
		Info: &event.FileInfo{
			MimeType: "image/png",
			Size:     len(data),
		},
	}
	if dest.ReplyTo != "" {
		content.RelatesTo = &event.RelatesTo{
			InReplyTo: &event.InReplyTo{EventID: id.EventID(dest.ReplyTo)},
		}
	}
	if _, err := s.api.SendMessageEvent(ctx, id.RoomID(dest.ChannelID), event.EventMessage, content); err != nil {
		return fmt.Errorf("sending image event: %w", err)
	}
	s.logger.Debug("sent image", "room", dest.ChannelID, "bytes", len(data))
	return nil
}

func (s *Sender) formatted(msgType event.MessageType, text string) *event.MessageEventContent {
	content := &event.MessageEventContent{MsgType: msgType, Body: text}
	html, err := Render(text)
	if err != nil {
		s.logger.Warn("failed to render markdown, sending plain text", "error", err)
		return content
	}
	content.Format = event.FormatHTML
	content.FormattedBody = html
	return content
}

func (s *Sender) send(ctx context.Context, roomID string, content *event.MessageEventContent) error {
	ctx, cancel := context.WithTimeout(ctx, sendTimeout)
	defer cancel()
	_, err := s.api.SendMessageEvent(ctx, id.RoomID(roomID), event.EventMessage, content)
	return err
}

// typingTimeout is how long one typing notification lasts.
const typingTimeout = 30 * time.Second

// networkTimeout bounds small Matrix API calls.
const networkTimeout = 10 * time.Second

// SetTyping turns the typing indicator in a room on or off.
func (s *Sender) SetTyping(roomID string, typing bool) {
	var timeout time.Duration
	if typing {
		timeout = typingTimeout
	}
	ctx, cancel := context.WithTimeout(context.Background(), networkTimeout)
	defer cancel()
	if _, err := s.api.UserTyping(ctx, id.RoomID(roomID), typing, timeout); err != nil {
		s.logger.Debug("failed to set typing indicator", "room", roomID, "error", err)
	}
}

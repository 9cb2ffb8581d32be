// ABOUTME: Test doubles for the Matrix API and the intake service
// ABOUTME: Record what the bridge sends so tests can assert on events and calls

package matrix

import (
	"context"
	"errors"
	"sync"
	"time"

	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"github.com/2389/nebula-gateway/internal/conversation"
	"github.com/2389/nebula-gateway/internal/dispatch"
)

type sentEvent struct {
	room    id.RoomID
	content *event.MessageEventContent
}

type typingCall struct {
	room   id.RoomID
	typing bool
}

type fakeAPI struct {
	mu      sync.Mutex
	events  []sentEvent
	uploads [][]byte
	typing  []typingCall
	joined  []id.RoomID
	sendErr error
}

func (f *fakeAPI) SendMessageEvent(ctx context.Context, roomID id.RoomID, eventType event.Type, contentJSON any, extra ...mautrix.ReqSendEvent) (*mautrix.RespSendEvent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return nil, f.sendErr
	}
	f.events = append(f.events, sentEvent{roomID, contentJSON.(*event.MessageEventContent)})
	return &mautrix.RespSendEvent{EventID: id.EventID("$sent")}, nil
}

func (f *fakeAPI) UploadBytes(ctx context.Context, data []byte, contentType string) (*mautrix.RespMediaUpload, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.uploads = append(f.uploads, data)
	return &mautrix.RespMediaUpload{ContentURI: id.ContentURI{Homeserver: "example.org", FileID: "abc123"}}, nil
}

func (f *fakeAPI) UserTyping(ctx context.Context, roomID id.RoomID, typing bool, timeout time.Duration) (*mautrix.RespTyping, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.typing = append(f.typing, typingCall{roomID, typing})
	return &mautrix.RespTyping{}, nil
}

func (f *fakeAPI) JoinRoomByID(ctx context.Context, roomID id.RoomID) (*mautrix.RespJoinRoom, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.joined = append(f.joined, roomID)
	return &mautrix.RespJoinRoom{RoomID: roomID}, nil
}

func (f *fakeAPI) sent() []sentEvent {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]sentEvent(nil), f.events...)
}

func (f *fakeAPI) typingCalls() []typingCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]typingCall(nil), f.typing...)
}

type intakeCall struct {
	method string
	userID string
	dest   dispatch.Destination
	req    conversation.Inbound
}

type fakeIntake struct {
	mu        sync.Mutex
	calls     []intakeCall
	submitErr error
}

func (f *fakeIntake) record(c intakeCall) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, c)
}

func (f *fakeIntake) Submit(ctx context.Context, req conversation.Inbound) (*dispatch.Job, error) {
	f.record(intakeCall{method: "submit", userID: req.UserID, dest: req.Dest, req: req})
	if f.submitErr != nil {
		return nil, f.submitErr
	}
	return dispatch.NewJob(req.UserID, req.DisplayName, req.Dest, req.Prompt, req.Capabilities), nil
}

func (f *fakeIntake) Reset(ctx context.Context, dest dispatch.Destination, userID string) error {
	f.record(intakeCall{method: "reset", userID: userID, dest: dest})
	return nil
}

func (f *fakeIntake) NewConversation(ctx context.Context, dest dispatch.Destination, userID string) error {
	f.record(intakeCall{method: "new", userID: userID, dest: dest})
	return nil
}

func (f *fakeIntake) ContextInfo(ctx context.Context, dest dispatch.Destination, userID string) error {
	f.record(intakeCall{method: "context", userID: userID, dest: dest})
	return nil
}

func (f *fakeIntake) Help(ctx context.Context, dest dispatch.Destination) error {
	f.record(intakeCall{method: "help", dest: dest})
	return nil
}

func (f *fakeIntake) all() []intakeCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]intakeCall(nil), f.calls...)
}

// mapDedupe is an unbounded Dedupe.
type mapDedupe map[string]bool

func (m mapDedupe) CheckAndMark(key string) bool {
	if m[key] {
		return true
	}
	m[key] = true
	return false
}

var errSend = errors.New("M_FORBIDDEN")

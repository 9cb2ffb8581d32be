// ABOUTME: Typing indicator driven by job lifecycle events
// ABOUTME: A room shows typing while at least one of its jobs is executing

package matrix

import (
	"context"
	"time"

	"github.com/2389/nebula-gateway/internal/conversation"
	"github.com/2389/nebula-gateway/internal/dispatch"
)

// typingRefresh re-sends typing before the server-side timeout lapses.
const typingRefresh = 20 * time.Second

// typingTracker counts executing jobs per room.
type typingTracker struct {
	active map[string]int
	set    func(roomID string, typing bool)
}

func newTypingTracker(set func(roomID string, typing bool)) *typingTracker {
	return &typingTracker{active: make(map[string]int), set: set}
}

func (t *typingTracker) observe(ev conversation.JobEvent) {
	room := ev.ChannelID
	switch {
	case ev.State == dispatch.StateExecuting:
		t.active[room]++
		if t.active[room] == 1 {
			t.set(room, true)
		}
	case ev.State.Terminal():
		if t.active[room] == 0 {
			return
		}
		t.active[room]--
		if t.active[room] == 0 {
			delete(t.active, room)
			t.set(room, false)
		}
	}
}

func (t *typingTracker) refresh() {
	for room := range t.active {
		t.set(room, true)
	}
}

func (t *typingTracker) clear() {
	for room := range t.active {
		t.set(room, false)
		delete(t.active, room)
	}
}

// trackTyping consumes job events until ctx is done or events is closed.
func (b *Bridge) trackTyping(ctx context.Context, events <-chan conversation.JobEvent) {
	tracker := newTypingTracker(b.sender.SetTyping)
	defer tracker.clear()

	ticker := time.NewTicker(typingRefresh)
	defer ticker.Stop()

	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return
			}
			tracker.observe(ev)
		case <-ticker.C:
			tracker.refresh()
		case <-ctx.Done():
			return
		}
	}
}

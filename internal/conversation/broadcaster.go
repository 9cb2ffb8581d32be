// ABOUTME: In-memory fan-out of job lifecycle events for transport-side awareness
// ABOUTME: Implements dispatch.Observer and publishes to subscribers of a channel ID

package conversation

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/2389/nebula-gateway/internal/dispatch"
)

const (
	// subscriberBufferSize is the channel buffer for each subscriber.
	subscriberBufferSize = 64

	// AllChannels subscribes to events for every channel.
	AllChannels = "*"
)

// JobEvent is one lifecycle transition of a job.
type JobEvent struct {
	JobID     string
	UserID    string
	ChannelID string
	State     dispatch.State
	// Outcome is set once State is terminal.
	Outcome   dispatch.OutcomeKind
	Timestamp time.Time
}

// Broadcaster provides in-memory pub/sub for job events. Subscribers
// register for a channel ID, or AllChannels, and receive events as jobs
// are queued, started and finished. The bridge uses it to drive the
// typing indicator.
type Broadcaster struct {
	mu          sync.RWMutex
	subscribers map[string]map[string]chan JobEvent // channelID -> subID -> ch
	logger      *slog.Logger
}

// NewBroadcaster creates a broadcaster. Pass nil logger for default.
func NewBroadcaster(logger *slog.Logger) *Broadcaster {
	if logger == nil {
		logger = slog.Default()
	}
	return &Broadcaster{
		subscribers: make(map[string]map[string]chan JobEvent),
		logger:      logger.With("component", "broadcaster"),
	}
}

// Subscribe registers a subscriber for events on the given channel.
// Returns a channel that receives events and a subscription ID for later
// unsubscription. The subscription is removed when ctx is cancelled.
func (b *Broadcaster) Subscribe(ctx context.Context, channelID string) (<-chan JobEvent, string) {
	subID := uuid.New().String()
	ch := make(chan JobEvent, subscriberBufferSize)

	b.mu.Lock()
	if _, ok := b.subscribers[channelID]; !ok {
		b.subscribers[channelID] = make(map[string]chan JobEvent)
	}
	b.subscribers[channelID][subID] = ch
	b.mu.Unlock()

	b.logger.Debug("subscriber added", "channel", channelID, "sub_id", subID)

	go func() {
		<-ctx.Done()
		b.Unsubscribe(channelID, subID)
	}()

	return ch, subID
}

// Publish sends an event to subscribers of its channel and of AllChannels.
// Non-blocking: events are dropped for subscribers whose channels are full.
func (b *Broadcaster) Publish(event JobEvent) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	// Sends are non-blocking, so holding the read lock keeps Unsubscribe
	// from closing a channel mid-send.
	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, key := range []string{event.ChannelID, AllChannels} {
		for _, ch := range b.subscribers[key] {
			select {
			case ch <- event:
			default:
				b.logger.Debug("dropped event for slow subscriber",
					"channel", event.ChannelID,
					"job", event.JobID)
			}
		}
	}
}

// JobQueued publishes a queued event for job.
func (b *Broadcaster) JobQueued(job *dispatch.Job) {
	b.Publish(eventFor(job, dispatch.StateQueued, dispatch.OutcomeFailed))
}

// JobStarted implements dispatch.Observer.
func (b *Broadcaster) JobStarted(job *dispatch.Job) {
	b.Publish(eventFor(job, dispatch.StateExecuting, dispatch.OutcomeFailed))
}

// JobFinished implements dispatch.Observer.
func (b *Broadcaster) JobFinished(job *dispatch.Job, out dispatch.Outcome) {
	state := dispatch.StateCompleted
	if !out.OK() {
		state = dispatch.StateFailed
	}
	b.Publish(eventFor(job, state, out.Kind))
}

func eventFor(job *dispatch.Job, state dispatch.State, kind dispatch.OutcomeKind) JobEvent {
	return JobEvent{
		JobID:     job.ID,
		UserID:    job.UserID,
		ChannelID: job.Dest.ChannelID,
		State:     state,
		Outcome:   kind,
	}
}

// Unsubscribe removes a subscription and closes its channel.
func (b *Broadcaster) Unsubscribe(channelID, subID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	subs, ok := b.subscribers[channelID]
	if !ok {
		return
	}

	ch, exists := subs[subID]
	if !exists {
		return
	}

	delete(subs, subID)
	close(ch)

	if len(subs) == 0 {
		delete(b.subscribers, channelID)
	}

	b.logger.Debug("subscriber removed", "channel", channelID, "sub_id", subID)
}

// Close shuts down the broadcaster and closes all subscriber channels.
func (b *Broadcaster) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	for channelID, subs := range b.subscribers {
		for subID, ch := range subs {
			close(ch)
			delete(subs, subID)
		}
		delete(b.subscribers, channelID)
	}

	b.logger.Debug("broadcaster closed")
}

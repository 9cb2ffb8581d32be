// ABOUTME: Job is one queued request from a user to the model
// ABOUTME: Jobs are immutable once enqueued except for the dispatcher-owned state

package dispatch

import (
	"fmt"
	"sync/atomic"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/2389/nebula-gateway/internal/llm"
)

// State is a job's position in its lifecycle.
type State int32

const (
	StateQueued State = iota
	StateClaimed
	StateExecuting
	StateCompleted
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateQueued:
		return "queued"
	case StateClaimed:
		return "claimed"
	case StateExecuting:
		return "executing"
	case StateCompleted:
		return "completed"
	case StateFailed:
		return "failed"
	default:
		return fmt.Sprintf("State(%d)", int32(s))
	}
}

// Terminal reports whether the job has finished.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateFailed
}

// Destination says where replies for a job go.
type Destination struct {
	// ChannelID is the transport's room or chat identifier.
	ChannelID string
	// ReplyTo is the inbound message being answered, if the transport threads replies.
	ReplyTo string
}

// Job is a single user request waiting for, or owned by, a worker.
type Job struct {
	ID           string
	UserID       string
	DisplayName  string
	Dest         Destination
	Prompt       string
	Capabilities llm.CapabilitySet
	EnqueuedAt   time.Time

	state atomic.Int32
}

// NewJob creates a queued job with a fresh ULID.
func NewJob(userID, displayName string, dest Destination, prompt string, caps llm.CapabilitySet) *Job {
	return &Job{
		ID:           ulid.Make().String(),
		UserID:       userID,
		DisplayName:  displayName,
		Dest:         dest,
		Prompt:       prompt,
		Capabilities: caps,
		EnqueuedAt:   time.Now(),
	}
}

// State returns the job's current lifecycle state.
func (j *Job) State() State {
	return State(j.state.Load())
}

func (j *Job) setState(s State) {
	j.state.Store(int32(s))
}

// ABOUTME: Unbounded FIFO of jobs with per-user lanes
// ABOUTME: A user's next job is not handed out until their previous one is Done

package dispatch

import (
	"container/list"
	"context"
	"errors"
	"sync"
)

// ErrClosed is returned by Enqueue after Close, and by Dequeue once a
// closed dispatcher has drained.
var ErrClosed = errors.New("dispatcher closed")

// Stats is a snapshot of dispatcher accounting.
type Stats struct {
	Queued    int
	InFlight  int
	Completed int
	Failed    int
}

// Dispatcher hands queued jobs to workers in admission order, skipping
// jobs whose user already has one in flight. Enqueue never blocks.
type Dispatcher struct {
	mu      sync.Mutex
	queue   *list.List // *Job, oldest at front
	busy    map[string]struct{}
	changed chan struct{}
	closed  bool
	stats   Stats
}

// NewDispatcher creates an empty dispatcher.
func NewDispatcher() *Dispatcher {
	return &Dispatcher{
		queue:   list.New(),
		busy:    make(map[string]struct{}),
		changed: make(chan struct{}),
	}
}

// notify wakes every waiting Dequeue. Callers hold mu.
func (d *Dispatcher) notify() {
	close(d.changed)
	d.changed = make(chan struct{})
}

// Enqueue appends a job to the back of the queue.
func (d *Dispatcher) Enqueue(job *Job) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return ErrClosed
	}
	job.setState(StateQueued)
	d.queue.PushBack(job)
	d.stats.Queued++
	d.notify()
	return nil
}

// Dequeue blocks until a job is eligible and claims it. A job is eligible
// when no earlier job from the same user is still in flight.
func (d *Dispatcher) Dequeue(ctx context.Context) (*Job, error) {
	for {
		d.mu.Lock()
		if job := d.claimLocked(); job != nil {
			d.mu.Unlock()
			return job, nil
		}
		if d.closed && d.queue.Len() == 0 {
			d.mu.Unlock()
			return nil, ErrClosed
		}
		wait := d.changed
		d.mu.Unlock()

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-wait:
		}
	}
}

func (d *Dispatcher) claimLocked() *Job {
	for e := d.queue.Front(); e != nil; e = e.Next() {
		job := e.Value.(*Job)
		if _, busy := d.busy[job.UserID]; busy {
			continue
		}
		d.queue.Remove(e)
		d.busy[job.UserID] = struct{}{}
		d.stats.Queued--
		d.stats.InFlight++
		job.setState(StateClaimed)
		return job
	}
	return nil
}

// Done releases the job's user lane and records its terminal state.
// state must be StateCompleted or StateFailed.
func (d *Dispatcher) Done(job *Job, state State) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if _, ok := d.busy[job.UserID]; !ok {
		return
	}
	delete(d.busy, job.UserID)
	d.stats.InFlight--
	if state == StateCompleted {
		d.stats.Completed++
	} else {
		state = StateFailed
		d.stats.Failed++
	}
	job.setState(state)
	d.notify()
}

// Stats returns current accounting.
func (d *Dispatcher) Stats() Stats {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.stats
}

// Pending reports how many jobs the user has waiting in the queue.
func (d *Dispatcher) Pending(userID string) int {
	d.mu.Lock()
	defer d.mu.Unlock()

	n := 0
	for e := d.queue.Front(); e != nil; e = e.Next() {
		if e.Value.(*Job).UserID == userID {
			n++
		}
	}
	return n
}

// Close stops accepting jobs. Queued jobs are still handed out; Dequeue
// returns ErrClosed once none remain.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return
	}
	d.closed = true
	d.notify()
}

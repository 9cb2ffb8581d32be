// ABOUTME: Tests for the worker pool
// ABOUTME: Covers per-user serialization, parallelism across users, panics and shutdown

package dispatch

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type handlerFunc func(ctx context.Context, job *Job) Outcome

func (f handlerFunc) Execute(ctx context.Context, job *Job) Outcome { return f(ctx, job) }

func runPool(t *testing.T, p *Pool) (context.CancelFunc, <-chan error) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- p.Run(ctx) }()
	return cancel, done
}

func waitRun(t *testing.T, done <-chan error) {
	t.Helper()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("pool did not stop")
	}
}

func TestPool_SerializesPerUser(t *testing.T) {
	d := NewDispatcher()

	var (
		mu       sync.Mutex
		active   = map[string]int{}
		order    = map[string][]string{}
		overlap  atomic.Bool
		parallel atomic.Int32
		peak     atomic.Int32
	)
	h := handlerFunc(func(ctx context.Context, job *Job) Outcome {
		mu.Lock()
		active[job.UserID]++
		if active[job.UserID] > 1 {
			overlap.Store(true)
		}
		order[job.UserID] = append(order[job.UserID], job.Prompt)
		mu.Unlock()

		n := parallel.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(5 * time.Millisecond)
		parallel.Add(-1)

		mu.Lock()
		active[job.UserID]--
		mu.Unlock()
		return Outcome{Kind: OutcomeText}
	})

	users := []string{"a", "b", "c", "d"}
	const perUser = 5
	for i := range perUser {
		for _, u := range users {
			require.NoError(t, d.Enqueue(testJob(u, fmt.Sprintf("%s-%d", u, i))))
		}
	}

	p := NewPool(d, h, 8, nil)
	cancel, done := runPool(t, p)
	defer cancel()

	d.Close()
	waitRun(t, done)

	assert.False(t, overlap.Load(), "a user had two jobs in flight")
	assert.Greater(t, peak.Load(), int32(1), "different users should run in parallel")
	assert.LessOrEqual(t, peak.Load(), int32(len(users)))
	for _, u := range users {
		want := make([]string, perUser)
		for i := range perUser {
			want[i] = fmt.Sprintf("%s-%d", u, i)
		}
		assert.Equal(t, want, order[u], "jobs for %s ran out of order", u)
	}
	assert.Equal(t, Stats{Completed: len(users) * perUser}, d.Stats())
}

func TestPool_FailedOutcome(t *testing.T) {
	d := NewDispatcher()
	h := handlerFunc(func(ctx context.Context, job *Job) Outcome {
		return Outcome{Kind: OutcomeFailed, Category: CategoryTimeout}
	})
	j := testJob("a", "x")
	require.NoError(t, d.Enqueue(j))

	_, done := runPool(t, NewPool(d, h, 2, nil))
	d.Close()
	waitRun(t, done)

	assert.Equal(t, StateFailed, j.State())
	assert.Equal(t, 1, d.Stats().Failed)
}

func TestPool_RecoversPanics(t *testing.T) {
	d := NewDispatcher()
	h := handlerFunc(func(ctx context.Context, job *Job) Outcome {
		if job.Prompt == "explode" {
			panic("kaboom")
		}
		return Outcome{Kind: OutcomeText}
	})
	bad, good := testJob("a", "explode"), testJob("a", "fine")
	require.NoError(t, d.Enqueue(bad))
	require.NoError(t, d.Enqueue(good))

	_, done := runPool(t, NewPool(d, h, 1, nil))
	d.Close()
	waitRun(t, done)

	assert.Equal(t, StateFailed, bad.State())
	assert.Equal(t, StateCompleted, good.State(), "the user's lane is released after a panic")
}

func TestPool_InFlightJobSurvivesCancel(t *testing.T) {
	d := NewDispatcher()
	started := make(chan struct{})
	release := make(chan struct{})
	var sawCancel atomic.Bool

	h := handlerFunc(func(ctx context.Context, job *Job) Outcome {
		assert.Equal(t, StateExecuting, job.State())
		close(started)
		<-release
		sawCancel.Store(ctx.Err() != nil)
		return Outcome{Kind: OutcomeText}
	})
	j := testJob("a", "slow")
	require.NoError(t, d.Enqueue(j))

	cancel, done := runPool(t, NewPool(d, h, 2, nil))
	<-started
	cancel()

	select {
	case <-done:
		t.Fatal("pool returned while a job was in flight")
	case <-time.After(50 * time.Millisecond):
	}

	close(release)
	waitRun(t, done)
	assert.False(t, sawCancel.Load(), "in-flight job context must not be cancelled")
	assert.Equal(t, StateCompleted, j.State())
}

type recordingObserver struct {
	mu     sync.Mutex
	events []string
}

func (o *recordingObserver) JobStarted(job *Job) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.events = append(o.events, "start:"+job.Prompt+":"+job.State().String())
}

func (o *recordingObserver) JobFinished(job *Job, out Outcome) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.events = append(o.events, "finish:"+job.Prompt+":"+out.Kind.String())
}

func TestPool_NotifiesObserver(t *testing.T) {
	d := NewDispatcher()
	h := handlerFunc(func(ctx context.Context, job *Job) Outcome {
		if job.Prompt == "bad" {
			return Outcome{Kind: OutcomeFailed}
		}
		return Outcome{Kind: OutcomeText}
	})
	require.NoError(t, d.Enqueue(testJob("a", "good")))
	require.NoError(t, d.Enqueue(testJob("a", "bad")))

	obs := &recordingObserver{}
	p := NewPool(d, h, 1, nil)
	p.SetObserver(obs)
	_, done := runPool(t, p)
	d.Close()
	waitRun(t, done)

	assert.Equal(t, []string{
		"start:good:executing",
		"finish:good:text",
		"start:bad:executing",
		"finish:bad:failed",
	}, obs.events)
}

func TestNewPool_DefaultWorkers(t *testing.T) {
	p := NewPool(NewDispatcher(), handlerFunc(nil), 0, nil)
	assert.Equal(t, DefaultWorkers, p.workers)
}

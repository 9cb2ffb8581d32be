// ABOUTME: Test doubles for the dispatch package
// ABOUTME: Scripted completer, recording replier and recording sleeper

package dispatch

import (
	"context"
	"sync"
	"time"

	"github.com/2389/nebula-gateway/internal/llm"
)

type step struct {
	res *llm.Result
	err error
}

// fakeCompleter returns scripted results in order; the last one repeats.
type fakeCompleter struct {
	mu    sync.Mutex
	steps []step
	reqs  []*llm.Request
	hook  func(req *llm.Request)
}

func (f *fakeCompleter) Complete(ctx context.Context, req *llm.Request) (*llm.Result, error) {
	if f.hook != nil {
		f.hook(req)
	}
	f.mu.Lock()
	defer f.mu.Unlock()

	f.reqs = append(f.reqs, req)
	i := len(f.reqs) - 1
	if i >= len(f.steps) {
		i = len(f.steps) - 1
	}
	return f.steps[i].res, f.steps[i].err
}

func (f *fakeCompleter) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.reqs)
}

func textResult(s string) step {
	return step{res: &llm.Result{Kind: llm.ResultText, Text: s}}
}

func failure(err error) step {
	return step{err: err}
}

type sent struct {
	kind string // text, notice, image
	dest Destination
	body string
}

type fakeReplier struct {
	mu   sync.Mutex
	sent []sent
}

func (r *fakeReplier) record(kind string, dest Destination, body string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent = append(r.sent, sent{kind: kind, dest: dest, body: body})
	return nil
}

func (r *fakeReplier) SendText(ctx context.Context, dest Destination, text string) error {
	return r.record("text", dest, text)
}

func (r *fakeReplier) SendNotice(ctx context.Context, dest Destination, text string) error {
	return r.record("notice", dest, text)
}

func (r *fakeReplier) SendImage(ctx context.Context, dest Destination, path string) error {
	return r.record("image", dest, path)
}

func (r *fakeReplier) all() []sent {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]sent(nil), r.sent...)
}

func (r *fakeReplier) ofKind(kind string) []string {
	var out []string
	for _, s := range r.all() {
		if s.kind == kind {
			out = append(out, s.body)
		}
	}
	return out
}

type recordingSleeper struct {
	mu     sync.Mutex
	delays []time.Duration
}

func (s *recordingSleeper) sleep(ctx context.Context, d time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.delays = append(s.delays, d)
	return ctx.Err()
}

// ABOUTME: Runs one claimed job: profile, history, model call with retry, reply
// ABOUTME: Usage counter updates are fire-and-forget; failures are logged only

package dispatch

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"
	"unicode/utf8"

	"github.com/2389/nebula-gateway/internal/history"
	"github.com/2389/nebula-gateway/internal/llm"
	"github.com/2389/nebula-gateway/internal/store"
)

// Profiles is the user-profile collaborator used by workers.
type Profiles interface {
	Profile(ctx context.Context, userID, displayName string) (*store.User, error)
	IncrementImageUsage(ctx context.Context, userID string) error
	AddTokenUsage(ctx context.Context, userID string, tokens int) error
}

// History is the conversation memory used by workers.
type History interface {
	Relevant(userID string) []history.Entry
	Append(userID string, role history.Role, content string) history.Notice
}

// Replier delivers results back to the user over the transport.
type Replier interface {
	SendText(ctx context.Context, dest Destination, text string) error
	SendNotice(ctx context.Context, dest Destination, text string) error
	SendImage(ctx context.Context, dest Destination, path string) error
}

// Sleeper waits for d or until ctx is done.
type Sleeper func(ctx context.Context, d time.Duration) error

// SleepContext is the real Sleeper.
func SleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Defaults for ExecutorConfig.
const (
	DefaultMaxAttempts = 3
	DefaultBackoffBase = time.Second
)

// ImagePromptPrefix is prepended to image prompts so the model uses its image tool.
const ImagePromptPrefix = "Generate a high-quality, detailed image of: "

// ExecutorConfig wires an Executor.
type ExecutorConfig struct {
	Profiles Profiles
	History  History
	Model    llm.Completer
	Replier  Replier

	MaxAttempts int
	// BackoffBase is doubled per attempt: the wait before attempt n (0-based) is BackoffBase<<n.
	BackoffBase time.Duration
	Sleep       Sleeper
	// RemoveFile deletes a delivered image. Defaults to os.Remove.
	RemoveFile func(path string) error

	Logger *slog.Logger
}

// Executor runs jobs to completion.
type Executor struct {
	profiles Profiles
	history  History
	model    llm.Completer
	replier  Replier

	maxAttempts int
	backoffBase time.Duration
	sleep       Sleeper
	removeFile  func(string) error

	logger *slog.Logger
}

// NewExecutor creates an executor.
func NewExecutor(cfg ExecutorConfig) *Executor {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = DefaultMaxAttempts
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = DefaultBackoffBase
	}
	if cfg.Sleep == nil {
		cfg.Sleep = SleepContext
	}
	if cfg.RemoveFile == nil {
		cfg.RemoveFile = os.Remove
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Executor{
		profiles:    cfg.Profiles,
		history:     cfg.History,
		model:       cfg.Model,
		replier:     cfg.Replier,
		maxAttempts: cfg.MaxAttempts,
		backoffBase: cfg.BackoffBase,
		sleep:       cfg.Sleep,
		removeFile:  cfg.RemoveFile,
		logger:      cfg.Logger.With("component", "executor"),
	}
}

// OutcomeKind is how a job ended.
type OutcomeKind int

const (
	OutcomeFailed OutcomeKind = iota
	OutcomeText
	OutcomeImage
	OutcomeToolCalls
)

func (k OutcomeKind) String() string {
	switch k {
	case OutcomeText:
		return "text"
	case OutcomeImage:
		return "image"
	case OutcomeToolCalls:
		return "tool_calls"
	default:
		return "failed"
	}
}

// Outcome describes a finished job.
type Outcome struct {
	Kind     OutcomeKind
	Attempts int
	Category Category
	Err      error
	Tokens   int
}

// OK reports whether the job succeeded.
func (o Outcome) OK() bool { return o.Kind != OutcomeFailed }

// EstimateTokens is the length heuristic used for token accounting.
func EstimateTokens(prompt, reply string) int {
	return utf8.RuneCountInString(prompt)/4 + utf8.RuneCountInString(reply)/4
}

// Execute runs the worker protocol for one job. It never returns with the
// user unanswered: every failure path sends a reply.
func (e *Executor) Execute(ctx context.Context, job *Job) Outcome {
	log := e.logger.With("job", job.ID, "user", job.UserID)
	caps := job.Capabilities

	profile, err := e.profiles.Profile(ctx, job.UserID, job.DisplayName)
	if err != nil {
		return e.fail(ctx, log, job, 0, fmt.Errorf("loading profile: %w", err))
	}

	past := e.history.Relevant(job.UserID)

	notice := history.NoticeNone
	if !caps.WantsImage() {
		// past was fetched before this append, so a reset turn still
		// carries the conversation that led up to it.
		notice = e.history.Append(job.UserID, history.RoleUser, job.Prompt)
	}

	prompt := job.Prompt
	if caps.WantsImage() {
		prompt = ImagePromptPrefix + job.Prompt
	}

	req := &llm.Request{
		UserID:       job.UserID,
		Prompt:       prompt,
		History:      toTurns(past),
		Capabilities: caps,
		Model:        profile.Model,
		Temperature:  profile.Temperature,
		TopP:         profile.TopP,
		SystemPrompt: profile.SystemPrompt,
		MaxTokens:    profile.MaxTokens,
	}

	log.Info("executing job",
		"model", req.Model,
		"capabilities", caps.Tools,
		"functions", len(caps.Functions),
		"history", len(req.History),
	)

	res, attempts, err := e.complete(ctx, log, job, req)
	if err != nil {
		return e.fail(ctx, log, job, attempts, err)
	}
	if res.Empty() {
		log.Error("model returned no usable result", "attempts", attempts)
		e.reply(ctx, log, job.Dest, CategoryNoResponse.Message())
		return Outcome{Kind: OutcomeFailed, Attempts: attempts, Category: CategoryNoResponse}
	}

	switch res.Kind {
	case llm.ResultImage:
		if err := e.profiles.IncrementImageUsage(ctx, job.UserID); err != nil {
			log.Warn("failed to record image usage", "error", err)
		}
		if err := e.replier.SendImage(ctx, job.Dest, res.ImagePath); err != nil {
			log.Error("failed to send image", "error", err)
		}
		if err := e.removeFile(res.ImagePath); err != nil {
			log.Warn("failed to remove image", "path", res.ImagePath, "error", err)
		}
		log.Info("job completed", "result", "image", "attempts", attempts)
		return Outcome{Kind: OutcomeImage, Attempts: attempts}

	case llm.ResultToolCalls:
		desc := llm.DescribeToolCalls(res.ToolCalls)
		e.history.Append(job.UserID, history.RoleAssistant, desc)
		e.reply(ctx, log, job.Dest, desc)
		log.Info("job completed", "result", "tool_calls", "calls", len(res.ToolCalls), "attempts", attempts)
		return Outcome{Kind: OutcomeToolCalls, Attempts: attempts}

	default:
		tokens := EstimateTokens(prompt, res.Text)
		if err := e.profiles.AddTokenUsage(ctx, job.UserID, tokens); err != nil {
			log.Warn("failed to record token usage", "error", err)
		}
		e.history.Append(job.UserID, history.RoleAssistant, res.Text)
		if text := notice.Text(); text != "" {
			if err := e.replier.SendNotice(ctx, job.Dest, text); err != nil {
				log.Warn("failed to send reset notice", "error", err)
			}
		}
		e.reply(ctx, log, job.Dest, res.Text)
		log.Info("job completed", "result", "text", "tokens", tokens, "attempts", attempts)
		return Outcome{Kind: OutcomeText, Attempts: attempts, Tokens: tokens}
	}
}

// complete calls the model up to maxAttempts times with exponential backoff.
func (e *Executor) complete(ctx context.Context, log *slog.Logger, job *Job, req *llm.Request) (*llm.Result, int, error) {
	var lastErr error
	for attempt := 0; attempt < e.maxAttempts; attempt++ {
		if attempt > 0 {
			delay := e.backoffBase << attempt
			if err := e.sleep(ctx, delay); err != nil {
				return nil, attempt, fmt.Errorf("waiting to retry: %w", err)
			}
			msg := fmt.Sprintf("🔄 Retrying... (attempt %d/%d)", attempt+1, e.maxAttempts)
			if err := e.replier.SendNotice(ctx, job.Dest, msg); err != nil {
				log.Warn("failed to send retry notice", "error", err)
			}
		}

		res, err := e.model.Complete(ctx, req)
		if err == nil {
			return res, attempt + 1, nil
		}
		lastErr = err

		if !llm.IsRetryable(err) {
			log.Warn("model call failed, not retrying", "attempt", attempt+1, "error", err)
			return nil, attempt + 1, err
		}
		log.Warn("model call failed", "attempt", attempt+1, "max_attempts", e.maxAttempts, "error", err)
	}
	return nil, e.maxAttempts, fmt.Errorf("after %d attempts: %w", e.maxAttempts, lastErr)
}

func (e *Executor) fail(ctx context.Context, log *slog.Logger, job *Job, attempts int, err error) Outcome {
	cat := Classify(err)
	log.Error("job failed", "attempts", attempts, "category", cat, "error", err)
	e.reply(ctx, log, job.Dest, cat.Message())
	return Outcome{Kind: OutcomeFailed, Attempts: attempts, Category: cat, Err: err}
}

func (e *Executor) reply(ctx context.Context, log *slog.Logger, dest Destination, text string) {
	if err := e.replier.SendText(ctx, dest, text); err != nil {
		log.Error("failed to send reply", "error", err)
	}
}

func toTurns(entries []history.Entry) []llm.Turn {
	if len(entries) == 0 {
		return nil
	}
	turns := make([]llm.Turn, len(entries))
	for i, e := range entries {
		turns[i] = llm.Turn{Role: string(e.Role), Content: e.Content}
	}
	return turns
}

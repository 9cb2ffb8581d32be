// ABOUTME: Per-user conversation memory with topic tracking, pruning and automatic resets
// ABOUTME: Bounded FIFO history per user; every operation holds that user's lock

package history

import (
	"container/list"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/2389/nebula-gateway/internal/topic"
)

// Role identifies who authored a message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message is one stored turn. Keywords are only populated for user turns.
type Message struct {
	Role      Role
	Content   string
	Timestamp time.Time
	Keywords  topic.Keywords
}

// Entry is the role/content pair handed to the model.
type Entry struct {
	Role    Role
	Content string
}

// Notice reports a context reset caused by an append.
type Notice int

const (
	NoticeNone Notice = iota
	NoticeExplicitReset
	NoticeAutoReset
)

// Text returns the user-facing notification for the reset, or "" for NoticeNone.
func (n Notice) Text() string {
	switch n {
	case NoticeExplicitReset:
		return "🔄 **New conversation started** - Context cleared!"
	case NoticeAutoReset:
		return "🎯 **Topic change detected** - Starting fresh context!"
	default:
		return ""
	}
}

func (n Notice) String() string {
	switch n {
	case NoticeExplicitReset:
		return "explicit"
	case NoticeAutoReset:
		return "automatic"
	default:
		return "none"
	}
}

// Stats summarizes a user's context for display.
type Stats struct {
	Messages      int
	TopicKeywords int
	CurrentTopic  string
	LastReset     string
}

// Options tunes the store. Zero values take the defaults.
type Options struct {
	MaxMessages         int
	RecentWindow        int
	MaxKeywords         int
	DriftThreshold      float64
	MinMessagesForReset int
	ResetPhrases        []string
}

// Defaults for Options.
const (
	DefaultMaxMessages         = 12
	DefaultRecentWindow        = 4
	DefaultMinMessagesForReset = 4
)

func (o Options) withDefaults() Options {
	if o.MaxMessages <= 0 {
		o.MaxMessages = DefaultMaxMessages
	}
	if o.RecentWindow <= 0 {
		o.RecentWindow = DefaultRecentWindow
	}
	if o.MaxKeywords <= 0 {
		o.MaxKeywords = topic.DefaultMaxKeywords
	}
	if o.DriftThreshold <= 0 {
		o.DriftThreshold = topic.DefaultDriftThreshold
	}
	if o.MinMessagesForReset <= 0 {
		o.MinMessagesForReset = DefaultMinMessagesForReset
	}
	if o.ResetPhrases == nil {
		o.ResetPhrases = topic.DefaultResetPhrases
	}
	return o
}

// userContext is one user's history. All fields are guarded by mu.
type userContext struct {
	mu sync.Mutex

	messages  *list.List // *Message, oldest at front
	keywords  topic.Keywords
	lastReset time.Time

	// tracked is the keyword set of the latest user turn, used for drift
	// detection and relevance filtering. Only user turns update it.
	tracked topic.Keywords
}

func (c *userContext) reset(now time.Time) {
	c.messages.Init()
	c.keywords = nil
	c.lastReset = now
}

// Store holds conversation contexts for every user seen by this process.
// Contexts are created lazily and live for the process lifetime.
type Store struct {
	opts   Options
	logger *slog.Logger
	now    func() time.Time

	mu       sync.Mutex
	contexts map[string]*userContext
}

// New creates an empty store.
func New(opts Options, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{
		opts:     opts.withDefaults(),
		logger:   logger.With("component", "history"),
		now:      time.Now,
		contexts: make(map[string]*userContext),
	}
}

// lookup returns the user's context, creating it if create is set.
func (s *Store) lookup(userID string, create bool) *userContext {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.contexts[userID]
	if !ok && create {
		c = &userContext{messages: list.New(), lastReset: s.now()}
		s.contexts[userID] = c
	}
	return c
}

// Relevant returns the history worth sending with the user's next prompt.
// With no tracked keywords it is the whole history. Otherwise it is the
// most recent RecentWindow messages plus any older message sharing a
// keyword with the tracked set. Order is insertion order.
func (s *Store) Relevant(userID string) []Entry {
	c := s.lookup(userID, true)
	c.mu.Lock()
	defer c.mu.Unlock()

	total := c.messages.Len()
	out := make([]Entry, 0, total)
	i := 0
	for e := c.messages.Front(); e != nil; e, i = e.Next(), i+1 {
		msg := e.Value.(*Message)
		recent := total-i <= s.opts.RecentWindow
		if len(c.tracked) == 0 || recent || msg.Keywords.Intersects(c.tracked) {
			out = append(out, Entry{Role: msg.Role, Content: msg.Content})
		}
	}
	return out
}

// Append records a turn and returns the reset it caused, if any.
// Only user turns can reset the context or change the tracked topic.
func (s *Store) Append(userID string, role Role, content string) Notice {
	c := s.lookup(userID, true)
	c.mu.Lock()
	defer c.mu.Unlock()

	now := s.now()
	keywords := topic.Extract(content, s.opts.MaxKeywords)
	notice := NoticeNone

	if role == RoleUser {
		switch {
		case topic.ExplicitReset(content, s.opts.ResetPhrases):
			c.reset(now)
			notice = NoticeExplicitReset
			s.logger.Info("explicit topic change", "user", userID)
		case topic.Drifted(c.tracked, keywords, s.opts.DriftThreshold):
			// Too little history to trust the comparison.
			if c.messages.Len() >= s.opts.MinMessagesForReset {
				c.reset(now)
				notice = NoticeAutoReset
				s.logger.Info("automatic topic change",
					"user", userID,
					"similarity", topic.Jaccard(c.tracked, keywords),
				)
			}
		}
		c.tracked = keywords
	}

	msg := &Message{Role: role, Content: content, Timestamp: now}
	if role == RoleUser {
		msg.Keywords = keywords
		c.keywords = c.keywords.Union(keywords, s.opts.MaxKeywords)
	}

	if c.messages.Len() >= s.opts.MaxMessages {
		c.messages.Remove(c.messages.Front())
	}
	c.messages.PushBack(msg)

	return notice
}

// Clear wipes the user's history and tracked topic. It reports whether
// there was anything to clear.
func (s *Store) Clear(userID string) bool {
	c := s.lookup(userID, false)
	if c == nil {
		return false
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	had := c.messages.Len() > 0 || len(c.tracked) > 0
	c.reset(s.now())
	c.tracked = nil

	s.logger.Info("context cleared", "user", userID, "had_context", had)
	return had
}

// Stats describes the user's current context.
func (s *Store) Stats(userID string) Stats {
	c := s.lookup(userID, false)
	if c == nil {
		return Stats{CurrentTopic: "None", LastReset: "Never"}
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	current := "None"
	if len(c.keywords) > 0 {
		n := min(len(c.keywords), 5)
		current = strings.Join(c.keywords[:n], ", ")
	}
	return Stats{
		Messages:      c.messages.Len(),
		TopicKeywords: len(c.keywords),
		CurrentTopic:  current,
		LastReset:     c.lastReset.Local().Format("15:04:05"),
	}
}

// Messages returns a copy of the user's full stored history.
func (s *Store) Messages(userID string) []Message {
	c := s.lookup(userID, false)
	if c == nil {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]Message, 0, c.messages.Len())
	for e := c.messages.Front(); e != nil; e = e.Next() {
		m := *e.Value.(*Message)
		m.Keywords = m.Keywords.Clone()
		out = append(out, m)
	}
	return out
}

// Tracked returns the keyword set of the user's latest turn.
func (s *Store) Tracked(userID string) topic.Keywords {
	c := s.lookup(userID, false)
	if c == nil {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.tracked.Clone()
}

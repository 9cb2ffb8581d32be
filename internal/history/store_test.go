// ABOUTME: Tests for the per-user conversation store
// ABOUTME: Covers eviction, relevance, explicit and automatic resets, stats and isolation

package history

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/nebula-gateway/internal/topic"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s := New(Options{}, nil)
	s.now = func() time.Time { return time.Date(2026, 3, 1, 14, 5, 9, 0, time.Local) }
	return s
}

func contents(entries []Entry) []string {
	out := make([]string, len(entries))
	for i, e := range entries {
		out[i] = e.Content
	}
	return out
}

func TestRelevant_NoTopicReturnsEverythingInOrder(t *testing.T) {
	s := newTestStore(t)

	// Assistant turns never set a tracked topic.
	var want []string
	for i := range 12 {
		msg := fmt.Sprintf("reply %d", i)
		s.Append("alice", RoleAssistant, msg)
		want = append(want, msg)
	}

	assert.Equal(t, want, contents(s.Relevant("alice")))
}

func TestAppend_EvictsOldestAtCapacity(t *testing.T) {
	s := newTestStore(t)
	for i := range 13 {
		s.Append("alice", RoleAssistant, fmt.Sprintf("reply %d", i))
	}

	msgs := s.Messages("alice")
	require.Len(t, msgs, 12)
	assert.Equal(t, "reply 1", msgs[0].Content)
	assert.Equal(t, "reply 12", msgs[11].Content)
}

func TestAppend_RespectsConfiguredCapacity(t *testing.T) {
	s := New(Options{MaxMessages: 3}, nil)
	for i := range 5 {
		s.Append("alice", RoleAssistant, fmt.Sprintf("reply %d", i))
	}
	assert.Equal(t, []string{"reply 2", "reply 3", "reply 4"}, contents(s.Relevant("alice")))
}

func TestRelevant_FiltersOlderMessagesByTopic(t *testing.T) {
	s := newTestStore(t)

	s.Append("alice", RoleUser, "golang channels question")
	s.Append("alice", RoleAssistant, "channels answer")
	s.Append("alice", RoleUser, "golang generics question")
	s.Append("alice", RoleAssistant, "generics answer")
	s.Append("alice", RoleUser, "golang interfaces question")
	s.Append("alice", RoleAssistant, "interfaces answer")
	s.Append("alice", RoleUser, "golang interfaces goroutines")

	got := contents(s.Relevant("alice"))

	// Last four always, plus older user turns sharing "golang".
	// Assistant turns carry no keywords so older ones drop out.
	assert.Equal(t, []string{
		"golang channels question",
		"golang generics question",
		"generics answer",
		"golang interfaces question",
		"interfaces answer",
		"golang interfaces goroutines",
	}, got)
}

func TestAppend_ExplicitResetAlwaysClears(t *testing.T) {
	s := newTestStore(t)
	s.Append("alice", RoleUser, "pasta recipes")
	s.Append("alice", RoleAssistant, "try carbonara")

	notice := s.Append("alice", RoleUser, "new topic: pasta recipes again")

	assert.Equal(t, NoticeExplicitReset, notice)
	assert.Equal(t, "🔄 **New conversation started** - Context cleared!", notice.Text())
	msgs := s.Messages("alice")
	require.Len(t, msgs, 1)
	assert.Equal(t, "new topic: pasta recipes again", msgs[0].Content)
}

func TestAppend_ExplicitResetWinsOverDrift(t *testing.T) {
	s := newTestStore(t)
	for range 3 {
		s.Append("alice", RoleUser, "pasta recipes")
		s.Append("alice", RoleAssistant, "sure")
	}

	notice := s.Append("alice", RoleUser, "by the way, kubernetes clusters")
	assert.Equal(t, NoticeExplicitReset, notice)
}

func TestAppend_AutoResetNeedsFourMessages(t *testing.T) {
	s := newTestStore(t)
	s.Append("alice", RoleUser, "pasta recipes")
	s.Append("alice", RoleAssistant, "carbonara")
	s.Append("alice", RoleUser, "pasta sauces")

	// Three stored and zero overlap: no reset.
	notice := s.Append("alice", RoleUser, "kubernetes clusters")
	assert.Equal(t, NoticeNone, notice)
	assert.Len(t, s.Messages("alice"), 4)

	// Four stored and zero overlap again: reset.
	notice = s.Append("alice", RoleUser, "astronomy telescopes")
	assert.Equal(t, NoticeAutoReset, notice)
	assert.Equal(t, "🎯 **Topic change detected** - Starting fresh context!", notice.Text())
	msgs := s.Messages("alice")
	require.Len(t, msgs, 1)
	assert.Equal(t, "astronomy telescopes", msgs[0].Content)
}

func TestAppend_OverlappingTopicDoesNotReset(t *testing.T) {
	s := newTestStore(t)
	for range 3 {
		s.Append("alice", RoleUser, "pasta recipes")
		s.Append("alice", RoleAssistant, "ok")
	}
	assert.Equal(t, NoticeNone, s.Append("alice", RoleUser, "pasta recipes tonight"))
	assert.Len(t, s.Messages("alice"), 7)
}

func TestAppend_AssistantTurnsLeaveTopicAlone(t *testing.T) {
	s := newTestStore(t)
	for range 3 {
		s.Append("alice", RoleUser, "pasta recipes")
		s.Append("alice", RoleAssistant, "ok")
	}
	before := s.Tracked("alice")

	notice := s.Append("alice", RoleAssistant, "kubernetes clusters astronomy telescopes")

	assert.Equal(t, NoticeNone, notice)
	assert.Equal(t, before, s.Tracked("alice"))
	msgs := s.Messages("alice")
	assert.Empty(t, msgs[len(msgs)-1].Keywords)
	assert.Equal(t, topic.Keywords{"pasta", "recipes"}, before)
}

func TestAppend_ContextKeywordsAccumulateAndCap(t *testing.T) {
	s := New(Options{MaxKeywords: 3}, nil)
	s.Append("alice", RoleUser, "golang channels")
	s.Append("alice", RoleUser, "golang generics interfaces")

	st := s.Stats("alice")
	assert.Equal(t, 3, st.TopicKeywords)
	assert.Equal(t, "golang, channels, generics", st.CurrentTopic)
}

func TestClear(t *testing.T) {
	s := newTestStore(t)

	assert.False(t, s.Clear("nobody"))

	s.Append("alice", RoleUser, "hello there friend")
	assert.True(t, s.Clear("alice"))
	assert.Empty(t, s.Relevant("alice"))
	assert.Empty(t, s.Tracked("alice"))

	assert.False(t, s.Clear("alice"))
}

func TestStats(t *testing.T) {
	s := newTestStore(t)

	empty := s.Stats("nobody")
	assert.Equal(t, Stats{CurrentTopic: "None", LastReset: "Never"}, empty)

	s.Append("alice", RoleUser, "alpha bravo charlie delta echo foxtrot")
	s.Append("alice", RoleAssistant, "noted")

	st := s.Stats("alice")
	assert.Equal(t, 2, st.Messages)
	assert.Equal(t, 6, st.TopicKeywords)
	assert.Equal(t, "alpha, bravo, charlie, delta, echo", st.CurrentTopic)
	assert.Equal(t, "14:05:09", st.LastReset)
}

func TestStats_AssistantOnlyHasNoTopic(t *testing.T) {
	s := newTestStore(t)
	s.Append("alice", RoleAssistant, "welcome aboard sailor")
	assert.Equal(t, "None", s.Stats("alice").CurrentTopic)
}

func TestStore_UsersAreIsolated(t *testing.T) {
	s := newTestStore(t)
	s.Append("alice", RoleUser, "pasta recipes")
	s.Append("bob", RoleUser, "kubernetes clusters")

	s.Clear("alice")

	assert.Empty(t, s.Messages("alice"))
	assert.Len(t, s.Messages("bob"), 1)
}

func TestStore_ConcurrentAppendsStayBounded(t *testing.T) {
	s := New(Options{}, nil)

	var wg sync.WaitGroup
	for w := range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			user := fmt.Sprintf("user-%d", w%2)
			for i := range 50 {
				s.Append(user, RoleUser, fmt.Sprintf("message number %d", i))
				_ = s.Relevant(user)
			}
		}()
	}
	wg.Wait()

	assert.Len(t, s.Messages("user-0"), 12)
	assert.Len(t, s.Messages("user-1"), 12)
}

func TestNotice_String(t *testing.T) {
	assert.Equal(t, "none", NoticeNone.String())
	assert.Equal(t, "explicit", NoticeExplicitReset.String())
	assert.Equal(t, "automatic", NoticeAutoReset.String())
	assert.Empty(t, NoticeNone.Text())
}

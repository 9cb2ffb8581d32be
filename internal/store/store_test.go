// ABOUTME: Behavior tests run against both SQLiteStore and MockStore
// ABOUTME: Covers profile creation, daily rollover, expiry, usage counters, admin setters and functions

package store

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/nebula-gateway/internal/plans"
)

// clock is a settable time source shared by a store under test.
type clock struct{ t time.Time }

func (c *clock) now() time.Time { return c.t }

func (c *clock) advance(d time.Duration) { c.t = c.t.Add(d) }

type storeFactory func(t *testing.T, opts Options, c *clock) Store

func storeImpls() map[string]storeFactory {
	return map[string]storeFactory{
		"sqlite": func(t *testing.T, opts Options, c *clock) Store {
			t.Helper()
			s, err := NewSQLiteStore(filepath.Join(t.TempDir(), "test.db"), opts)
			require.NoError(t, err)
			s.now = c.now
			t.Cleanup(func() { s.Close() })
			return s
		},
		"mock": func(t *testing.T, opts Options, c *clock) Store {
			m := NewMockStoreWithOptions(opts)
			m.Now = c.now
			return m
		},
	}
}

func forEachStore(t *testing.T, opts Options, fn func(t *testing.T, s Store, c *clock)) {
	for name, factory := range storeImpls() {
		t.Run(name, func(t *testing.T) {
			c := &clock{t: time.Date(2026, 5, 10, 12, 0, 0, 0, time.Local)}
			fn(t, factory(t, opts, c), c)
		})
	}
}

func TestProfile_CreatesWithDefaults(t *testing.T) {
	opts := Options{DefaultPlan: plans.Premium, DefaultModel: plans.ModelPaid}
	forEachStore(t, opts, func(t *testing.T, s Store, c *clock) {
		ctx := context.Background()

		u, err := s.Profile(ctx, "@alice:example.org", "Alice")
		require.NoError(t, err)

		assert.Equal(t, "@alice:example.org", u.ID)
		assert.Equal(t, "Alice", u.DisplayName)
		assert.Equal(t, plans.Premium, u.Plan)
		assert.Equal(t, plans.ModelPaid, u.Model)
		assert.InDelta(t, DefaultTemperature, u.Temperature, 1e-9)
		assert.InDelta(t, DefaultTopP, u.TopP, 1e-9)
		assert.Equal(t, DefaultMaxTokens, u.MaxTokens)
		assert.Zero(t, u.ImagesUsed)
		assert.Zero(t, u.TokensUsed)
		assert.False(t, u.Banned)
		assert.Nil(t, u.SubscriptionExpiry)

		again, err := s.Profile(ctx, "@alice:example.org", "")
		require.NoError(t, err)
		assert.Equal(t, "Alice", again.DisplayName, "blank name keeps the stored one")
	})
}

func TestProfile_DailyRollover(t *testing.T) {
	forEachStore(t, Options{}, func(t *testing.T, s Store, c *clock) {
		ctx := context.Background()
		_, err := s.Profile(ctx, "u1", "U")
		require.NoError(t, err)

		require.NoError(t, s.IncrementImageUsage(ctx, "u1"))
		require.NoError(t, s.AddTokenUsage(ctx, "u1", 150))

		c.advance(2 * time.Hour)
		u, err := s.Profile(ctx, "u1", "U")
		require.NoError(t, err)
		assert.Equal(t, 1, u.ImagesUsed, "same day keeps counters")
		assert.Equal(t, 150, u.TokensUsed)

		c.advance(24 * time.Hour)
		u, err = s.Profile(ctx, "u1", "U")
		require.NoError(t, err)
		assert.Zero(t, u.ImagesUsed, "next day resets counters")
		assert.Zero(t, u.TokensUsed)
	})
}

func TestProfile_ExpiredSubscriptionRevertsToFree(t *testing.T) {
	forEachStore(t, Options{}, func(t *testing.T, s Store, c *clock) {
		ctx := context.Background()
		_, err := s.Profile(ctx, "u1", "U")
		require.NoError(t, err)

		expiry := c.t.Add(time.Hour)
		require.NoError(t, s.SetPlan(ctx, "u1", plans.Premium, plans.ModelPaid, &expiry))

		u, err := s.Profile(ctx, "u1", "U")
		require.NoError(t, err)
		assert.Equal(t, plans.Premium, u.Plan)
		require.NotNil(t, u.SubscriptionExpiry)
		assert.True(t, u.SubscriptionExpiry.Equal(expiry))

		c.advance(2 * time.Hour)
		u, err = s.Profile(ctx, "u1", "U")
		require.NoError(t, err)
		assert.Equal(t, plans.Free, u.Plan)
		assert.Equal(t, plans.ModelFree, u.Model)
		assert.Nil(t, u.SubscriptionExpiry)
	})
}

func TestProfile_OpenEndedPlanNeverExpires(t *testing.T) {
	forEachStore(t, Options{}, func(t *testing.T, s Store, c *clock) {
		ctx := context.Background()
		_, err := s.Profile(ctx, "u1", "U")
		require.NoError(t, err)
		require.NoError(t, s.SetPlan(ctx, "u1", plans.PremiumPlus, plans.ModelPaid, nil))

		c.advance(365 * 24 * time.Hour)
		u, err := s.Profile(ctx, "u1", "U")
		require.NoError(t, err)
		assert.Equal(t, plans.PremiumPlus, u.Plan)
	})
}

func TestUsageCounters(t *testing.T) {
	forEachStore(t, Options{}, func(t *testing.T, s Store, c *clock) {
		ctx := context.Background()
		_, err := s.Profile(ctx, "u1", "U")
		require.NoError(t, err)

		require.NoError(t, s.IncrementImageUsage(ctx, "u1"))
		require.NoError(t, s.IncrementImageUsage(ctx, "u1"))
		require.NoError(t, s.AddTokenUsage(ctx, "u1", 100))
		require.NoError(t, s.AddTokenUsage(ctx, "u1", 25))

		u, err := s.GetUser(ctx, "u1")
		require.NoError(t, err)
		assert.Equal(t, 2, u.ImagesUsed)
		assert.Equal(t, 125, u.TokensUsed)

		c.advance(24 * time.Hour)
		require.NoError(t, s.AddTokenUsage(ctx, "u1", 10))

		hist, err := s.UsageHistory(ctx, "u1", 7)
		require.NoError(t, err)
		require.Len(t, hist, 2)
		assert.Equal(t, DailyUsage{Date: "2026-05-11", Tokens: 10}, hist[0])
		assert.Equal(t, DailyUsage{Date: "2026-05-10", Tokens: 125, Images: 2}, hist[1])

		recent, err := s.UsageHistory(ctx, "u1", 1)
		require.NoError(t, err)
		assert.Len(t, recent, 1)
	})
}

func TestUsageCounters_UnknownUser(t *testing.T) {
	forEachStore(t, Options{}, func(t *testing.T, s Store, c *clock) {
		ctx := context.Background()
		assert.ErrorIs(t, s.IncrementImageUsage(ctx, "ghost"), ErrNotFound)
		assert.ErrorIs(t, s.AddTokenUsage(ctx, "ghost", 1), ErrNotFound)
	})
}

func TestAdminSetters(t *testing.T) {
	forEachStore(t, Options{}, func(t *testing.T, s Store, c *clock) {
		ctx := context.Background()
		_, err := s.Profile(ctx, "u1", "U")
		require.NoError(t, err)

		require.NoError(t, s.SetModel(ctx, "u1", "open-mistral-nemo"))
		require.NoError(t, s.SetSystemPrompt(ctx, "u1", "  Be terse.  "))
		require.NoError(t, s.SetSampling(ctx, "u1", Sampling{Temperature: 0.2, TopP: 0.9, MaxTokens: 512}))
		require.NoError(t, s.SetBanned(ctx, "u1", true))

		u, err := s.GetUser(ctx, "u1")
		require.NoError(t, err)
		assert.Equal(t, "open-mistral-nemo", u.Model)
		assert.Equal(t, "Be terse.", u.SystemPrompt)
		assert.InDelta(t, 0.2, u.Temperature, 1e-9)
		assert.InDelta(t, 0.9, u.TopP, 1e-9)
		assert.Equal(t, 512, u.MaxTokens)
		assert.True(t, u.Banned)

		require.NoError(t, s.SetSystemPrompt(ctx, "u1", "   "))
		require.NoError(t, s.SetBanned(ctx, "u1", false))
		u, err = s.GetUser(ctx, "u1")
		require.NoError(t, err)
		assert.Empty(t, u.SystemPrompt)
		assert.False(t, u.Banned)

		assert.ErrorIs(t, s.SetModel(ctx, "ghost", "x"), ErrNotFound)
		assert.ErrorIs(t, s.SetBanned(ctx, "ghost", true), ErrNotFound)
		_, err = s.GetUser(ctx, "ghost")
		assert.ErrorIs(t, err, ErrNotFound)
	})
}

func TestSetPlan_RejectsUnknownPlan(t *testing.T) {
	policy := plans.NewPolicy(nil)
	forEachStore(t, Options{KnownPlan: policy.Known}, func(t *testing.T, s Store, c *clock) {
		ctx := context.Background()
		_, err := s.Profile(ctx, "u1", "U")
		require.NoError(t, err)

		err = s.SetPlan(ctx, "u1", "platinum", plans.ModelPaid, nil)
		assert.True(t, errors.Is(err, ErrUnknownPlan))

		assert.ErrorIs(t, s.SetPlan(ctx, "ghost", plans.Premium, plans.ModelPaid, nil), ErrNotFound)
	})
}

func TestListUsers_MostRecentFirst(t *testing.T) {
	forEachStore(t, Options{}, func(t *testing.T, s Store, c *clock) {
		ctx := context.Background()
		for _, id := range []string{"a", "b", "c"} {
			_, err := s.Profile(ctx, id, id)
			require.NoError(t, err)
			c.advance(time.Minute)
		}

		users, err := s.ListUsers(ctx, 0)
		require.NoError(t, err)
		require.Len(t, users, 3)
		assert.Equal(t, "c", users[0].ID)
		assert.Equal(t, "a", users[2].ID)

		limited, err := s.ListUsers(ctx, 2)
		require.NoError(t, err)
		assert.Len(t, limited, 2)
	})
}

func TestCustomFunctions(t *testing.T) {
	forEachStore(t, Options{}, func(t *testing.T, s Store, c *clock) {
		ctx := context.Background()
		_, err := s.Profile(ctx, "u1", "U")
		require.NoError(t, err)

		weather := &CustomFunction{
			UserID:      "u1",
			Name:        "get_weather",
			Description: "Current weather for a city",
			SchemaJSON:  `{"type":"object","properties":{"city":{"type":"string"}}}`,
		}
		require.NoError(t, s.AddCustomFunction(ctx, weather))
		assert.NotEmpty(t, weather.ID)

		c.advance(time.Second)
		nowFn := &CustomFunction{UserID: "u1", Name: "now", Description: "Current time", SchemaJSON: `{}`}
		require.NoError(t, s.AddCustomFunction(ctx, nowFn))

		fns, err := s.CustomFunctions(ctx, "u1")
		require.NoError(t, err)
		require.Len(t, fns, 2)
		assert.Equal(t, "get_weather", fns[0].Name)
		assert.Equal(t, weather.SchemaJSON, fns[0].SchemaJSON)
		assert.Equal(t, "now", fns[1].Name)

		assert.ErrorIs(t, s.DeleteCustomFunction(ctx, "someone-else", weather.ID), ErrNotFound)
		require.NoError(t, s.DeleteCustomFunction(ctx, "u1", weather.ID))
		assert.ErrorIs(t, s.DeleteCustomFunction(ctx, "u1", weather.ID), ErrNotFound)

		fns, err = s.CustomFunctions(ctx, "u1")
		require.NoError(t, err)
		require.Len(t, fns, 1)
		assert.Equal(t, "now", fns[0].Name)

		none, err := s.CustomFunctions(ctx, "nobody")
		require.NoError(t, err)
		assert.Empty(t, none)

		err = s.AddCustomFunction(ctx, &CustomFunction{UserID: "ghost", Name: "x", Description: "x", SchemaJSON: "{}"})
		assert.ErrorIs(t, err, ErrNotFound)
	})
}

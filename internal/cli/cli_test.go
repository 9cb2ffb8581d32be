// ABOUTME: Tests for nebula-admin commands run against the in-memory store
// ABOUTME: Each test executes the command tree with arguments and checks output and audit entries

package cli

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/nebula-gateway/internal/plans"
	"github.com/2389/nebula-gateway/internal/store"
)

var fixedNow = time.Date(2026, 3, 10, 12, 0, 0, 0, time.Local)

func newMock(t *testing.T) *store.MockStore {
	t.Helper()
	policy := plans.NewPolicy(nil)
	m := store.NewMockStoreWithOptions(store.Options{KnownPlan: policy.Known})
	m.Now = func() time.Time { return fixedNow }
	m.PutUser(&store.User{
		ID:          "@alice:example.org",
		DisplayName: "alice",
		Plan:        plans.Free,
		Model:       plans.ModelFree,
		Temperature: 0.7,
		TopP:        1.0,
		MaxTokens:   4096,
		ImagesUsed:  2,
		TokensUsed:  1500,
		LastSeen:    fixedNow,
		CreatedAt:   fixedNow.Add(-48 * time.Hour),
	})
	return m
}

func executeCLI(t *testing.T, m *store.MockStore, args ...string) (string, error) {
	t.Helper()
	open := func(configPath, dbPath string) (*App, func() error, error) {
		return &App{Store: m, Policy: plans.NewPolicy(nil), Now: func() time.Time { return fixedNow }}, m.Close, nil
	}
	root, s := newRootCmd(open)
	defer s.Close()

	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(append([]string{"--actor", "ops"}, args...))
	err := root.Execute()
	return out.String(), err
}

func auditEntries(t *testing.T, m *store.MockStore) []store.AuditEntry {
	t.Helper()
	entries, err := m.ListAuditLog(context.Background(), store.AuditFilter{})
	require.NoError(t, err)
	return entries
}

func TestUsers_ListsUsage(t *testing.T) {
	m := newMock(t)

	out, err := executeCLI(t, m, "users")
	require.NoError(t, err)
	assert.Contains(t, out, "@alice:example.org")
	assert.Contains(t, out, "2/3")
	assert.Contains(t, out, "1500/20000")
	assert.Contains(t, out, "never")
}

func TestUsers_Empty(t *testing.T) {
	m := store.NewMockStore()

	out, err := executeCLI(t, m, "users")
	require.NoError(t, err)
	assert.Contains(t, out, "(no users)")
}

func TestUser_Shows(t *testing.T) {
	m := newMock(t)

	out, err := executeCLI(t, m, "user", "@alice:example.org")
	require.NoError(t, err)
	assert.Contains(t, out, "Plan:")
	assert.Contains(t, out, "free")
	assert.Contains(t, out, "(model default)")
	assert.Contains(t, out, plans.ModelFree)
	assert.Contains(t, out, "active")
}

func TestUser_NotFound(t *testing.T) {
	m := newMock(t)

	_, err := executeCLI(t, m, "user", "@nobody:example.org")
	require.Error(t, err)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestPlan_SetsModelAndExpiry(t *testing.T) {
	m := newMock(t)

	out, err := executeCLI(t, m, "plan", "@alice:example.org", plans.Premium, "--days", "30")
	require.NoError(t, err)
	assert.Contains(t, out, "is now on premium")

	u, err := m.GetUser(context.Background(), "@alice:example.org")
	require.NoError(t, err)
	assert.Equal(t, plans.Premium, u.Plan)
	assert.Equal(t, plans.ModelPaid, u.Model)
	require.NotNil(t, u.SubscriptionExpiry)
	assert.True(t, u.SubscriptionExpiry.Equal(fixedNow.AddDate(0, 0, 30)))

	entries := auditEntries(t, m)
	require.Len(t, entries, 1)
	assert.Equal(t, "ops", entries[0].Actor)
	assert.Equal(t, store.AuditSetPlan, entries[0].Action)
	assert.Equal(t, "@alice:example.org", entries[0].UserID)
	assert.Equal(t, plans.Premium, entries[0].Detail["plan"])
	assert.Equal(t, 30, entries[0].Detail["days"])
}

func TestPlan_FreeHasNoExpiry(t *testing.T) {
	m := newMock(t)

	_, err := executeCLI(t, m, "plan", "@alice:example.org", plans.Free, "--days", "30")
	require.NoError(t, err)

	u, err := m.GetUser(context.Background(), "@alice:example.org")
	require.NoError(t, err)
	assert.Nil(t, u.SubscriptionExpiry)
}

func TestPlan_UnknownTier(t *testing.T) {
	m := newMock(t)

	_, err := executeCLI(t, m, "plan", "@alice:example.org", "gold")
	require.Error(t, err)
	assert.Contains(t, err.Error(), `unknown plan "gold"`)
	assert.Contains(t, err.Error(), "premium_plus")
	assert.Empty(t, auditEntries(t, m))
}

func TestModel_Sets(t *testing.T) {
	m := newMock(t)

	_, err := executeCLI(t, m, "model", "@alice:example.org", "codestral-latest")
	require.NoError(t, err)

	u, err := m.GetUser(context.Background(), "@alice:example.org")
	require.NoError(t, err)
	assert.Equal(t, "codestral-latest", u.Model)
	assert.Equal(t, store.AuditSetModel, auditEntries(t, m)[0].Action)
}

func TestModel_UnknownUserNotAudited(t *testing.T) {
	m := newMock(t)

	_, err := executeCLI(t, m, "model", "@nobody:example.org", "codestral-latest")
	require.ErrorIs(t, err, store.ErrNotFound)
	assert.Empty(t, auditEntries(t, m))
}

func TestPrompt_SetAndClear(t *testing.T) {
	m := newMock(t)
	ctx := context.Background()

	_, err := executeCLI(t, m, "prompt", "@alice:example.org", "You", "are", "a", "pirate.")
	require.NoError(t, err)
	u, err := m.GetUser(ctx, "@alice:example.org")
	require.NoError(t, err)
	assert.Equal(t, "You are a pirate.", u.SystemPrompt)

	_, err = executeCLI(t, m, "prompt", "@alice:example.org", "--clear")
	require.NoError(t, err)
	u, err = m.GetUser(ctx, "@alice:example.org")
	require.NoError(t, err)
	assert.Empty(t, u.SystemPrompt)

	assert.Len(t, auditEntries(t, m), 2)
}

func TestPrompt_Errors(t *testing.T) {
	m := newMock(t)

	_, err := executeCLI(t, m, "prompt", "@alice:example.org")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "prompt text is required")

	_, err = executeCLI(t, m, "prompt", "@alice:example.org", "hi", "--clear")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not both")
}

func TestSampling_KeepsUnsetValues(t *testing.T) {
	m := newMock(t)

	out, err := executeCLI(t, m, "sampling", "@alice:example.org", "--temperature", "0.2")
	require.NoError(t, err)
	assert.Contains(t, out, "0.20")

	u, err := m.GetUser(context.Background(), "@alice:example.org")
	require.NoError(t, err)
	assert.InDelta(t, 0.2, u.Temperature, 1e-9)
	assert.InDelta(t, 1.0, u.TopP, 1e-9)
	assert.Equal(t, 4096, u.MaxTokens)
	assert.Equal(t, store.AuditSetSampling, auditEntries(t, m)[0].Action)
}

func TestSampling_Validation(t *testing.T) {
	tests := []struct {
		name string
		args []string
		want string
	}{
		{"no flags", nil, "at least one of"},
		{"temperature too high", []string{"--temperature", "2.5"}, "temperature must be between"},
		{"negative top-p", []string{"--top-p", "-0.1"}, "top-p must be between"},
		{"zero max tokens", []string{"--max-tokens", "0"}, "max-tokens must be at least 1"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := newMock(t)
			_, err := executeCLI(t, m, append([]string{"sampling", "@alice:example.org"}, tt.args...)...)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
			assert.Empty(t, auditEntries(t, m))
		})
	}
}

func TestBanUnban(t *testing.T) {
	m := newMock(t)
	ctx := context.Background()

	out, err := executeCLI(t, m, "ban", "@alice:example.org")
	require.NoError(t, err)
	assert.Contains(t, out, "Banned")
	u, err := m.GetUser(ctx, "@alice:example.org")
	require.NoError(t, err)
	assert.True(t, u.Banned)

	out, err = executeCLI(t, m, "user", "@alice:example.org")
	require.NoError(t, err)
	assert.Contains(t, out, "banned")

	_, err = executeCLI(t, m, "unban", "@alice:example.org")
	require.NoError(t, err)
	u, err = m.GetUser(ctx, "@alice:example.org")
	require.NoError(t, err)
	assert.False(t, u.Banned)

	entries := auditEntries(t, m)
	require.Len(t, entries, 2)
	assert.Equal(t, store.AuditUnban, entries[0].Action, "newest first")
	assert.Equal(t, store.AuditBan, entries[1].Action)
}

func TestUsage(t *testing.T) {
	m := newMock(t)
	ctx := context.Background()
	require.NoError(t, m.AddTokenUsage(ctx, "@alice:example.org", 300))
	require.NoError(t, m.IncrementImageUsage(ctx, "@alice:example.org"))

	out, err := executeCLI(t, m, "usage", "@alice:example.org", "--days", "3")
	require.NoError(t, err)
	assert.Contains(t, out, "last 3 days")
	assert.Contains(t, out, fixedNow.Format(time.DateOnly))
	assert.Contains(t, out, "Total: 300 tokens, 1 images")
}

func TestUsage_None(t *testing.T) {
	m := newMock(t)

	out, err := executeCLI(t, m, "usage", "@alice:example.org")
	require.NoError(t, err)
	assert.Contains(t, out, "(no usage)")

	_, err = executeCLI(t, m, "usage", "@alice:example.org", "--days", "0")
	require.Error(t, err)
}

func TestFunctions_AddListRemove(t *testing.T) {
	m := newMock(t)
	ctx := context.Background()

	out, err := executeCLI(t, m, "functions", "add", "@alice:example.org", "get_weather",
		"--description", "Current weather for a city",
		"--schema", `{"type": "object", "properties": {"city": {"type": "string"}}}`)
	require.NoError(t, err)
	assert.Contains(t, out, "Added function get_weather")

	fns, err := m.CustomFunctions(ctx, "@alice:example.org")
	require.NoError(t, err)
	require.Len(t, fns, 1)
	assert.Equal(t, `{"properties":{"city":{"type":"string"}},"type":"object"}`, fns[0].SchemaJSON)

	out, err = executeCLI(t, m, "functions", "list", "@alice:example.org")
	require.NoError(t, err)
	assert.Contains(t, out, "get_weather")
	assert.Contains(t, out, fns[0].ID)

	_, err = executeCLI(t, m, "functions", "rm", "@alice:example.org", fns[0].ID)
	require.NoError(t, err)
	fns, err = m.CustomFunctions(ctx, "@alice:example.org")
	require.NoError(t, err)
	assert.Empty(t, fns)

	entries := auditEntries(t, m)
	require.Len(t, entries, 2)
	assert.Equal(t, store.AuditDeleteFunction, entries[0].Action)
	assert.Equal(t, store.AuditAddFunction, entries[1].Action)
}

func TestFunctions_SchemaFromFile(t *testing.T) {
	m := newMock(t)
	path := filepath.Join(t.TempDir(), "schema.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"type":"object"}`), 0o600))

	_, err := executeCLI(t, m, "fn", "add", "@alice:example.org", "ping", "--schema-file", path)
	require.NoError(t, err)

	fns, err := m.CustomFunctions(context.Background(), "@alice:example.org")
	require.NoError(t, err)
	require.Len(t, fns, 1)
	assert.Equal(t, `{"type":"object"}`, fns[0].SchemaJSON)
}

func TestFunctions_DefaultSchema(t *testing.T) {
	m := newMock(t)

	_, err := executeCLI(t, m, "functions", "add", "@alice:example.org", "ping")
	require.NoError(t, err)

	fns, err := m.CustomFunctions(context.Background(), "@alice:example.org")
	require.NoError(t, err)
	require.Len(t, fns, 1)
	assert.Equal(t, emptySchema, fns[0].SchemaJSON)
}

func TestFunctions_Errors(t *testing.T) {
	m := newMock(t)

	_, err := executeCLI(t, m, "functions", "add", "@alice:example.org", "get weather")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid function name")

	_, err = executeCLI(t, m, "functions", "add", "@alice:example.org", "ping", "--schema", "[1, 2]")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "schema must be a JSON object")

	_, err = executeCLI(t, m, "functions", "add", "@nobody:example.org", "ping")
	require.ErrorIs(t, err, store.ErrNotFound)

	_, err = executeCLI(t, m, "functions", "rm", "@alice:example.org", "missing")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "has no function missing")

	assert.Empty(t, auditEntries(t, m))
}

func TestAudit_Filters(t *testing.T) {
	m := newMock(t)
	m.PutUser(&store.User{ID: "@bob:example.org", Plan: plans.Free, LastSeen: fixedNow})

	_, err := executeCLI(t, m, "ban", "@bob:example.org")
	require.NoError(t, err)
	_, err = executeCLI(t, m, "model", "@alice:example.org", "codestral-latest")
	require.NoError(t, err)

	out, err := executeCLI(t, m, "audit")
	require.NoError(t, err)
	assert.Contains(t, out, "@bob:example.org")
	assert.Contains(t, out, "codestral-latest")
	assert.Contains(t, out, "ops")

	out, err = executeCLI(t, m, "audit", "--user", "@bob:example.org")
	require.NoError(t, err)
	assert.Contains(t, out, "ban")
	assert.NotContains(t, out, "set_model")

	out, err = executeCLI(t, m, "audit", "--action", "set_model")
	require.NoError(t, err)
	assert.NotContains(t, out, "@bob:example.org")

	_, err = executeCLI(t, m, "audit", "--action", "explode")
	require.Error(t, err)
	assert.Contains(t, err.Error(), `unknown action "explode"`)
}

func TestAudit_Empty(t *testing.T) {
	out, err := executeCLI(t, newMock(t), "audit")
	require.NoError(t, err)
	assert.Contains(t, out, "(no entries)")
}

func TestHelpDoesNotOpenStore(t *testing.T) {
	opened := false
	open := func(configPath, dbPath string) (*App, func() error, error) {
		opened = true
		return nil, nil, errors.New("should not open")
	}
	root, _ := newRootCmd(open)
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetArgs([]string{"--help"})

	require.NoError(t, root.Execute())
	assert.False(t, opened)
	assert.Contains(t, out.String(), "functions")
	assert.Contains(t, out.String(), "sampling")
}

func TestOpenerErrorIsReturned(t *testing.T) {
	open := func(configPath, dbPath string) (*App, func() error, error) {
		return nil, nil, errors.New("no database")
	}
	root, _ := newRootCmd(open)
	root.SetOut(&bytes.Buffer{})
	root.SetArgs([]string{"users"})

	err := root.Execute()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no database")
}

func TestOpenSQLite_DBOverride(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nebula.db")

	app, closeFn, err := OpenSQLite("", path)
	require.NoError(t, err)
	defer closeFn()

	users, err := app.Store.ListUsers(context.Background(), 10)
	require.NoError(t, err)
	assert.Empty(t, users)
	assert.True(t, app.Policy.Known(plans.PremiumPlus))
}

func TestOpenSQLite_MissingConfig(t *testing.T) {
	_, _, err := OpenSQLite(filepath.Join(t.TempDir(), "missing.yaml"), "")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "loading config")
}

// ABOUTME: Mock Store implementation for testing
// ABOUTME: Allows tests to run without SQLite; mirrors rollover and expiry rules

package store

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/2389/nebula-gateway/internal/plans"
)

// MockStore is an in-memory Store implementation for testing.
type MockStore struct {
	mu        sync.RWMutex
	opts      Options
	users     map[string]*User             // keyed by user ID
	functions map[string][]*CustomFunction // keyed by user ID
	usage     map[string]map[string]*DailyUsage
	audit     []AuditEntry

	// Now is the clock; tests may replace it.
	Now func() time.Time
}

var _ Store = (*MockStore)(nil)

// NewMockStore creates a new MockStore with default options.
func NewMockStore() *MockStore {
	return NewMockStoreWithOptions(Options{})
}

// NewMockStoreWithOptions creates a MockStore that creates users per opts.
func NewMockStoreWithOptions(opts Options) *MockStore {
	return &MockStore{
		opts:      opts.withDefaults(),
		users:     make(map[string]*User),
		functions: make(map[string][]*CustomFunction),
		usage:     make(map[string]map[string]*DailyUsage),
		Now:       time.Now,
	}
}

func copyUser(u *User) *User {
	c := *u
	if u.SubscriptionExpiry != nil {
		t := *u.SubscriptionExpiry
		c.SubscriptionExpiry = &t
	}
	return &c
}

// PutUser stores a user as-is, replacing any existing one.
func (m *MockStore) PutUser(u *User) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.users[u.ID] = copyUser(u)
}

// GetUser retrieves a user by ID.
func (m *MockStore) GetUser(ctx context.Context, userID string) (*User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	u, ok := m.users[userID]
	if !ok {
		return nil, ErrNotFound
	}
	return copyUser(u), nil
}

// Profile returns the user, creating them on first contact.
func (m *MockStore) Profile(ctx context.Context, userID, displayName string) (*User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.Now()
	u, ok := m.users[userID]
	if !ok {
		u = &User{
			ID:          userID,
			DisplayName: displayName,
			Plan:        m.opts.DefaultPlan,
			Model:       m.opts.DefaultModel,
			Temperature: m.opts.Temperature,
			TopP:        m.opts.TopP,
			MaxTokens:   m.opts.MaxTokens,
			LastSeen:    now,
			CreatedAt:   now,
		}
		m.users[userID] = u
		return copyUser(u), nil
	}

	if rolledOver(u.LastSeen, now) {
		u.ImagesUsed = 0
		u.TokensUsed = 0
	}
	if u.Plan != plans.Free && u.SubscriptionExpiry != nil && now.After(*u.SubscriptionExpiry) {
		u.Plan = plans.Free
		u.Model = m.opts.FreeModel
		u.SubscriptionExpiry = nil
	}
	u.LastSeen = now
	if displayName != "" {
		u.DisplayName = displayName
	}
	return copyUser(u), nil
}

// ListUsers returns users by most recent activity.
func (m *MockStore) ListUsers(ctx context.Context, limit int) ([]*User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]*User, 0, len(m.users))
	for _, u := range m.users {
		out = append(out, copyUser(u))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].LastSeen.After(out[j].LastSeen) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// update applies fn to a stored user under the write lock.
func (m *MockStore) update(userID string, fn func(u *User)) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	u, ok := m.users[userID]
	if !ok {
		return ErrNotFound
	}
	fn(u)
	return nil
}

// SetPlan assigns a plan, model and expiry.
func (m *MockStore) SetPlan(ctx context.Context, userID, plan, model string, expiry *time.Time) error {
	if !m.opts.planOK(plan) {
		return fmt.Errorf("%w: %q", ErrUnknownPlan, plan)
	}
	return m.update(userID, func(u *User) {
		u.Plan = plan
		u.Model = model
		u.SubscriptionExpiry = nil
		if expiry != nil {
			t := *expiry
			u.SubscriptionExpiry = &t
		}
	})
}

// SetModel changes the user's model.
func (m *MockStore) SetModel(ctx context.Context, userID, model string) error {
	return m.update(userID, func(u *User) { u.Model = model })
}

// SetSystemPrompt stores a custom system prompt.
func (m *MockStore) SetSystemPrompt(ctx context.Context, userID, prompt string) error {
	return m.update(userID, func(u *User) { u.SystemPrompt = strings.TrimSpace(prompt) })
}

// SetSampling stores sampling parameters.
func (m *MockStore) SetSampling(ctx context.Context, userID string, s Sampling) error {
	return m.update(userID, func(u *User) {
		u.Temperature = s.Temperature
		u.TopP = s.TopP
		u.MaxTokens = s.MaxTokens
	})
}

// SetBanned sets the banned flag.
func (m *MockStore) SetBanned(ctx context.Context, userID string, banned bool) error {
	return m.update(userID, func(u *User) { u.Banned = banned })
}

func (m *MockStore) logUsageLocked(userID string, tokens, images int) {
	day := localDate(m.Now())
	byDay, ok := m.usage[userID]
	if !ok {
		byDay = make(map[string]*DailyUsage)
		m.usage[userID] = byDay
	}
	d, ok := byDay[day]
	if !ok {
		d = &DailyUsage{Date: day}
		byDay[day] = d
	}
	d.Tokens += tokens
	d.Images += images
}

// IncrementImageUsage adds one image to today's counter.
func (m *MockStore) IncrementImageUsage(ctx context.Context, userID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	u, ok := m.users[userID]
	if !ok {
		return ErrNotFound
	}
	u.ImagesUsed++
	m.logUsageLocked(userID, 0, 1)
	return nil
}

// AddTokenUsage adds tokens to today's counter.
func (m *MockStore) AddTokenUsage(ctx context.Context, userID string, tokens int) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	u, ok := m.users[userID]
	if !ok {
		return ErrNotFound
	}
	u.TokensUsed += tokens
	m.logUsageLocked(userID, tokens, 0)
	return nil
}

// UsageHistory returns recent daily usage, newest first.
func (m *MockStore) UsageHistory(ctx context.Context, userID string, days int) ([]DailyUsage, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if days <= 0 {
		days = 7
	}
	since := localDate(m.Now().AddDate(0, 0, -(days - 1)))

	var out []DailyUsage
	for day, d := range m.usage[userID] {
		if day >= since {
			out = append(out, *d)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Date > out[j].Date })
	return out, nil
}

// CustomFunctions returns the user's functions in insertion order.
func (m *MockStore) CustomFunctions(ctx context.Context, userID string) ([]*CustomFunction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]*CustomFunction, 0, len(m.functions[userID]))
	for _, fn := range m.functions[userID] {
		c := *fn
		out = append(out, &c)
	}
	return out, nil
}

// AddCustomFunction stores a function for an existing user.
func (m *MockStore) AddCustomFunction(ctx context.Context, fn *CustomFunction) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.users[fn.UserID]; !ok {
		return fmt.Errorf("adding custom function for %s: %w", fn.UserID, ErrNotFound)
	}
	if fn.ID == "" {
		fn.ID = uuid.NewString()
	}
	if fn.CreatedAt.IsZero() {
		fn.CreatedAt = m.Now()
	}
	c := *fn
	m.functions[fn.UserID] = append(m.functions[fn.UserID], &c)
	return nil
}

// DeleteCustomFunction removes a function owned by the user.
func (m *MockStore) DeleteCustomFunction(ctx context.Context, userID, functionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	fns := m.functions[userID]
	for i, fn := range fns {
		if fn.ID == functionID {
			m.functions[userID] = append(fns[:i], fns[i+1:]...)
			return nil
		}
	}
	return ErrNotFound
}

// Close is a no-op for MockStore.
func (m *MockStore) Close() error {
	return nil
}

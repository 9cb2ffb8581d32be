// ABOUTME: Store interfaces and data types for nebula-gateway persistence
// ABOUTME: Defines User, CustomFunction and DailyUsage plus the profile and admin interfaces

package store

import (
	"context"
	"errors"
	"time"

	"github.com/2389/nebula-gateway/internal/plans"
)

// ErrNotFound is returned when a requested entity does not exist
var ErrNotFound = errors.New("not found")

// ErrUnknownPlan is returned when assigning a plan the store was not told about
var ErrUnknownPlan = errors.New("unknown plan")

// User is a chat user's profile, plan and today's usage counters
type User struct {
	ID          string
	DisplayName string
	Plan        string
	Model       string

	Temperature  float64
	TopP         float64
	SystemPrompt string // empty means the model default
	MaxTokens    int

	ImagesUsed int // today
	TokensUsed int // today

	SubscriptionExpiry *time.Time // nil for free or open-ended plans
	Banned             bool

	LastSeen  time.Time
	CreatedAt time.Time
}

// CustomFunction is a user-defined function the model may call
type CustomFunction struct {
	ID          string
	UserID      string
	Name        string
	Description string
	SchemaJSON  string // JSON schema for the parameters; not validated on write
	CreatedAt   time.Time
}

// DailyUsage is one row of historical usage
type DailyUsage struct {
	Date   string // YYYY-MM-DD, local time
	Tokens int
	Images int
}

// Sampling holds per-user model parameters
type Sampling struct {
	Temperature float64
	TopP        float64
	MaxTokens   int
}

// Options controls how new users are created and how plans are validated
type Options struct {
	DefaultPlan  string
	DefaultModel string
	// FreeModel is assigned when a paid subscription expires.
	FreeModel string

	Temperature float64
	TopP        float64
	MaxTokens   int

	// KnownPlan validates plan names in SetPlan. Nil accepts any non-empty name.
	KnownPlan func(plan string) bool
}

// Default values for new users
const (
	DefaultTemperature = 0.7
	DefaultTopP        = 1.0
	DefaultMaxTokens   = 4096
)

func (o Options) withDefaults() Options {
	if o.DefaultPlan == "" {
		o.DefaultPlan = plans.Free
	}
	if o.FreeModel == "" {
		o.FreeModel = plans.ModelFree
	}
	if o.DefaultModel == "" {
		o.DefaultModel = o.FreeModel
	}
	if o.Temperature == 0 {
		o.Temperature = DefaultTemperature
	}
	if o.TopP == 0 {
		o.TopP = DefaultTopP
	}
	if o.MaxTokens == 0 {
		o.MaxTokens = DefaultMaxTokens
	}
	return o
}

func (o Options) planOK(plan string) bool {
	if plan == "" {
		return false
	}
	if o.KnownPlan == nil {
		return true
	}
	return o.KnownPlan(plan)
}

// ProfileStore is what the request path needs: profile lookup, usage
// counters and custom functions.
type ProfileStore interface {
	// Profile returns the user, creating them on first contact. It also
	// rolls daily counters over and expires lapsed subscriptions.
	Profile(ctx context.Context, userID, displayName string) (*User, error)
	IncrementImageUsage(ctx context.Context, userID string) error
	AddTokenUsage(ctx context.Context, userID string, tokens int) error
	CustomFunctions(ctx context.Context, userID string) ([]*CustomFunction, error)
}

// AdminStore is what operator tooling needs.
type AdminStore interface {
	GetUser(ctx context.Context, userID string) (*User, error)
	ListUsers(ctx context.Context, limit int) ([]*User, error)
	SetPlan(ctx context.Context, userID, plan, model string, expiry *time.Time) error
	SetModel(ctx context.Context, userID, model string) error
	SetSystemPrompt(ctx context.Context, userID, prompt string) error
	SetSampling(ctx context.Context, userID string, s Sampling) error
	SetBanned(ctx context.Context, userID string, banned bool) error
	UsageHistory(ctx context.Context, userID string, days int) ([]DailyUsage, error)
	AddCustomFunction(ctx context.Context, fn *CustomFunction) error
	DeleteCustomFunction(ctx context.Context, userID, functionID string) error
	AppendAuditLog(ctx context.Context, e *AuditEntry) error
	ListAuditLog(ctx context.Context, f AuditFilter) ([]AuditEntry, error)
}

// Store is the full persistence surface
type Store interface {
	ProfileStore
	AdminStore
	Close() error
}

// rolledOver reports whether lastSeen falls on an earlier local calendar day than now
func rolledOver(lastSeen, now time.Time) bool {
	return localDate(lastSeen) < localDate(now)
}

func localDate(t time.Time) string {
	return t.Local().Format(time.DateOnly)
}

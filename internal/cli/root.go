// ABOUTME: Root command for nebula-admin and the lazily opened store session
// ABOUTME: Global flags pick the config file, database override and audit actor

package cli

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/2389/nebula-gateway/internal/config"
	"github.com/2389/nebula-gateway/internal/plans"
	"github.com/2389/nebula-gateway/internal/store"
)

// Store is the persistence the admin commands use.
type Store interface {
	store.AdminStore
	CustomFunctions(ctx context.Context, userID string) ([]*store.CustomFunction, error)
}

// App is what every command operates on.
type App struct {
	Store  Store
	Policy *plans.Policy
	Now    func() time.Time
}

// Opener opens the store. dbPath, when set, overrides the database path
// from the config file.
type Opener func(configPath, dbPath string) (*App, func() error, error)

// session opens the store on first use so that --help never touches disk.
type session struct {
	open       Opener
	configPath string
	dbPath     string
	actor      string

	app   *App
	close func() error
}

func (s *session) App() (*App, error) {
	if s.app != nil {
		return s.app, nil
	}
	app, closeFn, err := s.open(s.configPath, s.dbPath)
	if err != nil {
		return nil, err
	}
	if app.Now == nil {
		app.Now = time.Now
	}
	if app.Policy == nil {
		app.Policy = plans.NewPolicy(nil)
	}
	s.app, s.close = app, closeFn
	return app, nil
}

func (s *session) Close() error {
	if s.close == nil {
		return nil
	}
	err := s.close()
	s.close = nil
	return err
}

// audit records a mutation. A failed audit write fails the command so the
// operator knows the trail is incomplete.
func (s *session) audit(ctx context.Context, action store.AuditAction, userID string, detail map[string]any) error {
	if err := s.app.Store.AppendAuditLog(ctx, &store.AuditEntry{
		Actor:  s.actor,
		Action: action,
		UserID: userID,
		Detail: detail,
	}); err != nil {
		return fmt.Errorf("writing audit log: %w", err)
	}
	return nil
}

// Execute runs nebula-admin against the SQLite store.
func Execute(ctx context.Context) error {
	root, s := newRootCmd(OpenSQLite)
	defer func() {
		if err := s.Close(); err != nil {
			fmt.Fprintf(os.Stderr, "closing store: %v\n", err)
		}
	}()
	return root.ExecuteContext(ctx)
}

func newRootCmd(open Opener) (*cobra.Command, *session) {
	s := &session{open: open}

	root := &cobra.Command{
		Use:           "nebula-admin",
		Short:         "Manage nebula-gateway users, plans and custom functions",
		Long:          "nebula-admin edits the nebula-gateway user database directly: subscription plans, models, sampling, bans, custom functions, and the audit trail of every change.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&s.configPath, "config", "", "config file (default "+config.DefaultPath()+")")
	root.PersistentFlags().StringVar(&s.dbPath, "db", "", "SQLite database path, overrides database.path from the config")
	root.PersistentFlags().StringVar(&s.actor, "actor", defaultActor(), "operator name recorded in the audit log")

	root.AddCommand(
		newUsersCmd(s),
		newUserCmd(s),
		newPlanCmd(s),
		newModelCmd(s),
		newPromptCmd(s),
		newSamplingCmd(s),
		newBanCmd(s, true),
		newBanCmd(s, false),
		newUsageCmd(s),
		newFunctionsCmd(s),
		newAuditCmd(s),
	)
	return root, s
}

func defaultActor() string {
	if u := os.Getenv("USER"); u != "" {
		return u
	}
	return "operator"
}

// OpenSQLite opens the database named by the config file, or by dbPath when
// given. Without a config file the built-in plan table is used.
func OpenSQLite(configPath, dbPath string) (*App, func() error, error) {
	policy := plans.NewPolicy(nil)
	opts := store.Options{}

	if dbPath == "" {
		if configPath == "" {
			configPath = config.DefaultPath()
		}
		cfg, err := config.Load(configPath)
		if err != nil {
			return nil, nil, fmt.Errorf("loading config: %w", err)
		}
		dbPath = cfg.Database.Path
		policy = cfg.Policy()
		opts = store.Options{
			DefaultPlan:  cfg.Users.DefaultPlan,
			DefaultModel: policy.Model(cfg.Users.DefaultPlan),
			FreeModel:    policy.Model(plans.Free),
			Temperature:  cfg.Users.Temperature,
			TopP:         cfg.Users.TopP,
			MaxTokens:    cfg.Users.MaxTokens,
		}
	}
	if dbPath == "" {
		return nil, nil, errors.New("no database path: set database.path or pass --db")
	}
	opts.KnownPlan = policy.Known

	s, err := store.NewSQLiteStore(dbPath, opts)
	if err != nil {
		return nil, nil, fmt.Errorf("opening store: %w", err)
	}
	return &App{Store: s, Policy: policy, Now: time.Now}, s.Close, nil
}

// ABOUTME: Entry point for nebula-gateway
// ABOUTME: Loads config, wires store, worker pool, Mistral client and the Matrix bridge, then runs until signalled

package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fatih/color"
	"golang.org/x/sync/errgroup"

	"github.com/2389/nebula-gateway/internal/config"
	"github.com/2389/nebula-gateway/internal/conversation"
	"github.com/2389/nebula-gateway/internal/dedupe"
	"github.com/2389/nebula-gateway/internal/dispatch"
	"github.com/2389/nebula-gateway/internal/gate"
	"github.com/2389/nebula-gateway/internal/history"
	"github.com/2389/nebula-gateway/internal/matrix"
	"github.com/2389/nebula-gateway/internal/mistral"
	"github.com/2389/nebula-gateway/internal/plans"
	"github.com/2389/nebula-gateway/internal/store"
)

// Version is set at build time.
var version = "dev"

const banner = `
             _           _
  _ __   ___| |__  _   _| | __ _
 | '_ \ / _ \ '_ \| | | | |/ _' |
 | | | |  __/ |_) | |_| | | (_| |
 |_| |_|\___|_.__/ \__,_|_|\__,_|
`

// shutdownGrace is how long queued jobs may keep running after a signal.
const shutdownGrace = 30 * time.Second

func main() {
	if len(os.Args) > 1 {
		switch os.Args[1] {
		case "version", "--version", "-v":
			fmt.Println(version)
			return
		case "help", "--help", "-h":
			fmt.Println("Usage: nebula-gateway [version]")
			fmt.Println()
			fmt.Println("Config is read from $NEBULA_CONFIG or " + config.DefaultPath())
			return
		}
	}

	if err := run(); err != nil {
		color.Red("Error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	configPath := config.DefaultPath()

	cyan := color.New(color.FgCyan)
	cyan.Print(banner)
	gray := color.New(color.FgHiBlack)
	gray.Printf("    version: %s\n\n", version)

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config from %s: %w", configPath, err)
	}

	logger := setupLogger(os.Stdout, cfg.Logging.Level, cfg.Logging.Format)
	slog.SetDefault(logger)

	printStartup(configPath, cfg)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	return serve(ctx, cfg, logger)
}

func printStartup(configPath string, cfg *config.Config) {
	green := color.New(color.FgGreen)
	yellow := color.New(color.FgYellow)

	line := func(label, value string) {
		green.Print("    ▶ ")
		fmt.Printf("%-11s %s\n", label+":", value)
	}
	line("Config", configPath)
	line("Database", cfg.Database.Path)
	line("Homeserver", cfg.Matrix.Homeserver)
	line("Workers", fmt.Sprintf("%d (max %d attempts)", cfg.Workers.Count, cfg.Workers.MaxAttempts))
	if len(cfg.Bridge.AllowedRooms) > 0 {
		line("Rooms", fmt.Sprintf("%d allowed", len(cfg.Bridge.AllowedRooms)))
	} else {
		line("Rooms", "all")
	}
	if cfg.Bridge.CommandPrefix != "" {
		line("Prefix", cfg.Bridge.CommandPrefix)
	}
	if n := len(cfg.Mistral.DocumentLibraries); n > 0 {
		line("Libraries", fmt.Sprintf("%d configured", n))
	}
	if cfg.Matrix.CryptoDB != "" {
		green.Print("    ▶ ")
		fmt.Print("Encryption: ")
		yellow.Println("enabled")
	}
	fmt.Println()
}

func storeOptions(cfg *config.Config, policy *plans.Policy) store.Options {
	return store.Options{
		DefaultPlan:  cfg.Users.DefaultPlan,
		DefaultModel: policy.Model(cfg.Users.DefaultPlan),
		FreeModel:    policy.Model(plans.Free),
		Temperature:  cfg.Users.Temperature,
		TopP:         cfg.Users.TopP,
		MaxTokens:    cfg.Users.MaxTokens,
		KnownPlan:    policy.Known,
	}
}

func serve(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	policy := cfg.Policy()

	db, err := store.NewSQLiteStore(cfg.Database.Path, storeOptions(cfg, policy))
	if err != nil {
		return fmt.Errorf("opening store: %w", err)
	}
	defer db.Close()

	contexts := history.New(history.Options{
		MaxMessages:         cfg.Context.MaxMessages,
		RecentWindow:        cfg.Context.RecentWindow,
		MaxKeywords:         cfg.Context.MaxKeywords,
		DriftThreshold:      cfg.Context.DriftThreshold,
		MinMessagesForReset: cfg.Context.MinMessagesForReset,
		ResetPhrases:        cfg.Context.ResetPhrases,
	}, logger)

	requestGate := gate.New(gate.Options{
		MaxLength:      cfg.Gate.MaxLength,
		MinLength:      cfg.Gate.MinLength,
		ShortThreshold: cfg.Gate.ShortThreshold,
		MaxRepeat:      cfg.Gate.MaxRepeat,
	})

	client, err := matrix.Login(ctx, matrix.LoginOptions{
		Homeserver:  cfg.Matrix.Homeserver,
		UserID:      cfg.Matrix.UserID,
		AccessToken: cfg.Matrix.AccessToken,
		DeviceID:    cfg.Matrix.DeviceID,
		Username:    cfg.Matrix.Username,
		Password:    cfg.Matrix.Password,
	}, logger)
	if err != nil {
		return fmt.Errorf("matrix login: %w", err)
	}

	if cfg.Matrix.CryptoDB != "" {
		crypto, err := matrix.SetupCrypto(ctx, client, matrix.CryptoOptions{
			DBPath:      cfg.Matrix.CryptoDB,
			PickleKey:   cfg.Matrix.PickleKey,
			RecoveryKey: cfg.Matrix.RecoveryKey,
		}, logger)
		if err != nil {
			return fmt.Errorf("setting up encryption: %w", err)
		}
		defer crypto.Close()
	} else {
		logger.Info("encryption disabled (no crypto_db)")
	}

	sender := matrix.NewSender(client, cfg.Bridge.MaxMessageLength, logger)

	model := mistral.New(mistral.Config{
		APIKey:            cfg.Mistral.APIKey,
		BaseURL:           cfg.Mistral.BaseURL,
		Timeout:           cfg.Mistral.Timeout,
		ImageDir:          cfg.Mistral.ImageDir,
		ImageModel:        cfg.Mistral.ImageModel,
		DocumentLibraries: cfg.Mistral.DocumentLibraries,
		DocumentModel:     cfg.Mistral.DocumentModel,
		Logger:            logger,
	})

	dispatcher := dispatch.NewDispatcher()
	executor := dispatch.NewExecutor(dispatch.ExecutorConfig{
		Profiles:    db,
		History:     contexts,
		Model:       model,
		Replier:     sender,
		MaxAttempts: cfg.Workers.MaxAttempts,
		BackoffBase: cfg.Workers.BackoffBase,
		Logger:      logger,
	})
	events := conversation.NewBroadcaster(logger)
	defer events.Close()

	pool := dispatch.NewPool(dispatcher, executor, cfg.Workers.Count, logger)
	pool.SetObserver(events)

	intake := conversation.New(conversation.Config{
		Store:   db,
		Queue:   dispatcher,
		History: contexts,
		Replier: sender,
		Gate:    requestGate,
		Policy:  policy,
		Events:  events,
		Logger:  logger,
	})

	seen := dedupe.New(cfg.Bridge.DedupeTTL, 0)
	defer seen.Close()

	bridge := matrix.NewBridge(client.UserID, client, sender, intake, seen, events, matrix.Options{
		AllowedRooms:    cfg.Bridge.AllowedRooms,
		CommandPrefix:   cfg.Bridge.CommandPrefix,
		TypingIndicator: cfg.Bridge.TypingIndicator,
	}, logger)

	logger.Info("starting nebula-gateway",
		"user_id", client.UserID.String(),
		"workers", cfg.Workers.Count,
		"database", cfg.Database.Path,
	)

	// Workers get their own context: after a signal they keep draining the
	// queue until it is empty or the grace period runs out.
	poolCtx, stopPool := context.WithCancel(context.Background())
	defer stopPool()
	poolDone := make(chan struct{})

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		defer close(poolDone)
		return pool.Run(poolCtx)
	})
	g.Go(func() error {
		defer cancel()
		return bridge.Run(gctx, client)
	})
	g.Go(func() error {
		<-gctx.Done()
		dispatcher.Close()
		stats := dispatcher.Stats()
		logger.Info("shutting down", "queued", stats.Queued, "in_flight", stats.InFlight)

		t := time.NewTimer(shutdownGrace)
		defer t.Stop()
		select {
		case <-poolDone:
		case <-t.C:
			logger.Warn("shutdown grace period elapsed, dropping queued jobs", "queued", dispatcher.Stats().Queued)
			stopPool()
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		return err
	}
	stats := dispatcher.Stats()
	logger.Info("nebula-gateway stopped", "completed", stats.Completed, "failed", stats.Failed)
	return nil
}

// ABOUTME: Entry point for nebula-admin, the operator CLI
// ABOUTME: Edits plans, models, bans and custom functions in the gateway database

package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/fatih/color"

	"github.com/2389/nebula-gateway/internal/cli"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	err := cli.Execute(ctx)
	cancel()
	if err != nil {
		color.Red("Error: %v\n", err)
		os.Exit(1)
	}
}

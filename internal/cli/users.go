// ABOUTME: Read-only user commands: list users and show one profile
// ABOUTME: Today's usage is shown against the limits of the user's plan

package cli

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"
)

func newUsersCmd(s *session) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "users",
		Short: "List users, most recently seen first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			app, err := s.App()
			if err != nil {
				return err
			}
			users, err := app.Store.ListUsers(cmd.Context(), limit)
			if err != nil {
				return fmt.Errorf("listing users: %w", err)
			}

			out := cmd.OutOrStdout()
			heading(out, "Users")
			if len(users) == 0 {
				fmt.Fprintln(out, "  (no users)")
				fmt.Fprintln(out)
				return nil
			}

			tw := newTable(out, "ID", "NAME", "PLAN", "MODEL", "IMAGES", "TOKENS", "EXPIRES", "LAST SEEN")
			for _, u := range users {
				limits := app.Policy.Limits(u.Plan)
				plan := u.Plan
				if u.Banned {
					plan += " (banned)"
				}
				row(tw,
					truncate(u.ID, 32),
					truncate(u.DisplayName, 20),
					plan,
					u.Model,
					formatUsage(u.ImagesUsed, limits.DailyImages),
					formatUsage(u.TokensUsed, limits.DailyTokens),
					formatExpiry(u.SubscriptionExpiry),
					formatTime(u.LastSeen),
				)
			}
			tw.Flush()
			fmt.Fprintln(out)
			return nil
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 50, "maximum number of users to list")
	return cmd
}

func newUserCmd(s *session) *cobra.Command {
	return &cobra.Command{
		Use:   "user <id>",
		Short: "Show a user's plan, settings and today's usage",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := s.App()
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			u, err := app.Store.GetUser(ctx, args[0])
			if err != nil {
				return fmt.Errorf("getting user %s: %w", args[0], err)
			}
			fns, err := app.Store.CustomFunctions(ctx, u.ID)
			if err != nil {
				return fmt.Errorf("listing custom functions: %w", err)
			}
			limits := app.Policy.Limits(u.Plan)

			out := cmd.OutOrStdout()
			heading(out, u.ID)
			field(out, "Name", u.DisplayName)
			field(out, "Plan", u.Plan)
			field(out, "Expires", formatExpiry(u.SubscriptionExpiry))
			field(out, "Model", u.Model)
			if u.Banned {
				fmt.Fprintf(out, "  %-14s ", "Status:")
				red.Fprintln(out, "banned")
			} else {
				field(out, "Status", "active")
			}
			fmt.Fprintln(out)
			field(out, "Temperature", strconv.FormatFloat(u.Temperature, 'f', 2, 64))
			field(out, "Top P", strconv.FormatFloat(u.TopP, 'f', 2, 64))
			field(out, "Max tokens", strconv.Itoa(u.MaxTokens))
			prompt := "(model default)"
			if u.SystemPrompt != "" {
				prompt = truncate(u.SystemPrompt, 60)
			}
			field(out, "System prompt", prompt)
			fmt.Fprintln(out)
			field(out, "Images today", formatUsage(u.ImagesUsed, limits.DailyImages))
			field(out, "Tokens today", formatUsage(u.TokensUsed, limits.DailyTokens))
			field(out, "Functions", strconv.Itoa(len(fns)))
			field(out, "Last seen", formatTime(u.LastSeen))
			field(out, "Created", formatTime(u.CreatedAt))
			fmt.Fprintln(out)
			return nil
		},
	}
}

// ABOUTME: Commands that change one user: plan, model, system prompt, sampling and ban state
// ABOUTME: Every successful change is written to the audit log with the operator as actor

package cli

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/2389/nebula-gateway/internal/plans"
	"github.com/2389/nebula-gateway/internal/store"
)

// Sampling bounds accepted from operators.
const (
	maxTemperature = 2.0
	maxTopP        = 1.0
)

func newPlanCmd(s *session) *cobra.Command {
	var days int
	cmd := &cobra.Command{
		Use:   "plan <id> <tier>",
		Short: "Assign a subscription plan and its default model",
		Long:  "Assign a subscription plan. The user's model is switched to the plan's default. With --days the plan lapses back to free after that many days.",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := s.App()
			if err != nil {
				return err
			}
			userID, tier := args[0], args[1]
			if !app.Policy.Known(tier) {
				return fmt.Errorf("unknown plan %q (known: %s)", tier, strings.Join(app.Policy.Names(), ", "))
			}
			if days < 0 {
				return errors.New("--days must not be negative")
			}

			var expiry *time.Time
			if days > 0 && tier != plans.Free {
				t := app.Now().AddDate(0, 0, days)
				expiry = &t
			}
			model := app.Policy.Model(tier)

			ctx := cmd.Context()
			if err := app.Store.SetPlan(ctx, userID, tier, model, expiry); err != nil {
				return fmt.Errorf("setting plan: %w", err)
			}
			detail := map[string]any{"plan": tier, "model": model}
			if expiry != nil {
				detail["days"] = days
				detail["expires"] = expiry.UTC().Format(time.RFC3339)
			}
			if err := s.audit(ctx, store.AuditSetPlan, userID, detail); err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			green.Fprintf(out, "✓ %s is now on %s\n", userID, tier)
			field(out, "Model", model)
			field(out, "Expires", formatExpiry(expiry))
			return nil
		},
	}
	cmd.Flags().IntVar(&days, "days", 0, "days until the plan lapses (0 means no end date)")
	return cmd
}

func newModelCmd(s *session) *cobra.Command {
	return &cobra.Command{
		Use:   "model <id> <model>",
		Short: "Set the model a user's requests run on",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := s.App()
			if err != nil {
				return err
			}
			userID, model := args[0], strings.TrimSpace(args[1])
			if model == "" {
				return errors.New("model must not be empty")
			}
			ctx := cmd.Context()
			if err := app.Store.SetModel(ctx, userID, model); err != nil {
				return fmt.Errorf("setting model: %w", err)
			}
			if err := s.audit(ctx, store.AuditSetModel, userID, map[string]any{"model": model}); err != nil {
				return err
			}
			green.Fprintf(cmd.OutOrStdout(), "✓ %s now uses %s\n", userID, model)
			return nil
		},
	}
}

func newPromptCmd(s *session) *cobra.Command {
	var clearPrompt bool
	cmd := &cobra.Command{
		Use:   "prompt <id> [text...]",
		Short: "Set or clear a user's custom system prompt",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := s.App()
			if err != nil {
				return err
			}
			userID := args[0]
			prompt := strings.TrimSpace(strings.Join(args[1:], " "))
			switch {
			case clearPrompt && prompt != "":
				return errors.New("pass either prompt text or --clear, not both")
			case !clearPrompt && prompt == "":
				return errors.New("prompt text is required (use --clear to remove the prompt)")
			}

			ctx := cmd.Context()
			if err := app.Store.SetSystemPrompt(ctx, userID, prompt); err != nil {
				return fmt.Errorf("setting system prompt: %w", err)
			}
			if err := s.audit(ctx, store.AuditSetPrompt, userID, map[string]any{"length": len(prompt)}); err != nil {
				return err
			}
			if clearPrompt {
				green.Fprintf(cmd.OutOrStdout(), "✓ Cleared system prompt for %s\n", userID)
				return nil
			}
			green.Fprintf(cmd.OutOrStdout(), "✓ Set system prompt for %s (%d chars)\n", userID, len(prompt))
			return nil
		},
	}
	cmd.Flags().BoolVar(&clearPrompt, "clear", false, "remove the custom prompt and use the model default")
	return cmd
}

func newSamplingCmd(s *session) *cobra.Command {
	var sp store.Sampling
	cmd := &cobra.Command{
		Use:   "sampling <id>",
		Short: "Change temperature, top-p or max tokens for a user",
		Long:  "Change sampling parameters. Flags that are not given keep their current value.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			flags := cmd.Flags()
			if !flags.Changed("temperature") && !flags.Changed("top-p") && !flags.Changed("max-tokens") {
				return errors.New("at least one of --temperature, --top-p or --max-tokens is required")
			}
			app, err := s.App()
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			userID := args[0]
			u, err := app.Store.GetUser(ctx, userID)
			if err != nil {
				return fmt.Errorf("getting user %s: %w", userID, err)
			}

			next := store.Sampling{Temperature: u.Temperature, TopP: u.TopP, MaxTokens: u.MaxTokens}
			if flags.Changed("temperature") {
				next.Temperature = sp.Temperature
			}
			if flags.Changed("top-p") {
				next.TopP = sp.TopP
			}
			if flags.Changed("max-tokens") {
				next.MaxTokens = sp.MaxTokens
			}
			if err := validateSampling(next); err != nil {
				return err
			}

			if err := app.Store.SetSampling(ctx, userID, next); err != nil {
				return fmt.Errorf("setting sampling: %w", err)
			}
			if err := s.audit(ctx, store.AuditSetSampling, userID, map[string]any{
				"temperature": next.Temperature,
				"top_p":       next.TopP,
				"max_tokens":  next.MaxTokens,
			}); err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			green.Fprintf(out, "✓ Updated sampling for %s\n", userID)
			field(out, "Temperature", fmt.Sprintf("%.2f", next.Temperature))
			field(out, "Top P", fmt.Sprintf("%.2f", next.TopP))
			field(out, "Max tokens", fmt.Sprintf("%d", next.MaxTokens))
			return nil
		},
	}
	cmd.Flags().Float64Var(&sp.Temperature, "temperature", 0, fmt.Sprintf("sampling temperature (0 to %.1f)", maxTemperature))
	cmd.Flags().Float64Var(&sp.TopP, "top-p", 0, fmt.Sprintf("nucleus sampling mass (0 to %.1f)", maxTopP))
	cmd.Flags().IntVar(&sp.MaxTokens, "max-tokens", 0, "maximum tokens per reply")
	return cmd
}

func validateSampling(sp store.Sampling) error {
	if sp.Temperature < 0 || sp.Temperature > maxTemperature {
		return fmt.Errorf("temperature must be between 0 and %.1f", maxTemperature)
	}
	if sp.TopP < 0 || sp.TopP > maxTopP {
		return fmt.Errorf("top-p must be between 0 and %.1f", maxTopP)
	}
	if sp.MaxTokens < 1 {
		return errors.New("max-tokens must be at least 1")
	}
	return nil
}

// newBanCmd builds "ban" or "unban".
func newBanCmd(s *session, banned bool) *cobra.Command {
	use, short, action := "unban <id>", "Allow a banned user to send requests again", store.AuditUnban
	if banned {
		use, short, action = "ban <id>", "Refuse all requests from a user", store.AuditBan
	}
	return &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := s.App()
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			userID := args[0]
			if err := app.Store.SetBanned(ctx, userID, banned); err != nil {
				return fmt.Errorf("setting ban status: %w", err)
			}
			if err := s.audit(ctx, action, userID, nil); err != nil {
				return err
			}
			if banned {
				yellow.Fprintf(cmd.OutOrStdout(), "✓ Banned %s\n", userID)
				return nil
			}
			green.Fprintf(cmd.OutOrStdout(), "✓ Unbanned %s\n", userID)
			return nil
		},
	}
}

// ABOUTME: Audit command: list recorded operator actions, newest first
// ABOUTME: Filters by user, action and age

package cli

import (
	"encoding/json"
	"fmt"
	"slices"
	"time"

	"github.com/spf13/cobra"

	"github.com/2389/nebula-gateway/internal/store"
)

var auditActions = []store.AuditAction{
	store.AuditSetPlan,
	store.AuditSetModel,
	store.AuditSetPrompt,
	store.AuditSetSampling,
	store.AuditBan,
	store.AuditUnban,
	store.AuditAddFunction,
	store.AuditDeleteFunction,
}

func newAuditCmd(s *session) *cobra.Command {
	var (
		userID string
		action string
		since  time.Duration
		limit  int
	)
	cmd := &cobra.Command{
		Use:   "audit",
		Short: "Show the log of operator changes",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if action != "" && !slices.Contains(auditActions, store.AuditAction(action)) {
				return fmt.Errorf("unknown action %q", action)
			}
			app, err := s.App()
			if err != nil {
				return err
			}

			filter := store.AuditFilter{
				UserID: userID,
				Action: store.AuditAction(action),
				Limit:  limit,
			}
			if since > 0 {
				t := app.Now().Add(-since)
				filter.Since = &t
			}
			entries, err := app.Store.ListAuditLog(cmd.Context(), filter)
			if err != nil {
				return fmt.Errorf("listing audit log: %w", err)
			}

			out := cmd.OutOrStdout()
			heading(out, "Audit Log")
			if len(entries) == 0 {
				fmt.Fprintln(out, "  (no entries)")
				fmt.Fprintln(out)
				return nil
			}
			tw := newTable(out, "TIME", "ACTOR", "ACTION", "USER", "DETAIL")
			for _, e := range entries {
				row(tw, formatTime(e.Timestamp), e.Actor, string(e.Action), e.UserID, formatDetail(e.Detail))
			}
			tw.Flush()
			fmt.Fprintln(out)
			return nil
		},
	}
	cmd.Flags().StringVar(&userID, "user", "", "only entries for this user")
	cmd.Flags().StringVar(&action, "action", "", "only entries with this action (set_plan, ban, add_function, ...)")
	cmd.Flags().DurationVar(&since, "since", 0, "only entries newer than this, e.g. 24h")
	cmd.Flags().IntVar(&limit, "limit", 50, "maximum number of entries")
	return cmd
}

func formatDetail(d map[string]any) string {
	if len(d) == 0 {
		return "-"
	}
	data, err := json.Marshal(d)
	if err != nil {
		return "?"
	}
	return truncate(string(data), 60)
}

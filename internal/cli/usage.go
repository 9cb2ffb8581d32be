// ABOUTME: Usage history command: daily tokens and images for one user
// ABOUTME: Days without activity are not listed

package cli

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"
)

func newUsageCmd(s *session) *cobra.Command {
	var days int
	cmd := &cobra.Command{
		Use:   "usage <id>",
		Short: "Show a user's daily usage",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := s.App()
			if err != nil {
				return err
			}
			if days < 1 {
				return fmt.Errorf("--days must be at least 1")
			}
			userID := args[0]
			history, err := app.Store.UsageHistory(cmd.Context(), userID, days)
			if err != nil {
				return fmt.Errorf("getting usage: %w", err)
			}

			out := cmd.OutOrStdout()
			heading(out, fmt.Sprintf("Usage for %s (last %d days)", userID, days))
			if len(history) == 0 {
				fmt.Fprintln(out, "  (no usage)")
				fmt.Fprintln(out)
				return nil
			}

			var tokens, images int
			tw := newTable(out, "DATE", "TOKENS", "IMAGES")
			for _, d := range history {
				row(tw, d.Date, strconv.Itoa(d.Tokens), strconv.Itoa(d.Images))
				tokens += d.Tokens
				images += d.Images
			}
			tw.Flush()
			bold.Fprintf(out, "  Total: %d tokens, %d images\n", tokens, images)
			fmt.Fprintln(out)
			return nil
		},
	}
	cmd.Flags().IntVar(&days, "days", 7, "number of days to show, including today")
	return cmd
}

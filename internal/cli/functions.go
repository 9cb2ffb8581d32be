// ABOUTME: Custom function commands: list, add and remove a user's callable functions
// ABOUTME: Schemas must be JSON objects; they are passed to the model as the parameters schema

package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"regexp"
	"strings"

	"github.com/spf13/cobra"

	"github.com/2389/nebula-gateway/internal/store"
)

// functionName is what the model API accepts as a function name.
var functionName = regexp.MustCompile(`^[a-zA-Z0-9_-]{1,64}$`)

const emptySchema = `{"type":"object","properties":{}}`

func newFunctionsCmd(s *session) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "functions",
		Aliases: []string{"fn"},
		Short:   "Manage a user's custom functions",
	}
	cmd.AddCommand(
		newFunctionsListCmd(s),
		newFunctionsAddCmd(s),
		newFunctionsRemoveCmd(s),
	)
	return cmd
}

func newFunctionsListCmd(s *session) *cobra.Command {
	return &cobra.Command{
		Use:   "list <id>",
		Short: "List a user's custom functions",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := s.App()
			if err != nil {
				return err
			}
			fns, err := app.Store.CustomFunctions(cmd.Context(), args[0])
			if err != nil {
				return fmt.Errorf("listing custom functions: %w", err)
			}

			out := cmd.OutOrStdout()
			heading(out, "Custom functions for "+args[0])
			if len(fns) == 0 {
				fmt.Fprintln(out, "  (no functions)")
				fmt.Fprintln(out)
				return nil
			}
			tw := newTable(out, "ID", "NAME", "DESCRIPTION", "CREATED")
			for _, fn := range fns {
				row(tw, fn.ID, fn.Name, truncate(fn.Description, 40), formatTime(fn.CreatedAt))
			}
			tw.Flush()
			fmt.Fprintln(out)
			return nil
		},
	}
}

func newFunctionsAddCmd(s *session) *cobra.Command {
	var (
		description string
		schema      string
		schemaFile  string
	)
	cmd := &cobra.Command{
		Use:   "add <id> <name>",
		Short: "Add a custom function the model may call for this user",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			userID, name := args[0], args[1]
			if !functionName.MatchString(name) {
				return fmt.Errorf("invalid function name %q: use letters, digits, _ or -, at most 64", name)
			}
			raw, err := readSchema(schema, schemaFile)
			if err != nil {
				return err
			}

			app, err := s.App()
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			fn := &store.CustomFunction{
				UserID:      userID,
				Name:        name,
				Description: strings.TrimSpace(description),
				SchemaJSON:  raw,
			}
			if err := app.Store.AddCustomFunction(ctx, fn); err != nil {
				return fmt.Errorf("adding custom function: %w", err)
			}
			if err := s.audit(ctx, store.AuditAddFunction, userID, map[string]any{
				"function_id": fn.ID,
				"name":        fn.Name,
			}); err != nil {
				return err
			}
			green.Fprintf(cmd.OutOrStdout(), "✓ Added function %s: %s\n", fn.Name, fn.ID)
			return nil
		},
	}
	cmd.Flags().StringVar(&description, "description", "", "what the function does, shown to the model")
	cmd.Flags().StringVar(&schema, "schema", "", "JSON schema for the parameters")
	cmd.Flags().StringVar(&schemaFile, "schema-file", "", "read the parameters schema from a file")
	cmd.MarkFlagsMutuallyExclusive("schema", "schema-file")
	return cmd
}

// readSchema returns the schema from the flag or file, compacted. Neither
// gives an object schema with no parameters.
func readSchema(inline, path string) (string, error) {
	raw := inline
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return "", fmt.Errorf("reading schema file: %w", err)
		}
		raw = string(data)
	}
	if strings.TrimSpace(raw) == "" {
		return emptySchema, nil
	}

	var obj map[string]any
	if err := json.Unmarshal([]byte(raw), &obj); err != nil {
		return "", fmt.Errorf("schema must be a JSON object: %w", err)
	}
	compact, err := json.Marshal(obj)
	if err != nil {
		return "", fmt.Errorf("encoding schema: %w", err)
	}
	return string(compact), nil
}

func newFunctionsRemoveCmd(s *session) *cobra.Command {
	return &cobra.Command{
		Use:     "rm <id> <function-id>",
		Aliases: []string{"remove", "delete"},
		Short:   "Remove one of a user's custom functions",
		Args:    cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := s.App()
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			userID, fnID := args[0], args[1]
			if err := app.Store.DeleteCustomFunction(ctx, userID, fnID); err != nil {
				if errors.Is(err, store.ErrNotFound) {
					return fmt.Errorf("%s has no function %s", userID, fnID)
				}
				return fmt.Errorf("removing custom function: %w", err)
			}
			if err := s.audit(ctx, store.AuditDeleteFunction, userID, map[string]any{"function_id": fnID}); err != nil {
				return err
			}
			green.Fprintf(cmd.OutOrStdout(), "✓ Removed function %s\n", fnID)
			return nil
		},
	}
}

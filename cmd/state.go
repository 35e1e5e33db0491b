package cmd

import (
	"fmt"
	"sort"

	"github.com/spf13/cobra"

	"github.com/mattsolo1/grove-narrative/pkg/state"
)

// NewStateCmd inspects and edits stored narrative state.
func NewStateCmd() *cobra.Command {
	var configPath, scopeFlag string

	stateCmd := &cobra.Command{
		Use:   "state",
		Short: "Inspect and edit narrative state",
		Long: `Inspect and edit the scoped key-value state that narratives read with
${state:key} and write through captures.

Scopes: global, narrative:<name>, platform:<platform>:<id>.`,
	}
	stateCmd.PersistentFlags().StringVar(&configPath, "config", "", "Path to narrate.yml")
	stateCmd.PersistentFlags().StringVar(&scopeFlag, "scope", "", "State scope (default: global; list shows every scope)")

	withStore := func(cmd *cobra.Command, fn func(store *state.Store) error) error {
		cfg, err := loadAppConfig(configPath)
		if err != nil {
			return err
		}
		store, err := openStore(cmd.Context(), cfg.State)
		if err != nil {
			return err
		}
		defer store.Backend().Close()
		return fn(store)
	}
	scope := func() (state.Scope, error) {
		if scopeFlag == "" {
			return state.Global(), nil
		}
		return state.ParseScope(scopeFlag, "")
	}

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List stored keys and values",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(cmd, func(store *state.Store) error {
				var scopes []state.Scope
				if scopeFlag != "" {
					s, err := scope()
					if err != nil {
						return err
					}
					scopes = []state.Scope{s}
				} else {
					all, err := store.Backend().Scopes(cmd.Context())
					if err != nil {
						return err
					}
					scopes = all
				}
				out := cmd.OutOrStdout()
				for _, s := range scopes {
					values, err := store.Snapshot(cmd.Context(), s)
					if err != nil {
						return err
					}
					fmt.Fprintf(out, "[%s]\n", s)
					keys := make([]string, 0, len(values))
					for k := range values {
						keys = append(keys, k)
					}
					sort.Strings(keys)
					for _, k := range keys {
						fmt.Fprintf(out, "  %s = %s\n", k, values[k])
					}
				}
				return nil
			})
		},
	}

	getCmd := &cobra.Command{
		Use:   "get <key>",
		Short: "Print one value",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(cmd, func(store *state.Store) error {
				s, err := scope()
				if err != nil {
					return err
				}
				v, ok, err := store.Get(cmd.Context(), s, args[0])
				if err != nil {
					return err
				}
				if !ok {
					return fmt.Errorf("key %q not found in scope %s", args[0], s)
				}
				fmt.Fprintln(cmd.OutOrStdout(), v)
				return nil
			})
		},
	}

	setCmd := &cobra.Command{
		Use:   "set <key> <value>",
		Short: "Set one value",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(cmd, func(store *state.Store) error {
				s, err := scope()
				if err != nil {
					return err
				}
				return store.Set(cmd.Context(), s, map[string]string{args[0]: args[1]})
			})
		},
	}

	deleteCmd := &cobra.Command{
		Use:   "delete <key>...",
		Short: "Delete keys",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(cmd, func(store *state.Store) error {
				s, err := scope()
				if err != nil {
					return err
				}
				return store.Delete(cmd.Context(), s, args...)
			})
		},
	}

	stateCmd.AddCommand(listCmd, getCmd, setCmd, deleteCmd)
	return stateCmd
}

// Command viwo is a thin embedding host around internal/runtime: it
// opens (or creates) a SQLite-backed world and exposes the two
// transport methods spec.md §6.2 names — execute_verb and schedule — as
// CLI subcommands, plus a tick command driving the scheduler and a
// plugin command for loading shared libraries. It exists to exercise
// the core end to end from a terminal; a real deployment would instead
// put a request-response transport (spec.md §6.2) in front of
// internal/runtime.
package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/rhizome-lab/viwo/internal/runtime"
	"github.com/rhizome-lab/viwo/internal/storage"
)

func main() {
	var dbPath string

	rootCmd := &cobra.Command{
		Use:           "viwo",
		Short:         "Run verbs against a persistent world of entities",
		SilenceErrors: true,
		SilenceUsage:  true,
	}
	rootCmd.PersistentFlags().StringVar(&dbPath, "db", "viwo.db", "path to the SQLite world database")

	rootCmd.AddCommand(newExecCmd(&dbPath), newScheduleCmd(&dbPath), newTickCmd(&dbPath), newPluginCmd(&dbPath))

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func openRuntime(dbPath string) (*runtime.Runtime, error) {
	return runtime.Open(dbPath)
}

func newExecCmd(dbPath *string) *cobra.Command {
	var argsJSON string
	var callerID int64

	cmd := &cobra.Command{
		Use:   "exec <entity-id> <verb>",
		Short: "Execute a verb on an entity and print the JSON result",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, cliArgs []string) error {
			entity, err := parseEntityID(cliArgs[0])
			if err != nil {
				return err
			}

			var args []any
			if argsJSON != "" {
				if err := json.Unmarshal([]byte(argsJSON), &args); err != nil {
					return fmt.Errorf("invalid --args JSON: %w", err)
				}
			}

			r, err := openRuntime(*dbPath)
			if err != nil {
				return err
			}
			defer r.Close()

			result, err := r.ExecuteVerb(entity, cliArgs[1], args, storage.EntityID(callerID))
			if err != nil {
				return err
			}
			return printJSON(cmd, result)
		},
	}
	cmd.Flags().StringVar(&argsJSON, "args", "", "JSON array of positional arguments")
	cmd.Flags().Int64Var(&callerID, "caller", 0, "caller entity id (defaults to the target entity)")
	return cmd
}

func newScheduleCmd(dbPath *string) *cobra.Command {
	var argsJSON string
	var delayMs int64

	cmd := &cobra.Command{
		Use:   "schedule <entity-id> <verb>",
		Short: "Schedule a deferred verb invocation",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, cliArgs []string) error {
			entity, err := parseEntityID(cliArgs[0])
			if err != nil {
				return err
			}

			var args []any
			if argsJSON != "" {
				if err := json.Unmarshal([]byte(argsJSON), &args); err != nil {
					return fmt.Errorf("invalid --args JSON: %w", err)
				}
			}

			r, err := openRuntime(*dbPath)
			if err != nil {
				return err
			}
			defer r.Close()

			id, err := r.Schedule(entity, cliArgs[1], args, delayMs)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), id)
			return nil
		},
	}
	cmd.Flags().StringVar(&argsJSON, "args", "", "JSON array of positional arguments")
	cmd.Flags().Int64Var(&delayMs, "delay-ms", 0, "milliseconds from now the task becomes due")
	return cmd
}

func newTickCmd(dbPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "tick",
		Short: "Run every currently-due scheduled task once",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			r, err := openRuntime(*dbPath)
			if err != nil {
				return err
			}
			defer r.Close()

			due, errs := r.Tick()
			fmt.Fprintf(cmd.OutOrStdout(), "ran %d task(s), %d failed\n", len(due), len(errs))
			for _, e := range errs {
				fmt.Fprintln(cmd.ErrOrStderr(), e)
			}
			if len(errs) > 0 {
				return fmt.Errorf("%d scheduled task(s) failed", len(errs))
			}
			return nil
		},
	}
}

func newPluginCmd(dbPath *string) *cobra.Command {
	loadCmd := &cobra.Command{
		Use:   "load <path>",
		Short: "Load a plugin shared library",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, cliArgs []string) error {
			r, err := openRuntime(*dbPath)
			if err != nil {
				return err
			}
			defer r.Close()
			return r.LoadPlugin(cliArgs[0])
		},
	}
	parent := &cobra.Command{Use: "plugin", Short: "Manage loaded plugins"}
	parent.AddCommand(loadCmd)
	return parent
}

func parseEntityID(s string) (storage.EntityID, error) {
	var id int64
	if _, err := fmt.Sscanf(s, "%d", &id); err != nil {
		return 0, fmt.Errorf("invalid entity id %q: %w", s, err)
	}
	return storage.EntityID(id), nil
}

func printJSON(cmd *cobra.Command, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), string(b))
	return nil
}

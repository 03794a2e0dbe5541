// chctl is the control CLI for a commhist profile: inspect groups and
// events, append records, and watch the live change stream of a running
// daemon.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/tretyn/commhist/internal/session"
	"github.com/tretyn/commhist/internal/store"
	"go.uber.org/zap"
)

// rootOptions holds global flags shared by all subcommands.
type rootOptions struct {
	Profile string
	JSON    bool
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}

	cmd := &cobra.Command{
		Use:           "chctl",
		Short:         "Inspect and modify a commhist profile",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			name := session.Resolve(opts.Profile)
			if err := session.ValidateName(name); err != nil {
				return err
			}
			opts.Profile = name
			return nil
		},
	}

	cmd.PersistentFlags().StringVar(&opts.Profile, "profile", "", "profile name (overrides config default)")
	cmd.PersistentFlags().BoolVar(&opts.JSON, "json", false, "output in JSON format")

	cmd.AddCommand(newAddCmd(opts))
	cmd.AddCommand(newGroupsCmd(opts))
	cmd.AddCommand(newEventsCmd(opts))
	cmd.AddCommand(newWatchCmd(opts))
	cmd.AddCommand(newReconcileCmd(opts))

	return cmd
}

// openStore opens the profile database read-write. The daemon may hold the
// writer lock; SQLite WAL mode still admits concurrent access and the
// busy timeout covers contention.
func openStore(opts *rootOptions) (*store.DB, error) {
	path := session.DBPath(opts.Profile)
	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("no database for profile %q (start commhistd first): %w", opts.Profile, err)
	}
	return store.Open(path, zap.NewNop())
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

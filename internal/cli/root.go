// Package cli is the ticketgrab command line: the daemon and the one-shot
// commands that edit tasks, credentials and the global trigger in the store.
package cli

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"ticketgrab/internal/app"
)

var (
	Version   = "dev"
	CommitSHA = "none"
	BuildDate = "unknown"
)

type globals struct {
	configPath string
	verbose    bool
}

// open is shared by every command that only needs the store side.
func (g *globals) open(ctx context.Context) (*app.Offline, error) {
	return app.OpenOffline(ctx, g.configPath, g.verbose)
}

func NewRootCmd() *cobra.Command {
	g := &globals{}
	root := &cobra.Command{
		Use:           "ticketgrab",
		Short:         "Railway ticket-grab task scheduler",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&g.configPath, "config", "c", "./config.yaml", "path to config file (yaml or json)")
	root.PersistentFlags().BoolVarP(&g.verbose, "verbose", "v", false, "debug logging for one-shot commands")

	root.AddCommand(newVersionCmd())
	root.AddCommand(newRunCmd(g))
	root.AddCommand(newTaskCmd(g))
	root.AddCommand(newCredsCmd(g))
	root.AddCommand(newTriggerCmd(g))
	root.AddCommand(newProbeCmd(g))
	root.AddCommand(newStationsCmd(g))

	return root
}

func Execute() {
	if err := NewRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

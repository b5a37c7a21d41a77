package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"ticketgrab/internal/app"
	"ticketgrab/pkg/systemd"
)

func newRunCmd(g *globals) *cobra.Command {
	var stopTimeout time.Duration

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the scheduler daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer cancel()

			a, err := app.New(ctx, g.configPath)
			if err != nil {
				return err
			}
			if err := a.Start(ctx); err != nil {
				stopCtx, c := context.WithTimeout(context.Background(), stopTimeout)
				_ = a.Stop(stopCtx, app.StopFatalError)
				c()
				return fmt.Errorf("start: %w", err)
			}

			_, _ = systemd.Ready()
			_, _ = systemd.Status(fmt.Sprintf("running %d task(s)", len(a.Core().Active())))
			go func() { _ = systemd.Watchdog(ctx) }()

			reason := app.StopSignal
			select {
			case <-ctx.Done():
			case <-a.Done():
				reason = app.StopFatalError
			}

			_, _ = systemd.Stopping()
			stopCtx, c := context.WithTimeout(context.Background(), stopTimeout)
			defer c()
			if err := a.Stop(stopCtx, reason); err != nil {
				fmt.Fprintln(cmd.ErrOrStderr(), "stop:", err)
			}
			if reason == app.StopFatalError {
				return a.Err()
			}
			return nil
		},
	}
	cmd.Flags().DurationVar(&stopTimeout, "stop-timeout", 10*time.Second, "upper bound for graceful shutdown")
	return cmd
}

package cli

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

func newTriggerCmd(g *globals) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "trigger",
		Short: "Show or change the global start trigger",
	}
	cmd.AddCommand(newTriggerSetCmd(g))
	cmd.AddCommand(newTriggerShowCmd(g))
	return cmd
}

func newTriggerSetCmd(g *globals) *cobra.Command {
	var disable bool
	c := &cobra.Command{
		Use:   "set [cron]",
		Short: "Set the cron expression and enable it",
		Example: "  ticketgrab trigger set '0 0 8 * * *'\n" +
			"  ticketgrab trigger set --disable",
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			o, err := g.open(ctx)
			if err != nil {
				return err
			}
			defer o.Close()

			cron, _, _, err := o.Core.GlobalTrigger(ctx)
			if err != nil {
				return err
			}
			if len(args) == 1 {
				cron = args[0]
			}
			if !disable && cron == "" {
				return fmt.Errorf("cron expression required")
			}
			if err := o.Core.UpdateGlobalTrigger(ctx, cron, !disable); err != nil {
				return err
			}
			state := "enabled"
			if disable {
				state = "disabled"
			}
			fmt.Fprintf(cmd.OutOrStdout(), "global trigger %q %s\n", cron, state)
			return nil
		},
	}
	c.Flags().BoolVar(&disable, "disable", false, "store the expression but do not fire")
	return c
}

func newTriggerShowCmd(g *globals) *cobra.Command {
	var next int
	c := &cobra.Command{
		Use:   "show",
		Short: "Show the stored trigger and its next fire times",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			o, err := g.open(ctx)
			if err != nil {
				return err
			}
			defer o.Close()

			cron, enabled, ok, err := o.Core.GlobalTrigger(ctx)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if !ok {
				cron, enabled = o.Config.GlobalTrigger.Cron, o.Config.GlobalTrigger.Enabled
				fmt.Fprintln(out, "(not stored yet; showing config seed)")
			}
			fmt.Fprintf(out, "cron:    %q\nenabled: %t\n", cron, enabled)
			if cron == "" || !enabled || next <= 0 {
				return nil
			}
			runs, err := o.Sched.NextRuns(cron, next)
			if err != nil {
				return err
			}
			for _, t := range runs {
				fmt.Fprintf(out, "next:    %s\n", t.Format(time.RFC3339))
			}
			return nil
		},
	}
	c.Flags().IntVar(&next, "next", 3, "number of upcoming fire times to list")
	return c
}

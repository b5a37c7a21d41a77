package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"ticketgrab/internal/app"
	"ticketgrab/internal/storage"
	"ticketgrab/internal/ticket/model"
)

func newTaskCmd(g *globals) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "task",
		Short: "Manage ticket-grab tasks",
	}
	cmd.AddCommand(newTaskAddCmd(g))
	cmd.AddCommand(newTaskListCmd(g))
	cmd.AddCommand(newTaskShowCmd(g))
	cmd.AddCommand(newTaskLogsCmd(g))
	cmd.AddCommand(newTaskActionCmd(g, "start", "Start (or restart) a task", func(ctx context.Context, o *app.Offline, id int64) error {
		return o.Core.StartTask(ctx, id)
	}))
	cmd.AddCommand(newTaskActionCmd(g, "stop", "Pause a running task", func(ctx context.Context, o *app.Offline, id int64) error {
		return o.Core.StopTask(ctx, id)
	}))
	cmd.AddCommand(newTaskActionCmd(g, "cancel", "Cancel a task", func(ctx context.Context, o *app.Offline, id int64) error {
		return o.Core.CancelTask(ctx, id)
	}))
	cmd.AddCommand(newTaskActionCmd(g, "delete", "Delete a task and its logs", func(ctx context.Context, o *app.Offline, id int64) error {
		return o.Core.DeleteTask(ctx, id)
	}))
	return cmd
}

func newTaskAddCmd(g *globals) *cobra.Command {
	var (
		userID         string
		name           string
		from, to, date string
		trains, types  []string
		window         string
		seats          []string
		passengers     []string
		interval       int
		maxRetry       int
		autoSubmit     bool
		allowScheduled bool
		start          bool
	)

	c := &cobra.Command{
		Use:   "add",
		Short: "Create a task",
		RunE: func(cmd *cobra.Command, args []string) error {
			w, err := model.ParseTimeWindow(window)
			if err != nil {
				return fmt.Errorf("invalid --window: %w", err)
			}
			seatCodes, err := parseSeats(seats)
			if err != nil {
				return err
			}
			ps, err := parsePassengers(passengers)
			if err != nil {
				return err
			}
			t := &model.Task{
				UserID: userID,
				Name:   name,
				Trip: model.Trip{
					From:         from,
					To:           to,
					Date:         date,
					TrainCodes:   upperAll(trains),
					TrainTypes:   upperAll(types),
					DepartWindow: w,
				},
				SeatClasses:         seatCodes,
				Passengers:          ps,
				QueryInterval:       interval,
				MaxRetryCount:       maxRetry,
				AutoSubmit:          autoSubmit,
				AllowScheduledStart: allowScheduled,
			}
			if t.Name == "" {
				t.Name = fmt.Sprintf("%s→%s %s", from, to, date)
			}

			ctx := cmd.Context()
			o, err := g.open(ctx)
			if err != nil {
				return err
			}
			defer o.Close()

			if err := o.Core.CreateTask(ctx, t); err != nil {
				return err
			}
			if start {
				if err := o.Core.StartTask(ctx, t.ID); err != nil {
					return fmt.Errorf("task %d created but not started: %w", t.ID, err)
				}
			}
			fmt.Fprintf(cmd.OutOrStdout(), "task %d created (interval %ds)\n", t.ID, t.QueryInterval)
			return nil
		},
	}

	c.Flags().StringVar(&userID, "user", app.Hostname(), "owner user id")
	c.Flags().StringVar(&name, "name", "", "display name")
	c.Flags().StringVar(&from, "from", "", "origin station name or telecode")
	c.Flags().StringVar(&to, "to", "", "destination station name or telecode")
	c.Flags().StringVar(&date, "date", "", "travel date (YYYY-MM-DD)")
	c.Flags().StringSliceVar(&trains, "trains", nil, "train codes to consider, e.g. G1,G3")
	c.Flags().StringSliceVar(&types, "types", nil, "train type prefixes, e.g. G,D")
	c.Flags().StringVar(&window, "window", "", "departure window HH:MM-HH:MM")
	c.Flags().StringSliceVar(&seats, "seats", []string{model.SeatSecond}, "seat classes by code or name, in preference order")
	c.Flags().StringArrayVar(&passengers, "passenger", nil, "passenger as name:id_no[:mobile] (repeatable)")
	c.Flags().IntVar(&interval, "interval", 0, "query interval in seconds (0 = default)")
	c.Flags().IntVar(&maxRetry, "max-retry", 100, "ticks before giving up (negative = unlimited)")
	c.Flags().BoolVar(&autoSubmit, "auto-submit", true, "submit an order when tickets are found")
	c.Flags().BoolVar(&allowScheduled, "allow-scheduled", false, "let the global trigger start this task")
	c.Flags().BoolVar(&start, "start", false, "start right after creating")

	_ = c.MarkFlagRequired("from")
	_ = c.MarkFlagRequired("to")
	_ = c.MarkFlagRequired("date")
	_ = c.MarkFlagRequired("passenger")
	return c
}

func newTaskListCmd(g *globals) *cobra.Command {
	var (
		userID   string
		statuses []string
		asJSON   bool
	)
	c := &cobra.Command{
		Use:   "list",
		Short: "List tasks",
		RunE: func(cmd *cobra.Command, args []string) error {
			q := storage.TaskQuery{UserID: userID}
			for _, s := range statuses {
				st, err := model.ParseStatus(strings.ToLower(s))
				if err != nil {
					return err
				}
				q.Statuses = append(q.Statuses, st)
			}

			ctx := cmd.Context()
			o, err := g.open(ctx)
			if err != nil {
				return err
			}
			defer o.Close()

			tasks, err := o.Store.ListTasks(ctx, q)
			if err != nil {
				return err
			}
			if asJSON {
				return writeJSON(cmd.OutOrStdout(), tasks)
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tUSER\tSTATUS\tTRIP\tDATE\tRETRY\tINTERVAL\tNAME")
			for _, t := range tasks {
				fmt.Fprintf(tw, "%d\t%s\t%s\t%s→%s\t%s\t%s\t%ds\t%s\n",
					t.ID, t.UserID, t.Status, t.Trip.From, t.Trip.To, t.Trip.Date,
					retryText(t), t.QueryInterval, t.Name)
			}
			return tw.Flush()
		},
	}
	c.Flags().StringVar(&userID, "user", "", "only tasks of this user")
	c.Flags().StringSliceVar(&statuses, "status", nil, "only these statuses")
	c.Flags().BoolVar(&asJSON, "json", false, "print JSON")
	return c
}

func newTaskShowCmd(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "show <id>",
		Short: "Show one task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			o, err := g.open(ctx)
			if err != nil {
				return err
			}
			defer o.Close()

			t, err := o.Store.GetTask(ctx, id)
			if err != nil {
				return fmt.Errorf("task %d: %w", id, err)
			}
			return writeJSON(cmd.OutOrStdout(), t)
		},
	}
}

func newTaskLogsCmd(g *globals) *cobra.Command {
	var (
		level string
		limit int
	)
	c := &cobra.Command{
		Use:   "logs <id>",
		Short: "Show task logs, newest first",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			q := storage.LogQuery{Limit: limit}
			if level != "" {
				q.Level = model.Level(strings.ToLower(level))
				if !q.Level.Valid() {
					return fmt.Errorf("unknown log level %q", level)
				}
			}

			ctx := cmd.Context()
			o, err := g.open(ctx)
			if err != nil {
				return err
			}
			defer o.Close()

			logs, err := o.Store.ListLogs(ctx, id, q)
			if err != nil {
				return err
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			for _, l := range logs {
				fmt.Fprintf(tw, "%s\t%s\t%s\n", l.CreatedAt.Local().Format(time.DateTime), l.Level, l.Message)
			}
			return tw.Flush()
		},
	}
	c.Flags().StringVar(&level, "level", "", "info, warning, error or success")
	c.Flags().IntVar(&limit, "limit", 50, "max entries")
	return c
}

func newTaskActionCmd(g *globals, use, short string, fn func(context.Context, *app.Offline, int64) error) *cobra.Command {
	return &cobra.Command{
		Use:   use + " <id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			o, err := g.open(ctx)
			if err != nil {
				return err
			}
			defer o.Close()

			if err := fn(ctx, o, id); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "task %d: %s ok\n", id, use)
			return nil
		},
	}
}

func parseID(s string) (int64, error) {
	id, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid task id %q", s)
	}
	return id, nil
}

// parseSeats accepts seat codes ("O") or display names ("二等座").
func parseSeats(in []string) ([]string, error) {
	out := make([]string, 0, len(in))
	for _, s := range in {
		s = strings.TrimSpace(s)
		switch {
		case s == "":
			continue
		case model.KnownSeat(strings.ToUpper(s)):
			out = append(out, strings.ToUpper(s))
		default:
			code, ok := model.SeatCode(s)
			if !ok {
				return nil, fmt.Errorf("unknown seat class %q", s)
			}
			out = append(out, code)
		}
	}
	return out, nil
}

func parsePassengers(in []string) ([]model.Passenger, error) {
	out := make([]model.Passenger, 0, len(in))
	for _, s := range in {
		parts := strings.Split(s, ":")
		if len(parts) < 2 || len(parts) > 3 {
			return nil, fmt.Errorf("passenger %q: want name:id_no[:mobile]", s)
		}
		p := model.Passenger{Name: strings.TrimSpace(parts[0]), IDNo: strings.TrimSpace(parts[1])}
		if len(parts) == 3 {
			p.Mobile = strings.TrimSpace(parts[2])
		}
		out = append(out, p)
	}
	return out, nil
}

func upperAll(in []string) []string {
	var out []string
	for _, s := range in {
		if s = strings.ToUpper(strings.TrimSpace(s)); s != "" {
			out = append(out, s)
		}
	}
	return out
}

func retryText(t *model.Task) string {
	if t.MaxRetryCount < 0 {
		return strconv.Itoa(t.RetryCount) + "/∞"
	}
	return fmt.Sprintf("%d/%d", t.RetryCount, t.MaxRetryCount)
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	enc.SetEscapeHTML(false)
	return enc.Encode(v)
}

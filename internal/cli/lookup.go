package cli

import (
	"fmt"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"ticketgrab/internal/ticket/model"
	"ticketgrab/internal/ticket/probe"
)

// columns printed by probe, in site order
var probeSeats = []string{
	model.SeatBusiness, model.SeatFirst, model.SeatSecond,
	model.SeatSoftSleeper, model.SeatHardSleeper, model.SeatHardSeat, model.SeatNoSeat,
}

func newProbeCmd(g *globals) *cobra.Command {
	var (
		from, to, date string
		trains, types  []string
		window         string
		onlyAvailable  bool
	)
	c := &cobra.Command{
		Use:   "probe",
		Short: "Query remaining tickets once",
		RunE: func(cmd *cobra.Command, args []string) error {
			w, err := model.ParseTimeWindow(window)
			if err != nil {
				return fmt.Errorf("invalid --window: %w", err)
			}
			trip := model.Trip{From: from, To: to, Date: date, TrainCodes: upperAll(trains), TrainTypes: upperAll(types), DepartWindow: w}

			ctx := cmd.Context()
			o, err := g.open(ctx)
			if err != nil {
				return err
			}
			defer o.Close()
			if err := o.LoadStations(ctx); err != nil {
				return fmt.Errorf("load stations: %w", err)
			}

			found, err := o.Prober.Probe(ctx, trip)
			if err != nil {
				return err
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			header := []string{"TRAIN", "FROM", "TO", "DEPART", "ARRIVE", "DURATION"}
			for _, s := range probeSeats {
				header = append(header, model.SeatLabel(s))
			}
			fmt.Fprintln(tw, strings.Join(header, "\t"))
			for _, t := range found {
				if onlyAvailable && !anyTicket(t) {
					continue
				}
				row := []string{t.Code, t.From, t.To, t.DepartTime, t.ArriveTime, t.Duration}
				for _, s := range probeSeats {
					row = append(row, t.Seat(s))
				}
				fmt.Fprintln(tw, strings.Join(row, "\t"))
			}
			return tw.Flush()
		},
	}
	c.Flags().StringVar(&from, "from", "", "origin station name or telecode")
	c.Flags().StringVar(&to, "to", "", "destination station name or telecode")
	c.Flags().StringVar(&date, "date", "", "travel date (YYYY-MM-DD)")
	c.Flags().StringSliceVar(&trains, "trains", nil, "train codes")
	c.Flags().StringSliceVar(&types, "types", nil, "train type prefixes")
	c.Flags().StringVar(&window, "window", "", "departure window HH:MM-HH:MM")
	c.Flags().BoolVar(&onlyAvailable, "available", false, "hide trains without any ticket")
	_ = c.MarkFlagRequired("from")
	_ = c.MarkFlagRequired("to")
	_ = c.MarkFlagRequired("date")
	return c
}

func anyTicket(t probe.ServiceAvailability) bool {
	for _, v := range t.Seats {
		if probe.HasTicket(v) {
			return true
		}
	}
	return false
}

func newStationsCmd(g *globals) *cobra.Command {
	var limit int
	c := &cobra.Command{
		Use:   "stations <keyword>",
		Short: "Search stations by name, pinyin or telecode",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			o, err := g.open(ctx)
			if err != nil {
				return err
			}
			defer o.Close()
			if err := o.LoadStations(ctx); err != nil {
				return fmt.Errorf("load stations: %w", err)
			}

			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "NAME\tCODE\tPINYIN\tCITY")
			for _, s := range o.Stations.Search(args[0], limit) {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", s.Name, s.Code, s.Pinyin, s.City)
			}
			return tw.Flush()
		},
	}
	c.Flags().IntVar(&limit, "limit", 20, "max results")
	return c
}

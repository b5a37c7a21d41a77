// Package probe answers "which trains match this trip, and what is left on
// them" from a left-ticket source and a station table.
package probe

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"ticketgrab/internal/railway"
	"ticketgrab/internal/ticket/model"
)

var (
	ErrUnknownStation     = errors.New("unknown station")
	ErrInvalidDate        = errors.New("invalid travel date")
	ErrNoMatchingServices = errors.New("none of the requested trains run")
	ErrProbeFailed        = errors.New("probe failed")
)

// ServiceAvailability is one train with its per-class remaining counts.
type ServiceAvailability = railway.Train

// Source runs the left-ticket query. railway.Client implements it.
type Source interface {
	LeftTickets(ctx context.Context, date, fromCode, toCode string) ([]railway.Train, error)
}

// Stations resolves names to telecodes. railway.StationTable implements it.
type Stations interface {
	Code(name string) (string, bool)
}

const DefaultHorizonDays = 15

type Prober struct {
	src      Source
	stations Stations
	now      func() time.Time

	mu      sync.RWMutex
	loc     *time.Location
	horizon int
}

type Option func(*Prober)

// WithLocation sets the zone "today" is computed in.
func WithLocation(loc *time.Location) Option {
	return func(p *Prober) {
		if loc != nil {
			p.loc = loc
		}
	}
}

// WithHorizon sets how many days ahead a date may be.
func WithHorizon(days int) Option {
	return func(p *Prober) {
		if days > 0 {
			p.horizon = days
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(p *Prober) {
		if now != nil {
			p.now = now
		}
	}
}

func New(src Source, stations Stations, opts ...Option) *Prober {
	p := &Prober{src: src, stations: stations, loc: time.Local, horizon: DefaultHorizonDays, now: time.Now}
	for _, o := range opts {
		o(p)
	}
	return p
}

// SetLocation moves the zone "today" is computed in. Safe to call while
// ticks are probing.
func (p *Prober) SetLocation(loc *time.Location) {
	if loc == nil {
		return
	}
	p.mu.Lock()
	p.loc = loc
	p.mu.Unlock()
}

// SetHorizon changes how many days ahead a date may be; days <= 0 restores
// the default.
func (p *Prober) SetHorizon(days int) {
	if days <= 0 {
		days = DefaultHorizonDays
	}
	p.mu.Lock()
	p.horizon = days
	p.mu.Unlock()
}

func (p *Prober) Location() *time.Location {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.loc
}

// CheckDate accepts dates from today through today+horizon inclusive.
func (p *Prober) CheckDate(date string) error {
	p.mu.RLock()
	loc, horizon := p.loc, p.horizon
	p.mu.RUnlock()

	d, err := time.ParseInLocation(time.DateOnly, strings.TrimSpace(date), loc)
	if err != nil {
		return fmt.Errorf("%w: %q is not YYYY-MM-DD", ErrInvalidDate, date)
	}
	now := p.now().In(loc)
	today := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, loc)
	if d.Before(today) {
		return fmt.Errorf("%w: %s is in the past", ErrInvalidDate, date)
	}
	if d.After(today.AddDate(0, 0, horizon)) {
		return fmt.Errorf("%w: %s is more than %d days ahead", ErrInvalidDate, date, horizon)
	}
	return nil
}

// Probe queries the trip and applies its filters. An empty result with a
// nil error means the query answered but nothing ran that day.
func (p *Prober) Probe(ctx context.Context, trip model.Trip) ([]ServiceAvailability, error) {
	from, ok := p.stations.Code(trip.From)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownStation, trip.From)
	}
	to, ok := p.stations.Code(trip.To)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownStation, trip.To)
	}
	if err := p.CheckDate(trip.Date); err != nil {
		return nil, err
	}

	trains, err := p.src.LeftTickets(ctx, trip.Date, from, to)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrProbeFailed, err)
	}
	trains = FilterTypes(trains, trip.TrainTypes)
	if trip.DepartWindow != nil {
		trains = FilterWindow(trains, *trip.DepartWindow)
	}
	if len(trains) == 0 {
		return nil, nil
	}
	if len(trip.TrainCodes) > 0 {
		trains = FilterCodes(trains, trip.TrainCodes)
		if len(trains) == 0 {
			return nil, ErrNoMatchingServices
		}
	}
	return trains, nil
}

// FilterCodes keeps trains whose code is in codes, case insensitive.
func FilterCodes(trains []ServiceAvailability, codes []string) []ServiceAvailability {
	want := make(map[string]struct{}, len(codes))
	for _, c := range codes {
		want[strings.ToUpper(strings.TrimSpace(c))] = struct{}{}
	}
	out := trains[:0:0]
	for _, t := range trains {
		if _, ok := want[strings.ToUpper(t.Code)]; ok {
			out = append(out, t)
		}
	}
	return out
}

// FilterTypes keeps trains whose code starts with one of the type letters.
// An empty list keeps everything.
func FilterTypes(trains []ServiceAvailability, types []string) []ServiceAvailability {
	if len(types) == 0 {
		return trains
	}
	out := trains[:0:0]
	for _, t := range trains {
		if t.Code == "" {
			continue
		}
		lead := strings.ToUpper(t.Code[:1])
		for _, ty := range types {
			if strings.ToUpper(strings.TrimSpace(ty)) == lead {
				out = append(out, t)
				break
			}
		}
	}
	return out
}

// FilterWindow keeps trains departing inside w, bounds included.
func FilterWindow(trains []ServiceAvailability, w model.TimeWindow) []ServiceAvailability {
	out := trains[:0:0]
	for _, t := range trains {
		if w.Contains(t.DepartTime) {
			out = append(out, t)
		}
	}
	return out
}

// HasTicket reports whether a raw seat count means seats can be bought.
func HasTicket(raw string) bool {
	switch raw {
	case "", railway.NoData, "无", "*":
		return false
	case "有":
		return true
	}
	n, err := strconv.Atoi(raw)
	return err == nil && n > 0
}

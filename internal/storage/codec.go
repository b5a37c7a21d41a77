package storage

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"ticketgrab/internal/storage/seal"
	"ticketgrab/internal/ticket/model"
)

type credCodec struct{ sealer *seal.Sealer }

func (c credCodec) encode(cr model.Credentials) (string, error) {
	b, err := json.Marshal(cr)
	if err != nil {
		return "", err
	}
	return c.sealer.Seal(b)
}

func (c credCodec) decode(v string) (model.Credentials, error) {
	b, err := c.sealer.Open(v)
	if err != nil {
		return nil, err
	}
	var cr model.Credentials
	if err := json.Unmarshal(b, &cr); err != nil {
		return nil, fmt.Errorf("decode credentials: %w", err)
	}
	return cr, nil
}

// taskRecord is the flat row shape shared by the SQL drivers. Lists are
// comma-joined and passengers are JSON.
type taskRecord struct {
	ID                  int64
	UserID              string
	Name                string
	FromStation         string
	ToStation           string
	TrainDate           string
	TrainCodes          string
	TrainTypes          string
	SeatTypes           string
	DepartWindow        string
	Passengers          string
	QueryInterval       int
	MaxRetryCount       int
	AutoSubmit          bool
	AllowScheduledStart bool
	Status              string
	RetryCount          int
	OrderID             string
	ResultMessage       string
	CreatedAt           time.Time
	UpdatedAt           time.Time
	StartedAt           *time.Time
	FinishedAt          *time.Time
}

const taskColumns = `id, user_id, name, from_station, to_station, train_date, train_codes, train_types, seat_types,
	depart_window, passengers, query_interval, max_retry_count, auto_submit, allow_scheduled_start,
	status, retry_count, order_id, result_message, created_at, updated_at, started_at, finished_at`

func encodeTask(t *model.Task) (taskRecord, error) {
	pax, err := json.Marshal(t.Passengers)
	if err != nil {
		return taskRecord{}, err
	}
	r := taskRecord{
		ID:                  t.ID,
		UserID:              t.UserID,
		Name:                t.Name,
		FromStation:         t.Trip.From,
		ToStation:           t.Trip.To,
		TrainDate:           t.Trip.Date,
		TrainCodes:          strings.Join(t.Trip.TrainCodes, ","),
		TrainTypes:          strings.Join(t.Trip.TrainTypes, ","),
		SeatTypes:           strings.Join(t.SeatClasses, ","),
		Passengers:          string(pax),
		QueryInterval:       t.QueryInterval,
		MaxRetryCount:       t.MaxRetryCount,
		AutoSubmit:          t.AutoSubmit,
		AllowScheduledStart: t.AllowScheduledStart,
		Status:              string(t.Status),
		RetryCount:          t.RetryCount,
		OrderID:             t.OrderID,
		ResultMessage:       t.ResultMessage,
		CreatedAt:           t.CreatedAt,
		UpdatedAt:           t.UpdatedAt,
		StartedAt:           t.StartedAt,
		FinishedAt:          t.FinishedAt,
	}
	if t.Trip.DepartWindow != nil {
		r.DepartWindow = t.Trip.DepartWindow.String()
	}
	return r, nil
}

func (r taskRecord) decode() (*model.Task, error) {
	t := &model.Task{
		ID:     r.ID,
		UserID: r.UserID,
		Name:   r.Name,
		Trip: model.Trip{
			From:       r.FromStation,
			To:         r.ToStation,
			Date:       r.TrainDate,
			TrainCodes: splitList(r.TrainCodes),
			TrainTypes: splitList(r.TrainTypes),
		},
		SeatClasses:         splitList(r.SeatTypes),
		QueryInterval:       r.QueryInterval,
		MaxRetryCount:       r.MaxRetryCount,
		AutoSubmit:          r.AutoSubmit,
		AllowScheduledStart: r.AllowScheduledStart,
		Status:              model.Status(r.Status),
		RetryCount:          r.RetryCount,
		OrderID:             r.OrderID,
		ResultMessage:       r.ResultMessage,
		CreatedAt:           r.CreatedAt,
		UpdatedAt:           r.UpdatedAt,
		StartedAt:           r.StartedAt,
		FinishedAt:          r.FinishedAt,
	}
	w, err := model.ParseTimeWindow(r.DepartWindow)
	if err != nil {
		return nil, fmt.Errorf("task %d: %w", r.ID, err)
	}
	t.Trip.DepartWindow = w
	if r.Passengers != "" {
		if err := json.Unmarshal([]byte(r.Passengers), &t.Passengers); err != nil {
			return nil, fmt.Errorf("task %d passengers: %w", r.ID, err)
		}
	}
	return t, nil
}

func splitList(s string) []string {
	if strings.TrimSpace(s) == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := parts[:0]
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func cloneTask(t *model.Task) *model.Task {
	c := *t
	c.Trip.TrainCodes = append([]string(nil), t.Trip.TrainCodes...)
	c.Trip.TrainTypes = append([]string(nil), t.Trip.TrainTypes...)
	c.SeatClasses = append([]string(nil), t.SeatClasses...)
	c.Passengers = append([]model.Passenger(nil), t.Passengers...)
	if t.Trip.DepartWindow != nil {
		w := *t.Trip.DepartWindow
		c.Trip.DepartWindow = &w
	}
	if t.StartedAt != nil {
		v := *t.StartedAt
		c.StartedAt = &v
	}
	if t.FinishedAt != nil {
		v := *t.FinishedAt
		c.FinishedAt = &v
	}
	return &c
}

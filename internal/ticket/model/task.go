package model

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"
)

var (
	ErrInvalidTask       = errors.New("invalid task")
	ErrInvalidTransition = errors.New("invalid status transition")
)

// TimeWindow is an inclusive departure range in "HH:MM".
type TimeWindow struct {
	Start string `json:"start"`
	End   string `json:"end"`
}

var reHHMM = regexp.MustCompile(`^([01]\d|2[0-3]):[0-5]\d$`)

// ParseTimeWindow accepts "HH:MM-HH:MM". An empty string yields nil.
func ParseTimeWindow(s string) (*TimeWindow, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, nil
	}
	start, end, ok := strings.Cut(s, "-")
	if !ok {
		return nil, fmt.Errorf("time window %q: want HH:MM-HH:MM", s)
	}
	w := &TimeWindow{Start: strings.TrimSpace(start), End: strings.TrimSpace(end)}
	if err := w.Validate(); err != nil {
		return nil, err
	}
	return w, nil
}

func (w TimeWindow) Validate() error {
	if !reHHMM.MatchString(w.Start) || !reHHMM.MatchString(w.End) {
		return fmt.Errorf("time window %q-%q: want HH:MM", w.Start, w.End)
	}
	if w.Start > w.End {
		return fmt.Errorf("time window %s-%s: start after end", w.Start, w.End)
	}
	return nil
}

// Contains compares as strings; "HH:MM" sorts chronologically.
func (w TimeWindow) Contains(hhmm string) bool {
	return w.Start <= hhmm && hhmm <= w.End
}

func (w TimeWindow) String() string { return w.Start + "-" + w.End }

// Trip describes what to look for.
type Trip struct {
	From         string      `json:"from"`
	To           string      `json:"to"`
	Date         string      `json:"date"` // YYYY-MM-DD
	TrainCodes   []string    `json:"train_codes,omitempty"`
	TrainTypes   []string    `json:"train_types,omitempty"`
	DepartWindow *TimeWindow `json:"depart_window,omitempty"`
}

// Passenger is one traveller. EncStr is the short-lived roster token and is
// only filled from a live roster.
type Passenger struct {
	Name          string `json:"name"`
	IDNo          string `json:"id_no"`
	IDTypeCode    string `json:"id_type_code,omitempty"`
	PassengerType string `json:"passenger_type,omitempty"`
	TicketType    string `json:"ticket_type,omitempty"`
	Mobile        string `json:"mobile,omitempty"`
	EncStr        string `json:"-"`
	Flag          string `json:"-"`
	Index         string `json:"-"`
}

// Normalize fills the site defaults: ID card, adult, ticket type follows
// passenger type.
func (p Passenger) Normalize() Passenger {
	if p.IDTypeCode == "" {
		p.IDTypeCode = "1"
	}
	if p.PassengerType == "" {
		p.PassengerType = "1"
	}
	if p.TicketType == "" {
		p.TicketType = p.PassengerType
	}
	if p.Flag == "" {
		p.Flag = "0"
	}
	return p
}

// Key identifies a passenger across the stored task and the live roster.
func (p Passenger) Key() string { return p.Name + "\x00" + p.IDNo }

// Task is a standing request to obtain tickets for one trip.
type Task struct {
	ID     int64  `json:"id"`
	UserID string `json:"user_id"`
	Name   string `json:"name"`

	Trip        Trip        `json:"trip"`
	SeatClasses []string    `json:"seat_classes"`
	Passengers  []Passenger `json:"passengers"`

	QueryInterval       int  `json:"query_interval"` // seconds
	MaxRetryCount       int  `json:"max_retry_count"`
	AutoSubmit          bool `json:"auto_submit"`
	AllowScheduledStart bool `json:"allow_scheduled_start"`

	Status        Status `json:"status"`
	RetryCount    int    `json:"retry_count"`
	OrderID       string `json:"order_id,omitempty"`
	ResultMessage string `json:"result_message,omitempty"`

	CreatedAt  time.Time  `json:"created_at"`
	UpdatedAt  time.Time  `json:"updated_at"`
	StartedAt  *time.Time `json:"started_at,omitempty"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
}

// Validate checks the fields a task needs before it may run.
func (t *Task) Validate() error {
	var problems []string
	if strings.TrimSpace(t.UserID) == "" {
		problems = append(problems, "user id required")
	}
	if strings.TrimSpace(t.Trip.From) == "" || strings.TrimSpace(t.Trip.To) == "" {
		problems = append(problems, "origin and destination required")
	}
	if _, err := time.Parse(time.DateOnly, t.Trip.Date); err != nil {
		problems = append(problems, fmt.Sprintf("date %q: want YYYY-MM-DD", t.Trip.Date))
	}
	if len(t.SeatClasses) == 0 {
		problems = append(problems, "at least one seat class required")
	}
	for _, c := range t.SeatClasses {
		if !KnownSeat(c) {
			problems = append(problems, fmt.Sprintf("unknown seat class %q", c))
		}
	}
	if len(t.Passengers) == 0 {
		problems = append(problems, "at least one passenger required")
	}
	for i, p := range t.Passengers {
		if strings.TrimSpace(p.Name) == "" || strings.TrimSpace(p.IDNo) == "" {
			problems = append(problems, fmt.Sprintf("passenger %d: name and id number required", i+1))
		}
	}
	if t.Trip.DepartWindow != nil {
		if err := t.Trip.DepartWindow.Validate(); err != nil {
			problems = append(problems, err.Error())
		}
	}
	if len(problems) > 0 {
		return fmt.Errorf("%w: %s", ErrInvalidTask, strings.Join(problems, "; "))
	}
	return nil
}

// Start moves the task to RUNNING and resets the retry counter. RUNNING and
// SUCCESS tasks cannot be started.
func (t *Task) Start(now time.Time) error {
	switch t.Status {
	case StatusRunning, StatusSuccess:
		return fmt.Errorf("%w: start from %s", ErrInvalidTransition, t.Status)
	}
	t.Status = StatusRunning
	t.RetryCount = 0
	t.StartedAt = &now
	t.FinishedAt = nil
	t.ResultMessage = ""
	t.UpdatedAt = now
	return nil
}

// Stop pauses a running task.
func (t *Task) Stop(now time.Time) error {
	if t.Status != StatusRunning {
		return fmt.Errorf("%w: stop from %s", ErrInvalidTransition, t.Status)
	}
	t.Status = StatusPaused
	t.UpdatedAt = now
	return nil
}

// Cancel ends any task that has not succeeded.
func (t *Task) Cancel(now time.Time) error {
	if t.Status == StatusSuccess {
		return fmt.Errorf("%w: cancel from %s", ErrInvalidTransition, t.Status)
	}
	t.Status = StatusCancelled
	t.FinishedAt = &now
	t.UpdatedAt = now
	return nil
}

// Exhausted reports whether the retry budget is used up. A negative
// MaxRetryCount never exhausts.
func (t *Task) Exhausted() bool {
	return t.MaxRetryCount >= 0 && t.RetryCount >= t.MaxRetryCount
}

// BeginTick counts one polling round.
func (t *Task) BeginTick(now time.Time) {
	t.RetryCount++
	t.UpdatedAt = now
}

func (t *Task) Succeed(orderID, message string, now time.Time) {
	t.Status = StatusSuccess
	t.OrderID = orderID
	t.ResultMessage = message
	t.FinishedAt = &now
	t.UpdatedAt = now
}

func (t *Task) Fail(message string, now time.Time) {
	t.Status = StatusFailed
	t.ResultMessage = message
	t.FinishedAt = &now
	t.UpdatedAt = now
}

// ClampInterval bounds a polling interval in seconds to [lo, hi]; zero or
// negative values take def first.
func ClampInterval(v, lo, hi, def int) int {
	if v <= 0 {
		v = def
	}
	if v < lo {
		v = lo
	}
	if hi > 0 && v > hi {
		v = hi
	}
	return v
}

// TaskLog is one append-only event of a task.
type TaskLog struct {
	ID        int64     `json:"id"`
	TaskID    int64     `json:"task_id"`
	Level     Level     `json:"level"`
	Message   string    `json:"message"`
	Detail    string    `json:"detail,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// Credentials is the opaque cookie bag of a logged-in user.
type Credentials map[string]string

// Package purchase runs the order handshake for one train and seat class.
// It never touches task state; the caller decides what an Outcome means.
package purchase

import (
	"context"
	"errors"
	"strings"

	"ticketgrab/internal/railway"
	"ticketgrab/internal/ticket/model"
)

type FailureKind int

const (
	FailureNone FailureKind = iota
	FailureMissingSecret
	FailureRiskControl
	FailureNotAuthenticated
	FailureBusy
	FailureRoster
	FailureNoPassengers
	FailureRejected
	FailureTimeout
	FailureOther
)

func (k FailureKind) String() string {
	switch k {
	case FailureNone:
		return "none"
	case FailureMissingSecret:
		return "missing_secret"
	case FailureRiskControl:
		return "risk_control"
	case FailureNotAuthenticated:
		return "not_authenticated"
	case FailureBusy:
		return "busy"
	case FailureRoster:
		return "roster"
	case FailureNoPassengers:
		return "no_passengers"
	case FailureRejected:
		return "rejected"
	case FailureTimeout:
		return "timeout"
	default:
		return "other"
	}
}

// Authoritative failures mean retrying cannot help until the user acts.
func (k FailureKind) Authoritative() bool {
	return k == FailureRiskControl || k == FailureNotAuthenticated
}

// Step names the handshake stage an outcome stopped at.
type Step string

const (
	StepSubmit  Step = "submit"
	StepInit    Step = "init"
	StepRoster  Step = "roster"
	StepCheck   Step = "check"
	StepQueue   Step = "queue"
	StepConfirm Step = "confirm"
	StepWait    Step = "wait"
)

type Request struct {
	Service     railway.Train
	SeatClass   string
	Passengers  []model.Passenger
	Credentials model.Credentials
	ChooseSeats string
}

type Outcome struct {
	Success bool
	OrderID string
	Message string
	Failure FailureKind
	Step    Step

	TrainCode      string
	Departure      string
	Arrival        string
	SeatLabel      string
	PassengerNames []string
	// SkippedPassengers are target passengers missing from the account's
	// roster.
	SkippedPassengers []string
}

// Session is one cookie-carrying order conversation with the site.
type Session interface {
	SubmitIntent(ctx context.Context, t railway.Train) error
	Init(ctx context.Context) (railway.OrderToken, error)
	Passengers(ctx context.Context) ([]model.Passenger, error)
	CheckOrder(ctx context.Context, tok railway.OrderToken, pax []model.Passenger, seat string) error
	QueueCount(ctx context.Context, tok railway.OrderToken, seat string) (railway.QueueInfo, error)
	Confirm(ctx context.Context, tok railway.OrderToken, pax []model.Passenger, seat, chooseSeats string) error
	PollOrder(ctx context.Context, tok railway.OrderToken) (railway.WaitStatus, error)
}

// Gateway opens sessions for a credential bag.
type Gateway interface {
	Open(creds model.Credentials) (Session, error)
}

// ClientGateway adapts railway.Client.
type ClientGateway struct {
	Client *railway.Client
}

func (g ClientGateway) Open(creds model.Credentials) (Session, error) {
	s, err := g.Client.NewSession(creds)
	if err != nil {
		return nil, err
	}
	return s, nil
}

// classify maps a site error onto a failure kind.
func classify(err error) FailureKind {
	switch {
	case err == nil:
		return FailureNone
	case errors.Is(err, railway.ErrRiskControl):
		return FailureRiskControl
	case errors.Is(err, railway.ErrNotAuthenticated):
		return FailureNotAuthenticated
	case errors.Is(err, railway.ErrBusy):
		return FailureBusy
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return FailureOther
	}
	msg := err.Error()
	if strings.Contains(msg, "未登录") || strings.Contains(msg, "登录已过期") {
		return FailureNotAuthenticated
	}
	return FailureOther
}

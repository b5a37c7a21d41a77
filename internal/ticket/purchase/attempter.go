package purchase

import (
	"context"
	"fmt"
	"strings"
	"time"

	"ticketgrab/internal/ticket/model"
	logx "ticketgrab/pkg/logx"
)

const (
	DefaultWaitMax      = 60 * time.Second
	DefaultWaitInterval = time.Second
)

type Config struct {
	WaitMax      time.Duration
	WaitInterval time.Duration
}

type Attempter struct {
	gw  Gateway
	cfg Config
	log logx.Logger
}

func New(gw Gateway, cfg Config, log logx.Logger) *Attempter {
	if cfg.WaitMax <= 0 {
		cfg.WaitMax = DefaultWaitMax
	}
	if cfg.WaitInterval <= 0 {
		cfg.WaitInterval = DefaultWaitInterval
	}
	return &Attempter{gw: gw, cfg: cfg, log: log.Component("purchase")}
}

// Attempt runs the whole handshake and drains the queue wait.
func (a *Attempter) Attempt(ctx context.Context, req Request) Outcome {
	w, out := a.Place(ctx, req)
	if w == nil {
		return out
	}
	for ev, ok := w.Next(ctx); ok; ev, ok = w.Next(ctx) {
		if !ev.Done {
			a.log.Debug("order queued",
				logx.String("train", req.Service.Code),
				logx.Int("attempt", ev.Attempt),
				logx.Int("wait_time", ev.WaitTime),
				logx.Int("wait_count", ev.WaitCount),
			)
		}
	}
	return a.Finish(req, w)
}

// Place runs every step up to and including confirm. On success it returns
// a Waiter for the queue; otherwise the Waiter is nil and the Outcome says
// why.
func (a *Attempter) Place(ctx context.Context, req Request) (*Waiter, Outcome) {
	out := describe(req)
	fail := func(step Step, kind FailureKind, msg string) (*Waiter, Outcome) {
		out.Step, out.Failure, out.Message = step, kind, msg
		a.log.Debug("purchase step failed",
			logx.String("train", req.Service.Code),
			logx.String("step", string(step)),
			logx.String("kind", kind.String()),
			logx.String("msg", msg),
		)
		return nil, out
	}

	if strings.TrimSpace(req.Service.Secret) == "" {
		return fail(StepSubmit, FailureMissingSecret, "车次缺少下单凭据")
	}
	seat := model.OrderSeatCode(req.SeatClass)

	sess, err := a.gw.Open(req.Credentials)
	if err != nil {
		return fail(StepSubmit, FailureOther, err.Error())
	}

	if err := sess.SubmitIntent(ctx, req.Service); err != nil {
		return fail(StepSubmit, classify(err), "提交订单失败: "+err.Error())
	}

	tok, err := sess.Init(ctx)
	if err != nil {
		return fail(StepInit, classify(err), "初始化订单失败: "+err.Error())
	}

	roster, err := sess.Passengers(ctx)
	if err != nil {
		kind := classify(err)
		if kind == FailureOther {
			kind = FailureRoster
		}
		return fail(StepRoster, kind, "获取乘车人失败: "+err.Error())
	}
	pax, missing := MatchPassengers(roster, req.Passengers)
	for _, name := range missing {
		a.log.Warn("passenger not on account roster; skipped", logx.String("train", req.Service.Code), logx.String("passenger", name))
	}
	out.SkippedPassengers = missing
	if len(pax) == 0 {
		return fail(StepRoster, FailureNoPassengers, "未找到匹配的乘车人，请检查乘车人信息是否正确")
	}
	out.PassengerNames = names(pax)

	if err := sess.CheckOrder(ctx, tok, pax, seat); err != nil {
		return fail(StepCheck, rejected(err), "订单校验失败: "+err.Error())
	}

	if qi, err := sess.QueueCount(ctx, tok, seat); err != nil {
		a.log.Debug("queue count unavailable", logx.String("train", req.Service.Code), logx.Err(err))
	} else {
		a.log.Debug("queue count",
			logx.String("train", req.Service.Code),
			logx.Int("tickets", qi.Tickets),
			logx.Int("queue", qi.Queue),
		)
	}

	if err := sess.Confirm(ctx, tok, pax, seat, req.ChooseSeats); err != nil {
		return fail(StepConfirm, rejected(err), "确认订单失败: "+err.Error())
	}

	out.Step = StepWait
	w := newWaiter(sess, tok, a.cfg.WaitMax, a.cfg.WaitInterval)
	w.passengers = out.PassengerNames
	w.skipped = missing
	return w, out
}

// Finish turns a drained Waiter into the final Outcome.
func (a *Attempter) Finish(req Request, w *Waiter) Outcome {
	out := describe(req)
	out.Step = StepWait
	last := w.Last()
	out.Message = last.Message
	switch {
	case last.Success:
		out.Success = true
		out.OrderID = last.OrderID
	case last.Message == "等待超时":
		out.Failure = FailureTimeout
	case last.Err != nil:
		out.Failure = FailureOther
	default:
		out.Failure = FailureRejected
	}
	if names := w.passengers; len(names) > 0 {
		out.PassengerNames = names
	}
	out.SkippedPassengers = w.skipped
	return out
}

func rejected(err error) FailureKind {
	if k := classify(err); k != FailureOther {
		return k
	}
	return FailureRejected
}

func describe(req Request) Outcome {
	s := req.Service
	return Outcome{
		TrainCode:      s.Code,
		Departure:      strings.TrimSpace(s.Date + " " + s.DepartTime),
		Arrival:        s.ArriveTime,
		SeatLabel:      model.SeatLabel(req.SeatClass),
		PassengerNames: names(req.Passengers),
	}
}

// MatchPassengers picks roster entries matching targets by name and ID
// number, in roster order. A target's ticket type, or failing that its
// passenger type, overrides the roster's ticket type. Targets absent from
// the roster are returned by name in target order.
func MatchPassengers(roster, targets []model.Passenger) (matched []model.Passenger, missing []string) {
	want := make(map[string]model.Passenger, len(targets))
	for _, t := range targets {
		want[t.Key()] = t
	}
	seen := make(map[string]bool, len(targets))
	var out []model.Passenger
	for _, r := range roster {
		t, ok := want[r.Key()]
		if !ok || seen[r.Key()] {
			continue
		}
		seen[r.Key()] = true
		r = r.Normalize()
		switch {
		case t.TicketType != "":
			r.TicketType = t.TicketType
		case t.PassengerType != "":
			r.TicketType = t.PassengerType
		}
		out = append(out, r)
	}
	for _, t := range targets {
		if !seen[t.Key()] {
			missing = append(missing, t.Name)
			seen[t.Key()] = true
		}
	}
	return out, missing
}

func names(pax []model.Passenger) []string {
	out := make([]string, 0, len(pax))
	for _, p := range pax {
		out = append(out, p.Name)
	}
	return out
}

// Summary is a one-line description for logs and notifications.
func (o Outcome) Summary() string {
	if o.Success {
		return fmt.Sprintf("%s %s %s 订单号: %s", o.TrainCode, o.Departure, o.SeatLabel, o.OrderID)
	}
	return o.Message
}

package purchase

import (
	"context"
	"time"

	"ticketgrab/internal/railway"
)

// WaitEvent is one poll of the order queue. Done marks the last event.
type WaitEvent struct {
	Attempt   int
	WaitTime  int
	WaitCount int
	OrderID   string
	Message   string
	Done      bool
	Success   bool
	Err       error
}

// Waiter polls the order queue until an order id, a definitive refusal or
// the deadline. Use it as an iterator:
//
//	for ev, ok := w.Next(ctx); ok; ev, ok = w.Next(ctx) { ... }
type Waiter struct {
	sess     Session
	tok      railway.OrderToken
	interval time.Duration
	deadline time.Time

	attempt    int
	last       WaitEvent
	done       bool
	passengers []string
	skipped    []string
}

func newWaiter(sess Session, tok railway.OrderToken, max, interval time.Duration) *Waiter {
	return &Waiter{
		sess:     sess,
		tok:      tok,
		interval: interval,
		deadline: time.Now().Add(max),
	}
}

// Next performs one poll. It returns false once the previous event was Done.
func (w *Waiter) Next(ctx context.Context) (WaitEvent, bool) {
	if w.done {
		return WaitEvent{}, false
	}
	if w.attempt > 0 {
		t := time.NewTimer(w.interval)
		select {
		case <-ctx.Done():
			t.Stop()
			return w.finish(WaitEvent{Attempt: w.attempt, Message: "等待中断", Err: ctx.Err()}), true
		case <-t.C:
		}
	}
	if !time.Now().Before(w.deadline) {
		return w.finish(WaitEvent{Attempt: w.attempt, Message: "等待超时"}), true
	}
	w.attempt++
	ev := WaitEvent{Attempt: w.attempt}

	st, err := w.sess.PollOrder(ctx, w.tok)
	switch {
	case err != nil:
		ev.Err = err
		ev.Message = err.Error()
	case !st.Known:
	case st.OrderID != "":
		ev.OrderID = st.OrderID
		ev.Success = true
		ev.Message = "出票成功"
		return w.finish(ev), true
	case st.Rejected:
		ev.Message = st.Message
		return w.finish(ev), true
	case st.WaitTime == -1:
		ev.Message = st.Message
		if ev.Message == "" {
			ev.Message = "出票失败"
		}
		return w.finish(ev), true
	default:
		ev.WaitTime = st.WaitTime
		ev.WaitCount = st.WaitCount
	}
	w.last = ev
	return ev, true
}

func (w *Waiter) finish(ev WaitEvent) WaitEvent {
	ev.Done = true
	w.done = true
	w.last = ev
	return ev
}

// Last is the most recent event; after the loop it is the final one.
func (w *Waiter) Last() WaitEvent { return w.last }

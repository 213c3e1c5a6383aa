package materialize

import (
	"time"

	"github.com/iliyamo/gym-standing-booking/internal/model"
)

// Rejection is one occurrence that could not be booked.
type Rejection struct {
	SessionID uint64             `json:"sessionId"`
	Date      model.Date         `json:"date"`
	Reason    model.RejectReason `json:"reason"`
	Transient bool               `json:"transient,omitempty"` // timed out; the next run retries
}

// RuleReport is the outcome of materializing one standing rule.
type RuleReport struct {
	RuleID             uint64      `json:"ruleId"`
	PersonID           uint64      `json:"personId"`
	SessionsConsidered int         `json:"sessionsConsidered"`
	Created            int         `json:"created"`
	AlreadyExisted     int         `json:"alreadyExisted"`
	Skipped            int         `json:"skipped"`
	Rejected           []Rejection `json:"rejected"`
}

// Totals aggregates all rule reports of a run.
type Totals struct {
	Rules              int `json:"rules"`
	SessionsConsidered int `json:"sessionsConsidered"`
	Created            int `json:"created"`
	AlreadyExisted     int `json:"alreadyExisted"`
	Skipped            int `json:"skipped"`
	Rejected           int `json:"rejected"`
}

// Report is returned by every run, including failed ones, where it holds the
// progress made before the failure.
type Report struct {
	RunID       string       `json:"runId"`
	From        model.Date   `json:"from"`
	To          model.Date   `json:"to"`
	HorizonDays int          `json:"horizonDays"`
	StartedAt   time.Time    `json:"startedAt"`
	FinishedAt  time.Time    `json:"finishedAt"`
	Rules       []RuleReport `json:"rules"`
	Totals      Totals       `json:"totals"`
	Error       string       `json:"error,omitempty"`
}

func (r *Report) add(rr RuleReport) {
	r.Rules = append(r.Rules, rr)
	r.Totals.Rules++
	r.Totals.SessionsConsidered += rr.SessionsConsidered
	r.Totals.Created += rr.Created
	r.Totals.AlreadyExisted += rr.AlreadyExisted
	r.Totals.Skipped += rr.Skipped
	r.Totals.Rejected += len(rr.Rejected)
}

// RejectionCounts groups the rejections of a run by reason.
func (r *Report) RejectionCounts() map[model.RejectReason]int {
	out := map[model.RejectReason]int{}
	for _, rr := range r.Rules {
		for _, rej := range rr.Rejected {
			out[rej.Reason]++
		}
	}
	return out
}

func (rr *RuleReport) record(s *model.ClassSession, o outcome) {
	switch {
	case o.created:
		rr.Created++
	case o.reason == model.RejectAlreadyBooked:
		rr.AlreadyExisted++
	default:
		rr.Rejected = append(rr.Rejected, Rejection{
			SessionID: o.sessionID, Date: s.SessionDate, Reason: o.reason, Transient: o.transient,
		})
	}
}

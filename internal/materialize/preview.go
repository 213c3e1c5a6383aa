package materialize

import (
	"context"
	"time"

	"github.com/iliyamo/gym-standing-booking/internal/model"
)

// Preview outcomes.
const (
	PreviewWillCreate  = "will_create"
	PreviewExisting    = "existing"
	PreviewBlocked     = "blocked"
	PreviewSkipped     = "skipped"
	PreviewRescheduled = "rescheduled"
)

// PreviewEntry projects what a run would do on one occurrence date.
type PreviewEntry struct {
	Date         model.Date         `json:"date"`
	SessionID    *uint64            `json:"sessionId,omitempty"` // nil when the session is not generated yet
	Outcome      string             `json:"outcome"`
	Reason       model.RejectReason `json:"reason,omitempty"`
	NewSessionID *uint64            `json:"newSessionId,omitempty"`
}

type Preview struct {
	RuleID  uint64         `json:"ruleId"`
	Status  string         `json:"status"`
	From    model.Date     `json:"from"`
	To      model.Date     `json:"to"`
	Entries []PreviewEntry `json:"entries"`
}

// Preview reports, without writing anything, what materializing one rule
// over the horizon would do.  Paused and canceled rules are projected as if
// they were active; Status tells the caller which it is.
func (e *Engine) Preview(ctx context.Context, ruleID uint64, horizonDays int) (*Preview, error) {
	if horizonDays <= 0 {
		horizonDays = e.horizon
	}
	rule, err := e.rules.GetByID(ctx, ruleID)
	if err != nil {
		return nil, classify(err)
	}
	tpl, err := e.activeTemplate(ctx, rule.TemplateID)
	if err != nil {
		return nil, err
	}
	today := e.Today()
	p := &Preview{
		RuleID:  rule.ID,
		Status:  string(rule.Status),
		From:    model.MaxDate(today, rule.StartDate),
		To:      model.MinDate(today.AddDays(horizonDays), rule.EndDate),
		Entries: []PreviewEntry{},
	}
	if p.To.Before(p.From) {
		return p, nil
	}

	existing, err := e.catalog.ListByTemplate(ctx, tpl.ID, p.From, p.To)
	if err != nil {
		return nil, classify(err)
	}
	byDate := make(map[string]*model.ClassSession, len(existing))
	for _, s := range existing {
		byDate[s.SessionDate.String()] = s
	}

	now := e.now()
	for d := tpl.NextOccurrence(p.From); !d.After(p.To); d = d.AddDays(7) {
		entry := PreviewEntry{Date: d, Outcome: PreviewWillCreate}
		s := byDate[d.String()]
		if s != nil {
			entry.SessionID = &s.ID
		}

		ex, err := e.exceptions.ExceptionFor(ctx, rule.ID, d)
		if err != nil {
			return nil, classify(err)
		}
		switch {
		case ex != nil && ex.Action == model.ExceptionSkip:
			entry.Outcome = PreviewSkipped
		case ex != nil && ex.Action == model.ExceptionReschedule:
			entry.Outcome, entry.NewSessionID = PreviewRescheduled, ex.NewSessionID
		case s != nil:
			entry.Outcome, entry.Reason, err = e.project(ctx, s, rule, now)
			if err != nil {
				return nil, err
			}
		}
		p.Entries = append(p.Entries, entry)
	}
	return p, nil
}

// project evaluates the ledger checks for an existing session without
// writing.
func (e *Engine) project(ctx context.Context, s *model.ClassSession, rule *model.StandingBooking, now time.Time) (string, model.RejectReason, error) {
	if !s.Bookable(now) {
		return PreviewBlocked, model.RejectSessionNotBookable, nil
	}
	facts, err := e.ledger.ListBySession(ctx, s.ID)
	if err != nil {
		return "", "", classify(err)
	}
	occupied := 0
	seatTaken := false
	for _, f := range facts {
		if f.PersonID == rule.PersonID {
			return PreviewExisting, "", nil
		}
		if !f.Status.Occupies() {
			continue
		}
		occupied++
		if rule.SeatID != nil && f.SeatID != nil && *f.SeatID == *rule.SeatID {
			seatTaken = true
		}
	}
	switch {
	case seatTaken:
		return PreviewBlocked, model.RejectSeatTaken, nil
	case occupied >= s.Capacity:
		return PreviewBlocked, model.RejectSessionFull, nil
	}
	return PreviewWillCreate, "", nil
}

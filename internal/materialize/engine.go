// Package materialize expands standing bookings into reservations on
// concrete sessions.  A run is idempotent: it only ever adds facts, and a
// fact that already exists for (session, person) counts as satisfied.
package materialize

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/iliyamo/gym-standing-booking/internal/database"
	"github.com/iliyamo/gym-standing-booking/internal/logging"
	"github.com/iliyamo/gym-standing-booking/internal/model"
	"github.com/iliyamo/gym-standing-booking/internal/repository"
)

// Templates resolves the template a rule binds to.
type Templates interface {
	GetByID(ctx context.Context, id uint64) (*model.ClassTemplate, error)
}

// Catalog is the session catalog.
type Catalog interface {
	EnsureSessions(ctx context.Context, tpl *model.ClassTemplate, from, to model.Date) ([]*model.ClassSession, error)
	GetByID(ctx context.Context, id uint64) (*model.ClassSession, error)
	ListByTemplate(ctx context.Context, templateID uint64, from, to model.Date) ([]*model.ClassSession, error)
}

// Ledger is the reservation ledger.
type Ledger interface {
	TryReserve(ctx context.Context, req repository.ReserveRequest) (repository.ReserveResult, error)
	FindFact(ctx context.Context, sessionID, personID uint64) (*model.Reservation, error)
	ListBySession(ctx context.Context, sessionID uint64) ([]*model.Reservation, error)
}

// Rules is the standing rule store.
type Rules interface {
	GetByID(ctx context.Context, id uint64) (*model.StandingBooking, error)
	ListActive(ctx context.Context, f repository.StandingFilter, from, to model.Date) ([]*model.StandingBooking, error)
}

// Exceptions is the exception store.
type Exceptions interface {
	ExceptionFor(ctx context.Context, ruleID uint64, d model.Date) (*model.StandingException, error)
}

// RuleSelector picks the rules of a run.  Only active rules whose window
// overlaps the horizon are ever considered; the caller is responsible for
// excluding rules of inactive subscriptions.
type RuleSelector struct {
	RuleIDs        []uint64 `json:"ruleIds,omitempty"`
	SubscriptionID uint64   `json:"subscriptionId,omitempty"`
	TemplateID     uint64   `json:"templateId,omitempty"`
	PersonID       uint64   `json:"personId,omitempty"`

	// ReviveCanceled re-books occurrences whose standing reservation was
	// canceled by a policy, e.g. after a paused rule is resumed.  Facts the
	// person or a session cancellation withdrew are never revived; without
	// the flag every canceled fact counts as satisfied.
	ReviveCanceled bool `json:"reviveCanceled,omitempty"`
}

func (s RuleSelector) filter() repository.StandingFilter {
	return repository.StandingFilter{
		IDs:            s.RuleIDs,
		SubscriptionID: s.SubscriptionID,
		TemplateID:     s.TemplateID,
		PersonID:       s.PersonID,
	}
}

// Options tune an Engine.  Zero values get defaults.
type Options struct {
	Location           *time.Location
	DefaultHorizonDays int
	ReserveTimeout     time.Duration
	Now                func() time.Time
}

type Engine struct {
	templates  Templates
	catalog    Catalog
	ledger     Ledger
	rules      Rules
	exceptions Exceptions

	loc            *time.Location
	horizon        int
	reserveTimeout time.Duration
	now            func() time.Time
}

func New(templates Templates, catalog Catalog, ledger Ledger, rules Rules, exceptions Exceptions, opts Options) *Engine {
	e := &Engine{
		templates:      templates,
		catalog:        catalog,
		ledger:         ledger,
		rules:          rules,
		exceptions:     exceptions,
		loc:            opts.Location,
		horizon:        opts.DefaultHorizonDays,
		reserveTimeout: opts.ReserveTimeout,
		now:            opts.Now,
	}
	if e.loc == nil {
		e.loc = time.UTC
	}
	if e.horizon <= 0 {
		e.horizon = 56
	}
	if e.reserveTimeout <= 0 {
		e.reserveTimeout = 3 * time.Second
	}
	if e.now == nil {
		e.now = time.Now
	}
	return e
}

// Today is the current calendar date in the venue zone.
func (e *Engine) Today() model.Date { return model.DateOf(e.now(), e.loc) }

// DefaultHorizon is used when a caller passes horizonDays <= 0.
func (e *Engine) DefaultHorizon() int { return e.horizon }

func (e *Engine) newReport(horizonDays int) *Report {
	today := e.Today()
	return &Report{
		RunID:       uuid.NewString(),
		From:        today,
		To:          today.AddDays(horizonDays),
		HorizonDays: horizonDays,
		StartedAt:   e.now().UTC(),
		Rules:       []RuleReport{},
	}
}

// Materialize runs every selected active rule over [today, today+horizon].
// Rejections are collected in the report.  A structural failure (template
// missing or inactive, store unavailable) or cancellation of ctx stops the
// run and is returned together with the partial report.
func (e *Engine) Materialize(ctx context.Context, sel RuleSelector, horizonDays int) (*Report, error) {
	if horizonDays <= 0 {
		horizonDays = e.horizon
	}
	rep := e.newReport(horizonDays)
	logger := logging.FromContext(ctx).With().Str("run_id", rep.RunID).Logger()

	rules, err := e.rules.ListActive(ctx, sel.filter(), rep.From, rep.To)
	if err != nil {
		return e.finish(rep, fmt.Errorf("select rules: %w", classify(err)))
	}
	for _, rule := range rules {
		if err := ctx.Err(); err != nil {
			return e.finish(rep, err)
		}
		rr, err := e.materializeRule(ctx, rule, rep.From, rep.To, sel.ReviveCanceled)
		rep.add(rr)
		logger.Debug().
			Uint64("rule_id", rule.ID).
			Int("considered", rr.SessionsConsidered).
			Int("created", rr.Created).
			Int("existing", rr.AlreadyExisted).
			Int("skipped", rr.Skipped).
			Int("rejected", len(rr.Rejected)).
			Msg("rule materialized")
		if err != nil {
			return e.finish(rep, fmt.Errorf("rule %d: %w", rule.ID, err))
		}
	}

	logger.Info().
		Int("rules", rep.Totals.Rules).
		Int("created", rep.Totals.Created).
		Int("rejected", rep.Totals.Rejected).
		Msg("materialization finished")
	return e.finish(rep, nil)
}

func (e *Engine) finish(rep *Report, err error) (*Report, error) {
	rep.FinishedAt = e.now().UTC()
	if err != nil {
		rep.Error = err.Error()
	}
	return rep, err
}

func (e *Engine) activeTemplate(ctx context.Context, id uint64) (*model.ClassTemplate, error) {
	tpl, err := e.templates.GetByID(ctx, id)
	if errors.Is(err, repository.ErrTemplateNotFound) {
		return nil, fmt.Errorf("%w: template %d not found", repository.ErrInvalidTemplate, id)
	}
	if err != nil {
		return nil, classify(err)
	}
	if !tpl.IsActive {
		return nil, fmt.Errorf("%w: template %d is inactive", repository.ErrInvalidTemplate, id)
	}
	return tpl, nil
}

func (e *Engine) materializeRule(ctx context.Context, rule *model.StandingBooking, today, horizonEnd model.Date, revive bool) (RuleReport, error) {
	rr := RuleReport{RuleID: rule.ID, PersonID: rule.PersonID, Rejected: []Rejection{}}

	tpl, err := e.activeTemplate(ctx, rule.TemplateID)
	if err != nil {
		return rr, err
	}
	from := model.MaxDate(today, rule.StartDate)
	to := model.MinDate(horizonEnd, rule.EndDate)
	if to.Before(from) {
		return rr, nil
	}
	sessions, err := e.catalog.EnsureSessions(ctx, tpl, from, to)
	if err != nil {
		return rr, classify(err)
	}
	now := e.now()
	for _, s := range sessions {
		// Today's sessions that already started can no longer be booked.
		if !s.StartAt.After(now) {
			continue
		}
		rr.SessionsConsidered++
		if err := e.occurrence(ctx, rule, s, &rr, revive); err != nil {
			return rr, err
		}
	}
	return rr, nil
}

// occurrence books one session of a rule, honoring its exception.
func (e *Engine) occurrence(ctx context.Context, rule *model.StandingBooking, s *model.ClassSession, rr *RuleReport, revive bool) error {
	ex, err := e.exceptions.ExceptionFor(ctx, rule.ID, s.SessionDate)
	if err != nil {
		return classify(err)
	}
	if ex != nil && ex.Action == model.ExceptionSkip {
		rr.Skipped++
		return nil
	}

	target, seat, source := s, rule.SeatID, model.SourceStanding
	if ex != nil && ex.Action == model.ExceptionReschedule {
		source = model.SourceOverride
		if ex.NewSessionID == nil {
			rr.record(s, outcome{sessionID: s.ID, reason: model.RejectSessionNotBookable})
			return nil
		}
		target, err = e.catalog.GetByID(ctx, *ex.NewSessionID)
		if errors.Is(err, repository.ErrSessionNotFound) {
			rr.record(s, outcome{sessionID: *ex.NewSessionID, reason: model.RejectSessionNotBookable})
			return nil
		}
		if err != nil {
			return classify(err)
		}
		// The rule's seat only makes sense in the venue it belongs to.
		if target.VenueID != s.VenueID {
			seat = nil
		}
	}

	o, err := e.reserve(ctx, target, rule.PersonID, seat, source, revive)
	if err != nil {
		return err
	}
	rr.record(s, o)
	return nil
}

type outcome struct {
	sessionID uint64
	created   bool
	reason    model.RejectReason
	transient bool
}

// reserve makes one bounded attempt.  Expiry of the per-attempt timeout is a
// transient rejection; expiry of the caller's ctx is an error.
func (e *Engine) reserve(ctx context.Context, s *model.ClassSession, personID uint64, seat *uint64, source model.Source, revive bool) (outcome, error) {
	rctx, cancel := context.WithTimeout(ctx, e.reserveTimeout)
	defer cancel()

	o := outcome{sessionID: s.ID}
	existing, err := e.ledger.FindFact(rctx, s.ID, personID)
	if err == nil && existing != nil {
		reusable := revive && existing.Status == model.ReservationCanceled &&
			existing.Source == model.SourceStanding && existing.CanceledBy == model.CanceledByPolicy
		if !reusable {
			o.reason = model.RejectAlreadyBooked
			return o, nil
		}
	}
	if err == nil {
		var res repository.ReserveResult
		res, err = e.ledger.TryReserve(rctx, repository.ReserveRequest{
			SessionID: s.ID, PersonID: personID, SeatID: seat, Source: source,
		})
		if err == nil {
			o.created, o.reason = res.Created(), res.Rejection
			return o, nil
		}
	}

	if ctx.Err() != nil {
		return o, ctx.Err()
	}
	if errors.Is(err, context.DeadlineExceeded) {
		o.reason, o.transient = model.RejectSessionNotBookable, true
		return o, nil
	}
	return o, classify(err)
}

// classify makes sure connectivity failures carry ErrStoreUnavailable.
func classify(err error) error {
	if err == nil || errors.Is(err, repository.ErrStoreUnavailable) || !database.IsUnavailable(err) {
		return err
	}
	return fmt.Errorf("%w: %w", repository.ErrStoreUnavailable, err)
}

// MaterializeSession books every active rule of the session's template whose
// window covers the session date.  It is used right after a templated
// session is created outside a regular run.
func (e *Engine) MaterializeSession(ctx context.Context, sessionID uint64) (*Report, error) {
	rep := e.newReport(0)
	s, err := e.catalog.GetByID(ctx, sessionID)
	if err != nil {
		return e.finish(rep, classify(err))
	}
	rep.From, rep.To = s.SessionDate, s.SessionDate
	if s.TemplateID == nil {
		return e.finish(rep, nil)
	}
	if _, err := e.activeTemplate(ctx, *s.TemplateID); err != nil {
		return e.finish(rep, err)
	}
	rules, err := e.rules.ListActive(ctx, repository.StandingFilter{TemplateID: *s.TemplateID}, s.SessionDate, s.SessionDate)
	if err != nil {
		return e.finish(rep, classify(err))
	}
	for _, rule := range rules {
		if err := ctx.Err(); err != nil {
			return e.finish(rep, err)
		}
		rr := RuleReport{RuleID: rule.ID, PersonID: rule.PersonID, SessionsConsidered: 1, Rejected: []Rejection{}}
		err := e.occurrence(ctx, rule, s, &rr, false)
		rep.add(rr)
		if err != nil {
			return e.finish(rep, fmt.Errorf("rule %d: %w", rule.ID, err))
		}
	}
	return e.finish(rep, nil)
}

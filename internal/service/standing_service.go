// Package service applies subscription lifecycle policy on top of the
// standing rule store, the reservation ledger and the materialization
// engine, and announces finished runs on the broker.
package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/iliyamo/gym-standing-booking/internal/logging"
	"github.com/iliyamo/gym-standing-booking/internal/materialize"
	"github.com/iliyamo/gym-standing-booking/internal/model"
	"github.com/iliyamo/gym-standing-booking/internal/queue"
	"github.com/iliyamo/gym-standing-booking/internal/repository"
)

// Run triggers, carried in the materialized event.
const (
	TriggerManual     = "manual"
	TriggerScheduled  = "scheduled"
	TriggerEnroll     = "enroll"
	TriggerRenew      = "renew"
	TriggerResume     = "resume"
	TriggerSlotChange = "slot_change"
	TriggerWindow     = "window"
	TriggerSession    = "session"
)

// Policy decides what happens to reservations that were already
// materialized when a rule changes.
type Policy struct {
	// RetroCancel: pausing or canceling a rule cancels its future
	// standing reservations.
	RetroCancel bool
	// CancelPriorSlot: moving a rule to another slot cancels the future
	// standing reservations of the old slot.
	CancelPriorSlot bool
}

type StandingService struct {
	templates  *repository.TemplateRepo
	sessions   *repository.SessionRepo
	ledger     *repository.ReservationRepo
	rules      *repository.StandingRepo
	exceptions *repository.ExceptionRepo
	engine     *materialize.Engine
	publisher  Publisher
	policy     Policy
	now        func() time.Time
}

func NewStandingService(
	templates *repository.TemplateRepo,
	sessions *repository.SessionRepo,
	ledger *repository.ReservationRepo,
	rules *repository.StandingRepo,
	exceptions *repository.ExceptionRepo,
	engine *materialize.Engine,
	publisher Publisher,
	policy Policy,
) *StandingService {
	if publisher == nil {
		publisher = NopPublisher{}
	}
	return &StandingService{
		templates:  templates,
		sessions:   sessions,
		ledger:     ledger,
		rules:      rules,
		exceptions: exceptions,
		engine:     engine,
		publisher:  publisher,
		policy:     policy,
		now:        time.Now,
	}
}

// WithClock overrides the time source used for "future" cut-offs.
func (s *StandingService) WithClock(now func() time.Time) *StandingService {
	s.now = now
	return s
}

// RuleChange is the result of a rule-level operation.  Report is set when
// the operation ran the engine; a failed run is described by Report.Error
// and does not undo the change.
type RuleChange struct {
	Rule     *model.StandingBooking `json:"rule"`
	Replaced *model.StandingBooking `json:"replaced,omitempty"`
	Canceled int                    `json:"canceledReservations"`
	Report   *materialize.Report    `json:"report,omitempty"`
}

// Materialize runs the engine and publishes the run summary.
func (s *StandingService) Materialize(ctx context.Context, sel materialize.RuleSelector, horizonDays int, trigger string) (*materialize.Report, error) {
	rep, err := s.engine.Materialize(ctx, sel, horizonDays)
	s.publish(ctx, rep, trigger)
	return rep, err
}

// MaterializeSession books the active rules of a freshly created templated
// session.
func (s *StandingService) MaterializeSession(ctx context.Context, sessionID uint64) (*materialize.Report, error) {
	rep, err := s.engine.MaterializeSession(ctx, sessionID)
	s.publish(ctx, rep, TriggerSession)
	return rep, err
}

// Preview projects a rule over the horizon without writing anything.
func (s *StandingService) Preview(ctx context.Context, ruleID uint64, horizonDays int) (*materialize.Preview, error) {
	return s.engine.Preview(ctx, ruleID, horizonDays)
}

func (s *StandingService) publish(ctx context.Context, rep *materialize.Report, trigger string) {
	if rep == nil {
		return
	}
	ev := MaterializedEventFrom(rep, trigger)
	if err := s.publisher.PublishMaterialized(context.WithoutCancel(ctx), ev); err != nil {
		logging.FromContext(ctx).Warn().Err(err).Str("run_id", rep.RunID).Msg("publish materialized event failed")
	}
}

// materializeAfter runs the engine for rules that were just changed.  The
// change itself has been committed, so a failed run is only logged; the
// next scheduled run picks the rules up again.
func (s *StandingService) materializeAfter(ctx context.Context, sel materialize.RuleSelector, trigger string) *materialize.Report {
	rep, err := s.Materialize(ctx, sel, 0, trigger)
	if err != nil {
		logging.FromContext(ctx).Warn().Err(err).Uints64("rule_ids", sel.RuleIDs).Msg("materialization after change failed")
	}
	return rep
}

// cancelStandingFacts cancels the rule's future standing reservations
// within [from, to].
func (s *StandingService) cancelStandingFacts(ctx context.Context, rule *model.StandingBooking, from, to model.Date) (int, error) {
	return s.ledger.CancelFuture(ctx, repository.FutureFilter{
		PersonID:   rule.PersonID,
		TemplateID: rule.TemplateID,
		Source:     model.SourceStanding,
		After:      s.now(),
		From:       from,
		To:         to,
	})
}

// EnrollInput creates a standing booking for a fixed-schedule subscription.
type EnrollInput struct {
	PersonID       uint64     `json:"personId" validate:"required"`
	SubscriptionID uint64     `json:"subscriptionId" validate:"required"`
	TemplateID     uint64     `json:"templateId" validate:"required"`
	SeatID         *uint64    `json:"seatId,omitempty"`
	StartDate      model.Date `json:"startDate"`
	EndDate        model.Date `json:"endDate"`
}

// Enroll creates the rule and materializes it right away.
func (s *StandingService) Enroll(ctx context.Context, in EnrollInput) (*RuleChange, error) {
	rule := &model.StandingBooking{
		PersonID:       in.PersonID,
		SubscriptionID: in.SubscriptionID,
		TemplateID:     in.TemplateID,
		SeatID:         in.SeatID,
		StartDate:      in.StartDate,
		EndDate:        in.EndDate,
	}
	if err := s.rules.Create(ctx, rule); err != nil {
		return nil, err
	}
	logging.FromContext(ctx).Info().
		Uint64("rule_id", rule.ID).
		Uint64("person_id", rule.PersonID).
		Uint64("subscription_id", rule.SubscriptionID).
		Msg("standing booking created")
	rep := s.materializeAfter(ctx, materialize.RuleSelector{RuleIDs: []uint64{rule.ID}}, TriggerEnroll)
	return &RuleChange{Rule: rule, Report: rep}, nil
}

// RenewInput moves a rule to a new subscription.  TemplateID switches the
// slot (SeatID then names the new seat, or none); otherwise the template is
// kept and SeatID, when set, replaces the seat.
type RenewInput struct {
	SubscriptionID uint64     `json:"subscriptionId" validate:"required"`
	StartDate      model.Date `json:"startDate"`
	EndDate        model.Date `json:"endDate"`
	TemplateID     uint64     `json:"templateId,omitempty"`
	SeatID         *uint64    `json:"seatId,omitempty"`
}

// RenewRule replaces one rule by a rule on the new subscription.  The new
// window starts on the first occurrence of the template on or after
// StartDate.  Renewing on the same subscription only moves the window.
func (s *StandingService) RenewRule(ctx context.Context, ruleID uint64, in RenewInput) (*RuleChange, error) {
	next, old, err := s.renew(ctx, ruleID, in)
	if err != nil {
		return nil, err
	}
	rep := s.materializeAfter(ctx, materialize.RuleSelector{RuleIDs: []uint64{next.ID}}, TriggerRenew)
	return &RuleChange{Rule: next, Replaced: old, Report: rep}, nil
}

func (s *StandingService) renew(ctx context.Context, ruleID uint64, in RenewInput) (next, old *model.StandingBooking, err error) {
	old, err = s.rules.GetByID(ctx, ruleID)
	if err != nil {
		return nil, nil, err
	}
	if in.SubscriptionID == old.SubscriptionID && in.TemplateID == 0 && in.SeatID == nil {
		next, err = s.rules.SetWindow(ctx, old.ID, old.StartDate, in.EndDate)
		return next, nil, err
	}

	templateID, seat := old.TemplateID, old.SeatID
	if in.TemplateID != 0 {
		templateID, seat = in.TemplateID, in.SeatID
	} else if in.SeatID != nil {
		seat = in.SeatID
	}
	tpl, err := s.templates.GetByID(ctx, templateID)
	if errors.Is(err, repository.ErrTemplateNotFound) {
		return nil, nil, fmt.Errorf("%w: template %d not found", repository.ErrInvalidTemplate, templateID)
	}
	if err != nil {
		return nil, nil, err
	}
	if in.StartDate.IsZero() || in.EndDate.IsZero() {
		return nil, nil, repository.ErrInvalidWindow
	}
	start := tpl.NextOccurrence(in.StartDate)
	if start.After(in.EndDate) {
		return nil, nil, fmt.Errorf("%w: no %s between %s and %s",
			repository.ErrInvalidWindow, time.Weekday(tpl.Weekday), in.StartDate, in.EndDate)
	}
	next = &model.StandingBooking{
		PersonID:       old.PersonID,
		SubscriptionID: in.SubscriptionID,
		TemplateID:     templateID,
		SeatID:         seat,
		StartDate:      start,
		EndDate:        in.EndDate,
	}
	old, err = s.rules.Supersede(ctx, old.ID, next)
	if err != nil {
		return nil, nil, err
	}
	logging.FromContext(ctx).Info().
		Uint64("rule_id", next.ID).
		Uint64("replaced_rule_id", old.ID).
		Uint64("subscription_id", next.SubscriptionID).
		Msg("standing booking renewed")
	return next, old, nil
}

// RenewSubscription renews every rule of previousSubscriptionID onto the
// new subscription and materializes the new rules in one run.
func (s *StandingService) RenewSubscription(ctx context.Context, previousSubscriptionID uint64, in RenewInput) ([]*RuleChange, *materialize.Report, error) {
	rules, err := s.rules.List(ctx, repository.StandingFilter{SubscriptionID: previousSubscriptionID})
	if err != nil {
		return nil, nil, err
	}
	var (
		changes []*RuleChange
		ids     []uint64
	)
	for _, r := range rules {
		if r.Status == model.StandingCanceled {
			continue
		}
		next, old, err := s.renew(ctx, r.ID, in)
		if err != nil {
			return changes, nil, fmt.Errorf("renew rule %d: %w", r.ID, err)
		}
		changes = append(changes, &RuleChange{Rule: next, Replaced: old})
		ids = append(ids, next.ID)
	}
	if len(ids) == 0 {
		return changes, nil, nil
	}
	rep := s.materializeAfter(ctx, materialize.RuleSelector{RuleIDs: ids}, TriggerRenew)
	return changes, rep, nil
}

// SubscriptionChange is the result of canceling a subscription.
type SubscriptionChange struct {
	Rules    []*model.StandingBooking `json:"rules"`
	Canceled int                      `json:"canceledReservations"`
}

// CancelSubscription cancels every rule of the subscription.  With
// RetroCancel their future standing reservations go too.
func (s *StandingService) CancelSubscription(ctx context.Context, subscriptionID uint64) (*SubscriptionChange, error) {
	rules, err := s.rules.CancelBySubscription(ctx, subscriptionID)
	out := &SubscriptionChange{Rules: rules}
	if err != nil {
		return out, err
	}
	if s.policy.RetroCancel {
		for _, r := range rules {
			n, err := s.cancelStandingFacts(ctx, r, r.StartDate, r.EndDate)
			if err != nil {
				return out, err
			}
			out.Canceled += n
		}
	}
	logging.FromContext(ctx).Info().
		Uint64("subscription_id", subscriptionID).
		Int("rules", len(rules)).
		Int("canceled_reservations", out.Canceled).
		Msg("subscription canceled")
	return out, nil
}

// SetLifecycle pauses, resumes or cancels a rule.  Resuming materializes
// the rule; under RetroCancel it also revives the reservations that the
// pause canceled, but not the ones the person canceled.
func (s *StandingService) SetLifecycle(ctx context.Context, ruleID uint64, status model.StandingStatus) (*RuleChange, error) {
	rule, err := s.rules.SetLifecycle(ctx, ruleID, status)
	if err != nil {
		return nil, err
	}
	change := &RuleChange{Rule: rule}
	switch status {
	case model.StandingPaused, model.StandingCanceled:
		if s.policy.RetroCancel {
			if change.Canceled, err = s.cancelStandingFacts(ctx, rule, rule.StartDate, rule.EndDate); err != nil {
				return change, err
			}
		}
	case model.StandingActive:
		change.Report = s.materializeAfter(ctx, materialize.RuleSelector{
			RuleIDs:        []uint64{rule.ID},
			ReviveCanceled: s.policy.RetroCancel,
		}, TriggerResume)
	}
	return change, nil
}

// ChangeSlot moves a rule to another template and/or seat.  Under
// CancelPriorSlot the old slot's future standing reservations are canceled
// and the rule is re-materialized with revival, so the new seat replaces
// the old one on unchanged dates.  Occurrences the person canceled stay
// canceled.
func (s *StandingService) ChangeSlot(ctx context.Context, ruleID, templateID uint64, seatID *uint64) (*RuleChange, error) {
	before, after, err := s.rules.ChangeSlot(ctx, ruleID, templateID, seatID)
	if err != nil {
		return nil, err
	}
	change := &RuleChange{Rule: after}
	if s.policy.CancelPriorSlot {
		if change.Canceled, err = s.cancelStandingFacts(ctx, before, before.StartDate, before.EndDate); err != nil {
			return change, err
		}
	}
	if after.Status == model.StandingActive {
		change.Report = s.materializeAfter(ctx, materialize.RuleSelector{
			RuleIDs:        []uint64{after.ID},
			ReviveCanceled: s.policy.CancelPriorSlot,
		}, TriggerSlotChange)
	}
	return change, nil
}

// SetWindow moves the validity window of a rule.  Under RetroCancel,
// standing reservations that fall outside the new window are canceled.
func (s *StandingService) SetWindow(ctx context.Context, ruleID uint64, start, end model.Date) (*RuleChange, error) {
	rule, err := s.rules.SetWindow(ctx, ruleID, start, end)
	if err != nil {
		return nil, err
	}
	change := &RuleChange{Rule: rule}
	if s.policy.RetroCancel {
		before, err := s.cancelStandingFacts(ctx, rule, model.Date{}, start.AddDays(-1))
		if err != nil {
			return change, err
		}
		after, err := s.cancelStandingFacts(ctx, rule, end.AddDays(1), model.Date{})
		if err != nil {
			return change, err
		}
		change.Canceled = before + after
	}
	if rule.Status == model.StandingActive {
		change.Report = s.materializeAfter(ctx, materialize.RuleSelector{RuleIDs: []uint64{rule.ID}}, TriggerWindow)
	}
	return change, nil
}

// OccurrenceChange is the result of a skip or reschedule.
type OccurrenceChange struct {
	Exception        *model.StandingException  `json:"exception"`
	CanceledOriginal bool                      `json:"canceledOriginal"`
	Override         *repository.ReserveResult `json:"override,omitempty"`
}

// occurrenceRule loads the rule and checks that it has an occurrence on d.
func (s *StandingService) occurrenceRule(ctx context.Context, ruleID uint64, d model.Date) (*model.StandingBooking, *model.ClassTemplate, error) {
	rule, err := s.rules.GetByID(ctx, ruleID)
	if err != nil {
		return nil, nil, err
	}
	if rule.Status == model.StandingCanceled {
		return nil, nil, fmt.Errorf("%w: standing booking %d is canceled", repository.ErrExceptionInvalid, rule.ID)
	}
	if !rule.Covers(d) {
		return nil, nil, fmt.Errorf("%w: %s is outside the booking window", repository.ErrExceptionInvalid, d)
	}
	tpl, err := s.templates.GetByID(ctx, rule.TemplateID)
	if err != nil {
		return nil, nil, err
	}
	if !tpl.OccursOn(d) {
		return nil, nil, fmt.Errorf("%w: %s is not a %s", repository.ErrExceptionInvalid, d, time.Weekday(tpl.Weekday))
	}
	return rule, tpl, nil
}

// cancelOriginal cancels the standing reservation of the rule's own
// session on d, if it exists and has not started.
func (s *StandingService) cancelOriginal(ctx context.Context, rule *model.StandingBooking, d model.Date) (*model.ClassSession, bool, error) {
	sess, err := s.sessions.GetByTemplateDate(ctx, rule.TemplateID, d)
	if errors.Is(err, repository.ErrSessionNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	fact, err := s.ledger.FindFact(ctx, sess.ID, rule.PersonID)
	if err != nil || fact == nil {
		return sess, false, err
	}
	if fact.Source != model.SourceStanding || fact.Status != model.ReservationReserved || !sess.StartAt.After(s.now()) {
		return sess, false, nil
	}
	if _, err := s.ledger.Cancel(ctx, fact.ID); err != nil {
		return sess, false, err
	}
	return sess, true, nil
}

// SkipOccurrence records a skip for d and cancels that day's standing
// reservation.
func (s *StandingService) SkipOccurrence(ctx context.Context, ruleID uint64, d model.Date, notes *string) (*OccurrenceChange, error) {
	rule, _, err := s.occurrenceRule(ctx, ruleID, d)
	if err != nil {
		return nil, err
	}
	ex := &model.StandingException{
		StandingBookingID: rule.ID,
		SessionDate:       d,
		Action:            model.ExceptionSkip,
		Notes:             notes,
	}
	if err := s.exceptions.Record(ctx, ex); err != nil {
		return nil, err
	}
	_, canceled, err := s.cancelOriginal(ctx, rule, d)
	if err != nil {
		return nil, err
	}
	return &OccurrenceChange{Exception: ex, CanceledOriginal: canceled}, nil
}

// RescheduleOccurrence records a reschedule of d to newSessionID, cancels
// the original reservation and books the replacement as an override.  The
// rule's seat is kept when the replacement is in the same venue.
func (s *StandingService) RescheduleOccurrence(ctx context.Context, ruleID uint64, d model.Date, newSessionID uint64, notes *string) (*OccurrenceChange, error) {
	rule, tpl, err := s.occurrenceRule(ctx, ruleID, d)
	if err != nil {
		return nil, err
	}
	ex := &model.StandingException{
		StandingBookingID: rule.ID,
		SessionDate:       d,
		Action:            model.ExceptionReschedule,
		NewSessionID:      &newSessionID,
		Notes:             notes,
	}
	if err := s.exceptions.Record(ctx, ex); err != nil {
		return nil, err
	}
	_, canceled, err := s.cancelOriginal(ctx, rule, d)
	if err != nil {
		return nil, err
	}
	target, err := s.sessions.GetByID(ctx, newSessionID)
	if err != nil {
		return nil, err
	}
	seat := rule.SeatID
	if target.VenueID != tpl.VenueID {
		seat = nil
	}
	res, err := s.ledger.TryReserve(ctx, repository.ReserveRequest{
		SessionID: target.ID,
		PersonID:  rule.PersonID,
		SeatID:    seat,
		Source:    model.SourceOverride,
	})
	if err != nil {
		return nil, err
	}
	return &OccurrenceChange{Exception: ex, CanceledOriginal: canceled, Override: &res}, nil
}

// HandleSubscriptionEvent applies one subscription lifecycle event.
func (s *StandingService) HandleSubscriptionEvent(ctx context.Context, ev queue.SubscriptionEvent) error {
	logger := logging.FromContext(ctx).With().
		Str("event_type", ev.Type).
		Uint64("subscription_id", ev.SubscriptionID).
		Logger()

	switch ev.Type {
	case queue.SubscriptionCreated:
		if ev.TemplateID == 0 {
			logger.Debug().Msg("subscription without fixed slot; ignored")
			return nil
		}
		_, err := s.Enroll(ctx, EnrollInput{
			PersonID:       ev.PersonID,
			SubscriptionID: ev.SubscriptionID,
			TemplateID:     ev.TemplateID,
			SeatID:         ev.SeatID,
			StartDate:      ev.StartDate,
			EndDate:        ev.EndDate,
		})
		if errors.Is(err, repository.ErrActiveRuleExists) {
			logger.Info().Msg("standing booking already exists; duplicate event")
			return nil
		}
		return err

	case queue.SubscriptionRenewed:
		if ev.PreviousSubscriptionID == 0 {
			ev.Type = queue.SubscriptionCreated
			return s.HandleSubscriptionEvent(ctx, ev)
		}
		in := RenewInput{
			SubscriptionID: ev.SubscriptionID,
			StartDate:      ev.StartDate,
			EndDate:        ev.EndDate,
			TemplateID:     ev.TemplateID,
			SeatID:         ev.SeatID,
		}
		changes, _, err := s.RenewSubscription(ctx, ev.PreviousSubscriptionID, in)
		if err != nil || len(changes) > 0 {
			return err
		}
		// Nothing to carry over: treat as a fresh enrolment.
		ev.Type = queue.SubscriptionCreated
		return s.HandleSubscriptionEvent(ctx, ev)

	case queue.SubscriptionCanceled:
		_, err := s.CancelSubscription(ctx, ev.SubscriptionID)
		return err

	case queue.SubscriptionPlanChanged:
		if ev.TemplateID == 0 {
			return fmt.Errorf("plan change for subscription %d names no template", ev.SubscriptionID)
		}
		rules, err := s.rules.List(ctx, repository.StandingFilter{SubscriptionID: ev.SubscriptionID})
		if err != nil {
			return err
		}
		for _, r := range rules {
			if r.Status == model.StandingCanceled {
				continue
			}
			if _, err := s.ChangeSlot(ctx, r.ID, ev.TemplateID, ev.SeatID); err != nil {
				return fmt.Errorf("change slot of rule %d: %w", r.ID, err)
			}
		}
		return nil
	}
	return fmt.Errorf("unknown event type %q", ev.Type)
}

// Package queue defines the message payloads exchanged over RabbitMQ and
// the consumer of subscription lifecycle events.
package queue

import (
	"time"

	"github.com/iliyamo/gym-standing-booking/internal/model"
)

// Queue names.
const (
	SubscriptionLifecycleQueue = "subscription.lifecycle"
	MaterializedQueue          = "standing.materialized"
)

// Subscription lifecycle event types.
const (
	SubscriptionCreated     = "subscription.created"
	SubscriptionRenewed     = "subscription.renewed"
	SubscriptionCanceled    = "subscription.canceled"
	SubscriptionPlanChanged = "subscription.plan_changed"
)

// SubscriptionEvent is sent by the subscription service whenever a fixed
// schedule subscription starts, renews, ends or changes plan.  StartDate
// and EndDate are the subscription's own validity window.
type SubscriptionEvent struct {
	EventID                string     `json:"event_id"`
	Type                   string     `json:"type"`
	SubscriptionID         uint64     `json:"subscription_id"`
	PreviousSubscriptionID uint64     `json:"previous_subscription_id,omitempty"`
	PersonID               uint64     `json:"person_id"`
	TemplateID             uint64     `json:"template_id,omitempty"`
	SeatID                 *uint64    `json:"seat_id,omitempty"`
	StartDate              model.Date `json:"start_date"`
	EndDate                model.Date `json:"end_date"`
	OccurredAt             time.Time  `json:"occurred_at"`
}

// MaterializedEvent summarises one materialization run for operators and
// downstream consumers.
type MaterializedEvent struct {
	RunID          string         `json:"run_id"`
	Trigger        string         `json:"trigger"`
	From           model.Date     `json:"from"`
	To             model.Date     `json:"to"`
	Rules          int            `json:"rules"`
	Created        int            `json:"created"`
	AlreadyExisted int            `json:"already_existed"`
	Skipped        int            `json:"skipped"`
	Rejected       int            `json:"rejected"`
	RejectedBy     map[string]int `json:"rejected_by_reason,omitempty"`
	Error          string         `json:"error,omitempty"`
	FinishedAt     time.Time      `json:"finished_at"`
}

package lending

import (
	"context"
	"time"
)

// =============================================================================
// DOMAIN EVENTS - published after the owning write has committed
// =============================================================================

type EventType string

const (
	EventLoanApplied           EventType = "loan.applied"
	EventTermsAmended          EventType = "loan.terms_amended"
	EventLoanApproved          EventType = "loan.approved"
	EventLoanRejected          EventType = "loan.rejected"
	EventLoanDisbursed         EventType = "loan.disbursed"
	EventInstallmentPaid       EventType = "installment.paid"
	EventReconciliationApplied EventType = "reconciliation.applied"
	EventDeductionSettled      EventType = "deduction.settled"
)

type Event struct {
	ID            string            `json:"id"`
	Type          EventType         `json:"type"`
	LoanID        LoanID            `json:"loan_id,omitempty"`
	InstallmentID InstallmentID     `json:"installment_id,omitempty"`
	ActorID       string            `json:"actor_id"`
	OccurredAt    time.Time         `json:"occurred_at"`
	Data          map[string]string `json:"data,omitempty"`
}

// EventPublisher delivers events to external consumers (reporting, export).
// A publish failure never undoes the committed change it describes.
type EventPublisher interface {
	Publish(ctx context.Context, events ...Event) error
}

type NoopPublisher struct{}

func (NoopPublisher) Publish(context.Context, ...Event) error { return nil }

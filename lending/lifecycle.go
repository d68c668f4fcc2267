/*
lifecycle.go - Loan lifecycle state machine

STATES:
  APPLICATION --approve--> APPROVED --disburse--> DISBURSED
       |
       +------reject-----> REJECTED (terminal)

  COMPLETED is derived: a DISBURSED loan whose installments are all
  PAID or PROCESSED. It is never stored.

RULES:
  - Terms can change only in APPLICATION or APPROVED.
  - Approve validates the final terms through the calculator and freezes them.
  - Disburse is the only place installments are generated. The status
    change and the installment batch commit in one store transaction.
  - Every check happens before any write. A failed call leaves nothing behind.

CONCURRENCY:
  Each write is UpdateLoanIf(loan, expectedStatus). If the guard fails a
  concurrent request won the race: the loan is reloaded and, when it
  already holds the target status, returned without error. Anything else
  is an InvalidStateTransitionError. A request that finds the loan already
  in its target status before writing gets the same result, so retries
  and concurrent duplicates all succeed.

SEE ALSO:
  - ledger.go: Generate
  - store.go: UpdateLoanIf
*/
package lending

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

const (
	loanNumberPrefix   = "PJ"
	loanNumberAttempts = 5
)

var errLostRace = errors.New("lost race")

type Lifecycle struct {
	store  TxStore
	ledger *Ledger
	opts   options
}

func NewLifecycle(store TxStore, ledger *Ledger, opts ...Option) *Lifecycle {
	return &Lifecycle{store: store, ledger: ledger, opts: buildOptions(opts)}
}

// Application is a new loan request.
type Application struct {
	MemberRef MemberRef
	Terms     Terms
}

// LoanNumber formats the human-facing loan number, e.g. PJ-20240101-0001.
func LoanNumber(createdAt time.Time, seq int) string {
	return fmt.Sprintf("%s-%s-%04d", loanNumberPrefix, createdAt.UTC().Format("20060102"), seq)
}

// =============================================================================
// APPLY
// =============================================================================

func (lc *Lifecycle) Apply(ctx context.Context, actor Actor, app Application) (Loan, error) {
	if err := actor.Validate(); err != nil {
		return Loan{}, err
	}
	if app.MemberRef == "" {
		return Loan{}, &InvalidLoanParametersError{Field: "member_ref", Reason: "is required"}
	}
	if _, err := app.Terms.Schedule(); err != nil {
		return Loan{}, err
	}

	now := lc.opts.now()
	var loan Loan
	var err error
	for attempt := 0; attempt < loanNumberAttempts; attempt++ {
		err = lc.store.WithTx(ctx, func(s Store) error {
			n, err := s.CountLoansCreatedOn(ctx, now)
			if err != nil {
				return err
			}
			loan = Loan{
				ID:        LoanID(lc.opts.newID()),
				Number:    LoanNumber(now, n+1+attempt),
				MemberRef: app.MemberRef,
				Terms:     normalizeTerms(app.Terms),
				Status:    StatusApplication,
				CreatedAt: now,
			}
			if err := s.InsertLoan(ctx, loan); err != nil {
				return err
			}
			return s.AppendAudit(ctx, lc.opts.audit(AuditLoanApplied, actor, loan.ID, "", termsPayload(loan.Terms)))
		})
		if !errors.Is(err, ErrDuplicateLoanNumber) {
			break
		}
	}
	if err != nil {
		return Loan{}, err
	}

	lc.opts.publish(ctx, lc.opts.event(EventLoanApplied, actor, loan.ID, "", map[string]string{
		"loan_number": loan.Number,
		"member_ref":  string(loan.MemberRef),
	}))
	return loan, nil
}

// =============================================================================
// TRANSITIONS
// =============================================================================

// AmendTerms replaces the terms of a loan that is not yet disbursed.
func (lc *Lifecycle) AmendTerms(ctx context.Context, actor Actor, id LoanID, terms Terms) (Loan, error) {
	if _, err := terms.Schedule(); err != nil {
		return Loan{}, err
	}
	return lc.run(ctx, actor, id, transition{
		op:      "amend terms",
		allowed: []LoanStatus{StatusApplication, StatusApproved},
		action:  AuditTermsAmended,
		event:   EventTermsAmended,
		apply: func(l *Loan, _ time.Time) {
			l.Terms = normalizeTerms(terms)
		},
		payload: termsPayload(terms),
	})
}

// Approve freezes finalTerms and moves APPLICATION -> APPROVED.
func (lc *Lifecycle) Approve(ctx context.Context, actor Actor, id LoanID, finalTerms Terms) (Loan, error) {
	if _, err := finalTerms.Schedule(); err != nil {
		return Loan{}, err
	}
	return lc.run(ctx, actor, id, transition{
		op:      "approve",
		allowed: []LoanStatus{StatusApplication},
		to:      StatusApproved,
		action:  AuditLoanApproved,
		event:   EventLoanApproved,
		apply: func(l *Loan, now time.Time) {
			l.Terms = normalizeTerms(finalTerms)
			l.Status = StatusApproved
			l.ApprovedAt = &now
		},
		payload: termsPayload(finalTerms),
	})
}

// Reject moves APPLICATION -> REJECTED.
func (lc *Lifecycle) Reject(ctx context.Context, actor Actor, id LoanID, reason string) (Loan, error) {
	return lc.run(ctx, actor, id, transition{
		op:      "reject",
		allowed: []LoanStatus{StatusApplication},
		to:      StatusRejected,
		action:  AuditLoanRejected,
		event:   EventLoanRejected,
		apply: func(l *Loan, now time.Time) {
			l.Status = StatusRejected
			l.RejectedAt = &now
			l.RejectReason = reason
		},
		payload: map[string]string{"reason": reason},
	})
}

// Disburse moves APPROVED -> DISBURSED and generates the installment
// schedule in the same transaction.
func (lc *Lifecycle) Disburse(ctx context.Context, actor Actor, id LoanID, asOf time.Time) (Loan, []Installment, error) {
	disbursedAt := DateOnly(asOf)
	var installments []Installment
	loan, err := lc.run(ctx, actor, id, transition{
		op:      "disburse",
		allowed: []LoanStatus{StatusApproved},
		to:      StatusDisbursed,
		action:  AuditLoanDisbursed,
		event:   EventLoanDisbursed,
		apply: func(l *Loan, _ time.Time) {
			l.Status = StatusDisbursed
			l.DisbursedAt = &disbursedAt
		},
		after: func(ctx context.Context, s Store, l Loan) error {
			var err error
			installments, err = lc.ledger.withStore(s).Generate(ctx, l, disbursedAt)
			return err
		},
		payload: map[string]string{"disbursed_at": disbursedAt.Format("2006-01-02")},
	})
	if err != nil {
		return Loan{}, nil, err
	}
	if installments == nil {
		// Completed by an earlier or concurrent request; report what it generated.
		installments, err = lc.ledger.AllFor(ctx, loan.ID)
		if err != nil {
			return Loan{}, nil, err
		}
	}
	return loan, installments, nil
}

// Status returns the stored status, or COMPLETED for a disbursed loan
// whose installments are all settled.
func (lc *Lifecycle) Status(ctx context.Context, id LoanID) (LoanStatus, error) {
	loan, err := lc.store.GetLoan(ctx, id)
	if err != nil {
		return "", err
	}
	if loan.Status != StatusDisbursed {
		return loan.Status, nil
	}
	installments, err := lc.ledger.AllFor(ctx, id)
	if err != nil {
		return "", err
	}
	return DerivedStatus(loan, installments), nil
}

// DerivedStatus applies the COMPLETED rule to a loan and its installments.
func DerivedStatus(loan Loan, installments []Installment) LoanStatus {
	if loan.Status != StatusDisbursed || len(installments) == 0 {
		return loan.Status
	}
	for _, inst := range installments {
		if !inst.Status.Settled() {
			return loan.Status
		}
	}
	return StatusCompleted
}

// =============================================================================
// TRANSITION RUNNER
// =============================================================================

type transition struct {
	op      string
	allowed []LoanStatus
	// to is the target status; empty for changes that keep the status.
	to      LoanStatus
	action  AuditAction
	event   EventType
	apply   func(l *Loan, now time.Time)
	after   func(ctx context.Context, s Store, l Loan) error
	payload map[string]string
}

func (t transition) permits(s LoanStatus) bool {
	for _, a := range t.allowed {
		if a == s {
			return true
		}
	}
	return false
}

func (lc *Lifecycle) run(ctx context.Context, actor Actor, id LoanID, t transition) (Loan, error) {
	if err := actor.Validate(); err != nil {
		return Loan{}, err
	}
	current, err := lc.store.GetLoan(ctx, id)
	if err != nil {
		return Loan{}, err
	}
	if t.to != "" && current.Status == t.to {
		lc.opts.logger.WithFields(logrus.Fields{
			"loan_id": id,
			"op":      t.op,
			"status":  current.Status,
		}).Info("transition already completed")
		return current, nil
	}
	if !t.permits(current.Status) {
		return Loan{}, &InvalidStateTransitionError{LoanID: id, Op: t.op, From: current.Status, To: t.to}
	}

	next := current
	t.apply(&next, lc.opts.now())

	err = lc.store.WithTx(ctx, func(s Store) error {
		ok, err := s.UpdateLoanIf(ctx, next, current.Status)
		if err != nil {
			return err
		}
		if !ok {
			return errLostRace
		}
		if t.after != nil {
			if err := t.after(ctx, s, next); err != nil {
				return err
			}
		}
		return s.AppendAudit(ctx, lc.opts.audit(t.action, actor, id, "", t.payload))
	})
	if errors.Is(err, errLostRace) {
		return lc.resolveLostRace(ctx, id, current, t)
	}
	if err != nil {
		return Loan{}, err
	}

	lc.opts.publish(ctx, lc.opts.event(t.event, actor, id, "", map[string]string{
		"loan_number": next.Number,
		"status":      string(next.Status),
	}))
	return next, nil
}

// resolveLostRace decides what a failed status guard means.
func (lc *Lifecycle) resolveLostRace(ctx context.Context, id LoanID, before Loan, t transition) (Loan, error) {
	latest, err := lc.store.GetLoan(ctx, id)
	if err != nil {
		return Loan{}, err
	}
	log := lc.opts.logger.WithFields(logrus.Fields{
		"loan_id": id,
		"from":    before.Status,
		"op":      t.op,
		"current": latest.Status,
	})
	if t.to != "" && latest.Status == t.to {
		log.Info("transition already completed by a concurrent request")
		return latest, nil
	}
	log.Warn("loan status changed concurrently")
	return Loan{}, &InvalidStateTransitionError{LoanID: id, Op: t.op, From: latest.Status, To: t.to}
}

// =============================================================================
// HELPERS
// =============================================================================

// normalizeTerms zeroes the interest value of interest-free terms so the
// stored value never suggests interest that is not charged.
func normalizeTerms(t Terms) Terms {
	if t.InterestType == InterestNone {
		t.InterestValue = decimal.Zero
	}
	return t
}

func termsPayload(t Terms) map[string]string {
	return map[string]string{
		"principal":      t.Principal.String(),
		"tenor_months":   fmt.Sprint(t.TenorMonths),
		"interest_type":  string(t.InterestType),
		"interest_value": t.InterestValue.String(),
	}
}

/*
ledger.go - Installment ledger

PURPOSE:
  The Ledger owns the per-month obligation records of every disbursed loan.
  It creates them once, at disbursement, and afterwards only moves them
  through UNPAID -> PROCESSED | PAID.

CRITICAL INVARIANTS:
  1. GENERATED ONCE: a loan's installments are inserted as one batch;
     a second Generate fails with ErrInstallmentAlreadyGenerated
  2. CONTIGUOUS: sequences are exactly 1..tenor
  3. EXACT: sum(Amount) == principal + totalInterest, remainder in the
     final period (see amortization.go)
  4. NO OVERWRITE: MarkPaid is a conditional update on status=UNPAID;
     a settled installment is never marked again
  5. NEVER DELETED

BATCH PAYMENTS:
  MarkPaidBatch processes rows one at a time and reports each outcome.
  A failing row never rolls back rows that already succeeded, and a row
  that turns out to be settled already counts as a no-op, not a failure.

SEE ALSO:
  - lifecycle.go: the only caller of Generate
  - reconcile.go, netting.go: callers of MarkPaidBatch
*/
package lending

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/sirupsen/logrus"
)

type Ledger struct {
	store Store
	opts  options
}

func NewLedger(store Store, opts ...Option) *Ledger {
	return &Ledger{store: store, opts: buildOptions(opts)}
}

// withStore returns a ledger bound to s, typically a transaction view.
func (l *Ledger) withStore(s Store) *Ledger {
	return &Ledger{store: s, opts: l.opts}
}

// =============================================================================
// GENERATION
// =============================================================================

// Generate builds and persists the installment schedule of a disbursed loan.
// Due dates are asOf + i months (i = 1..tenor).
func (l *Ledger) Generate(ctx context.Context, loan Loan, asOf time.Time) ([]Installment, error) {
	if loan.Status != StatusDisbursed {
		return nil, &InvalidStateTransitionError{LoanID: loan.ID, Op: "generate installments", From: loan.Status, To: StatusDisbursed}
	}
	sched, err := loan.Terms.Schedule()
	if err != nil {
		return nil, err
	}

	existing, err := l.store.CountInstallments(ctx, loan.ID)
	if err != nil {
		return nil, err
	}
	if existing > 0 {
		return nil, fmt.Errorf("loan %s: %w", loan.ID, ErrInstallmentAlreadyGenerated)
	}

	start := DateOnly(asOf)
	installments := make([]Installment, 0, sched.TenorMonths)
	for seq := 1; seq <= sched.TenorMonths; seq++ {
		principal, interest := sched.Period(seq)
		installments = append(installments, Installment{
			ID:         InstallmentID(l.opts.newID()),
			LoanID:     loan.ID,
			LoanNumber: loan.Number,
			MemberRef:  loan.MemberRef,
			Sequence:   seq,
			Principal:  principal,
			Interest:   interest,
			Amount:     principal.Add(interest),
			DueDate:    AddMonths(start, seq),
			Status:     InstallmentUnpaid,
		})
	}

	if err := l.store.InsertInstallments(ctx, installments); err != nil {
		return nil, err
	}
	return installments, nil
}

// =============================================================================
// PAYMENT MARKING
// =============================================================================

// MarkPaid moves one UNPAID installment to target (PROCESSED or PAID).
func (l *Ledger) MarkPaid(ctx context.Context, actor Actor, id InstallmentID, paidAt time.Time, target InstallmentStatus) (Installment, error) {
	if err := actor.Validate(); err != nil {
		return Installment{}, err
	}
	if !target.Settled() {
		return Installment{}, &InvalidLoanParametersError{Field: "target_status", Reason: "must be PROCESSED or PAID"}
	}

	var marked Installment
	err := inTx(ctx, l.store, func(s Store) error {
		ok, err := s.MarkInstallmentIf(ctx, id, target, paidAt, actor.ID)
		if err != nil {
			return err
		}
		current, err := s.GetInstallment(ctx, id)
		if err != nil {
			return err
		}
		if !ok {
			return &InstallmentAlreadyPaidError{InstallmentID: id, Status: current.Status, PaidAt: current.PaidAt}
		}
		marked = current
		return s.AppendAudit(ctx, l.opts.audit(AuditInstallmentPaid, actor, current.LoanID, id, map[string]string{
			"status":  string(target),
			"amount":  current.Amount.String(),
			"paid_at": paidAt.Format(time.RFC3339),
		}))
	})
	if err != nil {
		return Installment{}, err
	}

	l.opts.publish(ctx, l.opts.event(EventInstallmentPaid, actor, marked.LoanID, marked.ID, map[string]string{
		"status":       string(marked.Status),
		"amount":       marked.Amount.String(),
		"composite_id": marked.CompositeID(),
	}))
	return marked, nil
}

// PaymentInstruction is one row of a batch payment.
type PaymentInstruction struct {
	InstallmentID InstallmentID
	Target        InstallmentStatus
}

// ApplyResult reports a batch payment row by row.
type ApplyResult struct {
	Attempted      int
	Succeeded      []InstallmentID
	AlreadySettled []InstallmentID
	Failed         []ApplyFailure
}

// Err returns a *PartialBatchFailureError when any row failed.
func (r ApplyResult) Err() error {
	if len(r.Failed) == 0 {
		return nil
	}
	return &PartialBatchFailureError{Attempted: r.Attempted, Failed: r.Failed}
}

// MarkPaidBatch applies each instruction independently. Cancelling ctx
// abandons the remaining rows, which are reported as failed; rows already
// applied stay applied. Duplicate ids in one batch are applied once.
func (l *Ledger) MarkPaidBatch(ctx context.Context, actor Actor, batch []PaymentInstruction, paidAt time.Time) (ApplyResult, error) {
	if err := actor.Validate(); err != nil {
		return ApplyResult{}, err
	}

	var result ApplyResult
	seen := make(map[InstallmentID]bool, len(batch))
	for _, in := range batch {
		if seen[in.InstallmentID] {
			continue
		}
		seen[in.InstallmentID] = true
		result.Attempted++

		if err := ctx.Err(); err != nil {
			result.Failed = append(result.Failed, ApplyFailure{InstallmentID: in.InstallmentID, Reason: err.Error()})
			continue
		}

		_, err := l.MarkPaid(ctx, actor, in.InstallmentID, paidAt, in.Target)
		switch {
		case err == nil:
			result.Succeeded = append(result.Succeeded, in.InstallmentID)
		case errors.Is(err, ErrInstallmentAlreadyPaid):
			result.AlreadySettled = append(result.AlreadySettled, in.InstallmentID)
		default:
			result.Failed = append(result.Failed, ApplyFailure{InstallmentID: in.InstallmentID, Reason: err.Error()})
		}
	}

	l.opts.logger.WithFields(logrus.Fields{
		"actor":           actor.ID,
		"attempted":       result.Attempted,
		"succeeded":       len(result.Succeeded),
		"already_settled": len(result.AlreadySettled),
		"failed":          len(result.Failed),
	}).Info("batch payment applied")

	return result, result.Err()
}

// =============================================================================
// QUERIES (read-only)
// =============================================================================

func (l *Ledger) AllFor(ctx context.Context, loanID LoanID) ([]Installment, error) {
	return l.store.ListInstallments(ctx, loanID)
}

func (l *Ledger) UnpaidFor(ctx context.Context, loanID LoanID) ([]Installment, error) {
	all, err := l.store.ListInstallments(ctx, loanID)
	if err != nil {
		return nil, err
	}
	unpaid := make([]Installment, 0, len(all))
	for _, inst := range all {
		if inst.Status == InstallmentUnpaid {
			unpaid = append(unpaid, inst)
		}
	}
	return unpaid, nil
}

// Unpaid returns every UNPAID installment across all loans.
func (l *Ledger) Unpaid(ctx context.Context) ([]Installment, error) {
	return l.store.ListInstallmentsByStatus(ctx, InstallmentUnpaid)
}

func (l *Ledger) Get(ctx context.Context, id InstallmentID) (Installment, error) {
	return l.store.GetInstallment(ctx, id)
}

func summarize(r ApplyResult) map[string]string {
	return map[string]string{
		"attempted":       strconv.Itoa(r.Attempted),
		"succeeded":       strconv.Itoa(len(r.Succeeded)),
		"already_settled": strconv.Itoa(len(r.AlreadySettled)),
		"failed":          strconv.Itoa(len(r.Failed)),
	}
}

/*
netting.go - Deduction netting against a new disbursement

PURPOSE:
  When a member takes a new loan while older loans still have unpaid
  installments, an operator may settle some of those installments out of
  the new principal. The member receives principal - deduction.

FLOW:
  1. Candidates: UNPAID installments of the member's other DISBURSED loans
  2. Operator selects a subset
  3. NetDeduction / Preview: pure projection, nothing is written
  4. Settle: separate explicit call that marks the selection PAID

RULES:
  - totalDeduction > principal fails with DeductionExceedsPrincipalError.
    The net amount is never clamped and never negative.
  - Selecting an installment outside the candidate set fails with
    ErrUnknownDeductionItem.
  - Selecting the same installment twice counts it once.
*/
package lending

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/shopspring/decimal"
)

// Deduction is the netting projection for one disbursing loan.
type Deduction struct {
	LoanID          LoanID
	Principal       decimal.Decimal
	Selected        []Installment
	TotalDeduction  decimal.Decimal
	NetDisbursement decimal.Decimal
}

// NetDeduction computes the projection for selected out of candidates.
// It has no side effects.
func NetDeduction(loan Loan, candidates []Installment, selected []InstallmentID) (Deduction, error) {
	byID := make(map[InstallmentID]Installment, len(candidates))
	for _, c := range candidates {
		byID[c.ID] = c
	}

	d := Deduction{
		LoanID:         loan.ID,
		Principal:      loan.Principal,
		TotalDeduction: decimal.Zero,
	}
	seen := make(map[InstallmentID]bool, len(selected))
	for _, id := range selected {
		if seen[id] {
			continue
		}
		seen[id] = true
		inst, ok := byID[id]
		if !ok {
			return Deduction{}, fmt.Errorf("installment %s: %w", id, ErrUnknownDeductionItem)
		}
		d.Selected = append(d.Selected, inst)
		d.TotalDeduction = d.TotalDeduction.Add(inst.Amount)
	}

	if d.TotalDeduction.GreaterThan(loan.Principal) {
		return Deduction{}, &DeductionExceedsPrincipalError{Principal: loan.Principal, TotalDeduction: d.TotalDeduction}
	}
	d.NetDisbursement = loan.Principal.Sub(d.TotalDeduction)
	return d, nil
}

// =============================================================================
// NETTING SERVICE
// =============================================================================

type Netting struct {
	store  Store
	ledger *Ledger
	opts   options
}

func NewNetting(store Store, ledger *Ledger, opts ...Option) *Netting {
	return &Netting{store: store, ledger: ledger, opts: buildOptions(opts)}
}

// Candidates returns the UNPAID installments of the member's other
// disbursed loans, ordered by loan number then sequence.
func (n *Netting) Candidates(ctx context.Context, loan Loan) ([]Installment, error) {
	others, err := n.store.ListLoans(ctx, LoanFilter{MemberRef: loan.MemberRef, Status: StatusDisbursed})
	if err != nil {
		return nil, err
	}

	var out []Installment
	for _, other := range others {
		if other.ID == loan.ID {
			continue
		}
		unpaid, err := n.ledger.UnpaidFor(ctx, other.ID)
		if err != nil {
			return nil, err
		}
		out = append(out, unpaid...)
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].LoanNumber != out[j].LoanNumber {
			return out[i].LoanNumber < out[j].LoanNumber
		}
		return out[i].Sequence < out[j].Sequence
	})
	return out, nil
}

// Preview loads the loan and its candidates and computes the projection.
// The loan must be APPROVED, i.e. about to be disbursed.
func (n *Netting) Preview(ctx context.Context, loanID LoanID, selected []InstallmentID) (Deduction, error) {
	loan, err := n.store.GetLoan(ctx, loanID)
	if err != nil {
		return Deduction{}, err
	}
	if loan.Status != StatusApproved {
		return Deduction{}, &InvalidStateTransitionError{LoanID: loan.ID, Op: "net deduction", From: loan.Status, To: StatusDisbursed}
	}
	candidates, err := n.Candidates(ctx, loan)
	if err != nil {
		return Deduction{}, err
	}
	return NetDeduction(loan, candidates, selected)
}

// Settle marks every selected installment PAID. Rows are applied one by
// one; a failed row does not undo the others.
func (n *Netting) Settle(ctx context.Context, actor Actor, d Deduction, paidAt time.Time) (ApplyResult, error) {
	if err := actor.Validate(); err != nil {
		return ApplyResult{}, err
	}

	batch := make([]PaymentInstruction, len(d.Selected))
	for i, inst := range d.Selected {
		batch[i] = PaymentInstruction{InstallmentID: inst.ID, Target: InstallmentPaid}
	}
	result, batchErr := n.ledger.MarkPaidBatch(ctx, actor, batch, paidAt)

	payload := summarize(result)
	payload["total_deduction"] = d.TotalDeduction.String()
	payload["net_disbursement"] = d.NetDisbursement.String()
	if err := n.store.AppendAudit(context.WithoutCancel(ctx), n.opts.audit(AuditDeductionSettled, actor, d.LoanID, "", payload)); err != nil {
		return result, err
	}
	n.opts.publish(ctx, n.opts.event(EventDeductionSettled, actor, d.LoanID, "", payload))
	return result, batchErr
}

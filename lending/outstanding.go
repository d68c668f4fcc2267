package lending

import (
	"context"

	"github.com/shopspring/decimal"
)

// =============================================================================
// OUTSTANDING BALANCE
// =============================================================================

// Outstanding is the read-only balance projection of one loan.
type Outstanding struct {
	LoanID             LoanID          `json:"loan_id"`
	LoanNumber         string          `json:"loan_number"`
	Status             LoanStatus      `json:"status"`
	PaidCount          int             `json:"paid_count"`
	UnpaidCount        int             `json:"unpaid_count"`
	RemainingPrincipal decimal.Decimal `json:"remaining_principal"`
	RemainingInterest  decimal.Decimal `json:"remaining_interest"`
}

func (o Outstanding) Total() decimal.Decimal {
	return o.RemainingPrincipal.Add(o.RemainingInterest)
}

// ComputeOutstanding derives the remaining balance from the settled
// installments, using the same Schedule the installments were generated from.
// Each settled period removes its own split, so a settled final period
// removes the remainder it absorbed and a fully paid loan owes exactly zero.
// While the final period is open this equals
// principal - stdPrincipal*paidCount (and likewise for interest).
func ComputeOutstanding(loan Loan, installments []Installment) (Outstanding, error) {
	sched, err := loan.Terms.Schedule()
	if err != nil {
		return Outstanding{}, err
	}

	paid := 0
	paidPrincipal, paidInterest := decimal.Zero, decimal.Zero
	for _, inst := range installments {
		if !inst.Status.Settled() {
			continue
		}
		paid++
		p, i := sched.Period(inst.Sequence)
		paidPrincipal = paidPrincipal.Add(p)
		paidInterest = paidInterest.Add(i)
	}

	return Outstanding{
		LoanID:             loan.ID,
		LoanNumber:         loan.Number,
		Status:             DerivedStatus(loan, installments),
		PaidCount:          paid,
		UnpaidCount:        len(installments) - paid,
		RemainingPrincipal: decimal.Max(decimal.Zero, sched.Principal.Sub(paidPrincipal)),
		RemainingInterest:  decimal.Max(decimal.Zero, sched.TotalInterest.Sub(paidInterest)),
	}, nil
}

// MemberOutstanding sums the outstanding balance of a member's disbursed loans.
type MemberOutstanding struct {
	MemberRef          MemberRef       `json:"member_ref"`
	Loans              []Outstanding   `json:"loans"`
	RemainingPrincipal decimal.Decimal `json:"remaining_principal"`
	RemainingInterest  decimal.Decimal `json:"remaining_interest"`
}

// Aggregator serves outstanding projections to netting and reporting.
type Aggregator struct {
	store  Store
	ledger *Ledger
}

func NewAggregator(store Store, ledger *Ledger) *Aggregator {
	return &Aggregator{store: store, ledger: ledger}
}

func (a *Aggregator) Outstanding(ctx context.Context, loanID LoanID) (Outstanding, error) {
	loan, err := a.store.GetLoan(ctx, loanID)
	if err != nil {
		return Outstanding{}, err
	}
	installments, err := a.ledger.AllFor(ctx, loanID)
	if err != nil {
		return Outstanding{}, err
	}
	return ComputeOutstanding(loan, installments)
}

func (a *Aggregator) ForMember(ctx context.Context, member MemberRef) (MemberOutstanding, error) {
	loans, err := a.store.ListLoans(ctx, LoanFilter{MemberRef: member, Status: StatusDisbursed})
	if err != nil {
		return MemberOutstanding{}, err
	}

	out := MemberOutstanding{
		MemberRef:          member,
		Loans:              []Outstanding{},
		RemainingPrincipal: decimal.Zero,
		RemainingInterest:  decimal.Zero,
	}
	for _, loan := range loans {
		installments, err := a.ledger.AllFor(ctx, loan.ID)
		if err != nil {
			return MemberOutstanding{}, err
		}
		o, err := ComputeOutstanding(loan, installments)
		if err != nil {
			return MemberOutstanding{}, err
		}
		out.Loans = append(out.Loans, o)
		out.RemainingPrincipal = out.RemainingPrincipal.Add(o.RemainingPrincipal)
		out.RemainingInterest = out.RemainingInterest.Add(o.RemainingInterest)
	}
	return out, nil
}

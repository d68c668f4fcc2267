/*
amortization.go - Flat-rate amortization calculator

PURPOSE:
  Computes the principal/interest split of a loan's monthly installments.
  This is the single source of truth for the split: the ledger, netting and
  the outstanding aggregator all call ComputeAmortization with the loan's
  frozen terms instead of doing their own division.

FORMULA:
  totalInterest = PERCENT_ANNUAL: principal * rate/100 * tenor/12 (rounded
                                  to whole currency units)
                  FIXED_NOMINAL:  interestValue
                  NONE:           0
  stdPrincipal  = floor(principal / tenor)
  stdInterest   = round(totalInterest / tenor)
  lastPrincipal = principal     - stdPrincipal*(tenor-1)
  lastInterest  = totalInterest - stdInterest*(tenor-1)

  The final period absorbs every rounding remainder, so the schedule sums
  exactly to principal + totalInterest.

EXAMPLE:
  principal=10,000,000 tenor=3 FIXED_NOMINAL 300,000
    periods 1-2: 3,333,333 + 100,000
    period 3:    3,333,334 + 100,000

SEE ALSO:
  - ledger.go: Generate uses Schedule.Period for each installment
  - outstanding.go: reuses StdPrincipal/StdInterest
*/
package lending

import (
	"github.com/shopspring/decimal"
)

var (
	hundred      = decimal.NewFromInt(100)
	monthsInYear = decimal.NewFromInt(12)
)

// Schedule is the calculator output for one set of terms.
type Schedule struct {
	Principal     decimal.Decimal
	TotalInterest decimal.Decimal
	TenorMonths   int

	StdPrincipal decimal.Decimal
	StdInterest  decimal.Decimal
	StdTotal     decimal.Decimal

	LastPrincipal decimal.Decimal
	LastInterest  decimal.Decimal
	LastTotal     decimal.Decimal
}

// ComputeAmortization is pure and deterministic.
func ComputeAmortization(principal decimal.Decimal, tenorMonths int, interestType InterestType, interestValue decimal.Decimal) (Schedule, error) {
	if !principal.IsPositive() {
		return Schedule{}, &InvalidLoanParametersError{Field: "principal", Reason: "must be greater than zero"}
	}
	if tenorMonths < 1 {
		return Schedule{}, &InvalidLoanParametersError{Field: "tenor_months", Reason: "must be at least 1"}
	}
	if !interestType.Valid() {
		return Schedule{}, &InvalidLoanParametersError{Field: "interest_type", Reason: "unknown type " + string(interestType)}
	}
	if interestValue.IsNegative() {
		return Schedule{}, &InvalidLoanParametersError{Field: "interest_value", Reason: "must not be negative"}
	}

	tenor := decimal.NewFromInt(int64(tenorMonths))
	totalInterest := TotalInterest(principal, tenorMonths, interestType, interestValue)

	// QuoRem at precision 0 truncates; principal and tenor are positive so
	// this is floor.
	stdPrincipal, _ := principal.QuoRem(tenor, 0)
	stdInterest := totalInterest.DivRound(tenor, 0)

	head := tenor.Sub(decimal.NewFromInt(1))
	lastPrincipal := principal.Sub(stdPrincipal.Mul(head))
	lastInterest := totalInterest.Sub(stdInterest.Mul(head))

	return Schedule{
		Principal:     principal,
		TotalInterest: totalInterest,
		TenorMonths:   tenorMonths,
		StdPrincipal:  stdPrincipal,
		StdInterest:   stdInterest,
		StdTotal:      stdPrincipal.Add(stdInterest),
		LastPrincipal: lastPrincipal,
		LastInterest:  lastInterest,
		LastTotal:     lastPrincipal.Add(lastInterest),
	}, nil
}

// TotalInterest is the flat interest for the full term. Inputs are assumed
// valid; use ComputeAmortization for validation.
func TotalInterest(principal decimal.Decimal, tenorMonths int, interestType InterestType, interestValue decimal.Decimal) decimal.Decimal {
	switch interestType {
	case InterestPercentAnnual:
		return principal.
			Mul(interestValue).
			Mul(decimal.NewFromInt(int64(tenorMonths))).
			DivRound(hundred.Mul(monthsInYear), 0)
	case InterestFixedNominal:
		return interestValue
	default:
		return decimal.Zero
	}
}

// Period returns the principal and interest due in period seq (1-based).
// Periods outside 1..tenor return zeros.
func (s Schedule) Period(seq int) (principal, interest decimal.Decimal) {
	switch {
	case seq < 1 || seq > s.TenorMonths:
		return decimal.Zero, decimal.Zero
	case seq == s.TenorMonths:
		return s.LastPrincipal, s.LastInterest
	default:
		return s.StdPrincipal, s.StdInterest
	}
}

// Total is the full amount repaid over the term.
func (s Schedule) Total() decimal.Decimal {
	return s.Principal.Add(s.TotalInterest)
}

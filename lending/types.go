/*
Package lending provides the loan amortization and payment-reconciliation engine.

PURPOSE:
  This package contains the types and algorithms that decide how much a
  member owes and when. Flat-rate interest, monthly installment schedules,
  per-installment payment state, netting of old obligations against a new
  disbursement, and reconciliation of imported payment rows all live here.
  Screens, file formats and transports are thin shells around it.

KEY CONCEPTS IN THIS FILE (types.go):
  - Terms: principal, tenor and interest terms of a loan
  - Loan: the lifecycle aggregate (APPLICATION -> APPROVED -> DISBURSED)
  - Installment: one monthly obligation, identified by its composite key
  - Actor: who performed a mutating call (never ambient/global state)

DESIGN PRINCIPLES:
  1. Precision: all money is decimal.Decimal, never float64
  2. One calculator: every principal/interest split comes from ComputeAmortization
  3. Guarded writes: every mutation is conditional on the expected prior status
  4. Auditability: every mutating call names its Actor

USAGE:
  sched, err := lending.ComputeAmortization(
      decimal.NewFromInt(12_000_000), 12,
      lending.InterestPercentAnnual, decimal.NewFromInt(10),
  )

SEE ALSO:
  - amortization.go: the calculator
  - ledger.go: installment generation and payment marking
  - lifecycle.go: loan state machine
  - reconcile.go: bulk reconciliation matcher
*/
package lending

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// IDENTIFIERS
// =============================================================================

type LoanID string
type InstallmentID string

// MemberRef is an opaque id owned by the member directory. It is never
// validated here.
type MemberRef string

// =============================================================================
// TERMS
// =============================================================================

type InterestType string

const (
	InterestNone          InterestType = "NONE"
	InterestPercentAnnual InterestType = "PERCENT_ANNUAL"
	InterestFixedNominal  InterestType = "FIXED_NOMINAL"
)

func (t InterestType) Valid() bool {
	switch t {
	case InterestNone, InterestPercentAnnual, InterestFixedNominal:
		return true
	}
	return false
}

// Terms are the financial terms of a loan. InterestValue is a yearly
// percentage for PERCENT_ANNUAL, a nominal amount for FIXED_NOMINAL, and
// ignored for NONE.
type Terms struct {
	Principal     decimal.Decimal
	TenorMonths   int
	InterestType  InterestType
	InterestValue decimal.Decimal
}

// Schedule runs the calculator on these terms.
func (t Terms) Schedule() (Schedule, error) {
	return ComputeAmortization(t.Principal, t.TenorMonths, t.InterestType, t.InterestValue)
}

// =============================================================================
// LOAN
// =============================================================================

type LoanStatus string

const (
	StatusApplication LoanStatus = "APPLICATION"
	StatusApproved    LoanStatus = "APPROVED"
	StatusDisbursed   LoanStatus = "DISBURSED"
	StatusRejected    LoanStatus = "REJECTED"

	// StatusCompleted is derived from the ledger and never stored.
	StatusCompleted LoanStatus = "COMPLETED"
)

type Loan struct {
	ID        LoanID
	Number    string
	MemberRef MemberRef
	Terms

	Status       LoanStatus
	RejectReason string

	CreatedAt   time.Time
	ApprovedAt  *time.Time
	DisbursedAt *time.Time
	RejectedAt  *time.Time
}

// TermsMutable reports whether the interest terms may still change.
func (l Loan) TermsMutable() bool {
	return l.Status == StatusApplication || l.Status == StatusApproved
}

// =============================================================================
// INSTALLMENT
// =============================================================================

type InstallmentStatus string

const (
	InstallmentUnpaid    InstallmentStatus = "UNPAID"
	InstallmentProcessed InstallmentStatus = "PROCESSED"
	InstallmentPaid      InstallmentStatus = "PAID"
)

// Settled reports whether the status counts as paid.
func (s InstallmentStatus) Settled() bool {
	return s == InstallmentPaid || s == InstallmentProcessed
}

type Installment struct {
	ID         InstallmentID
	LoanID     LoanID
	LoanNumber string
	MemberRef  MemberRef
	Sequence   int

	Principal decimal.Decimal
	Interest  decimal.Decimal
	Amount    decimal.Decimal
	DueDate   time.Time

	Status InstallmentStatus
	PaidAt *time.Time
	PaidBy string
}

// CompositeID is loan_number + "-" + sequence, the key external payment
// files use to name one monthly obligation.
func (i Installment) CompositeID() string {
	return CompositeID(i.LoanNumber, i.Sequence)
}

func CompositeID(loanNumber string, sequence int) string {
	return fmt.Sprintf("%s-%d", loanNumber, sequence)
}

// =============================================================================
// ACTOR - who performed a mutating call
// =============================================================================

type Actor struct {
	ID   string
	Role string
}

func (a Actor) Validate() error {
	if strings.TrimSpace(a.ID) == "" {
		return ErrActorRequired
	}
	return nil
}

// SystemActor is used for work the engine does on its own behalf, such as
// loading demo data.
var SystemActor = Actor{ID: "system", Role: "system"}

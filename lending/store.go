/*
store.go - Persistence ports for loans, installments and the audit log

PURPOSE:
  Defines the interface between the engine and the database. The engine
  never issues a blind overwrite: every state change is a conditional
  update guarded by the expected prior status, and the store reports
  whether the guard held.

KEY INTERFACES:
  Store:   loans, installments, audit entries
  TxStore: Store + WithTx for multi-row atomic writes

CONDITIONAL UPDATES:
  UpdateLoanIf(loan, expected)      UPDATE loans ... WHERE id=? AND status=expected
  MarkInstallmentIf(id, target ...) UPDATE installments ... WHERE id=? AND status='UNPAID'
  A false result (zero rows affected) means another request got there
  first. Callers treat that as "already done", never as a reason to retry.

INSTALLMENT CONTRACT:
  InsertInstallments is a batch insert. If the loan already has installments
  it fails with ErrInstallmentAlreadyGenerated and writes nothing.
  Installments are never deleted.

ERRORS:
  Missing rows:        ErrLoanNotFound / ErrInstallmentNotFound
  Driver failures:     *PersistenceError (matches ErrPersistenceFailure,
                       or ErrPersistenceTimeout on deadlines)

IMPLEMENTATIONS:
  - lending/store/memory.go: in-memory, for tests and dev
  - store/sqlite/sqlite.go:  SQLite (mattn/go-sqlite3)
  - store/postgres:          PostgreSQL (pgx/v5)
*/
package lending

import (
	"context"
	"time"
)

// =============================================================================
// STORE
// =============================================================================

type Store interface {
	InsertLoan(ctx context.Context, loan Loan) error
	GetLoan(ctx context.Context, id LoanID) (Loan, error)
	GetLoanByNumber(ctx context.Context, number string) (Loan, error)
	ListLoans(ctx context.Context, filter LoanFilter) ([]Loan, error)

	// CountLoansCreatedOn counts loans whose CreatedAt falls on day (UTC).
	// Used to allocate loan numbers.
	CountLoansCreatedOn(ctx context.Context, day time.Time) (int, error)

	// UpdateLoanIf writes every mutable field of loan only if the stored
	// status still equals expected. Returns false when the guard failed.
	UpdateLoanIf(ctx context.Context, loan Loan, expected LoanStatus) (bool, error)

	InsertInstallments(ctx context.Context, installments []Installment) error
	CountInstallments(ctx context.Context, loanID LoanID) (int, error)
	GetInstallment(ctx context.Context, id InstallmentID) (Installment, error)

	// ListInstallments returns a loan's installments ordered by sequence.
	ListInstallments(ctx context.Context, loanID LoanID) ([]Installment, error)

	// ListInstallmentsByStatus returns installments ordered by due date,
	// loan number, then sequence.
	ListInstallmentsByStatus(ctx context.Context, status InstallmentStatus) ([]Installment, error)

	// MarkInstallmentIf moves an UNPAID installment to target. Returns false
	// when the installment was not UNPAID.
	MarkInstallmentIf(ctx context.Context, id InstallmentID, target InstallmentStatus, paidAt time.Time, paidBy string) (bool, error)

	AppendAudit(ctx context.Context, entry AuditEntry) error
	QueryAudit(ctx context.Context, filter AuditFilter) ([]AuditEntry, error)
}

// LoanFilter narrows ListLoans. Zero values match everything.
type LoanFilter struct {
	MemberRef MemberRef
	Status    LoanStatus
}

func (f LoanFilter) Match(l Loan) bool {
	if f.MemberRef != "" && l.MemberRef != f.MemberRef {
		return false
	}
	if f.Status != "" && l.Status != f.Status {
		return false
	}
	return true
}

// =============================================================================
// TRANSACTIONAL STORE
// =============================================================================

// TxStore wraps Store with transaction support.
// If fn returns error, the transaction is rolled back.
type TxStore interface {
	Store
	WithTx(ctx context.Context, fn func(Store) error) error
}

// inTx runs fn in a transaction when the store supports one.
func inTx(ctx context.Context, s Store, fn func(Store) error) error {
	if ts, ok := s.(TxStore); ok {
		return ts.WithTx(ctx, fn)
	}
	return fn(s)
}

// =============================================================================
// AUDIT LOG - who did what when
// =============================================================================

type AuditAction string

const (
	AuditLoanApplied           AuditAction = "loan_applied"
	AuditTermsAmended          AuditAction = "terms_amended"
	AuditLoanApproved          AuditAction = "loan_approved"
	AuditLoanRejected          AuditAction = "loan_rejected"
	AuditLoanDisbursed         AuditAction = "loan_disbursed"
	AuditInstallmentPaid       AuditAction = "installment_paid"
	AuditReconciliationApplied AuditAction = "reconciliation_applied"
	AuditDeductionSettled      AuditAction = "deduction_settled"
)

type AuditEntry struct {
	ID            string
	At            time.Time
	ActorID       string
	ActorRole     string
	Action        AuditAction
	LoanID        LoanID
	InstallmentID InstallmentID
	Payload       map[string]string
}

type AuditFilter struct {
	LoanID  LoanID
	ActorID string
	Actions []AuditAction
	Limit   int
}

func (f AuditFilter) Match(e AuditEntry) bool {
	if f.LoanID != "" && e.LoanID != f.LoanID {
		return false
	}
	if f.ActorID != "" && e.ActorID != f.ActorID {
		return false
	}
	if len(f.Actions) == 0 {
		return true
	}
	for _, a := range f.Actions {
		if a == e.Action {
			return true
		}
	}
	return false
}

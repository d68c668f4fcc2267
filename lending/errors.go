/*
errors.go - Centralized error types for the lending engine

PURPOSE:
  All error kinds in one place. Callers match with errors.Is against the
  sentinels; structured errors carry context and unwrap to their sentinel.

ERROR CATEGORIES:
  1. Parameter/lifecycle guards - fatal to the single call, raised before
     any mutation, no partial state left behind
  2. Ledger guards - double generation, double payment
  3. Persistence - propagated unmodified from the store
  4. Batch - PartialBatchFailure carries every failed row

NOT ERRORS:
  Reconciliation classifications (UNMATCHED, AMBIGUOUS) are result values.
  ErrUnmatchedRow and ErrAmbiguousMatch exist so a caller that wants to
  turn an outcome into an error can do so with RowOutcome.Err().

SEE ALSO:
  - api/handlers.go: maps categories to HTTP status codes
*/
package lending

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	ErrInvalidLoanParameters       = errors.New("invalid loan parameters")
	ErrInvalidStateTransition      = errors.New("invalid state transition")
	ErrInstallmentAlreadyGenerated = errors.New("installments already generated")
	ErrInstallmentAlreadyPaid      = errors.New("installment already paid")
	ErrAmbiguousMatch              = errors.New("ambiguous match")
	ErrUnmatchedRow                = errors.New("unmatched row")
	ErrPersistenceTimeout          = errors.New("persistence timeout")
	ErrPersistenceFailure          = errors.New("persistence failure")
	ErrPartialBatchFailure         = errors.New("partial batch failure")
	ErrDeductionExceedsPrincipal   = errors.New("deduction exceeds principal")

	ErrLoanNotFound         = errors.New("loan not found")
	ErrInstallmentNotFound  = errors.New("installment not found")
	ErrDuplicateLoanNumber  = errors.New("duplicate loan number")
	ErrActorRequired        = errors.New("actor is required")
	ErrUnknownDeductionItem = errors.New("selected installment is not a deduction candidate")
)

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

type InvalidLoanParametersError struct {
	Field  string
	Reason string
}

func (e *InvalidLoanParametersError) Error() string {
	return fmt.Sprintf("invalid loan parameters: %s %s", e.Field, e.Reason)
}

func (e *InvalidLoanParametersError) Unwrap() error { return ErrInvalidLoanParameters }

// InvalidStateTransitionError reports an operation the loan's current status
// does not allow. To is empty for operations that keep the status, such as
// amending terms.
type InvalidStateTransitionError struct {
	LoanID LoanID
	Op     string
	From   LoanStatus
	To     LoanStatus
}

func (e *InvalidStateTransitionError) Error() string {
	if e.To == "" {
		return fmt.Sprintf("loan %s: cannot %s while %s", e.LoanID, e.Op, e.From)
	}
	return fmt.Sprintf("loan %s: cannot move from %s to %s", e.LoanID, e.From, e.To)
}

func (e *InvalidStateTransitionError) Unwrap() error { return ErrInvalidStateTransition }

type InstallmentAlreadyPaidError struct {
	InstallmentID InstallmentID
	Status        InstallmentStatus
	PaidAt        *time.Time
}

func (e *InstallmentAlreadyPaidError) Error() string {
	return fmt.Sprintf("installment %s already %s", e.InstallmentID, e.Status)
}

func (e *InstallmentAlreadyPaidError) Unwrap() error { return ErrInstallmentAlreadyPaid }

type DeductionExceedsPrincipalError struct {
	Principal      decimal.Decimal
	TotalDeduction decimal.Decimal
}

func (e *DeductionExceedsPrincipalError) Error() string {
	return fmt.Sprintf("deduction %s exceeds principal %s", e.TotalDeduction, e.Principal)
}

func (e *DeductionExceedsPrincipalError) Unwrap() error { return ErrDeductionExceedsPrincipal }

// ApplyFailure is one row of a batch that could not be applied.
type ApplyFailure struct {
	InstallmentID InstallmentID
	Reason        string
}

type PartialBatchFailureError struct {
	Attempted int
	Failed    []ApplyFailure
}

func (e *PartialBatchFailureError) Error() string {
	ids := make([]string, len(e.Failed))
	for i, f := range e.Failed {
		ids[i] = string(f.InstallmentID)
	}
	return fmt.Sprintf("partial batch failure: %d of %d rows failed (%s)",
		len(e.Failed), e.Attempted, strings.Join(ids, ", "))
}

func (e *PartialBatchFailureError) Unwrap() error { return ErrPartialBatchFailure }

// FailedIDs returns the ids to resubmit on retry.
func (e *PartialBatchFailureError) FailedIDs() []InstallmentID {
	ids := make([]InstallmentID, len(e.Failed))
	for i, f := range e.Failed {
		ids[i] = f.InstallmentID
	}
	return ids
}

// PersistenceError wraps a storage driver error. It matches
// ErrPersistenceTimeout when the cause is a deadline and
// ErrPersistenceFailure otherwise.
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("persistence: %s: %v", e.Op, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }

func (e *PersistenceError) Is(target error) bool {
	if target == ErrPersistenceTimeout {
		return errors.Is(e.Err, context.DeadlineExceeded)
	}
	return target == ErrPersistenceFailure
}

// Persistence wraps err for op, passing nil and already-classified
// domain errors through untouched.
func Persistence(op string, err error) error {
	if err == nil || isDomainError(err) {
		return err
	}
	var pe *PersistenceError
	if errors.As(err, &pe) {
		return err
	}
	return &PersistenceError{Op: op, Err: err}
}

func isDomainError(err error) bool {
	return errors.Is(err, ErrLoanNotFound) ||
		errors.Is(err, ErrInstallmentNotFound) ||
		errors.Is(err, ErrDuplicateLoanNumber) ||
		errors.Is(err, ErrInstallmentAlreadyGenerated)
}

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsRetryable returns true if the error might succeed on retry.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrPersistenceTimeout)
}

// IsClientError returns true if the error is due to invalid client input
// or a request that conflicts with current state.
func IsClientError(err error) bool {
	return errors.Is(err, ErrInvalidLoanParameters) ||
		errors.Is(err, ErrInvalidStateTransition) ||
		errors.Is(err, ErrInstallmentAlreadyGenerated) ||
		errors.Is(err, ErrInstallmentAlreadyPaid) ||
		errors.Is(err, ErrDeductionExceedsPrincipal) ||
		errors.Is(err, ErrUnknownDeductionItem) ||
		errors.Is(err, ErrActorRequired) ||
		errors.Is(err, ErrDuplicateLoanNumber)
}

// IsNotFound returns true if the error indicates a missing record.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrLoanNotFound) ||
		errors.Is(err, ErrInstallmentNotFound)
}

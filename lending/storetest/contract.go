// Package storetest holds the behavioural contract every lending.TxStore
// implementation must satisfy. Store packages call Run from their tests.
package storetest

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/loan-engine/lending"
)

// Factory returns an empty store. It is called once per subtest.
type Factory func(t *testing.T) lending.TxStore

var day = time.Date(2024, time.January, 1, 9, 0, 0, 0, time.UTC)

// Run executes the contract against stores built by newStore.
func Run(t *testing.T, newStore Factory) {
	t.Run("LoanRoundTrip", func(t *testing.T) { testLoanRoundTrip(t, newStore(t)) })
	t.Run("DuplicateLoanNumber", func(t *testing.T) { testDuplicateLoanNumber(t, newStore(t)) })
	t.Run("UpdateLoanIfGuard", func(t *testing.T) { testUpdateLoanIf(t, newStore(t)) })
	t.Run("InstallmentsGeneratedOnce", func(t *testing.T) { testInstallmentsOnce(t, newStore(t)) })
	t.Run("MarkInstallmentIfGuard", func(t *testing.T) { testMarkInstallmentIf(t, newStore(t)) })
	t.Run("ListInstallmentsByStatusOrder", func(t *testing.T) { testByStatusOrder(t, newStore(t)) })
	t.Run("TxRollback", func(t *testing.T) { testTxRollback(t, newStore(t)) })
	t.Run("Audit", func(t *testing.T) { testAudit(t, newStore(t)) })
	t.Run("EngineEndToEnd", func(t *testing.T) { testEngine(t, newStore(t)) })
}

// =============================================================================
// FIXTURES
// =============================================================================

func loan(id string, seq int, member lending.MemberRef) lending.Loan {
	return lending.Loan{
		ID:        lending.LoanID(id),
		Number:    lending.LoanNumber(day, seq),
		MemberRef: member,
		Terms: lending.Terms{
			Principal:     decimal.RequireFromString("10000000.50"),
			TenorMonths:   3,
			InterestType:  lending.InterestFixedNominal,
			InterestValue: decimal.NewFromInt(300_000),
		},
		Status:    lending.StatusApplication,
		CreatedAt: day,
	}
}

func installments(l lending.Loan) []lending.Installment {
	sched, _ := l.Terms.Schedule()
	out := make([]lending.Installment, 0, l.TenorMonths)
	for seq := 1; seq <= l.TenorMonths; seq++ {
		p, i := sched.Period(seq)
		out = append(out, lending.Installment{
			ID:         lending.InstallmentID(fmt.Sprintf("%s-i%d", l.ID, seq)),
			LoanID:     l.ID,
			LoanNumber: l.Number,
			MemberRef:  l.MemberRef,
			Sequence:   seq,
			Principal:  p,
			Interest:   i,
			Amount:     p.Add(i),
			DueDate:    lending.AddMonths(lending.DateOnly(day), seq),
			Status:     lending.InstallmentUnpaid,
		})
	}
	return out
}

func seed(t *testing.T, s lending.TxStore, l lending.Loan) []lending.Installment {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, s.InsertLoan(ctx, l))
	insts := installments(l)
	require.NoError(t, s.InsertInstallments(ctx, insts))
	return insts
}

// =============================================================================
// CONTRACT
// =============================================================================

func testLoanRoundTrip(t *testing.T, s lending.TxStore) {
	ctx := context.Background()
	l := loan("L-1", 1, "M-1")
	approved := day.Add(time.Hour)
	l.ApprovedAt = &approved
	require.NoError(t, s.InsertLoan(ctx, l))

	got, err := s.GetLoan(ctx, l.ID)
	require.NoError(t, err)
	assert.Equal(t, l.Number, got.Number)
	assert.Equal(t, l.MemberRef, got.MemberRef)
	assert.True(t, got.Principal.Equal(l.Principal), "decimal precision must survive: %s", got.Principal)
	assert.Equal(t, l.InterestType, got.InterestType)
	assert.True(t, got.CreatedAt.Equal(day))
	require.NotNil(t, got.ApprovedAt)
	assert.True(t, got.ApprovedAt.Equal(approved))
	assert.Nil(t, got.DisbursedAt)

	byNumber, err := s.GetLoanByNumber(ctx, l.Number)
	require.NoError(t, err)
	assert.Equal(t, l.ID, byNumber.ID)

	_, err = s.GetLoan(ctx, "missing")
	assert.ErrorIs(t, err, lending.ErrLoanNotFound)

	n, err := s.CountLoansCreatedOn(ctx, day)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	n, err = s.CountLoansCreatedOn(ctx, day.AddDate(0, 0, 1))
	require.NoError(t, err)
	assert.Zero(t, n)

	require.NoError(t, s.InsertLoan(ctx, loan("L-2", 2, "M-2")))
	loans, err := s.ListLoans(ctx, lending.LoanFilter{MemberRef: "M-2"})
	require.NoError(t, err)
	require.Len(t, loans, 1)
	assert.Equal(t, lending.LoanID("L-2"), loans[0].ID)
}

func testDuplicateLoanNumber(t *testing.T, s lending.TxStore) {
	ctx := context.Background()
	require.NoError(t, s.InsertLoan(ctx, loan("L-1", 1, "M-1")))

	err := s.InsertLoan(ctx, loan("L-2", 1, "M-1"))
	assert.ErrorIs(t, err, lending.ErrDuplicateLoanNumber)
}

func testUpdateLoanIf(t *testing.T, s lending.TxStore) {
	ctx := context.Background()
	l := loan("L-1", 1, "M-1")
	require.NoError(t, s.InsertLoan(ctx, l))

	approved := l
	approved.Status = lending.StatusApproved
	approved.Principal = decimal.NewFromInt(9_000_000)
	ok, err := s.UpdateLoanIf(ctx, approved, lending.StatusApplication)
	require.NoError(t, err)
	assert.True(t, ok)

	rejected := l
	rejected.Status = lending.StatusRejected
	ok, err = s.UpdateLoanIf(ctx, rejected, lending.StatusApplication)
	require.NoError(t, err)
	assert.False(t, ok)

	got, err := s.GetLoan(ctx, l.ID)
	require.NoError(t, err)
	assert.Equal(t, lending.StatusApproved, got.Status)
	assert.True(t, got.Principal.Equal(decimal.NewFromInt(9_000_000)))

	_, err = s.UpdateLoanIf(ctx, loan("missing", 9, "M-1"), lending.StatusApplication)
	assert.ErrorIs(t, err, lending.ErrLoanNotFound)
}

func testInstallmentsOnce(t *testing.T, s lending.TxStore) {
	ctx := context.Background()
	l := loan("L-1", 1, "M-1")
	insts := seed(t, s, l)

	err := s.InsertInstallments(ctx, insts)
	require.ErrorIs(t, err, lending.ErrInstallmentAlreadyGenerated)

	n, err := s.CountInstallments(ctx, l.ID)
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	list, err := s.ListInstallments(ctx, l.ID)
	require.NoError(t, err)
	require.Len(t, list, 3)
	assert.Equal(t, 1, list[0].Sequence)
	assert.True(t, list[2].Principal.Equal(insts[2].Principal))
	assert.True(t, lending.AddMonths(lending.DateOnly(day), 1).Equal(list[0].DueDate), "due date %s", list[0].DueDate)
	assert.Equal(t, l.Number, list[0].LoanNumber)
}

func testMarkInstallmentIf(t *testing.T, s lending.TxStore) {
	ctx := context.Background()
	insts := seed(t, s, loan("L-1", 1, "M-1"))
	paidAt := day.AddDate(0, 1, 0)

	ok, err := s.MarkInstallmentIf(ctx, insts[0].ID, lending.InstallmentProcessed, paidAt, "teller")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = s.MarkInstallmentIf(ctx, insts[0].ID, lending.InstallmentPaid, paidAt, "other")
	require.NoError(t, err)
	assert.False(t, ok)

	got, err := s.GetInstallment(ctx, insts[0].ID)
	require.NoError(t, err)
	assert.Equal(t, lending.InstallmentProcessed, got.Status)
	assert.Equal(t, "teller", got.PaidBy)
	require.NotNil(t, got.PaidAt)
	assert.True(t, got.PaidAt.Equal(paidAt))

	_, err = s.MarkInstallmentIf(ctx, "missing", lending.InstallmentPaid, paidAt, "teller")
	assert.ErrorIs(t, err, lending.ErrInstallmentNotFound)
}

func testByStatusOrder(t *testing.T, s lending.TxStore) {
	ctx := context.Background()
	b := seed(t, s, loan("L-2", 2, "M-2"))
	a := seed(t, s, loan("L-1", 1, "M-1"))

	unpaid, err := s.ListInstallmentsByStatus(ctx, lending.InstallmentUnpaid)
	require.NoError(t, err)
	require.Len(t, unpaid, 6)
	assert.Equal(t, a[0].ID, unpaid[0].ID, "same due date: loan number breaks the tie")
	assert.Equal(t, b[0].ID, unpaid[1].ID)
	assert.Equal(t, a[1].ID, unpaid[2].ID)
}

func testTxRollback(t *testing.T, s lending.TxStore) {
	ctx := context.Background()
	l := loan("L-1", 1, "M-1")
	boom := errors.New("boom")

	err := s.WithTx(ctx, func(tx lending.Store) error {
		require.NoError(t, tx.InsertLoan(ctx, l))
		require.NoError(t, tx.InsertInstallments(ctx, installments(l)))
		return boom
	})
	require.ErrorIs(t, err, boom)

	_, err = s.GetLoan(ctx, l.ID)
	assert.ErrorIs(t, err, lending.ErrLoanNotFound)
	n, err := s.CountInstallments(ctx, l.ID)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func testAudit(t *testing.T, s lending.TxStore) {
	ctx := context.Background()
	actions := []lending.AuditAction{lending.AuditLoanApplied, lending.AuditLoanApproved, lending.AuditInstallmentPaid}
	for i, a := range actions {
		require.NoError(t, s.AppendAudit(ctx, lending.AuditEntry{
			ID:        fmt.Sprintf("a-%d", i),
			At:        day.Add(time.Duration(i) * time.Minute),
			ActorID:   "teller",
			ActorRole: "treasurer",
			Action:    a,
			LoanID:    "L-1",
			Payload:   map[string]string{"n": fmt.Sprint(i)},
		}))
	}

	all, err := s.QueryAudit(ctx, lending.AuditFilter{LoanID: "L-1"})
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, lending.AuditLoanApplied, all[0].Action)
	assert.Equal(t, "0", all[0].Payload["n"])
	assert.Equal(t, "treasurer", all[0].ActorRole)

	paid, err := s.QueryAudit(ctx, lending.AuditFilter{Actions: []lending.AuditAction{lending.AuditInstallmentPaid}})
	require.NoError(t, err)
	assert.Len(t, paid, 1)

	last, err := s.QueryAudit(ctx, lending.AuditFilter{Limit: 1})
	require.NoError(t, err)
	require.Len(t, last, 1)
	assert.Equal(t, lending.AuditInstallmentPaid, last[0].Action)
}

// testEngine drives the real services over the store: disbursement in one
// transaction, reconciliation, then a second reconciliation pass.
func testEngine(t *testing.T, s lending.TxStore) {
	ctx := context.Background()
	actor := lending.Actor{ID: "teller", Role: "treasurer"}
	clock := lending.WithClock(func() time.Time { return day })

	ledger := lending.NewLedger(s, clock)
	lc := lending.NewLifecycle(s, ledger, clock)
	matcher := lending.NewMatcher(s, ledger, clock)

	terms := lending.Terms{
		Principal:     decimal.NewFromInt(12_000_000),
		TenorMonths:   12,
		InterestType:  lending.InterestPercentAnnual,
		InterestValue: decimal.NewFromInt(10),
	}
	l, err := lc.Apply(ctx, actor, lending.Application{MemberRef: "M-1", Terms: terms})
	require.NoError(t, err)
	_, err = lc.Approve(ctx, actor, l.ID, terms)
	require.NoError(t, err)
	_, insts, err := lc.Disburse(ctx, actor, l.ID, day)
	require.NoError(t, err)
	require.Len(t, insts, 12)

	rows := []lending.ImportRow{{Line: 2, CompositeID: lending.CompositeID(l.Number, 3), StatusToken: "PROCESSED"}}
	first, err := matcher.Reconcile(ctx, rows)
	require.NoError(t, err)
	require.Len(t, first.Matched, 1)

	applied, err := matcher.Apply(ctx, actor, first.Matched, day)
	require.NoError(t, err)
	assert.Len(t, applied.Succeeded, 1)

	second, err := matcher.Reconcile(ctx, rows)
	require.NoError(t, err)
	assert.Empty(t, second.Matched)
	assert.Len(t, second.Unmatched, 1)

	_, err = ledger.Generate(ctx, lending.Loan{ID: l.ID, Number: l.Number, Terms: terms, Status: lending.StatusDisbursed}, day)
	assert.ErrorIs(t, err, lending.ErrInstallmentAlreadyGenerated)
}

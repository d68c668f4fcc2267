package store_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/loan-engine/lending"
	"github.com/warp/loan-engine/lending/store"
	"github.com/warp/loan-engine/lending/storetest"
)

var created = time.Date(2024, time.March, 5, 10, 0, 0, 0, time.UTC)

func testLoan(id, number string) lending.Loan {
	return lending.Loan{
		ID:        lending.LoanID(id),
		Number:    number,
		MemberRef: "M-1",
		Terms: lending.Terms{
			Principal:    decimal.NewFromInt(1_000_000),
			TenorMonths:  2,
			InterestType: lending.InterestNone,
		},
		Status:    lending.StatusApplication,
		CreatedAt: created,
	}
}

func testInstallments(loan lending.Loan) []lending.Installment {
	return []lending.Installment{
		{ID: lending.InstallmentID(string(loan.ID) + "-2"), LoanID: loan.ID, LoanNumber: loan.Number, Sequence: 2, Amount: decimal.NewFromInt(500_000), DueDate: created.AddDate(0, 2, 0), Status: lending.InstallmentUnpaid},
		{ID: lending.InstallmentID(string(loan.ID) + "-1"), LoanID: loan.ID, LoanNumber: loan.Number, Sequence: 1, Amount: decimal.NewFromInt(500_000), DueDate: created.AddDate(0, 1, 0), Status: lending.InstallmentUnpaid},
	}
}

func TestMemory_UpdateLoanIf_GuardsStatus(t *testing.T) {
	ctx := context.Background()
	m := store.NewMemory()
	loan := testLoan("L-1", "PJ-20240305-0001")
	require.NoError(t, m.InsertLoan(ctx, loan))

	approved := loan
	approved.Status = lending.StatusApproved
	ok, err := m.UpdateLoanIf(ctx, approved, lending.StatusApplication)
	require.NoError(t, err)
	assert.True(t, ok)

	rejected := loan
	rejected.Status = lending.StatusRejected
	ok, err = m.UpdateLoanIf(ctx, rejected, lending.StatusApplication)
	require.NoError(t, err)
	assert.False(t, ok, "guard must fail once the status moved on")

	got, err := m.GetLoan(ctx, loan.ID)
	require.NoError(t, err)
	assert.Equal(t, lending.StatusApproved, got.Status)
}

func TestMemory_DuplicateLoanNumber(t *testing.T) {
	ctx := context.Background()
	m := store.NewMemory()
	require.NoError(t, m.InsertLoan(ctx, testLoan("L-1", "PJ-20240305-0001")))

	err := m.InsertLoan(ctx, testLoan("L-2", "PJ-20240305-0001"))
	assert.ErrorIs(t, err, lending.ErrDuplicateLoanNumber)

	n, err := m.CountLoansCreatedOn(ctx, created)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestMemory_Installments_OrderedAndGuarded(t *testing.T) {
	ctx := context.Background()
	m := store.NewMemory()
	loan := testLoan("L-1", "PJ-20240305-0001")
	require.NoError(t, m.InsertLoan(ctx, loan))
	require.NoError(t, m.InsertInstallments(ctx, testInstallments(loan)))

	err := m.InsertInstallments(ctx, testInstallments(loan))
	require.ErrorIs(t, err, lending.ErrInstallmentAlreadyGenerated)

	list, err := m.ListInstallments(ctx, loan.ID)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, 1, list[0].Sequence)

	ok, err := m.MarkInstallmentIf(ctx, "L-1-1", lending.InstallmentPaid, created, "teller")
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = m.MarkInstallmentIf(ctx, "L-1-1", lending.InstallmentProcessed, created, "teller")
	require.NoError(t, err)
	assert.False(t, ok)

	unpaid, err := m.ListInstallmentsByStatus(ctx, lending.InstallmentUnpaid)
	require.NoError(t, err)
	require.Len(t, unpaid, 1)
	assert.Equal(t, lending.InstallmentID("L-1-2"), unpaid[0].ID)
}

func TestTxMemory_RollbackOnError(t *testing.T) {
	// GIVEN: A transaction that writes a loan, installments and audit, then fails
	// WHEN: WithTx returns
	// THEN: None of the writes are visible

	ctx := context.Background()
	tm := store.NewTxMemory()
	loan := testLoan("L-1", "PJ-20240305-0001")
	boom := errors.New("boom")

	err := tm.WithTx(ctx, func(s lending.Store) error {
		if err := s.InsertLoan(ctx, loan); err != nil {
			return err
		}
		if err := s.InsertInstallments(ctx, testInstallments(loan)); err != nil {
			return err
		}
		if err := s.AppendAudit(ctx, lending.AuditEntry{ID: "a-1", LoanID: loan.ID}); err != nil {
			return err
		}
		return boom
	})
	require.ErrorIs(t, err, boom)

	_, err = tm.GetLoan(ctx, loan.ID)
	assert.ErrorIs(t, err, lending.ErrLoanNotFound)
	n, err := tm.CountInstallments(ctx, loan.ID)
	require.NoError(t, err)
	assert.Zero(t, n)
	entries, err := tm.QueryAudit(ctx, lending.AuditFilter{})
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestTxMemory_CommitOnSuccess(t *testing.T) {
	ctx := context.Background()
	tm := store.NewTxMemory()
	loan := testLoan("L-1", "PJ-20240305-0001")

	err := tm.WithTx(ctx, func(s lending.Store) error {
		return s.InsertLoan(ctx, loan)
	})
	require.NoError(t, err)

	got, err := tm.GetLoanByNumber(ctx, "PJ-20240305-0001")
	require.NoError(t, err)
	assert.Equal(t, loan.ID, got.ID)
}

func TestMemory_QueryAudit_FilterAndLimit(t *testing.T) {
	ctx := context.Background()
	m := store.NewMemory()
	for i, action := range []lending.AuditAction{lending.AuditLoanApplied, lending.AuditLoanApproved, lending.AuditLoanDisbursed} {
		require.NoError(t, m.AppendAudit(ctx, lending.AuditEntry{
			ID:      string(rune('a' + i)),
			LoanID:  "L-1",
			ActorID: "teller",
			Action:  action,
		}))
	}

	entries, err := m.QueryAudit(ctx, lending.AuditFilter{LoanID: "L-1", Limit: 2})
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, lending.AuditLoanApproved, entries[0].Action, "limit keeps the most recent entries")

	entries, err = m.QueryAudit(ctx, lending.AuditFilter{Actions: []lending.AuditAction{lending.AuditLoanApplied}})
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestTxMemory_Contract(t *testing.T) {
	storetest.Run(t, func(t *testing.T) lending.TxStore { return store.NewTxMemory() })
}

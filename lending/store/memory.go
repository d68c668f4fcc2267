// Package store provides in-process lending.Store implementations.
package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/warp/loan-engine/lending"
)

// =============================================================================
// MEMORY STORE - In-memory implementation (for testing/dev)
// =============================================================================

type Memory struct {
	mu sync.RWMutex
	data
}

// data holds the tables. Its methods assume the caller holds the lock.
type data struct {
	loans        map[lending.LoanID]lending.Loan
	numbers      map[string]lending.LoanID
	installments map[lending.InstallmentID]lending.Installment
	byLoan       map[lending.LoanID][]lending.InstallmentID
	audit        []lending.AuditEntry
}

func newData() data {
	return data{
		loans:        make(map[lending.LoanID]lending.Loan),
		numbers:      make(map[string]lending.LoanID),
		installments: make(map[lending.InstallmentID]lending.Installment),
		byLoan:       make(map[lending.LoanID][]lending.InstallmentID),
	}
}

func NewMemory() *Memory {
	return &Memory{data: newData()}
}

// Reset drops every row.
func (m *Memory) Reset(context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data = newData()
	return nil
}

func (m *Memory) InsertLoan(_ context.Context, loan lending.Loan) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.insertLoanLocked(loan)
}

func (m *Memory) GetLoan(_ context.Context, id lending.LoanID) (lending.Loan, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.getLoanLocked(id)
}

func (m *Memory) GetLoanByNumber(_ context.Context, number string) (lending.Loan, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.getLoanByNumberLocked(number)
}

func (m *Memory) ListLoans(_ context.Context, filter lending.LoanFilter) ([]lending.Loan, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.listLoansLocked(filter), nil
}

func (m *Memory) CountLoansCreatedOn(_ context.Context, day time.Time) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.countLoansCreatedOnLocked(day), nil
}

func (m *Memory) UpdateLoanIf(_ context.Context, loan lending.Loan, expected lending.LoanStatus) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.updateLoanIfLocked(loan, expected)
}

func (m *Memory) InsertInstallments(_ context.Context, installments []lending.Installment) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.insertInstallmentsLocked(installments)
}

func (m *Memory) CountInstallments(_ context.Context, loanID lending.LoanID) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.byLoan[loanID]), nil
}

func (m *Memory) GetInstallment(_ context.Context, id lending.InstallmentID) (lending.Installment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.getInstallmentLocked(id)
}

func (m *Memory) ListInstallments(_ context.Context, loanID lending.LoanID) ([]lending.Installment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.listInstallmentsLocked(loanID), nil
}

func (m *Memory) ListInstallmentsByStatus(_ context.Context, status lending.InstallmentStatus) ([]lending.Installment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.listInstallmentsByStatusLocked(status), nil
}

func (m *Memory) MarkInstallmentIf(_ context.Context, id lending.InstallmentID, target lending.InstallmentStatus, paidAt time.Time, paidBy string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.markInstallmentIfLocked(id, target, paidAt, paidBy)
}

func (m *Memory) AppendAudit(_ context.Context, entry lending.AuditEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.audit = append(m.audit, entry)
	return nil
}

func (m *Memory) QueryAudit(_ context.Context, filter lending.AuditFilter) ([]lending.AuditEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.queryAuditLocked(filter), nil
}

// =============================================================================
// TABLE OPERATIONS (caller holds the lock)
// =============================================================================

func (d *data) insertLoanLocked(loan lending.Loan) error {
	if _, ok := d.numbers[loan.Number]; ok {
		return lending.ErrDuplicateLoanNumber
	}
	d.loans[loan.ID] = loan
	d.numbers[loan.Number] = loan.ID
	return nil
}

func (d *data) getLoanLocked(id lending.LoanID) (lending.Loan, error) {
	loan, ok := d.loans[id]
	if !ok {
		return lending.Loan{}, lending.ErrLoanNotFound
	}
	return loan, nil
}

func (d *data) getLoanByNumberLocked(number string) (lending.Loan, error) {
	id, ok := d.numbers[number]
	if !ok {
		return lending.Loan{}, lending.ErrLoanNotFound
	}
	return d.loans[id], nil
}

func (d *data) listLoansLocked(filter lending.LoanFilter) []lending.Loan {
	var out []lending.Loan
	for _, l := range d.loans {
		if filter.Match(l) {
			out = append(out, l)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Number < out[j].Number })
	return out
}

func (d *data) countLoansCreatedOnLocked(day time.Time) int {
	start := lending.DateOnly(day)
	end := start.AddDate(0, 0, 1)
	n := 0
	for _, l := range d.loans {
		at := l.CreatedAt.UTC()
		if !at.Before(start) && at.Before(end) {
			n++
		}
	}
	return n
}

func (d *data) updateLoanIfLocked(loan lending.Loan, expected lending.LoanStatus) (bool, error) {
	current, ok := d.loans[loan.ID]
	if !ok {
		return false, lending.ErrLoanNotFound
	}
	if current.Status != expected {
		return false, nil
	}
	// Identity fields are immutable.
	loan.Number = current.Number
	loan.MemberRef = current.MemberRef
	loan.CreatedAt = current.CreatedAt
	d.loans[loan.ID] = loan
	return true, nil
}

func (d *data) insertInstallmentsLocked(installments []lending.Installment) error {
	// Check first so a rejected batch writes nothing.
	seen := make(map[lending.LoanID]bool)
	for _, inst := range installments {
		if _, ok := d.loans[inst.LoanID]; !ok {
			return lending.ErrLoanNotFound
		}
		if !seen[inst.LoanID] && len(d.byLoan[inst.LoanID]) > 0 {
			return lending.ErrInstallmentAlreadyGenerated
		}
		seen[inst.LoanID] = true
	}
	for _, inst := range installments {
		d.installments[inst.ID] = inst
		d.byLoan[inst.LoanID] = append(d.byLoan[inst.LoanID], inst.ID)
	}
	return nil
}

func (d *data) getInstallmentLocked(id lending.InstallmentID) (lending.Installment, error) {
	inst, ok := d.installments[id]
	if !ok {
		return lending.Installment{}, lending.ErrInstallmentNotFound
	}
	return inst, nil
}

func (d *data) listInstallmentsLocked(loanID lending.LoanID) []lending.Installment {
	ids := d.byLoan[loanID]
	out := make([]lending.Installment, 0, len(ids))
	for _, id := range ids {
		out = append(out, d.installments[id])
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Sequence < out[j].Sequence })
	return out
}

func (d *data) listInstallmentsByStatusLocked(status lending.InstallmentStatus) []lending.Installment {
	var out []lending.Installment
	for _, inst := range d.installments {
		if inst.Status == status {
			out = append(out, inst)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if !a.DueDate.Equal(b.DueDate) {
			return a.DueDate.Before(b.DueDate)
		}
		if a.LoanNumber != b.LoanNumber {
			return a.LoanNumber < b.LoanNumber
		}
		return a.Sequence < b.Sequence
	})
	return out
}

func (d *data) markInstallmentIfLocked(id lending.InstallmentID, target lending.InstallmentStatus, paidAt time.Time, paidBy string) (bool, error) {
	inst, ok := d.installments[id]
	if !ok {
		return false, lending.ErrInstallmentNotFound
	}
	if inst.Status != lending.InstallmentUnpaid {
		return false, nil
	}
	inst.Status = target
	inst.PaidAt = &paidAt
	inst.PaidBy = paidBy
	d.installments[id] = inst
	return true, nil
}

func (d *data) queryAuditLocked(filter lending.AuditFilter) []lending.AuditEntry {
	var out []lending.AuditEntry
	for _, e := range d.audit {
		if filter.Match(e) {
			out = append(out, e)
		}
	}
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[len(out)-filter.Limit:]
	}
	return out
}

// clone deep-copies the tables for rollback.
func (d *data) clone() data {
	c := newData()
	for k, v := range d.loans {
		c.loans[k] = v
	}
	for k, v := range d.numbers {
		c.numbers[k] = v
	}
	for k, v := range d.installments {
		c.installments[k] = v
	}
	for k, v := range d.byLoan {
		c.byLoan[k] = append([]lending.InstallmentID{}, v...)
	}
	c.audit = append([]lending.AuditEntry{}, d.audit...)
	return c
}

// =============================================================================
// TRANSACTIONAL MEMORY STORE
// =============================================================================

// TxMemory wraps Memory with transaction support.
type TxMemory struct {
	*Memory
}

func NewTxMemory() *TxMemory {
	return &TxMemory{Memory: NewMemory()}
}

// WithTx executes fn within a transaction.
// For memory store, this is simulated with a snapshot + rollback on error.
func (tm *TxMemory) WithTx(ctx context.Context, fn func(lending.Store) error) error {
	tm.mu.Lock()
	defer tm.mu.Unlock()

	snapshot := tm.data.clone()
	if err := fn(&txMemoryView{d: &tm.data}); err != nil {
		tm.data = snapshot
		return err
	}
	return nil
}

// txMemoryView is the Store handed to WithTx callbacks. The lock is
// already held by WithTx.
type txMemoryView struct {
	d *data
}

func (tv *txMemoryView) InsertLoan(_ context.Context, loan lending.Loan) error {
	return tv.d.insertLoanLocked(loan)
}

func (tv *txMemoryView) GetLoan(_ context.Context, id lending.LoanID) (lending.Loan, error) {
	return tv.d.getLoanLocked(id)
}

func (tv *txMemoryView) GetLoanByNumber(_ context.Context, number string) (lending.Loan, error) {
	return tv.d.getLoanByNumberLocked(number)
}

func (tv *txMemoryView) ListLoans(_ context.Context, filter lending.LoanFilter) ([]lending.Loan, error) {
	return tv.d.listLoansLocked(filter), nil
}

func (tv *txMemoryView) CountLoansCreatedOn(_ context.Context, day time.Time) (int, error) {
	return tv.d.countLoansCreatedOnLocked(day), nil
}

func (tv *txMemoryView) UpdateLoanIf(_ context.Context, loan lending.Loan, expected lending.LoanStatus) (bool, error) {
	return tv.d.updateLoanIfLocked(loan, expected)
}

func (tv *txMemoryView) InsertInstallments(_ context.Context, installments []lending.Installment) error {
	return tv.d.insertInstallmentsLocked(installments)
}

func (tv *txMemoryView) CountInstallments(_ context.Context, loanID lending.LoanID) (int, error) {
	return len(tv.d.byLoan[loanID]), nil
}

func (tv *txMemoryView) GetInstallment(_ context.Context, id lending.InstallmentID) (lending.Installment, error) {
	return tv.d.getInstallmentLocked(id)
}

func (tv *txMemoryView) ListInstallments(_ context.Context, loanID lending.LoanID) ([]lending.Installment, error) {
	return tv.d.listInstallmentsLocked(loanID), nil
}

func (tv *txMemoryView) ListInstallmentsByStatus(_ context.Context, status lending.InstallmentStatus) ([]lending.Installment, error) {
	return tv.d.listInstallmentsByStatusLocked(status), nil
}

func (tv *txMemoryView) MarkInstallmentIf(_ context.Context, id lending.InstallmentID, target lending.InstallmentStatus, paidAt time.Time, paidBy string) (bool, error) {
	return tv.d.markInstallmentIfLocked(id, target, paidAt, paidBy)
}

func (tv *txMemoryView) AppendAudit(_ context.Context, entry lending.AuditEntry) error {
	tv.d.audit = append(tv.d.audit, entry)
	return nil
}

func (tv *txMemoryView) QueryAudit(_ context.Context, filter lending.AuditFilter) ([]lending.AuditEntry, error) {
	return tv.d.queryAuditLocked(filter), nil
}

/*
Package sqlite provides a SQLite-backed implementation of lending.TxStore.

PURPOSE:
  Persists loans, installments and the audit log in SQLite. The PostgreSQL
  store (store/postgres) follows the same patterns with dialect changes.

CONDITIONAL UPDATES:
  Every status change is a single guarded statement:
    UPDATE loans        SET ... WHERE id = ? AND status = ?
    UPDATE installments SET ... WHERE id = ? AND status = 'UNPAID'
  RowsAffected() == 0 means the guard failed; the store returns false
  and lets the engine decide what that means.

KEY TABLES:
  loans:        lifecycle aggregate, unique loan number
  installments: UNIQUE(loan_id, sequence) backs "generated once"
  audit_log:    append-only record of every mutating call

MONEY AND TIME:
  Decimals are stored as TEXT (decimal.String) so no precision is lost.
  Timestamps are fixed-width RFC3339 UTC, due dates are YYYY-MM-DD; both sort
  correctly as text.

CONCURRENCY:
  The pool is limited to one connection, which serializes writers the way
  SQLite does anyway and keeps ":memory:" databases on a single connection.
  WithTx holds the store mutex for the lifetime of the transaction.

MIGRATION:
  Schema is migrated on New() with golang-migrate from the embedded
  migrations/ directory.

USAGE:
  store, err := sqlite.New("./data/loans.db")
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()

  ledger := lending.NewLedger(store)
*/
package sqlite

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/golang-migrate/migrate/v4"
	migratesqlite "github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"
	"github.com/warp/loan-engine/lending"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

const (
	// Fixed width so timestamps sort as text.
	timeLayout = "2006-01-02T15:04:05.000000000Z07:00"
	dayLayout  = "2006-01-02"
)

// Store implements lending.TxStore using SQLite.
type Store struct {
	*queries
	db *sql.DB
	mu sync.Mutex
}

var _ lending.TxStore = (*Store)(nil)

// New creates a new SQLite store with the given database path.
// Use ":memory:" for an in-memory database.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)

	if err := migrateUp(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return &Store{queries: &queries{q: db}, db: db}, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func migrateUp(db *sql.DB) error {
	driver, err := migratesqlite.WithInstance(db, &migratesqlite.Config{})
	if err != nil {
		return fmt.Errorf("create sqlite driver: %w", err)
	}
	src, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("create iofs source: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", src, "sqlite3", driver)
	if err != nil {
		return fmt.Errorf("create migrate instance: %w", err)
	}
	// m.Close would close db, which the store keeps using.
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("run migrations: %w", err)
	}
	return nil
}

// WithTx executes fn within a database transaction.
func (s *Store) WithTx(ctx context.Context, fn func(lending.Store) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return lending.Persistence("begin", err)
	}
	defer sqlTx.Rollback()

	if err := fn(&queries{q: sqlTx}); err != nil {
		return err
	}
	return lending.Persistence("commit", sqlTx.Commit())
}

// InsertInstallments inserts the batch atomically.
func (s *Store) InsertInstallments(ctx context.Context, installments []lending.Installment) error {
	return s.WithTx(ctx, func(tx lending.Store) error {
		return tx.InsertInstallments(ctx, installments)
	})
}

// Reset deletes every row. Used when loading demo scenarios.
func (s *Store) Reset(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, table := range []string{"audit_log", "installments", "loans"} {
		if _, err := s.db.ExecContext(ctx, "DELETE FROM "+table); err != nil {
			return lending.Persistence("reset "+table, err)
		}
	}
	return nil
}

// =============================================================================
// QUERIES - shared by the store and its transactions
// =============================================================================

type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type queries struct {
	q querier
}

const loanColumns = `id, number, member_ref, principal, tenor_months, interest_type, interest_value,
	status, reject_reason, created_at, approved_at, disbursed_at, rejected_at`

const installmentColumns = `id, loan_id, loan_number, member_ref, sequence, principal, interest, amount,
	due_date, status, paid_at, paid_by`

func (q *queries) InsertLoan(ctx context.Context, loan lending.Loan) error {
	_, err := q.q.ExecContext(ctx, `
		INSERT INTO loans (`+loanColumns+`, created_day)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		loan.ID, loan.Number, loan.MemberRef,
		loan.Principal.String(), loan.TenorMonths, loan.InterestType, loan.InterestValue.String(),
		loan.Status, nullString(loan.RejectReason),
		formatTime(loan.CreatedAt), nullTime(loan.ApprovedAt), nullTime(loan.DisbursedAt), nullTime(loan.RejectedAt),
		loan.CreatedAt.UTC().Format(dayLayout),
	)
	if isUniqueConstraintError(err) {
		return lending.ErrDuplicateLoanNumber
	}
	return lending.Persistence("insert loan", err)
}

func (q *queries) GetLoan(ctx context.Context, id lending.LoanID) (lending.Loan, error) {
	row := q.q.QueryRowContext(ctx, `SELECT `+loanColumns+` FROM loans WHERE id = ?`, id)
	return scanLoan(row)
}

func (q *queries) GetLoanByNumber(ctx context.Context, number string) (lending.Loan, error) {
	row := q.q.QueryRowContext(ctx, `SELECT `+loanColumns+` FROM loans WHERE number = ?`, number)
	return scanLoan(row)
}

func (q *queries) ListLoans(ctx context.Context, filter lending.LoanFilter) ([]lending.Loan, error) {
	query := `SELECT ` + loanColumns + ` FROM loans WHERE 1=1`
	var args []any
	if filter.MemberRef != "" {
		query += ` AND member_ref = ?`
		args = append(args, filter.MemberRef)
	}
	if filter.Status != "" {
		query += ` AND status = ?`
		args = append(args, filter.Status)
	}
	query += ` ORDER BY number`

	rows, err := q.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, lending.Persistence("list loans", err)
	}
	defer rows.Close()

	var loans []lending.Loan
	for rows.Next() {
		loan, err := scanLoan(rows)
		if err != nil {
			return nil, err
		}
		loans = append(loans, loan)
	}
	return loans, lending.Persistence("list loans", rows.Err())
}

func (q *queries) CountLoansCreatedOn(ctx context.Context, day time.Time) (int, error) {
	var n int
	err := q.q.QueryRowContext(ctx, `SELECT COUNT(*) FROM loans WHERE created_day = ?`,
		day.UTC().Format(dayLayout)).Scan(&n)
	return n, lending.Persistence("count loans", err)
}

func (q *queries) UpdateLoanIf(ctx context.Context, loan lending.Loan, expected lending.LoanStatus) (bool, error) {
	res, err := q.q.ExecContext(ctx, `
		UPDATE loans SET
			principal = ?, tenor_months = ?, interest_type = ?, interest_value = ?,
			status = ?, reject_reason = ?, approved_at = ?, disbursed_at = ?, rejected_at = ?
		WHERE id = ? AND status = ?`,
		loan.Principal.String(), loan.TenorMonths, loan.InterestType, loan.InterestValue.String(),
		loan.Status, nullString(loan.RejectReason),
		nullTime(loan.ApprovedAt), nullTime(loan.DisbursedAt), nullTime(loan.RejectedAt),
		loan.ID, expected,
	)
	if err != nil {
		return false, lending.Persistence("update loan", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, lending.Persistence("update loan", err)
	}
	if n == 0 {
		// Distinguish a failed guard from a missing loan.
		if _, err := q.GetLoan(ctx, loan.ID); err != nil {
			return false, err
		}
	}
	return n == 1, nil
}

func (q *queries) InsertInstallments(ctx context.Context, installments []lending.Installment) error {
	checked := make(map[lending.LoanID]bool)
	for _, inst := range installments {
		if checked[inst.LoanID] {
			continue
		}
		checked[inst.LoanID] = true
		n, err := q.CountInstallments(ctx, inst.LoanID)
		if err != nil {
			return err
		}
		if n > 0 {
			return lending.ErrInstallmentAlreadyGenerated
		}
	}

	for _, inst := range installments {
		_, err := q.q.ExecContext(ctx, `
			INSERT INTO installments (`+installmentColumns+`)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			inst.ID, inst.LoanID, inst.LoanNumber, inst.MemberRef, inst.Sequence,
			inst.Principal.String(), inst.Interest.String(), inst.Amount.String(),
			inst.DueDate.UTC().Format(dayLayout), inst.Status,
			nullTime(inst.PaidAt), nullString(inst.PaidBy),
		)
		if isUniqueConstraintError(err) {
			return lending.ErrInstallmentAlreadyGenerated
		}
		if isForeignKeyError(err) {
			return lending.ErrLoanNotFound
		}
		if err != nil {
			return lending.Persistence("insert installment", err)
		}
	}
	return nil
}

func (q *queries) CountInstallments(ctx context.Context, loanID lending.LoanID) (int, error) {
	var n int
	err := q.q.QueryRowContext(ctx, `SELECT COUNT(*) FROM installments WHERE loan_id = ?`, loanID).Scan(&n)
	return n, lending.Persistence("count installments", err)
}

func (q *queries) GetInstallment(ctx context.Context, id lending.InstallmentID) (lending.Installment, error) {
	row := q.q.QueryRowContext(ctx, `SELECT `+installmentColumns+` FROM installments WHERE id = ?`, id)
	return scanInstallment(row)
}

func (q *queries) ListInstallments(ctx context.Context, loanID lending.LoanID) ([]lending.Installment, error) {
	return q.queryInstallments(ctx,
		`SELECT `+installmentColumns+` FROM installments WHERE loan_id = ? ORDER BY sequence`, loanID)
}

func (q *queries) ListInstallmentsByStatus(ctx context.Context, status lending.InstallmentStatus) ([]lending.Installment, error) {
	return q.queryInstallments(ctx,
		`SELECT `+installmentColumns+` FROM installments WHERE status = ?
		 ORDER BY due_date, loan_number, sequence`, status)
}

func (q *queries) queryInstallments(ctx context.Context, query string, args ...any) ([]lending.Installment, error) {
	rows, err := q.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, lending.Persistence("list installments", err)
	}
	defer rows.Close()

	var out []lending.Installment
	for rows.Next() {
		inst, err := scanInstallment(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, inst)
	}
	return out, lending.Persistence("list installments", rows.Err())
}

func (q *queries) MarkInstallmentIf(ctx context.Context, id lending.InstallmentID, target lending.InstallmentStatus, paidAt time.Time, paidBy string) (bool, error) {
	res, err := q.q.ExecContext(ctx, `
		UPDATE installments SET status = ?, paid_at = ?, paid_by = ?
		WHERE id = ? AND status = ?`,
		target, formatTime(paidAt), nullString(paidBy), id, lending.InstallmentUnpaid,
	)
	if err != nil {
		return false, lending.Persistence("mark installment", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, lending.Persistence("mark installment", err)
	}
	if n == 0 {
		if _, err := q.GetInstallment(ctx, id); err != nil {
			return false, err
		}
	}
	return n == 1, nil
}

func (q *queries) AppendAudit(ctx context.Context, e lending.AuditEntry) error {
	payload, err := json.Marshal(e.Payload)
	if err != nil {
		return fmt.Errorf("failed to encode audit payload: %w", err)
	}
	_, err = q.q.ExecContext(ctx, `
		INSERT INTO audit_log (id, at, actor_id, actor_role, action, loan_id, installment_id, payload_json)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, formatTime(e.At), e.ActorID, nullString(e.ActorRole), e.Action,
		nullString(string(e.LoanID)), nullString(string(e.InstallmentID)), string(payload),
	)
	return lending.Persistence("append audit", err)
}

func (q *queries) QueryAudit(ctx context.Context, filter lending.AuditFilter) ([]lending.AuditEntry, error) {
	query := `SELECT id, at, actor_id, actor_role, action, loan_id, installment_id, payload_json
		FROM audit_log WHERE 1=1`
	var args []any
	if filter.LoanID != "" {
		query += ` AND loan_id = ?`
		args = append(args, filter.LoanID)
	}
	if filter.ActorID != "" {
		query += ` AND actor_id = ?`
		args = append(args, filter.ActorID)
	}
	if len(filter.Actions) > 0 {
		query += ` AND action IN (?` + strings.Repeat(`, ?`, len(filter.Actions)-1) + `)`
		for _, a := range filter.Actions {
			args = append(args, a)
		}
	}
	query += ` ORDER BY at, rowid`

	rows, err := q.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, lending.Persistence("query audit", err)
	}
	defer rows.Close()

	var out []lending.AuditEntry
	for rows.Next() {
		var (
			e                    lending.AuditEntry
			at                   string
			role, loanID, instID sql.NullString
			payload              sql.NullString
		)
		if err := rows.Scan(&e.ID, &at, &e.ActorID, &role, &e.Action, &loanID, &instID, &payload); err != nil {
			return nil, lending.Persistence("scan audit", err)
		}
		if e.At, err = parseTime(at); err != nil {
			return nil, fmt.Errorf("audit %s: %w", e.ID, err)
		}
		e.ActorRole = role.String
		e.LoanID = lending.LoanID(loanID.String)
		e.InstallmentID = lending.InstallmentID(instID.String)
		if payload.Valid && payload.String != "" && payload.String != "null" {
			if err := json.Unmarshal([]byte(payload.String), &e.Payload); err != nil {
				return nil, fmt.Errorf("failed to decode audit payload: %w", err)
			}
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, lending.Persistence("query audit", err)
	}
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[len(out)-filter.Limit:]
	}
	return out, nil
}

// =============================================================================
// SCANNING
// =============================================================================

type scanner interface {
	Scan(dest ...any) error
}

func scanLoan(row scanner) (lending.Loan, error) {
	var (
		loan                                lending.Loan
		principal, interestValue, createdAt string
		rejectReason                        sql.NullString
		approvedAt, disbursedAt, rejectedAt sql.NullString
	)
	err := row.Scan(
		&loan.ID, &loan.Number, &loan.MemberRef,
		&principal, &loan.TenorMonths, &loan.InterestType, &interestValue,
		&loan.Status, &rejectReason, &createdAt, &approvedAt, &disbursedAt, &rejectedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return lending.Loan{}, lending.ErrLoanNotFound
	}
	if err != nil {
		return lending.Loan{}, lending.Persistence("scan loan", err)
	}

	if loan.Principal, err = decimal.NewFromString(principal); err != nil {
		return lending.Loan{}, fmt.Errorf("loan %s: bad principal %q: %w", loan.ID, principal, err)
	}
	if loan.InterestValue, err = decimal.NewFromString(interestValue); err != nil {
		return lending.Loan{}, fmt.Errorf("loan %s: bad interest value %q: %w", loan.ID, interestValue, err)
	}
	loan.RejectReason = rejectReason.String
	if loan.CreatedAt, err = parseTime(createdAt); err != nil {
		return lending.Loan{}, fmt.Errorf("loan %s: created_at: %w", loan.ID, err)
	}
	if loan.ApprovedAt, err = parseNullTime(approvedAt); err != nil {
		return lending.Loan{}, fmt.Errorf("loan %s: approved_at: %w", loan.ID, err)
	}
	if loan.DisbursedAt, err = parseNullTime(disbursedAt); err != nil {
		return lending.Loan{}, fmt.Errorf("loan %s: disbursed_at: %w", loan.ID, err)
	}
	if loan.RejectedAt, err = parseNullTime(rejectedAt); err != nil {
		return lending.Loan{}, fmt.Errorf("loan %s: rejected_at: %w", loan.ID, err)
	}
	return loan, nil
}

func scanInstallment(row scanner) (lending.Installment, error) {
	var (
		inst                        lending.Installment
		principal, interest, amount string
		dueDate                     string
		paidAt, paidBy              sql.NullString
	)
	err := row.Scan(
		&inst.ID, &inst.LoanID, &inst.LoanNumber, &inst.MemberRef, &inst.Sequence,
		&principal, &interest, &amount, &dueDate, &inst.Status, &paidAt, &paidBy,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return lending.Installment{}, lending.ErrInstallmentNotFound
	}
	if err != nil {
		return lending.Installment{}, lending.Persistence("scan installment", err)
	}

	if inst.Principal, err = decimal.NewFromString(principal); err != nil {
		return lending.Installment{}, fmt.Errorf("installment %s: bad principal %q: %w", inst.ID, principal, err)
	}
	if inst.Interest, err = decimal.NewFromString(interest); err != nil {
		return lending.Installment{}, fmt.Errorf("installment %s: bad interest %q: %w", inst.ID, interest, err)
	}
	if inst.Amount, err = decimal.NewFromString(amount); err != nil {
		return lending.Installment{}, fmt.Errorf("installment %s: bad amount %q: %w", inst.ID, amount, err)
	}
	if inst.DueDate, err = time.Parse(dayLayout, dueDate); err != nil {
		return lending.Installment{}, fmt.Errorf("installment %s: bad due date %q: %w", inst.ID, dueDate, err)
	}
	if inst.PaidAt, err = parseNullTime(paidAt); err != nil {
		return lending.Installment{}, fmt.Errorf("installment %s: paid_at: %w", inst.ID, err)
	}
	inst.PaidBy = paidBy.String
	return inst, nil
}

// =============================================================================
// HELPERS
// =============================================================================

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("bad timestamp %q: %w", s, err)
	}
	return t, nil
}

func nullTime(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: formatTime(*t), Valid: true}
}

func parseNullTime(s sql.NullString) (*time.Time, error) {
	if !s.Valid || s.String == "" {
		return nil, nil
	}
	t, err := parseTime(s.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func isUniqueConstraintError(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

func isForeignKeyError(err error) bool {
	return err != nil && strings.Contains(err.Error(), "FOREIGN KEY constraint failed")
}

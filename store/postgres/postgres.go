/*
Package postgres provides a PostgreSQL-backed implementation of lending.TxStore.

PURPOSE:
  Production persistence for loans, installments and the audit log. Same
  guarded-write contract as store/sqlite, on a pgx connection pool.

CONDITIONAL UPDATES:
  UPDATE loans        SET ... WHERE id = $n AND status = $m
  UPDATE installments SET ... WHERE id = $n AND status = 'UNPAID'
  Zero rows affected means the guard failed. Row-level locking in
  PostgreSQL makes the second of two concurrent writers see zero rows.

MONEY:
  NUMERIC columns, written and read as decimal strings.

MIGRATION:
  RunMigrations applies the embedded migrations/ with golang-migrate.
  Open runs them before returning the store.
*/
package postgres

import (
	"context"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	migratepg "github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/shopspring/decimal"
	"github.com/warp/loan-engine/lending"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

const (
	codeUniqueViolation     = "23505"
	codeForeignKeyViolation = "23503"
)

// Store implements lending.TxStore on a pgx pool.
type Store struct {
	*queries
	pool *pgxpool.Pool
}

var _ lending.TxStore = (*Store)(nil)

// Open connects, pings and migrates.
func Open(ctx context.Context, databaseURL string) (*Store, error) {
	if err := RunMigrations(databaseURL); err != nil {
		return nil, err
	}

	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	return New(pool), nil
}

// New wraps an existing pool. The schema must already be migrated.
func New(pool *pgxpool.Pool) *Store {
	return &Store{queries: &queries{q: pool}, pool: pool}
}

func (s *Store) Close() {
	s.pool.Close()
}

// Ping reports whether the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// RunMigrations applies all pending migrations.
func RunMigrations(databaseURL string) error {
	config, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return fmt.Errorf("failed to parse database URL: %w", err)
	}
	db := stdlib.OpenDB(*config.ConnConfig)

	driver, err := migratepg.WithInstance(db, &migratepg.Config{})
	if err != nil {
		db.Close()
		return fmt.Errorf("failed to create postgres driver: %w", err)
	}
	src, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		db.Close()
		return fmt.Errorf("failed to create source driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", src, "postgres", driver)
	if err != nil {
		db.Close()
		return fmt.Errorf("failed to create migrate instance: %w", err)
	}
	defer m.Close()

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to run migrations: %w", err)
	}
	return nil
}

// WithTx executes fn within a transaction. If fn returns an error the
// transaction is rolled back.
func (s *Store) WithTx(ctx context.Context, fn func(lending.Store) error) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return lending.Persistence("begin", err)
	}
	defer tx.Rollback(ctx)

	if err := fn(&queries{q: tx}); err != nil {
		return err
	}
	return lending.Persistence("commit", tx.Commit(ctx))
}

// InsertInstallments inserts the batch atomically.
func (s *Store) InsertInstallments(ctx context.Context, installments []lending.Installment) error {
	return s.WithTx(ctx, func(tx lending.Store) error {
		return tx.InsertInstallments(ctx, installments)
	})
}

// Reset deletes every row. Used when loading demo scenarios.
func (s *Store) Reset(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `TRUNCATE audit_log, installments, loans`)
	return lending.Persistence("reset", err)
}

// =============================================================================
// QUERIES - shared by the pool and its transactions
// =============================================================================

type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type queries struct {
	q querier
}

const loanColumns = `id, number, member_ref, principal::text, tenor_months, interest_type, interest_value::text,
	status, reject_reason, created_at, approved_at, disbursed_at, rejected_at`

const installmentColumns = `id, loan_id, loan_number, member_ref, sequence,
	principal::text, interest::text, amount::text, due_date, status, paid_at, paid_by`

func (q *queries) InsertLoan(ctx context.Context, loan lending.Loan) error {
	_, err := q.q.Exec(ctx, `
		INSERT INTO loans (id, number, member_ref, principal, tenor_months, interest_type, interest_value,
			status, reject_reason, created_at, approved_at, disbursed_at, rejected_at)
		VALUES ($1, $2, $3, $4::numeric, $5, $6, $7::numeric, $8, $9, $10, $11, $12, $13)`,
		string(loan.ID), loan.Number, string(loan.MemberRef),
		loan.Principal.String(), loan.TenorMonths, string(loan.InterestType), loan.InterestValue.String(),
		string(loan.Status), nullString(loan.RejectReason),
		loan.CreatedAt.UTC(), loan.ApprovedAt, loan.DisbursedAt, loan.RejectedAt,
	)
	if hasCode(err, codeUniqueViolation) {
		return lending.ErrDuplicateLoanNumber
	}
	return lending.Persistence("insert loan", err)
}

func (q *queries) GetLoan(ctx context.Context, id lending.LoanID) (lending.Loan, error) {
	return scanLoan(q.q.QueryRow(ctx, `SELECT `+loanColumns+` FROM loans WHERE id = $1`, string(id)))
}

func (q *queries) GetLoanByNumber(ctx context.Context, number string) (lending.Loan, error) {
	return scanLoan(q.q.QueryRow(ctx, `SELECT `+loanColumns+` FROM loans WHERE number = $1`, number))
}

func (q *queries) ListLoans(ctx context.Context, filter lending.LoanFilter) ([]lending.Loan, error) {
	rows, err := q.q.Query(ctx, `
		SELECT `+loanColumns+` FROM loans
		WHERE ($1 = '' OR member_ref = $1) AND ($2 = '' OR status = $2)
		ORDER BY number`,
		string(filter.MemberRef), string(filter.Status),
	)
	if err != nil {
		return nil, lending.Persistence("list loans", err)
	}
	defer rows.Close()

	var out []lending.Loan
	for rows.Next() {
		loan, err := scanLoan(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, loan)
	}
	return out, lending.Persistence("list loans", rows.Err())
}

func (q *queries) CountLoansCreatedOn(ctx context.Context, day time.Time) (int, error) {
	start := lending.DateOnly(day)
	var n int
	err := q.q.QueryRow(ctx,
		`SELECT COUNT(*) FROM loans WHERE created_at >= $1 AND created_at < $2`,
		start, start.AddDate(0, 0, 1),
	).Scan(&n)
	return n, lending.Persistence("count loans", err)
}

func (q *queries) UpdateLoanIf(ctx context.Context, loan lending.Loan, expected lending.LoanStatus) (bool, error) {
	tag, err := q.q.Exec(ctx, `
		UPDATE loans SET
			principal = $1::numeric, tenor_months = $2, interest_type = $3, interest_value = $4::numeric,
			status = $5, reject_reason = $6, approved_at = $7, disbursed_at = $8, rejected_at = $9
		WHERE id = $10 AND status = $11`,
		loan.Principal.String(), loan.TenorMonths, string(loan.InterestType), loan.InterestValue.String(),
		string(loan.Status), nullString(loan.RejectReason),
		loan.ApprovedAt, loan.DisbursedAt, loan.RejectedAt,
		string(loan.ID), string(expected),
	)
	if err != nil {
		return false, lending.Persistence("update loan", err)
	}
	if tag.RowsAffected() == 0 {
		if _, err := q.GetLoan(ctx, loan.ID); err != nil {
			return false, err
		}
		return false, nil
	}
	return true, nil
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
		_, err := q.q.Exec(ctx, `
			INSERT INTO installments (id, loan_id, loan_number, member_ref, sequence,
				principal, interest, amount, due_date, status, paid_at, paid_by)
			VALUES ($1, $2, $3, $4, $5, $6::numeric, $7::numeric, $8::numeric, $9, $10, $11, $12)`,
			string(inst.ID), string(inst.LoanID), inst.LoanNumber, string(inst.MemberRef), inst.Sequence,
			inst.Principal.String(), inst.Interest.String(), inst.Amount.String(),
			lending.DateOnly(inst.DueDate), string(inst.Status), inst.PaidAt, nullString(inst.PaidBy),
		)
		switch {
		case hasCode(err, codeUniqueViolation):
			return lending.ErrInstallmentAlreadyGenerated
		case hasCode(err, codeForeignKeyViolation):
			return lending.ErrLoanNotFound
		case err != nil:
			return lending.Persistence("insert installment", err)
		}
	}
	return nil
}

func (q *queries) CountInstallments(ctx context.Context, loanID lending.LoanID) (int, error) {
	var n int
	err := q.q.QueryRow(ctx, `SELECT COUNT(*) FROM installments WHERE loan_id = $1`, string(loanID)).Scan(&n)
	return n, lending.Persistence("count installments", err)
}

func (q *queries) GetInstallment(ctx context.Context, id lending.InstallmentID) (lending.Installment, error) {
	return scanInstallment(q.q.QueryRow(ctx, `SELECT `+installmentColumns+` FROM installments WHERE id = $1`, string(id)))
}

func (q *queries) ListInstallments(ctx context.Context, loanID lending.LoanID) ([]lending.Installment, error) {
	return q.queryInstallments(ctx,
		`SELECT `+installmentColumns+` FROM installments WHERE loan_id = $1 ORDER BY sequence`, string(loanID))
}

func (q *queries) ListInstallmentsByStatus(ctx context.Context, status lending.InstallmentStatus) ([]lending.Installment, error) {
	return q.queryInstallments(ctx,
		`SELECT `+installmentColumns+` FROM installments WHERE status = $1
		 ORDER BY due_date, loan_number, sequence`, string(status))
}

func (q *queries) queryInstallments(ctx context.Context, query string, args ...any) ([]lending.Installment, error) {
	rows, err := q.q.Query(ctx, query, args...)
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
	tag, err := q.q.Exec(ctx, `
		UPDATE installments SET status = $1, paid_at = $2, paid_by = $3
		WHERE id = $4 AND status = $5`,
		string(target), paidAt.UTC(), nullString(paidBy), string(id), string(lending.InstallmentUnpaid),
	)
	if err != nil {
		return false, lending.Persistence("mark installment", err)
	}
	if tag.RowsAffected() == 0 {
		if _, err := q.GetInstallment(ctx, id); err != nil {
			return false, err
		}
		return false, nil
	}
	return true, nil
}

func (q *queries) AppendAudit(ctx context.Context, e lending.AuditEntry) error {
	payload, err := json.Marshal(e.Payload)
	if err != nil {
		return fmt.Errorf("failed to encode audit payload: %w", err)
	}
	_, err = q.q.Exec(ctx, `
		INSERT INTO audit_log (id, at, actor_id, actor_role, action, loan_id, installment_id, payload)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		e.ID, e.At.UTC(), e.ActorID, nullString(e.ActorRole), string(e.Action),
		nullString(string(e.LoanID)), nullString(string(e.InstallmentID)), payload,
	)
	return lending.Persistence("append audit", err)
}

// QueryAudit returns matching entries oldest first. With a Limit only the
// most recent entries are kept.
func (q *queries) QueryAudit(ctx context.Context, filter lending.AuditFilter) ([]lending.AuditEntry, error) {
	actions := make([]string, 0, len(filter.Actions))
	for _, a := range filter.Actions {
		actions = append(actions, string(a))
	}
	limit := filter.Limit
	if limit <= 0 {
		limit = -1
	}

	rows, err := q.q.Query(ctx, `
		SELECT id, at, actor_id, actor_role, action, loan_id, installment_id, payload FROM (
			SELECT * FROM audit_log
			WHERE ($1 = '' OR loan_id = $1)
			  AND ($2 = '' OR actor_id = $2)
			  AND (cardinality($3::text[]) = 0 OR action = ANY($3))
			ORDER BY seq DESC
			LIMIT CASE WHEN $4::int < 0 THEN NULL ELSE $4::int END
		) recent
		ORDER BY seq`,
		string(filter.LoanID), filter.ActorID, actions, limit,
	)
	if err != nil {
		return nil, lending.Persistence("query audit", err)
	}
	defer rows.Close()

	var out []lending.AuditEntry
	for rows.Next() {
		var (
			e                    lending.AuditEntry
			action               string
			role, loanID, instID *string
			payload              []byte
		)
		if err := rows.Scan(&e.ID, &e.At, &e.ActorID, &role, &action, &loanID, &instID, &payload); err != nil {
			return nil, lending.Persistence("scan audit", err)
		}
		e.Action = lending.AuditAction(action)
		e.ActorRole = deref(role)
		e.LoanID = lending.LoanID(deref(loanID))
		e.InstallmentID = lending.InstallmentID(deref(instID))
		if len(payload) > 0 && string(payload) != "null" {
			if err := json.Unmarshal(payload, &e.Payload); err != nil {
				return nil, fmt.Errorf("failed to decode audit payload: %w", err)
			}
		}
		out = append(out, e)
	}
	return out, lending.Persistence("query audit", rows.Err())
}

// =============================================================================
// SCANNING
// =============================================================================

func scanLoan(row pgx.Row) (lending.Loan, error) {
	var (
		loan                                lending.Loan
		id, member, interestType, status    string
		principal, interestValue            string
		rejectReason                        *string
		approvedAt, disbursedAt, rejectedAt *time.Time
	)
	err := row.Scan(
		&id, &loan.Number, &member,
		&principal, &loan.TenorMonths, &interestType, &interestValue,
		&status, &rejectReason, &loan.CreatedAt, &approvedAt, &disbursedAt, &rejectedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return lending.Loan{}, lending.ErrLoanNotFound
	}
	if err != nil {
		return lending.Loan{}, lending.Persistence("scan loan", err)
	}

	loan.ID = lending.LoanID(id)
	loan.MemberRef = lending.MemberRef(member)
	loan.InterestType = lending.InterestType(interestType)
	loan.Status = lending.LoanStatus(status)
	if loan.Principal, err = decimal.NewFromString(principal); err != nil {
		return lending.Loan{}, fmt.Errorf("loan %s: bad principal %q: %w", id, principal, err)
	}
	if loan.InterestValue, err = decimal.NewFromString(interestValue); err != nil {
		return lending.Loan{}, fmt.Errorf("loan %s: bad interest value %q: %w", id, interestValue, err)
	}
	loan.RejectReason = deref(rejectReason)
	loan.CreatedAt = loan.CreatedAt.UTC()
	loan.ApprovedAt = utc(approvedAt)
	loan.DisbursedAt = utc(disbursedAt)
	loan.RejectedAt = utc(rejectedAt)
	return loan, nil
}

func scanInstallment(row pgx.Row) (lending.Installment, error) {
	var (
		inst                        lending.Installment
		id, loanID, member, status  string
		principal, interest, amount string
		dueDate                     time.Time
		paidAt                      *time.Time
		paidBy                      *string
	)
	err := row.Scan(
		&id, &loanID, &inst.LoanNumber, &member, &inst.Sequence,
		&principal, &interest, &amount, &dueDate, &status, &paidAt, &paidBy,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return lending.Installment{}, lending.ErrInstallmentNotFound
	}
	if err != nil {
		return lending.Installment{}, lending.Persistence("scan installment", err)
	}

	inst.ID = lending.InstallmentID(id)
	inst.LoanID = lending.LoanID(loanID)
	inst.MemberRef = lending.MemberRef(member)
	inst.Status = lending.InstallmentStatus(status)
	if inst.Principal, err = decimal.NewFromString(principal); err != nil {
		return lending.Installment{}, fmt.Errorf("installment %s: bad principal %q: %w", id, principal, err)
	}
	if inst.Interest, err = decimal.NewFromString(interest); err != nil {
		return lending.Installment{}, fmt.Errorf("installment %s: bad interest %q: %w", id, interest, err)
	}
	if inst.Amount, err = decimal.NewFromString(amount); err != nil {
		return lending.Installment{}, fmt.Errorf("installment %s: bad amount %q: %w", id, amount, err)
	}
	inst.DueDate = time.Date(dueDate.Year(), dueDate.Month(), dueDate.Day(), 0, 0, 0, 0, time.UTC)
	inst.PaidAt = utc(paidAt)
	inst.PaidBy = deref(paidBy)
	return inst, nil
}

// =============================================================================
// HELPERS
// =============================================================================

func hasCode(err error, code string) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == code
}

func nullString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func utc(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	u := t.UTC()
	return &u
}

/*
reconcile.go - Bulk reconciliation of imported payment rows

PURPOSE:
  Treasurers export payment spreadsheets from the bank or payroll system.
  After normalization (package importer) each row says "this member paid
  this month of this loan". The Matcher decides which UNPAID installment
  every row settles, and the operator reviews the outcome before Apply.

CLASSIFICATION (per row, in input order):
  1. Status token not in {PROCESSED, LUNAS, PAID}        -> SKIPPED
  2. Composite id present and UNPAID                     -> MATCHED (by composite_id)
     Composite id present but not UNPAID (or unknown)    -> UNMATCHED
  3. No composite id: UNPAID installments of the row's loan, earliest due
     first. One candidate -> MATCHED (by fallback), several -> AMBIGUOUS,
     none or member mismatch -> UNMATCHED
  An installment claimed by an earlier row is never claimed again.

IDEMPOTENCE:
  Only UNPAID installments are indexed. After Apply, the same import
  classifies the settled rows as UNMATCHED, so nothing is applied twice.
  A composite id that is no longer UNPAID deliberately does not fall back
  to the member's next unpaid month.

SEE ALSO:
  - importer/: raw file rows -> ImportRow
  - ledger.go: MarkPaidBatch
*/
package lending

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

// ImportRow is the canonical shape of one payment row. Nothing else
// reaches the Matcher.
type ImportRow struct {
	Line        int              `json:"line"`
	MemberRef   MemberRef        `json:"member_ref"`
	LoanNumber  string           `json:"loan_number,omitempty"`
	CompositeID string           `json:"composite_id,omitempty"`
	StatusToken string           `json:"status_token"`
	Amount      *decimal.Decimal `json:"amount,omitempty"`
}

type Classification string

const (
	Matched   Classification = "MATCHED"
	Unmatched Classification = "UNMATCHED"
	Skipped   Classification = "SKIPPED"
	Ambiguous Classification = "AMBIGUOUS"
)

const (
	MatchedByCompositeID = "composite_id"
	MatchedByFallback    = "fallback"
)

const (
	reasonNotPaidToken   = "status token is not a paid token"
	reasonNotUnpaid      = "no unpaid installment with this composite id"
	reasonNoKey          = "row has neither composite id nor loan number"
	reasonNoUnpaid       = "loan has no unpaid installment"
	reasonMemberMismatch = "member does not own this loan"
	reasonDuplicate      = "duplicate"
	reasonSeveralUnpaid  = "several unpaid installments; composite id required"
)

// paidTokens maps recognized status tokens to the installment status they set.
var paidTokens = map[string]InstallmentStatus{
	"PROCESSED": InstallmentProcessed,
	"LUNAS":     InstallmentPaid,
	"PAID":      InstallmentPaid,
}

// TargetStatusFor returns the installment status a token settles to, and
// false for tokens that do not mean "paid".
func TargetStatusFor(token string) (InstallmentStatus, bool) {
	s, ok := paidTokens[strings.ToUpper(strings.TrimSpace(token))]
	return s, ok
}

// RowOutcome is the classification of one ImportRow.
type RowOutcome struct {
	Row            ImportRow         `json:"row"`
	Classification Classification    `json:"classification"`
	InstallmentID  InstallmentID     `json:"installment_id,omitempty"`
	CompositeID    string            `json:"composite_id,omitempty"`
	TargetStatus   InstallmentStatus `json:"target_status,omitempty"`
	Expected       *decimal.Decimal  `json:"expected_amount,omitempty"`
	MatchedBy      string            `json:"matched_by,omitempty"`
	Candidates     []InstallmentID   `json:"candidates,omitempty"`
	Reason         string            `json:"reason,omitempty"`
	AmountMismatch bool              `json:"amount_mismatch,omitempty"`
}

// Err turns UNMATCHED and AMBIGUOUS outcomes into errors for callers that
// want to stop on them. MATCHED and SKIPPED return nil.
func (o RowOutcome) Err() error {
	switch o.Classification {
	case Unmatched:
		return fmt.Errorf("line %d: %s: %w", o.Row.Line, o.Reason, ErrUnmatchedRow)
	case Ambiguous:
		return fmt.Errorf("line %d: %d candidates: %w", o.Row.Line, len(o.Candidates), ErrAmbiguousMatch)
	}
	return nil
}

type ReconcileResult struct {
	Matched   []RowOutcome `json:"matched"`
	Unmatched []RowOutcome `json:"unmatched"`
	Skipped   []RowOutcome `json:"skipped"`
	Ambiguous []RowOutcome `json:"ambiguous"`
}

func (r ReconcileResult) Total() int {
	return len(r.Matched) + len(r.Unmatched) + len(r.Skipped) + len(r.Ambiguous)
}

func (r *ReconcileResult) add(o RowOutcome) {
	switch o.Classification {
	case Matched:
		r.Matched = append(r.Matched, o)
	case Skipped:
		r.Skipped = append(r.Skipped, o)
	case Ambiguous:
		r.Ambiguous = append(r.Ambiguous, o)
	default:
		r.Unmatched = append(r.Unmatched, o)
	}
}

// =============================================================================
// CLASSIFICATION (pure)
// =============================================================================

// Reconcile classifies rows against the given UNPAID installments.
// Installments that are not UNPAID are ignored.
func Reconcile(rows []ImportRow, unpaid []Installment) ReconcileResult {
	byComposite := make(map[string]Installment, len(unpaid))
	byLoan := make(map[string][]Installment)
	for _, inst := range unpaid {
		if inst.Status != InstallmentUnpaid {
			continue
		}
		byComposite[inst.CompositeID()] = inst
		byLoan[inst.LoanNumber] = append(byLoan[inst.LoanNumber], inst)
	}
	for _, list := range byLoan {
		sort.SliceStable(list, func(i, j int) bool {
			if !list[i].DueDate.Equal(list[j].DueDate) {
				return list[i].DueDate.Before(list[j].DueDate)
			}
			return list[i].Sequence < list[j].Sequence
		})
	}

	claimed := make(map[InstallmentID]bool)
	var result ReconcileResult
	for _, row := range rows {
		result.add(classify(row, byComposite, byLoan, claimed))
	}
	return result
}

func classify(row ImportRow, byComposite map[string]Installment, byLoan map[string][]Installment, claimed map[InstallmentID]bool) RowOutcome {
	out := RowOutcome{Row: row, CompositeID: strings.TrimSpace(row.CompositeID)}

	target, ok := TargetStatusFor(row.StatusToken)
	if !ok {
		out.Classification = Skipped
		out.Reason = reasonNotPaidToken
		return out
	}
	out.TargetStatus = target

	if out.CompositeID != "" {
		inst, found := byComposite[out.CompositeID]
		if !found {
			out.Classification = Unmatched
			out.Reason = reasonNotUnpaid
			return out
		}
		if claimed[inst.ID] {
			out.Classification = Unmatched
			out.Reason = reasonDuplicate
			return out
		}
		return matched(out, inst, MatchedByCompositeID, claimed)
	}

	loanNumber := strings.TrimSpace(row.LoanNumber)
	if loanNumber == "" {
		out.Classification = Unmatched
		out.Reason = reasonNoKey
		return out
	}
	all := byLoan[loanNumber]
	if len(all) == 0 {
		out.Classification = Unmatched
		out.Reason = reasonNoUnpaid
		return out
	}
	if row.MemberRef != "" && all[0].MemberRef != row.MemberRef {
		out.Classification = Unmatched
		out.Reason = reasonMemberMismatch
		return out
	}

	var open []Installment
	for _, inst := range all {
		if !claimed[inst.ID] {
			open = append(open, inst)
		}
	}
	switch len(open) {
	case 0:
		out.Classification = Unmatched
		out.Reason = reasonDuplicate
		return out
	case 1:
		return matched(out, open[0], MatchedByFallback, claimed)
	}

	out.Classification = Ambiguous
	out.Reason = reasonSeveralUnpaid
	for _, inst := range open {
		out.Candidates = append(out.Candidates, inst.ID)
	}
	return out
}

func matched(out RowOutcome, inst Installment, by string, claimed map[InstallmentID]bool) RowOutcome {
	claimed[inst.ID] = true
	expected := inst.Amount
	out.Classification = Matched
	out.InstallmentID = inst.ID
	out.CompositeID = inst.CompositeID()
	out.MatchedBy = by
	out.Expected = &expected
	out.AmountMismatch = out.Row.Amount != nil && !out.Row.Amount.Equal(inst.Amount)
	return out
}

// =============================================================================
// MATCHER SERVICE
// =============================================================================

type Matcher struct {
	store  Store
	ledger *Ledger
	opts   options
}

func NewMatcher(store Store, ledger *Ledger, opts ...Option) *Matcher {
	return &Matcher{store: store, ledger: ledger, opts: buildOptions(opts)}
}

// Reconcile classifies rows against the ledger's current UNPAID set.
// It writes nothing.
func (m *Matcher) Reconcile(ctx context.Context, rows []ImportRow) (ReconcileResult, error) {
	unpaid, err := m.ledger.Unpaid(ctx)
	if err != nil {
		return ReconcileResult{}, err
	}
	result := Reconcile(rows, unpaid)
	m.opts.logger.WithFields(logrus.Fields{
		"rows":      len(rows),
		"matched":   len(result.Matched),
		"unmatched": len(result.Unmatched),
		"skipped":   len(result.Skipped),
		"ambiguous": len(result.Ambiguous),
	}).Debug("reconciliation classified")
	return result, nil
}

// Apply settles every MATCHED outcome. Other classifications are ignored.
// Rows settled since classification count as AlreadySettled. When any row
// fails the result is still returned together with a
// *PartialBatchFailureError.
func (m *Matcher) Apply(ctx context.Context, actor Actor, matched []RowOutcome, paidAt time.Time) (ApplyResult, error) {
	if err := actor.Validate(); err != nil {
		return ApplyResult{}, err
	}

	batch := make([]PaymentInstruction, 0, len(matched))
	for _, o := range matched {
		if o.Classification != Matched || o.InstallmentID == "" {
			continue
		}
		batch = append(batch, PaymentInstruction{InstallmentID: o.InstallmentID, Target: o.TargetStatus})
	}
	result, batchErr := m.ledger.MarkPaidBatch(ctx, actor, batch, paidAt)

	payload := summarize(result)
	// The batch may have been cancelled; the audit entry must still land.
	if err := m.store.AppendAudit(context.WithoutCancel(ctx), m.opts.audit(AuditReconciliationApplied, actor, "", "", payload)); err != nil {
		return result, err
	}
	m.opts.publish(ctx, m.opts.event(EventReconciliationApplied, actor, "", "", payload))
	return result, batchErr
}

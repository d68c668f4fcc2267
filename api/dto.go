/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  Defines the JSON structures for API communication. These types decouple
  the lending model from the external API contract: the domain types carry
  no json tags for loans and installments, and the wire names live here.

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Request: Request body types from clients
  - *Response: Complex response wrappers

MONEY:
  Amounts are decimal.Decimal and travel as JSON strings ("1100000").
  Requests accept either strings or bare numbers.

DATES:
  Due dates and as_of/paid_at inputs are YYYY-MM-DD. Timestamps are RFC3339.

SEE ALSO:
  - handlers.go: Uses these types
  - lending/types.go: the domain model
*/
package api

import (
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"
	"github.com/warp/loan-engine/cache"
	"github.com/warp/loan-engine/importer"
	"github.com/warp/loan-engine/lending"
)

const dateLayout = "2006-01-02"

// =============================================================================
// TERMS & AMORTIZATION
// =============================================================================

// TermsDTO is the wire form of lending.Terms.
type TermsDTO struct {
	Principal     decimal.Decimal      `json:"principal"`
	TenorMonths   int                  `json:"tenor_months"`
	InterestType  lending.InterestType `json:"interest_type"`
	InterestValue decimal.Decimal      `json:"interest_value"`
}

func (t TermsDTO) toTerms() lending.Terms {
	return lending.Terms{
		Principal:     t.Principal,
		TenorMonths:   t.TenorMonths,
		InterestType:  t.InterestType,
		InterestValue: t.InterestValue,
	}
}

func toTermsDTO(t lending.Terms) TermsDTO {
	return TermsDTO{
		Principal:     t.Principal,
		TenorMonths:   t.TenorMonths,
		InterestType:  t.InterestType,
		InterestValue: t.InterestValue,
	}
}

// PeriodDTO is one month of a schedule preview.
type PeriodDTO struct {
	Sequence  int             `json:"sequence"`
	Principal decimal.Decimal `json:"principal"`
	Interest  decimal.Decimal `json:"interest"`
	Total     decimal.Decimal `json:"total"`
}

// AmortizationResponse is the calculator output plus every period spelled out.
type AmortizationResponse struct {
	Principal     decimal.Decimal `json:"principal"`
	TotalInterest decimal.Decimal `json:"total_interest"`
	TotalRepaid   decimal.Decimal `json:"total_repaid"`
	TenorMonths   int             `json:"tenor_months"`
	StdPrincipal  decimal.Decimal `json:"std_principal"`
	StdInterest   decimal.Decimal `json:"std_interest"`
	StdTotal      decimal.Decimal `json:"std_total"`
	LastPrincipal decimal.Decimal `json:"last_principal"`
	LastInterest  decimal.Decimal `json:"last_interest"`
	LastTotal     decimal.Decimal `json:"last_total"`
	Periods       []PeriodDTO     `json:"periods"`
}

func toAmortizationResponse(s lending.Schedule) AmortizationResponse {
	resp := AmortizationResponse{
		Principal:     s.Principal,
		TotalInterest: s.TotalInterest,
		TotalRepaid:   s.Total(),
		TenorMonths:   s.TenorMonths,
		StdPrincipal:  s.StdPrincipal,
		StdInterest:   s.StdInterest,
		StdTotal:      s.StdTotal,
		LastPrincipal: s.LastPrincipal,
		LastInterest:  s.LastInterest,
		LastTotal:     s.LastTotal,
		Periods:       make([]PeriodDTO, s.TenorMonths),
	}
	for seq := 1; seq <= s.TenorMonths; seq++ {
		p, i := s.Period(seq)
		resp.Periods[seq-1] = PeriodDTO{Sequence: seq, Principal: p, Interest: i, Total: p.Add(i)}
	}
	return resp
}

// =============================================================================
// LOANS
// =============================================================================

// ApplyLoanRequest opens a new loan application.
type ApplyLoanRequest struct {
	MemberRef string `json:"member_ref"`
	TermsDTO
}

// ApproveLoanRequest carries the final terms. When Terms is omitted the
// terms on file are approved as they are.
type ApproveLoanRequest struct {
	Terms *TermsDTO `json:"terms,omitempty"`
}

type RejectLoanRequest struct {
	Reason string `json:"reason"`
}

// DisburseLoanRequest sets the disbursement date (default: today).
type DisburseLoanRequest struct {
	AsOf string `json:"as_of,omitempty"`
}

// LoanDTO represents a loan in API responses. Status is the stored
// lifecycle status, DerivedStatus adds COMPLETED once every installment
// is settled.
type LoanDTO struct {
	ID        string `json:"id"`
	Number    string `json:"number"`
	MemberRef string `json:"member_ref"`
	TermsDTO
	Status        lending.LoanStatus `json:"status"`
	DerivedStatus lending.LoanStatus `json:"derived_status,omitempty"`
	RejectReason  string             `json:"reject_reason,omitempty"`
	CreatedAt     string             `json:"created_at"`
	ApprovedAt    *string            `json:"approved_at,omitempty"`
	DisbursedAt   *string            `json:"disbursed_at,omitempty"`
	RejectedAt    *string            `json:"rejected_at,omitempty"`
}

func toLoanDTO(l lending.Loan) LoanDTO {
	return LoanDTO{
		ID:           string(l.ID),
		Number:       l.Number,
		MemberRef:    string(l.MemberRef),
		TermsDTO:     toTermsDTO(l.Terms),
		Status:       l.Status,
		RejectReason: l.RejectReason,
		CreatedAt:    l.CreatedAt.Format(time.RFC3339),
		ApprovedAt:   formatTime(l.ApprovedAt, time.RFC3339),
		DisbursedAt:  formatTime(l.DisbursedAt, dateLayout),
		RejectedAt:   formatTime(l.RejectedAt, time.RFC3339),
	}
}

// DisburseResponse is the disbursed loan with its freshly generated schedule.
type DisburseResponse struct {
	Loan         LoanDTO          `json:"loan"`
	Installments []InstallmentDTO `json:"installments"`
}

// =============================================================================
// INSTALLMENTS
// =============================================================================

type InstallmentDTO struct {
	ID          string                    `json:"id"`
	LoanID      string                    `json:"loan_id"`
	LoanNumber  string                    `json:"loan_number"`
	MemberRef   string                    `json:"member_ref"`
	Sequence    int                       `json:"sequence"`
	CompositeID string                    `json:"composite_id"`
	Principal   decimal.Decimal           `json:"principal"`
	Interest    decimal.Decimal           `json:"interest"`
	Amount      decimal.Decimal           `json:"amount"`
	DueDate     string                    `json:"due_date"`
	Status      lending.InstallmentStatus `json:"status"`
	PaidAt      *string                   `json:"paid_at,omitempty"`
	PaidBy      string                    `json:"paid_by,omitempty"`
}

func toInstallmentDTO(i lending.Installment) InstallmentDTO {
	return InstallmentDTO{
		ID:          string(i.ID),
		LoanID:      string(i.LoanID),
		LoanNumber:  i.LoanNumber,
		MemberRef:   string(i.MemberRef),
		Sequence:    i.Sequence,
		CompositeID: i.CompositeID(),
		Principal:   i.Principal,
		Interest:    i.Interest,
		Amount:      i.Amount,
		DueDate:     i.DueDate.Format(dateLayout),
		Status:      i.Status,
		PaidAt:      formatTime(i.PaidAt, time.RFC3339),
		PaidBy:      i.PaidBy,
	}
}

func toInstallmentDTOs(in []lending.Installment) []InstallmentDTO {
	out := make([]InstallmentDTO, len(in))
	for i, inst := range in {
		out[i] = toInstallmentDTO(inst)
	}
	return out
}

// PayInstallmentRequest marks one installment. Status defaults to PAID.
type PayInstallmentRequest struct {
	Status lending.InstallmentStatus `json:"status,omitempty"`
	PaidAt string                    `json:"paid_at,omitempty"`
}

// =============================================================================
// NETTING
// =============================================================================

// NettingRequest names the candidate installments to deduct.
type NettingRequest struct {
	Selected []string `json:"selected"`
	PaidAt   string   `json:"paid_at,omitempty"`
}

type DeductionDTO struct {
	LoanID          string           `json:"loan_id"`
	Principal       decimal.Decimal  `json:"principal"`
	Selected        []InstallmentDTO `json:"selected"`
	TotalDeduction  decimal.Decimal  `json:"total_deduction"`
	NetDisbursement decimal.Decimal  `json:"net_disbursement"`
}

func toDeductionDTO(d lending.Deduction) DeductionDTO {
	return DeductionDTO{
		LoanID:          string(d.LoanID),
		Principal:       d.Principal,
		Selected:        toInstallmentDTOs(d.Selected),
		TotalDeduction:  d.TotalDeduction,
		NetDisbursement: d.NetDisbursement,
	}
}

// SettleResponse reports a netting settlement.
type SettleResponse struct {
	Deduction DeductionDTO   `json:"deduction"`
	Result    ApplyResultDTO `json:"result"`
}

// =============================================================================
// BATCH RESULTS
// =============================================================================

type ApplyFailureDTO struct {
	InstallmentID string `json:"installment_id"`
	Reason        string `json:"reason"`
}

// ApplyResultDTO is the per-row report of a batch payment.
type ApplyResultDTO struct {
	Attempted      int               `json:"attempted"`
	Succeeded      []string          `json:"succeeded"`
	AlreadySettled []string          `json:"already_settled"`
	Failed         []ApplyFailureDTO `json:"failed"`
}

func toApplyResultDTO(r lending.ApplyResult) ApplyResultDTO {
	dto := ApplyResultDTO{
		Attempted:      r.Attempted,
		Succeeded:      idStrings(r.Succeeded),
		AlreadySettled: idStrings(r.AlreadySettled),
		Failed:         make([]ApplyFailureDTO, len(r.Failed)),
	}
	for i, f := range r.Failed {
		dto.Failed[i] = ApplyFailureDTO{InstallmentID: string(f.InstallmentID), Reason: f.Reason}
	}
	return dto
}

// =============================================================================
// RECONCILIATION
// =============================================================================

// ReconciliationPreviewRequest carries raw rows as an array of objects,
// keyed by whatever column names the source used.
type ReconciliationPreviewRequest struct {
	Source string          `json:"source,omitempty"`
	Rows   json.RawMessage `json:"rows"`
}

// PreviewSummary counts the rows of a preview by outcome.
type PreviewSummary struct {
	Matched   int `json:"matched"`
	Unmatched int `json:"unmatched"`
	Skipped   int `json:"skipped"`
	Ambiguous int `json:"ambiguous"`
	Rejected  int `json:"rejected"`
}

// PreviewDTO is a parked reconciliation preview.
type PreviewDTO struct {
	cache.Preview
	Summary   PreviewSummary `json:"summary"`
	ExpiresIn string         `json:"expires_in,omitempty"`
}

func toPreviewDTO(p cache.Preview, ttl time.Duration) PreviewDTO {
	if p.Rejected == nil {
		p.Rejected = []importer.RowError{}
	}
	dto := PreviewDTO{
		Preview: p,
		Summary: PreviewSummary{
			Matched:   len(p.Result.Matched),
			Unmatched: len(p.Result.Unmatched),
			Skipped:   len(p.Result.Skipped),
			Ambiguous: len(p.Result.Ambiguous),
			Rejected:  len(p.Rejected),
		},
	}
	if ttl > 0 {
		dto.ExpiresIn = ttl.String()
	}
	return dto
}

// ApplyPreviewRequest optionally backdates the payments.
type ApplyPreviewRequest struct {
	PaidAt string `json:"paid_at,omitempty"`
}

// ApplyPreviewResponse reports what an apply did to a preview's matched rows.
type ApplyPreviewResponse struct {
	PreviewID string         `json:"preview_id"`
	Result    ApplyResultDTO `json:"result"`
}

// =============================================================================
// AUDIT
// =============================================================================

type AuditEntryDTO struct {
	ID            string              `json:"id"`
	At            string              `json:"at"`
	ActorID       string              `json:"actor_id"`
	ActorRole     string              `json:"actor_role,omitempty"`
	Action        lending.AuditAction `json:"action"`
	LoanID        string              `json:"loan_id,omitempty"`
	InstallmentID string              `json:"installment_id,omitempty"`
	Payload       map[string]string   `json:"payload,omitempty"`
}

func toAuditEntryDTO(e lending.AuditEntry) AuditEntryDTO {
	return AuditEntryDTO{
		ID:            e.ID,
		At:            e.At.Format(time.RFC3339Nano),
		ActorID:       e.ActorID,
		ActorRole:     e.ActorRole,
		Action:        e.Action,
		LoanID:        string(e.LoanID),
		InstallmentID: string(e.InstallmentID),
		Payload:       e.Payload,
	}
}

// =============================================================================
// SCENARIOS
// =============================================================================

// ScenarioDTO describes a demo scenario.
type ScenarioDTO struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
	Category    string `json:"category"`
}

// LoadScenarioRequest is the request to load a scenario.
type LoadScenarioRequest struct {
	ScenarioID string `json:"scenario_id"`
}

// LoadScenarioResponse names what a scenario created.
type LoadScenarioResponse struct {
	Status    string `json:"status"`
	Scenario  string `json:"scenario"`
	LoanID    string `json:"loan_id,omitempty"`
	PreviewID string `json:"preview_id,omitempty"`
}

// ErrorResponse is the standard error format.
type ErrorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}

// =============================================================================
// HELPERS
// =============================================================================

func formatTime(t *time.Time, layout string) *string {
	if t == nil {
		return nil
	}
	s := t.Format(layout)
	return &s
}

func idStrings(ids []lending.InstallmentID) []string {
	out := make([]string, len(ids))
	for i, id := range ids {
		out[i] = string(id)
	}
	return out
}

/*
handlers.go - HTTP API handlers for the loan engine

PURPOSE:
  Exposes the lending engine via REST API. Handles HTTP request/response,
  JSON serialization, and delegates to the lending services.

ENDPOINTS:
  Amortization:
    POST   /api/amortization                     Schedule preview for terms

  Loans:
    GET    /api/loans                            List loans (member_ref, status filters)
    POST   /api/loans                            Apply for a loan
    GET    /api/loans/{id}                       Loan with derived status
    PUT    /api/loans/{id}/terms                 Amend terms before disbursement
    POST   /api/loans/{id}/approve               APPLICATION -> APPROVED
    POST   /api/loans/{id}/reject                APPLICATION -> REJECTED
    POST   /api/loans/{id}/disburse              APPROVED -> DISBURSED + schedule
    GET    /api/loans/{id}/installments          Ledger snapshot
    GET    /api/loans/{id}/outstanding           Outstanding projection

  Netting:
    GET    /api/loans/{id}/netting/candidates    Unpaid installments of other loans
    POST   /api/loans/{id}/netting/preview       Deduction projection
    POST   /api/loans/{id}/netting/settle        Mark the selection PAID

  Members:
    GET    /api/members/{ref}/loans
    GET    /api/members/{ref}/outstanding

  Installments:
    POST   /api/installments/{id}/pay            Mark one installment

  Reconciliation:
    POST   /api/reconciliation/preview           Classify JSON rows, park preview
    POST   /api/reconciliation/upload            Classify an xlsx/csv/json file
    GET    /api/reconciliation/{previewID}       Show a parked preview
    POST   /api/reconciliation/{previewID}/apply Apply the preview's matched rows

  Audit:
    GET    /api/audit                            loan_id, actor_id, action, limit

ACTOR:
  Every mutating call names its operator through the X-Actor-ID and
  X-Actor-Role headers. A mutation without X-Actor-ID is rejected with 400.

ERROR HANDLING:
  Errors are returned as JSON with appropriate HTTP status:
  - 400: Malformed body, bad file, missing actor
  - 404: Loan, installment or preview not found
  - 409: Conflict with current state (wrong lifecycle status, already paid)
  - 422: Invalid loan parameters or netting selection
  - 500: Internal errors
  - 504: Storage timeout
  Batch endpoints answer 200 with the per-row report even when some rows
  failed; the failures are listed in result.failed.

SECURITY NOTE:
  No authentication. The actor headers are trusted as sent.

SEE ALSO:
  - dto.go: Request/response data structures
  - scenarios.go: Demo scenario loaders
  - server.go: Router setup and middleware
*/
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/warp/loan-engine/cache"
	"github.com/warp/loan-engine/importer"
	"github.com/warp/loan-engine/lending"
	"github.com/warp/loan-engine/observability"
)

const (
	HeaderActorID   = "X-Actor-ID"
	HeaderActorRole = "X-Actor-Role"

	maxUploadBytes = 32 << 20
)

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Store is the persistence the API runs on: the transactional lending
// store plus Reset for demo scenarios.
type Store interface {
	lending.TxStore
	Reset(ctx context.Context) error
}

// Options are the optional collaborators of a Handler.
type Options struct {
	Publisher  lending.EventPublisher
	Logger     logrus.FieldLogger
	Metrics    *observability.Metrics
	Clock      func() time.Time
	PreviewTTL time.Duration
}

// engine groups the lending services built over one store.
type engine struct {
	Lifecycle  *lending.Lifecycle
	Ledger     *lending.Ledger
	Netting    *lending.Netting
	Matcher    *lending.Matcher
	Aggregator *lending.Aggregator
}

func newEngine(store lending.TxStore, opts ...lending.Option) engine {
	ledger := lending.NewLedger(store, opts...)
	return engine{
		Lifecycle:  lending.NewLifecycle(store, ledger, opts...),
		Ledger:     ledger,
		Netting:    lending.NewNetting(store, ledger, opts...),
		Matcher:    lending.NewMatcher(store, ledger, opts...),
		Aggregator: lending.NewAggregator(store, ledger),
	}
}

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	engine

	Store    Store
	Previews cache.PreviewStore

	metrics    *observability.Metrics
	logger     logrus.FieldLogger
	now        func() time.Time
	previewTTL time.Duration
	engineOpts []lending.Option

	// Track currently loaded scenario
	mu              sync.RWMutex
	currentScenario string
}

// NewHandler wires the lending services over store.
func NewHandler(store Store, previews cache.PreviewStore, opts Options) *Handler {
	logger := opts.Logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	now := opts.Clock
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}

	engineOpts := []lending.Option{
		lending.WithPublisher(opts.Publisher),
		lending.WithLogger(logger),
		lending.WithClock(now),
	}

	return &Handler{
		engine:     newEngine(store, engineOpts...),
		Store:      store,
		Previews:   previews,
		metrics:    opts.Metrics,
		logger:     logger,
		now:        now,
		previewTTL: opts.PreviewTTL,
		engineOpts: engineOpts,
	}
}

// =============================================================================
// AMORTIZATION
// =============================================================================

// ComputeAmortization previews the schedule of a set of terms. Nothing is stored.
func (h *Handler) ComputeAmortization(w http.ResponseWriter, r *http.Request) {
	var req TermsDTO
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	sched, err := req.toTerms().Schedule()
	if err != nil {
		h.writeDomainError(w, r, "Invalid loan parameters", err)
		return
	}

	writeJSON(w, http.StatusOK, toAmortizationResponse(sched))
}

// =============================================================================
// LOAN HANDLERS
// =============================================================================

// ListLoans returns loans, optionally filtered by member_ref and status.
func (h *Handler) ListLoans(w http.ResponseWriter, r *http.Request) {
	filter := lending.LoanFilter{
		MemberRef: lending.MemberRef(r.URL.Query().Get("member_ref")),
		Status:    lending.LoanStatus(strings.ToUpper(r.URL.Query().Get("status"))),
	}
	h.writeLoans(w, r, filter)
}

// ApplyLoan opens a loan application.
func (h *Handler) ApplyLoan(w http.ResponseWriter, r *http.Request) {
	var req ApplyLoanRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	loan, err := h.Lifecycle.Apply(r.Context(), actorFrom(r), lending.Application{
		MemberRef: lending.MemberRef(strings.TrimSpace(req.MemberRef)),
		Terms:     req.toTerms(),
	})
	if err != nil {
		h.writeDomainError(w, r, "Failed to apply for loan", err)
		return
	}

	writeJSON(w, http.StatusCreated, toLoanDTO(loan))
}

// GetLoan returns a loan with its derived status.
func (h *Handler) GetLoan(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := lending.LoanID(chi.URLParam(r, "id"))

	loan, err := h.Store.GetLoan(ctx, id)
	if err != nil {
		h.writeDomainError(w, r, "Failed to get loan", err)
		return
	}
	installments, err := h.Ledger.AllFor(ctx, id)
	if err != nil {
		h.writeDomainError(w, r, "Failed to load installments", err)
		return
	}

	dto := toLoanDTO(loan)
	dto.DerivedStatus = lending.DerivedStatus(loan, installments)
	writeJSON(w, http.StatusOK, dto)
}

// AmendTerms replaces the terms of a loan that is not yet disbursed.
func (h *Handler) AmendTerms(w http.ResponseWriter, r *http.Request) {
	var req TermsDTO
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	loan, err := h.Lifecycle.AmendTerms(r.Context(), actorFrom(r), lending.LoanID(chi.URLParam(r, "id")), req.toTerms())
	if err != nil {
		h.writeDomainError(w, r, "Failed to amend terms", err)
		return
	}

	writeJSON(w, http.StatusOK, toLoanDTO(loan))
}

// ApproveLoan freezes the final terms. An empty body approves the terms on file.
func (h *Handler) ApproveLoan(w http.ResponseWriter, r *http.Request) {
	var req ApproveLoanRequest
	if err := decodeOptional(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	ctx := r.Context()
	id := lending.LoanID(chi.URLParam(r, "id"))

	var terms lending.Terms
	if req.Terms != nil {
		terms = req.Terms.toTerms()
	} else {
		current, err := h.Store.GetLoan(ctx, id)
		if err != nil {
			h.writeDomainError(w, r, "Failed to get loan", err)
			return
		}
		terms = current.Terms
	}

	loan, err := h.Lifecycle.Approve(ctx, actorFrom(r), id, terms)
	if err != nil {
		h.writeDomainError(w, r, "Failed to approve loan", err)
		return
	}

	writeJSON(w, http.StatusOK, toLoanDTO(loan))
}

// RejectLoan closes an application.
func (h *Handler) RejectLoan(w http.ResponseWriter, r *http.Request) {
	var req RejectLoanRequest
	if err := decodeOptional(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	loan, err := h.Lifecycle.Reject(r.Context(), actorFrom(r), lending.LoanID(chi.URLParam(r, "id")), req.Reason)
	if err != nil {
		h.writeDomainError(w, r, "Failed to reject loan", err)
		return
	}

	writeJSON(w, http.StatusOK, toLoanDTO(loan))
}

// DisburseLoan disburses an approved loan and returns its schedule.
func (h *Handler) DisburseLoan(w http.ResponseWriter, r *http.Request) {
	var req DisburseLoanRequest
	if err := decodeOptional(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	asOf, err := parseDate(req.AsOf, h.now())
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid as_of format (use YYYY-MM-DD)", err)
		return
	}

	loan, installments, err := h.Lifecycle.Disburse(r.Context(), actorFrom(r), lending.LoanID(chi.URLParam(r, "id")), asOf)
	if err != nil {
		h.writeDomainError(w, r, "Failed to disburse loan", err)
		return
	}

	writeJSON(w, http.StatusOK, DisburseResponse{
		Loan:         toLoanDTO(loan),
		Installments: toInstallmentDTOs(installments),
	})
}

// ListInstallments returns the loan's ledger ordered by sequence.
func (h *Handler) ListInstallments(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := lending.LoanID(chi.URLParam(r, "id"))

	if _, err := h.Store.GetLoan(ctx, id); err != nil {
		h.writeDomainError(w, r, "Failed to get loan", err)
		return
	}
	installments, err := h.Ledger.AllFor(ctx, id)
	if err != nil {
		h.writeDomainError(w, r, "Failed to list installments", err)
		return
	}

	writeJSON(w, http.StatusOK, toInstallmentDTOs(installments))
}

// GetOutstanding returns the remaining balance of one loan.
func (h *Handler) GetOutstanding(w http.ResponseWriter, r *http.Request) {
	out, err := h.Aggregator.Outstanding(r.Context(), lending.LoanID(chi.URLParam(r, "id")))
	if err != nil {
		h.writeDomainError(w, r, "Failed to compute outstanding balance", err)
		return
	}

	writeJSON(w, http.StatusOK, out)
}

// =============================================================================
// NETTING HANDLERS
// =============================================================================

// NettingCandidates lists the unpaid installments of the member's other loans.
func (h *Handler) NettingCandidates(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	loan, err := h.Store.GetLoan(ctx, lending.LoanID(chi.URLParam(r, "id")))
	if err != nil {
		h.writeDomainError(w, r, "Failed to get loan", err)
		return
	}

	candidates, err := h.Netting.Candidates(ctx, loan)
	if err != nil {
		h.writeDomainError(w, r, "Failed to list netting candidates", err)
		return
	}

	writeJSON(w, http.StatusOK, toInstallmentDTOs(candidates))
}

// NettingPreview computes the deduction for a selection without writing.
func (h *Handler) NettingPreview(w http.ResponseWriter, r *http.Request) {
	var req NettingRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	d, err := h.Netting.Preview(r.Context(), lending.LoanID(chi.URLParam(r, "id")), installmentIDs(req.Selected))
	if err != nil {
		h.writeDomainError(w, r, "Failed to compute deduction", err)
		return
	}

	writeJSON(w, http.StatusOK, toDeductionDTO(d))
}

// NettingSettle recomputes the deduction and marks the selection PAID.
func (h *Handler) NettingSettle(w http.ResponseWriter, r *http.Request) {
	var req NettingRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	paidAt, err := parseTimestamp(req.PaidAt, h.now())
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid paid_at format", err)
		return
	}

	ctx := r.Context()
	actor := actorFrom(r)
	if err := actor.Validate(); err != nil {
		h.writeDomainError(w, r, "Actor required", err)
		return
	}

	d, err := h.Netting.Preview(ctx, lending.LoanID(chi.URLParam(r, "id")), installmentIDs(req.Selected))
	if err != nil {
		h.writeDomainError(w, r, "Failed to compute deduction", err)
		return
	}

	result, err := h.Netting.Settle(ctx, actor, d, paidAt)
	if err != nil && !errors.Is(err, lending.ErrPartialBatchFailure) {
		h.writeDomainError(w, r, "Failed to settle deduction", err)
		return
	}

	writeJSON(w, http.StatusOK, SettleResponse{
		Deduction: toDeductionDTO(d),
		Result:    toApplyResultDTO(result),
	})
}

// =============================================================================
// MEMBER HANDLERS
// =============================================================================

// ListMemberLoans returns every loan of one member.
func (h *Handler) ListMemberLoans(w http.ResponseWriter, r *http.Request) {
	h.writeLoans(w, r, lending.LoanFilter{MemberRef: lending.MemberRef(chi.URLParam(r, "ref"))})
}

// GetMemberOutstanding sums the member's disbursed loans.
func (h *Handler) GetMemberOutstanding(w http.ResponseWriter, r *http.Request) {
	out, err := h.Aggregator.ForMember(r.Context(), lending.MemberRef(chi.URLParam(r, "ref")))
	if err != nil {
		h.writeDomainError(w, r, "Failed to compute member outstanding", err)
		return
	}
	if out.Loans == nil {
		out.Loans = []lending.Outstanding{}
	}

	writeJSON(w, http.StatusOK, out)
}

// =============================================================================
// INSTALLMENT HANDLERS
// =============================================================================

// PayInstallment marks one UNPAID installment PAID (or PROCESSED).
func (h *Handler) PayInstallment(w http.ResponseWriter, r *http.Request) {
	var req PayInstallmentRequest
	if err := decodeOptional(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	paidAt, err := parseTimestamp(req.PaidAt, h.now())
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid paid_at format", err)
		return
	}
	target := lending.InstallmentStatus(strings.ToUpper(string(req.Status)))
	if target == "" {
		target = lending.InstallmentPaid
	}

	inst, err := h.Ledger.MarkPaid(r.Context(), actorFrom(r), lending.InstallmentID(chi.URLParam(r, "id")), paidAt, target)
	if err != nil {
		h.writeDomainError(w, r, "Failed to mark installment", err)
		return
	}

	writeJSON(w, http.StatusOK, toInstallmentDTO(inst))
}

// =============================================================================
// RECONCILIATION HANDLERS
// =============================================================================

// PreviewReconciliation classifies rows posted as JSON and parks the result.
func (h *Handler) PreviewReconciliation(w http.ResponseWriter, r *http.Request) {
	var req ReconciliationPreviewRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	if len(req.Rows) == 0 {
		writeError(w, http.StatusBadRequest, "rows is required", nil)
		return
	}

	raw, err := importer.ReadJSON(bytes.NewReader(req.Rows))
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid rows", err)
		return
	}

	h.createPreview(w, r, req.Source, raw)
}

// UploadReconciliation classifies an uploaded payment file (form field "file").
func (h *Handler) UploadReconciliation(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxUploadBytes)
	if err := r.ParseMultipartForm(maxUploadBytes); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid multipart form", err)
		return
	}
	file, header, err := r.FormFile("file")
	if err != nil {
		writeError(w, http.StatusBadRequest, "Missing file field", err)
		return
	}
	defer file.Close()

	raw, err := importer.Read(file, header.Filename)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Failed to read payment file", err)
		return
	}

	h.createPreview(w, r, header.Filename, raw)
}

func (h *Handler) createPreview(w http.ResponseWriter, r *http.Request, source string, raw []importer.RawRow) {
	ctx := r.Context()
	normalized := importer.Normalize(raw)

	result, err := h.Matcher.Reconcile(ctx, normalized.Rows)
	if err != nil {
		h.writeDomainError(w, r, "Failed to reconcile rows", err)
		return
	}
	if h.metrics != nil {
		h.metrics.ObserveReconcile(result, len(normalized.Errors))
	}

	preview := cache.Preview{
		ID:        uuid.NewString(),
		CreatedAt: h.now(),
		CreatedBy: actorFrom(r).ID,
		Source:    source,
		Result:    result,
		Rejected:  normalized.Errors,
	}
	if err := h.Previews.Put(ctx, preview); err != nil {
		h.writeDomainError(w, r, "Failed to store preview", err)
		return
	}

	h.logger.WithFields(logrus.Fields{
		"preview_id": preview.ID,
		"source":     source,
		"matched":    len(result.Matched),
		"rejected":   len(normalized.Errors),
	}).Info("reconciliation preview created")

	writeJSON(w, http.StatusCreated, toPreviewDTO(preview, h.previewTTL))
}

// GetReconciliationPreview shows a parked preview without consuming it.
func (h *Handler) GetReconciliationPreview(w http.ResponseWriter, r *http.Request) {
	preview, err := h.Previews.Get(r.Context(), chi.URLParam(r, "previewID"))
	if err != nil {
		h.writeDomainError(w, r, "Failed to get preview", err)
		return
	}

	writeJSON(w, http.StatusOK, toPreviewDTO(preview, 0))
}

// ApplyReconciliationPreview settles the preview's matched rows. A preview
// is consumed by its first successful apply.
func (h *Handler) ApplyReconciliationPreview(w http.ResponseWriter, r *http.Request) {
	var req ApplyPreviewRequest
	if err := decodeOptional(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	paidAt, err := parseTimestamp(req.PaidAt, h.now())
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid paid_at format", err)
		return
	}

	ctx := r.Context()
	actor := actorFrom(r)
	if err := actor.Validate(); err != nil {
		h.writeDomainError(w, r, "Actor required", err)
		return
	}

	preview, err := h.Previews.Take(ctx, chi.URLParam(r, "previewID"))
	if err != nil {
		h.writeDomainError(w, r, "Failed to get preview", err)
		return
	}

	result, err := h.Matcher.Apply(ctx, actor, preview.Result.Matched, paidAt)
	if err != nil && !errors.Is(err, lending.ErrPartialBatchFailure) {
		// Put it back so the operator can retry; settled rows count as
		// already settled on the next attempt.
		if perr := h.Previews.Put(context.WithoutCancel(ctx), preview); perr != nil {
			h.logger.WithError(perr).WithField("preview_id", preview.ID).Warn("failed to restore preview")
		}
		h.writeDomainError(w, r, "Failed to apply reconciliation", err)
		return
	}

	writeJSON(w, http.StatusOK, ApplyPreviewResponse{
		PreviewID: preview.ID,
		Result:    toApplyResultDTO(result),
	})
}

// =============================================================================
// AUDIT
// =============================================================================

// ListAudit returns audit entries, oldest first.
func (h *Handler) ListAudit(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := lending.AuditFilter{
		LoanID:  lending.LoanID(q.Get("loan_id")),
		ActorID: q.Get("actor_id"),
	}
	for _, a := range q["action"] {
		filter.Actions = append(filter.Actions, lending.AuditAction(a))
	}
	if s := q.Get("limit"); s != "" {
		limit, err := strconv.Atoi(s)
		if err != nil || limit < 0 {
			writeError(w, http.StatusBadRequest, "Invalid limit", err)
			return
		}
		filter.Limit = limit
	}

	entries, err := h.Store.QueryAudit(r.Context(), filter)
	if err != nil {
		h.writeDomainError(w, r, "Failed to query audit log", err)
		return
	}

	dtos := make([]AuditEntryDTO, len(entries))
	for i, e := range entries {
		dtos[i] = toAuditEntryDTO(e)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// =============================================================================
// HELPERS
// =============================================================================

func (h *Handler) writeLoans(w http.ResponseWriter, r *http.Request, filter lending.LoanFilter) {
	loans, err := h.Store.ListLoans(r.Context(), filter)
	if err != nil {
		h.writeDomainError(w, r, "Failed to list loans", err)
		return
	}

	dtos := make([]LoanDTO, len(loans))
	for i, l := range loans {
		dtos[i] = toLoanDTO(l)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// actorFrom reads the acting operator from the request headers.
func actorFrom(r *http.Request) lending.Actor {
	return lending.Actor{
		ID:   strings.TrimSpace(r.Header.Get(HeaderActorID)),
		Role: strings.TrimSpace(r.Header.Get(HeaderActorRole)),
	}
}

// decodeOptional decodes a JSON body that may be empty.
func decodeOptional(r *http.Request, v any) error {
	err := json.NewDecoder(r.Body).Decode(v)
	if errors.Is(err, io.EOF) {
		return nil
	}
	return err
}

// parseDate accepts YYYY-MM-DD or RFC3339; empty means def.
func parseDate(s string, def time.Time) (time.Time, error) {
	if s == "" {
		return def, nil
	}
	if t, err := time.Parse(dateLayout, s); err == nil {
		return t, nil
	}
	return time.Parse(time.RFC3339, s)
}

// parseTimestamp is parseDate for payment times, always in UTC.
func parseTimestamp(s string, def time.Time) (time.Time, error) {
	t, err := parseDate(s, def)
	return t.UTC(), err
}

func installmentIDs(in []string) []lending.InstallmentID {
	out := make([]lending.InstallmentID, len(in))
	for i, s := range in {
		out[i] = lending.InstallmentID(s)
	}
	return out
}

// statusFor maps lending errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case lending.IsNotFound(err), errors.Is(err, cache.ErrPreviewNotFound):
		return http.StatusNotFound
	case errors.Is(err, lending.ErrActorRequired):
		return http.StatusBadRequest
	case errors.Is(err, lending.ErrInvalidLoanParameters),
		errors.Is(err, lending.ErrDeductionExceedsPrincipal),
		errors.Is(err, lending.ErrUnknownDeductionItem):
		return http.StatusUnprocessableEntity
	case lending.IsClientError(err):
		return http.StatusConflict
	case lending.IsRetryable(err):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func (h *Handler) writeDomainError(w http.ResponseWriter, r *http.Request, message string, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		h.logger.WithError(err).WithFields(logrus.Fields{
			"request_id": middleware.GetReqID(r.Context()),
			"path":       r.URL.Path,
		}).Error(message)
	}
	writeError(w, status, message, err)
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string, err error) {
	resp := ErrorResponse{Error: message}
	if err != nil {
		resp.Details = err.Error()
	}
	writeJSON(w, status, resp)
}

/*
handlers_test.go - HTTP tests for the loan API

Tests drive the router end to end over an in-memory store:
- amortization preview and parameter errors
- lifecycle transitions and their status codes
- single payments, netting and reconciliation preview/apply
- audit and metrics exposure
*/
package api_test

import (
	"bytes"
	"encoding/json"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/loan-engine/api"
	"github.com/warp/loan-engine/cache"
	"github.com/warp/loan-engine/lending"
	"github.com/warp/loan-engine/lending/store"
	"github.com/warp/loan-engine/observability"
)

var testNow = time.Date(2024, time.March, 15, 10, 0, 0, 0, time.UTC)

const operator = "treasurer-01"

type testServer struct {
	t      *testing.T
	router http.Handler
	store  api.Store
}

func newTestServerWith(t *testing.T, st api.Store) *testServer {
	t.Helper()
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	metrics := observability.NewMetrics()

	h := api.NewHandler(st, cache.NewMemoryPreviewStore(30*time.Minute), api.Options{
		Publisher:  metrics,
		Logger:     logger,
		Metrics:    metrics,
		Clock:      func() time.Time { return testNow },
		PreviewTTL: 30 * time.Minute,
	})
	return &testServer{t: t, router: api.NewRouter(h, nil), store: st}
}

func newTestServer(t *testing.T) *testServer {
	return newTestServerWith(t, store.NewTxMemory())
}

// do sends body as JSON. An empty actor sends no actor headers.
func (s *testServer) do(method, path string, body any, actor string) *httptest.ResponseRecorder {
	s.t.Helper()
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(s.t, err)
		reader = bytes.NewReader(data)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	if actor != "" {
		req.Header.Set(api.HeaderActorID, actor)
		req.Header.Set(api.HeaderActorRole, "treasurer")
	}
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

func flatTerms(principal int64, tenor int, rate int64) map[string]any {
	return map[string]any{
		"principal":      principal,
		"tenor_months":   tenor,
		"interest_type":  "PERCENT_ANNUAL",
		"interest_value": rate,
	}
}

// disbursedLoan runs a loan through the HTTP lifecycle.
func (s *testServer) disbursedLoan(member string, principal int64, tenor int, rate int64) api.DisburseResponse {
	s.t.Helper()
	body := flatTerms(principal, tenor, rate)
	body["member_ref"] = member

	rec := s.do(http.MethodPost, "/api/loans", body, operator)
	require.Equal(s.t, http.StatusCreated, rec.Code, rec.Body.String())
	loan := decode[api.LoanDTO](s.t, rec)

	rec = s.do(http.MethodPost, "/api/loans/"+loan.ID+"/approve", nil, operator)
	require.Equal(s.t, http.StatusOK, rec.Code, rec.Body.String())

	rec = s.do(http.MethodPost, "/api/loans/"+loan.ID+"/disburse", map[string]string{"as_of": "2024-01-31"}, operator)
	require.Equal(s.t, http.StatusOK, rec.Code, rec.Body.String())
	return decode[api.DisburseResponse](s.t, rec)
}

// =============================================================================
// AMORTIZATION
// =============================================================================

func TestComputeAmortization_FlatAnnualRate(t *testing.T) {
	// GIVEN: 12,000,000 over 12 months at 10% a year
	s := newTestServer(t)

	// WHEN: Previewing the schedule
	rec := s.do(http.MethodPost, "/api/amortization", flatTerms(12_000_000, 12, 10), "")

	// THEN: Every month is exactly 1,100,000
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	resp := decode[api.AmortizationResponse](t, rec)
	assert.Equal(t, "1200000", resp.TotalInterest.String())
	assert.Equal(t, "1000000", resp.StdPrincipal.String())
	assert.Equal(t, "100000", resp.StdInterest.String())
	require.Len(t, resp.Periods, 12)
	for _, p := range resp.Periods {
		assert.Equal(t, "1100000", p.Total.String(), "month %d", p.Sequence)
	}
	assert.Equal(t, "13200000", resp.TotalRepaid.String())
}

func TestComputeAmortization_FixedNominalRemainder(t *testing.T) {
	s := newTestServer(t)

	rec := s.do(http.MethodPost, "/api/amortization", map[string]any{
		"principal":      "10000000",
		"tenor_months":   3,
		"interest_type":  "FIXED_NOMINAL",
		"interest_value": "300000",
	}, "")

	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	resp := decode[api.AmortizationResponse](t, rec)
	assert.Equal(t, "3333333", resp.Periods[0].Principal.String())
	assert.Equal(t, "3333334", resp.Periods[2].Principal.String())
	assert.Equal(t, "100000", resp.Periods[2].Interest.String())

	sum := decimal.Zero
	for _, p := range resp.Periods {
		sum = sum.Add(p.Principal)
	}
	assert.True(t, sum.Equal(decimal.NewFromInt(10_000_000)))
}

func TestComputeAmortization_InvalidParameters(t *testing.T) {
	s := newTestServer(t)

	tests := []struct {
		name string
		body any
		code int
	}{
		{"zero tenor", flatTerms(1_000_000, 0, 10), http.StatusUnprocessableEntity},
		{"negative principal", flatTerms(-5, 12, 10), http.StatusUnprocessableEntity},
		{"unknown interest type", map[string]any{"principal": 1000, "tenor_months": 1, "interest_type": "COMPOUND"}, http.StatusUnprocessableEntity},
		{"malformed body", "not an object", http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := s.do(http.MethodPost, "/api/amortization", tt.body, "")
			assert.Equal(t, tt.code, rec.Code, rec.Body.String())
			assert.NotEmpty(t, decode[api.ErrorResponse](t, rec).Error)
		})
	}
}

// =============================================================================
// LIFECYCLE
// =============================================================================

func TestLoanLifecycle_OverHTTP(t *testing.T) {
	s := newTestServer(t)
	body := flatTerms(12_000_000, 12, 10)
	body["member_ref"] = "AGT-0042"

	// GIVEN: A new application
	rec := s.do(http.MethodPost, "/api/loans", body, operator)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	loan := decode[api.LoanDTO](t, rec)
	assert.Equal(t, "PJ-20240315-0001", loan.Number)
	assert.Equal(t, lending.StatusApplication, loan.Status)

	// WHEN: Terms are amended, then approved as they stand
	amended := flatTerms(12_000_000, 12, 12)
	rec = s.do(http.MethodPut, "/api/loans/"+loan.ID+"/terms", amended, operator)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = s.do(http.MethodPost, "/api/loans/"+loan.ID+"/approve", nil, operator)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	approved := decode[api.LoanDTO](t, rec)
	assert.Equal(t, lending.StatusApproved, approved.Status)
	assert.Equal(t, "12", approved.InterestValue.String())

	// THEN: A repeated approve returns the approved loan unchanged
	rec = s.do(http.MethodPost, "/api/loans/"+loan.ID+"/approve", nil, operator)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, approved.ApprovedAt, decode[api.LoanDTO](t, rec).ApprovedAt)

	// WHEN: Disbursed on a month end
	rec = s.do(http.MethodPost, "/api/loans/"+loan.ID+"/disburse", map[string]string{"as_of": "2024-01-31"}, operator)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	disbursed := decode[api.DisburseResponse](t, rec)

	// THEN: The schedule is generated once, due dates clamped to month end
	assert.Equal(t, lending.StatusDisbursed, disbursed.Loan.Status)
	require.Len(t, disbursed.Installments, 12)
	assert.Equal(t, "2024-02-29", disbursed.Installments[0].DueDate)
	assert.Equal(t, "PJ-20240315-0001-1", disbursed.Installments[0].CompositeID)

	rec = s.do(http.MethodPost, "/api/loans/"+loan.ID+"/disburse", nil, operator)
	require.Equal(t, http.StatusOK, rec.Code, "a repeated disburse is a no-op")
	again := decode[api.DisburseResponse](t, rec)
	require.Len(t, again.Installments, 12)
	assert.Equal(t, disbursed.Installments[0].ID, again.Installments[0].ID)
	assert.Equal(t, "2024-02-29", again.Installments[0].DueDate)

	rec = s.do(http.MethodPost, "/api/loans/"+loan.ID+"/approve", nil, operator)
	assert.Equal(t, http.StatusConflict, rec.Code, "a disbursed loan cannot be approved")

	rec = s.do(http.MethodPut, "/api/loans/"+loan.ID+"/terms", amended, operator)
	assert.Equal(t, http.StatusConflict, rec.Code, "terms are frozen after disbursement")

	rec = s.do(http.MethodGet, "/api/loans/"+loan.ID+"/installments", nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decode[[]api.InstallmentDTO](t, rec), 12)
}

func TestApplyLoan_RequiresActor(t *testing.T) {
	s := newTestServer(t)
	body := flatTerms(1_000_000, 2, 0)
	body["member_ref"] = "AGT-1"

	rec := s.do(http.MethodPost, "/api/loans", body, "")

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, decode[api.ErrorResponse](t, rec).Details, "actor")
}

func TestRejectLoan(t *testing.T) {
	s := newTestServer(t)
	body := flatTerms(1_000_000, 2, 5)
	body["member_ref"] = "AGT-1"
	loan := decode[api.LoanDTO](t, s.do(http.MethodPost, "/api/loans", body, operator))

	rec := s.do(http.MethodPost, "/api/loans/"+loan.ID+"/reject", map[string]string{"reason": "incomplete documents"}, operator)

	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	rejected := decode[api.LoanDTO](t, rec)
	assert.Equal(t, lending.StatusRejected, rejected.Status)
	assert.Equal(t, "incomplete documents", rejected.RejectReason)

	rec = s.do(http.MethodPost, "/api/loans/"+loan.ID+"/approve", nil, operator)
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestGetLoan_NotFound(t *testing.T) {
	s := newTestServer(t)

	for _, path := range []string{
		"/api/loans/missing",
		"/api/loans/missing/installments",
		"/api/loans/missing/outstanding",
		"/api/loans/missing/netting/candidates",
	} {
		rec := s.do(http.MethodGet, path, nil, "")
		assert.Equal(t, http.StatusNotFound, rec.Code, path)
	}
}

// =============================================================================
// PAYMENTS & OUTSTANDING
// =============================================================================

func TestPayInstallment_OnceAndDerivedCompletion(t *testing.T) {
	// GIVEN: A two-month loan
	s := newTestServer(t)
	d := s.disbursedLoan("AGT-7", 2_000_000, 2, 0)

	// WHEN: Both months are paid
	for _, inst := range d.Installments {
		rec := s.do(http.MethodPost, "/api/installments/"+inst.ID+"/pay", nil, operator)
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
		paid := decode[api.InstallmentDTO](t, rec)
		assert.Equal(t, lending.InstallmentPaid, paid.Status)
		assert.Equal(t, operator, paid.PaidBy)
	}

	// THEN: A second payment conflicts and the loan reads COMPLETED
	rec := s.do(http.MethodPost, "/api/installments/"+d.Installments[0].ID+"/pay", nil, operator)
	assert.Equal(t, http.StatusConflict, rec.Code)

	loan := decode[api.LoanDTO](t, s.do(http.MethodGet, "/api/loans/"+d.Loan.ID, nil, ""))
	assert.Equal(t, lending.StatusDisbursed, loan.Status)
	assert.Equal(t, lending.StatusCompleted, loan.DerivedStatus)

	out := decode[lending.Outstanding](t, s.do(http.MethodGet, "/api/loans/"+d.Loan.ID+"/outstanding", nil, ""))
	assert.True(t, out.Total().IsZero())
}

func TestPayInstallment_RejectsUnpaidTarget(t *testing.T) {
	s := newTestServer(t)
	d := s.disbursedLoan("AGT-7", 2_000_000, 2, 0)

	rec := s.do(http.MethodPost, "/api/installments/"+d.Installments[0].ID+"/pay", map[string]string{"status": "UNPAID"}, operator)

	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
}

func TestMemberOutstanding(t *testing.T) {
	s := newTestServer(t)
	first := s.disbursedLoan("AGT-9", 12_000_000, 12, 10)
	s.disbursedLoan("AGT-9", 3_000_000, 3, 0)

	rec := s.do(http.MethodPost, "/api/installments/"+first.Installments[0].ID+"/pay", nil, operator)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = s.do(http.MethodGet, "/api/members/AGT-9/outstanding", nil, "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	out := decode[lending.MemberOutstanding](t, rec)
	assert.Len(t, out.Loans, 2)
	assert.Equal(t, "14000000", out.RemainingPrincipal.String())
	assert.Equal(t, "1100000", out.RemainingInterest.String())

	loans := decode[[]api.LoanDTO](t, s.do(http.MethodGet, "/api/members/AGT-9/loans", nil, ""))
	assert.Len(t, loans, 2)
}

// =============================================================================
// NETTING
// =============================================================================

func TestNetting_PreviewAndSettle(t *testing.T) {
	// GIVEN: An old loan with open months and an approved renewal
	s := newTestServer(t)
	old := s.disbursedLoan("AGT-5", 3_000_000, 3, 0)

	body := flatTerms(5_000_000, 5, 0)
	body["member_ref"] = "AGT-5"
	renewal := decode[api.LoanDTO](t, s.do(http.MethodPost, "/api/loans", body, operator))
	require.Equal(t, http.StatusOK, s.do(http.MethodPost, "/api/loans/"+renewal.ID+"/approve", nil, operator).Code)

	rec := s.do(http.MethodGet, "/api/loans/"+renewal.ID+"/netting/candidates", nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decode[[]api.InstallmentDTO](t, rec), 3)

	selected := []string{old.Installments[1].ID, old.Installments[2].ID}

	// WHEN: Previewing two months
	rec = s.do(http.MethodPost, "/api/loans/"+renewal.ID+"/netting/preview", map[string]any{"selected": selected}, operator)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	preview := decode[api.DeductionDTO](t, rec)

	// THEN: The deduction is their sum
	assert.Equal(t, "2000000", preview.TotalDeduction.String())
	assert.Equal(t, "3000000", preview.NetDisbursement.String())

	// WHEN: Settling
	rec = s.do(http.MethodPost, "/api/loans/"+renewal.ID+"/netting/settle", map[string]any{"selected": selected}, operator)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	settled := decode[api.SettleResponse](t, rec)

	// THEN: Both are PAID and no longer candidates
	assert.ElementsMatch(t, selected, settled.Result.Succeeded)
	assert.Empty(t, settled.Result.Failed)
	rec = s.do(http.MethodGet, "/api/loans/"+renewal.ID+"/netting/candidates", nil, "")
	assert.Len(t, decode[[]api.InstallmentDTO](t, rec), 1)
}

func TestNetting_Errors(t *testing.T) {
	s := newTestServer(t)
	old := s.disbursedLoan("AGT-5", 9_000_000, 3, 0)

	body := flatTerms(1_000_000, 2, 0)
	body["member_ref"] = "AGT-5"
	renewal := decode[api.LoanDTO](t, s.do(http.MethodPost, "/api/loans", body, operator))

	path := "/api/loans/" + renewal.ID + "/netting/preview"

	rec := s.do(http.MethodPost, path, map[string]any{"selected": []string{old.Installments[0].ID}}, operator)
	assert.Equal(t, http.StatusConflict, rec.Code, "renewal is not approved yet")

	require.Equal(t, http.StatusOK, s.do(http.MethodPost, "/api/loans/"+renewal.ID+"/approve", nil, operator).Code)

	rec = s.do(http.MethodPost, path, map[string]any{"selected": []string{old.Installments[0].ID}}, operator)
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code, "3,000,000 exceeds a 1,000,000 principal")

	rec = s.do(http.MethodPost, path, map[string]any{"selected": []string{"someone-elses"}}, operator)
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
}

// =============================================================================
// RECONCILIATION
// =============================================================================

func TestReconciliation_PreviewThenApplyOnce(t *testing.T) {
	// GIVEN: A disbursed loan and rows for months 1 and 2 plus noise
	s := newTestServer(t)
	d := s.disbursedLoan("AGT-3", 3_000_000, 3, 0)
	number := d.Loan.Number

	rows := []map[string]any{
		{"No Anggota": "AGT-3", "Kode Angsuran": number + "-1", "Status": "LUNAS", "Jumlah": "Rp 1.000.000"},
		{"No Anggota": "AGT-3", "No Pinjaman": number, "Angsuran Ke": 2, "Status": "PROCESSED"},
		{"No Anggota": "AGT-3", "No Pinjaman": number, "Angsuran Ke": 3, "Status": "UNPAID"},
		{"No Anggota": "AGT-3", "Status": "LUNAS"},
	}

	// WHEN: Previewing
	rec := s.do(http.MethodPost, "/api/reconciliation/preview", map[string]any{"source": "march.json", "rows": rows}, operator)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	preview := decode[api.PreviewDTO](t, rec)

	// THEN: Two rows match, one is skipped, one is rejected before matching
	assert.Equal(t, api.PreviewSummary{Matched: 2, Skipped: 1, Rejected: 1}, preview.Summary)
	assert.Equal(t, operator, preview.CreatedBy)

	rec = s.do(http.MethodGet, "/api/reconciliation/"+preview.ID, nil, "")
	require.Equal(t, http.StatusOK, rec.Code)

	// Nothing is written before apply
	installments := decode[[]api.InstallmentDTO](t, s.do(http.MethodGet, "/api/loans/"+d.Loan.ID+"/installments", nil, ""))
	for _, inst := range installments {
		assert.Equal(t, lending.InstallmentUnpaid, inst.Status)
	}

	// WHEN: Applying
	rec = s.do(http.MethodPost, "/api/reconciliation/"+preview.ID+"/apply", nil, operator)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	applied := decode[api.ApplyPreviewResponse](t, rec)
	assert.Equal(t, 2, applied.Result.Attempted)
	assert.Len(t, applied.Result.Succeeded, 2)

	// THEN: Each row settled to the status its token names
	installments = decode[[]api.InstallmentDTO](t, s.do(http.MethodGet, "/api/loans/"+d.Loan.ID+"/installments", nil, ""))
	assert.Equal(t, lending.InstallmentPaid, installments[0].Status)
	assert.Equal(t, lending.InstallmentProcessed, installments[1].Status)
	assert.Equal(t, lending.InstallmentUnpaid, installments[2].Status)

	// AND: The preview is consumed
	rec = s.do(http.MethodPost, "/api/reconciliation/"+preview.ID+"/apply", nil, operator)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	// AND: Re-importing the same rows matches nothing
	rec = s.do(http.MethodPost, "/api/reconciliation/preview", map[string]any{"rows": rows}, operator)
	again := decode[api.PreviewDTO](t, rec)
	assert.Equal(t, 0, again.Summary.Matched)
	assert.Equal(t, 2, again.Summary.Unmatched)
}

func TestReconciliation_ApplyRequiresActorAndKeepsPreview(t *testing.T) {
	s := newTestServer(t)
	d := s.disbursedLoan("AGT-3", 3_000_000, 3, 0)
	rows := []map[string]any{{"composite_id": d.Installments[0].CompositeID, "status": "PAID"}}
	preview := decode[api.PreviewDTO](t, s.do(http.MethodPost, "/api/reconciliation/preview", map[string]any{"rows": rows}, operator))

	rec := s.do(http.MethodPost, "/api/reconciliation/"+preview.ID+"/apply", nil, "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = s.do(http.MethodPost, "/api/reconciliation/"+preview.ID+"/apply", nil, operator)
	assert.Equal(t, http.StatusOK, rec.Code, "a rejected attempt does not consume the preview")
}

func TestReconciliation_UploadCSV(t *testing.T) {
	s := newTestServer(t)
	d := s.disbursedLoan("AGT-8", 2_000_000, 2, 0)

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	part, err := mw.CreateFormFile("file", "payments.csv")
	require.NoError(t, err)
	_, err = io.WriteString(part, "member;kode;status\nAGT-8;"+d.Installments[1].CompositeID+";PAID\n")
	require.NoError(t, err)
	require.NoError(t, mw.Close())

	req := httptest.NewRequest(http.MethodPost, "/api/reconciliation/upload", &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	req.Header.Set(api.HeaderActorID, operator)
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	preview := decode[api.PreviewDTO](t, rec)
	assert.Equal(t, "payments.csv", preview.Source)
	require.Len(t, preview.Result.Matched, 1)
	assert.Equal(t, lending.InstallmentID(d.Installments[1].ID), preview.Result.Matched[0].InstallmentID)
}

func TestReconciliation_UploadRejectsUnknownFormat(t *testing.T) {
	s := newTestServer(t)

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	part, err := mw.CreateFormFile("file", "payments.pdf")
	require.NoError(t, err)
	_, _ = part.Write([]byte("%PDF"))
	require.NoError(t, mw.Close())

	req := httptest.NewRequest(http.MethodPost, "/api/reconciliation/upload", &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

// =============================================================================
// AUDIT & METRICS
// =============================================================================

func TestAudit_RecordsActorPerMutation(t *testing.T) {
	s := newTestServer(t)
	d := s.disbursedLoan("AGT-2", 1_000_000, 1, 0)

	rec := s.do(http.MethodGet, "/api/audit?loan_id="+d.Loan.ID, nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	entries := decode[[]api.AuditEntryDTO](t, rec)

	actions := make([]lending.AuditAction, len(entries))
	for i, e := range entries {
		actions[i] = e.Action
		assert.Equal(t, operator, e.ActorID)
	}
	assert.Equal(t, []lending.AuditAction{
		lending.AuditLoanApplied,
		lending.AuditLoanApproved,
		lending.AuditLoanDisbursed,
	}, actions)

	rec = s.do(http.MethodGet, "/api/audit?action=loan_disbursed", nil, "")
	assert.Len(t, decode[[]api.AuditEntryDTO](t, rec), 1)

	rec = s.do(http.MethodGet, "/api/audit?limit=abc", nil, "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestMetricsEndpoint(t *testing.T) {
	s := newTestServer(t)
	s.disbursedLoan("AGT-2", 1_000_000, 1, 0)

	rec := s.do(http.MethodGet, "/metrics", nil, "")

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `loan_engine_domain_events_total{type="loan.disbursed"} 1`)
	assert.Contains(t, rec.Body.String(), `route="/api/loans/{id}/disburse"`)
}

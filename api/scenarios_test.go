/*
scenarios_test.go - Tests for the demo scenarios

PURPOSE:
	Loads every scenario through the HTTP API on a SQLite store and checks
	the hand-computed figures it promises. These double as integration
	tests of the API over a real database.
*/
package api_test

import (
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/loan-engine/api"
	"github.com/warp/loan-engine/lending"
	"github.com/warp/loan-engine/store/sqlite"
)

func newSQLiteServer(t *testing.T) *testServer {
	t.Helper()
	st, err := sqlite.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	return newTestServerWith(t, st)
}

func (s *testServer) loadScenario(id string) api.LoadScenarioResponse {
	s.t.Helper()
	rec := s.do(http.MethodPost, "/api/scenarios/load", api.LoadScenarioRequest{ScenarioID: id}, "")
	require.Equal(s.t, http.StatusOK, rec.Code, rec.Body.String())
	resp := decode[api.LoadScenarioResponse](s.t, rec)
	require.Equal(s.t, "loaded", resp.Status)
	return resp
}

func (s *testServer) installments(loanID string) []api.InstallmentDTO {
	s.t.Helper()
	rec := s.do(http.MethodGet, "/api/loans/"+loanID+"/installments", nil, "")
	require.Equal(s.t, http.StatusOK, rec.Code, rec.Body.String())
	return decode[[]api.InstallmentDTO](s.t, rec)
}

func TestListScenarios(t *testing.T) {
	s := newTestServer(t)

	rec := s.do(http.MethodGet, "/api/scenarios", nil, "")

	require.Equal(t, http.StatusOK, rec.Code)
	list := decode[[]api.ScenarioDTO](t, rec)
	ids := make([]string, len(list))
	for i, sc := range list {
		ids[i] = sc.ID
	}
	assert.Equal(t, []string{
		api.ScenarioFlatAnnualRate,
		api.ScenarioFixedNominal,
		api.ScenarioReconcilePaid,
		api.ScenarioReconcileUnpaid,
		api.ScenarioRenewalNetting,
	}, ids)
}

func TestScenario_FlatAnnualRate(t *testing.T) {
	// GIVEN: The flat-annual-rate scenario
	s := newSQLiteServer(t)

	// WHEN: Loading it
	resp := s.loadScenario(api.ScenarioFlatAnnualRate)

	// THEN: Twelve months of exactly 1,100,000
	installments := s.installments(resp.LoanID)
	require.Len(t, installments, 12)
	for _, inst := range installments {
		assert.Equal(t, "1100000", inst.Amount.String(), "month %d", inst.Sequence)
	}
	assert.Equal(t, "PJ-20240101-0001", installments[0].LoanNumber)
	assert.Equal(t, "2024-02-01", installments[0].DueDate)
	assert.Equal(t, "2025-01-01", installments[11].DueDate)
}

func TestScenario_FixedNominal(t *testing.T) {
	s := newSQLiteServer(t)

	resp := s.loadScenario(api.ScenarioFixedNominal)

	installments := s.installments(resp.LoanID)
	require.Len(t, installments, 3)
	assert.Equal(t, "3333333", installments[0].Principal.String())
	assert.Equal(t, "3333333", installments[1].Principal.String())
	assert.Equal(t, "3333334", installments[2].Principal.String())
	for _, inst := range installments {
		assert.Equal(t, "100000", inst.Interest.String())
	}
}

func TestScenario_ReconcileProcessed(t *testing.T) {
	// GIVEN: PJ-20240101-0001-3 is UNPAID and a PROCESSED row names it
	s := newSQLiteServer(t)
	resp := s.loadScenario(api.ScenarioReconcilePaid)
	require.NotEmpty(t, resp.PreviewID)

	rec := s.do(http.MethodGet, "/api/reconciliation/"+resp.PreviewID, nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	preview := decode[api.PreviewDTO](t, rec)
	require.Len(t, preview.Result.Matched, 1)
	assert.Equal(t, "PJ-20240101-0001-3", preview.Result.Matched[0].CompositeID)
	assert.Equal(t, lending.MatchedByCompositeID, preview.Result.Matched[0].MatchedBy)

	// WHEN: The preview is applied
	rec = s.do(http.MethodPost, "/api/reconciliation/"+resp.PreviewID+"/apply", nil, operator)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	// THEN: Month 3 is PROCESSED with paid_at = now, the rest untouched
	installments := s.installments(resp.LoanID)
	for _, inst := range installments {
		if inst.Sequence != 3 {
			assert.Equal(t, lending.InstallmentUnpaid, inst.Status)
			continue
		}
		assert.Equal(t, lending.InstallmentProcessed, inst.Status)
		require.NotNil(t, inst.PaidAt)
		assert.Equal(t, "2024-03-15T10:00:00Z", *inst.PaidAt)
		assert.Equal(t, operator, inst.PaidBy)
	}
}

func TestScenario_ReconcileUnpaidToken(t *testing.T) {
	// GIVEN: The same row carrying status UNPAID
	s := newSQLiteServer(t)
	resp := s.loadScenario(api.ScenarioReconcileUnpaid)

	preview := decode[api.PreviewDTO](t, s.do(http.MethodGet, "/api/reconciliation/"+resp.PreviewID, nil, ""))
	assert.Equal(t, api.PreviewSummary{Skipped: 1}, preview.Summary)

	// WHEN: Applied anyway
	rec := s.do(http.MethodPost, "/api/reconciliation/"+resp.PreviewID+"/apply", nil, operator)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	// THEN: Nothing changed
	assert.Equal(t, 0, decode[api.ApplyPreviewResponse](t, rec).Result.Attempted)
	for _, inst := range s.installments(resp.LoanID) {
		assert.Equal(t, lending.InstallmentUnpaid, inst.Status)
	}
}

func TestScenario_RenewalNetting(t *testing.T) {
	s := newSQLiteServer(t)
	resp := s.loadScenario(api.ScenarioRenewalNetting)

	loan := decode[api.LoanDTO](t, s.do(http.MethodGet, "/api/loans/"+resp.LoanID, nil, ""))
	assert.Equal(t, lending.StatusApproved, loan.Status)
	assert.Equal(t, "PJ-20240101-0002", loan.Number)

	candidates := decode[[]api.InstallmentDTO](t, s.do(http.MethodGet, "/api/loans/"+resp.LoanID+"/netting/candidates", nil, ""))
	require.Len(t, candidates, 2)
	assert.Equal(t, 3, candidates[0].Sequence)
	assert.Equal(t, 4, candidates[1].Sequence)
}

func TestLoadScenario_UnknownAndCurrent(t *testing.T) {
	s := newTestServer(t)

	rec := s.do(http.MethodPost, "/api/scenarios/load", api.LoadScenarioRequest{ScenarioID: "nope"}, "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	s.loadScenario(api.ScenarioFixedNominal)
	current := decode[api.ScenarioDTO](t, s.do(http.MethodGet, "/api/scenarios/current", nil, ""))
	assert.Equal(t, api.ScenarioFixedNominal, current.ID)
}

func TestLoadScenario_ResetsPreviousData(t *testing.T) {
	s := newSQLiteServer(t)
	s.loadScenario(api.ScenarioFlatAnnualRate)
	s.loadScenario(api.ScenarioFixedNominal)

	loans := decode[[]api.LoanDTO](t, s.do(http.MethodGet, "/api/loans", nil, ""))
	require.Len(t, loans, 1)
	assert.Equal(t, "PJ-20240101-0001", loans[0].Number)

	rec := s.do(http.MethodPost, "/api/scenarios/reset", nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	loans = decode[[]api.LoanDTO](t, s.do(http.MethodGet, "/api/loans", nil, ""))
	assert.Empty(t, loans)
}

/*
scenarios.go - Demo scenario loaders for testing and demonstrations

PURPOSE:

	Provides pre-built scenarios that populate the database with loans
	whose numbers are worked out by hand, so the API can be checked
	against known figures. Every scenario runs on 2024-01-01, so the first
	loan it creates is always PJ-20240101-0001.

AVAILABLE SCENARIOS:

	flat-annual-rate:       12,000,000 over 12 months at 10% a year
	fixed-nominal-interest: 10,000,000 over 3 months, 300,000 interest
	reconcile-processed:    import row PJ-20240101-0001-3 / PROCESSED, parked as a preview
	reconcile-unpaid-token: same row with status UNPAID, classified SKIPPED
	renewal-netting:        disbursed loan with open months plus an approved renewal

HOW SCENARIOS WORK:
 1. Reset database (clear all data)
 2. Apply, approve and disburse through the lifecycle as the system actor
 3. Optionally classify an import and park the preview

USAGE VIA API:

	POST /api/scenarios/load
	{"scenario_id": "reconcile-processed"}

	then POST /api/reconciliation/{preview_id}/apply

NOTE:

	Scenarios reset the database. Only use in development/demo environments.

SEE ALSO:
  - handlers.go: reconciliation and netting handlers
  - lending/lifecycle.go: the transitions used here
*/
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/warp/loan-engine/cache"
	"github.com/warp/loan-engine/lending"
)

// =============================================================================
// SCENARIO DEFINITIONS
// =============================================================================

const (
	ScenarioFlatAnnualRate   = "flat-annual-rate"
	ScenarioFixedNominal     = "fixed-nominal-interest"
	ScenarioReconcilePaid    = "reconcile-processed"
	ScenarioReconcileUnpaid  = "reconcile-unpaid-token"
	ScenarioRenewalNetting   = "renewal-netting"
	scenarioMember           = lending.MemberRef("AGT-0001")
	scenarioCompositeID      = "PJ-20240101-0001-3"
	scenarioImportSourceName = "scenario"
)

var scenarioDay = time.Date(2024, 1, 1, 9, 0, 0, 0, time.UTC)

var scenarios = []ScenarioDTO{
	{
		ID:          ScenarioFlatAnnualRate,
		Name:        "Flat Annual Rate",
		Description: "12,000,000 over 12 months at 10% a year: 1,100,000 every month",
		Category:    "amortization",
	},
	{
		ID:          ScenarioFixedNominal,
		Name:        "Fixed Nominal Interest",
		Description: "10,000,000 over 3 months with 300,000 interest: month 3 absorbs the remainder",
		Category:    "amortization",
	},
	{
		ID:          ScenarioReconcilePaid,
		Name:        "Reconcile Processed Row",
		Description: "Import row for PJ-20240101-0001-3 marked PROCESSED, ready to apply",
		Category:    "reconciliation",
	},
	{
		ID:          ScenarioReconcileUnpaid,
		Name:        "Reconcile Unpaid Token",
		Description: "Same row marked UNPAID: skipped, nothing to apply",
		Category:    "reconciliation",
	},
	{
		ID:          ScenarioRenewalNetting,
		Name:        "Renewal With Netting",
		Description: "Member with open installments applies for a renewal; deduct them from the new disbursement",
		Category:    "netting",
	},
}

// ListScenarios returns available scenarios.
func (h *Handler) ListScenarios(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, scenarios)
}

// GetCurrentScenario returns the currently loaded scenario, if any.
func (h *Handler) GetCurrentScenario(w http.ResponseWriter, r *http.Request) {
	h.mu.RLock()
	current := h.currentScenario
	h.mu.RUnlock()

	for _, s := range scenarios {
		if s.ID == current {
			writeJSON(w, http.StatusOK, s)
			return
		}
	}
	writeJSON(w, http.StatusOK, nil)
}

// LoadScenario resets the database and loads a predefined scenario.
func (h *Handler) LoadScenario(w http.ResponseWriter, r *http.Request) {
	var req LoadScenarioRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	var loader func(context.Context, engine) (LoadScenarioResponse, error)
	switch req.ScenarioID {
	case ScenarioFlatAnnualRate:
		loader = h.loadFlatAnnualRateScenario
	case ScenarioFixedNominal:
		loader = h.loadFixedNominalScenario
	case ScenarioReconcilePaid:
		loader = func(ctx context.Context, e engine) (LoadScenarioResponse, error) {
			return h.loadReconcileScenario(ctx, e, "PROCESSED")
		}
	case ScenarioReconcileUnpaid:
		loader = func(ctx context.Context, e engine) (LoadScenarioResponse, error) {
			return h.loadReconcileScenario(ctx, e, "UNPAID")
		}
	case ScenarioRenewalNetting:
		loader = h.loadRenewalNettingScenario
	default:
		writeError(w, http.StatusBadRequest, "Unknown scenario", nil)
		return
	}

	ctx := r.Context()

	h.mu.Lock()
	defer h.mu.Unlock()

	// Reset first
	if err := h.Store.Reset(ctx); err != nil {
		h.writeDomainError(w, r, "Failed to reset database", err)
		return
	}
	h.currentScenario = ""

	resp, err := loader(ctx, h.scenarioEngine())
	if err != nil {
		h.writeDomainError(w, r, fmt.Sprintf("Failed to load scenario: %v", err), err)
		return
	}

	h.currentScenario = req.ScenarioID
	resp.Status = "loaded"
	resp.Scenario = req.ScenarioID

	h.logger.WithField("scenario", req.ScenarioID).Info("scenario loaded")
	writeJSON(w, http.StatusOK, resp)
}

// ResetDatabase clears all data.
func (h *Handler) ResetDatabase(w http.ResponseWriter, r *http.Request) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if err := h.Store.Reset(r.Context()); err != nil {
		h.writeDomainError(w, r, "Failed to reset database", err)
		return
	}
	h.currentScenario = ""

	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// scenarioEngine is the handler's engine with the clock pinned to scenarioDay.
func (h *Handler) scenarioEngine() engine {
	opts := append([]lending.Option{}, h.engineOpts...)
	opts = append(opts, lending.WithClock(func() time.Time { return scenarioDay }))
	return newEngine(h.Store, opts...)
}

// =============================================================================
// SCENARIO LOADERS
// =============================================================================

// Scenario: 12,000,000 / 12 months / 10% a year.
// totalInterest 1,200,000; every month 1,000,000 + 100,000.
func (h *Handler) loadFlatAnnualRateScenario(ctx context.Context, e engine) (LoadScenarioResponse, error) {
	loan, err := disburseNew(ctx, e, scenarioMember, lending.Terms{
		Principal:     decimal.NewFromInt(12_000_000),
		TenorMonths:   12,
		InterestType:  lending.InterestPercentAnnual,
		InterestValue: decimal.NewFromInt(10),
	})
	if err != nil {
		return LoadScenarioResponse{}, err
	}
	return LoadScenarioResponse{LoanID: string(loan.ID)}, nil
}

// Scenario: 10,000,000 / 3 months / 300,000 fixed.
// Months 1-2: 3,333,333 + 100,000. Month 3: 3,333,334 + 100,000.
func (h *Handler) loadFixedNominalScenario(ctx context.Context, e engine) (LoadScenarioResponse, error) {
	loan, err := disburseNew(ctx, e, scenarioMember, lending.Terms{
		Principal:     decimal.NewFromInt(10_000_000),
		TenorMonths:   3,
		InterestType:  lending.InterestFixedNominal,
		InterestValue: decimal.NewFromInt(300_000),
	})
	if err != nil {
		return LoadScenarioResponse{}, err
	}
	return LoadScenarioResponse{LoanID: string(loan.ID)}, nil
}

// Scenario: a disbursed loan PJ-20240101-0001 and one import row for its
// third month, classified and parked as a preview.
func (h *Handler) loadReconcileScenario(ctx context.Context, e engine, statusToken string) (LoadScenarioResponse, error) {
	loan, err := disburseNew(ctx, e, scenarioMember, lending.Terms{
		Principal:     decimal.NewFromInt(6_000_000),
		TenorMonths:   6,
		InterestType:  lending.InterestPercentAnnual,
		InterestValue: decimal.NewFromInt(12),
	})
	if err != nil {
		return LoadScenarioResponse{}, err
	}

	result, err := e.Matcher.Reconcile(ctx, []lending.ImportRow{{
		Line:        2,
		MemberRef:   scenarioMember,
		LoanNumber:  loan.Number,
		CompositeID: scenarioCompositeID,
		StatusToken: statusToken,
	}})
	if err != nil {
		return LoadScenarioResponse{}, err
	}

	preview := cache.Preview{
		ID:        uuid.NewString(),
		CreatedAt: h.now(),
		CreatedBy: lending.SystemActor.ID,
		Source:    scenarioImportSourceName,
		Result:    result,
	}
	if err := h.Previews.Put(ctx, preview); err != nil {
		return LoadScenarioResponse{}, err
	}
	return LoadScenarioResponse{LoanID: string(loan.ID), PreviewID: preview.ID}, nil
}

// Scenario: the member's first loan has two of four months paid; a
// renewal is approved and waiting for disbursement with netting.
func (h *Handler) loadRenewalNettingScenario(ctx context.Context, e engine) (LoadScenarioResponse, error) {
	first, err := disburseNew(ctx, e, scenarioMember, lending.Terms{
		Principal:     decimal.NewFromInt(4_000_000),
		TenorMonths:   4,
		InterestType:  lending.InterestFixedNominal,
		InterestValue: decimal.NewFromInt(200_000),
	})
	if err != nil {
		return LoadScenarioResponse{}, err
	}

	installments, err := e.Ledger.AllFor(ctx, first.ID)
	if err != nil {
		return LoadScenarioResponse{}, err
	}
	for _, inst := range installments[:2] {
		if _, err := e.Ledger.MarkPaid(ctx, lending.SystemActor, inst.ID, inst.DueDate, lending.InstallmentPaid); err != nil {
			return LoadScenarioResponse{}, err
		}
	}

	terms := lending.Terms{
		Principal:     decimal.NewFromInt(8_000_000),
		TenorMonths:   8,
		InterestType:  lending.InterestPercentAnnual,
		InterestValue: decimal.NewFromInt(9),
	}
	renewal, err := e.Lifecycle.Apply(ctx, lending.SystemActor, lending.Application{MemberRef: scenarioMember, Terms: terms})
	if err != nil {
		return LoadScenarioResponse{}, err
	}
	if _, err := e.Lifecycle.Approve(ctx, lending.SystemActor, renewal.ID, terms); err != nil {
		return LoadScenarioResponse{}, err
	}
	return LoadScenarioResponse{LoanID: string(renewal.ID)}, nil
}

// disburseNew runs a loan through apply, approve and disburse on scenarioDay.
func disburseNew(ctx context.Context, e engine, member lending.MemberRef, terms lending.Terms) (lending.Loan, error) {
	loan, err := e.Lifecycle.Apply(ctx, lending.SystemActor, lending.Application{MemberRef: member, Terms: terms})
	if err != nil {
		return lending.Loan{}, fmt.Errorf("apply: %w", err)
	}
	if _, err := e.Lifecycle.Approve(ctx, lending.SystemActor, loan.ID, terms); err != nil {
		return lending.Loan{}, fmt.Errorf("approve %s: %w", loan.Number, err)
	}
	disbursed, _, err := e.Lifecycle.Disburse(ctx, lending.SystemActor, loan.ID, scenarioDay)
	if err != nil {
		return lending.Loan{}, fmt.Errorf("disburse %s: %w", loan.Number, err)
	}
	return disbursed, nil
}

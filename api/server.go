/*
server.go - HTTP router and middleware configuration

PURPOSE:
  Configures the HTTP router (chi), middleware stack, and route definitions.
  This is the wiring layer that connects URLs to handlers.

MIDDLEWARE STACK:
  1. RequestID:  Unique ID per request, echoed in error logs
  2. Logger:     Request logging
  3. Recoverer:  Panic recovery (500 instead of crash)
  4. Metrics:    Latency histogram by route pattern (when metrics are wired)
  5. CORS:       Cross-origin requests for the back-office frontend

ROUTE GROUPS:
  /api/amortization       Schedule preview
  /api/loans/*            Lifecycle, ledger, outstanding, netting
  /api/members/*          Per-member views
  /api/installments/*     Single payments
  /api/reconciliation/*   Bulk import preview and apply
  /api/audit              Audit log
  /api/scenarios/*        Demo scenarios
  /metrics                Prometheus

SECURITY NOTE:
  No authentication middleware. The X-Actor-ID header is trusted.

SEE ALSO:
  - handlers.go: Handler implementations
  - cmd/server/main.go: Server startup
*/
package api

import (
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

// NewRouter creates a new router with all routes configured.
func NewRouter(h *Handler, allowedOrigins []string) *chi.Mux {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	if h.metrics != nil {
		r.Use(h.metrics.Middleware)
	}
	if len(allowedOrigins) == 0 {
		allowedOrigins = []string{"http://localhost:5173", "http://localhost:8080"}
	}
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   allowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", HeaderActorID, HeaderActorRole},
		AllowCredentials: true,
	}))

	// API routes
	r.Route("/api", func(r chi.Router) {
		r.Post("/amortization", h.ComputeAmortization)

		// Loan routes
		r.Route("/loans", func(r chi.Router) {
			r.Get("/", h.ListLoans)
			r.Post("/", h.ApplyLoan)
			r.Get("/{id}", h.GetLoan)
			r.Put("/{id}/terms", h.AmendTerms)
			r.Post("/{id}/approve", h.ApproveLoan)
			r.Post("/{id}/reject", h.RejectLoan)
			r.Post("/{id}/disburse", h.DisburseLoan)
			r.Get("/{id}/installments", h.ListInstallments)
			r.Get("/{id}/outstanding", h.GetOutstanding)

			r.Get("/{id}/netting/candidates", h.NettingCandidates)
			r.Post("/{id}/netting/preview", h.NettingPreview)
			r.Post("/{id}/netting/settle", h.NettingSettle)
		})

		// Member routes
		r.Route("/members/{ref}", func(r chi.Router) {
			r.Get("/loans", h.ListMemberLoans)
			r.Get("/outstanding", h.GetMemberOutstanding)
		})

		r.Post("/installments/{id}/pay", h.PayInstallment)

		// Reconciliation routes
		r.Route("/reconciliation", func(r chi.Router) {
			r.Post("/preview", h.PreviewReconciliation)
			r.Post("/upload", h.UploadReconciliation)
			r.Get("/{previewID}", h.GetReconciliationPreview)
			r.Post("/{previewID}/apply", h.ApplyReconciliationPreview)
		})

		r.Get("/audit", h.ListAudit)

		// Scenario routes
		r.Route("/scenarios", func(r chi.Router) {
			r.Get("/", h.ListScenarios)
			r.Get("/current", h.GetCurrentScenario)
			r.Post("/load", h.LoadScenario)
			r.Post("/reset", h.ResetDatabase)
		})
	})

	if h.metrics != nil {
		r.Handle("/metrics", h.metrics.Handler())
	}

	return r
}

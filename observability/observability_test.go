package observability_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/loan-engine/lending"
	"github.com/warp/loan-engine/observability"
)

func TestNewLogger_Levels(t *testing.T) {
	tests := []struct {
		input string
		want  logrus.Level
	}{
		{"debug", logrus.DebugLevel},
		{"INFO", logrus.InfoLevel},
		{"warn", logrus.WarnLevel},
		{"warning", logrus.WarnLevel},
		{"error", logrus.ErrorLevel},
		{"", logrus.InfoLevel},
		{"xyzzy", logrus.InfoLevel},
	}
	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			logger := observability.NewLogger(observability.LogConfig{Level: tt.input, Output: &bytes.Buffer{}})
			assert.Equal(t, tt.want, logger.GetLevel())
		})
	}
}

func TestNewLogger_JSON(t *testing.T) {
	var buf bytes.Buffer
	logger := observability.NewLogger(observability.LogConfig{Level: "info", Format: "json", Output: &buf})

	logger.WithField("loan_id", "L-1").Info("loan approved")

	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, "L-1", line["loan_id"])
	assert.Equal(t, "loan approved", line["msg"])
}

func TestMetrics_PublishCountsEventsAndFailures(t *testing.T) {
	m := observability.NewMetrics()

	err := m.Publish(context.Background(),
		lending.Event{Type: lending.EventInstallmentPaid},
		lending.Event{Type: lending.EventInstallmentPaid},
		lending.Event{Type: lending.EventReconciliationApplied, Data: map[string]string{"failed": "2"}},
	)
	require.NoError(t, err)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.Events.WithLabelValues("installment.paid")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Events.WithLabelValues("reconciliation.applied")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.ApplyFailures))
}

func TestMetrics_ObserveReconcile(t *testing.T) {
	m := observability.NewMetrics()

	m.ObserveReconcile(lending.ReconcileResult{
		Matched:   make([]lending.RowOutcome, 3),
		Unmatched: make([]lending.RowOutcome, 1),
		Skipped:   make([]lending.RowOutcome, 2),
	}, 4)

	assert.Equal(t, 3.0, testutil.ToFloat64(m.Classifications.WithLabelValues("MATCHED")))
	assert.Equal(t, 0.0, testutil.ToFloat64(m.Classifications.WithLabelValues("AMBIGUOUS")))
	assert.Equal(t, 4.0, testutil.ToFloat64(m.RowsRejected))
}

func TestMetrics_MiddlewareAndHandler(t *testing.T) {
	m := observability.NewMetrics()
	r := chi.NewRouter()
	r.Use(m.Middleware)
	r.Get("/api/loans/{id}", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})
	r.Handle("/metrics", m.Handler())

	r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/api/loans/L-1", nil))

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	body := rec.Body.String()
	assert.True(t, strings.Contains(body, `route="/api/loans/{id}"`), "route pattern label, not raw path")
	assert.Contains(t, body, `status="404"`)
}

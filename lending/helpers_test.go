package lending_test

import (
	"context"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
	"github.com/warp/loan-engine/lending"
	"github.com/warp/loan-engine/lending/store"
)

// =============================================================================
// TEST HELPERS
// =============================================================================

var (
	jan1    = time.Date(2024, time.January, 1, 9, 30, 0, 0, time.UTC)
	teller  = lending.Actor{ID: "teller-1", Role: "treasurer"}
	manager = lending.Actor{ID: "manager-1", Role: "manager"}
)

func dec(n int64) decimal.Decimal { return decimal.NewFromInt(n) }

func quietLogger() logrus.FieldLogger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

// recordingPublisher keeps every published event.
type recordingPublisher struct {
	mu     sync.Mutex
	events []lending.Event
}

func (p *recordingPublisher) Publish(_ context.Context, events ...lending.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, events...)
	return nil
}

func (p *recordingPublisher) types() []lending.EventType {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]lending.EventType, len(p.events))
	for i, e := range p.events {
		out[i] = e.Type
	}
	return out
}

type engine struct {
	store      *store.TxMemory
	events     *recordingPublisher
	ledger     *lending.Ledger
	lifecycle  *lending.Lifecycle
	netting    *lending.Netting
	matcher    *lending.Matcher
	aggregator *lending.Aggregator
}

func newEngine(t *testing.T) *engine {
	t.Helper()
	return newEngineOn(t, store.NewTxMemory())
}

func newEngineOn(t *testing.T, s *store.TxMemory) *engine {
	t.Helper()
	return newEngineWith(t, s, s)
}

// newEngineWith lets a test wrap the lifecycle's store while the other
// services use the plain memory store.
func newEngineWith(t *testing.T, s *store.TxMemory, lifecycleStore lending.TxStore) *engine {
	t.Helper()
	pub := &recordingPublisher{}
	opts := []lending.Option{
		lending.WithClock(func() time.Time { return jan1 }),
		lending.WithPublisher(pub),
		lending.WithLogger(quietLogger()),
	}
	ledger := lending.NewLedger(s, opts...)
	return &engine{
		store:      s,
		events:     pub,
		ledger:     ledger,
		lifecycle:  lending.NewLifecycle(lifecycleStore, ledger, opts...),
		netting:    lending.NewNetting(s, ledger, opts...),
		matcher:    lending.NewMatcher(s, ledger, opts...),
		aggregator: lending.NewAggregator(s, ledger),
	}
}

func flatTerms(principal int64, tenor int, rate int64) lending.Terms {
	return lending.Terms{
		Principal:     dec(principal),
		TenorMonths:   tenor,
		InterestType:  lending.InterestPercentAnnual,
		InterestValue: dec(rate),
	}
}

func fixedTerms(principal int64, tenor int, nominal int64) lending.Terms {
	return lending.Terms{
		Principal:     dec(principal),
		TenorMonths:   tenor,
		InterestType:  lending.InterestFixedNominal,
		InterestValue: dec(nominal),
	}
}

// disbursedLoan walks a loan through apply, approve and disburse.
func (e *engine) disbursedLoan(t *testing.T, member lending.MemberRef, terms lending.Terms) (lending.Loan, []lending.Installment) {
	t.Helper()
	ctx := context.Background()

	loan, err := e.lifecycle.Apply(ctx, teller, lending.Application{MemberRef: member, Terms: terms})
	require.NoError(t, err)
	_, err = e.lifecycle.Approve(ctx, manager, loan.ID, terms)
	require.NoError(t, err)
	loan, installments, err := e.lifecycle.Disburse(ctx, manager, loan.ID, jan1)
	require.NoError(t, err)
	return loan, installments
}

func sumAmounts(installments []lending.Installment) decimal.Decimal {
	total := decimal.Zero
	for _, inst := range installments {
		total = total.Add(inst.Amount)
	}
	return total
}

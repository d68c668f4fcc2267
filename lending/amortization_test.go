package lending_test

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/loan-engine/lending"
)

// =============================================================================
// SCENARIOS
// =============================================================================

func TestComputeAmortization_PercentAnnual_EvenSplit(t *testing.T) {
	// GIVEN: 12,000,000 over 12 months at 10% per year
	// WHEN: Computing the schedule
	// THEN: 1,000,000 + 100,000 every month, last month identical

	s, err := lending.ComputeAmortization(dec(12_000_000), 12, lending.InterestPercentAnnual, dec(10))
	require.NoError(t, err)

	assert.True(t, s.TotalInterest.Equal(dec(1_200_000)), "total interest %s", s.TotalInterest)
	assert.True(t, s.StdPrincipal.Equal(dec(1_000_000)))
	assert.True(t, s.StdInterest.Equal(dec(100_000)))
	assert.True(t, s.StdTotal.Equal(dec(1_100_000)))
	assert.True(t, s.LastTotal.Equal(dec(1_100_000)))
}

func TestComputeAmortization_FixedNominal_LastPeriodAbsorbsRemainder(t *testing.T) {
	// GIVEN: 10,000,000 over 3 months with 300,000 fixed interest
	// WHEN: Computing the schedule
	// THEN: 3,333,333 in months 1-2 and 3,333,334 in month 3

	s, err := lending.ComputeAmortization(dec(10_000_000), 3, lending.InterestFixedNominal, dec(300_000))
	require.NoError(t, err)

	assert.True(t, s.StdPrincipal.Equal(dec(3_333_333)))
	assert.True(t, s.StdInterest.Equal(dec(100_000)))
	assert.True(t, s.LastPrincipal.Equal(dec(3_333_334)))
	assert.True(t, s.LastInterest.Equal(dec(100_000)))

	principals := decimal.Zero
	for seq := 1; seq <= 3; seq++ {
		p, _ := s.Period(seq)
		principals = principals.Add(p)
	}
	assert.True(t, principals.Equal(dec(10_000_000)))
}

func TestComputeAmortization_NoInterest(t *testing.T) {
	s, err := lending.ComputeAmortization(dec(1_000), 3, lending.InterestNone, dec(99))
	require.NoError(t, err)

	assert.True(t, s.TotalInterest.IsZero())
	assert.True(t, s.StdPrincipal.Equal(dec(333)))
	assert.True(t, s.LastPrincipal.Equal(dec(334)))
}

func TestComputeAmortization_SingleMonth(t *testing.T) {
	s, err := lending.ComputeAmortization(dec(500_000), 1, lending.InterestFixedNominal, dec(25_000))
	require.NoError(t, err)

	assert.True(t, s.LastPrincipal.Equal(dec(500_000)))
	assert.True(t, s.LastInterest.Equal(dec(25_000)))
}

// =============================================================================
// PROPERTIES
// =============================================================================

func TestComputeAmortization_SumIsExact(t *testing.T) {
	// GIVEN: A grid of awkward principals, tenors and rates
	// WHEN: Summing every period of the schedule
	// THEN: The sum equals principal + totalInterest exactly

	principals := []int64{1, 7, 999, 1_000_001, 10_000_000, 12_345_679}
	tenors := []int{1, 2, 3, 7, 11, 12, 24, 36}
	rates := []int64{0, 1, 7, 10, 13}

	for _, p := range principals {
		for _, n := range tenors {
			for _, r := range rates {
				for _, typ := range []lending.InterestType{lending.InterestPercentAnnual, lending.InterestFixedNominal, lending.InterestNone} {
					value := dec(r)
					if typ == lending.InterestFixedNominal {
						value = dec(r * 1_001)
					}
					s, err := lending.ComputeAmortization(dec(p), n, typ, value)
					require.NoError(t, err)

					sum := decimal.Zero
					for seq := 1; seq <= n; seq++ {
						pp, ii := s.Period(seq)
						sum = sum.Add(pp).Add(ii)
					}
					assert.Truef(t, sum.Equal(s.Total()),
						"p=%d n=%d type=%s value=%s: sum %s != %s", p, n, typ, value, sum, s.Total())
				}
			}
		}
	}
}

func TestComputeAmortization_Deterministic(t *testing.T) {
	a, err := lending.ComputeAmortization(dec(12_345_679), 7, lending.InterestPercentAnnual, dec(13))
	require.NoError(t, err)
	b, err := lending.ComputeAmortization(dec(12_345_679), 7, lending.InterestPercentAnnual, dec(13))
	require.NoError(t, err)

	assert.Equal(t, a, b)
}

func TestComputeAmortization_InvalidParameters(t *testing.T) {
	tests := []struct {
		name      string
		principal decimal.Decimal
		tenor     int
		typ       lending.InterestType
		value     decimal.Decimal
		field     string
	}{
		{"zero principal", dec(0), 12, lending.InterestNone, dec(0), "principal"},
		{"negative principal", dec(-1), 12, lending.InterestNone, dec(0), "principal"},
		{"zero tenor", dec(1_000), 0, lending.InterestNone, dec(0), "tenor_months"},
		{"negative rate", dec(1_000), 12, lending.InterestPercentAnnual, dec(-1), "interest_value"},
		{"negative nominal", dec(1_000), 12, lending.InterestFixedNominal, dec(-5), "interest_value"},
		{"negative value with no interest", dec(100), 2, lending.InterestNone, dec(-5), "interest_value"},
		{"unknown type", dec(1_000), 12, lending.InterestType("COMPOUND"), dec(1), "interest_type"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := lending.ComputeAmortization(tt.principal, tt.tenor, tt.typ, tt.value)
			require.ErrorIs(t, err, lending.ErrInvalidLoanParameters)

			var perr *lending.InvalidLoanParametersError
			require.ErrorAs(t, err, &perr)
			assert.Equal(t, tt.field, perr.Field)
			assert.True(t, lending.IsClientError(err))
		})
	}
}

func TestSchedule_PeriodOutOfRange(t *testing.T) {
	s, err := lending.ComputeAmortization(dec(1_000), 2, lending.InterestNone, dec(0))
	require.NoError(t, err)

	p, i := s.Period(0)
	assert.True(t, p.IsZero() && i.IsZero())
	p, i = s.Period(3)
	assert.True(t, p.IsZero() && i.IsZero())
}

func TestAddMonths_ClampsToMonthEnd(t *testing.T) {
	jan31 := time.Date(2024, time.January, 31, 15, 0, 0, 0, time.UTC)

	assert.Equal(t, time.Date(2024, time.February, 29, 0, 0, 0, 0, time.UTC), lending.AddMonths(jan31, 1))
	assert.Equal(t, time.Date(2024, time.March, 31, 0, 0, 0, 0, time.UTC), lending.AddMonths(jan31, 2))
	assert.Equal(t, time.Date(2025, time.January, 31, 0, 0, 0, 0, time.UTC), lending.AddMonths(jan31, 12))
}

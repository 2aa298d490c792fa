package reconcile

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

func TestComputeVariance(t *testing.T) {
	cases := []struct {
		name        string
		systemQty   float64
		physicalQty float64
		unitCost    decimal.Decimal
		wantVar     float64
		wantPct     float64
		wantType    VarianceType
		wantImpact  float64
	}{
		{
			name:      "shortage",
			systemQty: 100, physicalQty: 92, unitCost: decimal.NewFromInt(10),
			wantVar: -8, wantPct: -8, wantType: VarianceShortage, wantImpact: 80,
		},
		{
			name:      "excess",
			systemQty: 50, physicalQty: 55, unitCost: decimal.NewFromInt(4),
			wantVar: 5, wantPct: 10, wantType: VarianceExcess, wantImpact: 20,
		},
		{
			name:      "exact match",
			systemQty: 30, physicalQty: 30, unitCost: decimal.NewFromInt(7),
			wantVar: 0, wantPct: 0, wantType: VarianceNone, wantImpact: 0,
		},
		{
			name:      "noise below epsilon",
			systemQty: 30, physicalQty: 30.0005, unitCost: decimal.NewFromInt(7),
			wantVar: 0.0005, wantPct: 0.0005 / 30 * 100, wantType: VarianceNone,
			wantImpact: 0.0035,
		},
		{
			name:      "zero system qty yields zero pct",
			systemQty: 0, physicalQty: 12, unitCost: decimal.NewFromInt(3),
			wantVar: 12, wantPct: 0, wantType: VarianceExcess, wantImpact: 36,
		},
		{
			name:      "everything missing",
			systemQty: 20, physicalQty: 0, unitCost: decimal.NewFromInt(5),
			wantVar: -20, wantPct: -100, wantType: VarianceShortage, wantImpact: 100,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := computeVariance(tc.systemQty, tc.physicalQty, tc.unitCost)
			require.InDelta(t, tc.wantVar, got.Variance, 1e-9)
			require.InDelta(t, tc.wantPct, got.VariancePct, 1e-9)
			require.Equal(t, tc.wantType, got.Type)
			require.InDelta(t, tc.wantImpact, got.FinancialImpact.InexactFloat64(), 1e-6)
		})
	}
}

func TestSeverityBands(t *testing.T) {
	require.Equal(t, SeverityNormal, SeverityOf(0))
	require.Equal(t, SeverityNormal, SeverityOf(5))
	require.Equal(t, SeverityNormal, SeverityOf(-5))
	require.Equal(t, SeveritySignificant, SeverityOf(5.1))
	require.Equal(t, SeveritySignificant, SeverityOf(-15))
	require.Equal(t, SeverityCritical, SeverityOf(15.1))
	require.Equal(t, SeverityCritical, SeverityOf(-40))
}

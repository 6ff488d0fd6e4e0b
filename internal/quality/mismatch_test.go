package quality

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestMismatchMedianBaselineFlagsOutlier(t *testing.T) {
	d := NewMismatchDetector(MismatchConfig{ThresholdPct: 2})

	result := d.Compare(map[string]float64{
		"binance": 64_000,
		"bybit":   64_050,
		"okx":     70_000,
	}, "")

	require.True(t, result.Detected())
	require.Equal(t, "median", result.Baseline)
	require.Equal(t, 64_050.0, result.BaselineValue)
	require.Contains(t, result.Outliers, "okx")
	require.NotContains(t, result.Outliers, "binance")
	require.Greater(t, result.DeviationPct, 2.0)
}

func TestMismatchVenueBaseline(t *testing.T) {
	d := NewMismatchDetector(MismatchConfig{Baseline: "binance", ThresholdPct: 1})

	result := d.Compare(map[string]float64{
		"binance:futures:oi": 1_000,
		"bybit:futures:oi":   1_500,
	}, "")

	require.Equal(t, "binance", result.Baseline)
	require.Equal(t, 1_000.0, result.BaselineValue)
	require.Contains(t, result.Outliers, "bybit:futures:oi")
}

func TestMismatchVenueBaselineAbsentFallsBackToMedian(t *testing.T) {
	d := NewMismatchDetector(MismatchConfig{Baseline: "kraken", ThresholdPct: 1})

	result := d.Compare(map[string]float64{
		"binance": 100,
		"bybit":   100,
	}, "")

	require.Equal(t, "median", result.Baseline)
	require.False(t, result.Detected())
}

func TestMismatchSuppressedBelowMinSources(t *testing.T) {
	d := NewMismatchDetector(MismatchConfig{MinSources: 2})

	result := d.Compare(map[string]float64{"binance": 100}, "")
	require.True(t, result.Suppressed)
	require.Equal(t, "INSUFFICIENT_SOURCES", result.Reason)
	require.False(t, result.Detected())

	result = d.Compare(map[string]float64{"binance": 100}, "NO_COMPARABLE_UNIT")
	require.True(t, result.Suppressed)
	require.Equal(t, "NO_COMPARABLE_UNIT", result.Reason)
}

func TestMismatchAgreementWithinThreshold(t *testing.T) {
	d := NewMismatchDetector(MismatchConfig{ThresholdPct: 5})

	result := d.Compare(map[string]float64{
		"binance": 64_000,
		"bybit":   64_100,
		"okx":     63_900,
	}, "")

	require.False(t, result.Detected())
	require.False(t, result.Suppressed)
	require.Zero(t, result.DeviationPct)
}

package spread

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gregtusar/fundarb/pkg/models"
)

func obs(venue, symbol string, rate float64, observedAt time.Time) models.FundingRateObservation {
	return models.FundingRateObservation{
		Venue:              venue,
		Symbol:             symbol,
		Rate:               rate,
		ObservedAt:         observedAt,
		NextSettlementAt:   observedAt.Add(8 * time.Hour),
		SettlementInterval: 8 * time.Hour,
	}
}

func TestDetectPicksLowerRateAsLongSide(t *testing.T) {
	now := time.Now()
	opps := Detect([]models.FundingRateObservation{
		obs("binance", "BTC", 0.0005, now),
		obs("bybit", "BTC", -0.0002, now),
	}, Config{})

	require.Len(t, opps, 1)
	opp := opps[0]
	assert.Equal(t, "bybit", opp.LongVenue)
	assert.Equal(t, "binance", opp.ShortVenue)
	assert.Equal(t, -0.0002, opp.LongRate)
	assert.Equal(t, 0.0005, opp.ShortRate)
	assert.InDelta(t, 0.0007, opp.Spread, 1e-12)
	assert.True(t, opp.Spread >= 0)
}

func TestDetectSpreadNeverNegative(t *testing.T) {
	now := time.Now()
	rates := []float64{-0.001, -0.0002, 0, 0.0003, 0.002}
	venues := []string{"a", "b", "c", "d", "e"}
	var snapshot []models.FundingRateObservation
	for i, r := range rates {
		snapshot = append(snapshot, obs(venues[i], "ETH", r, now))
	}

	opps := Detect(snapshot, Config{})
	require.Len(t, opps, 10) // C(5,2) unordered venue pairs
	for _, o := range opps {
		assert.GreaterOrEqual(t, o.Spread, 0.0)
		assert.LessOrEqual(t, o.LongRate, o.ShortRate)
		assert.InDelta(t, o.ShortRate-o.LongRate, o.Spread, 1e-15)
	}
}

func TestDetectDuplicateObservationsLatestWins(t *testing.T) {
	now := time.Now()
	opps := Detect([]models.FundingRateObservation{
		obs("binance", "BTC", 0.01, now.Add(-time.Hour)), // stale, discarded
		obs("binance", "BTC", 0.0001, now),
		obs("bybit", "BTC", 0.0004, now),
	}, Config{})

	require.Len(t, opps, 1)
	assert.Equal(t, "binance", opps[0].LongVenue)
	assert.InDelta(t, 0.0003, opps[0].Spread, 1e-12)
}

func TestDetectSortedDescendingWithDeterministicTieBreak(t *testing.T) {
	now := time.Now()
	snapshot := []models.FundingRateObservation{
		obs("a", "AAA", 0.0, now),
		obs("b", "AAA", 0.0004, now),
		obs("a", "BBB", 0.0, now),
		obs("b", "BBB", 0.0004, now),
		obs("a", "CCC", 0.0, now),
		obs("b", "CCC", 0.0009, now),
	}

	opps := Detect(snapshot, Config{})
	require.Len(t, opps, 3)
	assert.Equal(t, "CCC", opps[0].Symbol)
	// Equal spreads fall back to symbol order.
	assert.Equal(t, "AAA", opps[1].Symbol)
	assert.Equal(t, "BBB", opps[2].Symbol)

	again := Detect(snapshot, Config{})
	assert.Equal(t, len(opps), len(again))
	for i := range opps {
		assert.Equal(t, opps[i].Symbol, again[i].Symbol)
		assert.Equal(t, opps[i].LongVenue, again[i].LongVenue)
	}
}

func TestDetectFeasibilityThreshold(t *testing.T) {
	now := time.Now()
	snapshot := []models.FundingRateObservation{
		obs("a", "BTC", 0.0, now),
		obs("b", "BTC", 0.0002, now),
	}

	opps := Detect(snapshot, Config{MinSpreadThreshold: 0.0001})
	require.Len(t, opps, 1)
	assert.True(t, opps[0].Feasible)

	opps = Detect(snapshot, Config{MinSpreadThreshold: 0.0002})
	require.Len(t, opps, 1)
	assert.False(t, opps[0].Feasible, "threshold must be strictly exceeded")
}

func TestAnnualizeMonotonicInSpread(t *testing.T) {
	perYear := float64(hoursPerYear) / 8
	prev := Annualize(0, perYear)
	for _, sp := range []float64{0.00001, 0.0001, 0.0005, 0.001, 0.01} {
		cur := Annualize(sp, perYear)
		assert.Greater(t, cur, prev)
		prev = cur
	}
}

func TestAnnualizeDerivedCadence(t *testing.T) {
	// 8h cadence: 1095 periods per year.
	got := Annualize(0.0001, 1095)
	assert.InDelta(t, 0.1157, got, 0.001)

	// 1h cadence compounds harder than 8h for the same periodic spread.
	hourly := Detect([]models.FundingRateObservation{
		{Venue: "a", Symbol: "BTC", Rate: 0, ObservedAt: time.Now(), SettlementInterval: time.Hour},
		{Venue: "b", Symbol: "BTC", Rate: 0.0001, ObservedAt: time.Now(), SettlementInterval: time.Hour},
	}, Config{})
	eightHourly := Detect([]models.FundingRateObservation{
		{Venue: "a", Symbol: "BTC", Rate: 0, ObservedAt: time.Now(), SettlementInterval: 8 * time.Hour},
		{Venue: "b", Symbol: "BTC", Rate: 0.0001, ObservedAt: time.Now(), SettlementInterval: 8 * time.Hour},
	}, Config{})
	require.Len(t, hourly, 1)
	require.Len(t, eightHourly, 1)
	assert.Greater(t, hourly[0].AnnualizedSpread, eightHourly[0].AnnualizedSpread)
}

func TestDetectVenueOverrideBeatsReported(t *testing.T) {
	now := time.Now()
	opps := Detect([]models.FundingRateObservation{
		obs("a", "BTC", 0, now),
		obs("b", "BTC", 0.0001, now),
	}, Config{SettlementOverrides: map[string]time.Duration{"b": time.Hour}})

	require.Len(t, opps, 1)
	assert.InDelta(t, Annualize(0.0001, hoursPerYear), opps[0].AnnualizedSpread, 1e-9)
}

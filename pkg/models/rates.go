package models

import (
	"time"
)

// FundingRateObservation is one venue's periodic funding rate for a symbol.
// Observations are immutable once recorded; the rate store keeps the most
// recent one per (venue, symbol).
type FundingRateObservation struct {
	Venue            string
	Symbol           string
	Rate             float64 // periodic rate, dimensionless fraction
	ObservedAt       time.Time
	NextSettlementAt time.Time
	// SettlementInterval is the venue-reported gap between consecutive
	// settlements. Zero when the venue does not report it; callers fall
	// back to a configured or default cadence.
	SettlementInterval time.Duration
}

// Key identifies the (venue, symbol) slot an observation occupies.
func (o FundingRateObservation) Key() string {
	return o.Venue + "/" + o.Symbol
}

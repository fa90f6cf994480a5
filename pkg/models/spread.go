package models

import (
	"time"
)

// SpreadOpportunity is a ranked funding-rate spread between two venues for
// one symbol. Derived from the rate snapshot, never persisted.
//
// The long side is whichever venue pays the trader, i.e. the lower (or most
// negative) periodic rate, so Spread is always non-negative.
type SpreadOpportunity struct {
	Symbol           string    `json:"symbol"`
	LongVenue        string    `json:"long_venue"`
	ShortVenue       string    `json:"short_venue"`
	LongRate         float64   `json:"long_rate"`
	ShortRate        float64   `json:"short_rate"`
	Spread           float64   `json:"spread"` // ShortRate - LongRate, >= 0
	AnnualizedSpread float64   `json:"annualized_spread"`
	Feasible         bool      `json:"feasible"`
	ComputedAt       time.Time `json:"computed_at"`
}

// Package spread ranks funding-rate spreads between venues. The detector is
// a pure function over a rate snapshot: no I/O, deterministic, idempotent.
package spread

import (
	"math"
	"sort"
	"time"

	"github.com/gregtusar/fundarb/pkg/models"
)

const hoursPerYear = 24 * 365

// DefaultSettlementInterval is used when a venue reports no settlement
// cadence and no per-venue override is configured. Eight hours is the
// dominant perpetual funding cadence.
const DefaultSettlementInterval = 8 * time.Hour

// Config controls opportunity feasibility and cadence derivation.
type Config struct {
	// MinSpreadThreshold is the periodic spread an opportunity must
	// strictly exceed to be feasible. It should cover round-trip fees.
	MinSpreadThreshold float64
	// SettlementOverrides pins a settlement cadence per venue, taking
	// precedence over venue-reported intervals.
	SettlementOverrides map[string]time.Duration
	// Now, when set, replaces time.Now for ComputedAt stamping.
	Now func() time.Time
}

// Detect computes every pairwise venue spread in the snapshot and returns
// opportunities sorted by spread descending, ties broken by
// (symbol, longVenue, shortVenue) lexical order.
//
// If the snapshot carries more than one observation for the same
// (venue, symbol), the most recent ObservedAt wins.
func Detect(snapshot []models.FundingRateObservation, cfg Config) []models.SpreadOpportunity {
	now := time.Now
	if cfg.Now != nil {
		now = cfg.Now
	}
	computedAt := now()

	latest := make(map[string]models.FundingRateObservation, len(snapshot))
	for _, obs := range snapshot {
		if prev, ok := latest[obs.Key()]; ok && !obs.ObservedAt.After(prev.ObservedAt) {
			continue
		}
		latest[obs.Key()] = obs
	}

	bySymbol := make(map[string][]models.FundingRateObservation)
	for _, obs := range latest {
		bySymbol[obs.Symbol] = append(bySymbol[obs.Symbol], obs)
	}

	var out []models.SpreadOpportunity
	for symbol, group := range bySymbol {
		// Deterministic pair enumeration regardless of map order.
		sort.Slice(group, func(i, j int) bool { return group[i].Venue < group[j].Venue })

		for i := 0; i < len(group); i++ {
			for j := i + 1; j < len(group); j++ {
				long, short := group[i], group[j]
				if long.Rate > short.Rate {
					long, short = short, long
				}
				sp := short.Rate - long.Rate
				// The annualization cadence comes from the paying
				// side: the short leg collects that venue's rate.
				perYear := periodsPerYear(short, cfg)

				out = append(out, models.SpreadOpportunity{
					Symbol:           symbol,
					LongVenue:        long.Venue,
					ShortVenue:       short.Venue,
					LongRate:         long.Rate,
					ShortRate:        short.Rate,
					Spread:           sp,
					AnnualizedSpread: Annualize(sp, perYear),
					Feasible:         sp > cfg.MinSpreadThreshold,
					ComputedAt:       computedAt,
				})
			}
		}
	}

	sort.Slice(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if a.Spread != b.Spread {
			return a.Spread > b.Spread
		}
		if a.Symbol != b.Symbol {
			return a.Symbol < b.Symbol
		}
		if a.LongVenue != b.LongVenue {
			return a.LongVenue < b.LongVenue
		}
		return a.ShortVenue < b.ShortVenue
	})
	return out
}

// Annualize converts a periodic spread into an annual rate via compound
// growth. Monotonic in spread for a fixed periodsPerYear.
func Annualize(spread, periodsPerYear float64) float64 {
	if periodsPerYear <= 0 {
		return 0
	}
	return math.Pow(1+spread, periodsPerYear) - 1
}

// periodsPerYear derives the compounding cadence. Precedence: configured
// per-venue override, then the venue-reported settlement interval, then the
// 8h default common to perp venues.
func periodsPerYear(obs models.FundingRateObservation, cfg Config) float64 {
	interval := obs.SettlementInterval
	if override, ok := cfg.SettlementOverrides[obs.Venue]; ok && override > 0 {
		interval = override
	}
	if interval <= 0 {
		interval = DefaultSettlementInterval
	}
	return hoursPerYear / interval.Hours()
}

// Package ledger is the durable order store. Every mutation is a conditional
// write keyed by the record's expected prior state, which is what makes
// concurrent reconciliation race-safe without in-process locking.
package ledger

import (
	"context"
	"errors"

	"github.com/gregtusar/fundarb/pkg/models"
)

var (
	// ErrStateMismatch means a conditional write found the record in a
	// different state than the caller expected. The write is rejected,
	// never silently applied.
	ErrStateMismatch = errors.New("ledger: state mismatch")
	// ErrDuplicateFill means the fill's trade ref was already recorded
	// for the leg.
	ErrDuplicateFill = errors.New("ledger: duplicate trade ref")
	// ErrOverfill means a fill would push the cumulative quantity past
	// the leg's requested quantity. The leg is forced to FAILED and
	// flagged for manual review, never clamped.
	ErrOverfill = errors.New("ledger: cumulative fill exceeds leg quantity")
	// ErrNotFound means the pair or leg does not exist.
	ErrNotFound = errors.New("ledger: not found")
	// ErrIllegalTransition means the requested leg transition is not in
	// the state machine's allowed-transition table.
	ErrIllegalTransition = errors.New("ledger: illegal transition")
)

// LegPatch carries the optional field updates applied with a transition.
type LegPatch struct {
	VenueOrderRef *string
	Flagged       *bool
}

// FillResult is the outcome of recording a fill.
type FillResult struct {
	Leg *models.LegOrder
	// Completed is true when this fill brought the leg to FILLED.
	Completed bool
}

// Ledger is the transactional order store shared by the coordinator and the
// reconciliation ingestor. It is the only synchronization point between
// them.
type Ledger interface {
	// CreatePairWithLegs persists the pair and both legs in one atomic
	// write. Legs are stored in PENDING, the pair in OPENING.
	CreatePairWithLegs(ctx context.Context, pair *models.OrderPair, long, short *models.LegOrder) error

	// TransitionLeg moves a leg from expected to next, applying patch,
	// iff the persisted state equals expected and the transition is
	// legal. Returns the updated leg.
	TransitionLeg(ctx context.Context, legID string, expected, next models.LegState, patch LegPatch) (*models.LegOrder, error)

	// RecordFill applies a fill to a leg currently in expected state
	// (OPEN or PARTIAL), deduplicating by trade ref and advancing the
	// leg to PARTIAL or FILLED in the same atomic write. An overfill
	// forces the leg to FAILED, flagged, and returns ErrOverfill.
	RecordFill(ctx context.Context, legID string, expected models.LegState, fill *models.Fill) (*FillResult, error)

	// TransitionPair moves a pair from expected to next status.
	TransitionPair(ctx context.Context, pairID string, expected, next models.PairStatus) error

	// ClosePair marks the pair CLOSED with the given outcome and stamps
	// ClosedAt. Rejected if the pair is already in a terminal status.
	ClosePair(ctx context.Context, pairID string, outcome models.PairOutcome) error

	GetPair(ctx context.Context, pairID string) (*models.OrderPair, []models.LegOrder, error)
	GetLeg(ctx context.Context, legID string) (*models.LegOrder, error)
	// GetLegByVenueRef resolves the leg a venue event refers to.
	GetLegByVenueRef(ctx context.Context, venue, venueOrderRef string) (*models.LegOrder, error)
	// ListPairs returns pairs in the given statuses, all when empty.
	ListPairs(ctx context.Context, statuses ...models.PairStatus) ([]models.OrderPair, error)
	// ListLegsInState returns legs in the given state, for crash
	// recovery of PENDING submissions.
	ListLegsInState(ctx context.Context, state models.LegState) ([]models.LegOrder, error)
}

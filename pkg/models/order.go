package models

import (
	"time"
)

type LegSide string

const (
	LegSideLong  LegSide = "LONG"
	LegSideShort LegSide = "SHORT"
)

// Opposite returns the other side of a delta-neutral pair.
func (s LegSide) Opposite() LegSide {
	if s == LegSideLong {
		return LegSideShort
	}
	return LegSideLong
}

type OrderKind string

const (
	OrderKindMarket OrderKind = "MARKET"
	OrderKindLimit  OrderKind = "LIMIT"
)

// RequiresPrice reports whether orders of this kind carry a limit price.
func (k OrderKind) RequiresPrice() bool {
	return k == OrderKindLimit
}

// LegState is the lifecycle state of a single-venue leg order.
type LegState string

const (
	LegStateDraft   LegState = "DRAFT"
	LegStatePending LegState = "PENDING"
	LegStateOpen    LegState = "OPEN"
	LegStatePartial LegState = "PARTIAL"
	LegStateFilled  LegState = "FILLED"

	LegStateCancelled LegState = "CANCELLED"
	LegStateRejected  LegState = "REJECTED"
	LegStateExpired   LegState = "EXPIRED"
	LegStateFailed    LegState = "FAILED"
)

// Terminal reports whether the state can never be exited.
func (s LegState) Terminal() bool {
	switch s {
	case LegStateFilled, LegStateCancelled, LegStateRejected, LegStateExpired, LegStateFailed:
		return true
	default:
		return false
	}
}

// CanTransition reports whether a leg may move from s to next. Transitions
// are monotonic: terminal states are never exited, and the four failure
// terminals are reachable from any non-terminal state.
func (s LegState) CanTransition(next LegState) bool {
	if s.Terminal() {
		return false
	}
	switch next {
	case LegStateCancelled, LegStateRejected, LegStateExpired, LegStateFailed:
		return true
	case LegStatePending:
		return s == LegStateDraft
	case LegStateOpen:
		return s == LegStatePending
	case LegStatePartial:
		return s == LegStateOpen || s == LegStatePartial
	case LegStateFilled:
		return s == LegStateOpen || s == LegStatePartial
	default:
		return false
	}
}

// LegOrder is one single-venue order, half of a delta-neutral pair.
//
// A leg is owned exclusively by the saga coordinator until a venue accepts
// it; afterwards it is mutated only by the reconciliation ingestor and by
// terminal transitions (cancel) from the coordinator.
type LegOrder struct {
	ID       string    `json:"id"`
	PairID   string    `json:"pair_id"`
	Venue    string    `json:"venue"`
	Symbol   string    `json:"symbol"`
	Side     LegSide   `json:"side"`
	Quantity float64   `json:"quantity"`
	Kind     OrderKind `json:"kind"`
	// LimitPrice is set iff Kind requires a price.
	LimitPrice float64  `json:"limit_price,omitempty"`
	State      LegState `json:"state"`
	// VenueOrderRef is empty until the venue acknowledges the order.
	VenueOrderRef string `json:"venue_order_ref,omitempty"`
	// ClientIdempotencyKey is generated once when the leg is created and
	// reused verbatim on every resubmission so the venue can deduplicate
	// retried network calls.
	ClientIdempotencyKey string `json:"client_idempotency_key"`
	// FilledQuantity is the cumulative filled amount, never exceeding
	// Quantity under normal operation.
	FilledQuantity float64 `json:"filled_quantity"`
	// Flagged marks a data-integrity problem (overfill) that forced the
	// leg to a terminal state pending manual review.
	Flagged   bool      `json:"flagged,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// PairStatus is the lifecycle state of an order pair.
type PairStatus string

const (
	PairStatusOpening   PairStatus = "OPENING"
	PairStatusOpen      PairStatus = "OPEN"
	PairStatusUnwinding PairStatus = "UNWINDING"
	PairStatusFailed    PairStatus = "FAILED"
	PairStatusStranded  PairStatus = "STRANDED"
	PairStatusClosed    PairStatus = "CLOSED"
)

// Terminal reports whether the pair will see no further transitions from
// the engine. STRANDED is terminal in the sense that it is never
// auto-resolved; clearing it is an operator action.
func (s PairStatus) Terminal() bool {
	return s == PairStatusFailed || s == PairStatusStranded || s == PairStatusClosed
}

// PairOutcome records how a closed pair ended.
type PairOutcome string

const (
	// PairOutcomeDeltaNeutral means both legs filled for the full quantity.
	PairOutcomeDeltaNeutral PairOutcome = "DELTA_NEUTRAL"
	// PairOutcomePartialHedge means exactly one side ended with a fill, a
	// deliberate unwind outcome distinguishable from a clean close.
	PairOutcomePartialHedge PairOutcome = "PARTIAL_HEDGE"
	// PairOutcomeAborted means the pair closed flat with no fills.
	PairOutcomeAborted PairOutcome = "ABORTED"
)

// OutcomeForLegs derives the closing outcome from two terminal legs.
func OutcomeForLegs(a, b LegOrder) PairOutcome {
	switch {
	case a.State == LegStateFilled && b.State == LegStateFilled:
		return PairOutcomeDeltaNeutral
	case a.FilledQuantity > 0 || b.FilledQuantity > 0:
		return PairOutcomePartialHedge
	default:
		return PairOutcomeAborted
	}
}

// OrderPair groups the two opposite-side legs of one arbitrage execution.
// Invariant: the legs have opposite sides, identical symbol and, in normal
// operation, equal quantity.
type OrderPair struct {
	ID         string      `json:"id"`
	Symbol     string      `json:"symbol"`
	LongLegID  string      `json:"long_leg_id"`
	ShortLegID string      `json:"short_leg_id"`
	Status     PairStatus  `json:"status"`
	Outcome    PairOutcome `json:"outcome,omitempty"`
	CreatedAt  time.Time   `json:"created_at"`
	ClosedAt   *time.Time  `json:"closed_at,omitempty"`
}

// LegIDs returns the two leg ids, long first.
func (p OrderPair) LegIDs() [2]string {
	return [2]string{p.LongLegID, p.ShortLegID}
}

// Fill is one execution report against a leg, deduplicated by TradeRef.
type Fill struct {
	ID         string  `json:"id"`
	LegOrderID string  `json:"leg_order_id"`
	Quantity   float64 `json:"quantity"`
	Price      float64 `json:"price"`
	// TradeRef is unique per venue and is the idempotency boundary for
	// fills: the same TradeRef is never applied to a leg twice.
	TradeRef   string    `json:"trade_ref"`
	ObservedAt time.Time `json:"observed_at"`
}

package ledger

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/gregtusar/fundarb/pkg/models"
)

// Memory is an in-process Ledger used by tests and paper trading. One mutex
// stands in for the database's transaction isolation; the conditional-write
// semantics are identical to the Postgres implementation.
type Memory struct {
	mu        sync.Mutex
	pairs     map[string]*models.OrderPair
	legs      map[string]*models.LegOrder
	fills     map[string][]models.Fill // legID -> fills
	tradeRefs map[string]bool          // legID + "\x00" + tradeRef
}

func NewMemory() *Memory {
	return &Memory{
		pairs:     make(map[string]*models.OrderPair),
		legs:      make(map[string]*models.LegOrder),
		fills:     make(map[string][]models.Fill),
		tradeRefs: make(map[string]bool),
	}
}

func (m *Memory) CreatePairWithLegs(ctx context.Context, pair *models.OrderPair, long, short *models.LegOrder) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.pairs[pair.ID]; ok {
		return fmt.Errorf("pair %s already exists", pair.ID)
	}
	now := time.Now()

	p := *pair
	p.Status = models.PairStatusOpening
	p.CreatedAt = now
	m.pairs[p.ID] = &p

	for _, leg := range []*models.LegOrder{long, short} {
		l := *leg
		l.State = models.LegStatePending
		l.CreatedAt = now
		l.UpdatedAt = now
		m.legs[l.ID] = &l
	}

	pair.Status = p.Status
	long.State = models.LegStatePending
	short.State = models.LegStatePending
	return nil
}

func (m *Memory) TransitionLeg(ctx context.Context, legID string, expected, next models.LegState, patch LegPatch) (*models.LegOrder, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.transitionLegLocked(legID, expected, next, patch)
}

func (m *Memory) transitionLegLocked(legID string, expected, next models.LegState, patch LegPatch) (*models.LegOrder, error) {
	leg, ok := m.legs[legID]
	if !ok {
		return nil, ErrNotFound
	}
	if leg.State != expected {
		return nil, fmt.Errorf("leg %s is %s, expected %s: %w", legID, leg.State, expected, ErrStateMismatch)
	}
	if !expected.CanTransition(next) {
		return nil, fmt.Errorf("leg %s %s -> %s: %w", legID, expected, next, ErrIllegalTransition)
	}
	leg.State = next
	if patch.VenueOrderRef != nil {
		leg.VenueOrderRef = *patch.VenueOrderRef
	}
	if patch.Flagged != nil {
		leg.Flagged = *patch.Flagged
	}
	leg.UpdatedAt = time.Now()
	out := *leg
	return &out, nil
}

func (m *Memory) RecordFill(ctx context.Context, legID string, expected models.LegState, fill *models.Fill) (*FillResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	leg, ok := m.legs[legID]
	if !ok {
		return nil, ErrNotFound
	}
	if leg.State != expected {
		return nil, fmt.Errorf("leg %s is %s, expected %s: %w", legID, leg.State, expected, ErrStateMismatch)
	}
	if expected != models.LegStateOpen && expected != models.LegStatePartial {
		return nil, fmt.Errorf("fill against %s leg: %w", expected, ErrIllegalTransition)
	}

	refKey := legID + "\x00" + fill.TradeRef
	if m.tradeRefs[refKey] {
		return nil, fmt.Errorf("trade ref %s on leg %s: %w", fill.TradeRef, legID, ErrDuplicateFill)
	}
	if fill.Quantity <= 0 {
		return nil, fmt.Errorf("fill quantity %v on leg %s: %w", fill.Quantity, legID, ErrIllegalTransition)
	}

	cum := leg.FilledQuantity + fill.Quantity
	if cum > leg.Quantity {
		// Data-integrity violation: record the trade ref so the
		// offending event is not re-applied, force the leg out of
		// play and surface for manual review.
		m.tradeRefs[refKey] = true
		leg.State = models.LegStateFailed
		leg.Flagged = true
		leg.UpdatedAt = time.Now()
		return nil, fmt.Errorf("leg %s cum %v > qty %v: %w", legID, cum, leg.Quantity, ErrOverfill)
	}

	m.tradeRefs[refKey] = true
	m.fills[legID] = append(m.fills[legID], *fill)
	leg.FilledQuantity = cum
	if cum == leg.Quantity {
		leg.State = models.LegStateFilled
	} else {
		leg.State = models.LegStatePartial
	}
	leg.UpdatedAt = time.Now()

	out := *leg
	return &FillResult{Leg: &out, Completed: leg.State == models.LegStateFilled}, nil
}

func (m *Memory) TransitionPair(ctx context.Context, pairID string, expected, next models.PairStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	pair, ok := m.pairs[pairID]
	if !ok {
		return ErrNotFound
	}
	if pair.Status != expected {
		return fmt.Errorf("pair %s is %s, expected %s: %w", pairID, pair.Status, expected, ErrStateMismatch)
	}
	pair.Status = next
	// Stranded pairs stay open-ended until an operator resolves them.
	if (next == models.PairStatusFailed || next == models.PairStatusClosed) && pair.ClosedAt == nil {
		now := time.Now()
		pair.ClosedAt = &now
	}
	return nil
}

func (m *Memory) ClosePair(ctx context.Context, pairID string, outcome models.PairOutcome) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	pair, ok := m.pairs[pairID]
	if !ok {
		return ErrNotFound
	}
	if pair.Status.Terminal() {
		return fmt.Errorf("pair %s already %s: %w", pairID, pair.Status, ErrStateMismatch)
	}
	pair.Status = models.PairStatusClosed
	pair.Outcome = outcome
	now := time.Now()
	pair.ClosedAt = &now
	return nil
}

func (m *Memory) GetPair(ctx context.Context, pairID string) (*models.OrderPair, []models.LegOrder, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	pair, ok := m.pairs[pairID]
	if !ok {
		return nil, nil, ErrNotFound
	}
	p := *pair
	legs := make([]models.LegOrder, 0, 2)
	for _, id := range pair.LegIDs() {
		if leg, ok := m.legs[id]; ok {
			legs = append(legs, *leg)
		}
	}
	return &p, legs, nil
}

func (m *Memory) GetLeg(ctx context.Context, legID string) (*models.LegOrder, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	leg, ok := m.legs[legID]
	if !ok {
		return nil, ErrNotFound
	}
	out := *leg
	return &out, nil
}

func (m *Memory) GetLegByVenueRef(ctx context.Context, venue, venueOrderRef string) (*models.LegOrder, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, leg := range m.legs {
		if leg.Venue == venue && leg.VenueOrderRef == venueOrderRef && venueOrderRef != "" {
			out := *leg
			return &out, nil
		}
	}
	return nil, ErrNotFound
}

func (m *Memory) ListPairs(ctx context.Context, statuses ...models.PairStatus) ([]models.OrderPair, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	want := make(map[models.PairStatus]bool, len(statuses))
	for _, s := range statuses {
		want[s] = true
	}
	var out []models.OrderPair
	for _, pair := range m.pairs {
		if len(want) == 0 || want[pair.Status] {
			out = append(out, *pair)
		}
	}
	return out, nil
}

func (m *Memory) ListLegsInState(ctx context.Context, state models.LegState) ([]models.LegOrder, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []models.LegOrder
	for _, leg := range m.legs {
		if leg.State == state {
			out = append(out, *leg)
		}
	}
	return out, nil
}

// Fills returns the recorded fills for a leg, oldest first.
func (m *Memory) Fills(legID string) []models.Fill {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]models.Fill, len(m.fills[legID]))
	copy(out, m.fills[legID])
	return out
}

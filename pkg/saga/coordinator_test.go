package saga

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gregtusar/fundarb/pkg/ledger"
	"github.com/gregtusar/fundarb/pkg/models"
	"github.com/gregtusar/fundarb/pkg/venue"
)

type fakeGateway struct {
	mu         sync.Mutex
	submitFn   func(leg *models.LegOrder) (string, error)
	cancelFn   func(ref string) error
	statusFn   func(ref, clientKey string) (*venue.StatusSnapshot, error)
	submits    []string // client idempotency keys, in order
	cancels    []string
	statusReqs int
}

func (g *fakeGateway) Submit(ctx context.Context, leg *models.LegOrder) (string, error) {
	g.mu.Lock()
	g.submits = append(g.submits, leg.ClientIdempotencyKey)
	g.mu.Unlock()
	if g.submitFn != nil {
		return g.submitFn(leg)
	}
	return "ref-" + leg.ClientIdempotencyKey, nil
}

func (g *fakeGateway) Cancel(ctx context.Context, ref string) error {
	g.mu.Lock()
	g.cancels = append(g.cancels, ref)
	g.mu.Unlock()
	if g.cancelFn != nil {
		return g.cancelFn(ref)
	}
	return nil
}

func (g *fakeGateway) GetStatus(ctx context.Context, ref, clientKey string) (*venue.StatusSnapshot, error) {
	g.mu.Lock()
	g.statusReqs++
	g.mu.Unlock()
	if g.statusFn != nil {
		return g.statusFn(ref, clientKey)
	}
	return nil, venue.ErrOrderNotFound
}

func testLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)
	return logger
}

func testOpportunity() models.SpreadOpportunity {
	return models.SpreadOpportunity{
		Symbol:     "BTC",
		LongVenue:  "alpha",
		ShortVenue: "beta",
		LongRate:   -0.0002,
		ShortRate:  0.0005,
		Spread:     0.0007,
		Feasible:   true,
	}
}

func newTestCoordinator(long, short *fakeGateway) (*Coordinator, *ledger.Memory) {
	store := ledger.NewMemory()
	coord := NewCoordinator(store, map[string]venue.Gateway{
		"alpha": long,
		"beta":  short,
	}, Config{}, testLogger())
	return coord, store
}

func marketReq(qty float64) ExecuteRequest {
	return ExecuteRequest{Opportunity: testOpportunity(), Quantity: qty, Kind: models.OrderKindMarket}
}

func TestExecutePairBothAccepted(t *testing.T) {
	long, short := &fakeGateway{}, &fakeGateway{}
	coord, store := newTestCoordinator(long, short)

	res, err := coord.ExecutePair(context.Background(), marketReq(1))
	require.NoError(t, err)
	assert.Equal(t, models.PairStatusOpen, res.Status)
	assert.Nil(t, res.Stranded)

	pair, legs, err := store.GetPair(context.Background(), res.PairID)
	require.NoError(t, err)
	assert.Equal(t, models.PairStatusOpen, pair.Status)
	require.Len(t, legs, 2)

	sides := map[models.LegSide]models.LegOrder{}
	for _, leg := range legs {
		assert.Equal(t, models.LegStateOpen, leg.State)
		assert.NotEmpty(t, leg.VenueOrderRef)
		assert.Equal(t, "BTC", leg.Symbol)
		assert.Equal(t, 1.0, leg.Quantity)
		sides[leg.Side] = leg
	}
	require.Len(t, sides, 2, "legs must have opposite sides")
	assert.Equal(t, "alpha", sides[models.LegSideLong].Venue)
	assert.Equal(t, "beta", sides[models.LegSideShort].Venue)
	assert.NotEqual(t, sides[models.LegSideLong].ClientIdempotencyKey,
		sides[models.LegSideShort].ClientIdempotencyKey)
}

func TestExecutePairValidation(t *testing.T) {
	coord, store := newTestCoordinator(&fakeGateway{}, &fakeGateway{})

	_, err := coord.ExecutePair(context.Background(), marketReq(0))
	assert.Error(t, err)
	_, err = coord.ExecutePair(context.Background(), marketReq(-2))
	assert.Error(t, err)

	req := marketReq(1)
	req.Kind = models.OrderKindLimit
	_, err = coord.ExecutePair(context.Background(), req)
	assert.Error(t, err, "limit orders need limit prices")

	req = marketReq(1)
	req.Opportunity.ShortVenue = "nowhere"
	_, err = coord.ExecutePair(context.Background(), req)
	assert.ErrorIs(t, err, ErrUnknownVenue)

	// Validation failures touch nothing external and persist nothing.
	pairs, err := store.ListPairs(context.Background())
	require.NoError(t, err)
	assert.Empty(t, pairs)
}

func TestExecutePairOneRejectedCompensates(t *testing.T) {
	long := &fakeGateway{}
	short := &fakeGateway{submitFn: func(*models.LegOrder) (string, error) {
		return "", fmt.Errorf("insufficient margin")
	}}
	coord, store := newTestCoordinator(long, short)

	res, err := coord.ExecutePair(context.Background(), marketReq(1))
	require.NoError(t, err)
	assert.Equal(t, models.PairStatusFailed, res.Status)
	assert.Nil(t, res.Stranded)
	assert.Len(t, long.cancels, 1)

	_, legs, err := store.GetPair(context.Background(), res.PairID)
	require.NoError(t, err)
	for _, leg := range legs {
		switch leg.Side {
		case models.LegSideLong:
			assert.Equal(t, models.LegStateCancelled, leg.State, "accepted leg never left OPEN unattended")
		case models.LegSideShort:
			assert.Equal(t, models.LegStateFailed, leg.State)
		}
	}
}

func TestExecutePairCompensationFailureStrands(t *testing.T) {
	long := &fakeGateway{cancelFn: func(string) error {
		return venue.ErrCancelRejected
	}}
	short := &fakeGateway{submitFn: func(*models.LegOrder) (string, error) {
		return "", fmt.Errorf("rejected")
	}}
	coord, store := newTestCoordinator(long, short)

	res, err := coord.ExecutePair(context.Background(), marketReq(1))
	require.NoError(t, err)
	assert.Equal(t, models.PairStatusStranded, res.Status)
	require.NotNil(t, res.Stranded)
	assert.Equal(t, "alpha", res.Stranded.Venue)
	assert.NotEmpty(t, res.Stranded.VenueOrderRef)

	pair, _, err := store.GetPair(context.Background(), res.PairID)
	require.NoError(t, err)
	assert.Equal(t, models.PairStatusStranded, pair.Status)
}

func TestExecutePairBothFailed(t *testing.T) {
	fail := func(*models.LegOrder) (string, error) { return "", fmt.Errorf("down for maintenance") }
	long := &fakeGateway{submitFn: fail}
	short := &fakeGateway{submitFn: fail}
	coord, store := newTestCoordinator(long, short)

	res, err := coord.ExecutePair(context.Background(), marketReq(1))
	require.NoError(t, err)
	assert.Equal(t, models.PairStatusFailed, res.Status)
	assert.Empty(t, long.cancels)
	assert.Empty(t, short.cancels)

	_, legs, err := store.GetPair(context.Background(), res.PairID)
	require.NoError(t, err)
	for _, leg := range legs {
		assert.Equal(t, models.LegStateFailed, leg.State)
	}

	// Retrying from scratch generates fresh idempotency keys.
	long.submitFn, short.submitFn = nil, nil
	res2, err := coord.ExecutePair(context.Background(), marketReq(1))
	require.NoError(t, err)
	assert.NotEqual(t, res.PairID, res2.PairID)
	assert.NotEqual(t, long.submits[0], long.submits[1])
}

func TestExecutePairTimeoutResolvedNotFound(t *testing.T) {
	long := &fakeGateway{}
	short := &fakeGateway{
		submitFn: func(*models.LegOrder) (string, error) {
			return "", fmt.Errorf("deadline exceeded: %w", venue.ErrAmbiguousOutcome)
		},
		statusFn: func(ref, key string) (*venue.StatusSnapshot, error) {
			return nil, venue.ErrOrderNotFound
		},
	}
	coord, store := newTestCoordinator(long, short)

	res, err := coord.ExecutePair(context.Background(), marketReq(1))
	require.NoError(t, err)
	assert.Equal(t, models.PairStatusFailed, res.Status)
	assert.Nil(t, res.Stranded, "a not-found resolution is a clean failure, not a stranding")
	assert.Equal(t, 1, short.statusReqs, "ambiguous outcome must be resolved before corrective action")
	assert.Len(t, long.cancels, 1)

	_, legs, err := store.GetPair(context.Background(), res.PairID)
	require.NoError(t, err)
	for _, leg := range legs {
		switch leg.Side {
		case models.LegSideLong:
			assert.Equal(t, models.LegStateCancelled, leg.State)
		case models.LegSideShort:
			assert.Equal(t, models.LegStateFailed, leg.State)
		}
	}
}

func TestExecutePairTimeoutResolvedFilledUnwinds(t *testing.T) {
	long := &fakeGateway{}
	short := &fakeGateway{
		submitFn: func(*models.LegOrder) (string, error) {
			return "", fmt.Errorf("deadline exceeded: %w", venue.ErrAmbiguousOutcome)
		},
		statusFn: func(ref, key string) (*venue.StatusSnapshot, error) {
			return &venue.StatusSnapshot{VenueOrderRef: "beta-77", Status: venue.StatusFilled, FilledQuantity: 1}, nil
		},
	}
	coord, store := newTestCoordinator(long, short)

	res, err := coord.ExecutePair(context.Background(), marketReq(1))
	require.NoError(t, err)
	assert.Equal(t, models.PairStatusUnwinding, res.Status)
	assert.Nil(t, res.Stranded, "a successful unwind cancel is not a stranding")
	assert.Len(t, long.cancels, 1)

	_, legs, err := store.GetPair(context.Background(), res.PairID)
	require.NoError(t, err)
	for _, leg := range legs {
		switch leg.Side {
		case models.LegSideLong:
			assert.Equal(t, models.LegStateCancelled, leg.State)
		case models.LegSideShort:
			assert.Equal(t, models.LegStateOpen, leg.State)
			assert.Equal(t, "beta-77", leg.VenueOrderRef)
		}
	}
}

func TestExecutePairTimeoutResolvedFilledCancelFailsStrands(t *testing.T) {
	long := &fakeGateway{cancelFn: func(string) error {
		return venue.ErrCancelRejected
	}}
	short := &fakeGateway{
		submitFn: func(*models.LegOrder) (string, error) {
			return "", fmt.Errorf("deadline exceeded: %w", venue.ErrAmbiguousOutcome)
		},
		statusFn: func(ref, key string) (*venue.StatusSnapshot, error) {
			return &venue.StatusSnapshot{VenueOrderRef: "beta-77", Status: venue.StatusFilled, FilledQuantity: 1}, nil
		},
	}
	coord, _ := newTestCoordinator(long, short)

	res, err := coord.ExecutePair(context.Background(), marketReq(1))
	require.NoError(t, err)
	assert.Equal(t, models.PairStatusStranded, res.Status)
	require.NotNil(t, res.Stranded)
	assert.Equal(t, "alpha", res.Stranded.Venue)
}

func TestExecutePairUnresolvableOutcomeStrands(t *testing.T) {
	long := &fakeGateway{}
	short := &fakeGateway{
		submitFn: func(*models.LegOrder) (string, error) {
			return "", fmt.Errorf("deadline exceeded: %w", venue.ErrAmbiguousOutcome)
		},
		statusFn: func(ref, key string) (*venue.StatusSnapshot, error) {
			return nil, fmt.Errorf("status endpoint unreachable")
		},
	}
	coord, store := newTestCoordinator(long, short)

	res, err := coord.ExecutePair(context.Background(), marketReq(1))
	require.NoError(t, err)
	assert.Equal(t, models.PairStatusStranded, res.Status)
	require.NotNil(t, res.Stranded)
	assert.Equal(t, "beta", res.Stranded.Venue)

	// The unresolved leg stays PENDING for later resolution, never
	// guessed into a terminal state.
	_, legs, err := store.GetPair(context.Background(), res.PairID)
	require.NoError(t, err)
	for _, leg := range legs {
		if leg.Side == models.LegSideShort {
			assert.Equal(t, models.LegStatePending, leg.State)
		}
	}
}

func TestExecutePairConcurrentPairsIndependent(t *testing.T) {
	long, short := &fakeGateway{}, &fakeGateway{}
	coord, store := newTestCoordinator(long, short)

	const n = 8
	results := make(chan *Result, n)
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		go func() {
			res, err := coord.ExecutePair(context.Background(), marketReq(1))
			results <- res
			errs <- err
		}()
	}
	seen := map[string]bool{}
	for i := 0; i < n; i++ {
		require.NoError(t, <-errs)
		res := <-results
		assert.Equal(t, models.PairStatusOpen, res.Status)
		assert.False(t, seen[res.PairID])
		seen[res.PairID] = true
	}

	pairs, err := store.ListPairs(context.Background(), models.PairStatusOpen)
	require.NoError(t, err)
	assert.Len(t, pairs, n)
}

func TestCompensationSurvivesPartialFillRace(t *testing.T) {
	long := &fakeGateway{}
	short := &fakeGateway{
		submitFn: func(leg *models.LegOrder) (string, error) {
			return "", errors.New("order rejected")
		},
	}
	coord, store := newTestCoordinator(long, short)

	// A partial fill lands through reconciliation after the venue accepts
	// the compensating cancel but before its state is recorded.
	long.cancelFn = func(ref string) error {
		ctx := context.Background()
		leg, err := store.GetLegByVenueRef(ctx, "alpha", ref)
		require.NoError(t, err)
		_, err = store.RecordFill(ctx, leg.ID, models.LegStateOpen, &models.Fill{
			ID: "fill-race", LegOrderID: leg.ID, Quantity: 0.4, Price: 100, TradeRef: "t-race",
		})
		require.NoError(t, err)
		return nil
	}

	res, err := coord.ExecutePair(context.Background(), marketReq(1))
	require.NoError(t, err)

	assert.Equal(t, models.PairStatusFailed, res.Status,
		"an accepted cancel must not strand on a racing partial fill")
	assert.Nil(t, res.Stranded)

	leg, err := store.GetLeg(context.Background(), res.Long.LegID)
	require.NoError(t, err)
	assert.Equal(t, models.LegStateCancelled, leg.State)
	assert.Equal(t, 0.4, leg.FilledQuantity)
}

func TestResumePendingReusesIdempotencyKey(t *testing.T) {
	long, short := &fakeGateway{}, &fakeGateway{}
	coord, store := newTestCoordinator(long, short)

	// Simulate a crash after persistence but before submission.
	pair := &models.OrderPair{ID: "pair-1", Symbol: "BTC"}
	legA := &models.LegOrder{
		ID: "leg-a", PairID: "pair-1", Venue: "alpha", Symbol: "BTC",
		Side: models.LegSideLong, Quantity: 1, Kind: models.OrderKindMarket,
		ClientIdempotencyKey: "key-a",
	}
	legB := &models.LegOrder{
		ID: "leg-b", PairID: "pair-1", Venue: "beta", Symbol: "BTC",
		Side: models.LegSideShort, Quantity: 1, Kind: models.OrderKindMarket,
		ClientIdempotencyKey: "key-b",
	}
	pair.LongLegID, pair.ShortLegID = legA.ID, legB.ID
	require.NoError(t, store.CreatePairWithLegs(context.Background(), pair, legA, legB))

	require.NoError(t, coord.ResumePending(context.Background()))

	assert.Equal(t, []string{"key-a"}, long.submits, "resubmission must reuse the stored key")
	assert.Equal(t, []string{"key-b"}, short.submits)

	got, legs, err := store.GetPair(context.Background(), "pair-1")
	require.NoError(t, err)
	assert.Equal(t, models.PairStatusOpen, got.Status)
	for _, leg := range legs {
		assert.Equal(t, models.LegStateOpen, leg.State)
	}
}

// seedCrashedPair persists a pair whose long leg already reached legAState
// during downtime while the short leg is still PENDING resubmission.
func seedCrashedPair(t *testing.T, store *ledger.Memory, legAState models.LegState, fillQty float64) {
	t.Helper()
	ctx := context.Background()

	pair := &models.OrderPair{ID: "pair-1", Symbol: "BTC"}
	legA := &models.LegOrder{
		ID: "leg-a", PairID: "pair-1", Venue: "alpha", Symbol: "BTC",
		Side: models.LegSideLong, Quantity: 1, Kind: models.OrderKindMarket,
		ClientIdempotencyKey: "key-a",
	}
	legB := &models.LegOrder{
		ID: "leg-b", PairID: "pair-1", Venue: "beta", Symbol: "BTC",
		Side: models.LegSideShort, Quantity: 1, Kind: models.OrderKindMarket,
		ClientIdempotencyKey: "key-b",
	}
	pair.LongLegID, pair.ShortLegID = legA.ID, legB.ID
	require.NoError(t, store.CreatePairWithLegs(ctx, pair, legA, legB))

	ref := "alpha-1"
	_, err := store.TransitionLeg(ctx, "leg-a", models.LegStatePending, models.LegStateOpen, ledger.LegPatch{VenueOrderRef: &ref})
	require.NoError(t, err)
	if fillQty > 0 {
		_, err = store.RecordFill(ctx, "leg-a", models.LegStateOpen, &models.Fill{
			ID: "fill-1", LegOrderID: "leg-a", Quantity: fillQty, Price: 100, TradeRef: "t-1",
		})
		require.NoError(t, err)
	}
	if legAState != models.LegStateOpen && legAState != models.LegStateFilled {
		cur, err := store.GetLeg(ctx, "leg-a")
		require.NoError(t, err)
		_, err = store.TransitionLeg(ctx, "leg-a", cur.State, legAState, ledger.LegPatch{})
		require.NoError(t, err)
	}
}

func TestResumePendingFilledSiblingRejectedStrands(t *testing.T) {
	long := &fakeGateway{}
	short := &fakeGateway{
		submitFn: func(leg *models.LegOrder) (string, error) {
			return "", errors.New("insufficient margin")
		},
	}
	coord, store := newTestCoordinator(long, short)
	// Long leg filled in full during downtime; only the short leg is
	// resubmitted, and the venue rejects it.
	seedCrashedPair(t, store, models.LegStateFilled, 1)

	require.NoError(t, coord.ResumePending(context.Background()))

	got, legs, err := store.GetPair(context.Background(), "pair-1")
	require.NoError(t, err)
	assert.Equal(t, models.PairStatusStranded, got.Status,
		"one-sided filled exposure must be escalated, not left OPENING")
	for _, leg := range legs {
		if leg.ID == "leg-b" {
			assert.Equal(t, models.LegStateFailed, leg.State)
		}
	}
}

func TestResumePendingBothDeadClosesAborted(t *testing.T) {
	long := &fakeGateway{}
	short := &fakeGateway{
		submitFn: func(leg *models.LegOrder) (string, error) {
			return "", errors.New("symbol suspended")
		},
	}
	coord, store := newTestCoordinator(long, short)
	// Long leg was cancelled flat during downtime, short leg's
	// resubmission is rejected. Nothing filled, so the pair closes flat.
	seedCrashedPair(t, store, models.LegStateCancelled, 0)

	require.NoError(t, coord.ResumePending(context.Background()))

	got, _, err := store.GetPair(context.Background(), "pair-1")
	require.NoError(t, err)
	assert.Equal(t, models.PairStatusClosed, got.Status)
	assert.Equal(t, models.PairOutcomeAborted, got.Outcome)
	require.NotNil(t, got.ClosedAt)
}

func TestResumePendingNothingToDo(t *testing.T) {
	coord, _ := newTestCoordinator(&fakeGateway{}, &fakeGateway{})
	assert.NoError(t, coord.ResumePending(context.Background()))
}

func TestAmbiguousHelper(t *testing.T) {
	assert.True(t, venue.Ambiguous(fmt.Errorf("wrap: %w", venue.ErrAmbiguousOutcome)))
	assert.True(t, venue.Ambiguous(context.DeadlineExceeded))
	assert.False(t, venue.Ambiguous(errors.New("plain rejection")))
}

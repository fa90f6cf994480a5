// Package saga coordinates a delta-neutral pair of orders across two
// independent venues. There is no two-venue atomic primitive, so the
// all-or-nothing outcome is enforced by compensation: persist first, submit
// both legs concurrently, classify the joint result, cancel the surviving
// leg on partial failure, and escalate when cancellation itself cannot be
// completed safely.
package saga

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/gregtusar/fundarb/internal/metrics"
	"github.com/gregtusar/fundarb/pkg/ledger"
	"github.com/gregtusar/fundarb/pkg/models"
	"github.com/gregtusar/fundarb/pkg/venue"
)

var (
	ErrUnknownVenue = errors.New("saga: no gateway for venue")
)

// maxCancelRetries bounds conditional-write retries when reconciliation
// races a compensating cancel.
const maxCancelRetries = 3

// Coordinator owns pair execution. Concurrent ExecutePair calls for
// different pairs run fully in parallel; the ledger's conditional writes are
// the only synchronization.
type Coordinator struct {
	ledger        ledger.Ledger
	venues        map[string]venue.Gateway
	logger        *logrus.Logger
	submitTimeout time.Duration
	cancelTimeout time.Duration
}

// Config tunes per-venue call deadlines.
type Config struct {
	SubmitTimeout time.Duration
	CancelTimeout time.Duration
}

func NewCoordinator(store ledger.Ledger, venues map[string]venue.Gateway, cfg Config, logger *logrus.Logger) *Coordinator {
	if cfg.SubmitTimeout == 0 {
		cfg.SubmitTimeout = 10 * time.Second
	}
	if cfg.CancelTimeout == 0 {
		cfg.CancelTimeout = 10 * time.Second
	}
	return &Coordinator{
		ledger:        store,
		venues:        venues,
		logger:        logger,
		submitTimeout: cfg.SubmitTimeout,
		cancelTimeout: cfg.CancelTimeout,
	}
}

// ExecuteRequest describes one pair execution.
type ExecuteRequest struct {
	Opportunity models.SpreadOpportunity `json:"opportunity"`
	Quantity    float64                  `json:"quantity"`
	Kind        models.OrderKind         `json:"kind"`
	// Limit prices are required iff Kind carries a price.
	LongLimitPrice  float64 `json:"long_limit_price,omitempty"`
	ShortLimitPrice float64 `json:"short_limit_price,omitempty"`
}

// LegResult is the acceptance-phase outcome of one leg.
type LegResult struct {
	LegID         string          `json:"leg_id"`
	Venue         string          `json:"venue"`
	Side          models.LegSide  `json:"side"`
	State         models.LegState `json:"state"`
	VenueOrderRef string          `json:"venue_order_ref,omitempty"`
	Error         string          `json:"error,omitempty"`
}

// StrandedInfo identifies the leg whose compensation could not be
// guaranteed. It is surfaced to operators and never auto-resolved: forcing
// an opposite-side order to flatten the exposure is a business decision.
type StrandedInfo struct {
	LegID         string `json:"leg_id"`
	Venue         string `json:"venue"`
	VenueOrderRef string `json:"venue_order_ref"`
	Reason        string `json:"reason"`
}

// Result is the synchronous outcome of ExecutePair. It covers acceptance
// only; fill progress arrives through reconciliation and is observed via
// pair status queries.
type Result struct {
	PairID   string            `json:"pair_id"`
	Status   models.PairStatus `json:"status"`
	Long     LegResult         `json:"long"`
	Short    LegResult         `json:"short"`
	Stranded *StrandedInfo     `json:"stranded,omitempty"`
}

// ExecutePair turns one opportunity plus a quantity into two persisted leg
// orders and drives them to a classified acceptance outcome. An error return
// means nothing external was touched and the whole call is safe to retry.
func (c *Coordinator) ExecutePair(ctx context.Context, req ExecuteRequest) (*Result, error) {
	if err := c.validate(req); err != nil {
		return nil, err
	}

	now := time.Now()
	pairID := uuid.NewString()
	long := newLeg(pairID, req.Opportunity.Symbol, req.Opportunity.LongVenue,
		models.LegSideLong, req.Quantity, req.Kind, req.LongLimitPrice, now)
	short := newLeg(pairID, req.Opportunity.Symbol, req.Opportunity.ShortVenue,
		models.LegSideShort, req.Quantity, req.Kind, req.ShortLimitPrice, now)
	pair := &models.OrderPair{
		ID:         pairID,
		Symbol:     req.Opportunity.Symbol,
		LongLegID:  long.ID,
		ShortLegID: short.ID,
	}

	// Durability before any network call: a crash from here on leaves
	// PENDING legs that ResumePending can resubmit under their original
	// idempotency keys.
	if err := c.ledger.CreatePairWithLegs(ctx, pair, long, short); err != nil {
		return nil, fmt.Errorf("failed to persist pair: %w", err)
	}

	c.logger.WithFields(logrus.Fields{
		"pair_id":     pairID,
		"symbol":      req.Opportunity.Symbol,
		"long_venue":  long.Venue,
		"short_venue": short.Venue,
		"quantity":    req.Quantity,
	}).Info("Executing pair")

	// Both submissions are issued before either outcome is awaited. The
	// one-leg-live window cannot be eliminated, only minimized.
	longCh := make(chan legOutcome, 1)
	shortCh := make(chan legOutcome, 1)
	go func() { longCh <- c.submitLeg(ctx, long) }()
	go func() { shortCh <- c.submitLeg(ctx, short) }()
	lo := <-longCh
	so := <-shortCh

	return c.classify(ctx, pair, lo, so), nil
}

func (c *Coordinator) validate(req ExecuteRequest) error {
	if req.Quantity <= 0 {
		return fmt.Errorf("quantity must be positive, got %v", req.Quantity)
	}
	if req.Opportunity.Symbol == "" {
		return fmt.Errorf("opportunity has no symbol")
	}
	if req.Opportunity.LongVenue == req.Opportunity.ShortVenue {
		return fmt.Errorf("long and short venue must differ")
	}
	if req.Kind != models.OrderKindMarket && req.Kind != models.OrderKindLimit {
		return fmt.Errorf("unsupported order kind %q", req.Kind)
	}
	if req.Kind.RequiresPrice() && (req.LongLimitPrice <= 0 || req.ShortLimitPrice <= 0) {
		return fmt.Errorf("order kind %s requires positive limit prices", req.Kind)
	}
	for _, v := range []string{req.Opportunity.LongVenue, req.Opportunity.ShortVenue} {
		if _, ok := c.venues[v]; !ok {
			return fmt.Errorf("%w: %s", ErrUnknownVenue, v)
		}
	}
	return nil
}

func newLeg(pairID, symbol, venueName string, side models.LegSide, qty float64, kind models.OrderKind, limitPrice float64, now time.Time) *models.LegOrder {
	leg := &models.LegOrder{
		ID:                   uuid.NewString(),
		PairID:               pairID,
		Venue:                venueName,
		Symbol:               symbol,
		Side:                 side,
		Quantity:             qty,
		Kind:                 kind,
		State:                models.LegStateDraft,
		ClientIdempotencyKey: uuid.NewString(),
		CreatedAt:            now,
		UpdatedAt:            now,
	}
	if kind.RequiresPrice() {
		leg.LimitPrice = limitPrice
	}
	return leg
}

type outcomeKind int

const (
	// outcomeAccepted: the venue acknowledged the order and it is live.
	outcomeAccepted outcomeKind = iota
	// outcomeFailed: the order is definitively not live at the venue.
	outcomeFailed
	// outcomeLateFill: a timed-out submission resolved as already filled.
	// The acceptance is stale, so the pair is unwound rather than opened.
	outcomeLateFill
	// outcomeUnknown: the submission timed out and the status query also
	// failed. Exposure is unknowable; escalate, never guess.
	outcomeUnknown
)

type legOutcome struct {
	leg  *models.LegOrder
	kind outcomeKind
	ref  string
	err  error
}

// submitLeg places one leg and resolves its acceptance. Caller cancellation
// does not revoke an already-issued venue submission, so the submit and its
// disambiguation run on a context detached from the caller's.
func (c *Coordinator) submitLeg(ctx context.Context, leg *models.LegOrder) legOutcome {
	gw := c.venues[leg.Venue]

	subCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.submitTimeout)
	defer cancel()

	ref, err := gw.Submit(subCtx, leg)
	switch {
	case err == nil:
		return c.markAccepted(subCtx, leg, ref, outcomeAccepted)
	case venue.Ambiguous(err):
		c.logger.WithError(err).WithFields(logrus.Fields{
			"leg_id": leg.ID,
			"venue":  leg.Venue,
		}).Warn("Submission outcome unknown, querying venue")
		return c.resolveAmbiguous(leg, err)
	default:
		return c.markFailed(subCtx, leg, err)
	}
}

// resolveAmbiguous decides between "failed, retryable" and "accepted,
// reconcile" after a timed-out or errored submission. The timed-out call may
// have succeeded, so the venue is the only authority.
func (c *Coordinator) resolveAmbiguous(leg *models.LegOrder, submitErr error) legOutcome {
	gw := c.venues[leg.Venue]
	statusCtx, cancel := context.WithTimeout(context.Background(), c.submitTimeout)
	defer cancel()

	snap, err := gw.GetStatus(statusCtx, "", leg.ClientIdempotencyKey)
	if errors.Is(err, venue.ErrOrderNotFound) {
		// The venue never saw the order; the submission genuinely
		// failed and may be retried under the same idempotency key.
		return c.markFailed(statusCtx, leg, submitErr)
	}
	if err != nil {
		c.logger.WithError(err).WithFields(logrus.Fields{
			"leg_id": leg.ID,
			"venue":  leg.Venue,
		}).Error("Could not resolve ambiguous submission")
		return legOutcome{leg: leg, kind: outcomeUnknown, err: err}
	}

	switch {
	case snap.Live():
		return c.markAccepted(statusCtx, leg, snap.VenueOrderRef, outcomeAccepted)
	case snap.Status == venue.StatusFilled:
		return c.markAccepted(statusCtx, leg, snap.VenueOrderRef, outcomeLateFill)
	default:
		return c.markFailed(statusCtx, leg, submitErr)
	}
}

func (c *Coordinator) markAccepted(ctx context.Context, leg *models.LegOrder, ref string, kind outcomeKind) legOutcome {
	updated, err := c.ledger.TransitionLeg(ctx, leg.ID, models.LegStatePending, models.LegStateOpen,
		ledger.LegPatch{VenueOrderRef: &ref})
	if err != nil {
		if errors.Is(err, ledger.ErrStateMismatch) {
			// Reconciliation beat us to it; adopt whatever state won.
			if cur, gerr := c.ledger.GetLeg(ctx, leg.ID); gerr == nil {
				return legOutcome{leg: cur, kind: kind, ref: cur.VenueOrderRef}
			}
		}
		c.logger.WithError(err).WithField("leg_id", leg.ID).Error("Failed to record leg acceptance")
		return legOutcome{leg: leg, kind: outcomeUnknown, err: err}
	}
	return legOutcome{leg: updated, kind: kind, ref: ref}
}

func (c *Coordinator) markFailed(ctx context.Context, leg *models.LegOrder, cause error) legOutcome {
	updated, err := c.ledger.TransitionLeg(ctx, leg.ID, models.LegStatePending, models.LegStateFailed, ledger.LegPatch{})
	if err != nil {
		c.logger.WithError(err).WithField("leg_id", leg.ID).Error("Failed to record leg failure")
		updated = leg
	}
	return legOutcome{leg: updated, kind: outcomeFailed, err: cause}
}

// classify decides the joint outcome of the two submissions. The decision is
// made only after both legs have completed or timed out, never
// incrementally.
func (c *Coordinator) classify(ctx context.Context, pair *models.OrderPair, long, short legOutcome) *Result {
	res := &Result{
		PairID: pair.ID,
		Status: models.PairStatusOpening,
		Long:   legResult(long),
		Short:  legResult(short),
	}

	// An unresolvable leg means exposure is unknown; no corrective action
	// is safe.
	if long.kind == outcomeUnknown || short.kind == outcomeUnknown {
		unknown := long
		if short.kind == outcomeUnknown {
			unknown = short
		}
		c.strand(ctx, pair, res, unknown.leg, "submission outcome unresolvable")
		return res
	}

	bothFilled := long.kind == outcomeLateFill && short.kind == outcomeLateFill
	bothLive := long.kind != outcomeFailed && short.kind != outcomeFailed

	switch {
	case bothFilled, bothLive && long.kind == outcomeAccepted && short.kind == outcomeAccepted:
		if err := c.ledger.TransitionPair(ctx, pair.ID, models.PairStatusOpening, models.PairStatusOpen); err != nil {
			c.logger.WithError(err).WithField("pair_id", pair.ID).Error("Failed to open pair")
		}
		res.Status = models.PairStatusOpen
		metrics.PairsOpened.Inc()
		c.logger.WithField("pair_id", pair.ID).Info("Pair open, both legs accepted")

	case bothLive:
		// Exactly one leg resolved as already filled after a timeout:
		// a stale acceptance. Unwind the still-working leg; the pair
		// becomes a distinguishable partial hedge, not a clean open.
		working := long
		if long.kind == outcomeLateFill {
			working = short
		}
		c.unwind(ctx, pair, res, working.leg)

	case long.kind == outcomeFailed && short.kind == outcomeFailed:
		if err := c.ledger.TransitionPair(ctx, pair.ID, models.PairStatusOpening, models.PairStatusFailed); err != nil {
			c.logger.WithError(err).WithField("pair_id", pair.ID).Error("Failed to mark pair failed")
		}
		res.Status = models.PairStatusFailed
		metrics.PairsFailed.Inc()
		c.logger.WithField("pair_id", pair.ID).Warn("Pair failed, neither leg accepted")

	default:
		// Exactly one leg is live: compensate by cancelling it.
		live := long
		if short.kind != outcomeFailed {
			live = short
		}
		if live.kind == outcomeLateFill {
			// Nothing left to cancel on a filled leg; the exposure
			// is real and one-sided.
			c.strand(ctx, pair, res, live.leg, "single leg filled before the other leg could be placed")
			return res
		}
		c.compensate(ctx, pair, res, live.leg)
	}
	return res
}

// compensate cancels the one accepted leg of a half-failed pair. A cancel
// that cannot be confirmed leaves live exposure and is escalated, since
// blindly retrying a cancel against a possibly-filled order is unsafe.
func (c *Coordinator) compensate(ctx context.Context, pair *models.OrderPair, res *Result, leg *models.LegOrder) {
	if err := c.cancelLeg(ctx, leg); err != nil {
		c.strand(ctx, pair, res, leg, fmt.Sprintf("compensating cancel failed: %v", err))
		return
	}
	if err := c.ledger.TransitionPair(ctx, pair.ID, models.PairStatusOpening, models.PairStatusFailed); err != nil {
		c.logger.WithError(err).WithField("pair_id", pair.ID).Error("Failed to mark compensated pair failed")
	}
	res.Status = models.PairStatusFailed
	c.refreshResult(ctx, res, leg.ID)
	metrics.PairsCompensated.Inc()
	metrics.PairsFailed.Inc()
	c.logger.WithFields(logrus.Fields{
		"pair_id": pair.ID,
		"leg_id":  leg.ID,
		"venue":   leg.Venue,
	}).Warn("Pair failed, accepted leg compensated")
}

// unwind cancels the still-working leg after its sibling resolved as a late
// fill. On success the pair awaits the filled leg's reconciliation and then
// closes as a partial hedge.
func (c *Coordinator) unwind(ctx context.Context, pair *models.OrderPair, res *Result, working *models.LegOrder) {
	if err := c.cancelLeg(ctx, working); err != nil {
		c.strand(ctx, pair, res, working, fmt.Sprintf("unwind cancel failed: %v", err))
		return
	}
	if err := c.ledger.TransitionPair(ctx, pair.ID, models.PairStatusOpening, models.PairStatusUnwinding); err != nil {
		c.logger.WithError(err).WithField("pair_id", pair.ID).Error("Failed to mark pair unwinding")
	}
	res.Status = models.PairStatusUnwinding
	c.refreshResult(ctx, res, working.ID)
	metrics.PairsCompensated.Inc()
	c.logger.WithFields(logrus.Fields{
		"pair_id": pair.ID,
		"leg_id":  working.ID,
	}).Warn("Pair unwinding after late fill on sibling leg")
}

func (c *Coordinator) cancelLeg(ctx context.Context, leg *models.LegOrder) error {
	gw := c.venues[leg.Venue]
	cancelCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.cancelTimeout)
	defer cancel()

	if err := gw.Cancel(cancelCtx, leg.VenueOrderRef); err != nil {
		return err
	}

	// A fill or the cancel ack itself may race this write through
	// reconciliation; a partial fill does not invalidate a venue-accepted
	// cancel, so retry from PARTIAL before escalating.
	expected := leg.State
	for attempt := 0; attempt < maxCancelRetries; attempt++ {
		_, err := c.ledger.TransitionLeg(cancelCtx, leg.ID, expected, models.LegStateCancelled, ledger.LegPatch{})
		if err == nil {
			return nil
		}
		if !errors.Is(err, ledger.ErrStateMismatch) {
			return err
		}
		cur, gerr := c.ledger.GetLeg(cancelCtx, leg.ID)
		if gerr != nil {
			return gerr
		}
		switch cur.State {
		case models.LegStateCancelled:
			return nil
		case models.LegStateOpen, models.LegStatePartial:
			expected = cur.State
		default:
			return fmt.Errorf("leg no longer cancellable in state %s: %w", cur.State, err)
		}
	}
	return fmt.Errorf("cancel write for leg %s lost repeatedly", leg.ID)
}

// strand marks the pair operator-visible and stops. Stranded pairs are never
// auto-resolved.
func (c *Coordinator) strand(ctx context.Context, pair *models.OrderPair, res *Result, leg *models.LegOrder, reason string) {
	if err := c.ledger.TransitionPair(ctx, pair.ID, models.PairStatusOpening, models.PairStatusStranded); err != nil {
		c.logger.WithError(err).WithField("pair_id", pair.ID).Error("Failed to mark pair stranded")
	}
	res.Status = models.PairStatusStranded
	res.Stranded = &StrandedInfo{
		LegID:         leg.ID,
		Venue:         leg.Venue,
		VenueOrderRef: leg.VenueOrderRef,
		Reason:        reason,
	}
	metrics.PairsStranded.Inc()
	c.logger.WithFields(logrus.Fields{
		"pair_id":         pair.ID,
		"leg_id":          leg.ID,
		"venue":           leg.Venue,
		"venue_order_ref": leg.VenueOrderRef,
		"reason":          reason,
	}).Error("STRANDED LEG: one-sided exposure requires operator action")
}

func (c *Coordinator) refreshResult(ctx context.Context, res *Result, legID string) {
	leg, err := c.ledger.GetLeg(ctx, legID)
	if err != nil {
		return
	}
	lr := LegResult{
		LegID:         leg.ID,
		Venue:         leg.Venue,
		Side:          leg.Side,
		State:         leg.State,
		VenueOrderRef: leg.VenueOrderRef,
	}
	if leg.Side == models.LegSideLong {
		res.Long = lr
	} else {
		res.Short = lr
	}
}

func legResult(o legOutcome) LegResult {
	lr := LegResult{
		LegID:         o.leg.ID,
		Venue:         o.leg.Venue,
		Side:          o.leg.Side,
		State:         o.leg.State,
		VenueOrderRef: o.leg.VenueOrderRef,
	}
	if o.err != nil {
		lr.Error = o.err.Error()
	}
	return lr
}

// ResumePending resubmits legs left PENDING by a crash between persistence
// and venue acknowledgment. Each leg keeps its original idempotency key, so
// a submission that did reach the venue is deduplicated rather than
// duplicated.
func (c *Coordinator) ResumePending(ctx context.Context) error {
	legs, err := c.ledger.ListLegsInState(ctx, models.LegStatePending)
	if err != nil {
		return fmt.Errorf("failed to list pending legs: %w", err)
	}
	if len(legs) == 0 {
		return nil
	}
	c.logger.WithField("count", len(legs)).Info("Resuming pending leg submissions")

	pairIDs := make(map[string]bool)
	for i := range legs {
		leg := legs[i]
		if _, ok := c.venues[leg.Venue]; !ok {
			c.logger.WithField("venue", leg.Venue).Error("No gateway for pending leg, leaving as is")
			continue
		}
		c.submitLeg(ctx, &leg)
		pairIDs[leg.PairID] = true
	}
	for pairID := range pairIDs {
		c.settlePair(ctx, pairID)
	}
	return nil
}

// settlePair re-derives an OPENING pair's status from its legs after a
// resume pass.
func (c *Coordinator) settlePair(ctx context.Context, pairID string) {
	pair, legs, err := c.ledger.GetPair(ctx, pairID)
	if err != nil || pair.Status != models.PairStatusOpening || len(legs) != 2 {
		return
	}
	res := &Result{PairID: pairID, Status: pair.Status}

	a, b := legs[0], legs[1]
	switch {
	// A leg still PENDING could not be resolved; leave the pair OPENING
	// for the next resume pass.
	case a.State == models.LegStatePending || b.State == models.LegStatePending:
		return
	case !a.State.Terminal() && !b.State.Terminal():
		if err := c.ledger.TransitionPair(ctx, pairID, models.PairStatusOpening, models.PairStatusOpen); err == nil {
			metrics.PairsOpened.Inc()
		}
	case a.State.Terminal() && b.State.Terminal():
		c.settleTerminal(ctx, pair, res, a, b)
	default:
		done, live := a, b
		if b.State.Terminal() {
			done, live = b, a
		}
		if done.State == models.LegStateFilled {
			c.unwind(ctx, pair, res, &live)
		} else {
			c.compensate(ctx, pair, res, &live)
		}
	}
}

// settleTerminal resolves a recovered pair whose legs both reached terminal
// states while no coordinator was watching. No reconciliation event will
// arrive to close such a pair, so it must be settled here.
func (c *Coordinator) settleTerminal(ctx context.Context, pair *models.OrderPair, res *Result, a, b models.LegOrder) {
	aFilled := a.State == models.LegStateFilled
	bFilled := b.State == models.LegStateFilled
	if aFilled != bFilled {
		exposed, sibling := a, b
		if bFilled {
			exposed, sibling = b, a
		}
		// A filled leg opposite anything but a deliberate cancel is
		// uncompensated one-sided exposure.
		if sibling.State != models.LegStateCancelled {
			c.strand(ctx, pair, res, &exposed, "leg filled while sibling failed during recovery")
			return
		}
	}

	if a.State == models.LegStateFailed && b.State == models.LegStateFailed {
		_ = c.ledger.TransitionPair(ctx, pair.ID, models.PairStatusOpening, models.PairStatusFailed)
		res.Status = models.PairStatusFailed
		metrics.PairsFailed.Inc()
		return
	}

	outcome := models.OutcomeForLegs(a, b)
	if err := c.ledger.ClosePair(ctx, pair.ID, outcome); err != nil {
		c.logger.WithError(err).WithField("pair_id", pair.ID).Error("Failed to close recovered pair")
		return
	}
	res.Status = models.PairStatusClosed
	c.logger.WithFields(logrus.Fields{
		"pair_id": pair.ID,
		"outcome": outcome,
	}).Info("Recovered pair closed")
}

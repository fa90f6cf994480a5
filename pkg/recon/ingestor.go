// Package recon consumes the venues' asynchronous execution feeds and
// advances leg state. Delivery is at-least-once and unordered: trade refs
// deduplicate fills, the allowed-transition table gates everything else, and
// every application is one conditional ledger write, so concurrent ingestion
// workers cannot double-apply an event.
package recon

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/gregtusar/fundarb/internal/metrics"
	"github.com/gregtusar/fundarb/pkg/ledger"
	"github.com/gregtusar/fundarb/pkg/models"
	"github.com/gregtusar/fundarb/pkg/venue"
)

// maxTransitionRetries bounds how often an event application is retried when
// a concurrent worker wins the conditional write.
const maxTransitionRetries = 3

// Verifier authenticates inbound events before they are trusted.
type Verifier interface {
	Verify(evt models.VenueEvent) bool
}

// HMACVerifier checks the event signature against a shared secret.
type HMACVerifier struct {
	secret string
}

func NewHMACVerifier(secret string) *HMACVerifier {
	return &HMACVerifier{secret: secret}
}

func (v *HMACVerifier) Verify(evt models.VenueEvent) bool {
	return venue.VerifyHMAC(evt.SigningPayload(), v.secret, evt.Signature)
}

// Ingestor applies venue events to the ledger.
type Ingestor struct {
	ledger   ledger.Ledger
	verifier Verifier
	logger   *logrus.Logger
}

// NewIngestor builds an ingestor. A nil verifier disables authenticity
// checks, which is only acceptable for in-process test feeds.
func NewIngestor(store ledger.Ledger, verifier Verifier, logger *logrus.Logger) *Ingestor {
	return &Ingestor{ledger: store, verifier: verifier, logger: logger}
}

// Run consumes events until the channel closes or the context ends. Multiple
// Run loops may share one channel; the ledger serializes them.
func (i *Ingestor) Run(ctx context.Context, events <-chan models.VenueEvent) {
	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-events:
			if !ok {
				return
			}
			if err := i.Apply(ctx, evt); err != nil {
				i.logger.WithError(err).WithFields(logrus.Fields{
					"type":            evt.Type,
					"venue":           evt.Venue,
					"venue_order_ref": evt.VenueOrderRef,
				}).Error("Failed to apply venue event")
			}
		}
	}
}

// Apply processes one event. Anomalies (unknown refs, illegal transitions,
// duplicates, unverifiable signatures) are logged and dropped, never fatal:
// venues retransmit stale events routinely. The returned error covers
// infrastructure failures only.
func (i *Ingestor) Apply(ctx context.Context, evt models.VenueEvent) error {
	if i.verifier != nil && !i.verifier.Verify(evt) {
		metrics.EventsUnverified.Inc()
		i.logger.WithFields(logrus.Fields{
			"venue":           evt.Venue,
			"venue_order_ref": evt.VenueOrderRef,
		}).Warn("Discarding unverifiable venue event")
		return nil
	}

	leg, err := i.ledger.GetLegByVenueRef(ctx, evt.Venue, evt.VenueOrderRef)
	if err != nil {
		if errors.Is(err, ledger.ErrNotFound) {
			i.anomaly(evt, "no leg for venue order ref")
			return nil
		}
		return err
	}

	switch evt.Type {
	case models.VenueEventAccepted:
		err = i.applyTransition(ctx, evt, leg, models.LegStateOpen)
	case models.VenueEventFilled:
		err = i.applyFill(ctx, evt, leg)
	case models.VenueEventCancelled:
		err = i.applyTransition(ctx, evt, leg, models.LegStateCancelled)
	case models.VenueEventRejected:
		err = i.applyTransition(ctx, evt, leg, models.LegStateRejected)
	case models.VenueEventExpired:
		err = i.applyTransition(ctx, evt, leg, models.LegStateExpired)
	default:
		i.anomaly(evt, fmt.Sprintf("unknown event type %q", evt.Type))
		return nil
	}
	if err != nil {
		return err
	}

	return i.maybeClosePair(ctx, leg.PairID)
}

func (i *Ingestor) applyTransition(ctx context.Context, evt models.VenueEvent, leg *models.LegOrder, next models.LegState) error {
	expected := leg.State
	for attempt := 0; attempt < maxTransitionRetries; attempt++ {
		if !expected.CanTransition(next) {
			i.anomaly(evt, fmt.Sprintf("illegal transition %s -> %s", expected, next))
			return nil
		}
		_, err := i.ledger.TransitionLeg(ctx, leg.ID, expected, next, ledger.LegPatch{})
		if err == nil {
			metrics.EventsApplied.WithLabelValues(string(evt.Type)).Inc()
			return nil
		}
		if !errors.Is(err, ledger.ErrStateMismatch) {
			if errors.Is(err, ledger.ErrIllegalTransition) {
				i.anomaly(evt, err.Error())
				return nil
			}
			return err
		}
		// A concurrent worker moved the leg first; re-read and retry
		// against the fresh state.
		cur, gerr := i.ledger.GetLeg(ctx, leg.ID)
		if gerr != nil {
			return gerr
		}
		if cur.State == next {
			metrics.EventsDuplicate.Inc()
			return nil
		}
		expected = cur.State
	}
	i.anomaly(evt, "conditional write lost repeatedly")
	return nil
}

func (i *Ingestor) applyFill(ctx context.Context, evt models.VenueEvent, leg *models.LegOrder) error {
	if evt.TradeRef == "" || evt.Quantity <= 0 {
		i.anomaly(evt, "fill without trade ref or positive quantity")
		return nil
	}

	fill := &models.Fill{
		ID:         uuid.NewString(),
		LegOrderID: leg.ID,
		Quantity:   evt.Quantity,
		Price:      evt.Price,
		TradeRef:   evt.TradeRef,
		ObservedAt: evt.Timestamp,
	}

	expected := leg.State
	for attempt := 0; attempt < maxTransitionRetries; attempt++ {
		if expected != models.LegStateOpen && expected != models.LegStatePartial {
			i.anomaly(evt, fmt.Sprintf("fill against %s leg", expected))
			return nil
		}
		_, err := i.ledger.RecordFill(ctx, leg.ID, expected, fill)
		switch {
		case err == nil:
			metrics.EventsApplied.WithLabelValues(string(evt.Type)).Inc()
			return nil
		case errors.Is(err, ledger.ErrDuplicateFill):
			metrics.EventsDuplicate.Inc()
			i.logger.WithFields(logrus.Fields{
				"leg_id":    leg.ID,
				"trade_ref": evt.TradeRef,
			}).Debug("Dropping retransmitted fill")
			return nil
		case errors.Is(err, ledger.ErrOverfill):
			// Data-integrity error: the leg has been forced to a
			// flagged terminal state for manual review.
			metrics.Overfills.Inc()
			i.logger.WithFields(logrus.Fields{
				"leg_id":    leg.ID,
				"trade_ref": evt.TradeRef,
				"quantity":  evt.Quantity,
			}).Error("OVERFILL: leg flagged and taken out of play")
			return nil
		case errors.Is(err, ledger.ErrStateMismatch):
			cur, gerr := i.ledger.GetLeg(ctx, leg.ID)
			if gerr != nil {
				return gerr
			}
			expected = cur.State
		default:
			return err
		}
	}
	i.anomaly(evt, "conditional fill write lost repeatedly")
	return nil
}

// maybeClosePair closes the pair once both legs are terminal, whatever the
// outcome was. Stranded pairs are left for the operator.
func (i *Ingestor) maybeClosePair(ctx context.Context, pairID string) error {
	pair, legs, err := i.ledger.GetPair(ctx, pairID)
	if err != nil {
		return err
	}
	if pair.Status.Terminal() || len(legs) != 2 {
		return nil
	}
	if !legs[0].State.Terminal() || !legs[1].State.Terminal() {
		return nil
	}

	outcome := models.OutcomeForLegs(legs[0], legs[1])
	if err := i.ledger.ClosePair(ctx, pairID, outcome); err != nil {
		if errors.Is(err, ledger.ErrStateMismatch) {
			// Someone else closed it first.
			return nil
		}
		return err
	}
	i.logger.WithFields(logrus.Fields{
		"pair_id": pairID,
		"outcome": outcome,
	}).Info("Pair closed")
	return nil
}

func (i *Ingestor) anomaly(evt models.VenueEvent, reason string) {
	metrics.EventsAnomalous.Inc()
	i.logger.WithFields(logrus.Fields{
		"type":            evt.Type,
		"venue":           evt.Venue,
		"venue_order_ref": evt.VenueOrderRef,
		"trade_ref":       evt.TradeRef,
		"reason":          reason,
	}).Warn("Reconciliation anomaly, event dropped")
}

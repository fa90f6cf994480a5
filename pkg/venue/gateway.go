// Package venue abstracts an execution venue behind a single capability:
// submit, cancel, status. The saga coordinator is written once against this
// interface regardless of which physical exchange sits behind it.
package venue

import (
	"context"
	"errors"

	"github.com/gregtusar/fundarb/pkg/models"
)

var (
	// ErrAmbiguousOutcome wraps submission failures (timeouts, dropped
	// connections, 5xx) where the venue may nonetheless have accepted the
	// order. Callers must resolve via GetStatus before any corrective
	// action; assuming failure is unsafe.
	ErrAmbiguousOutcome = errors.New("venue: outcome unknown")
	// ErrOrderNotFound means the venue has no order for the given ref or
	// client key.
	ErrOrderNotFound = errors.New("venue: order not found")
	// ErrCancelRejected means the venue refused the cancel, typically
	// because the order is already done.
	ErrCancelRejected = errors.New("venue: cancel rejected")
)

// Ambiguous reports whether an error leaves the submission outcome unknown.
func Ambiguous(err error) bool {
	return errors.Is(err, ErrAmbiguousOutcome) || errors.Is(err, context.DeadlineExceeded)
}

// OrderStatus is the venue's view of an order.
type OrderStatus string

const (
	StatusOpen            OrderStatus = "OPEN"
	StatusPartiallyFilled OrderStatus = "PARTIALLY_FILLED"
	StatusFilled          OrderStatus = "FILLED"
	StatusCancelled       OrderStatus = "CANCELLED"
	StatusRejected        OrderStatus = "REJECTED"
)

// StatusSnapshot is the venue-reported state of one order, used to
// disambiguate timed-out submissions.
type StatusSnapshot struct {
	VenueOrderRef  string
	Status         OrderStatus
	FilledQuantity float64
}

// Live reports whether the order is still working at the venue.
func (s StatusSnapshot) Live() bool {
	return s.Status == StatusOpen || s.Status == StatusPartiallyFilled
}

// Gateway is one venue's execution capability.
type Gateway interface {
	// Submit places the leg and returns the venue's order ref. The leg's
	// ClientIdempotencyKey is sent with the request so a retried call is
	// deduplicated venue-side instead of creating a duplicate order.
	Submit(ctx context.Context, leg *models.LegOrder) (string, error)
	// Cancel revokes a working order.
	Cancel(ctx context.Context, venueOrderRef string) error
	// GetStatus looks an order up by venue ref or, when the ref is empty
	// (submission never acknowledged), by the client idempotency key.
	GetStatus(ctx context.Context, venueOrderRef, clientKey string) (*StatusSnapshot, error)
}

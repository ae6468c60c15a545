package remate

import (
	"errors"
	"fmt"
)

var (
	// ErrUnknownBrand is returned if a bid or deposit names a collateral
	// brand that has no book.
	ErrUnknownBrand = errors.New("unknown collateral brand")

	// ErrBrandExists is returned if a collateral brand is registered
	// twice.
	ErrBrandExists = errors.New("collateral brand already registered")

	// ErrNoCollateral is returned if a depositor's seat doesn't give any
	// collateral.
	ErrNoCollateral = errors.New("deposit must give collateral")

	// ErrServerShuttingDown is returned if a request arrives while the
	// server is stopping.
	ErrServerShuttingDown = errors.New("server shutting down")
)

// OfferRejectedError is returned if a bid or deposit was refused. The seat
// of the party was failed with the same reason.
type OfferRejectedError struct {
	// SeatID is the seat of the rejected party.
	SeatID string

	// Reason is why the offer was rejected.
	Reason error
}

// Error returns a human readable refusal.
func (e *OfferRejectedError) Error() string {
	return fmt.Sprintf("offer of seat %v rejected: %v", e.SeatID, e.Reason)
}

// Unwrap returns the underlying reason so it can be matched with errors.Is.
func (e *OfferRejectedError) Unwrap() error {
	return e.Reason
}

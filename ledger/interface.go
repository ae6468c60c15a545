package ledger

import (
	"errors"

	"github.com/lightninglabs/remate/amount"
)

var (
	// ErrSeatExited is returned if a transfer touches a seat that has
	// already exited.
	ErrSeatExited = errors.New("seat has exited")

	// ErrInsufficientFunds is returned if a transfer would take more from
	// a seat than its current allocation holds.
	ErrInsufficientFunds = errors.New("insufficient funds in seat")

	// ErrUnknownSeat is returned if a seat is not known to the ledger.
	ErrUnknownSeat = errors.New("unknown seat")

	// ErrEmptyTransfer is returned for a transfer without amounts.
	ErrEmptyTransfer = errors.New("transfer has no amounts")
)

// Keyword names a slot of a seat's allocation.
type Keyword string

const (
	// KeywordBid is the slot a bidder offers currency in.
	KeywordBid Keyword = "Bid"

	// KeywordCurrency is the slot pooled or distributed currency is held
	// in.
	KeywordCurrency Keyword = "Currency"

	// KeywordCollateral is the slot collateral is held in.
	KeywordCollateral Keyword = "Collateral"
)

// Allocation maps keywords to the amounts a seat currently holds.
type Allocation map[Keyword]amount.Amount

// Copy returns a deep copy of the allocation.
func (a Allocation) Copy() Allocation {
	c := make(Allocation, len(a))
	for k, v := range a {
		c[k] = v
	}
	return c
}

// Get returns the amount held under the keyword, or the empty amount of the
// given brand if nothing is held.
func (a Allocation) Get(kw Keyword, brand amount.Brand) amount.Amount {
	v, ok := a[kw]
	if !ok {
		return amount.Empty(brand)
	}
	return v
}

// Proposal is what a party committed to give and what they want in return.
type Proposal struct {
	Give Allocation
	Want Allocation
}

// Seat is a party's handle on the ledger. Every interaction with funds held
// for a party happens through this interface.
type Seat interface {
	// ID returns the stable identifier of the seat.
	ID() string

	// Proposal returns the proposal the seat was created with.
	Proposal() Proposal

	// CurrentAllocation returns a copy of what the seat currently holds.
	CurrentAllocation() Allocation

	// Exit pays out the current allocation and closes the seat.
	Exit() error

	// HasExited returns true if the seat was exited or failed.
	HasExited() bool

	// Fail exits the seat with the given reason.
	Fail(reason error)
}

// Transfer moves amounts from one seat to another. Amounts are taken from the
// keywords of the source seat and, unless ToAmounts is set, credited to the
// same keywords of the destination.
type Transfer struct {
	From Seat
	To   Seat

	// Amounts is what is taken from the source seat.
	Amounts Allocation

	// ToAmounts optionally names the keywords the destination is credited
	// with. It must hold the same total per brand as Amounts.
	ToAmounts Allocation
}

// Rearranger executes a batch of transfers atomically.
type Rearranger interface {
	// AtomicRearrange executes all transfers as one indivisible
	// operation. If any transfer is invalid, nothing is changed.
	AtomicRearrange(transfers []Transfer) error
}

// Host is the part of the host ledger the auction needs: atomic transfers,
// fresh pool seats and lookup of seats by ID.
type Host interface {
	Rearranger

	// EmptySeat creates a seat that holds nothing.
	EmptySeat() Seat

	// Seat looks up a seat by its ID.
	Seat(id string) (Seat, error)
}

package order

import (
	"context"
	"errors"
	"fmt"

	"github.com/lightninglabs/remate/amount"
)

var (
	// ErrMalformedBid is returned if a bid carries neither a price nor a
	// scaling, or a ratio of the wrong brands.
	ErrMalformedBid = errors.New("malformed bid")
)

// Kind is the representation a bid quotes its limit in.
type Kind uint8

const (
	// KindPrice is a bid with an absolute price in currency per unit of
	// collateral.
	KindPrice Kind = 1

	// KindScaled is a bid whose price is a ratio of the round's locked
	// oracle price.
	KindScaled Kind = 2
)

// String returns a human readable representation of the kind.
func (k Kind) String() string {
	switch k {
	case KindPrice:
		return "Price"

	case KindScaled:
		return "Scaled"

	default:
		return fmt.Sprintf("<unknown kind %d>", k)
	}
}

// BidSpec describes what a bidder wants and at what limit. It is one of
// PriceBid or ScaledBid.
type BidSpec interface {
	// Want is the maximum amount of collateral the bidder wants.
	Want() amount.Amount

	// Kind returns which variant this is.
	Kind() Kind
}

// PriceBid is a bid with an absolute price limit.
type PriceBid struct {
	Wanted amount.Amount

	// Price is currency per unit of collateral.
	Price amount.Ratio
}

// Want is the maximum amount of collateral the bidder wants.
func (b *PriceBid) Want() amount.Amount { return b.Wanted }

// Kind returns KindPrice.
func (b *PriceBid) Kind() Kind { return KindPrice }

// ScaledBid is a bid whose price limit is a ratio of the locked oracle price,
// e.g. 9000/10000 for a 10% discount.
type ScaledBid struct {
	Wanted amount.Amount

	// BidScaling is a dimensionless currency/currency ratio.
	BidScaling amount.Ratio
}

// Want is the maximum amount of collateral the bidder wants.
func (b *ScaledBid) Want() amount.Amount { return b.Wanted }

// Kind returns KindScaled.
func (b *ScaledBid) Kind() Kind { return KindScaled }

// ValidateBidSpec makes sure the bid is well formed for the given pair of
// brands.
func ValidateBidSpec(spec BidSpec, currency,
	collateral amount.Brand) error {

	switch s := spec.(type) {
	case *PriceBid:
		if s.Wanted.Brand != collateral {
			return fmt.Errorf("%w: want %v, expected %v",
				ErrMalformedBid, s.Wanted.Brand, collateral)
		}
		if s.Price.Numerator.Brand != currency ||
			s.Price.Denominator.Brand != collateral ||
			s.Price.Denominator.IsEmpty() {

			return fmt.Errorf("%w: price %v", ErrMalformedBid,
				s.Price)
		}

	case *ScaledBid:
		if s.Wanted.Brand != collateral {
			return fmt.Errorf("%w: want %v, expected %v",
				ErrMalformedBid, s.Wanted.Brand, collateral)
		}
		if s.BidScaling.Numerator.Brand != currency ||
			s.BidScaling.Denominator.Brand != currency ||
			s.BidScaling.Denominator.IsEmpty() {

			return fmt.Errorf("%w: scaling %v", ErrMalformedBid,
				s.BidScaling)
		}

	default:
		return fmt.Errorf("%w: neither price nor scaling given",
			ErrMalformedBid)
	}

	return nil
}

// Order is a queued bid that wasn't fully filled yet.
type Order struct {
	// SeatID identifies the bidder's seat and is the key of the order.
	SeatID string

	// Collateral is the brand of the book the order is queued in.
	Collateral amount.Brand

	// Seq is the sequence number assigned when the order was queued.
	Seq uint64

	// Kind tells whether Price or BidScaling is set.
	Kind Kind

	// Wanted is the remaining amount of collateral the bidder wants.
	Wanted amount.Amount

	// Price is the absolute limit of a KindPrice order.
	Price amount.Ratio

	// BidScaling is the limit of a KindScaled order.
	BidScaling amount.Ratio
}

// Spec returns the bid specification of the order.
func (o *Order) Spec() BidSpec {
	switch o.Kind {
	case KindScaled:
		return &ScaledBid{Wanted: o.Wanted, BidScaling: o.BidScaling}

	default:
		return &PriceBid{Wanted: o.Wanted, Price: o.Price}
	}
}

// Deposit is a depositor's claim on the proceeds of a round.
type Deposit struct {
	// SeatID identifies the depositor's seat.
	SeatID string

	// Collateral is the brand of the book the deposit went into.
	Collateral amount.Brand

	// Seq orders the claims of a round.
	Seq uint64

	// Amount is the deposited collateral.
	Amount amount.Amount

	// Goal is the optional amount of currency the depositor wants to
	// raise.
	Goal *amount.Amount
}

// BrandRecord is a registered collateral brand.
type BrandRecord struct {
	// Brand is the collateral brand.
	Brand amount.Brand

	// Keyword is the reserve keyword leftover collateral is tagged with.
	Keyword string
}

// Store is responsible for storing and retrieving the auction's durable
// state.
type Store interface {
	// AddBrand registers a collateral brand.
	AddBrand(context.Context, *BrandRecord) error

	// Brands returns all registered collateral brands.
	Brands(context.Context) ([]*BrandRecord, error)

	// PutOrder inserts or replaces an order.
	PutOrder(context.Context, *Order) error

	// DeleteOrder removes an order.
	DeleteOrder(ctx context.Context, collateral amount.Brand,
		seatID string) error

	// Orders returns all orders of a book sorted by sequence number.
	Orders(ctx context.Context, collateral amount.Brand) ([]*Order,
		error)

	// AddDeposit records a depositor claim.
	AddDeposit(context.Context, *Deposit) error

	// Deposits returns all claims of a book in insertion order.
	Deposits(ctx context.Context, collateral amount.Brand) ([]*Deposit,
		error)

	// ClearDeposits removes all claims of a book.
	ClearDeposits(ctx context.Context, collateral amount.Brand) error
}

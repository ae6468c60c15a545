package book

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/fortytw2/leaktest"
	"github.com/lightninglabs/remate/amount"
	"github.com/lightninglabs/remate/auctiondb"
	"github.com/lightninglabs/remate/ledger"
	"github.com/lightninglabs/remate/oracle"
	"github.com/lightninglabs/remate/order"
	"github.com/stretchr/testify/require"
)

const (
	atom amount.Brand = "ATOM"
	ist  amount.Brand = "IST"
)

type testHarness struct {
	t      *testing.T
	ctx    context.Context
	ledger *ledger.Ledger
	store  *auctiondb.MemStore
	oracle *oracle.ManualPriceAuthority
	book   *Book
}

func newTestHarness(t *testing.T) *testHarness {
	t.Helper()

	h := &testHarness{
		t:      t,
		ctx:    context.Background(),
		ledger: ledger.New(),
		store:  auctiondb.NewMemStore(),
		oracle: oracle.NewManualPriceAuthority(),
	}
	require.NoError(t, h.oracle.Start())
	t.Cleanup(h.oracle.Stop)

	h.book = h.newBook()
	return h
}

func (h *testHarness) newBook() *Book {
	b := New(&Config{
		Collateral: atom,
		Currency:   ist,
		Ledger:     h.ledger,
		Store:      h.store,
		Oracle:     h.oracle,
	})
	require.NoError(h.t, b.Start(h.ctx))
	h.t.Cleanup(b.Stop)

	return b
}

func (h *testHarness) ratio(num uint64, numBrand amount.Brand, den uint64,
	denBrand amount.Brand) amount.Ratio {

	r, err := amount.MakeRatio(num, numBrand, den, denBrand)
	require.NoError(h.t, err)
	return r
}

// startRound sets the oracle to 10 IST per ATOM, locks it and starts the round
// at the given rate in basis points.
func (h *testHarness) startRound(rate uint64) {
	require.NoError(h.t, h.oracle.SetPrice(h.ratio(100, ist, 10, atom)))
	require.Eventually(h.t, func() bool {
		return h.book.UpdatingOracleQuote() != nil
	}, time.Second, 10*time.Millisecond)

	require.NoError(h.t, h.book.LockOraclePriceForRound())
	require.NoError(h.t, h.book.SetStartingRate(h.ratio(rate, ist, 10000, ist)))
}

// deposit moves collateral of a fresh depositor seat into the pool.
func (h *testHarness) deposit(value uint64) *ledger.MemSeat {
	collateral := amount.New(atom, value)
	seat := h.ledger.MakeSeat(ledger.Proposal{
		Give: ledger.Allocation{ledger.KeywordCollateral: collateral},
	})

	err := h.book.AddAssets(collateral, seat, ledger.KeywordCollateral)
	require.NoError(h.t, err)

	return seat
}

// bidder creates a seat that gives the amount of currency.
func (h *testHarness) bidder(currency uint64) *ledger.MemSeat {
	return h.ledger.MakeSeat(ledger.Proposal{
		Give: ledger.Allocation{
			ledger.KeywordBid: amount.New(ist, currency),
		},
	})
}

func (h *testHarness) priceBid(want, num, den uint64) *order.PriceBid {
	return &order.PriceBid{
		Wanted: amount.New(atom, want),
		Price:  h.ratio(num, ist, den, atom),
	}
}

func (h *testHarness) assertHolds(seat ledger.Seat, currency,
	collateral uint64) {

	h.t.Helper()

	alloc := seat.CurrentAllocation()
	require.Equal(h.t, currency, alloc.Get(ledger.KeywordBid, ist).Value)
	require.Equal(
		h.t, collateral,
		alloc.Get(ledger.KeywordCollateral, atom).Value,
	)
}

func (h *testHarness) assertProceeds(collateral, currency uint64) {
	h.t.Helper()

	_, _, coll, curr := h.book.Proceeds()
	require.Equal(h.t, collateral, coll.Value)
	require.Equal(h.t, currency, curr.Value)
}

// TestImmediateSettlement makes sure a bid at or above the current price is
// filled right away and the bidder keeps the currency it didn't spend.
func TestImmediateSettlement(t *testing.T) {
	t.Cleanup(leaktest.Check(t))

	h := newTestHarness(t)

	h.deposit(100)
	h.startRound(10500)

	// The first step's price is 10.5 IST per ATOM.
	status := h.book.Status()
	require.Equal(t, h.ratio(21, ist, 2, atom), *status.CurrentPrice)

	seat := h.bidder(1000)
	err := h.book.AddOffer(h.ctx, h.priceBid(50, 11, 1), seat, true)
	require.NoError(t, err)

	// ceil(50 * 10.5) = 525 is paid, the rest is returned.
	require.True(t, seat.HasExited())
	h.assertHolds(seat, 1000-525, 50)
	h.assertProceeds(50, 525)
	require.False(t, h.book.HasOrders())
}

// TestNoSettlementWhileWaiting makes sure a bid is only queued if the caller
// doesn't ask for settlement.
func TestNoSettlementWhileWaiting(t *testing.T) {
	h := newTestHarness(t)

	h.deposit(100)
	h.startRound(10500)

	seat := h.bidder(1000)
	err := h.book.AddOffer(h.ctx, h.priceBid(50, 11, 1), seat, false)
	require.NoError(t, err)

	require.False(t, seat.HasExited())
	h.assertHolds(seat, 1000, 0)
	require.True(t, h.book.HasOrders())

	orders, err := h.store.Orders(h.ctx, atom)
	require.NoError(t, err)
	require.Len(t, orders, 1)
	require.Equal(t, uint64(50), orders[0].Wanted.Value)
}

// TestPartialFill makes sure a bidder that can't afford its whole want buys
// what its currency affords and stays queued for the remainder.
func TestPartialFill(t *testing.T) {
	h := newTestHarness(t)

	h.deposit(100)
	h.startRound(10500)

	// 100 IST afford floor(100 / 10.5) = 9 ATOM for ceil(9 * 10.5) = 95.
	seat := h.bidder(100)
	err := h.book.AddOffer(h.ctx, h.priceBid(50, 11, 1), seat, true)
	require.NoError(t, err)

	require.False(t, seat.HasExited())
	h.assertHolds(seat, 5, 9)
	h.assertProceeds(91, 95)

	orders, err := h.store.Orders(h.ctx, atom)
	require.NoError(t, err)
	require.Len(t, orders, 1)
	require.Equal(t, uint64(41), orders[0].Wanted.Value)

	// At 10 IST per ATOM the remaining 5 IST don't afford a single unit,
	// so the order stays as it is.
	err = h.book.SettleAtNewRate(h.ctx, h.ratio(10000, ist, 10000, ist))
	require.NoError(t, err)
	h.assertHolds(seat, 5, 9)

	orders, err = h.store.Orders(h.ctx, atom)
	require.NoError(t, err)
	require.Equal(t, uint64(41), orders[0].Wanted.Value)

	// At 5 IST per ATOM one more unit is bought and the currency is
	// exhausted, which exits the seat.
	err = h.book.SettleAtNewRate(h.ctx, h.ratio(5000, ist, 10000, ist))
	require.NoError(t, err)
	require.True(t, seat.HasExited())
	h.assertHolds(seat, 0, 10)
	h.assertProceeds(90, 100)
	require.False(t, h.book.HasOrders())
}

// TestSettlementBySequenceOnly makes sure eligible orders are processed in
// the order they were queued. A better limit only makes an order eligible
// earlier, it doesn't move it ahead of older orders.
func TestSettlementBySequenceOnly(t *testing.T) {
	h := newTestHarness(t)

	h.deposit(10)
	h.startRound(10500)

	first := h.bidder(1000)
	second := h.bidder(1000)
	third := h.bidder(1000)

	// The first order quotes the lowest price, the second the highest.
	err := h.book.AddOffer(h.ctx, h.priceBid(10, 10, 1), first, false)
	require.NoError(t, err)
	err = h.book.AddOffer(h.ctx, h.priceBid(10, 12, 1), second, false)
	require.NoError(t, err)
	err = h.book.AddOffer(h.ctx, &order.ScaledBid{
		Wanted:     amount.New(atom, 10),
		BidScaling: h.ratio(11000, ist, 10000, ist),
	}, third, false)
	require.NoError(t, err)

	// At 10.5 the first order isn't eligible yet, the second one is older
	// than the scaled one and takes everything.
	err = h.book.SettleAtNewRate(h.ctx, h.ratio(10500, ist, 10000, ist))
	require.NoError(t, err)

	require.True(t, second.HasExited())
	h.assertHolds(second, 1000-105, 10)
	h.assertHolds(third, 1000, 0)
	h.assertHolds(first, 1000, 0)
	require.False(t, first.HasExited())
	require.False(t, third.HasExited())
}

// TestSettlementSequenceAcrossBooks makes sure the oldest eligible order
// wins even if a younger order quotes a better price.
func TestSettlementSequenceAcrossBooks(t *testing.T) {
	h := newTestHarness(t)

	h.deposit(10)
	h.startRound(10500)

	scaled := h.bidder(1000)
	price := h.bidder(1000)

	err := h.book.AddOffer(h.ctx, &order.ScaledBid{
		Wanted:     amount.New(atom, 10),
		BidScaling: h.ratio(9000, ist, 10000, ist),
	}, scaled, false)
	require.NoError(t, err)
	err = h.book.AddOffer(h.ctx, h.priceBid(10, 20, 1), price, false)
	require.NoError(t, err)

	// Both are eligible at 9 IST per ATOM, the scaled order is older.
	err = h.book.SettleAtNewRate(h.ctx, h.ratio(9000, ist, 10000, ist))
	require.NoError(t, err)

	require.True(t, scaled.HasExited())
	h.assertHolds(scaled, 1000-90, 10)
	h.assertHolds(price, 1000, 0)
	require.False(t, price.HasExited())
	require.True(t, h.book.HasOrders())
}

// TestScaledBidEligibility makes sure a scaled bid only settles once the
// reduction reaches its scaling.
func TestScaledBidEligibility(t *testing.T) {
	h := newTestHarness(t)

	h.deposit(100)
	h.startRound(10500)

	seat := h.bidder(1000)
	err := h.book.AddOffer(h.ctx, &order.ScaledBid{
		Wanted:     amount.New(atom, 20),
		BidScaling: h.ratio(9000, ist, 10000, ist),
	}, seat, true)
	require.NoError(t, err)
	h.assertHolds(seat, 1000, 0)

	err = h.book.SettleAtNewRate(h.ctx, h.ratio(9500, ist, 10000, ist))
	require.NoError(t, err)
	h.assertHolds(seat, 1000, 0)

	err = h.book.SettleAtNewRate(h.ctx, h.ratio(9000, ist, 10000, ist))
	require.NoError(t, err)
	require.True(t, seat.HasExited())
	h.assertHolds(seat, 1000-180, 20)
}

// TestZeroPriceFailsSeat makes sure no collateral is handed out for free.
func TestZeroPriceFailsSeat(t *testing.T) {
	h := newTestHarness(t)

	h.deposit(100)
	h.startRound(10500)

	seat := h.bidder(1000)
	err := h.book.AddOffer(h.ctx, h.priceBid(10, 1, 1), seat, false)
	require.NoError(t, err)

	err = h.book.SettleAtNewRate(h.ctx, h.ratio(0, ist, 10000, ist))
	require.NoError(t, err)

	require.True(t, seat.HasExited())
	require.True(t, errors.Is(seat.FailureReason(), ErrZeroPrice))
	h.assertHolds(seat, 1000, 0)
	h.assertProceeds(100, 0)
	require.False(t, h.book.HasOrders())
}

// TestMalformedOffers makes sure invalid bids are rejected before anything
// changes.
func TestMalformedOffers(t *testing.T) {
	h := newTestHarness(t)

	h.deposit(100)
	h.startRound(10500)

	wrongKeyword := h.ledger.MakeSeat(ledger.Proposal{
		Give: ledger.Allocation{"Offer": amount.New(ist, 100)},
	})
	zeroGive := h.bidder(0)
	wrongBrand := h.ledger.MakeSeat(ledger.Proposal{
		Give: ledger.Allocation{
			ledger.KeywordBid: amount.New("USD", 100),
		},
	})

	tests := []struct {
		name string
		seat ledger.Seat
		spec order.BidSpec
		err  error
	}{{
		name: "wrong give keyword",
		seat: wrongKeyword,
		spec: h.priceBid(10, 11, 1),
		err:  ErrWrongCurrency,
	}, {
		name: "zero give",
		seat: zeroGive,
		spec: h.priceBid(10, 11, 1),
		err:  ErrWrongCurrency,
	}, {
		name: "wrong give brand",
		seat: wrongBrand,
		spec: h.priceBid(10, 11, 1),
		err:  ErrWrongCurrency,
	}, {
		name: "no limit",
		seat: h.bidder(100),
		spec: nil,
		err:  order.ErrMalformedBid,
	}, {
		name: "price in wrong brands",
		seat: h.bidder(100),
		spec: &order.PriceBid{
			Wanted: amount.New(atom, 10),
			Price:  h.ratio(11, atom, 1, ist),
		},
		err: order.ErrMalformedBid,
	}, {
		name: "scaling in wrong brands",
		seat: h.bidder(100),
		spec: &order.ScaledBid{
			Wanted:     amount.New(atom, 10),
			BidScaling: h.ratio(9, ist, 10, atom),
		},
		err: order.ErrMalformedBid,
	}, {
		name: "empty want",
		seat: h.bidder(100),
		spec: h.priceBid(0, 11, 1),
		err:  ErrEmptyWant,
	}}

	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			before := tc.seat.CurrentAllocation()

			err := h.book.AddOffer(h.ctx, tc.spec, tc.seat, true)
			require.Error(t, err)
			require.True(t, errors.Is(err, tc.err), err)

			require.Equal(t, before, tc.seat.CurrentAllocation())
			require.False(t, tc.seat.HasExited())
		})
	}

	require.False(t, h.book.HasOrders())
	h.assertProceeds(100, 0)
}

// TestDuplicateOrder makes sure a seat can only queue one order.
func TestDuplicateOrder(t *testing.T) {
	h := newTestHarness(t)

	seat := h.bidder(100)
	err := h.book.AddOffer(h.ctx, h.priceBid(10, 11, 1), seat, false)
	require.NoError(t, err)

	err = h.book.AddOffer(h.ctx, h.priceBid(5, 12, 1), seat, false)
	require.True(t, errors.Is(err, ErrDuplicateOrder))
}

// TestRoundPrerequisites makes sure the price has to be locked before a round
// can start and that locking needs a quote.
func TestRoundPrerequisites(t *testing.T) {
	h := newTestHarness(t)

	err := h.book.SetStartingRate(h.ratio(10500, ist, 10000, ist))
	require.True(t, errors.Is(err, ErrPriceNotLocked))

	err = h.book.SettleAtNewRate(h.ctx, h.ratio(10000, ist, 10000, ist))
	require.True(t, errors.Is(err, ErrPriceNotLocked))

	err = h.book.LockOraclePriceForRound()
	require.True(t, errors.Is(err, ErrNoOraclePrice))
}

// TestLateDeposit makes sure collateral deposited during a round is sold in
// the remaining steps.
func TestLateDeposit(t *testing.T) {
	h := newTestHarness(t)

	h.startRound(10500)

	seat := h.bidder(1000)
	err := h.book.AddOffer(h.ctx, h.priceBid(20, 11, 1), seat, true)
	require.NoError(t, err)
	h.assertHolds(seat, 1000, 0)

	h.deposit(15)
	err = h.book.SettleAtNewRate(h.ctx, h.ratio(10000, ist, 10000, ist))
	require.NoError(t, err)

	h.assertHolds(seat, 1000-150, 15)
	require.False(t, seat.HasExited())
	require.Equal(t, uint64(15), h.book.Status().StartCollateral.Value)

	orders, err := h.store.Orders(h.ctx, atom)
	require.NoError(t, err)
	require.Equal(t, uint64(5), orders[0].Wanted.Value)
}

// TestCancelAndExitAll makes sure queued orders can be withdrawn.
func TestCancelAndExitAll(t *testing.T) {
	h := newTestHarness(t)

	one := h.bidder(100)
	two := h.bidder(100)
	for _, seat := range []ledger.Seat{one, two} {
		err := h.book.AddOffer(h.ctx, h.priceBid(10, 11, 1), seat, false)
		require.NoError(t, err)
	}

	found, err := h.book.CancelOrder(h.ctx, one.ID())
	require.NoError(t, err)
	require.True(t, found)
	require.True(t, one.HasExited())
	h.assertHolds(one, 100, 0)

	found, err = h.book.CancelOrder(h.ctx, one.ID())
	require.NoError(t, err)
	require.False(t, found)

	h.book.ExitAllSeats(h.ctx)
	require.True(t, two.HasExited())
	require.False(t, h.book.HasOrders())

	orders, err := h.store.Orders(h.ctx, atom)
	require.NoError(t, err)
	require.Empty(t, orders)
}

// TestExternallyExitedSeatEvicted makes sure an order is dropped once its
// seat exited on its own.
func TestExternallyExitedSeatEvicted(t *testing.T) {
	h := newTestHarness(t)

	h.deposit(10)
	h.startRound(10500)

	seat := h.bidder(100)
	err := h.book.AddOffer(h.ctx, h.priceBid(5, 11, 1), seat, false)
	require.NoError(t, err)
	require.NoError(t, seat.Exit())

	err = h.book.SettleAtNewRate(h.ctx, h.ratio(10000, ist, 10000, ist))
	require.NoError(t, err)

	require.False(t, h.book.HasOrders())
	h.assertProceeds(10, 0)
}

// TestEndRound makes sure the prices are reset and empty pools are replaced
// while funded pools are carried over.
func TestEndRound(t *testing.T) {
	h := newTestHarness(t)

	h.startRound(10500)
	oldColl, oldCurr, _, _ := h.book.Proceeds()

	h.book.EndRound()

	status := h.book.Status()
	require.Nil(t, status.StartPrice)
	require.Nil(t, status.CurrentPrice)
	require.True(t, oldColl.HasExited())
	require.True(t, oldCurr.HasExited())

	newColl, newCurr, _, _ := h.book.Proceeds()
	require.NotEqual(t, oldColl.ID(), newColl.ID())
	require.NotEqual(t, oldCurr.ID(), newCurr.ID())

	// Undistributed collateral stays for sale in the next round.
	h.deposit(30)
	h.book.EndRound()

	carriedColl, _, coll, _ := h.book.Proceeds()
	require.Equal(t, newColl.ID(), carriedColl.ID())
	require.Equal(t, uint64(30), coll.Value)
	require.Equal(t, uint64(30), h.book.Status().StartCollateral.Value)
}

// TestRestoreOrders makes sure a restarted book picks up the stored orders
// and drops the ones of seats that are gone.
func TestRestoreOrders(t *testing.T) {
	h := newTestHarness(t)

	staying := h.bidder(100)
	leaving := h.bidder(100)
	for _, seat := range []ledger.Seat{staying, leaving} {
		err := h.book.AddOffer(h.ctx, h.priceBid(10, 11, 1), seat, false)
		require.NoError(t, err)
	}
	h.book.Stop()
	require.NoError(t, leaving.Exit())

	restarted := h.newBook()
	require.True(t, restarted.HasOrders())
	require.Equal(t, 1, restarted.Status().PriceOrders)

	orders, err := h.store.Orders(h.ctx, atom)
	require.NoError(t, err)
	require.Len(t, orders, 1)
	require.Equal(t, staying.ID(), orders[0].SeatID)

	// New orders continue the sequence.
	seat := h.bidder(100)
	err = restarted.AddOffer(h.ctx, h.priceBid(10, 11, 1), seat, false)
	require.NoError(t, err)

	orders, err = h.store.Orders(h.ctx, atom)
	require.NoError(t, err)
	require.Len(t, orders, 2)
	require.Greater(t, orders[1].Seq, orders[0].Seq)
}

// TestStatusUpdates makes sure subscribers are told about book changes.
func TestStatusUpdates(t *testing.T) {
	h := newTestHarness(t)

	client, err := h.book.Subscribe()
	require.NoError(t, err)
	defer client.Cancel()

	h.deposit(42)

	select {
	case update := <-client.Updates():
		status := update.(*StatusUpdate).Status
		require.Equal(t, uint64(42), status.CollateralAvailable.Value)

	case <-time.After(time.Second):
		t.Fatal("no status update received")
	}
}

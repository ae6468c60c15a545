package remate

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/lightninglabs/remate/amount"
	"github.com/lightninglabs/remate/auctiondb"
	"github.com/lightninglabs/remate/distribute"
	"github.com/lightninglabs/remate/ledger"
	"github.com/lightninglabs/remate/oracle"
	"github.com/lightninglabs/remate/order"
	"github.com/lightninglabs/remate/params"
	"github.com/lightninglabs/remate/scheduler"
	"github.com/lightninglabs/remate/timer"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

const (
	atom amount.Brand = "ATOM"
	ist  amount.Brand = "IST"

	atomKeyword ledger.Keyword = "Atom"
)

// With the default parameters and a timer starting at 100, the first round is
// triggered at 3600, starts at 3602, steps every 600 and ends at 6602.
const (
	nominalStart timer.Timestamp = 3600
	roundStart   timer.Timestamp = 3602
	clockStep    timer.Timestamp = 600
	roundEnd     timer.Timestamp = 6602
)

// recordingHistory keeps every recorded round in memory.
type recordingHistory struct {
	mu     sync.Mutex
	rounds []*auctiondb.RoundRecord
}

var _ auctiondb.HistoryStore = (*recordingHistory)(nil)

func (r *recordingHistory) RecordRound(_ context.Context,
	record *auctiondb.RoundRecord) error {

	r.mu.Lock()
	defer r.mu.Unlock()

	r.rounds = append(r.rounds, record)
	return nil
}

func (r *recordingHistory) Rounds(_ context.Context,
	collateral amount.Brand) ([]*auctiondb.RoundRecord, error) {

	r.mu.Lock()
	defer r.mu.Unlock()

	var rounds []*auctiondb.RoundRecord
	for _, round := range r.rounds {
		if round.Collateral == collateral {
			rounds = append(rounds, round)
		}
	}
	return rounds, nil
}

type auctioneerHarness struct {
	t   *testing.T
	ctx context.Context

	ledger  *ledger.Ledger
	store   *auctiondb.MemStore
	history *recordingHistory
	oracle  *oracle.ManualPriceAuthority
	params  *params.Store
	timer   *timer.BlockTimer
	reserve *ledger.MemSeat

	auctioneer *Auctioneer
}

func newAuctioneerHarness(t *testing.T) *auctioneerHarness {
	t.Helper()

	h := &auctioneerHarness{
		t:       t,
		ctx:     context.Background(),
		ledger:  ledger.New(),
		store:   auctiondb.NewMemStore(),
		history: &recordingHistory{},
		oracle:  oracle.NewManualPriceAuthority(),
		params:  params.NewStore(params.Default()),
		timer:   timer.NewBlockTimer(100),
	}
	h.reserve = h.ledger.MakeEmptySeat()

	require.NoError(t, h.oracle.Start())
	t.Cleanup(h.oracle.Stop)
	require.NoError(t, h.params.Start())
	t.Cleanup(h.params.Stop)

	h.auctioneer = h.newAuctioneer()
	require.NoError(t, h.auctioneer.AddBrand(h.ctx, atom, atomKeyword))

	return h
}

func (h *auctioneerHarness) newAuctioneer() *Auctioneer {
	a := NewAuctioneer(AuctioneerConfig{
		Store:         h.store,
		History:       h.history,
		Ledger:        h.ledger,
		Oracle:        h.oracle,
		Params:        h.params,
		Timer:         h.timer,
		CurrencyBrand: ist,
		ReserveSeat:   h.reserve,
	})
	require.NoError(h.t, a.Start(h.ctx))
	h.t.Cleanup(a.Stop)

	return a
}

func (h *auctioneerHarness) ratio(num uint64, numBrand amount.Brand,
	den uint64, denBrand amount.Brand) amount.Ratio {

	r, err := amount.MakeRatio(num, numBrand, den, denBrand)
	require.NoError(h.t, err)
	return r
}

// setPrice publishes 10 IST per ATOM and waits until the book has seen it.
func (h *auctioneerHarness) setPrice() {
	require.NoError(h.t, h.oracle.SetPrice(h.ratio(10, ist, 1, atom)))

	b, err := h.auctioneer.Book(atom)
	require.NoError(h.t, err)
	require.Eventually(h.t, func() bool {
		return b.UpdatingOracleQuote() != nil
	}, time.Second, 10*time.Millisecond)
}

func (h *auctioneerHarness) deposit(value uint64,
	goal *amount.Amount) *ledger.MemSeat {

	seat := h.ledger.MakeSeat(ledger.Proposal{
		Give: ledger.Allocation{
			ledger.KeywordCollateral: amount.New(atom, value),
		},
	})
	require.NoError(h.t, h.auctioneer.DepositCollateral(h.ctx, seat, goal))

	return seat
}

func (h *auctioneerHarness) bidder(currency uint64) *ledger.MemSeat {
	return h.ledger.MakeSeat(ledger.Proposal{
		Give: ledger.Allocation{
			ledger.KeywordBid: amount.New(ist, currency),
		},
	})
}

// priceBid wants collateral for at most price IST per ATOM.
func (h *auctioneerHarness) priceBid(want, price uint64) *order.PriceBid {
	return &order.PriceBid{
		Wanted: amount.New(atom, want),
		Price:  h.ratio(price, ist, 1, atom),
	}
}

func (h *auctioneerHarness) assertHolds(seat ledger.Seat,
	expected map[ledger.Keyword]uint64) {

	h.t.Helper()

	alloc := seat.CurrentAllocation()
	for kw, value := range expected {
		brand := ist
		if kw == ledger.KeywordCollateral || kw == atomKeyword {
			brand = atom
		}
		require.Equal(h.t, value, alloc.Get(kw, brand).Value, kw)
	}
}

// runRound advances through a whole round one step at a time.
func (h *auctioneerHarness) runRound() {
	h.timer.AdvanceTo(nominalStart)
	for ts := roundStart; ts <= roundEnd; ts += clockStep {
		h.timer.AdvanceTo(ts)
	}
}

// TestFullRound runs a round with two depositors and a queued bid that is
// filled at the first price step that clears its limit.
func TestFullRound(t *testing.T) {
	h := newAuctioneerHarness(t)
	h.setPrice()

	depositorA := h.deposit(60, nil)
	depositorB := h.deposit(40, nil)

	// 10 IST per ATOM is below the starting price of 10.5, so the bid is
	// only queued.
	bidder := h.bidder(1000)
	require.NoError(t, h.auctioneer.AddBid(
		h.ctx, atom, h.priceBid(30, 10), bidder,
	))

	sched := h.auctioneer.Scheduler()
	h.timer.AdvanceTo(nominalStart)
	h.timer.AdvanceTo(roundStart)
	require.Equal(t, scheduler.StateActive, sched.State())
	require.False(t, bidder.HasExited())

	// The first step lowers the price to exactly the bid's limit.
	h.timer.AdvanceTo(roundStart + clockStep)
	require.True(t, bidder.HasExited())
	h.assertHolds(bidder, map[ledger.Keyword]uint64{
		ledger.KeywordBid:        700,
		ledger.KeywordCollateral: 30,
	})

	for ts := roundStart + 2*clockStep; ts <= roundEnd; ts += clockStep {
		h.timer.AdvanceTo(ts)
	}
	require.Equal(t, scheduler.StateWaiting, sched.State())

	// The 70 unsold ATOM and the 300 IST raised are split 60/40.
	require.True(t, depositorA.HasExited())
	require.True(t, depositorB.HasExited())
	h.assertHolds(depositorA, map[ledger.Keyword]uint64{
		ledger.KeywordCollateral: 42,
		ledger.KeywordCurrency:   180,
	})
	h.assertHolds(depositorB, map[ledger.Keyword]uint64{
		ledger.KeywordCollateral: 28,
		ledger.KeywordCurrency:   120,
	})
	h.assertHolds(h.reserve, map[ledger.Keyword]uint64{
		atomKeyword:            0,
		ledger.KeywordCurrency: 0,
	})

	require.Empty(t, h.auctioneer.Deposits(atom))
	stored, err := h.store.Deposits(h.ctx, atom)
	require.NoError(t, err)
	require.Empty(t, stored)

	rounds, err := h.history.Rounds(h.ctx, atom)
	require.NoError(t, err)
	require.Len(t, rounds, 1)
	require.Equal(t, distribute.RegimeProrata.String(), rounds[0].Regime)
	require.Equal(t, uint64(roundEnd), rounds[0].FinalizedAt)
	require.Len(t, rounds[0].Payouts, 2)
	require.Equal(t, depositorA.ID(), rounds[0].Payouts[0].SeatID)

	// The last step was at 8000 basis points of 10 IST per ATOM.
	require.NotNil(t, rounds[0].ClearingPrice)
	require.True(t, decimal.NewFromInt(8).Equal(
		rounds[0].ClearingPrice.Decimal(),
	))

	// The book is reset for the next round.
	b, err := h.auctioneer.Book(atom)
	require.NoError(t, err)
	status := b.Status()
	require.Nil(t, status.CurrentPrice)
	require.Zero(t, status.StartCollateral.Value)
}

// TestExitedDepositorPaidOut makes sure a depositor that left before the end
// of the round gets its share on a new seat and doesn't hold up the payout of
// the other depositors.
func TestExitedDepositorPaidOut(t *testing.T) {
	h := newAuctioneerHarness(t)
	h.setPrice()

	depositorA := h.deposit(60, nil)
	depositorB := h.deposit(40, nil)
	require.NoError(t, depositorB.Exit())

	bidder := h.bidder(1000)
	require.NoError(t, h.auctioneer.AddBid(
		h.ctx, atom, h.priceBid(30, 10), bidder,
	))

	h.runRound()

	require.True(t, depositorA.HasExited())
	h.assertHolds(depositorA, map[ledger.Keyword]uint64{
		ledger.KeywordCollateral: 42,
		ledger.KeywordCurrency:   180,
	})
	h.assertHolds(depositorB, map[ledger.Keyword]uint64{
		ledger.KeywordCollateral: 0,
		ledger.KeywordCurrency:   0,
	})

	// The share of the exited depositor went to its own payout seat.
	rounds, err := h.history.Rounds(h.ctx, atom)
	require.NoError(t, err)
	require.Len(t, rounds, 1)
	require.Len(t, rounds[0].Payouts, 2)
	require.Equal(t, depositorA.ID(), rounds[0].Payouts[0].SeatID)
	require.NotEqual(t, depositorB.ID(), rounds[0].Payouts[1].SeatID)

	payout, err := h.ledger.Seat(rounds[0].Payouts[1].SeatID)
	require.NoError(t, err)
	require.True(t, payout.HasExited())
	h.assertHolds(payout, map[ledger.Keyword]uint64{
		ledger.KeywordCollateral: 28,
		ledger.KeywordCurrency:   120,
	})

	// Nothing is carried over and the claims are settled.
	require.Empty(t, h.auctioneer.Deposits(atom))
	b, err := h.auctioneer.Book(atom)
	require.NoError(t, err)
	_, _, collateral, currency := b.Proceeds()
	require.True(t, collateral.IsEmpty())
	require.True(t, currency.IsEmpty())
}

// TestImmediateSettlementWhileActive makes sure a bid that clears the current
// price is filled on arrival while a round is running.
func TestImmediateSettlementWhileActive(t *testing.T) {
	h := newAuctioneerHarness(t)
	h.setPrice()
	h.deposit(100, nil)

	h.timer.AdvanceTo(nominalStart)
	h.timer.AdvanceTo(roundStart)

	// The current price is 10.5 IST per ATOM.
	bidder := h.bidder(1000)
	require.NoError(t, h.auctioneer.AddBid(
		h.ctx, atom, h.priceBid(10, 11), bidder,
	))
	require.True(t, bidder.HasExited())
	h.assertHolds(bidder, map[ledger.Keyword]uint64{
		ledger.KeywordBid:        895,
		ledger.KeywordCollateral: 10,
	})

	// A bid below the current price waits for a later step.
	waiting := h.bidder(1000)
	require.NoError(t, h.auctioneer.AddBid(
		h.ctx, atom, h.priceBid(10, 9), waiting,
	))
	require.False(t, waiting.HasExited())
}

// TestNoSettlementWhileWaiting makes sure bids are only queued between rounds
// even if their limit is generous.
func TestNoSettlementWhileWaiting(t *testing.T) {
	h := newAuctioneerHarness(t)
	h.setPrice()
	h.deposit(100, nil)

	bidder := h.bidder(1000)
	require.NoError(t, h.auctioneer.AddBid(
		h.ctx, atom, h.priceBid(10, 50), bidder,
	))
	require.False(t, bidder.HasExited())
	h.assertHolds(bidder, map[ledger.Keyword]uint64{
		ledger.KeywordBid: 1000,
	})

	// The bid is filled at the first step of the next round.
	h.timer.AdvanceTo(nominalStart)
	h.timer.AdvanceTo(roundStart)
	require.True(t, bidder.HasExited())
	h.assertHolds(bidder, map[ledger.Keyword]uint64{
		ledger.KeywordBid:        895,
		ledger.KeywordCollateral: 10,
	})
}

// TestRejectedOffers checks that refused bids and deposits fail the seat and
// return the reason.
func TestRejectedOffers(t *testing.T) {
	h := newAuctioneerHarness(t)

	// Unknown collateral brand.
	bidder := h.bidder(100)
	err := h.auctioneer.AddBid(h.ctx, "ETH", h.priceBid(1, 1), bidder)
	var rejected *OfferRejectedError
	require.True(t, errors.As(err, &rejected))
	require.Equal(t, bidder.ID(), rejected.SeatID)
	require.ErrorIs(t, err, ErrUnknownBrand)
	require.True(t, bidder.HasExited())
	require.ErrorIs(t, bidder.FailureReason(), ErrUnknownBrand)

	// A bid that doesn't give currency.
	wrongGive := h.ledger.MakeSeat(ledger.Proposal{
		Give: ledger.Allocation{
			ledger.KeywordBid: amount.New(atom, 5),
		},
	})
	err = h.auctioneer.AddBid(h.ctx, atom, h.priceBid(1, 1), wrongGive)
	require.True(t, errors.As(err, &rejected))
	require.True(t, wrongGive.HasExited())

	// A deposit without collateral.
	empty := h.ledger.MakeSeat(ledger.Proposal{
		Give: ledger.Allocation{
			ledger.KeywordBid: amount.New(ist, 5),
		},
	})
	err = h.auctioneer.DepositCollateral(h.ctx, empty, nil)
	require.ErrorIs(t, err, ErrNoCollateral)
	require.True(t, empty.HasExited())

	// A goal that isn't in the currency.
	badGoal := amount.New(atom, 10)
	depositor := h.ledger.MakeSeat(ledger.Proposal{
		Give: ledger.Allocation{
			ledger.KeywordCollateral: amount.New(atom, 10),
		},
	})
	err = h.auctioneer.DepositCollateral(h.ctx, depositor, &badGoal)
	require.ErrorIs(t, err, distribute.ErrGoalBrand)
	require.Empty(t, h.auctioneer.Deposits(atom))

	// Brand registration.
	err = h.auctioneer.AddBrand(h.ctx, ist, "Ist")
	require.ErrorIs(t, err, amount.ErrBrandMismatch)
	err = h.auctioneer.AddBrand(h.ctx, atom, atomKeyword)
	require.ErrorIs(t, err, ErrBrandExists)
}

// TestFinalizeWithGoals checks a depositor with a goal receives exactly its
// goal while the other depositor takes the rest.
func TestFinalizeWithGoals(t *testing.T) {
	h := newAuctioneerHarness(t)
	h.setPrice()

	goal := amount.New(ist, 100)
	withGoal := h.deposit(60, &goal)
	withoutGoal := h.deposit(40, nil)

	bidder := h.bidder(1000)
	require.NoError(t, h.auctioneer.AddBid(
		h.ctx, atom, h.priceBid(30, 10), bidder,
	))

	h.runRound()

	h.assertHolds(withGoal, map[ledger.Keyword]uint64{
		ledger.KeywordCollateral: 42,
		ledger.KeywordCurrency:   100,
	})
	h.assertHolds(withoutGoal, map[ledger.Keyword]uint64{
		ledger.KeywordCollateral: 28,
		ledger.KeywordCurrency:   200,
	})

	rounds, err := h.history.Rounds(h.ctx, atom)
	require.NoError(t, err)
	require.Len(t, rounds, 1)
	require.Equal(t, distribute.RegimeMixedGoals.String(), rounds[0].Regime)
}

// TestUnsoldCollateralReturned makes sure depositors get their collateral back
// if nobody bids.
func TestUnsoldCollateralReturned(t *testing.T) {
	h := newAuctioneerHarness(t)
	h.setPrice()

	depositor := h.deposit(25, nil)
	h.runRound()

	require.True(t, depositor.HasExited())
	h.assertHolds(depositor, map[ledger.Keyword]uint64{
		ledger.KeywordCollateral: 25,
		ledger.KeywordCurrency:   0,
	})
}

// TestCancelAndClose checks on demand exits of queued bids.
func TestCancelAndClose(t *testing.T) {
	h := newAuctioneerHarness(t)

	first := h.bidder(100)
	require.NoError(t, h.auctioneer.AddBid(
		h.ctx, atom, h.priceBid(5, 10), first,
	))
	second := h.bidder(100)
	require.NoError(t, h.auctioneer.AddBid(
		h.ctx, atom, h.priceBid(5, 10), second,
	))

	cancelled, err := h.auctioneer.CancelBid(h.ctx, atom, first.ID())
	require.NoError(t, err)
	require.True(t, cancelled)
	require.True(t, first.HasExited())
	h.assertHolds(first, map[ledger.Keyword]uint64{ledger.KeywordBid: 100})

	cancelled, err = h.auctioneer.CancelBid(h.ctx, atom, first.ID())
	require.NoError(t, err)
	require.False(t, cancelled)

	_, err = h.auctioneer.CancelBid(h.ctx, "ETH", second.ID())
	require.ErrorIs(t, err, ErrUnknownBrand)

	h.auctioneer.CloseBooks(h.ctx)
	require.True(t, second.HasExited())

	b, err := h.auctioneer.Book(atom)
	require.NoError(t, err)
	require.False(t, b.HasOrders())
}

// TestRestore makes sure a restarted auctioneer picks up its brands, queued
// bids and deposit claims from the store.
func TestRestore(t *testing.T) {
	h := newAuctioneerHarness(t)

	goal := amount.New(ist, 50)
	depositor := h.deposit(10, &goal)
	bidder := h.bidder(100)
	require.NoError(t, h.auctioneer.AddBid(
		h.ctx, atom, h.priceBid(5, 10), bidder,
	))

	h.auctioneer.Stop()
	h.auctioneer = h.newAuctioneer()

	require.Equal(t, []amount.Brand{atom}, h.auctioneer.Brands())

	deposits := h.auctioneer.Deposits(atom)
	require.Len(t, deposits, 1)
	require.Equal(t, depositor.ID(), deposits[0].SeatID)
	require.Equal(t, uint64(1), deposits[0].Seq)
	require.Equal(t, goal, *deposits[0].Goal)

	b, err := h.auctioneer.Book(atom)
	require.NoError(t, err)
	require.True(t, b.HasOrders())

	// New claims continue the sequence.
	h.deposit(5, nil)
	deposits = h.auctioneer.Deposits(atom)
	require.Len(t, deposits, 2)
	require.Equal(t, uint64(2), deposits[1].Seq)
}

package book

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/btcsuite/btclog"
	"github.com/lightninglabs/remate/amount"
	"github.com/lightninglabs/remate/ledger"
	"github.com/lightninglabs/remate/oracle"
	"github.com/lightninglabs/remate/order"
	"github.com/lightningnetwork/lnd/subscribe"
)

var (
	// ErrPriceNotLocked is returned if a round is started before the
	// oracle price was locked.
	ErrPriceNotLocked = errors.New("oracle price not locked for round")

	// ErrNoOraclePrice is returned if the price is locked before the
	// oracle delivered any quote.
	ErrNoOraclePrice = errors.New("no oracle price available")

	// ErrNoAuctionPrice is returned if a settlement is attempted before
	// a round established a clearing price.
	ErrNoAuctionPrice = errors.New("no current auction price")

	// ErrZeroPrice is the reason a seat is failed with if the clearing
	// price fell to zero.
	ErrZeroPrice = errors.New("price fell to zero")

	// ErrWrongCurrency is returned if a bidder doesn't give currency of
	// the book's currency brand.
	ErrWrongCurrency = errors.New("bid must give currency")

	// ErrEmptyWant is returned if a bid doesn't want any collateral.
	ErrEmptyWant = errors.New("bid must want collateral")

	// ErrDuplicateOrder is returned if a seat already has an order in the
	// book.
	ErrDuplicateOrder = errors.New("seat already has an order")
)

// Config contains all dependencies of a Book.
type Config struct {
	// Collateral is the brand sold in this book.
	Collateral amount.Brand

	// Currency is the brand bids are paid in.
	Currency amount.Brand

	// Ledger moves funds between seats and resolves the seats of
	// persisted orders.
	Ledger ledger.Host

	// Store persists the book's orders.
	Store order.Store

	// Oracle delivers the quotes of the collateral in currency.
	Oracle oracle.PriceAuthority

	// Logger is used for the book's log output. If nil, the package
	// logger is used.
	Logger btclog.Logger
}

// entry is an order together with the seat of its bidder.
type entry struct {
	seat  ledger.Seat
	order *order.Order
}

// Book is the order book of a single collateral brand. It holds the pooled
// collateral for sale, the currency raised and all queued bids.
type Book struct {
	started sync.Once
	stopped sync.Once

	cfg Config
	log btclog.Logger

	// mu guards all book state below. Every public operation holds it
	// for its whole duration so no operation observes a partially
	// updated book.
	mu sync.Mutex

	collateralSeat ledger.Seat
	currencySeat   ledger.Seat
	assetsForSale  amount.Amount

	priceBook  map[string]*entry
	scaledBook map[string]*entry
	nextSeq    uint64

	lockedPriceForRound *amount.Ratio
	curAuctionPrice     *amount.Ratio

	quoteMtx            sync.RWMutex
	updatingOracleQuote *amount.Ratio

	ntfnServer *subscribe.Server

	wg   sync.WaitGroup
	quit chan struct{}
}

// New creates a new empty book.
func New(cfg *Config) *Book {
	logger := cfg.Logger
	if logger == nil {
		logger = log
	}

	return &Book{
		cfg:            *cfg,
		log:            logger,
		collateralSeat: cfg.Ledger.EmptySeat(),
		currencySeat:   cfg.Ledger.EmptySeat(),
		assetsForSale:  amount.Empty(cfg.Collateral),
		priceBook:      make(map[string]*entry),
		scaledBook:     make(map[string]*entry),
		nextSeq:        1,
		ntfnServer:     subscribe.NewServer(),
		quit:           make(chan struct{}),
	}
}

// Start loads the persisted orders and starts following the oracle.
func (b *Book) Start(ctx context.Context) error {
	var startErr error
	b.started.Do(func() {
		if err := b.ntfnServer.Start(); err != nil {
			startErr = err
			return
		}

		if err := b.loadOrders(ctx); err != nil {
			startErr = err
			return
		}

		q, err := b.cfg.Oracle.LatestQuote(
			b.cfg.Collateral, b.cfg.Currency,
		)
		if err == nil {
			b.setUpdatingQuote(q.Price)
		}

		client, err := b.cfg.Oracle.SubscribeQuotes()
		if err != nil {
			startErr = err
			return
		}

		b.wg.Add(1)
		go b.observeQuotes(client)
	})
	return startErr
}

// Stop stops following the oracle.
func (b *Book) Stop() {
	b.stopped.Do(func() {
		close(b.quit)
		b.wg.Wait()

		_ = b.ntfnServer.Stop()
	})
}

// loadOrders fills both books from the store. Orders whose seat is no longer
// known to the ledger are dropped.
func (b *Book) loadOrders(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	orders, err := b.cfg.Store.Orders(ctx, b.cfg.Collateral)
	if err != nil {
		return fmt.Errorf("unable to load orders: %w", err)
	}

	for _, o := range orders {
		if o.Seq >= b.nextSeq {
			b.nextSeq = o.Seq + 1
		}

		seat, err := b.cfg.Ledger.Seat(o.SeatID)
		if err != nil || seat.HasExited() {
			b.log.Warnf("Dropping order of unavailable seat %v",
				o.SeatID)

			err := b.cfg.Store.DeleteOrder(
				ctx, b.cfg.Collateral, o.SeatID,
			)
			if err != nil {
				return err
			}
			continue
		}

		b.bookFor(o.Kind)[o.SeatID] = &entry{seat: seat, order: o}
	}

	b.log.Infof("Loaded %d orders for %v", len(orders), b.cfg.Collateral)

	return nil
}

// observeQuotes keeps the updating oracle quote current until the quote
// stream ends or the book is stopped.
func (b *Book) observeQuotes(client *subscribe.Client) {
	defer b.wg.Done()
	defer client.Cancel()

	for {
		select {
		case update := <-client.Updates():
			q, ok := update.(*oracle.Quote)
			if !ok || q.In() != b.cfg.Collateral ||
				q.Out() != b.cfg.Currency {

				continue
			}

			b.setUpdatingQuote(q.Price)

		case <-client.Quit():
			b.log.Errorf("Quote stream for %v ended, keeping last "+
				"quote", b.cfg.Collateral)
			return

		case <-b.quit:
			return
		}
	}
}

func (b *Book) setUpdatingQuote(price amount.Ratio) {
	b.quoteMtx.Lock()
	defer b.quoteMtx.Unlock()

	b.updatingOracleQuote = &price
}

// UpdatingOracleQuote returns the latest quote received from the oracle.
func (b *Book) UpdatingOracleQuote() *amount.Ratio {
	b.quoteMtx.RLock()
	defer b.quoteMtx.RUnlock()

	return b.updatingOracleQuote
}

// Collateral returns the brand sold in this book.
func (b *Book) Collateral() amount.Brand {
	return b.cfg.Collateral
}

func (b *Book) bookFor(kind order.Kind) map[string]*entry {
	if kind == order.KindScaled {
		return b.scaledBook
	}
	return b.priceBook
}

// LockOraclePriceForRound snapshots the updating oracle quote as the price
// all steps of the coming round are based on.
func (b *Book) LockOraclePriceForRound() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	quote := b.UpdatingOracleQuote()
	if quote == nil {
		b.lockedPriceForRound = nil
		return fmt.Errorf("%w for %v", ErrNoOraclePrice,
			b.cfg.Collateral)
	}

	b.lockedPriceForRound = quote
	b.log.Infof("Locked price %v (%v) for %v", quote, quote.Decimal(),
		b.cfg.Collateral)

	b.publishStatus()
	return nil
}

// SetStartingRate establishes the clearing price of the first step of a
// round.
func (b *Book) SetStartingRate(rate amount.Ratio) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.lockedPriceForRound == nil {
		return ErrPriceNotLocked
	}

	price, err := amount.MultiplyRatios(rate, *b.lockedPriceForRound)
	if err != nil {
		return err
	}
	b.curAuctionPrice = &price

	b.publishStatus()
	return nil
}

// AddAssets moves deposited collateral into the pool for sale. Deposits may
// arrive at any time and take part in the remaining steps of a running round.
func (b *Book) AddAssets(amt amount.Amount, seat ledger.Seat,
	from ledger.Keyword) error {

	b.mu.Lock()
	defer b.mu.Unlock()

	if amt.Brand != b.cfg.Collateral {
		return fmt.Errorf("%w: deposit of %v into %v book",
			amount.ErrBrandMismatch, amt.Brand, b.cfg.Collateral)
	}

	sum, err := b.assetsForSale.Add(amt)
	if err != nil {
		return err
	}

	err = b.cfg.Ledger.AtomicRearrange([]ledger.Transfer{{
		From:    seat,
		To:      b.collateralSeat,
		Amounts: ledger.Allocation{from: amt},
		ToAmounts: ledger.Allocation{
			ledger.KeywordCollateral: amt,
		},
	}})
	if err != nil {
		return err
	}
	b.assetsForSale = sum

	b.log.Debugf("Added %v for sale, %v in total", amt, sum)

	b.publishStatus()
	return nil
}

// AddOffer accepts a bid. If trySettle is set and the bid's limit clears the
// current auction price, as much as possible is settled right away. Any
// remainder is queued. If nothing is left to want or the bidder ran out of
// currency, the seat is exited.
func (b *Book) AddOffer(ctx context.Context, spec order.BidSpec,
	seat ledger.Seat, trySettle bool) error {

	b.mu.Lock()
	defer b.mu.Unlock()

	// Validate everything before anything is changed.
	give, ok := seat.Proposal().Give[ledger.KeywordBid]
	if !ok || give.Brand != b.cfg.Currency || give.IsEmpty() {
		return fmt.Errorf("%w of brand %v under %v", ErrWrongCurrency,
			b.cfg.Currency, ledger.KeywordBid)
	}
	err := order.ValidateBidSpec(spec, b.cfg.Currency, b.cfg.Collateral)
	if err != nil {
		return err
	}
	want := spec.Want()
	if want.IsEmpty() {
		return ErrEmptyWant
	}
	if _, ok := b.bookFor(spec.Kind())[seat.ID()]; ok {
		return fmt.Errorf("%w: %v", ErrDuplicateOrder, seat.ID())
	}

	sold := amount.Empty(b.cfg.Collateral)
	if trySettle {
		eligible, err := b.clearsCurrentPrice(spec)
		if err != nil {
			return err
		}

		if eligible {
			sold, err = b.settle(seat, want)
			if err != nil {
				return err
			}
		}
	}

	stillWant, err := want.Subtract(sold)
	if err != nil {
		return err
	}
	currencyLeft := seat.CurrentAllocation().Get(
		ledger.KeywordBid, b.cfg.Currency,
	)

	defer b.publishStatus()

	if stillWant.IsEmpty() || currencyLeft.IsEmpty() {
		b.log.Debugf("Bid of seat %v done after buying %v", seat.ID(),
			sold)
		return seat.Exit()
	}

	o := &order.Order{
		SeatID:     seat.ID(),
		Collateral: b.cfg.Collateral,
		Seq:        b.nextSeq,
		Kind:       spec.Kind(),
		Wanted:     stillWant,
	}
	switch s := spec.(type) {
	case *order.PriceBid:
		o.Price = s.Price

	case *order.ScaledBid:
		o.BidScaling = s.BidScaling
	}

	if err := b.cfg.Store.PutOrder(ctx, o); err != nil {
		return fmt.Errorf("unable to store order: %w", err)
	}
	b.nextSeq++
	b.bookFor(o.Kind)[o.SeatID] = &entry{seat: seat, order: o}

	b.log.Debugf("Queued %v order %d of seat %v wanting %v", o.Kind,
		o.Seq, o.SeatID, o.Wanted)

	return nil
}

// clearsCurrentPrice returns true if the bid's limit is at or above the
// current auction price.
func (b *Book) clearsCurrentPrice(spec order.BidSpec) (bool, error) {
	if b.curAuctionPrice == nil {
		return false, nil
	}

	switch s := spec.(type) {
	case *order.PriceBid:
		return amount.RatioGTE(s.Price, *b.curAuctionPrice)

	case *order.ScaledBid:
		if b.lockedPriceForRound == nil {
			return false, nil
		}

		price, err := amount.MultiplyRatios(
			s.BidScaling, *b.lockedPriceForRound,
		)
		if err != nil {
			return false, err
		}
		return amount.RatioGTE(price, *b.curAuctionPrice)

	default:
		return false, order.ErrMalformedBid
	}
}

// settle sells the seat as much of the wanted collateral as is available and
// affordable at the current auction price. Currency requirements are rounded
// up and affordable collateral is rounded down, so rounding always favors the
// pool. The collateral and currency move in a single atomic rearrangement.
// The caller must hold the mutex.
func (b *Book) settle(seat ledger.Seat,
	collateralWanted amount.Amount) (amount.Amount, error) {

	none := amount.Empty(b.cfg.Collateral)
	if b.curAuctionPrice == nil {
		return none, ErrNoAuctionPrice
	}
	price := *b.curAuctionPrice

	available := b.collateralSeat.CurrentAllocation().Get(
		ledger.KeywordCollateral, b.cfg.Collateral,
	)
	initialTarget, err := amount.Min(collateralWanted, available)
	if err != nil {
		return none, err
	}
	if initialTarget.IsEmpty() {
		return none, nil
	}

	currencyTarget, err := amount.CeilMultiplyBy(initialTarget, price)
	if err != nil {
		return none, err
	}
	if currencyTarget.IsEmpty() {
		seat.Fail(ErrZeroPrice)
		return none, ErrZeroPrice
	}

	currencyAvailable := seat.CurrentAllocation().Get(
		ledger.KeywordBid, b.cfg.Currency,
	)

	collateralTarget, currencyNeeded := initialTarget, currencyTarget
	if currencyAvailable.Value < currencyTarget.Value {
		collateralTarget, err = amount.FloorDivideBy(
			currencyAvailable, price,
		)
		if err != nil {
			return none, err
		}
		if collateralTarget.IsEmpty() {
			return none, nil
		}

		currencyNeeded, err = amount.CeilMultiplyBy(
			collateralTarget, price,
		)
		if err != nil {
			return none, err
		}
	}

	err = b.cfg.Ledger.AtomicRearrange([]ledger.Transfer{{
		From: b.collateralSeat,
		To:   seat,
		Amounts: ledger.Allocation{
			ledger.KeywordCollateral: collateralTarget,
		},
	}, {
		From:    seat,
		To:      b.currencySeat,
		Amounts: ledger.Allocation{ledger.KeywordBid: currencyNeeded},
		ToAmounts: ledger.Allocation{
			ledger.KeywordCurrency: currencyNeeded,
		},
	}})
	if err != nil {
		return none, err
	}

	b.log.Debugf("Seat %v bought %v for %v", seat.ID(), collateralTarget,
		currencyNeeded)

	return collateralTarget, nil
}

// SettleAtNewRate applies the reduction to the locked price and settles all
// queued orders whose limit clears the new price. The limit of an order only
// decides whether it is eligible in this step. Eligible orders are processed
// strictly in the order they were queued, no matter which limit they quoted.
func (b *Book) SettleAtNewRate(ctx context.Context,
	reduction amount.Ratio) error {

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.lockedPriceForRound == nil {
		return ErrPriceNotLocked
	}

	price, err := amount.MultiplyRatios(reduction, *b.lockedPriceForRound)
	if err != nil {
		return err
	}
	b.curAuctionPrice = &price

	defer b.publishStatus()

	var eligible []*entry
	for _, e := range b.priceBook {
		clears, err := amount.RatioGTE(e.order.Price, price)
		if err != nil {
			return err
		}
		if clears {
			eligible = append(eligible, e)
		}
	}
	for _, e := range b.scaledBook {
		clears, err := amount.RatioGTE(e.order.BidScaling, reduction)
		if err != nil {
			return err
		}
		if clears {
			eligible = append(eligible, e)
		}
	}
	sort.Slice(eligible, func(i, j int) bool {
		return eligible[i].order.Seq < eligible[j].order.Seq
	})

	b.log.Debugf("Settling %d eligible orders at %v (%v)", len(eligible),
		price, price.Decimal())

	for _, e := range eligible {
		if e.seat.HasExited() {
			b.removeOrder(ctx, e)
			continue
		}

		sold, err := b.settle(e.seat, e.order.Wanted)
		if err != nil {
			b.log.Errorf("Unable to settle order %d of seat %v: %v",
				e.order.Seq, e.order.SeatID, err)

			if e.seat.HasExited() {
				b.removeOrder(ctx, e)
			}
			continue
		}

		currencyLeft := e.seat.CurrentAllocation().Get(
			ledger.KeywordBid, b.cfg.Currency,
		)
		filled := sold.Value >= e.order.Wanted.Value

		switch {
		case filled || currencyLeft.IsEmpty():
			if err := e.seat.Exit(); err != nil {
				b.log.Errorf("Unable to exit seat %v: %v",
					e.order.SeatID, err)
			}
			b.removeOrder(ctx, e)

		case !sold.IsEmpty():
			remaining, err := e.order.Wanted.Subtract(sold)
			if err != nil {
				return err
			}
			e.order.Wanted = remaining

			if err := b.cfg.Store.PutOrder(ctx, e.order); err != nil {
				b.log.Errorf("Unable to update order %d: %v",
					e.order.Seq, err)
			}
		}
	}

	return nil
}

// removeOrder evicts the order from its book and the store. The caller must
// hold the mutex.
func (b *Book) removeOrder(ctx context.Context, e *entry) {
	delete(b.bookFor(e.order.Kind), e.order.SeatID)

	err := b.cfg.Store.DeleteOrder(ctx, b.cfg.Collateral, e.order.SeatID)
	if err != nil {
		b.log.Errorf("Unable to delete order %d: %v", e.order.Seq, err)
	}
}

// CancelOrder exits the seat of a queued order and evicts it.
func (b *Book) CancelOrder(ctx context.Context, seatID string) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, bk := range []map[string]*entry{b.priceBook, b.scaledBook} {
		e, ok := bk[seatID]
		if !ok {
			continue
		}

		if !e.seat.HasExited() {
			if err := e.seat.Exit(); err != nil {
				return false, err
			}
		}
		b.removeOrder(ctx, e)
		b.publishStatus()

		return true, nil
	}

	return false, nil
}

// ExitAllSeats exits the seats of all queued orders and empties both books.
func (b *Book) ExitAllSeats(ctx context.Context) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, bk := range []map[string]*entry{b.priceBook, b.scaledBook} {
		for _, e := range bk {
			if !e.seat.HasExited() {
				if err := e.seat.Exit(); err != nil {
					b.log.Errorf("Unable to exit seat "+
						"%v: %v", e.order.SeatID, err)
				}
			}
			b.removeOrder(ctx, e)
		}
	}

	b.publishStatus()
}

// HasOrders returns true if any order is queued.
func (b *Book) HasOrders() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	return len(b.priceBook) > 0 || len(b.scaledBook) > 0
}

// Proceeds returns the pooled seats holding the unsold collateral and the
// raised currency, together with their current amounts.
func (b *Book) Proceeds() (collateralSeat, currencySeat ledger.Seat,
	collateral, currency amount.Amount) {

	b.mu.Lock()
	defer b.mu.Unlock()

	collateral = b.collateralSeat.CurrentAllocation().Get(
		ledger.KeywordCollateral, b.cfg.Collateral,
	)
	currency = b.currencySeat.CurrentAllocation().Get(
		ledger.KeywordCurrency, b.cfg.Currency,
	)

	return b.collateralSeat, b.currencySeat, collateral, currency
}

// EndRound releases the pooled seats of the finished round and resets the
// round's prices. Queued orders stay for the next round. Pools that still
// hold funds, because their proceeds couldn't be distributed, are carried over
// into the next round.
func (b *Book) EndRound() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.lockedPriceForRound = nil
	b.curAuctionPrice = nil
	defer b.publishStatus()

	collateral := b.collateralSeat.CurrentAllocation().Get(
		ledger.KeywordCollateral, b.cfg.Collateral,
	)
	currency := b.currencySeat.CurrentAllocation().Get(
		ledger.KeywordCurrency, b.cfg.Currency,
	)
	if !collateral.IsEmpty() || !currency.IsEmpty() {
		b.log.Warnf("Carrying %v and %v over into the next round",
			collateral, currency)

		b.assetsForSale = collateral
		return
	}

	for _, seat := range []ledger.Seat{b.collateralSeat, b.currencySeat} {
		if seat.HasExited() {
			continue
		}
		if err := seat.Exit(); err != nil {
			b.log.Errorf("Unable to release pool seat: %v", err)
		}
	}

	b.collateralSeat = b.cfg.Ledger.EmptySeat()
	b.currencySeat = b.cfg.Ledger.EmptySeat()
	b.assetsForSale = amount.Empty(b.cfg.Collateral)
}

package remate

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/btcsuite/btclog"
	"github.com/davecgh/go-spew/spew"
	"github.com/lightninglabs/remate/amount"
	"github.com/lightninglabs/remate/auctiondb"
	"github.com/lightninglabs/remate/book"
	"github.com/lightninglabs/remate/distribute"
	"github.com/lightninglabs/remate/ledger"
	"github.com/lightninglabs/remate/monitoring"
	"github.com/lightninglabs/remate/oracle"
	"github.com/lightninglabs/remate/order"
	"github.com/lightninglabs/remate/params"
	"github.com/lightninglabs/remate/scheduler"
	"github.com/lightninglabs/remate/timer"
)

// basisPoints is the denominator of all governed rates.
const basisPoints = 10000

// AuctioneerConfig contains all dependencies of the auctioneer.
type AuctioneerConfig struct {
	// Store persists brands, orders and deposits.
	Store auctiondb.Store

	// History optionally records every finalized round.
	History auctiondb.HistoryStore

	// Ledger moves all funds of the auction.
	Ledger ledger.Host

	// Oracle delivers the collateral prices.
	Oracle oracle.PriceAuthority

	// Params is the source of the governed parameters.
	Params params.Source

	// Timer drives the rounds.
	Timer timer.Service

	// CurrencyBrand is the brand all bids are paid in.
	CurrencyBrand amount.Brand

	// ReserveSeat receives rounding leftovers and unclaimed proceeds.
	ReserveSeat ledger.Seat

	// Logger is used for the auctioneer's log output. If nil, the package
	// logger is used.
	Logger btclog.Logger
}

// Auctioneer runs one book per collateral brand and drives all of them in
// lockstep through the rounds planned by its scheduler.
type Auctioneer struct {
	startOnce sync.Once
	stopOnce  sync.Once

	cfg AuctioneerConfig
	log btclog.Logger

	// mu guards the books, deposits and the current rate. Every entry
	// point and every driver callback holds it for its whole duration.
	mu          sync.Mutex
	books       map[amount.Brand]*book.Book
	keywords    map[amount.Brand]ledger.Keyword
	deposits    map[amount.Brand][]*order.Deposit
	depositSeq  uint64
	currentRate uint64

	scheduler *scheduler.Scheduler
}

// A compile-time constraint to ensure Auctioneer satisfies the
// scheduler.Driver interface.
var _ scheduler.Driver = (*Auctioneer)(nil)

// NewAuctioneer returns a new auctioneer given a fully populated config.
func NewAuctioneer(cfg AuctioneerConfig) *Auctioneer {
	logger := cfg.Logger
	if logger == nil {
		logger = log
	}

	a := &Auctioneer{
		cfg:        cfg,
		log:        logger,
		books:      make(map[amount.Brand]*book.Book),
		keywords:   make(map[amount.Brand]ledger.Keyword),
		deposits:   make(map[amount.Brand][]*order.Deposit),
		depositSeq: 1,
	}
	a.scheduler = scheduler.New(&scheduler.Config{
		Timer:  cfg.Timer,
		Params: cfg.Params,
		Driver: a,
		Logger: logger,
	})

	return a
}

// Start restores all books and deposits from the store and starts planning
// rounds.
func (a *Auctioneer) Start(ctx context.Context) error {
	var startErr error

	a.startOnce.Do(func() {
		a.log.Infof("Starting auctioneer")

		if err := a.restore(ctx); err != nil {
			startErr = err
			return
		}

		startErr = a.scheduler.Start()
	})

	return startErr
}

// Stop stops the scheduler and all books.
func (a *Auctioneer) Stop() {
	a.stopOnce.Do(func() {
		a.log.Infof("Stopping auctioneer")

		a.scheduler.Stop()

		a.mu.Lock()
		defer a.mu.Unlock()

		for _, b := range a.books {
			b.Stop()
		}
	})
}

// restore loads the registered brands with their queued orders and the
// deposit claims of the running round.
func (a *Auctioneer) restore(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	brands, err := a.cfg.Store.Brands(ctx)
	if err != nil {
		return fmt.Errorf("unable to load brands: %w", err)
	}

	for _, brand := range brands {
		if err := a.addBook(ctx, brand); err != nil {
			return err
		}

		deposits, err := a.cfg.Store.Deposits(ctx, brand.Brand)
		if err != nil {
			return fmt.Errorf("unable to load deposits of %v: %w",
				brand.Brand, err)
		}
		for _, d := range deposits {
			if d.Seq >= a.depositSeq {
				a.depositSeq = d.Seq + 1
			}
		}
		a.deposits[brand.Brand] = deposits

		a.log.Infof("Restored book %v with %d deposits", brand.Brand,
			len(deposits))
	}

	return nil
}

// addBook creates and starts the book of a brand. The caller must hold the
// mutex.
func (a *Auctioneer) addBook(ctx context.Context,
	brand *order.BrandRecord) error {

	b := book.New(&book.Config{
		Collateral: brand.Brand,
		Currency:   a.cfg.CurrencyBrand,
		Ledger:     a.cfg.Ledger,
		Store:      a.cfg.Store,
		Oracle:     a.cfg.Oracle,
	})
	if err := b.Start(ctx); err != nil {
		return fmt.Errorf("unable to start book %v: %w", brand.Brand,
			err)
	}

	a.books[brand.Brand] = b
	a.keywords[brand.Brand] = ledger.Keyword(brand.Keyword)

	return nil
}

// AddBrand registers a new collateral brand and creates its book. Leftover
// collateral of the brand is sent to the reserve under the given keyword.
func (a *Auctioneer) AddBrand(ctx context.Context, brand amount.Brand,
	keyword ledger.Keyword) error {

	a.mu.Lock()
	defer a.mu.Unlock()

	if brand == a.cfg.CurrencyBrand {
		return fmt.Errorf("%w: %v is the currency", amount.ErrBrandMismatch,
			brand)
	}
	if _, ok := a.books[brand]; ok {
		return fmt.Errorf("%w: %v", ErrBrandExists, brand)
	}

	record := &order.BrandRecord{Brand: brand, Keyword: string(keyword)}
	if err := a.cfg.Store.AddBrand(ctx, record); err != nil {
		return err
	}
	if err := a.addBook(ctx, record); err != nil {
		return err
	}

	a.log.Infof("Registered collateral brand %v with keyword %v", brand,
		keyword)

	return nil
}

// reject fails the seat with the reason and returns the refusal.
func (a *Auctioneer) reject(collateral amount.Brand, seat ledger.Seat,
	reason error) error {

	a.log.Debugf("Rejecting offer of seat %v for %v: %v", seat.ID(),
		collateral, reason)
	monitoring.ObserveOfferRejected(string(collateral))

	seat.Fail(reason)
	return &OfferRejectedError{SeatID: seat.ID(), Reason: reason}
}

// AddBid places a bid for collateral of the given brand. The seat must give
// currency under the Bid keyword. A bid that is refused fails the seat and
// returns an *OfferRejectedError. While a round is running, bids that clear
// the current price settle right away.
func (a *Auctioneer) AddBid(ctx context.Context, collateral amount.Brand,
	spec order.BidSpec, seat ledger.Seat) error {

	a.mu.Lock()
	defer a.mu.Unlock()

	b, ok := a.books[collateral]
	if !ok {
		return a.reject(collateral, seat, fmt.Errorf("%w: %v",
			ErrUnknownBrand, collateral))
	}

	trySettle := a.scheduler.State() == scheduler.StateActive
	if err := b.AddOffer(ctx, spec, seat, trySettle); err != nil {
		return a.reject(collateral, seat, err)
	}

	return nil
}

// CancelBid exits the seat of a queued bid on demand. False is returned if
// the seat has no queued bid.
func (a *Auctioneer) CancelBid(ctx context.Context, collateral amount.Brand,
	seatID string) (bool, error) {

	a.mu.Lock()
	defer a.mu.Unlock()

	b, ok := a.books[collateral]
	if !ok {
		return false, fmt.Errorf("%w: %v", ErrUnknownBrand, collateral)
	}

	return b.CancelOrder(ctx, seatID)
}

// DepositCollateral adds the collateral the seat gives to the pool of its
// brand and records the depositor's claim on the proceeds of the current
// round. The optional goal is the currency the depositor wants to raise.
func (a *Auctioneer) DepositCollateral(ctx context.Context, seat ledger.Seat,
	goal *amount.Amount) error {

	a.mu.Lock()
	defer a.mu.Unlock()

	give, ok := seat.Proposal().Give[ledger.KeywordCollateral]
	if !ok || give.IsEmpty() {
		return a.reject(give.Brand, seat, ErrNoCollateral)
	}

	b, ok := a.books[give.Brand]
	if !ok {
		return a.reject(give.Brand, seat, fmt.Errorf("%w: %v",
			ErrUnknownBrand, give.Brand))
	}

	if goal != nil && goal.Brand != a.cfg.CurrencyBrand {
		return a.reject(give.Brand, seat, fmt.Errorf("%w: got %v",
			distribute.ErrGoalBrand, goal.Brand))
	}

	err := b.AddAssets(give, seat, ledger.KeywordCollateral)
	if err != nil {
		return a.reject(give.Brand, seat, err)
	}

	d := &order.Deposit{
		SeatID:     seat.ID(),
		Collateral: give.Brand,
		Seq:        a.depositSeq,
		Amount:     give,
		Goal:       goal,
	}

	// The collateral is already in the pool, so the claim must not be
	// lost even if it can't be persisted.
	if err := a.cfg.Store.AddDeposit(ctx, d); err != nil {
		a.log.Errorf("Unable to store deposit %d of seat %v: %v",
			d.Seq, d.SeatID, err)
	}
	a.depositSeq++
	a.deposits[give.Brand] = append(a.deposits[give.Brand], d)

	a.log.Infof("Seat %v deposited %v (goal=%v)", seat.ID(), give,
		goal)

	return nil
}

// CloseBooks exits the seats of all queued bids in every book.
func (a *Auctioneer) CloseBooks(ctx context.Context) {
	a.mu.Lock()
	defer a.mu.Unlock()

	for brand, b := range a.books {
		a.log.Infof("Closing book %v", brand)
		b.ExitAllSeats(ctx)
	}
}

// Scheduler returns the scheduler that drives the rounds.
func (a *Auctioneer) Scheduler() *scheduler.Scheduler {
	return a.scheduler
}

// Brands returns all registered collateral brands in sorted order.
func (a *Auctioneer) Brands() []amount.Brand {
	a.mu.Lock()
	defer a.mu.Unlock()

	return a.sortedBrands()
}

// Book returns the book of a brand.
func (a *Auctioneer) Book(brand amount.Brand) (*book.Book, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	b, ok := a.books[brand]
	if !ok {
		return nil, fmt.Errorf("%w: %v", ErrUnknownBrand, brand)
	}
	return b, nil
}

// Deposits returns the deposit claims of the current round of a brand.
func (a *Auctioneer) Deposits(brand amount.Brand) []order.Deposit {
	a.mu.Lock()
	defer a.mu.Unlock()

	deposits := make([]order.Deposit, 0, len(a.deposits[brand]))
	for _, d := range a.deposits[brand] {
		deposits = append(deposits, *d)
	}
	return deposits
}

// sortedBrands returns the brands of all books in a stable order. The caller
// must hold the mutex.
func (a *Auctioneer) sortedBrands() []amount.Brand {
	brands := make([]amount.Brand, 0, len(a.books))
	for brand := range a.books {
		brands = append(brands, brand)
	}
	sort.Slice(brands, func(i, j int) bool {
		return brands[i] < brands[j]
	})
	return brands
}

// forEachBook applies f to every book in brand order. A failing book doesn't
// stop the others, the number of failures is returned as a single error.
// The caller must hold the mutex.
func (a *Auctioneer) forEachBook(action string,
	f func(*book.Book) error) error {

	brands := a.sortedBrands()

	var failed int
	for _, brand := range brands {
		if err := f(a.books[brand]); err != nil {
			a.log.Errorf("Unable to %v for book %v: %v", action,
				brand, err)
			failed++
		}
	}

	if failed > 0 {
		return fmt.Errorf("unable to %v for %d of %d books", action,
			failed, len(brands))
	}
	return nil
}

// rate returns the current rate as a ratio of the currency to itself.
func (a *Auctioneer) rate() (amount.Ratio, error) {
	return amount.MakeRatio(
		a.currentRate, a.cfg.CurrencyBrand, basisPoints,
		a.cfg.CurrencyBrand,
	)
}

// tradeEveryBook settles the queued bids of all books at the current rate.
// The caller must hold the mutex.
func (a *Auctioneer) tradeEveryBook(ctx context.Context) error {
	reduction, err := a.rate()
	if err != nil {
		return err
	}

	a.log.Debugf("Trading every book at rate %d/%d", a.currentRate,
		basisPoints)
	monitoring.ObservePriceStep(a.currentRate)

	return a.forEachBook("trade", func(b *book.Book) error {
		return b.SettleAtNewRate(ctx, reduction)
	})
}

// CapturePrices locks the oracle price of every book for the coming round.
//
// NOTE: This is part of the scheduler.Driver interface.
func (a *Auctioneer) CapturePrices(_ context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	return a.forEachBook("lock price", func(b *book.Book) error {
		return b.LockOraclePriceForRound()
	})
}

// StartRound sets the starting price of every book and settles all queued
// bids that clear it.
//
// NOTE: This is part of the scheduler.Driver interface.
func (a *Auctioneer) StartRound(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.currentRate = a.cfg.Params.Current().StartingRate
	start, err := a.rate()
	if err != nil {
		return err
	}

	a.log.Infof("Starting round at rate %d/%d", a.currentRate,
		basisPoints)

	err = a.forEachBook("set starting rate", func(b *book.Book) error {
		return b.SetStartingRate(start)
	})
	if tradeErr := a.tradeEveryBook(ctx); tradeErr != nil && err == nil {
		err = tradeErr
	}

	return err
}

// ReducePriceAndTrade lowers the rate by one discount step, but never below
// the lowest rate, and settles every book at the new price.
//
// NOTE: This is part of the scheduler.Driver interface.
func (a *Auctioneer) ReducePriceAndTrade(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	p := a.cfg.Params.Current()

	switch {
	case a.currentRate < p.LowestRate+p.DiscountStep:
		a.currentRate = p.LowestRate

	default:
		a.currentRate -= p.DiscountStep
	}

	return a.tradeEveryBook(ctx)
}

// Finalize distributes the proceeds of every book to its depositors, ends
// the round of every book and forgets the deposit claims.
//
// NOTE: This is part of the scheduler.Driver interface.
func (a *Auctioneer) Finalize(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	return a.forEachBook("finalize", func(b *book.Book) error {
		err := a.distributeProceeds(ctx, b)

		b.EndRound()

		return err
	})
}

// distributeProceeds splits the unsold collateral and the raised currency of
// the book among its depositors, exits their seats and records the round.
// The caller must hold the mutex.
func (a *Auctioneer) distributeProceeds(ctx context.Context,
	b *book.Book) error {

	brand := b.Collateral()
	claims := a.deposits[brand]

	collateralSeat, currencySeat, collateral, currency := b.Proceeds()
	if len(claims) == 0 && collateral.IsEmpty() && currency.IsEmpty() {
		return nil
	}

	deposits := make([]distribute.Deposit, 0, len(claims))
	for _, claim := range claims {
		seat, err := a.cfg.Ledger.Seat(claim.SeatID)
		switch {
		case err != nil:
			a.log.Warnf("Seat of deposit %d not found: %v", claim.Seq,
				err)
			seat = a.payoutSeat(claim)

		case seat.HasExited():
			seat = a.payoutSeat(claim)
		}

		deposits = append(deposits, distribute.Deposit{
			Seat:   seat,
			Amount: claim.Amount,
			Goal:   claim.Goal,
		})
	}

	transfers, result, err := distribute.ProportionalSharesWithLimits(
		collateral, currency, deposits, collateralSeat, currencySeat,
		a.cfg.ReserveSeat, a.keywords[brand],
	)
	if err != nil {
		return err
	}

	a.log.Debugf("Distributing proceeds of %v: %v", brand,
		spew.Sdump(result))

	if err := a.cfg.Ledger.AtomicRearrange(transfers); err != nil {
		return fmt.Errorf("unable to distribute proceeds: %w", err)
	}

	// The proceeds are paid out, so the claims are settled.
	for _, d := range deposits {
		if d.Seat.HasExited() {
			continue
		}
		if err := d.Seat.Exit(); err != nil {
			a.log.Errorf("Unable to exit depositor seat %v: %v",
				d.Seat.ID(), err)
		}
	}

	delete(a.deposits, brand)
	if err := a.cfg.Store.ClearDeposits(ctx, brand); err != nil {
		a.log.Errorf("Unable to clear deposits of %v: %v", brand, err)
	}

	a.log.Infof("Distributed %v and %v of %v to %d depositors (%v)",
		collateral, currency, brand, len(deposits), result.Regime)

	monitoring.ObserveRoundFinalized(string(brand), result.Regime.String())
	a.recordRound(ctx, b, collateral, currency, result)

	return nil
}

// payoutSeat opens a seat that receives the proceeds of a deposit whose own
// seat can't be paid anymore. The seat is recorded as the payout of the claim
// in the round history.
func (a *Auctioneer) payoutSeat(claim *order.Deposit) ledger.Seat {
	seat := a.cfg.Ledger.EmptySeat()

	a.log.Infof("Depositor seat %v of deposit %d is gone, paying its "+
		"share of %v into seat %v", claim.SeatID, claim.Seq,
		claim.Amount.Brand, seat.ID())

	return seat
}

// recordRound adds the distribution to the round history if one is
// configured.
func (a *Auctioneer) recordRound(ctx context.Context, b *book.Book,
	collateral, currency amount.Amount, result *distribute.Result) {

	if a.cfg.History == nil {
		return
	}

	record := &auctiondb.RoundRecord{
		Collateral:         b.Collateral(),
		FinalizedAt:        uint64(a.cfg.Timer.CurrentTimestamp()),
		Regime:             result.Regime.String(),
		ClearingPrice:      b.Status().CurrentPrice,
		CollateralReturned: collateral,
		CurrencyRaised:     currency,
		LeftoverCollateral: result.LeftoverCollateral,
		LeftoverCurrency:   result.LeftoverCurrency,
	}
	for _, share := range result.Shares {
		record.Payouts = append(record.Payouts, auctiondb.Payout{
			SeatID:     share.Seat.ID(),
			Collateral: share.Collateral,
			Currency:   share.Currency,
		})
	}

	err := a.cfg.History.RecordRound(ctx, record)
	switch {
	case errors.Is(err, context.Canceled):
		a.log.Warnf("Round history of %v not recorded, shutting down",
			b.Collateral())

	case err != nil:
		a.log.Errorf("Unable to record round of %v: %v",
			b.Collateral(), err)
	}
}

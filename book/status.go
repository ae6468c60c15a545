package book

import (
	"github.com/lightninglabs/remate/amount"
	"github.com/lightninglabs/remate/ledger"
	"github.com/lightningnetwork/lnd/subscribe"
)

// Status is a snapshot of a book.
type Status struct {
	// Collateral is the brand sold in the book.
	Collateral amount.Brand

	// StartPrice is the oracle price locked for the round, if any.
	StartPrice *amount.Ratio

	// CurrentPrice is the clearing price of the current step, if a round
	// is running.
	CurrentPrice *amount.Ratio

	// StartCollateral is all collateral deposited for sale this round.
	StartCollateral amount.Amount

	// CollateralAvailable is the collateral not sold yet.
	CollateralAvailable amount.Amount

	// CurrencyRaised is the currency paid by bidders this round.
	CurrencyRaised amount.Amount

	// PriceOrders is the number of queued bids with an absolute price.
	PriceOrders int

	// ScaledOrders is the number of queued bids scaled to the oracle
	// price.
	ScaledOrders int
}

// StatusUpdate is sent to subscribers after every change of a book.
type StatusUpdate struct {
	Status *Status
}

// status builds a snapshot. The caller must hold the mutex.
func (b *Book) status() *Status {
	return &Status{
		Collateral:      b.cfg.Collateral,
		StartPrice:      b.lockedPriceForRound,
		CurrentPrice:    b.curAuctionPrice,
		StartCollateral: b.assetsForSale,
		CollateralAvailable: b.collateralSeat.CurrentAllocation().Get(
			ledger.KeywordCollateral, b.cfg.Collateral,
		),
		CurrencyRaised: b.currencySeat.CurrentAllocation().Get(
			ledger.KeywordCurrency, b.cfg.Currency,
		),
		PriceOrders:  len(b.priceBook),
		ScaledOrders: len(b.scaledBook),
	}
}

// publishStatus sends the current snapshot to all subscribers. The caller
// must hold the mutex.
func (b *Book) publishStatus() {
	err := b.ntfnServer.SendUpdate(&StatusUpdate{Status: b.status()})
	if err != nil {
		b.log.Debugf("Unable to publish book status: %v", err)
	}
}

// Status returns a snapshot of the book.
func (b *Book) Status() *Status {
	b.mu.Lock()
	defer b.mu.Unlock()

	return b.status()
}

// Subscribe returns a client that receives a *StatusUpdate after every change
// of the book.
func (b *Book) Subscribe() (*subscribe.Client, error) {
	return b.ntfnServer.Subscribe()
}

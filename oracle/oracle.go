package oracle

import (
	"errors"
	"fmt"
	"sync"

	"github.com/lightninglabs/remate/amount"
	"github.com/lightningnetwork/lnd/subscribe"
)

var (
	// ErrNoQuote is returned if no price was ever set for a brand pair.
	ErrNoQuote = errors.New("no quote available")
)

// Quote is a single price observation of the In brand expressed in the Out
// brand.
type Quote struct {
	// Price is Out/In, e.g. currency per unit of collateral.
	Price amount.Ratio
}

// In returns the brand that is priced.
func (q *Quote) In() amount.Brand {
	return q.Price.Denominator.Brand
}

// Out returns the brand the price is expressed in.
func (q *Quote) Out() amount.Brand {
	return q.Price.Numerator.Brand
}

// PriceAuthority delivers a push based stream of quotes.
type PriceAuthority interface {
	// LatestQuote returns the most recent quote of the brand pair.
	LatestQuote(in, out amount.Brand) (*Quote, error)

	// SubscribeQuotes returns a client that receives a *Quote for every
	// new price of any brand pair. The client's Quit channel is closed if
	// the authority shuts down.
	SubscribeQuotes() (*subscribe.Client, error)
}

type brandPair struct {
	in, out amount.Brand
}

// ManualPriceAuthority is a price authority whose prices are set by an
// administrator.
type ManualPriceAuthority struct {
	started sync.Once
	stopped sync.Once

	mu     sync.RWMutex
	quotes map[brandPair]*Quote

	ntfnServer *subscribe.Server
}

// A compile-time constraint to ensure ManualPriceAuthority satisfies the
// PriceAuthority interface.
var _ PriceAuthority = (*ManualPriceAuthority)(nil)

// NewManualPriceAuthority creates a new authority without any prices.
func NewManualPriceAuthority() *ManualPriceAuthority {
	return &ManualPriceAuthority{
		quotes:     make(map[brandPair]*Quote),
		ntfnServer: subscribe.NewServer(),
	}
}

// Start starts the quote notifier.
func (m *ManualPriceAuthority) Start() error {
	var startErr error
	m.started.Do(func() {
		startErr = m.ntfnServer.Start()
	})
	return startErr
}

// Stop stops the quote notifier which ends all subscriptions.
func (m *ManualPriceAuthority) Stop() {
	m.stopped.Do(func() {
		_ = m.ntfnServer.Stop()
	})
}

// SetPrice publishes a new price for the pair given by the ratio's brands.
func (m *ManualPriceAuthority) SetPrice(price amount.Ratio) error {
	if price.Denominator.IsEmpty() {
		return amount.ErrZeroDenominator
	}

	q := &Quote{Price: price}
	pair := brandPair{in: q.In(), out: q.Out()}

	m.mu.Lock()
	m.quotes[pair] = q
	m.mu.Unlock()

	log.Debugf("New quote for %v in %v: %v", pair.in, pair.out,
		price.Decimal())

	return m.ntfnServer.SendUpdate(q)
}

// LatestQuote returns the most recent quote of the brand pair.
//
// NOTE: This is part of the PriceAuthority interface.
func (m *ManualPriceAuthority) LatestQuote(in,
	out amount.Brand) (*Quote, error) {

	m.mu.RLock()
	defer m.mu.RUnlock()

	q, ok := m.quotes[brandPair{in: in, out: out}]
	if !ok {
		return nil, fmt.Errorf("%w: %v in %v", ErrNoQuote, in, out)
	}
	return q, nil
}

// SubscribeQuotes returns a client that receives every new quote.
//
// NOTE: This is part of the PriceAuthority interface.
func (m *ManualPriceAuthority) SubscribeQuotes() (*subscribe.Client, error) {
	return m.ntfnServer.Subscribe()
}

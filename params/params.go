package params

import (
	"errors"
	"fmt"
	"sync"

	"github.com/lightninglabs/remate/timer"
	"github.com/lightningnetwork/lnd/subscribe"
)

var (
	// ErrStartDelayTooLong is returned if the start frequency doesn't
	// exceed the auction start delay.
	ErrStartDelayTooLong = errors.New("start frequency must exceed " +
		"auction start delay")

	// ErrLockPeriodTooLong is returned if the start frequency doesn't
	// exceed the price lock period.
	ErrLockPeriodTooLong = errors.New("start frequency must exceed " +
		"price lock period")

	// ErrRateRange is returned if the starting rate doesn't exceed the
	// lowest rate.
	ErrRateRange = errors.New("starting rate must exceed lowest rate")

	// ErrDiscountStepTooLarge is returned if not even a single discount
	// step fits between the starting and lowest rate.
	ErrDiscountStepTooLarge = errors.New("discount step must not exceed " +
		"the rate range")

	// ErrClockStepTooLong is returned if the clock step exceeds the start
	// frequency.
	ErrClockStepTooLong = errors.New("clock step must not exceed start " +
		"frequency")
)

// BasisPointsDenominator is the denominator all rates are expressed in.
const BasisPointsDenominator = 10000

// Params are the governed parameters every auction round is planned with.
// Rates are given in basis points of the locked oracle price.
type Params struct {
	// StartFrequency is the time between the nominal starts of two
	// rounds.
	StartFrequency timer.RelativeTime

	// ClockStep is the time between two price steps.
	ClockStep timer.RelativeTime

	// StartingRate is the rate of the first price step.
	StartingRate uint64

	// LowestRate is the floor the price is never reduced below.
	LowestRate uint64

	// DiscountStep is the rate reduction applied at every price step.
	DiscountStep uint64

	// AuctionStartDelay is the delay between the nominal start and the
	// first price step.
	AuctionStartDelay timer.RelativeTime

	// PriceLockPeriod is how long before the start the oracle price is
	// locked.
	PriceLockPeriod timer.RelativeTime
}

// Default returns the parameter set new deployments start with.
func Default() Params {
	return Params{
		StartFrequency:    3600,
		ClockStep:         600,
		StartingRate:      10500,
		LowestRate:        6500,
		DiscountStep:      500,
		AuctionStartDelay: 2,
		PriceLockPeriod:   1800,
	}
}

// Validate makes sure a round schedule can be derived from the parameters.
func (p Params) Validate() error {
	switch {
	case p.StartFrequency <= p.AuctionStartDelay:
		return fmt.Errorf("%w: %d <= %d", ErrStartDelayTooLong,
			p.StartFrequency, p.AuctionStartDelay)

	case p.StartFrequency <= p.PriceLockPeriod:
		return fmt.Errorf("%w: %d <= %d", ErrLockPeriodTooLong,
			p.StartFrequency, p.PriceLockPeriod)

	case p.StartingRate <= p.LowestRate:
		return fmt.Errorf("%w: %d <= %d", ErrRateRange,
			p.StartingRate, p.LowestRate)

	case p.DiscountStep == 0 ||
		(p.StartingRate-p.LowestRate)/p.DiscountStep == 0:

		return fmt.Errorf("%w: step %d, range %d",
			ErrDiscountStepTooLarge, p.DiscountStep,
			p.StartingRate-p.LowestRate)

	case p.ClockStep > p.StartFrequency:
		return fmt.Errorf("%w: %d > %d", ErrClockStepTooLong,
			p.ClockStep, p.StartFrequency)
	}

	return nil
}

// Update is the notification sent to subscribers each time the parameters
// change.
type Update struct {
	// Params is the new parameter set.
	Params Params
}

// Source gives synchronous access to the current parameters and a stream of
// changes.
type Source interface {
	// Current returns the parameters currently in effect.
	Current() Params

	// Subscribe returns a client that receives an *Update for every
	// change.
	Subscribe() (*subscribe.Client, error)
}

// Store holds the governed parameters and notifies subscribers about every
// change.
type Store struct {
	started sync.Once
	stopped sync.Once

	mu      sync.RWMutex
	current Params

	ntfnServer *subscribe.Server
}

// A compile-time constraint to ensure Store satisfies the Source interface.
var _ Source = (*Store)(nil)

// NewStore creates a new parameter store starting with the given set.
func NewStore(initial Params) *Store {
	return &Store{
		current:    initial,
		ntfnServer: subscribe.NewServer(),
	}
}

// Start starts the notification server.
func (s *Store) Start() error {
	var startErr error
	s.started.Do(func() {
		startErr = s.ntfnServer.Start()
	})
	return startErr
}

// Stop stops the notification server.
func (s *Store) Stop() {
	s.stopped.Do(func() {
		_ = s.ntfnServer.Stop()
	})
}

// Current returns the parameters currently in effect.
//
// NOTE: This is part of the Source interface.
func (s *Store) Current() Params {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.current
}

// Update replaces the current parameters and notifies all subscribers.
// Parameters that can't produce a schedule are accepted but logged, the
// scheduler idles until they are corrected.
func (s *Store) Update(p Params) error {
	if err := p.Validate(); err != nil {
		log.Warnf("Accepting parameters that can't be scheduled: %v",
			err)
	}

	s.mu.Lock()
	s.current = p
	s.mu.Unlock()

	log.Infof("Auction parameters updated: %+v", p)

	return s.ntfnServer.SendUpdate(&Update{Params: p})
}

// Subscribe returns a client that receives an *Update for every change.
//
// NOTE: This is part of the Source interface.
func (s *Store) Subscribe() (*subscribe.Client, error) {
	return s.ntfnServer.Subscribe()
}

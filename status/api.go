package status

import (
	"github.com/shopspring/decimal"
)

// ScheduleInfo is the answer of the schedule endpoint. Times are timer
// timestamps, zero means unset.
type ScheduleInfo struct {
	State                  string `json:"state"`
	Now                    uint64 `json:"now"`
	ActiveStartTime        uint64 `json:"active_start_time,omitempty"`
	ActiveEndTime          uint64 `json:"active_end_time,omitempty"`
	NextStartTime          uint64 `json:"next_start_time,omitempty"`
	NextLockTime           uint64 `json:"next_lock_time,omitempty"`
	NextDescendingStepTime uint64 `json:"next_descending_step_time,omitempty"`
}

// BookInfo is a snapshot of a single book. Prices are rendered as decimals of
// currency per unit of collateral and are empty while no round is running.
type BookInfo struct {
	Collateral          string `json:"collateral"`
	StartPrice          string `json:"start_price,omitempty"`
	CurrentPrice        string `json:"current_price,omitempty"`
	StartCollateral     uint64 `json:"start_collateral"`
	CollateralAvailable uint64 `json:"collateral_available"`
	CurrencyRaised      uint64 `json:"currency_raised"`
	PriceOrders         int    `json:"price_orders"`
	ScaledOrders        int    `json:"scaled_orders"`
	Deposits            int    `json:"deposits"`
	GoalTotal           uint64 `json:"goal_total"`
}

// ParamsInfo are the governed auction parameters. Rates are in basis points,
// times in timer ticks.
type ParamsInfo struct {
	StartFrequency    uint64 `json:"start_frequency"`
	ClockStep         uint64 `json:"clock_step"`
	StartingRate      uint64 `json:"starting_rate"`
	LowestRate        uint64 `json:"lowest_rate"`
	DiscountStep      uint64 `json:"discount_step"`
	AuctionStartDelay uint64 `json:"auction_start_delay"`
	PriceLockPeriod   uint64 `json:"price_lock_period"`
}

// PriceRequest sets the oracle price of a collateral brand.
type PriceRequest struct {
	Collateral string `json:"collateral"`

	// Price is the decimal amount of currency per unit of collateral.
	Price string `json:"price"`
}

// Backend is the auction served by the status server.
type Backend interface {
	// Schedule returns the current and next round.
	Schedule() *ScheduleInfo

	// Books returns a snapshot of every book sorted by collateral.
	Books() []*BookInfo

	// Params returns the governed parameters in effect.
	Params() *ParamsInfo

	// SetPrice publishes a new oracle price for the collateral.
	SetPrice(collateral string, price decimal.Decimal) error

	// UpdateParams replaces the governed parameters.
	UpdateParams(p *ParamsInfo) error

	// Tick advances the timer to the current time right away.
	Tick() error

	// CloseBooks exits the seats of all queued bids.
	CloseBooks() error
}

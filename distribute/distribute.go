package distribute

import (
	"errors"
	"fmt"
	"math/big"

	"github.com/lightninglabs/remate/amount"
	"github.com/lightninglabs/remate/ledger"
)

var (
	// ErrGoalBrand is returned if a goal isn't expressed in the currency
	// that was raised.
	ErrGoalBrand = errors.New("goal must be in the raised currency")

	// ErrDepositBrand is returned if a deposit isn't of the returned
	// collateral's brand.
	ErrDepositBrand = errors.New("deposit must be in the collateral brand")
)

// Regime is the rule the proceeds of a round were split by.
type Regime uint8

const (
	// RegimeProrata splits both collateral and currency by deposit
	// weight. It applies if no depositor set a goal or the goals aren't
	// consistent with the deposits.
	RegimeProrata Regime = iota

	// RegimeBelowGoals splits by deposit weight because less currency
	// was raised than the depositors asked for.
	RegimeBelowGoals

	// RegimeGoalsMet pays every depositor its goal because exactly the
	// sum of all goals was raised.
	RegimeGoalsMet

	// RegimeAboveGoals pays every depositor its goal and splits the
	// excess currency and all collateral by deposit weight.
	RegimeAboveGoals

	// RegimeMixedGoals pays the goals of those that set one and splits
	// the remainder among those that didn't.
	RegimeMixedGoals
)

// String returns a human readable name of the regime.
func (r Regime) String() string {
	switch r {
	case RegimeProrata:
		return "prorata"

	case RegimeBelowGoals:
		return "below goals"

	case RegimeGoalsMet:
		return "goals met"

	case RegimeAboveGoals:
		return "above goals"

	case RegimeMixedGoals:
		return "mixed goals"

	default:
		return fmt.Sprintf("<unknown regime %d>", r)
	}
}

// Deposit is a depositor's claim on the proceeds of a round.
type Deposit struct {
	// Seat receives the depositor's share.
	Seat ledger.Seat

	// Amount is the deposited collateral, used as the depositor's weight.
	Amount amount.Amount

	// Goal is the optional amount of currency the depositor wants to
	// raise.
	Goal *amount.Amount
}

// Share is what a single depositor receives.
type Share struct {
	Seat       ledger.Seat
	Collateral amount.Amount
	Currency   amount.Amount
}

// Result is the split of a round's proceeds.
type Result struct {
	Regime Regime

	// Shares holds one entry per deposit, in the order of the deposits.
	Shares []Share

	// LeftoverCollateral and LeftoverCurrency go to the reserve.
	LeftoverCollateral amount.Amount
	LeftoverCurrency   amount.Amount
}

// prorata returns floor(total * weight / sum).
func prorata(total uint64, weight, sum *big.Int) *big.Int {
	if sum.Sign() == 0 {
		return new(big.Int)
	}

	v := new(big.Int).SetUint64(total)
	v.Mul(v, weight)
	return v.Quo(v, sum)
}

// splitter accumulates the shares of a distribution and keeps track of what
// is left to hand out.
type splitter struct {
	collateralBrand amount.Brand
	currencyBrand   amount.Brand

	collateralLeft *big.Int
	currencyLeft   *big.Int

	collateral []*big.Int
	currency   []*big.Int
}

func newSplitter(collateralReturned, currencyRaised amount.Amount,
	n int) *splitter {

	s := &splitter{
		collateralBrand: collateralReturned.Brand,
		currencyBrand:   currencyRaised.Brand,
		collateralLeft:  new(big.Int).SetUint64(collateralReturned.Value),
		currencyLeft:    new(big.Int).SetUint64(currencyRaised.Value),
		collateral:      make([]*big.Int, n),
		currency:        make([]*big.Int, n),
	}
	for i := 0; i < n; i++ {
		s.collateral[i] = new(big.Int)
		s.currency[i] = new(big.Int)
	}

	return s
}

// pay adds to the share of depositor i. Paying more than is left is a bug in
// the regime's arithmetic and reported as an error.
func (s *splitter) pay(i int, collateral, currency *big.Int) error {
	if collateral.Cmp(s.collateralLeft) > 0 ||
		currency.Cmp(s.currencyLeft) > 0 {

		return fmt.Errorf("share %d of %v and %v exceeds proceeds left "+
			"%v and %v", i, collateral, currency, s.collateralLeft,
			s.currencyLeft)
	}

	s.collateralLeft.Sub(s.collateralLeft, collateral)
	s.currencyLeft.Sub(s.currencyLeft, currency)
	s.collateral[i].Add(s.collateral[i], collateral)
	s.currency[i].Add(s.currency[i], currency)

	return nil
}

func (s *splitter) result(regime Regime, deposits []Deposit) *Result {
	r := &Result{
		Regime: regime,
		Shares: make([]Share, len(deposits)),
		LeftoverCollateral: amount.New(
			s.collateralBrand, s.collateralLeft.Uint64(),
		),
		LeftoverCurrency: amount.New(
			s.currencyBrand, s.currencyLeft.Uint64(),
		),
	}
	for i, d := range deposits {
		r.Shares[i] = Share{
			Seat: d.Seat,
			Collateral: amount.New(
				s.collateralBrand, s.collateral[i].Uint64(),
			),
			Currency: amount.New(
				s.currencyBrand, s.currency[i].Uint64(),
			),
		}
	}

	return r
}

// ComputeShares splits the unsold collateral and the raised currency of a
// round among its depositors. All payouts are rounded down, every remainder
// is left for the reserve. The shares and leftovers always add up to exactly
// the proceeds.
func ComputeShares(collateralReturned, currencyRaised amount.Amount,
	deposits []Deposit) (*Result, error) {

	var (
		n          = len(deposits)
		weights    = make([]*big.Int, n)
		totalDep   = new(big.Int)
		totalGoals = new(big.Int)
		numGoals   int
	)
	for i, d := range deposits {
		if d.Amount.Brand != collateralReturned.Brand {
			return nil, fmt.Errorf("%w: %v", ErrDepositBrand,
				d.Amount)
		}
		weights[i] = new(big.Int).SetUint64(d.Amount.Value)
		totalDep.Add(totalDep, weights[i])

		if d.Goal == nil {
			continue
		}
		if d.Goal.Brand != currencyRaised.Brand {
			return nil, fmt.Errorf("%w: %v", ErrGoalBrand, *d.Goal)
		}
		totalGoals.Add(totalGoals, new(big.Int).SetUint64(d.Goal.Value))
		numGoals++
	}

	s := newSplitter(collateralReturned, currencyRaised, n)

	// Without any weight everything stays with the reserve.
	if totalDep.Sign() == 0 {
		return s.result(RegimeProrata, deposits), nil
	}

	raised := new(big.Int).SetUint64(currencyRaised.Value)

	// byWeight pays every depositor in the group its share of the given
	// totals, weighted within the group.
	byWeight := func(group []int, collateral, currency uint64) error {
		groupWeight := new(big.Int)
		for _, i := range group {
			groupWeight.Add(groupWeight, weights[i])
		}

		for _, i := range group {
			err := s.pay(
				i, prorata(collateral, weights[i], groupWeight),
				prorata(currency, weights[i], groupWeight),
			)
			if err != nil {
				return err
			}
		}
		return nil
	}

	all := make([]int, n)
	for i := range all {
		all[i] = i
	}

	// goalsConsistent is true if no goal exceeds the depositor's share of
	// the currency raised.
	goalsConsistent := func() bool {
		for i, d := range deposits {
			if d.Goal == nil {
				continue
			}

			lhs := new(big.Int).SetUint64(d.Goal.Value)
			lhs.Mul(lhs, totalDep)
			rhs := new(big.Int).Mul(raised, weights[i])
			if lhs.Cmp(rhs) > 0 {
				return false
			}
		}
		return true
	}

	var (
		regime Regime
		err    error
	)
	switch cmp := raised.Cmp(totalGoals); {
	case numGoals == 0:
		regime = RegimeProrata
		err = byWeight(
			all, collateralReturned.Value, currencyRaised.Value,
		)

	case cmp < 0:
		regime = RegimeBelowGoals
		err = byWeight(
			all, collateralReturned.Value, currencyRaised.Value,
		)

	case !goalsConsistent():
		log.Warnf("Goals inconsistent with deposits, splitting %v "+
			"by weight", currencyRaised)

		regime = RegimeProrata
		err = byWeight(
			all, collateralReturned.Value, currencyRaised.Value,
		)

	case numGoals == n && cmp == 0:
		regime = RegimeGoalsMet
		for i, d := range deposits {
			goal := new(big.Int).SetUint64(d.Goal.Value)
			if err = s.pay(i, new(big.Int), goal); err != nil {
				break
			}
		}

	case numGoals == n:
		regime = RegimeAboveGoals
		excess := new(big.Int).Sub(raised, totalGoals).Uint64()
		for i, d := range deposits {
			goal := new(big.Int).SetUint64(d.Goal.Value)
			err = s.pay(
				i, prorata(
					collateralReturned.Value, weights[i],
					totalDep,
				),
				goal.Add(
					goal, prorata(excess, weights[i], totalDep),
				),
			)
			if err != nil {
				break
			}
		}

	default:
		regime = RegimeMixedGoals
		err = s.mixedGoals(
			deposits, weights, totalDep, collateralReturned.Value,
			raised, byWeight,
		)
	}
	if err != nil {
		return nil, err
	}

	return s.result(regime, deposits), nil
}

// mixedGoals pays every depositor with a goal exactly its goal, which never
// exceeds its share of the currency raised. If the goal is below that share,
// the depositor also gets its share of the collateral. Everything else is split by weight among the
// depositors without a goal.
func (s *splitter) mixedGoals(deposits []Deposit, weights []*big.Int,
	totalDep *big.Int, collateralReturned uint64, raised *big.Int,
	byWeight func([]int, uint64, uint64) error) error {

	var noGoal []int
	for i, d := range deposits {
		if d.Goal == nil {
			noGoal = append(noGoal, i)
			continue
		}

		goal := new(big.Int).SetUint64(d.Goal.Value)
		fairShare := prorata(raised.Uint64(), weights[i], totalDep)

		collateral := new(big.Int)
		if goal.Cmp(fairShare) < 0 {
			collateral = prorata(
				collateralReturned, weights[i], totalDep,
			)
		}

		if err := s.pay(i, collateral, goal); err != nil {
			return err
		}
	}

	return byWeight(
		noGoal, s.collateralLeft.Uint64(), s.currencyLeft.Uint64(),
	)
}

// ProportionalSharesWithLimits computes the split of a round's proceeds and
// the transfers that execute it. Each depositor receives a collateral transfer
// from the collateral seat followed by a currency transfer from the currency
// seat. The leftovers of both go to the reserve seat last. Leftover collateral
// is credited to the reserve under the brand's keyword.
func ProportionalSharesWithLimits(collateralReturned,
	currencyRaised amount.Amount, deposits []Deposit, collateralSeat,
	currencySeat, reserveSeat ledger.Seat,
	collateralKeyword ledger.Keyword) ([]ledger.Transfer, *Result, error) {

	result, err := ComputeShares(
		collateralReturned, currencyRaised, deposits,
	)
	if err != nil {
		return nil, nil, err
	}

	transfers := make([]ledger.Transfer, 0, 2*len(deposits)+2)
	for _, share := range result.Shares {
		transfers = append(transfers, ledger.Transfer{
			From: collateralSeat,
			To:   share.Seat,
			Amounts: ledger.Allocation{
				ledger.KeywordCollateral: share.Collateral,
			},
		}, ledger.Transfer{
			From: currencySeat,
			To:   share.Seat,
			Amounts: ledger.Allocation{
				ledger.KeywordCurrency: share.Currency,
			},
		})
	}

	leftoverCollateral := ledger.Transfer{
		From: collateralSeat,
		To:   reserveSeat,
		Amounts: ledger.Allocation{
			ledger.KeywordCollateral: result.LeftoverCollateral,
		},
	}
	if !result.LeftoverCollateral.IsEmpty() && collateralKeyword != "" {
		leftoverCollateral.ToAmounts = ledger.Allocation{
			collateralKeyword: result.LeftoverCollateral,
		}
	}

	transfers = append(transfers, leftoverCollateral, ledger.Transfer{
		From: currencySeat,
		To:   reserveSeat,
		Amounts: ledger.Allocation{
			ledger.KeywordCurrency: result.LeftoverCurrency,
		},
	})

	log.Debugf("Split %v and %v among %d depositors (%v), leftovers %v "+
		"and %v", collateralReturned, currencyRaised, len(deposits),
		result.Regime, result.LeftoverCollateral,
		result.LeftoverCurrency)

	return transfers, result, nil
}

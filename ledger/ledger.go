package ledger

import (
	"fmt"
	"sort"
	"sync"

	"github.com/google/uuid"
	"github.com/lightninglabs/remate/amount"
)

// Ledger is an in-memory host ledger that keeps the allocation of every seat
// and moves funds between them atomically.
type Ledger struct {
	mu    sync.Mutex
	seats map[string]*MemSeat
}

// A compile-time constraint to ensure Ledger satisfies the Host interface.
var _ Host = (*Ledger)(nil)

// New creates a new empty ledger.
func New() *Ledger {
	return &Ledger{
		seats: make(map[string]*MemSeat),
	}
}

// MemSeat is a seat kept by the in-memory Ledger.
type MemSeat struct {
	id       string
	ledger   *Ledger
	proposal Proposal

	// The following fields are guarded by the ledger's mutex.
	allocation Allocation
	exited     bool
	failure    error
}

// A compile-time constraint to ensure MemSeat satisfies the Seat interface.
var _ Seat = (*MemSeat)(nil)

// MakeSeat creates a new seat for a party that escrows the give part of the
// proposal.
func (l *Ledger) MakeSeat(proposal Proposal) *MemSeat {
	give := proposal.Give.Copy()
	if give == nil {
		give = make(Allocation)
	}

	return l.addSeat(proposal, give)
}

// MakeEmptySeat creates a seat that holds nothing, typically used as a pool.
func (l *Ledger) MakeEmptySeat() *MemSeat {
	return l.addSeat(Proposal{}, make(Allocation))
}

func (l *Ledger) addSeat(proposal Proposal, alloc Allocation) *MemSeat {
	s := &MemSeat{
		id:         uuid.New().String(),
		ledger:     l,
		proposal:   proposal,
		allocation: alloc,
	}

	l.mu.Lock()
	l.seats[s.id] = s
	l.mu.Unlock()

	log.Tracef("Created seat %v holding %v", s.id, alloc)

	return s
}

// EmptySeat creates a seat that holds nothing.
//
// NOTE: This is part of the Host interface.
func (l *Ledger) EmptySeat() Seat {
	return l.MakeEmptySeat()
}

// Seat looks up a seat by its ID.
//
// NOTE: This is part of the Host interface.
func (l *Ledger) Seat(id string) (Seat, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	s, ok := l.seats[id]
	if !ok {
		return nil, fmt.Errorf("%w: %v", ErrUnknownSeat, id)
	}
	return s, nil
}

// AtomicRearrange executes all transfers as one indivisible operation. The
// new allocations are computed on copies first and only committed if every
// single transfer is valid.
//
// NOTE: This is part of the Rearranger interface.
func (l *Ledger) AtomicRearrange(transfers []Transfer) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	staged := make(map[string]Allocation)
	stage := func(s Seat) (*MemSeat, Allocation, error) {
		ms, ok := s.(*MemSeat)
		if !ok || ms.ledger != l {
			return nil, nil, fmt.Errorf("%w: %v", ErrUnknownSeat,
				s.ID())
		}
		if ms.exited {
			return nil, nil, fmt.Errorf("%w: %v", ErrSeatExited,
				ms.id)
		}

		alloc, ok := staged[ms.id]
		if !ok {
			alloc = ms.allocation.Copy()
			staged[ms.id] = alloc
		}
		return ms, alloc, nil
	}

	for i, t := range transfers {
		if len(t.Amounts) == 0 {
			return fmt.Errorf("transfer %d: %w", i, ErrEmptyTransfer)
		}

		_, from, err := stage(t.From)
		if err != nil {
			return fmt.Errorf("transfer %d: %w", i, err)
		}
		_, to, err := stage(t.To)
		if err != nil {
			return fmt.Errorf("transfer %d: %w", i, err)
		}

		credit := t.ToAmounts
		if credit == nil {
			credit = t.Amounts
		}
		if err := balanced(t.Amounts, credit); err != nil {
			return fmt.Errorf("transfer %d: %w", i, err)
		}

		for _, kw := range sortedKeywords(t.Amounts) {
			amt := t.Amounts[kw]
			held := from.Get(kw, amt.Brand)
			left, err := held.Subtract(amt)
			if err != nil {
				return fmt.Errorf("transfer %d: %w: %v "+
					"holds %v, needs %v", i,
					ErrInsufficientFunds, t.From.ID(),
					held, amt)
			}
			from[kw] = left
		}
		for _, kw := range sortedKeywords(credit) {
			amt := credit[kw]
			sum, err := to.Get(kw, amt.Brand).Add(amt)
			if err != nil {
				return fmt.Errorf("transfer %d: %w", i, err)
			}
			to[kw] = sum
		}
	}

	// Everything checked out, commit the new allocations.
	for id, alloc := range staged {
		l.seats[id].allocation = alloc
	}

	log.Debugf("Rearranged %d transfers across %d seats", len(transfers),
		len(staged))

	return nil
}

// balanced makes sure debit and credit move the same value per brand.
func balanced(debit, credit Allocation) error {
	debits, err := totals(debit)
	if err != nil {
		return err
	}
	credits, err := totals(credit)
	if err != nil {
		return err
	}

	if len(debits) != len(credits) {
		return fmt.Errorf("unbalanced transfer brands")
	}
	for brand, d := range debits {
		if credits[brand] != d {
			return fmt.Errorf("unbalanced transfer of brand %v",
				brand)
		}
	}
	return nil
}

func totals(a Allocation) (map[amount.Brand]amount.Amount, error) {
	sums := make(map[amount.Brand]amount.Amount)
	for _, amt := range a {
		cur, ok := sums[amt.Brand]
		if !ok {
			cur = amount.Empty(amt.Brand)
		}

		sum, err := cur.Add(amt)
		if err != nil {
			return nil, err
		}
		sums[amt.Brand] = sum
	}
	return sums, nil
}

func sortedKeywords(a Allocation) []Keyword {
	kws := make([]Keyword, 0, len(a))
	for kw := range a {
		kws = append(kws, kw)
	}
	sort.Slice(kws, func(i, j int) bool {
		return kws[i] < kws[j]
	})
	return kws
}

// ID returns the stable identifier of the seat.
//
// NOTE: This is part of the Seat interface.
func (s *MemSeat) ID() string {
	return s.id
}

// Proposal returns the proposal the seat was created with.
//
// NOTE: This is part of the Seat interface.
func (s *MemSeat) Proposal() Proposal {
	return s.proposal
}

// CurrentAllocation returns a copy of what the seat currently holds. After
// the seat exited this is the final payout.
//
// NOTE: This is part of the Seat interface.
func (s *MemSeat) CurrentAllocation() Allocation {
	s.ledger.mu.Lock()
	defer s.ledger.mu.Unlock()

	return s.allocation.Copy()
}

// Exit pays out the current allocation and closes the seat.
//
// NOTE: This is part of the Seat interface.
func (s *MemSeat) Exit() error {
	s.ledger.mu.Lock()
	defer s.ledger.mu.Unlock()

	if s.exited {
		return fmt.Errorf("%w: %v", ErrSeatExited, s.id)
	}
	s.exited = true

	log.Debugf("Seat %v exited with payout %v", s.id, s.allocation)

	return nil
}

// HasExited returns true if the seat was exited or failed.
//
// NOTE: This is part of the Seat interface.
func (s *MemSeat) HasExited() bool {
	s.ledger.mu.Lock()
	defer s.ledger.mu.Unlock()

	return s.exited
}

// Fail exits the seat with the given reason. Failing an exited seat has no
// effect.
//
// NOTE: This is part of the Seat interface.
func (s *MemSeat) Fail(reason error) {
	s.ledger.mu.Lock()
	defer s.ledger.mu.Unlock()

	if s.exited {
		return
	}
	s.exited = true
	s.failure = reason

	log.Infof("Seat %v failed: %v", s.id, reason)
}

// FailureReason returns the reason the seat was failed with, if any.
func (s *MemSeat) FailureReason() error {
	s.ledger.mu.Lock()
	defer s.ledger.mu.Unlock()

	return s.failure
}

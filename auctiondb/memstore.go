package auctiondb

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/lightninglabs/remate/amount"
	"github.com/lightninglabs/remate/order"
	"github.com/lightninglabs/remate/params"
)

// MemStore is a Store that keeps everything in memory. It is used by tests
// and by daemons that run without etcd.
type MemStore struct {
	mu       sync.Mutex
	brands   map[amount.Brand]*order.BrandRecord
	orders   map[amount.Brand]map[string]*order.Order
	deposits map[amount.Brand][]*order.Deposit
	params   *params.Params
}

// A compile-time constraint to ensure MemStore satisfies the Store interface.
var _ Store = (*MemStore)(nil)

// NewMemStore creates a new empty in-memory store.
func NewMemStore() *MemStore {
	return &MemStore{
		brands:   make(map[amount.Brand]*order.BrandRecord),
		orders:   make(map[amount.Brand]map[string]*order.Order),
		deposits: make(map[amount.Brand][]*order.Deposit),
	}
}

// Init is a no-op for the in-memory store.
//
// NOTE: This is part of the Store interface.
func (s *MemStore) Init(_ context.Context) error {
	return nil
}

// AddBrand registers a collateral brand.
//
// NOTE: This is part of the order.Store interface.
func (s *MemStore) AddBrand(_ context.Context, b *order.BrandRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.brands[b.Brand]; ok {
		return fmt.Errorf("brand %v already registered", b.Brand)
	}

	cp := *b
	s.brands[b.Brand] = &cp
	return nil
}

// Brands returns all registered collateral brands sorted by name.
//
// NOTE: This is part of the order.Store interface.
func (s *MemStore) Brands(_ context.Context) ([]*order.BrandRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	brands := make([]*order.BrandRecord, 0, len(s.brands))
	for _, b := range s.brands {
		cp := *b
		brands = append(brands, &cp)
	}
	sort.Slice(brands, func(i, j int) bool {
		return brands[i].Brand < brands[j].Brand
	})

	return brands, nil
}

// PutOrder inserts or replaces the order of a seat.
//
// NOTE: This is part of the order.Store interface.
func (s *MemStore) PutOrder(_ context.Context, o *order.Order) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	book, ok := s.orders[o.Collateral]
	if !ok {
		book = make(map[string]*order.Order)
		s.orders[o.Collateral] = book
	}

	cp := *o
	book[o.SeatID] = &cp
	return nil
}

// DeleteOrder removes the order of a seat.
//
// NOTE: This is part of the order.Store interface.
func (s *MemStore) DeleteOrder(_ context.Context, brand amount.Brand,
	seatID string) error {

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.orders[brand][seatID]; !ok {
		return fmt.Errorf("%w: seat %v", ErrNoOrder, seatID)
	}

	delete(s.orders[brand], seatID)
	return nil
}

// Orders returns all orders of a book sorted by sequence number.
//
// NOTE: This is part of the order.Store interface.
func (s *MemStore) Orders(_ context.Context,
	brand amount.Brand) ([]*order.Order, error) {

	s.mu.Lock()
	defer s.mu.Unlock()

	orders := make([]*order.Order, 0, len(s.orders[brand]))
	for _, o := range s.orders[brand] {
		cp := *o
		orders = append(orders, &cp)
	}
	sort.Slice(orders, func(i, j int) bool {
		return orders[i].Seq < orders[j].Seq
	})

	return orders, nil
}

// AddDeposit records a depositor claim.
//
// NOTE: This is part of the order.Store interface.
func (s *MemStore) AddDeposit(_ context.Context, d *order.Deposit) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, existing := range s.deposits[d.Collateral] {
		if existing.Seq == d.Seq {
			return fmt.Errorf("deposit %d of %v already exists",
				d.Seq, d.Collateral)
		}
	}

	cp := *d
	s.deposits[d.Collateral] = append(s.deposits[d.Collateral], &cp)
	return nil
}

// Deposits returns all claims of a book in insertion order.
//
// NOTE: This is part of the order.Store interface.
func (s *MemStore) Deposits(_ context.Context,
	brand amount.Brand) ([]*order.Deposit, error) {

	s.mu.Lock()
	defer s.mu.Unlock()

	deposits := make([]*order.Deposit, 0, len(s.deposits[brand]))
	for _, d := range s.deposits[brand] {
		cp := *d
		deposits = append(deposits, &cp)
	}
	sort.Slice(deposits, func(i, j int) bool {
		return deposits[i].Seq < deposits[j].Seq
	})

	return deposits, nil
}

// ClearDeposits removes all claims of a book.
//
// NOTE: This is part of the order.Store interface.
func (s *MemStore) ClearDeposits(_ context.Context, brand amount.Brand) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.deposits, brand)
	return nil
}

// StoreParams persists the governed parameters.
//
// NOTE: This is part of the Store interface.
func (s *MemStore) StoreParams(_ context.Context, p params.Params) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.params = &p
	return nil
}

// Params returns the persisted governed parameters.
//
// NOTE: This is part of the Store interface.
func (s *MemStore) Params(_ context.Context) (*params.Params, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.params == nil {
		return nil, ErrNoParams
	}

	p := *s.params
	return &p, nil
}

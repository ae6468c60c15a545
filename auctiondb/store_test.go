package auctiondb

import (
	"context"
	"errors"
	"net"
	"testing"

	"github.com/lightninglabs/remate/amount"
	"github.com/lightninglabs/remate/order"
	"github.com/lightninglabs/remate/params"
	"github.com/stretchr/testify/require"
)

const (
	testCollateral amount.Brand = "ATOM"
	testCurrency   amount.Brand = "IST"
)

// getFreePort returns a random open TCP port.
func getFreePort() int {
	ln, err := net.Listen("tcp", "[::]:0")
	if err != nil {
		panic(err)
	}

	port := ln.Addr().(*net.TCPAddr).Port

	err = ln.Close()
	if err != nil {
		panic(err)
	}

	return port
}

func mustRatio(t *testing.T, num uint64, numBrand amount.Brand, den uint64,
	denBrand amount.Brand) amount.Ratio {

	t.Helper()

	r, err := amount.MakeRatio(num, numBrand, den, denBrand)
	require.NoError(t, err)
	return r
}

// testOrders makes sure orders can be stored, replaced, listed in sequence
// order and deleted.
func testOrders(t *testing.T, store Store) {
	ctx := context.Background()

	price := &order.Order{
		SeatID:     "seat-b",
		Collateral: testCollateral,
		Seq:        2,
		Kind:       order.KindPrice,
		Wanted:     amount.New(testCollateral, 100),
		Price:      mustRatio(t, 11, testCurrency, 10, testCollateral),
	}
	scaled := &order.Order{
		SeatID:     "seat-a",
		Collateral: testCollateral,
		Seq:        1,
		Kind:       order.KindScaled,
		Wanted:     amount.New(testCollateral, 50),
		BidScaling: mustRatio(t, 90, testCurrency, 100, testCurrency),
	}
	// A higher sequence number in a different book must not show up.
	other := &order.Order{
		SeatID:     "seat-c",
		Collateral: "ETH",
		Seq:        3,
		Kind:       order.KindPrice,
		Wanted:     amount.New("ETH", 1),
		Price:      mustRatio(t, 2000, testCurrency, 1, "ETH"),
	}

	for _, o := range []*order.Order{price, scaled, other} {
		require.NoError(t, store.PutOrder(ctx, o))
	}

	orders, err := store.Orders(ctx, testCollateral)
	require.NoError(t, err)
	require.Equal(t, []*order.Order{scaled, price}, orders)

	// Replacing an order updates the remaining want in place.
	updated := *price
	updated.Wanted = amount.New(testCollateral, 40)
	require.NoError(t, store.PutOrder(ctx, &updated))

	orders, err = store.Orders(ctx, testCollateral)
	require.NoError(t, err)
	require.Len(t, orders, 2)
	require.Equal(t, uint64(40), orders[1].Wanted.Value)

	require.NoError(t, store.DeleteOrder(ctx, testCollateral, "seat-a"))
	err = store.DeleteOrder(ctx, testCollateral, "seat-a")
	require.True(t, errors.Is(err, ErrNoOrder))

	orders, err = store.Orders(ctx, testCollateral)
	require.NoError(t, err)
	require.Equal(t, []*order.Order{&updated}, orders)
}

// testDeposits makes sure deposit claims are kept per book and in insertion
// order.
func testDeposits(t *testing.T, store Store) {
	ctx := context.Background()

	goal := amount.New(testCurrency, 500)
	deposits := []*order.Deposit{{
		SeatID:     "dep-1",
		Collateral: testCollateral,
		Seq:        1,
		Amount:     amount.New(testCollateral, 100),
	}, {
		SeatID:     "dep-2",
		Collateral: testCollateral,
		Seq:        2,
		Amount:     amount.New(testCollateral, 600),
		Goal:       &goal,
	}}
	for _, d := range deposits {
		require.NoError(t, store.AddDeposit(ctx, d))
	}
	require.NoError(t, store.AddDeposit(ctx, &order.Deposit{
		SeatID:     "dep-3",
		Collateral: "ETH",
		Seq:        1,
		Amount:     amount.New("ETH", 3),
	}))

	// The same claim can't be recorded twice.
	require.Error(t, store.AddDeposit(ctx, deposits[0]))

	stored, err := store.Deposits(ctx, testCollateral)
	require.NoError(t, err)
	require.Equal(t, deposits, stored)

	require.NoError(t, store.ClearDeposits(ctx, testCollateral))

	stored, err = store.Deposits(ctx, testCollateral)
	require.NoError(t, err)
	require.Empty(t, stored)

	stored, err = store.Deposits(ctx, "ETH")
	require.NoError(t, err)
	require.Len(t, stored, 1)
}

// testBrandsAndParams makes sure brands and the governed parameters survive.
func testBrandsAndParams(t *testing.T, store Store) {
	ctx := context.Background()

	_, err := store.Params(ctx)
	require.True(t, errors.Is(err, ErrNoParams))

	p := params.Default()
	p.DiscountStep = 250
	require.NoError(t, store.StoreParams(ctx, p))

	stored, err := store.Params(ctx)
	require.NoError(t, err)
	require.Equal(t, p, *stored)

	atom := &order.BrandRecord{Brand: testCollateral, Keyword: "ATOM"}
	eth := &order.BrandRecord{Brand: "ETH", Keyword: "Ether"}
	require.NoError(t, store.AddBrand(ctx, eth))
	require.NoError(t, store.AddBrand(ctx, atom))
	require.Error(t, store.AddBrand(ctx, atom))

	brands, err := store.Brands(ctx)
	require.NoError(t, err)
	require.Equal(t, []*order.BrandRecord{atom, eth}, brands)
}

// runStoreTests runs the behavior shared by all Store implementations.
func runStoreTests(t *testing.T, newStore func(t *testing.T) (Store,
	func())) {

	tests := []struct {
		name string
		test func(*testing.T, Store)
	}{
		{"orders", testOrders},
		{"deposits", testDeposits},
		{"brands and params", testBrandsAndParams},
	}

	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			store, cleanup := newStore(t)
			defer cleanup()

			tc.test(t, store)
		})
	}
}

// TestMemStore runs the store tests against the in-memory store.
func TestMemStore(t *testing.T) {
	runStoreTests(t, func(_ *testing.T) (Store, func()) {
		return NewMemStore(), func() {}
	})
}

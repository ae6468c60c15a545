package auctiondb

import (
	"bytes"
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/google/orderedcode"
	"github.com/lightninglabs/remate/amount"
	"github.com/lightninglabs/remate/order"
	conc "go.etcd.io/etcd/client/v3/concurrency"
)

var (
	// ErrNoOrder is the error returned if no order for the given seat
	// exists in the store.
	ErrNoOrder = errors.New("no order found")

	// orderPrefix is the prefix that we'll use to store all orders. From
	// the top level directory, this path is:
	// remate/<deployment>/order/<brand+seq>.
	orderPrefix = "order"

	// orderSeatPrefix is the prefix of the index that maps a seat to the
	// key of its order: remate/<deployment>/orderseat/<brand>/<seat>.
	orderSeatPrefix = "orderseat"
)

// sortableKey encodes the brand and the optional sequence number so that the
// lexicographic order of keys equals the order of the sequence numbers within
// a brand.
func sortableKey(brand amount.Brand, seq ...uint64) (string, error) {
	items := []interface{}{string(brand)}
	for _, s := range seq {
		items = append(items, s)
	}

	key, err := orderedcode.Append(nil, items...)
	if err != nil {
		return "", err
	}
	return hex.EncodeToString(key), nil
}

func (s *EtcdStore) getOrderKey(brand amount.Brand, seq uint64) (string,
	error) {

	key, err := sortableKey(brand, seq)
	if err != nil {
		return "", err
	}
	return s.getKeyPrefix(orderPrefix) + keyDelimiter + key, nil
}

func (s *EtcdStore) getOrderSeatKey(brand amount.Brand, seatID string) string {
	return strings.Join(
		[]string{s.getKeyPrefix(orderSeatPrefix), string(brand), seatID},
		keyDelimiter,
	)
}

// PutOrder inserts or replaces the order of a seat.
//
// NOTE: This is part of the order.Store interface.
func (s *EtcdStore) PutOrder(ctx context.Context, o *order.Order) error {
	if !s.initialized {
		return errNotInitialized
	}

	key, err := s.getOrderKey(o.Collateral, o.Seq)
	if err != nil {
		return err
	}
	var buf bytes.Buffer
	if err := serializeOrder(&buf, o); err != nil {
		return err
	}

	// The order and its index entry are written in one STM transaction so
	// they can't diverge.
	_, err = s.defaultSTM(ctx, func(stm conc.STM) error {
		stm.Put(key, buf.String())
		stm.Put(s.getOrderSeatKey(o.Collateral, o.SeatID), key)
		return nil
	})
	return err
}

// DeleteOrder removes the order of a seat.
//
// NOTE: This is part of the order.Store interface.
func (s *EtcdStore) DeleteOrder(ctx context.Context, brand amount.Brand,
	seatID string) error {

	if !s.initialized {
		return errNotInitialized
	}

	_, err := s.defaultSTM(ctx, func(stm conc.STM) error {
		seatKey := s.getOrderSeatKey(brand, seatID)
		orderKey := stm.Get(seatKey)
		if orderKey == "" {
			return fmt.Errorf("%w: seat %v", ErrNoOrder, seatID)
		}

		stm.Del(orderKey)
		stm.Del(seatKey)
		return nil
	})
	return err
}

// Orders returns all orders of a book sorted by sequence number.
//
// NOTE: This is part of the order.Store interface.
func (s *EtcdStore) Orders(ctx context.Context,
	brand amount.Brand) ([]*order.Order, error) {

	if !s.initialized {
		return nil, errNotInitialized
	}

	prefix, err := sortableKey(brand)
	if err != nil {
		return nil, err
	}
	resultMap, err := s.getAllValuesByPrefix(
		ctx, s.getKeyPrefix(orderPrefix)+keyDelimiter+prefix,
	)
	if err != nil {
		return nil, err
	}

	orders := make([]*order.Order, 0, len(resultMap))
	for key, value := range resultMap {
		o, err := deserializeOrder(bytes.NewReader(value))
		if err != nil {
			return nil, fmt.Errorf("unable to decode order %v: %w",
				key, err)
		}
		orders = append(orders, o)
	}
	sort.Slice(orders, func(i, j int) bool {
		return orders[i].Seq < orders[j].Seq
	})

	return orders, nil
}

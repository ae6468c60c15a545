package auctiondb

import (
	"bytes"
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/lightninglabs/remate/amount"
	"github.com/lightninglabs/remate/order"
	"github.com/lightninglabs/remate/params"
	clientv3 "go.etcd.io/etcd/client/v3"
	conc "go.etcd.io/etcd/client/v3/concurrency"
)

var (
	// depositPrefix is the prefix of all depositor claims. From the top
	// level directory, this path is:
	// remate/<deployment>/deposit/<brand+seq>.
	depositPrefix = "deposit"

	// brandPrefix is the prefix of all registered collateral brands:
	// remate/<deployment>/brand/<brand>.
	brandPrefix = "brand"
)

func (s *EtcdStore) getDepositPrefix(brand amount.Brand) (string, error) {
	key, err := sortableKey(brand)
	if err != nil {
		return "", err
	}
	return s.getKeyPrefix(depositPrefix) + keyDelimiter + key, nil
}

// AddDeposit records a depositor claim.
//
// NOTE: This is part of the order.Store interface.
func (s *EtcdStore) AddDeposit(ctx context.Context, d *order.Deposit) error {
	if !s.initialized {
		return errNotInitialized
	}

	key, err := sortableKey(d.Collateral, d.Seq)
	if err != nil {
		return err
	}
	key = s.getKeyPrefix(depositPrefix) + keyDelimiter + key

	var buf bytes.Buffer
	if err := serializeDeposit(&buf, d); err != nil {
		return err
	}

	_, err = s.defaultSTM(ctx, func(stm conc.STM) error {
		if stm.Get(key) != "" {
			return fmt.Errorf("deposit %d of %v already exists",
				d.Seq, d.Collateral)
		}

		stm.Put(key, buf.String())
		return nil
	})
	return err
}

// Deposits returns all claims of a book in insertion order.
//
// NOTE: This is part of the order.Store interface.
func (s *EtcdStore) Deposits(ctx context.Context,
	brand amount.Brand) ([]*order.Deposit, error) {

	if !s.initialized {
		return nil, errNotInitialized
	}

	prefix, err := s.getDepositPrefix(brand)
	if err != nil {
		return nil, err
	}
	resultMap, err := s.getAllValuesByPrefix(ctx, prefix)
	if err != nil {
		return nil, err
	}

	deposits := make([]*order.Deposit, 0, len(resultMap))
	for key, value := range resultMap {
		d, err := deserializeDeposit(bytes.NewReader(value))
		if err != nil {
			return nil, fmt.Errorf("unable to decode deposit %v: "+
				"%w", key, err)
		}
		deposits = append(deposits, d)
	}
	sort.Slice(deposits, func(i, j int) bool {
		return deposits[i].Seq < deposits[j].Seq
	})

	return deposits, nil
}

// ClearDeposits removes all claims of a book.
//
// NOTE: This is part of the order.Store interface.
func (s *EtcdStore) ClearDeposits(ctx context.Context,
	brand amount.Brand) error {

	if !s.initialized {
		return errNotInitialized
	}

	prefix, err := s.getDepositPrefix(brand)
	if err != nil {
		return err
	}

	ctxt, cancel := context.WithTimeout(ctx, etcdTimeout)
	defer cancel()

	_, err = s.client.Delete(ctxt, prefix, clientv3.WithPrefix())
	s.requestShutdownOnCriticalErr(err)
	return err
}

// AddBrand registers a collateral brand. Registering a brand twice is an
// error.
//
// NOTE: This is part of the order.Store interface.
func (s *EtcdStore) AddBrand(ctx context.Context, b *order.BrandRecord) error {
	if !s.initialized {
		return errNotInitialized
	}

	key := strings.Join(
		[]string{s.getKeyPrefix(brandPrefix), string(b.Brand)},
		keyDelimiter,
	)

	var buf bytes.Buffer
	if err := serializeBrand(&buf, b); err != nil {
		return err
	}

	_, err := s.defaultSTM(ctx, func(stm conc.STM) error {
		if stm.Get(key) != "" {
			return fmt.Errorf("brand %v already registered",
				b.Brand)
		}

		stm.Put(key, buf.String())
		return nil
	})
	return err
}

// Brands returns all registered collateral brands sorted by name.
//
// NOTE: This is part of the order.Store interface.
func (s *EtcdStore) Brands(ctx context.Context) ([]*order.BrandRecord, error) {
	if !s.initialized {
		return nil, errNotInitialized
	}

	resultMap, err := s.getAllValuesByPrefix(
		ctx, s.getKeyPrefix(brandPrefix)+keyDelimiter,
	)
	if err != nil {
		return nil, err
	}

	brands := make([]*order.BrandRecord, 0, len(resultMap))
	for key, value := range resultMap {
		b, err := deserializeBrand(bytes.NewReader(value))
		if err != nil {
			return nil, fmt.Errorf("unable to decode brand %v: %w",
				key, err)
		}
		brands = append(brands, b)
	}
	sort.Slice(brands, func(i, j int) bool {
		return brands[i].Brand < brands[j].Brand
	})

	return brands, nil
}

// StoreParams persists the governed parameters.
//
// NOTE: This is part of the Store interface.
func (s *EtcdStore) StoreParams(ctx context.Context, p params.Params) error {
	if !s.initialized {
		return errNotInitialized
	}

	var buf bytes.Buffer
	if err := serializeParams(&buf, p); err != nil {
		return err
	}

	ctxt, cancel := context.WithTimeout(ctx, etcdTimeout)
	defer cancel()

	_, err := s.client.Put(ctxt, s.getKeyPrefix(paramsPrefix), buf.String())
	s.requestShutdownOnCriticalErr(err)
	return err
}

// Params returns the persisted governed parameters.
//
// NOTE: This is part of the Store interface.
func (s *EtcdStore) Params(ctx context.Context) (*params.Params, error) {
	if !s.initialized {
		return nil, errNotInitialized
	}

	ctxt, cancel := context.WithTimeout(ctx, etcdTimeout)
	defer cancel()

	resp, err := s.client.Get(ctxt, s.getKeyPrefix(paramsPrefix))
	s.requestShutdownOnCriticalErr(err)
	if err != nil {
		return nil, err
	}
	if len(resp.Kvs) == 0 {
		return nil, ErrNoParams
	}

	return deserializeParams(bytes.NewReader(resp.Kvs[0].Value))
}

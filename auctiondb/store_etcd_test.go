//go:build !sql
// +build !sql

package auctiondb

import (
	"bytes"
	"context"
	"fmt"
	"io/ioutil"
	"net/url"
	"os"
	"testing"
	"time"

	"github.com/lightninglabs/remate/amount"
	"github.com/lightninglabs/remate/order"
	"github.com/lightninglabs/remate/params"
	"github.com/stretchr/testify/require"
	"go.etcd.io/etcd/server/v3/embed"
)

func newTestEtcdStore(t *testing.T) (*EtcdStore, func()) {
	t.Helper()

	tempDir, err := ioutil.TempDir("", "etcd")
	if err != nil {
		t.Fatalf("unable to create temp dir: %v", err)
	}

	cfg := embed.NewConfig()
	cfg.Logger = "zap"
	cfg.LogLevel = "error"
	cfg.Dir = tempDir

	clientURL := fmt.Sprintf("127.0.0.1:%d", getFreePort())
	peerURL := fmt.Sprintf("127.0.0.1:%d", getFreePort())
	cfg.LCUrls = []url.URL{{Host: clientURL}}
	cfg.LPUrls = []url.URL{{Host: peerURL}}

	etcd, err := embed.StartEtcd(cfg)
	if err != nil {
		_ = os.RemoveAll(tempDir)
		t.Fatalf("unable to start etcd: %v", err)
	}

	select {
	case <-etcd.Server.ReadyNotify():
	case <-time.After(5 * time.Second):
		etcd.Close()
		_ = os.RemoveAll(tempDir)
		t.Fatal("server took too long to start")
	}

	store, err := NewEtcdStore("test", clientURL, "user", "pass")
	if err != nil {
		t.Fatalf("unable to create etcd store: %v", err)
	}
	if err := store.Init(context.Background()); err != nil {
		t.Fatalf("unable to initialize etcd store: %v", err)
	}

	return store, func() {
		_ = store.Close()
		etcd.Close()
		_ = os.RemoveAll(tempDir)
	}
}

// TestEtcdStore runs the store tests against an embedded etcd server.
func TestEtcdStore(t *testing.T) {
	runStoreTests(t, func(t *testing.T) (Store, func()) {
		return newTestEtcdStore(t)
	})
}

// TestEtcdStoreInit makes sure a second Init on the same store fails and
// that the version is only written once.
func TestEtcdStoreInit(t *testing.T) {
	store, cleanup := newTestEtcdStore(t)
	defer cleanup()

	ctx := context.Background()
	require.Equal(t, errAlreadyInitialized, store.Init(ctx))

	resp, err := store.client.Get(ctx, store.getKeyPrefix(versionPrefix))
	require.NoError(t, err)
	require.Len(t, resp.Kvs, 1)
	require.Equal(t, "0", string(resp.Kvs[0].Value))
}

// TestOrderKeysSortBySeq makes sure the sequence number encoding keeps the
// lexicographic key order equal to the numeric order.
func TestOrderKeysSortBySeq(t *testing.T) {
	seqs := []uint64{1, 2, 9, 10, 255, 256, 1 << 40}

	var prev string
	for _, seq := range seqs {
		key, err := sortableKey(testCollateral, seq)
		require.NoError(t, err)

		if prev != "" {
			require.Less(t, prev, key)
		}
		prev = key
	}

	// The brand prefix must not be a prefix of a longer brand's keys.
	short, err := sortableKey("ATO")
	require.NoError(t, err)
	long, err := sortableKey(testCollateral, 1)
	require.NoError(t, err)
	require.NotEqual(t, short, long[:len(short)])
}

// TestCodec makes sure records keep their optional parts.
func TestCodec(t *testing.T) {
	goal := amount.New(testCurrency, 42)
	d := &order.Deposit{
		SeatID:     "dep",
		Collateral: testCollateral,
		Seq:        7,
		Amount:     amount.New(testCollateral, 3),
		Goal:       &goal,
	}

	var buf bytes.Buffer
	require.NoError(t, serializeDeposit(&buf, d))
	decoded, err := deserializeDeposit(&buf)
	require.NoError(t, err)
	require.Equal(t, d, decoded)

	d.Goal = nil
	buf.Reset()
	require.NoError(t, serializeDeposit(&buf, d))
	decoded, err = deserializeDeposit(&buf)
	require.NoError(t, err)
	require.Nil(t, decoded.Goal)

	p := params.Default()
	buf.Reset()
	require.NoError(t, serializeParams(&buf, p))
	decodedParams, err := deserializeParams(&buf)
	require.NoError(t, err)
	require.Equal(t, p, *decodedParams)
}

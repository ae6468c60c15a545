package auctiondb

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/lightninglabs/remate/order"
	"github.com/lightninglabs/remate/params"
	clientv3 "go.etcd.io/etcd/client/v3"
	conc "go.etcd.io/etcd/client/v3/concurrency"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

var (
	errNotInitialized     = errors.New("db not initialized")
	errAlreadyInitialized = errors.New("db already initialized")
	errDbVersionMismatch  = errors.New("wrong db version")

	// ErrNoParams is returned if no governed parameters were stored yet.
	ErrNoParams = errors.New("no auction parameters stored")

	currentDbVersion = uint32(0)

	etcdTimeout = 10 * time.Second

	// stmDefaultIsolation is the default isolation level we use for STM
	// transactions that manipulate orders and deposits. This is also the
	// default as declared in the concurrency package and offers the most
	// strict isolation.
	stmDefaultIsolation = conc.SerializableSnapshot
)

var (
	// topLevelDir is the top level directory that we'll use to store all
	// the auction data.
	topLevelDir = "remate"

	// versionPrefix is the key prefix that we'll use to store the current
	// version of the auction data for the target deployment.
	versionPrefix = "version"

	// paramsPrefix is the key the governed parameters are stored under.
	paramsPrefix = "params"

	// keyDelimiter is the special token that we'll use to delimit entries
	// in a key's path.
	keyDelimiter = "/"
)

// Store is the durable state of the auctioneer.
type Store interface {
	// Init initializes the necessary versioning state if the database
	// hasn't already been created in the past.
	Init(ctx context.Context) error

	order.Store

	// StoreParams persists the governed parameters.
	StoreParams(context.Context, params.Params) error

	// Params returns the persisted governed parameters. ErrNoParams is
	// returned if none were stored yet.
	Params(context.Context) (*params.Params, error)
}

// EtcdStore is a Store backed by an etcd cluster.
type EtcdStore struct {
	client      *clientv3.Client
	deployment  string
	initialized bool
}

// A compile-time constraint to ensure EtcdStore satisfies the Store
// interface.
var _ Store = (*EtcdStore)(nil)

// NewEtcdStore creates a new etcd store instance. All keys are stored below
// the top level directory and the given deployment name. The specified user
// and password should be able to access all of those keys.
func NewEtcdStore(deployment, host, user, pass string) (*EtcdStore, error) {
	cli, err := clientv3.New(clientv3.Config{
		Endpoints:   []string{host},
		DialTimeout: 5 * time.Second,
		Username:    user,
		Password:    pass,
	})
	if err != nil {
		return nil, err
	}

	return &EtcdStore{
		client:     cli,
		deployment: deployment,
	}, nil
}

// Close closes the connection to etcd.
func (s *EtcdStore) Close() error {
	return s.client.Close()
}

// getKeyPrefix returns the key prefix path for the given prefix.
func (s *EtcdStore) getKeyPrefix(prefix string) string {
	// remate/<deployment>/<prefix>.
	return strings.Join(
		[]string{topLevelDir, s.deployment, prefix}, keyDelimiter,
	)
}

// Init initializes the necessary versioning state if the database hasn't
// already been created in the past.
//
// NOTE: This is part of the Store interface.
func (s *EtcdStore) Init(ctx context.Context) error {
	if s.initialized {
		return errAlreadyInitialized
	}

	ctxt, cancel := context.WithTimeout(ctx, etcdTimeout)
	defer cancel()

	resp, err := s.client.Get(ctxt, s.getKeyPrefix(versionPrefix))
	s.requestShutdownOnCriticalErr(err)
	if err != nil {
		return err
	}

	s.initialized = true

	if resp.Count == 0 {
		log.Infof("Initializing db with version %v", currentDbVersion)
		return s.firstTimeInit(ctxt, currentDbVersion)
	}

	version, err := strconv.Atoi(string(resp.Kvs[0].Value))
	if err != nil {
		return err
	}

	log.Infof("Current db version %v, latest version %v", version,
		currentDbVersion)

	if uint32(version) != currentDbVersion {
		return errDbVersionMismatch
	}

	return nil
}

// firstTimeInit stores all initial required key-value pairs throughout the
// store's initialization atomically.
func (s *EtcdStore) firstTimeInit(ctx context.Context, version uint32) error {
	versionKey := s.getKeyPrefix(versionPrefix)

	_, err := s.defaultSTM(ctx, func(stm conc.STM) error {
		stm.Put(versionKey, strconv.Itoa(int(version)))
		return nil
	})
	return err
}

// getAllValuesByPrefix reads multiple keys from the etcd database and returns
// their content as a map of byte slices, keyed by the storage key. Upon a
// critical failure, a daemon shutdown will be requested.
func (s *EtcdStore) getAllValuesByPrefix(mainCtx context.Context,
	prefix string) (map[string][]byte, error) {

	ctx, cancel := context.WithTimeout(mainCtx, etcdTimeout)
	defer cancel()

	resp, err := s.client.Get(ctx, prefix, clientv3.WithPrefix())
	s.requestShutdownOnCriticalErr(err)
	if err != nil {
		return nil, err
	}
	result := make(map[string][]byte, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		result[string(kv.Key)] = kv.Value
	}
	return result, nil
}

// defaultSTM returns an STM transaction wrapper for the store's etcd client
// with the default isolation level. Upon a critical failure, a daemon
// shutdown will be requested.
func (s *EtcdStore) defaultSTM(ctx context.Context, apply func(conc.STM) error) (
	*clientv3.TxnResponse, error) {

	ctxt, cancel := context.WithTimeout(ctx, etcdTimeout)
	defer cancel()

	resp, err := conc.NewSTM(
		s.client, apply, conc.WithAbortContext(ctxt),
		conc.WithIsolation(stmDefaultIsolation),
	)
	s.requestShutdownOnCriticalErr(err)
	return resp, err
}

// requestShutdownOnCriticalErr requests a daemon shutdown if the error is
// deemed critical to daemon operation.
func (s *EtcdStore) requestShutdownOnCriticalErr(err error) {
	statusErr, isStatusErr := status.FromError(err)
	switch {
	// The context attached to the client request has timed out. This can be
	// due to not being able to reach the etcd server, or it taking too long
	// to respond. In either case, request a shutdown.
	case err == context.DeadlineExceeded:
		fallthrough

	// The etcd server's context timed out before the client's due to clock
	// skew, request a shutdown anyway.
	case isStatusErr && statusErr.Code() == codes.DeadlineExceeded:
		log.Critical("Timed out waiting for etcd response")
	}
}

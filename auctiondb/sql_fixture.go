package auctiondb

import (
	"context"
	"database/sql"
	"fmt"
	"net"
	"strconv"
	"testing"
	"time"

	_ "github.com/lib/pq"
	"github.com/ory/dockertest/v3"
	"github.com/ory/dockertest/v3/docker"
	"github.com/stretchr/testify/require"
)

const (
	historyPgUser   = "history"
	historyPgPass   = "history"
	historyPgDBName = "history"

	// PostgresTag is the postgres image the round history is tested
	// against.
	PostgresTag = "11"

	// pgConnectTimeout bounds the wait for the container to accept
	// connections.
	pgConnectTimeout = 2 * time.Minute
)

// TestPgFixture runs a throwaway Postgres container for the round history
// tests.
type TestPgFixture struct {
	db       *sql.DB
	pool     *dockertest.Pool
	resource *dockertest.Resource
	host     string
	port     int
}

// NewTestPgFixture starts a Postgres container that docker kills after the
// given expiry even if the test never tears it down.
func NewTestPgFixture(t *testing.T, expiry time.Duration) *TestPgFixture {
	pool, err := dockertest.NewPool("")
	require.NoError(t, err, "docker not reachable")

	resource, err := pool.RunWithOptions(&dockertest.RunOptions{
		Repository: "postgres",
		Tag:        PostgresTag,
		Env: []string{
			fmt.Sprintf("POSTGRES_USER=%v", historyPgUser),
			fmt.Sprintf("POSTGRES_PASSWORD=%v", historyPgPass),
			fmt.Sprintf("POSTGRES_DB=%v", historyPgDBName),
		},
	}, func(hc *docker.HostConfig) {
		hc.AutoRemove = true
		hc.RestartPolicy = docker.RestartPolicy{Name: "no"}
	})
	require.NoError(t, err, "unable to start postgres")
	require.NoError(t, resource.Expire(uint(expiry.Seconds())))

	host, portStr, err := net.SplitHostPort(
		resource.GetHostPort("5432/tcp"),
	)
	require.NoError(t, err)
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)

	f := &TestPgFixture{
		pool:     pool,
		resource: resource,
		host:     host,
		port:     port,
	}
	log.Infof("Waiting for round history database at %v",
		f.GetConfig().DSN(true))

	pool.MaxWait = pgConnectTimeout
	err = pool.Retry(func() error {
		db, err := sql.Open("postgres", f.GetDSN())
		if err != nil {
			return err
		}
		if err := db.Ping(); err != nil {
			_ = db.Close()
			return err
		}

		f.db = db
		return nil
	})
	require.NoError(t, err, "postgres never became ready")

	return f
}

// GetDSN returns the connection string of the container's database.
func (f *TestPgFixture) GetDSN() string {
	return f.GetConfig().DSN(false)
}

// GetConfig returns the config that points a SQLStore at the container.
func (f *TestPgFixture) GetConfig() *SQLConfig {
	return &SQLConfig{
		Host:     f.host,
		Port:     f.port,
		User:     historyPgUser,
		Password: historyPgPass,
		DBName:   historyPgDBName,
	}
}

// TearDown closes the connection and removes the container.
func (f *TestPgFixture) TearDown(t *testing.T) {
	require.NoError(t, f.db.Close())
	require.NoError(t, f.pool.Purge(f.resource))
}

// ClearDB drops the round history tables so the next store starts empty.
func (f *TestPgFixture) ClearDB(t *testing.T) {
	_, err := f.db.ExecContext(
		context.Background(),
		"DROP TABLE IF EXISTS round_payouts, rounds",
	)
	require.NoError(t, err)
}

// NewSQLStore opens a round history store on the container's database.
func (f *TestPgFixture) NewSQLStore(t *testing.T) *SQLStore {
	store, err := NewSQLStore(f.GetConfig())
	require.NoError(t, err)
	t.Cleanup(func() {
		require.NoError(t, store.Close())
	})

	return store
}

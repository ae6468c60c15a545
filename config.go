package remate

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/lightninglabs/remate/amount"
	"github.com/lightninglabs/remate/auctiondb"
	"github.com/lightninglabs/remate/ledger"
	"github.com/lightninglabs/remate/monitoring"
	"github.com/lightninglabs/remate/params"
	"github.com/lightninglabs/remate/status"
	"github.com/lightninglabs/remate/timer"
	"github.com/lightningnetwork/lnd/build"
	"github.com/lightningnetwork/lnd/clock"
	"github.com/shopspring/decimal"
)

const (
	// StoreEtcd keeps all auction state in an etcd cluster.
	StoreEtcd = "etcd"

	// StoreMemory keeps all auction state in memory. Everything is lost
	// on restart.
	StoreMemory = "memory"

	// defaultTickInterval is the default amount of time between two
	// advances of the auction timer.
	defaultTickInterval = time.Second

	// defaultCurrencyBrand is the brand bids are paid in if no other is
	// configured.
	defaultCurrencyBrand = "IST"

	// defaultDeployment is the default name all etcd keys are stored
	// under.
	defaultDeployment = "mainnet"

	// defaultLogLevel is the default log level that is used for all loggers
	// and sub systems.
	defaultLogLevel = "info"

	// defaultLogDirname is the default directory name where the log files
	// will be stored.
	defaultLogDirname = "logs"

	// defaultLogFilename is the default file name for the auctioneer log
	// file.
	defaultLogFilename = "auctionserver.log"

	// defaultMaxLogFiles is the default number of log files to keep.
	defaultMaxLogFiles = 3

	// defaultMaxLogFileSize is the default file size of 10 MB that a log
	// file can grow to before it is rotated.
	defaultMaxLogFileSize = 10

	// defaultMaxSQLConnections is the default number of connections we
	// allow the SQL client to open simultaneously against the server.
	defaultMaxSQLConnections = 10

	// initTimeout is how long we wait for the store to be initialized.
	initTimeout = 10 * time.Second

	// pairDelimiter separates the two halves of brand:value flags.
	pairDelimiter = ":"
)

var (
	// DefaultBaseDir is the default root data directory where auctionserver
	// will store all its data. On UNIX like systems this will resolve to
	// ~/.auctionserver. Below this directory the logs will be created.
	DefaultBaseDir = btcutil.AppDataDir("auctionserver", false)

	defaultLogDir = filepath.Join(DefaultBaseDir, defaultLogDirname)

	// ErrInvalidPair is returned if a brand:value flag can't be parsed.
	ErrInvalidPair = errors.New("expected <brand>:<value>")
)

type EtcdConfig struct {
	Host     string `long:"host" description:"etcd instance address"`
	User     string `long:"user" description:"etcd user name"`
	Password string `long:"password" description:"etcd password"`
}

// AuctionConfig holds the governed parameters a new deployment starts with.
// Once stored, the parameters are only changed through the admin API.
type AuctionConfig struct {
	StartFrequency    uint64 `long:"startfrequency" description:"seconds between the nominal starts of two rounds"`
	ClockStep         uint64 `long:"clockstep" description:"seconds between two price steps"`
	StartingRate      uint64 `long:"startingrate" description:"rate of the first price step in basis points of the oracle price"`
	LowestRate        uint64 `long:"lowestrate" description:"rate in basis points the price is never reduced below"`
	DiscountStep      uint64 `long:"discountstep" description:"rate reduction in basis points applied at every price step"`
	AuctionStartDelay uint64 `long:"auctionstartdelay" description:"seconds between the nominal start and the first price step"`
	PriceLockPeriod   uint64 `long:"pricelockperiod" description:"seconds before the start the oracle price is locked"`
}

// Params returns the configured parameter set.
func (c *AuctionConfig) Params() params.Params {
	return params.Params{
		StartFrequency:    timer.RelativeTime(c.StartFrequency),
		ClockStep:         timer.RelativeTime(c.ClockStep),
		StartingRate:      c.StartingRate,
		LowestRate:        c.LowestRate,
		DiscountStep:      c.DiscountStep,
		AuctionStartDelay: timer.RelativeTime(c.AuctionStartDelay),
		PriceLockPeriod:   timer.RelativeTime(c.PriceLockPeriod),
	}
}

// defaultAuctionConfig mirrors params.Default.
func defaultAuctionConfig() *AuctionConfig {
	p := params.Default()
	return &AuctionConfig{
		StartFrequency:    uint64(p.StartFrequency),
		ClockStep:         uint64(p.ClockStep),
		StartingRate:      p.StartingRate,
		LowestRate:        p.LowestRate,
		DiscountStep:      p.DiscountStep,
		AuctionStartDelay: uint64(p.AuctionStartDelay),
		PriceLockPeriod:   uint64(p.PriceLockPeriod),
	}
}

// OracleConfig holds the prices the manual price authority starts with.
type OracleConfig struct {
	Prices []string `long:"price" description:"initial price of a collateral brand in units of currency, as <brand>:<decimal>; may be repeated"`
}

type Config struct {
	BaseDir    string        `long:"basedir" description:"The base directory where auctionserver stores all its data"`
	Store      string        `long:"store" description:"where the auction state is kept" choice:"etcd" choice:"memory"`
	Deployment string        `long:"deployment" description:"name all etcd keys of this deployment are stored under"`
	History    bool          `long:"history" description:"record every finalized round in the SQL database"`
	Profile    string        `long:"profile" description:"Enable HTTP profiling on given port -- NOTE port must be between 1024 and 65535"`
	Tick       time.Duration `long:"tickinterval" description:"time between two advances of the auction timer"`

	CurrencyBrand string   `long:"currencybrand" description:"brand all bids are paid in"`
	Collateral    []string `long:"collateral" description:"collateral brand to run a book for, as <brand>:<keyword>; may be repeated"`

	LogDir         string `long:"logdir" description:"Directory to log output."`
	MaxLogFiles    int    `long:"maxlogfiles" description:"Maximum logfiles to keep (0 for no rotation)"`
	MaxLogFileSize int    `long:"maxlogfilesize" description:"Maximum logfile size in MB"`

	DebugLevel string `short:"d" long:"debuglevel" description:"Logging level for all subsystems {trace, debug, info, warn, error, critical} -- You may also specify <subsystem>=<level>,<subsystem2>=<level>,... to set the log level for individual subsystems -- Use show to list available subsystems"`

	Etcd       *EtcdConfig                  `group:"etcd" namespace:"etcd"`
	SQL        *auctiondb.SQLConfig         `group:"sql" namespace:"sql"`
	Prometheus *monitoring.PrometheusConfig `group:"prometheus" namespace:"prometheus"`
	Status     *status.Config               `group:"status" namespace:"status"`
	Auction    *AuctionConfig               `group:"auction" namespace:"auction"`
	Oracle     *OracleConfig                `group:"oracle" namespace:"oracle"`

	// Clock is the wall clock the auction timer follows. If nil, the
	// system clock is used.
	Clock clock.Clock
}

// DefaultConfig returns the default config for an auction server.
func DefaultConfig() *Config {
	return &Config{
		BaseDir:       DefaultBaseDir,
		Store:         StoreEtcd,
		Deployment:    defaultDeployment,
		Tick:          defaultTickInterval,
		CurrencyBrand: defaultCurrencyBrand,
		Etcd: &EtcdConfig{
			Host: "localhost:2379",
		},
		SQL: &auctiondb.SQLConfig{
			Host:               "localhost",
			Port:               5432,
			User:               "remate",
			Password:           "remate",
			DBName:             "remate",
			MaxOpenConnections: defaultMaxSQLConnections,
		},
		Prometheus: &monitoring.PrometheusConfig{
			ListenAddr: "localhost:8989",
		},
		Status:         status.DefaultConfig(),
		Auction:        defaultAuctionConfig(),
		Oracle:         &OracleConfig{},
		MaxLogFiles:    defaultMaxLogFiles,
		MaxLogFileSize: defaultMaxLogFileSize,
		DebugLevel:     defaultLogLevel,
		LogDir:         defaultLogDir,
	}
}

// collateralBrand is a collateral brand with the keyword its leftovers are
// paid to the reserve under.
type collateralBrand struct {
	brand   amount.Brand
	keyword ledger.Keyword
}

// splitPair splits a <brand>:<value> flag.
func splitPair(s string) (amount.Brand, string, error) {
	parts := strings.SplitN(s, pairDelimiter, 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", fmt.Errorf("%w, got %q", ErrInvalidPair, s)
	}

	return amount.Brand(parts[0]), parts[1], nil
}

// collateralBrands parses all configured collateral brands.
func (c *Config) collateralBrands() ([]collateralBrand, error) {
	brands := make([]collateralBrand, 0, len(c.Collateral))
	seen := make(map[amount.Brand]struct{})
	for _, flag := range c.Collateral {
		brand, keyword, err := splitPair(flag)
		if err != nil {
			return nil, err
		}
		if _, ok := seen[brand]; ok {
			return nil, fmt.Errorf("%w: %v", ErrBrandExists, brand)
		}
		seen[brand] = struct{}{}

		brands = append(brands, collateralBrand{
			brand:   brand,
			keyword: ledger.Keyword(keyword),
		})
	}

	return brands, nil
}

// initialPrices parses the configured oracle prices.
func (c *Config) initialPrices() (map[amount.Brand]decimal.Decimal, error) {
	prices := make(map[amount.Brand]decimal.Decimal, len(c.Oracle.Prices))
	for _, flag := range c.Oracle.Prices {
		brand, value, err := splitPair(flag)
		if err != nil {
			return nil, err
		}

		price, err := decimal.NewFromString(value)
		if err != nil {
			return nil, fmt.Errorf("invalid price of %v: %w", brand,
				err)
		}
		prices[brand] = price
	}

	return prices, nil
}

// Validate checks the parts of the config that can be verified without
// connecting to anything.
func (c *Config) Validate() error {
	if c.CurrencyBrand == "" {
		return errors.New("currency brand must be set")
	}
	if c.Tick <= 0 {
		return fmt.Errorf("tick interval must be positive, got %v",
			c.Tick)
	}
	if c.Store != StoreEtcd && c.Store != StoreMemory {
		return fmt.Errorf("unknown store %q", c.Store)
	}

	brands, err := c.collateralBrands()
	if err != nil {
		return err
	}
	for _, b := range brands {
		if b.brand == amount.Brand(c.CurrencyBrand) {
			return fmt.Errorf("%w: %v is the currency",
				amount.ErrBrandMismatch, b.brand)
		}
	}

	if _, err := c.initialPrices(); err != nil {
		return err
	}

	// Parameters that can't be scheduled are accepted by the store, but a
	// fresh deployment shouldn't start with them.
	return c.Auction.Params().Validate()
}

func initLogging(cfg *Config) error {
	// Initialize logging at the default logging level.
	err := logWriter.InitLogRotator(
		filepath.Join(cfg.LogDir, defaultLogFilename),
		cfg.MaxLogFileSize, cfg.MaxLogFiles,
	)
	if err != nil {
		return err
	}

	return build.ParseAndSetDebugLevels(cfg.DebugLevel, logWriter)
}

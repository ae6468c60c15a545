package auctiondb

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/lightninglabs/remate/amount"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
)

// SQLConfig holds database configuration.
type SQLConfig struct {
	Host               string `long:"host" description:"Database server hostname."`
	Port               int    `long:"port" description:"Database server port."`
	User               string `long:"user" description:"Database user."`
	Password           string `long:"password" description:"Database user's password."`
	DBName             string `long:"dbname" description:"Database name to use."`
	MaxOpenConnections int    `long:"maxconnections" description:"Max open connections to keep alive to the database server."`
	RequireSSL         bool   `long:"requiressl" description:"Whether to require using SSL (mode: require) when connecting to the server."`
}

// DSN returns the data source name of the configured database. The password
// is replaced if hidePassword is set so the result can be logged.
func (c *SQLConfig) DSN(hidePassword bool) string {
	sslMode := "disable"
	if c.RequireSSL {
		sslMode = "require"
	}

	password := c.Password
	if hidePassword {
		password = "****"
	}

	return fmt.Sprintf(
		"user=%v password=%v dbname=%v host=%v port=%v sslmode=%v",
		c.User, password, c.DBName, c.Host, c.Port, sslMode,
	)
}

// Payout is what a single depositor received when a round was finalized.
type Payout struct {
	SeatID     string
	Collateral amount.Amount
	Currency   amount.Amount
}

// RoundRecord summarizes the finalization of one book's round.
type RoundRecord struct {
	// Collateral is the brand of the book.
	Collateral amount.Brand

	// FinalizedAt is the timer timestamp the round was finalized at.
	FinalizedAt uint64

	// Regime names the distribution rule that was applied.
	Regime string

	// ClearingPrice is the price of the last step, if any was reached.
	ClearingPrice *amount.Ratio

	// CollateralReturned is the unsold collateral that was distributed.
	CollateralReturned amount.Amount

	// CurrencyRaised is the currency that was distributed.
	CurrencyRaised amount.Amount

	// LeftoverCollateral and LeftoverCurrency went to the reserve.
	LeftoverCollateral amount.Amount
	LeftoverCurrency   amount.Amount

	Payouts []Payout

	// CreatedAt is set by the store.
	CreatedAt time.Time
}

// HistoryStore keeps a record of every finalized round.
type HistoryStore interface {
	// RecordRound adds the summary of a finalized round.
	RecordRound(ctx context.Context, r *RoundRecord) error

	// Rounds returns the summaries of all rounds of a book, oldest
	// first.
	Rounds(ctx context.Context, collateral amount.Brand) ([]*RoundRecord,
		error)
}

// SQLRound maps a RoundRecord to SQL.
type SQLRound struct {
	ID uint `gorm:"primaryKey"`

	Collateral string `gorm:"index"`

	FinalizedAt int64

	Regime string

	// The clearing price is only set if the round reached a step.
	PriceNumerator   *int64
	PriceDenominator *int64

	CurrencyBrand string

	CollateralReturned int64
	CurrencyRaised     int64
	LeftoverCollateral int64
	LeftoverCurrency   int64

	Payouts []SQLRoundPayout `gorm:"foreignKey:RoundID"`

	CreatedAt time.Time
}

// TableName overrides the default table name.
func (SQLRound) TableName() string {
	return "rounds"
}

// SQLRoundPayout maps a Payout to SQL.
type SQLRoundPayout struct {
	ID uint `gorm:"primaryKey"`

	RoundID uint `gorm:"index"`

	SeatID     string
	Collateral int64
	Currency   int64
}

// TableName overrides the default table name.
func (SQLRoundPayout) TableName() string {
	return "round_payouts"
}

// SQLStore mirrors the round history into a Postgres database.
type SQLStore struct {
	db *gorm.DB
}

// A compile-time constraint to ensure SQLStore satisfies the HistoryStore
// interface.
var _ HistoryStore = (*SQLStore)(nil)

// NewSQLStore constructs a new SQLStore.
func NewSQLStore(cfg *SQLConfig) (*SQLStore, error) {
	db, err := openPostgresDB(cfg)
	if err != nil {
		return nil, err
	}

	return &SQLStore{db: db}, nil
}

// Close closes the connection pool of the database.
func (s *SQLStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// openPostgresDB opens a PostreSQL database and initializes the tables
// corresponding to the SQL models defined in this package.
func openPostgresDB(cfg *SQLConfig) (*gorm.DB, error) {
	log.Infof("Opening round history database: %v", cfg.DSN(true))

	db, err := gorm.Open(postgres.Open(cfg.DSN(false)), &gorm.Config{})
	if err != nil {
		return nil, err
	}

	sqlDb, err := db.DB()
	if err != nil {
		return nil, err
	}

	var maxOpenConnections int
	if cfg.MaxOpenConnections != 0 {
		maxOpenConnections = cfg.MaxOpenConnections
	}
	sqlDb.SetMaxOpenConns(maxOpenConnections)

	if err := db.AutoMigrate(&SQLRound{}, &SQLRoundPayout{}); err != nil {
		return nil, err
	}

	return db, nil
}

// toSQLValue converts an amount value into a Postgres bigint.
func toSQLValue(v uint64) (int64, error) {
	if v > math.MaxInt64 {
		return 0, fmt.Errorf("value %d exceeds bigint range", v)
	}
	return int64(v), nil
}

// RecordRound adds the summary of a finalized round.
//
// NOTE: This is part of the HistoryStore interface.
func (s *SQLStore) RecordRound(ctx context.Context, r *RoundRecord) error {
	row := &SQLRound{
		Collateral:    string(r.Collateral),
		Regime:        r.Regime,
		CurrencyBrand: string(r.CurrencyRaised.Brand),
	}

	values := []struct {
		in  uint64
		out *int64
	}{
		{r.FinalizedAt, &row.FinalizedAt},
		{r.CollateralReturned.Value, &row.CollateralReturned},
		{r.CurrencyRaised.Value, &row.CurrencyRaised},
		{r.LeftoverCollateral.Value, &row.LeftoverCollateral},
		{r.LeftoverCurrency.Value, &row.LeftoverCurrency},
	}
	for _, v := range values {
		converted, err := toSQLValue(v.in)
		if err != nil {
			return err
		}
		*v.out = converted
	}

	if r.ClearingPrice != nil {
		num, err := toSQLValue(r.ClearingPrice.Numerator.Value)
		if err != nil {
			return err
		}
		den, err := toSQLValue(r.ClearingPrice.Denominator.Value)
		if err != nil {
			return err
		}
		row.PriceNumerator = &num
		row.PriceDenominator = &den
	}

	for _, p := range r.Payouts {
		coll, err := toSQLValue(p.Collateral.Value)
		if err != nil {
			return err
		}
		curr, err := toSQLValue(p.Currency.Value)
		if err != nil {
			return err
		}
		row.Payouts = append(row.Payouts, SQLRoundPayout{
			SeatID:     p.SeatID,
			Collateral: coll,
			Currency:   curr,
		})
	}

	// The round and its payouts are created together.
	return s.db.WithContext(ctx).Create(row).Error
}

// Rounds returns the summaries of all rounds of a book, oldest first.
//
// NOTE: This is part of the HistoryStore interface.
func (s *SQLStore) Rounds(ctx context.Context,
	collateral amount.Brand) ([]*RoundRecord, error) {

	var rows []SQLRound
	err := s.db.WithContext(ctx).
		Preload("Payouts", func(db *gorm.DB) *gorm.DB {
			return db.Order("id")
		}).
		Where("collateral = ?", string(collateral)).
		Order("id").
		Find(&rows).Error
	if err != nil {
		return nil, err
	}

	records := make([]*RoundRecord, 0, len(rows))
	for _, row := range rows {
		currency := amount.Brand(row.CurrencyBrand)
		coll := amount.Brand(row.Collateral)

		r := &RoundRecord{
			Collateral:  coll,
			FinalizedAt: uint64(row.FinalizedAt),
			Regime:      row.Regime,
			CollateralReturned: amount.New(
				coll, uint64(row.CollateralReturned),
			),
			CurrencyRaised: amount.New(
				currency, uint64(row.CurrencyRaised),
			),
			LeftoverCollateral: amount.New(
				coll, uint64(row.LeftoverCollateral),
			),
			LeftoverCurrency: amount.New(
				currency, uint64(row.LeftoverCurrency),
			),
			CreatedAt: row.CreatedAt,
		}

		if row.PriceNumerator != nil && row.PriceDenominator != nil {
			price, err := amount.MakeRatio(
				uint64(*row.PriceNumerator), currency,
				uint64(*row.PriceDenominator), coll,
			)
			if err != nil {
				return nil, err
			}
			r.ClearingPrice = &price
		}

		for _, p := range row.Payouts {
			r.Payouts = append(r.Payouts, Payout{
				SeatID:     p.SeatID,
				Collateral: amount.New(coll, uint64(p.Collateral)),
				Currency:   amount.New(currency, uint64(p.Currency)),
			})
		}

		records = append(records, r)
	}

	return records, nil
}

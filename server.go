package remate

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/lightninglabs/remate/amount"
	"github.com/lightninglabs/remate/auctiondb"
	"github.com/lightninglabs/remate/book"
	"github.com/lightninglabs/remate/ledger"
	"github.com/lightninglabs/remate/monitoring"
	"github.com/lightninglabs/remate/oracle"
	"github.com/lightninglabs/remate/params"
	"github.com/lightninglabs/remate/schedule"
	"github.com/lightninglabs/remate/status"
	"github.com/lightninglabs/remate/timer"
	"github.com/lightningnetwork/lnd/clock"
	"github.com/shopspring/decimal"
)

// Server is the main auction server. It owns the auctioneer and everything
// around it: the stores, the price authority, the timer and its tick loop and
// the HTTP endpoints.
type Server struct {
	cfg *Config

	clock clock.Clock

	store     auctiondb.Store
	etcdStore *auctiondb.EtcdStore
	history   *auctiondb.SQLStore

	params *params.Store
	oracle *oracle.ManualPriceAuthority
	ledger *ledger.Ledger
	timer  *timer.BlockTimer
	ticker *IntervalAwareForceTicker

	auctioneer *Auctioneer

	prometheus     *monitoring.PrometheusExporter
	statusReporter *status.Reporter

	quit chan struct{}

	wg sync.WaitGroup

	startOnce sync.Once
	stopOnce  sync.Once
}

// A compile-time constraint to ensure Server satisfies the status.Backend
// interface.
var _ status.Backend = (*Server)(nil)

// NewServer returns a new auction server that is started in daemon mode.
func NewServer(cfg *Config) (*Server, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	// An empty log dir leaves the log file disabled.
	if cfg.LogDir != "" {
		if err := initLogging(cfg); err != nil {
			return nil, fmt.Errorf("unable to init logging: %w",
				err)
		}
	}

	clk := cfg.Clock
	if clk == nil {
		clk = clock.NewDefaultClock()
	}

	s := &Server{
		cfg:    cfg,
		clock:  clk,
		params: params.NewStore(cfg.Auction.Params()),
		oracle: oracle.NewManualPriceAuthority(),
		ledger: ledger.New(),
		timer:  timer.NewBlockTimer(timestamp(clk.Now())),
		quit:   make(chan struct{}),
	}

	switch cfg.Store {
	case StoreEtcd:
		log.Infof("Connecting to etcd at %v", cfg.Etcd.Host)

		etcdStore, err := auctiondb.NewEtcdStore(
			cfg.Deployment, cfg.Etcd.Host, cfg.Etcd.User,
			cfg.Etcd.Password,
		)
		if err != nil {
			return nil, err
		}
		s.etcdStore = etcdStore
		s.store = etcdStore

	default:
		log.Warnf("Using in-memory store, all auction state is lost " +
			"on shutdown")
		s.store = auctiondb.NewMemStore()
	}

	auctioneerCfg := AuctioneerConfig{
		Store:         s.store,
		Ledger:        s.ledger,
		Oracle:        s.oracle,
		Params:        s.params,
		Timer:         s.timer,
		CurrencyBrand: amount.Brand(cfg.CurrencyBrand),
		ReserveSeat:   s.ledger.MakeEmptySeat(),
	}

	if cfg.History {
		log.Infof("Recording round history to %v",
			cfg.SQL.DSN(true))

		history, err := auctiondb.NewSQLStore(cfg.SQL)
		if err != nil {
			return nil, fmt.Errorf("unable to open round history: "+
				"%w", err)
		}
		s.history = history
		auctioneerCfg.History = history
	}

	s.auctioneer = NewAuctioneer(auctioneerCfg)
	s.ticker = NewIntervalAwareForceTicker(cfg.Tick, clk)

	sched := s.auctioneer.Scheduler()
	cfg.Prometheus.BookStatuses = s.bookStatuses
	cfg.Prometheus.Schedules = sched.Schedules
	cfg.Prometheus.AuctionState = sched.State
	s.prometheus = monitoring.NewPrometheusExporter(cfg.Prometheus)

	cfg.Status.Backend = s
	s.statusReporter = status.NewReporter(cfg.Status)

	return s, nil
}

// timestamp converts a wall clock time to the auction timer's seconds.
func timestamp(t time.Time) timer.Timestamp {
	unix := t.Unix()
	if unix < 0 {
		return 0
	}
	return timer.Timestamp(unix)
}

// Start attempts to start the auction server which includes the auctioneer,
// its tick loop and the HTTP servers.
func (s *Server) Start() error {
	var startErr error

	s.startOnce.Do(func() {
		log.Infof("Starting primary server")

		ctx := context.Background()
		initCtx, initCancel := context.WithTimeout(ctx, initTimeout)
		defer initCancel()
		if err := s.store.Init(initCtx); err != nil {
			startErr = fmt.Errorf("unable to initialize store: %w",
				err)
			return
		}

		if err := s.oracle.Start(); err != nil {
			startErr = fmt.Errorf("unable to start price "+
				"authority: %w", err)
			return
		}
		if err := s.setInitialPrices(); err != nil {
			startErr = err
			return
		}

		if err := s.params.Start(); err != nil {
			startErr = fmt.Errorf("unable to start params store: "+
				"%w", err)
			return
		}
		if err := s.loadParams(ctx); err != nil {
			startErr = err
			return
		}

		if err := s.auctioneer.Start(ctx); err != nil {
			startErr = fmt.Errorf("unable to start auctioneer: %w",
				err)
			return
		}
		if err := s.registerBrands(ctx); err != nil {
			startErr = err
			return
		}

		if s.cfg.Prometheus.Active {
			log.Infof("Starting Prometheus exporter: @%v",
				s.cfg.Prometheus.ListenAddr)
		}
		if err := s.prometheus.Start(); err != nil {
			startErr = fmt.Errorf("unable to start Prometheus "+
				"exporter: %w", err)
			return
		}

		if err := s.statusReporter.Start(); err != nil {
			startErr = fmt.Errorf("unable to start status "+
				"server: %w", err)
			return
		}

		s.ticker.Resume()
		s.wg.Add(1)
		go s.tickLoop()

		if err := s.statusReporter.SetStatus(status.UpAndRunning); err != nil {
			startErr = err
			return
		}
	})

	return startErr
}

// setInitialPrices publishes the configured oracle prices.
func (s *Server) setInitialPrices() error {
	prices, err := s.cfg.initialPrices()
	if err != nil {
		return err
	}

	for brand, price := range prices {
		if err := s.SetPrice(string(brand), price); err != nil {
			return fmt.Errorf("unable to set initial price of %v: "+
				"%w", brand, err)
		}
	}

	return nil
}

// loadParams replaces the configured parameters with the stored ones. A
// fresh deployment stores the configured parameters instead.
func (s *Server) loadParams(ctx context.Context) error {
	stored, err := s.store.Params(ctx)
	switch {
	case errors.Is(err, auctiondb.ErrNoParams):
		log.Infof("No stored auction parameters, storing defaults")
		return s.store.StoreParams(ctx, s.params.Current())

	case err != nil:
		return fmt.Errorf("unable to load auction parameters: %w", err)
	}

	return s.params.Update(*stored)
}

// registerBrands adds the books of configured brands that aren't known from
// a previous run.
func (s *Server) registerBrands(ctx context.Context) error {
	brands, err := s.cfg.collateralBrands()
	if err != nil {
		return err
	}

	known := make(map[amount.Brand]struct{})
	for _, brand := range s.auctioneer.Brands() {
		known[brand] = struct{}{}
	}

	for _, b := range brands {
		if _, ok := known[b.brand]; ok {
			continue
		}
		if err := s.auctioneer.AddBrand(ctx, b.brand, b.keyword); err != nil {
			return fmt.Errorf("unable to add brand %v: %w",
				b.brand, err)
		}
	}

	return nil
}

// tickLoop advances the auction timer to the wall clock on every tick.
//
// NOTE: This MUST be run as a goroutine.
func (s *Server) tickLoop() {
	defer s.wg.Done()

	for {
		select {
		case now := <-s.ticker.Ticks():
			ts := timestamp(now)
			log.Tracef("Advancing auction timer to %d", ts)
			s.timer.AdvanceTo(ts)

		case <-s.quit:
			return
		}
	}
}

// Stop shuts down the server, including the HTTP endpoints and the
// auctioneer.
func (s *Server) Stop() error {
	log.Info("Received shutdown signal, stopping server")

	var stopErr error

	s.stopOnce.Do(func() {
		close(s.quit)
		s.ticker.Stop()
		s.wg.Wait()

		ctx := context.Background()
		if err := s.statusReporter.Stop(ctx); err != nil {
			log.Errorf("Unable to stop status server: %v", err)
		}
		if err := s.prometheus.Stop(); err != nil {
			log.Errorf("Unable to stop Prometheus exporter: %v",
				err)
		}

		s.auctioneer.Stop()
		s.params.Stop()
		s.oracle.Stop()

		if s.history != nil {
			if err := s.history.Close(); err != nil {
				log.Errorf("Unable to close round history: %v",
					err)
			}
		}
		if s.etcdStore != nil {
			if err := s.etcdStore.Close(); err != nil {
				stopErr = fmt.Errorf("unable to close store: "+
					"%w", err)
			}
		}
	})

	return stopErr
}

// Auctioneer returns the auctioneer run by the server.
func (s *Server) Auctioneer() *Auctioneer {
	return s.auctioneer
}

// Ledger returns the ledger all seats of the auction live on.
func (s *Server) Ledger() *ledger.Ledger {
	return s.ledger
}

// bookStatuses returns a snapshot of every book in brand order.
func (s *Server) bookStatuses() []*book.Status {
	brands := s.auctioneer.Brands()
	statuses := make([]*book.Status, 0, len(brands))
	for _, brand := range brands {
		b, err := s.auctioneer.Book(brand)
		if err != nil {
			continue
		}
		statuses = append(statuses, b.Status())
	}

	return statuses
}

// priceString renders an optional price as a decimal.
func priceString(r *amount.Ratio) string {
	if r == nil {
		return ""
	}
	return r.Decimal().String()
}

// Schedule returns the current and next round.
//
// NOTE: This is part of the status.Backend interface.
func (s *Server) Schedule() *status.ScheduleInfo {
	sched := s.auctioneer.Scheduler()
	live, next := sched.Schedules()
	now := s.timer.CurrentTimestamp()

	info := &status.ScheduleInfo{
		State: sched.State().String(),
		Now:   uint64(now),
		NextDescendingStepTime: uint64(
			schedule.NextDescendingStepTime(live, next, now),
		),
	}
	if live != nil {
		info.ActiveStartTime = uint64(live.StartTime)
		info.ActiveEndTime = uint64(live.EndTime)
	}
	if next != nil {
		info.NextStartTime = uint64(next.StartTime)
		info.NextLockTime = uint64(next.LockTime)
	}

	return info
}

// Books returns a snapshot of every book with the claims of its depositors.
//
// NOTE: This is part of the status.Backend interface.
func (s *Server) Books() []*status.BookInfo {
	statuses := s.bookStatuses()
	infos := make([]*status.BookInfo, 0, len(statuses))
	for _, st := range statuses {
		info := &status.BookInfo{
			Collateral:          string(st.Collateral),
			StartPrice:          priceString(st.StartPrice),
			CurrentPrice:        priceString(st.CurrentPrice),
			StartCollateral:     st.StartCollateral.Value,
			CollateralAvailable: st.CollateralAvailable.Value,
			CurrencyRaised:      st.CurrencyRaised.Value,
			PriceOrders:         st.PriceOrders,
			ScaledOrders:        st.ScaledOrders,
		}

		deposits := s.auctioneer.Deposits(st.Collateral)
		info.Deposits = len(deposits)
		for _, d := range deposits {
			if d.Goal != nil {
				info.GoalTotal += d.Goal.Value
			}
		}

		infos = append(infos, info)
	}

	return infos
}

// Params returns the governed parameters in effect.
//
// NOTE: This is part of the status.Backend interface.
func (s *Server) Params() *status.ParamsInfo {
	p := s.params.Current()
	return &status.ParamsInfo{
		StartFrequency:    uint64(p.StartFrequency),
		ClockStep:         uint64(p.ClockStep),
		StartingRate:      p.StartingRate,
		LowestRate:        p.LowestRate,
		DiscountStep:      p.DiscountStep,
		AuctionStartDelay: uint64(p.AuctionStartDelay),
		PriceLockPeriod:   uint64(p.PriceLockPeriod),
	}
}

// SetPrice publishes a new oracle price for a registered collateral brand.
//
// NOTE: This is part of the status.Backend interface.
func (s *Server) SetPrice(collateral string, price decimal.Decimal) error {
	brand := amount.Brand(collateral)
	if brand == amount.Brand(s.cfg.CurrencyBrand) {
		return fmt.Errorf("%w: %v is the currency",
			amount.ErrBrandMismatch, brand)
	}

	ratio, err := amount.RatioFromDecimal(
		price, amount.Brand(s.cfg.CurrencyBrand), brand,
	)
	if err != nil {
		return err
	}

	log.Infof("Setting price of %v to %v %v", brand, price,
		s.cfg.CurrencyBrand)

	return s.oracle.SetPrice(ratio)
}

// UpdateParams stores and applies new governed parameters. Parameters that
// can't be scheduled are refused.
//
// NOTE: This is part of the status.Backend interface.
func (s *Server) UpdateParams(info *status.ParamsInfo) error {
	p := params.Params{
		StartFrequency:    timer.RelativeTime(info.StartFrequency),
		ClockStep:         timer.RelativeTime(info.ClockStep),
		StartingRate:      info.StartingRate,
		LowestRate:        info.LowestRate,
		DiscountStep:      info.DiscountStep,
		AuctionStartDelay: timer.RelativeTime(info.AuctionStartDelay),
		PriceLockPeriod:   timer.RelativeTime(info.PriceLockPeriod),
	}
	if err := p.Validate(); err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), initTimeout)
	defer cancel()
	if err := s.store.StoreParams(ctx, p); err != nil {
		return fmt.Errorf("unable to store parameters: %w", err)
	}

	return s.params.Update(p)
}

// Tick advances the auction timer to the current time right away.
//
// NOTE: This is part of the status.Backend interface.
func (s *Server) Tick() error {
	select {
	case s.ticker.Force <- s.clock.Now():
		return nil

	case <-s.quit:
		return ErrServerShuttingDown
	}
}

// CloseBooks exits the seats of all queued bids.
//
// NOTE: This is part of the status.Backend interface.
func (s *Server) CloseBooks() error {
	select {
	case <-s.quit:
		return ErrServerShuttingDown
	default:
	}

	s.auctioneer.CloseBooks(context.Background())
	return nil
}

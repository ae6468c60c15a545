package scheduler

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/btcsuite/btclog"
	"github.com/davecgh/go-spew/spew"
	"github.com/lightninglabs/remate/params"
	"github.com/lightninglabs/remate/schedule"
	"github.com/lightninglabs/remate/timer"
	"github.com/lightningnetwork/lnd/subscribe"
)

// MaxLateTick is how late the nominal start of a round may be noticed before
// the round is skipped. A round that starts later than this would trade at a
// stale locked price, so its plan is discarded and a fresh one computed.
const MaxLateTick timer.RelativeTime = 300

// Driver is the auction that is driven by the scheduler. Errors returned by
// any of the methods are logged and never stop the scheduler.
type Driver interface {
	// CapturePrices locks the oracle prices for the coming round.
	CapturePrices(ctx context.Context) error

	// StartRound establishes the starting price of every book and
	// settles all orders that clear it.
	StartRound(ctx context.Context) error

	// ReducePriceAndTrade lowers the price by one step and settles all
	// orders that clear the new price.
	ReducePriceAndTrade(ctx context.Context) error

	// Finalize distributes the proceeds of the round.
	Finalize(ctx context.Context) error
}

// Config contains all dependencies of the scheduler.
type Config struct {
	// Timer delivers the wakeups the scheduler is driven by.
	Timer timer.Service

	// Params is the source of the governed parameters.
	Params params.Source

	// Driver is invoked on every transition of a round.
	Driver Driver

	// Logger is used for the scheduler's log output. If nil, the package
	// logger is used.
	Logger btclog.Logger
}

// ScheduleNotification is sent to subscribers after every transition.
type ScheduleNotification struct {
	// ActiveStartTime is the start of the running round, zero if none is
	// running.
	ActiveStartTime timer.Timestamp

	// ActiveEndTime is the end of the running round, zero if none is
	// running.
	ActiveEndTime timer.Timestamp

	// NextStartTime is the start of the next planned round, zero if no
	// round could be planned.
	NextStartTime timer.Timestamp

	// NextDescendingStepTime is when the price will drop next.
	NextDescendingStepTime timer.Timestamp

	// State is the state after the transition.
	State AuctionState
}

// Scheduler plans auction rounds and drives them through their price steps.
type Scheduler struct {
	started sync.Once
	stopped sync.Once

	cfg Config
	log btclog.Logger

	state uint32

	// mu guards the schedules and the cancel token of the repeating
	// step wakeup.
	mu    sync.Mutex
	live  *schedule.Schedule
	next  *schedule.Schedule
	token timer.CancelToken

	ntfnServer *subscribe.Server

	ctx    context.Context
	cancel context.CancelFunc

	wg   sync.WaitGroup
	quit chan struct{}
}

// New creates a new scheduler.
func New(cfg *Config) *Scheduler {
	logger := cfg.Logger
	if logger == nil {
		logger = log
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		cfg:        *cfg,
		log:        logger,
		state:      uint32(StateWaiting),
		ntfnServer: subscribe.NewServer(),
		ctx:        ctx,
		cancel:     cancel,
		quit:       make(chan struct{}),
	}
}

// Start plans the first round and starts following parameter changes.
func (s *Scheduler) Start() error {
	var startErr error
	s.started.Do(func() {
		if err := s.ntfnServer.Start(); err != nil {
			startErr = err
			return
		}

		client, err := s.cfg.Params.Subscribe()
		if err != nil {
			startErr = err
			return
		}

		s.mu.Lock()
		now := s.cfg.Timer.CurrentTimestamp()
		s.next = schedule.ComputeRoundTiming(s.cfg.Params.Current(), now)
		s.scheduleNextNominalStart()
		s.publish(now)
		s.mu.Unlock()

		s.wg.Add(1)
		go s.paramsObserver(client)
	})
	return startErr
}

// Stop stops following parameter changes. Pending wakeups stay registered
// with the timer but don't drive the auction anymore.
func (s *Scheduler) Stop() {
	s.stopped.Do(func() {
		close(s.quit)
		s.cancel()
		s.wg.Wait()

		_ = s.ntfnServer.Stop()
	})
}

// State returns the current auction state.
func (s *Scheduler) State() AuctionState {
	return AuctionState(atomic.LoadUint32(&s.state))
}

func (s *Scheduler) setState(state AuctionState) {
	atomic.StoreUint32(&s.state, uint32(state))
}

// Schedules returns copies of the live and the next schedule. Either may be
// nil.
func (s *Scheduler) Schedules() (live, next *schedule.Schedule) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.live != nil {
		l := *s.live
		live = &l
	}
	if s.next != nil {
		n := *s.next
		next = &n
	}
	return live, next
}

// Subscribe returns a client that receives a *ScheduleNotification after every
// transition.
func (s *Scheduler) Subscribe() (*subscribe.Client, error) {
	return s.ntfnServer.Subscribe()
}

// stopping returns true once Stop was called.
func (s *Scheduler) stopping() bool {
	select {
	case <-s.quit:
		return true
	default:
		return false
	}
}

// publish sends the current schedule state to all subscribers. The caller
// must hold the mutex.
func (s *Scheduler) publish(now timer.Timestamp) {
	ntfn := &ScheduleNotification{
		NextDescendingStepTime: schedule.NextDescendingStepTime(
			s.live, s.next, now,
		),
		State: s.State(),
	}
	if s.live != nil {
		ntfn.ActiveStartTime = s.live.StartTime
		ntfn.ActiveEndTime = s.live.EndTime
	}
	if s.next != nil {
		ntfn.NextStartTime = s.next.StartTime
	}

	if err := s.ntfnServer.SendUpdate(ntfn); err != nil {
		s.log.Debugf("Unable to publish schedule: %v", err)
	}
}

// scheduleNextNominalStart registers the wakeup that starts the next round.
// The wakeup is bound to the schedule it was registered for and does nothing
// if that schedule was replaced in the meantime. The caller must hold the
// mutex.
func (s *Scheduler) scheduleNextNominalStart() {
	if s.next == nil {
		s.log.Warnf("No next round could be planned, idling until the " +
			"parameters change")
		return
	}

	planned := s.next
	s.log.Infof("Next round planned: %v", planned)

	s.cfg.Timer.SetWakeup(planned.NominalStart(), func(now timer.Timestamp) {
		if s.stopping() {
			return
		}

		s.mu.Lock()
		current := s.next
		s.mu.Unlock()
		if current != planned {
			s.log.Debugf("Ignoring wakeup of replaced schedule %v",
				planned)
			return
		}

		if err := s.cfg.Driver.CapturePrices(s.ctx); err != nil {
			s.log.Errorf("Unable to capture prices: %v", err)
		}

		s.startAuction(now)
	})
}

// startAuction promotes the next schedule to the live one and starts stepping
// through it. A round noticed more than MaxLateTick after its nominal start is
// skipped and replanned from now.
func (s *Scheduler) startAuction(now timer.Timestamp) {
	s.mu.Lock()
	defer s.mu.Unlock()
	defer s.publish(now)

	if s.next == nil {
		s.log.Errorf("Unable to start auction: no round planned")
		return
	}

	nominalStart := s.next.NominalStart()
	if now > nominalStart {
		late := timer.RelativeTime(now - nominalStart)
		if late > MaxLateTick {
			s.log.Warnf("Skipping round %v, noticed %d late",
				s.next, late)

			s.next = schedule.ComputeRoundTiming(
				s.cfg.Params.Current(), now,
			)
			s.scheduleNextNominalStart()
			return
		}

		s.log.Warnf("Starting round %d late", late)
	}

	if s.live != nil {
		s.log.Warnf("Round %v still live at the start of the next one",
			s.live)
		s.finish()
	}

	s.live = s.next
	s.token = timer.NewCancelToken()

	var delay timer.RelativeTime
	if s.live.StartTime > now {
		delay = timer.RelativeTime(s.live.StartTime - now)
	}

	live := s.live
	err := s.cfg.Timer.RepeatAfter(
		delay, live.ClockStep, func(now timer.Timestamp) {
			s.clockTick(live, now)
		}, s.token,
	)
	if err != nil {
		s.log.Errorf("Unable to register price steps of %v: %v",
			live, err)
		s.live = nil
	}

	s.log.Debugf("Round started: %v", spew.Sdump(live))

	s.next = schedule.ComputeRoundTiming(
		s.cfg.Params.Current(), live.EndTime+1,
	)
	s.scheduleNextNominalStart()
}

// clockTick is the repeating wakeup of a live round.
func (s *Scheduler) clockTick(live *schedule.Schedule, now timer.Timestamp) {
	if s.stopping() {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	defer s.publish(now)

	// A tick of a round that was already finalized.
	if s.live != live {
		return
	}

	switch schedule.TimeVsSchedule(now, live) {
	case schedule.Before:
		s.log.Tracef("Round %v not started yet", live)

	case schedule.During:
		s.advanceRound()

	case schedule.EndExactly:
		s.advanceRound()
		s.finish()

	case schedule.After:
		s.finish()
	}
}

// advanceRound starts the round if it isn't active yet and lowers the price
// by one step otherwise. The caller must hold the mutex.
func (s *Scheduler) advanceRound() {
	if s.State() == StateActive {
		if err := s.cfg.Driver.ReducePriceAndTrade(s.ctx); err != nil {
			s.log.Errorf("Unable to step price: %v", err)
		}
		return
	}

	s.setState(StateActive)
	if err := s.cfg.Driver.StartRound(s.ctx); err != nil {
		s.log.Errorf("Unable to start round: %v", err)
	}
}

// finish finalizes the live round and stops its price steps. The caller must
// hold the mutex.
func (s *Scheduler) finish() {
	s.setState(StateWaiting)

	if err := s.cfg.Driver.Finalize(s.ctx); err != nil {
		s.log.Errorf("Unable to finalize round: %v", err)
	}

	s.cfg.Timer.Cancel(s.token)
	s.log.Infof("Round finalized: %v", s.live)
	s.live = nil
}

// paramsObserver replans the next round whenever the parameters change and
// the next round is not yet committed.
func (s *Scheduler) paramsObserver(client *subscribe.Client) {
	defer s.wg.Done()
	defer client.Cancel()

	for {
		select {
		case update := <-client.Updates():
			u, ok := update.(*params.Update)
			if !ok {
				continue
			}
			s.handleParamsUpdate(u.Params)

		case <-client.Quit():
			s.log.Errorf("Parameter stream ended, keeping current " +
				"schedule")
			return

		case <-s.quit:
			return
		}
	}
}

// handleParamsUpdate replaces the next schedule if it is missing or its start
// already passed. A live round or a next round that was already announced is
// never touched.
func (s *Scheduler) handleParamsUpdate(p params.Params) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.cfg.Timer.CurrentTimestamp()
	if s.next != nil && s.next.StartTime >= now {
		s.log.Debugf("Keeping planned round %v after parameter "+
			"change", s.next)
		return
	}

	base := now
	if s.live != nil && s.live.EndTime >= base {
		base = s.live.EndTime + 1
	}

	s.next = schedule.ComputeRoundTiming(p, base)
	s.scheduleNextNominalStart()
	s.publish(now)
}

package scheduler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/fortytw2/leaktest"
	"github.com/lightninglabs/remate/params"
	"github.com/lightninglabs/remate/timer"
	"github.com/stretchr/testify/require"
)

const (
	callCapture  = "capture"
	callStart    = "start"
	callReduce   = "reduce"
	callFinalize = "finalize"
)

// recordingDriver records every call the scheduler makes.
type recordingDriver struct {
	mu       sync.Mutex
	calls    []string
	startErr error
}

var _ Driver = (*recordingDriver)(nil)

func (d *recordingDriver) record(call string) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.calls = append(d.calls, call)
}

func (d *recordingDriver) CapturePrices(_ context.Context) error {
	d.record(callCapture)
	return nil
}

func (d *recordingDriver) StartRound(_ context.Context) error {
	d.record(callStart)
	return d.startErr
}

func (d *recordingDriver) ReducePriceAndTrade(_ context.Context) error {
	d.record(callReduce)
	return nil
}

func (d *recordingDriver) Finalize(_ context.Context) error {
	d.record(callFinalize)
	return nil
}

func (d *recordingDriver) reset() []string {
	d.mu.Lock()
	defer d.mu.Unlock()

	calls := d.calls
	d.calls = nil
	return calls
}

func (d *recordingDriver) count(call string) int {
	d.mu.Lock()
	defer d.mu.Unlock()

	var n int
	for _, c := range d.calls {
		if c == call {
			n++
		}
	}
	return n
}

type testContext struct {
	timer     *timer.BlockTimer
	params    *params.Store
	driver    *recordingDriver
	scheduler *Scheduler
}

func newTestContext(t *testing.T, p params.Params,
	start timer.Timestamp) *testContext {

	t.Helper()

	ctx := &testContext{
		timer:  timer.NewBlockTimer(start),
		params: params.NewStore(p),
		driver: &recordingDriver{},
	}
	require.NoError(t, ctx.params.Start())
	t.Cleanup(ctx.params.Stop)

	ctx.scheduler = New(&Config{
		Timer:  ctx.timer,
		Params: ctx.params,
		Driver: ctx.driver,
	})
	require.NoError(t, ctx.scheduler.Start())
	t.Cleanup(ctx.scheduler.Stop)

	return ctx
}

// TestRoundTrip walks a round from before its start through every step to
// its end and makes sure each step trades exactly once and the round is
// finalized exactly once.
func TestRoundTrip(t *testing.T) {
	t.Cleanup(leaktest.Check(t))

	ctx := newTestContext(t, params.Default(), 100)

	live, next := ctx.scheduler.Schedules()
	require.Nil(t, live)
	require.NotNil(t, next)
	require.Equal(t, timer.Timestamp(3602), next.StartTime)

	ctx.timer.AdvanceTo(3599)
	require.Empty(t, ctx.driver.reset())
	require.Equal(t, StateWaiting, ctx.scheduler.State())

	// The nominal start captures the prices and plans the round after.
	ctx.timer.AdvanceTo(3600)
	require.Equal(t, []string{callCapture}, ctx.driver.reset())
	live, next = ctx.scheduler.Schedules()
	require.Equal(t, timer.Timestamp(3602), live.StartTime)
	require.Equal(t, timer.Timestamp(7202), next.StartTime)
	require.Equal(t, StateWaiting, ctx.scheduler.State())

	ctx.timer.AdvanceTo(3602)
	require.Equal(t, []string{callStart}, ctx.driver.reset())
	require.Equal(t, StateActive, ctx.scheduler.State())

	// Ticks between the steps don't trade.
	ctx.timer.AdvanceTo(3700)
	require.Empty(t, ctx.driver.reset())

	for step := 1; step < int(live.Steps); step++ {
		ctx.timer.AdvanceTo(live.StartTime + timer.Timestamp(step*600))
		require.Equal(t, []string{callReduce}, ctx.driver.reset())
	}

	// The end of the round makes the last step and finalizes.
	ctx.timer.AdvanceTo(live.EndTime)
	require.Equal(
		t, []string{callReduce, callFinalize}, ctx.driver.reset(),
	)
	require.Equal(t, StateWaiting, ctx.scheduler.State())

	live, _ = ctx.scheduler.Schedules()
	require.Nil(t, live)

	// The cancelled step wakeup doesn't fire anymore.
	ctx.timer.AdvanceTo(7199)
	require.Empty(t, ctx.driver.reset())

	ctx.timer.AdvanceTo(7202)
	require.Equal(
		t, []string{callCapture, callStart}, ctx.driver.reset(),
	)
}

// TestStepCount makes sure the number of price steps equals the planned
// steps for a round with a single step per tick.
func TestStepCount(t *testing.T) {
	p := params.Default()
	p.ClockStep = 1
	p.AuctionStartDelay = 0
	ctx := newTestContext(t, p, 0)

	_, next := ctx.scheduler.Schedules()
	for now := timer.Timestamp(1); now <= next.EndTime+10; now++ {
		ctx.timer.AdvanceTo(now)
	}

	require.Equal(t, 1, ctx.driver.count(callStart))
	require.Equal(t, int(next.Steps), ctx.driver.count(callReduce))
	require.Equal(t, 1, ctx.driver.count(callFinalize))
}

// TestLateStartSkipsRound makes sure a round noticed too late is replanned
// instead of traded at a stale price.
func TestLateStartSkipsRound(t *testing.T) {
	ctx := newTestContext(t, params.Default(), 100)

	ctx.timer.AdvanceTo(3600 + timer.Timestamp(MaxLateTick) + 1)
	require.Equal(t, []string{callCapture}, ctx.driver.reset())

	live, next := ctx.scheduler.Schedules()
	require.Nil(t, live)
	require.Equal(t, timer.Timestamp(7202), next.StartTime)
	require.Equal(t, StateWaiting, ctx.scheduler.State())

	ctx.timer.AdvanceTo(7100)
	require.Empty(t, ctx.driver.reset())
}

// TestLateStartWithinGrace makes sure a round that is only slightly late
// still runs and starts trading right away.
func TestLateStartWithinGrace(t *testing.T) {
	ctx := newTestContext(t, params.Default(), 100)

	ctx.timer.AdvanceTo(3600 + timer.Timestamp(MaxLateTick))
	require.Equal(
		t, []string{callCapture, callStart}, ctx.driver.reset(),
	)
	require.Equal(t, StateActive, ctx.scheduler.State())
}

// TestJumpPastEnd makes sure a timer that jumps over the whole round
// finalizes it once without a burst of steps.
func TestJumpPastEnd(t *testing.T) {
	ctx := newTestContext(t, params.Default(), 100)

	ctx.timer.AdvanceTo(3602)
	require.Equal(
		t, []string{callCapture, callStart}, ctx.driver.reset(),
	)

	ctx.timer.AdvanceTo(7000)
	require.Equal(t, []string{callFinalize}, ctx.driver.reset())
	require.Equal(t, StateWaiting, ctx.scheduler.State())
}

// TestFailedStartKeepsRunning makes sure a failing round start is logged and
// doesn't stop the price steps or the finalization.
func TestFailedStartKeepsRunning(t *testing.T) {
	ctx := newTestContext(t, params.Default(), 100)
	ctx.driver.startErr = errors.New("price not locked")

	for now := timer.Timestamp(3602); now <= 6602; now += 600 {
		ctx.timer.AdvanceTo(now)
	}

	require.Equal(t, 1, ctx.driver.count(callStart))
	require.Equal(t, 5, ctx.driver.count(callReduce))
	require.Equal(t, 1, ctx.driver.count(callFinalize))
}

// TestParamsChange makes sure a planned round isn't replanned while an
// invalid parameter set is replaced as soon as it is corrected.
func TestParamsChange(t *testing.T) {
	invalid := params.Default()
	invalid.StartingRate = invalid.LowestRate
	ctx := newTestContext(t, invalid, 100)

	_, next := ctx.scheduler.Schedules()
	require.Nil(t, next)

	// An update with valid parameters plans the next round.
	require.NoError(t, ctx.params.Update(params.Default()))
	require.Eventually(t, func() bool {
		_, next := ctx.scheduler.Schedules()
		return next != nil
	}, time.Second, 10*time.Millisecond)

	_, next = ctx.scheduler.Schedules()
	require.Equal(t, timer.Timestamp(3602), next.StartTime)

	// A planned round keeps its times.
	faster := params.Default()
	faster.StartFrequency = 1800
	ctx.scheduler.handleParamsUpdate(faster)

	_, kept := ctx.scheduler.Schedules()
	require.Equal(t, next, kept)

	ctx.timer.AdvanceTo(3602)
	require.Equal(
		t, []string{callCapture, callStart}, ctx.driver.reset(),
	)
}

// TestScheduleNotifications makes sure every transition is published.
func TestScheduleNotifications(t *testing.T) {
	ctx := newTestContext(t, params.Default(), 100)

	client, err := ctx.scheduler.Subscribe()
	require.NoError(t, err)
	defer client.Cancel()

	ctx.timer.AdvanceTo(3600)
	ctx.timer.AdvanceTo(3602)

	expected := []ScheduleNotification{{
		ActiveStartTime:        3602,
		ActiveEndTime:          6602,
		NextStartTime:          7202,
		NextDescendingStepTime: 3602,
		State:                  StateWaiting,
	}, {
		ActiveStartTime:        3602,
		ActiveEndTime:          6602,
		NextStartTime:          7202,
		NextDescendingStepTime: 4202,
		State:                  StateActive,
	}}

	for _, exp := range expected {
		select {
		case update := <-client.Updates():
			ntfn := update.(*ScheduleNotification)
			require.Equal(t, exp, *ntfn)

		case <-time.After(time.Second):
			t.Fatal("no schedule notification received")
		}
	}
}

package schedule

import (
	"fmt"

	"github.com/lightninglabs/remate/params"
	"github.com/lightninglabs/remate/timer"
)

// Schedule is the plan of a single auction round. It is immutable once
// computed.
type Schedule struct {
	// StartTime is the time of the first price step.
	StartTime timer.Timestamp

	// EndTime is the time of the last price step.
	EndTime timer.Timestamp

	// Steps is the number of price reductions after the first step.
	Steps uint64

	// EndRate is the rate in basis points at the last step.
	EndRate uint64

	// StartDelay is the time between the nominal start and StartTime.
	StartDelay timer.RelativeTime

	// ClockStep is the time between two price steps.
	ClockStep timer.RelativeTime

	// LockTime is the time the oracle price is locked for the round.
	LockTime timer.Timestamp
}

// NominalStart returns the time the round is triggered at, which is the
// start time minus the start delay.
func (s *Schedule) NominalStart() timer.Timestamp {
	return s.StartTime - timer.Timestamp(s.StartDelay)
}

// String returns a human readable summary of the schedule.
func (s *Schedule) String() string {
	return fmt.Sprintf("start=%d end=%d steps=%d endRate=%d lock=%d",
		s.StartTime, s.EndTime, s.Steps, s.EndRate, s.LockTime)
}

// ComputeRoundTiming plans the next round that starts after now. If no
// schedule can be derived from the parameters the problem is logged and nil
// is returned.
func ComputeRoundTiming(p params.Params, now timer.Timestamp) *Schedule {
	if err := p.Validate(); err != nil {
		log.Errorf("Unable to compute round timing: %v", err)
		return nil
	}

	freq := timer.Timestamp(p.StartFrequency)
	clockStep := p.ClockStep

	requestedSteps := (p.StartingRate - p.LowestRate) / p.DiscountStep
	requestedDuration := clockStep * timer.RelativeTime(requestedSteps)

	// A round never takes the full period, so the nominal start of the
	// following round can't collide with this round's end.
	targetDuration := requestedDuration
	if maxDuration := p.StartFrequency - 1; targetDuration > maxDuration {
		targetDuration = maxDuration
	}

	if clockStep == 0 {
		log.Errorf("Unable to compute round timing: zero clock step")
		return nil
	}
	steps := uint64(targetDuration / clockStep)
	if steps == 0 {
		log.Errorf("Unable to compute round timing: clock step %d "+
			"leaves no room for a single step", clockStep)
		return nil
	}

	duration := clockStep * timer.RelativeTime(steps)

	// The end rate may stay above the lowest rate if the discount step
	// doesn't divide the range evenly.
	endRate := p.StartingRate - steps*p.DiscountStep

	nextStart := now + freq - now%freq
	startTime := nextStart + timer.Timestamp(p.AuctionStartDelay)

	return &Schedule{
		StartTime:  startTime,
		EndTime:    startTime + timer.Timestamp(duration),
		Steps:      steps,
		EndRate:    endRate,
		StartDelay: p.AuctionStartDelay,
		ClockStep:  clockStep,
		LockTime:   startTime - timer.Timestamp(p.PriceLockPeriod),
	}
}

// NextDescendingStepTime returns the time of the next price step, given the
// live and next schedule. This is only informational, the steps themselves
// are driven by a repeating wakeup.
func NextDescendingStepTime(live, next *Schedule,
	now timer.Timestamp) timer.Timestamp {

	var nextStart timer.Timestamp
	if next != nil {
		nextStart = next.StartTime
	}

	if live == nil {
		return nextStart
	}
	if now < live.StartTime {
		return live.StartTime
	}

	elapsed := now - live.StartTime
	sinceLastStep := elapsed % timer.Timestamp(live.ClockStep)
	lastStepStart := now - sinceLastStep
	expectedNext := lastStepStart + timer.Timestamp(live.ClockStep)

	if expectedNext > live.EndTime {
		return nextStart
	}
	return expectedNext
}

// Position describes where a point in time lies relative to a schedule.
type Position uint8

const (
	// Before means the schedule hasn't started yet.
	Before Position = iota

	// During means the schedule is running and not at its end.
	During

	// EndExactly means the time is exactly the end of the schedule.
	EndExactly

	// After means the schedule is over.
	After
)

// String returns a human readable representation of the position.
func (p Position) String() string {
	switch p {
	case Before:
		return "Before"

	case During:
		return "During"

	case EndExactly:
		return "EndExactly"

	case After:
		return "After"

	default:
		return "<unknown>"
	}
}

// TimeVsSchedule classifies the given time relative to the schedule.
func TimeVsSchedule(now timer.Timestamp, s *Schedule) Position {
	switch {
	case now < s.StartTime:
		return Before

	case now == s.EndTime:
		return EndExactly

	case now < s.EndTime:
		return During

	default:
		return After
	}
}

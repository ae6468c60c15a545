package params

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// TestValidate runs through every rule a parameter set has to satisfy.
func TestValidate(t *testing.T) {
	testCases := []struct {
		name   string
		modify func(p *Params)
		err    error
	}{{
		name:   "valid defaults",
		modify: func(p *Params) {},
	}, {
		name: "start delay equals frequency",
		modify: func(p *Params) {
			p.AuctionStartDelay = p.StartFrequency
		},
		err: ErrStartDelayTooLong,
	}, {
		name: "lock period equals frequency",
		modify: func(p *Params) {
			p.PriceLockPeriod = p.StartFrequency
		},
		err: ErrLockPeriodTooLong,
	}, {
		name: "starting rate equals lowest",
		modify: func(p *Params) {
			p.LowestRate = p.StartingRate
		},
		err: ErrRateRange,
	}, {
		name: "discount step beyond range",
		modify: func(p *Params) {
			p.DiscountStep = p.StartingRate - p.LowestRate + 1
		},
		err: ErrDiscountStepTooLarge,
	}, {
		name: "zero discount step",
		modify: func(p *Params) {
			p.DiscountStep = 0
		},
		err: ErrDiscountStepTooLarge,
	}, {
		name: "clock step longer than frequency",
		modify: func(p *Params) {
			p.ClockStep = p.StartFrequency + 1
		},
		err: ErrClockStepTooLong,
	}}

	for _, tc := range testCases {
		tc := tc

		t.Run(tc.name, func(t *testing.T) {
			p := Default()
			tc.modify(&p)

			err := p.Validate()
			if tc.err == nil {
				require.NoError(t, err)
				return
			}
			require.True(t, errors.Is(err, tc.err), err)
		})
	}
}

// TestStoreUpdates makes sure subscribers are notified about parameter
// changes.
func TestStoreUpdates(t *testing.T) {
	s := NewStore(Default())
	require.NoError(t, s.Start())
	defer s.Stop()

	client, err := s.Subscribe()
	require.NoError(t, err)
	defer client.Cancel()

	p := Default()
	p.ClockStep = 300
	require.NoError(t, s.Update(p))
	require.Equal(t, p, s.Current())

	select {
	case update := <-client.Updates():
		require.Equal(t, &Update{Params: p}, update)

	case <-time.After(time.Second):
		t.Fatal("no update received")
	}
}

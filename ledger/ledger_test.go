package ledger

import (
	"errors"
	"testing"

	"github.com/lightninglabs/remate/amount"
	"github.com/stretchr/testify/require"
)

var (
	ist  = amount.Brand("IST")
	atom = amount.Brand("ATOM")
)

// TestAtomicRearrange makes sure a valid batch of transfers moves funds
// between seats, including keyword remapping.
func TestAtomicRearrange(t *testing.T) {
	l := New()

	bidder := l.MakeSeat(Proposal{
		Give: Allocation{KeywordBid: amount.New(ist, 100)},
		Want: Allocation{KeywordCollateral: amount.New(atom, 10)},
	})
	pool := l.MakeEmptySeat()
	collPool := l.MakeSeat(Proposal{
		Give: Allocation{KeywordCollateral: amount.New(atom, 50)},
	})

	err := l.AtomicRearrange([]Transfer{{
		From:    collPool,
		To:      bidder,
		Amounts: Allocation{KeywordCollateral: amount.New(atom, 10)},
	}, {
		From:      bidder,
		To:        pool,
		Amounts:   Allocation{KeywordBid: amount.New(ist, 70)},
		ToAmounts: Allocation{KeywordCurrency: amount.New(ist, 70)},
	}})
	require.NoError(t, err)

	alloc := bidder.CurrentAllocation()
	require.Equal(t, amount.New(ist, 30), alloc[KeywordBid])
	require.Equal(t, amount.New(atom, 10), alloc[KeywordCollateral])
	require.Equal(
		t, amount.New(ist, 70), pool.CurrentAllocation()[KeywordCurrency],
	)
	require.Equal(
		t, amount.New(atom, 40),
		collPool.CurrentAllocation()[KeywordCollateral],
	)
}

// TestAtomicRearrangeAllOrNothing makes sure a single bad transfer aborts
// the whole batch.
func TestAtomicRearrangeAllOrNothing(t *testing.T) {
	l := New()

	a := l.MakeSeat(Proposal{
		Give: Allocation{KeywordBid: amount.New(ist, 10)},
	})
	b := l.MakeEmptySeat()

	err := l.AtomicRearrange([]Transfer{{
		From:    a,
		To:      b,
		Amounts: Allocation{KeywordBid: amount.New(ist, 5)},
	}, {
		From:    a,
		To:      b,
		Amounts: Allocation{KeywordBid: amount.New(ist, 6)},
	}})
	require.True(t, errors.Is(err, ErrInsufficientFunds))

	require.Equal(t, amount.New(ist, 10), a.CurrentAllocation()[KeywordBid])
	require.Empty(t, b.CurrentAllocation())

	// A remap that changes the value is rejected as well.
	err = l.AtomicRearrange([]Transfer{{
		From:      a,
		To:        b,
		Amounts:   Allocation{KeywordBid: amount.New(ist, 5)},
		ToAmounts: Allocation{KeywordCurrency: amount.New(ist, 4)},
	}})
	require.Error(t, err)

	// Exited seats can't take part in a rearrangement.
	require.NoError(t, b.Exit())
	err = l.AtomicRearrange([]Transfer{{
		From:    a,
		To:      b,
		Amounts: Allocation{KeywordBid: amount.New(ist, 1)},
	}})
	require.True(t, errors.Is(err, ErrSeatExited))
	require.Equal(t, amount.New(ist, 10), a.CurrentAllocation()[KeywordBid])
}

// TestSeatLifecycle covers exit and failure of seats.
func TestSeatLifecycle(t *testing.T) {
	l := New()

	s := l.MakeEmptySeat()
	require.False(t, s.HasExited())

	found, err := l.Seat(s.ID())
	require.NoError(t, err)
	require.Equal(t, s, found)

	_, err = l.Seat("unknown")
	require.True(t, errors.Is(err, ErrUnknownSeat))

	reason := errors.New("price fell to zero")
	s.Fail(reason)
	require.True(t, s.HasExited())
	require.Equal(t, reason, s.FailureReason())

	// Failing or exiting again doesn't change the reason.
	s.Fail(errors.New("other"))
	require.Equal(t, reason, s.FailureReason())
	require.True(t, errors.Is(s.Exit(), ErrSeatExited))
}

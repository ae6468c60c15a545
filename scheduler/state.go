package scheduler

import "fmt"

// AuctionState describes whether a round is currently running.
type AuctionState uint32

const (
	// StateWaiting is the state between two rounds. Bids are only queued
	// in this state.
	//
	// The possible transitions from this state are:
	//     * StateWaiting -> StateActive (round start)
	StateWaiting AuctionState = iota

	// StateActive is the state from the start of a round until it is
	// finalized. New bids that clear the current price are settled right
	// away.
	//
	// The possible transitions from this state are:
	//     * StateActive -> StateActive (price step)
	//     * StateActive -> StateWaiting (finalize)
	StateActive
)

// String returns a human readable version of the target AuctionState.
func (s AuctionState) String() string {
	switch s {
	case StateWaiting:
		return "Waiting"

	case StateActive:
		return "Active"

	default:
		return fmt.Sprintf("<unknown state %d>", uint32(s))
	}
}

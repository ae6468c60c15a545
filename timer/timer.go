package timer

import (
	"container/heap"
	"errors"
	"sync"
	"sync/atomic"
)

var (
	// ErrZeroInterval is returned if a repeating wakeup is requested with
	// an interval of zero.
	ErrZeroInterval = errors.New("repeat interval must be positive")
)

// Timestamp is an absolute point in time, measured in ticks since the epoch.
type Timestamp uint64

// RelativeTime is a duration measured in ticks.
type RelativeTime uint64

// CancelToken is an opaque identifier that is handed to RepeatAfter and can
// later be used to cancel the repeating wakeup.
type CancelToken uint64

// Callback is invoked when a wakeup fires. The timestamp is the time the timer
// advanced to.
type Callback func(now Timestamp)

// Service is the chain timer the scheduler is driven by. Wakeups fire at or
// after the requested time, never before, and multiple due wakeups may be
// batched into a single advance.
type Service interface {
	// CurrentTimestamp returns the current time of the timer.
	CurrentTimestamp() Timestamp

	// SetWakeup registers a one-shot wakeup.
	SetWakeup(at Timestamp, cb Callback)

	// RepeatAfter registers a repeating wakeup that first fires after
	// delay and then every interval. It can be cancelled with the token.
	RepeatAfter(delay, interval RelativeTime, cb Callback,
		token CancelToken) error

	// Cancel cancels all repeating wakeups registered with the token.
	Cancel(token CancelToken)
}

var tokenCounter uint64

// NewCancelToken mints a new unique cancellation token.
func NewCancelToken() CancelToken {
	return CancelToken(atomic.AddUint64(&tokenCounter, 1))
}

// wakeup is a single pending entry of the BlockTimer.
type wakeup struct {
	at       Timestamp
	seq      uint64
	cb       Callback
	interval RelativeTime
	token    CancelToken
	repeats  bool
}

type wakeupQueue []*wakeup

func (q wakeupQueue) Len() int { return len(q) }

func (q wakeupQueue) Less(i, j int) bool {
	if q[i].at != q[j].at {
		return q[i].at < q[j].at
	}
	return q[i].seq < q[j].seq
}

func (q wakeupQueue) Swap(i, j int) { q[i], q[j] = q[j], q[i] }

func (q *wakeupQueue) Push(x interface{}) {
	*q = append(*q, x.(*wakeup))
}

func (q *wakeupQueue) Pop() interface{} {
	old := *q
	n := len(old)
	w := old[n-1]
	old[n-1] = nil
	*q = old[:n-1]
	return w
}

// BlockTimer is a timer service whose time only moves when AdvanceTo is
// called, for example on every new block or on a wall clock tick.
type BlockTimer struct {
	mu      sync.Mutex
	now     Timestamp
	seq     uint64
	pending wakeupQueue
}

// A compile-time constraint to ensure BlockTimer satisfies the Service
// interface.
var _ Service = (*BlockTimer)(nil)

// NewBlockTimer creates a new timer starting at the given time.
func NewBlockTimer(start Timestamp) *BlockTimer {
	return &BlockTimer{now: start}
}

// CurrentTimestamp returns the time the timer was last advanced to.
//
// NOTE: This is part of the Service interface.
func (t *BlockTimer) CurrentTimestamp() Timestamp {
	t.mu.Lock()
	defer t.mu.Unlock()

	return t.now
}

// SetWakeup registers a one-shot wakeup. A wakeup in the past fires on the
// next advance.
//
// NOTE: This is part of the Service interface.
func (t *BlockTimer) SetWakeup(at Timestamp, cb Callback) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.push(&wakeup{at: at, cb: cb})
}

// RepeatAfter registers a repeating wakeup.
//
// NOTE: This is part of the Service interface.
func (t *BlockTimer) RepeatAfter(delay, interval RelativeTime, cb Callback,
	token CancelToken) error {

	if interval == 0 {
		return ErrZeroInterval
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	t.push(&wakeup{
		at:       t.now + Timestamp(delay),
		cb:       cb,
		interval: interval,
		token:    token,
		repeats:  true,
	})

	return nil
}

// Cancel removes all repeating wakeups registered with the token.
//
// NOTE: This is part of the Service interface.
func (t *BlockTimer) Cancel(token CancelToken) {
	t.mu.Lock()
	defer t.mu.Unlock()

	kept := t.pending[:0]
	for _, w := range t.pending {
		if w.repeats && w.token == token {
			continue
		}
		kept = append(kept, w)
	}
	t.pending = kept
	heap.Init(&t.pending)
}

// AdvanceTo moves the timer to the given time and fires every wakeup that is
// due in time order. Callbacks run without the timer lock held, so they may
// register or cancel wakeups themselves. A repeating wakeup fires at most
// once per advance and is then rescheduled to its next period after now.
// Moving backwards is ignored.
func (t *BlockTimer) AdvanceTo(to Timestamp) {
	t.mu.Lock()
	if to > t.now {
		t.now = to
	}
	now := t.now

	log.Tracef("Advancing to %d with %d wakeups pending", now,
		t.pending.Len())

	// Entries registered by callbacks that are already due are picked up
	// by the same loop.
	for t.pending.Len() > 0 && t.pending[0].at <= now {
		w := heap.Pop(&t.pending).(*wakeup)

		if w.repeats {
			// Skip over all periods that are already in the
			// past so a late advance doesn't fire a burst. The
			// entry is queued again before the callback runs so
			// the callback can cancel it.
			missed := (now - w.at) / Timestamp(w.interval)
			w.at += (missed + 1) * Timestamp(w.interval)
			t.push(w)
		}

		t.mu.Unlock()
		w.cb(now)
		t.mu.Lock()

		now = t.now
	}
	t.mu.Unlock()
}

// push adds the wakeup to the queue. The caller must hold the mutex.
func (t *BlockTimer) push(w *wakeup) {
	t.seq++
	w.seq = t.seq
	heap.Push(&t.pending, w)
}

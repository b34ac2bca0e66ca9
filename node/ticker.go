package node

import (
	"sync"
	"sync/atomic"
	"time"
)

const timeoutChannelSize = 100

// TimeoutInfo identifies one scheduled round timeout. A timeout that fires
// for a height already finalized is stale and ignored by the event loop.
type TimeoutInfo struct {
	Duration time.Duration
	Height   int64
	Round    int32
}

// SlotTicker drives the node's two clocks: a fixed-interval slot tick for
// leader rotation and epoch boundaries, and a resettable round timer for
// liveness escalation when a height stalls.
type SlotTicker struct {
	mu       sync.Mutex
	interval time.Duration

	slotCh    chan uint64
	timeoutCh chan TimeoutInfo
	tickCh    chan TimeoutInfo
	stopCh    chan struct{}

	timer   *time.Timer
	slot    uint64
	running bool

	droppedTimeouts uint64
}

// NewSlotTicker creates a ticker with the given slot interval.
func NewSlotTicker(interval time.Duration) *SlotTicker {
	return &SlotTicker{
		interval:  interval,
		slotCh:    make(chan uint64, timeoutChannelSize),
		timeoutCh: make(chan TimeoutInfo, timeoutChannelSize),
		tickCh:    make(chan TimeoutInfo, timeoutChannelSize),
		stopCh:    make(chan struct{}),
	}
}

// Start starts the ticker.
func (st *SlotTicker) Start() {
	st.mu.Lock()
	defer st.mu.Unlock()

	if st.running {
		return
	}
	st.running = true
	go st.run()
}

// Stop stops the ticker.
func (st *SlotTicker) Stop() {
	st.mu.Lock()
	defer st.mu.Unlock()

	if !st.running {
		return
	}
	st.running = false

	close(st.stopCh)
	if st.timer != nil {
		st.timer.Stop()
	}
}

// Slots delivers the slot counter every interval.
func (st *SlotTicker) Slots() <-chan uint64 {
	return st.slotCh
}

// Timeouts delivers fired round timeouts.
func (st *SlotTicker) Timeouts() <-chan TimeoutInfo {
	return st.timeoutCh
}

// ScheduleTimeout arms the round timer, replacing any pending one.
func (st *SlotTicker) ScheduleTimeout(ti TimeoutInfo) {
	select {
	case st.tickCh <- ti:
	case <-st.stopCh:
	}
}

// DroppedTimeouts returns the number of events dropped on full channels.
func (st *SlotTicker) DroppedTimeouts() uint64 {
	return atomic.LoadUint64(&st.droppedTimeouts)
}

func (st *SlotTicker) run() {
	ticker := time.NewTicker(st.interval)
	defer ticker.Stop()

	for {
		select {
		case <-st.stopCh:
			return

		case <-ticker.C:
			slot := atomic.AddUint64(&st.slot, 1)
			select {
			case st.slotCh <- slot:
			default:
				atomic.AddUint64(&st.droppedTimeouts, 1)
			}

		case ti := <-st.tickCh:
			st.mu.Lock()
			if st.timer != nil {
				st.timer.Stop()
			}
			tiCopy := ti
			st.timer = time.AfterFunc(ti.Duration, func() {
				select {
				case st.timeoutCh <- tiCopy:
				case <-st.stopCh:
				default:
					atomic.AddUint64(&st.droppedTimeouts, 1)
				}
			})
			st.mu.Unlock()
		}
	}
}

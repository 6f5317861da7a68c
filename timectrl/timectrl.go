package timectrl

import (
	"sort"
	"sync"
	"time"
)

// SimClock is an interface for accessing simulation time. Components depend
// on this abstraction rather than the concrete controller, so tests can
// substitute a fixed clock.
type SimClock interface {
	// Now returns the current simulation time.
	Now() time.Time
	// After returns a channel that receives the simulation time once the
	// duration d has elapsed in simulation time.
	After(d time.Duration) <-chan time.Time
}

// Mode describes how the TimeController advances simulation time.
type Mode int

const (
	// RealTime advances one tick per wall-clock tick.
	RealTime Mode = iota
	// Accelerated advances as quickly as the loop can run while still
	// stepping by Tick, so a day of mesh behavior replays in seconds.
	Accelerated
)

// TimeController drives simulation time and notifies registered listeners
// each tick. The engine registers a listener that steps every mesh node.
type TimeController struct {
	mu        sync.RWMutex
	StartTime time.Time
	Tick      time.Duration
	Mode      Mode

	currentTime time.Time

	listeners []func(time.Time)
	timers    []simTimer
}

type simTimer struct {
	deadline time.Time
	ch       chan time.Time
}

// NewTimeController constructs a controller.
func NewTimeController(start time.Time, tick time.Duration, mode Mode) *TimeController {
	return &TimeController{
		StartTime:   start,
		Tick:        tick,
		Mode:        mode,
		currentTime: start,
	}
}

// Now returns the current simulation time. Implements SimClock.
func (tc *TimeController) Now() time.Time {
	tc.mu.RLock()
	defer tc.mu.RUnlock()
	return tc.currentTime
}

// SetTime jumps the simulation clock. Pending timers whose deadlines are now
// in the past fire immediately.
func (tc *TimeController) SetTime(now time.Time) {
	tc.mu.Lock()
	tc.currentTime = now
	fired := tc.fireDueTimersLocked(now)
	tc.mu.Unlock()
	for _, ch := range fired {
		ch <- now
	}
}

// After returns a channel that receives the simulation time once d has
// elapsed in simulation time. Implements SimClock.
func (tc *TimeController) After(d time.Duration) <-chan time.Time {
	ch := make(chan time.Time, 1)
	tc.mu.Lock()
	tc.timers = append(tc.timers, simTimer{deadline: tc.currentTime.Add(d), ch: ch})
	sort.Slice(tc.timers, func(i, j int) bool {
		return tc.timers[i].deadline.Before(tc.timers[j].deadline)
	})
	tc.mu.Unlock()
	return ch
}

// AddListener registers a callback invoked on every tick.
func (tc *TimeController) AddListener(fn func(time.Time)) {
	tc.listeners = append(tc.listeners, fn)
}

// Start runs the controller for the specified simulated duration in a
// separate goroutine. It returns a channel that is closed when the
// controller finishes. A non-positive duration runs until the program exits.
func (tc *TimeController) Start(duration time.Duration) <-chan struct{} {
	done := make(chan struct{})
	go func() {
		defer close(done)

		tc.mu.Lock()
		simTime := tc.StartTime
		tc.currentTime = simTime
		tc.mu.Unlock()

		var ticker *time.Ticker
		if tc.Mode == RealTime {
			ticker = time.NewTicker(tc.Tick)
			defer ticker.Stop()
		}

		elapsed := time.Duration(0)
		for {
			if duration > 0 && elapsed >= duration {
				return
			}
			if ticker != nil {
				<-ticker.C
			}
			simTime = simTime.Add(tc.Tick)
			elapsed += tc.Tick

			tc.mu.Lock()
			tc.currentTime = simTime
			fired := tc.fireDueTimersLocked(simTime)
			tc.mu.Unlock()

			for _, ch := range fired {
				ch <- simTime
			}
			for _, fn := range tc.listeners {
				fn(simTime)
			}
		}
	}()
	return done
}

// fireDueTimersLocked removes timers whose deadlines have passed and returns
// their channels. Caller holds tc.mu and must send outside the lock.
func (tc *TimeController) fireDueTimersLocked(now time.Time) []chan time.Time {
	var fired []chan time.Time
	remaining := tc.timers[:0]
	for _, t := range tc.timers {
		if !t.deadline.After(now) {
			fired = append(fired, t.ch)
		} else {
			remaining = append(remaining, t)
		}
	}
	tc.timers = remaining
	return fired
}

package gic

import (
	"time"
)

// The counter advances one tick every 10 virtual nanoseconds (100 MHz).
const counterPeriodNs = 10

// TimerHandle tracks a cancellable one-shot callback.
type TimerHandle interface {
	Stop()
}

type timerHandleFunc func()

func (f timerHandleFunc) Stop() {
	if f != nil {
		f()
	}
}

type timerFactory func(delay time.Duration, cb func()) TimerHandle

func defaultTimerFactory(delay time.Duration, cb func()) TimerHandle {
	if cb == nil {
		return nil
	}
	if delay < 0 {
		delay = 0
	}
	t := time.AfterFunc(delay, cb)
	return timerHandleFunc(func() { t.Stop() })
}

func defaultClock() func() time.Duration {
	start := time.Now()
	return func() time.Duration { return time.Since(start) }
}

// vpeTimer is the single compare deadline a VPE owns. gen invalidates
// callbacks from handles that were cancelled or superseded while the
// callback was already in flight.
type vpeTimer struct {
	handle    TimerHandle
	deadline  time.Duration
	armed     bool
	gen       uint64
	pinRaised bool
}

func (g *GIC) countStopped() bool {
	return g.config&configCountStop != 0
}

func counterTicks(now time.Duration) uint32 {
	return uint32(now.Nanoseconds() / counterPeriodNs)
}

// getCountLocked returns the exposed counter value. While running it first
// services any deadline that has already passed, so a guest that reads
// compare and counter back to back never observes "counter past compare
// but no interrupt pending".
func (g *GIC) getCountLocked() uint32 {
	if g.countStopped() {
		return g.counterBase
	}
	now := g.now()
	for v := range g.vpes {
		t := &g.vpes[v].timer
		if t.armed && t.deadline <= now {
			g.expireTimerLocked(v)
		}
	}
	return g.counterBase + counterTicks(now)
}

// storeCountLocked stores a counter value. While running the base is
// rebased so the next read yields count, and every VPE deadline is
// recomputed against the new base.
func (g *GIC) storeCountLocked(count uint32) {
	if g.countStopped() {
		g.counterBase = count
		return
	}
	g.counterBase = count - counterTicks(g.now())
	for v := range g.vpes {
		g.updateTimerLocked(v)
	}
}

func (g *GIC) startCountLocked() {
	g.storeCountLocked(g.counterBase)
}

func (g *GIC) stopCountLocked() {
	// Freeze the exposed value into the base, then drop every deadline.
	g.counterBase += counterTicks(g.now())
	for v := range g.vpes {
		g.cancelTimerLocked(v)
	}
}

// updateTimerLocked recomputes VPE v's deadline from its compare register.
// The 32-bit wrap of the wait is intentional: the guest schedules
// short-future interrupts by writing counter + k, and a compare behind the
// counter means one full wrap.
func (g *GIC) updateTimerLocked(v int) uint32 {
	now := g.now()
	wait := g.vpes[v].compareLo - g.counterBase - counterTicks(now)
	next := now + time.Duration(wait)*counterPeriodNs

	g.cancelTimerLocked(v)
	if g.countStopped() {
		return wait
	}

	t := &g.vpes[v].timer
	gen := t.gen
	t.deadline = next
	t.armed = true
	t.handle = g.timers(next-now, func() { g.timerExpired(v, gen) })

	g.log.Writef("vpe %d timer scheduled, now=%d next=%d wait=%d", v, now, next, wait)
	return wait
}

func (g *GIC) cancelTimerLocked(v int) {
	t := &g.vpes[v].timer
	t.gen++
	t.armed = false
	if t.handle != nil {
		t.handle.Stop()
		t.handle = nil
	}
}

// timerExpired is the host timer callback for VPE v.
func (g *GIC) timerExpired(v int, gen uint64) {
	g.mu.Lock()
	defer g.mu.Unlock()

	t := &g.vpes[v].timer
	if !t.armed || t.gen != gen {
		// Cancelled or rearmed while this callback was in flight.
		return
	}
	if g.countStopped() {
		return
	}

	// The callback lands when the counter exactly equals compare. Bias
	// the base by one tick around the expiry so the reschedule computes
	// a full-wrap wait instead of zero, which would re-fire immediately.
	g.counterBase++
	g.expireTimerLocked(v)
	g.counterBase--
}

// expireTimerLocked delivers VPE v's compare interrupt: rearm for the next
// wrap, latch the pending bit, and raise the mapped pin if the mask and
// map allow it.
func (g *GIC) expireTimerLocked(v int) {
	vpe := &g.vpes[v]
	pin := vpe.cmpMap.pin() + pinBase

	g.updateTimerLocked(v)
	vpe.pend |= compareMaskBit

	if vpe.pend&vpe.mask&compareMaskBit != 0 {
		if vpe.cmpMap.valid() {
			g.log.Writef("vpe %d compare expired, raising pin %d", v, pin)
			vpe.timer.pinRaised = true
			g.stats.edges++
			g.stats.perVpe[v]++
			g.routing.SetPin(v, pin, true)
		} else {
			g.log.Writef("vpe %d compare expired, map not valid", v)
		}
	} else {
		g.log.Writef("vpe %d compare expired, masked off", v)
	}
}

// storeCompareLocked handles a COMPARE_LO write: rearm, acknowledge the
// pending compare interrupt, and recompute the composite pin level so a
// peer source that shares the pin keeps it asserted.
func (g *GIC) storeCompareLocked(v int, compare uint32) {
	vpe := &g.vpes[v]
	vpe.compareLo = compare

	g.updateTimerLocked(v)

	vpe.pend &^= compareMaskBit
	if vpe.cmpMap.valid() {
		vpe.timer.pinRaised = false
		g.routePinLocked(vpe.cmpMap.pin(), v, false)
	}
}

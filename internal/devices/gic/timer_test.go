package gic

import (
	"testing"
	"time"
)

// armCompare points VPE vpe's compare interrupt at pin, unmasks it and
// writes the compare value through the local window.
func armCompare(t *testing.T, g *GIC, vpe, pin int, compare uint64) {
	t.Helper()
	writeReg(t, g, vpe, vpeLocalBase+vpeCompareMapOfs, 4, uint64(interruptMapValid)|uint64(pin))
	writeReg(t, g, vpe, vpeLocalBase+vpeSMaskOfs, 4, uint64(compareMaskBit))
	writeReg(t, g, vpe, vpeLocalBase+vpeCompareLoOfs, 4, compare)
}

func TestCompareSchedulesTimerEdge(t *testing.T) {
	g, pins, clock, factory := newTestGIC(t, 1, 8)

	armCompare(t, g, 0, 4, 1000)

	timer := factory.last()
	if timer == nil {
		t.Fatalf("expected a deadline armed by the compare write")
	}
	if timer.delay != 1000*counterPeriodNs {
		t.Fatalf("expected 10000ns deadline, got %v", timer.delay)
	}

	clock.Advance(10 * time.Microsecond)
	timer.Fire()

	if !pins.level(0, 6) {
		t.Fatalf("expected compare expiry to raise pin 6 on cpu 0")
	}
	if pend := readReg(t, g, 0, vpeLocalBase+vpePendOfs, 4); pend&uint64(compareMaskBit) == 0 {
		t.Fatalf("expected compare pending bit set, pend 0x%x", pend)
	}
}

func TestExpiryReschedulesFullWrap(t *testing.T) {
	g, _, clock, factory := newTestGIC(t, 1, 8)

	armCompare(t, g, 0, 4, 1000)
	timer := factory.last()

	clock.Advance(10 * time.Microsecond)
	timer.Fire()

	next := factory.last()
	if next == nil || next == timer {
		t.Fatalf("expected expiry to rearm a fresh deadline")
	}
	// The bias around the expiry turns an exact-equality reschedule into
	// a full 32-bit wrap instead of an immediate re-fire.
	if next.delay != time.Duration(^uint32(0))*counterPeriodNs {
		t.Fatalf("expected full-wrap reschedule, got %v", next.delay)
	}
}

func TestCounterReadServicesPassedDeadline(t *testing.T) {
	g, pins, clock, _ := newTestGIC(t, 1, 8)

	armCompare(t, g, 0, 4, 1000)

	// The deadline passes but the host callback has not been delivered.
	clock.Advance(20 * time.Microsecond)

	count := readReg(t, g, 0, sharedCounterLoOfs, 4)
	if count != 2000 {
		t.Fatalf("expected counter 2000, got %d", count)
	}
	if !pins.level(0, 6) {
		t.Fatalf("expected passed deadline serviced during counter read")
	}
}

func TestPendReadServicesPassedDeadline(t *testing.T) {
	g, _, clock, _ := newTestGIC(t, 1, 8)

	armCompare(t, g, 0, 4, 1000)
	clock.Advance(20 * time.Microsecond)

	if pend := readReg(t, g, 0, vpeLocalBase+vpePendOfs, 4); pend&uint64(compareMaskBit) == 0 {
		t.Fatalf("expected pend read to service the passed deadline, pend 0x%x", pend)
	}
}

func TestCountStopFreezesCounter(t *testing.T) {
	g, _, clock, factory := newTestGIC(t, 1, 8)

	armCompare(t, g, 0, 4, 100000)

	clock.Advance(time.Microsecond)
	writeReg(t, g, 0, sharedConfigOfs, 4, uint64(configCountStop))

	first := readReg(t, g, 0, sharedCounterLoOfs, 4)
	clock.Advance(time.Millisecond)
	second := readReg(t, g, 0, sharedCounterLoOfs, 4)

	if first != second {
		t.Fatalf("stopped counter advanced: %d then %d", first, second)
	}
	if first != 100 {
		t.Fatalf("expected counter frozen at 100, got %d", first)
	}
	if last := factory.last(); last != nil {
		t.Fatalf("expected all deadlines cancelled while stopped")
	}
}

func TestCountRestartRearms(t *testing.T) {
	g, _, clock, factory := newTestGIC(t, 1, 8)

	armCompare(t, g, 0, 4, 1000)
	writeReg(t, g, 0, sharedConfigOfs, 4, uint64(configCountStop))
	if factory.last() != nil {
		t.Fatalf("expected deadlines cancelled on stop")
	}

	clock.Advance(time.Microsecond)
	writeReg(t, g, 0, sharedConfigOfs, 4, 0)

	timer := factory.last()
	if timer == nil {
		t.Fatalf("expected deadline rearmed on restart")
	}
	// Counter restarts from its frozen value; the wait shrinks by the
	// zero ticks that elapsed while stopped, not by wall time.
	if got := readReg(t, g, 0, sharedCounterLoOfs, 4); got != 0 {
		t.Fatalf("expected counter to resume from 0, got %d", got)
	}
}

func TestCounterWriteWhileRunningRebases(t *testing.T) {
	g, _, clock, factory := newTestGIC(t, 1, 8)

	clock.Advance(time.Microsecond)
	writeReg(t, g, 0, sharedCounterLoOfs, 4, 5000)

	if got := readReg(t, g, 0, sharedCounterLoOfs, 4); got != 5000 {
		t.Fatalf("expected counter 5000 right after store, got %d", got)
	}

	clock.Advance(time.Microsecond)
	if got := readReg(t, g, 0, sharedCounterLoOfs, 4); got != 5100 {
		t.Fatalf("expected counter 5100 after 1us, got %d", got)
	}

	if factory.last() == nil {
		t.Fatalf("expected counter store to rearm deadlines")
	}
}

func TestCounterWriteWhileStoppedStoresDirectly(t *testing.T) {
	g, _, clock, _ := newTestGIC(t, 1, 8)

	writeReg(t, g, 0, sharedConfigOfs, 4, uint64(configCountStop))
	writeReg(t, g, 0, sharedCounterLoOfs, 4, 0xDEAD)

	clock.Advance(time.Millisecond)
	if got := readReg(t, g, 0, sharedCounterLoOfs, 4); got != 0xDEAD {
		t.Fatalf("expected stored value 0xDEAD, got 0x%x", got)
	}
}

func TestCompareRewriteYieldsSingleEdge(t *testing.T) {
	g, pins, clock, factory := newTestGIC(t, 1, 8)

	armCompare(t, g, 0, 4, 1000)
	first := factory.last()

	// Rewriting compare before expiry supersedes the first deadline.
	writeReg(t, g, 0, vpeLocalBase+vpeCompareLoOfs, 4, 2000)
	if !first.stopped {
		t.Fatalf("expected first deadline cancelled by the rewrite")
	}

	second := factory.last()
	clock.Advance(20 * time.Microsecond)
	first.Fire()
	second.Fire()

	raised := 0
	pins.mu.Lock()
	for _, ev := range pins.events {
		if ev.level {
			raised++
		}
	}
	pins.mu.Unlock()
	if raised != 1 {
		t.Fatalf("expected exactly one raising edge, got %d", raised)
	}
}

func TestCompareWriteClearsPendingAndLowersPin(t *testing.T) {
	g, pins, clock, factory := newTestGIC(t, 1, 8)

	armCompare(t, g, 0, 4, 1000)
	clock.Advance(10 * time.Microsecond)
	factory.last().Fire()
	if !pins.level(0, 6) {
		t.Fatalf("expected pin high after expiry")
	}

	writeReg(t, g, 0, vpeLocalBase+vpeCompareLoOfs, 4, 50000)

	if pins.level(0, 6) {
		t.Fatalf("expected compare write to lower the pin")
	}
	if pend := readReg(t, g, 0, vpeLocalBase+vpePendOfs, 4); pend&uint64(compareMaskBit) != 0 {
		t.Fatalf("expected compare pending cleared, pend 0x%x", pend)
	}
}

func TestCompareWriteKeepsPinHeldByPeerSource(t *testing.T) {
	g, pins, clock, factory := newTestGIC(t, 1, 8)

	// Source 2 shares pin 4 with the compare interrupt.
	enableSource(t, g, 2, 4, 0)
	g.SetIRQ(2, true)

	armCompare(t, g, 0, 4, 1000)
	clock.Advance(10 * time.Microsecond)
	factory.last().Fire()

	writeReg(t, g, 0, vpeLocalBase+vpeCompareLoOfs, 4, 50000)
	if !pins.level(0, 6) {
		t.Fatalf("expected peer source to hold the pin across the compare write")
	}
}

func TestMaskedExpiryLatchesPendingOnly(t *testing.T) {
	g, pins, clock, factory := newTestGIC(t, 1, 8)

	// Valid map but the compare mask bit stays clear.
	writeReg(t, g, 0, vpeLocalBase+vpeCompareMapOfs, 4, uint64(interruptMapValid)|4)
	writeReg(t, g, 0, vpeLocalBase+vpeCompareLoOfs, 4, 1000)

	clock.Advance(10 * time.Microsecond)
	factory.last().Fire()

	if pins.level(0, 6) {
		t.Fatalf("masked compare expiry raised a pin")
	}
	if pend := readReg(t, g, 0, vpeLocalBase+vpePendOfs, 4); pend&uint64(compareMaskBit) == 0 {
		t.Fatalf("expected pending latched despite mask, pend 0x%x", pend)
	}
}

func TestInvalidMapExpiryLeavesPinUntouched(t *testing.T) {
	g, pins, clock, factory := newTestGIC(t, 1, 8)

	// Mask set but the map's valid bit is clear.
	writeReg(t, g, 0, vpeLocalBase+vpeCompareMapOfs, 4, 4)
	writeReg(t, g, 0, vpeLocalBase+vpeSMaskOfs, 4, uint64(compareMaskBit))
	writeReg(t, g, 0, vpeLocalBase+vpeCompareLoOfs, 4, 1000)

	clock.Advance(10 * time.Microsecond)
	factory.last().Fire()

	if pins.eventCount() != 0 {
		t.Fatalf("expiry with invalid map reached a pin")
	}
}

func TestStopReleasesDeadlines(t *testing.T) {
	g, _, clock, factory := newTestGIC(t, 1, 8)

	armCompare(t, g, 0, 4, 1000)
	timer := factory.last()

	if err := g.Stop(); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if !timer.stopped {
		t.Fatalf("expected pending deadline released on stop")
	}

	clock.Advance(time.Second)
	// A stale callback delivered after teardown must be a no-op.
	timer.cb()
}

package gic

import (
	"fmt"
	"sync"
	"time"

	"github.com/tinyrange/mipsvm/internal/chipset"
	"github.com/tinyrange/mipsvm/internal/debug"
	"github.com/tinyrange/mipsvm/internal/hv"
)

// CPUPinRouting lets the controller drive hardware interrupt pins on the
// virtual CPUs it services.
type CPUPinRouting interface {
	// SetPin drives interrupt pin pin on CPU cpu to level.
	SetPin(cpu int, pin int, level bool)
}

// CPUPinRoutingFunc adapts a simple function to CPUPinRouting.
type CPUPinRoutingFunc func(cpu int, pin int, level bool)

// SetPin implements CPUPinRouting.
func (f CPUPinRoutingFunc) SetPin(cpu int, pin int, level bool) {
	if f != nil {
		f(cpu, pin, level)
	}
}

type noopCPUPinRouting struct{}

func (noopCPUPinRouting) SetPin(int, int, bool) {}

// interruptSource is one numbered interrupt input to the controller.
type interruptSource struct {
	enabled      bool
	pending      bool
	polarity     bool
	triggerLevel bool
	dualEdge     bool // reserved, never set by the register file

	mapPin uint32
	mapVpe int
}

// vpeState is the per-VPE register set plus the VPE's timer record.
type vpeState struct {
	ctl       uint32
	pend      uint32
	mask      uint32
	wdMap     interruptMap
	cmpMap    interruptMap
	timerMap  interruptMap
	otherAddr uint32
	compareLo uint32

	timer vpeTimer
}

type gicStats struct {
	edges  uint64
	perVpe []uint64
}

// GIC emulates the global interrupt controller of a multi-VPE MIPS
// platform: a shared register file, per-source routing to (pin, VPE), and
// a free-running counter with one compare deadline per VPE.
type GIC struct {
	mu sync.Mutex

	base       uint64
	numVpe     int
	numSources int

	config      uint32
	counterBase uint32

	sources []interruptSource
	vpes    []vpeState

	routing CPUPinRouting
	now     func() time.Duration
	timers  timerFactory

	stats gicStats
	log   debug.Debug
}

// Option customises the controller, mainly for tests and harnesses.
type Option func(*GIC)

// WithClock overrides the virtual clock the counter is derived from. The
// clock reports virtual nanoseconds since machine power-on.
func WithClock(now func() time.Duration) Option {
	return func(g *GIC) {
		if now != nil {
			g.now = now
		}
	}
}

// WithTimerFactory injects a custom one-shot timer factory (used in tests
// and by deterministic harnesses).
func WithTimerFactory(factory func(delay time.Duration, cb func()) TimerHandle) Option {
	return func(g *GIC) {
		if factory != nil {
			g.timers = factory
		}
	}
}

// WithRouting sets the CPU pin sink interrupts are delivered to.
func WithRouting(r CPUPinRouting) Option {
	return func(g *GIC) {
		if r != nil {
			g.routing = r
		}
	}
}

// New builds a controller mapped at base servicing numVpe VPEs and
// numSources interrupt inputs. The counter starts running.
func New(base uint64, numVpe, numSources int, opts ...Option) (*GIC, error) {
	if numVpe < 1 || numVpe > 64 {
		return nil, fmt.Errorf("gic: vpe count %d outside [1, 64]", numVpe)
	}
	if numSources < 1 || numSources > 256 {
		return nil, fmt.Errorf("gic: source count %d outside [1, 256]", numSources)
	}

	g := &GIC{
		base:       base,
		numVpe:     numVpe,
		numSources: numSources,
		sources:    make([]interruptSource, numSources),
		vpes:       make([]vpeState, numVpe),
		routing:    noopCPUPinRouting{},
		now:        defaultClock(),
		timers:     defaultTimerFactory,
		stats:      gicStats{perVpe: make([]uint64, numVpe)},
		log:        debug.WithSource("gic"),
	}
	for _, opt := range opts {
		opt(g)
	}

	g.mu.Lock()
	g.resetLocked()
	g.mu.Unlock()
	return g, nil
}

// Init implements hv.Device.
func (g *GIC) Init(vm hv.VirtualMachine) error {
	if vm == nil {
		return nil
	}
	if vm.CPUCount() < g.numVpe {
		return fmt.Errorf("gic: machine has %d vCPUs, controller needs %d",
			vm.CPUCount(), g.numVpe)
	}
	return nil
}

// SetRouting overrides the CPU pin sink used when an interrupt fires.
func (g *GIC) SetRouting(r CPUPinRouting) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if r == nil {
		g.routing = noopCPUPinRouting{}
	} else {
		g.routing = r
	}
}

// NumVPE returns the number of VPEs the controller services.
func (g *GIC) NumVPE() int { return g.numVpe }

// NumSources returns the number of interrupt inputs.
func (g *GIC) NumSources() int { return g.numSources }

// Start implements chipset.ChangeDeviceState.
func (g *GIC) Start() error {
	return nil
}

// Stop implements chipset.ChangeDeviceState. It releases every scheduled
// deadline; no timer callback fires afterwards.
func (g *GIC) Stop() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	for v := range g.vpes {
		g.cancelTimerLocked(v)
	}
	return nil
}

// Reset implements chipset.ChangeDeviceState.
func (g *GIC) Reset() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.resetLocked()
	return nil
}

func (g *GIC) resetLocked() {
	for i := range g.sources {
		g.sources[i] = interruptSource{
			mapPin: mapToPinMask,
			mapVpe: 0,
		}
	}
	for v := range g.vpes {
		g.cancelTimerLocked(v)
		timer := g.vpes[v].timer
		g.vpes[v] = vpeState{timer: timer}
	}
	g.counterBase = 0
	g.config = configReset | uint32(g.numVpe)
	// Bit 28 resets cleared: the counter runs and every VPE deadline is
	// armed against compare zero.
	g.storeCountLocked(0)
}

// SupportsMmio implements chipset.ChipsetDevice.
func (g *GIC) SupportsMmio() *chipset.MmioIntercept {
	return &chipset.MmioIntercept{
		Regions: g.MMIORegions(),
		Handler: g,
	}
}

// SupportsPollDevice implements chipset.ChipsetDevice.
func (g *GIC) SupportsPollDevice() *chipset.PollDevice {
	return nil
}

// SetIRQ changes the level of a numbered interrupt input. This is the
// entry point the bus wires external devices to.
func (g *GIC) SetIRQ(source int, level bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.setIRQLocked(source, level)
}

func (g *GIC) setIRQLocked(source int, level bool) {
	if source < 0 || source >= g.numSources {
		g.log.Writef("dropped assertion of out-of-range source %d", source)
		return
	}

	src := &g.sources[source]
	src.pending = level

	if !src.enabled {
		// Pending is still recorded so it can be observed through the
		// PEND bank once the source is unmasked.
		return
	}

	pin := int(src.mapPin & pinFieldMask)
	vpe := src.mapVpe
	if vpe < 0 || vpe >= g.numVpe {
		return
	}

	g.routePinLocked(pin, vpe, level)
}

// routePinLocked presents the composite level for (pin, vpe): the OR of
// every enabled pending source mapped there, plus the gated compare
// pending bit. level short-circuits the scan when the caller already
// knows the pin is driven high.
func (g *GIC) routePinLocked(pin, vpe int, level bool) {
	ored := level
	if !ored {
		for i := range g.sources {
			src := &g.sources[i]
			if src.enabled && src.mapVpe == vpe &&
				int(src.mapPin&pinFieldMask) == pin && src.pending {
				ored = true
				break
			}
		}
		if !ored && g.vpes[vpe].cmpMap.pin() == pin &&
			g.vpes[vpe].mask&compareMaskBit != 0 {
			ored = g.vpes[vpe].pend&compareMaskBit != 0
		}
	}

	if ored {
		g.stats.edges++
		g.stats.perVpe[vpe]++
	}
	g.routing.SetPin(vpe, pin+pinBase, ored)
}

var (
	_ hv.Device               = (*GIC)(nil)
	_ hv.MemoryMappedIODevice = (*GIC)(nil)
	_ chipset.ChipsetDevice   = (*GIC)(nil)
	_ chipset.MmioHandler     = (*GIC)(nil)
)

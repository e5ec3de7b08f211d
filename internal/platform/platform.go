// Package platform assembles the interrupt subsystem of a multi-VPE MIPS
// machine: the global interrupt controller, the GCR identification block
// and the per-CPU interrupt pins they drive.
package platform

import (
	"fmt"
	"sync"

	"github.com/tinyrange/mipsvm/internal/chipset"
	"github.com/tinyrange/mipsvm/internal/debug"
	"github.com/tinyrange/mipsvm/internal/devices/gcr"
	"github.com/tinyrange/mipsvm/internal/devices/gic"
	"github.com/tinyrange/mipsvm/internal/hv"
)

// Each CPU exposes eight interrupt inputs; the controller drives the six
// hardware pins starting at index 2.
const numCPUPins = 8

type pinKey struct {
	cpu int
	pin int
}

// Platform owns the device instances and the pin state between them and
// the (external) CPU cores. It is the hv.VirtualMachine its devices see.
type Platform struct {
	mu sync.Mutex

	cfg Config

	gic *gic.GIC
	gcr *gcr.Device

	mmio []hv.MemoryMappedIODevice

	pins  [][]bool
	lines map[pinKey]chipset.LineInterrupt

	log debug.Debug
}

// New builds a platform from cfg. Extra options are threaded through to
// the interrupt controller so harnesses can substitute the clock and the
// timer service.
func New(cfg Config, opts ...gic.Option) (*Platform, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	p := &Platform{
		cfg:   cfg,
		pins:  make([][]bool, cfg.NumVPE),
		lines: make(map[pinKey]chipset.LineInterrupt),
		log:   debug.WithSource("platform"),
	}
	for i := range p.pins {
		p.pins[i] = make([]bool, numCPUPins)
	}

	opts = append(opts, gic.WithRouting(gic.CPUPinRoutingFunc(p.routePin)))
	g, err := gic.New(cfg.GICBase, cfg.NumVPE, cfg.NumSources, opts...)
	if err != nil {
		return nil, err
	}
	p.gic = g

	c, err := gcr.New(cfg.GCRBase, cfg.NumVPE, cfg.GICBase)
	if err != nil {
		return nil, err
	}
	p.gcr = c

	if err := p.AddDevice(g); err != nil {
		return nil, err
	}
	if err := p.AddDevice(c); err != nil {
		return nil, err
	}
	return p, nil
}

// GIC returns the interrupt controller instance.
func (p *Platform) GIC() *gic.GIC { return p.gic }

// GCR returns the identification block instance.
func (p *Platform) GCR() *gcr.Device { return p.gcr }

// Config returns the topology the platform was built from.
func (p *Platform) Config() Config { return p.cfg }

// Architecture implements hv.VirtualMachine.
func (p *Platform) Architecture() hv.CpuArchitecture { return hv.ArchitectureMIPS32 }

// CPUCount implements hv.VirtualMachine.
func (p *Platform) CPUCount() int { return p.cfg.NumVPE }

// AddDevice implements hv.VirtualMachine.
func (p *Platform) AddDevice(dev hv.Device) error {
	if err := dev.Init(p); err != nil {
		return err
	}
	if mmio, ok := dev.(hv.MemoryMappedIODevice); ok {
		p.mu.Lock()
		p.mmio = append(p.mmio, mmio)
		p.mu.Unlock()
	}
	return nil
}

// Close implements hv.VirtualMachine. It stops the controller's timer
// service; no deadline callback fires afterwards.
func (p *Platform) Close() error {
	return p.gic.Stop()
}

// SetIRQ implements hv.VirtualMachine: the controller (or any embedded
// device) drives interrupt pin pin on CPU cpu.
func (p *Platform) SetIRQ(cpu int, pin int, level bool) error {
	p.routePin(cpu, pin, level)
	return nil
}

func (p *Platform) routePin(cpu int, pin int, level bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if cpu < 0 || cpu >= len(p.pins) || pin < 0 || pin >= numCPUPins {
		p.log.Writef("dropped edge on cpu %d pin %d", cpu, pin)
		return
	}
	p.pins[cpu][pin] = level
	if line, ok := p.lines[pinKey{cpu: cpu, pin: pin}]; ok {
		line.SetLevel(level)
	}
}

// PinLevel reports the level last presented on a CPU pin.
func (p *Platform) PinLevel(cpu int, pin int) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if cpu < 0 || cpu >= len(p.pins) || pin < 0 || pin >= numCPUPins {
		return false
	}
	return p.pins[cpu][pin]
}

// AttachPinLine forwards every edge on (cpu, pin) to line. A CPU model (or
// a harness) uses this to observe the pins it cares about.
func (p *Platform) AttachPinLine(cpu int, pin int, line chipset.LineInterrupt) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if line == nil {
		delete(p.lines, pinKey{cpu: cpu, pin: pin})
		return
	}
	p.lines[pinKey{cpu: cpu, pin: pin}] = line
}

// AssertSource is the bus-facing entry point external devices use to
// assert or deassert a numbered interrupt input.
func (p *Platform) AssertSource(source int, level bool) {
	p.gic.SetIRQ(source, level)
}

func (p *Platform) deviceAt(addr uint64, size uint64) hv.MemoryMappedIODevice {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, dev := range p.mmio {
		for _, region := range dev.MMIORegions() {
			if region.Contains(addr, size) {
				return dev
			}
		}
	}
	return nil
}

// ReadMMIO dispatches a bus read to the device mapped at addr.
func (p *Platform) ReadMMIO(ctx hv.ExitContext, addr uint64, data []byte) error {
	dev := p.deviceAt(addr, uint64(len(data)))
	if dev == nil {
		return fmt.Errorf("platform: no device at 0x%x", addr)
	}
	return dev.ReadMMIO(ctx, addr, data)
}

// WriteMMIO dispatches a bus write to the device mapped at addr.
func (p *Platform) WriteMMIO(ctx hv.ExitContext, addr uint64, data []byte) error {
	dev := p.deviceAt(addr, uint64(len(data)))
	if dev == nil {
		return fmt.Errorf("platform: no device at 0x%x", addr)
	}
	return dev.WriteMMIO(ctx, addr, data)
}

var (
	_ hv.VirtualMachine = (*Platform)(nil)
)

// Package gcr implements the read-only identification slice of the MIPS
// coherence manager's Global Configuration Registers.
package gcr

import (
	"fmt"

	"github.com/tinyrange/mipsvm/internal/chipset"
	"github.com/tinyrange/mipsvm/internal/debug"
	"github.com/tinyrange/mipsvm/internal/hv"
)

const (
	// AddrSpaceSize is the size of the GCR MMIO window.
	AddrSpaceSize uint64 = 0x8000

	// DefaultBase is the conventional physical base of the block.
	DefaultBase uint64 = 0x1FBF8000

	gcbGlobalConfigOfs = 0x0000
	gcbBaseOfs         = 0x0008
	gcbRevisionOfs     = 0x0030
	gcbGICBaseOfs      = 0x0080
	gcbGICStatusOfs    = 0x00D0
	gcbCPCStatusOfs    = 0x00F0
	gcbL2ConfigOfs     = 0x0130

	clcbOfs      = 0x2000
	cocbOfs      = 0x4000
	ccbConfigOfs = 0x0010
	ccbOtherOfs  = 0x0018

	revision = 0x800

	gicStatusExtant uint64 = 1 << 0
	l2ConfigBypass  uint64 = 1 << 20
	gicBaseEnable   uint64 = 1 << 0
)

// Device exposes the handful of identification words guest firmware reads
// to discover the interrupt controller and the cluster shape. Everything
// else in the window is read-as-zero; writes other than the GIC base are
// dropped.
type Device struct {
	base   uint64
	numCpu int

	// Writable in hardware to relocate the controller; stored here but
	// never acted on.
	gicBase uint64

	log debug.Debug
}

// New builds the GCR block mapped at base for a numCpu-core cluster,
// advertising gicBase as the interrupt controller's location.
func New(base uint64, numCpu int, gicBase uint64) (*Device, error) {
	if numCpu < 1 {
		return nil, fmt.Errorf("gcr: cpu count %d outside [1, inf)", numCpu)
	}
	return &Device{
		base:    base,
		numCpu:  numCpu,
		gicBase: gicBase | gicBaseEnable,
		log:     debug.WithSource("gcr"),
	}, nil
}

// Init implements hv.Device.
func (d *Device) Init(vm hv.VirtualMachine) error { return nil }

// Start implements chipset.ChangeDeviceState.
func (d *Device) Start() error { return nil }

// Stop implements chipset.ChangeDeviceState.
func (d *Device) Stop() error { return nil }

// Reset implements chipset.ChangeDeviceState.
func (d *Device) Reset() error { return nil }

// SupportsMmio implements chipset.ChipsetDevice.
func (d *Device) SupportsMmio() *chipset.MmioIntercept {
	return &chipset.MmioIntercept{
		Regions: d.MMIORegions(),
		Handler: d,
	}
}

// SupportsPollDevice implements chipset.ChipsetDevice.
func (d *Device) SupportsPollDevice() *chipset.PollDevice { return nil }

// MMIORegions implements hv.MemoryMappedIODevice.
func (d *Device) MMIORegions() []hv.MMIORegion {
	return []hv.MMIORegion{
		{Address: d.base, Size: AddrSpaceSize},
	}
}

func (d *Device) checkAccess(addr uint64, size int) error {
	if size != 1 && size != 2 && size != 4 && size != 8 {
		return fmt.Errorf("gcr: invalid access size %d", size)
	}
	if !(hv.MMIORegion{Address: d.base, Size: AddrSpaceSize}).Contains(addr, uint64(size)) {
		return fmt.Errorf("gcr: access outside MMIO window: 0x%x", addr)
	}
	return nil
}

// ReadMMIO implements hv.MemoryMappedIODevice.
func (d *Device) ReadMMIO(ctx hv.ExitContext, addr uint64, data []byte) error {
	if err := d.checkAccess(addr, len(data)); err != nil {
		return err
	}

	val := d.read(addr - d.base)
	for i := 0; i < len(data); i++ {
		data[i] = byte(val >> (i * 8))
	}
	return nil
}

func (d *Device) read(offset uint64) uint64 {
	switch offset {
	case gcbGlobalConfigOfs:
		// PCORES reads zero.
		return 0
	case gcbBaseOfs:
		return d.base
	case gcbRevisionOfs:
		return revision
	case gcbGICBaseOfs:
		return d.gicBase
	case gcbGICStatusOfs:
		return gicStatusExtant
	case gcbCPCStatusOfs:
		return 0
	case gcbGlobalConfigOfs + gcbL2ConfigOfs:
		return l2ConfigBypass
	case clcbOfs + ccbConfigOfs, cocbOfs + ccbConfigOfs:
		return uint64(d.numCpu - 1)
	case clcbOfs + ccbOtherOfs:
		return 0
	}
	d.log.Writef("read at unimplemented offset 0x%x", offset)
	return 0
}

// WriteMMIO implements hv.MemoryMappedIODevice.
func (d *Device) WriteMMIO(ctx hv.ExitContext, addr uint64, data []byte) error {
	if err := d.checkAccess(addr, len(data)); err != nil {
		return err
	}

	var val uint64
	for i := 0; i < len(data); i++ {
		val |= uint64(data[i]) << (i * 8)
	}

	switch addr - d.base {
	case gcbGICBaseOfs:
		// Accepted and stored; this core never relocates the controller.
		d.gicBase = val
	default:
		d.log.Writef("write at unimplemented offset 0x%x data 0x%x",
			addr-d.base, val)
	}
	return nil
}

var (
	_ hv.Device               = (*Device)(nil)
	_ hv.MemoryMappedIODevice = (*Device)(nil)
	_ chipset.ChipsetDevice   = (*Device)(nil)
	_ chipset.MmioHandler     = (*Device)(nil)
)

package gic

// Register map of the controller window. The shared section occupies the
// bottom of the window; the per-VPE register set is reachable twice, once
// through the local section (resolved against the accessing vCPU) and once
// through the other section (resolved against OTHER_ADDR of the accessing
// vCPU). Everything from the user-mode base up is read-as-zero.
const (
	// AddrSpaceSize is the size of the controller's MMIO window.
	AddrSpaceSize uint64 = 0x20000

	// DefaultBase is the physical base the platform conventionally maps
	// the controller at.
	DefaultBase uint64 = 0x1BDC0000

	sharedConfigOfs    = 0x0000
	sharedCounterLoOfs = 0x0010
	sharedCounterHiOfs = 0x0014
	sharedPolBase      = 0x0100
	sharedTrigBase     = 0x0180
	sharedWedgeOfs     = 0x0280
	sharedRMaskBase    = 0x0300
	sharedSMaskBase    = 0x0380
	sharedPendBase     = 0x0480
	sharedMapToPinBase = 0x0500
	sharedMapToVpeBase = 0x2000

	vpeLocalBase = 0x8000
	vpeOtherBase = 0xC000
	userModeBase = 0x10000

	// One 32-bit register per source, one 64-bit one-hot selector per
	// source aligned on 32 bytes.
	mapToPinStride = 4
	mapToVpeStride = 32

	// The bitmap banks carry one bit per source.
	bitmapBankSize = 256 / 8
)

// Per-VPE register offsets, identical in the local and other sections.
const (
	vpeCtlOfs        = 0x00
	vpePendOfs       = 0x04
	vpeMaskOfs       = 0x08
	vpeRMaskOfs      = 0x0C
	vpeSMaskOfs      = 0x10
	vpeWdMapOfs      = 0x40
	vpeCompareMapOfs = 0x44
	vpeTimerMapOfs   = 0x48
	vpeOtherAddrOfs  = 0x80
	vpeIdentOfs      = 0x88
	vpeCompareLoOfs  = 0xA0
	vpeCompareHiOfs  = 0xA4
)

const (
	// Shared config: bit 28 stops the counter, the low byte carries the
	// VPE count. Reset value encodes the implementation revision and the
	// exposed capability bits, with bit 28 clear so the counter runs.
	configCountStop uint32 = 1 << 28
	configReset     uint32 = 0x000F0000

	// Reset sentinel for map-to-pin: the source is not routed anywhere.
	mapToPinMask uint32 = 0x80000000

	// WD_MAP/COMPARE_MAP/TIMER_MAP: {valid:[31], pin:[5:0]}.
	interruptMapMask  uint32 = 0xE000003F
	interruptMapValid uint32 = 1 << 31

	pinFieldMask = 0x3F

	// Per-VPE pend/mask registers are six bits wide; bit 1 is the
	// count/compare interrupt.
	vpeMaskWidth   uint32 = 0x3F
	compareMaskBit uint32 = 1 << 1

	// WEDGE: {assert:[31], source:[30:0]}.
	wedgeAssertBit  = 0x80000000
	wedgeSourceMask = 0x7FFFFFFF

	// Hardware interrupt inputs sit two above the software interrupts,
	// so a mapped pin is presented to the CPU as map + 2.
	pinBase = 2
)

// interruptMap is the {valid | pin} register layout shared by WD_MAP,
// COMPARE_MAP and TIMER_MAP.
type interruptMap uint32

func (m interruptMap) valid() bool { return uint32(m)&interruptMapValid != 0 }
func (m interruptMap) pin() int    { return int(m & pinFieldMask) }

package gic

import (
	"fmt"
	"math/bits"

	"github.com/tinyrange/mipsvm/internal/hv"
)

// Shared MASK bank sits between the SMASK bank and the PEND bank; it is
// the read-side view of the per-source enable bits set through
// RMASK/SMASK.
const sharedMaskBase = 0x0400

// MMIORegions implements hv.MemoryMappedIODevice.
func (g *GIC) MMIORegions() []hv.MMIORegion {
	return []hv.MMIORegion{
		{Address: g.base, Size: AddrSpaceSize},
	}
}

func (g *GIC) checkAccess(addr uint64, size int) error {
	if size != 1 && size != 2 && size != 4 && size != 8 {
		return fmt.Errorf("gic: invalid access size %d", size)
	}
	if !(hv.MMIORegion{Address: g.base, Size: AddrSpaceSize}).Contains(addr, uint64(size)) {
		return fmt.Errorf("gic: access outside MMIO window: 0x%x", addr)
	}
	return nil
}

func (g *GIC) accessVpe(ctx hv.ExitContext) int {
	vcpu := hv.CurrentVcpu(ctx)
	if vcpu < 0 || vcpu >= g.numVpe {
		return 0
	}
	return vcpu
}

// ReadMMIO implements hv.MemoryMappedIODevice.
func (g *GIC) ReadMMIO(ctx hv.ExitContext, addr uint64, data []byte) error {
	if err := g.checkAccess(addr, len(data)); err != nil {
		return err
	}

	g.mu.Lock()
	val := g.readLocked(g.accessVpe(ctx), addr-g.base, len(data))
	g.mu.Unlock()

	for i := 0; i < len(data); i++ {
		data[i] = byte(val >> (i * 8))
	}
	return nil
}

// WriteMMIO implements hv.MemoryMappedIODevice.
func (g *GIC) WriteMMIO(ctx hv.ExitContext, addr uint64, data []byte) error {
	if err := g.checkAccess(addr, len(data)); err != nil {
		return err
	}

	var val uint64
	for i := 0; i < len(data); i++ {
		val |= uint64(data[i]) << (i * 8)
	}

	g.mu.Lock()
	g.writeLocked(g.accessVpe(ctx), addr-g.base, val, len(data))
	g.mu.Unlock()
	return nil
}

func inBank(offset, base uint64) bool {
	return offset >= base && offset < base+bitmapBankSize
}

func (g *GIC) readLocked(vcpu int, offset uint64, size int) uint64 {
	switch offset {
	case sharedConfigOfs:
		return uint64(g.config)
	case sharedConfigOfs + 4:
		return 0
	case sharedCounterLoOfs:
		return uint64(g.getCountLocked())
	case sharedCounterHiOfs:
		// The upper counter half is not implemented.
		return 0
	}

	switch {
	case inBank(offset, sharedPolBase):
		return g.readSourceBits(offset-sharedPolBase, size,
			func(s *interruptSource) bool { return s.polarity })
	case inBank(offset, sharedTrigBase):
		return g.readSourceBits(offset-sharedTrigBase, size,
			func(s *interruptSource) bool { return s.triggerLevel })
	case inBank(offset, sharedMaskBase):
		return g.readSourceBits(offset-sharedMaskBase, size,
			func(s *interruptSource) bool { return s.enabled })
	case inBank(offset, sharedPendBase):
		return g.readSourceBits(offset-sharedPendBase, size,
			func(s *interruptSource) bool { return s.pending })

	case offset >= sharedMapToPinBase &&
		offset < sharedMapToPinBase+uint64(g.numSources)*mapToPinStride:
		reg := (offset - sharedMapToPinBase) / mapToPinStride
		return uint64(g.sources[reg].mapPin)

	case offset >= sharedMapToVpeBase &&
		offset < sharedMapToVpeBase+uint64(g.numSources)*mapToVpeStride:
		reg := (offset - sharedMapToVpeBase) / mapToVpeStride
		if vpe := g.sources[reg].mapVpe; vpe >= 0 && vpe < 64 {
			return 1 << vpe
		}
		return 0

	case offset >= vpeLocalBase && offset < vpeOtherBase:
		return g.readVpeLocked(vcpu, offset-vpeLocalBase, size)

	case offset >= vpeOtherBase && offset < userModeBase:
		other := int(g.vpes[vcpu].otherAddr)
		return g.readVpeLocked(other, offset-vpeOtherBase, size)

	case offset >= userModeBase:
		// User-mode visible section, not implemented in this core.
		return 0
	}

	g.log.Writef("read %d bytes at unknown offset 0x%x", size, offset)
	return 0
}

func (g *GIC) writeLocked(vcpu int, offset uint64, data uint64, size int) {
	switch offset {
	case sharedConfigOfs:
		pre := g.config
		g.config = (g.config &^ configCountStop) | (uint32(data) & configCountStop)
		if pre != g.config {
			if g.countStopped() {
				g.stopCountLocked()
			} else {
				g.startCountLocked()
			}
		}
		return
	case sharedConfigOfs + 4:
		return
	case sharedCounterLoOfs:
		g.storeCountLocked(uint32(data))
		return
	case sharedCounterHiOfs:
		return
	case sharedWedgeOfs:
		// Software-fired pseudo source; routed through the same path as
		// an external assertion.
		g.setIRQLocked(int(data&wedgeSourceMask), data&wedgeAssertBit != 0)
		return
	}

	switch {
	case inBank(offset, sharedPolBase):
		g.writeSourceBits(offset-sharedPolBase, data, size,
			func(s *interruptSource, bit bool) { s.polarity = bit })
	case inBank(offset, sharedTrigBase):
		g.writeSourceBits(offset-sharedTrigBase, data, size,
			func(s *interruptSource, bit bool) { s.triggerLevel = bit })
	case inBank(offset, sharedRMaskBase):
		g.writeSourceBits(offset-sharedRMaskBase, data, size,
			func(s *interruptSource, bit bool) {
				if bit {
					s.enabled = false
				}
			})
	case inBank(offset, sharedSMaskBase):
		g.writeSourceBits(offset-sharedSMaskBase, data, size,
			func(s *interruptSource, bit bool) {
				if bit {
					s.enabled = true
				}
			})

	case offset >= sharedMapToPinBase &&
		offset < sharedMapToPinBase+uint64(g.numSources)*mapToPinStride:
		reg := (offset - sharedMapToPinBase) / mapToPinStride
		g.sources[reg].mapPin = uint32(data)

	case offset >= sharedMapToVpeBase &&
		offset < sharedMapToVpeBase+uint64(g.numSources)*mapToVpeStride:
		reg := (offset - sharedMapToVpeBase) / mapToVpeStride
		// The on-wire value is one-hot; the lowest set bit names the
		// target VPE. A zero write leaves the source unroutable.
		if data == 0 {
			g.sources[reg].mapVpe = -1
		} else {
			g.sources[reg].mapVpe = bits.TrailingZeros64(data)
		}

	case offset >= vpeLocalBase && offset < vpeOtherBase:
		g.writeVpeLocked(vcpu, offset-vpeLocalBase, data, size)

	case offset >= vpeOtherBase && offset < userModeBase:
		other := int(g.vpes[vcpu].otherAddr)
		g.writeVpeLocked(other, offset-vpeOtherBase, data, size)

	case offset >= userModeBase:
		// User-mode visible section, dropped.

	default:
		g.log.Writef("write %d bytes at unknown offset 0x%x data 0x%x",
			size, offset, data)
	}
}

func (g *GIC) readVpeLocked(v int, offset uint64, size int) uint64 {
	vpe := &g.vpes[v]
	switch offset {
	case vpeCtlOfs:
		return uint64(vpe.ctl)
	case vpePendOfs:
		// Service passed deadlines first so the pending view is current.
		g.getCountLocked()
		return uint64(vpe.pend)
	case vpeMaskOfs:
		return uint64(vpe.mask)
	case vpeWdMapOfs:
		return uint64(vpe.wdMap)
	case vpeCompareMapOfs:
		return uint64(vpe.cmpMap)
	case vpeTimerMapOfs:
		return uint64(vpe.timerMap)
	case vpeOtherAddrOfs:
		return uint64(vpe.otherAddr)
	case vpeIdentOfs:
		return uint64(v)
	case vpeCompareLoOfs:
		return uint64(vpe.compareLo)
	case vpeCompareHiOfs:
		return 0
	}
	g.log.Writef("read %d bytes at unknown local offset 0x%x", size, offset)
	return 0
}

func (g *GIC) writeVpeLocked(v int, offset uint64, data uint64, size int) {
	vpe := &g.vpes[v]
	switch offset {
	case vpeCtlOfs:
		vpe.ctl = (vpe.ctl &^ 1) | uint32(data&1)
	case vpeRMaskOfs:
		vpe.mask &^= uint32(data) & vpeMaskWidth
	case vpeSMaskOfs:
		vpe.mask |= uint32(data) & vpeMaskWidth
	case vpeWdMapOfs:
		vpe.wdMap = interruptMap(uint32(data) & interruptMapMask)
	case vpeCompareMapOfs:
		vpe.cmpMap = interruptMap(uint32(data) & interruptMapMask)
	case vpeTimerMapOfs:
		vpe.timerMap = interruptMap(uint32(data) & interruptMapMask)
	case vpeOtherAddrOfs:
		if data < uint64(g.numVpe) {
			vpe.otherAddr = uint32(data)
		}
	case vpeOtherAddrOfs + 4:
		// Upper word of the other-address register.
	case vpeCompareLoOfs:
		g.storeCompareLocked(v, uint32(data))
	case vpeCompareHiOfs:
		// Upper compare half is not implemented.
	default:
		g.log.Writef("write %d bytes at unknown local offset 0x%x data 0x%x",
			size, offset, data)
	}
}

func (g *GIC) readSourceBits(byteOff uint64, size int, bit func(*interruptSource) bool) uint64 {
	var val uint64
	base := int(byteOff) * 8
	for i := 0; i < size*8 && base+i < g.numSources; i++ {
		if bit(&g.sources[base+i]) {
			val |= 1 << i
		}
	}
	return val
}

func (g *GIC) writeSourceBits(byteOff uint64, data uint64, size int, set func(*interruptSource, bool)) {
	base := int(byteOff) * 8
	for i := 0; i < size*8 && base+i < g.numSources; i++ {
		set(&g.sources[base+i], (data>>i)&1 != 0)
	}
}

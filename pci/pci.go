// Package pci implements the Q35-like PCI Express root complex: legacy
// CF8/CFC config-space access, MMCONFIG ECAM decode over the same device
// tree, and BAR-write window allocation under the guest address space.
package pci

import (
	"encoding/binary"
	"fmt"
	"sort"
	"sync"

	"github.com/jamlee-dev/stratokvm/addrspace"
)

// BDF identifies a PCI function by bus/device/function number.
type BDF struct {
	Bus, Dev, Fn uint8
}

func (b BDF) String() string {
	return fmt.Sprintf("%02x:%02x.%d", b.Bus, b.Dev, b.Fn)
}

// reg packs a BDF and a config-space dword register the way both the
// legacy CONFIG_ADDR register and an ECAM offset do:
// (bus<<20)|(dev<<15)|(fn<<12)|reg.
func (b BDF) reg(regOffset uint32) uint32 {
	return uint32(b.Bus)<<20 | uint32(b.Dev)<<15 | uint32(b.Fn)<<12 | regOffset
}

// BAR describes one base address register a device exposes. Size must be a
// power of two; IsIO selects the PIO address space instead of MMIO.
type BAR struct {
	Size uint32
	IsIO bool
}

// Device is a PCI function. Config space is the authoritative register
// file; the bus pokes BAR dwords into it directly and calls OnBARAssigned
// once a real (non-probe) address lands so the device can mount its
// window into the address space.
type Device interface {
	BDF() BDF
	Config() *ConfigSpace
	BARs() [6]BAR
	// OnBARAssigned is called after the bus commits a full BAR write that
	// is not a size probe (all-ones). addr is the allocated base.
	OnBARAssigned(index int, addr uint64) error
}

// ConfigSpace is the 256-byte PCI configuration register file for one
// function, manipulated directly at its documented byte offsets.
type ConfigSpace [256]byte

const (
	offVendorID   = 0x00
	offDeviceID   = 0x02
	offCommand    = 0x04
	offStatus     = 0x06
	offRevisionID = 0x08
	offClassProg  = 0x09
	offSubclass   = 0x0a
	offClassCode  = 0x0b
	offHeaderType = 0x0e
	offBAR0       = 0x10
	offInterrupt  = 0x3c
)

func (c *ConfigSpace) SetVendorID(v uint16)  { binary.LittleEndian.PutUint16(c[offVendorID:], v) }
func (c *ConfigSpace) SetDeviceID(v uint16)  { binary.LittleEndian.PutUint16(c[offDeviceID:], v) }
func (c *ConfigSpace) SetClass(base, sub, prog byte) {
	c[offClassCode] = base
	c[offSubclass] = sub
	c[offClassProg] = prog
}
func (c *ConfigSpace) SetHeaderType(v byte) { c[offHeaderType] = v }
func (c *ConfigSpace) SetInterruptLine(v byte) { c[offInterrupt] = v }

func (c *ConfigSpace) barOffset(index int) int { return offBAR0 + index*4 }

// MCHVendorID is Intel's PCI vendor ID, used by the Memory Controller Hub
// device realized at 0:0.0.
const MCHVendorID = 0x8086

// MCH is the fixed root-complex device at BDF 0:0.0.
type MCH struct {
	cfg ConfigSpace
}

// NewMCH builds the MCH with its vendor/class fields pre-populated.
func NewMCH() *MCH {
	m := &MCH{}
	m.cfg.SetVendorID(MCHVendorID)
	m.cfg.SetDeviceID(0x29c0) // Q35 host bridge device id
	m.cfg.SetClass(0x06, 0x00, 0x00) // bridge, host bridge
	m.cfg.SetHeaderType(0x00)

	return m
}

func (m *MCH) BDF() BDF             { return BDF{0, 0, 0} }
func (m *MCH) Config() *ConfigSpace { return &m.cfg }
func (m *MCH) BARs() [6]BAR         { return [6]BAR{} }
func (m *MCH) OnBARAssigned(int, uint64) error { return nil }

// Bus is the PCI root bus: a flat BDF->Device map plus the CF8/CFC legacy
// decode state and the parent address spaces BAR windows mount into.
type Bus struct {
	mu      sync.Mutex
	devices map[BDF]Device
	order   []BDF

	configAddr uint32 // raw CONFIG_ADDR register

	sysIO  *addrspace.AddressSpace
	sysMem *addrspace.AddressSpace

	barAddr map[barKey]uint64 // last-assigned address, to detect real writes
}

type barKey struct {
	bdf   BDF
	index int
}

// NewBus creates an empty root bus rooted at the given address spaces.
func NewBus(sysIO, sysMem *addrspace.AddressSpace) *Bus {
	return &Bus{
		devices: make(map[BDF]Device),
		barAddr: make(map[barKey]uint64),
		sysIO:   sysIO,
		sysMem:  sysMem,
	}
}

// AddDevice registers dev at its own BDF.
func (b *Bus) AddDevice(dev Device) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	bdf := dev.BDF()
	if _, exists := b.devices[bdf]; exists {
		return fmt.Errorf("pci: device already present at %s", bdf)
	}

	b.devices[bdf] = dev
	b.order = append(b.order, bdf)
	sort.Slice(b.order, func(i, j int) bool {
		a, c := b.order[i], b.order[j]
		if a.Bus != c.Bus {
			return a.Bus < c.Bus
		}
		if a.Dev != c.Dev {
			return a.Dev < c.Dev
		}

		return a.Fn < c.Fn
	})

	return nil
}

// SysIO returns the PIO address space devices mount their IO-BAR windows
// into from OnBARAssigned.
func (b *Bus) SysIO() *addrspace.AddressSpace { return b.sysIO }

// SysMem returns the MMIO address space devices mount their memory-BAR
// windows into from OnBARAssigned.
func (b *Bus) SysMem() *addrspace.AddressSpace { return b.sysMem }

// Devices returns the registered devices in BDF order.
func (b *Bus) Devices() []Device {
	b.mu.Lock()
	defer b.mu.Unlock()

	out := make([]Device, 0, len(b.order))
	for _, bdf := range b.order {
		out = append(out, b.devices[bdf])
	}

	return out
}

func bdfOf(reg uint32) (BDF, uint32) {
	busN := uint8((reg >> 20) & 0xff)
	dev := uint8((reg >> 15) & 0x1f)
	fn := uint8((reg >> 12) & 0x7)
	regOff := reg & 0xfff

	return BDF{busN, dev, fn}, regOff
}

// ConfAddrIn handles a read from legacy port 0xCF8 (CONFIG_ADDR).
func (b *Bus) ConfAddrIn(_ uint64, data []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], b.configAddr)
	copy(data, buf[:])

	return nil
}

// ConfAddrOut handles a write to legacy port 0xCF8 (CONFIG_ADDR).
func (b *Bus) ConfAddrOut(_ uint64, data []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	var buf [4]byte
	copy(buf[:], data)
	b.configAddr = binary.LittleEndian.Uint32(buf[:])

	return nil
}

// enableBit31 is CONFIG_ADDR's enable bit: without it CONFIG_DATA accesses
// are ignored on real hardware. This core only serves a single root bus,
// so it treats disabled config-address state as "nothing selected".
const enableBit31 = 1 << 31

// ConfDataIn handles a read from legacy port range 0xCFC-0xCFF
// (CONFIG_DATA); port-offset gives the byte lane within the dword.
func (b *Bus) ConfDataIn(port uint64, data []byte) error {
	b.mu.Lock()
	addr := b.configAddr
	b.mu.Unlock()

	if addr&enableBit31 == 0 {
		for i := range data {
			data[i] = 0xff
		}

		return nil
	}

	lane := port - 0xcfc
	bdf, regOff := bdfOf(addr & 0x7fff_ffff)

	return b.readConfig(bdf, regOff+uint32(lane), data)
}

// ConfDataOut handles a write to legacy port range 0xCFC-0xCFF.
func (b *Bus) ConfDataOut(port uint64, data []byte) error {
	b.mu.Lock()
	addr := b.configAddr
	b.mu.Unlock()

	if addr&enableBit31 == 0 {
		return nil
	}

	lane := port - 0xcfc
	bdf, regOff := bdfOf(addr & 0x7fff_ffff)

	return b.writeConfig(bdf, regOff+uint32(lane), data)
}

// ECAMRead serves an MMCONFIG access: addr is the offset within the ECAM
// window, decoded as (bus<<20)|(dev<<15)|(fn<<12)|reg.
func (b *Bus) ECAMRead(addr uint64, data []byte) error {
	bdf, regOff := bdfOf(uint32(addr))

	return b.readConfig(bdf, regOff, data)
}

// ECAMWrite serves an MMCONFIG write.
func (b *Bus) ECAMWrite(addr uint64, data []byte) error {
	bdf, regOff := bdfOf(uint32(addr))

	return b.writeConfig(bdf, regOff, data)
}

func (b *Bus) readConfig(bdf BDF, regOff uint32, data []byte) error {
	b.mu.Lock()
	dev, ok := b.devices[bdf]
	b.mu.Unlock()

	if !ok {
		for i := range data {
			data[i] = 0xff
		}

		return nil
	}

	cfg := dev.Config()
	for i := range data {
		off := int(regOff) + i
		if off < len(cfg) {
			data[i] = cfg[off]
		} else {
			data[i] = 0
		}
	}

	return nil
}

func (b *Bus) writeConfig(bdf BDF, regOff uint32, data []byte) error {
	b.mu.Lock()
	dev, ok := b.devices[bdf]
	b.mu.Unlock()

	if !ok {
		return nil
	}

	cfg := dev.Config()
	for i := range data {
		off := int(regOff) + i
		if off < len(cfg) {
			cfg[off] = data[i]
		}
	}

	return b.maybeHandleBARWrite(dev, bdf, int(regOff))
}

// maybeHandleBARWrite inspects whether regOff touched a BAR dword and, if
// the write just committed a real (non-probe) address, mounts the
// corresponding window into the owning address space.
func (b *Bus) maybeHandleBARWrite(dev Device, bdf BDF, regOff int) error {
	if regOff < offBAR0 || regOff >= offBAR0+6*4 {
		return nil
	}

	index := (regOff - offBAR0) / 4
	bars := dev.BARs()

	if index >= len(bars) || bars[index].Size == 0 {
		return nil
	}

	cfg := dev.Config()
	raw := binary.LittleEndian.Uint32(cfg[cfg.barOffset(index):])

	if raw == 0xffff_ffff {
		// Size probe: respond with the inverted size mask on next read.
		mask := ^(bars[index].Size - 1)
		if bars[index].IsIO {
			mask |= 0x1
		}
		binary.LittleEndian.PutUint32(cfg[cfg.barOffset(index):], mask)

		return nil
	}

	addr := uint64(raw &^ 0xf)
	if bars[index].IsIO {
		addr = uint64(raw &^ 0x3)
	}

	key := barKey{bdf, index}

	b.mu.Lock()
	prev, had := b.barAddr[key]
	changed := !had || prev != addr
	if changed {
		b.barAddr[key] = addr
	}
	b.mu.Unlock()

	if !changed || addr == 0 {
		return nil
	}

	return dev.OnBARAssigned(index, addr)
}


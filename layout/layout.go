// Package layout holds the fixed, bit-exact x86_64 guest physical address
// space regions this platform presents to a guest.
package layout

// Region names the fixed regions of the guest physical address space.
type Region struct {
	Name string
	Base uint64
	Size uint64
}

// These addresses are load-bearing: guest firmware/kernel boot code and the
// PCI/APIC emulation all assume them. Do not renumber.
var (
	MemBelow4g = Region{"MemBelow4g", 0x0000_0000, 0xC000_0000}
	PcieEcam   = Region{"PcieEcam", 0xB000_0000, 0x1000_0000}
	PcieMmio   = Region{"PcieMmio", 0xC000_0000, 0x3000_0000}
	Mmio       = Region{"Mmio", 0xF010_0000, 0x200}
	IoApic     = Region{"IoApic", 0xFEC0_0000, 0x10_0000}
	LocalApic  = Region{"LocalApic", 0xFEE0_0000, 0x10_0000}
	MemAbove4g = Region{"MemAbove4g", 0x1_0000_0000, 0x80_0000_0000}
)

// GapStart is the start of the low-memory "hole" reserved for PCI/APIC MMIO,
// i.e. the size of the MemBelow4g region.
const GapStart = 0xC000_0000

// RAMRange is one contiguous range of guest RAM.
type RAMRange struct {
	Base uint64
	Size uint64
}

// RAMRanges computes the guest RAM ranges for a given memory size, splitting
// around the low-memory MMIO hole: one range if memSize fits below the gap,
// two ranges (with the second relocated to start of MemAbove4g) otherwise.
func RAMRanges(memSize uint64) []RAMRange {
	if memSize <= GapStart {
		return []RAMRange{{Base: 0, Size: memSize}}
	}

	return []RAMRange{
		{Base: 0, Size: GapStart},
		{Base: MemAbove4g.Base, Size: memSize - GapStart},
	}
}

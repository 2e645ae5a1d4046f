package boot

import "encoding/binary"

// MPTable builds a legacy Intel MultiProcessor Specification 1.4 table
// describing the vCPU topology, placed in the EBDA for guests booted
// without ACPI tables. It is the minimum a Linux guest needs to discover
// per-CPU local APIC IDs and the IOAPIC address without an ACPI MADT.
type MPTable struct {
	nCPUs int
}

// NewMPTable returns a table generator for nCPUs processors.
func NewMPTable(nCPUs int) (*MPTable, error) {
	return &MPTable{nCPUs: nCPUs}, nil
}

const (
	mpFloatingSig = "_MP_"
	mpConfigSig   = "PCMP"

	mpEntryProcessor = 0
	mpEntryBus       = 1
	mpEntryIOAPIC    = 2

	mpLocalAPICAddr = 0xFEE0_0000
	mpIOAPICAddr    = 0xFEC0_0000
)

func checksum8(b []byte) byte {
	var sum byte
	for _, v := range b {
		sum += v
	}

	return byte(-sum)
}

// Bytes renders the floating pointer structure immediately followed by the
// configuration table, suitable for placement at EBDAStart.
func (m *MPTable) Bytes() ([]byte, error) {
	const (
		floatLen  = 16
		headerLen = 44
		procLen   = 20
		busLen    = 8
		ioapicLen = 8
	)

	configLen := headerLen + busLen + ioapicLen + procLen*m.nCPUs
	config := make([]byte, configLen)

	copy(config[0:4], mpConfigSig)
	binary.LittleEndian.PutUint16(config[4:6], uint16(configLen))
	config[6] = 4 // spec rev 1.4
	copy(config[8:16], "STRATOK ")
	copy(config[16:28], "STRATOKVM   ")
	binary.LittleEndian.PutUint16(config[34:36], uint16(2+m.nCPUs))
	binary.LittleEndian.PutUint32(config[36:40], mpLocalAPICAddr)

	off := headerLen

	// One ISA bus entry.
	config[off] = mpEntryBus
	config[off+1] = 0
	copy(config[off+2:off+8], "ISA   ")
	off += busLen

	// One IOAPIC entry.
	config[off] = mpEntryIOAPIC
	config[off+1] = 0 // IOAPIC id
	config[off+2] = 0x11
	config[off+3] = 1 // enabled
	binary.LittleEndian.PutUint32(config[off+4:off+8], mpIOAPICAddr)
	off += ioapicLen

	for cpu := 0; cpu < m.nCPUs; cpu++ {
		config[off] = mpEntryProcessor
		config[off+1] = byte(cpu) // local APIC id
		config[off+2] = 0x14      // local APIC version
		flags := byte(1)          // CPU enabled
		if cpu == 0 {
			flags |= 2 // bootstrap processor
		}
		config[off+3] = flags
		binary.LittleEndian.PutUint32(config[off+8:off+12], 0x201) // feature flags: FPU+APIC
		off += procLen
	}

	config[7] = checksum8(config)

	float := make([]byte, floatLen)
	copy(float[0:4], mpFloatingSig)
	// Physical address of the config table, filled in by the caller once
	// it knows where this buffer lands; left 0 here and patched by Bytes'
	// caller via PatchConfigAddr if needed. For our single EBDA placement
	// the config table immediately follows the floating structure.
	binary.LittleEndian.PutUint32(float[4:8], 0) // set by PatchConfigAddr
	float[8] = 1                                 // length in 16-byte units
	float[9] = 4                                 // spec rev 1.4
	float[11] = 0                                // MP feature byte 1: use config table

	return append(float, config...), nil
}

// PatchConfigAddr rewrites the floating pointer's config-table address once
// the table's final guest-physical placement is known.
func PatchConfigAddr(buf []byte, configAddr uint32) {
	binary.LittleEndian.PutUint32(buf[4:8], configAddr)
	buf[10] = 0
	buf[10] = checksum8(buf[:16])
}

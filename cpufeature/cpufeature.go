// Package cpufeature names the CPUID leaves and bits the Machine Builder's
// CPUID filtering step reads or rewrites when handing KVM_GET_SUPPORTED_CPUID
// entries back via KVM_SET_CPUID2.
//
// See arch/x86/kvm/cpuid.c in Linux for the authoritative leaf/bit mapping.
package cpufeature

// Leaf is a CPUID function (EAX input) number.
type Leaf uint32

const (
	// LeafKVMSignature is the KVM base leaf; EAX holds the highest
	// supported KVM leaf, EBX/ECX/EDX spell out a 12-byte signature.
	LeafKVMSignature Leaf = 0x4000_0000

	// LeafKVMFeatures enumerates paravirt features supported by the host.
	LeafKVMFeatures Leaf = 0x4000_0001

	// LeafPerfMon is the architectural performance monitoring leaf (0x0A);
	// this hypervisor does not virtualize host PMU state and zeroes it.
	LeafPerfMon Leaf = 0x0A
)

// KVMSignature is the 12-byte ASCII signature written into EBX:ECX:EDX of
// LeafKVMSignature, spelling "KVMKVMKVM\0\0\0" in three little-endian
// uint32 registers.
const (
	KVMSignatureEBX = 0x4b4d564b // "KVMK"
	KVMSignatureECX = 0x564b4d56 // "VMKV"
	KVMSignatureEDX = 0x4d       // "M"
)

// F1Edx is a bit position within CPUID.01H:EDX.
type F1Edx uint32

// F7_0Edx is a bit position within CPUID.(EAX=07H,ECX=0):EDX.
type F7_0Edx uint32

const (
	FPU   F1Edx = 0
	VME   F1Edx = 1
	DE    F1Edx = 2
	PSE   F1Edx = 3
	TSC   F1Edx = 4
	MSR   F1Edx = 5
	PAE   F1Edx = 6
	MCE   F1Edx = 7
	CX8   F1Edx = 8
	APIC  F1Edx = 9
	SEP   F1Edx = 11
	MTRR  F1Edx = 12
	PGE   F1Edx = 13
	MCA   F1Edx = 14
	CMOV  F1Edx = 15
	PAT   F1Edx = 16
	PSE36 F1Edx = 17
	MMX   F1Edx = 23
	FXSR  F1Edx = 24
	XMM   F1Edx = 25
	XMM2  F1Edx = 26
)

const (
	MDClear     F7_0Edx = 10
	Serialize   F7_0Edx = 14
	FlushL1D    F7_0Edx = 28
	ArchCapMSR  F7_0Edx = 29
	SpecCtrlBit F7_0Edx = 26
)

// Set returns the register value with bit b set.
func (b F1Edx) Set(reg uint32) uint32 { return reg | (1 << uint32(b)) }

// IsSet reports whether bit b is set in reg.
func (b F1Edx) IsSet(reg uint32) bool { return reg&(1<<uint32(b)) != 0 }

// Set returns the register value with bit b set.
func (b F7_0Edx) Set(reg uint32) uint32 { return reg | (1 << uint32(b)) }

// IsSet reports whether bit b is set in reg.
func (b F7_0Edx) IsSet(reg uint32) bool { return reg&(1<<uint32(b)) != 0 }

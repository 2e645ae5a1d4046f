// Package machine assembles every subsystem package into a running guest:
// it opens /dev/kvm, maps guest RAM, wires sys_io/sys_mem, realizes the PCI
// host and its devices, loads a kernel, and drives the per-vCPU run loop.
package machine

import (
	stderrors "errors"
	"fmt"
	"io"
	"os"
	"runtime"
	"syscall"
	"unsafe"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/jamlee-dev/stratokvm/addrspace"
	"github.com/jamlee-dev/stratokvm/boot"
	"github.com/jamlee-dev/stratokvm/cpufeature"
	"github.com/jamlee-dev/stratokvm/kvm"
	"github.com/jamlee-dev/stratokvm/layout"
	"github.com/jamlee-dev/stratokvm/lifecycle"
	"github.com/jamlee-dev/stratokvm/pci"
	"github.com/jamlee-dev/stratokvm/scsi"
	"github.com/jamlee-dev/stratokvm/serial"
	"github.com/jamlee-dev/stratokvm/virtioscsi"
)

// MinMemSize is the smallest guest memory size Realize accepts: enough room
// for the zero page, a command line, an identity-mapped low 1MiB, and a
// minimal kernel image.
const MinMemSize = 32 << 20

// poisonByte is the x86 HLT opcode. Unmapped/uninitialized guest RAM is
// filled with it so a stray jump into garbage halts the vCPU instead of
// executing whatever zero bytes would have decoded to.
const poisonByte = 0xf4

const (
	bootParamAddr = 0x0001_0000
	cmdlineAddr   = 0x0002_0000
	initrdAddr    = 0x0f00_0000

	tssAddr = 0xFFFB_D000

	serialIRQ = 4
	scsiIRQ   = 9
)

// ErrBadCPU is returned by CPUToFD and RunOnce for a CPU index outside the
// range Realize created vCPUs for.
var ErrBadCPU = stderrors.New("machine: cpu index out of range")

// ErrMemTooSmall is returned by Realize when Config.MemSize is below
// MinMemSize.
var ErrMemTooSmall = stderrors.New("machine: requested memory is below the minimum")

// DiskConfig describes one SCSI logical unit to attach behind the
// virtio-scsi device, backed by a regular file on the host.
type DiskConfig struct {
	Path     string
	ReadOnly bool
	Target   uint8
	LUN      uint16
}

// Config is everything Realize needs to assemble a Machine.
type Config struct {
	NCPUs   int
	MemSize uint64

	Kernel  io.ReaderAt
	Initrd  io.ReaderAt
	Cmdline string

	Disks []DiskConfig

	// SerialOutput receives bytes the guest writes to COM1. Defaults to
	// os.Stdout when nil.
	SerialOutput io.Writer
}

type ramRegion struct {
	base uint64
	data []byte
}

// Machine is a realized guest: the open KVM file descriptors, the mapped
// guest RAM, the address-space-backed device tree, and the lifecycle
// controller driving its run loop.
type Machine struct {
	kvmFd uintptr
	vmFd  uintptr

	vcpuFds []uintptr
	runs    []*kvm.RunData

	mem        []byte
	lowMem     []byte
	ramRegions []ramRegion

	sysIO  *addrspace.AddressSpace
	sysMem *addrspace.AddressSpace
	pciBus *pci.Bus

	scsiBus *scsi.Bus
	disks   []*scsi.Device
	serial  *serial.Serial

	lifecycle *lifecycle.Controller

	ioportHandlers [0x10000][2]func(port uint64, data []byte) error
}

// Realize constructs a Machine from cfg: map guest RAM, create the in-kernel
// interrupt chip and PIT, create one vCPU per configured CPU, register the
// PCI host and its MCH, attach the configured devices, load the kernel,
// program the TSS/identity-map addresses, and wire the power button.
func Realize(cfg Config) (*Machine, error) {
	if cfg.NCPUs <= 0 {
		cfg.NCPUs = 1
	}

	if cfg.MemSize < MinMemSize {
		return nil, errors.Wrapf(ErrMemTooSmall, "requested %d bytes, minimum is %d", cfg.MemSize, MinMemSize)
	}

	if cfg.SerialOutput == nil {
		cfg.SerialOutput = os.Stdout
	}

	devKVM, err := os.OpenFile("/dev/kvm", os.O_RDWR, 0o644)
	if err != nil {
		return nil, errors.Wrap(err, "open /dev/kvm")
	}

	m := &Machine{kvmFd: devKVM.Fd()}

	m.vmFd, err = kvm.CreateVM(m.kvmFd)
	if err != nil {
		return nil, errors.Wrap(err, "create vm")
	}

	m.sysIO = addrspace.NewSysIO()
	m.sysMem = addrspace.NewSysMem()

	if err := m.mapRAM(cfg.MemSize); err != nil {
		return nil, errors.Wrap(err, "map guest ram")
	}

	if err := kvm.CreateIRQChip(m.vmFd); err != nil {
		return nil, errors.Wrap(err, "create irqchip")
	}

	if err := kvm.CreatePIT2(m.vmFd, kvm.PITSpeakerDummy); err != nil {
		return nil, errors.Wrap(err, "create pit")
	}

	if err := m.createVCPUs(cfg.NCPUs); err != nil {
		return nil, errors.Wrap(err, "create vcpus")
	}

	m.pciBus = pci.NewBus(m.sysIO, m.sysMem)

	if err := m.registerPCIHost(); err != nil {
		return nil, errors.Wrap(err, "register pci host")
	}

	if err := m.pciBus.AddDevice(pci.NewMCH()); err != nil {
		return nil, errors.Wrap(err, "realize mch")
	}

	if err := m.attachSerial(cfg.SerialOutput); err != nil {
		return nil, errors.Wrap(err, "attach serial")
	}

	if err := m.attachSCSI(cfg.Disks); err != nil {
		return nil, errors.Wrap(err, "attach virtio-scsi")
	}

	bootCfg, err := m.loadLinux(cfg.Kernel, cfg.Initrd, cfg.Cmdline)
	if err != nil {
		return nil, errors.Wrap(err, "load kernel")
	}

	if err := m.setupCPUs(bootCfg); err != nil {
		return nil, errors.Wrap(err, "initialize vcpu state")
	}

	if err := kvm.SetTSSAddr(m.vmFd, tssAddr); err != nil {
		return nil, errors.Wrap(err, "set tss addr")
	}

	if err := kvm.SetIdentityMapAddr(m.vmFd); err != nil {
		return nil, errors.Wrap(err, "set identity map addr")
	}

	lc, err := lifecycle.New(nil)
	if err != nil {
		return nil, errors.Wrap(err, "create lifecycle controller")
	}
	m.lifecycle = lc

	m.initIOPortHandlers()

	logrus.WithFields(logrus.Fields{
		"cpus":  cfg.NCPUs,
		"mem":   cfg.MemSize,
		"disks": len(cfg.Disks),
	}).Info("machine realized")

	return m, nil
}

// mapRAM allocates an anonymous host mapping, poisons it, splits it into
// layout.RAMRanges, registers each range as a KVM memory slot, and mounts
// each as a subregion of sys_mem so any access that resolves through the
// address space tree (rather than the vCPU's own page tables) sees RAM the
// same way it sees a device's MMIO window.
func (m *Machine) mapRAM(memSize uint64) error {
	buf, err := syscall.Mmap(-1, 0, int(memSize),
		syscall.PROT_READ|syscall.PROT_WRITE, syscall.MAP_SHARED|syscall.MAP_ANONYMOUS)
	if err != nil {
		return err
	}

	for i := range buf {
		buf[i] = poisonByte
	}

	m.mem = buf

	ranges := layout.RAMRanges(memSize)

	var hostOff uint64
	for i, r := range ranges {
		region := buf[hostOff : hostOff+r.Size]

		slotErr := kvm.SetUserMemoryRegion(m.vmFd, &kvm.UserspaceMemoryRegion{
			Slot:          uint32(i),
			GuestPhysAddr: r.Base,
			MemorySize:    r.Size,
			UserspaceAddr: uint64(uintptr(unsafe.Pointer(&region[0]))),
		})
		if slotErr != nil {
			return slotErr
		}

		ram := region
		h := addrspace.HandlerFuncs{
			ReadFunc:  func(off uint64, data []byte) error { copy(data, ram[off:]); return nil },
			WriteFunc: func(off uint64, data []byte) error { copy(ram[off:], data); return nil },
		}

		if err := m.sysMem.AddSubregion(addrspace.NewIOHandler(fmt.Sprintf("ram%d", i), r.Size, h), r.Base); err != nil {
			return err
		}

		m.ramRegions = append(m.ramRegions, ramRegion{base: r.Base, data: region})
		if i == 0 {
			m.lowMem = region
		}

		hostOff += r.Size
	}

	return nil
}

// createVCPUs opens n vCPU descriptors, filters each one's supported CPUID
// through cpufeature, and mmaps its kvm_run page.
func (m *Machine) createVCPUs(n int) error {
	mmapSize, err := kvm.GetVCPUMMmapSize(m.kvmFd)
	if err != nil {
		return err
	}

	m.vcpuFds = make([]uintptr, n)
	m.runs = make([]*kvm.RunData, n)

	for i := 0; i < n; i++ {
		fd, err := kvm.CreateVCPU(m.vmFd, i)
		if err != nil {
			return err
		}
		m.vcpuFds[i] = fd

		if err := m.initCPUID(i); err != nil {
			return err
		}

		r, err := syscall.Mmap(int(fd), 0, int(mmapSize), syscall.PROT_READ|syscall.PROT_WRITE, syscall.MAP_SHARED)
		if err != nil {
			return err
		}
		m.runs[i] = (*kvm.RunData)(unsafe.Pointer(&r[0]))
	}

	return nil
}

// initCPUID takes the host/KVM's supported CPUID leaves and rewrites the
// two leaves a guest actually inspects at boot: it zeroes the performance
// monitoring leaf's EAX (this hypervisor doesn't virtualize host PMU state)
// and rewrites the KVM signature leaf so EAX names LeafKVMFeatures as the
// highest KVM leaf and EBX/ECX/EDX carry the KVM signature. The KVM
// features leaf itself is passed through as the host reports it.
func (m *Machine) initCPUID(i int) error {
	c := &kvm.CPUID{Nent: 100}
	if err := kvm.GetSupportedCPUID(m.kvmFd, c); err != nil {
		return err
	}

	for i := 0; i < int(c.Nent); i++ {
		e := &c.Entries[i]

		switch cpufeature.Leaf(e.Function) {
		case cpufeature.LeafPerfMon:
			e.Eax = 0
		case cpufeature.LeafKVMSignature:
			e.Eax = uint32(cpufeature.LeafKVMFeatures)
			e.Ebx = cpufeature.KVMSignatureEBX
			e.Ecx = cpufeature.KVMSignatureECX
			e.Edx = cpufeature.KVMSignatureEDX
		}
	}

	return kvm.SetCPUID2(m.vcpuFds[i], c)
}

// registerPCIHost mounts the ECAM window into sys_mem and the legacy
// CF8/CFC config ports into sys_io; pci.Bus decodes both down to the same
// per-function config space.
func (m *Machine) registerPCIHost() error {
	ecam := addrspace.NewIOHandler("pcie-ecam", layout.PcieEcam.Size, addrspace.HandlerFuncs{
		ReadFunc:  m.pciBus.ECAMRead,
		WriteFunc: m.pciBus.ECAMWrite,
	})
	if err := m.sysMem.AddSubregion(ecam, layout.PcieEcam.Base); err != nil {
		return err
	}

	cfgPorts := addrspace.NewIOHandler("pci-cfg", 8, addrspace.HandlerFuncs{
		ReadFunc:  m.pciConfRead,
		WriteFunc: m.pciConfWrite,
	})

	return m.sysIO.AddSubregion(cfgPorts, 0xcf8)
}

// pciConfRead/pciConfWrite split the 8-byte CF8-CFF window into its two
// halves: CF8-CFB is CONFIG_ADDR, CFC-CFF is CONFIG_DATA.
func (m *Machine) pciConfRead(off uint64, data []byte) error {
	if off < 4 {
		return m.pciBus.ConfAddrIn(0xcf8+off, data)
	}

	return m.pciBus.ConfDataIn(0xcfc+(off-4), data)
}

func (m *Machine) pciConfWrite(off uint64, data []byte) error {
	if off < 4 {
		return m.pciBus.ConfAddrOut(0xcf8+off, data)
	}

	return m.pciBus.ConfDataOut(0xcfc+(off-4), data)
}

func (m *Machine) attachSerial(out io.Writer) error {
	m.serial = serial.New(func() error { return m.injectIRQ(serialIRQ) })
	m.serial.Output = out

	return nil
}

// attachSCSI builds a scsi.Bus from cfg, attaches a disk device per entry,
// and realizes a single virtio-scsi PCI function fronting it at BDF 0:1.0.
func (m *Machine) attachSCSI(disks []DiskConfig) error {
	bus := scsi.NewBus()

	for _, d := range disks {
		dev, err := scsi.NewDevice(d.Target, d.LUN, d.Path, d.ReadOnly)
		if err != nil {
			return errors.Wrapf(err, "attach disk %q", d.Path)
		}

		bus.AddDevice(dev)
		m.disks = append(m.disks, dev)
	}

	m.scsiBus = bus

	dev := virtioscsi.NewDevice(pci.BDF{Bus: 0, Dev: 1, Fn: 0}, bus, m.sysIO, m.mem, func() error {
		return m.injectIRQ(scsiIRQ)
	})

	return m.pciBus.AddDevice(dev)
}

// bootConfig is what loadLinux hands to setupCPUs: the vCPU entrypoint and
// the guest-physical address of the boot_params zero page.
type bootConfig struct {
	entry   uint64
	bootPtr uint64
}

// loadLinux writes the kernel image, an optional initrd, the command line,
// a zero page (e820 map + setup header amendments), and a legacy MP table
// into low guest memory, per the Linux x86_64 boot protocol.
func (m *Machine) loadLinux(kernel, initrd io.ReaderAt, cmdline string) (bootConfig, error) {
	if kernel == nil {
		return bootConfig{}, fmt.Errorf("machine: no kernel image supplied")
	}

	var initrdSize int
	if initrd != nil {
		n, err := initrd.ReadAt(m.lowMem[initrdAddr:], 0)
		if err != nil && !stderrors.Is(err, io.EOF) {
			return bootConfig{}, errors.Wrap(err, "read initrd")
		}
		initrdSize = n
	}

	copy(m.lowMem[cmdlineAddr:], cmdline)
	m.lowMem[cmdlineAddr+len(cmdline)] = 0

	bp, err := boot.New(kernel)
	if err != nil {
		return bootConfig{}, errors.Wrap(err, "parse boot header")
	}

	e820 := []struct {
		addr, size uint64
		typ        uint32
	}{
		{boot.RealModeIvtBegin, boot.EBDAStart - boot.RealModeIvtBegin, boot.E820Ram},
		{boot.EBDAStart, boot.VGARAMBegin - boot.EBDAStart, boot.E820Reserved},
		{boot.MBBIOSBegin, boot.MBBIOSEnd - boot.MBBIOSBegin, boot.E820Reserved},
		{boot.HighMemBase, uint64(len(m.lowMem)) - boot.HighMemBase, boot.E820Ram},
	}
	for _, e := range e820 {
		if err := bp.AddE820Entry(e.addr, e.size, e.typ); err != nil {
			return bootConfig{}, errors.Wrap(err, "add e820 entry")
		}
	}

	bp.SetVidMode(0xffff)
	bp.SetTypeOfLoader(0xff)
	bp.SetRamdiskImage(initrdAddr)
	bp.SetRamdiskSize(uint32(initrdSize))
	bp.OrLoadFlags(boot.CanUseHeap | boot.LoadedHigh | boot.KeepSegments)
	bp.SetHeapEndPtr(0xfe00)
	bp.SetExtLoaderVer(0)
	bp.SetCmdlinePtr(cmdlineAddr)
	bp.SetCmdlineSize(uint32(len(cmdline) + 1))

	raw, err := bp.Bytes()
	if err != nil {
		return bootConfig{}, err
	}
	copy(m.lowMem[bootParamAddr:], raw)

	mp, err := boot.NewMPTable(len(m.vcpuFds))
	if err != nil {
		return bootConfig{}, err
	}
	mpBytes, err := mp.Bytes()
	if err != nil {
		return bootConfig{}, err
	}
	boot.PatchConfigAddr(mpBytes, uint32(boot.EBDAStart+16))
	copy(m.lowMem[boot.EBDAStart:], mpBytes)

	offset := int64(bp.SetupSects()+1) * 512
	kernSize, err := kernel.ReadAt(m.lowMem[boot.HighMemBase:], offset)
	if err != nil && !stderrors.Is(err, io.EOF) {
		return bootConfig{}, errors.Wrap(err, "read kernel image")
	}
	if kernSize == 0 {
		return bootConfig{}, fmt.Errorf("machine: kernel image is empty")
	}

	return bootConfig{entry: boot.HighMemBase, bootPtr: bootParamAddr}, nil
}

func (m *Machine) setupCPUs(cfg bootConfig) error {
	for i := range m.vcpuFds {
		if err := m.initRegs(i, cfg); err != nil {
			return err
		}
		if err := m.initSregs(i); err != nil {
			return err
		}
	}

	return nil
}

// initRegs sets the 32-bit boot protocol's documented entry convention:
// RIP at the kernel's load address, RSI pointing at the zero page.
func (m *Machine) initRegs(i int, cfg bootConfig) error {
	regs, err := kvm.GetRegs(m.vcpuFds[i])
	if err != nil {
		return err
	}

	regs.RFLAGS = 0x2
	regs.RIP = cfg.entry
	regs.RSI = cfg.bootPtr

	return kvm.SetRegs(m.vcpuFds[i], regs)
}

// initSregs sets up flat, unpaged 32-bit protected mode: every segment
// based at 0 with a 4GiB limit, CS/SS marked 32-bit, PE set in CR0. The
// kernel's own startup_32 code is responsible for entering long mode.
func (m *Machine) initSregs(i int) error {
	sregs, err := kvm.GetSregs(m.vcpuFds[i])
	if err != nil {
		return err
	}

	flat := kvm.Segment{Base: 0, Limit: 0xffffffff, Present: 1, S: 1, G: 1, DB: 1}

	sregs.CS, sregs.DS, sregs.ES, sregs.FS, sregs.GS, sregs.SS = flat, flat, flat, flat, flat, flat
	sregs.CS.Typ, sregs.CS.DPL = 0xb, 0
	sregs.DS.Typ, sregs.SS.Typ, sregs.ES.Typ, sregs.FS.Typ, sregs.GS.Typ = 0x3, 0x3, 0x3, 0x3, 0x3
	sregs.CR0 |= 0x1 // PE

	return kvm.SetSregs(m.vcpuFds[i], sregs)
}

// CPUToFD resolves a configured vCPU index to the underlying KVM file
// descriptor.
func (m *Machine) CPUToFD(cpu int) (uintptr, error) {
	if cpu < 0 || cpu >= len(m.vcpuFds) {
		return 0, errors.Wrapf(ErrBadCPU, "cpu %d (have %d)", cpu, len(m.vcpuFds))
	}

	return m.vcpuFds[cpu], nil
}

// Translate resolves a guest physical address to the host-mapped slice
// backing it, or an error if gpa falls outside every region Realize mapped.
func (m *Machine) Translate(gpa uint64, length int) ([]byte, error) {
	for _, r := range m.ramRegions {
		if gpa >= r.base && gpa+uint64(length) <= r.base+uint64(len(r.data)) {
			off := gpa - r.base

			return r.data[off : off+uint64(length)], nil
		}
	}

	return nil, fmt.Errorf("machine: guest physical address %#x+%d is not backed by mapped ram", gpa, length)
}

// VtoP resolves a slice previously returned by Translate back to its guest
// physical address, or reports ok=false if p is not backed by mapped RAM.
func (m *Machine) VtoP(p []byte) (gpa uint64, ok bool) {
	if len(p) == 0 {
		return 0, false
	}

	ptr := uintptr(unsafe.Pointer(&p[0]))

	for _, r := range m.ramRegions {
		if len(r.data) == 0 {
			continue
		}

		base := uintptr(unsafe.Pointer(&r.data[0]))
		if ptr >= base && ptr < base+uintptr(len(r.data)) {
			return r.base + uint64(ptr-base), true
		}
	}

	return 0, false
}

// RunInfiniteLoop drives one vCPU's run loop on the calling OS thread until
// the lifecycle controller signals shutdown or the vCPU halts.
func (m *Machine) RunInfiniteLoop(cpu int) error {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	for !m.lifecycle.LoopShouldExit() {
		if m.lifecycle.State() == lifecycle.Paused {
			m.lifecycle.Wait(lifecycle.Paused)

			continue
		}

		cont, err := m.RunOnce(cpu)
		if err != nil {
			return err
		}
		if !cont {
			return nil
		}
	}

	return nil
}

// RunOnce executes a single KVM_RUN and handles whatever exit it reports.
// It returns cont=false when the run loop for this vCPU should stop.
func (m *Machine) RunOnce(cpu int) (bool, error) {
	fd, err := m.CPUToFD(cpu)
	if err != nil {
		return false, err
	}

	runErr := kvm.Run(fd)
	exit := kvm.ExitType(m.runs[cpu].ExitReason)

	switch exit {
	case kvm.EXITHLT:
		return false, runErr
	case kvm.EXITIO:
		return true, m.handleIOExit(cpu)
	case kvm.EXITUNKNOWN, kvm.EXITINTR:
		return true, nil
	case kvm.EXITDEBUG:
		return false, kvm.ErrDebug
	default:
		if runErr != nil {
			return false, runErr
		}

		return false, errors.Wrapf(kvm.ErrUnexpectedExitReason, "%s", exit)
	}
}

func (m *Machine) handleIOExit(cpu int) error {
	run := m.runs[cpu]
	direction, size, port, count, offset := run.IO()

	base := uintptr(unsafe.Pointer(run)) + uintptr(offset)

	for i := uint64(0); i < count; i++ {
		data := unsafe.Slice((*byte)(unsafe.Pointer(base+uintptr(i*size))), size)

		h := m.ioportHandlers[port][direction]
		if err := h(port, data); err != nil {
			return err
		}
	}

	return nil
}

// initIOPortHandlers populates the fixed EXITIO dispatch table. Every port
// not otherwise claimed routes through sys_io, falling back to a harmless
// default (reads return all-ones, writes are dropped) for ports guests
// commonly probe during early boot that this hypervisor doesn't emulate.
func (m *Machine) initIOPortHandlers() {
	sysIOIn := func(port uint64, data []byte) error {
		if err := m.sysIO.Read(port, data); err != nil {
			if stderrors.Is(err, addrspace.ErrUnmapped) {
				for i := range data {
					data[i] = 0xff
				}

				return nil
			}

			return err
		}

		return nil
	}

	sysIOOut := func(port uint64, data []byte) error {
		if err := m.sysIO.Write(port, data); err != nil && !stderrors.Is(err, addrspace.ErrUnmapped) {
			return err
		}

		return nil
	}

	for port := range m.ioportHandlers {
		m.ioportHandlers[port][kvm.EXITIOIN] = sysIOIn
		m.ioportHandlers[port][kvm.EXITIOOUT] = sysIOOut
	}

	// PS/2 controller status register: report "not busy, no data" so early
	// boot code that polls it before giving up doesn't spin forever.
	m.ioportHandlers[0x64][kvm.EXITIOIN] = func(_ uint64, data []byte) error {
		if len(data) > 0 {
			data[0] = 0
		}

		return nil
	}

	// NMI status / system control port B: reads always return 0x20 (bit 5,
	// the PIT channel 2 output), which early guest TSC calibration polls.
	m.ioportHandlers[0x61][kvm.EXITIOIN] = func(_ uint64, data []byte) error {
		if len(data) > 0 {
			data[0] = 0x20
		}

		return nil
	}

	for port := uint64(serial.COM1Addr); port < serial.COM1Addr+8; port++ {
		m.ioportHandlers[port][kvm.EXITIOIN] = m.serial.In
		m.ioportHandlers[port][kvm.EXITIOOUT] = m.serial.Out
	}
}

// injectIRQ raises irq through the in-kernel interrupt chip. Edge-triggered
// delivery needs the level deasserted and then asserted; KVM latches the
// transition rather than the level.
func (m *Machine) injectIRQ(irq uint32) error {
	if err := kvm.IRQLine(m.vmFd, irq, 0); err != nil {
		return err
	}

	return kvm.IRQLine(m.vmFd, irq, 1)
}

// GetInputChan returns a channel host input can be forwarded to the guest's
// serial console on.
func (m *Machine) GetInputChan() chan<- byte {
	return m.serial.GetInputChan()
}

// Run transitions the machine out of Created, starting (or, if paused,
// deferring) its run loops.
func (m *Machine) Run(paused bool) bool { return m.lifecycle.Run(paused) }

// Pause stops the run loop at its next vCPU exit boundary.
func (m *Machine) Pause() bool { return m.lifecycle.Pause() }

// Resume restarts a paused machine.
func (m *Machine) Resume() bool { return m.lifecycle.Resume() }

// State reports the machine's current lifecycle state.
func (m *Machine) State() lifecycle.State { return m.lifecycle.State() }

// PowerButtonFD returns the eventfd the host event loop polls for shutdown.
func (m *Machine) PowerButtonFD() int { return m.lifecycle.PowerButtonFD() }

// Destroy transitions to Shutdown, signals the power button, and releases
// the disk files Realize opened.
func (m *Machine) Destroy() error {
	err := m.lifecycle.Destroy()

	for _, d := range m.disks {
		_ = d.Close()
	}

	return err
}

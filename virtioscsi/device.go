package virtioscsi

import (
	"encoding/binary"
	"sync"

	"github.com/jamlee-dev/stratokvm/addrspace"
	"github.com/jamlee-dev/stratokvm/pci"
	"github.com/jamlee-dev/stratokvm/scsi"
)

// Vendor/device IDs follow the virtio-over-PCI transitional convention:
// 0x1AF4 is Red Hat's virtio vendor ID, 0x1004 the legacy SCSI device ID.
const (
	vendorID = 0x1af4
	deviceID = 0x1004

	classMassStorage = 0x01
	subclassSCSI     = 0x00

	// queueControl, queueEvent, and queueRequest are the three virtqueues
	// virtio-scsi always exposes; this engine only ever completes work
	// submitted on queueRequest, but a driver still expects all three to
	// negotiate.
	queueControl = 0
	queueEvent   = 1
	queueRequest = 2
	numQueues    = 3

	ioBARSize = 0x40

	// Legacy virtio-pci register offsets within the IO BAR.
	regDeviceFeatures = 0x00
	regGuestFeatures  = 0x04
	regQueueAddr      = 0x08
	regQueueSize      = 0x0c
	regQueueSelect    = 0x0e
	regQueueNotify    = 0x10
	regDeviceStatus   = 0x12
	regISRStatus      = 0x13
	regConfig         = 0x14

	statusAcknowledge = 0x01
	statusDriver      = 0x02
	statusDriverOK    = 0x04
	statusFeaturesOK  = 0x08
)

// Device is the virtio-scsi front-end: a legacy virtio-pci function that
// negotiates three virtqueues, dequeues VirtioScsiCmdReq chains from the
// request queue, and drives each through a scsi.Bus.
type Device struct {
	mu  sync.Mutex
	cfg pci.ConfigSpace
	bdf pci.BDF

	mem []byte
	bus *scsi.Bus

	sysIO  *addrspace.AddressSpace
	ioBase uint64
	queues [numQueues]*virtqueue
	qSel   uint16

	deviceStatus byte
	isrStatus    byte
	guestFeats   uint32

	injectIRQ func() error
}

// NewDevice builds an unrealized virtio-scsi function at bdf, backed by
// bus, reading/writing guest RAM through mem. injectIRQ is called once per
// completed request batch to raise the device's assigned interrupt.
func NewDevice(bdf pci.BDF, bus *scsi.Bus, sysIO *addrspace.AddressSpace, mem []byte, injectIRQ func() error) *Device {
	d := &Device{
		bdf:       bdf,
		bus:       bus,
		sysIO:     sysIO,
		mem:       mem,
		injectIRQ: injectIRQ,
	}

	d.cfg.SetVendorID(vendorID)
	d.cfg.SetDeviceID(deviceID)
	d.cfg.SetClass(classMassStorage, subclassSCSI, 0x00)
	d.cfg.SetHeaderType(0x00)
	d.cfg.SetInterruptLine(0x00)

	return d
}

func (d *Device) BDF() pci.BDF             { return d.bdf }
func (d *Device) Config() *pci.ConfigSpace { return &d.cfg }

func (d *Device) BARs() [6]pci.BAR {
	return [6]pci.BAR{0: {Size: ioBARSize, IsIO: true}}
}

// OnBARAssigned mounts the IO BAR's register window into sys_io once the
// guest commits a real address to BAR0.
func (d *Device) OnBARAssigned(index int, addr uint64) error {
	if index != 0 {
		return nil
	}

	d.mu.Lock()
	d.ioBase = addr
	d.mu.Unlock()

	region := addrspace.NewIOHandler("virtio-scsi", ioBARSize, d)

	return d.sysIO.AddSubregion(region, addr)
}

func (d *Device) Read(offset uint64, data []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	switch {
	case offset == regDeviceFeatures && len(data) == 4:
		binary.LittleEndian.PutUint32(data, d.deviceFeatures())
	case offset == regQueueAddr && len(data) == 4:
		binary.LittleEndian.PutUint32(data, d.currentQueuePFN())
	case offset == regQueueSize && len(data) == 2:
		binary.LittleEndian.PutUint16(data, queueSize)
	case offset == regQueueSelect && len(data) == 2:
		binary.LittleEndian.PutUint16(data, d.qSel)
	case offset == regDeviceStatus && len(data) == 1:
		data[0] = d.deviceStatus
	case offset == regISRStatus && len(data) == 1:
		data[0] = d.isrStatus
		d.isrStatus = 0 // read-to-clear, as the virtio spec requires
	case offset >= regConfig:
		d.readConfig(offset-regConfig, data)
	default:
		for i := range data {
			data[i] = 0xff
		}
	}

	return nil
}

func (d *Device) Write(offset uint64, data []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	switch {
	case offset == regGuestFeatures && len(data) == 4:
		d.guestFeats = binary.LittleEndian.Uint32(data)
	case offset == regQueueAddr && len(data) == 4:
		d.setQueuePFN(binary.LittleEndian.Uint32(data))
	case offset == regQueueSelect && len(data) == 2:
		d.qSel = binary.LittleEndian.Uint16(data)
	case offset == regQueueNotify && len(data) == 2:
		idx := binary.LittleEndian.Uint16(data)
		d.mu.Unlock()
		d.processQueue(idx)
		d.mu.Lock()
	case offset == regDeviceStatus && len(data) == 1:
		d.deviceStatus = data[0]
		if d.deviceStatus == 0 {
			d.reset()
		}
	}

	return nil
}

// queueSize is the fixed virtqueue depth this device advertises and uses
// for every queue.
const queueSize = 128

func (d *Device) deviceFeatures() uint32 { return 0 }

func (d *Device) currentQueuePFN() uint32 {
	q := d.queues[d.qSel]
	if q == nil {
		return 0
	}

	return uint32(q.descAddr / 4096)
}

func (d *Device) setQueuePFN(pfn uint32) {
	if int(d.qSel) >= numQueues {
		return
	}

	if pfn == 0 {
		d.queues[d.qSel] = nil

		return
	}

	d.queues[d.qSel] = newVirtqueue(d.mem, queueSize, pfn)
}

func (d *Device) reset() {
	for i := range d.queues {
		d.queues[i] = nil
	}

	d.isrStatus = 0
	d.guestFeats = 0
}

// readConfig serves the virtio-scsi device-specific configuration area
// (virtio 1.0 §5.6.4), starting at IO BAR offset regConfig.
func (d *Device) readConfig(off uint64, data []byte) {
	var cfg [20]byte
	binary.LittleEndian.PutUint32(cfg[0:4], numQueues-2) // num_queues: request queues only (control and event excluded)
	binary.LittleEndian.PutUint32(cfg[4:8], 1)           // seg_max
	binary.LittleEndian.PutUint32(cfg[8:12], 0)          // max_sectors (0: no hint)
	binary.LittleEndian.PutUint32(cfg[12:16], 1)         // cmd_per_lun
	binary.LittleEndian.PutUint32(cfg[16:20], 0)         // event_info_size

	for i := range data {
		if int(off)+i < len(cfg) {
			data[i] = cfg[int(off)+i]
		} else {
			data[i] = 0
		}
	}
}

// processQueue drains every available descriptor chain currently posted on
// virtqueue idx. The control and event queues are accepted but never
// produce completions: this engine has nothing to report on them.
func (d *Device) processQueue(idx uint16) {
	if idx != queueRequest {
		return
	}

	d.mu.Lock()
	q := d.queues[idx]
	d.mu.Unlock()

	if q == nil {
		return
	}

	completed := false

	for {
		c, ok := q.popChain()
		if !ok {
			break
		}

		d.handleCommand(q, c)
		completed = true
	}

	if completed {
		d.mu.Lock()
		d.isrStatus |= 0x01
		d.mu.Unlock()

		if d.injectIRQ != nil {
			d.injectIRQ()
		}
	}
}

func (d *Device) handleCommand(q *virtqueue, c chain) {
	in := concat(c.readable)
	if len(in) < 19+cdbWireSize {
		q.pushUsed(c.headIdx, 0)

		return
	}

	req := decodeCmdReq(in)
	target, lun := decodeLUN(req.LUN)

	// virtio-scsi places the CDB in its own readable descriptor and, for a
	// WRITE command, the write payload in the descriptor(s) following it;
	// any writable descriptors after the fixed response header are the
	// buffer for a READ command's data-in.
	var dataOut []byte
	if len(c.readable) > 1 {
		dataOut = concat(c.readable[1:])
	}

	var dataIn []byte
	if len(c.writable) > 1 {
		dataIn = concat(c.writable[1:])
	}

	resp, err := d.bus.Execute(scsi.Command{
		CDB:     req.CDB[:],
		Target:  target,
		LUN:     lun,
		DataOut: dataOut,
		DataIn:  dataIn,
	})

	// dataIn is a copy; scatter it back into the data-in descriptors.
	if len(c.writable) > 1 {
		off := 0
		for _, w := range c.writable[1:] {
			off += copy(w, dataIn[off:])
		}
	}

	wireResp := cmdResp{Status: resp.Status}
	if err != nil {
		wireResp.Response = RespBadTarget
	} else {
		wireResp.Response = RespOK
		if resp.Residual > 0 {
			wireResp.Resid = uint32(resp.Residual)
		}
		if len(resp.SenseData) > 0 {
			wireResp.SenseLen = uint32(copy(wireResp.Sense[:], resp.SenseData))
		}
	}

	written := 0
	if len(c.writable) > 0 {
		written += copy(c.writable[0], wireResp.encode())
	}
	written += len(dataIn)

	q.pushUsed(c.headIdx, uint32(written))
}


// Package virtioscsi is the virtio-scsi front-end: a legacy virtio-pci
// device that exposes a control queue, an event queue, and one request
// queue, dequeues VirtioScsiCmdReq descriptor chains, and drives them
// through the scsi command engine.
package virtioscsi

import "encoding/binary"

// Standard split-virtqueue layout (virtio 1.0 §2.6), device-side mirror of
// the same descriptor/avail/used structures a guest driver lays out in
// guest RAM, re-derived from the legacy virtio-pci register set a driver
// like tamago's qemu/virtio-rng pokes directly.
const (
	descSize  = 16 // Addr(8) Len(4) Flags(2) Next(2)
	usedElem  = 8  // Id(4) Len(4)
	availBase = 4  // Flags(2) Idx(2) ... then Ring[size]uint16, UsedEvent(2)
	usedBase  = 4  // Flags(2) Idx(2) ... then Ring[size]{Id,Len}, AvailEvent(2)
)

// Descriptor flags.
const (
	descFNext  = 1 << 0
	descFWrite = 1 << 1
)

// virtqueue is one split virtqueue backed by guest RAM at a fixed PFN
// (legacy virtio-pci addresses queues as a 4096-aligned page number).
type virtqueue struct {
	mem  []byte
	size uint16

	descAddr  uint64
	availAddr uint64
	usedAddr  uint64

	lastAvail uint16
}

func newVirtqueue(mem []byte, size uint16, pfn uint32) *virtqueue {
	base := uint64(pfn) * 4096
	descTableSize := uint64(size) * descSize

	return &virtqueue{
		mem:       mem,
		size:      size,
		descAddr:  base,
		availAddr: base + descTableSize,
		usedAddr:  alignUp(base+descTableSize+availBase+uint64(size)*2+2, 4096),
	}
}

func alignUp(v, align uint64) uint64 {
	return (v + align - 1) &^ (align - 1)
}

// descriptor reads the idx'th entry of the descriptor table.
func (q *virtqueue) descriptor(idx uint16) (addr uint64, length uint32, flags, next uint16) {
	off := q.descAddr + uint64(idx)*descSize
	addr = binary.LittleEndian.Uint64(q.mem[off : off+8])
	length = binary.LittleEndian.Uint32(q.mem[off+8 : off+12])
	flags = binary.LittleEndian.Uint16(q.mem[off+12 : off+14])
	next = binary.LittleEndian.Uint16(q.mem[off+14 : off+16])

	return addr, length, flags, next
}

func (q *virtqueue) availIdx() uint16 {
	return binary.LittleEndian.Uint16(q.mem[q.availAddr+2 : q.availAddr+4])
}

func (q *virtqueue) availRing(i uint16) uint16 {
	off := q.availAddr + availBase + uint64(i%q.size)*2
	return binary.LittleEndian.Uint16(q.mem[off : off+2])
}

// chain is one descriptor chain walked from its head, split into the
// read-only (driver-to-device) and write-only (device-to-driver) spans a
// virtio-scsi request/response pair always forms.
type chain struct {
	headIdx  uint16
	readable [][]byte // concatenated in chain order
	writable [][]byte
}

// popChain walks and returns the next available descriptor chain, or
// ok=false if the driver has posted nothing new.
func (q *virtqueue) popChain() (chain, bool) {
	if q.lastAvail == q.availIdx() {
		return chain{}, false
	}

	head := q.availRing(q.lastAvail)
	q.lastAvail++

	c := chain{headIdx: head}
	idx := head

	for {
		addr, length, flags, next := q.descriptor(idx)
		buf := q.mem[addr : addr+uint64(length)]

		if flags&descFWrite != 0 {
			c.writable = append(c.writable, buf)
		} else {
			c.readable = append(c.readable, buf)
		}

		if flags&descFNext == 0 {
			break
		}
		idx = next
	}

	return c, true
}

// pushUsed appends a used-ring entry for headIdx and advances used.idx,
// making the completion visible to the driver.
func (q *virtqueue) pushUsed(headIdx uint16, writtenLen uint32) {
	usedIdx := binary.LittleEndian.Uint16(q.mem[q.usedAddr+2 : q.usedAddr+4])
	off := q.usedAddr + usedBase + uint64(usedIdx%q.size)*usedElem
	binary.LittleEndian.PutUint32(q.mem[off:off+4], uint32(headIdx))
	binary.LittleEndian.PutUint32(q.mem[off+4:off+8], writtenLen)

	binary.LittleEndian.PutUint16(q.mem[q.usedAddr+2:q.usedAddr+4], usedIdx+1)
}

// concat copies the buffers of a list, in order, into one new contiguous
// slice. The result does not alias guest memory: writes to it do not reach
// the original descriptors.
func concat(bufs [][]byte) []byte {
	n := 0
	for _, b := range bufs {
		n += len(b)
	}

	out := make([]byte, 0, n)
	for _, b := range bufs {
		out = append(out, b...)
	}

	return out
}

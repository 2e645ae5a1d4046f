package virtioscsi

import (
	"encoding/binary"
	"os"
	"testing"

	"github.com/jamlee-dev/stratokvm/addrspace"
	"github.com/jamlee-dev/stratokvm/pci"
	"github.com/jamlee-dev/stratokvm/scsi"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// putDesc writes descriptor idx of q's table directly into guest RAM.
func putDesc(mem []byte, q *virtqueue, idx uint16, addr uint64, length uint32, flags uint16) {
	off := q.descAddr + uint64(idx)*descSize
	binary.LittleEndian.PutUint64(mem[off:off+8], addr)
	binary.LittleEndian.PutUint32(mem[off+8:off+12], length)
	binary.LittleEndian.PutUint16(mem[off+12:off+14], flags)
	binary.LittleEndian.PutUint16(mem[off+14:off+16], 0)
}

func putAvail(mem []byte, q *virtqueue, ringPos, descIdx uint16) {
	binary.LittleEndian.PutUint16(mem[q.availAddr+availBase+uint64(ringPos)*2:], descIdx)
	binary.LittleEndian.PutUint16(mem[q.availAddr+2:q.availAddr+4], ringPos+1)
}

func TestVirtqueuePopChainWalksFlaggedDescriptors(t *testing.T) {
	mem := make([]byte, 1<<16)
	q := newVirtqueue(mem, 4, 1)

	payloadOff := uint64(40000)
	copy(mem[payloadOff:], []byte("request-header"))
	putDesc(mem, q, 0, payloadOff, 14, 0)

	respOff := uint64(41000)
	putDesc(mem, q, 1, respOff, 8, descFWrite)

	putAvail(mem, q, 0, 0)
	binary.LittleEndian.PutUint16(mem[q.descAddr+0*descSize+12:], descFNext)
	binary.LittleEndian.PutUint16(mem[q.descAddr+0*descSize+14:], 1)

	c, ok := q.popChain()
	require.True(t, ok)
	require.Len(t, c.readable, 1)
	require.Len(t, c.writable, 1)
	assert.Equal(t, "request-header", string(c.readable[0]))
	assert.Equal(t, 8, len(c.writable[0]))

	_, ok = q.popChain()
	assert.False(t, ok, "no second chain posted")
}

func TestVirtqueuePushUsedAdvancesRing(t *testing.T) {
	mem := make([]byte, 1<<16)
	q := newVirtqueue(mem, 4, 1)

	q.pushUsed(3, 128)

	usedIdx := binary.LittleEndian.Uint16(mem[q.usedAddr+2 : q.usedAddr+4])
	assert.Equal(t, uint16(1), usedIdx)

	id := binary.LittleEndian.Uint32(mem[q.usedAddr+usedBase : q.usedAddr+usedBase+4])
	length := binary.LittleEndian.Uint32(mem[q.usedAddr+usedBase+4 : q.usedAddr+usedBase+8])
	assert.Equal(t, uint32(3), id)
	assert.Equal(t, uint32(128), length)
}

func TestDecodeLUNRecoversTargetAndCanonicalLUN(t *testing.T) {
	var raw [8]byte
	raw[1] = 7
	raw[2] = 0x40 // high bits above the 14-bit field, must be masked off
	raw[3] = 0x05

	target, lun := decodeLUN(raw)
	assert.Equal(t, uint8(7), target)
	assert.Equal(t, uint16(0x0005), lun)
}

func TestCmdRespEncodeRoundTrip(t *testing.T) {
	r := cmdResp{SenseLen: 18, Resid: 4, Status: scsi.StatusCheckCondition, Response: RespOK}
	copy(r.Sense[:], []byte{0x70, 0, scsi.SenseIllegalRequest})

	buf := r.encode()
	require.Len(t, buf, respHeaderSize)
	assert.Equal(t, uint32(18), binary.LittleEndian.Uint32(buf[0:4]))
	assert.Equal(t, uint32(4), binary.LittleEndian.Uint32(buf[4:8]))
	assert.Equal(t, byte(scsi.StatusCheckCondition), buf[10])
	assert.Equal(t, byte(0x70), buf[12])
}

// newTestSCSIDevice creates a one-LUN disk backed by a temp file, matching
// the fixture pattern scsi's own tests use.
func newTestSCSIDevice(t *testing.T, blocks uint64) *scsi.Device {
	t.Helper()

	f, err := os.CreateTemp(t.TempDir(), "virtioscsi-disk-*")
	require.NoError(t, err)
	require.NoError(t, f.Truncate(int64(blocks*scsi.DefaultBlockSize)))

	dev, err := scsi.NewDevice(0, 0, f.Name(), false)
	require.NoError(t, err)
	t.Cleanup(func() { dev.Close() })

	return dev
}

// TestDeviceEndToEndInquiry drives a full INQUIRY command through register
// writes, a hand-built descriptor chain, and a queue-notify kick, the way a
// guest driver would.
func TestDeviceEndToEndInquiry(t *testing.T) {
	mem := make([]byte, 1<<20)
	sysIO := addrspace.NewSysIO()

	bus := scsi.NewBus()
	bus.AddDevice(newTestSCSIDevice(t, 16))

	irqCount := 0
	dev := NewDevice(pci.BDF{Bus: 0, Dev: 4, Fn: 0}, bus, sysIO, mem, func() error {
		irqCount++
		return nil
	})

	require.NoError(t, dev.OnBARAssigned(0, 0xc000))

	const pfn = 2
	var sel [2]byte
	binary.LittleEndian.PutUint16(sel[:], queueRequest)
	require.NoError(t, sysIO.Write(0xc000+regQueueSelect, sel[:]))

	var pfnBuf [4]byte
	binary.LittleEndian.PutUint32(pfnBuf[:], pfn)
	require.NoError(t, sysIO.Write(0xc000+regQueueAddr, pfnBuf[:]))

	q := dev.queues[queueRequest]
	require.NotNil(t, q)

	reqOff := uint64(300000)
	var lun [8]byte
	lun[1] = 0 // target 0
	lun[2], lun[3] = 0, 0
	var reqBuf [19 + cdbWireSize]byte
	copy(reqBuf[0:8], lun[:])
	reqBuf[19] = scsi.OpInquiry
	reqBuf[23] = 36 // allocation length
	copy(mem[reqOff:], reqBuf[:])

	respOff := uint64(310000)
	dataOff := uint64(311000)

	putDesc(mem, q, 0, reqOff, uint32(len(reqBuf)), descFNext)
	binary.LittleEndian.PutUint16(mem[q.descAddr+0*descSize+14:], 1)
	putDesc(mem, q, 1, respOff, respHeaderSize, descFWrite|descFNext)
	binary.LittleEndian.PutUint16(mem[q.descAddr+1*descSize+14:], 2)
	putDesc(mem, q, 2, dataOff, 36, descFWrite)

	putAvail(mem, q, 0, 0)

	var notify [2]byte
	binary.LittleEndian.PutUint16(notify[:], queueRequest)
	require.NoError(t, sysIO.Write(0xc000+regQueueNotify, notify[:]))

	assert.Equal(t, 1, irqCount)

	status := mem[respOff+10]
	assert.Equal(t, byte(scsi.StatusGood), status)
	assert.Equal(t, byte(scsi.TypeDisk), mem[dataOff])
	assert.Equal(t, "StratoVM", string(mem[dataOff+8:dataOff+16]))

	usedIdx := binary.LittleEndian.Uint16(mem[q.usedAddr+2 : q.usedAddr+4])
	assert.Equal(t, uint16(1), usedIdx)
}

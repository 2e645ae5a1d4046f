package scsi_test

import (
	"os"
	"testing"

	"github.com/jamlee-dev/stratokvm/scsi"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestDevice(t *testing.T, target uint8, lun uint16, blocks uint64) *scsi.Device {
	t.Helper()

	f, err := os.CreateTemp(t.TempDir(), "scsi-disk-*")
	require.NoError(t, err)
	require.NoError(t, f.Truncate(int64(blocks*scsi.DefaultBlockSize)))

	dev, err := scsi.NewDevice(target, lun, f.Name(), false)
	require.NoError(t, err)
	t.Cleanup(func() { dev.Close() })

	return dev
}

func TestInquiryStandard(t *testing.T) {
	bus := scsi.NewBus()
	dev := newTestDevice(t, 0, 0, 2048)
	bus.AddDevice(dev)

	in := make([]byte, 64)
	resp, err := bus.Execute(scsi.Command{
		CDB:    []byte{scsi.OpInquiry, 0, 0, 0, 36, 0},
		Target: 0, LUN: 0,
		DataIn: in,
	})
	require.NoError(t, err)
	assert.Equal(t, byte(scsi.StatusGood), resp.Status)
	assert.Equal(t, byte(scsi.TypeDisk), in[0])
	assert.Equal(t, "StratoVM", string(in[8:16]))
}

func TestInquiryVPDSupportedPages(t *testing.T) {
	bus := scsi.NewBus()
	bus.AddDevice(newTestDevice(t, 0, 0, 1))

	in := make([]byte, 64)
	resp, err := bus.Execute(scsi.Command{
		CDB:    []byte{scsi.OpInquiry, 0x01, 0x00, 0, 64, 0},
		Target: 0, LUN: 0,
		DataIn: in,
	})
	require.NoError(t, err)
	assert.Equal(t, byte(scsi.StatusGood), resp.Status)
	assert.Equal(t, byte(0x00), in[1])
}

func TestReadCapacity10(t *testing.T) {
	bus := scsi.NewBus()
	bus.AddDevice(newTestDevice(t, 0, 0, 100))

	in := make([]byte, 8)
	resp, err := bus.Execute(scsi.Command{
		CDB:    []byte{scsi.OpReadCapacity10, 0, 0, 0, 0, 0, 0, 0, 0, 0},
		Target: 0, LUN: 0,
		DataIn: in,
	})
	require.NoError(t, err)
	assert.Equal(t, byte(scsi.StatusGood), resp.Status)
	assert.Equal(t, []byte{0, 0, 0, 100}, in[0:4])
	assert.Equal(t, []byte{0, 0, 2, 0}, in[4:8])
}

func TestReportLunsMissingLUNFallsBackToTarget(t *testing.T) {
	bus := scsi.NewBus()
	bus.AddDevice(newTestDevice(t, 0, 0, 1))

	in := make([]byte, 16)
	resp, err := bus.Execute(scsi.Command{
		CDB:    []byte{scsi.OpReportLuns, 0, 0, 0, 0, 0, 0, 0, 0, 16, 0, 0},
		Target: 0, LUN: 5,
		DataIn: in,
	})
	require.NoError(t, err)
	assert.Equal(t, byte(scsi.StatusGood), resp.Status)
}

func TestSelectionFailureOnUnknownTarget(t *testing.T) {
	bus := scsi.NewBus()
	bus.AddDevice(newTestDevice(t, 0, 0, 1))

	_, err := bus.Execute(scsi.Command{
		CDB:    []byte{scsi.OpInquiry, 0, 0, 0, 36, 0},
		Target: 7, LUN: 0,
		DataIn: make([]byte, 36),
	})
	assert.Error(t, err)
}

func TestUnsupportedOpcodeReturnsCheckCondition(t *testing.T) {
	bus := scsi.NewBus()
	bus.AddDevice(newTestDevice(t, 0, 0, 1))

	resp, err := bus.Execute(scsi.Command{
		CDB:    []byte{0xff, 0, 0, 0, 0, 0},
		Target: 0, LUN: 0,
		DataIn: make([]byte, 8),
	})
	require.NoError(t, err)
	assert.Equal(t, byte(scsi.StatusCheckCondition), resp.Status)
	require.Len(t, resp.SenseData, scsi.SenseLength)
	assert.Equal(t, byte(scsi.SenseIllegalRequest), resp.SenseData[2]&0x0f)
}

func TestRequestSenseReturnsFixedNoSense(t *testing.T) {
	bus := scsi.NewBus()
	bus.AddDevice(newTestDevice(t, 0, 0, 1))

	in := make([]byte, scsi.SenseLength)
	resp, err := bus.Execute(scsi.Command{
		CDB: []byte{scsi.OpRequestSense, 0, 0, 0, 18, 0}, Target: 0, LUN: 0, DataIn: in,
	})
	require.NoError(t, err)
	assert.Equal(t, byte(scsi.StatusGood), resp.Status)
	assert.Equal(t, byte(0x70), in[0])
	assert.Equal(t, byte(scsi.SenseNoSense), in[2]&0x0f)
}

func TestReadWriteRoundTrip(t *testing.T) {
	bus := scsi.NewBus()
	bus.AddDevice(newTestDevice(t, 0, 0, 4))

	payload := make([]byte, scsi.DefaultBlockSize)
	for i := range payload {
		payload[i] = byte(i)
	}

	cdbWrite := []byte{scsi.OpWrite10, 0, 0, 0, 0, 1, 0, 0, 1, 0}
	resp, err := bus.Execute(scsi.Command{CDB: cdbWrite, Target: 0, LUN: 0, DataOut: payload})
	require.NoError(t, err)
	assert.Equal(t, byte(scsi.StatusGood), resp.Status)

	readBack := make([]byte, scsi.DefaultBlockSize)
	cdbRead := []byte{scsi.OpRead10, 0, 0, 0, 0, 1, 0, 0, 1, 0}
	resp, err = bus.Execute(scsi.Command{CDB: cdbRead, Target: 0, LUN: 0, DataIn: readBack})
	require.NoError(t, err)
	assert.Equal(t, byte(scsi.StatusGood), resp.Status)
	assert.Equal(t, payload, readBack)
}

func TestReadPastEndOfDeviceIsIllegalRequest(t *testing.T) {
	bus := scsi.NewBus()
	bus.AddDevice(newTestDevice(t, 0, 0, 1))

	cdb := []byte{scsi.OpRead10, 0, 0, 0, 0, 5, 0, 0, 1, 0}
	resp, err := bus.Execute(scsi.Command{CDB: cdb, Target: 0, LUN: 0, DataIn: make([]byte, 512)})
	require.NoError(t, err)
	assert.Equal(t, byte(scsi.StatusCheckCondition), resp.Status)
	assert.Equal(t, byte(scsi.AscLogicalBlockAddrOutOfRange), resp.SenseData[12])
}

func TestTestUnitReady(t *testing.T) {
	bus := scsi.NewBus()
	bus.AddDevice(newTestDevice(t, 0, 0, 1))

	resp, err := bus.Execute(scsi.Command{
		CDB: []byte{scsi.OpTestUnitReady, 0, 0, 0, 0, 0}, Target: 0, LUN: 0,
	})
	require.NoError(t, err)
	assert.Equal(t, byte(scsi.StatusGood), resp.Status)
}

func TestModeSense6ReturnsRequestedPages(t *testing.T) {
	bus := scsi.NewBus()
	bus.AddDevice(newTestDevice(t, 0, 0, 10))

	in := make([]byte, 64)
	resp, err := bus.Execute(scsi.Command{
		CDB:    []byte{scsi.OpModeSense, 0, 0x08, 0, 64, 0},
		Target: 0, LUN: 0, DataIn: in,
	})
	require.NoError(t, err)
	assert.Equal(t, byte(scsi.StatusGood), resp.Status)
	// 4-byte header, 8-byte block descriptor, then the caching page.
	assert.Equal(t, byte(0x08), in[12])
}

// TestReportLunsTwoLUNsOnTarget checks that REPORT LUNS against a target
// with two LUNs returns an 8-byte header (length=0x10) followed by one
// 8-byte entry per LUN in ascending LUN order.
func TestReportLunsTwoLUNsOnTarget(t *testing.T) {
	bus := scsi.NewBus()
	bus.AddDevice(newTestDevice(t, 0, 0, 1))
	bus.AddDevice(newTestDevice(t, 0, 1, 1))

	in := make([]byte, 0x40)
	cdb := []byte{scsi.OpReportLuns, 0, 0, 0, 0, 0, 0, 0, 0, 0x40, 0, 0}
	resp, err := bus.Execute(scsi.Command{CDB: cdb, Target: 0, LUN: 0, DataIn: in})
	require.NoError(t, err)
	assert.Equal(t, byte(scsi.StatusGood), resp.Status)

	want := []byte{
		0, 0, 0, 0x10, 0, 0, 0, 0,
		0, 0, 0, 0, 0, 0, 0, 0,
		0, 1, 0, 0, 0, 0, 0, 0,
	}
	assert.Equal(t, want, in[0:24])
}

// TestReportLunsShortBufferIsRejected checks that a REPORT LUNS allocation
// length under 16 bytes fails.
func TestReportLunsShortBufferIsRejected(t *testing.T) {
	bus := scsi.NewBus()
	bus.AddDevice(newTestDevice(t, 0, 0, 1))

	cdb := []byte{scsi.OpReportLuns, 0, 0, 0, 0, 0, 0, 0, 0, 15, 0, 0}
	resp, err := bus.Execute(scsi.Command{CDB: cdb, Target: 0, LUN: 0, DataIn: make([]byte, 15)})
	require.NoError(t, err)
	assert.Equal(t, byte(scsi.StatusCheckCondition), resp.Status)
}

// TestReadCapacity16 checks that a 2 TiB disk (0x1_0000_0000 sectors)
// reports that exact sector count back, not sectors-1.
func TestReadCapacity16(t *testing.T) {
	bus := scsi.NewBus()
	bus.AddDevice(newTestDevice(t, 0, 0, 1))
	dev := bus.Device(0, 0)
	dev.NumBlocks = 0x1_0000_0000

	in := make([]byte, 32)
	cdb := []byte{scsi.OpServiceActionIn16, scsi.SubcodeReadCapacity16, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0}
	resp, err := bus.Execute(scsi.Command{CDB: cdb, Target: 0, LUN: 0, DataIn: in})
	require.NoError(t, err)
	assert.Equal(t, byte(scsi.StatusGood), resp.Status)
	assert.Equal(t, []byte{0, 0, 0, 0x01, 0, 0, 0, 0}, in[0:8])
	assert.Equal(t, []byte{0, 0, 2, 0}, in[8:12])
	assert.Equal(t, make([]byte, 20), in[12:32])
}

// TestReadSixWithZeroLengthMeans256Blocks checks that READ_6 with
// cdb[4]=0 transfers exactly 256*512 bytes.
func TestReadSixWithZeroLengthMeans256Blocks(t *testing.T) {
	bus := scsi.NewBus()
	bus.AddDevice(newTestDevice(t, 0, 0, 256))

	in := make([]byte, 256*scsi.DefaultBlockSize)
	cdb := []byte{scsi.OpRead6, 0, 0, 0, 0, 0}
	resp, err := bus.Execute(scsi.Command{CDB: cdb, Target: 0, LUN: 0, DataIn: in})
	require.NoError(t, err)
	assert.Equal(t, byte(scsi.StatusGood), resp.Status)
	assert.Equal(t, 0, resp.Residual)
}

// TestUnsupportedOpcodeSenseDetail pins the exact key/asc/ascq triple
// reported for an unsupported opcode.
func TestUnsupportedOpcodeSenseDetail(t *testing.T) {
	bus := scsi.NewBus()
	bus.AddDevice(newTestDevice(t, 0, 0, 1))

	resp, err := bus.Execute(scsi.Command{
		CDB: []byte{0xff, 0, 0, 0, 0, 0}, Target: 0, LUN: 0, DataIn: make([]byte, 8),
	})
	require.NoError(t, err)
	assert.Equal(t, byte(scsi.StatusCheckCondition), resp.Status)
	assert.Equal(t, byte(0x05), resp.SenseData[2]&0x0f)
	assert.Equal(t, byte(0x20), resp.SenseData[12])
	assert.Equal(t, byte(0x00), resp.SenseData[13])
}

package pci_test

import (
	"encoding/binary"
	"testing"

	"github.com/jamlee-dev/stratokvm/addrspace"
	"github.com/jamlee-dev/stratokvm/pci"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newBus(t *testing.T) *pci.Bus {
	t.Helper()

	return pci.NewBus(addrspace.NewSysIO(), addrspace.NewSysMem())
}

func TestMCHAtZeroZeroZero(t *testing.T) {
	bus := newBus(t)
	mch := pci.NewMCH()
	require.NoError(t, bus.AddDevice(mch))

	assert.Equal(t, pci.BDF{0, 0, 0}, mch.BDF())
	assert.Equal(t, uint16(pci.MCHVendorID), binary.LittleEndian.Uint16(mch.Config()[0:2]))
}

func TestLegacyConfigAddrDataRoundTrip(t *testing.T) {
	bus := newBus(t)
	require.NoError(t, bus.AddDevice(pci.NewMCH()))

	var addr [4]byte
	binary.LittleEndian.PutUint32(addr[:], 1<<31) // enable, bdf 0:0.0, reg 0
	require.NoError(t, bus.ConfAddrOut(0xcf8, addr[:]))

	var got [4]byte
	require.NoError(t, bus.ConfAddrIn(0xcf8, got[:]))
	assert.Equal(t, addr, got)

	var data [4]byte
	require.NoError(t, bus.ConfDataIn(0xcfc, data[:]))
	assert.Equal(t, uint16(pci.MCHVendorID), binary.LittleEndian.Uint16(data[0:2]))
}

func TestConfigAddrDisabledReadsAllOnes(t *testing.T) {
	bus := newBus(t)
	require.NoError(t, bus.AddDevice(pci.NewMCH()))

	var data [4]byte
	require.NoError(t, bus.ConfDataIn(0xcfc, data[:]))
	assert.Equal(t, []byte{0xff, 0xff, 0xff, 0xff}, data[:])
}

func TestECAMMatchesLegacyDecode(t *testing.T) {
	bus := newBus(t)
	require.NoError(t, bus.AddDevice(pci.NewMCH()))

	var data [4]byte
	require.NoError(t, bus.ECAMRead(0, data[:]))
	assert.Equal(t, uint16(pci.MCHVendorID), binary.LittleEndian.Uint16(data[0:2]))
}

type fakeBARDevice struct {
	cfg          pci.ConfigSpace
	bars         [6]pci.BAR
	assignedAddr uint64
	assignedIdx  int
}

func (f *fakeBARDevice) BDF() pci.BDF             { return pci.BDF{0, 1, 0} }
func (f *fakeBARDevice) Config() *pci.ConfigSpace { return &f.cfg }
func (f *fakeBARDevice) BARs() [6]pci.BAR         { return f.bars }
func (f *fakeBARDevice) OnBARAssigned(index int, addr uint64) error {
	f.assignedIdx = index
	f.assignedAddr = addr

	return nil
}

func TestBARSizeProbeThenAssign(t *testing.T) {
	bus := newBus(t)
	dev := &fakeBARDevice{bars: [6]pci.BAR{{Size: 0x1000}}}
	require.NoError(t, bus.AddDevice(dev))

	bar0ECAMOffset := uint64(1<<15 | 0x10) // dev=1, fn=0, reg=0x10

	var probe [4]byte
	binary.LittleEndian.PutUint32(probe[:], 0xffff_ffff)
	require.NoError(t, bus.ECAMWrite(bar0ECAMOffset, probe[:]))

	mask := binary.LittleEndian.Uint32(dev.cfg[0x10:])
	assert.Equal(t, ^uint32(0x1000-1), mask)

	var addr [4]byte
	binary.LittleEndian.PutUint32(addr[:], 0xC000_0000)
	require.NoError(t, bus.ECAMWrite(bar0ECAMOffset, addr[:]))
	assert.Equal(t, uint64(0xC000_0000), dev.assignedAddr)
	assert.Equal(t, 0, dev.assignedIdx)
}

package machine_test

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jamlee-dev/stratokvm/machine"
)

func TestRealizeRejectsMemoryBelowMinimum(t *testing.T) {
	_, err := machine.Realize(machine.Config{MemSize: machine.MinMemSize - 1})
	require.Error(t, err)
	assert.ErrorIs(t, err, machine.ErrMemTooSmall)
}

func TestRealizeRequiresDevKVM(t *testing.T) {
	if _, err := os.Stat("/dev/kvm"); err == nil {
		t.Skip("this host has /dev/kvm; the permission-denied path isn't exercised")
	}

	_, err := machine.Realize(machine.Config{MemSize: machine.MinMemSize})
	require.Error(t, err)
}

func TestRealizeAndBoot(t *testing.T) {
	if os.Getuid() != 0 {
		t.Skip("realizing a machine needs root and /dev/kvm access")
	}

	if _, err := os.Stat("/dev/kvm"); err != nil {
		t.Skip("no /dev/kvm on this host")
	}

	kern, err := os.Open("../testdata/bzImage")
	if err != nil {
		t.Skip("no test kernel image available")
	}
	defer kern.Close()

	m, err := machine.Realize(machine.Config{
		NCPUs:   1,
		MemSize: machine.MinMemSize,
		Kernel:  kern,
		Cmdline: "console=ttyS0 reboot=t panic=-1",
	})
	require.NoError(t, err)

	m.Run(false)

	err = m.RunInfiniteLoop(0)
	assert.NoError(t, err)

	assert.NoError(t, m.Destroy())
}

// CPUToFD and Translate/VtoP don't need a realized KVM VM to test their
// bounds checks: a Machine with no vCPUs/RAM mapped still rejects every
// index and address.
func TestCPUToFDRejectsOutOfRange(t *testing.T) {
	var m machine.Machine

	_, err := m.CPUToFD(0)
	require.Error(t, err)
	assert.ErrorIs(t, err, machine.ErrBadCPU)

	_, err = m.CPUToFD(-1)
	require.Error(t, err)
	assert.ErrorIs(t, err, machine.ErrBadCPU)
}

func TestTranslateRejectsUnmappedAddress(t *testing.T) {
	var m machine.Machine

	_, err := m.Translate(0x1000, 16)
	require.Error(t, err)
}

func TestVtoPRejectsForeignSlice(t *testing.T) {
	var m machine.Machine

	foreign := make([]byte, 16)
	_, ok := m.VtoP(foreign)
	assert.False(t, ok)

	_, ok = m.VtoP(nil)
	assert.False(t, ok)
}

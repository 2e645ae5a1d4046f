package addrspace

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReadWriteRoundTrip(t *testing.T) {
	var store [4]byte
	h := HandlerFuncs{
		ReadFunc: func(offset uint64, data []byte) error {
			copy(data, store[offset:])
			return nil
		},
		WriteFunc: func(offset uint64, data []byte) error {
			copy(store[offset:], data)
			return nil
		},
	}

	sys := NewSysMem()
	require.NoError(t, sys.AddSubregion(NewIOHandler("dev", 4, h), 0x1000))

	require.NoError(t, sys.Write(0x1000+2, []byte{0xAB, 0xCD}))
	got := make([]byte, 2)
	require.NoError(t, sys.Read(0x1000+2, got))
	assert.Equal(t, []byte{0xAB, 0xCD}, got)
}

func TestUnmappedAccessFails(t *testing.T) {
	sys := NewSysMem()
	err := sys.Read(0x5000, make([]byte, 1))
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrUnmapped))
}

func TestOverlappingSubregionRejected(t *testing.T) {
	sys := NewSysMem()
	h := HandlerFuncs{}
	require.NoError(t, sys.AddSubregion(NewIOHandler("a", 0x1000, h), 0x0))

	err := sys.AddSubregion(NewIOHandler("b", 0x10, h), 0x500)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrOverlap))
}

func TestSysIORejectsOutOfRange(t *testing.T) {
	io := NewSysIO()
	err := io.AddSubregion(NewIOHandler("big", 1<<17, HandlerFuncs{}), 0)
	require.Error(t, err)
}

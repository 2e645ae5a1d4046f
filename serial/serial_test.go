package serial

import (
	"bytes"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOutputWrite(t *testing.T) {
	s := New(nil)
	var buf bytes.Buffer
	s.Output = &buf

	require.NoError(t, s.Out(COM1Addr+regRBR, []byte{'h'}))
	require.NoError(t, s.Out(COM1Addr+regRBR, []byte{'i'}))
	assert.Equal(t, "hi", buf.String())
}

func TestInputAndIRQ(t *testing.T) {
	irqCount := 0
	s := New(func() error {
		irqCount++
		return nil
	})

	require.NoError(t, s.Out(COM1Addr+regIER, []byte{ierRecvDataAvail}))

	s.GetInputChan() <- 'x'

	require.Eventually(t, func() bool {
		var lsr [1]byte
		_ = s.In(COM1Addr+regLSR, lsr[:])
		return lsr[0]&lsrDataReady != 0
	}, time.Second, time.Millisecond)

	var rbr [1]byte
	require.NoError(t, s.In(COM1Addr+regRBR, rbr[:]))
	assert.Equal(t, byte('x'), rbr[0])
	assert.Greater(t, irqCount, 0)
}

func TestLSRIdleWhenEmpty(t *testing.T) {
	s := New(nil)
	var lsr [1]byte
	require.NoError(t, s.In(COM1Addr+regLSR, lsr[:]))
	assert.Equal(t, byte(lsrTransmitterHold|lsrTransmitterIdle), lsr[0])
}

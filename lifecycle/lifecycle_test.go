package lifecycle

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

func TestCreatedToRunning(t *testing.T) {
	c, err := New(nil)
	require.NoError(t, err)
	defer c.Close()

	assert.Equal(t, Created, c.State())
	assert.True(t, c.Run(false))
	assert.Equal(t, Running, c.State())
}

func TestCreatedToPaused(t *testing.T) {
	c, err := New(nil)
	require.NoError(t, err)
	defer c.Close()

	assert.True(t, c.Run(true))
	assert.Equal(t, Paused, c.State())
}

// TestPauseResumeDestroySequence is named scenario 6: run(paused=false);
// pause(); resume(); destroy() must emit [STOP, RESUME] and end Shutdown
// with a readable 64-bit counter on the power-button descriptor.
func TestPauseResumeDestroySequence(t *testing.T) {
	var events []Event
	c, err := New(func(e Event) { events = append(events, e) })
	require.NoError(t, err)
	defer c.Close()

	require.True(t, c.Run(false))
	require.True(t, c.Pause())
	require.True(t, c.Resume())
	require.NoError(t, c.Destroy())

	assert.Equal(t, []Event{EventStop, EventResume}, events)
	assert.Equal(t, Shutdown, c.State())
	assert.True(t, c.LoopShouldExit())

	buf := make([]byte, 8)
	n, err := unix.Read(c.PowerButtonFD(), buf)
	require.NoError(t, err)
	assert.Equal(t, 8, n)
}

func TestPauseOnlyValidFromRunning(t *testing.T) {
	c, err := New(nil)
	require.NoError(t, err)
	defer c.Close()

	assert.False(t, c.Pause())

	require.True(t, c.Run(false))
	assert.True(t, c.Pause())
	assert.False(t, c.Pause())
}

func TestResumeOnlyValidFromPaused(t *testing.T) {
	c, err := New(nil)
	require.NoError(t, err)
	defer c.Close()

	assert.False(t, c.Resume())
}

func TestWaitUnblocksOnTransition(t *testing.T) {
	c, err := New(nil)
	require.NoError(t, err)
	defer c.Close()

	done := make(chan State, 1)
	go func() { done <- c.Wait(Created) }()

	time.Sleep(10 * time.Millisecond)
	c.Run(false)

	select {
	case s := <-done:
		assert.Equal(t, Running, s)
	case <-time.After(time.Second):
		t.Fatal("Wait did not unblock")
	}
}

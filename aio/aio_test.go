package aio

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReadWriteRoundTrip(t *testing.T) {
	f, err := os.CreateTemp(t.TempDir(), "aio")
	require.NoError(t, err)
	defer f.Close()

	q := NewQueue()
	done := make(chan Result, 1)

	q.Submit(Request{
		Op:     OpWrite,
		Fd:     int(f.Fd()),
		Offset: 0,
		Iovecs: [][]byte{[]byte("hello")},
		Done:   done,
	})

	res := <-done
	require.NoError(t, res.Err)
	assert.Equal(t, 5, res.N)

	buf := make([]byte, 5)
	readDone := make(chan Result, 1)
	q.Submit(Request{
		Op:     OpRead,
		Fd:     int(f.Fd()),
		Offset: 0,
		Iovecs: [][]byte{buf},
		Done:   readDone,
	})

	res = <-readDone
	require.NoError(t, res.Err)
	assert.Equal(t, "hello", string(buf))
}

func TestFlushInvokesCallback(t *testing.T) {
	q := NewQueue()
	done := make(chan Result, 1)
	called := false

	q.Submit(Request{
		Op:    OpFlush,
		Flush: func() error { called = true; return nil },
		Done:  done,
	})

	res := <-done
	require.NoError(t, res.Err)
	assert.True(t, called)
}

// TestCompletionOrderIsFIFO submits requests in a fixed order where earlier
// ones are artificially slower than later ones, and asserts results still
// arrive on each Done channel only after all earlier requests have
// completed, matching the order they were submitted rather than the order
// the underlying I/O finished.
func TestCompletionOrderIsFIFO(t *testing.T) {
	q := NewQueue()
	const n = 20

	dones := make([]chan Result, n)

	for i := 0; i < n; i++ {
		dones[i] = make(chan Result, 1)
	}

	for i := 0; i < n; i++ {
		delay := time.Duration(n-i) * time.Millisecond
		q.Submit(Request{
			Op: OpFlush,
			Flush: func() error {
				time.Sleep(delay)
				return nil
			},
			Done: dones[i],
		})
	}

	// The last request finishes first; by the time its result arrives,
	// every earlier result must already be waiting on its channel.
	last := <-dones[n-1]
	assert.NoError(t, last.Err)

	for i := 0; i < n-1; i++ {
		select {
		case res, ok := <-dones[i]:
			require.True(t, ok)
			assert.NoError(t, res.Err)
		default:
			t.Fatalf("result %d not delivered before result %d", i, n-1)
		}
	}
}

// Package aio submits vectored reads and writes against a backing file and
// delivers completions in submission order per queue, the guarantee the
// virtio-scsi DMA path depends on: a guest that issues several overlapping
// commands on one virtqueue sees their responses posted in the order it
// sent the requests, even though the underlying I/O may finish out of
// order.
package aio

import (
	"fmt"
	"sync"

	"golang.org/x/sys/unix"
)

// Op selects the direction of a Request.
type Op int

const (
	OpRead Op = iota
	OpWrite
	OpFlush
)

// Request is one vectored I/O operation against a file at a byte offset.
type Request struct {
	Op     Op
	Fd     int
	Offset int64
	Iovecs [][]byte

	// Flush is invoked instead of a preadv/pwritev for Op == OpFlush,
	// e.g. (*os.File).Sync.
	Flush func() error

	// Done receives the result exactly once, in FIFO order relative to
	// other requests submitted on the same Queue.
	Done chan Result
}

// Result is the outcome of a Request.
type Result struct {
	N   int
	Err error
}

// Queue serializes completion delivery for one virtqueue: requests may run
// concurrently, but Result values are posted to each Request's Done channel
// in the same order the requests were submitted.
type Queue struct {
	mu   sync.Mutex
	next uint64
	pending map[uint64]*slot
	head uint64
}

type slot struct {
	req  Request
	done bool
	res  Result
}

// NewQueue returns an empty reorder queue.
func NewQueue() *Queue {
	return &Queue{pending: make(map[uint64]*slot)}
}

// Submit runs req asynchronously in its own goroutine and arranges for its
// Result to be posted to req.Done once every request submitted before it on
// this Queue has already completed.
func (q *Queue) Submit(req Request) {
	q.mu.Lock()
	seq := q.next
	q.next++
	s := &slot{req: req}
	q.pending[seq] = s
	q.mu.Unlock()

	go func() {
		n, err := perform(req)
		q.complete(seq, Result{N: n, Err: err})
	}()
}

func (q *Queue) complete(seq uint64, res Result) {
	q.mu.Lock()
	defer q.mu.Unlock()

	s := q.pending[seq]
	s.done = true
	s.res = res

	for {
		cur, ok := q.pending[q.head]
		if !ok || !cur.done {
			break
		}

		delete(q.pending, q.head)
		q.head++

		if cur.req.Done != nil {
			cur.req.Done <- cur.res
		}
	}
}

func perform(req Request) (int, error) {
	if req.Op == OpFlush {
		if req.Flush == nil {
			return 0, fmt.Errorf("aio: flush requires a Flush callback")
		}

		return 0, req.Flush()
	}

	if len(req.Iovecs) == 0 {
		return 0, nil
	}

	switch req.Op {
	case OpRead:
		return unix.Preadv(req.Fd, req.Iovecs, req.Offset)
	case OpWrite:
		return unix.Pwritev(req.Fd, req.Iovecs, req.Offset)
	default:
		return 0, fmt.Errorf("aio: unknown op %d", req.Op)
	}
}

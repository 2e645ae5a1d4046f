// Package lifecycle implements the VM state machine: Created, Running,
// Paused, Shutdown, guarded by a single mutex+condvar pair so observers can
// block on transitions, plus the power-button event descriptor that signals
// the main event loop to exit.
package lifecycle

import (
	"fmt"
	"sync"

	"golang.org/x/sys/unix"
)

// State is one node of the VM lifecycle graph.
type State int

const (
	Created State = iota
	Running
	Paused
	Shutdown
)

func (s State) String() string {
	switch s {
	case Created:
		return "Created"
	case Running:
		return "Running"
	case Paused:
		return "Paused"
	case Shutdown:
		return "Shutdown"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Event is emitted on a successful pause/resume transition.
type Event int

const (
	EventStop Event = iota
	EventResume
)

func (e Event) String() string {
	if e == EventStop {
		return "STOP"
	}

	return "RESUME"
}

// Controller owns VM state and the power-button descriptor. The zero value
// is not usable; construct with New.
type Controller struct {
	mu    sync.Mutex
	cond  *sync.Cond
	state State

	onEvent func(Event)

	powerButtonFD int
}

// New creates a Controller in state Created with a fresh eventfd for the
// power button.
func New(onEvent func(Event)) (*Controller, error) {
	fd, err := unix.Eventfd(0, unix.EFD_CLOEXEC|unix.EFD_NONBLOCK)
	if err != nil {
		return nil, fmt.Errorf("lifecycle: eventfd: %w", err)
	}

	if onEvent == nil {
		onEvent = func(Event) {}
	}

	c := &Controller{state: Created, onEvent: onEvent, powerButtonFD: fd}
	c.cond = sync.NewCond(&c.mu)

	return c, nil
}

// PowerButtonFD returns the eventfd the event loop should poll for
// shutdown notification.
func (c *Controller) PowerButtonFD() int {
	return c.powerButtonFD
}

// State returns the current state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.state
}

// Run transitions Created -> Running (paused=false) or Created -> Paused
// (paused=true). Returns false if the current state isn't Created.
func (c *Controller) Run(paused bool) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state != Created {
		return false
	}

	if paused {
		c.state = Paused
	} else {
		c.state = Running
	}

	c.cond.Broadcast()

	return true
}

// Pause transitions Running -> Paused, emitting EventStop. No-op (returns
// false) if the current state isn't Running.
func (c *Controller) Pause() bool {
	c.mu.Lock()
	if c.state != Running {
		c.mu.Unlock()

		return false
	}

	c.state = Paused
	c.cond.Broadcast()
	c.mu.Unlock()

	c.onEvent(EventStop)

	return true
}

// Resume transitions Paused -> Running, emitting EventResume. No-op
// (returns false) if the current state isn't Paused.
func (c *Controller) Resume() bool {
	c.mu.Lock()
	if c.state != Paused {
		c.mu.Unlock()

		return false
	}

	c.state = Running
	c.cond.Broadcast()
	c.mu.Unlock()

	c.onEvent(EventResume)

	return true
}

// Destroy transitions unconditionally to Shutdown and signals the
// power-button descriptor.
func (c *Controller) Destroy() error {
	c.mu.Lock()
	c.state = Shutdown
	c.cond.Broadcast()
	c.mu.Unlock()

	buf := make([]byte, 8)
	buf[0] = 1

	if _, err := unix.Write(c.powerButtonFD, buf); err != nil {
		return fmt.Errorf("lifecycle: signal power button: %w", err)
	}

	return nil
}

// LoopShouldExit reports whether the event loop should stop: true iff
// state is Shutdown.
func (c *Controller) LoopShouldExit() bool {
	return c.State() == Shutdown
}

// Wait blocks until the state differs from prev, returning the new state.
func (c *Controller) Wait(prev State) State {
	c.mu.Lock()
	defer c.mu.Unlock()

	for c.state == prev {
		c.cond.Wait()
	}

	return c.state
}

// Close releases the power-button descriptor.
func (c *Controller) Close() error {
	return unix.Close(c.powerButtonFD)
}

// Package serial emulates an 8250-compatible UART at legacy COM1, exposing
// only the wire-visible registers: LSR/RBR/THR/IER/IIR/MCR/LCR. Interrupt
// delivery is left to the caller (the machine package wires IRQ injection
// through the in-kernel interrupt chip).
package serial

import (
	"io"
	"sync"
)

// COM1Addr is the base PIO address of the first serial port.
const COM1Addr = 0x3f8

// Register offsets from COM1Addr.
const (
	regRBR = 0 // receiver buffer (read) / transmitter holding (write)
	regIER = 1
	regIIR = 2 // interrupt identification (read) / FIFO control (write)
	regLCR = 3
	regMCR = 4
	regLSR = 5
	regMSR = 6
	regSCR = 7
)

// Line Status Register bits.
const (
	lsrDataReady       = 1 << 0
	lsrTransmitterHold = 1 << 5
	lsrTransmitterIdle = 1 << 6
)

// Interrupt Enable Register bits.
const (
	ierRecvDataAvail = 1 << 0
)

// Serial is an 8250 UART. InjectIRQ is called whenever new input arrives
// and IER has the receive-data-available bit set.
type Serial struct {
	mu sync.Mutex

	ier, iir, lcr, mcr, scr byte
	inputQueue              []byte

	input chan byte

	InjectIRQ func() error

	// Output receives bytes the guest writes to THR. Defaults to
	// io.Discard so a Serial constructed in tests need not wire a console.
	Output io.Writer
}

// New creates a UART. injectIRQ may be nil in tests that don't exercise
// interrupt delivery.
func New(injectIRQ func() error) *Serial {
	if injectIRQ == nil {
		injectIRQ = func() error { return nil }
	}

	s := &Serial{
		iir:       0x01, // no interrupt pending
		input:     make(chan byte, 4096),
		InjectIRQ: injectIRQ,
		Output:    io.Discard,
	}

	go s.drain()

	return s
}

// drain moves bytes from the input channel into the device's internal FIFO
// and raises an interrupt, decoupling the channel send (from e.g. a stdin
// reader goroutine) from the PIO-handler critical section.
func (s *Serial) drain() {
	for b := range s.input {
		s.mu.Lock()
		s.inputQueue = append(s.inputQueue, b)
		raise := s.ier&ierRecvDataAvail != 0
		s.mu.Unlock()

		if raise {
			_ = s.InjectIRQ()
		}
	}
}

// GetInputChan returns a channel host input can be forwarded on.
func (s *Serial) GetInputChan() chan<- byte {
	return s.input
}

// In handles a PIO read from port (COM1Addr+offset) into data.
func (s *Serial) In(port uint64, data []byte) error {
	if len(data) == 0 {
		return nil
	}

	offset := port - COM1Addr

	s.mu.Lock()
	defer s.mu.Unlock()

	switch offset {
	case regRBR:
		if len(s.inputQueue) > 0 {
			data[0] = s.inputQueue[0]
			s.inputQueue = s.inputQueue[1:]
		} else {
			data[0] = 0
		}
	case regIER:
		data[0] = s.ier
	case regIIR:
		data[0] = s.iir
	case regLCR:
		data[0] = s.lcr
	case regMCR:
		data[0] = s.mcr
	case regLSR:
		status := byte(lsrTransmitterHold | lsrTransmitterIdle)
		if len(s.inputQueue) > 0 {
			status |= lsrDataReady
		}
		data[0] = status
	case regMSR:
		data[0] = 0
	case regSCR:
		data[0] = s.scr
	default:
		data[0] = 0
	}

	return nil
}

// Out handles a PIO write to port (COM1Addr+offset) from data.
func (s *Serial) Out(port uint64, data []byte) error {
	if len(data) == 0 {
		return nil
	}

	offset := port - COM1Addr
	v := data[0]

	if offset == regRBR {
		_, _ = s.Output.Write([]byte{v})

		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	switch offset {
	case regIER:
		s.ier = v
	case regIIR: // FIFO control register on write; unused here.
	case regLCR:
		s.lcr = v
	case regMCR:
		s.mcr = v
	case regSCR:
		s.scr = v
	}

	return nil
}

package scsi

import (
	"github.com/jamlee-dev/stratokvm/aio"
)

// Command is one CDB addressed to a target/LUN, with the data buffers the
// caller (the virtio-scsi queue worker) has already gathered from the
// guest's descriptor chain, sized to the command's own allocation/xfer
// length.
type Command struct {
	CDB    []byte
	Target uint8
	LUN    uint16

	// DataOut is data the driver sent for this command (WRITE payloads).
	DataOut []byte
	// DataIn is the buffer to fill with data for the driver (READ
	// payloads, INQUIRY/MODE SENSE/etc. responses).
	DataIn []byte
}

// Response is the outcome of executing a Command.
type Response struct {
	Status    byte
	SenseData []byte // present only when Status != StatusGood
	Residual  int    // DataIn/DataOut bytes left unfilled/unconsumed
}

// errSelectionFailure is returned by Bus.Execute when no device answers
// for the addressed target at all.
type errSelectionFailure struct{}

func (errSelectionFailure) Error() string { return "scsi: selection failure, no such target" }

// Execute routes cmd to its target/LUN and runs it, either synchronously
// (control-path emulation) or asynchronously against the backing file
// (data-path DMA, via the device's own aio.Queue so completions for that
// LUN are delivered in submission order).
func (b *Bus) Execute(cmd Command) (Response, error) {
	lr := b.lookup(cmd.Target, cmd.LUN)
	if lr.dev == nil {
		return Response{}, errSelectionFailure{}
	}

	p, err := parseCDB(cmd.CDB)
	if err != nil {
		if _, known := cdbLen(cmd.CDB[0]); !known {
			return fromSense(checkCondition(SenseIllegalRequest, AscInvalidCommandOpcode, 0)), nil
		}

		return fromSense(checkCondition(SenseIllegalRequest, AscInvalidFieldInCDB, 0)), nil
	}

	luns := b.LUNs(cmd.Target)

	if !lr.exactLUNMatch {
		return executeTargetRequest(lr.dev, cmd, p, luns), nil
	}

	if isDMA(cmd.CDB[0]) {
		return executeDMA(lr.dev, cmd, p), nil
	}

	return executeEmulated(lr.dev, cmd, p, luns), nil
}

// executeTargetRequest handles the case where the bus resolved a device on
// the target but not at the requested LUN: only REPORT LUNS, INQUIRY,
// REQUEST SENSE, and TEST UNIT READY are honoured against it.
func executeTargetRequest(dev *Device, cmd Command, p parsed, luns []uint16) Response {
	cdb := cmd.CDB

	switch cdb[0] {
	case OpReportLuns:
		if p.xfer < 16 || cdb[2] > 2 {
			return fromSense(checkCondition(SenseIllegalRequest, AscInvalidFieldInCDB, 0))
		}

		return fromData(cmd, reportLuns(luns))
	case OpInquiry:
		data, sense := inquiryTargetRequest(cdb, cmd.LUN)
		if sense.Status != StatusGood {
			return fromSense(sense)
		}

		return fromData(cmd, data)
	case OpRequestSense:
		if cmd.LUN != 0 {
			return fromData(cmd, FixedSense(SenseIllegalRequest, AscLUNNotSupported, 0))
		}

		return fromData(cmd, FixedSense(SenseNoSense, AscNoAdditionalSenseInfo, 0))
	case OpTestUnitReady:
		return fromSense(good())
	default:
		return fromSense(checkCondition(SenseIllegalRequest, AscInvalidCommandOpcode, 0))
	}
}

func executeEmulated(dev *Device, cmd Command, p parsed, luns []uint16) Response {
	cdb := cmd.CDB

	switch cdb[0] {
	case OpTestUnitReady:
		if dev.File == nil {
			return fromSense(checkCondition(SenseNotReady, AscLogicalUnitNotReady, 0))
		}

		return fromSense(good())
	case OpInquiry:
		data, sense := inquiry(dev, cdb)
		if sense.Status != StatusGood {
			return fromSense(sense)
		}

		return fromData(cmd, data)
	case OpReadCapacity10:
		data, sense := readCapacity10(dev, cdb)
		if sense.Status != StatusGood {
			return fromSense(sense)
		}

		return fromData(cmd, data)
	case OpServiceActionIn16:
		if cdb[1]&0x1f != SubcodeReadCapacity16 {
			return fromSense(checkCondition(SenseIllegalRequest, AscInvalidFieldInCDB, 0))
		}

		return fromData(cmd, readCapacity16(dev))
	case OpModeSense:
		data, sense := modeSense(dev, cdb, false)
		if sense.Status != StatusGood {
			return fromSense(sense)
		}

		return fromData(cmd, data)
	case OpModeSense10:
		data, sense := modeSense(dev, cdb, true)
		if sense.Status != StatusGood {
			return fromSense(sense)
		}

		return fromData(cmd, data)
	case OpReportLuns:
		if p.xfer < 16 || cdb[2] > 2 {
			return fromSense(checkCondition(SenseIllegalRequest, AscInvalidFieldInCDB, 0))
		}

		return fromData(cmd, reportLuns(luns))
	case OpRequestSense:
		return fromData(cmd, FixedSense(SenseNoSense, AscNoAdditionalSenseInfo, 0))
	case OpWriteSame10, OpWriteSame16:
		// Accepted; this engine performs no data movement for these.
		return fromSense(good())
	case OpSyncCache, OpSyncCache16:
		// Flushes the backing file through the device's aio.Queue.
		done := make(chan aio.Result, 1)
		dev.Queue.Submit(aio.Request{Op: aio.OpFlush, Flush: dev.File.Sync, Done: done})
		if res := <-done; res.Err != nil {
			return fromSense(checkCondition(SenseAbortedCommand, AscIOError, AscqIOError))
		}

		return fromSense(good())
	case OpStartStop, OpAllowMediumRemove, OpReserve, OpRelease:
		return fromSense(good())
	default:
		return fromSense(checkCondition(SenseIllegalRequest, AscInvalidCommandOpcode, 0))
	}
}

// executeDMA performs the data-path read/write commands against the
// device's backing file, submitted through its aio.Queue and awaited here
// so Bus.Execute's caller sees a synchronous call while still getting the
// queue's FIFO completion ordering relative to other in-flight commands on
// the same LUN.
func executeDMA(dev *Device, cmd Command, p parsed) Response {
	offset := int64(p.lba) * int64(dev.BlockSize)
	length := int(p.xfer) * int(dev.BlockSize)

	if length == 0 {
		return fromSense(good())
	}

	if p.lba+uint64(p.xfer) > dev.NumBlocks {
		return fromSense(checkCondition(SenseIllegalRequest, AscLogicalBlockAddrOutOfRange, 0))
	}

	op := aio.OpRead
	var buf []byte
	switch direction(cmd.CDB) {
	case xferFromDevice:
		buf = cmd.DataIn
	case xferToDevice:
		op = aio.OpWrite
		buf = cmd.DataOut
	default:
		return fromSense(good())
	}

	if len(buf) > length {
		buf = buf[:length]
	}

	done := make(chan aio.Result, 1)
	dev.Queue.Submit(aio.Request{
		Op: op, Fd: int(dev.File.Fd()), Offset: offset, Iovecs: [][]byte{buf}, Done: done,
	})
	res := <-done

	if res.Err != nil {
		return fromSense(checkCondition(SenseAbortedCommand, AscIOError, AscqIOError))
	}

	resp := fromSense(good())
	if res.N < length {
		resp.Residual = length - res.N
	}

	return resp
}

func fromSense(s Sense) Response {
	if s.Status == StatusGood {
		return Response{Status: StatusGood}
	}

	return Response{Status: s.Status, SenseData: s.Data()}
}

// fromData copies data into cmd.DataIn, truncated to whichever is shorter,
// and reports any remainder as residual the way underfilled
// INQUIRY/MODE SENSE/REPORT LUNS responses do when the driver's buffer was
// smaller than the full response.
func fromData(cmd Command, data []byte) Response {
	n := copy(cmd.DataIn, data)

	return Response{Status: StatusGood, Residual: len(data) - n}
}

package scsi

import (
	"encoding/binary"
	"errors"
)

// ErrBadCDB is returned by parseCDB when the command's group code does not
// map to one of the fixed CDB lengths this engine understands.
var ErrBadCDB = errors.New("scsi: unparseable CDB")

// cdbLen returns the canonical CDB length for the group code carried in
// the command's opcode byte (cdb[0]>>5), or ok=false for a group this
// engine treats as an unparseable command.
func cdbLen(opcode byte) (n int, ok bool) {
	switch opcode >> 5 {
	case 0:
		return 6, true
	case 1, 2:
		return 10, true
	case 4:
		return 16, true
	case 5:
		return 12, true
	default:
		return 0, false
	}
}

// parsed holds the (xfer, lba) pair derived from a CDB per the group-code
// table and the opcode-specific overrides. xfer is the CDB's raw transfer
// length: a block count for READ/WRITE, a byte count for other commands.
type parsed struct {
	lba  uint64
	xfer uint32
}

// parseCDB derives (xfer, lba) from cdb's group code, then applies the
// opcode-specific overrides that replace the generic table for commands
// whose transfer count isn't block-oriented.
func parseCDB(cdb []byte) (parsed, error) {
	n, ok := cdbLen(cdb[0])
	if !ok || len(cdb) < n {
		return parsed{}, ErrBadCDB
	}

	var p parsed
	switch n {
	case 6:
		p.lba = uint64(binary.BigEndian.Uint32(cdb[0:4]) & 0x1fffff)
		p.xfer = uint32(cdb[4])
		if p.xfer == 0 {
			p.xfer = 256
		}
	case 10:
		p.lba = uint64(binary.BigEndian.Uint32(cdb[2:6]))
		p.xfer = uint32(binary.BigEndian.Uint16(cdb[7:9]))
	case 12:
		p.lba = uint64(binary.BigEndian.Uint32(cdb[2:6]))
		p.xfer = binary.BigEndian.Uint32(cdb[6:10])
	case 16:
		p.lba = binary.BigEndian.Uint64(cdb[2:10])
		p.xfer = binary.BigEndian.Uint32(cdb[10:14])
	}

	switch cdb[0] {
	case OpReadCapacity10:
		p.xfer = 8
	case OpReadBlockLimits:
		p.xfer = 6
	case OpTestUnitReady, OpStartStop, OpAllowMediumRemove, OpReserve, OpRelease,
		OpSyncCache, OpSyncCache16, OpFormatUnit:
		p.xfer = 0
	}

	return p, nil
}

// xferDirection classifies how data moves for a command's data buffer.
type xferDirection int

const (
	xferNone xferDirection = iota
	xferToDevice
	xferFromDevice
)

// direction implements the transfer-mode table: ToDev for writes,
// verifies, mode-select, format/diagnostic, write-buffer, write-same,
// unmap, persistent-reserve-out, send-volume-tag, maintenance-out,
// set-window; ATA passthrough depends on a CDB bit; everything else
// FromDev. LOG SELECT has no opcode constant here and so reports FromDev.
func direction(cdb []byte) xferDirection {
	switch cdb[0] {
	case OpWrite6, OpWrite10, OpWrite12, OpWrite16,
		OpWriteVerify10, OpWriteVerify12, OpWriteVerify16,
		OpVerify10, OpVerify12, OpVerify16,
		OpModeSelect, OpModeSelect10, OpSendDiagnostic, OpFormatUnit,
		OpWriteBuffer, OpWriteSame10, OpWriteSame16, OpUnmap,
		OpPersistResOut, OpSendVolumeTag, OpMaintenanceOut, OpSetWindow:
		return xferToDevice
	case AtaPassthrough12, AtaPassthrough16:
		if cdb[2]&0x08 == 0 {
			return xferToDevice
		}

		return xferFromDevice
	case OpTestUnitReady, OpStartStop, OpAllowMediumRemove, OpReserve, OpRelease,
		OpSyncCache, OpSyncCache16:
		return xferNone
	default:
		return xferFromDevice
	}
}

// dmaOpcodes is DMA_SCSI_OPS: the only opcodes this engine translates into
// asynchronous host I/O. Every other opcode is emulated in software, even
// when direction() reports it moves data (e.g. WRITE_SAME is accepted but
// performs no backing-file movement).
var dmaOpcodes = map[byte]bool{
	OpRead6: true, OpRead10: true, OpRead12: true, OpRead16: true,
	OpWrite6: true, OpWrite10: true, OpWrite12: true, OpWrite16: true,
	OpWriteVerify10: true, OpWriteVerify12: true, OpWriteVerify16: true,
}

func isDMA(opcode byte) bool { return dmaOpcodes[opcode] }

package scsi

import "encoding/binary"

// paddedASCII copies s into a field of width n, space-padded, truncated if
// s is longer than the field.
func paddedASCII(s string, n int) []byte {
	buf := make([]byte, n)
	for i := range buf {
		buf[i] = ' '
	}
	copy(buf, s)

	return buf
}

// inquiryStandard renders the 36-byte standard INQUIRY data (EVPD=0,
// page=0) a device answers when it exists exactly at the addressed LUN.
func inquiryStandard(dev *Device) []byte {
	buf := make([]byte, 36)
	buf[0] = dev.Type & 0x1f
	if dev.Features&FeatureRemovable != 0 {
		buf[1] = 0x80
	}
	buf[2] = 0x05
	buf[3] = 0x12
	buf[4] = byte(len(buf) - 5)
	buf[7] = 0x12
	copy(buf[8:16], paddedASCII(dev.Vendor, 8))
	copy(buf[16:32], paddedASCII(dev.Product, 16))
	copy(buf[32:36], paddedASCII(dev.Revision, 4))

	return buf
}

const (
	vpdSupportedPages   = 0x00
	vpdUnitSerialNumber = 0x80
	vpdDeviceIdent      = 0x83
	vpdBlockLimits      = 0xb0
	vpdBlockDeviceChar  = 0xb1
	vpdLogicalBlockProv = 0xb2
)

// vpdPage00 lists the pages a real device of this type answers: always
// 0x00 and 0x83, 0x80 when a serial is configured, and for disks also the
// block-oriented pages 0xB0/0xB1/0xB2.
func vpdPage00(dev *Device) []byte {
	pages := []byte{vpdSupportedPages, vpdDeviceIdent}
	if dev.Serial != "" {
		pages = append(pages, vpdUnitSerialNumber)
	}
	if dev.Type == TypeDisk {
		pages = append(pages, vpdBlockLimits, vpdBlockDeviceChar, vpdLogicalBlockProv)
	}

	buf := make([]byte, 4+len(pages))
	buf[0] = dev.Type & 0x1f
	buf[1] = vpdSupportedPages
	binary.BigEndian.PutUint16(buf[2:4], uint16(len(pages)))
	copy(buf[4:], pages)

	return buf
}

func vpdPage80(dev *Device) []byte {
	serial := []byte(dev.Serial)
	if len(serial) > 32 {
		serial = serial[:32]
	}

	buf := make([]byte, 4+len(serial))
	buf[0] = dev.Type & 0x1f
	buf[1] = vpdUnitSerialNumber
	binary.BigEndian.PutUint16(buf[2:4], uint16(len(serial)))
	copy(buf[4:], serial)

	return buf
}

// vpdPage83 emits one device-identification descriptor
// [0x02, 0x00, 0x00, len, <device_id>], len capped at 247.
func vpdPage83(dev *Device) []byte {
	id := []byte(dev.deviceID())
	if len(id) > 247 {
		id = id[:247]
	}

	desc := append([]byte{0x02, 0x00, 0x00, byte(len(id))}, id...)

	buf := make([]byte, 4+len(desc))
	buf[0] = dev.Type & 0x1f
	buf[1] = vpdDeviceIdent
	binary.BigEndian.PutUint16(buf[2:4], uint16(len(desc)))
	copy(buf[4:], desc)

	return buf
}

func (d *Device) deviceID() string {
	if d.Serial != "" {
		return d.Serial
	}

	return d.Vendor + d.Product
}

// vpdPageB0 is the Block Limits page: 64 bytes total, WSNZ=1, and the
// fixed size limits this engine advertises regardless of backing file
// size.
func vpdPageB0(dev *Device) []byte {
	const maxXfer = 0xffff_ffff / 512
	const maxUnmapLBA = (1 << 30) / 512
	const maxUnmapDescs = 255
	const optUnmapGranularity = 4096 / 512

	buf := make([]byte, 64)
	buf[0] = dev.Type & 0x1f
	buf[1] = vpdBlockLimits
	binary.BigEndian.PutUint16(buf[2:4], uint16(len(buf)-4))
	buf[4] = 0x01 // WSNZ
	binary.BigEndian.PutUint32(buf[8:12], maxXfer)
	binary.BigEndian.PutUint32(buf[20:24], maxUnmapLBA)
	binary.BigEndian.PutUint32(buf[24:28], maxUnmapDescs)
	binary.BigEndian.PutUint32(buf[28:32], optUnmapGranularity)
	binary.BigEndian.PutUint64(buf[36:44], maxXfer)

	return buf
}

// vpdPageB1 is Block Device Characteristics: 64 bytes, zero rotation rate
// (this engine never claims to be a spinning disk).
func vpdPageB1(dev *Device) []byte {
	buf := make([]byte, 64)
	buf[0] = dev.Type & 0x1f
	buf[1] = vpdBlockDeviceChar
	binary.BigEndian.PutUint16(buf[2:4], uint16(len(buf)-4))

	return buf
}

// vpdPageB2 is Logical Block Provisioning: 8 bytes, flags byte
// LBPU|LBPWS|LBPWS10|LBPRZ|ANC_SUP|DP (0xE0), provisioning type 0x01
// (thin provisioned).
func vpdPageB2(dev *Device) []byte {
	buf := make([]byte, 8)
	buf[0] = dev.Type & 0x1f
	buf[1] = vpdLogicalBlockProv
	binary.BigEndian.PutUint16(buf[2:4], uint16(len(buf)-4))
	buf[5] = 0xe0
	buf[6] = 0x01

	return buf
}

// inquiry dispatches INQUIRY for a device that exists exactly at the
// addressed LUN.
func inquiry(dev *Device, cdb []byte) ([]byte, Sense) {
	if cdb[1]&0x01 == 0 {
		if cdb[2] != 0 {
			return nil, checkCondition(SenseIllegalRequest, AscInvalidFieldInCDB, 0)
		}

		return inquiryStandard(dev), good()
	}

	switch cdb[2] {
	case vpdSupportedPages:
		return vpdPage00(dev), good()
	case vpdUnitSerialNumber:
		return vpdPage80(dev), good()
	case vpdDeviceIdent:
		return vpdPage83(dev), good()
	case vpdBlockLimits:
		if dev.Type != TypeDisk {
			return nil, checkCondition(SenseIllegalRequest, AscInvalidFieldInCDB, 0)
		}

		return vpdPageB0(dev), good()
	case vpdBlockDeviceChar:
		return vpdPageB1(dev), good()
	case vpdLogicalBlockProv:
		return vpdPageB2(dev), good()
	default:
		return nil, checkCondition(SenseIllegalRequest, AscInvalidFieldInCDB, 0)
	}
}

// inquiryTargetRequest renders INQUIRY's answer when the bus resolved a
// different LUN than the one requested: EVPD accepts only page 0x00, and
// the standard path only responds to page code 0.
func inquiryTargetRequest(cdb []byte, requestedLUN uint16) ([]byte, Sense) {
	if cdb[1]&0x01 != 0 {
		if cdb[2] != 0x00 {
			return nil, checkCondition(SenseIllegalRequest, AscInvalidFieldInCDB, 0)
		}

		buf := make([]byte, 4)
		buf[1] = vpdSupportedPages
		binary.BigEndian.PutUint16(buf[2:4], 0)

		return buf, good()
	}

	if cdb[2] != 0 {
		return nil, checkCondition(SenseIllegalRequest, AscInvalidFieldInCDB, 0)
	}

	buf := make([]byte, 36)
	if requestedLUN != 0 {
		buf[0] = 0x7f // TYPE_NO_LUN
	} else {
		buf[0] = 0x3f // TYPE_UNKNOWN | TYPE_INACTIVE
	}
	buf[2] = 5
	buf[3] = 0x12
	buf[7] = 0x12

	return buf, good()
}

// readCapacity10 renders READ CAPACITY(10)'s 8-byte response, failing if
// PMI is clear and the CDB's LBA field is non-zero (the partial-medium
// indicator contract this command shares with its 16-byte successor).
func readCapacity10(dev *Device, cdb []byte) ([]byte, Sense) {
	pmi := cdb[8]&0x01 != 0
	lba := binary.BigEndian.Uint32(cdb[2:6])
	if !pmi && lba != 0 {
		return nil, checkCondition(SenseIllegalRequest, AscInvalidFieldInCDB, 0)
	}

	nbSectors := dev.NumBlocks
	if nbSectors > 0xffff_ffff {
		nbSectors = 0xffff_ffff
	}

	buf := make([]byte, 8)
	binary.BigEndian.PutUint32(buf[0:4], uint32(nbSectors))
	binary.BigEndian.PutUint32(buf[4:8], 512)

	return buf, good()
}

// readCapacity16 renders SERVICE ACTION IN(16)/READ CAPACITY(16)'s 32-byte
// response.
func readCapacity16(dev *Device) []byte {
	buf := make([]byte, 32)

	binary.BigEndian.PutUint64(buf[0:8], dev.NumBlocks)
	binary.BigEndian.PutUint32(buf[8:12], 512)

	return buf
}

// modePage01 is Read-Write Error Recovery: 12 bytes, byte[2] (AWRE|ARRE
// flags byte) set to 0x80 unless the caller asked for changeable values
// (page_control == 1), which this engine reports as all-zero.
func modePage01(pageControl byte) []byte {
	buf := make([]byte, 12)
	buf[0] = 0x01
	buf[1] = 0x0a
	if pageControl != 1 {
		buf[2] = 0x80
	}

	return buf
}

// modePage08 is Caching: 20 bytes, byte[2] fixed at 0x04, which sets WCE
// (write cache enabled) and leaves RCD (read cache disable) clear.
func modePage08() []byte {
	buf := make([]byte, 20)
	buf[0] = 0x08
	buf[1] = 0x12
	buf[2] = 0x04

	return buf
}

// modePages collects the page(s) MODE SENSE/MODE SENSE(10) should return
// for pageCode (0x3F means "all supported pages").
func modePages(pageCode, pageControl byte) ([]byte, bool) {
	const modePageAll = 0x3f

	switch pageCode {
	case 0x01:
		return modePage01(pageControl), true
	case 0x08:
		return modePage08(), true
	case modePageAll:
		return append(modePage01(pageControl), modePage08()...), true
	default:
		return nil, false
	}
}

func modeSense(dev *Device, cdb []byte, is10 bool) ([]byte, Sense) {
	pageControl := (cdb[2] >> 6) & 0x03
	if pageControl == 3 {
		return nil, checkCondition(SenseIllegalRequest, AscSavingParamsNotSupported, 0)
	}

	pages, ok := modePages(cdb[2]&0x3f, pageControl)
	if !ok {
		return nil, checkCondition(SenseIllegalRequest, AscInvalidFieldInCDB, 0)
	}

	dbd := cdb[1]&0x08 != 0
	var blockDesc []byte
	if !dbd && dev.Type == TypeDisk {
		blockDesc = blockDescriptor(dev)
	}

	devSpecific := byte(0)
	if dev.Type == TypeDisk && dev.Features&FeatureDPOFUA != 0 {
		devSpecific = 0x10
	}

	headerLen := 4
	if is10 {
		headerLen = 8
	}

	buf := make([]byte, headerLen+len(blockDesc)+len(pages))
	if is10 {
		buf[3] = devSpecific
		binary.BigEndian.PutUint16(buf[6:8], uint16(len(blockDesc)))
	} else {
		buf[2] = devSpecific
		buf[3] = byte(len(blockDesc))
	}
	copy(buf[headerLen:], blockDesc)
	copy(buf[headerLen+len(blockDesc):], pages)

	// Mode data length covers everything after itself, so it can only be
	// computed once the rest of the buffer is filled in.
	if is10 {
		binary.BigEndian.PutUint16(buf[0:2], uint16(len(buf)-2))
	} else {
		buf[0] = byte(len(buf) - 1)
	}

	return buf, good()
}

func blockDescriptor(dev *Device) []byte {
	buf := make([]byte, 8)

	blocks := dev.NumBlocks & 0xff_ffff
	buf[0] = 0 // density code
	buf[1] = byte(blocks >> 16)
	buf[2] = byte(blocks >> 8)
	buf[3] = byte(blocks)
	binary.BigEndian.PutUint32(buf[4:8], 512)

	return buf
}

// reportLuns renders the fixed-format REPORT LUNS response: xfer ≥ 16 and
// cdb[2] ≤ 2 must already have been validated by the caller.
func reportLuns(luns []uint16) []byte {
	buf := make([]byte, 8+8*len(luns))
	binary.BigEndian.PutUint32(buf[0:4], uint32(8*len(luns)))

	for i, lun := range luns {
		off := 8 + i*8
		if lun < 256 {
			buf[off+1] = byte(lun)
		} else {
			buf[off] = 0x40 | byte((lun>>8)&0xff)
			buf[off+1] = byte(lun & 0xff)
		}
	}

	return buf
}

// requestSenseData is REQUEST SENSE's data-in payload: always empty, this
// engine's auto-contingent-allegiance is carried in the response packet's
// own sense buffer instead (see virtioscsi), filled here with a fixed
// NO_SENSE.
func requestSenseData() []byte {
	return nil
}

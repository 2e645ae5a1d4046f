package scsi

import (
	"os"

	"github.com/jamlee-dev/stratokvm/aio"
)

// Device is one SCSI logical unit backed by a regular file, addressed as
// fixed-size DefaultBlockSize blocks.
type Device struct {
	Target uint8
	LUN    uint16

	File     *os.File
	NumBlocks uint64
	BlockSize uint32

	Type     byte // TypeDisk or TypeROM
	Features byte // FeatureRemovable | FeatureDPOFUA

	Vendor, Product, Revision string
	Serial                    string

	Queue *aio.Queue
}

// NewDevice opens path and sizes the device from its current length. path
// must already exist; this engine does not create backing files.
func NewDevice(target uint8, lun uint16, path string, readOnly bool) (*Device, error) {
	flag := os.O_RDWR
	if readOnly {
		flag = os.O_RDONLY
	}

	f, err := os.OpenFile(path, flag, 0)
	if err != nil {
		return nil, err
	}

	info, err := f.Stat()
	if err != nil {
		f.Close()

		return nil, err
	}

	return &Device{
		Target:    target,
		LUN:       lun,
		File:      f,
		NumBlocks: uint64(info.Size()) / DefaultBlockSize,
		BlockSize: DefaultBlockSize,
		Type:      TypeDisk,
		Vendor:    "StratoVM",
		Product:   "Virtual Disk",
		Revision:  "1.0 ",
		Queue:     aio.NewQueue(),
	}, nil
}

// Close releases the backing file.
func (d *Device) Close() error {
	return d.File.Close()
}

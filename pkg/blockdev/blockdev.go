// Package blockdev abstracts fixed-size block I/O for the vext4 engine. The
// filesystem core never touches an image directly; everything goes through a
// Device, so callers can back a mount onto a raw file, a memory image, or
// anything else that can move whole blocks.
package blockdev

import (
	"errors"
	"os"

	pkgerrors "github.com/pkg/errors"
)

// Errors for operations that are legal on some devices but impossible on the
// one at hand.
var (
	ErrIO          = errors.New("block device I/O failure")
	ErrOutOfBounds = errors.New("block number past device end")
	ErrReadOnly    = errors.New("block device is read-only")
)

// Device is the block-device contract. Reads and writes move exactly one
// block; buf must be block_size bytes long. Callers must not assume a write
// is visible to later reads without a Flush in between.
type Device interface {
	ReadBlock(n uint64, buf []byte) error
	WriteBlock(n uint64, buf []byte) error
	BlockSize() int
	TotalBlocks() uint64
	Flush() error
}

// RAMDevice is a Device backed by an in-memory byte slice.
type RAMDevice struct {
	blockSize int
	data      []byte
	readOnly  bool
}

// NewRAMDevice wraps data as a block device. The slice is used directly, not
// copied, so the caller can inspect mutations.
func NewRAMDevice(blockSize int, data []byte) *RAMDevice {
	return &RAMDevice{
		blockSize: blockSize,
		data:      data,
	}
}

// NewRAMDeviceSize returns a zero-filled RAM device of the given geometry.
func NewRAMDeviceSize(blockSize int, blocks uint64) *RAMDevice {
	return NewRAMDevice(blockSize, make([]byte, uint64(blockSize)*blocks))
}

// SetReadOnly makes all future WriteBlock calls fail with ErrReadOnly.
func (d *RAMDevice) SetReadOnly(ro bool) {
	d.readOnly = ro
}

// Bytes exposes the backing slice.
func (d *RAMDevice) Bytes() []byte {
	return d.data
}

func (d *RAMDevice) checkRange(n uint64, buf []byte) error {
	if len(buf) != d.blockSize {
		return pkgerrors.Wrapf(ErrIO, "buffer is %d bytes, block size is %d", len(buf), d.blockSize)
	}
	if n >= d.TotalBlocks() {
		return pkgerrors.Wrapf(ErrOutOfBounds, "block %d of %d", n, d.TotalBlocks())
	}
	return nil
}

// ReadBlock copies block n into buf.
func (d *RAMDevice) ReadBlock(n uint64, buf []byte) error {
	if err := d.checkRange(n, buf); err != nil {
		return err
	}
	off := n * uint64(d.blockSize)
	copy(buf, d.data[off:off+uint64(d.blockSize)])
	return nil
}

// WriteBlock copies buf over block n.
func (d *RAMDevice) WriteBlock(n uint64, buf []byte) error {
	if d.readOnly {
		return ErrReadOnly
	}
	if err := d.checkRange(n, buf); err != nil {
		return err
	}
	off := n * uint64(d.blockSize)
	copy(d.data[off:off+uint64(d.blockSize)], buf)
	return nil
}

// BlockSize returns the block size in bytes.
func (d *RAMDevice) BlockSize() int {
	return d.blockSize
}

// TotalBlocks returns the number of whole blocks on the device.
func (d *RAMDevice) TotalBlocks() uint64 {
	return uint64(len(d.data)) / uint64(d.blockSize)
}

// Flush is a no-op for memory-backed devices.
func (d *RAMDevice) Flush() error {
	return nil
}

// FileDevice is a Device backed by an *os.File holding a raw image.
type FileDevice struct {
	blockSize int
	f         *os.File
	blocks    uint64
	readOnly  bool
}

// OpenFileDevice opens the image at path. If writable is false the file is
// opened read-only and WriteBlock fails with ErrReadOnly.
func OpenFileDevice(path string, blockSize int, writable bool) (*FileDevice, error) {
	flags := os.O_RDONLY
	if writable {
		flags = os.O_RDWR
	}
	f, err := os.OpenFile(path, flags, 0)
	if err != nil {
		return nil, err
	}
	fi, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, err
	}
	return &FileDevice{
		blockSize: blockSize,
		f:         f,
		blocks:    uint64(fi.Size()) / uint64(blockSize),
		readOnly:  !writable,
	}, nil
}

// ReadBlock reads block n from the file.
func (d *FileDevice) ReadBlock(n uint64, buf []byte) error {
	if len(buf) != d.blockSize {
		return pkgerrors.Wrapf(ErrIO, "buffer is %d bytes, block size is %d", len(buf), d.blockSize)
	}
	if n >= d.blocks {
		return pkgerrors.Wrapf(ErrOutOfBounds, "block %d of %d", n, d.blocks)
	}
	_, err := d.f.ReadAt(buf, int64(n)*int64(d.blockSize))
	if err != nil {
		return pkgerrors.Wrap(ErrIO, err.Error())
	}
	return nil
}

// WriteBlock writes block n to the file.
func (d *FileDevice) WriteBlock(n uint64, buf []byte) error {
	if d.readOnly {
		return ErrReadOnly
	}
	if len(buf) != d.blockSize {
		return pkgerrors.Wrapf(ErrIO, "buffer is %d bytes, block size is %d", len(buf), d.blockSize)
	}
	if n >= d.blocks {
		return pkgerrors.Wrapf(ErrOutOfBounds, "block %d of %d", n, d.blocks)
	}
	_, err := d.f.WriteAt(buf, int64(n)*int64(d.blockSize))
	if err != nil {
		return pkgerrors.Wrap(ErrIO, err.Error())
	}
	return nil
}

// BlockSize returns the block size in bytes.
func (d *FileDevice) BlockSize() int {
	return d.blockSize
}

// TotalBlocks returns the number of whole blocks in the file.
func (d *FileDevice) TotalBlocks() uint64 {
	return d.blocks
}

// Flush syncs the file.
func (d *FileDevice) Flush() error {
	return d.f.Sync()
}

// Close closes the underlying file.
func (d *FileDevice) Close() error {
	return d.f.Close()
}

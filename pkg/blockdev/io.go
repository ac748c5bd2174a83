package blockdev

import (
	pkgerrors "github.com/pkg/errors"
)

// maxScratchBlock bounds the stack scratch buffers used for byte-granular
// operations. Larger block sizes need an arena instead.
const maxScratchBlock = 4096

// Reader adds byte-range and multi-block reads on top of a Device.
type Reader struct {
	dev Device
}

// NewReader wraps the given device.
func NewReader(dev Device) *Reader {
	return &Reader{dev: dev}
}

// ReadBlock reads a single block into buf. buf must be block-size bytes.
func (r *Reader) ReadBlock(n uint64, buf []byte) error {
	return r.dev.ReadBlock(n, buf)
}

// ReadBytes fills buf starting at an arbitrary byte offset, issuing one block
// read per touched block.
func (r *Reader) ReadBytes(offset uint64, buf []byte) error {
	bs := r.dev.BlockSize()
	if bs > maxScratchBlock {
		return pkgerrors.Wrapf(ErrIO, "block size %d exceeds scratch limit", bs)
	}

	var scratch [maxScratchBlock]byte
	block := offset / uint64(bs)
	inBlock := int(offset % uint64(bs))
	done := 0

	for done < len(buf) {
		if err := r.dev.ReadBlock(block, scratch[:bs]); err != nil {
			return err
		}
		n := bs - inBlock
		if n > len(buf)-done {
			n = len(buf) - done
		}
		copy(buf[done:done+n], scratch[inBlock:inBlock+n])
		done += n
		block++
		inBlock = 0
	}

	return nil
}

// ReadBlocks reads count consecutive blocks into buf, which must be
// count*block-size bytes.
func (r *Reader) ReadBlocks(start, count uint64, buf []byte) error {
	bs := r.dev.BlockSize()
	for i := uint64(0); i < count; i++ {
		off := int(i) * bs
		if err := r.dev.ReadBlock(start+i, buf[off:off+bs]); err != nil {
			return err
		}
	}
	return nil
}

// BlockSize returns the underlying device's block size.
func (r *Reader) BlockSize() int {
	return r.dev.BlockSize()
}

// Device returns the underlying device.
func (r *Reader) Device() Device {
	return r.dev
}

// Writer adds byte-range writes with read-modify-write on top of a Device.
type Writer struct {
	dev Device
}

// NewWriter wraps the given device.
func NewWriter(dev Device) *Writer {
	return &Writer{dev: dev}
}

// WriteBlock writes a full block. data must be exactly block-size bytes.
func (w *Writer) WriteBlock(n uint64, data []byte) error {
	if len(data) != w.dev.BlockSize() {
		return pkgerrors.Wrapf(ErrIO, "write of %d bytes to %d-byte block", len(data), w.dev.BlockSize())
	}
	return w.dev.WriteBlock(n, data)
}

// WriteBytes writes data at an arbitrary byte offset. Unaligned head and tail
// blocks go through read-modify-write; full interior blocks are written
// directly.
func (w *Writer) WriteBytes(offset uint64, data []byte) error {
	if len(data) == 0 {
		return nil
	}

	bs := w.dev.BlockSize()
	if bs > maxScratchBlock {
		return pkgerrors.Wrapf(ErrIO, "block size %d exceeds scratch limit", bs)
	}

	var scratch [maxScratchBlock]byte
	block := offset / uint64(bs)
	inBlock := int(offset % uint64(bs))
	done := 0

	for done < len(data) {
		n := bs - inBlock
		if n > len(data)-done {
			n = len(data) - done
		}

		if n != bs || inBlock != 0 {
			if err := w.dev.ReadBlock(block, scratch[:bs]); err != nil {
				return err
			}
		}
		copy(scratch[inBlock:inBlock+n], data[done:done+n])
		if err := w.dev.WriteBlock(block, scratch[:bs]); err != nil {
			return err
		}

		done += n
		block++
		inBlock = 0
	}

	return nil
}

// ZeroBlocks zeroes count consecutive blocks.
func (w *Writer) ZeroBlocks(start, count uint64) error {
	zeros := make([]byte, w.dev.BlockSize())
	for i := uint64(0); i < count; i++ {
		if err := w.dev.WriteBlock(start+i, zeros); err != nil {
			return err
		}
	}
	return nil
}

// Flush flushes the underlying device.
func (w *Writer) Flush() error {
	return w.dev.Flush()
}

// BlockSize returns the underlying device's block size.
func (w *Writer) BlockSize() int {
	return w.dev.BlockSize()
}

// Device returns the underlying device.
func (w *Writer) Device() Device {
	return w.dev
}

// Reader returns a read wrapper over the same device.
func (w *Writer) Reader() *Reader {
	return NewReader(w.dev)
}

package ext4

import (
	"encoding/binary"

	"github.com/vorteil/vext4/pkg/csum"
)

// GroupDescriptor is one entry of the block group descriptor table: 32 bytes
// in legacy mode, 64 bytes when the 64-bit feature is set.
type GroupDescriptor struct {
	BlockBitmapLo     uint32 // 0x00
	InodeBitmapLo     uint32 // 0x04
	InodeTableLo      uint32 // 0x08
	FreeBlocksCountLo uint16 // 0x0C
	FreeInodesCountLo uint16 // 0x0E
	UsedDirsCountLo   uint16 // 0x10
	Flags             uint16 // 0x12
	Checksum          uint16 // 0x1E
	BlockBitmapHi     uint32 // 0x20
	InodeBitmapHi     uint32 // 0x24
	InodeTableHi      uint32 // 0x28
	FreeBlocksCountHi uint16 // 0x2C
	FreeInodesCountHi uint16 // 0x2E
	UsedDirsCountHi   uint16 // 0x30
}

// ParseGroupDescriptor decodes one descriptor. The hi fields are only read in
// 64-bit mode.
func ParseGroupDescriptor(raw []byte, is64bit bool) (*GroupDescriptor, error) {
	if len(raw) < 32 {
		return nil, corruptf("group descriptor needs 32 bytes, got %d", len(raw))
	}
	if is64bit && len(raw) < 64 {
		return nil, corruptf("64-bit group descriptor needs 64 bytes, got %d", len(raw))
	}

	desc := &GroupDescriptor{
		BlockBitmapLo:     binary.LittleEndian.Uint32(raw[0x00:]),
		InodeBitmapLo:     binary.LittleEndian.Uint32(raw[0x04:]),
		InodeTableLo:      binary.LittleEndian.Uint32(raw[0x08:]),
		FreeBlocksCountLo: binary.LittleEndian.Uint16(raw[0x0C:]),
		FreeInodesCountLo: binary.LittleEndian.Uint16(raw[0x0E:]),
		UsedDirsCountLo:   binary.LittleEndian.Uint16(raw[0x10:]),
		Flags:             binary.LittleEndian.Uint16(raw[0x12:]),
		Checksum:          binary.LittleEndian.Uint16(raw[0x1E:]),
	}

	if is64bit {
		desc.BlockBitmapHi = binary.LittleEndian.Uint32(raw[0x20:])
		desc.InodeBitmapHi = binary.LittleEndian.Uint32(raw[0x24:])
		desc.InodeTableHi = binary.LittleEndian.Uint32(raw[0x28:])
		desc.FreeBlocksCountHi = binary.LittleEndian.Uint16(raw[0x2C:])
		desc.FreeInodesCountHi = binary.LittleEndian.Uint16(raw[0x2E:])
		desc.UsedDirsCountHi = binary.LittleEndian.Uint16(raw[0x30:])
	}

	return desc, nil
}

// Serialize writes the descriptor back into out, which must be the effective
// descriptor size. The checksum field is written as stored; callers refresh
// it with UpdateChecksum first when metadata checksums are on.
func (d *GroupDescriptor) Serialize(out []byte, is64bit bool) error {
	if len(out) < 32 || (is64bit && len(out) < 64) {
		return corruptf("group descriptor buffer too small: %d bytes", len(out))
	}

	for i := range out {
		out[i] = 0
	}
	binary.LittleEndian.PutUint32(out[0x00:], d.BlockBitmapLo)
	binary.LittleEndian.PutUint32(out[0x04:], d.InodeBitmapLo)
	binary.LittleEndian.PutUint32(out[0x08:], d.InodeTableLo)
	binary.LittleEndian.PutUint16(out[0x0C:], d.FreeBlocksCountLo)
	binary.LittleEndian.PutUint16(out[0x0E:], d.FreeInodesCountLo)
	binary.LittleEndian.PutUint16(out[0x10:], d.UsedDirsCountLo)
	binary.LittleEndian.PutUint16(out[0x12:], d.Flags)
	binary.LittleEndian.PutUint16(out[0x1E:], d.Checksum)

	if is64bit {
		binary.LittleEndian.PutUint32(out[0x20:], d.BlockBitmapHi)
		binary.LittleEndian.PutUint32(out[0x24:], d.InodeBitmapHi)
		binary.LittleEndian.PutUint32(out[0x28:], d.InodeTableHi)
		binary.LittleEndian.PutUint16(out[0x2C:], d.FreeBlocksCountHi)
		binary.LittleEndian.PutUint16(out[0x2E:], d.FreeInodesCountHi)
		binary.LittleEndian.PutUint16(out[0x30:], d.UsedDirsCountHi)
	}

	return nil
}

// UpdateChecksum recomputes the stored checksum from the serialized form.
func (d *GroupDescriptor) UpdateChecksum(seed uint32, group uint32, is64bit bool, descSize int) error {
	buf := make([]byte, descSize)
	if err := d.Serialize(buf, is64bit); err != nil {
		return err
	}
	d.Checksum = csum.Descriptor(seed, group, buf)
	return nil
}

// BlockBitmap returns the combined physical block number of the block bitmap.
func (d *GroupDescriptor) BlockBitmap(is64bit bool) uint64 {
	if is64bit {
		return uint64(d.BlockBitmapHi)<<32 | uint64(d.BlockBitmapLo)
	}
	return uint64(d.BlockBitmapLo)
}

// InodeBitmap returns the combined physical block number of the inode bitmap.
func (d *GroupDescriptor) InodeBitmap(is64bit bool) uint64 {
	if is64bit {
		return uint64(d.InodeBitmapHi)<<32 | uint64(d.InodeBitmapLo)
	}
	return uint64(d.InodeBitmapLo)
}

// InodeTable returns the combined physical block number of the inode table.
func (d *GroupDescriptor) InodeTable(is64bit bool) uint64 {
	if is64bit {
		return uint64(d.InodeTableHi)<<32 | uint64(d.InodeTableLo)
	}
	return uint64(d.InodeTableLo)
}

// FreeBlocksCount returns the combined free-block counter.
func (d *GroupDescriptor) FreeBlocksCount(is64bit bool) uint32 {
	if is64bit {
		return uint32(d.FreeBlocksCountHi)<<16 | uint32(d.FreeBlocksCountLo)
	}
	return uint32(d.FreeBlocksCountLo)
}

// SetFreeBlocksCount splits the counter back into its halves.
func (d *GroupDescriptor) SetFreeBlocksCount(n uint32, is64bit bool) {
	d.FreeBlocksCountLo = uint16(n)
	if is64bit {
		d.FreeBlocksCountHi = uint16(n >> 16)
	}
}

// FreeInodesCount returns the combined free-inode counter.
func (d *GroupDescriptor) FreeInodesCount(is64bit bool) uint32 {
	if is64bit {
		return uint32(d.FreeInodesCountHi)<<16 | uint32(d.FreeInodesCountLo)
	}
	return uint32(d.FreeInodesCountLo)
}

// SetFreeInodesCount splits the counter back into its halves.
func (d *GroupDescriptor) SetFreeInodesCount(n uint32, is64bit bool) {
	d.FreeInodesCountLo = uint16(n)
	if is64bit {
		d.FreeInodesCountHi = uint16(n >> 16)
	}
}

// UsedDirsCount returns the combined used-directories counter.
func (d *GroupDescriptor) UsedDirsCount(is64bit bool) uint32 {
	if is64bit {
		return uint32(d.UsedDirsCountHi)<<16 | uint32(d.UsedDirsCountLo)
	}
	return uint32(d.UsedDirsCountLo)
}

// SetUsedDirsCount splits the counter back into its halves.
func (d *GroupDescriptor) SetUsedDirsCount(n uint32, is64bit bool) {
	d.UsedDirsCountLo = uint16(n)
	if is64bit {
		d.UsedDirsCountHi = uint16(n >> 16)
	}
}

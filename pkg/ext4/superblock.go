package ext4

import (
	"encoding/binary"
	"math/bits"

	"github.com/google/uuid"

	"github.com/vorteil/vext4/pkg/csum"
)

// Superblock holds the fields of the on-disk superblock this engine uses.
// Multi-byte fields are little-endian on disk; hi/lo halves are kept separate
// here and combined by the accessors.
type Superblock struct {
	InodesCount       uint32   // 0x00
	BlocksCountLo     uint32   // 0x04
	FreeBlocksCountLo uint32   // 0x0C
	FreeInodesCount   uint32   // 0x10
	FirstDataBlock    uint32   // 0x14
	LogBlockSize      uint32   // 0x18
	BlocksPerGroup    uint32   // 0x20
	InodesPerGroup    uint32   // 0x28
	Magic             uint16   // 0x38
	InodeSize         uint16   // 0x58
	FeatureCompat     uint32   // 0x5C
	FeatureIncompat   uint32   // 0x60
	FeatureROCompat   uint32   // 0x64
	UUID              [16]byte // 0x68
	JournalInum       uint32   // 0xE0
	DescSize          uint16   // 0xFE
	BlocksCountHi     uint32   // 0x150
	FreeBlocksCountHi uint32   // 0x158
	ChecksumType      uint8    // 0x175
	ChecksumSeed      uint32   // 0x270
	Checksum          uint32   // 0x3FC
}

// ParseSuperblock decodes the raw 1024-byte superblock, checking the magic.
func ParseSuperblock(raw []byte) (*Superblock, error) {
	if len(raw) < SuperblockSize {
		return nil, corruptf("superblock needs %d bytes, got %d", SuperblockSize, len(raw))
	}

	magic := binary.LittleEndian.Uint16(raw[0x38:])
	if magic != Signature {
		return nil, ErrInvalidMagic
	}

	sb := &Superblock{
		InodesCount:       binary.LittleEndian.Uint32(raw[0x00:]),
		BlocksCountLo:     binary.LittleEndian.Uint32(raw[0x04:]),
		FreeBlocksCountLo: binary.LittleEndian.Uint32(raw[0x0C:]),
		FreeInodesCount:   binary.LittleEndian.Uint32(raw[0x10:]),
		FirstDataBlock:    binary.LittleEndian.Uint32(raw[0x14:]),
		LogBlockSize:      binary.LittleEndian.Uint32(raw[0x18:]),
		BlocksPerGroup:    binary.LittleEndian.Uint32(raw[0x20:]),
		InodesPerGroup:    binary.LittleEndian.Uint32(raw[0x28:]),
		Magic:             magic,
		InodeSize:         binary.LittleEndian.Uint16(raw[0x58:]),
		FeatureCompat:     binary.LittleEndian.Uint32(raw[0x5C:]),
		FeatureIncompat:   binary.LittleEndian.Uint32(raw[0x60:]),
		FeatureROCompat:   binary.LittleEndian.Uint32(raw[0x64:]),
		JournalInum:       binary.LittleEndian.Uint32(raw[0xE0:]),
		DescSize:          binary.LittleEndian.Uint16(raw[0xFE:]),
		BlocksCountHi:     binary.LittleEndian.Uint32(raw[0x150:]),
		FreeBlocksCountHi: binary.LittleEndian.Uint32(raw[0x158:]),
		ChecksumType:      raw[0x175],
		ChecksumSeed:      binary.LittleEndian.Uint32(raw[0x270:]),
		Checksum:          binary.LittleEndian.Uint32(raw[0x3FC:]),
	}
	copy(sb.UUID[:], raw[0x68:0x78])

	return sb, nil
}

// Serialize writes the superblock's fields back into raw, which must be the
// full 1024 on-disk bytes. Bytes this engine does not track are left as they
// are, so a read-modify-write of the superblock block preserves them. The
// stored checksum is written as held; callers refresh it from
// csum.Superblock first when metadata checksums are on.
func (sb *Superblock) Serialize(raw []byte) error {
	if len(raw) < SuperblockSize {
		return corruptf("superblock buffer needs %d bytes, got %d", SuperblockSize, len(raw))
	}

	binary.LittleEndian.PutUint32(raw[0x00:], sb.InodesCount)
	binary.LittleEndian.PutUint32(raw[0x04:], sb.BlocksCountLo)
	binary.LittleEndian.PutUint32(raw[0x0C:], sb.FreeBlocksCountLo)
	binary.LittleEndian.PutUint32(raw[0x10:], sb.FreeInodesCount)
	binary.LittleEndian.PutUint32(raw[0x14:], sb.FirstDataBlock)
	binary.LittleEndian.PutUint32(raw[0x18:], sb.LogBlockSize)
	binary.LittleEndian.PutUint32(raw[0x20:], sb.BlocksPerGroup)
	binary.LittleEndian.PutUint32(raw[0x28:], sb.InodesPerGroup)
	binary.LittleEndian.PutUint16(raw[0x38:], sb.Magic)
	binary.LittleEndian.PutUint16(raw[0x58:], sb.InodeSize)
	binary.LittleEndian.PutUint32(raw[0x5C:], sb.FeatureCompat)
	binary.LittleEndian.PutUint32(raw[0x60:], sb.FeatureIncompat)
	binary.LittleEndian.PutUint32(raw[0x64:], sb.FeatureROCompat)
	copy(raw[0x68:0x78], sb.UUID[:])
	binary.LittleEndian.PutUint32(raw[0xE0:], sb.JournalInum)
	binary.LittleEndian.PutUint16(raw[0xFE:], sb.DescSize)
	binary.LittleEndian.PutUint32(raw[0x150:], sb.BlocksCountHi)
	binary.LittleEndian.PutUint32(raw[0x158:], sb.FreeBlocksCountHi)
	raw[0x175] = sb.ChecksumType
	binary.LittleEndian.PutUint32(raw[0x270:], sb.ChecksumSeed)
	binary.LittleEndian.PutUint32(raw[0x3FC:], sb.Checksum)

	return nil
}

// Validate applies the structural sanity checks that gate a mount.
func (sb *Superblock) Validate() error {
	if sb.Magic != Signature {
		return ErrInvalidMagic
	}
	if sb.LogBlockSize > 6 {
		return corruptf("log block size %d exceeds 6", sb.LogBlockSize)
	}
	if sb.BlocksPerGroup == 0 {
		return corruptf("blocks per group is zero")
	}
	if sb.InodesPerGroup == 0 {
		return corruptf("inodes per group is zero")
	}
	if sb.InodeSize < 128 {
		return corruptf("inode size %d below 128", sb.InodeSize)
	}
	if bits.OnesCount16(sb.InodeSize) != 1 {
		return corruptf("inode size %d is not a power of two", sb.InodeSize)
	}
	return nil
}

// CheckFeatures refuses unknown incompat bits always, and unknown ro-compat
// bits when the mount is writable.
func (sb *Superblock) CheckFeatures(writable bool) error {
	if unknown := sb.FeatureIncompat &^ uint32(supportedIncompat); unknown != 0 {
		return &IncompatibleFeatureError{Mask: unknown}
	}
	if writable {
		if unknown := sb.FeatureROCompat &^ uint32(supportedROCompat); unknown != 0 {
			return &IncompatibleFeatureError{Mask: unknown, ReadOnlyCompat: true}
		}
	}
	return nil
}

// BlockSize returns the block size in bytes: 1024 << LogBlockSize.
func (sb *Superblock) BlockSize() int {
	return 1024 << sb.LogBlockSize
}

// BlocksCount combines the hi and lo halves when the 64-bit feature is set.
func (sb *Superblock) BlocksCount() uint64 {
	if sb.Is64Bit() {
		return uint64(sb.BlocksCountHi)<<32 | uint64(sb.BlocksCountLo)
	}
	return uint64(sb.BlocksCountLo)
}

// FreeBlocksCount combines the hi and lo free-block counters.
func (sb *Superblock) FreeBlocksCount() uint64 {
	if sb.Is64Bit() {
		return uint64(sb.FreeBlocksCountHi)<<32 | uint64(sb.FreeBlocksCountLo)
	}
	return uint64(sb.FreeBlocksCountLo)
}

// GroupCount returns ceil((blocks - first_data_block) / blocks_per_group).
func (sb *Superblock) GroupCount() uint32 {
	blocks := sb.BlocksCount() - uint64(sb.FirstDataBlock)
	bpg := uint64(sb.BlocksPerGroup)
	return uint32((blocks + bpg - 1) / bpg)
}

// Is64Bit reports the 64-bit incompat feature.
func (sb *Superblock) Is64Bit() bool {
	return sb.FeatureIncompat&Incompat64Bit != 0
}

// HasExtents reports the extents incompat feature.
func (sb *Superblock) HasExtents() bool {
	return sb.FeatureIncompat&IncompatExtents != 0
}

// HasMetadataCsum reports the metadata-checksum ro-compat feature.
func (sb *Superblock) HasMetadataCsum() bool {
	return sb.FeatureROCompat&ROCompatMetadataCsum != 0
}

// HasFiletype reports whether directory entries carry a file-type byte.
func (sb *Superblock) HasFiletype() bool {
	return sb.FeatureIncompat&IncompatFiletype != 0
}

// FsUUID returns the filesystem UUID.
func (sb *Superblock) FsUUID() uuid.UUID {
	var u uuid.UUID
	copy(u[:], sb.UUID[:])
	return u
}

// CsumSeed returns the metadata checksum seed: the stored seed when the
// CSUM_SEED feature is present, otherwise derived from the UUID.
func (sb *Superblock) CsumSeed() uint32 {
	if sb.FeatureIncompat&IncompatCsumSeed != 0 {
		return sb.ChecksumSeed
	}
	return csum.Seed(sb.FsUUID())
}

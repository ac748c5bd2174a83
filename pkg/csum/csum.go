// Package csum implements the CRC32c variants ext4 uses for metadata
// checksums. ext4 runs the Castagnoli polynomial without the usual initial
// and final complement, seeding each context differently; the journal uses
// the standard complemented form.
package csum

import (
	"encoding/binary"
	"hash/crc32"

	"github.com/google/uuid"
)

var castagnoli = crc32.MakeTable(crc32.Castagnoli)

// Raw is CRC32c without initial or final complement, seeded with seed. It
// matches the Linux kernel's __crc32c_le and e2fsprogs' ext2fs_crc32c_le.
// The standard-library update inverts on the way in and out, so undo both.
func Raw(seed uint32, data []byte) uint32 {
	return ^crc32.Update(^seed, castagnoli, data)
}

// Sum is the standard CRC32c with initial and final complement.
// Sum(0, []byte("123456789")) == 0xE3069283.
func Sum(initial uint32, data []byte) uint32 {
	return crc32.Update(initial, castagnoli, data)
}

// Seed derives the metadata checksum seed from the filesystem UUID:
// Raw(^0, uuid). Filesystems carrying the CSUM_SEED incompat feature store
// the seed in the superblock instead and skip this derivation.
func Seed(fsUUID uuid.UUID) uint32 {
	return Raw(^uint32(0), fsUUID[:])
}

// Superblock computes the ext4 superblock checksum: Raw(^0, sb[0:0x3FC]),
// covering everything before the stored checksum field.
func Superblock(raw []byte) uint32 {
	return Raw(^uint32(0), raw[:0x3FC])
}

// Descriptor computes the 16-bit group descriptor checksum. The descriptor's
// own checksum field at 0x1E..0x20 is zeroed for the computation; the group
// number is folded in first, little-endian.
func Descriptor(seed uint32, group uint32, desc []byte) uint16 {
	var groupLE [4]byte
	binary.LittleEndian.PutUint32(groupLE[:], group)

	crc := Raw(seed, groupLE[:])
	if len(desc) >= 0x20 {
		crc = Raw(crc, desc[:0x1E])
		var zeros [2]byte
		crc = Raw(crc, zeros[:])
		crc = Raw(crc, desc[0x20:])
	} else {
		crc = Raw(crc, desc)
	}
	return uint16(crc & 0xFFFF)
}

// Inode computes the 32-bit inode checksum over the serialized inode with
// both checksum half-words zeroed. The per-inode seed chains the inode number
// and generation onto the filesystem seed.
func Inode(seed uint32, ino uint32, generation uint32, raw []byte) uint32 {
	var le [4]byte
	binary.LittleEndian.PutUint32(le[:], ino)
	s := Raw(seed, le[:])
	binary.LittleEndian.PutUint32(le[:], generation)
	s = Raw(s, le[:])

	buf := make([]byte, len(raw))
	copy(buf, raw)
	if len(buf) >= 0x7E {
		buf[0x7C] = 0
		buf[0x7D] = 0
	}
	if len(buf) >= 0x84 {
		buf[0x82] = 0
		buf[0x83] = 0
	}
	return Raw(s, buf)
}

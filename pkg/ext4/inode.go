package ext4

import (
	"encoding/binary"
)

// maxInodeSize bounds the stack buffers used to shuttle raw inodes.
const maxInodeSize = 1024

// Inode is the parsed form of an on-disk inode. The uid/gid/size/blocks/
// file_acl/checksum fields are already combined from their lo/hi halves; the
// serializer splits them back out.
type Inode struct {
	Mode       uint16
	UID        uint32
	GID        uint32
	Size       uint64
	Atime      uint32
	Ctime      uint32
	Mtime      uint32
	Dtime      uint32
	LinksCount uint16
	// Blocks counts 512-byte units regardless of the block size.
	// Combined from its lo/hi halves.
	Blocks uint64
	Flags  uint32
	// Block is the opaque 60-byte i_block region: extent tree root, or the
	// target of a fast symlink.
	Block      [60]byte
	Generation uint32
	FileACL    uint64
	ExtraIsize uint16
	Checksum   uint32
}

// ParseInode decodes an inode from raw bytes. raw must hold at least the
// 128-byte base; extended fields are read when inodeSize allows.
func ParseInode(raw []byte, inodeSize uint16) (*Inode, error) {
	if len(raw) < 128 {
		return nil, corruptf("inode needs 128 bytes, got %d", len(raw))
	}

	ino := &Inode{
		Mode:       binary.LittleEndian.Uint16(raw[0x00:]),
		Atime:      binary.LittleEndian.Uint32(raw[0x08:]),
		Ctime:      binary.LittleEndian.Uint32(raw[0x0C:]),
		Mtime:      binary.LittleEndian.Uint32(raw[0x10:]),
		Dtime:      binary.LittleEndian.Uint32(raw[0x14:]),
		LinksCount: binary.LittleEndian.Uint16(raw[0x1A:]),
		Flags:      binary.LittleEndian.Uint32(raw[0x20:]),
		Generation: binary.LittleEndian.Uint32(raw[0x64:]),
	}
	copy(ino.Block[:], raw[0x28:0x64])

	uidLo := binary.LittleEndian.Uint16(raw[0x02:])
	sizeLo := binary.LittleEndian.Uint32(raw[0x04:])
	gidLo := binary.LittleEndian.Uint16(raw[0x18:])
	blocksLo := binary.LittleEndian.Uint32(raw[0x1C:])
	fileACLLo := binary.LittleEndian.Uint32(raw[0x68:])
	sizeHi := binary.LittleEndian.Uint32(raw[0x6C:])

	// osd2, Linux flavour.
	blocksHi := binary.LittleEndian.Uint16(raw[0x74:])
	fileACLHi := binary.LittleEndian.Uint16(raw[0x76:])
	uidHi := binary.LittleEndian.Uint16(raw[0x78:])
	gidHi := binary.LittleEndian.Uint16(raw[0x7A:])
	csumLo := binary.LittleEndian.Uint16(raw[0x7C:])

	var csumHi uint16
	if inodeSize > 128 && len(raw) >= 0x84 {
		ino.ExtraIsize = binary.LittleEndian.Uint16(raw[0x80:])
		csumHi = binary.LittleEndian.Uint16(raw[0x82:])
	}

	ino.UID = uint32(uidHi)<<16 | uint32(uidLo)
	ino.GID = uint32(gidHi)<<16 | uint32(gidLo)
	ino.Size = uint64(sizeHi)<<32 | uint64(sizeLo)
	ino.Blocks = uint64(blocksHi)<<32 | uint64(blocksLo)
	ino.FileACL = uint64(fileACLHi)<<32 | uint64(fileACLLo)
	ino.Checksum = uint32(csumHi)<<16 | uint32(csumLo)

	return ino, nil
}

// Serialize writes the inode into out, which must be inodeSize bytes. The
// checksum fields are written from the struct; the inode writer overwrites
// them after computing the real checksum.
func (ino *Inode) Serialize(out []byte, inodeSize uint16) error {
	if len(out) < int(inodeSize) || inodeSize < 128 {
		return corruptf("inode serialize buffer too small: %d bytes for inode size %d", len(out), inodeSize)
	}

	for i := range out[:inodeSize] {
		out[i] = 0
	}

	binary.LittleEndian.PutUint16(out[0x00:], ino.Mode)
	binary.LittleEndian.PutUint16(out[0x02:], uint16(ino.UID))
	binary.LittleEndian.PutUint32(out[0x04:], uint32(ino.Size))
	binary.LittleEndian.PutUint32(out[0x08:], ino.Atime)
	binary.LittleEndian.PutUint32(out[0x0C:], ino.Ctime)
	binary.LittleEndian.PutUint32(out[0x10:], ino.Mtime)
	binary.LittleEndian.PutUint32(out[0x14:], ino.Dtime)
	binary.LittleEndian.PutUint16(out[0x18:], uint16(ino.GID))
	binary.LittleEndian.PutUint16(out[0x1A:], ino.LinksCount)
	binary.LittleEndian.PutUint32(out[0x1C:], uint32(ino.Blocks))
	binary.LittleEndian.PutUint32(out[0x20:], ino.Flags)
	copy(out[0x28:0x64], ino.Block[:])
	binary.LittleEndian.PutUint32(out[0x64:], ino.Generation)
	binary.LittleEndian.PutUint32(out[0x68:], uint32(ino.FileACL))
	binary.LittleEndian.PutUint32(out[0x6C:], uint32(ino.Size>>32))
	binary.LittleEndian.PutUint16(out[0x74:], uint16(ino.Blocks>>32))
	binary.LittleEndian.PutUint16(out[0x76:], uint16(ino.FileACL>>32))
	binary.LittleEndian.PutUint16(out[0x78:], uint16(ino.UID>>16))
	binary.LittleEndian.PutUint16(out[0x7A:], uint16(ino.GID>>16))
	binary.LittleEndian.PutUint16(out[0x7C:], uint16(ino.Checksum))

	if inodeSize > 128 {
		binary.LittleEndian.PutUint16(out[0x80:], ino.ExtraIsize)
		binary.LittleEndian.PutUint16(out[0x82:], uint16(ino.Checksum>>16))
	}

	return nil
}

// IsDir reports whether the mode's type nibble is a directory.
func (ino *Inode) IsDir() bool {
	return ino.Mode&ModeTypeMask == ModeDir
}

// IsRegular reports whether the mode's type nibble is a regular file.
func (ino *Inode) IsRegular() bool {
	return ino.Mode&ModeTypeMask == ModeRegular
}

// IsSymlink reports whether the mode's type nibble is a symlink.
func (ino *Inode) IsSymlink() bool {
	return ino.Mode&ModeTypeMask == ModeSymlink
}

// UsesExtents reports whether i_block holds an extent tree.
func (ino *Inode) UsesExtents() bool {
	return ino.Flags&FlagExtents != 0
}

// UsesHTree reports whether the directory carries an HTree index.
func (ino *Inode) UsesHTree() bool {
	return ino.Flags&FlagIndex != 0
}

// HasInlineData reports the (unsupported) inline-data flag.
func (ino *Inode) HasInlineData() bool {
	return ino.Flags&FlagInlineData != 0
}

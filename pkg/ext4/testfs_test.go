package ext4

import (
	"encoding/binary"
	"testing"

	"github.com/vorteil/vext4/pkg/blockdev"
	"github.com/vorteil/vext4/pkg/jbd2"
)

// Geometry of the fixture image: 512 KiB, 1 KiB blocks, one group, 32 inodes.
const (
	tfsBlockSize   = 1024
	tfsBlocks      = 512
	tfsInodes      = 32
	tfsInodeSize   = 128
	tfsGDTBlock    = 2
	tfsBlockBitmap = 3
	tfsInodeBitmap = 4
	tfsInodeTable  = 5 // 4 blocks
	tfsRootBlock   = 9
	tfsJournalInum = 8
	tfsJournalBase = 64 // 64 blocks
	tfsJournalLen  = 64
)

// buildTestFS formats a minimal single-group ext4 image in memory: boot
// block, superblock, descriptor table, bitmaps, inode table, and a root
// directory holding "." and "..". With journal set, inode 8 carries a
// 64-block journal area with a clean journal superblock.
func buildTestFS(t *testing.T, journal bool) *blockdev.RAMDevice {
	t.Helper()

	dev := blockdev.NewRAMDeviceSize(tfsBlockSize, tfsBlocks)
	img := dev.Bytes()

	freeBlocks := uint32(tfsBlocks - 1 - tfsRootBlock) // blocks 1..9 in use
	if journal {
		freeBlocks -= tfsJournalLen
	}
	freeInodes := uint32(tfsInodes - 10) // inodes 1..10 reserved

	// Superblock at byte 1024.
	sb := img[1024 : 1024+SuperblockSize]
	binary.LittleEndian.PutUint32(sb[0x00:], tfsInodes)
	binary.LittleEndian.PutUint32(sb[0x04:], tfsBlocks)
	binary.LittleEndian.PutUint32(sb[0x0C:], freeBlocks)
	binary.LittleEndian.PutUint32(sb[0x10:], freeInodes)
	binary.LittleEndian.PutUint32(sb[0x14:], 1) // first data block
	binary.LittleEndian.PutUint32(sb[0x18:], 0) // log block size
	binary.LittleEndian.PutUint32(sb[0x20:], 8192)
	binary.LittleEndian.PutUint32(sb[0x28:], tfsInodes)
	binary.LittleEndian.PutUint16(sb[0x38:], Signature)
	binary.LittleEndian.PutUint16(sb[0x58:], tfsInodeSize)
	binary.LittleEndian.PutUint32(sb[0x60:], IncompatFiletype|IncompatExtents)
	for i := 0; i < 16; i++ {
		sb[0x68+i] = byte(0xA0 + i)
	}
	if journal {
		binary.LittleEndian.PutUint32(sb[0x5C:], CompatHasJournal)
		binary.LittleEndian.PutUint32(sb[0xE0:], tfsJournalInum)
	}

	// Group descriptor.
	gdt := img[tfsGDTBlock*tfsBlockSize:]
	binary.LittleEndian.PutUint32(gdt[0x00:], tfsBlockBitmap)
	binary.LittleEndian.PutUint32(gdt[0x04:], tfsInodeBitmap)
	binary.LittleEndian.PutUint32(gdt[0x08:], tfsInodeTable)
	binary.LittleEndian.PutUint16(gdt[0x0C:], uint16(freeBlocks))
	binary.LittleEndian.PutUint16(gdt[0x0E:], uint16(freeInodes))
	binary.LittleEndian.PutUint16(gdt[0x10:], 1) // used dirs

	// Block bitmap: bit b covers block 1+b.
	bbm := img[tfsBlockBitmap*tfsBlockSize : (tfsBlockBitmap+1)*tfsBlockSize]
	for block := 1; block <= tfsRootBlock; block++ {
		setBit(bbm, block-1)
	}
	if journal {
		for i := 0; i < tfsJournalLen; i++ {
			setBit(bbm, tfsJournalBase-1+i)
		}
	}
	setBit(bbm, tfsBlocks-1) // padding bit past the last valid block
	for i := tfsBlocks / 8; i < tfsBlockSize; i++ {
		bbm[i] = 0xFF
	}

	// Inode bitmap: inodes 1..10 reserved.
	ibm := img[tfsInodeBitmap*tfsBlockSize : (tfsInodeBitmap+1)*tfsBlockSize]
	for ino := 1; ino <= 10; ino++ {
		setBit(ibm, ino-1)
	}
	for i := tfsInodes / 8; i < tfsBlockSize; i++ {
		ibm[i] = 0xFF
	}

	// Root directory inode.
	root := &Inode{
		Mode:       ModeDir | 0755,
		Size:       tfsBlockSize,
		LinksCount: 2,
		Blocks:     tfsBlockSize / 512,
		Flags:      FlagExtents,
	}
	InitEmptyExtentRoot(root)
	hdr := ExtentHeader{Magic: ExtentMagic, Entries: 1, Max: 4}
	hdr.Serialize(root.Block[:])
	ext := Extent{Block: 0, Len: 1, StartLo: tfsRootBlock}
	ext.Serialize(root.Block[extentEntrySize:])
	writeTestInode(t, img, RootDirInode, root)

	// Root directory block: "." and ".." both point at inode 2.
	dir := img[tfsRootBlock*tfsBlockSize:]
	writeDirent(dir, 0, RootDirInode, 12, ".", FTypeDir)
	writeDirent(dir, 12, RootDirInode, tfsBlockSize-12, "..", FTypeDir)

	if journal {
		jrn := &Inode{
			Mode:       ModeRegular | 0600,
			Size:       tfsJournalLen * tfsBlockSize,
			LinksCount: 1,
			Blocks:     tfsJournalLen * tfsBlockSize / 512,
			Flags:      FlagExtents,
		}
		InitEmptyExtentRoot(jrn)
		hdr := ExtentHeader{Magic: ExtentMagic, Entries: 1, Max: 4}
		hdr.Serialize(jrn.Block[:])
		ext := Extent{Block: 0, Len: tfsJournalLen, StartLo: tfsJournalBase}
		ext.Serialize(jrn.Block[extentEntrySize:])
		writeTestInode(t, img, tfsJournalInum, jrn)

		jsb := &jbd2.Superblock{
			Header:    jbd2.Header{Magic: jbd2.Magic, BlockType: jbd2.BlockTypeSuperblockV2},
			BlockSize: tfsBlockSize,
			MaxLen:    tfsJournalLen,
			First:     1,
			Sequence:  10,
			Start:     0,
			NrUsers:   1,
		}
		if err := jsb.Serialize(img[tfsJournalBase*tfsBlockSize : (tfsJournalBase+1)*tfsBlockSize]); err != nil {
			t.Fatal(err)
		}
	}

	return dev
}

func writeTestInode(t *testing.T, img []byte, ino uint32, inode *Inode) {
	t.Helper()

	offset := tfsInodeTable*tfsBlockSize + int(ino-1)*tfsInodeSize
	if err := inode.Serialize(img[offset:offset+tfsInodeSize], tfsInodeSize); err != nil {
		t.Fatal(err)
	}
}

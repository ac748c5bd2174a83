package ext4

import (
	"encoding/binary"

	"github.com/pkg/errors"

	"github.com/vorteil/vext4/pkg/blockdev"
)

// AddEntry links target under the directory as name. It first hunts for
// enough slack in the existing directory blocks, splitting the record that
// owns it; when no block has room it appends a fresh data block holding a
// single full-block record.
func AddEntry(writer *blockdev.Writer, sbm *SuperblockManager, dir *Inode, name string, target uint32, ftype uint8, alloc *BlockAllocator) error {
	if !dir.IsDir() {
		return ErrNotDirectory
	}
	if name == "" {
		return corruptf("empty directory entry name")
	}
	if len(name) > 255 {
		return corruptf("directory entry name exceeds 255 bytes")
	}

	bs := sbm.BlockSize
	needed := direntSpace(len(name))
	block := make([]byte, bs)
	blocks := uint32((dir.Size + uint64(bs) - 1) / uint64(bs))

	for logical := uint32(0); logical < blocks; logical++ {
		mapping, err := LogicalToPhysical(writer.Reader(), sbm, dir, logical)
		if err != nil {
			return err
		}
		if mapping == nil {
			continue
		}
		if err := writer.Reader().ReadBlock(mapping.PhysicalBlock, block); err != nil {
			return err
		}

		off := 0
		for off < bs {
			ino := binary.LittleEndian.Uint32(block[off:])
			recLen := int(binary.LittleEndian.Uint16(block[off+4:]))
			if recLen < 8 || recLen%4 != 0 || off+recLen > bs {
				return corruptf("directory record at offset %d has record length %d", off, recLen)
			}
			nameLen := int(block[off+6])

			if ino != 0 {
				if 8+nameLen > recLen {
					return corruptf("directory record name length %d exceeds record", nameLen)
				}
				if string(block[off+8:off+8+nameLen]) == name {
					return errors.Wrapf(ErrCorrupted, "directory entry %q already exists", name)
				}
			}

			// A tombstone's whole rec_len is slack; a live record only
			// spares what lies past its padded size.
			actual := 0
			if ino != 0 {
				actual = direntSpace(nameLen)
			}

			if recLen >= actual+needed {
				if ino != 0 {
					binary.LittleEndian.PutUint16(block[off+4:], uint16(actual))
				}
				writeDirent(block, off+actual, target, uint16(recLen-actual), name, ftype)
				return writer.WriteBlock(mapping.PhysicalBlock, block)
			}

			off += recLen
		}
	}

	// No block has slack: append a new directory block.
	goal := uint64(sbm.Superblock.FirstDataBlock)
	allocated, err := alloc.AllocBlocks(goal, 1)
	if err != nil {
		return err
	}
	newBlock := allocated[0]

	logical := uint32(dir.Size / uint64(bs))
	if err := InsertExtent(writer, sbm, dir, logical, newBlock, 1, alloc); err != nil {
		return err
	}

	for i := range block {
		block[i] = 0
	}
	writeDirent(block, 0, target, uint16(bs), name, ftype)
	if err := writer.WriteBlock(newBlock, block); err != nil {
		return err
	}

	dir.Size += uint64(bs)
	dir.Blocks += uint64(bs / 512)
	return nil
}

// RemoveEntry unlinks name from the directory block it lives in. The first
// live record of a block is tombstoned in place; any later record is absorbed
// into its predecessor's rec_len. Data blocks are never freed here. Returns
// the removed entry's inode number.
func RemoveEntry(writer *blockdev.Writer, sbm *SuperblockManager, dir *Inode, name string) (uint32, error) {
	if !dir.IsDir() {
		return 0, ErrNotDirectory
	}

	bs := sbm.BlockSize
	block := make([]byte, bs)
	blocks := uint32((dir.Size + uint64(bs) - 1) / uint64(bs))

	for logical := uint32(0); logical < blocks; logical++ {
		mapping, err := LogicalToPhysical(writer.Reader(), sbm, dir, logical)
		if err != nil {
			return 0, err
		}
		if mapping == nil {
			continue
		}
		if err := writer.Reader().ReadBlock(mapping.PhysicalBlock, block); err != nil {
			return 0, err
		}

		off := 0
		prev := -1
		for off < bs {
			ino := binary.LittleEndian.Uint32(block[off:])
			recLen := int(binary.LittleEndian.Uint16(block[off+4:]))
			if recLen < 8 || recLen%4 != 0 || off+recLen > bs {
				return 0, corruptf("directory record at offset %d has record length %d", off, recLen)
			}
			nameLen := int(block[off+6])

			if ino != 0 && 8+nameLen <= recLen && string(block[off+8:off+8+nameLen]) == name {
				if prev >= 0 {
					prevLen := int(binary.LittleEndian.Uint16(block[prev+4:]))
					binary.LittleEndian.PutUint16(block[prev+4:], uint16(prevLen+recLen))
				} else {
					binary.LittleEndian.PutUint32(block[off:], 0)
				}
				if err := writer.WriteBlock(mapping.PhysicalBlock, block); err != nil {
					return 0, err
				}
				return ino, nil
			}

			if ino != 0 {
				prev = off
			}
			off += recLen
		}
	}

	return 0, ErrNotFound
}

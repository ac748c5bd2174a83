package ext4

import (
	"github.com/vorteil/vext4/pkg/blockdev"
)

// WriteFile writes data at offset. Logical blocks with no mapping get one
// physical block each, allocated near the previous block when there is one;
// aligned full-block writes skip the read half of the read-modify-write.
// i_size is extended to cover the write and i_blocks recomputed from the
// extent tree. The caller persists the inode afterwards.
func WriteFile(writer *blockdev.Writer, sbm *SuperblockManager, inode *Inode, offset uint64, data []byte, alloc *BlockAllocator) (int, error) {
	if len(data) == 0 {
		return 0, nil
	}

	bs := sbm.BlockSize
	scratch := make([]byte, bs)
	copied := 0
	logical := uint32(offset / uint64(bs))
	inBlock := int(offset % uint64(bs))
	var prevPhysical uint64

	for copied < len(data) {
		n := bs - inBlock
		if n > len(data)-copied {
			n = len(data) - copied
		}

		mapping, err := LogicalToPhysical(writer.Reader(), sbm, inode, logical)
		if err != nil {
			return copied, err
		}

		var physical uint64
		if mapping != nil {
			physical = mapping.PhysicalBlock
		} else {
			goal := uint64(sbm.Superblock.FirstDataBlock)
			if prevPhysical != 0 {
				goal = prevPhysical + 1
			}
			allocated, err := alloc.AllocBlocks(goal, 1)
			if err != nil {
				return copied, err
			}
			physical = allocated[0]
			if err := InsertExtent(writer, sbm, inode, logical, physical, 1, alloc); err != nil {
				return copied, err
			}
		}

		if inBlock != 0 || n != bs {
			if err := writer.Reader().ReadBlock(physical, scratch); err != nil {
				return copied, err
			}
		} else {
			for i := range scratch {
				scratch[i] = 0
			}
		}
		copy(scratch[inBlock:inBlock+n], data[copied:copied+n])
		if err := writer.WriteBlock(physical, scratch); err != nil {
			return copied, err
		}

		prevPhysical = physical
		copied += n
		logical++
		inBlock = 0
	}

	if end := offset + uint64(copied); end > inode.Size {
		inode.Size = end
	}
	if err := recomputeBlocks(writer.Reader(), sbm, inode); err != nil {
		return copied, err
	}

	return copied, nil
}

// Truncate shrinks or sparsely extends the file to newSize. Shrinking removes
// all extents at or past the cutoff block, frees the reclaimed physical
// blocks, and zeroes the tail of a partially kept boundary block. Growing
// only moves i_size; the gap reads as a hole.
func Truncate(writer *blockdev.Writer, sbm *SuperblockManager, inode *Inode, newSize uint64, alloc *BlockAllocator) error {
	if newSize >= inode.Size {
		inode.Size = newSize
		return nil
	}

	bs := uint64(sbm.BlockSize)
	cutoff := uint32((newSize + bs - 1) / bs)

	removed, err := RemoveExtents(writer, sbm, inode, cutoff, alloc)
	if err != nil {
		return err
	}

	var blocks []uint64
	for _, run := range removed {
		blocks = append(blocks, run.Blocks()...)
	}
	if len(blocks) > 0 {
		if err := alloc.FreeBlocks(blocks); err != nil {
			return err
		}
	}

	if tail := int(newSize % bs); tail != 0 {
		logical := uint32(newSize / bs)
		mapping, err := LogicalToPhysical(writer.Reader(), sbm, inode, logical)
		if err != nil {
			return err
		}
		if mapping != nil {
			buf := make([]byte, sbm.BlockSize)
			if err := writer.Reader().ReadBlock(mapping.PhysicalBlock, buf); err != nil {
				return err
			}
			for i := tail; i < len(buf); i++ {
				buf[i] = 0
			}
			if err := writer.WriteBlock(mapping.PhysicalBlock, buf); err != nil {
				return err
			}
		}
	}

	inode.Size = newSize
	return recomputeBlocks(writer.Reader(), sbm, inode)
}

// recomputeBlocks refreshes i_blocks (512-byte units) from the leaf extents.
func recomputeBlocks(reader *blockdev.Reader, sbm *SuperblockManager, inode *Inode) error {
	extents, err := WalkAllExtents(reader, sbm, inode)
	if err != nil {
		return err
	}
	var total uint64
	for _, ext := range extents {
		total += uint64(ext.BlockCount())
	}
	inode.Blocks = total * uint64(sbm.BlockSize/512)
	return nil
}

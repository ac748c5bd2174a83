package ext4

import (
	"github.com/vorteil/vext4/pkg/blockdev"
)

// ReadFile reads file bytes at offset into buf, honoring i_size. Holes and
// uninitialized extents read as zeros. Returns the number of bytes read,
// which is short only when offset+len(buf) passes EOF.
func ReadFile(reader *blockdev.Reader, sbm *SuperblockManager, inode *Inode, offset uint64, buf []byte) (int, error) {
	if len(buf) == 0 || offset >= inode.Size {
		return 0, nil
	}

	bs := sbm.BlockSize
	toRead := len(buf)
	if remaining := inode.Size - offset; uint64(toRead) > remaining {
		toRead = int(remaining)
	}

	scratch := make([]byte, bs)
	copied := 0
	logical := uint32(offset / uint64(bs))
	inBlock := int(offset % uint64(bs))

	for copied < toRead {
		n := bs - inBlock
		if n > toRead-copied {
			n = toRead - copied
		}

		mapping, err := LogicalToPhysical(reader, sbm, inode, logical)
		if err != nil {
			return copied, err
		}

		if mapping != nil && !mapping.Uninitialized {
			if err := reader.ReadBlock(mapping.PhysicalBlock, scratch); err != nil {
				return copied, err
			}
			copy(buf[copied:copied+n], scratch[inBlock:inBlock+n])
		} else {
			for i := copied; i < copied+n; i++ {
				buf[i] = 0
			}
		}

		copied += n
		logical++
		inBlock = 0
	}

	return copied, nil
}

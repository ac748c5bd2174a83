package ext4

import (
	"github.com/vorteil/vext4/pkg/blockdev"
)

// PhysicalMapping is the result of mapping one logical file block.
type PhysicalMapping struct {
	PhysicalBlock uint64
	// Length is how many blocks remain in this extent from the mapped
	// position onward.
	Length uint32
	// Uninitialized extents read as zeros.
	Uninitialized bool
}

// LogicalToPhysical maps a logical file block through the inode's extent
// tree. Holes return (nil, nil).
func LogicalToPhysical(reader *blockdev.Reader, sbm *SuperblockManager, inode *Inode, logical uint32) (*PhysicalMapping, error) {
	if !inode.UsesExtents() {
		return nil, corruptf("inode does not use extents")
	}

	hdr, err := ParseExtentHeader(inode.Block[:])
	if err != nil {
		return nil, err
	}

	scratch := make([]byte, sbm.BlockSize)
	return mapInNode(reader, logical, hdr, inode.Block[:], scratch)
}

func mapInNode(reader *blockdev.Reader, logical uint32, hdr *ExtentHeader, node []byte, scratch []byte) (*PhysicalMapping, error) {
	entries := int(hdr.Entries)
	if len(node) < extentEntrySize*(entries+1) {
		return nil, corruptf("extent node truncated: %d entries in %d bytes", entries, len(node))
	}

	if hdr.Depth == 0 {
		for i := 0; i < entries; i++ {
			off := extentEntrySize * (i + 1)
			ext, err := ParseExtent(node[off:])
			if err != nil {
				return nil, err
			}
			count := ext.BlockCount()
			if count == 0 {
				continue
			}
			if logical >= ext.Block && logical < ext.Block+count {
				delta := logical - ext.Block
				return &PhysicalMapping{
					PhysicalBlock: ext.PhysicalStart() + uint64(delta),
					Length:        count - delta,
					Uninitialized: ext.Uninitialized(),
				}, nil
			}
		}
		return nil, nil
	}

	// Internal node: take the entry with the greatest ei_block <= logical.
	var selected *ExtentIndex
	for i := 0; i < entries; i++ {
		off := extentEntrySize * (i + 1)
		idx, err := ParseExtentIndex(node[off:])
		if err != nil {
			return nil, err
		}
		if idx.Block <= logical {
			selected = idx
		} else {
			break
		}
	}
	if selected == nil {
		return nil, nil
	}

	if err := reader.ReadBlock(selected.ChildBlock(), scratch); err != nil {
		return nil, err
	}
	child := make([]byte, len(scratch))
	copy(child, scratch)

	childHdr, err := ParseExtentHeader(child)
	if err != nil {
		return nil, err
	}
	if childHdr.Depth+1 != hdr.Depth {
		return nil, corruptf("extent tree depth mismatch: child %d under parent %d", childHdr.Depth, hdr.Depth)
	}

	return mapInNode(reader, logical, childHdr, child, scratch)
}

// WalkAllExtents enumerates every leaf extent of the inode in logical order.
func WalkAllExtents(reader *blockdev.Reader, sbm *SuperblockManager, inode *Inode) ([]Extent, error) {
	if !inode.UsesExtents() {
		return nil, corruptf("inode does not use extents")
	}

	hdr, err := ParseExtentHeader(inode.Block[:])
	if err != nil {
		return nil, err
	}

	var out []Extent
	scratch := make([]byte, sbm.BlockSize)
	if err := walkNode(reader, hdr, inode.Block[:], scratch, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func walkNode(reader *blockdev.Reader, hdr *ExtentHeader, node []byte, scratch []byte, out *[]Extent) error {
	entries := int(hdr.Entries)
	if len(node) < extentEntrySize*(entries+1) {
		return corruptf("extent node truncated: %d entries in %d bytes", entries, len(node))
	}

	if hdr.Depth == 0 {
		for i := 0; i < entries; i++ {
			off := extentEntrySize * (i + 1)
			ext, err := ParseExtent(node[off:])
			if err != nil {
				return err
			}
			*out = append(*out, *ext)
		}
		return nil
	}

	for i := 0; i < entries; i++ {
		off := extentEntrySize * (i + 1)
		idx, err := ParseExtentIndex(node[off:])
		if err != nil {
			return err
		}
		if err := reader.ReadBlock(idx.ChildBlock(), scratch); err != nil {
			return err
		}
		child := make([]byte, len(scratch))
		copy(child, scratch)

		childHdr, err := ParseExtentHeader(child)
		if err != nil {
			return err
		}
		if childHdr.Depth+1 != hdr.Depth {
			return corruptf("extent tree depth mismatch: child %d under parent %d", childHdr.Depth, hdr.Depth)
		}
		if err := walkNode(reader, childHdr, child, scratch, out); err != nil {
			return err
		}
	}
	return nil
}

package ext4

import (
	"sort"

	"github.com/vorteil/vext4/pkg/blockdev"
)

// extentRootMax is the entry capacity of the tree root in i_block: the
// 60-byte region holds one header plus four entries.
const extentRootMax = 4

type treeNodeRef struct {
	firstLogical uint32
	blockNo      uint64
}

// InitEmptyExtentRoot writes an empty leaf-root header into i_block.
func InitEmptyExtentRoot(inode *Inode) {
	for i := range inode.Block {
		inode.Block[i] = 0
	}
	hdr := ExtentHeader{
		Magic: ExtentMagic,
		Max:   extentRootMax,
	}
	hdr.Serialize(inode.Block[:])
}

// InsertExtent adds the mapping {logical, count, physical} to the inode's
// extent tree and rebuilds it. count must be 1..=0x7FFF. Overlap with any
// existing extent fails; adjacent identical-stride extents are coalesced.
func InsertExtent(writer *blockdev.Writer, sbm *SuperblockManager, inode *Inode, logical uint32, physical uint64, count uint16, alloc *BlockAllocator) error {
	if count == 0 {
		return nil
	}
	if count > 0x7FFF {
		return corruptf("extent length %d overflows 15 bits", count)
	}
	if !inode.UsesExtents() {
		return corruptf("inode does not use extents")
	}

	extents, err := WalkAllExtents(writer.Reader(), sbm, inode)
	if err != nil {
		return err
	}

	e := Extent{Block: logical, Len: count}
	e.SetPhysicalStart(physical)
	extents = append(extents, e)

	normalized, err := normalizeExtents(extents)
	if err != nil {
		return err
	}

	return rebuildTree(writer, sbm, inode, normalized, alloc)
}

// RemoveExtents truncates the extent list to logical addresses below
// fromLogical, splitting a straddling extent. It returns the freed
// (physical start, length) runs; the caller frees those blocks.
func RemoveExtents(writer *blockdev.Writer, sbm *SuperblockManager, inode *Inode, fromLogical uint32, alloc *BlockAllocator) ([]FreedRun, error) {
	if !inode.UsesExtents() {
		return nil, corruptf("inode does not use extents")
	}

	extents, err := WalkAllExtents(writer.Reader(), sbm, inode)
	if err != nil {
		return nil, err
	}

	var kept []Extent
	var removed []FreedRun

	for _, ext := range extents {
		count := ext.BlockCount()
		if count == 0 {
			continue
		}
		start := ext.Block
		end := start + count

		if start >= fromLogical {
			removed = append(removed, FreedRun{Start: ext.PhysicalStart(), Count: count})
			continue
		}
		if end > fromLogical {
			keep := fromLogical - start
			removed = append(removed, FreedRun{
				Start: ext.PhysicalStart() + uint64(keep),
				Count: count - keep,
			})
			ext.Len = uint16(keep) | (ext.Len & 0x8000)
		}
		kept = append(kept, ext)
	}

	normalized, err := normalizeExtents(kept)
	if err != nil {
		return nil, err
	}
	if err := rebuildTree(writer, sbm, inode, normalized, alloc); err != nil {
		return nil, err
	}

	return removed, nil
}

// FreedRun is a physical run released by RemoveExtents.
type FreedRun struct {
	Start uint64
	Count uint32
}

// Blocks expands the run into individual block numbers.
func (r FreedRun) Blocks() []uint64 {
	out := make([]uint64, r.Count)
	for i := range out {
		out[i] = r.Start + uint64(i)
	}
	return out
}

// normalizeExtents sorts by logical block, rejects overlap, and merges
// adjacent extents with contiguous physical runs.
func normalizeExtents(extents []Extent) ([]Extent, error) {
	if len(extents) == 0 {
		return extents, nil
	}

	sort.Slice(extents, func(i, j int) bool {
		return extents[i].Block < extents[j].Block
	})

	out := extents[:1]
	for i := 1; i < len(extents); i++ {
		ext := extents[i]
		last := &out[len(out)-1]
		lastCount := last.BlockCount()
		lastEnd := last.Block + lastCount
		lastPhysEnd := last.PhysicalStart() + uint64(lastCount)
		count := ext.BlockCount()

		if ext.Block < lastEnd {
			return nil, corruptf("overlapping extents at logical block %d", ext.Block)
		}

		if ext.Block == lastEnd && ext.PhysicalStart() == lastPhysEnd &&
			ext.Uninitialized() == last.Uninitialized() {
			merged := lastCount + count
			if merged > 0x7FFF {
				out = append(out, ext)
				continue
			}
			last.Len = uint16(merged) | (last.Len & 0x8000)
		} else {
			out = append(out, ext)
		}
	}
	return out, nil
}

// rebuildTree rewrites the whole extent tree for the normalized extent set.
// New tree nodes are written before the root, and the old internal blocks are
// freed only after the new tree is in place.
func rebuildTree(writer *blockdev.Writer, sbm *SuperblockManager, inode *Inode, extents []Extent, alloc *BlockAllocator) error {
	oldBlocks, err := collectTreeBlocks(writer.Reader(), sbm, inode)
	if err != nil {
		return err
	}

	nodeCap := (sbm.BlockSize - extentEntrySize) / extentEntrySize
	if nodeCap <= 0 {
		return corruptf("block size %d leaves no extent node capacity", sbm.BlockSize)
	}

	if len(extents) <= extentRootMax {
		// Leaf root directly in i_block.
		for i := range inode.Block {
			inode.Block[i] = 0
		}
		hdr := ExtentHeader{
			Magic:   ExtentMagic,
			Entries: uint16(len(extents)),
			Max:     extentRootMax,
		}
		hdr.Serialize(inode.Block[:])
		for i := range extents {
			extents[i].Serialize(inode.Block[extentEntrySize*(i+1):])
		}
		return freeOldTree(alloc, oldBlocks)
	}

	goal := uint64(sbm.Superblock.FirstDataBlock)

	// Leaf level into fresh blocks.
	level := make([]treeNodeRef, 0, (len(extents)+nodeCap-1)/nodeCap)
	buf := make([]byte, sbm.BlockSize)

	for start := 0; start < len(extents); start += nodeCap {
		end := start + nodeCap
		if end > len(extents) {
			end = len(extents)
		}
		chunk := extents[start:end]

		blocks, err := alloc.AllocBlocks(goal, 1)
		if err != nil {
			return err
		}

		for i := range buf {
			buf[i] = 0
		}
		hdr := ExtentHeader{
			Magic:   ExtentMagic,
			Entries: uint16(len(chunk)),
			Max:     uint16(nodeCap),
		}
		hdr.Serialize(buf)
		for i := range chunk {
			chunk[i].Serialize(buf[extentEntrySize*(i+1):])
		}
		if err := writer.WriteBlock(blocks[0], buf); err != nil {
			return err
		}
		level = append(level, treeNodeRef{firstLogical: chunk[0].Block, blockNo: blocks[0]})
	}

	// Index levels until the root fits in the inode.
	depth := uint16(1)
	for len(level) > extentRootMax {
		next := make([]treeNodeRef, 0, (len(level)+nodeCap-1)/nodeCap)
		for start := 0; start < len(level); start += nodeCap {
			end := start + nodeCap
			if end > len(level) {
				end = len(level)
			}
			chunk := level[start:end]

			blocks, err := alloc.AllocBlocks(goal, 1)
			if err != nil {
				return err
			}

			for i := range buf {
				buf[i] = 0
			}
			hdr := ExtentHeader{
				Magic:   ExtentMagic,
				Entries: uint16(len(chunk)),
				Max:     uint16(nodeCap),
				Depth:   depth,
			}
			hdr.Serialize(buf)
			for i, child := range chunk {
				idx := ExtentIndex{
					Block:  child.firstLogical,
					LeafLo: uint32(child.blockNo),
					LeafHi: uint16(child.blockNo >> 32),
				}
				idx.Serialize(buf[extentEntrySize*(i+1):])
			}
			if err := writer.WriteBlock(blocks[0], buf); err != nil {
				return err
			}
			next = append(next, treeNodeRef{firstLogical: chunk[0].firstLogical, blockNo: blocks[0]})
		}
		level = next
		depth++
	}

	// Root as an index node in i_block.
	for i := range inode.Block {
		inode.Block[i] = 0
	}
	hdr := ExtentHeader{
		Magic:   ExtentMagic,
		Entries: uint16(len(level)),
		Max:     extentRootMax,
		Depth:   depth,
	}
	hdr.Serialize(inode.Block[:])
	for i, child := range level {
		idx := ExtentIndex{
			Block:  child.firstLogical,
			LeafLo: uint32(child.blockNo),
			LeafHi: uint16(child.blockNo >> 32),
		}
		idx.Serialize(inode.Block[extentEntrySize*(i+1):])
	}

	return freeOldTree(alloc, oldBlocks)
}

func freeOldTree(alloc *BlockAllocator, blocks []uint64) error {
	if len(blocks) == 0 {
		return nil
	}
	return alloc.FreeBlocks(blocks)
}

// collectTreeBlocks gathers every internal node block of the current tree so
// a rebuild can release them afterwards.
func collectTreeBlocks(reader *blockdev.Reader, sbm *SuperblockManager, inode *Inode) ([]uint64, error) {
	hdr, err := ParseExtentHeader(inode.Block[:])
	if err != nil {
		return nil, err
	}
	if hdr.Depth == 0 {
		return nil, nil
	}

	var out []uint64
	scratch := make([]byte, sbm.BlockSize)
	if err := collectNodeBlocks(reader, hdr, inode.Block[:], scratch, &out); err != nil {
		return nil, err
	}

	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	dedup := out[:0]
	for i, b := range out {
		if i == 0 || b != out[i-1] {
			dedup = append(dedup, b)
		}
	}
	return dedup, nil
}

func collectNodeBlocks(reader *blockdev.Reader, hdr *ExtentHeader, node []byte, scratch []byte, out *[]uint64) error {
	if hdr.Depth == 0 {
		return nil
	}

	entries := int(hdr.Entries)
	if len(node) < extentEntrySize*(entries+1) {
		return corruptf("extent node truncated: %d entries in %d bytes", entries, len(node))
	}

	for i := 0; i < entries; i++ {
		off := extentEntrySize * (i + 1)
		idx, err := ParseExtentIndex(node[off:])
		if err != nil {
			return err
		}
		child := idx.ChildBlock()
		*out = append(*out, child)

		if err := reader.ReadBlock(child, scratch); err != nil {
			return err
		}
		childCopy := make([]byte, len(scratch))
		copy(childCopy, scratch)

		childHdr, err := ParseExtentHeader(childCopy)
		if err != nil {
			return err
		}
		if childHdr.Depth+1 != hdr.Depth {
			return corruptf("extent tree depth mismatch: child %d under parent %d", childHdr.Depth, hdr.Depth)
		}
		if err := collectNodeBlocks(reader, childHdr, childCopy, scratch, out); err != nil {
			return err
		}
	}
	return nil
}

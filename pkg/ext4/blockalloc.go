package ext4

import (
	"github.com/bits-and-blooms/bitset"
	"github.com/pkg/errors"
)

// BlockGroupState is the in-memory mirror of one group's on-disk block
// bitmap plus its free counter. MaxBits caps the valid bits; the final group
// of a filesystem is usually short.
type BlockGroupState struct {
	Bitmap     []byte
	FreeBlocks uint32
	MaxBits    int
}

// BlockAllocator hands out and reclaims physical blocks against the group
// bitmaps. Policy: start at the goal's group, scan from the goal's in-group
// bit there, then round-robin through the remaining groups from bit 0.
type BlockAllocator struct {
	firstDataBlock uint64
	blocksPerGroup uint32
	totalFree      uint64
	groups         []*BlockGroupState
	dirty          *bitset.BitSet
}

// NewBlockAllocator builds an allocator from hydrated group state.
func NewBlockAllocator(firstDataBlock uint64, blocksPerGroup uint32, groups []*BlockGroupState) *BlockAllocator {
	var free uint64
	for _, g := range groups {
		free += uint64(g.FreeBlocks)
	}
	return &BlockAllocator{
		firstDataBlock: firstDataBlock,
		blocksPerGroup: blocksPerGroup,
		totalFree:      free,
		groups:         groups,
		dirty:          bitset.New(uint(len(groups))),
	}
}

// FreeBlockCount returns the total free blocks across all groups.
func (a *BlockAllocator) FreeBlockCount() uint64 {
	return a.totalFree
}

// GroupFreeBlocks returns one group's free counter.
func (a *BlockAllocator) GroupFreeBlocks(g uint32) uint32 {
	return a.groups[g].FreeBlocks
}

// GroupBitmap exposes a group's bitmap bytes for writeback.
func (a *BlockAllocator) GroupBitmap(g uint32) []byte {
	return a.groups[g].Bitmap
}

// DrainDirtyGroups returns and clears the set of groups touched since the
// last drain.
func (a *BlockAllocator) DrainDirtyGroups() []uint32 {
	var out []uint32
	for g, ok := a.dirty.NextSet(0); ok; g, ok = a.dirty.NextSet(g + 1) {
		out = append(out, uint32(g))
	}
	a.dirty.ClearAll()
	return out
}

func (a *BlockAllocator) goalGroup(goal uint64) int {
	if len(a.groups) == 0 || goal <= a.firstDataBlock {
		return 0
	}
	rel := goal - a.firstDataBlock
	return int(rel/uint64(a.blocksPerGroup)) % len(a.groups)
}

// AllocBlocks reserves count physical blocks, preferring the goal's group.
// On exhaustion mid-way everything taken is rolled back and NoSpace returned.
func (a *BlockAllocator) AllocBlocks(goal uint64, count int) ([]uint64, error) {
	if count == 0 {
		return nil, nil
	}
	if a.totalFree < uint64(count) || len(a.groups) == 0 {
		return nil, ErrNoSpace
	}

	goalGroup := a.goalGroup(goal)
	allocated := make([]uint64, 0, count)

	for step := 0; step < len(a.groups) && len(allocated) < count; step++ {
		g := (goalGroup + step) % len(a.groups)
		state := a.groups[g]
		if state.FreeBlocks == 0 {
			continue
		}

		start := 0
		if step == 0 && goal > a.firstDataBlock {
			start = int((goal - a.firstDataBlock) % uint64(a.blocksPerGroup))
		}

		for len(allocated) < count {
			bit := findFirstZero(state.Bitmap, start, state.MaxBits)
			if bit < 0 {
				break
			}
			setBit(state.Bitmap, bit)
			state.FreeBlocks--
			a.totalFree--
			a.dirty.Set(uint(g))
			allocated = append(allocated, a.firstDataBlock+uint64(g)*uint64(a.blocksPerGroup)+uint64(bit))
			start = bit + 1
		}
	}

	if len(allocated) != count {
		if err := a.FreeBlocks(allocated); err != nil {
			return nil, err
		}
		return nil, ErrNoSpace
	}

	return allocated, nil
}

// FreeBlocks releases previously allocated blocks, rejecting out-of-range
// block numbers and double frees.
func (a *BlockAllocator) FreeBlocks(blocks []uint64) error {
	for _, block := range blocks {
		if block < a.firstDataBlock {
			return corruptf("freeing block %d below first data block %d", block, a.firstDataBlock)
		}
		rel := block - a.firstDataBlock
		g := int(rel / uint64(a.blocksPerGroup))
		if g >= len(a.groups) {
			return corruptf("freeing block %d beyond group count", block)
		}
		bit := int(rel % uint64(a.blocksPerGroup))

		state := a.groups[g]
		if bit >= state.MaxBits {
			return corruptf("freeing block %d beyond group %d's valid bits", block, g)
		}
		if !testBit(state.Bitmap, bit) {
			return errors.Wrapf(ErrCorrupted, "double free of block %d", block)
		}

		clearBit(state.Bitmap, bit)
		state.FreeBlocks++
		a.totalFree++
		a.dirty.Set(uint(g))
	}
	return nil
}

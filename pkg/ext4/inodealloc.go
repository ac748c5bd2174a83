package ext4

import (
	"github.com/bits-and-blooms/bitset"
	"github.com/pkg/errors"
)

// InodeGroupState is the in-memory mirror of one group's inode bitmap plus
// the counters the Orlov heuristic weighs.
type InodeGroupState struct {
	Bitmap     []byte
	FreeInodes uint32
	FreeBlocks uint32
	UsedDirs   uint32
	MaxBits    int
}

// InodeAllocator hands out inode numbers. Regular files go near their parent;
// directories are spread by the Orlov heuristic so no group collects them
// all. Dirty groups are tracked for bitmap and descriptor writeback.
type InodeAllocator struct {
	inodesPerGroup uint32
	totalFree      uint64
	groups         []*InodeGroupState
	dirty          *bitset.BitSet
}

// NewInodeAllocator builds an allocator from hydrated group state.
func NewInodeAllocator(inodesPerGroup uint32, groups []*InodeGroupState) *InodeAllocator {
	var free uint64
	for _, g := range groups {
		free += uint64(g.FreeInodes)
	}
	return &InodeAllocator{
		inodesPerGroup: inodesPerGroup,
		totalFree:      free,
		groups:         groups,
		dirty:          bitset.New(uint(len(groups))),
	}
}

// FreeInodeCount returns the total free inodes across all groups.
func (a *InodeAllocator) FreeInodeCount() uint64 {
	return a.totalFree
}

// GroupBitmap exposes a group's bitmap bytes for writeback.
func (a *InodeAllocator) GroupBitmap(g uint32) []byte {
	return a.groups[g].Bitmap
}

// GroupState returns a group's mirror state.
func (a *InodeAllocator) GroupState(g uint32) *InodeGroupState {
	return a.groups[g]
}

// DrainDirtyGroups returns and clears the set of groups touched since the
// last drain.
func (a *InodeAllocator) DrainDirtyGroups() []uint32 {
	var out []uint32
	for g, ok := a.dirty.NextSet(0); ok; g, ok = a.dirty.NextSet(g + 1) {
		out = append(out, uint32(g))
	}
	a.dirty.ClearAll()
	return out
}

func (a *InodeAllocator) groupForInode(ino uint32) int {
	if ino == 0 {
		return 0
	}
	g := int((ino - 1) / a.inodesPerGroup)
	if g >= len(a.groups) {
		return 0
	}
	return g
}

func (a *InodeAllocator) scanFrom(start int) int {
	for step := 0; step < len(a.groups); step++ {
		g := (start + step) % len(a.groups)
		if a.groups[g].FreeInodes > 0 {
			return g
		}
	}
	return -1
}

// chooseGroupOrlov picks a directory's group: the first group from the
// parent's onward that beats the average free-inode and free-block counts
// while carrying at most the average number of directories. Falls back to a
// plain round-robin scan when nothing qualifies.
func (a *InodeAllocator) chooseGroupOrlov(parentGroup int) int {
	if len(a.groups) == 0 {
		return -1
	}

	n := uint64(len(a.groups))
	var sumInodes, sumBlocks, sumDirs uint64
	for _, g := range a.groups {
		sumInodes += uint64(g.FreeInodes)
		sumBlocks += uint64(g.FreeBlocks)
		sumDirs += uint64(g.UsedDirs)
	}
	avgInodes := sumInodes / n
	avgBlocks := sumBlocks / n
	avgDirs := sumDirs / n

	for step := 0; step < len(a.groups); step++ {
		g := (parentGroup + step) % len(a.groups)
		state := a.groups[g]
		if uint64(state.FreeInodes) > avgInodes &&
			uint64(state.FreeBlocks) > avgBlocks &&
			uint64(state.UsedDirs) <= avgDirs {
			return g
		}
	}

	return a.scanFrom(parentGroup)
}

// AllocInode reserves an inode number near parentIno (files) or via the
// Orlov heuristic (directories).
func (a *InodeAllocator) AllocInode(parentIno uint32, isDir bool) (uint32, error) {
	if a.totalFree == 0 || len(a.groups) == 0 {
		return 0, ErrNoSpace
	}

	parentGroup := a.groupForInode(parentIno)
	var selected int
	if isDir {
		selected = a.chooseGroupOrlov(parentGroup)
	} else {
		selected = a.scanFrom(parentGroup)
	}
	if selected < 0 {
		return 0, ErrNoSpace
	}

	state := a.groups[selected]
	bit := findFirstZero(state.Bitmap, 0, state.MaxBits)
	if bit < 0 {
		return 0, corruptf("group %d free inode count disagrees with its bitmap", selected)
	}

	setBit(state.Bitmap, bit)
	state.FreeInodes--
	if isDir {
		state.UsedDirs++
	}
	a.totalFree--
	a.dirty.Set(uint(selected))

	return uint32(selected)*a.inodesPerGroup + uint32(bit) + 1, nil
}

// FreeInode releases an inode number, rejecting double frees.
func (a *InodeAllocator) FreeInode(ino uint32) error {
	if ino == 0 {
		return corruptf("inode numbering starts at 1")
	}
	g := int((ino - 1) / a.inodesPerGroup)
	if g >= len(a.groups) {
		return corruptf("inode %d beyond group count", ino)
	}
	bit := int((ino - 1) % a.inodesPerGroup)

	state := a.groups[g]
	if bit >= state.MaxBits {
		return corruptf("inode %d beyond group %d's valid bits", ino, g)
	}
	if !testBit(state.Bitmap, bit) {
		return errors.Wrapf(ErrCorrupted, "double free of inode %d", ino)
	}

	clearBit(state.Bitmap, bit)
	state.FreeInodes++
	a.totalFree++
	a.dirty.Set(uint(g))
	return nil
}

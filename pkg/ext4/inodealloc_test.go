package ext4

import (
	"errors"
	"testing"
)

func TestAllocInodePrefersParentGroupForFiles(t *testing.T) {

	groups := []*InodeGroupState{
		{Bitmap: []byte{0b00000001}, FreeInodes: 7, FreeBlocks: 100, UsedDirs: 10, MaxBits: 8},
		{Bitmap: []byte{0b00000000}, FreeInodes: 8, FreeBlocks: 100, UsedDirs: 0, MaxBits: 8},
	}
	alloc := NewInodeAllocator(8, groups)

	// parent ino 2 lives in group 0
	ino, err := alloc.AllocInode(2, false)
	if err != nil {
		t.Fatal(err)
	}
	if ino != 2 {
		t.Errorf("file allocation should stay in the parent group -- expect ino 2 but got %d", ino)
	}

}

func TestAllocInodeOrlovSpreadsDirectories(t *testing.T) {

	groups := []*InodeGroupState{
		{Bitmap: []byte{0b00001111}, FreeInodes: 4, FreeBlocks: 8, UsedDirs: 8, MaxBits: 8},
		{Bitmap: []byte{0b00000000}, FreeInodes: 8, FreeBlocks: 16, UsedDirs: 1, MaxBits: 8},
	}
	alloc := NewInodeAllocator(8, groups)

	ino, err := alloc.AllocInode(2, true)
	if err != nil {
		t.Fatal(err)
	}
	if ino < 9 {
		t.Errorf("Orlov should have spread the directory to group 1 -- got ino %d", ino)
	}
	if groups[1].UsedDirs != 2 {
		t.Errorf("used-dirs counter not bumped -- got %d", groups[1].UsedDirs)
	}

}

func TestAllocInodeOrlovFallsBackToRoundRobin(t *testing.T) {

	// No group beats all three averages, so the heuristic degrades to the
	// round-robin scan from the parent group.
	groups := []*InodeGroupState{
		{Bitmap: []byte{0b11111111}, FreeInodes: 0, FreeBlocks: 10, UsedDirs: 4, MaxBits: 8},
		{Bitmap: []byte{0b00000011}, FreeInodes: 6, FreeBlocks: 10, UsedDirs: 4, MaxBits: 8},
	}
	alloc := NewInodeAllocator(8, groups)

	ino, err := alloc.AllocInode(1, true)
	if err != nil {
		t.Fatal(err)
	}
	if ino != 11 {
		t.Errorf("fallback should land in group 1's first free bit -- expect 11 but got %d", ino)
	}

}

func TestFreeInodeValidation(t *testing.T) {

	groups := []*InodeGroupState{
		{Bitmap: []byte{0b00000011}, FreeInodes: 6, FreeBlocks: 10, UsedDirs: 0, MaxBits: 8},
	}
	alloc := NewInodeAllocator(8, groups)

	if err := alloc.FreeInode(0); err == nil {
		t.Errorf("inode 0 should be rejected")
	}
	if err := alloc.FreeInode(100); err == nil {
		t.Errorf("inode beyond the allocator should be rejected")
	}
	if err := alloc.FreeInode(3); !errors.Is(err, ErrCorrupted) {
		t.Errorf("double free should fail, got %v", err)
	}

	if err := alloc.FreeInode(2); err != nil {
		t.Errorf("legitimate free failed: %v", err)
	}
	if alloc.FreeInodeCount() != 7 {
		t.Errorf("free count after free -- expect 7 but got %d", alloc.FreeInodeCount())
	}

	dirty := alloc.DrainDirtyGroups()
	if len(dirty) != 1 || dirty[0] != 0 {
		t.Errorf("group 0 should be dirty, got %v", dirty)
	}

}

func TestAllocInodeExhaustion(t *testing.T) {

	groups := []*InodeGroupState{
		{Bitmap: []byte{0b11111111}, FreeInodes: 0, FreeBlocks: 0, UsedDirs: 0, MaxBits: 8},
	}
	alloc := NewInodeAllocator(8, groups)

	_, err := alloc.AllocInode(1, false)
	if !errors.Is(err, ErrNoSpace) {
		t.Errorf("exhausted allocator should fail with ErrNoSpace, got %v", err)
	}

}

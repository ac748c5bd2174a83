package ext4

import (
	"errors"
	"testing"
)

func TestAllocBlocksGoalGroupThenRoundRobin(t *testing.T) {

	groups := []*BlockGroupState{
		{Bitmap: []byte{0b11111111}, FreeBlocks: 0, MaxBits: 8},
		{Bitmap: []byte{0b00001111}, FreeBlocks: 4, MaxBits: 8},
	}
	alloc := NewBlockAllocator(0, 8, groups)

	blocks, err := alloc.AllocBlocks(1, 2)
	if err != nil {
		t.Fatal(err)
	}
	if len(blocks) != 2 || blocks[0] != 12 || blocks[1] != 13 {
		t.Errorf("allocation landed on the wrong blocks -- expect [12 13] but got %v", blocks)
	}
	if alloc.GroupFreeBlocks(1) != 2 {
		t.Errorf("group 1 free count -- expect 2 but got %d", alloc.GroupFreeBlocks(1))
	}
	if alloc.FreeBlockCount() != 2 {
		t.Errorf("total free count -- expect 2 but got %d", alloc.FreeBlockCount())
	}

}

func TestAllocBlocksStartsAtGoalBit(t *testing.T) {

	groups := []*BlockGroupState{
		{Bitmap: []byte{0b00000000}, FreeBlocks: 8, MaxBits: 8},
	}
	alloc := NewBlockAllocator(100, 8, groups)

	blocks, err := alloc.AllocBlocks(103, 2)
	if err != nil {
		t.Fatal(err)
	}
	if blocks[0] != 103 || blocks[1] != 104 {
		t.Errorf("goal bit ignored -- expect [103 104] but got %v", blocks)
	}

}

func TestAllocBlocksNoSpace(t *testing.T) {

	groups := []*BlockGroupState{
		{Bitmap: []byte{0b11111100}, FreeBlocks: 2, MaxBits: 8},
	}
	alloc := NewBlockAllocator(0, 8, groups)

	_, err := alloc.AllocBlocks(0, 3)
	if !errors.Is(err, ErrNoSpace) {
		t.Errorf("over-allocation should fail with ErrNoSpace, got %v", err)
	}

	// The failed attempt must not leak any blocks.
	if alloc.FreeBlockCount() != 2 {
		t.Errorf("failed allocation leaked blocks -- %d free", alloc.FreeBlockCount())
	}
	if countZeros(groups[0].Bitmap, 8) != 2 {
		t.Errorf("failed allocation left bits set")
	}

}

func TestAllocBlocksEmptyRequest(t *testing.T) {

	alloc := NewBlockAllocator(0, 8, []*BlockGroupState{
		{Bitmap: []byte{0}, FreeBlocks: 8, MaxBits: 8},
	})

	blocks, err := alloc.AllocBlocks(0, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(blocks) != 0 {
		t.Errorf("empty request returned blocks: %v", blocks)
	}

}

func TestFreeBlocksValidation(t *testing.T) {

	groups := []*BlockGroupState{
		{Bitmap: []byte{0b00000001}, FreeBlocks: 5, MaxBits: 6},
	}
	alloc := NewBlockAllocator(10, 8, groups)

	if err := alloc.FreeBlocks([]uint64{5}); err == nil {
		t.Errorf("free below first data block should fail")
	}
	if err := alloc.FreeBlocks([]uint64{100}); err == nil {
		t.Errorf("free beyond group count should fail")
	}
	if err := alloc.FreeBlocks([]uint64{17}); err == nil {
		t.Errorf("free beyond the group's valid bits should fail")
	}
	if err := alloc.FreeBlocks([]uint64{11}); err == nil {
		t.Errorf("double free should fail")
	}

	if err := alloc.FreeBlocks([]uint64{10}); err != nil {
		t.Errorf("legitimate free failed: %v", err)
	}
	if alloc.FreeBlockCount() != 6 {
		t.Errorf("free count after free -- expect 6 but got %d", alloc.FreeBlockCount())
	}

}

func TestFreeCounterMatchesBitmap(t *testing.T) {

	groups := []*BlockGroupState{
		{Bitmap: make([]byte, 2), FreeBlocks: 16, MaxBits: 16},
		{Bitmap: make([]byte, 2), FreeBlocks: 16, MaxBits: 16},
	}
	alloc := NewBlockAllocator(1, 16, groups)

	blocks, err := alloc.AllocBlocks(1, 20)
	if err != nil {
		t.Fatal(err)
	}
	if err := alloc.FreeBlocks(blocks[:5]); err != nil {
		t.Fatal(err)
	}

	var total uint64
	for g, state := range groups {
		zeros := countZeros(state.Bitmap, state.MaxBits)
		if zeros != int(state.FreeBlocks) {
			t.Errorf("group %d free counter %d disagrees with bitmap zeros %d", g, state.FreeBlocks, zeros)
		}
		total += uint64(state.FreeBlocks)
	}
	if total != alloc.FreeBlockCount() {
		t.Errorf("total free %d disagrees with group sum %d", alloc.FreeBlockCount(), total)
	}

	dirty := alloc.DrainDirtyGroups()
	if len(dirty) != 2 {
		t.Errorf("both groups should be dirty, got %v", dirty)
	}
	if len(alloc.DrainDirtyGroups()) != 0 {
		t.Errorf("drain should clear the dirty set")
	}

}

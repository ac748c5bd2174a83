package ext4

import (
	"bytes"
	"testing"
)

func TestWriteThenReadBack(t *testing.T) {

	writer, sbm, alloc, inode := extentTestEnv(t, 1024, 256)

	data := bytes.Repeat([]byte("vorteil!"), 300) // 2400 bytes, 3 blocks
	n, err := WriteFile(writer, sbm, inode, 0, data, alloc)
	if err != nil {
		t.Fatal(err)
	}
	if n != len(data) {
		t.Fatalf("short write: %d of %d", n, len(data))
	}

	if inode.Size != uint64(len(data)) {
		t.Errorf("i_size after write -- expect %d but got %d", len(data), inode.Size)
	}
	if inode.Blocks != 3*(1024/512) {
		t.Errorf("i_blocks after write -- expect 6 but got %d", inode.Blocks)
	}

	buf := make([]byte, len(data))
	n, err = ReadFile(writer.Reader(), sbm, inode, 0, buf)
	if err != nil {
		t.Fatal(err)
	}
	if n != len(data) || !bytes.Equal(buf, data) {
		t.Errorf("read back %d bytes that don't match the write", n)
	}

}

func TestWriteUnalignedDoesRMW(t *testing.T) {

	writer, sbm, alloc, inode := extentTestEnv(t, 1024, 256)

	first := bytes.Repeat([]byte{0x11}, 1024)
	if _, err := WriteFile(writer, sbm, inode, 0, first, alloc); err != nil {
		t.Fatal(err)
	}

	// Overwrite the middle of the block; both ends must survive.
	if _, err := WriteFile(writer, sbm, inode, 100, bytes.Repeat([]byte{0x22}, 50), alloc); err != nil {
		t.Fatal(err)
	}

	buf := make([]byte, 1024)
	if _, err := ReadFile(writer.Reader(), sbm, inode, 0, buf); err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 100; i++ {
		if buf[i] != 0x11 {
			t.Fatalf("head byte %d clobbered", i)
		}
	}
	for i := 100; i < 150; i++ {
		if buf[i] != 0x22 {
			t.Fatalf("overwrite byte %d missing", i)
		}
	}
	for i := 150; i < 1024; i++ {
		if buf[i] != 0x11 {
			t.Fatalf("tail byte %d clobbered", i)
		}
	}

}

func TestWriteIntoHoleLeavesZeros(t *testing.T) {

	writer, sbm, alloc, inode := extentTestEnv(t, 1024, 256)

	// Write one byte three blocks in; blocks 0-2 stay holes.
	if _, err := WriteFile(writer, sbm, inode, 3*1024+7, []byte{0xAB}, alloc); err != nil {
		t.Fatal(err)
	}

	if inode.Size != 3*1024+8 {
		t.Errorf("i_size -- expect %d but got %d", 3*1024+8, inode.Size)
	}

	// Exactly one block allocated for the written position.
	extents, err := WalkAllExtents(writer.Reader(), sbm, inode)
	if err != nil {
		t.Fatal(err)
	}
	var mapped uint32
	for _, ext := range extents {
		mapped += ext.BlockCount()
	}
	if mapped != 1 {
		t.Errorf("hole write should allocate exactly one block, got %d", mapped)
	}

	buf := make([]byte, 3*1024+8)
	n, err := ReadFile(writer.Reader(), sbm, inode, 0, buf)
	if err != nil {
		t.Fatal(err)
	}
	if n != len(buf) {
		t.Fatalf("short read: %d", n)
	}
	for i := 0; i < 3*1024+7; i++ {
		if buf[i] != 0 {
			t.Fatalf("hole byte %d reads %#x", i, buf[i])
		}
	}
	if buf[3*1024+7] != 0xAB {
		t.Errorf("written byte lost")
	}

}

func TestReadPastEOF(t *testing.T) {

	writer, sbm, alloc, inode := extentTestEnv(t, 1024, 256)

	if _, err := WriteFile(writer, sbm, inode, 0, []byte("abc"), alloc); err != nil {
		t.Fatal(err)
	}

	buf := make([]byte, 10)
	n, err := ReadFile(writer.Reader(), sbm, inode, 100, buf)
	if err != nil {
		t.Fatal(err)
	}
	if n != 0 {
		t.Errorf("read past EOF returned %d bytes", n)
	}

	n, err = ReadFile(writer.Reader(), sbm, inode, 1, buf)
	if err != nil {
		t.Fatal(err)
	}
	if n != 2 {
		t.Errorf("read across EOF should be short -- expect 2 but got %d", n)
	}

}

func TestTruncateShrinksAndZeroesTail(t *testing.T) {

	writer, sbm, alloc, inode := extentTestEnv(t, 1024, 256)

	data := bytes.Repeat([]byte{0xFF}, 3*1024)
	if _, err := WriteFile(writer, sbm, inode, 0, data, alloc); err != nil {
		t.Fatal(err)
	}
	freeAfterWrite := alloc.FreeBlockCount()

	if err := Truncate(writer, sbm, inode, 1500, alloc); err != nil {
		t.Fatal(err)
	}

	if inode.Size != 1500 {
		t.Errorf("size after truncate -- expect 1500 but got %d", inode.Size)
	}
	if inode.Blocks != 2*(1024/512) {
		t.Errorf("i_blocks after truncate -- expect 4 but got %d", inode.Blocks)
	}
	if alloc.FreeBlockCount() != freeAfterWrite+1 {
		t.Errorf("truncate should free one block -- free went %d -> %d", freeAfterWrite, alloc.FreeBlockCount())
	}

	// The boundary block's tail must read zero even if the file grows
	// sparsely past it again.
	if err := Truncate(writer, sbm, inode, 3*1024, alloc); err != nil {
		t.Fatal(err)
	}
	buf := make([]byte, 1024)
	if _, err := ReadFile(writer.Reader(), sbm, inode, 1024, buf); err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 1500-1024; i++ {
		if buf[i] != 0xFF {
			t.Fatalf("kept byte %d lost by truncate", i)
		}
	}
	for i := 1500 - 1024; i < 1024; i++ {
		if buf[i] != 0 {
			t.Fatalf("tail byte %d not zeroed by truncate", i)
		}
	}

}

func TestTruncateIsIdempotent(t *testing.T) {

	writer, sbm, alloc, inode := extentTestEnv(t, 1024, 256)

	data := bytes.Repeat([]byte{0x7E}, 2048)
	if _, err := WriteFile(writer, sbm, inode, 0, data, alloc); err != nil {
		t.Fatal(err)
	}

	if err := Truncate(writer, sbm, inode, 700, alloc); err != nil {
		t.Fatal(err)
	}
	sizeAfter := inode.Size
	blocksAfter := inode.Blocks
	freeAfter := alloc.FreeBlockCount()

	if err := Truncate(writer, sbm, inode, 700, alloc); err != nil {
		t.Fatal(err)
	}
	if inode.Size != sizeAfter || inode.Blocks != blocksAfter || alloc.FreeBlockCount() != freeAfter {
		t.Errorf("second identical truncate changed state")
	}

}

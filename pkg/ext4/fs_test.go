package ext4

import (
	"bytes"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"

	"github.com/vorteil/vext4/pkg/blockdev"
	"github.com/vorteil/vext4/pkg/jbd2"
)

func TestMountReadOnly(t *testing.T) {

	dev := buildTestFS(t, false)
	fs, err := Mount(&MountArgs{Device: dev, ReadOnly: true})
	if err != nil {
		t.Fatal(err)
	}

	assert.Equal(t, tfsBlockSize, fs.SuperblockManager().BlockSize)
	assert.Equal(t, uint32(1), fs.SuperblockManager().GroupCount)
	assert.Equal(t, uint16(Signature), fs.SuperblockManager().Superblock.Magic)
	assert.GreaterOrEqual(t, int(fs.SuperblockManager().Superblock.InodeSize), 128)

	ino, err := fs.ResolvePath("/")
	assert.NoError(t, err)
	assert.Equal(t, uint32(RootDirInode), ino)

	entries, err := fs.Readdir(RootDirInode)
	assert.NoError(t, err)
	assert.Len(t, entries, 2) // "." and ".."

	_, err = fs.Create(RootDirInode, "nope", ModeRegular|0644, 0, 0)
	assert.ErrorIs(t, err, ErrReadOnly)
	_, err = fs.Write(RootDirInode, 0, []byte("x"))
	assert.ErrorIs(t, err, ErrReadOnly)
	assert.ErrorIs(t, fs.Unlink(RootDirInode, "x"), ErrReadOnly)

}

func TestMountRejectsUnknownIncompat(t *testing.T) {

	dev := buildTestFS(t, false)
	raw := dev.Bytes()[1024:]
	// Set an incompat bit nothing recognizes.
	raw[0x63] |= 0x40

	_, err := Mount(&MountArgs{Device: dev, ReadOnly: true})
	var ife *IncompatibleFeatureError
	if !errors.As(err, &ife) {
		t.Fatalf("unknown incompat bit should reject the mount, got %v", err)
	}

}

func TestCreateWriteReadUnlink(t *testing.T) {

	dev := buildTestFS(t, false)
	fs, err := Mount(&MountArgs{Device: dev, ReadOnly: false})
	if err != nil {
		t.Fatal(err)
	}

	freeInodes := fs.inodeAlloc.FreeInodeCount()
	freeBlocks := fs.blockAlloc.FreeBlockCount()

	ino, err := fs.Create(RootDirInode, "hello.txt", ModeRegular|0644, 1000, 1000)
	if err != nil {
		t.Fatal(err)
	}
	if ino < 11 {
		t.Fatalf("created inode %d collides with the reserved range", ino)
	}

	got, err := fs.Lookup(RootDirInode, "hello.txt")
	assert.NoError(t, err)
	assert.Equal(t, ino, got)

	inode, err := fs.ReadInode(ino)
	assert.NoError(t, err)
	assert.Equal(t, uint32(1000), inode.UID)
	assert.Equal(t, uint16(1), inode.LinksCount)
	assert.True(t, inode.UsesExtents())

	data := bytes.Repeat([]byte("canicvlae"), 400) // 3600 bytes
	n, err := fs.Write(ino, 0, data)
	assert.NoError(t, err)
	assert.Equal(t, len(data), n)

	buf := make([]byte, len(data))
	n, err = fs.Read(ino, 0, buf)
	assert.NoError(t, err)
	assert.Equal(t, len(data), n)
	assert.True(t, bytes.Equal(data, buf))

	// Short read at EOF.
	n, err = fs.Read(ino, uint64(len(data))-4, buf)
	assert.NoError(t, err)
	assert.Equal(t, 4, n)

	err = fs.Unlink(RootDirInode, "hello.txt")
	assert.NoError(t, err)

	_, err = fs.Lookup(RootDirInode, "hello.txt")
	assert.ErrorIs(t, err, ErrNotFound)

	// Everything the file held must be free again.
	assert.Equal(t, freeInodes, fs.inodeAlloc.FreeInodeCount())
	assert.Equal(t, freeBlocks, fs.blockAlloc.FreeBlockCount())

}

func TestWritePersistsAcrossRemount(t *testing.T) {

	dev := buildTestFS(t, false)
	fs, err := Mount(&MountArgs{Device: dev, ReadOnly: false})
	if err != nil {
		t.Fatal(err)
	}

	ino, err := fs.Create(RootDirInode, "keep", ModeRegular|0644, 0, 0)
	if err != nil {
		t.Fatal(err)
	}
	payload := []byte("some bytes that need to survive a remount")
	if _, err := fs.Write(ino, 0, payload); err != nil {
		t.Fatal(err)
	}
	if err := fs.Unmount(); err != nil {
		t.Fatal(err)
	}

	fs2, err := Mount(&MountArgs{Device: dev, ReadOnly: true})
	if err != nil {
		t.Fatal(err)
	}

	got, err := fs2.Lookup(RootDirInode, "keep")
	assert.NoError(t, err)
	assert.Equal(t, ino, got)

	buf := make([]byte, len(payload))
	n, err := fs2.Read(got, 0, buf)
	assert.NoError(t, err)
	assert.Equal(t, len(payload), n)
	assert.Equal(t, payload, buf)

}

func TestSyncWritesBitmapsAndDescriptors(t *testing.T) {

	dev := buildTestFS(t, false)
	fs, err := Mount(&MountArgs{Device: dev, ReadOnly: false})
	if err != nil {
		t.Fatal(err)
	}

	ino, err := fs.Create(RootDirInode, "f", ModeRegular|0644, 0, 0)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := fs.Write(ino, 0, bytes.Repeat([]byte{1}, 2048)); err != nil {
		t.Fatal(err)
	}
	if err := fs.Sync(); err != nil {
		t.Fatal(err)
	}

	// A remount hydrates its allocators from the flushed bitmaps and
	// descriptors; the counts must agree with the live allocator.
	fs2, err := Mount(&MountArgs{Device: dev, ReadOnly: false})
	if err != nil {
		t.Fatal(err)
	}
	assert.Equal(t, fs.blockAlloc.FreeBlockCount(), fs2.blockAlloc.FreeBlockCount())
	assert.Equal(t, fs.inodeAlloc.FreeInodeCount(), fs2.inodeAlloc.FreeInodeCount())

	// The on-disk inode bitmap now carries the new inode's bit.
	reader := blockdev.NewReader(dev)
	bitmap := make([]byte, tfsBlockSize)
	if err := reader.ReadBlock(tfsInodeBitmap, bitmap); err != nil {
		t.Fatal(err)
	}
	if !testBit(bitmap, int(ino-1)) {
		t.Errorf("inode %d's bitmap bit not flushed", ino)
	}

}

func TestResolvePathAndSymlinks(t *testing.T) {

	dev := buildTestFS(t, false)
	fs, err := Mount(&MountArgs{Device: dev, ReadOnly: false})
	if err != nil {
		t.Fatal(err)
	}

	dirIno, err := fs.Create(RootDirInode, "sub", ModeDir|0755, 0, 0)
	if err != nil {
		t.Fatal(err)
	}
	fileIno, err := fs.Create(dirIno, "target", ModeRegular|0644, 0, 0)
	if err != nil {
		t.Fatal(err)
	}

	got, err := fs.ResolvePath("/sub/target")
	assert.NoError(t, err)
	assert.Equal(t, fileIno, got)

	got, err = fs.ResolvePath("/sub/./target")
	assert.NoError(t, err)
	assert.Equal(t, fileIno, got)

	parent, name, err := fs.ResolveParent("/sub/target")
	assert.NoError(t, err)
	assert.Equal(t, dirIno, parent)
	assert.Equal(t, "target", name)

	// A symlink to an absolute path restarts the walk at the root.
	linkIno, err := fs.Create(RootDirInode, "link", ModeSymlink|0777, 0, 0)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := fs.Write(linkIno, 0, []byte("/sub/target")); err != nil {
		t.Fatal(err)
	}

	got, err = fs.ResolvePath("/link")
	assert.NoError(t, err)
	assert.Equal(t, fileIno, got)

	_, err = fs.ResolvePath("/sub/missing")
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = fs.ResolvePath("/sub/target/deeper")
	assert.ErrorIs(t, err, ErrNotDirectory)

}

func TestResolvePathSymlinkLoop(t *testing.T) {

	dev := buildTestFS(t, false)
	fs, err := Mount(&MountArgs{Device: dev, ReadOnly: false})
	if err != nil {
		t.Fatal(err)
	}

	a, err := fs.Create(RootDirInode, "a", ModeSymlink|0777, 0, 0)
	if err != nil {
		t.Fatal(err)
	}
	b, err := fs.Create(RootDirInode, "b", ModeSymlink|0777, 0, 0)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := fs.Write(a, 0, []byte("/b")); err != nil {
		t.Fatal(err)
	}
	if _, err := fs.Write(b, 0, []byte("/a")); err != nil {
		t.Fatal(err)
	}

	_, err = fs.ResolvePath("/a")
	assert.ErrorIs(t, err, ErrSymlinkLoop)

}

func TestMountReplaysDirtyJournal(t *testing.T) {

	dev := buildTestFS(t, true)
	fs, err := Mount(&MountArgs{Device: dev, ReadOnly: false})
	if err != nil {
		t.Fatal(err)
	}

	journal := fs.Journal()
	if journal == nil {
		t.Fatal("journal-backed image mounted without a journal")
	}
	assert.False(t, journal.NeedsRecovery())

	// Journal a change to a spare metadata block, then lose the in-place
	// write, as a crash between commit and checkpoint would.
	const target = 200
	pattern := bytes.Repeat([]byte{0xC5}, tfsBlockSize)

	tid := journal.StartTransaction()
	if err := journal.GetWriteAccess(tid, target); err != nil {
		t.Fatal(err)
	}
	if err := dev.WriteBlock(target, pattern); err != nil {
		t.Fatal(err)
	}
	if err := journal.DirtyMetadata(tid, target); err != nil {
		t.Fatal(err)
	}
	if err := journal.Commit(tid); err != nil {
		t.Fatal(err)
	}

	if err := dev.WriteBlock(target, make([]byte, tfsBlockSize)); err != nil {
		t.Fatal(err)
	}

	// Wind the on-disk journal superblock back to its pre-commit head, as
	// if the crash also lost the superblock writeback: the log is dirty
	// and the next mount must replay from the transaction's descriptor.
	jsbBlock := make([]byte, tfsBlockSize)
	if err := dev.ReadBlock(tfsJournalBase, jsbBlock); err != nil {
		t.Fatal(err)
	}
	jsb, err := jbd2.ParseSuperblock(jsbBlock)
	if err != nil {
		t.Fatal(err)
	}
	jsb.Start = 1
	jsb.Sequence = tid
	if err := jsb.Serialize(jsbBlock); err != nil {
		t.Fatal(err)
	}
	if err := dev.WriteBlock(tfsJournalBase, jsbBlock); err != nil {
		t.Fatal(err)
	}

	fs2, err := Mount(&MountArgs{Device: dev, ReadOnly: false})
	if err != nil {
		t.Fatal(err)
	}
	assert.False(t, fs2.Journal().NeedsRecovery())

	buf := make([]byte, tfsBlockSize)
	if err := dev.ReadBlock(target, buf); err != nil {
		t.Fatal(err)
	}
	assert.Equal(t, pattern, buf, "recovery should have replayed the committed block")

}

package ext4

import (
	"github.com/pkg/errors"

	"github.com/vorteil/vext4/pkg/blockdev"
	"github.com/vorteil/vext4/pkg/elog"
	"github.com/vorteil/vext4/pkg/jbd2"
)

// FileSystem binds the device, managers, allocators, and journal into the
// public mount. It owns the device for the life of the mount; two mounts over
// one device must be mediated externally. All methods are single-threaded.
type FileSystem struct {
	dev blockdev.Device
	log elog.Logger

	sbm *SuperblockManager
	gm  *GroupManager

	readOnly bool

	blockAlloc *BlockAllocator
	inodeAlloc *InodeAllocator

	journal *jbd2.Journal
}

// MountArgs configures Mount.
type MountArgs struct {
	Device   blockdev.Device
	ReadOnly bool
	Logger   elog.Logger
}

// Mount loads and validates the superblock and group descriptors, replays the
// journal if the log is dirty on a writable mount, and hydrates the
// allocators from the on-disk bitmaps when writable.
func Mount(args *MountArgs) (*FileSystem, error) {
	log := args.Logger
	if log == nil {
		log = elog.Discard
	}

	fs := &FileSystem{
		dev:      args.Device,
		log:      log,
		readOnly: args.ReadOnly,
	}

	if err := fs.loadMetadata(); err != nil {
		return nil, err
	}

	if err := fs.openJournal(); err != nil {
		return nil, err
	}
	if fs.journal != nil && fs.journal.NeedsRecovery() {
		if fs.readOnly {
			log.Warnf("mount: journal is dirty but mount is read-only; skipping recovery")
		} else {
			summary, err := fs.journal.Recover()
			if err != nil {
				return nil, err
			}
			log.Infof("mount: replayed %d journal transactions", summary.ReplayedTransactions)

			// Replay may have rewritten any metadata block.
			if err := fs.loadMetadata(); err != nil {
				return nil, err
			}
		}
	}

	if !fs.readOnly {
		if err := fs.loadAllocators(); err != nil {
			return nil, err
		}
	}

	log.Debugf("mount: block size %d, %d groups, %d inodes",
		fs.sbm.BlockSize, fs.sbm.GroupCount, fs.sbm.Superblock.InodesCount)
	return fs, nil
}

func (fs *FileSystem) loadMetadata() error {
	reader := blockdev.NewReader(fs.dev)
	sbm, err := LoadSuperblock(reader, !fs.readOnly)
	if err != nil {
		return err
	}
	gm, err := LoadGroups(reader, sbm)
	if err != nil {
		return err
	}
	fs.sbm = sbm
	fs.gm = gm
	return nil
}

// openJournal locates the journal inode and wraps the journal around its
// first physical block. The journal area must be physically contiguous, which
// mkfs guarantees in practice.
func (fs *FileSystem) openJournal() error {
	sb := fs.sbm.Superblock
	if sb.FeatureCompat&CompatHasJournal == 0 || sb.JournalInum == 0 {
		return nil
	}

	reader := blockdev.NewReader(fs.dev)
	inode, err := ReadInode(reader, fs.sbm, fs.gm, sb.JournalInum)
	if err != nil {
		return err
	}
	extents, err := WalkAllExtents(reader, fs.sbm, inode)
	if err != nil {
		return err
	}
	if len(extents) == 0 {
		return corruptf("journal inode %d has no extents", sb.JournalInum)
	}

	journal, err := jbd2.Open(fs.dev, extents[0].PhysicalStart(), fs.sbm.Is64Bit, fs.sbm.HasMetadataCsum, fs.log)
	if err != nil {
		return err
	}
	fs.journal = journal
	return nil
}

// loadAllocators reads every group's block and inode bitmaps into memory and
// seeds the allocators from the descriptor counters.
func (fs *FileSystem) loadAllocators() error {
	reader := blockdev.NewReader(fs.dev)
	sb := fs.sbm.Superblock

	blockBits := int(sb.BlocksPerGroup)
	inodeBits := int(sb.InodesPerGroup)
	blockBitmapBytes := (blockBits + 7) / 8
	inodeBitmapBytes := (inodeBits + 7) / 8

	dataBlocks := sb.BlocksCount() - uint64(sb.FirstDataBlock)

	blockGroups := make([]*BlockGroupState, 0, fs.gm.Count())
	inodeGroups := make([]*InodeGroupState, 0, fs.gm.Count())
	buf := make([]byte, fs.sbm.BlockSize)

	for g := uint32(0); g < fs.gm.Count(); g++ {
		desc := fs.gm.Descriptor(g)

		// The final group is usually short.
		maxBits := blockBits
		if remaining := dataBlocks - uint64(g)*uint64(sb.BlocksPerGroup); remaining < uint64(maxBits) {
			maxBits = int(remaining)
		}

		if err := reader.ReadBlock(fs.gm.BlockBitmapBlock(g), buf); err != nil {
			return err
		}
		bitmap := make([]byte, blockBitmapBytes)
		copy(bitmap, buf[:blockBitmapBytes])
		blockGroups = append(blockGroups, &BlockGroupState{
			Bitmap:     bitmap,
			FreeBlocks: desc.FreeBlocksCount(fs.sbm.Is64Bit),
			MaxBits:    maxBits,
		})

		if err := reader.ReadBlock(fs.gm.InodeBitmapBlock(g), buf); err != nil {
			return err
		}
		bitmap = make([]byte, inodeBitmapBytes)
		copy(bitmap, buf[:inodeBitmapBytes])
		inodeGroups = append(inodeGroups, &InodeGroupState{
			Bitmap:     bitmap,
			FreeInodes: desc.FreeInodesCount(fs.sbm.Is64Bit),
			FreeBlocks: desc.FreeBlocksCount(fs.sbm.Is64Bit),
			UsedDirs:   desc.UsedDirsCount(fs.sbm.Is64Bit),
			MaxBits:    inodeBits,
		})
	}

	fs.blockAlloc = NewBlockAllocator(uint64(sb.FirstDataBlock), sb.BlocksPerGroup, blockGroups)
	fs.inodeAlloc = NewInodeAllocator(sb.InodesPerGroup, inodeGroups)
	return nil
}

// SuperblockManager exposes the mounted superblock and derived geometry.
func (fs *FileSystem) SuperblockManager() *SuperblockManager {
	return fs.sbm
}

// GroupManager exposes the mounted descriptor table.
func (fs *FileSystem) GroupManager() *GroupManager {
	return fs.gm
}

// Journal returns the mounted journal, or nil when the filesystem has none.
func (fs *FileSystem) Journal() *jbd2.Journal {
	return fs.journal
}

// ReadOnly reports the mount mode.
func (fs *FileSystem) ReadOnly() bool {
	return fs.readOnly
}

// ResolvePath walks an absolute path to an inode number.
func (fs *FileSystem) ResolvePath(path string) (uint32, error) {
	return ResolvePath(blockdev.NewReader(fs.dev), fs.sbm, fs.gm, path)
}

// ResolveParent resolves a path's parent directory and final component.
func (fs *FileSystem) ResolveParent(path string) (uint32, string, error) {
	return ResolveParent(blockdev.NewReader(fs.dev), fs.sbm, fs.gm, path)
}

// ReadInode reads and parses an inode.
func (fs *FileSystem) ReadInode(ino uint32) (*Inode, error) {
	return ReadInode(blockdev.NewReader(fs.dev), fs.sbm, fs.gm, ino)
}

// Lookup scans the parent directory for name.
func (fs *FileSystem) Lookup(parent uint32, name string) (uint32, error) {
	reader := blockdev.NewReader(fs.dev)
	inode, err := ReadInode(reader, fs.sbm, fs.gm, parent)
	if err != nil {
		return 0, err
	}
	return LookupEntry(reader, fs.sbm, inode, name)
}

// Read reads file bytes at offset into buf and returns the count read.
func (fs *FileSystem) Read(ino uint32, offset uint64, buf []byte) (int, error) {
	reader := blockdev.NewReader(fs.dev)
	inode, err := ReadInode(reader, fs.sbm, fs.gm, ino)
	if err != nil {
		return 0, err
	}
	return ReadFile(reader, fs.sbm, inode, offset, buf)
}

// Readdir returns the directory's live entries.
func (fs *FileSystem) Readdir(ino uint32) ([]*DirEntry, error) {
	reader := blockdev.NewReader(fs.dev)
	inode, err := ReadInode(reader, fs.sbm, fs.gm, ino)
	if err != nil {
		return nil, err
	}
	return ReadDir(reader, fs.sbm, inode)
}

// Create allocates an inode of the given mode, writes it, and links it under
// the parent directory as name. Returns the new inode number.
func (fs *FileSystem) Create(parent uint32, name string, mode uint16, uid, gid uint32) (uint32, error) {
	if fs.readOnly {
		return 0, ErrReadOnly
	}
	if _, err := fs.Lookup(parent, name); err == nil {
		return 0, errors.Wrapf(ErrCorrupted, "entry %q already exists", name)
	} else if !errors.Is(err, ErrNotFound) {
		return 0, err
	}

	writer := blockdev.NewWriter(fs.dev)

	ino, inode, err := AllocInode(fs.inodeAlloc, parent, mode, uid, gid)
	if err != nil {
		return 0, err
	}
	if err := WriteInode(writer, fs.sbm, fs.gm, ino, inode); err != nil {
		return 0, err
	}

	parentInode, err := ReadInode(writer.Reader(), fs.sbm, fs.gm, parent)
	if err != nil {
		return 0, err
	}
	if err := AddEntry(writer, fs.sbm, parentInode, name, ino, fileTypeForMode(mode), fs.blockAlloc); err != nil {
		return 0, err
	}
	if err := WriteInode(writer, fs.sbm, fs.gm, parent, parentInode); err != nil {
		return 0, err
	}

	fs.log.Debugf("create: %q -> inode %d under %d", name, ino, parent)
	return ino, nil
}

// Write writes data to the file at offset and persists the inode.
func (fs *FileSystem) Write(ino uint32, offset uint64, data []byte) (int, error) {
	if fs.readOnly {
		return 0, ErrReadOnly
	}

	writer := blockdev.NewWriter(fs.dev)
	inode, err := ReadInode(writer.Reader(), fs.sbm, fs.gm, ino)
	if err != nil {
		return 0, err
	}

	n, err := WriteFile(writer, fs.sbm, inode, offset, data, fs.blockAlloc)
	if err != nil {
		return n, err
	}
	if err := WriteInode(writer, fs.sbm, fs.gm, ino, inode); err != nil {
		return n, err
	}
	return n, nil
}

// Truncate resizes the file and persists the inode.
func (fs *FileSystem) Truncate(ino uint32, size uint64) error {
	if fs.readOnly {
		return ErrReadOnly
	}

	writer := blockdev.NewWriter(fs.dev)
	inode, err := ReadInode(writer.Reader(), fs.sbm, fs.gm, ino)
	if err != nil {
		return err
	}

	if err := Truncate(writer, fs.sbm, inode, size, fs.blockAlloc); err != nil {
		return err
	}
	return WriteInode(writer, fs.sbm, fs.gm, ino, inode)
}

// Unlink removes name from the parent directory and drops the target's link
// count. At zero links the file's extents are removed, its blocks freed, and
// the inode returned to the allocator. Directory blocks themselves are never
// shrunk.
func (fs *FileSystem) Unlink(parent uint32, name string) error {
	if fs.readOnly {
		return ErrReadOnly
	}

	writer := blockdev.NewWriter(fs.dev)
	parentInode, err := ReadInode(writer.Reader(), fs.sbm, fs.gm, parent)
	if err != nil {
		return err
	}

	removed, err := RemoveEntry(writer, fs.sbm, parentInode, name)
	if err != nil {
		return err
	}

	inode, err := ReadInode(writer.Reader(), fs.sbm, fs.gm, removed)
	if err != nil {
		return err
	}
	if inode.LinksCount > 0 {
		inode.LinksCount--
	}

	if inode.LinksCount > 0 {
		return WriteInode(writer, fs.sbm, fs.gm, removed, inode)
	}

	runs, err := RemoveExtents(writer, fs.sbm, inode, 0, fs.blockAlloc)
	if err != nil {
		return err
	}
	var blocks []uint64
	for _, run := range runs {
		blocks = append(blocks, run.Blocks()...)
	}
	if len(blocks) > 0 {
		if err := fs.blockAlloc.FreeBlocks(blocks); err != nil {
			return err
		}
	}
	if err := fs.inodeAlloc.FreeInode(removed); err != nil {
		return err
	}

	inode.Dtime = inode.Mtime
	if err := WriteInode(writer, fs.sbm, fs.gm, removed, inode); err != nil {
		return err
	}

	fs.log.Debugf("unlink: %q (inode %d) from %d", name, removed, parent)
	return nil
}

// Sync flushes dirty allocator state back to the on-disk bitmaps and group
// descriptors, then flushes the device.
func (fs *FileSystem) Sync() error {
	if fs.readOnly {
		return nil
	}

	writer := blockdev.NewWriter(fs.dev)

	for _, g := range fs.blockAlloc.DrainDirtyGroups() {
		bitmap := fs.blockAlloc.GroupBitmap(g)
		offset := fs.gm.BlockBitmapBlock(g) * uint64(fs.sbm.BlockSize)
		if err := writer.WriteBytes(offset, bitmap); err != nil {
			return err
		}

		desc := fs.gm.Descriptor(g)
		desc.SetFreeBlocksCount(fs.blockAlloc.GroupFreeBlocks(g), fs.sbm.Is64Bit)
		if err := fs.gm.WriteDescriptor(writer, g); err != nil {
			return err
		}
	}

	for _, g := range fs.inodeAlloc.DrainDirtyGroups() {
		state := fs.inodeAlloc.GroupState(g)
		offset := fs.gm.InodeBitmapBlock(g) * uint64(fs.sbm.BlockSize)
		if err := writer.WriteBytes(offset, state.Bitmap); err != nil {
			return err
		}

		desc := fs.gm.Descriptor(g)
		desc.SetFreeInodesCount(state.FreeInodes, fs.sbm.Is64Bit)
		desc.SetUsedDirsCount(state.UsedDirs, fs.sbm.Is64Bit)
		if err := fs.gm.WriteDescriptor(writer, g); err != nil {
			return err
		}
	}

	return writer.Flush()
}

// Unmount syncs dirty state and flushes the device.
func (fs *FileSystem) Unmount() error {
	if err := fs.Sync(); err != nil {
		return err
	}
	return fs.dev.Flush()
}

func fileTypeForMode(mode uint16) uint8 {
	switch mode & ModeTypeMask {
	case ModeRegular:
		return FTypeRegularFile
	case ModeDir:
		return FTypeDir
	case ModeCharDev:
		return FTypeCharDev
	case ModeBlockDev:
		return FTypeBlockDev
	case ModeFifo:
		return FTypeFifo
	case ModeSocket:
		return FTypeSocket
	case ModeSymlink:
		return FTypeSymlink
	default:
		return FTypeUnknown
	}
}

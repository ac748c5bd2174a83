// Package ext4 implements a read/write ext4 engine over a block device:
// superblock and group-descriptor management, extent-tree mapping and
// rebuild, inode and directory I/O, block and inode allocation, and path
// resolution. The jbd2 package supplies the journal; this package replays it
// on a writable mount when the log is dirty (a read-only mount skips replay).
package ext4

const (
	// Signature is the ext4 superblock magic at offset 0x38.
	Signature = 0xEF53

	// RootDirInode is the root directory's fixed inode number.
	RootDirInode = 2

	// SuperblockOffset is the byte offset of the superblock on the device.
	SuperblockOffset = 1024

	// SuperblockSize is the raw on-disk superblock size.
	SuperblockSize = 1024

	// ExtentMagic marks every extent tree node header.
	ExtentMagic = 0xF30A

	// MaxSymlinkDepth bounds symlink expansion during path resolution.
	MaxSymlinkDepth = 40
)

// Incompatible feature flags. Mounting with an unrecognized bit set is
// refused outright.
const (
	IncompatFiletype   = 0x2     // INCOMPAT_FILETYPE
	IncompatRecover    = 0x4     // INCOMPAT_RECOVER
	IncompatJournalDev = 0x8     // INCOMPAT_JOURNAL_DEV
	IncompatMetaBG     = 0x10    // INCOMPAT_META_BG
	IncompatExtents    = 0x40    // INCOMPAT_EXTENTS
	Incompat64Bit      = 0x80    // INCOMPAT_64BIT
	IncompatMMP        = 0x100   // INCOMPAT_MMP
	IncompatFlexBG     = 0x200   // INCOMPAT_FLEX_BG
	IncompatEAInode    = 0x400   // INCOMPAT_EA_INODE
	IncompatCsumSeed   = 0x2000  // INCOMPAT_CSUM_SEED
	IncompatLargeDir   = 0x4000  // INCOMPAT_LARGEDIR
	IncompatInlineData = 0x8000  // INCOMPAT_INLINE_DATA
	IncompatEncrypt    = 0x10000 // INCOMPAT_ENCRYPT
)

const supportedIncompat = IncompatFiletype | IncompatRecover | IncompatJournalDev |
	IncompatMetaBG | IncompatExtents | Incompat64Bit | IncompatMMP | IncompatFlexBG |
	IncompatEAInode | IncompatCsumSeed | IncompatLargeDir | IncompatInlineData |
	IncompatEncrypt

// Read-only compatible feature flags. Unknown bits only refuse writable
// mounts.
const (
	ROCompatSparseSuper   = 0x1     // RO_COMPAT_SPARSE_SUPER
	ROCompatLargeFile     = 0x2     // RO_COMPAT_LARGE_FILE
	ROCompatHugeFile      = 0x8     // RO_COMPAT_HUGE_FILE
	ROCompatGDTCsum       = 0x10    // RO_COMPAT_GDT_CSUM
	ROCompatDirNlink      = 0x20    // RO_COMPAT_DIR_NLINK
	ROCompatExtraIsize    = 0x40    // RO_COMPAT_EXTRA_ISIZE
	ROCompatQuota         = 0x100   // RO_COMPAT_QUOTA
	ROCompatBigalloc      = 0x200   // RO_COMPAT_BIGALLOC
	ROCompatMetadataCsum  = 0x400   // RO_COMPAT_METADATA_CSUM
	ROCompatReadonly      = 0x1000  // RO_COMPAT_READONLY
	ROCompatProject       = 0x2000  // RO_COMPAT_PROJECT
	ROCompatVerity        = 0x8000  // RO_COMPAT_VERITY
	ROCompatOrphanPresent = 0x10000 // RO_COMPAT_ORPHAN_PRESENT
)

const supportedROCompat = ROCompatSparseSuper | ROCompatLargeFile | ROCompatHugeFile |
	ROCompatGDTCsum | ROCompatDirNlink | ROCompatExtraIsize | ROCompatQuota |
	ROCompatBigalloc | ROCompatMetadataCsum | ROCompatReadonly | ROCompatProject |
	ROCompatVerity | ROCompatOrphanPresent

// Compatible feature flags (informational; safe to ignore).
const (
	CompatHasJournal = 0x4  // COMPAT_HAS_JOURNAL
	CompatDirIndex   = 0x20 // COMPAT_DIR_INDEX
)

// Inode mode file-type bits (i_mode & ModeTypeMask).
const (
	ModeTypeMask = 0xF000
	ModeFifo     = 0x1000
	ModeCharDev  = 0x2000
	ModeDir      = 0x4000
	ModeBlockDev = 0x6000
	ModeRegular  = 0x8000
	ModeSymlink  = 0xA000
	ModeSocket   = 0xC000
)

// Inode flags.
const (
	FlagIndex      = 0x00001000 // EXT4_INDEX_FL
	FlagExtents    = 0x00080000 // EXT4_EXTENTS_FL
	FlagEAInode    = 0x00200000 // EXT4_EA_INODE_FL
	FlagInlineData = 0x10000000 // EXT4_INLINE_DATA_FL
)

package ext4

import (
	"github.com/vorteil/vext4/pkg/blockdev"
	"github.com/vorteil/vext4/pkg/csum"
)

// SuperblockManager loads and validates the superblock and caches the derived
// geometry every other component keys off. Loading it is the first step of a
// mount; afterwards it is immutable for the session.
type SuperblockManager struct {
	Superblock *Superblock

	// BlockSize is 1024 << s_log_block_size.
	BlockSize int
	// GroupCount is the number of block groups.
	GroupCount uint32
	// Is64Bit reflects the 64-bit incompat feature.
	Is64Bit bool
	// HasMetadataCsum reflects the metadata-checksum ro-compat feature.
	HasMetadataCsum bool
	// DescSize is the effective group descriptor size: s_desc_size when
	// >= 64 in 64-bit mode (clamped up to 64 otherwise), 32 in legacy mode.
	DescSize int
	// CsumSeed is the metadata checksum seed (stored or UUID-derived).
	CsumSeed uint32
}

// LoadSuperblock reads the 1024 raw superblock bytes at offset 1024, parses
// and validates them, checks the feature gate for the requested mount mode,
// and caches the derived values.
func LoadSuperblock(reader *blockdev.Reader, writable bool) (*SuperblockManager, error) {
	raw := make([]byte, SuperblockSize)
	if err := reader.ReadBytes(SuperblockOffset, raw); err != nil {
		return nil, err
	}

	sb, err := ParseSuperblock(raw)
	if err != nil {
		return nil, err
	}
	if err := sb.Validate(); err != nil {
		return nil, err
	}
	if err := sb.CheckFeatures(writable); err != nil {
		return nil, err
	}

	if sb.HasMetadataCsum() && csum.Superblock(raw) != sb.Checksum {
		return nil, ErrInvalidChecksum
	}

	descSize := 32
	if sb.Is64Bit() {
		descSize = 64
		if int(sb.DescSize) >= 64 {
			descSize = int(sb.DescSize)
		}
	}

	return &SuperblockManager{
		Superblock:      sb,
		BlockSize:       sb.BlockSize(),
		GroupCount:      sb.GroupCount(),
		Is64Bit:         sb.Is64Bit(),
		HasMetadataCsum: sb.HasMetadataCsum(),
		DescSize:        descSize,
		CsumSeed:        sb.CsumSeed(),
	}, nil
}

// DescTableStart returns the first block of the group descriptor table:
// block 2 with 1 KiB blocks (block 1 holds the superblock), else block 1.
func DescTableStart(blockSize int) uint64 {
	if blockSize == 1024 {
		return 2
	}
	return 1
}

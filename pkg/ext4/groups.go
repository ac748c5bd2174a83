package ext4

import (
	"github.com/pkg/errors"

	"github.com/vorteil/vext4/pkg/blockdev"
	"github.com/vorteil/vext4/pkg/csum"
)

// GroupManager holds all block group descriptors. Descriptors are loaded at
// mount, mutated in memory by the write paths, and flushed back with their
// checksums recomputed.
type GroupManager struct {
	sbm         *SuperblockManager
	descriptors []*GroupDescriptor
}

// LoadGroups reads the whole descriptor table block-by-block, parses every
// descriptor, and verifies the descriptor checksums when the filesystem
// carries them. A checksum mismatch fails the mount.
func LoadGroups(reader *blockdev.Reader, sbm *SuperblockManager) (*GroupManager, error) {
	bs := sbm.BlockSize
	descSize := sbm.DescSize
	start := DescTableStart(bs)

	totalBytes := int(sbm.GroupCount) * descSize
	blocksNeeded := uint64((totalBytes + bs - 1) / bs)

	descriptors := make([]*GroupDescriptor, 0, sbm.GroupCount)
	block := make([]byte, bs)
	parsed := uint32(0)

	for i := uint64(0); i < blocksNeeded; i++ {
		if err := reader.ReadBlock(start+i, block); err != nil {
			return nil, err
		}

		for off := 0; off+descSize <= bs && parsed < sbm.GroupCount; off += descSize {
			raw := block[off : off+descSize]
			desc, err := ParseGroupDescriptor(raw, sbm.Is64Bit)
			if err != nil {
				return nil, err
			}
			if sbm.HasMetadataCsum {
				if csum.Descriptor(sbm.CsumSeed, parsed, raw) != desc.Checksum {
					return nil, errors.Wrapf(ErrInvalidChecksum, "group %d descriptor", parsed)
				}
			}
			descriptors = append(descriptors, desc)
			parsed++
		}
	}

	return &GroupManager{sbm: sbm, descriptors: descriptors}, nil
}

// Count returns the number of loaded descriptors.
func (gm *GroupManager) Count() uint32 {
	return uint32(len(gm.descriptors))
}

// Descriptor returns the descriptor for group g.
func (gm *GroupManager) Descriptor(g uint32) *GroupDescriptor {
	return gm.descriptors[g]
}

// InodeTableBlock returns the physical block of group g's inode table.
func (gm *GroupManager) InodeTableBlock(g uint32) uint64 {
	return gm.descriptors[g].InodeTable(gm.sbm.Is64Bit)
}

// BlockBitmapBlock returns the physical block of group g's block bitmap.
func (gm *GroupManager) BlockBitmapBlock(g uint32) uint64 {
	return gm.descriptors[g].BlockBitmap(gm.sbm.Is64Bit)
}

// InodeBitmapBlock returns the physical block of group g's inode bitmap.
func (gm *GroupManager) InodeBitmapBlock(g uint32) uint64 {
	return gm.descriptors[g].InodeBitmap(gm.sbm.Is64Bit)
}

// WriteDescriptor re-serializes group g's descriptor into the on-disk table,
// recomputing the checksum in the same write when metadata checksums are on.
func (gm *GroupManager) WriteDescriptor(writer *blockdev.Writer, g uint32) error {
	desc := gm.descriptors[g]
	descSize := gm.sbm.DescSize

	if gm.sbm.HasMetadataCsum {
		err := desc.UpdateChecksum(gm.sbm.CsumSeed, g, gm.sbm.Is64Bit, descSize)
		if err != nil {
			return err
		}
	}

	buf := make([]byte, descSize)
	if err := desc.Serialize(buf, gm.sbm.Is64Bit); err != nil {
		return err
	}

	offset := DescTableStart(gm.sbm.BlockSize)*uint64(gm.sbm.BlockSize) + uint64(g)*uint64(descSize)
	return writer.WriteBytes(offset, buf)
}

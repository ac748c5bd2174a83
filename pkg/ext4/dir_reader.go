package ext4

import (
	"github.com/vorteil/vext4/pkg/blockdev"
)

// ReadDir walks all leaf extents of a directory inode and returns every live
// record. HTree-indexed directories are read the same way; the root index
// block parses as its "." and ".." records, and interior index blocks parse
// as records with inode 0 that fall out as tombstones, so a linear scan
// covers both layouts.
func ReadDir(reader *blockdev.Reader, sbm *SuperblockManager, dir *Inode) ([]*DirEntry, error) {
	if !dir.IsDir() {
		return nil, ErrNotDirectory
	}

	hasFiletype := sbm.Superblock.HasFiletype()
	bs := sbm.BlockSize

	extents, err := WalkAllExtents(reader, sbm, dir)
	if err != nil {
		return nil, err
	}

	block := make([]byte, bs)
	var out []*DirEntry

	for _, ext := range extents {
		if ext.Uninitialized() {
			continue
		}
		for i := uint32(0); i < ext.BlockCount(); i++ {
			if err := reader.ReadBlock(ext.PhysicalStart()+uint64(i), block); err != nil {
				return nil, err
			}

			off := 0
			for off < bs {
				entry, err := ParseDirEntry(block[off:], hasFiletype)
				if err != nil {
					return nil, err
				}
				if !entry.Tombstone() {
					out = append(out, entry)
				}
				off += int(entry.RecLen)
			}
		}
	}

	return out, nil
}

// LookupEntry scans the directory for name and returns its inode number.
func LookupEntry(reader *blockdev.Reader, sbm *SuperblockManager, dir *Inode, name string) (uint32, error) {
	entries, err := ReadDir(reader, sbm, dir)
	if err != nil {
		return 0, err
	}
	for _, entry := range entries {
		if entry.Name == name {
			return entry.Inode, nil
		}
	}
	return 0, ErrNotFound
}

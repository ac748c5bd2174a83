package ext4

import (
	"strings"

	"github.com/pkg/errors"

	"github.com/vorteil/vext4/pkg/blockdev"
)

// ResolvePath walks an absolute path to an inode number, expanding symlinks
// along the way. Empty components and "." are discarded; symlink expansion is
// capped at MaxSymlinkDepth.
func ResolvePath(reader *blockdev.Reader, sbm *SuperblockManager, gm *GroupManager, path string) (uint32, error) {
	if !strings.HasPrefix(path, "/") {
		return 0, corruptf("path %q is not absolute", path)
	}

	pending := splitPath(path)
	current := uint32(RootDirInode)
	depth := 0

	for len(pending) > 0 {
		component := pending[0]
		pending = pending[1:]

		inode, err := ReadInode(reader, sbm, gm, current)
		if err != nil {
			return 0, err
		}
		if !inode.IsDir() {
			return 0, ErrNotDirectory
		}

		next, err := LookupEntry(reader, sbm, inode, component)
		if err != nil {
			return 0, err
		}

		nextInode, err := ReadInode(reader, sbm, gm, next)
		if err != nil {
			return 0, err
		}

		if nextInode.IsSymlink() {
			depth++
			if depth > MaxSymlinkDepth {
				return 0, errors.Wrapf(ErrSymlinkLoop, "depth %d", depth)
			}

			target, err := ReadSymlink(reader, sbm, nextInode)
			if err != nil {
				return 0, err
			}
			if strings.HasPrefix(target, "/") {
				current = RootDirInode
			}
			pending = append(splitPath(target), pending...)
			continue
		}

		current = next
	}

	return current, nil
}

// ResolveParent resolves everything but the final component and returns the
// parent inode number with the final name, never expanding the final
// component itself.
func ResolveParent(reader *blockdev.Reader, sbm *SuperblockManager, gm *GroupManager, path string) (uint32, string, error) {
	if !strings.HasPrefix(path, "/") {
		return 0, "", corruptf("path %q is not absolute", path)
	}

	components := splitPath(path)
	if len(components) == 0 {
		return 0, "", corruptf("root has no parent")
	}

	name := components[len(components)-1]
	if len(components) == 1 {
		return RootDirInode, name, nil
	}

	parentPath := "/" + strings.Join(components[:len(components)-1], "/")
	parent, err := ResolvePath(reader, sbm, gm, parentPath)
	if err != nil {
		return 0, "", err
	}
	return parent, name, nil
}

// ReadSymlink returns a symlink inode's target. Fast symlinks live in
// i_block; anything longer goes through the file reader.
func ReadSymlink(reader *blockdev.Reader, sbm *SuperblockManager, inode *Inode) (string, error) {
	if !inode.IsSymlink() {
		return "", corruptf("inode is not a symlink")
	}

	length := int(inode.Size)
	if inode.Blocks == 0 && length <= len(inode.Block) {
		return string(inode.Block[:length]), nil
	}

	buf := make([]byte, length)
	n, err := ReadFile(reader, sbm, inode, 0, buf)
	if err != nil {
		return "", err
	}
	return string(buf[:n]), nil
}

func splitPath(path string) []string {
	var out []string
	for _, c := range strings.Split(path, "/") {
		if c == "" || c == "." {
			continue
		}
		out = append(out, c)
	}
	return out
}

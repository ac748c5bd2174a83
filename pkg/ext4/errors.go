package ext4

import (
	"errors"
	"fmt"

	"github.com/vorteil/vext4/pkg/blockdev"
)

// Errors returned by the engine. Anything unexpected found while parsing
// on-disk metadata comes back wrapping ErrCorrupted rather than panicking.
var (
	ErrCorrupted       = errors.New("corrupted file-system metadata")
	ErrInvalidMagic    = errors.New("superblock doesn't contain a valid ext file-system signature (magic number)")
	ErrInvalidChecksum = errors.New("metadata checksum mismatch")
	ErrNotFound        = errors.New("file not found")
	ErrNotDirectory    = errors.New("not a directory")
	ErrNoSpace         = errors.New("no space left on file-system")
	ErrSymlinkLoop     = errors.New("too many levels of symbolic links")

	// ErrReadOnly is shared with the block device layer so callers can
	// test one sentinel regardless of which layer refused the write.
	ErrReadOnly = blockdev.ErrReadOnly
)

// IncompatibleFeatureError reports feature bits this engine does not
// understand.
type IncompatibleFeatureError struct {
	// Mask holds the unrecognized bits.
	Mask uint32
	// ReadOnlyCompat is true when the bits came from the ro-compat set,
	// in which case a read-only mount would still be possible.
	ReadOnlyCompat bool
}

func (e *IncompatibleFeatureError) Error() string {
	set := "incompat"
	if e.ReadOnlyCompat {
		set = "ro-compat"
	}
	return fmt.Sprintf("unsupported %s feature bits: %#x", set, e.Mask)
}

func corruptf(format string, x ...interface{}) error {
	return fmt.Errorf("%w: "+format, append([]interface{}{ErrCorrupted}, x...)...)
}

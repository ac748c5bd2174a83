package jbd2

import (
	"encoding/binary"
)

// Tag describes one logged block inside a descriptor block.
type Tag struct {
	BlockNr  uint64
	Checksum uint16
	Flags    uint16
}

// tagSize returns the on-disk size of a tag with the given flags and journal
// features: 4 B block-lo, optional 2 B csum, 2 B flags, optional 4 B
// block-hi, and 16 B UUID unless SAME_UUID.
func tagSize(flags uint16, has64bit, hasCsum bool) int {
	n := 4 + 2
	if hasCsum {
		n += 2
	}
	if has64bit {
		n += 4
	}
	if flags&TagFlagSameUUID == 0 {
		n += 16
	}
	return n
}

// ParseDescriptorBlock decodes a descriptor block into its tags. Parsing
// stops at the LAST_TAG flag or when the remaining bytes cannot hold another
// tag.
func ParseDescriptorBlock(raw []byte, has64bit, hasCsum bool) (*Header, []Tag, error) {
	hdr, err := ParseHeader(raw)
	if err != nil {
		return nil, nil, err
	}
	if hdr.Magic != Magic || hdr.BlockType != BlockTypeDescriptor {
		return nil, nil, ErrCorruptLog
	}

	var tags []Tag
	off := 12
	for off+4 <= len(raw) {
		lo := binary.BigEndian.Uint32(raw[off:])
		off += 4

		var checksum uint16
		if hasCsum {
			if off+2 > len(raw) {
				return nil, nil, ErrCorruptLog
			}
			checksum = binary.BigEndian.Uint16(raw[off:])
			off += 2
		}

		if off+2 > len(raw) {
			return nil, nil, ErrCorruptLog
		}
		flags := binary.BigEndian.Uint16(raw[off:])
		off += 2

		var hi uint32
		if has64bit {
			if off+4 > len(raw) {
				return nil, nil, ErrCorruptLog
			}
			hi = binary.BigEndian.Uint32(raw[off:])
			off += 4
		}

		if flags&TagFlagSameUUID == 0 {
			if off+16 > len(raw) {
				return nil, nil, ErrCorruptLog
			}
			off += 16
		}

		tags = append(tags, Tag{
			BlockNr:  uint64(hi)<<32 | uint64(lo),
			Checksum: checksum,
			Flags:    flags,
		})

		if flags&TagFlagLastTag != 0 {
			break
		}
	}

	if len(tags) == 0 {
		return nil, nil, ErrCorruptLog
	}
	return hdr, tags, nil
}

// writeTag serializes one tag at off and returns the new offset.
func writeTag(out []byte, off int, tag Tag, uuid []byte, has64bit, hasCsum bool) int {
	binary.BigEndian.PutUint32(out[off:], uint32(tag.BlockNr))
	off += 4
	if hasCsum {
		binary.BigEndian.PutUint16(out[off:], tag.Checksum)
		off += 2
	}
	binary.BigEndian.PutUint16(out[off:], tag.Flags)
	off += 2
	if has64bit {
		binary.BigEndian.PutUint32(out[off:], uint32(tag.BlockNr>>32))
		off += 4
	}
	if tag.Flags&TagFlagSameUUID == 0 {
		copy(out[off:off+16], uuid)
		off += 16
	}
	return off
}

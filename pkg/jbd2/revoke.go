package jbd2

import (
	"encoding/binary"
)

// ParseRevokeBlock decodes a revoke block: header, 4-byte entry count, then
// that many 4-byte (or 8-byte in 64-bit mode) target block numbers.
func ParseRevokeBlock(raw []byte, has64bit bool) (*Header, []uint64, error) {
	hdr, err := ParseHeader(raw)
	if err != nil {
		return nil, nil, err
	}
	if hdr.Magic != Magic || hdr.BlockType != BlockTypeRevoke {
		return nil, nil, ErrCorruptLog
	}
	if len(raw) < 16 {
		return nil, nil, ErrCorruptLog
	}

	count := int(binary.BigEndian.Uint32(raw[12:]))
	entrySize := 4
	if has64bit {
		entrySize = 8
	}
	if 16+count*entrySize > len(raw) {
		return nil, nil, ErrCorruptLog
	}

	out := make([]uint64, 0, count)
	off := 16
	for i := 0; i < count; i++ {
		lo := uint64(binary.BigEndian.Uint32(raw[off:]))
		off += 4
		if has64bit {
			hi := uint64(binary.BigEndian.Uint32(raw[off:]))
			off += 4
			out = append(out, hi<<32|lo)
		} else {
			out = append(out, lo)
		}
	}

	return hdr, out, nil
}

// BuildRevokeBlock serializes a revoke block for the given transaction
// sequence and targets. out must be one journal block.
func BuildRevokeBlock(out []byte, tid uint32, blocks []uint64, has64bit bool) error {
	entrySize := 4
	if has64bit {
		entrySize = 8
	}
	if 16+len(blocks)*entrySize > len(out) {
		return ErrCorruptLog
	}

	for i := range out {
		out[i] = 0
	}
	hdr := Header{Magic: Magic, BlockType: BlockTypeRevoke, Sequence: tid}
	hdr.Serialize(out)
	binary.BigEndian.PutUint32(out[12:], uint32(len(blocks)))

	off := 16
	for _, block := range blocks {
		binary.BigEndian.PutUint32(out[off:], uint32(block))
		off += 4
		if has64bit {
			binary.BigEndian.PutUint32(out[off:], uint32(block>>32))
			off += 4
		}
	}

	return nil
}

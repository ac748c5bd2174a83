package ext4

import (
	"encoding/binary"
)

// HTree hash versions.
const (
	DxHashLegacy         = 0
	DxHashHalfMD4        = 1
	DxHashTEA            = 2
	DxHashLegacyUnsigned = 3
	DxHashHalfMD4Uns     = 4
	DxHashTEAUnsigned    = 5
)

// DxEntry is one hash→block pair of an HTree index node. Block is a logical
// block number within the directory file.
type DxEntry struct {
	Hash  uint32
	Block uint32
}

// DxRoot is the parsed HTree root occupying logical block 0 of an indexed
// directory. This engine only reads the index; directory mutation keeps to
// the linear layout.
type DxRoot struct {
	HashVersion    uint8
	IndirectLevels uint8
	Limit          uint16
	Count          uint16
	// Entries[0] is the catch-all; the rest are sorted by hash.
	Entries []DxEntry
}

// ParseDxRoot decodes a dx_root block. The fake "." and ".." records occupy
// the first 0x18 bytes; dx_root_info follows, then the count/limit pair
// overlaid on the first entry slot.
func ParseDxRoot(raw []byte) (*DxRoot, error) {
	if len(raw) < 40 {
		return nil, corruptf("dx root needs 40 bytes, got %d", len(raw))
	}

	root := &DxRoot{
		HashVersion:    raw[0x1C],
		IndirectLevels: raw[0x1E],
		Limit:          binary.LittleEndian.Uint16(raw[0x20:]),
		Count:          binary.LittleEndian.Uint16(raw[0x22:]),
	}

	if root.Count == 0 || root.Count > root.Limit {
		return nil, corruptf("dx root count %d with limit %d", root.Count, root.Limit)
	}

	root.Entries = make([]DxEntry, 0, root.Count)
	root.Entries = append(root.Entries, DxEntry{Block: binary.LittleEndian.Uint32(raw[0x24:])})

	off := 0x28
	for i := 1; i < int(root.Count); i++ {
		if off+8 > len(raw) {
			return nil, corruptf("dx root entries truncated at %d", off)
		}
		root.Entries = append(root.Entries, DxEntry{
			Hash:  binary.LittleEndian.Uint32(raw[off:]),
			Block: binary.LittleEndian.Uint32(raw[off+4:]),
		})
		off += 8
	}

	return root, nil
}

// LookupBlock returns the directory-logical block whose entry has the
// greatest hash <= h; with none, the catch-all block.
func (r *DxRoot) LookupBlock(h uint32) uint32 {
	return lookupDxEntries(r.Entries, h)
}

// DxNode is a parsed HTree intermediate node.
type DxNode struct {
	Limit   uint16
	Count   uint16
	Entries []DxEntry
}

// ParseDxNode decodes a dx_node block: an 8-byte fake record, then the
// count/limit pair and entries laid out as in the root.
func ParseDxNode(raw []byte) (*DxNode, error) {
	if len(raw) < 16 {
		return nil, corruptf("dx node needs 16 bytes, got %d", len(raw))
	}

	node := &DxNode{
		Limit: binary.LittleEndian.Uint16(raw[0x08:]),
		Count: binary.LittleEndian.Uint16(raw[0x0A:]),
	}
	if node.Count == 0 || node.Count > node.Limit {
		return nil, corruptf("dx node count %d with limit %d", node.Count, node.Limit)
	}

	node.Entries = make([]DxEntry, 0, node.Count)
	node.Entries = append(node.Entries, DxEntry{Block: binary.LittleEndian.Uint32(raw[0x0C:])})

	off := 0x10
	for i := 1; i < int(node.Count); i++ {
		if off+8 > len(raw) {
			return nil, corruptf("dx node entries truncated at %d", off)
		}
		node.Entries = append(node.Entries, DxEntry{
			Hash:  binary.LittleEndian.Uint32(raw[off:]),
			Block: binary.LittleEndian.Uint32(raw[off+4:]),
		})
		off += 8
	}

	return node, nil
}

// LookupBlock behaves as DxRoot.LookupBlock for an intermediate node.
func (n *DxNode) LookupBlock(h uint32) uint32 {
	return lookupDxEntries(n.Entries, h)
}

func lookupDxEntries(entries []DxEntry, h uint32) uint32 {
	selected := entries[0].Block
	for _, entry := range entries[1:] {
		if entry.Hash <= h {
			selected = entry.Block
		} else {
			break
		}
	}
	return selected
}

// The TEA dirent hash below matches the DX_HASH_TEA variant.

func sliceStringForHashing(s string) (string, *[4]uint32) {

	var pad, val uint32
	var in *[4]uint32
	in = &[4]uint32{}

	l := len(s)

	pad = uint32(l) | (uint32(l) << 8)
	pad |= pad << 16
	val = pad

	l = 16
	if len(s) < l {
		l = len(s)
	}

	var i, c int
	for i = 0; i < l; i++ {
		val = uint32(s[i]) + (val << 8)
		if (i % 4) == 3 {
			in[c] = val
			c++
			val = pad
		}
	}

	if c < 4 {
		in[c] = val
		c++
	}

	for c < 4 {
		in[c] = pad
		c++
	}

	return s[l:], in

}

func teaTransform(buf, p *[4]uint32) {

	var sum, b0, b1, a, b, c, d uint32
	b0 = buf[0]
	b1 = buf[1]
	a = p[0]
	b = p[1]
	c = p[2]
	d = p[3]

	for i := 0; i < 16; i++ {
		sum += 0x9E3779B9
		b0 += ((b1 << 4) + a) ^ (b1 + sum) ^ ((b1 >> 5) + b)
		b1 += ((b0 << 4) + c) ^ (b0 + sum) ^ ((b0 >> 5) + d)
	}

	buf[0] += b0
	buf[1] += b1

}

// TeaHash hashes a directory entry name the way the kernel's TEA variant
// does. Used to pick an HTree block via LookupBlock.
func TeaHash(s string) uint32 {

	var buf [4]uint32
	var p *[4]uint32

	// This is the starting state of the hashing buffer. Don't ask why, that's just the way it is.
	buf[0] = 0x67452301
	buf[1] = 0xefcdab89
	buf[2] = 0x98badcfe
	buf[3] = 0x10325476

	for len(s) > 0 {
		s, p = sliceStringForHashing(s)
		teaTransform(&buf, p)
	}

	hash := buf[0]
	hash = hash &^ 0x1

	// cap hash to a maximum value
	cap := uint32(0xFFFFFFFC)
	if hash > cap {
		hash = cap
	}

	return hash

}

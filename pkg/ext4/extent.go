package ext4

import (
	"encoding/binary"
)

// extentEntrySize is the size of the header and of every entry in an extent
// tree node.
const extentEntrySize = 12

// ExtentHeader is the 12-byte header at the start of every extent tree node.
type ExtentHeader struct {
	Magic      uint16
	Entries    uint16
	Max        uint16
	Depth      uint16
	Generation uint32
}

// ExtentIndex is an internal-node entry pointing at a child node.
type ExtentIndex struct {
	Block  uint32
	LeafLo uint32
	LeafHi uint16
}

// Extent is a leaf entry mapping a logical run to a physical run. The top bit
// of Len marks the extent uninitialized; the low 15 bits are the block count.
type Extent struct {
	Block   uint32
	Len     uint16
	StartHi uint16
	StartLo uint32
}

// ParseExtentHeader decodes and validates an extent node header.
func ParseExtentHeader(raw []byte) (*ExtentHeader, error) {
	if len(raw) < extentEntrySize {
		return nil, corruptf("extent header needs %d bytes, got %d", extentEntrySize, len(raw))
	}

	hdr := &ExtentHeader{
		Magic:      binary.LittleEndian.Uint16(raw[0x00:]),
		Entries:    binary.LittleEndian.Uint16(raw[0x02:]),
		Max:        binary.LittleEndian.Uint16(raw[0x04:]),
		Depth:      binary.LittleEndian.Uint16(raw[0x06:]),
		Generation: binary.LittleEndian.Uint32(raw[0x08:]),
	}

	if hdr.Magic != ExtentMagic {
		return nil, corruptf("extent node magic %#x", hdr.Magic)
	}
	if hdr.Entries > hdr.Max {
		return nil, corruptf("extent node entries %d exceed max %d", hdr.Entries, hdr.Max)
	}

	return hdr, nil
}

// Serialize writes the header into the first 12 bytes of out.
func (h *ExtentHeader) Serialize(out []byte) {
	binary.LittleEndian.PutUint16(out[0x00:], h.Magic)
	binary.LittleEndian.PutUint16(out[0x02:], h.Entries)
	binary.LittleEndian.PutUint16(out[0x04:], h.Max)
	binary.LittleEndian.PutUint16(out[0x06:], h.Depth)
	binary.LittleEndian.PutUint32(out[0x08:], h.Generation)
}

// ParseExtentIndex decodes an internal-node entry.
func ParseExtentIndex(raw []byte) (*ExtentIndex, error) {
	if len(raw) < extentEntrySize {
		return nil, corruptf("extent index needs %d bytes, got %d", extentEntrySize, len(raw))
	}
	return &ExtentIndex{
		Block:  binary.LittleEndian.Uint32(raw[0x00:]),
		LeafLo: binary.LittleEndian.Uint32(raw[0x04:]),
		LeafHi: binary.LittleEndian.Uint16(raw[0x08:]),
	}, nil
}

// Serialize writes the index entry; the trailing 2 pad bytes are zeroed.
func (x *ExtentIndex) Serialize(out []byte) {
	binary.LittleEndian.PutUint32(out[0x00:], x.Block)
	binary.LittleEndian.PutUint32(out[0x04:], x.LeafLo)
	binary.LittleEndian.PutUint16(out[0x08:], x.LeafHi)
	out[0x0A] = 0
	out[0x0B] = 0
}

// ChildBlock combines the hi/lo halves of the child pointer.
func (x *ExtentIndex) ChildBlock() uint64 {
	return uint64(x.LeafHi)<<32 | uint64(x.LeafLo)
}

// ParseExtent decodes a leaf entry.
func ParseExtent(raw []byte) (*Extent, error) {
	if len(raw) < extentEntrySize {
		return nil, corruptf("extent leaf needs %d bytes, got %d", extentEntrySize, len(raw))
	}
	return &Extent{
		Block:   binary.LittleEndian.Uint32(raw[0x00:]),
		Len:     binary.LittleEndian.Uint16(raw[0x04:]),
		StartHi: binary.LittleEndian.Uint16(raw[0x06:]),
		StartLo: binary.LittleEndian.Uint32(raw[0x08:]),
	}, nil
}

// Serialize writes the leaf entry.
func (e *Extent) Serialize(out []byte) {
	binary.LittleEndian.PutUint32(out[0x00:], e.Block)
	binary.LittleEndian.PutUint16(out[0x04:], e.Len)
	binary.LittleEndian.PutUint16(out[0x06:], e.StartHi)
	binary.LittleEndian.PutUint32(out[0x08:], e.StartLo)
}

// PhysicalStart combines the hi/lo halves of the physical start block.
func (e *Extent) PhysicalStart() uint64 {
	return uint64(e.StartHi)<<32 | uint64(e.StartLo)
}

// SetPhysicalStart splits the physical start block into its halves.
func (e *Extent) SetPhysicalStart(block uint64) {
	e.StartHi = uint16(block >> 32)
	e.StartLo = uint32(block)
}

// BlockCount returns the initialized length, masking the uninitialized bit.
func (e *Extent) BlockCount() uint32 {
	return uint32(e.Len & 0x7FFF)
}

// Uninitialized reports whether the extent is preallocated but unwritten.
func (e *Extent) Uninitialized() bool {
	return e.Len&0x8000 != 0
}

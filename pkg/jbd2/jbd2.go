// Package jbd2 implements the ext4 journal: big-endian descriptor, commit,
// and revoke blocks in a circular log, transactions with pre-images, and the
// recovery replay that runs when a mount finds the log dirty. Everything on
// disk here is big-endian, unlike the filesystem metadata around it.
package jbd2

import (
	"encoding/binary"
	"errors"
)

// Magic is the JBD2 block header magic.
const Magic = 0xC03B3998

// Journal block types.
const (
	BlockTypeDescriptor   = 1
	BlockTypeCommit       = 2
	BlockTypeSuperblockV1 = 3
	BlockTypeSuperblockV2 = 4
	BlockTypeRevoke       = 5
)

// Descriptor tag flags.
const (
	TagFlagEscape   = 0x01 // block data began with the JBD2 magic
	TagFlagSameUUID = 0x02 // tag carries no UUID of its own
	TagFlagDeleted  = 0x04
	TagFlagLastTag  = 0x08
)

var (
	// ErrInvalidMagic is returned when a journal superblock lacks the
	// JBD2 magic.
	ErrInvalidMagic = errors.New("journal superblock doesn't contain the JBD2 magic number")
	// ErrInvalidChecksum is returned when a logged block's tag checksum
	// disagrees with its data during replay.
	ErrInvalidChecksum = errors.New("journal tag checksum mismatch")
	// ErrCorruptLog is returned for structural violations in the log.
	ErrCorruptLog = errors.New("corrupted journal structure")
)

// Header is the 12-byte big-endian header opening every journal block.
type Header struct {
	Magic     uint32
	BlockType uint32
	Sequence  uint32
}

// ParseHeader decodes a journal block header.
func ParseHeader(raw []byte) (*Header, error) {
	if len(raw) < 12 {
		return nil, ErrCorruptLog
	}
	return &Header{
		Magic:     binary.BigEndian.Uint32(raw[0:]),
		BlockType: binary.BigEndian.Uint32(raw[4:]),
		Sequence:  binary.BigEndian.Uint32(raw[8:]),
	}, nil
}

// Serialize writes the header into the first 12 bytes of out.
func (h *Header) Serialize(out []byte) {
	binary.BigEndian.PutUint32(out[0:], h.Magic)
	binary.BigEndian.PutUint32(out[4:], h.BlockType)
	binary.BigEndian.PutUint32(out[8:], h.Sequence)
}

// Superblock is the parsed journal superblock. s_start == 0 means the log is
// clean; anything else is the head of a pending log that recovery must
// replay.
type Superblock struct {
	Header          Header
	BlockSize       uint32 // 0x0C
	MaxLen          uint32 // 0x10
	First           uint32 // 0x14
	Sequence        uint32 // 0x18
	Start           uint32 // 0x1C
	Errno           uint32 // 0x20
	FeatureCompat   uint32 // 0x24
	FeatureIncompat uint32 // 0x28
	FeatureROCompat uint32 // 0x2C
	UUID            [16]byte // 0x30
	NrUsers         uint32 // 0x40
	ChecksumType    uint8  // 0x50
	Checksum        uint32 // 0xFC
}

// ParseSuperblock decodes the journal superblock from its raw block.
func ParseSuperblock(raw []byte) (*Superblock, error) {
	if len(raw) < 0x100 {
		return nil, ErrCorruptLog
	}

	hdr, err := ParseHeader(raw)
	if err != nil {
		return nil, err
	}
	if hdr.Magic != Magic {
		return nil, ErrInvalidMagic
	}
	if hdr.BlockType != BlockTypeSuperblockV1 && hdr.BlockType != BlockTypeSuperblockV2 {
		return nil, ErrCorruptLog
	}

	sb := &Superblock{
		Header:          *hdr,
		BlockSize:       binary.BigEndian.Uint32(raw[0x0C:]),
		MaxLen:          binary.BigEndian.Uint32(raw[0x10:]),
		First:           binary.BigEndian.Uint32(raw[0x14:]),
		Sequence:        binary.BigEndian.Uint32(raw[0x18:]),
		Start:           binary.BigEndian.Uint32(raw[0x1C:]),
		Errno:           binary.BigEndian.Uint32(raw[0x20:]),
		FeatureCompat:   binary.BigEndian.Uint32(raw[0x24:]),
		FeatureIncompat: binary.BigEndian.Uint32(raw[0x28:]),
		FeatureROCompat: binary.BigEndian.Uint32(raw[0x2C:]),
		NrUsers:         binary.BigEndian.Uint32(raw[0x40:]),
		ChecksumType:    raw[0x50],
		Checksum:        binary.BigEndian.Uint32(raw[0xFC:]),
	}
	copy(sb.UUID[:], raw[0x30:0x40])

	return sb, nil
}

// Serialize writes the superblock's fields into out, which must be at least
// 0x100 bytes. Bytes beyond the known fields are left as they are so a
// read-modify-write preserves anything this engine does not track.
func (sb *Superblock) Serialize(out []byte) error {
	if len(out) < 0x100 {
		return ErrCorruptLog
	}

	sb.Header.Serialize(out)
	binary.BigEndian.PutUint32(out[0x0C:], sb.BlockSize)
	binary.BigEndian.PutUint32(out[0x10:], sb.MaxLen)
	binary.BigEndian.PutUint32(out[0x14:], sb.First)
	binary.BigEndian.PutUint32(out[0x18:], sb.Sequence)
	binary.BigEndian.PutUint32(out[0x1C:], sb.Start)
	binary.BigEndian.PutUint32(out[0x20:], sb.Errno)
	binary.BigEndian.PutUint32(out[0x24:], sb.FeatureCompat)
	binary.BigEndian.PutUint32(out[0x28:], sb.FeatureIncompat)
	binary.BigEndian.PutUint32(out[0x2C:], sb.FeatureROCompat)
	copy(out[0x30:0x40], sb.UUID[:])
	binary.BigEndian.PutUint32(out[0x40:], sb.NrUsers)
	out[0x50] = sb.ChecksumType
	binary.BigEndian.PutUint32(out[0xFC:], sb.Checksum)

	return nil
}

// Clean reports whether the log has nothing pending.
func (sb *Superblock) Clean() bool {
	return sb.Start == 0
}

package csum

import (
	"testing"

	"github.com/google/uuid"
)

// reference is the textbook reflected CRC32c loop, kept here to pin the
// table-driven implementation to the exact kernel semantics.
func reference(seed uint32, data []byte) uint32 {
	crc := seed
	for _, b := range data {
		crc ^= uint32(b)
		for i := 0; i < 8; i++ {
			mask := -(crc & 1)
			crc = (crc >> 1) ^ (0x82F63B78 & mask)
		}
	}
	return crc
}

func TestSumKnownVector(t *testing.T) {

	if Sum(0, []byte("123456789")) != 0xE3069283 {
		t.Errorf("the CRC32c check value is wrong -- got %#x", Sum(0, []byte("123456789")))
	}

}

func TestRawMatchesReference(t *testing.T) {

	inputs := [][]byte{
		nil,
		{0x00},
		{0xFF, 0xFF, 0xFF, 0xFF},
		[]byte("123456789"),
		[]byte("the quick brown fox jumps over the lazy dog"),
	}
	seeds := []uint32{0, 1, 0xFFFFFFFF, 0xDEADBEEF}

	for _, seed := range seeds {
		for _, in := range inputs {
			expect := reference(seed, in)
			got := Raw(seed, in)
			if got != expect {
				t.Errorf("Raw(%#x, %q) = %#x, expect %#x", seed, in, got, expect)
			}
		}
	}

}

func TestRawEmptyIsIdentity(t *testing.T) {

	for _, seed := range []uint32{0, 42, ^uint32(0)} {
		if Raw(seed, nil) != seed {
			t.Errorf("Raw(%#x, nil) must return the seed unchanged", seed)
		}
	}

}

func TestRawIsChainable(t *testing.T) {

	data := []byte("abcdefgh")
	whole := Raw(^uint32(0), data)
	split := Raw(Raw(^uint32(0), data[:3]), data[3:])
	if whole != split {
		t.Errorf("chained Raw differs from one-shot: %#x vs %#x", split, whole)
	}

}

func TestDescriptorZeroesChecksumField(t *testing.T) {

	desc := make([]byte, 32)
	for i := range desc {
		desc[i] = byte(i)
	}

	a := Descriptor(0x1234, 7, desc)

	// Changing only the stored checksum bytes must not change the result.
	desc[0x1E] = 0xAB
	desc[0x1F] = 0xCD
	b := Descriptor(0x1234, 7, desc)

	if a != b {
		t.Errorf("descriptor checksum depends on its own checksum field")
	}

	// Changing any other byte must.
	desc[0] ^= 1
	if Descriptor(0x1234, 7, desc) == a {
		t.Errorf("descriptor checksum ignored a content change")
	}

}

func TestInodeZeroesBothChecksumFields(t *testing.T) {

	raw := make([]byte, 256)
	for i := range raw {
		raw[i] = byte(i * 3)
	}

	a := Inode(0x5555, 12, 99, raw)

	raw[0x7C] = 0xFF
	raw[0x7D] = 0xFF
	raw[0x82] = 0xFF
	raw[0x83] = 0xFF
	b := Inode(0x5555, 12, 99, raw)

	if a != b {
		t.Errorf("inode checksum depends on its own checksum fields")
	}

	if Inode(0x5555, 13, 99, raw) == a {
		t.Errorf("inode checksum ignored the inode number")
	}
	if Inode(0x5555, 12, 100, raw) == a {
		t.Errorf("inode checksum ignored the generation")
	}

}

func TestSeedDerivation(t *testing.T) {

	u := uuid.MustParse("3f79bb7b-435b-4850-8ffd-d9d7e0a9ba1b")
	if Seed(u) != Raw(^uint32(0), u[:]) {
		t.Errorf("seed derivation must be Raw(~0, uuid)")
	}

}

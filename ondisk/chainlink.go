// Package ondisk defines the byte-exact, packed record layouts of the
// OrbisFS on-disk format and the magic constants used to validate them.
// Nothing in this package interprets the records beyond their byte layout;
// engine-level behaviour (block allocation, path resolution, FAT-stage
// decoding) lives in the parent orbisfs package.
package ondisk

import "encoding/binary"

// BlockSize is the fixed unit of every addressable on-disk structure.
const BlockSize = 0x10000

// ChainLinkSize is the on-disk size, in bytes, of a ChainLink record.
const ChainLinkSize = 4

// ChainLinkTypeLink marks a chain link as active ("points somewhere");
// any other value terminates the chain it appears in.
const ChainLinkTypeLink = 0x40

// ChainLink is a packed pointer-with-sentinel to a block: 24 bits of block
// number plus an 8-bit type tag, modeled as a single little-endian 32-bit
// word so the bit-split is reproduced identically regardless of platform
// (see spec's design note on packed bitfields).
type ChainLink uint32

// DecodeChainLink reads a ChainLink from the first ChainLinkSize bytes of b.
func DecodeChainLink(b []byte) ChainLink {
	return ChainLink(binary.LittleEndian.Uint32(b))
}

// Encode writes the chain link back to its 4-byte little-endian form.
func (c ChainLink) Encode() [ChainLinkSize]byte {
	var out [ChainLinkSize]byte
	binary.LittleEndian.PutUint32(out[:], uint32(c))
	return out
}

// Block returns the 24-bit block number.
func (c ChainLink) Block() uint32 {
	return uint32(c) & 0x00ffffff
}

// Type returns the 8-bit type tag.
func (c ChainLink) Type() uint8 {
	return uint8(uint32(c) >> 24)
}

// IsLink reports whether this chain link is active (type == ChainLinkTypeLink).
func (c ChainLink) IsLink() bool {
	return c.Type() == ChainLinkTypeLink
}

// NotALinkSentinel is the all-0xFF encoding used to overwrite a chain link
// that no longer points anywhere (e.g. after a shrink frees the block it
// pointed to). 0xFFFFFFFF decodes to type 0xFF, block 0xFFFFFF - never a
// valid "link" type.
var NotALinkSentinel = [ChainLinkSize]byte{0xff, 0xff, 0xff, 0xff}

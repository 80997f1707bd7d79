package ondisk

import "encoding/binary"

// Byte offsets of the mutable Inode fields, used by the engine's shrink
// path to write directly into a live inode record window without
// re-encoding the whole 220-byte record. Kept in lockstep with the field
// order declared in Inode; see InodeSize's derivation comment.
const (
	OffFatStages   = 8
	OffInodeNum    = 12
	OffFileMode    = 20
	OffFilesize    = 28
	OffUsedBlocks  = 36
	OffResourceLnk = 76
	OffDataLnk     = 92
)

// DataLnkOffset returns the byte offset of DataLnk[i] within a raw inode
// record.
func DataLnkOffset(i int) int {
	return OffDataLnk + i*ChainLinkSize
}

// PutUint32At writes a little-endian uint32 into raw at off.
func PutUint32At(raw []byte, off int, v uint32) {
	binary.LittleEndian.PutUint32(raw[off:off+4], v)
}

// PutUint64At writes a little-endian uint64 into raw at off.
func PutUint64At(raw []byte, off int, v uint64) {
	binary.LittleEndian.PutUint64(raw[off:off+8], v)
}

// PutChainLinkAt writes a ChainLink into raw at off.
func PutChainLinkAt(raw []byte, off int, c ChainLink) {
	enc := c.Encode()
	copy(raw[off:off+ChainLinkSize], enc[:])
}

// MarkNotALink overwrites the chain link at off with the all-0xFF
// sentinel, the on-disk way of saying "this no longer points anywhere".
func MarkNotALink(raw []byte, off int) {
	copy(raw[off:off+ChainLinkSize], NotALinkSentinel[:])
}

package ondisk

import "fmt"

// InodeMagic is checked against the low 32 bits of an inode record's first
// field.
const InodeMagic = 0xbf10

// DataLnkCount is the arity of an inode's direct/top-level data chain-link
// array; it bounds the top level of the multi-stage FAT index regardless
// of fan-out at deeper levels.
const DataLnkCount = 32

// ResourceLnkCount is the number of resource chain links carried per inode.
const ResourceLnkCount = 4

// Inode is the fixed-layout metadata record for one filesystem object.
type Inode struct {
	MagicWord  uint64 // low 32 bits must equal InodeMagic
	FatStages  uint32 // 0, 1, 2 or 3
	InodeNum   uint32 // must equal the record's slot number
	Pad0       [4]byte
	FileMode   uint16 // POSIX mode bits + type
	Uid        uint16
	Gid        uint16
	Pad1       [2]byte
	Filesize   uint64
	UsedBlocks uint32
	Flags      uint32
	CreateTime int64
	AccessTime int64
	ModifyTime int64
	Pad2       [8]byte
	ResourceLnk [ResourceLnkCount]ChainLink
	DataLnk     [DataLnkCount]ChainLink
}

// InodeSize is the exact on-disk size of an Inode record.
const InodeSize = 8 + 4 + 4 + 4 + 2 + 2 + 2 + 2 + 8 + 4 + 4 + 8 + 8 + 8 + 8 + ResourceLnkCount*ChainLinkSize + DataLnkCount*ChainLinkSize

// DecodeInode parses one Inode record out of a InodeSize-byte slice and
// validates its magic, padding windows, fatStages range, and slot-number
// consistency against expectedNum. A bad magic is reported as
// ErrInodeBadMagic (the "vanished entry" case); any other mismatch is
// ErrBadFormat.
func DecodeInode(data []byte, expectedNum uint32) (*Inode, error) {
	if len(data) < InodeSize {
		return nil, fmt.Errorf("ondisk: inode record too small (%d bytes)", len(data))
	}

	ino := &Inode{}
	if err := readPacked(data[:InodeSize], ino); err != nil {
		return nil, fmt.Errorf("ondisk: decode inode: %w", err)
	}

	if uint32(ino.MagicWord&0xffffffff) != InodeMagic {
		return nil, fmt.Errorf("%w: inode %d magic 0x%x", ErrInodeBadMagic, expectedNum, ino.MagicWord)
	}
	if !isZero(ino.Pad0[:]) || !isZero(ino.Pad1[:]) || !isZero(ino.Pad2[:]) {
		return nil, fmt.Errorf("%w: inode %d padding not zero", ErrBadFormat, expectedNum)
	}
	if ino.FatStages > 3 {
		return nil, fmt.Errorf("%w: inode %d fatStages %d out of range", ErrBadFormat, expectedNum, ino.FatStages)
	}
	if ino.InodeNum != expectedNum {
		return nil, fmt.Errorf("%w: inode slot %d holds inodeNum %d", ErrBadFormat, expectedNum, ino.InodeNum)
	}

	return ino, nil
}

// IsZero reports whether this inode record is the reserved, all-zero slot
// used for inode IDs 0 and 1.
func (i *Inode) IsZero() bool {
	return *i == Inode{}
}

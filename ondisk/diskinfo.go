package ondisk

import (
	"bytes"
	"fmt"
)

// DiskinfoMagic is the fixed magic value stored at the start of the
// diskinfo block.
const DiskinfoMagic = 0x20f50bf520190705

const (
	diskinfoUnk1Expected uint64 = 2
	diskinfoUnk2Expected uint64 = 0x40
	diskinfoUnk3Expected uint64 = 0
	diskinfoUnk5Expected uint32 = 0xFFFFFFFF
)

// Diskinfo is the fixed-layout record describing disk-wide metadata:
// device path, root inode count, inode watermark, block usage counters,
// and the chain link to the inode table root.
type Diskinfo struct {
	Magic             uint64
	Unk1              uint64 // expected 2
	Unk2              uint64 // expected 0x40
	Unk3              uint64 // expected 0
	DevPath           [0x100]byte
	InodesInRoot      uint32
	Unk5              uint32 // expected 0xFFFFFFFF
	HighestUsedInode  uint32
	Pad2              [0x34]byte
	BlocksUsed        uint64
	BlocksAvailable   uint64
	Opaque            [0xb0]byte
	InodeTableLnk     ChainLink
	DiskinfoBackLnk   ChainLink // must equal superblock's diskinfoLnk
}

// DiskinfoSize is the exact on-disk size of a Diskinfo record.
const DiskinfoSize = 8 + 8 + 8 + 8 + 0x100 + 4 + 4 + 4 + 0x34 + 8 + 8 + 0xb0 + 4 + 4

// DecodeDiskinfo parses and validates a Diskinfo record from a full block,
// and cross-checks its back-pointer against the superblock's diskinfo link.
func DecodeDiskinfo(block []byte, sb *Superblock) (*Diskinfo, error) {
	if len(block) < BlockSize {
		return nil, fmt.Errorf("ondisk: diskinfo block too small (%d bytes)", len(block))
	}

	di := &Diskinfo{}
	if err := readPacked(block[:DiskinfoSize], di); err != nil {
		return nil, fmt.Errorf("ondisk: decode diskinfo: %w", err)
	}

	if di.Magic != DiskinfoMagic {
		return nil, fmt.Errorf("%w: diskinfo magic 0x%x", ErrBadFormat, di.Magic)
	}
	if di.Unk1 != diskinfoUnk1Expected || di.Unk2 != diskinfoUnk2Expected || di.Unk3 != diskinfoUnk3Expected {
		return nil, fmt.Errorf("%w: diskinfo fixed-value fields mismatch", ErrBadFormat)
	}
	if di.Unk5 != diskinfoUnk5Expected {
		return nil, fmt.Errorf("%w: diskinfo unk5 field mismatch", ErrBadFormat)
	}
	if !isZero(di.Pad2[:]) {
		return nil, fmt.Errorf("%w: diskinfo pad2 not zero", ErrBadFormat)
	}
	if di.DiskinfoBackLnk != sb.DiskLnk {
		return nil, fmt.Errorf("%w: diskinfo back-link does not match superblock", ErrBadFormat)
	}

	return di, nil
}

// DevicePath returns the NUL-terminated device path string.
func (d *Diskinfo) DevicePath() string {
	return string(bytes.TrimRight(d.DevPath[:], "\x00"))
}

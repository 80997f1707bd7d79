package ondisk

import "fmt"

// DirEntryType enumerates the type tag stored in a directory entry.
type DirEntryType uint16

const (
	DirEntryTypeDir    DirEntryType = 4
	DirEntryTypeRegular DirEntryType = 8
)

// dirEntryReservedField is the fixed value expected in every directory
// entry's second 32-bit word.
const dirEntryReservedField uint32 = 0x00100000

// DirEntryHeaderSize is the on-disk size of a directory entry's fixed
// prefix, before the variable-length name.
const DirEntryHeaderSize = 4 + 4 + 4 + 2 + 2

// DirEntryHeader is the fixed prefix of a variable-length directory entry.
type DirEntryHeader struct {
	InodeNum uint32
	Reserved uint32 // expected 0x00100000
	ElemSize uint32
	NameLen  uint16
	Type     DirEntryType
}

// DirEntry is a fully decoded directory entry: its header plus the name.
type DirEntry struct {
	DirEntryHeader
	Name string
}

// MaxNameLen bounds namelen so a corrupt record can't be mistaken for a
// giant allocation; the source's own guard for oversized namelen is dead
// code on valid data, but this package still enforces it as BadFormat.
const MaxNameLen = 4096

// DecodeDirEntry decodes one directory entry starting at the beginning of
// block[offset:]. It enforces that sizeof(prefix)+namelen <= elemSize and
// that the entry does not cross the block boundary. A null InodeNum (all
// header fields read successfully but InodeNum == 0) signals end-of-list
// for the block and is reported via ok=false, err=nil.
func DecodeDirEntry(block []byte, offset int) (entry DirEntry, size int, ok bool, err error) {
	if offset+DirEntryHeaderSize > len(block) {
		return DirEntry{}, 0, false, fmt.Errorf("%w: directory entry header crosses block boundary at offset %d", ErrBadFormat, offset)
	}

	raw := block[offset : offset+DirEntryHeaderSize]
	hdr := DirEntryHeader{
		InodeNum: leUint32(raw[0:4]),
		Reserved: leUint32(raw[4:8]),
		ElemSize: leUint32(raw[8:12]),
		NameLen:  uint16(raw[12]) | uint16(raw[13])<<8,
		Type:     DirEntryType(uint16(raw[14]) | uint16(raw[15])<<8),
	}

	if hdr.InodeNum == 0 {
		return DirEntry{}, 0, false, nil
	}

	if hdr.NameLen > MaxNameLen {
		return DirEntry{}, 0, false, fmt.Errorf("%w: directory entry namelen %d exceeds maximum", ErrBadFormat, hdr.NameLen)
	}
	if uint32(DirEntryHeaderSize)+uint32(hdr.NameLen) > hdr.ElemSize {
		return DirEntry{}, 0, false, fmt.Errorf("%w: directory entry elemSize %d too small for namelen %d", ErrBadFormat, hdr.ElemSize, hdr.NameLen)
	}
	entryEnd := offset + int(hdr.ElemSize)
	if entryEnd > len(block) {
		return DirEntry{}, 0, false, fmt.Errorf("%w: directory entry end %d crosses block boundary (size %d)", ErrBadFormat, entryEnd, len(block))
	}
	nameStart := offset + DirEntryHeaderSize
	nameEnd := nameStart + int(hdr.NameLen)
	if nameEnd > len(block) {
		return DirEntry{}, 0, false, fmt.Errorf("%w: directory entry name crosses block boundary", ErrBadFormat)
	}

	name := string(block[nameStart:nameEnd])

	return DirEntry{DirEntryHeader: hdr, Name: name}, int(hdr.ElemSize), true, nil
}

// Package testimg assembles in-memory OrbisFS images byte by byte for use
// in tests, playing the same role the teacher's mock_test.go mockReader
// plays for squashfs images: a hand-built fixture instead of a binary
// testdata blob, except an OrbisFS Image is mmap-backed so these bytes
// are written out to a temp file rather than served through
// io.ReaderAt.
package testimg

import (
	"encoding/binary"
	"os"
)

const (
	BlockSize     = 0x10000
	ChainLinkSize = 4
	ChainLinkType = 0x40

	InodeMagic        = 0xbf10
	SuperblockMagic    = 0x10f50bf520180705
	DiskinfoMagic      = 0x20f50bf520190705
	SuperblockVersion  = 1

	ResourceLnkCount = 4
	DataLnkCount     = 32

	DirEntryHeaderSize = 16
	dirEntryReserved   = 0x00100000
)

// InodeSize mirrors ondisk.InodeSize's derivation so fixtures stay in
// lockstep without importing the parent module (tests live in the parent
// module, but this package is meant to be import-cycle-free and
// self-contained).
const InodeSize = 8 + 4 + 4 + 4 + 2 + 2 + 2 + 2 + 8 + 4 + 4 + 8 + 8 + 8 + 8 + ResourceLnkCount*ChainLinkSize + DataLnkCount*ChainLinkSize

// Builder assembles a flat byte image out of fixed BlockSize blocks.
type Builder struct {
	blocks [][]byte
}

// NewBuilder allocates an image of numBlocks zeroed blocks.
func NewBuilder(numBlocks int) *Builder {
	b := &Builder{blocks: make([][]byte, numBlocks)}
	for i := range b.blocks {
		b.blocks[i] = make([]byte, BlockSize)
	}
	return b
}

// Block returns the live, mutable bytes of block i, growing the image if
// necessary.
func (b *Builder) Block(i uint32) []byte {
	for uint32(len(b.blocks)) <= i {
		b.blocks = append(b.blocks, make([]byte, BlockSize))
	}
	return b.blocks[i]
}

// NumBlocks returns the current block count.
func (b *Builder) NumBlocks() uint32 {
	return uint32(len(b.blocks))
}

// Bytes concatenates every block into one flat buffer.
func (b *Builder) Bytes() []byte {
	out := make([]byte, 0, len(b.blocks)*BlockSize)
	for _, blk := range b.blocks {
		out = append(out, blk...)
	}
	return out
}

// WriteToTemp writes the assembled image to a new temp file and returns
// its path; the caller is responsible for removing it.
func (b *Builder) WriteToTemp(pattern string) (string, error) {
	f, err := os.CreateTemp("", pattern)
	if err != nil {
		return "", err
	}
	defer f.Close()
	if _, err := f.Write(b.Bytes()); err != nil {
		os.Remove(f.Name())
		return "", err
	}
	return f.Name(), nil
}

// EncodeChainLink packs a block number and type tag into the 4-byte
// little-endian chain link encoding.
func EncodeChainLink(block uint32, typ uint8) [ChainLinkSize]byte {
	var out [ChainLinkSize]byte
	v := (block & 0x00ffffff) | (uint32(typ) << 24)
	binary.LittleEndian.PutUint32(out[:], v)
	return out
}

// ActiveLink is the common case: an active chain link naming block.
func ActiveLink(block uint32) [ChainLinkSize]byte {
	return EncodeChainLink(block, ChainLinkType)
}

func putChainLink(dst []byte, block uint32) {
	enc := ActiveLink(block)
	copy(dst, enc[:])
}

func putNotALink(dst []byte) {
	dst[0], dst[1], dst[2], dst[3] = 0xff, 0xff, 0xff, 0xff
}

// SuperblockParams configures WriteSuperblock.
type SuperblockParams struct {
	AllocBlock uint32
	DiskBlock  uint32
}

// WriteSuperblock writes a valid superblock into block 0.
func (b *Builder) WriteSuperblock(p SuperblockParams) {
	blk := b.Block(0)
	off := 0

	binary.LittleEndian.PutUint64(blk[off:], SuperblockMagic)
	off += 8 + 0x38 // magic + pad1

	off += 8 // unk0 left zero

	copy(blk[off:off+7], []byte("reserve"))
	off += 8
	off += 0x10 // pad2

	binary.LittleEndian.PutUint64(blk[off:], SuperblockVersion)
	off += 8
	off += 8 // unk2

	putChainLink(blk[off:off+4], p.AllocBlock)
	off += 4
	off += 4 // unk4
	binary.LittleEndian.PutUint32(blk[off:], 0xFFFFFFFF) // unk5
	off += 4

	putChainLink(blk[off:off+4], p.DiskBlock)
}

// DiskinfoParams configures WriteDiskinfo.
type DiskinfoParams struct {
	InodeTableBlock  uint32
	SelfBlock        uint32 // not read: WriteDiskinfo writes its blk argument as the back-link
	InodesInRoot     uint32
	HighestUsedInode uint32
	BlocksUsed       uint64
	BlocksAvailable  uint64
}

// WriteDiskinfo writes a valid diskinfo record into block blk.
func (b *Builder) WriteDiskinfo(blk uint32, p DiskinfoParams) {
	block := b.Block(blk)
	off := 0

	binary.LittleEndian.PutUint64(block[off:], DiskinfoMagic)
	off += 8
	binary.LittleEndian.PutUint64(block[off:], 2) // unk1
	off += 8
	binary.LittleEndian.PutUint64(block[off:], 0x40) // unk2
	off += 8
	binary.LittleEndian.PutUint64(block[off:], 0) // unk3
	off += 8
	off += 0x100 // devpath left zero

	binary.LittleEndian.PutUint32(block[off:], p.InodesInRoot)
	off += 4
	binary.LittleEndian.PutUint32(block[off:], 0xFFFFFFFF) // unk5
	off += 4
	binary.LittleEndian.PutUint32(block[off:], p.HighestUsedInode)
	off += 4
	off += 0x34 // pad2

	binary.LittleEndian.PutUint64(block[off:], p.BlocksUsed)
	off += 8
	binary.LittleEndian.PutUint64(block[off:], p.BlocksAvailable)
	off += 8
	off += 0xb0 // opaque

	putChainLink(block[off:off+4], p.InodeTableBlock)
	off += 4
	putChainLink(block[off:off+4], blk) // back-link must equal superblock's diskLnk, which names this same block
}

// AllocatorRegion describes one allocator region passed to
// WriteAllocatorInfo.
type AllocatorRegion struct {
	BitmapBlock uint32
	FreeBlocks  uint32
	TotalBlocks uint32
}

// WriteAllocatorInfo writes the region-descriptor array into block blk and
// initializes each referenced bitmap block to all-1s (every block free).
// Callers mark used blocks afterwards with MarkBlockUsed.
func (b *Builder) WriteAllocatorInfo(blk uint32, regions []AllocatorRegion) {
	block := b.Block(blk)
	const elemSize = ChainLinkSize + 4 + 4 + 4

	for i, r := range regions {
		off := i * elemSize
		putChainLink(block[off:off+4], r.BitmapBlock)
		binary.LittleEndian.PutUint32(block[off+4:], r.FreeBlocks)
		binary.LittleEndian.PutUint32(block[off+8:], r.TotalBlocks)

		bitmap := b.Block(r.BitmapBlock)
		for i := range bitmap {
			bitmap[i] = 0xff
		}
	}

	term := len(regions) * elemSize
	putNotALink(block[term : term+4])
}

// MarkBlockUsed clears the free bit for blockIdx within the bitmap block
// bitmapBlock (region-relative index).
func (b *Builder) MarkBlockUsed(bitmapBlock uint32, blockIdx uint32) {
	bitmap := b.Block(bitmapBlock)
	byteIdx := blockIdx >> 3
	bitOff := blockIdx & 7
	bitmap[byteIdx] &^= 1 << bitOff
}

// WriteChainLinkAt writes an active chain link naming target at byte
// offset off within block blk, for assembling the index blocks a
// multi-stage FAT fixture points DataLnk at.
func (b *Builder) WriteChainLinkAt(blk uint32, off int, target uint32) {
	putChainLink(b.Block(blk)[off:off+ChainLinkSize], target)
}

// InodeParams configures WriteInode.
type InodeParams struct {
	InodeNum   uint32
	FileMode   uint16
	Uid, Gid   uint16
	Filesize   uint64
	UsedBlocks uint32
	FatStages  uint32
	DataLnk    []uint32 // active links, stage-appropriate meaning
}

// WriteInode writes one inode record into block tableBlock at slot
// slotInBlock (the entry's index within that block); p.InodeNum is only
// stored in the record, not used to place it.
func (b *Builder) WriteInode(tableBlock uint32, slotInBlock int, p InodeParams) {
	block := b.Block(tableBlock)
	off := slotInBlock * InodeSize
	rec := block[off : off+InodeSize]

	binary.LittleEndian.PutUint64(rec[0:], InodeMagic)
	binary.LittleEndian.PutUint32(rec[8:], p.FatStages)
	binary.LittleEndian.PutUint32(rec[12:], p.InodeNum)
	// pad0 [16:20) zero
	binary.LittleEndian.PutUint16(rec[20:], p.FileMode)
	binary.LittleEndian.PutUint16(rec[22:], p.Uid)
	binary.LittleEndian.PutUint16(rec[24:], p.Gid)
	// pad1 [26:28) zero
	binary.LittleEndian.PutUint64(rec[28:], p.Filesize)
	binary.LittleEndian.PutUint32(rec[36:], p.UsedBlocks)
	// flags [40:44) zero
	// timestamps [44:68) zero
	// pad2 [68:76) zero

	resOff := 76
	for i := 0; i < ResourceLnkCount; i++ {
		putNotALink(rec[resOff+i*ChainLinkSize : resOff+i*ChainLinkSize+4])
	}

	dataOff := 92
	for i := 0; i < DataLnkCount; i++ {
		putNotALink(rec[dataOff+i*ChainLinkSize : dataOff+i*ChainLinkSize+4])
	}
	for i, link := range p.DataLnk {
		if i >= DataLnkCount {
			break
		}
		putChainLink(rec[dataOff+i*ChainLinkSize:dataOff+i*ChainLinkSize+4], link)
	}
}

// DirEntryParams describes one directory entry to append.
type DirEntryParams struct {
	InodeNum uint32
	Name     string
	Type     uint16 // 4 == directory, 8 == regular
}

// AppendDirEntry writes one directory entry into block blk at byte offset
// off and returns the offset following it (elemSize, 4-byte aligned).
func (b *Builder) AppendDirEntry(blk uint32, off int, p DirEntryParams) int {
	block := b.Block(blk)
	nameLen := len(p.Name)
	elemSize := DirEntryHeaderSize + nameLen
	if pad := elemSize % 4; pad != 0 {
		elemSize += 4 - pad
	}

	rec := block[off : off+elemSize]
	binary.LittleEndian.PutUint32(rec[0:], p.InodeNum)
	binary.LittleEndian.PutUint32(rec[4:], dirEntryReserved)
	binary.LittleEndian.PutUint32(rec[8:], uint32(elemSize))
	binary.LittleEndian.PutUint16(rec[12:], uint16(nameLen))
	binary.LittleEndian.PutUint16(rec[14:], p.Type)
	copy(rec[16:16+nameLen], p.Name)

	return off + elemSize
}

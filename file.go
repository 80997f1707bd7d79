package orbisfs

import (
	"fmt"

	"github.com/tihmstar/go-orbisfs/ondisk"
)

// fanOut is the number of chain links that fit in one block, i.e. the
// per-level fan-out of every indirect FAT stage beyond the first.
var fanOut = ondisk.BlockSize / ondisk.ChainLinkSize

// File is a ref-counted, offset-tracking handle onto one inode's data (or,
// for a directory opened internally for listing, its directory-entry
// blocks). Every File holds an open-handle reference on its Image for its
// entire lifetime; Close must always be called.
type File struct {
	img  *Image
	node ondisk.Inode
	raw  []byte // live InodeSize-byte window, nil if this handle is read-only-only

	noFilemodeChecks bool
	offset           int64
	closed           bool
}

func newFile(img *Image, node *ondisk.Inode, raw []byte, noFilemodeChecks bool) *File {
	img.addRef()
	return &File{
		img:              img,
		node:             *node,
		raw:              raw,
		noFilemodeChecks: noFilemodeChecks,
	}
}

// Close releases this handle's reference on the owning Image.
func (f *File) Close() error {
	if f.closed {
		return nil
	}
	f.closed = true
	f.img.release()
	return nil
}

// Size returns the file's logical size in bytes.
func (f *File) Size() uint64 {
	return f.node.Filesize
}

// Mode returns the file's POSIX mode bits.
func (f *File) Mode() uint32 {
	return uint32(f.node.FileMode)
}

// InodeNum returns the inode number backing this File.
func (f *File) InodeNum() uint32 {
	return f.node.InodeNum
}

// blockCount returns the number of BlockSize-sized blocks needed to hold
// Filesize bytes, rounding up.
func (f *File) blockCount() uint32 {
	bs := uint64(ondisk.BlockSize)
	return uint32((f.node.Filesize + bs - 1) / bs)
}

// rawWindow returns a live byteLen-byte slice of this file's data starting
// at byteOff, resolving the block that holds it through getDataBlock. It
// requires byteOff..byteOff+byteLen to lie within a single block, which
// holds for every caller (inode-table slots never straddle a block, since
// each block holds a whole number of them).
func (f *File) rawWindow(byteOff int64, byteLen int) ([]byte, error) {
	blockNum := uint32(byteOff / ondisk.BlockSize)
	within := int(byteOff % ondisk.BlockSize)
	if within+byteLen > ondisk.BlockSize {
		return nil, fmt.Errorf("orbisfs: raw window [%d,%d) crosses a block boundary", byteOff, byteOff+int64(byteLen))
	}

	block, err := f.getDataBlock(blockNum)
	if err != nil {
		return nil, err
	}
	return block[within : within+byteLen], nil
}

// getDataBlock resolves logical block index num to its live BlockSize
// window via the inode's FAT-stage indirection:
//
//   - stage 0: the inode carries no data at all.
//   - stage 1: DataLnk[num] names the block directly; num must be < 32.
//   - stage 2: DataLnk[num/F] names an index block of F chain links;
//     DataLnk[num/F]'s index block entry num%F names the data block.
//   - stage 3: one further level of indirection on top of stage 2,
//     fanning out through the top-level DataLnk array the same way.
//
// F is fanOut, the number of chain links that fit in one block. Every
// link walked must be active (IsLink()); a broken chain is ErrBadFormat.
func (f *File) getDataBlock(num uint32) ([]byte, error) {
	switch f.node.FatStages {
	case 0:
		return nil, fmt.Errorf("%w: inode %d has no data (fatStages 0)", ErrBadFormat, f.node.InodeNum)

	case 1:
		if num >= ondisk.DataLnkCount {
			return nil, fmt.Errorf("%w: block index %d out of range for stage 1", ErrBadFormat, num)
		}
		link := f.node.DataLnk[num]
		if !link.IsLink() {
			return nil, fmt.Errorf("%w: inode %d data link %d is not active", ErrBadFormat, f.node.InodeNum, num)
		}
		return f.img.getBlock(link.Block())

	case 2:
		top := num / uint32(fanOut)
		idx := num % uint32(fanOut)
		if top >= ondisk.DataLnkCount {
			return nil, fmt.Errorf("%w: block index %d out of range for stage 2", ErrBadFormat, num)
		}
		return f.walkIndirect(f.node.DataLnk[top], idx)

	case 3:
		perTop := uint32(fanOut) * uint32(fanOut)
		top := num / perTop
		rem := num % perTop
		mid := rem / uint32(fanOut)
		idx := rem % uint32(fanOut)
		if top >= ondisk.DataLnkCount {
			return nil, fmt.Errorf("%w: block index %d out of range for stage 3", ErrBadFormat, num)
		}
		midBlock, err := f.walkIndirectBlock(f.node.DataLnk[top])
		if err != nil {
			return nil, err
		}
		midLink := ondisk.DecodeChainLink(midBlock[mid*ondisk.ChainLinkSize : mid*ondisk.ChainLinkSize+ondisk.ChainLinkSize])
		return f.walkIndirect(midLink, idx)

	default:
		return nil, fmt.Errorf("%w: fatStages %d", ErrNotImplemented, f.node.FatStages)
	}
}

// walkIndirectBlock follows one active chain link to its index block.
func (f *File) walkIndirectBlock(link ondisk.ChainLink) ([]byte, error) {
	if !link.IsLink() {
		return nil, fmt.Errorf("%w: inode %d indirect link is not active", ErrBadFormat, f.node.InodeNum)
	}
	return f.img.getBlock(link.Block())
}

// walkIndirect follows link to an index block and returns the data block
// named by its idx'th entry.
func (f *File) walkIndirect(link ondisk.ChainLink, idx uint32) ([]byte, error) {
	indexBlock, err := f.walkIndirectBlock(link)
	if err != nil {
		return nil, err
	}
	if idx >= uint32(fanOut) {
		return nil, fmt.Errorf("%w: index %d exceeds fan-out %d", ErrBadFormat, idx, fanOut)
	}
	off := int(idx) * ondisk.ChainLinkSize
	dataLink := ondisk.DecodeChainLink(indexBlock[off : off+ondisk.ChainLinkSize])
	if !dataLink.IsLink() {
		return nil, fmt.Errorf("%w: inode %d data link at index %d is not active", ErrBadFormat, f.node.InodeNum, idx)
	}
	return f.img.getBlock(dataLink.Block())
}

// Pread reads up to len(buf) bytes starting at offset, clamped to the
// file's logical size, and returns the number of bytes copied. Reading at
// or past Filesize returns (0, nil), matching io.ReaderAt's EOF-by-short-
// read convention used elsewhere in this package rather than io.EOF,
// since callers here never loop expecting it.
func (f *File) Pread(buf []byte, offset int64) (int, error) {
	if !f.noFilemodeChecks && f.node.FileMode&S_IFMT == S_IFDIR {
		return 0, fmt.Errorf("%w: inode %d is a directory", ErrNotDirectory, f.node.InodeNum)
	}

	size := int64(f.node.Filesize)
	if offset >= size {
		return 0, nil
	}
	want := len(buf)
	if int64(want) > size-offset {
		want = int(size - offset)
	}

	total := 0
	for total < want {
		blockNum := uint32((offset + int64(total)) / ondisk.BlockSize)
		within := int((offset + int64(total)) % ondisk.BlockSize)

		block, err := f.getDataBlock(blockNum)
		if err != nil {
			return total, err
		}

		n := copy(buf[total:want], block[within:])
		total += n
	}

	return total, nil
}

// Read reads from the file's current internal offset and advances it.
func (f *File) Read(buf []byte) (int, error) {
	n, err := f.Pread(buf, f.offset)
	f.offset += int64(n)
	return n, err
}

// resourceActiveCount returns how many of the inode's resource chain
// links are active, used both for ResourceSize and as the bookkeeping
// term in the stage-downgrade thresholds.
func (f *File) resourceActiveCount() int {
	n := 0
	for _, l := range f.node.ResourceLnk {
		if l.IsLink() {
			n++
		}
	}
	return n
}

// ResourceSize approximates the size of the inode's resource fork as the
// number of active resource links times the block size; the format keeps
// no exact resource byte length.
func (f *File) ResourceSize() uint64 {
	return uint64(f.resourceActiveCount()) * ondisk.BlockSize
}

// ResourcePread reads from the resource fork, which has no FAT
// indirection: ResourceLnk is indexed directly.
func (f *File) ResourcePread(buf []byte, offset int64) (int, error) {
	size := int64(f.ResourceSize())
	if offset >= size {
		return 0, nil
	}
	want := len(buf)
	if int64(want) > size-offset {
		want = int(size - offset)
	}

	total := 0
	for total < want {
		idx := (offset + int64(total)) / ondisk.BlockSize
		within := int((offset + int64(total)) % ondisk.BlockSize)
		if idx >= ondisk.ResourceLnkCount {
			break
		}
		link := f.node.ResourceLnk[idx]
		if !link.IsLink() {
			return total, fmt.Errorf("%w: inode %d resource link %d is not active", ErrBadFormat, f.node.InodeNum, idx)
		}
		block, err := f.img.getBlock(link.Block())
		if err != nil {
			return total, err
		}
		n := copy(buf[total:want], block[within:])
		total += n
	}

	return total, nil
}

// Shrink reduces the file's logical size by delta bytes. It never
// allocates or writes data, only frees blocks that fall fully outside the
// new size and rewrites the inode's bookkeeping fields (Filesize,
// UsedBlocks, FatStages, and the chain link it detaches) in place.
func (f *File) Shrink(delta uint64) error {
	if !f.img.writeable {
		return fmt.Errorf("%w: cannot shrink inode %d", ErrReadOnly, f.node.InodeNum)
	}
	if f.raw == nil {
		return fmt.Errorf("%w: file has no mutable inode window", ErrNotImplemented)
	}
	if delta > f.node.Filesize {
		return fmt.Errorf("%w: shrink delta %d exceeds filesize %d", ErrBadFormat, delta, f.node.Filesize)
	}

	newSize := f.node.Filesize - delta
	for delta > 0 && f.node.UsedBlocks > 0 {
		lastBlockFill := f.node.Filesize % ondisk.BlockSize
		if lastBlockFill == 0 {
			lastBlockFill = ondisk.BlockSize
		}
		if delta < lastBlockFill {
			break
		}
		if err := f.popLastAllocatedBlock(); err != nil {
			return err
		}
		f.node.Filesize -= lastBlockFill
		delta -= lastBlockFill
	}

	f.node.Filesize = newSize
	ondisk.PutUint64At(f.raw, ondisk.OffFilesize, newSize)

	return nil
}

// popLastAllocatedBlock frees the file's highest-indexed data block,
// detaches the chain link that reached it, and decrements UsedBlocks by
// however many physical blocks this call actually freed. The block to
// pop is the one named by the current filesize, not by UsedBlocks
// (which, at fatStages >= 2, also counts index/FAT overhead blocks and
// so does not track the data-block-logical index the fan-out math
// walks). It then performs stage downgrade: once the data remaining
// after this free fits in the next stage down's representation, the
// now-superseded index block is inlined and freed and FatStages drops.
func (f *File) popLastAllocatedBlock() error {
	lastIdx := f.blockCount() - 1
	freed := 0

	switch f.node.FatStages {
	case 1:
		link := f.node.DataLnk[lastIdx]
		if !link.IsLink() {
			return fmt.Errorf("%w: inode %d data link %d already detached", ErrBadFormat, f.node.InodeNum, lastIdx)
		}
		if err := f.img.alloc.freeBlock(link.Block()); err != nil {
			return err
		}
		ondisk.MarkNotALink(f.raw, ondisk.DataLnkOffset(int(lastIdx)))
		f.node.DataLnk[lastIdx] = 0xFFFFFFFF
		freed++

	case 2:
		top := lastIdx / uint32(fanOut)
		idx := lastIdx % uint32(fanOut)
		topLink := f.node.DataLnk[top]
		indexBlock, err := f.walkIndirectBlock(topLink)
		if err != nil {
			return err
		}
		off := int(idx) * ondisk.ChainLinkSize
		dataLink := ondisk.DecodeChainLink(indexBlock[off : off+ondisk.ChainLinkSize])
		if !dataLink.IsLink() {
			return fmt.Errorf("%w: inode %d stage-2 data link is not active", ErrBadFormat, f.node.InodeNum)
		}
		if err := f.img.alloc.freeBlock(dataLink.Block()); err != nil {
			return err
		}
		ondisk.MarkNotALink(indexBlock, off)
		freed++

		if idx == 0 {
			// that index block's only remaining entry was the one just
			// freed: it is now entirely empty, so drop it too.
			if err := f.img.alloc.freeBlock(topLink.Block()); err != nil {
				return err
			}
			ondisk.MarkNotALink(f.raw, ondisk.DataLnkOffset(int(top)))
			f.node.DataLnk[top] = 0xFFFFFFFF
			freed++
		} else if f.node.UsedBlocks-uint32(freed) == downgradeThreshold(2, f.resourceActiveCount()) {
			n, err := f.downgradeStage()
			if err != nil {
				return err
			}
			freed += n
		}

	case 3:
		perTop := uint32(fanOut) * uint32(fanOut)
		top := lastIdx / perTop
		rem := lastIdx % perTop
		mid := rem / uint32(fanOut)
		idx := rem % uint32(fanOut)

		topLink := f.node.DataLnk[top]
		topIndexBlock, err := f.walkIndirectBlock(topLink)
		if err != nil {
			return err
		}
		midOff := int(mid) * ondisk.ChainLinkSize
		midLink := ondisk.DecodeChainLink(topIndexBlock[midOff : midOff+ondisk.ChainLinkSize])
		midIndexBlock, err := f.walkIndirectBlock(midLink)
		if err != nil {
			return err
		}

		dataOff := int(idx) * ondisk.ChainLinkSize
		dataLink := ondisk.DecodeChainLink(midIndexBlock[dataOff : dataOff+ondisk.ChainLinkSize])
		if !dataLink.IsLink() {
			return fmt.Errorf("%w: inode %d stage-3 data link is not active", ErrBadFormat, f.node.InodeNum)
		}
		if err := f.img.alloc.freeBlock(dataLink.Block()); err != nil {
			return err
		}
		ondisk.MarkNotALink(midIndexBlock, dataOff)
		freed++

		if idx == 0 {
			if err := f.img.alloc.freeBlock(midLink.Block()); err != nil {
				return err
			}
			ondisk.MarkNotALink(topIndexBlock, midOff)
			freed++

			if mid == 0 {
				if err := f.img.alloc.freeBlock(topLink.Block()); err != nil {
					return err
				}
				ondisk.MarkNotALink(f.raw, ondisk.DataLnkOffset(int(top)))
				f.node.DataLnk[top] = 0xFFFFFFFF
				freed++
			}
		} else if f.node.UsedBlocks-uint32(freed) == downgradeThreshold(3, f.resourceActiveCount()) {
			n, err := f.downgradeStage()
			if err != nil {
				return err
			}
			freed += n
		}

	default:
		return fmt.Errorf("%w: fatStages %d has no last block to pop", ErrNotImplemented, f.node.FatStages)
	}

	f.node.UsedBlocks -= uint32(freed)
	ondisk.PutUint32At(f.raw, ondisk.OffUsedBlocks, f.node.UsedBlocks)
	return nil
}

// downgradeThreshold returns the UsedBlocks value at which the named
// stage's extra indirection level is no longer needed: one index block
// plus one data block for stage 2, two index blocks plus fanOut data
// blocks for stage 3, each offset by the file's active resource link count since
// those blocks are bookkept alongside UsedBlocks too.
func downgradeThreshold(stage int, resourceBlocks int) uint32 {
	switch stage {
	case 2:
		return uint32(2 + resourceBlocks)
	case 3:
		return uint32(fanOut + 2 + resourceBlocks)
	default:
		return 0
	}
}

// downgradeStage folds the top-level DataLnk array back down one FAT
// stage once the remaining data fits without it: for stage 3 -> 2 and
// stage 2 -> 1 alike, it inlines the entries of the block DataLnk[0]
// points at back into DataLnk and frees that now-superseded holder
// block. It returns the number of additional blocks freed, for the
// caller's UsedBlocks accounting.
func (f *File) downgradeStage() (int, error) {
	freed := 0
	switch f.node.FatStages {
	case 2, 3:
		holder := f.node.DataLnk[0]
		if holder.IsLink() {
			indexBlock, err := f.img.getBlock(holder.Block())
			if err != nil {
				return 0, err
			}
			for i := 0; i < ondisk.DataLnkCount && i < fanOut; i++ {
				off := i * ondisk.ChainLinkSize
				f.node.DataLnk[i] = ondisk.DecodeChainLink(indexBlock[off : off+ondisk.ChainLinkSize])
			}
			if err := f.img.alloc.freeBlock(holder.Block()); err != nil {
				return 0, err
			}
			freed++
		}
		f.node.FatStages--
	}
	ondisk.PutUint32At(f.raw, ondisk.OffFatStages, f.node.FatStages)
	for i, link := range f.node.DataLnk {
		ondisk.PutChainLinkAt(f.raw, ondisk.DataLnkOffset(i), link)
	}
	return freed, nil
}

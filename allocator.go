package orbisfs

import (
	"fmt"

	"github.com/tihmstar/go-orbisfs/ondisk"
)

// blockAllocator walks the chained allocator-info table and answers
// free/used queries against the bitmap each region owns. It never
// allocates new blocks (see allocateBlock below) - OrbisFS write support
// is out of scope for this engine.
type blockAllocator struct {
	img     *Image
	regions []ondisk.AllocatorInfoElem

	// virtual mode: block number -> private copy, used so bitmap
	// mutations (freeBlock) never touch the mapped image.
	virtual    bool
	virtualMem map[uint32][]byte
}

func newBlockAllocator(img *Image, infoBlock uint32, virtual bool) (*blockAllocator, error) {
	a := &blockAllocator{
		img:     img,
		virtual: virtual,
	}
	if virtual {
		a.virtualMem = make(map[uint32][]byte)
	}

	block, err := a.getBlock(infoBlock)
	if err != nil {
		return nil, fmt.Errorf("orbisfs: allocator-info block: %w", err)
	}

	regions, err := ondisk.DecodeAllocatorInfo(block)
	if err != nil {
		return nil, err
	}
	a.regions = regions

	return a, nil
}

// getBlock is the allocator's own chokepoint onto block bytes: in virtual
// mode it serves (and lazily fills) a private cache; otherwise it defers
// straight to the image.
func (a *blockAllocator) getBlock(blk uint32) ([]byte, error) {
	if !a.virtual {
		return a.img.getBlock(blk)
	}

	if cached, ok := a.virtualMem[blk]; ok {
		return cached, nil
	}

	src, err := a.img.getBlock(blk)
	if err != nil {
		return nil, err
	}
	cp := make([]byte, len(src))
	copy(cp, src)
	a.virtualMem[blk] = cp
	return cp, nil
}

// getTotalBlockNum returns 1 (for the allocator-info block itself) plus the
// sum of every region's total block count.
func (a *blockAllocator) getTotalBlockNum() uint64 {
	total := uint64(1)
	for _, r := range a.regions {
		total += uint64(r.TotalBlocks)
	}
	return total
}

// getFreeBlocksNum returns the sum of every region's free block count.
func (a *blockAllocator) getFreeBlocksNum() uint64 {
	var free uint64
	for _, r := range a.regions {
		free += uint64(r.FreeBlocks)
	}
	return free
}

// locate finds the region owning blk and blk's index within that region's
// bitmap.
func (a *blockAllocator) locate(blk uint32) (region *ondisk.AllocatorInfoElem, bitIndex uint32, err error) {
	for i := range a.regions {
		r := &a.regions[i]
		if blk < r.TotalBlocks {
			return r, blk, nil
		}
		blk -= r.TotalBlocks
	}
	return nil, 0, fmt.Errorf("%w: block %d not covered by any allocator region", ErrBadFormat, blk)
}

// isBlockFree reports whether blk's bit is set (1 == free) in the owning
// region's bitmap.
func (a *blockAllocator) isBlockFree(blk uint32) (bool, error) {
	region, bitIdx, err := a.locate(blk)
	if err != nil {
		return false, err
	}

	bitmap, err := a.getBlock(region.BitmapLnk.Block())
	if err != nil {
		return false, err
	}

	byteIdx := bitIdx >> 3
	bitOff := bitIdx & 7
	return (bitmap[byteIdx]>>bitOff)&1 == 1, nil
}

// freeBlock marks blk free: asserts the bit is currently 0 (double-free is
// fatal), sets it to 1, increments the region's free counter, and
// reasserts freeBlocks <= totalBlocks.
func (a *blockAllocator) freeBlock(blk uint32) error {
	region, bitIdx, err := a.locate(blk)
	if err != nil {
		return err
	}

	bitmap, err := a.getBlock(region.BitmapLnk.Block())
	if err != nil {
		return err
	}

	byteIdx := bitIdx >> 3
	bitOff := bitIdx & 7
	if (bitmap[byteIdx]>>bitOff)&1 != 0 {
		return fmt.Errorf("%w: block %d", ErrDoubleFree, blk)
	}

	bitmap[byteIdx] |= 1 << bitOff
	region.FreeBlocks++
	if region.FreeBlocks > region.TotalBlocks {
		return fmt.Errorf("%w: freeBlocks %d exceeds totalBlocks %d after freeing block %d", ErrBadFormat, region.FreeBlocks, region.TotalBlocks, blk)
	}

	return nil
}

// allocateBlock is unimplemented: the contract is "return the lowest
// numbered free block and clear its bit", but block allocation is out of
// scope for this engine (see spec Non-goals).
func (a *blockAllocator) allocateBlock() (uint32, error) {
	return 0, fmt.Errorf("%w: block allocation", ErrNotImplemented)
}

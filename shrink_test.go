package orbisfs_test

import (
	"errors"
	"os"
	"testing"

	"github.com/tihmstar/go-orbisfs"
	"github.com/tihmstar/go-orbisfs/internal/testimg"
)

// buildStage2Image assembles an image with a single stage-2 file: inode 32
// has FatStages=2, DataLnk[0] pointing at an index block that in turn
// points at two data blocks. Used to exercise popLastAllocatedBlock's
// stage-downgrade path.
func buildStage2Image(t *testing.T) (path string, cleanup func()) {
	t.Helper()

	const (
		blkSuperblock = 0
		blkAllocInfo  = 1
		blkDiskinfo   = 2
		blkInodeTable = 3
		blkBitmap     = 4
		blkDataA      = 5
		blkDataB      = 6
		blkIndex      = 7
	)

	b := testimg.NewBuilder(8)

	b.WriteSuperblock(testimg.SuperblockParams{
		AllocBlock: blkAllocInfo,
		DiskBlock:  blkDiskinfo,
	})

	b.WriteAllocatorInfo(blkAllocInfo, []testimg.AllocatorRegion{
		{BitmapBlock: blkBitmap, FreeBlocks: 0, TotalBlocks: 8},
	})
	for _, used := range []uint32{blkSuperblock, blkAllocInfo, blkDiskinfo, blkInodeTable, blkBitmap, blkDataA, blkDataB, blkIndex} {
		b.MarkBlockUsed(blkBitmap, used)
	}

	b.WriteDiskinfo(blkDiskinfo, testimg.DiskinfoParams{
		InodeTableBlock:  blkInodeTable,
		InodesInRoot:     0,
		HighestUsedInode: 32,
		BlocksUsed:       8,
		BlocksAvailable:  8,
	})

	b.WriteInode(blkInodeTable, orbisfs_testInoRootFolder, testimg.InodeParams{
		InodeNum: orbisfs_testInoRootFolder,
		FileMode: 0o40755,
	})
	b.WriteInode(blkInodeTable, orbisfs_testInoInodeTable, testimg.InodeParams{
		InodeNum: orbisfs_testInoInodeTable,
		FileMode: 0o100600,
	})
	b.WriteInode(blkInodeTable, 32, testimg.InodeParams{
		InodeNum:   32,
		FileMode:   0o100644,
		FatStages:  2,
		DataLnk:    []uint32{blkIndex},
		Filesize:   testimg.BlockSize + 10,
		UsedBlocks: 3,
	})

	b.WriteChainLinkAt(blkIndex, 0, blkDataA)
	b.WriteChainLinkAt(blkIndex, testimg.ChainLinkSize, blkDataB)

	copy(b.Block(blkDataA)[:5], []byte("ABCDE"))
	copy(b.Block(blkDataB)[:10], []byte("0123456789"))

	path, err := b.WriteToTemp("orbisfs-stage2-*.img")
	if err != nil {
		t.Fatalf("write temp image: %v", err)
	}
	return path, func() { os.Remove(path) }
}

// TestShrinkAcrossStageDowngrade covers spec §8 scenario 3: shrinking a
// stage-2 file down to where it fits in stage-1 representation must free
// both the dropped data block and the now-unreferenced index block, and
// fold FatStages back to 1.
func TestShrinkAcrossStageDowngrade(t *testing.T) {
	path, cleanup := buildStage2Image(t)
	defer cleanup()

	img, err := orbisfs.Open(path, true)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer img.Close()

	freeBefore := img.FreeBlocks()
	if freeBefore != 0 {
		t.Fatalf("expected 0 free blocks before shrink, got %d", freeBefore)
	}

	f, err := img.OpenFileID(32)
	if err != nil {
		t.Fatalf("OpenFileID: %v", err)
	}
	defer f.Close()

	if err := f.Shrink(testimg.BlockSize + 10 - 5); err != nil {
		t.Fatalf("Shrink: %v", err)
	}

	if f.Size() != 5 {
		t.Fatalf("expected filesize 5, got %d", f.Size())
	}

	freeAfter := img.FreeBlocks()
	if freeAfter != freeBefore+2 {
		t.Fatalf("expected free count to grow by 2, went %d -> %d", freeBefore, freeAfter)
	}

	buf := make([]byte, 5)
	n, err := f.Pread(buf, 0)
	if err != nil {
		t.Fatalf("Pread: %v", err)
	}
	if n != 5 || string(buf) != "ABCDE" {
		t.Fatalf("unexpected content %q (n=%d)", buf, n)
	}

	reopened, err := img.GetInodeForID(32)
	if err != nil {
		t.Fatalf("GetInodeForID: %v", err)
	}
	if reopened.FatStages != 1 {
		t.Fatalf("expected fatStages 1 after downgrade, got %d", reopened.FatStages)
	}
	if reopened.UsedBlocks != 1 {
		t.Fatalf("expected usedBlocks 1 after downgrade, got %d", reopened.UsedBlocks)
	}
}

// TestShrinkRejectsReadOnlyImage covers the read-only safety guard: Shrink
// must fail cleanly rather than write through a PROT_READ mapping.
func TestShrinkRejectsReadOnlyImage(t *testing.T) {
	path, cleanup := buildStage2Image(t)
	defer cleanup()

	img, err := orbisfs.Open(path, false)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer img.Close()

	f, err := img.OpenFileID(32)
	if err != nil {
		t.Fatalf("OpenFileID: %v", err)
	}
	defer f.Close()

	if err := f.Shrink(5); err == nil {
		t.Fatalf("expected Shrink to fail on a read-only image")
	} else if !errors.Is(err, orbisfs.ErrReadOnly) {
		t.Fatalf("expected ErrReadOnly, got %v", err)
	}
}

// buildVanishedEntryImage builds a root directory with three entries where
// the middle one's inode slot was never initialized (bad magic).
func buildVanishedEntryImage(t *testing.T) (path string, cleanup func()) {
	t.Helper()

	const (
		blkSuperblock = 0
		blkAllocInfo  = 1
		blkDiskinfo   = 2
		blkInodeTable = 3
		blkRootDir    = 4
		blkBitmap     = 5
		blkDataA      = 6
		blkDataC      = 7

		inoVanished = 40
	)

	b := testimg.NewBuilder(8)

	b.WriteSuperblock(testimg.SuperblockParams{
		AllocBlock: blkAllocInfo,
		DiskBlock:  blkDiskinfo,
	})

	b.WriteAllocatorInfo(blkAllocInfo, []testimg.AllocatorRegion{
		{BitmapBlock: blkBitmap, FreeBlocks: 0, TotalBlocks: 8},
	})
	for _, used := range []uint32{blkSuperblock, blkAllocInfo, blkDiskinfo, blkInodeTable, blkRootDir, blkBitmap, blkDataA, blkDataC} {
		b.MarkBlockUsed(blkBitmap, used)
	}

	b.WriteDiskinfo(blkDiskinfo, testimg.DiskinfoParams{
		InodeTableBlock:  blkInodeTable,
		InodesInRoot:     3,
		HighestUsedInode: 33,
		BlocksUsed:       8,
		BlocksAvailable:  8,
	})

	b.WriteInode(blkInodeTable, orbisfs_testInoRootFolder, testimg.InodeParams{
		InodeNum:   orbisfs_testInoRootFolder,
		FileMode:   0o40755,
		FatStages:  1,
		DataLnk:    []uint32{blkRootDir},
		Filesize:   testimg.BlockSize,
		UsedBlocks: 1,
	})
	b.WriteInode(blkInodeTable, orbisfs_testInoInodeTable, testimg.InodeParams{
		InodeNum: orbisfs_testInoInodeTable,
		FileMode: 0o100600,
	})
	b.WriteInode(blkInodeTable, 32, testimg.InodeParams{
		InodeNum:   32,
		FileMode:   0o100644,
		FatStages:  1,
		DataLnk:    []uint32{blkDataA},
		Filesize:   1,
		UsedBlocks: 1,
	})
	b.WriteInode(blkInodeTable, 33, testimg.InodeParams{
		InodeNum:   33,
		FileMode:   0o100644,
		FatStages:  1,
		DataLnk:    []uint32{blkDataC},
		Filesize:   1,
		UsedBlocks: 1,
	})
	// slot inoVanished is left all-zero: bad magic, a vanished entry.

	off := 0
	off = b.AppendDirEntry(blkRootDir, off, testimg.DirEntryParams{InodeNum: orbisfs_testInoRootFolder, Name: ".", Type: 4})
	off = b.AppendDirEntry(blkRootDir, off, testimg.DirEntryParams{InodeNum: orbisfs_testInoRootFolder, Name: "..", Type: 4})
	off = b.AppendDirEntry(blkRootDir, off, testimg.DirEntryParams{InodeNum: 32, Name: "a", Type: 8})
	off = b.AppendDirEntry(blkRootDir, off, testimg.DirEntryParams{InodeNum: inoVanished, Name: "b", Type: 8})
	b.AppendDirEntry(blkRootDir, off, testimg.DirEntryParams{InodeNum: 33, Name: "c", Type: 8})

	copy(b.Block(blkDataA)[:1], []byte("A"))
	copy(b.Block(blkDataC)[:1], []byte("C"))

	path, err := b.WriteToTemp("orbisfs-vanished-*.img")
	if err != nil {
		t.Fatalf("write temp image: %v", err)
	}
	return path, func() { os.Remove(path) }
}

// TestListSkipsVanishedEntry covers spec §8 scenario 4: a directory entry
// whose inode slot has a bad magic is skipped silently rather than
// failing the whole listing.
func TestListSkipsVanishedEntry(t *testing.T) {
	path, cleanup := buildVanishedEntryImage(t)
	defer cleanup()

	img, err := orbisfs.Open(path, false)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer img.Close()

	entries, err := img.ListFilesInFolder("/", false)
	if err != nil {
		t.Fatalf("ListFilesInFolder: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("expected 2 surviving entries, got %d", len(entries))
	}
	if entries[0].Name != "a" || entries[1].Name != "c" {
		t.Fatalf("unexpected entries %+v", entries)
	}
}

// buildSharedBlockImage builds two single-block files that both (illegally)
// reference the same data block, to drive the allocator's double-free
// detection through the public Shrink path.
func buildSharedBlockImage(t *testing.T) (path string, cleanup func()) {
	t.Helper()

	const (
		blkSuperblock = 0
		blkAllocInfo  = 1
		blkDiskinfo   = 2
		blkInodeTable = 3
		blkBitmap     = 4
		blkShared     = 5
	)

	b := testimg.NewBuilder(6)

	b.WriteSuperblock(testimg.SuperblockParams{
		AllocBlock: blkAllocInfo,
		DiskBlock:  blkDiskinfo,
	})

	b.WriteAllocatorInfo(blkAllocInfo, []testimg.AllocatorRegion{
		{BitmapBlock: blkBitmap, FreeBlocks: 0, TotalBlocks: 6},
	})
	for _, used := range []uint32{blkSuperblock, blkAllocInfo, blkDiskinfo, blkInodeTable, blkBitmap, blkShared} {
		b.MarkBlockUsed(blkBitmap, used)
	}

	b.WriteDiskinfo(blkDiskinfo, testimg.DiskinfoParams{
		InodeTableBlock:  blkInodeTable,
		InodesInRoot:     0,
		HighestUsedInode: 33,
		BlocksUsed:       6,
		BlocksAvailable:  6,
	})

	b.WriteInode(blkInodeTable, orbisfs_testInoRootFolder, testimg.InodeParams{
		InodeNum: orbisfs_testInoRootFolder,
		FileMode: 0o40755,
	})
	b.WriteInode(blkInodeTable, orbisfs_testInoInodeTable, testimg.InodeParams{
		InodeNum: orbisfs_testInoInodeTable,
		FileMode: 0o100600,
	})
	b.WriteInode(blkInodeTable, 32, testimg.InodeParams{
		InodeNum:   32,
		FileMode:   0o100644,
		FatStages:  1,
		DataLnk:    []uint32{blkShared},
		Filesize:   50,
		UsedBlocks: 1,
	})
	b.WriteInode(blkInodeTable, 33, testimg.InodeParams{
		InodeNum:   33,
		FileMode:   0o100644,
		FatStages:  1,
		DataLnk:    []uint32{blkShared},
		Filesize:   50,
		UsedBlocks: 1,
	})

	path, err := b.WriteToTemp("orbisfs-doublefree-*.img")
	if err != nil {
		t.Fatalf("write temp image: %v", err)
	}
	return path, func() { os.Remove(path) }
}

// TestShrinkDetectsDoubleFree covers spec §8 scenario 6: freeing a block
// whose bit is already free is fatal and surfaces as ErrDoubleFree,
// reached here through two inodes that (illegally) share one data block.
func TestShrinkDetectsDoubleFree(t *testing.T) {
	path, cleanup := buildSharedBlockImage(t)
	defer cleanup()

	img, err := orbisfs.Open(path, true)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer img.Close()

	a, err := img.OpenFileID(32)
	if err != nil {
		t.Fatalf("OpenFileID(32): %v", err)
	}
	defer a.Close()
	if err := a.Shrink(50); err != nil {
		t.Fatalf("first Shrink: %v", err)
	}

	c, err := img.OpenFileID(33)
	if err != nil {
		t.Fatalf("OpenFileID(33): %v", err)
	}
	defer c.Close()
	if err := c.Shrink(50); err == nil {
		t.Fatalf("expected second Shrink to detect a double free")
	} else if !errors.Is(err, orbisfs.ErrDoubleFree) {
		t.Fatalf("expected ErrDoubleFree, got %v", err)
	}
}

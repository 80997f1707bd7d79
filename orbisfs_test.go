package orbisfs_test

import (
	"os"
	"testing"

	"github.com/tihmstar/go-orbisfs"
	"github.com/tihmstar/go-orbisfs/internal/testimg"
)

// buildMinimalImage assembles the smallest valid OrbisFS image: superblock
// at block 0, allocator-info at block 1 (one region covering blocks 0-15),
// diskinfo at block 2, inode table starting at block 3 (one block holds
// every reserved slot plus a few user inodes), a root directory with one
// regular file, and that file's single data block.
func buildMinimalImage(t *testing.T) (path string, cleanup func()) {
	t.Helper()

	const (
		blkSuperblock = 0
		blkAllocInfo  = 1
		blkDiskinfo   = 2
		blkInodeTable = 3
		blkRootDir    = 4
		blkFileData   = 5
	)

	b := testimg.NewBuilder(16)

	b.WriteSuperblock(testimg.SuperblockParams{
		AllocBlock: blkAllocInfo,
		DiskBlock:  blkDiskinfo,
	})

	b.WriteAllocatorInfo(blkAllocInfo, []testimg.AllocatorRegion{
		{BitmapBlock: 6, FreeBlocks: 16, TotalBlocks: 16},
	})
	for _, used := range []uint32{blkSuperblock, blkAllocInfo, blkDiskinfo, blkInodeTable, blkRootDir, blkFileData, 6} {
		b.MarkBlockUsed(6, used)
	}

	b.WriteDiskinfo(blkDiskinfo, testimg.DiskinfoParams{
		InodeTableBlock:  blkInodeTable,
		InodesInRoot:     1,
		HighestUsedInode: 32,
		BlocksUsed:       7,
		BlocksAvailable:  9,
	})

	// Reserved slots 0 and 1 stay all-zero. Root folder (2) and inode
	// table (3) get real records; slot 32 is the first user file.
	b.WriteInode(blkInodeTable, orbisfs_testInoRootFolder, testimg.InodeParams{
		InodeNum:  orbisfs_testInoRootFolder,
		FileMode:  0o40755,
		FatStages: 1,
		DataLnk:   []uint32{blkRootDir},
		Filesize:  testimg.BlockSize,
		UsedBlocks: 1,
	})
	b.WriteInode(blkInodeTable, orbisfs_testInoInodeTable, testimg.InodeParams{
		InodeNum:  orbisfs_testInoInodeTable,
		FileMode:  0o100600,
		FatStages: 0,
	})
	b.WriteInode(blkInodeTable, 32, testimg.InodeParams{
		InodeNum:   32,
		FileMode:   0o100644,
		FatStages:  1,
		DataLnk:    []uint32{blkFileData},
		Filesize:   5,
		UsedBlocks: 1,
	})

	off := 0
	off = b.AppendDirEntry(blkRootDir, off, testimg.DirEntryParams{InodeNum: orbisfs_testInoRootFolder, Name: ".", Type: 4})
	off = b.AppendDirEntry(blkRootDir, off, testimg.DirEntryParams{InodeNum: orbisfs_testInoRootFolder, Name: "..", Type: 4})
	b.AppendDirEntry(blkRootDir, off, testimg.DirEntryParams{InodeNum: 32, Name: "hello.txt", Type: 8})

	copy(b.Block(blkFileData)[:5], []byte("hello"))

	path, err := b.WriteToTemp("orbisfs-test-*.img")
	if err != nil {
		t.Fatalf("write temp image: %v", err)
	}
	return path, func() { os.Remove(path) }
}

const (
	orbisfs_testInoRootFolder = 2
	orbisfs_testInoInodeTable = 3
)

func TestOpenMinimalImage(t *testing.T) {
	path, cleanup := buildMinimalImage(t)
	defer cleanup()

	img, err := orbisfs.Open(path, false)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer img.Close()

	if img.IsWriteable() {
		t.Fatalf("expected read-only image")
	}
	if img.BlockSize() != testimg.BlockSize {
		t.Fatalf("unexpected block size %d", img.BlockSize())
	}
}

func TestListRootDirectory(t *testing.T) {
	path, cleanup := buildMinimalImage(t)
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
	if len(entries) != 1 {
		t.Fatalf("expected 1 entry, got %d", len(entries))
	}
	if entries[0].Name != "hello.txt" {
		t.Fatalf("unexpected entry name %q", entries[0].Name)
	}

	withDots, err := img.ListFilesInFolder("/", true)
	if err != nil {
		t.Fatalf("ListFilesInFolder with dots: %v", err)
	}
	if len(withDots) != 3 {
		t.Fatalf("expected 3 entries with dots, got %d", len(withDots))
	}
}

func TestReadFileByPath(t *testing.T) {
	path, cleanup := buildMinimalImage(t)
	defer cleanup()

	img, err := orbisfs.Open(path, false)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer img.Close()

	f, err := img.OpenFileAtPath("/hello.txt")
	if err != nil {
		t.Fatalf("OpenFileAtPath: %v", err)
	}
	defer f.Close()

	if f.Size() != 5 {
		t.Fatalf("expected size 5, got %d", f.Size())
	}

	buf := make([]byte, 5)
	n, err := f.Pread(buf, 0)
	if err != nil {
		t.Fatalf("Pread: %v", err)
	}
	if n != 5 || string(buf) != "hello" {
		t.Fatalf("unexpected content %q (n=%d)", buf, n)
	}

	// reading past EOF returns a short read, not an error.
	n, err = f.Pread(buf, 100)
	if err != nil || n != 0 {
		t.Fatalf("expected (0, nil) past EOF, got (%d, %v)", n, err)
	}
}

func TestInodeBackdoorPath(t *testing.T) {
	path, cleanup := buildMinimalImage(t)
	defer cleanup()

	img, err := orbisfs.Open(path, false)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer img.Close()

	byPath, err := img.GetInodeForPath("/hello.txt")
	if err != nil {
		t.Fatalf("GetInodeForPath: %v", err)
	}
	byID, err := img.GetInodeForID(byPath.InodeNum)
	if err != nil {
		t.Fatalf("GetInodeForID: %v", err)
	}
	if byPath != byID {
		t.Fatalf("ID lookup diverged from path lookup")
	}

	resolved, err := img.GetInodeForPath("iNode32")
	if err != nil {
		t.Fatalf("GetInodeForPath iNode32: %v", err)
	}
	if resolved.InodeNum != 32 {
		t.Fatalf("expected inode 32, got %d", resolved.InodeNum)
	}
}

func TestMissingFileNotFound(t *testing.T) {
	path, cleanup := buildMinimalImage(t)
	defer cleanup()

	img, err := orbisfs.Open(path, false)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer img.Close()

	if _, err := img.OpenFileAtPath("/nope.txt"); err == nil {
		t.Fatalf("expected error opening missing file")
	}
}

func TestDoubleCloseIsSafe(t *testing.T) {
	path, cleanup := buildMinimalImage(t)
	defer cleanup()

	img, err := orbisfs.Open(path, false)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	f, err := img.OpenFileAtPath("/hello.txt")
	if err != nil {
		t.Fatalf("OpenFileAtPath: %v", err)
	}
	if err := f.Close(); err != nil {
		t.Fatalf("first Close: %v", err)
	}
	if err := f.Close(); err != nil {
		t.Fatalf("second Close should be a no-op, got: %v", err)
	}

	if err := img.Close(); err != nil {
		t.Fatalf("Image.Close: %v", err)
	}
}

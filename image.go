// Package orbisfs decodes the OrbisFS on-disk format: superblock/diskinfo
// validation, the block allocator's bitmap model, the multi-stage
// FAT-style indirect block index used by regular files and the inode
// table, the directory-entry walker, the path resolver, and the
// lifecycle/reference coordination that keeps an open image safe to read
// while File handles hold pointers into its memory-mapped blocks.
package orbisfs

import (
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"

	"golang.org/x/sys/unix"

	"github.com/tihmstar/go-orbisfs/internal/blockdev"
	"github.com/tihmstar/go-orbisfs/ondisk"
)

// Image owns a memory-mapped OrbisFS backing store. Every other component
// in this package holds a borrowed reference into it; Image is the only
// owner of the mapping and the file descriptor.
type Image struct {
	path      string
	writeable bool
	mapOffset int64

	virtualAllocator bool

	f    *os.File
	data []byte

	sb *ondisk.Superblock
	di *ondisk.Diskinfo

	alloc  *blockAllocator
	inodes *inodeDirectory

	mu          sync.Mutex
	cond        *sync.Cond
	openHandles uint32
	closing     bool
}

// Open opens path (a regular file or a raw block device) and prepares it
// for reading OrbisFS structures. writeable selects a shared (read/write)
// mapping; otherwise the mapping is private/read-only.
func Open(path string, writeable bool, opts ...Option) (*Image, error) {
	flags := os.O_RDONLY
	if writeable {
		flags = os.O_RDWR
	}

	f, err := os.OpenFile(path, flags, 0)
	if err != nil {
		return nil, fmt.Errorf("%w: open %s: %s", ErrIoError, path, err)
	}

	img := &Image{
		path:      path,
		writeable: writeable,
		f:         f,
	}
	img.cond = sync.NewCond(&img.mu)

	for _, opt := range opts {
		if err := opt(img); err != nil {
			f.Close()
			return nil, err
		}
	}

	size, err := blockdev.Size(f)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("%w: determine size of %s: %s", ErrIoError, path, err)
	}
	mapSize := size - img.mapOffset
	if mapSize <= 0 {
		f.Close()
		return nil, fmt.Errorf("%w: mapping offset %d exceeds backing store size %d", ErrIoError, img.mapOffset, size)
	}

	prot := unix.PROT_READ
	mapFlags := unix.MAP_PRIVATE
	if writeable {
		prot |= unix.PROT_WRITE
		mapFlags = unix.MAP_SHARED
	}

	data, err := unix.Mmap(int(f.Fd()), img.mapOffset, int(mapSize), prot, mapFlags)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("%w: mmap %s: %s", ErrIoError, path, err)
	}
	img.data = data

	if err := img.init(); err != nil {
		unix.Munmap(data)
		f.Close()
		return nil, err
	}

	return img, nil
}

func (img *Image) init() error {
	block0, err := img.getBlock(0)
	if err != nil {
		return fmt.Errorf("orbisfs: read superblock: %w", err)
	}
	sb, err := ondisk.DecodeSuperblock(block0)
	if err != nil {
		return err
	}
	img.sb = sb

	if !sb.AllocLnk.IsLink() {
		return fmt.Errorf("%w: superblock allocator link is not active", ErrBadFormat)
	}
	alloc, err := newBlockAllocator(img, sb.AllocLnk.Block(), img.virtualAllocator)
	if err != nil {
		return err
	}
	img.alloc = alloc

	if !sb.DiskLnk.IsLink() {
		return fmt.Errorf("%w: superblock diskinfo link is not active", ErrBadFormat)
	}
	diBlock, err := img.getBlock(sb.DiskLnk.Block())
	if err != nil {
		return fmt.Errorf("orbisfs: read diskinfo: %w", err)
	}
	di, err := ondisk.DecodeDiskinfo(diBlock, sb)
	if err != nil {
		return err
	}
	img.di = di

	if !di.InodeTableLnk.IsLink() {
		return fmt.Errorf("%w: diskinfo inode table link is not active", ErrBadFormat)
	}
	inodes, err := newInodeDirectory(img, di.InodeTableLnk.Block())
	if err != nil {
		return err
	}
	img.inodes = inodes

	return nil
}

// BlockSize returns the fixed per-block size used throughout the format.
func (img *Image) BlockSize() uint32 {
	return ondisk.BlockSize
}

// IsWriteable reports whether this Image was opened for read/write access.
func (img *Image) IsWriteable() bool {
	return img.writeable
}

// TotalBlocks returns the allocator's total block count across every
// region, plus the allocator-info block itself.
func (img *Image) TotalBlocks() uint64 {
	return img.alloc.getTotalBlockNum()
}

// FreeBlocks returns the allocator's free block count across every
// region.
func (img *Image) FreeBlocks() uint64 {
	return img.alloc.getFreeBlocksNum()
}

// Superblock returns a copy of the validated superblock.
func (img *Image) Superblock() ondisk.Superblock {
	return *img.sb
}

// Diskinfo returns a copy of the validated diskinfo block.
func (img *Image) Diskinfo() ondisk.Diskinfo {
	return *img.di
}

// getBlock is the single chokepoint every other component uses to reach
// bytes: it returns the live BlockSize-byte window for block index blk,
// failing if that range would extend past the mapped region.
func (img *Image) getBlock(blk uint32) ([]byte, error) {
	start := uint64(blk) * ondisk.BlockSize
	end := start + ondisk.BlockSize
	if end > uint64(len(img.data)) {
		return nil, fmt.Errorf("%w: block %d (range [%d,%d)) exceeds mapped size %d", ErrBadFormat, blk, start, end, len(img.data))
	}
	return img.data[start:end], nil
}

// addRef increments the open-handle counter; used by File on construction.
func (img *Image) addRef() {
	img.mu.Lock()
	img.openHandles++
	img.mu.Unlock()
}

// release decrements the open-handle counter and wakes any teardown
// waiting on it; used by File on Close.
func (img *Image) release() {
	img.mu.Lock()
	img.openHandles--
	img.cond.Broadcast()
	img.mu.Unlock()
}

// NamedInode pairs a directory entry's name with a decoded copy of the
// inode it refers to.
type NamedInode struct {
	Name  string
	Inode ondisk.Inode
}

// ListFilesInFolder enumerates path's directory entries, sorted by name
// ascending. "." and ".." are elided unless includeSelfAndParent is set.
func (img *Image) ListFilesInFolder(path string, includeSelfAndParent bool) ([]NamedInode, error) {
	id, err := img.inodes.findInodeIDForPath(path)
	if err != nil {
		return nil, err
	}
	return img.inodes.listFilesInDir(id, includeSelfAndParent)
}

// ListFilesInFolderID is the inode-ID overload of ListFilesInFolder.
func (img *Image) ListFilesInFolderID(id uint32, includeSelfAndParent bool) ([]NamedInode, error) {
	return img.inodes.listFilesInDir(id, includeSelfAndParent)
}

// GetInodeForID returns a copy of the inode record at id. The copy means
// callers can never dangle a reference across image teardown.
func (img *Image) GetInodeForID(id uint32) (ondisk.Inode, error) {
	ino, err := img.inodes.findInode(id)
	if err != nil {
		return ondisk.Inode{}, err
	}
	return *ino, nil
}

// GetInodeForPath resolves path and returns a copy of the resulting inode.
func (img *Image) GetInodeForPath(path string) (ondisk.Inode, error) {
	id, err := img.inodes.findInodeIDForPath(path)
	if err != nil {
		return ondisk.Inode{}, err
	}
	return img.GetInodeForID(id)
}

// OpenFileID opens a ref-counted File bound to inode id. The Image's
// open-handle counter is incremented for the lifetime of the returned
// File; call Close to release it.
func (img *Image) OpenFileID(id uint32) (*File, error) {
	ino, err := img.inodes.findInode(id)
	if err != nil {
		return nil, err
	}
	raw, err := img.inodes.rawInode(id)
	if err != nil {
		return nil, err
	}
	return newFile(img, ino, raw, false), nil
}

// OpenFileAtPath resolves path and opens a File for it.
func (img *Image) OpenFileAtPath(path string) (*File, error) {
	id, err := img.inodes.findInodeIDForPath(path)
	if err != nil {
		return nil, err
	}
	return img.OpenFileID(id)
}

// WalkCallback is invoked once per visited entry during
// IterateOverFilesInFolder, with the entry's absolute path and a copy of
// its inode. For directories it fires before descent.
type WalkCallback func(path string, node ondisk.Inode) error

// IterateOverFilesInFolder performs a pre-order traversal of path,
// optionally recursive, calling callback for every entry in alphabetical
// order. The walk uses an explicit stack; names within a directory are
// pushed in reverse so pops stay alphabetical.
func (img *Image) IterateOverFilesInFolder(path string, recursive bool, callback WalkCallback) error {
	rootID, err := img.inodes.findInodeIDForPath(path)
	if err != nil {
		return err
	}

	normBase := strings.TrimSuffix(path, "/")

	type stackEntry struct {
		path string
		id   uint32
	}

	entries, err := img.inodes.listFilesInDir(rootID, false)
	if err != nil {
		return err
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name < entries[j].Name })

	stack := make([]stackEntry, 0, len(entries))
	for i := len(entries) - 1; i >= 0; i-- {
		e := entries[i]
		stack = append(stack, stackEntry{path: joinPath(normBase, e.Name), id: e.Inode.InodeNum})
	}

	for len(stack) > 0 {
		top := stack[len(stack)-1]
		stack = stack[:len(stack)-1]

		node, err := img.inodes.findInode(top.id)
		if err != nil {
			if vanishedEntry(err) {
				continue
			}
			return err
		}

		isDir := nodeIsDir(node)
		if err := callback(top.path, *node); err != nil {
			return err
		}

		if isDir && recursive {
			children, err := img.inodes.listFilesInDir(top.id, false)
			if err != nil {
				return err
			}
			sort.Slice(children, func(i, j int) bool { return children[i].Name < children[j].Name })
			for i := len(children) - 1; i >= 0; i-- {
				c := children[i]
				stack = append(stack, stackEntry{path: joinPath(top.path, c.Name), id: c.Inode.InodeNum})
			}
		}
	}

	return nil
}

func joinPath(base, name string) string {
	if base == "" || base == "/" {
		return "/" + name
	}
	return base + "/" + name
}

// Close releases the inode directory (and the File it may hold open for
// inode #3), waits for every externally held File to be released, then
// releases the allocator, unmaps the backing store, and closes the
// descriptor.
func (img *Image) Close() error {
	img.inodes.close()

	img.mu.Lock()
	img.closing = true
	for img.openHandles > 0 {
		img.cond.Wait()
	}
	img.mu.Unlock()

	if err := unix.Munmap(img.data); err != nil {
		return fmt.Errorf("%w: munmap: %s", ErrIoError, err)
	}
	if err := img.f.Close(); err != nil {
		return fmt.Errorf("%w: close: %s", ErrIoError, err)
	}
	return nil
}

//go:build fuse

// Package fuseadapter mounts an OrbisFS image read-only via
// hanwen/go-fuse/v2's high-level Inode API, the same library the
// teacher's own inode_fuse.go builds on (there at the low-level
// fuse.RawFileSystem layer; here at the fs.Inode layer, since this
// engine starts a fresh mount rather than reusing the teacher's
// multi-image inode-numbering scheme).
package fuseadapter

import (
	"context"
	"io/fs"
	"sync"
	"syscall"

	"github.com/google/uuid"
	fusego "github.com/hanwen/go-fuse/v2/fs"
	"github.com/hanwen/go-fuse/v2/fuse"

	"github.com/tihmstar/go-orbisfs"
	"github.com/tihmstar/go-orbisfs/ondisk"
)

// FS wraps one Image for the duration of a mount. ID is a random
// identifier generated by New; the adapter itself never reads it, and the
// inode numbers it hands to FUSE are the image's own inode numbers.
type FS struct {
	img *orbisfs.Image
	ID  uuid.UUID

	mu    sync.Mutex
	nodes map[uint32]*Node
}

// New wraps img for mounting. The caller still owns img's lifetime; Close
// the mount before closing img.
func New(img *orbisfs.Image) *FS {
	return &FS{
		img:   img,
		ID:    uuid.New(),
		nodes: make(map[uint32]*Node),
	}
}

// Root returns the go-fuse root operations object for img's root folder.
func (f *FS) Root() fusego.InodeEmbedder {
	return f.nodeFor(2)
}

func (f *FS) nodeFor(inodeNum uint32) *Node {
	f.mu.Lock()
	defer f.mu.Unlock()
	if n, ok := f.nodes[inodeNum]; ok {
		return n
	}
	n := &Node{fs: f, inodeNum: inodeNum}
	f.nodes[inodeNum] = n
	return n
}

// Node is one OrbisFS inode exposed through go-fuse. All methods are
// read-only: Open with write flags fails with EROFS, and no mutating FUSE
// op is implemented.
type Node struct {
	fusego.Inode

	fs       *FS
	inodeNum uint32
}

var (
	_ fusego.NodeLookuper  = (*Node)(nil)
	_ fusego.NodeReaddirer = (*Node)(nil)
	_ fusego.NodeOpener    = (*Node)(nil)
	_ fusego.NodeReader    = (*Node)(nil)
	_ fusego.NodeGetattrer = (*Node)(nil)
)

func (n *Node) Lookup(ctx context.Context, name string, out *fuse.EntryOut) (*fusego.Inode, syscall.Errno) {
	children, err := n.fs.img.ListFilesInFolderID(n.inodeNum, false)
	if err != nil {
		return nil, syscall.EIO
	}
	for _, c := range children {
		if c.Name != name {
			continue
		}
		child := n.fs.nodeFor(c.Inode.InodeNum)
		fillAttr(&out.Attr, &c.Inode)
		return n.NewInode(ctx, child, fusego.StableAttr{
			Mode: uint32(orbisfs.UnixToMode(uint32(c.Inode.FileMode))),
			Ino:  uint64(c.Inode.InodeNum),
		}), 0
	}
	return nil, syscall.ENOENT
}

func (n *Node) Readdir(ctx context.Context) (fusego.DirStream, syscall.Errno) {
	children, err := n.fs.img.ListFilesInFolderID(n.inodeNum, false)
	if err != nil {
		return nil, syscall.EIO
	}

	entries := make([]fuse.DirEntry, 0, len(children))
	for _, c := range children {
		mode := orbisfs.UnixToMode(uint32(c.Inode.FileMode))
		typ := uint32(0)
		if mode&fs.ModeDir != 0 {
			typ = fuse.S_IFDIR
		} else {
			typ = fuse.S_IFREG
		}
		entries = append(entries, fuse.DirEntry{
			Name: c.Name,
			Ino:  uint64(c.Inode.InodeNum),
			Mode: typ,
		})
	}
	return fusego.NewListDirStream(entries), 0
}

func (n *Node) Open(ctx context.Context, flags uint32) (fusego.FileHandle, uint32, syscall.Errno) {
	if flags&(syscall.O_WRONLY|syscall.O_RDWR) != 0 {
		return nil, 0, syscall.EROFS
	}
	f, err := n.fs.img.OpenFileID(n.inodeNum)
	if err != nil {
		return nil, 0, syscall.EIO
	}
	return &fileHandle{f: f}, fuse.FOPEN_KEEP_CACHE, 0
}

func (n *Node) Getattr(ctx context.Context, f fusego.FileHandle, out *fuse.AttrOut) syscall.Errno {
	ino, err := n.fs.img.GetInodeForID(n.inodeNum)
	if err != nil {
		return syscall.EIO
	}
	fillAttr(&out.Attr, &ino)
	return 0
}

type fileHandle struct {
	f *orbisfs.File
}

var _ fusego.FileReader = (*fileHandle)(nil)

func (h *fileHandle) Read(ctx context.Context, dest []byte, off int64) (fuse.ReadResult, syscall.Errno) {
	n, err := h.f.Pread(dest, off)
	if err != nil {
		return nil, syscall.EIO
	}
	return fuse.ReadResultData(dest[:n]), 0
}

func fillAttr(attr *fuse.Attr, ino *ondisk.Inode) {
	attr.Size = ino.Filesize
	attr.Mode = uint32(orbisfs.UnixToMode(uint32(ino.FileMode)))
	attr.Uid = uint32(ino.Uid)
	attr.Gid = uint32(ino.Gid)
	attr.Atime = uint64(ino.AccessTime)
	attr.Mtime = uint64(ino.ModifyTime)
	attr.Ctime = uint64(ino.CreateTime)
	attr.Blocks = uint64(ino.UsedBlocks)
}

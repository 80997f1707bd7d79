package orbisfs

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/tihmstar/go-orbisfs/ondisk"
)

// inodeDirectory resolves inode IDs to records and paths to inode IDs. The
// inode table itself is addressed as an ordinary file (inode #3): its
// first block is read directly out of the image so bootstrap never needs
// a File, but any slot beyond that first block is reached through a
// lazily opened self-referential File so the table's own FAT indirection
// (when it spans multiple blocks) is reused instead of reimplemented.
type inodeDirectory struct {
	img          *Image
	firstBlock   []byte
	slotsPerBlock uint32

	self *File
}

func newInodeDirectory(img *Image, firstBlockNum uint32) (*inodeDirectory, error) {
	first, err := img.getBlock(firstBlockNum)
	if err != nil {
		return nil, fmt.Errorf("orbisfs: inode table first block: %w", err)
	}

	d := &inodeDirectory{
		img:           img,
		firstBlock:    first,
		slotsPerBlock: ondisk.BlockSize / ondisk.InodeSize,
	}

	return d, nil
}

// selfFile lazily opens inode #3 as an ordinary File so slots beyond the
// first block can be located through the regular FAT-stage machinery.
func (d *inodeDirectory) selfFile() (*File, error) {
	if d.self != nil {
		return d.self, nil
	}

	off := ondisk.InoInodeTable * ondisk.InodeSize
	raw := d.firstBlock[off : off+ondisk.InodeSize]
	ino, err := ondisk.DecodeInode(raw, ondisk.InoInodeTable)
	if err != nil {
		return nil, err
	}

	f := newFile(d.img, ino, raw, true)
	d.self = f
	return f, nil
}

// close releases the self-File the inode directory may have opened,
// handing its open-handle reference back to the image before Image.Close
// waits for outstanding handles to drain.
func (d *inodeDirectory) close() {
	if d.self != nil {
		d.self.Close()
		d.self = nil
	}
}

// rawInode returns the live, non-copied InodeSize-byte window backing
// slot id, for callers (File's shrink path) that must mutate the record
// in place.
func (d *inodeDirectory) rawInode(id uint32) ([]byte, error) {
	if id <= ondisk.InoReserved1 {
		return nil, fmt.Errorf("%w: inode %d is reserved", ErrBadFormat, id)
	}

	if id < d.slotsPerBlock {
		off := int(id) * ondisk.InodeSize
		return d.firstBlock[off : off+ondisk.InodeSize], nil
	}

	self, err := d.selfFile()
	if err != nil {
		return nil, err
	}
	byteOff := int64(id/d.slotsPerBlock)*ondisk.BlockSize + int64(id%d.slotsPerBlock)*int64(ondisk.InodeSize)
	return self.rawWindow(byteOff, ondisk.InodeSize)
}

// findInode decodes and validates the inode record at id. A bad magic is
// surfaced as ondisk.ErrInodeBadMagic (the "vanished entry" case); callers
// that walk directories treat that specially and keep going.
func (d *inodeDirectory) findInode(id uint32) (*ondisk.Inode, error) {
	raw, err := d.rawInode(id)
	if err != nil {
		return nil, err
	}
	return ondisk.DecodeInode(raw, id)
}

func nodeIsDir(ino *ondisk.Inode) bool {
	return ino.FileMode&S_IFMT == S_IFDIR
}

// listFilesInDir walks every directory-entry block reachable from dirID's
// data chain and returns its children sorted ascending by name. Entries
// whose inode has vanished (bad magic) are skipped silently, matching the
// format's tolerance for stale directory slots. "." and ".." are elided
// unless includeSelfAndParent is set.
func (d *inodeDirectory) listFilesInDir(dirID uint32, includeSelfAndParent bool) ([]NamedInode, error) {
	dirInode, err := d.findInode(dirID)
	if err != nil {
		return nil, err
	}
	if !nodeIsDir(dirInode) {
		return nil, fmt.Errorf("%w: inode %d", ErrNotDirectory, dirID)
	}

	f := newFile(d.img, dirInode, nil, true)
	defer f.Close()

	numBlocks := f.blockCount()
	var out []NamedInode

	for b := uint32(0); b < numBlocks; b++ {
		block, err := f.getDataBlock(b)
		if err != nil {
			return nil, err
		}

		offset := 0
		for offset < len(block) {
			entry, size, ok, err := ondisk.DecodeDirEntry(block, offset)
			if err != nil {
				return nil, err
			}
			if !ok {
				break
			}

			if !includeSelfAndParent && (entry.Name == "." || entry.Name == "..") {
				offset += size
				continue
			}

			child, err := d.findInode(entry.InodeNum)
			if err != nil {
				if vanishedEntry(err) {
					offset += size
					continue
				}
				return nil, err
			}

			out = append(out, NamedInode{Name: entry.Name, Inode: *child})
			offset += size
		}
	}

	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// findChildInDirectory looks up childName as a direct child of the
// directory named by dirID, excluding "." and "..".
func (d *inodeDirectory) findChildInDirectory(dirID uint32, childName string) (*ondisk.Inode, error) {
	children, err := d.listFilesInDir(dirID, false)
	if err != nil {
		return nil, err
	}
	for _, c := range children {
		if c.Name == childName {
			node := c.Inode
			return &node, nil
		}
	}
	return nil, fmt.Errorf("%w: %q", ErrFileNotFound, childName)
}

// findInodeIDForPath resolves path to an inode ID. "iNodeN" is a back
// door that names an inode directly by its decimal ID; anything else must
// be an absolute path starting with "/", descended segment by segment
// from the root folder. Resolving through a symlink is not implemented.
func (d *inodeDirectory) findInodeIDForPath(path string) (uint32, error) {
	if id, ok := parseInodeBackdoor(path); ok {
		if _, err := d.findInode(id); err != nil {
			return 0, err
		}
		return id, nil
	}

	if !strings.HasPrefix(path, "/") {
		return 0, fmt.Errorf("%w: path %q must be absolute", ErrBadFormat, path)
	}

	trimmed := strings.TrimSuffix(path, "/")
	if trimmed == "" {
		return ondisk.InoRootFolder, nil
	}

	segments := strings.Split(strings.TrimPrefix(trimmed, "/"), "/")

	currentID := uint32(ondisk.InoRootFolder)
	for _, seg := range segments {
		if seg == "" {
			continue
		}

		node, err := d.findInode(currentID)
		if err != nil {
			return 0, err
		}
		if node.FileMode&S_IFMT == S_IFLNK {
			return 0, fmt.Errorf("%w: symlink traversal at %q", ErrNotImplemented, seg)
		}

		child, err := d.findChildInDirectory(currentID, seg)
		if err != nil {
			return 0, err
		}
		currentID = child.InodeNum
	}

	return currentID, nil
}

// findInodeForPath resolves path and returns a pointer to the decoded
// inode.
func (d *inodeDirectory) findInodeForPath(path string) (*ondisk.Inode, error) {
	id, err := d.findInodeIDForPath(path)
	if err != nil {
		return nil, err
	}
	return d.findInode(id)
}

// parseInodeBackdoor recognises the "iNode<decimal>" path form.
func parseInodeBackdoor(path string) (uint32, bool) {
	const prefix = "iNode"
	if !strings.HasPrefix(path, prefix) {
		return 0, false
	}
	n, err := strconv.ParseUint(path[len(prefix):], 10, 32)
	if err != nil {
		return 0, false
	}
	return uint32(n), true
}

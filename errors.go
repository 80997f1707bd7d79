package orbisfs

import (
	"errors"

	"github.com/tihmstar/go-orbisfs/ondisk"
)

// Error taxonomy. Callers distinguish kinds with errors.Is, same idiom as
// the teacher's errors.go sentinels matched in squashfs_test.go.
var (
	// ErrBadFormat is returned for any on-disk invariant violation: bad
	// magic, non-zero padding, inconsistent back-links, invalid
	// chain-link type, namelen overflow, out-of-bounds block reference.
	ErrBadFormat = ondisk.ErrBadFormat

	// ErrFileNotFound is returned when a path segment resolves to no
	// matching directory entry.
	ErrFileNotFound = errors.New("orbisfs: file not found")

	// ErrNotDirectory is returned when a directory operation targets a
	// non-directory inode. File.Pread also returns it when the file's
	// inode is a directory.
	ErrNotDirectory = errors.New("orbisfs: not a directory")

	// ErrNotImplemented covers write, grow, block allocation, symlink
	// traversal, >=4-level FAT, and any other operation the source
	// leaves unimplemented.
	ErrNotImplemented = errors.New("orbisfs: not implemented")

	// ErrDoubleFree is returned by freeBlock when the target block's
	// free bit is already set. Fatal: indicates corruption or caller bug.
	ErrDoubleFree = errors.New("orbisfs: double free detected")

	// ErrIoError wraps failures from the underlying open/mmap/ioctl
	// calls used to back an Image.
	ErrIoError = errors.New("orbisfs: I/O error")

	// ErrReadOnly is returned by mutating operations (Shrink) when the
	// owning Image was opened read-only: its mmap is PROT_READ, so any
	// write through it would fault rather than return a normal error.
	ErrReadOnly = errors.New("orbisfs: image is read-only")
)

// vanishedEntry reports whether err represents an inode slot with a bad
// magic - the one error directory iteration recovers from locally by
// skipping the entry, per the source's "vanished entry" design.
func vanishedEntry(err error) bool {
	return errors.Is(err, ondisk.ErrInodeBadMagic)
}

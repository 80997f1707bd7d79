// Package blockdev sizes a backing store for an OrbisFS image: a regular
// file via fstat, or a raw block device via platform ioctls, mirroring the
// teacher's own platform split (inode_linux.go / inode_darwin.go) one
// layer down, at the "how big is this thing" level instead of "how do I
// fill in a fuse.Attr" level.
package blockdev

import (
	"fmt"
	"os"
)

// Size returns the addressable size, in bytes, of f: for a regular file
// this is simply its stat size; for a block device it is determined by
// platform-specific ioctls (see size_linux.go).
func Size(f *os.File) (int64, error) {
	st, err := f.Stat()
	if err != nil {
		return 0, fmt.Errorf("blockdev: stat: %w", err)
	}

	if st.Mode()&os.ModeDevice == 0 {
		return st.Size(), nil
	}

	return blockDeviceSize(f)
}

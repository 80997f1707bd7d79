//go:build linux

package blockdev

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// blockDeviceSize asks the kernel directly, trying the byte-size ioctl
// first and falling back to block-count * block-size, matching spec's "at
// least one of the common block-count-times-block-size and byte-size
// ioctls must be attempted".
func blockDeviceSize(f *os.File) (int64, error) {
	fd := int(f.Fd())

	if sz, err := unix.IoctlGetInt(fd, unix.BLKGETSIZE64); err == nil {
		return int64(sz), nil
	}

	blocks, err := unix.IoctlGetInt(fd, unix.BLKGETSIZE)
	if err != nil {
		return 0, fmt.Errorf("blockdev: BLKGETSIZE: %w", err)
	}
	sectorSize, err := unix.IoctlGetInt(fd, unix.BLKSSZGET)
	if err != nil {
		return 0, fmt.Errorf("blockdev: BLKSSZGET: %w", err)
	}

	return int64(blocks) * int64(sectorSize), nil
}

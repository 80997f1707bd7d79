//go:build !linux

package blockdev

import (
	"fmt"
	"os"
)

// blockDeviceSize has no portable ioctl pair outside Linux in this engine;
// sizing a raw block device on other platforms is not implemented here.
func blockDeviceSize(f *os.File) (int64, error) {
	return 0, fmt.Errorf("blockdev: block device sizing not implemented on this platform")
}

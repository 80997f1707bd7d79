package ondisk

import (
	"errors"
	"fmt"
)

// ErrBadFormat is wrapped by every on-disk invariant violation raised while
// decoding a packed record (bad magic, non-zero padding, inconsistent
// back-links, invalid chain-link type, namelen overflow, out-of-bounds
// block reference).
var ErrBadFormat = errors.New("ondisk: invalid on-disk format")

// ErrInodeBadMagic is a distinguished sub-case of ErrBadFormat: the engine
// treats an inode slot with a bad magic as a "vanished entry" rather than a
// fatal decode error.
var ErrInodeBadMagic = fmt.Errorf("%w: inode has bad magic (vanished entry)", ErrBadFormat)

package orbisfs

// Option configures an Image at open time, generalizing the teacher's
// single-purpose functional-options shape to the handful of knobs the
// engine needs.
type Option func(img *Image) error

// WithMappingOffset sets the byte offset into the backing store at which
// the OrbisFS image begins (useful for images embedded inside a larger
// container file).
func WithMappingOffset(offset int64) Option {
	return func(img *Image) error {
		img.mapOffset = offset
		return nil
	}
}

// WithVirtualAllocator enables the block allocator's copy-on-read virtual
// mode: bitmap mutations land in a private in-memory cache instead of the
// mapped image, so speculative free/allocate experiments never touch the
// backing store.
func WithVirtualAllocator() Option {
	return func(img *Image) error {
		img.virtualAllocator = true
		return nil
	}
}

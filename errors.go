package smithy

import "errors"

// Package-specific error variables that can be used with errors.Is() for error handling.
var (
	// ErrAllocExhausted is returned when a chunk write needs more sectors than MaxSectors allows.
	ErrAllocExhausted = errors.New("smithy: sector allocator exhausted")

	// ErrChunkTooLarge is returned when a chunk's payload would not fit a single region slot.
	ErrChunkTooLarge = errors.New("smithy: chunk payload too large")

	// ErrExternalChunk is wrapped into the value ParseRegion panics with when the region file references a chunk stored outside the region (unsupported)
	ErrExternalChunk = errors.New("smithy: externally-stored chunk is not supported")

	// ErrBackingFileChanged is returned by GuardedFile.Flush, before its write callback runs, when the backing file was modified since the guard last recorded its mtime
	ErrBackingFileChanged = errors.New("smithy: backing file changed since it was opened, refusing to overwrite")
)

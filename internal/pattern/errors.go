package pattern

import "errors"

var (
	// ErrSerialization covers corrupt frames, bad checksums, unsupported
	// versions, and oversized patterns.
	ErrSerialization = errors.New("pattern: serialization error")
	ErrNotFound      = errors.New("pattern: not found")
	ErrDuplicate     = errors.New("pattern: duplicate content hash")
	ErrTooLarge      = errors.New("pattern: exceeds maximum size")
	ErrIndexFull     = errors.New("pattern: index full")
)

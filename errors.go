// Error classes re-exported for callers.
//
// Every failure the engine returns matches exactly one of these with
// errors.Is. The underlying backend error and path travel inside the
// wrapper and surface in the message.
package tilestore

import "github.com/jpl-au/tilestore/internal/status"

var (
	// ErrInvalidArgument: bad coordinates, unknown attribute, domain
	// mismatch, malformed subarray.
	ErrInvalidArgument = status.ErrInvalidArgument

	// ErrSchemaConflict: creating an array that already exists, or
	// opening one with an incompatible schema.
	ErrSchemaConflict = status.ErrSchemaConflict

	// ErrIO: a filesystem failure, carrying the backend message and
	// path.
	ErrIO = status.ErrIO

	// ErrCorruption: magic or version mismatch, an offset out of
	// range, or a decompression failure.
	ErrCorruption = status.ErrCorruption

	// ErrCapacity: a buffer or tile exceeding a size limit.
	ErrCapacity = status.ErrCapacity

	// ErrUnsupported: a capability the storage backend does not
	// provide.
	ErrUnsupported = status.ErrUnsupported
)

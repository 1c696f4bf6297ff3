// Error kinds shared by every layer of the engine.
//
// Each failure class has one sentinel that callers test with errors.Is.
// The structured Error wrapper adds the operation and path so a failure
// deep inside a backend still names the file it happened on. Filesystem
// and codec errors pass through unchanged; layers above only classify,
// never swallow.
package status

import (
	"errors"
	"fmt"
)

// Sentinel errors, one per failure class.
var (
	// ErrInvalidArgument covers bad coordinates, unknown attributes,
	// domain mismatches and malformed subarrays.
	ErrInvalidArgument = errors.New("invalid argument")

	// ErrSchemaConflict is returned when creating an array that already
	// exists, or opening one whose schema does not match expectations.
	ErrSchemaConflict = errors.New("schema conflict")

	// ErrIO wraps a filesystem failure. The wrapped error carries the
	// backend message; the Error struct carries the path.
	ErrIO = errors.New("io error")

	// ErrCorruption is returned on magic/version mismatch, an offset out
	// of range, or a decompression failure.
	ErrCorruption = errors.New("corruption")

	// ErrCapacity is returned when a buffer or tile exceeds a size limit
	// imposed by the engine or the storage backend.
	ErrCapacity = errors.New("capacity exceeded")

	// ErrUnsupported is returned for capabilities a backend does not
	// provide, such as locking on object stores.
	ErrUnsupported = errors.New("unsupported")
)

// Error carries the failure class together with the operation and the
// path it failed on. Unwrap exposes both the kind sentinel and the
// underlying backend error, so errors.Is matches either.
type Error struct {
	Kind error  // one of the sentinels above
	Op   string // operation, e.g. "read", "finalize"
	Path string // URI or file path, may be empty
	Err  error  // underlying cause, may be nil
}

func (e *Error) Error() string {
	switch {
	case e.Path != "" && e.Err != nil:
		return fmt.Sprintf("%s: %s %s: %s", e.Kind, e.Op, e.Path, e.Err)
	case e.Path != "":
		return fmt.Sprintf("%s: %s %s", e.Kind, e.Op, e.Path)
	case e.Err != nil:
		return fmt.Sprintf("%s: %s: %s", e.Kind, e.Op, e.Err)
	default:
		return fmt.Sprintf("%s: %s", e.Kind, e.Op)
	}
}

func (e *Error) Unwrap() []error {
	if e.Err != nil {
		return []error{e.Kind, e.Err}
	}
	return []error{e.Kind}
}

// IOErr wraps a backend failure with the path it occurred on.
func IOErr(op, path string, err error) error {
	return &Error{Kind: ErrIO, Op: op, Path: path, Err: err}
}

// InvalidArgf builds an invalid-argument error from a format string.
func InvalidArgf(format string, args ...any) error {
	return &Error{Kind: ErrInvalidArgument, Op: fmt.Sprintf(format, args...)}
}

// Corruptionf builds a corruption error from a format string.
func Corruptionf(path, format string, args ...any) error {
	return &Error{Kind: ErrCorruption, Op: fmt.Sprintf(format, args...), Path: path}
}

// Unsupportedf builds an unsupported-capability error.
func Unsupportedf(format string, args ...any) error {
	return &Error{Kind: ErrUnsupported, Op: fmt.Sprintf(format, args...)}
}

// Capacityf builds a capacity error.
func Capacityf(format string, args ...any) error {
	return &Error{Kind: ErrCapacity, Op: fmt.Sprintf(format, args...)}
}

// SchemaConflictf builds a schema-conflict error.
func SchemaConflictf(format string, args ...any) error {
	return &Error{Kind: ErrSchemaConflict, Op: fmt.Sprintf(format, args...)}
}

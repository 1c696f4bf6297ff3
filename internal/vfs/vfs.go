// Virtual filesystem: one capability set, backend-specific
// implementations.
//
// The engine above this package speaks URIs and never touches a
// backend directly. A VFS owns one backend instance per storage target
// (the local filesystem, one per Azure account, one per HDFS
// namenode) and dispatches on the URI scheme. Object-store append
// semantics are buffered: Append accumulates, Commit publishes. On the
// local backend Commit is a flush+sync, so callers follow one protocol
// everywhere.
package vfs

import (
	"runtime"
	"strings"
	"sync"

	"github.com/jpl-au/tilestore/internal/status"
)

// DirMarker is the placeholder object that stands in for a directory
// on object stores, which have no real directories.
const DirMarker = ".dir.marker"

// Config tunes backend behaviour. Zero values select the defaults.
type Config struct {
	// UploadBufferSize is the block size for buffered appends. Blocks
	// at or above this size are staged to object stores; the default
	// is 5 MiB and the ceiling is the backend block limit.
	UploadBufferSize int

	// DownloadBufferSize is the threshold above which object-store
	// reads split into parallel range requests. Default 4 MiB.
	DownloadBufferSize int

	// MaxParallel bounds concurrent range requests per operation.
	// Default is half the hardware concurrency, minimum 1.
	MaxParallel int

	// DisableFileLocking skips POSIX advisory locks.
	DisableFileLocking bool

	// KeepFileHandlesOpen reuses read handles across positional reads
	// on the local backend.
	KeepFileHandlesOpen bool

	// Azure credentials. Empty fields fall back to the
	// AZURE_STORAGE_ACCOUNT / AZURE_STORAGE_KEY / AZURE_BLOB_ENDPOINT
	// environment variables at first use.
	AzureAccount  string
	AzureKey      string
	AzureEndpoint string
}

const (
	defaultUploadBuffer   = 5 * 1024 * 1024
	defaultDownloadBuffer = 4 * 1024 * 1024

	// maxBlockSize is the object-store block ceiling. Uploads are
	// chunked so no single staged block exceeds it.
	maxBlockSize = 100 * 1024 * 1024
)

func (c Config) withDefaults() Config {
	if c.UploadBufferSize <= 0 {
		c.UploadBufferSize = defaultUploadBuffer
	}
	if c.UploadBufferSize > maxBlockSize {
		c.UploadBufferSize = maxBlockSize
	}
	if c.DownloadBufferSize <= 0 {
		c.DownloadBufferSize = defaultDownloadBuffer
	}
	if c.MaxParallel <= 0 {
		c.MaxParallel = runtime.NumCPU() / 2
		if c.MaxParallel < 1 {
			c.MaxParallel = 1
		}
	}
	return c
}

// FileSystem is the capability set every backend provides. Paths are
// full URIs; each backend parses its own scheme.
type FileSystem interface {
	IsDir(uri string) bool
	IsFile(uri string) bool
	List(uri string) ([]string, error)
	CreateDir(uri string) error
	DeleteDir(uri string) error
	FileSize(uri string) (int64, error)

	// Read fills buf from the given offset: exactly len(buf) bytes or
	// an error.
	Read(uri string, offset int64, buf []byte) error

	// Append queues bytes at the end of the file. Object stores buffer
	// until Commit.
	Append(uri string, buf []byte) error

	// Commit makes pending appends durable and visible.
	Commit(uri string) error

	DeleteFile(uri string) error

	// Move renames within one backend. Object stores return
	// unsupported.
	Move(olduri, newuri string) error

	SupportsLocking() bool
}

// VFS routes URIs to backends.
type VFS struct {
	cfg Config

	local *posixFS

	mu    sync.Mutex
	azure map[string]*azureFS // keyed by account
	hdfs  map[string]*hdfsFS  // keyed by namenode authority
}

// New builds a VFS. Backends are dialled lazily on first use.
func New(cfg Config) *VFS {
	cfg = cfg.withDefaults()
	return &VFS{
		cfg:   cfg,
		local: newPosixFS(cfg),
		azure: map[string]*azureFS{},
		hdfs:  map[string]*hdfsFS{},
	}
}

// Close releases pending buffers and pooled connections.
func (v *VFS) Close() error {
	v.mu.Lock()
	defer v.mu.Unlock()
	var first error
	for _, fs := range v.hdfs {
		if err := fs.close(); err != nil && first == nil {
			first = err
		}
	}
	if err := v.local.close(); err != nil && first == nil {
		first = err
	}
	return first
}

// Backend resolves the filesystem responsible for a URI.
func (v *VFS) Backend(uri string) (FileSystem, error) {
	switch {
	case strings.HasPrefix(uri, "az://"):
		return v.azureFor(uri)
	case strings.HasPrefix(uri, "hdfs://"):
		return v.hdfsFor(uri)
	case strings.HasPrefix(uri, "gs://"):
		return nil, status.Unsupportedf("gs:// URIs are recognised but no GCS backend is available")
	case strings.Contains(uri, "://") && !strings.HasPrefix(uri, "file://"):
		return nil, status.InvalidArgf("unknown URI scheme in %q", uri)
	default:
		return v.local, nil
	}
}

func (v *VFS) IsDir(uri string) bool {
	fs, err := v.Backend(uri)
	if err != nil {
		return false
	}
	return fs.IsDir(uri)
}

func (v *VFS) IsFile(uri string) bool {
	fs, err := v.Backend(uri)
	if err != nil {
		return false
	}
	return fs.IsFile(uri)
}

func (v *VFS) List(uri string) ([]string, error) {
	fs, err := v.Backend(uri)
	if err != nil {
		return nil, err
	}
	return fs.List(uri)
}

func (v *VFS) CreateDir(uri string) error {
	fs, err := v.Backend(uri)
	if err != nil {
		return err
	}
	return fs.CreateDir(uri)
}

func (v *VFS) DeleteDir(uri string) error {
	fs, err := v.Backend(uri)
	if err != nil {
		return err
	}
	return fs.DeleteDir(uri)
}

func (v *VFS) FileSize(uri string) (int64, error) {
	fs, err := v.Backend(uri)
	if err != nil {
		return 0, err
	}
	return fs.FileSize(uri)
}

func (v *VFS) Read(uri string, offset int64, buf []byte) error {
	fs, err := v.Backend(uri)
	if err != nil {
		return err
	}
	return fs.Read(uri, offset, buf)
}

// ReadAll reads a whole file.
func (v *VFS) ReadAll(uri string) ([]byte, error) {
	n, err := v.FileSize(uri)
	if err != nil {
		return nil, err
	}
	buf := make([]byte, n)
	if n == 0 {
		return buf, nil
	}
	if err := v.Read(uri, 0, buf); err != nil {
		return nil, err
	}
	return buf, nil
}

func (v *VFS) Append(uri string, buf []byte) error {
	fs, err := v.Backend(uri)
	if err != nil {
		return err
	}
	return fs.Append(uri, buf)
}

func (v *VFS) Commit(uri string) error {
	fs, err := v.Backend(uri)
	if err != nil {
		return err
	}
	return fs.Commit(uri)
}

// WriteFile appends the whole buffer and commits in one step.
func (v *VFS) WriteFile(uri string, data []byte) error {
	if err := v.Append(uri, data); err != nil {
		return err
	}
	return v.Commit(uri)
}

// WriteFileAtomic publishes a file so that no reader can observe it
// half-written. The local backend writes a temp file and renames it
// into place; object stores get this from the block-list commit, so
// the plain write path already qualifies.
func (v *VFS) WriteFileAtomic(uri string, data []byte) error {
	fs, err := v.Backend(uri)
	if err != nil {
		return err
	}
	if fs == v.local {
		return v.local.writeAtomic(uri, data)
	}
	return v.WriteFile(uri, data)
}

func (v *VFS) DeleteFile(uri string) error {
	fs, err := v.Backend(uri)
	if err != nil {
		return err
	}
	return fs.DeleteFile(uri)
}

func (v *VFS) Move(olduri, newuri string) error {
	fs, err := v.Backend(olduri)
	if err != nil {
		return err
	}
	fs2, err := v.Backend(newuri)
	if err != nil {
		return err
	}
	if fs != fs2 {
		return status.Unsupportedf("move across filesystems: %q -> %q", olduri, newuri)
	}
	return fs.Move(olduri, newuri)
}

func (v *VFS) SupportsLocking(uri string) bool {
	fs, err := v.Backend(uri)
	if err != nil {
		return false
	}
	return fs.SupportsLocking() && !v.cfg.DisableFileLocking
}

// Lock takes an advisory lock on a directory URI. Returns a release
// function. On backends without locking the lock degrades to a no-op,
// matching the consolidation protocol's reliance on sentinel atomicity
// there.
func (v *VFS) Lock(uri string, exclusive bool) (func() error, error) {
	if !v.SupportsLocking(uri) {
		return func() error { return nil }, nil
	}
	return v.local.lockDir(uri, exclusive)
}

// Join concatenates URI path segments with slashes.
func Join(uri string, parts ...string) string {
	out := strings.TrimSuffix(uri, "/")
	for _, p := range parts {
		out += "/" + strings.Trim(p, "/")
	}
	return out
}

// Base returns the last path segment of a URI.
func Base(uri string) string {
	uri = strings.TrimSuffix(uri, "/")
	if i := strings.LastIndexByte(uri, '/'); i >= 0 {
		return uri[i+1:]
	}
	return uri
}

// Package tilestore is a storage engine for dense and sparse
// multi-dimensional typed arrays.
//
// An array is a directory: a binary schema file plus any number of
// immutable fragment directories, each the product of one write
// session. Writes buffer cells into fixed-capacity tiles, compress
// them, and commit atomically behind a sentinel file; reads merge the
// fragments newest-first into one sorted stream. The same engine runs
// over the local filesystem, HDFS and Azure Blob Storage through a
// uniform byte-range filesystem layer.
//
// All operations are synchronous and return either a result or a
// typed error; see the Err variables for the failure classes.
package tilestore

import (
	"os"
	"runtime"
	"strconv"

	"github.com/alitto/pond"

	"github.com/jpl-au/tilestore/internal/cache"
	"github.com/jpl-au/tilestore/internal/schema"
	"github.com/jpl-au/tilestore/internal/vfs"
)

// Config tunes a Context. The zero value selects defaults, with
// environment variables filling any field left at zero:
//
//	TILEDB_DOWNLOAD_BUFFER_SIZE   parallel-read threshold in bytes
//	TILEDB_UPLOAD_BUFFER_SIZE     append block size in bytes
//	TILEDB_DISABLE_FILE_LOCKING   "1" skips POSIX advisory locks
//	TILEDB_KEEP_FILE_HANDLES_OPEN "1" reuses read handles
//	AZURE_STORAGE_ACCOUNT / AZURE_STORAGE_KEY / AZURE_BLOB_ENDPOINT
type Config struct {
	// DownloadBufferSize is the object-store read size above which a
	// read splits into parallel range requests.
	DownloadBufferSize int `json:"download_buffer_size"`

	// UploadBufferSize is the buffered-append block size.
	UploadBufferSize int `json:"upload_buffer_size"`

	// DisableFileLocking skips POSIX advisory locks.
	DisableFileLocking bool `json:"disable_file_locking"`

	// KeepFileHandlesOpen reuses local read handles across reads.
	KeepFileHandlesOpen bool `json:"keep_file_handles_open"`

	// Workers bounds the worker pool used for parallel compression
	// and parallel range I/O. Default: hardware concurrency.
	Workers int `json:"workers"`

	// TileCacheBudget is the decoded-tile cache limit in bytes.
	// Default 1 GiB.
	TileCacheBudget int64 `json:"tile_cache_budget"`

	// SortMemory is the unordered-write in-memory sort threshold.
	// Default 128 MiB.
	SortMemory int64 `json:"sort_memory"`

	// Azure credentials; empty fields fall back to the environment.
	AzureAccount  string `json:"azure_account,omitempty"`
	AzureKey      string `json:"azure_key,omitempty"`
	AzureEndpoint string `json:"azure_endpoint,omitempty"`
}

func (c Config) fromEnv() Config {
	if c.DownloadBufferSize == 0 {
		c.DownloadBufferSize = envInt("TILEDB_DOWNLOAD_BUFFER_SIZE")
	}
	if c.UploadBufferSize == 0 {
		c.UploadBufferSize = envInt("TILEDB_UPLOAD_BUFFER_SIZE")
	}
	if !c.DisableFileLocking {
		c.DisableFileLocking = os.Getenv("TILEDB_DISABLE_FILE_LOCKING") == "1"
	}
	if !c.KeepFileHandlesOpen {
		c.KeepFileHandlesOpen = os.Getenv("TILEDB_KEEP_FILE_HANDLES_OPEN") == "1"
	}
	return c
}

func envInt(name string) int {
	v, err := strconv.Atoi(os.Getenv(name))
	if err != nil {
		return 0
	}
	return v
}

// Context owns the process-wide resources: the filesystem layer with
// its shared connection pools, the bounded worker pool, the decoded
// tile cache and the schema cache. Contexts are safe for concurrent
// use and must be closed to release pooled resources.
type Context struct {
	cfg     Config
	fs      *vfs.VFS
	pool    *pond.WorkerPool
	tiles   *cache.TileCache
	schemas schemaCache
}

// NewContext builds a context from the configuration, filling unset
// fields from the environment.
func NewContext(cfg Config) (*Context, error) {
	cfg = cfg.fromEnv()
	workers := cfg.Workers
	if workers <= 0 {
		workers = runtime.NumCPU()
	}
	ctx := &Context{
		cfg: cfg,
		fs: vfs.New(vfs.Config{
			UploadBufferSize:    cfg.UploadBufferSize,
			DownloadBufferSize:  cfg.DownloadBufferSize,
			MaxParallel:         workers / 2,
			DisableFileLocking:  cfg.DisableFileLocking,
			KeepFileHandlesOpen: cfg.KeepFileHandlesOpen,
			AzureAccount:        cfg.AzureAccount,
			AzureKey:            cfg.AzureKey,
			AzureEndpoint:       cfg.AzureEndpoint,
		}),
		pool:  pond.New(workers, 0, pond.MinWorkers(workers)),
		tiles: cache.New(cfg.TileCacheBudget),
	}
	ctx.schemas.m = map[string]*schema.ArraySchema{}
	return ctx, nil
}

// Close tears down the worker pool and the filesystem backends.
// Writers and readers still open on this context become invalid.
func (c *Context) Close() error {
	c.pool.StopAndWait()
	return c.fs.Close()
}

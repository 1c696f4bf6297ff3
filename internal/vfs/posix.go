// Local filesystem backend.
//
// The only backend with real directories, positional reads without a
// network round trip, and advisory locking. Appends go through an
// open O_APPEND handle kept per path until Commit, which syncs and
// closes it. Handle reuse applies to read handles only.
package vfs

import (
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/google/renameio"

	"github.com/jpl-au/tilestore/internal/status"
)

type posixFS struct {
	cfg Config

	mu      sync.Mutex
	writers map[string]*os.File // open append handles
	readers map[string]*os.File // reused read handles, when enabled
}

func newPosixFS(cfg Config) *posixFS {
	return &posixFS{
		cfg:     cfg,
		writers: map[string]*os.File{},
		readers: map[string]*os.File{},
	}
}

// localPath strips the file:// scheme.
func localPath(uri string) string {
	return strings.TrimPrefix(uri, "file://")
}

func (p *posixFS) close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	var first error
	for _, f := range p.writers {
		if err := f.Close(); err != nil && first == nil {
			first = err
		}
	}
	for _, f := range p.readers {
		f.Close()
	}
	p.writers = map[string]*os.File{}
	p.readers = map[string]*os.File{}
	return first
}

func (p *posixFS) IsDir(uri string) bool {
	info, err := os.Stat(localPath(uri))
	return err == nil && info.IsDir()
}

func (p *posixFS) IsFile(uri string) bool {
	info, err := os.Stat(localPath(uri))
	return err == nil && !info.IsDir()
}

func (p *posixFS) List(uri string) ([]string, error) {
	path := localPath(uri)
	entries, err := os.ReadDir(path)
	if err != nil {
		return nil, status.IOErr("list", uri, err)
	}
	out := make([]string, 0, len(entries))
	for _, e := range entries {
		out = append(out, Join(uri, e.Name()))
	}
	return out, nil
}

func (p *posixFS) CreateDir(uri string) error {
	if err := os.MkdirAll(localPath(uri), 0o755); err != nil {
		return status.IOErr("create_dir", uri, err)
	}
	return nil
}

func (p *posixFS) DeleteDir(uri string) error {
	if err := os.RemoveAll(localPath(uri)); err != nil {
		return status.IOErr("delete_dir", uri, err)
	}
	return nil
}

func (p *posixFS) FileSize(uri string) (int64, error) {
	info, err := os.Stat(localPath(uri))
	if err != nil {
		return 0, status.IOErr("file_size", uri, err)
	}
	return info.Size(), nil
}

func (p *posixFS) Read(uri string, offset int64, buf []byte) error {
	f, reuse, err := p.readHandle(uri)
	if err != nil {
		return err
	}
	if !reuse {
		defer f.Close()
	}
	n, err := f.ReadAt(buf, offset)
	if n == len(buf) {
		// A full buffer satisfies the contract even when the read
		// ended exactly at EOF.
		return nil
	}
	if err == nil {
		err = io.ErrUnexpectedEOF
	}
	return status.IOErr("read", uri, err)
}

func (p *posixFS) readHandle(uri string) (*os.File, bool, error) {
	path := localPath(uri)
	if !p.cfg.KeepFileHandlesOpen {
		f, err := os.Open(path)
		if err != nil {
			return nil, false, status.IOErr("read", uri, err)
		}
		return f, false, nil
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if f, ok := p.readers[path]; ok {
		return f, true, nil
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, false, status.IOErr("read", uri, err)
	}
	p.readers[path] = f
	return f, true, nil
}

func (p *posixFS) Append(uri string, buf []byte) error {
	path := localPath(uri)
	p.mu.Lock()
	f, ok := p.writers[path]
	if !ok {
		var err error
		f, err = os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			p.mu.Unlock()
			return status.IOErr("append", uri, err)
		}
		p.writers[path] = f
	}
	p.mu.Unlock()

	if _, err := f.Write(buf); err != nil {
		return status.IOErr("append", uri, err)
	}
	return nil
}

func (p *posixFS) Commit(uri string) error {
	path := localPath(uri)
	p.mu.Lock()
	f, ok := p.writers[path]
	if ok {
		delete(p.writers, path)
	}
	p.mu.Unlock()
	if !ok {
		return nil
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return status.IOErr("commit", uri, err)
	}
	if err := f.Close(); err != nil {
		return status.IOErr("commit", uri, err)
	}
	return nil
}

func (p *posixFS) DeleteFile(uri string) error {
	path := localPath(uri)
	p.mu.Lock()
	if f, ok := p.writers[path]; ok {
		f.Close()
		delete(p.writers, path)
	}
	if f, ok := p.readers[path]; ok {
		f.Close()
		delete(p.readers, path)
	}
	p.mu.Unlock()
	if err := os.Remove(path); err != nil {
		return status.IOErr("delete_file", uri, err)
	}
	return nil
}

func (p *posixFS) Move(olduri, newuri string) error {
	if err := os.Rename(localPath(olduri), localPath(newuri)); err != nil {
		return status.IOErr("move", olduri, err)
	}
	return nil
}

func (p *posixFS) SupportsLocking() bool { return true }

// writeAtomic stages the content in a temp file and renames it into
// place, so a crash mid-write can never leave a half-written file
// under the final name.
func (p *posixFS) writeAtomic(uri string, data []byte) error {
	if err := renameio.WriteFile(localPath(uri), data, 0o644); err != nil {
		return status.IOErr("write", uri, err)
	}
	return nil
}

// lockDir takes an advisory flock on a hidden lock file inside the
// directory. The release function closes the handle, dropping the
// lock.
func (p *posixFS) lockDir(uri string, exclusive bool) (func() error, error) {
	path := filepath.Join(localPath(uri), lockFilename)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, status.IOErr("lock", uri, err)
	}
	l := &fileLock{f: f}
	mode := LockShared
	if exclusive {
		mode = LockExclusive
	}
	if err := l.Lock(mode); err != nil {
		f.Close()
		return nil, status.IOErr("lock", uri, err)
	}
	return func() error {
		err := l.Unlock()
		l.setFile(nil)
		f.Close()
		return err
	}, nil
}

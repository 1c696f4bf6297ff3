// HDFS backend over the native protobuf protocol.
//
// HDFS has real directories and a real append, so the mapping is
// almost one to one. The append handle stays open per path until
// Commit, which flushes and closes it; HDFS makes the data visible to
// new readers at close.
package vfs

import (
	"io"
	"net/url"
	"os"
	"os/user"
	"sync"

	"github.com/colinmarc/hdfs/v2"

	"github.com/jpl-au/tilestore/internal/status"
)

type hdfsFS struct {
	cfg       Config
	authority string
	client    *hdfs.Client

	mu      sync.Mutex
	writers map[string]*hdfs.FileWriter
}

// hdfsFor returns the backend for the namenode named in the URI,
// dialling it on first use.
func (v *VFS) hdfsFor(uri string) (*hdfsFS, error) {
	u, err := url.Parse(uri)
	if err != nil || u.Host == "" {
		return nil, status.InvalidArgf("malformed hdfs URI %q", uri)
	}

	v.mu.Lock()
	defer v.mu.Unlock()
	if fs, ok := v.hdfs[u.Host]; ok {
		return fs, nil
	}

	username := os.Getenv("HADOOP_USER_NAME")
	if username == "" {
		if u, err := user.Current(); err == nil {
			username = u.Username
		}
	}
	client, err := hdfs.NewClient(hdfs.ClientOptions{
		Addresses: []string{u.Host},
		User:      username,
	})
	if err != nil {
		return nil, status.IOErr("connect", uri, err)
	}

	fs := &hdfsFS{
		cfg:       v.cfg,
		authority: u.Host,
		client:    client,
		writers:   map[string]*hdfs.FileWriter{},
	}
	v.hdfs[u.Host] = fs
	return fs, nil
}

// hdfsPath strips the scheme and authority, leaving the filesystem
// path.
func hdfsPath(uri string) string {
	u, err := url.Parse(uri)
	if err != nil {
		return uri
	}
	return u.Path
}

func (h *hdfsFS) close() error {
	h.mu.Lock()
	var first error
	for _, w := range h.writers {
		if err := w.Close(); err != nil && first == nil {
			first = err
		}
	}
	h.writers = map[string]*hdfs.FileWriter{}
	h.mu.Unlock()
	if err := h.client.Close(); err != nil && first == nil {
		first = err
	}
	return first
}

func (h *hdfsFS) IsDir(uri string) bool {
	info, err := h.client.Stat(hdfsPath(uri))
	return err == nil && info.IsDir()
}

func (h *hdfsFS) IsFile(uri string) bool {
	info, err := h.client.Stat(hdfsPath(uri))
	return err == nil && !info.IsDir()
}

func (h *hdfsFS) List(uri string) ([]string, error) {
	infos, err := h.client.ReadDir(hdfsPath(uri))
	if err != nil {
		return nil, status.IOErr("list", uri, err)
	}
	out := make([]string, 0, len(infos))
	for _, info := range infos {
		out = append(out, Join(uri, info.Name()))
	}
	return out, nil
}

func (h *hdfsFS) CreateDir(uri string) error {
	if err := h.client.MkdirAll(hdfsPath(uri), 0o755); err != nil {
		return status.IOErr("create_dir", uri, err)
	}
	return nil
}

func (h *hdfsFS) DeleteDir(uri string) error {
	if err := h.removeRecursive(hdfsPath(uri)); err != nil {
		return status.IOErr("delete_dir", uri, err)
	}
	return nil
}

func (h *hdfsFS) removeRecursive(path string) error {
	info, err := h.client.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	if info.IsDir() {
		children, err := h.client.ReadDir(path)
		if err != nil {
			return err
		}
		for _, c := range children {
			if err := h.removeRecursive(path + "/" + c.Name()); err != nil {
				return err
			}
		}
	}
	return h.client.Remove(path)
}

func (h *hdfsFS) FileSize(uri string) (int64, error) {
	info, err := h.client.Stat(hdfsPath(uri))
	if err != nil {
		return 0, status.IOErr("file_size", uri, err)
	}
	return info.Size(), nil
}

func (h *hdfsFS) Read(uri string, offset int64, buf []byte) error {
	f, err := h.client.Open(hdfsPath(uri))
	if err != nil {
		return status.IOErr("read", uri, err)
	}
	defer f.Close()
	n, err := f.ReadAt(buf, offset)
	if n == len(buf) {
		return nil
	}
	if err == nil {
		err = io.ErrUnexpectedEOF
	}
	return status.IOErr("read", uri, err)
}

func (h *hdfsFS) Append(uri string, data []byte) error {
	path := hdfsPath(uri)
	h.mu.Lock()
	w, ok := h.writers[path]
	if !ok {
		var err error
		if _, serr := h.client.Stat(path); serr == nil {
			w, err = h.client.Append(path)
		} else {
			w, err = h.client.Create(path)
		}
		if err != nil {
			h.mu.Unlock()
			return status.IOErr("append", uri, err)
		}
		h.writers[path] = w
	}
	h.mu.Unlock()

	if _, err := w.Write(data); err != nil {
		return status.IOErr("append", uri, err)
	}
	return nil
}

func (h *hdfsFS) Commit(uri string) error {
	path := hdfsPath(uri)
	h.mu.Lock()
	w, ok := h.writers[path]
	if ok {
		delete(h.writers, path)
	}
	h.mu.Unlock()
	if !ok {
		return nil
	}
	if err := w.Flush(); err != nil {
		w.Close()
		return status.IOErr("commit", uri, err)
	}
	if err := w.Close(); err != nil {
		return status.IOErr("commit", uri, err)
	}
	return nil
}

func (h *hdfsFS) DeleteFile(uri string) error {
	path := hdfsPath(uri)
	h.mu.Lock()
	if w, ok := h.writers[path]; ok {
		w.Close()
		delete(h.writers, path)
	}
	h.mu.Unlock()
	if err := h.client.Remove(path); err != nil {
		return status.IOErr("delete_file", uri, err)
	}
	return nil
}

func (h *hdfsFS) Move(olduri, newuri string) error {
	if err := h.client.Rename(hdfsPath(olduri), hdfsPath(newuri)); err != nil {
		return status.IOErr("move", olduri, err)
	}
	return nil
}

func (h *hdfsFS) SupportsLocking() bool { return false }

// Filesystem layer tests against the local backend.
//
// Every backend implements the same capability set; the local backend
// is the one a test can actually exercise, and the contract checks
// here (exact-length reads, append/commit visibility, idempotent
// directory handling) are the behaviours the engine layers above
// depend on regardless of backend.
package vfs

import (
	"bytes"
	"errors"
	"path/filepath"
	"testing"

	"github.com/jpl-au/tilestore/internal/status"
)

func testVFS(t *testing.T) (*VFS, string) {
	t.Helper()
	v := New(Config{})
	t.Cleanup(func() { v.Close() })
	return v, t.TempDir()
}

func TestDirOperations(t *testing.T) {
	v, dir := testVFS(t)
	sub := filepath.Join(dir, "arr")

	if v.IsDir(sub) {
		t.Fatal("IsDir on a missing path")
	}
	if err := v.CreateDir(sub); err != nil {
		t.Fatalf("CreateDir: %v", err)
	}
	// Idempotent on the local backend.
	if err := v.CreateDir(sub); err != nil {
		t.Fatalf("CreateDir twice: %v", err)
	}
	if !v.IsDir(sub) || v.IsFile(sub) {
		t.Fatal("kind confusion after CreateDir")
	}
	if err := v.DeleteDir(sub); err != nil {
		t.Fatalf("DeleteDir: %v", err)
	}
	if v.IsDir(sub) {
		t.Fatal("directory survived DeleteDir")
	}
}

func TestAppendCommitRead(t *testing.T) {
	v, dir := testVFS(t)
	path := filepath.Join(dir, "data.tdb")

	if err := v.Append(path, []byte("hello ")); err != nil {
		t.Fatalf("Append: %v", err)
	}
	if err := v.Append(path, []byte("tiles")); err != nil {
		t.Fatalf("Append: %v", err)
	}
	if err := v.Commit(path); err != nil {
		t.Fatalf("Commit: %v", err)
	}

	n, err := v.FileSize(path)
	if err != nil || n != 11 {
		t.Fatalf("FileSize = %d, %v", n, err)
	}

	buf := make([]byte, 5)
	if err := v.Read(path, 6, buf); err != nil {
		t.Fatalf("Read: %v", err)
	}
	if string(buf) != "tiles" {
		t.Errorf("positional read = %q", buf)
	}

	// The contract is all-or-nothing: a read past EOF fails rather
	// than returning short.
	if err := v.Read(path, 8, make([]byte, 10)); !errors.Is(err, status.ErrIO) {
		t.Fatalf("short read: want io error, got %v", err)
	}
}

func TestList(t *testing.T) {
	v, dir := testVFS(t)
	for _, name := range []string{"a.tdb", "b.tdb"} {
		if err := v.WriteFile(filepath.Join(dir, name), []byte("x")); err != nil {
			t.Fatalf("WriteFile: %v", err)
		}
	}
	children, err := v.List(dir)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(children) != 2 {
		t.Fatalf("List returned %d entries", len(children))
	}
}

func TestDeleteFile(t *testing.T) {
	v, dir := testVFS(t)
	path := filepath.Join(dir, "x.tdb")
	if err := v.WriteFile(path, []byte("x")); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	if err := v.DeleteFile(path); err != nil {
		t.Fatalf("DeleteFile: %v", err)
	}
	if v.IsFile(path) {
		t.Fatal("file survived DeleteFile")
	}
}

func TestMove(t *testing.T) {
	v, dir := testVFS(t)
	src := filepath.Join(dir, "a")
	dst := filepath.Join(dir, "b")
	if err := v.WriteFile(src, []byte("x")); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	if err := v.Move(src, dst); err != nil {
		t.Fatalf("Move: %v", err)
	}
	if v.IsFile(src) || !v.IsFile(dst) {
		t.Fatal("Move left the wrong files behind")
	}
}

func TestWriteFileAtomic(t *testing.T) {
	v, dir := testVFS(t)
	path := filepath.Join(dir, "sentinel")
	if err := v.WriteFileAtomic(path, []byte("ok\n")); err != nil {
		t.Fatalf("WriteFileAtomic: %v", err)
	}
	data, err := v.ReadAll(path)
	if err != nil || !bytes.Equal(data, []byte("ok\n")) {
		t.Fatalf("ReadAll = %q, %v", data, err)
	}
}

func TestFileURIScheme(t *testing.T) {
	v, dir := testVFS(t)
	path := filepath.Join(dir, "f")
	if err := v.WriteFile("file://"+path, []byte("x")); err != nil {
		t.Fatalf("WriteFile with file://: %v", err)
	}
	if !v.IsFile(path) {
		t.Fatal("file:// and bare paths are not the same backend")
	}
}

func TestUnknownSchemes(t *testing.T) {
	v, _ := testVFS(t)
	if _, err := v.Backend("gs://bucket/path"); !errors.Is(err, status.ErrUnsupported) {
		t.Fatalf("gs://: want unsupported, got %v", err)
	}
	if _, err := v.Backend("ftp://host/path"); !errors.Is(err, status.ErrInvalidArgument) {
		t.Fatalf("ftp://: want invalid-argument, got %v", err)
	}
}

func TestParseAzureURI(t *testing.T) {
	cont, account, path, err := parseAzureURI("az://data@acct.blob.core.windows.net/arrays/a1")
	if err != nil {
		t.Fatalf("parseAzureURI: %v", err)
	}
	if cont != "data" || account != "acct" || path != "arrays/a1" {
		t.Errorf("parsed %q %q %q", cont, account, path)
	}
	if _, _, _, err := parseAzureURI("az://missing-at"); err == nil {
		t.Error("URI without container@account accepted")
	}
}

func TestLock(t *testing.T) {
	v, dir := testVFS(t)
	if !v.SupportsLocking(dir) {
		t.Fatal("local backend must support locking")
	}
	unlock, err := v.Lock(dir, false)
	if err != nil {
		t.Fatalf("Lock: %v", err)
	}
	// A second shared lock coexists with the first.
	unlock2, err := v.Lock(dir, false)
	if err != nil {
		t.Fatalf("second shared Lock: %v", err)
	}
	if err := unlock(); err != nil {
		t.Fatalf("unlock: %v", err)
	}
	if err := unlock2(); err != nil {
		t.Fatalf("unlock: %v", err)
	}

	// Locking disabled degrades to a no-op.
	off := New(Config{DisableFileLocking: true})
	defer off.Close()
	if off.SupportsLocking(dir) {
		t.Fatal("SupportsLocking with locking disabled")
	}
	unlock3, err := off.Lock(dir, true)
	if err != nil {
		t.Fatalf("no-op Lock: %v", err)
	}
	unlock3()
}

func TestJoinBase(t *testing.T) {
	if got := Join("az://c@a.blob.core.windows.net/arr", "frag", "f.tdb"); got != "az://c@a.blob.core.windows.net/arr/frag/f.tdb" {
		t.Errorf("Join = %q", got)
	}
	if got := Base("/tmp/arrays/a1/"); got != "a1" {
		t.Errorf("Base = %q", got)
	}
}

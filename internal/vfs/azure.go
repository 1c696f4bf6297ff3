// Azure Blob Storage backend.
//
// Blobs have no append primitive with the semantics the engine needs,
// so writes follow the block protocol: Append buffers locally, full
// buffers are staged as uncommitted blocks (at most 100 MiB each,
// uploaded in parallel), and Commit issues the block-list commit that
// makes the blob visible atomically. Until Commit nothing is readable,
// which is exactly the visibility rule fragments rely on.
//
// Directories do not exist; a "directory" is a common prefix holding a
// .dir.marker placeholder blob.
package vfs

import (
	"bytes"
	"context"
	"encoding/base64"
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore/streaming"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/blob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/container"
	"github.com/zeebo/xxh3"
	"golang.org/x/sync/errgroup"

	"github.com/jpl-au/tilestore/internal/status"
)

type azureFS struct {
	cfg     Config
	account string
	client  *azblob.Client
	ctx     context.Context

	mu      sync.Mutex
	pending map[string]*azureUpload // keyed by full URI
}

// azureUpload is the buffered state of one uncommitted blob.
type azureUpload struct {
	buf      []byte
	blockIDs []string
	nextID   int
}

// azureFor returns the backend for the account named in the URI,
// dialling it on first use. The HTTP connection pool inside the SDK
// client is shared by every array handle in the process.
func (v *VFS) azureFor(uri string) (*azureFS, error) {
	_, account, _, err := parseAzureURI(uri)
	if err != nil {
		return nil, err
	}

	v.mu.Lock()
	defer v.mu.Unlock()
	if fs, ok := v.azure[account]; ok {
		return fs, nil
	}

	acct := v.cfg.AzureAccount
	if acct == "" {
		acct = os.Getenv("AZURE_STORAGE_ACCOUNT")
	}
	key := v.cfg.AzureKey
	if key == "" {
		key = os.Getenv("AZURE_STORAGE_KEY")
	}
	endpoint := v.cfg.AzureEndpoint
	if endpoint == "" {
		endpoint = os.Getenv("AZURE_BLOB_ENDPOINT")
	}
	if endpoint == "" {
		endpoint = fmt.Sprintf("https://%s.blob.core.windows.net/", account)
	}
	if acct == "" {
		acct = account
	}
	if key == "" {
		return nil, status.IOErr("connect", uri, fmt.Errorf("AZURE_STORAGE_KEY not set"))
	}

	cred, err := azblob.NewSharedKeyCredential(acct, key)
	if err != nil {
		return nil, status.IOErr("connect", uri, err)
	}
	client, err := azblob.NewClientWithSharedKeyCredential(endpoint, cred, nil)
	if err != nil {
		return nil, status.IOErr("connect", uri, err)
	}

	fs := &azureFS{
		cfg:     v.cfg,
		account: account,
		client:  client,
		ctx:     context.Background(),
		pending: map[string]*azureUpload{},
	}
	v.azure[account] = fs
	return fs, nil
}

// parseAzureURI splits az://<container>@<account>.blob.core.windows.net/<path>
// into container, account and blob path.
func parseAzureURI(uri string) (cont, account, path string, err error) {
	rest, ok := strings.CutPrefix(uri, "az://")
	if !ok {
		return "", "", "", status.InvalidArgf("not an az:// URI: %q", uri)
	}
	at := strings.IndexByte(rest, '@')
	if at < 0 {
		return "", "", "", status.InvalidArgf("az:// URI missing container@account: %q", uri)
	}
	cont = rest[:at]
	rest = rest[at+1:]
	slash := strings.IndexByte(rest, '/')
	if slash < 0 {
		return cont, strings.TrimSuffix(rest, ".blob.core.windows.net"), "", nil
	}
	host := rest[:slash]
	account = strings.TrimSuffix(host, ".blob.core.windows.net")
	path = strings.TrimPrefix(rest[slash+1:], "/")
	return cont, account, path, nil
}

func (a *azureFS) blobClient(uri string) (*container.Client, string, error) {
	cont, _, path, err := parseAzureURI(uri)
	if err != nil {
		return nil, "", err
	}
	return a.client.ServiceClient().NewContainerClient(cont), path, nil
}

func (a *azureFS) IsFile(uri string) bool {
	cc, path, err := a.blobClient(uri)
	if err != nil || path == "" {
		return false
	}
	_, err = cc.NewBlobClient(path).GetProperties(a.ctx, nil)
	return err == nil
}

func (a *azureFS) IsDir(uri string) bool {
	cc, path, err := a.blobClient(uri)
	if err != nil {
		return false
	}
	if path != "" {
		if _, err := cc.NewBlobClient(path+"/"+DirMarker).GetProperties(a.ctx, nil); err == nil {
			return true
		}
	}
	// A common prefix with at least one blob under it also counts.
	prefix := path
	if prefix != "" {
		prefix += "/"
	}
	one := int32(1)
	pager := cc.NewListBlobsFlatPager(&container.ListBlobsFlatOptions{
		Prefix:     &prefix,
		MaxResults: &one,
	})
	if !pager.More() {
		return false
	}
	page, err := pager.NextPage(a.ctx)
	if err != nil {
		return false
	}
	return len(page.Segment.BlobItems) > 0
}

func (a *azureFS) List(uri string) ([]string, error) {
	cc, path, err := a.blobClient(uri)
	if err != nil {
		return nil, err
	}
	prefix := path
	if prefix != "" {
		prefix += "/"
	}
	base := strings.TrimSuffix(uri, "/")

	var out []string
	pager := cc.NewListBlobsHierarchyPager("/", &container.ListBlobsHierarchyOptions{Prefix: &prefix})
	for pager.More() {
		page, err := pager.NextPage(a.ctx)
		if err != nil {
			return nil, status.IOErr("list", uri, err)
		}
		for _, item := range page.Segment.BlobItems {
			name := strings.TrimPrefix(*item.Name, prefix)
			if name == DirMarker || name == "" {
				continue
			}
			out = append(out, base+"/"+name)
		}
		for _, p := range page.Segment.BlobPrefixes {
			name := strings.TrimSuffix(strings.TrimPrefix(*p.Name, prefix), "/")
			out = append(out, base+"/"+name)
		}
	}
	return out, nil
}

func (a *azureFS) CreateDir(uri string) error {
	cc, path, err := a.blobClient(uri)
	if err != nil {
		return err
	}
	marker := DirMarker
	if path != "" {
		marker = path + "/" + DirMarker
	}
	_, err = cc.NewBlockBlobClient(marker).UploadBuffer(a.ctx, nil, nil)
	if err != nil {
		return status.IOErr("create_dir", uri, err)
	}
	return nil
}

func (a *azureFS) DeleteDir(uri string) error {
	cc, path, err := a.blobClient(uri)
	if err != nil {
		return err
	}
	prefix := path
	if prefix != "" {
		prefix += "/"
	}

	var names []string
	pager := cc.NewListBlobsFlatPager(&container.ListBlobsFlatOptions{Prefix: &prefix})
	for pager.More() {
		page, err := pager.NextPage(a.ctx)
		if err != nil {
			return status.IOErr("delete_dir", uri, err)
		}
		for _, item := range page.Segment.BlobItems {
			names = append(names, *item.Name)
		}
	}

	g, ctx := errgroup.WithContext(a.ctx)
	g.SetLimit(a.cfg.MaxParallel)
	for _, name := range names {
		name := name
		g.Go(func() error {
			_, err := cc.NewBlobClient(name).Delete(ctx, nil)
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return status.IOErr("delete_dir", uri, err)
	}
	return nil
}

func (a *azureFS) FileSize(uri string) (int64, error) {
	cc, path, err := a.blobClient(uri)
	if err != nil {
		return 0, err
	}
	props, err := cc.NewBlobClient(path).GetProperties(a.ctx, nil)
	if err != nil {
		return 0, status.IOErr("file_size", uri, err)
	}
	if props.ContentLength == nil {
		return 0, nil
	}
	return *props.ContentLength, nil
}

func (a *azureFS) Read(uri string, offset int64, buf []byte) error {
	if len(buf) < a.cfg.DownloadBufferSize {
		return a.rangeRead(uri, offset, buf)
	}

	// Large read: parallel range GETs into disjoint regions.
	chunk := (len(buf) + a.cfg.MaxParallel - 1) / a.cfg.MaxParallel
	g, _ := errgroup.WithContext(a.ctx)
	for start := 0; start < len(buf); start += chunk {
		start, end := start, min(start+chunk, len(buf))
		g.Go(func() error {
			return a.rangeRead(uri, offset+int64(start), buf[start:end])
		})
	}
	return g.Wait()
}

func (a *azureFS) rangeRead(uri string, offset int64, buf []byte) error {
	cc, path, err := a.blobClient(uri)
	if err != nil {
		return err
	}
	resp, err := cc.NewBlobClient(path).DownloadStream(a.ctx, &blob.DownloadStreamOptions{
		Range: blob.HTTPRange{Offset: offset, Count: int64(len(buf))},
	})
	if err != nil {
		return status.IOErr("read", uri, err)
	}
	defer resp.Body.Close()
	n := 0
	for n < len(buf) {
		m, err := resp.Body.Read(buf[n:])
		n += m
		if err != nil {
			break
		}
	}
	if n != len(buf) {
		return status.IOErr("read", uri, fmt.Errorf("short range read: %d of %d bytes", n, len(buf)))
	}
	return nil
}

func (a *azureFS) Append(uri string, data []byte) error {
	a.mu.Lock()
	up, ok := a.pending[uri]
	if !ok {
		up = &azureUpload{}
		a.pending[uri] = up
	}
	up.buf = append(up.buf, data...)
	var flush []byte
	if len(up.buf) >= a.cfg.UploadBufferSize {
		flush = up.buf
		up.buf = nil
	}
	a.mu.Unlock()

	if flush == nil {
		return nil
	}
	return a.stageBlocks(uri, up, flush)
}

// stageBlocks uploads data as one or more uncommitted blocks in
// parallel. Block ids are deterministic: a hash of the blob path plus
// a monotonically increasing index, fixed-width so the committed list
// sorts in upload order.
func (a *azureFS) stageBlocks(uri string, up *azureUpload, data []byte) error {
	cc, path, err := a.blobClient(uri)
	if err != nil {
		return err
	}
	bb := cc.NewBlockBlobClient(path)
	pathHash := xxh3.HashString(path)

	type block struct {
		id   string
		data []byte
	}
	var blocks []block
	a.mu.Lock()
	for start := 0; start < len(data); start += maxBlockSize {
		end := min(start+maxBlockSize, len(data))
		raw := fmt.Sprintf("%016x-%010d", pathHash, up.nextID)
		up.nextID++
		id := base64.StdEncoding.EncodeToString([]byte(raw))
		up.blockIDs = append(up.blockIDs, id)
		blocks = append(blocks, block{id: id, data: data[start:end]})
	}
	a.mu.Unlock()

	g, ctx := errgroup.WithContext(a.ctx)
	g.SetLimit(a.cfg.MaxParallel)
	for _, blk := range blocks {
		blk := blk
		g.Go(func() error {
			_, err := bb.StageBlock(ctx, blk.id, streaming.NopCloser(bytes.NewReader(blk.data)), nil)
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return status.IOErr("append", uri, err)
	}
	return nil
}

func (a *azureFS) Commit(uri string) error {
	a.mu.Lock()
	up, ok := a.pending[uri]
	if ok {
		delete(a.pending, uri)
	}
	a.mu.Unlock()
	if !ok {
		return nil
	}

	if len(up.buf) > 0 {
		if err := a.stageBlocks(uri, up, up.buf); err != nil {
			return err
		}
		up.buf = nil
	}

	cc, path, err := a.blobClient(uri)
	if err != nil {
		return err
	}
	_, err = cc.NewBlockBlobClient(path).CommitBlockList(a.ctx, up.blockIDs, nil)
	if err != nil {
		return status.IOErr("commit", uri, err)
	}
	return nil
}

func (a *azureFS) DeleteFile(uri string) error {
	cc, path, err := a.blobClient(uri)
	if err != nil {
		return err
	}
	a.mu.Lock()
	delete(a.pending, uri)
	a.mu.Unlock()
	if _, err := cc.NewBlobClient(path).Delete(a.ctx, nil); err != nil {
		return status.IOErr("delete_file", uri, err)
	}
	return nil
}

func (a *azureFS) Move(olduri, newuri string) error {
	return status.Unsupportedf("move is not supported on object stores: %q", olduri)
}

func (a *azureFS) SupportsLocking() bool { return false }

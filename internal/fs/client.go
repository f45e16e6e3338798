package fs

import (
	"context"
	"crypto/md5"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"iter"
	"log/slog"
	"os"
	"path"
	"sort"
	"strconv"
	"strings"
	"time"

	"bulksync/internal/compress"
	"bulksync/internal/fs/dircache"
	"bulksync/internal/metrics"
)

// Client 在任意 ObjectStore 之上实现 TransferClient
type Client struct {
	store ObjectStore
	root  string
	dirs  *dircache.Cache
	key   []byte // 为空时不解密
}

var _ TransferClient = (*Client)(nil)

// NewClient 创建客户端，根目录预先写入目录缓存
func NewClient(store ObjectStore, root string, dirs *dircache.Cache, key []byte) *Client {
	c := &Client{
		store: store,
		root:  cleanRoot(root),
		dirs:  dirs,
		key:   key,
	}
	dirs.Add(c.root)
	return c
}

func (c *Client) RemoteRoot() string {
	return c.root
}

func (c *Client) MaxConnections() int {
	return c.store.MaxConnections()
}

// DirCacheLen 当前目录缓存的条目数
func (c *Client) DirCacheLen() int {
	return c.dirs.Len()
}

func (c *Client) Close() error {
	return c.store.Close()
}

// Ping 检查远端是否可达，根目录不存在不算失败
func (c *Client) Ping(ctx context.Context) (exists bool, err error) {
	_, err = c.head(ctx, dirKey(c.root))
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// observe 记录一次存储调用，NotFound 与条件写失败属于预期结果
func observe(op string, start time.Time, err error) {
	ok := err == nil || errors.Is(err, ErrNotFound) || errors.Is(err, ErrPreconditionFailed)
	metrics.RecordStoreOperation(op, time.Since(start), ok)
}

func (c *Client) head(ctx context.Context, key string) (*ObjectInfo, error) {
	start := time.Now()
	info, err := c.store.Head(ctx, key)
	observe("head", start, err)
	return info, err
}

func (c *Client) underRoot(p string) bool {
	if c.root == "/" {
		return true
	}
	return p == c.root || strings.HasPrefix(p, c.root+"/")
}

// Mkdirp 自上而下检查每一级祖先目录，缓存未命中的才创建
func (c *Client) Mkdirp(ctx context.Context, remotePath string) error {
	target := path.Clean("/" + remotePath)
	if !c.underRoot(target) {
		return &TransferError{Op: "mkdirp", Path: remotePath, Err: errors.New("不在远端根目录下")}
	}
	if c.dirs.Contains(target) {
		return nil
	}

	rel := strings.TrimPrefix(strings.TrimPrefix(target, c.root), "/")
	cur := c.root
	for _, part := range strings.Split(rel, "/") {
		if part == "" {
			continue
		}
		cur = path.Join(cur, part)
		if c.dirs.Contains(cur) {
			continue
		}
		start := time.Now()
		err := c.store.Mkdir(ctx, dirKey(cur), nil)
		observe("mkdir", start, err)
		if err != nil {
			return &TransferError{Op: "mkdir", Path: cur, Err: err}
		}
		c.dirs.Add(cur)
	}
	return nil
}

// Put 按单元类型写入目录标记、文件或符号链接
func (c *Client) Put(ctx context.Context, remotePath string, u *Upload) (PutOutcome, error) {
	switch u.Kind {
	case KindDirectory:
		return c.putDir(ctx, remotePath, u)
	case KindFile:
		return c.putFile(ctx, remotePath, u)
	case KindSymlink:
		return c.putLink(ctx, remotePath, u)
	}
	return PutCreated, fmt.Errorf("未知的上传类型 %d", u.Kind)
}

func uploadMetadata(u *Upload) map[string]string {
	meta := map[string]string{
		MetaUncompressedSize: strconv.FormatInt(u.UncompressedSize, 10),
		MetaOriginalPath:     u.SourcePath,
		MetaOriginalMD5:      base64.StdEncoding.EncodeToString(u.Checksum),
	}
	if !u.LastModified.IsZero() {
		meta[MetaModTime] = strconv.FormatInt(u.LastModified.UnixNano(), 10)
	}
	return meta
}

// putDir 目录单元写入带修改时间的目录标记
// 标记已由子条目的 Mkdirp 创建时不再改写
func (c *Client) putDir(ctx context.Context, remotePath string, u *Upload) (PutOutcome, error) {
	target := path.Clean("/" + remotePath)
	if !c.underRoot(target) {
		return PutCreated, &TransferError{Op: "mkdir", Path: remotePath, Err: errors.New("不在远端根目录下")}
	}
	if target == c.root || c.dirs.Contains(target) {
		return PutCreated, nil
	}
	if err := c.Mkdirp(ctx, path.Dir(target)); err != nil {
		return PutCreated, err
	}

	var meta map[string]string
	if !u.LastModified.IsZero() {
		meta = map[string]string{MetaModTime: strconv.FormatInt(u.LastModified.UnixNano(), 10)}
	}
	start := time.Now()
	err := c.store.Mkdir(ctx, dirKey(target), meta)
	observe("mkdir", start, err)
	if err != nil {
		return PutCreated, &TransferError{Op: "mkdir", Path: target, Err: err}
	}
	c.dirs.Add(target)
	return PutCreated, nil
}

func (c *Client) putFile(ctx context.Context, remotePath string, u *Upload) (PutOutcome, error) {
	if err := c.Mkdirp(ctx, path.Dir(remotePath)); err != nil {
		return PutCreated, err
	}

	f, err := os.Open(u.TempPath)
	if err != nil {
		return PutCreated, &TransferError{Op: "put", Path: remotePath, Err: err}
	}
	defer f.Close()

	body := func() (io.Reader, error) {
		_, err := f.Seek(0, io.SeekStart)
		return f, err
	}
	return c.putConditional(ctx, remotePath, u, uploadMetadata(u), u.CompressedSize, body)
}

func (c *Client) putLink(ctx context.Context, remotePath string, u *Upload) (PutOutcome, error) {
	target, err := os.Readlink(u.SourcePath)
	if err != nil {
		return PutCreated, &TransferError{Op: "readlink", Path: u.SourcePath, Err: err}
	}
	if err := c.Mkdirp(ctx, path.Dir(remotePath)); err != nil {
		return PutCreated, err
	}

	sum := md5.Sum([]byte(target))
	u.Checksum = sum[:]
	u.UncompressedSize = int64(len(target))
	u.CompressedSize = u.UncompressedSize

	meta := uploadMetadata(u)
	delete(meta, MetaModTime)
	meta[MetaLink] = "true"

	body := func() (io.Reader, error) {
		return strings.NewReader(target), nil
	}
	return c.putConditional(ctx, remotePath, u, meta, u.UncompressedSize, body)
}

// putConditional 先"不存在才创建"，对象已存在时比对元数据决定跳过或覆盖
func (c *Client) putConditional(ctx context.Context, remotePath string, u *Upload, meta map[string]string,
	size int64, body func() (io.Reader, error)) (PutOutcome, error) {

	r, err := body()
	if err != nil {
		return PutCreated, &TransferError{Op: "put", Path: remotePath, Err: err}
	}
	start := time.Now()
	err = c.store.Put(ctx, remotePath, r, size, PutOptions{IfAbsent: true, Metadata: meta})
	observe("put", start, err)
	if err == nil {
		return PutCreated, nil
	}
	if !errors.Is(err, ErrPreconditionFailed) {
		return PutCreated, &TransferError{Op: "put", Path: remotePath, Err: err}
	}

	info, err := c.head(ctx, remotePath)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return PutCreated, &TransferError{Op: "head", Path: remotePath, Err: err}
	}
	if err == nil && metadataMatches(info, u.UncompressedSize, u.Checksum) {
		slog.Debug("远端已一致，跳过上传", "path", remotePath)
		return PutUnchanged, nil
	}

	if r, err = body(); err != nil {
		return PutCreated, &TransferError{Op: "put", Path: remotePath, Err: err}
	}
	start = time.Now()
	err = c.store.Put(ctx, remotePath, r, size, PutOptions{Metadata: meta})
	observe("put", start, err)
	if err != nil {
		return PutCreated, &TransferError{Op: "overwrite", Path: remotePath, Err: err}
	}
	return PutOverwritten, nil
}

func metadataMatches(info *ObjectInfo, size int64, checksum []byte) bool {
	if info.Metadata[MetaUncompressedSize] != strconv.FormatInt(size, 10) {
		return false
	}
	remote, err := base64.StdEncoding.DecodeString(info.Metadata[MetaOriginalMD5])
	if err != nil {
		return false
	}
	return string(remote) == string(checksum)
}

// Find 惰性列出根目录下的条目 (不含根目录本身)
func (c *Client) Find(ctx context.Context) iter.Seq2[*Entry, error] {
	return func(yield func(*Entry, error) bool) {
		rootKey := dirKey(c.root)
		for info, err := range c.store.List(ctx, rootKey) {
			if err != nil {
				yield(nil, &TransferError{Op: "list", Path: c.root, Err: err})
				return
			}
			if info.Key == rootKey {
				continue
			}
			if !yield(entryFromInfo(info), nil) {
				return
			}
		}
	}
}

// Resolve 列表未带元数据时读取对象头，补全原始大小、修改时间与链接标记
func (c *Client) Resolve(ctx context.Context, e *Entry) error {
	if e.complete {
		return nil
	}
	info, err := c.head(ctx, e.RemotePath)
	if err != nil {
		return &TransferError{Op: "head", Path: e.RemotePath, Err: err}
	}
	full := entryFromInfo(info)
	e.Size = full.Size
	e.LastModified = full.LastModified
	if !e.IsDir {
		e.MarkLink(full.isLink)
	}
	e.complete = true
	return nil
}

func entryFromInfo(info *ObjectInfo) *Entry {
	size := info.Size
	if v, ok := info.Metadata[MetaUncompressedSize]; ok {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			size = n
		}
	}

	var link bool
	if info.Metadata != nil {
		link = info.IsLink()
	} else {
		// 列表中没有元数据时按命名约定推断，首次访问后再修正
		link = !info.IsDir && !strings.HasSuffix(info.Key, compress.Suffix)
	}
	e := NewEntry(info.Key, size, info.ModTime(), info.IsDir, link)
	e.complete = info.Metadata != nil
	return e
}

// hasChildren 目录下是否存在除标记本身以外的对象
func (c *Client) hasChildren(ctx context.Context, dir string) (bool, error) {
	key := dirKey(dir)
	for info, err := range c.store.List(ctx, key) {
		if err != nil {
			return false, err
		}
		if info.Key != key {
			return true, nil
		}
	}
	return false, nil
}

// dirExists 存在目录标记，或存在隐式目录 (有子对象)
func (c *Client) dirExists(ctx context.Context, dir string) (exists, nonEmpty bool, err error) {
	_, err = c.head(ctx, dirKey(dir))
	if err != nil && !errors.Is(err, ErrNotFound) {
		return false, false, err
	}
	marker := err == nil

	nonEmpty, err = c.hasChildren(ctx, dir)
	if err != nil {
		return false, false, err
	}
	return marker || nonEmpty, nonEmpty, nil
}

// Delete 删除逻辑路径对应的文件、链接与目录标记
func (c *Client) Delete(ctx context.Context, remotePath string, recursive bool) error {
	base := path.Clean("/" + remotePath)
	if base == c.root {
		return &TransferError{Op: "delete", Path: remotePath, Err: errors.New("拒绝删除远端根目录")}
	}
	dir := dirKey(base)

	var children []string
	for info, err := range c.store.List(ctx, dir) {
		if err != nil {
			return &TransferError{Op: "list", Path: dir, Err: err}
		}
		if info.Key != dir {
			children = append(children, info.Key)
		}
	}
	if len(children) > 0 && !recursive {
		return &TransferError{Op: "delete", Path: remotePath, Err: errors.New("目录不为空")}
	}

	// 深层路径先删
	sort.Slice(children, func(i, j int) bool { return len(children[i]) > len(children[j]) })
	keys := append(children, dir, base)
	if !strings.HasSuffix(base, compress.Suffix) {
		keys = append(keys, base+compress.Suffix)
	}

	for _, key := range keys {
		start := time.Now()
		err := c.store.Delete(ctx, key)
		observe("delete", start, err)
		if err != nil && !errors.Is(err, ErrNotFound) {
			return &TransferError{Op: "delete", Path: key, Err: err}
		}
		if strings.HasSuffix(key, "/") {
			c.dirs.Remove(key)
		}
	}
	return nil
}

// Get 读取对象原始内容
func (c *Client) Get(ctx context.Context, remotePath string) (string, error) {
	start := time.Now()
	rc, _, err := c.store.Get(ctx, remotePath)
	observe("get", start, err)
	if err != nil {
		return "", &TransferError{Op: "get", Path: remotePath, Err: err}
	}
	defer rc.Close()

	data, err := io.ReadAll(rc)
	if err != nil {
		return "", &TransferError{Op: "get", Path: remotePath, Err: err}
	}
	return string(data), nil
}

package fs

import (
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"
	"time"
)

// Kind 上传单元的类型
type Kind int

const (
	KindDirectory Kind = iota
	KindFile
	KindSymlink
)

func (k Kind) String() string {
	switch k {
	case KindDirectory:
		return "directory"
	case KindFile:
		return "file"
	case KindSymlink:
		return "symlink"
	}
	return "unknown"
}

// Upload 一个待上传的本地条目 (目录 / 文件 / 符号链接)
// 只有 KindFile 使用 TempPath 之后的字段
type Upload struct {
	Kind       Kind
	SourcePath string

	TempPath         string    // 压缩后的临时文件
	Checksum         []byte    // 未压缩内容的 MD5
	LastModified     time.Time // 源文件修改时间
	UncompressedSize int64
	CompressedSize   int64

	attempts atomic.Int32
}

// NewDirectoryUpload 目录单元
func NewDirectoryUpload(path string) *Upload {
	return &Upload{Kind: KindDirectory, SourcePath: path}
}

// NewSymlinkUpload 符号链接单元，目标在上传时才解析
func NewSymlinkUpload(path string) *Upload {
	return &Upload{Kind: KindSymlink, SourcePath: path}
}

// Attempts 已尝试上传的次数
func (u *Upload) Attempts() int {
	return int(u.attempts.Load())
}

// IncrementAttempts 返回递增后的次数
func (u *Upload) IncrementAttempts() int {
	return int(u.attempts.Add(1))
}

// CompressionPercentage 压缩后大小占原大小的百分比
func (u *Upload) CompressionPercentage() string {
	if u.UncompressedSize == 0 {
		return "0%"
	}
	ratio := float64(u.CompressedSize) / float64(u.UncompressedSize) * 100
	return strconv.FormatFloat(ratio, 'f', 1, 64) + "%"
}

func (u *Upload) String() string {
	if u.Kind != KindFile {
		return fmt.Sprintf("%s[%s]", u.Kind, u.SourcePath)
	}
	return fmt.Sprintf("file[%s temp=%s md5=%s size=%d compressed=%d]",
		u.SourcePath, u.TempPath, hex.EncodeToString(u.Checksum),
		u.UncompressedSize, u.CompressedSize)
}

// Entry 远端列出的一个条目 (下载单元)
type Entry struct {
	RemotePath   string
	Size         int64
	LastModified time.Time
	IsDir        bool

	linkOnce sync.Once
	isLink   bool
	// 列表时已带元数据，Size 与 LastModified 即为原始值
	complete bool
}

// NewEntry 创建远端条目
func NewEntry(remotePath string, size int64, lastModified time.Time, isDir, isLink bool) *Entry {
	return &Entry{
		RemotePath:   remotePath,
		Size:         size,
		LastModified: lastModified,
		IsDir:        isDir,
		isLink:       isLink,
	}
}

// IsLink 是否为符号链接
func (e *Entry) IsLink() bool {
	return e.isLink
}

// Complete 条目是否已带有元数据 (原始大小、修改时间、链接标记)
// S3 等后端列表时不返回元数据，需要先 Resolve
func (e *Entry) Complete() bool {
	return e.complete
}

// MarkLink 首次访问对象后修正链接标记，只生效一次
func (e *Entry) MarkLink(link bool) {
	e.linkOnce.Do(func() { e.isLink = link })
}

func (e *Entry) String() string {
	return fmt.Sprintf("%s (size=%d dir=%t link=%t)", e.RemotePath, e.Size, e.IsDir, e.isLink)
}

// PutOutcome Put 的结果
type PutOutcome int

const (
	PutCreated     PutOutcome = iota // 远端原本不存在
	PutOverwritten                   // 远端存在但内容不同
	PutUnchanged                     // 远端已一致，未上传
)

func (o PutOutcome) String() string {
	switch o {
	case PutCreated:
		return "created"
	case PutOverwritten:
		return "overwritten"
	case PutUnchanged:
		return "unchanged"
	}
	return "unknown"
}

// 远端对象元数据的键
const (
	MetaUncompressedSize = "uncompressed-size"
	MetaOriginalPath     = "original-path"
	MetaOriginalMD5      = "original-md5"
	MetaLink             = "link"
	MetaModTime          = "mtime"
)

var (
	// ErrNotFound 远端对象不存在
	ErrNotFound = errors.New("对象不存在")
	// ErrPreconditionFailed 条件写入失败 (对象已存在)
	ErrPreconditionFailed = errors.New("条件写入失败")
)

// TransferError 远端操作错误，附带路径上下文
type TransferError struct {
	Op   string
	Path string
	Err  error
}

func (e *TransferError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Op, e.Path, e.Err)
}

func (e *TransferError) Unwrap() error {
	return e.Err
}

// ModTime 优先使用上传时记录的源文件修改时间
func (o *ObjectInfo) ModTime() time.Time {
	if v, ok := o.Metadata[MetaModTime]; ok {
		if nanos, err := strconv.ParseInt(v, 10, 64); err == nil {
			return time.Unix(0, nanos)
		}
	}
	return o.LastModified
}

// IsLink 元数据中带有链接标记
func (o *ObjectInfo) IsLink() bool {
	return o.Metadata[MetaLink] == "true"
}

// Package preprocess 将本地条目转换为上传单元：文件在上传前计算 MD5 并压缩到临时目录
package preprocess

import (
	"bufio"
	"crypto/md5"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"bulksync/internal/compress"
	"bulksync/internal/crypto"
	"bulksync/internal/fs"
)

// ReadBufferSize 读取源文件的缓冲大小
const ReadBufferSize = 16384

var (
	ErrNotSymlink   = errors.New("不是符号链接")
	ErrNotDirectory = errors.New("不是目录")
	ErrNotRegular   = errors.New("不是普通文件")
)

// ProcessingError 单个条目的预处理失败，不影响其他条目
type ProcessingError struct {
	Op   string
	Path string
	Err  error
}

func (e *ProcessingError) Error() string {
	return fmt.Sprintf("预处理 %s %s: %v", e.Op, e.Path, e.Err)
}

func (e *ProcessingError) Unwrap() error {
	return e.Err
}

// Preprocessor 可被多个 goroutine 并发使用
type Preprocessor struct {
	scratch *Scratch
	key     []byte
}

// New key 为空时不加密
func New(scratch *Scratch, key []byte) *Preprocessor {
	return &Preprocessor{scratch: scratch, key: key}
}

// Process 为一个本地条目生成恰好一个上传单元
func (p *Preprocessor) Process(path string, kind fs.Kind) (*fs.Upload, error) {
	switch kind {
	case fs.KindDirectory:
		return p.directory(path)
	case fs.KindFile:
		return p.file(path)
	case fs.KindSymlink:
		return p.symlink(path)
	}
	return nil, &ProcessingError{Op: "process", Path: path, Err: fmt.Errorf("未知的条目类型 %d", kind)}
}

func (p *Preprocessor) directory(path string) (*fs.Upload, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, &ProcessingError{Op: "stat", Path: path, Err: err}
	}
	if !info.IsDir() {
		return nil, &ProcessingError{Op: "stat", Path: path, Err: ErrNotDirectory}
	}
	if err := p.scratch.MkdirMirror(path); err != nil {
		return nil, &ProcessingError{Op: "mkdir", Path: path, Err: err}
	}
	u := fs.NewDirectoryUpload(path)
	u.LastModified = info.ModTime()
	return u, nil
}

// symlink 只校验类型，目标在上传时解析
func (p *Preprocessor) symlink(path string) (*fs.Upload, error) {
	info, err := os.Lstat(path)
	if err != nil {
		return nil, &ProcessingError{Op: "lstat", Path: path, Err: err}
	}
	if info.Mode()&os.ModeSymlink == 0 {
		return nil, &ProcessingError{Op: "lstat", Path: path, Err: ErrNotSymlink}
	}
	return fs.NewSymlinkUpload(path), nil
}

func (p *Preprocessor) file(path string) (*fs.Upload, error) {
	src, err := os.Open(path)
	if err != nil {
		return nil, &ProcessingError{Op: "open", Path: path, Err: err}
	}
	defer src.Close()

	info, err := src.Stat()
	if err != nil {
		return nil, &ProcessingError{Op: "stat", Path: path, Err: err}
	}
	if !info.Mode().IsRegular() {
		return nil, &ProcessingError{Op: "stat", Path: path, Err: ErrNotRegular}
	}

	dst, tempPath, err := p.scratch.Create(path)
	if err != nil {
		return nil, &ProcessingError{Op: "create scratch", Path: path, Err: err}
	}

	checksum, n, err := p.compress(dst, src)
	if err != nil {
		if rmErr := p.scratch.Release(tempPath); rmErr != nil {
			slog.Warn("删除临时文件失败", "path", tempPath, "err", rmErr)
		}
		return nil, &ProcessingError{Op: "compress", Path: path, Err: err}
	}

	st, err := os.Stat(tempPath)
	if err != nil {
		return nil, &ProcessingError{Op: "stat scratch", Path: path, Err: err}
	}

	u := &fs.Upload{
		Kind:             fs.KindFile,
		SourcePath:       path,
		TempPath:         tempPath,
		Checksum:         checksum,
		LastModified:     info.ModTime(),
		UncompressedSize: n,
		CompressedSize:   st.Size(),
	}
	slog.Debug("文件已压缩", "path", path, "size", n,
		"compressed", u.CompressedSize, "ratio", u.CompressionPercentage())
	return u, nil
}

// compress 读取一遍源文件，同时计算 MD5 并写出压缩 (及加密) 结果
// 返回时 dst 已关闭
func (p *Preprocessor) compress(dst *os.File, src io.Reader) ([]byte, int64, error) {
	var sink io.WriteCloser = dst
	if p.key != nil {
		enc, err := crypto.NewEncryptWriter(dst, p.key)
		if err != nil {
			dst.Close()
			return nil, 0, err
		}
		sink = enc
	}

	zw, err := compress.NewWriter(sink)
	if err != nil {
		sink.Close()
		return nil, 0, err
	}

	h := md5.New()
	reader := io.TeeReader(bufio.NewReaderSize(src, ReadBufferSize), h)
	n, copyErr := io.CopyBuffer(zw, reader, make([]byte, ReadBufferSize))

	closeErr := zw.Close()
	sinkErr := sink.Close()
	if err := errors.Join(copyErr, closeErr, sinkErr); err != nil {
		return nil, 0, err
	}
	return h.Sum(nil), n, nil
}

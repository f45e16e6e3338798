package fs

import (
	"context"
	"crypto/md5"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"strconv"
	"time"

	"bulksync/internal/compress"
	"bulksync/internal/crypto"
)

// Download 读取对象，解密、解压并计算 MD5 后写入 dst
// 链接对象直接写入目标字符串
func (c *Client) Download(ctx context.Context, remotePath string, dst io.Writer) (VerificationResult, error) {
	start := time.Now()
	rc, info, err := c.store.Get(ctx, remotePath)
	observe("get", start, err)
	if errors.Is(err, ErrNotFound) {
		return ResultNotFound, nil
	}
	if err != nil {
		return ResultNotFound, &TransferError{Op: "download", Path: remotePath, Err: err}
	}
	defer rc.Close()

	if info.IsDir {
		return ResultNotFile, nil
	}

	sizeHeader, okSize := info.Metadata[MetaUncompressedSize]
	md5Header, okMD5 := info.Metadata[MetaOriginalMD5]
	if !okSize || !okMD5 {
		return ResultMissingHeaders, nil
	}
	size, err := strconv.ParseInt(sizeHeader, 10, 64)
	if err != nil {
		return ResultMissingHeaders, nil
	}
	expected, err := base64.StdEncoding.DecodeString(md5Header)
	if err != nil {
		return ResultMissingHeaders, nil
	}

	var src io.Reader = rc
	if !info.IsLink() {
		if c.key != nil {
			if src, err = crypto.NewDecryptReader(src, c.key); err != nil {
				return ResultNotFound, &TransferError{Op: "decrypt", Path: remotePath, Err: err}
			}
		}
		zr, err := compress.NewReader(src)
		if err != nil {
			return ResultNotFound, &TransferError{Op: "decompress", Path: remotePath, Err: err}
		}
		defer zr.Close()
		src = zr
	}

	result, err := copyVerified(dst, src, size, expected)
	if err != nil {
		return result, &TransferError{Op: "download", Path: remotePath, Err: err}
	}
	if result == ResultOK && info.IsLink() {
		result = ResultLinkOK
	}
	return result, nil
}

// copyVerified 恰好复制 size 字节，多出或不足均为 WRONG_SIZE
func copyVerified(dst io.Writer, src io.Reader, size int64, expected []byte) (VerificationResult, error) {
	h := md5.New()
	n, err := io.CopyN(io.MultiWriter(dst, h), src, size)
	if errors.Is(err, io.EOF) {
		return ResultWrongSize, nil
	}
	if err != nil {
		return ResultNotFound, fmt.Errorf("已复制 %d 字节后出错: %w", n, err)
	}

	var probe [1]byte
	extra, err := io.ReadFull(src, probe[:])
	if extra > 0 {
		return ResultWrongSize, nil
	}
	if err != nil && !errors.Is(err, io.EOF) && !errors.Is(err, io.ErrUnexpectedEOF) {
		return ResultNotFound, err
	}

	if string(h.Sum(nil)) != string(expected) {
		return ResultChecksumMismatch, nil
	}
	return ResultOK, nil
}

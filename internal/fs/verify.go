package fs

import (
	"context"
	"encoding/base64"
	"errors"
	"path"
	"strconv"
	"strings"

	"bulksync/internal/compress"
)

// VerifyDirectory 目录标记存在即 OK；同名对象存在为 NOT_DIRECTORY
func (c *Client) VerifyDirectory(ctx context.Context, remotePath string) (VerificationResult, error) {
	base := path.Clean("/" + remotePath)
	exists, _, err := c.dirExists(ctx, base)
	if err != nil {
		return ResultNotFound, &TransferError{Op: "verify", Path: remotePath, Err: err}
	}
	if exists {
		return ResultOK, nil
	}

	for _, key := range []string{base, base + compress.Suffix} {
		_, err := c.head(ctx, key)
		if err == nil {
			return ResultNotDirectory, nil
		}
		if !errors.Is(err, ErrNotFound) {
			return ResultNotFound, &TransferError{Op: "verify", Path: key, Err: err}
		}
	}
	return ResultNotFound, nil
}

// VerifyFile 依次检查类型、元数据、大小与校验和
func (c *Client) VerifyFile(ctx context.Context, remotePath string, size int64, checksum []byte) (VerificationResult, error) {
	info, err := c.head(ctx, remotePath)
	if errors.Is(err, ErrNotFound) {
		exists, _, err := c.dirExists(ctx, strings.TrimSuffix(remotePath, compress.Suffix))
		if err != nil {
			return ResultNotFound, &TransferError{Op: "verify", Path: remotePath, Err: err}
		}
		if exists {
			return ResultNotFile, nil
		}
		return ResultNotFound, nil
	}
	if err != nil {
		return ResultNotFound, &TransferError{Op: "verify", Path: remotePath, Err: err}
	}

	if info.IsDir || info.IsLink() {
		return ResultNotFile, nil
	}
	return compareMetadata(info, size, checksum), nil
}

func compareMetadata(info *ObjectInfo, size int64, checksum []byte) VerificationResult {
	sizeHeader, okSize := info.Metadata[MetaUncompressedSize]
	md5Header, okMD5 := info.Metadata[MetaOriginalMD5]
	if !okSize || !okMD5 {
		return ResultMissingHeaders
	}

	remoteSize, err := strconv.ParseInt(sizeHeader, 10, 64)
	if err != nil || remoteSize != size {
		return ResultWrongSize
	}
	remoteMD5, err := base64.StdEncoding.DecodeString(md5Header)
	if err != nil || string(remoteMD5) != string(checksum) {
		return ResultChecksumMismatch
	}
	return ResultOK
}

// VerifyLink 比对远端保存的链接目标
func (c *Client) VerifyLink(ctx context.Context, remotePath, target string) (VerificationResult, error) {
	base := path.Clean("/" + remotePath)
	info, err := c.head(ctx, base)
	if errors.Is(err, ErrNotFound) {
		return c.classifyMissingLink(ctx, base)
	}
	if err != nil {
		return ResultNotFound, &TransferError{Op: "verify", Path: remotePath, Err: err}
	}
	if info.IsDir || !info.IsLink() {
		return ResultNotLinkActuallyFile, nil
	}

	remoteTarget, err := c.Get(ctx, base)
	if err != nil {
		return ResultNotFound, err
	}
	if remoteTarget != target {
		return ResultLinkMismatch, nil
	}
	return ResultLinkOK, nil
}

func (c *Client) classifyMissingLink(ctx context.Context, base string) (VerificationResult, error) {
	exists, nonEmpty, err := c.dirExists(ctx, base)
	if err != nil {
		return ResultNotFound, &TransferError{Op: "verify", Path: base, Err: err}
	}
	if exists {
		if nonEmpty {
			return ResultNotLinkActuallyDir, nil
		}
		return ResultNotLinkActuallyEmptyDir, nil
	}

	_, err = c.head(ctx, base+compress.Suffix)
	if err == nil {
		return ResultNotLinkActuallyFile, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return ResultNotFound, &TransferError{Op: "verify", Path: base, Err: err}
	}
	return ResultNotFound, nil
}

package fs

import (
	"errors"
	"fmt"
	"path"
	"path/filepath"
	"strings"

	"bulksync/internal/compress"
)

// ErrAmbiguousLink 链接名以压缩后缀结尾，其远端 key 会与同名文件的对象冲突
var ErrAmbiguousLink = errors.New("链接名以 " + compress.Suffix + " 结尾，与文件的远端对象冲突")

// cleanRoot 远端根目录统一为以 "/" 开头、不以 "/" 结尾 (根目录本身除外)
func cleanRoot(root string) string {
	return path.Clean("/" + root)
}

// dirKey 目录标记的 key
func dirKey(p string) string {
	p = path.Clean("/" + p)
	if p == "/" {
		return p
	}
	return p + "/"
}

// LocalToRemote 将本地路径映射为远端路径
// 目录: <root>/<rel>/  文件: <root>/<rel>.zst  链接: <root>/<rel>
func (c *Client) LocalToRemote(localPath, localRoot string, kind Kind) (string, error) {
	rel, err := filepath.Rel(localRoot, localPath)
	if err != nil {
		return "", fmt.Errorf("计算相对路径失败 %s: %w", localPath, err)
	}
	if rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("路径 %s 不在 %s 下", localPath, localRoot)
	}

	remote := c.root
	if rel != "." {
		remote = path.Join(c.root, filepath.ToSlash(rel))
	}

	switch kind {
	case KindDirectory:
		return dirKey(remote), nil
	case KindFile:
		if rel == "." {
			return "", fmt.Errorf("本地根目录 %s 不能作为文件上传", localRoot)
		}
		return remote + compress.Suffix, nil
	default:
		if strings.HasSuffix(remote, compress.Suffix) {
			return "", fmt.Errorf("%w: %s", ErrAmbiguousLink, localPath)
		}
		return remote, nil
	}
}

// RemoteToLocal 将远端路径映射回本地路径，去掉目录分隔符与压缩后缀
func (c *Client) RemoteToLocal(remotePath, localRoot string) (string, error) {
	cleaned := path.Clean("/" + remotePath)
	var rel string
	switch {
	case cleaned == c.root:
		rel = ""
	case c.root == "/":
		rel = strings.TrimPrefix(cleaned, "/")
	case strings.HasPrefix(cleaned, c.root+"/"):
		rel = strings.TrimPrefix(cleaned, c.root+"/")
	default:
		return "", fmt.Errorf("远端路径 %s 不在 %s 下", remotePath, c.root)
	}

	if !strings.HasSuffix(remotePath, "/") {
		rel = strings.TrimSuffix(rel, compress.Suffix)
	}
	return filepath.Join(localRoot, filepath.FromSlash(rel)), nil
}

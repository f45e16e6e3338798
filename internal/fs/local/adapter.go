package local

import (
	"context"
	"crypto/md5"
	"errors"
	"fmt"
	"io"
	iofs "io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"bulksync/internal/fs"
)

// partialSuffix 下载中的文件先写入该后缀的临时文件
const partialSuffix = ".bulksync-partial"

// Adapter 本地文件系统适配器
type Adapter struct {
	rootDir string // 本地绝对路径根目录
}

// NewAdapter 创建一个新的本地适配器
func NewAdapter(rootDir string) *Adapter {
	// 确保 rootDir 是绝对路径
	absDir, err := filepath.Abs(rootDir)
	if err != nil {
		absDir = rootDir
	}
	return &Adapter{rootDir: absDir}
}

// Root 返回根目录
func (a *Adapter) Root() string {
	return a.rootDir
}

// RelPath 将本地绝对路径转换为 "/" 分隔的相对路径，仅用于输出
func (a *Adapter) RelPath(fullPath string) string {
	rel, err := filepath.Rel(a.rootDir, fullPath)
	if err != nil {
		return fullPath
	}
	return filepath.ToSlash(rel)
}

// KindOf 根据文件类型判断上传单元类型，不跟随符号链接
// 设备文件、管道等返回 false
func KindOf(mode iofs.FileMode) (fs.Kind, bool) {
	switch {
	case mode&iofs.ModeSymlink != 0:
		return fs.KindSymlink, true
	case mode.IsDir():
		return fs.KindDirectory, true
	case mode.IsRegular():
		return fs.KindFile, true
	}
	return fs.KindFile, false
}

// WalkFunc 遍历回调，返回 error 会终止遍历
type WalkFunc func(path string, kind fs.Kind) error

// Walk 递归扫描本地目录 (不含根目录本身)
// 单个条目的读取错误被收集，扫描继续；ctx 结束或回调出错时立即停止
func (a *Adapter) Walk(ctx context.Context, fn WalkFunc) error {
	var errs []error

	err := filepath.WalkDir(a.rootDir, func(path string, d iofs.DirEntry, err error) error {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		if err != nil {
			errs = append(errs, fmt.Errorf("扫描文件出错 %s: %w", path, err))
			if d != nil && d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}

		// 跳过根目录本身
		if path == a.rootDir {
			return nil
		}

		kind, ok := KindOf(d.Type())
		if !ok {
			slog.Debug("跳过特殊文件", "path", path, "mode", d.Type().String())
			return nil
		}
		return fn(path, kind)
	})
	if err != nil {
		return err
	}
	if len(errs) > 0 {
		return fmt.Errorf("扫描文件时出现 %d 个错误: %w", len(errs), errors.Join(errs...))
	}
	return nil
}

// Checksum 计算本地文件的 MD5 与大小
func Checksum(path string) ([]byte, int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, 0, err
	}
	defer f.Close()

	h := md5.New()
	n, err := io.Copy(h, f)
	if err != nil {
		return nil, 0, err
	}
	return h.Sum(nil), n, nil
}

// WriteStream 将 write 写出的内容保存为 fullPath
// 先写临时文件，write 成功后才替换目标；modTime 用于恢复文件的修改时间
func WriteStream(fullPath string, modTime time.Time, write func(io.Writer) error) error {
	// 1. 确保父目录存在
	if err := os.MkdirAll(filepath.Dir(fullPath), 0755); err != nil {
		return fmt.Errorf("创建目录失败: %w", err)
	}

	// 2. 创建临时文件
	partial := fullPath + partialSuffix
	f, err := os.Create(partial)
	if err != nil {
		return fmt.Errorf("创建文件失败: %w", err)
	}

	// 3. 写入数据
	if err := write(f); err != nil {
		f.Close()
		os.Remove(partial)
		return err
	}

	// 关闭文件以刷入磁盘
	if err := f.Close(); err != nil {
		os.Remove(partial)
		return err
	}

	// 4. 目标位置可能是旧的链接或目录
	if info, err := os.Lstat(fullPath); err == nil && !info.Mode().IsRegular() {
		if err := os.RemoveAll(fullPath); err != nil {
			os.Remove(partial)
			return fmt.Errorf("删除旧条目失败: %w", err)
		}
	}
	if err := os.Rename(partial, fullPath); err != nil {
		os.Remove(partial)
		return fmt.Errorf("重命名失败: %w", err)
	}

	// 5. 恢复修改时间
	SetModTime(fullPath, modTime)
	return nil
}

// SetModTime 恢复修改时间，失败只记录日志
func SetModTime(path string, modTime time.Time) {
	if modTime.IsZero() {
		return
	}
	if err := os.Chtimes(path, time.Now(), modTime); err != nil {
		slog.Warn("无法修改文件时间", "path", path, "err", err)
	}
}

// Symlink 创建 (或替换) 符号链接
func Symlink(target, linkPath string) error {
	if err := os.MkdirAll(filepath.Dir(linkPath), 0755); err != nil {
		return fmt.Errorf("创建目录失败: %w", err)
	}
	if _, err := os.Lstat(linkPath); err == nil {
		if err := os.RemoveAll(linkPath); err != nil {
			return fmt.Errorf("删除旧条目失败: %w", err)
		}
	}
	return os.Symlink(target, linkPath)
}

// LinkMatches 本地路径是指向 target 的符号链接
func LinkMatches(linkPath, target string) bool {
	current, err := os.Readlink(linkPath)
	return err == nil && current == target
}

// FileMatches 本地文件的大小与 MD5 与给定值一致
func FileMatches(path string, size int64, checksum []byte) bool {
	info, err := os.Lstat(path)
	if err != nil || !info.Mode().IsRegular() || info.Size() != size {
		return false
	}
	sum, _, err := Checksum(path)
	return err == nil && string(sum) == string(checksum)
}

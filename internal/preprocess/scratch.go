package preprocess

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"

	"github.com/google/uuid"

	"bulksync/internal/compress"
	"bulksync/internal/metrics"
)

// Scratch 压缩中间文件所在的临时目录
// 由流水线创建并通过 defer Close 释放，Close 删除整个目录
type Scratch struct {
	root        string
	outstanding atomic.Int64
	highWater   atomic.Int64
}

// NewScratch 创建临时目录
func NewScratch(dir string) (*Scratch, error) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("解析临时目录失败: %w", err)
	}
	if err := os.MkdirAll(abs, 0700); err != nil {
		return nil, fmt.Errorf("创建临时目录失败: %w", err)
	}
	slog.Debug("临时目录已创建", "path", abs)
	return &Scratch{root: abs}, nil
}

func (s *Scratch) Root() string {
	return s.root
}

// mirror 源路径在临时目录下的镜像位置
func (s *Scratch) mirror(source string) string {
	abs, err := filepath.Abs(source)
	if err != nil {
		abs = source
	}
	abs = strings.TrimPrefix(abs, filepath.VolumeName(abs))
	return filepath.Join(s.root, abs)
}

// MkdirMirror 预先创建源目录的镜像目录
func (s *Scratch) MkdirMirror(dir string) error {
	return os.MkdirAll(s.mirror(dir), 0700)
}

// Create 为源文件创建唯一的临时文件
// 同名文件已存在 (上次运行残留) 时追加 uuid，不覆盖
func (s *Scratch) Create(source string) (*os.File, string, error) {
	name := s.mirror(source) + compress.Suffix
	if err := os.MkdirAll(filepath.Dir(name), 0700); err != nil {
		return nil, "", err
	}

	f, err := os.OpenFile(name, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0600)
	if errors.Is(err, os.ErrExist) {
		name = strings.TrimSuffix(name, compress.Suffix) + "-" + uuid.NewString() + compress.Suffix
		f, err = os.OpenFile(name, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0600)
	}
	if err != nil {
		return nil, "", err
	}

	n := s.outstanding.Add(1)
	for {
		hw := s.highWater.Load()
		if n <= hw || s.highWater.CompareAndSwap(hw, n) {
			break
		}
	}
	metrics.SetScratchFiles(n)
	return f, name, nil
}

// Release 删除已消费的临时文件
func (s *Scratch) Release(name string) error {
	err := os.Remove(name)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	metrics.SetScratchFiles(s.outstanding.Add(-1))
	return nil
}

// Outstanding 尚未释放的临时文件数
func (s *Scratch) Outstanding() int64 {
	return s.outstanding.Load()
}

// HighWater 运行期间同时存在的临时文件数的最大值
func (s *Scratch) HighWater() int64 {
	return s.highWater.Load()
}

// Close 尽力删除整个临时目录，失败只记录日志
func (s *Scratch) Close() error {
	if err := os.RemoveAll(s.root); err != nil {
		slog.Warn("删除临时目录失败", "path", s.root, "err", err)
		return err
	}
	slog.Debug("临时目录已删除", "path", s.root)
	return nil
}

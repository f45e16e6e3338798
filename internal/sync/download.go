package sync

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"bulksync/internal/fs"
	"bulksync/internal/fs/local"
	"bulksync/internal/metrics"
	"bulksync/internal/progress"
)

type dirTime struct {
	path    string
	modTime time.Time
}

// listRemote 完整列出远端条目
// 列表不带元数据的条目 (S3) 并发读取对象头补全，之后才统计总量
func (m *Manager) listRemote(ctx context.Context) ([]*fs.Entry, error) {
	var entries []*fs.Entry
	for e, err := range m.opts.Client.Find(ctx) {
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(m.opts.Workers)
	for _, e := range entries {
		if e.Complete() {
			continue
		}
		g.Go(func() error {
			if err := m.opts.Client.Resolve(gctx, e); err != nil {
				if gctx.Err() != nil {
					return gctx.Err()
				}
				// 保留列表中的值，下载时再由对象头判定
				slog.Warn("读取对象头失败", "path", e.RemotePath, "err", err)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	for _, e := range entries {
		m.totals.add(e.Size)
		m.meter.AddTotal(1, e.Size)
	}
	m.totals.seal()
	m.meter.Seal()
	return entries, nil
}

// DownloadAll 将远端目录恢复到本地
// 本地已一致的文件与链接直接跳过，目录的修改时间在最后统一恢复
func (m *Manager) DownloadAll(ctx context.Context) error {
	m.setMode("download")
	m.printBanner("下载", m.opts.Client.RemoteRoot(), m.opts.Local.Root())

	entries, err := m.listRemote(ctx)
	if err != nil {
		return fmt.Errorf("列出远端对象失败: %w", err)
	}
	m.printf("共 %d 个对象，%s\n", len(entries), progress.HumanBytes(m.totals.Bytes()))

	var (
		dirsMu sync.Mutex
		dirs   []dirTime
	)

	stopReport := m.startReport(ctx)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(m.opts.Workers)
	for _, e := range entries {
		g.Go(func() error {
			localPath, err := m.opts.Client.RemoteToLocal(e.RemotePath, m.opts.Local.Root())
			if err != nil {
				m.downloadFailed(e, err)
				return nil
			}

			if e.IsDir {
				if err := os.MkdirAll(localPath, 0755); err != nil {
					m.downloadFailed(e, err)
					return nil
				}
				dirsMu.Lock()
				dirs = append(dirs, dirTime{path: localPath, modTime: e.LastModified})
				dirsMu.Unlock()
				m.downloaded(e, false)
				return nil
			}

			skipped, err := m.downloadEntry(gctx, e, localPath)
			if err != nil {
				if gctx.Err() != nil {
					return gctx.Err()
				}
				m.downloadFailed(e, err)
				return nil
			}
			if skipped {
				m.printf("[%s] %s\n", center("EXISTS", fs.MaxResultStringSize), localPath)
			}
			m.downloaded(e, skipped)
			return nil
		})
	}
	err = g.Wait()
	stopReport()
	if err != nil {
		return err
	}

	// 深层目录先恢复，避免父目录时间被子目录的写入覆盖
	sort.Slice(dirs, func(i, j int) bool { return len(dirs[i].path) > len(dirs[j].path) })
	for _, d := range dirs {
		local.SetModTime(d.path, d.modTime)
	}

	m.printf("已下载 %d/%d 个对象，跳过 %d 个，失败 %d 个\n",
		m.counts.committed.Load(), m.totals.Objects(), m.counts.skipped.Load(), m.counts.failed.Load())
	return m.finish(nil)
}

func (m *Manager) downloaded(e *fs.Entry, skipped bool) {
	outcome := "committed"
	if skipped {
		m.counts.skipped.Add(1)
		outcome = "skipped"
	} else {
		m.counts.committed.Add(1)
	}
	m.meter.Add(e.Size)
	metrics.RecordObject("download", outcome, e.Size)
}

func (m *Manager) downloadFailed(e *fs.Entry, err error) {
	slog.Error("下载失败", "path", e.RemotePath, "err", err)
	m.counts.failed.Add(1)
	metrics.RecordObject("download", "failed", 0)
	m.recordFailure(fmt.Errorf("%s: %w", e.RemotePath, err))
}

// downloadEntry 下载单个文件或链接，返回本地是否已一致
func (m *Manager) downloadEntry(ctx context.Context, e *fs.Entry, localPath string) (bool, error) {
	if e.IsLink() {
		return m.downloadLink(ctx, e, localPath)
	}

	if m.localFileMatches(ctx, e, localPath) {
		return true, nil
	}

	err := local.WriteStream(localPath, e.LastModified, func(w io.Writer) error {
		res, err := m.opts.Client.Download(ctx, e.RemotePath, w)
		if err != nil {
			return err
		}
		if res == fs.ResultLinkOK {
			return errLinkNotFile
		}
		if !res.IsOK() {
			return fmt.Errorf("%w: %s", ErrVerification, res)
		}
		return nil
	})
	if errors.Is(err, errLinkNotFile) {
		e.MarkLink(true)
		return m.downloadLink(ctx, e, localPath)
	}
	if err == nil {
		e.MarkLink(false)
	}
	return false, err
}

var errLinkNotFile = errors.New("对象是符号链接")

// downloadLink 链接对象很小，先读入内存再决定创建链接还是写文件
func (m *Manager) downloadLink(ctx context.Context, e *fs.Entry, localPath string) (bool, error) {
	var buf bytes.Buffer
	res, err := m.opts.Client.Download(ctx, e.RemotePath, &buf)
	if err != nil {
		return false, err
	}

	switch res {
	case fs.ResultLinkOK:
		e.MarkLink(true)
		target := buf.String()
		if local.LinkMatches(localPath, target) {
			return true, nil
		}
		return false, local.Symlink(target, localPath)
	case fs.ResultOK:
		// 列表推断有误，实际是普通文件
		e.MarkLink(false)
		return false, local.WriteStream(localPath, e.LastModified, func(w io.Writer) error {
			_, err := io.Copy(w, &buf)
			return err
		})
	}
	return false, fmt.Errorf("%w: %s", ErrVerification, res)
}

// localFileMatches 本地文件大小一致时再比较 MD5 与远端元数据
// 条目未补全时 Size 是压缩后的大小，不能用来预筛
func (m *Manager) localFileMatches(ctx context.Context, e *fs.Entry, localPath string) bool {
	info, err := os.Lstat(localPath)
	if err != nil || !info.Mode().IsRegular() {
		return false
	}
	if e.Complete() && info.Size() != e.Size {
		return false
	}
	sum, size, err := local.Checksum(localPath)
	if err != nil {
		return false
	}
	res, err := m.opts.Client.VerifyFile(ctx, e.RemotePath, size, sum)
	return err == nil && res == fs.ResultOK
}

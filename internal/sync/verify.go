package sync

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync/atomic"

	"golang.org/x/sync/errgroup"

	"bulksync/internal/fs"
	"bulksync/internal/fs/local"
)

// VerifyLocal 以本地为准逐个比对远端，结果逐行输出
// fix 为 true 时修复不一致的条目；返回值表示全部一致 (或已修复)
func (m *Manager) VerifyLocal(ctx context.Context, fix bool) (bool, error) {
	m.setMode("verify-local")
	m.printBanner("校验本地", m.opts.Local.Root(), m.opts.Client.RemoteRoot())

	var bad atomic.Int64
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(m.opts.Workers)

	walkErr := m.opts.Local.Walk(gctx, func(path string, kind fs.Kind) error {
		m.totals.add(0)
		g.Go(func() error {
			ok, err := m.verifyLocalEntry(gctx, path, kind, fix)
			if err != nil {
				if gctx.Err() != nil {
					return gctx.Err()
				}
				slog.Error("校验失败", "path", path, "err", err)
				m.recordFailure(fmt.Errorf("%s: %w", path, err))
				m.counts.failed.Add(1)
				bad.Add(1)
				return nil
			}
			if ok {
				m.counts.committed.Add(1)
			} else {
				m.counts.dead.Add(1)
				bad.Add(1)
			}
			return nil
		})
		return nil
	})
	m.totals.seal()

	if err := g.Wait(); err != nil {
		return false, err
	}
	if walkErr != nil {
		return false, walkErr
	}

	m.printf("校验完成: %d 个条目，%d 个不一致\n", m.totals.Objects(), bad.Load())
	return bad.Load() == 0, m.finish(nil)
}

// verifyLocalEntry 返回该条目最终是否一致
func (m *Manager) verifyLocalEntry(ctx context.Context, path string, kind fs.Kind, fix bool) (bool, error) {
	remote, err := m.opts.Client.LocalToRemote(path, m.opts.Local.Root(), kind)
	if err != nil {
		return false, err
	}

	var result fs.VerificationResult
	var target string
	switch kind {
	case fs.KindDirectory:
		result, err = m.opts.Client.VerifyDirectory(ctx, remote)
	case fs.KindFile:
		sum, size, cerr := local.Checksum(path)
		if cerr != nil {
			return false, cerr
		}
		result, err = m.opts.Client.VerifyFile(ctx, remote, size, sum)
	case fs.KindSymlink:
		if target, err = os.Readlink(path); err != nil {
			return false, err
		}
		result, err = m.opts.Client.VerifyLink(ctx, remote, target)
	}
	if err != nil {
		return false, err
	}

	m.printResult("local", result, path, remote)
	if result.IsOK() {
		return true, nil
	}
	if !fix {
		return false, nil
	}

	if err := m.repair(ctx, path, remote, kind, result); err != nil {
		return false, fmt.Errorf("修复 %s 失败: %w", result, err)
	}
	m.printf("[%s] %s <-> %s\n", center("FIXED", fs.MaxResultStringSize), path, remote)
	return true, nil
}

// repair 复用预处理与上传逻辑修复单个条目
func (m *Manager) repair(ctx context.Context, path, remote string, kind fs.Kind, result fs.VerificationResult) error {
	if kind == fs.KindSymlink && result.IsNotLink() {
		recursive := result == fs.ResultNotLinkActuallyDir
		if err := m.opts.Client.Delete(ctx, remote, recursive); err != nil {
			return err
		}
	}

	u, err := m.opts.Preprocessor.Process(path, kind)
	if err != nil {
		return err
	}
	defer m.releaseScratch(u)

	_, err = m.opts.Client.Put(ctx, remote, u)
	return err
}

// VerifyRemote 下载远端全部文件并校验内容 (不含目录与链接)
// persist 为 true 时写入本地目录，否则丢弃
func (m *Manager) VerifyRemote(ctx context.Context, persist bool) (bool, error) {
	m.setMode("verify-remote")
	m.printBanner("校验远端", m.opts.Client.RemoteRoot(), m.opts.Local.Root())

	entries, err := m.listRemote(ctx)
	if err != nil {
		return false, fmt.Errorf("列出远端对象失败: %w", err)
	}

	var bad atomic.Int64
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(m.opts.Workers)
	for _, e := range entries {
		if e.IsDir || e.IsLink() {
			m.counts.skipped.Add(1)
			continue
		}
		g.Go(func() error {
			result, localPath, err := m.verifyRemoteEntry(gctx, e, persist)
			if err != nil {
				if gctx.Err() != nil {
					return gctx.Err()
				}
				slog.Error("校验失败", "path", e.RemotePath, "err", err)
				m.recordFailure(fmt.Errorf("%s: %w", e.RemotePath, err))
				m.counts.failed.Add(1)
				bad.Add(1)
				return nil
			}

			m.printResult("remote", result, localPath, e.RemotePath)
			m.meter.Add(e.Size)
			if result.IsOK() {
				m.counts.committed.Add(1)
			} else {
				m.counts.dead.Add(1)
				bad.Add(1)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return false, err
	}

	m.printf("校验完成: %d 个文件，%d 个不一致\n",
		m.counts.committed.Load()+m.counts.dead.Load()+m.counts.failed.Load(), bad.Load())
	return bad.Load() == 0, m.finish(nil)
}

func (m *Manager) verifyRemoteEntry(ctx context.Context, e *fs.Entry, persist bool) (fs.VerificationResult, string, error) {
	localPath, err := m.opts.Client.RemoteToLocal(e.RemotePath, m.opts.Local.Root())
	if err != nil {
		return fs.ResultNotFound, e.RemotePath, err
	}

	if !persist {
		result, err := m.opts.Client.Download(ctx, e.RemotePath, io.Discard)
		return result, localPath, err
	}

	var result fs.VerificationResult
	err = local.WriteStream(localPath, e.LastModified, func(w io.Writer) error {
		var derr error
		result, derr = m.opts.Client.Download(ctx, e.RemotePath, w)
		if derr == nil && !result.IsOK() {
			return errDiscard
		}
		return derr
	})
	if errors.Is(err, errDiscard) {
		err = nil
	}
	return result, localPath, err
}

var errDiscard = errors.New("丢弃未完成的下载")

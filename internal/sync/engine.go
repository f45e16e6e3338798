package sync

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/errgroup"

	"bulksync/internal/database"
	"bulksync/internal/fs"
	"bulksync/internal/metrics"
	"bulksync/internal/progress"
	"bulksync/internal/queue"
)

// Manager 驱动上传、下载与校验流水线
type Manager struct {
	opts    *Options
	preload int

	queue  *queue.TransferQueue[*fs.Upload]
	totals *Totals
	meter  *progress.Meter
	counts counters

	activePreprocessors atomic.Int64

	mu       sync.Mutex
	mode     string
	failures []error // 预处理失败与 dead 单元
	outMu    sync.Mutex
}

// NewManager 创建管理器；一个 Manager 只执行一次传输
func NewManager(opts *Options) *Manager {
	opts.applyDefaults()
	return &Manager{
		opts:    opts,
		preload: opts.PreloadMultiplier * opts.Workers,
		queue:   queue.New[*fs.Upload](),
		totals:  &Totals{},
		meter:   progress.NewMeter(),
	}
}

// Status 返回当前状态快照，可在任意 goroutine 调用，不阻塞传输
func (m *Manager) Status() Status {
	m.mu.Lock()
	mode := m.mode
	m.mu.Unlock()

	stats := m.meter.Snapshot()
	s := Status{
		Mode:                mode,
		QueueLength:         m.queue.Len(),
		TotalsFinal:         m.totals.Sealed(),
		TotalObjects:        m.totals.Objects(),
		TotalBytes:          m.totals.Bytes(),
		Committed:           m.counts.committed.Load(),
		Skipped:             m.counts.skipped.Load(),
		Requeued:            m.counts.requeued.Load(),
		Dead:                m.counts.dead.Load(),
		Failed:              m.counts.failed.Load(),
		BytesDone:           stats.BytesDone,
		RateBps:             stats.RateBps,
		ActivePreprocessors: m.activePreprocessors.Load(),
	}
	if c, ok := m.opts.Client.(interface{ DirCacheLen() int }); ok {
		s.DirCacheSize = c.DirCacheLen()
	}
	if m.opts.Scratch != nil {
		s.ScratchFiles = m.opts.Scratch.Outstanding()
	}
	return s
}

func (m *Manager) setMode(mode string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.mode = mode
}

func (m *Manager) recordFailure(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failures = append(m.failures, err)
}

// UploadAll 扫描本地目录并上传全部条目
// 单个条目的失败不会中止运行，最后汇总为错误返回
func (m *Manager) UploadAll(ctx context.Context) error {
	m.setMode("upload")
	m.printBanner("上传", m.opts.Local.Root(), m.opts.Client.RemoteRoot())

	g, gctx := errgroup.WithContext(ctx)

	var walkErr error
	g.Go(func() error {
		err := m.walk(gctx)
		if err != nil && gctx.Err() != nil {
			return err
		}
		walkErr = err
		return nil
	})

	for i := 0; i < m.opts.Workers; i++ {
		id := i
		g.Go(func() error {
			return m.uploadWorker(gctx, id)
		})
	}

	stopReport := m.startReport(gctx)
	err := g.Wait()
	stopReport()
	if err != nil {
		return err
	}

	m.printf("已上传 %d/%d 个对象 (%s)，跳过 %d 个，放弃 %d 个，失败 %d 个\n",
		m.counts.committed.Load(), m.totals.Objects(), progress.HumanBytes(m.meter.Snapshot().BytesDone),
		m.counts.skipped.Load(), m.counts.dead.Load(), m.counts.failed.Load())

	return m.finish(walkErr)
}

// finish 校验完成计数并汇总单条目错误
func (m *Manager) finish(walkErr error) error {
	var errs []error
	if walkErr != nil {
		errs = append(errs, walkErr)
	}
	if done, total := m.counts.done(), m.totals.Objects(); done != total {
		errs = append(errs, fmt.Errorf("完成计数不一致: 已结束 %d 个对象，共发现 %d 个", done, total))
	}

	m.mu.Lock()
	failures := m.failures
	m.mu.Unlock()
	if len(failures) > 0 {
		errs = append(errs, fmt.Errorf("%d 个对象失败: %w", len(failures), errors.Join(failures...)))
	}
	return errors.Join(errs...)
}

// walk 扫描本地目录，并发预处理后放入队列
func (m *Manager) walk(ctx context.Context) error {
	defer m.meter.Seal()
	defer m.totals.seal()

	pg, pctx := errgroup.WithContext(ctx)
	pg.SetLimit(m.opts.Preprocessors)

	walkErr := m.opts.Local.Walk(pctx, func(path string, kind fs.Kind) error {
		var size int64
		if kind == fs.KindFile {
			if info, err := os.Lstat(path); err == nil {
				size = info.Size()
			}
		}
		m.totals.add(size)
		m.meter.AddTotal(1, size)

		// 无法映射到远端的条目重试也不会成功，直接计为失败
		if _, err := m.opts.Client.LocalToRemote(path, m.opts.Local.Root(), kind); err != nil {
			m.walkFailed(path, err)
			return nil
		}

		pg.Go(func() error {
			m.activePreprocessors.Add(1)
			u, err := m.opts.Preprocessor.Process(path, kind)
			m.activePreprocessors.Add(-1)
			if err != nil {
				m.walkFailed(path, err)
				return nil
			}
			return m.submit(pctx, u)
		})
		return nil
	})

	// 提交失败只可能是 ctx 结束
	if err := pg.Wait(); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	slog.Info("目录扫描完成", "objects", m.totals.Objects(), "bytes", m.totals.Bytes())
	m.printf("共 %d 个对象，%s\n", m.totals.Objects(), progress.HumanBytes(m.totals.Bytes()))
	return walkErr
}

func (m *Manager) walkFailed(path string, err error) {
	slog.Error("预处理失败", "path", path, "err", err)
	m.recordFailure(err)
	m.counts.failed.Add(1)
	metrics.RecordObject("upload", "failed", 0)
}

// submit 队列超过预加载阈值后，大文件改为阻塞交接以限制临时文件数量
func (m *Manager) submit(ctx context.Context, u *fs.Upload) error {
	defer func() { metrics.SetQueueLength(m.queue.Len()) }()

	if u.Kind == fs.KindFile && m.queue.Len() > m.preload && u.UncompressedSize > m.opts.MinBlockSize {
		return m.queue.Handoff(ctx, u)
	}
	m.queue.Enqueue(u)
	return nil
}

func (m *Manager) finished() bool {
	return m.counts.done() >= m.totals.Target()
}

// uploadWorker 轮询队列直到全部对象到达终态
func (m *Manager) uploadWorker(ctx context.Context, id int) error {
	for !m.finished() {
		u, ok, err := m.queue.Poll(ctx, m.opts.PollInterval)
		if err != nil {
			return err
		}
		if !ok {
			continue
		}
		metrics.SetQueueLength(m.queue.Len())

		if err := m.process(ctx, id, u); err != nil {
			return err
		}
	}
	slog.Debug("上传 worker 退出", "worker", id)
	return nil
}

// process 只返回需要中止整个运行的错误
func (m *Manager) process(ctx context.Context, id int, u *fs.Upload) error {
	outcome, err := m.transfer(ctx, u)
	switch {
	case err == nil:
		m.commit(u, outcome)
		return nil
	case errors.Is(err, ErrScratchVanished):
		slog.Error("临时文件消失，中止运行", "worker", id, "upload", u, "err", err)
		return err
	case ctx.Err() != nil:
		return ctx.Err()
	}

	attempts := u.IncrementAttempts()
	if m.opts.MaxAttempts > 0 && attempts >= m.opts.MaxAttempts {
		m.markDead(u, attempts, err)
		return nil
	}

	slog.Warn("上传失败，重新入队", "worker", id, "path", u.SourcePath, "attempts", attempts, "err", err)
	m.counts.requeued.Add(1)
	metrics.RecordRequeue()
	m.queue.Enqueue(u)
	return nil
}

// transfer 按单元类型分派
func (m *Manager) transfer(ctx context.Context, u *fs.Upload) (fs.PutOutcome, error) {
	remote, err := m.opts.Client.LocalToRemote(u.SourcePath, m.opts.Local.Root(), u.Kind)
	if err != nil {
		return fs.PutCreated, err
	}

	switch u.Kind {
	case fs.KindDirectory:
		return m.opts.Client.Put(ctx, remote, u)

	case fs.KindFile:
		if _, err := os.Stat(u.TempPath); errors.Is(err, os.ErrNotExist) {
			return fs.PutCreated, fmt.Errorf("%w: %s (源文件 %s)", ErrScratchVanished, u.TempPath, u.SourcePath)
		}
		outcome, err := m.opts.Client.Put(ctx, remote, u)
		if err != nil {
			return outcome, err
		}
		m.releaseScratch(u)
		return outcome, nil

	case fs.KindSymlink:
		return m.opts.Client.Put(ctx, remote, u)
	}
	return fs.PutCreated, fmt.Errorf("未知的上传类型 %s", u.Kind)
}

func (m *Manager) releaseScratch(u *fs.Upload) {
	if u.TempPath == "" || m.opts.Scratch == nil {
		return
	}
	if err := m.opts.Scratch.Release(u.TempPath); err != nil {
		slog.Warn("删除临时文件失败", "path", u.TempPath, "err", err)
	}
}

func (m *Manager) commit(u *fs.Upload, outcome fs.PutOutcome) {
	if outcome == fs.PutUnchanged {
		m.counts.skipped.Add(1)
	} else {
		m.counts.committed.Add(1)
	}
	m.meter.Add(u.UncompressedSize)
	metrics.RecordObject("upload", outcome.String(), u.UncompressedSize)
	slog.Debug("上传完成", "path", u.SourcePath, "kind", u.Kind, "outcome", outcome)

	m.journal(u, u.Attempts()+1, nil)
}

func (m *Manager) markDead(u *fs.Upload, attempts int, cause error) {
	slog.Error("达到最大尝试次数，放弃上传", "path", u.SourcePath, "attempts", attempts, "err", cause)
	m.counts.dead.Add(1)
	metrics.RecordObject("upload", "dead", 0)
	m.recordFailure(fmt.Errorf("%s 尝试 %d 次后放弃: %w", u.SourcePath, attempts, cause))
	m.releaseScratch(u)
	m.journal(u, attempts, cause)
}

// journal 记录终态，失败只记录日志
func (m *Manager) journal(u *fs.Upload, attempts int, cause error) {
	if m.opts.Journal == nil {
		return
	}
	remote, err := m.opts.Client.LocalToRemote(u.SourcePath, m.opts.Local.Root(), u.Kind)
	if err != nil {
		remote = u.SourcePath
	}

	rec := &database.UnitRecord{
		RemotePath: remote,
		SourcePath: u.SourcePath,
		Kind:       u.Kind.String(),
		Size:       u.UncompressedSize,
		Checksum:   hex.EncodeToString(u.Checksum),
		Attempts:   attempts,
	}
	if cause != nil {
		rec.LastError = cause.Error()
		err = m.opts.Journal.MarkDead(rec)
	} else {
		err = m.opts.Journal.MarkCommitted(rec)
	}
	if err != nil {
		slog.Warn("写入传输日志失败", "path", remote, "err", err)
	}
}

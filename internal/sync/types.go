package sync

import (
	"errors"
	"io"
	"math"
	"os"
	"runtime"
	"sync/atomic"
	"time"

	"bulksync/internal/database"
	"bulksync/internal/fs"
	"bulksync/internal/fs/local"
	"bulksync/internal/preprocess"
)

// ErrScratchVanished 临时文件在上传前消失，说明有外部干扰，整个运行中止
var ErrScratchVanished = errors.New("临时文件在上传前消失")

// ErrVerification 下载内容校验失败
var ErrVerification = errors.New("校验失败")

// Processor 将本地条目转换为上传单元 (文件会被压缩到临时目录)
type Processor interface {
	Process(path string, kind fs.Kind) (*fs.Upload, error)
}

var _ Processor = (*preprocess.Preprocessor)(nil)

// Options 初始化选项
type Options struct {
	Client       fs.TransferClient
	Local        *local.Adapter
	Preprocessor Processor
	Scratch      *preprocess.Scratch
	// 可选，为 nil 时不记录
	Journal *database.DB

	// 上传/下载/校验 worker 数量
	Workers int
	// 预处理并发，默认 GOMAXPROCS
	Preprocessors int
	// 预加载阈值 = PreloadMultiplier * Workers
	PreloadMultiplier int
	// 超过该大小的文件在队列超过预加载阈值后使用阻塞交接
	MinBlockSize int64
	// 0 表示不限制
	MaxAttempts int

	// worker 轮询队列的超时
	PollInterval time.Duration
	// 进度输出间隔，0 表示不输出
	ProgressInterval time.Duration
	// 横幅、校验结果与进度的输出位置
	Output io.Writer
}

func (o *Options) applyDefaults() {
	if o.Workers <= 0 {
		o.Workers = max(o.Client.MaxConnections()-2, 1)
	}
	if o.Preprocessors <= 0 {
		o.Preprocessors = runtime.GOMAXPROCS(0)
	}
	if o.PreloadMultiplier <= 0 {
		o.PreloadMultiplier = 4
	}
	if o.MinBlockSize <= 0 {
		o.MinBlockSize = 10_000
	}
	if o.PollInterval <= 0 {
		o.PollInterval = time.Second
	}
	if o.Output == nil {
		o.Output = os.Stderr
	}
}

// Totals 目录扫描得到的对象总数与字节总数
// 只由扫描方修改，Seal 之后不再变化
type Totals struct {
	objects atomic.Int64
	bytes   atomic.Int64
	sealed  atomic.Bool
}

func (t *Totals) add(bytes int64) {
	t.objects.Add(1)
	t.bytes.Add(bytes)
}

func (t *Totals) seal() {
	t.sealed.Store(true)
}

// Target 完成条件所需的对象数，扫描结束前为 math.MaxInt64
func (t *Totals) Target() int64 {
	if !t.sealed.Load() {
		return math.MaxInt64
	}
	return t.objects.Load()
}

func (t *Totals) Objects() int64 { return t.objects.Load() }
func (t *Totals) Bytes() int64   { return t.bytes.Load() }
func (t *Totals) Sealed() bool   { return t.sealed.Load() }

// Status 运行状态快照，只读
type Status struct {
	Mode        string `json:"mode"`
	QueueLength int    `json:"queue_length"`
	// 扫描未结束时为 false，总数仍在增长
	TotalsFinal         bool    `json:"totals_final"`
	TotalObjects        int64   `json:"total_objects"`
	TotalBytes          int64   `json:"total_bytes"`
	Committed           int64   `json:"committed"`
	Skipped             int64   `json:"skipped"`
	Requeued            int64   `json:"requeued"`
	Dead                int64   `json:"dead"`
	Failed              int64   `json:"failed"`
	BytesDone           int64   `json:"bytes_done"`
	RateBps             float64 `json:"rate_bps"`
	DirCacheSize        int     `json:"dir_cache_size"`
	ActivePreprocessors int64   `json:"active_preprocessors"`
	ScratchFiles        int64   `json:"scratch_files"`
}

// Done 已到达终态的对象数
func (s Status) Done() int64 {
	return s.Committed + s.Skipped + s.Dead + s.Failed
}

// counters 各终态的计数，worker 之间共享
type counters struct {
	committed atomic.Int64
	skipped   atomic.Int64
	requeued  atomic.Int64
	dead      atomic.Int64
	failed    atomic.Int64
}

func (c *counters) done() int64 {
	return c.committed.Load() + c.skipped.Load() + c.dead.Load() + c.failed.Load()
}

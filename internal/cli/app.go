package cli

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"bulksync/internal/config"
	"bulksync/internal/database"
	"bulksync/internal/fs"
	"bulksync/internal/fs/dircache"
	"bulksync/internal/fs/local"
	"bulksync/internal/fs/memory"
	s3store "bulksync/internal/fs/s3"
	"bulksync/internal/metrics"
	"bulksync/internal/preprocess"
	syncer "bulksync/internal/sync"
	"bulksync/pkg/logger"
)

// globalFlags 所有子命令共享的参数
type globalFlags struct {
	configPath string
	localDir   string
	remoteDir  string
	logLevel   string
}

// app 一次运行所需的全部资源，由 close 统一释放
type app struct {
	cfg     *config.Config
	client  *fs.Client
	local   *local.Adapter
	scratch *preprocess.Scratch
	journal *database.DB

	closers []func()
}

// loadConfig 读取配置并用命令行参数覆盖，同时初始化日志
func loadConfig(flags *globalFlags) (*config.Config, error) {
	cfg, err := config.LoadConfig(flags.configPath)
	if err != nil {
		return nil, err
	}
	if flags.localDir != "" {
		cfg.Transfer.LocalDir = flags.localDir
	}
	if flags.remoteDir != "" {
		cfg.Transfer.RemoteDir = flags.remoteDir
	}
	if flags.logLevel != "" {
		cfg.System.LogLevel = flags.logLevel
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	if err := logger.Setup(cfg.System.LogLevel, cfg.System.LogDestination, cfg.System.LogFile); err != nil {
		return nil, fmt.Errorf("日志初始化失败: %w", err)
	}
	return cfg, nil
}

// newStore 按配置创建存储后端
func newStore(ctx context.Context, cfg *config.Config) (fs.ObjectStore, error) {
	switch cfg.Transfer.Backend {
	case "memory":
		slog.Warn("使用内存后端，数据不会被持久化")
		return memory.New(cfg.Transfer.MaxConnections), nil
	default:
		return s3store.NewStore(ctx, cfg.S3, cfg.Transfer.MaxConnections)
	}
}

// newClient 只初始化远端客户端 (connect-test 使用)
func newClient(ctx context.Context, cfg *config.Config) (*fs.Client, error) {
	store, err := newStore(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("初始化存储后端失败: %w", err)
	}
	dirs := dircache.New(cfg.Cache.DirCacheSize, cfg.Cache.DirCacheTTLDuration)
	return fs.NewClient(store, cfg.Transfer.RemoteDir, dirs, cfg.Crypto.GetAESKey()), nil
}

// newApp 初始化传输所需的全部资源
func newApp(ctx context.Context, flags *globalFlags) (*app, error) {
	cfg, err := loadConfig(flags)
	if err != nil {
		return nil, err
	}
	if cfg.Transfer.LocalDir == "" {
		return nil, fmt.Errorf("必须指定本地目录 (transfer.local_dir 或 --local)")
	}

	slog.Info("配置已加载",
		"local_dir", cfg.Transfer.LocalDir,
		"remote_dir", cfg.Transfer.RemoteDir,
		"backend", cfg.Transfer.Backend,
		"max_connections", cfg.Transfer.MaxConnections,
	)
	if cfg.Crypto.Enable {
		slog.Info("加密模式: 已启用 (AES-256)")
	}

	a := &app{cfg: cfg, local: local.NewAdapter(cfg.Transfer.LocalDir)}

	if a.client, err = newClient(ctx, cfg); err != nil {
		return nil, err
	}
	a.closers = append(a.closers, func() { a.client.Close() })

	if a.scratch, err = preprocess.NewScratch(cfg.Transfer.ScratchDir); err != nil {
		a.close()
		return nil, fmt.Errorf("创建临时目录失败: %w", err)
	}
	a.closers = append(a.closers, func() { a.scratch.Close() })

	if cfg.System.JournalPath != "" {
		if a.journal, err = database.NewBoltDB(cfg.System.JournalPath); err != nil {
			a.close()
			return nil, fmt.Errorf("打开传输日志失败: %w", err)
		}
		a.closers = append(a.closers, func() { a.journal.Close() })
	}
	return a, nil
}

// manager 创建管理器，配置了状态地址时同时启动状态服务
func (a *app) manager() *syncer.Manager {
	t := a.cfg.Transfer
	m := syncer.NewManager(&syncer.Options{
		Client:            a.client,
		Local:             a.local,
		Preprocessor:      preprocess.New(a.scratch, a.cfg.Crypto.GetAESKey()),
		Scratch:           a.scratch,
		Journal:           a.journal,
		Workers:           t.Workers(),
		Preprocessors:     t.Preprocessors,
		PreloadMultiplier: t.PreloadMultiplier,
		MinBlockSize:      t.MinBlockSize,
		MaxAttempts:       t.MaxAttempts,
		ProgressInterval:  progressInterval,
		Output:            os.Stderr,
	})

	if addr := a.cfg.System.StatusAddr; addr != "" {
		stop := metrics.Serve(addr, func() any { return m.Status() })
		a.closers = append(a.closers, stop)
		slog.Info("状态服务已启动", "addr", addr)
	}
	return m
}

// close 按创建的相反顺序释放资源
func (a *app) close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}

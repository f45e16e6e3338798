// Package cli bulksync 的命令行入口
package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"bulksync/internal/config"
	syncer "bulksync/internal/sync"
)

const progressInterval = 5 * time.Second

// ErrMismatch 校验发现不一致 (已逐条输出)，只用于设置退出码
var ErrMismatch = errors.New("校验发现不一致")

// NewRootCommand 创建根命令及全部子命令
func NewRootCommand() *cobra.Command {
	flags := &globalFlags{}

	root := &cobra.Command{
		Use:   config.ToolName,
		Short: "在本地目录与对象存储之间批量传输、下载与校验文件",
		// 错误由 Execute 统一输出
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	pf := root.PersistentFlags()
	pf.StringVarP(&flags.configPath, "config", "c", config.DefaultPath, "配置文件路径")
	pf.StringVar(&flags.localDir, "local", "", "本地目录，覆盖 transfer.local_dir")
	pf.StringVar(&flags.remoteDir, "remote", "", "远端目录，覆盖 transfer.remote_dir")
	pf.StringVar(&flags.logLevel, "log-level", "", "日志等级 debug|info|warn|error")

	root.AddCommand(
		newUploadCommand(flags),
		newDownloadCommand(flags),
		newVerifyLocalCommand(flags),
		newVerifyRemoteCommand(flags),
		newConnectTestCommand(flags),
	)
	return root
}

// Execute 运行命令行，失败时以非零状态退出
func Execute() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := NewRootCommand().ExecuteContext(ctx); err != nil {
		if !errors.Is(err, ErrMismatch) {
			fmt.Fprintln(os.Stderr, "错误:", err)
		}
		stop()
		os.Exit(1)
	}
}

// runManager 初始化资源后执行 fn，保证资源被释放
func runManager(cmd *cobra.Command, flags *globalFlags, fn func(ctx context.Context, m *syncer.Manager) error) error {
	ctx := cmd.Context()
	a, err := newApp(ctx, flags)
	if err != nil {
		return err
	}
	defer a.close()

	start := time.Now()
	err = fn(ctx, a.manager())
	if ctx.Err() != nil {
		slog.Warn("收到退出信号，传输被中断")
	}
	slog.Info("运行结束", "command", cmd.Name(), "elapsed", time.Since(start).Round(time.Millisecond), "err", err)
	return err
}

func newUploadCommand(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "upload",
		Short: "压缩并上传本地目录，远端已一致的文件会被跳过",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runManager(cmd, flags, func(ctx context.Context, m *syncer.Manager) error {
				return m.UploadAll(ctx)
			})
		},
	}
}

func newDownloadCommand(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "download",
		Short: "将远端目录恢复到本地",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runManager(cmd, flags, func(ctx context.Context, m *syncer.Manager) error {
				return m.DownloadAll(ctx)
			})
		},
	}
}

func newVerifyLocalCommand(flags *globalFlags) *cobra.Command {
	var fix bool
	cmd := &cobra.Command{
		Use:   "verify-local",
		Short: "以本地目录为准校验远端的大小、校验和与链接目标",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runManager(cmd, flags, func(ctx context.Context, m *syncer.Manager) error {
				ok, err := m.VerifyLocal(ctx, fix)
				return verdict(ok, err)
			})
		},
	}
	cmd.Flags().BoolVar(&fix, "fix", false, "重新上传不一致的条目")
	return cmd
}

func newVerifyRemoteCommand(flags *globalFlags) *cobra.Command {
	var persist bool
	cmd := &cobra.Command{
		Use:   "verify-remote",
		Short: "下载远端全部文件并校验内容",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runManager(cmd, flags, func(ctx context.Context, m *syncer.Manager) error {
				ok, err := m.VerifyRemote(ctx, persist)
				return verdict(ok, err)
			})
		},
	}
	cmd.Flags().BoolVar(&persist, "persist", false, "校验的同时写入本地目录")
	return cmd
}

func newConnectTestCommand(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "connect-test",
		Short: "检查远端是否可访问以及根目录是否存在",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(flags)
			if err != nil {
				return err
			}
			client, err := newClient(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer client.Close()

			exists, err := client.Ping(cmd.Context())
			if err != nil {
				return fmt.Errorf("连接失败: %w", err)
			}
			out := cmd.OutOrStdout()
			if exists {
				fmt.Fprintf(out, "连接成功，远端根目录 %s 已存在\n", client.RemoteRoot())
			} else {
				fmt.Fprintf(out, "连接成功，远端根目录 %s 尚不存在，上传时会自动创建\n", client.RemoteRoot())
			}
			return nil
		},
	}
}

func verdict(ok bool, err error) error {
	if err != nil {
		return err
	}
	if !ok {
		return ErrMismatch
	}
	return nil
}

package logger

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
)

// DefaultLogFile 目标为 file 且未指定路径时使用的日志文件
const DefaultLogFile = "bulksync.log"

// ParseLevel 解析日志等级字符串，未知值回落到 warn
// levelStr: "debug", "info", "warn", "error"
func ParseLevel(levelStr string) slog.Level {
	switch strings.ToLower(levelStr) {
	case "debug", "trace":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "error":
		return slog.LevelError
	default:
		return slog.LevelWarn
	}
}

// Open 按目标打开日志输出
// destination: "stdout", "stderr"(默认), "file"
// logPath: 额外的日志文件 (为空则只输出到 destination)
func Open(destination, logPath string) (io.Writer, error) {
	var writer io.Writer

	switch strings.ToLower(destination) {
	case "stdout":
		writer = os.Stdout
	case "file":
		if logPath == "" {
			logPath = DefaultLogFile
		}
		f, err := openLogFile(logPath)
		if err != nil {
			return nil, err
		}
		return f, nil
	case "", "stderr":
		writer = os.Stderr
	default:
		return nil, fmt.Errorf("未知的日志目标: %s", destination)
	}

	if logPath != "" {
		f, err := openLogFile(logPath)
		if err != nil {
			return nil, err
		}
		// 使用 MultiWriter 同时输出到控制台和文件
		writer = io.MultiWriter(writer, f)
	}
	return writer, nil
}

func openLogFile(logPath string) (*os.File, error) {
	// 确保日志目录存在
	if err := os.MkdirAll(filepath.Dir(logPath), 0755); err != nil {
		return nil, err
	}
	// 追加模式
	return os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0666)
}

// Setup 初始化全局日志配置
func Setup(levelStr, destination, logPath string) error {
	writer, err := Open(destination, logPath)
	if err != nil {
		return err
	}

	level := ParseLevel(levelStr)
	opts := &slog.HandlerOptions{
		Level:     level,
		AddSource: level == slog.LevelDebug, // 仅在 Debug 模式下显示文件名和行号
	}

	slog.SetDefault(slog.New(slog.NewTextHandler(writer, opts)))
	return nil
}

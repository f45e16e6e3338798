package sync

import (
	"context"
	"fmt"
	"strings"

	"bulksync/internal/fs"
	"bulksync/internal/metrics"
)

// printf 输出给操作者的信息，多个 worker 并发调用时按行输出
func (m *Manager) printf(format string, args ...any) {
	m.outMu.Lock()
	defer m.outMu.Unlock()
	fmt.Fprintf(m.opts.Output, format, args...)
}

func (m *Manager) printBanner(action, from, to string) {
	m.printf("%s: [%s] --> [%s]\n", action, from, to)
	m.printf("worker: %d，预处理并发: %d，预加载阈值: %d\n", m.opts.Workers, m.opts.Preprocessors, m.preload)
}

// startReport 周期性输出进度，返回的函数停止输出
func (m *Manager) startReport(ctx context.Context) func() {
	if m.opts.ProgressInterval <= 0 {
		return func() {}
	}
	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		m.meter.Report(ctx, lockedWriter{m}, m.opts.ProgressInterval)
	}()
	return func() {
		cancel()
		<-done
	}
}

type lockedWriter struct{ m *Manager }

func (w lockedWriter) Write(p []byte) (int, error) {
	w.m.outMu.Lock()
	defer w.m.outMu.Unlock()
	return w.m.opts.Output.Write(p)
}

// center 在 width 宽度内居中
func center(s string, width int) string {
	if len(s) >= width {
		return s
	}
	left := (width - len(s)) / 2
	return strings.Repeat(" ", left) + s + strings.Repeat(" ", width-len(s)-left)
}

// printResult 输出一条校验结果: [RESULT] local <-> remote
func (m *Manager) printResult(mode string, result fs.VerificationResult, localPath, remotePath string) {
	metrics.RecordVerification(mode, result.String())
	m.printf("[%s] %s <-> %s\n", center(result.String(), fs.MaxResultStringSize), localPath, remotePath)
}

// Package metrics Prometheus 指标与状态接口
package metrics

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// 远端存储操作
	storeOperationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bulksync_store_operations_total",
			Help: "远端存储操作总数",
		},
		[]string{"operation", "status"},
	)

	storeOperationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "bulksync_store_operation_duration_seconds",
			Help:    "远端存储操作耗时 (秒)",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"operation"},
	)

	// 传输流水线
	objectsTransferredTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bulksync_objects_total",
			Help: "按结果统计的已处理对象数",
		},
		[]string{"direction", "outcome"},
	)

	bytesTransferredTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bulksync_bytes_total",
			Help: "已传输的未压缩字节数",
		},
		[]string{"direction"},
	)

	requeuesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "bulksync_requeues_total",
			Help: "临时失败后重新入队的上传次数",
		},
	)

	queueLength = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "bulksync_upload_queue_length",
			Help: "上传队列中等待的单元数",
		},
	)

	scratchFiles = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "bulksync_scratch_files",
			Help: "尚未上传的压缩临时文件数",
		},
	)

	verificationResultsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bulksync_verification_results_total",
			Help: "校验结果",
		},
		[]string{"mode", "result"},
	)
)

// RecordStoreOperation 记录一次远端存储调用
func RecordStoreOperation(op string, duration time.Duration, success bool) {
	status := "success"
	if !success {
		status = "error"
	}
	storeOperationsTotal.WithLabelValues(op, status).Inc()
	storeOperationDuration.WithLabelValues(op).Observe(duration.Seconds())
}

// RecordObject 记录一个单元到达终态
func RecordObject(direction, outcome string, bytes int64) {
	objectsTransferredTotal.WithLabelValues(direction, outcome).Inc()
	if bytes > 0 {
		bytesTransferredTotal.WithLabelValues(direction).Add(float64(bytes))
	}
}

// RecordRequeue 记录一次重新入队
func RecordRequeue() {
	requeuesTotal.Inc()
}

// SetQueueLength 更新上传队列长度
func SetQueueLength(n int) {
	queueLength.Set(float64(n))
}

// SetScratchFiles 更新未消费的临时文件数
func SetScratchFiles(n int64) {
	scratchFiles.Set(float64(n))
}

// RecordVerification 记录一次校验结果
func RecordVerification(mode, result string) {
	verificationResultsTotal.WithLabelValues(mode, result).Inc()
}

// StatusFunc 返回当前传输的状态快照，需可序列化为 JSON
type StatusFunc func() any

// Handler 提供 /metrics，status 不为 nil 时同时提供 /status
func Handler(status StatusFunc) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/status", func(w http.ResponseWriter, r *http.Request) {
		if status == nil {
			http.Error(w, "没有正在运行的传输", http.StatusServiceUnavailable)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(status()); err != nil {
			slog.Warn("状态序列化失败", "err", err)
		}
	})
	return mux
}

// Serve 在后台启动状态服务，返回的函数用于关闭服务
func Serve(addr string, status StatusFunc) func() {
	srv := &http.Server{
		Addr:              addr,
		Handler:           Handler(status),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("状态服务异常退出", "addr", addr, "err", err)
		}
	}()
	slog.Info("状态服务监听中", "addr", addr)
	return func() { _ = srv.Close() }
}

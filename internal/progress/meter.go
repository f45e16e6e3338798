// Package progress 记录传输进度 (逻辑字节数与对象数) 并估算速率
package progress

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"
)

// Stats 某一时刻的进度快照
type Stats struct {
	BytesDone    int64
	BytesTotal   int64
	ObjectsDone  int64
	ObjectsTotal int64
	// 总量仍在统计中 (目录扫描未结束)
	TotalPending bool
	RateBps      float64
	ETA          time.Duration
	Percent      float64
	StartedAt    time.Time
}

// Meter 并发安全；速率为指数加权移动平均
type Meter struct {
	mu           sync.Mutex
	bytesTotal   int64
	bytesDone    int64
	objectsTotal int64
	objectsDone  int64
	sealed       bool
	startedAt    time.Time
	lastAt       time.Time
	lastDone     int64
	rateBps      float64
	alpha        float64
	now          func() time.Time
}

// NewMeter 使用系统时钟
func NewMeter() *Meter {
	return NewMeterWithNow(time.Now)
}

// NewMeterWithNow 自定义时钟，用于测试
func NewMeterWithNow(now func() time.Time) *Meter {
	if now == nil {
		now = time.Now
	}
	m := &Meter{alpha: 0.2, now: now}
	m.startedAt = now()
	m.lastAt = m.startedAt
	return m
}

// AddTotal 扫描到新对象时增加总量
func (m *Meter) AddTotal(objects, bytes int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.objectsTotal += objects
	m.bytesTotal += bytes
}

// Seal 扫描结束，总量不再变化
func (m *Meter) Seal() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sealed = true
}

// Add 一个对象完成传输，bytes 为未压缩大小
func (m *Meter) Add(bytes int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.objectsDone++
	if bytes <= 0 {
		return
	}

	now := m.now()
	m.bytesDone += bytes
	deltaTime := now.Sub(m.lastAt).Seconds()
	if deltaTime > 0 {
		inst := float64(m.bytesDone-m.lastDone) / deltaTime
		if m.rateBps == 0 {
			m.rateBps = inst
		} else {
			m.rateBps = m.alpha*inst + (1-m.alpha)*m.rateBps
		}
		m.lastAt = now
		m.lastDone = m.bytesDone
	}
}

// Snapshot 返回当前进度
func (m *Meter) Snapshot() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	stats := Stats{
		BytesDone:    m.bytesDone,
		BytesTotal:   m.bytesTotal,
		ObjectsDone:  m.objectsDone,
		ObjectsTotal: m.objectsTotal,
		TotalPending: !m.sealed,
		RateBps:      m.rateBps,
		StartedAt:    m.startedAt,
	}
	if m.bytesTotal > 0 {
		stats.Percent = float64(m.bytesDone) / float64(m.bytesTotal) * 100
	}
	if m.sealed && m.rateBps > 0 && m.bytesTotal > m.bytesDone {
		remaining := float64(m.bytesTotal - m.bytesDone)
		stats.ETA = time.Duration(remaining / m.rateBps * float64(time.Second))
	}
	return stats
}

func (s Stats) String() string {
	total := HumanBytes(s.BytesTotal)
	objects := fmt.Sprintf("%d", s.ObjectsTotal)
	if s.TotalPending {
		total += "+"
		objects += "+"
	}
	line := fmt.Sprintf("%d/%s objects, %s/%s (%.1f%%), %s/s",
		s.ObjectsDone, objects, HumanBytes(s.BytesDone), total, s.Percent, HumanBytes(int64(s.RateBps)))
	if s.ETA > 0 {
		line += ", ETA " + s.ETA.Round(time.Second).String()
	}
	return line
}

// Report 每隔 interval 向 w 输出一行进度，直到 ctx 结束
func (m *Meter) Report(ctx context.Context, w io.Writer, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			fmt.Fprintln(w, m.Snapshot())
		}
	}
}

// HumanBytes 以 1024 为进制格式化字节数
func HumanBytes(n int64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := int64(unit), 0
	for v := n / unit; v >= unit; v /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(n)/float64(div), "KMGTPE"[exp])
}

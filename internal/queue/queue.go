// Package queue 连接预处理 (生产者) 与上传 worker (消费者) 的传输队列
package queue

import (
	"context"
	"sync"
	"time"
)

type element[T any] struct {
	value T
	taken chan struct{} // 仅 Handoff 的元素非 nil
}

// TransferQueue 逻辑上无界的队列，提供两种入队方式:
// Enqueue 立即返回；Handoff 阻塞直到某个消费者取走该元素
type TransferQueue[T any] struct {
	mu     sync.Mutex
	items  []element[T]
	notify chan struct{}
}

// New 创建空队列
func New[T any]() *TransferQueue[T] {
	return &TransferQueue[T]{notify: make(chan struct{}, 1)}
}

// Enqueue 放入元素，永远不会阻塞
func (q *TransferQueue[T]) Enqueue(v T) {
	q.push(element[T]{value: v})
}

// Handoff 放入元素并等待消费者取走
// ctx 结束时返回 ctx.Err()，元素仍留在队列中归队列所有
func (q *TransferQueue[T]) Handoff(ctx context.Context, v T) error {
	taken := make(chan struct{})
	q.push(element[T]{value: v, taken: taken})

	select {
	case <-taken:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Poll 取出队首元素，最多等待 timeout
// 超时返回 ok=false 且 err=nil，便于调用方重新检查完成条件
func (q *TransferQueue[T]) Poll(ctx context.Context, timeout time.Duration) (v T, ok bool, err error) {
	if v, ok := q.pop(); ok {
		return v, true, nil
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return v, false, ctx.Err()
		case <-timer.C:
			v, ok := q.pop()
			return v, ok, nil
		case <-q.notify:
			if v, ok := q.pop(); ok {
				return v, true, nil
			}
		}
	}
}

// Len 当前排队的元素数量
func (q *TransferQueue[T]) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

func (q *TransferQueue[T]) push(e element[T]) {
	q.mu.Lock()
	q.items = append(q.items, e)
	q.mu.Unlock()
	q.signal()
}

func (q *TransferQueue[T]) pop() (T, bool) {
	q.mu.Lock()
	if len(q.items) == 0 {
		q.mu.Unlock()
		var zero T
		return zero, false
	}
	e := q.items[0]
	var empty element[T]
	q.items[0] = empty
	q.items = q.items[1:]
	remaining := len(q.items)
	q.mu.Unlock()

	if e.taken != nil {
		close(e.taken)
	}
	// 还有剩余元素时唤醒下一个等待者，避免信号丢失
	if remaining > 0 {
		q.signal()
	}
	return e.value, true
}

func (q *TransferQueue[T]) signal() {
	select {
	case q.notify <- struct{}{}:
	default:
	}
}

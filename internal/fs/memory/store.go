// Package memory 内存中的对象存储，用于测试和演练 (backend: memory)
package memory

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"iter"
	"maps"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"bulksync/internal/fs"
)

// ErrInjected 通过 FailNextPut 注入的失败
var ErrInjected = errors.New("注入的写入失败")

type object struct {
	data []byte
	info fs.ObjectInfo
}

// Store 并发安全的内存对象存储
type Store struct {
	mu       sync.RWMutex
	objects  map[string]*object
	failures map[string]int

	maxConns int
	writes   atomic.Int64
	// List 不返回元数据，与 S3 的列表行为一致
	bareListing bool
}

// Option 内存存储的可选配置
type Option func(*Store)

// WithBareListing List 返回的对象不带元数据 (Metadata 为 nil)
func WithBareListing() Option {
	return func(s *Store) { s.bareListing = true }
}

var _ fs.ObjectStore = (*Store)(nil)

// New 创建内存存储；maxConns 决定上传 worker 数量
func New(maxConns int, opts ...Option) *Store {
	if maxConns <= 0 {
		maxConns = 1
	}
	s := &Store{
		objects:  make(map[string]*object),
		failures: make(map[string]int),
		maxConns: maxConns,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Store) Head(_ context.Context, key string) (*fs.ObjectInfo, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	obj, ok := s.objects[key]
	if !ok {
		return nil, fs.ErrNotFound
	}
	return obj.snapshot(), nil
}

func (s *Store) Put(ctx context.Context, key string, body io.Reader, size int64, opts fs.PutOptions) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := io.ReadAll(body)
	if err != nil {
		return fmt.Errorf("读取请求体失败: %w", err)
	}
	if size >= 0 && int64(len(data)) != size {
		return fmt.Errorf("请求体大小 %d 与声明的大小 %d 不符", len(data), size)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if n := s.failures[key]; n > 0 {
		s.failures[key] = n - 1
		return ErrInjected
	}
	if _, ok := s.objects[key]; ok && opts.IfAbsent {
		return fs.ErrPreconditionFailed
	}

	s.objects[key] = &object{
		data: data,
		info: fs.ObjectInfo{
			Key:          key,
			Size:         int64(len(data)),
			LastModified: time.Now(),
			Metadata:     maps.Clone(opts.Metadata),
		},
	}
	s.writes.Add(1)
	return nil
}

func (s *Store) Get(_ context.Context, key string) (io.ReadCloser, *fs.ObjectInfo, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	obj, ok := s.objects[key]
	if !ok {
		return nil, nil, fs.ErrNotFound
	}
	return io.NopCloser(bytes.NewReader(obj.data)), obj.snapshot(), nil
}

// List 按 key 排序返回，迭代期间不持有锁
func (s *Store) List(ctx context.Context, prefix string) iter.Seq2[*fs.ObjectInfo, error] {
	return func(yield func(*fs.ObjectInfo, error) bool) {
		s.mu.RLock()
		var infos []*fs.ObjectInfo
		for key, obj := range s.objects {
			if strings.HasPrefix(key, prefix) {
				info := obj.snapshot()
				if s.bareListing {
					info.Metadata = nil
				}
				infos = append(infos, info)
			}
		}
		s.mu.RUnlock()

		slices.SortFunc(infos, func(a, b *fs.ObjectInfo) int { return strings.Compare(a.Key, b.Key) })
		for _, info := range infos {
			if err := ctx.Err(); err != nil {
				yield(nil, err)
				return
			}
			if !yield(info, nil) {
				return
			}
		}
	}
}

func (s *Store) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.objects, key)
	return nil
}

func (s *Store) Mkdir(_ context.Context, dir string, meta map[string]string) error {
	if !strings.HasSuffix(dir, "/") {
		dir += "/"
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.objects[dir]; ok {
		return nil
	}
	s.objects[dir] = &object{
		info: fs.ObjectInfo{Key: dir, LastModified: time.Now(), IsDir: true, Metadata: maps.Clone(meta)},
	}
	return nil
}

func (s *Store) MaxConnections() int {
	return s.maxConns
}

func (s *Store) Close() error {
	return nil
}

// FailNextPut 让 key 接下来的 n 次写入失败
func (s *Store) FailNextPut(key string, n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures[key] = n
}

// Writes 成功写入对象的次数 (条件写失败不计)
func (s *Store) Writes() int64 {
	return s.writes.Load()
}

// Keys 所有对象的 key，已排序
func (s *Store) Keys() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Sorted(maps.Keys(s.objects))
}

// SetMetadata 直接替换对象元数据，模拟被其他工具改写的对象
func (s *Store) SetMetadata(key string, meta map[string]string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	obj, ok := s.objects[key]
	if !ok {
		return fs.ErrNotFound
	}
	obj.info.Metadata = maps.Clone(meta)
	return nil
}

// Data 对象原始内容 (压缩/加密后的字节)
func (s *Store) Data(key string) ([]byte, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	obj, ok := s.objects[key]
	if !ok {
		return nil, false
	}
	return bytes.Clone(obj.data), true
}

func (o *object) snapshot() *fs.ObjectInfo {
	info := o.info
	info.Metadata = maps.Clone(o.info.Metadata)
	if info.Metadata == nil {
		info.Metadata = map[string]string{}
	}
	return &info
}

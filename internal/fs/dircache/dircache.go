// Package dircache 记录已知存在的远端目录，减少重复的建目录调用
//
// 缓存只做正向判断：未命中不代表目录不存在，命中也不能作为删除依据。
package dircache

import (
	"path"
	"strings"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

// Cache 固定容量 + 空闲过期的目录集合，可并发使用
type Cache struct {
	lru *expirable.LRU[string, struct{}]
}

// New 创建目录缓存
// size: 最大条目数；idle: 条目在多长时间未被访问后过期
func New(size int, idle time.Duration) *Cache {
	return &Cache{lru: expirable.NewLRU[string, struct{}](size, nil, idle)}
}

// Normalize 统一目录路径格式: 清理多余分隔符并以 "/" 结尾
func Normalize(dir string) string {
	cleaned := path.Clean("/" + dir)
	if !strings.HasSuffix(cleaned, "/") {
		cleaned += "/"
	}
	return cleaned
}

// Contains 命中时顺带刷新过期时间
func (c *Cache) Contains(dir string) bool {
	key := Normalize(dir)
	if _, ok := c.lru.Get(key); !ok {
		return false
	}
	c.lru.Add(key, struct{}{})
	return true
}

// Add 记录目录已存在
func (c *Cache) Add(dir string) {
	c.lru.Add(Normalize(dir), struct{}{})
}

// Remove 删除远端目录后调用
func (c *Cache) Remove(dir string) {
	c.lru.Remove(Normalize(dir))
}

// Len 当前缓存条目数 (用于状态查询)
func (c *Cache) Len() int {
	return c.lru.Len()
}

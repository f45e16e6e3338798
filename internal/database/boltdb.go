// Package database 传输日志：记录已提交与放弃 (dead) 的上传单元
package database

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.etcd.io/bbolt"
)

const (
	// CommittedBucket 成功上传 (或远端已一致) 的单元
	CommittedBucket = "Committed"
	// DeadBucket 达到最大尝试次数后放弃的单元
	DeadBucket = "Dead"
)

// ErrNotFound 记录不存在
var ErrNotFound = errors.New("记录不存在")

// DB 封装 BoltDB 实例，可并发使用
type DB struct {
	conn *bbolt.DB
}

// NewBoltDB 初始化并打开数据库
func NewBoltDB(dbPath string) (*DB, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("创建数据库目录失败: %w", err)
	}

	// 打开数据库，如果文件不存在则创建
	// Timeout 选项防止两个进程同时打开同一个数据库导致死锁
	db, err := bbolt.Open(dbPath, 0600, &bbolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("打开 BoltDB 失败: %w", err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		for _, name := range []string{CommittedBucket, DeadBucket} {
			if _, err := tx.CreateBucketIfNotExists([]byte(name)); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("创建 Bucket 失败: %w", err)
	}

	return &DB{conn: db}, nil
}

// Close 关闭数据库连接
func (d *DB) Close() error {
	return d.conn.Close()
}

// MarkCommitted 记录提交成功，同时清除该路径的 dead 记录
func (d *DB) MarkCommitted(rec *UnitRecord) error {
	return d.move(rec, CommittedBucket, DeadBucket)
}

// MarkDead 记录放弃的单元，同时清除该路径的提交记录
func (d *DB) MarkDead(rec *UnitRecord) error {
	return d.move(rec, DeadBucket, CommittedBucket)
}

func (d *DB) move(rec *UnitRecord, to, from string) error {
	rec.UpdatedAt = time.Now().UnixNano()
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("序列化失败: %w", err)
	}

	return d.conn.Update(func(tx *bbolt.Tx) error {
		if err := tx.Bucket([]byte(from)).Delete([]byte(rec.RemotePath)); err != nil {
			return err
		}
		return tx.Bucket([]byte(to)).Put([]byte(rec.RemotePath), data)
	})
}

// Get 获取单条记录，不存在时返回 ErrNotFound
func (d *DB) Get(bucket, remotePath string) (*UnitRecord, error) {
	var rec UnitRecord
	err := d.conn.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket([]byte(bucket))
		if b == nil {
			return fmt.Errorf("未知的 Bucket %s", bucket)
		}
		v := b.Get([]byte(remotePath))
		if v == nil {
			return ErrNotFound
		}
		return json.Unmarshal(v, &rec)
	})
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

// List 按 key 顺序返回 bucket 中的全部记录
func (d *DB) List(bucket string) ([]*UnitRecord, error) {
	var result []*UnitRecord

	err := d.conn.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket([]byte(bucket))
		if b == nil {
			return fmt.Errorf("未知的 Bucket %s", bucket)
		}
		return b.ForEach(func(k, v []byte) error {
			var rec UnitRecord
			if err := json.Unmarshal(v, &rec); err != nil {
				return fmt.Errorf("解析数据失败 key=%s: %w", string(k), err)
			}
			result = append(result, &rec)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// Count bucket 中的记录数
func (d *DB) Count(bucket string) (int, error) {
	var n int
	err := d.conn.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket([]byte(bucket))
		if b == nil {
			return fmt.Errorf("未知的 Bucket %s", bucket)
		}
		n = b.Stats().KeyN
		return nil
	})
	return n, err
}

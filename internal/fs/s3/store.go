// Package s3 基于 S3 协议 (AWS / MinIO 等) 的对象存储后端
package s3

import (
	"context"
	"errors"
	"fmt"
	"io"
	"iter"
	"log/slog"
	"net/http"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
	smithyhttp "github.com/aws/smithy-go/transport/http"

	"bulksync/internal/config"
	"bulksync/internal/fs"
)

// Store S3 后端；远端路径去掉开头的 "/" 即为对象 key
type Store struct {
	client   *s3.Client
	uploader *manager.Uploader
	bucket   string
	maxConns int
}

var _ fs.ObjectStore = (*Store)(nil)

// NewStore 根据配置创建 S3 客户端
func NewStore(ctx context.Context, cfg config.S3Config, maxConns int) (*Store, error) {
	opts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(cfg.Region),
	}
	if cfg.AccessKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, ""),
		))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("加载 AWS 配置失败: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		o.UsePathStyle = cfg.PathStyle
	})

	uploader := manager.NewUploader(client, func(u *manager.Uploader) {
		if cfg.PartSize > 0 {
			u.PartSize = cfg.PartSize
		}
		u.Concurrency = 2
	})

	slog.Debug("S3 客户端已创建", "bucket", cfg.Bucket, "endpoint", cfg.Endpoint, "path_style", cfg.PathStyle)
	return &Store{
		client:   client,
		uploader: uploader,
		bucket:   cfg.Bucket,
		maxConns: maxConns,
	}, nil
}

func objectKey(key string) string {
	return strings.TrimPrefix(key, "/")
}

func remoteKey(key string) string {
	return "/" + key
}

// mapError 将 S3 错误转换为 fs 包的哨兵错误
func mapError(err error) error {
	if err == nil {
		return nil
	}

	var noSuchKey *types.NoSuchKey
	var notFound *types.NotFound
	if errors.As(err, &noSuchKey) || errors.As(err, &notFound) {
		return fmt.Errorf("%w: %v", fs.ErrNotFound, err)
	}

	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "NotFound", "NoSuchKey":
			return fmt.Errorf("%w: %v", fs.ErrNotFound, err)
		case "PreconditionFailed", "ConditionalRequestConflict":
			return fmt.Errorf("%w: %v", fs.ErrPreconditionFailed, err)
		}
	}

	var respErr *smithyhttp.ResponseError
	if errors.As(err, &respErr) {
		switch respErr.HTTPStatusCode() {
		case http.StatusNotFound:
			return fmt.Errorf("%w: %v", fs.ErrNotFound, err)
		case http.StatusPreconditionFailed, http.StatusConflict:
			return fmt.Errorf("%w: %v", fs.ErrPreconditionFailed, err)
		}
	}
	return err
}

func (s *Store) Head(ctx context.Context, key string) (*fs.ObjectInfo, error) {
	out, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(objectKey(key)),
	})
	if err != nil {
		return nil, mapError(err)
	}
	return &fs.ObjectInfo{
		Key:          key,
		Size:         aws.ToInt64(out.ContentLength),
		LastModified: aws.ToTime(out.LastModified),
		IsDir:        strings.HasSuffix(key, "/"),
		Metadata:     out.Metadata,
	}, nil
}

// Put 通过 manager.Uploader 上传，大文件自动分片
// IfAbsent 使用 If-None-Match: *
func (s *Store) Put(ctx context.Context, key string, body io.Reader, size int64, opts fs.PutOptions) error {
	input := &s3.PutObjectInput{
		Bucket:        aws.String(s.bucket),
		Key:           aws.String(objectKey(key)),
		Body:          body,
		ContentLength: aws.Int64(size),
		Metadata:      opts.Metadata,
	}
	if opts.ContentType != "" {
		input.ContentType = aws.String(opts.ContentType)
	}
	if opts.IfAbsent {
		input.IfNoneMatch = aws.String("*")
	}

	if _, err := s.uploader.Upload(ctx, input); err != nil {
		return mapError(err)
	}
	slog.Debug("S3 上传对象", "key", key, "size", size)
	return nil
}

func (s *Store) Get(ctx context.Context, key string) (io.ReadCloser, *fs.ObjectInfo, error) {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(objectKey(key)),
	})
	if err != nil {
		return nil, nil, mapError(err)
	}
	return out.Body, &fs.ObjectInfo{
		Key:          key,
		Size:         aws.ToInt64(out.ContentLength),
		LastModified: aws.ToTime(out.LastModified),
		IsDir:        strings.HasSuffix(key, "/"),
		Metadata:     out.Metadata,
	}, nil
}

// List 分页列出，列表结果不带用户元数据 (Metadata 为 nil)
func (s *Store) List(ctx context.Context, prefix string) iter.Seq2[*fs.ObjectInfo, error] {
	return func(yield func(*fs.ObjectInfo, error) bool) {
		p := s3.NewListObjectsV2Paginator(s.client, &s3.ListObjectsV2Input{
			Bucket: aws.String(s.bucket),
			Prefix: aws.String(objectKey(prefix)),
		})
		for p.HasMorePages() {
			page, err := p.NextPage(ctx)
			if err != nil {
				yield(nil, mapError(err))
				return
			}
			for _, obj := range page.Contents {
				key := remoteKey(aws.ToString(obj.Key))
				info := &fs.ObjectInfo{
					Key:          key,
					Size:         aws.ToInt64(obj.Size),
					LastModified: aws.ToTime(obj.LastModified),
					IsDir:        strings.HasSuffix(key, "/"),
				}
				if !yield(info, nil) {
					return
				}
			}
		}
	}
}

func (s *Store) Delete(ctx context.Context, key string) error {
	_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(objectKey(key)),
	})
	return mapError(err)
}

// Mkdir 写入空的目录标记对象，已存在时忽略
func (s *Store) Mkdir(ctx context.Context, dir string, meta map[string]string) error {
	if !strings.HasSuffix(dir, "/") {
		dir += "/"
	}
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(s.bucket),
		Key:           aws.String(objectKey(dir)),
		Body:          strings.NewReader(""),
		ContentLength: aws.Int64(0),
		IfNoneMatch:   aws.String("*"),
		Metadata:      meta,
	})
	err = mapError(err)
	if errors.Is(err, fs.ErrPreconditionFailed) {
		return nil
	}
	return err
}

func (s *Store) MaxConnections() int {
	return s.maxConns
}

// Close SDK 客户端无需显式关闭
func (s *Store) Close() error {
	return nil
}

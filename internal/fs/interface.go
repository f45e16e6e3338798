package fs

import (
	"context"
	"io"
	"iter"
	"time"
)

// TransferClient 传输流水线所依赖的远端抽象
// 路径均为远端绝对路径 ("/" 分隔)，由 LocalToRemote 计算得到
type TransferClient interface {
	// Put 上传目录标记、文件或符号链接。文件与链接先尝试"不存在才创建"，
	// 对象已存在时比对大小与校验和，一致则跳过，否则覆盖
	Put(ctx context.Context, remotePath string, u *Upload) (PutOutcome, error)

	// Mkdirp 幂等地创建目录及其所有父目录
	Mkdirp(ctx context.Context, remotePath string) error

	// Find 惰性列出根目录下的所有条目，每次调用重新开始
	Find(ctx context.Context) iter.Seq2[*Entry, error]

	// Resolve 补全列表条目的元数据，已完整时不访问远端
	Resolve(ctx context.Context, e *Entry) error

	// Verify* 返回的 error 仅表示远端调用失败，不一致通过结果表达
	VerifyDirectory(ctx context.Context, remotePath string) (VerificationResult, error)
	VerifyFile(ctx context.Context, remotePath string, size int64, checksum []byte) (VerificationResult, error)
	// VerifyLink target 为本地链接解析出的目标路径
	VerifyLink(ctx context.Context, remotePath, target string) (VerificationResult, error)

	// Download 解密、解压并计算校验和后写入 dst
	Download(ctx context.Context, remotePath string, dst io.Writer) (VerificationResult, error)

	// Delete 删除逻辑路径上的对象；recursive 时连同目录下的全部内容
	Delete(ctx context.Context, remotePath string, recursive bool) error

	// Get 读取对象原始内容 (用于获取链接目标)
	Get(ctx context.Context, remotePath string) (string, error)

	// LocalToRemote / RemoteToLocal 纯路径映射，不做 I/O
	LocalToRemote(localPath, localRoot string, kind Kind) (string, error)
	RemoteToLocal(remotePath, localRoot string) (string, error)

	RemoteRoot() string
	MaxConnections() int
	Close() error
}

// ObjectStore 具体存储后端 (S3、内存) 需要实现的最小接口
// key 为远端绝对路径，目录以 "/" 结尾
type ObjectStore interface {
	// Head 对象不存在时返回 ErrNotFound
	Head(ctx context.Context, key string) (*ObjectInfo, error)

	// Put opts.IfAbsent 且对象已存在时返回 ErrPreconditionFailed
	Put(ctx context.Context, key string, body io.Reader, size int64, opts PutOptions) error

	Get(ctx context.Context, key string) (io.ReadCloser, *ObjectInfo, error)

	// List 递归列出 prefix 下的所有对象 (包含目录标记)
	List(ctx context.Context, prefix string) iter.Seq2[*ObjectInfo, error]

	// Delete 对象不存在时不报错
	Delete(ctx context.Context, key string) error

	// Mkdir 创建单个目录标记，已存在时不报错 (也不改写元数据)
	Mkdir(ctx context.Context, dir string, meta map[string]string) error

	MaxConnections() int
	Close() error
}

// PutOptions 写入选项
type PutOptions struct {
	IfAbsent    bool
	Metadata    map[string]string
	ContentType string
}

// ObjectInfo 远端对象信息
// Metadata 为 nil 表示后端在列表时无法提供元数据
type ObjectInfo struct {
	Key          string
	Size         int64
	LastModified time.Time
	IsDir        bool
	Metadata     map[string]string
}

package config

import (
	"crypto/sha256"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultPath 默认配置文件位置
const DefaultPath = "config/config.yaml"

// ToolName 用于临时目录等命名
const ToolName = "bulksync"

// Config 对应 config.yaml 的根结构
type Config struct {
	Transfer TransferConfig `yaml:"transfer"`
	S3       S3Config       `yaml:"s3"`
	Crypto   CryptoConfig   `yaml:"crypto"`
	Cache    CacheConfig    `yaml:"cache"`
	System   SystemConfig   `yaml:"system"`
}

// TransferConfig 传输相关配置
type TransferConfig struct {
	LocalDir  string `yaml:"local_dir"`
	RemoteDir string `yaml:"remote_dir"`
	// s3 (默认) 或 memory (只在进程内模拟，相当于演练)
	Backend string `yaml:"backend"`
	// 远端允许的最大并发连接数，上传/校验 worker 数量 = max(该值-2, 1)
	MaxConnections int `yaml:"max_connections"`
	// 预加载阈值 = PreloadMultiplier * worker 数量
	PreloadMultiplier int `yaml:"preload_multiplier"`
	// 超过该大小的文件在预加载阈值之后才会阻塞式交接
	MinBlockSize int64 `yaml:"min_block_size"`
	// 单个对象的最大尝试次数，0 表示不限制
	MaxAttempts int `yaml:"max_attempts"`
	// 压缩临时目录，默认 <系统临时目录>/bulksync
	ScratchDir string `yaml:"scratch_dir"`
	// 预处理并发，默认 GOMAXPROCS
	Preprocessors int `yaml:"preprocessors"`
}

// S3Config 对象存储配置
type S3Config struct {
	Endpoint  string `yaml:"endpoint"`
	Bucket    string `yaml:"bucket"`
	Region    string `yaml:"region"`
	AccessKey string `yaml:"access_key"`
	SecretKey string `yaml:"secret_key"`
	PathStyle bool   `yaml:"path_style"`
	// 分片上传的分片大小 (字节)，0 使用 SDK 默认值
	PartSize int64 `yaml:"part_size"`
}

// CryptoConfig 加密配置
type CryptoConfig struct {
	Enable   bool   `yaml:"enable"`
	Password string `yaml:"password"`
}

// CacheConfig 目录缓存配置
type CacheConfig struct {
	DirCacheSize int    `yaml:"dir_cache_size"`
	DirCacheTTL  string `yaml:"dir_cache_ttl"`
	// 解析后的 duration，不导出到 yaml
	DirCacheTTLDuration time.Duration `yaml:"-"`
}

// SystemConfig 系统配置
type SystemConfig struct {
	JournalPath    string `yaml:"journal_path"`
	LogLevel       string `yaml:"log_level"`
	LogDestination string `yaml:"log_destination"`
	LogFile        string `yaml:"log_file"`
	// 状态查询与 Prometheus 指标的监听地址，为空则不启动
	StatusAddr string `yaml:"status_addr"`
}

// Default 返回带默认值的配置
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

// LoadConfig 读取并解析配置文件
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("读取配置文件失败: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("解析 YAML 格式错误: %w", err)
	}

	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Transfer.Backend == "" {
		c.Transfer.Backend = "s3"
	}
	if c.Transfer.MaxConnections <= 0 {
		c.Transfer.MaxConnections = 24
	}
	if c.Transfer.PreloadMultiplier <= 0 {
		c.Transfer.PreloadMultiplier = 4
	}
	if c.Transfer.MinBlockSize <= 0 {
		c.Transfer.MinBlockSize = 10_000
	}
	if c.Transfer.ScratchDir == "" {
		c.Transfer.ScratchDir = filepath.Join(os.TempDir(), ToolName)
	}
	if c.Cache.DirCacheSize <= 0 {
		c.Cache.DirCacheSize = 4096
	}
	if c.Cache.DirCacheTTL == "" {
		c.Cache.DirCacheTTL = "10m"
	}
	if c.S3.Region == "" {
		c.S3.Region = "us-east-1"
	}
	if c.System.LogLevel == "" {
		c.System.LogLevel = "warn"
	}
	if c.System.LogDestination == "" {
		c.System.LogDestination = "stderr"
	}
}

// Validate 校验与转换
func (c *Config) Validate() error {
	duration, err := time.ParseDuration(c.Cache.DirCacheTTL)
	if err != nil {
		return fmt.Errorf("无效的目录缓存过期时间 (cache.dir_cache_ttl): %v", err)
	}
	c.Cache.DirCacheTTLDuration = duration

	switch c.Transfer.Backend {
	case "s3":
		if c.S3.Bucket == "" {
			return fmt.Errorf("s3 后端必须配置 s3.bucket")
		}
	case "memory":
	default:
		return fmt.Errorf("未知的存储后端: %s", c.Transfer.Backend)
	}

	if c.Transfer.MaxAttempts < 0 {
		return fmt.Errorf("transfer.max_attempts 不能为负数: %d", c.Transfer.MaxAttempts)
	}
	if c.Crypto.Enable && c.Crypto.Password == "" {
		return fmt.Errorf("启用加密时必须配置 crypto.password")
	}
	if c.Transfer.RemoteDir != "" && !strings.HasPrefix(c.Transfer.RemoteDir, "/") {
		c.Transfer.RemoteDir = "/" + c.Transfer.RemoteDir
	}
	return nil
}

// Workers 上传/下载/校验 worker 数量，给远端连接池留出余量
func (c *TransferConfig) Workers() int {
	return max(c.MaxConnections-2, 1)
}

// GetAESKey 将用户输入的任意长度密码转换为 32字节 的 AES-256 密钥
// 未启用加密时返回 nil
func (c *CryptoConfig) GetAESKey() []byte {
	if !c.Enable {
		return nil
	}
	hash := sha256.Sum256([]byte(c.Password))
	return hash[:]
}

package database

import "time"

// UnitRecord 一个上传单元的最终状态
// 存入数据库时会序列化为 JSON，key 为远端路径
type UnitRecord struct {
	RemotePath string `json:"remote_path"`
	SourcePath string `json:"source_path"`

	// directory / file / symlink
	Kind string `json:"kind"`

	// 未压缩大小 (字节)
	Size int64 `json:"size"`

	// 未压缩内容的 MD5 (hex)
	Checksum string `json:"checksum,omitempty"`

	// 累计尝试次数
	Attempts int `json:"attempts"`

	// 最后一次失败的原因，仅 dead 记录使用
	LastError string `json:"last_error,omitempty"`

	// 记录写入时间 (Unix Nano)
	UpdatedAt int64 `json:"updated_at"`
}

// UpdatedAtTime 辅助方法：转为 Go Time 对象
func (r *UnitRecord) UpdatedAtTime() time.Time {
	return time.Unix(0, r.UpdatedAt)
}

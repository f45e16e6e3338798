package compress

import (
	"fmt"
	"io"

	"github.com/klauspost/compress/zstd"
)

// Suffix 压缩后远端对象名的后缀
const Suffix = ".zst"

// NewWriter 在 dst 之上创建压缩写入流
// Close 只结束压缩帧，不关闭 dst
func NewWriter(dst io.Writer) (io.WriteCloser, error) {
	enc, err := zstd.NewWriter(dst,
		zstd.WithEncoderLevel(zstd.SpeedDefault),
		// 空文件也写出完整的帧，解压端不必区分
		zstd.WithZeroFrames(true),
	)
	if err != nil {
		return nil, fmt.Errorf("创建 zstd 写入器失败: %w", err)
	}
	return enc, nil
}

// NewReader 在 src 之上创建解压读取流
func NewReader(src io.Reader) (io.ReadCloser, error) {
	dec, err := zstd.NewReader(src, zstd.WithDecoderConcurrency(1))
	if err != nil {
		return nil, fmt.Errorf("创建 zstd 读取器失败: %w", err)
	}
	return dec.IOReadCloser(), nil
}

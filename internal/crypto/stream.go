package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"fmt"
	"io"
)

// HeaderSize 密文头部开销 (随机 IV)
const HeaderSize = aes.BlockSize

// NewEncryptWriter 创建一个加密写入流
// 输出: [16字节随机IV] + [AES-CTR加密内容]
// 返回的 Writer 需要 Close 以关闭底层 dst
func NewEncryptWriter(dst io.WriteCloser, key []byte) (io.WriteCloser, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("无效的密钥: %w", err)
	}

	// 1. 生成随机 IV (16字节)
	iv := make([]byte, aes.BlockSize)
	if _, err := io.ReadFull(rand.Reader, iv); err != nil {
		return nil, fmt.Errorf("生成 IV 失败: %w", err)
	}

	// 2. 头部写入 IV
	if _, err := dst.Write(iv); err != nil {
		return nil, fmt.Errorf("写入 IV 失败: %w", err)
	}

	// 3. 后续写入密文
	return &cipher.StreamWriter{S: cipher.NewCTR(block, iv), W: dst}, nil
}

// NewDecryptReader 创建一个解密读取流
// 输入: 密文流 (src, 开头必须包含 IV)
// 输出: 明文流
func NewDecryptReader(src io.Reader, key []byte) (io.Reader, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("无效的密钥: %w", err)
	}

	// 1. 读取头部的 IV
	iv := make([]byte, aes.BlockSize)
	if _, err := io.ReadFull(src, iv); err != nil {
		return nil, fmt.Errorf("读取 IV 失败或文件太短: %w", err)
	}

	// 2. CTR 模式下加密和解密逻辑是一样的
	return &cipher.StreamReader{S: cipher.NewCTR(block, iv), R: src}, nil
}

// Package credential 负责口令哈希与 TOTP 秘钥的静态加密。
//
// 口令只以 bcrypt 哈希形式落库；TOTP 秘钥只以 AES-GCM 密文形式落库。
package credential

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/bcrypt"
)

// ErrCiphertextInvalid 表示密文损坏、被篡改或由其他密钥加密。
var ErrCiphertextInvalid = errors.New("credential: ciphertext invalid")

// dummyHash 用于用户不存在时的等价比较，防止通过响应时间枚举用户名。
// 进程启动时生成一次，对应的明文永远不会被任何人知道。
var dummyHash []byte

func init() {
	filler := make([]byte, 32)
	if _, err := io.ReadFull(rand.Reader, filler); err != nil {
		panic(fmt.Sprintf("credential: init dummy hash: %v", err))
	}
	h, err := bcrypt.GenerateFromPassword(filler, bcrypt.DefaultCost)
	if err != nil {
		panic(fmt.Sprintf("credential: init dummy hash: %v", err))
	}
	dummyHash = h
}

// HashPassword 生成口令的 bcrypt 哈希。
func HashPassword(password string) (string, error) {
	h, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("hash password: %w", err)
	}
	return string(h), nil
}

// CheckPassword 校验口令是否与存储的哈希匹配。
func CheckPassword(hash, password string) bool {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)) == nil
}

// CheckDummy 对固定的占位哈希做一次完整的 bcrypt 比较。
//
// 登录时若用户名不存在，调用方必须走这条路径，
// 保证存在与不存在的用户名消耗相同的计算时间。结果恒为 false。
func CheckDummy(password string) bool {
	_ = bcrypt.CompareHashAndPassword(dummyHash, []byte(password))
	return false
}

// Cipher 对 TOTP 秘钥做 AES-GCM 加解密。
//
// 密文格式: nonce || GCM(plaintext)。每次加密使用新的随机 nonce。
type Cipher struct {
	aead cipher.AEAD
}

// NewCipher 用给定密钥构造 Cipher。密钥长度必须是 16/24/32 字节。
func NewCipher(key []byte) (*Cipher, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("new cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("new cipher: %w", err)
	}
	return &Cipher{aead: aead}, nil
}

// Encrypt 加密明文，返回 nonce 前缀的密文。
func (c *Cipher) Encrypt(plaintext []byte) ([]byte, error) {
	nonce := make([]byte, c.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("encrypt: %w", err)
	}
	return c.aead.Seal(nonce, nonce, plaintext, nil), nil
}

// Decrypt 解密 nonce 前缀的密文。
//
// 任何解不开的输入（截断、篡改、异钥）都返回 ErrCiphertextInvalid，
// 绝不返回部分明文。
func (c *Cipher) Decrypt(ciphertext []byte) ([]byte, error) {
	ns := c.aead.NonceSize()
	if len(ciphertext) < ns {
		return nil, ErrCiphertextInvalid
	}
	plaintext, err := c.aead.Open(nil, ciphertext[:ns], ciphertext[ns:], nil)
	if err != nil {
		return nil, ErrCiphertextInvalid
	}
	return plaintext, nil
}

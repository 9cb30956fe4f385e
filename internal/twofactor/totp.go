// Package twofactor 封装 TOTP 两步验证：秘钥生成、配置 URI、二维码和验证码校验。
package twofactor

import (
	"fmt"
	"time"

	"github.com/pquerna/otp"
	"github.com/pquerna/otp/totp"
	qrcode "github.com/skip2/go-qrcode"
)

const (
	// period TOTP 时间步长（秒）。
	period = 30
	// skew 允许的相邻时间步偏移，覆盖客户端时钟漂移。
	skew = 1
	// secretSize 秘钥随机字节数，base32 编码后约 32 个字符。
	secretSize = 20
	// qrSize 二维码 PNG 边长（像素）。
	qrSize = 256
)

// Verifier 生成与校验 TOTP 验证码。
type Verifier struct {
	issuer string
}

// New 构造 Verifier。issuer 出现在身份验证器 App 的条目名里。
func New(issuer string) *Verifier {
	return &Verifier{issuer: issuer}
}

// NewKey 为账号生成新的 TOTP 秘钥。
//
// 返回值:
//
//	secret: base32 秘钥（调用方负责加密落库，绝不能写日志）
//	uri: otpauth:// 配置 URI（同样不能写日志）
func (v *Verifier) NewKey(account string) (secret, uri string, err error) {
	key, err := totp.Generate(totp.GenerateOpts{
		Issuer:      v.issuer,
		AccountName: account,
		Period:      period,
		SecretSize:  secretSize,
		Digits:      otp.DigitsSix,
		Algorithm:   otp.AlgorithmSHA1,
	})
	if err != nil {
		return "", "", fmt.Errorf("generate totp key: %w", err)
	}
	return key.Secret(), key.String(), nil
}

// Verify 校验验证码是否匹配当前时间窗口（±1 步）。
func (v *Verifier) Verify(secret, code string) bool {
	return v.VerifyAt(secret, code, time.Now())
}

// VerifyAt 在指定时刻校验验证码，便于测试固定时间。
func (v *Verifier) VerifyAt(secret, code string, at time.Time) bool {
	ok, err := totp.ValidateCustom(code, secret, at, totp.ValidateOpts{
		Period:    period,
		Skew:      skew,
		Digits:    otp.DigitsSix,
		Algorithm: otp.AlgorithmSHA1,
	})
	return err == nil && ok
}

// QRPNG 将配置 URI 渲染为 PNG 二维码。
func (v *Verifier) QRPNG(uri string) ([]byte, error) {
	png, err := qrcode.Encode(uri, qrcode.Medium, qrSize)
	if err != nil {
		return nil, fmt.Errorf("encode qr: %w", err)
	}
	return png, nil
}

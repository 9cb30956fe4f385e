package auth

import (
	"encoding/base64"
	"log/slog"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"

	"homeworkhelp/internal/activity"
	"homeworkhelp/internal/credential"
	"homeworkhelp/internal/model"
	"homeworkhelp/internal/pkg/metrics"
)

type activate2FARequest struct {
	Code string `json:"code" binding:"required"`
}

type disable2FARequest struct {
	Password string `json:"password" binding:"required"`
	Code     string `json:"code" binding:"required"`
}

// Setup2FA 生成新的 TOTP 秘钥并返回配置信息。
//
// 秘钥加密落库但 enabled 保持 false，只有 Activate2FA 验证过
// 一个有效验证码之后两步验证才真正生效。
// 响应里的 URI 和二维码只出现在这一次响应中，绝不写日志。
func (h *Handler) Setup2FA(c *gin.Context) {
	user, ok := h.currentUser(c)
	if !ok {
		return
	}
	if user.TwoFAEnabled {
		c.JSON(http.StatusConflict, gin.H{"error": "two-factor already enabled"})
		return
	}

	secret, uri, err := h.verifier.NewKey(user.Username)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "setup failed"})
		return
	}
	encrypted, err := h.cipher.Encrypt([]byte(secret))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "setup failed"})
		return
	}

	if err := h.db.WithContext(c.Request.Context()).Model(&model.User{}).
		Where("id = ?", user.ID).
		Update("totp_secret", encrypted).Error; err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "setup failed"})
		return
	}

	png, err := h.verifier.QRPNG(uri)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "setup failed"})
		return
	}

	if h.logger != nil {
		h.logger.Info("totp secret provisioned", slog.String("username", user.Username))
	}
	c.JSON(http.StatusOK, gin.H{
		"secret":        secret,
		"otpauth_uri":   uri,
		"qr_png_base64": base64.StdEncoding.EncodeToString(png),
	})
}

// Activate2FA 用一个有效验证码确认身份验证器配置成功，开启两步验证。
func (h *Handler) Activate2FA(c *gin.Context) {
	var req activate2FARequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	user, ok := h.currentUser(c)
	if !ok {
		return
	}
	if user.TwoFAEnabled {
		c.JSON(http.StatusConflict, gin.H{"error": "two-factor already enabled"})
		return
	}
	if !user.HasTOTPSecret() {
		c.JSON(http.StatusBadRequest, gin.H{"error": "run setup first"})
		return
	}

	secret, err := h.cipher.Decrypt(user.TOTPSecret)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "activation failed"})
		return
	}
	if !h.verifier.Verify(string(secret), strings.TrimSpace(req.Code)) {
		metrics.TwoFactorFailureTotal.Inc()
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid code"})
		return
	}

	err = h.db.WithContext(c.Request.Context()).Transaction(func(tx *gorm.DB) error {
		if err := tx.Model(&model.User{}).Where("id = ?", user.ID).
			Update("two_fa_enabled", true).Error; err != nil {
			return err
		}
		return activity.Record(tx, user.Username, "Enabled 2FA")
	})
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "activation failed"})
		return
	}

	if h.logger != nil {
		h.logger.Info("two-factor enabled", slog.String("username", user.Username))
	}
	c.JSON(http.StatusOK, gin.H{"message": "two-factor enabled"})
}

// Disable2FA 关闭两步验证，需要口令和当前验证码双重证明。
//
// 关闭时清除密文秘钥本身，而不是只翻转开关。
func (h *Handler) Disable2FA(c *gin.Context) {
	var req disable2FARequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	user, ok := h.currentUser(c)
	if !ok {
		return
	}
	if !user.TwoFAEnabled || !user.HasTOTPSecret() {
		c.JSON(http.StatusBadRequest, gin.H{"error": "two-factor not enabled"})
		return
	}

	if !credential.CheckPassword(user.PasswordHash, req.Password) {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid credentials"})
		return
	}
	secret, err := h.cipher.Decrypt(user.TOTPSecret)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "disable failed"})
		return
	}
	if !h.verifier.Verify(string(secret), strings.TrimSpace(req.Code)) {
		metrics.TwoFactorFailureTotal.Inc()
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid code"})
		return
	}

	err = h.db.WithContext(c.Request.Context()).Transaction(func(tx *gorm.DB) error {
		if err := tx.Model(&model.User{}).Where("id = ?", user.ID).
			Updates(map[string]interface{}{
				"two_fa_enabled": false,
				"totp_secret":    nil,
			}).Error; err != nil {
			return err
		}
		return activity.Record(tx, user.Username, "Disabled 2FA")
	})
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "disable failed"})
		return
	}

	if h.logger != nil {
		h.logger.Info("two-factor disabled", slog.String("username", user.Username))
	}
	c.JSON(http.StatusOK, gin.H{"message": "two-factor disabled"})
}

// currentUser 加载当前会话对应的用户，失败时已写好响应。
func (h *Handler) currentUser(c *gin.Context) (*model.User, bool) {
	uidVal, ok := c.Get("userID")
	uid, cast := uidVal.(uint)
	if !ok || !cast {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "missing authorization"})
		return nil, false
	}
	var user model.User
	if err := h.db.WithContext(c.Request.Context()).First(&user, uid).Error; err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
		return nil, false
	}
	return &user, true
}

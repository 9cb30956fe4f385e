// Package auth 提供注册、登录、两步验证与登出接口。
package auth

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"gorm.io/gorm"

	"homeworkhelp/internal/activity"
	"homeworkhelp/internal/api/middleware"
	"homeworkhelp/internal/credential"
	"homeworkhelp/internal/ledger"
	"homeworkhelp/internal/model"
	"homeworkhelp/internal/pkg/metrics"
	"homeworkhelp/internal/pkg/ratelimit"
	"homeworkhelp/internal/twofactor"
)

// pendingScope 标记尚未通过二次验证的登录令牌。
const pendingScope = "2fa_pending"

const pendingUsedKeyPrefix = "homeworkhelp:2fa:used:"

// Handler 处理认证相关的全部接口。
type Handler struct {
	db          *gorm.DB
	rdb         *redis.Client
	jwtSecret   []byte
	seedCredits int
	sessionTTL  time.Duration
	pendingTTL  time.Duration
	cipher      *credential.Cipher
	verifier    *twofactor.Verifier
	ledger      *ledger.Ledger
	denylist    *middleware.TokenDenylist
	limiter     *ratelimit.RateLimiter
	logger      *slog.Logger
}

// Config 是 Handler 的依赖集合。
type Config struct {
	DB          *gorm.DB
	Redis       *redis.Client
	JWTSecret   string
	SeedCredits int
	SessionTTL  time.Duration
	PendingTTL  time.Duration
	Cipher      *credential.Cipher
	Verifier    *twofactor.Verifier
	Ledger      *ledger.Ledger
	Denylist    *middleware.TokenDenylist
	Limiter     *ratelimit.RateLimiter
	Logger      *slog.Logger
}

// NewHandler 创建 Auth Handler。
func NewHandler(cfg Config) *Handler {
	sessionTTL := cfg.SessionTTL
	if sessionTTL <= 0 {
		sessionTTL = 24 * time.Hour
	}
	pendingTTL := cfg.PendingTTL
	if pendingTTL <= 0 {
		pendingTTL = 5 * time.Minute
	}
	return &Handler{
		db:          cfg.DB,
		rdb:         cfg.Redis,
		jwtSecret:   []byte(cfg.JWTSecret),
		seedCredits: cfg.SeedCredits,
		sessionTTL:  sessionTTL,
		pendingTTL:  pendingTTL,
		cipher:      cfg.Cipher,
		verifier:    cfg.Verifier,
		ledger:      cfg.Ledger,
		denylist:    cfg.Denylist,
		limiter:     cfg.Limiter,
		logger:      cfg.Logger,
	}
}

type registerRequest struct {
	Username        string `json:"username" binding:"required"`
	Password        string `json:"password" binding:"required"`
	ConfirmPassword string `json:"confirm_password" binding:"required"`
	Role            string `json:"role" binding:"required"`
}

type loginRequest struct {
	Username string `json:"username" binding:"required"`
	Password string `json:"password" binding:"required"`
}

type verify2FARequest struct {
	PendingToken string `json:"pending_token" binding:"required"`
	Code         string `json:"code" binding:"required"`
}

type tokenResponse struct {
	Token string `json:"token"`
}

type customClaims struct {
	jwt.RegisteredClaims
	Role     string `json:"role"`
	Username string `json:"username"`
	Scope    string `json:"scope,omitempty"`
}

// Register 创建新用户。
//
// 校验按固定顺序 fail-fast，第一个违反的规则直接返回。
// 用户行与 "Registered as {role}" 日志在同一事务里写入。
func (h *Handler) Register(c *gin.Context) {
	var req registerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	username := strings.TrimSpace(req.Username)
	role := strings.TrimSpace(strings.ToLower(req.Role))
	if err := validateRegistration(username, req.Password, req.ConfirmPassword, role); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	hash, err := credential.HashPassword(req.Password)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "create account failed"})
		return
	}

	err = h.db.WithContext(c.Request.Context()).Transaction(func(tx *gorm.DB) error {
		var count int64
		if err := tx.Model(&model.User{}).Where("username = ?", username).Count(&count).Error; err != nil {
			return err
		}
		if count > 0 {
			return errUsernameTaken
		}
		user := model.User{
			Username:     username,
			PasswordHash: hash,
			Role:         role,
			Credits:      h.seedCredits,
		}
		if err := tx.Create(&user).Error; err != nil {
			return err
		}
		return activity.Record(tx, username, "Registered as "+role)
	})
	if errors.Is(err, errUsernameTaken) {
		c.JSON(http.StatusConflict, gin.H{"error": "username already taken"})
		return
	}
	if err != nil {
		// 唯一索引竞态也走这条路径，不向客户端区分原因
		if h.logger != nil {
			h.logger.Error("create user failed", slog.String("username", username), slog.String("error", err.Error()))
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "could not create account, try again"})
		return
	}

	if h.logger != nil {
		h.logger.Info("user registered", slog.String("username", username), slog.String("role", role))
	}
	c.JSON(http.StatusCreated, gin.H{"message": "registered"})
}

var errUsernameTaken = errors.New("username taken")

// Login 校验口令，按账号状态返回完整会话或待二次验证令牌。
//
// 用户名不存在时仍然执行一次等价的哈希比较，响应与口令错误
// 完全一致，避免通过时间或文案枚举用户名。
func (h *Handler) Login(c *gin.Context) {
	var req loginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	username := strings.TrimSpace(req.Username)

	if !h.allowAttempt(c, "login:"+username) {
		return
	}

	var user model.User
	err := h.db.WithContext(c.Request.Context()).Where("username = ?", username).First(&user).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		credential.CheckDummy(req.Password)
		metrics.LoginAttemptsTotal.WithLabelValues("failure").Inc()
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid credentials"})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "login failed"})
		return
	}

	if !credential.CheckPassword(user.PasswordHash, req.Password) {
		metrics.LoginAttemptsTotal.WithLabelValues("failure").Inc()
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid credentials"})
		return
	}

	if user.TwoFAEnabled {
		pending, err := h.issuePendingToken(&user)
		if err != nil {
			if h.logger != nil {
				h.logger.Error("sign pending token failed", slog.String("username", username), slog.String("error", err.Error()))
			}
			c.JSON(http.StatusInternalServerError, gin.H{"error": "login failed"})
			return
		}
		metrics.LoginAttemptsTotal.WithLabelValues("pending_2fa").Inc()
		c.JSON(http.StatusOK, gin.H{
			"two_factor_required": true,
			"pending_token":       pending,
		})
		return
	}

	h.finalizeLogin(c, &user, "Logged in")
}

// Verify2FA 用验证码完成待二次验证的登录。
//
// pending 令牌是一次性的：第一次验证成功即作废，
// 同一令牌的后续请求按过期处理。
func (h *Handler) Verify2FA(c *gin.Context) {
	var req verify2FARequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	claims := &customClaims{}
	token, err := jwt.ParseWithClaims(req.PendingToken, claims, func(t *jwt.Token) (interface{}, error) {
		return h.jwtSecret, nil
	})
	if err != nil {
		metrics.TwoFactorFailureTotal.Inc()
		if errors.Is(err, jwt.ErrTokenExpired) {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "verification window expired, log in again"})
			return
		}
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid pending token"})
		return
	}
	if !token.Valid || claims.Scope != pendingScope || claims.Subject == "" {
		metrics.TwoFactorFailureTotal.Inc()
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid pending token"})
		return
	}

	if !h.allowAttempt(c, "2fa:"+claims.Subject) {
		return
	}

	uid, err := strconv.ParseUint(claims.Subject, 10, 64)
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid pending token"})
		return
	}

	var user model.User
	if err := h.db.WithContext(c.Request.Context()).First(&user, uint(uid)).Error; err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid pending token"})
		return
	}
	if !user.TwoFAEnabled || !user.HasTOTPSecret() {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid pending token"})
		return
	}

	secret, err := h.cipher.Decrypt(user.TOTPSecret)
	if err != nil {
		if h.logger != nil {
			h.logger.Error("decrypt totp secret failed", slog.Uint64("user_id", uint64(user.ID)))
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "verification failed"})
		return
	}

	if !h.verifier.Verify(string(secret), strings.TrimSpace(req.Code)) {
		metrics.TwoFactorFailureTotal.Inc()
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid code"})
		return
	}

	// 只在验证成功后消费令牌，失败的尝试可以在窗口内重试
	consumed, err := h.consumePendingToken(c.Request.Context(), claims.ID)
	if err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "try again later"})
		return
	}
	if !consumed {
		metrics.TwoFactorFailureTotal.Inc()
		c.JSON(http.StatusUnauthorized, gin.H{"error": "verification window expired, log in again"})
		return
	}

	h.finalizeLogin(c, &user, "Logged in (2FA verified)")
}

// Logout 结束会话：记日志并把令牌 jti 拉入黑名单直至自然过期。
func (h *Handler) Logout(c *gin.Context) {
	username := c.GetString("username")
	jti := c.GetString("jti")

	err := h.db.WithContext(c.Request.Context()).Transaction(func(tx *gorm.DB) error {
		return activity.Record(tx, username, "Logged out")
	})
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "logout failed"})
		return
	}

	ttl := h.sessionTTL
	if expVal, ok := c.Get("tokenExp"); ok {
		if exp, ok := expVal.(time.Time); ok {
			ttl = time.Until(exp)
		}
	}
	if err := h.denylist.Revoke(c.Request.Context(), jti, ttl); err != nil {
		if h.logger != nil {
			h.logger.Warn("revoke token failed", slog.String("jti", jti), slog.String("error", err.Error()))
		}
	}

	if h.logger != nil {
		h.logger.Info("user logged out", slog.String("username", username))
	}
	c.JSON(http.StatusOK, gin.H{"message": "logged out"})
}

// finalizeLogin 完成登录：同一事务里写登录日志并结算每日奖励，然后签发会话令牌。
func (h *Handler) finalizeLogin(c *gin.Context, user *model.User, action string) {
	err := h.db.WithContext(c.Request.Context()).Transaction(func(tx *gorm.DB) error {
		if err := activity.Record(tx, user.Username, action); err != nil {
			return err
		}
		_, err := h.ledger.ClaimDailyReward(tx, user.ID, time.Now())
		return err
	})
	if err != nil {
		if h.logger != nil {
			h.logger.Error("finalize login failed", slog.String("username", user.Username), slog.String("error", err.Error()))
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "login failed"})
		return
	}

	token, err := h.issueToken(user)
	if err != nil {
		if h.logger != nil {
			h.logger.Error("sign token failed", slog.String("username", user.Username), slog.String("error", err.Error()))
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "login failed"})
		return
	}

	metrics.LoginAttemptsTotal.WithLabelValues("success").Inc()
	if h.logger != nil {
		h.logger.Info("user logged in", slog.String("username", user.Username), slog.String("role", user.Role))
	}
	c.JSON(http.StatusOK, tokenResponse{Token: token})
}

// allowAttempt 对登录/验证码尝试限流，超限时直接响应 429。
func (h *Handler) allowAttempt(c *gin.Context, key string) bool {
	allowed, err := h.limiter.Allow(c.Request.Context(), key+":"+c.ClientIP())
	if err != nil {
		// redis 故障时放行，认证本身仍然要过口令校验
		return true
	}
	if !allowed {
		c.JSON(http.StatusTooManyRequests, gin.H{"error": "too many attempts, slow down"})
		c.Abort()
		return false
	}
	return true
}

func (h *Handler) issueToken(user *model.User) (string, error) {
	now := time.Now()
	claims := customClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   fmtUint(user.ID),
			ID:        uuid.NewString(),
			ExpiresAt: jwt.NewNumericDate(now.Add(h.sessionTTL)),
			IssuedAt:  jwt.NewNumericDate(now),
		},
		Role:     user.Role,
		Username: user.Username,
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(h.jwtSecret)
}

// issuePendingToken 签发绑定账号、5 分钟有效的待验证令牌。
func (h *Handler) issuePendingToken(user *model.User) (string, error) {
	now := time.Now()
	claims := customClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   fmtUint(user.ID),
			ID:        uuid.NewString(),
			ExpiresAt: jwt.NewNumericDate(now.Add(h.pendingTTL)),
			IssuedAt:  jwt.NewNumericDate(now),
		},
		Username: user.Username,
		Scope:    pendingScope,
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(h.jwtSecret)
}

// consumePendingToken 原子地标记 pending 令牌已用，返回是否首次消费。
func (h *Handler) consumePendingToken(ctx context.Context, jti string) (bool, error) {
	if h.rdb == nil || jti == "" {
		return true, nil
	}
	return h.rdb.SetNX(ctx, pendingUsedKeyPrefix+jti, "1", h.pendingTTL).Result()
}

func fmtUint(v uint) string {
	return strconv.FormatUint(uint64(v), 10)
}

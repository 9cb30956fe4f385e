package middleware

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"

	"homeworkhelp/internal/pkg/metrics"
)

const revokedKeyPrefix = "homeworkhelp:token:revoked:"

// TokenDenylist 记录已吊销（登出）的令牌 jti，条目随令牌过期自动清除。
type TokenDenylist struct {
	rdb *redis.Client
}

func NewTokenDenylist(rdb *redis.Client) *TokenDenylist {
	return &TokenDenylist{rdb: rdb}
}

// Revoke 将 jti 加入黑名单，ttl 取令牌的剩余有效期。
func (d *TokenDenylist) Revoke(ctx context.Context, jti string, ttl time.Duration) error {
	if d == nil || d.rdb == nil || jti == "" {
		return nil
	}
	if ttl <= 0 {
		ttl = time.Minute
	}
	return d.rdb.Set(ctx, revokedKeyPrefix+jti, "1", ttl).Err()
}

// IsRevoked 判断 jti 是否已被吊销。
func (d *TokenDenylist) IsRevoked(ctx context.Context, jti string) (bool, error) {
	if d == nil || d.rdb == nil || jti == "" {
		return false, nil
	}
	n, err := d.rdb.Exists(ctx, revokedKeyPrefix+jti).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// TokenRevocationMiddleware 拦截已登出令牌，需在 AuthMiddleware 之后挂载。
//
// redis 不可用时拒绝请求而不是放行：宁可短暂不可用，
// 也不让已登出的令牌继续通过。
func TokenRevocationMiddleware(denylist *TokenDenylist) gin.HandlerFunc {
	return func(c *gin.Context) {
		jtiVal, ok := c.Get("jti")
		jti, _ := jtiVal.(string)
		if !ok || jti == "" {
			c.Next()
			return
		}

		ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
		defer cancel()

		revoked, err := denylist.IsRevoked(ctx, jti)
		if err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "try again later"})
			c.Abort()
			return
		}
		if revoked {
			metrics.TokenRevokedRejectTotal.Inc()
			c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
			c.Abort()
			return
		}
		c.Next()
	}
}

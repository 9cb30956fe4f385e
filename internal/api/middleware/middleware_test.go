package middleware

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/redis/go-redis/v9"
)

const testSecret = "test-secret"

func signToken(t *testing.T, claims customClaims) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(testSecret))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return signed
}

func sessionClaims(sub, role, jti string) customClaims {
	return customClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   sub,
			ID:        jti,
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
		Role:     role,
		Username: "alice_01",
	}
}

func authRouter(extra ...gin.HandlerFunc) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	handlers := append([]gin.HandlerFunc{AuthMiddleware(testSecret)}, extra...)
	handlers = append(handlers, func(c *gin.Context) {
		uid, _ := c.Get("userID")
		c.JSON(http.StatusOK, gin.H{"user_id": uid})
	})
	r.GET("/protected", handlers...)
	return r
}

func doGet(r *gin.Engine, token string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, "/protected", nil)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestAuthMiddleware(t *testing.T) {
	r := authRouter()

	if w := doGet(r, ""); w.Code != http.StatusUnauthorized {
		t.Errorf("no header: status %d", w.Code)
	}
	if w := doGet(r, "not-a-token"); w.Code != http.StatusUnauthorized {
		t.Errorf("garbage token: status %d", w.Code)
	}
	if w := doGet(r, signToken(t, sessionClaims("42", "student", "jti-1"))); w.Code != http.StatusOK {
		t.Errorf("valid token: status %d, body %s", w.Code, w.Body.String())
	}

	expired := sessionClaims("42", "student", "jti-2")
	expired.ExpiresAt = jwt.NewNumericDate(time.Now().Add(-time.Minute))
	if w := doGet(r, signToken(t, expired)); w.Code != http.StatusUnauthorized {
		t.Errorf("expired token: status %d", w.Code)
	}

	// 待二次验证的 pending 令牌不能访问受保护接口
	pending := sessionClaims("42", "student", "jti-3")
	pending.Scope = "2fa_pending"
	if w := doGet(r, signToken(t, pending)); w.Code != http.StatusUnauthorized {
		t.Errorf("pending-scope token: status %d", w.Code)
	}
}

func TestRequireRole(t *testing.T) {
	r := authRouter(RequireRole("admin"))

	if w := doGet(r, signToken(t, sessionClaims("1", "admin", "jti-a"))); w.Code != http.StatusOK {
		t.Errorf("admin: status %d", w.Code)
	}
	if w := doGet(r, signToken(t, sessionClaims("2", "student", "jti-b"))); w.Code != http.StatusForbidden {
		t.Errorf("student: status %d", w.Code)
	}
}

func TestTokenRevocation(t *testing.T) {
	s, err := miniredis.Run()
	if err != nil {
		t.Fatalf("start miniredis: %v", err)
	}
	t.Cleanup(s.Close)
	rdb := redis.NewClient(&redis.Options{Addr: s.Addr()})
	t.Cleanup(func() { rdb.Close() })

	denylist := NewTokenDenylist(rdb)
	r := authRouter(TokenRevocationMiddleware(denylist))

	token := signToken(t, sessionClaims("7", "student", "jti-revoke"))
	if w := doGet(r, token); w.Code != http.StatusOK {
		t.Fatalf("before revoke: status %d", w.Code)
	}

	if err := denylist.Revoke(context.Background(), "jti-revoke", time.Hour); err != nil {
		t.Fatalf("revoke: %v", err)
	}
	if w := doGet(r, token); w.Code != http.StatusUnauthorized {
		t.Errorf("after revoke: status %d", w.Code)
	}

	// 其他 jti 不受影响
	if w := doGet(r, signToken(t, sessionClaims("8", "student", "jti-other"))); w.Code != http.StatusOK {
		t.Errorf("other jti: status %d", w.Code)
	}
}

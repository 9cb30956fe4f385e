package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"gorm.io/driver/mysql"
	"gorm.io/gorm"
	gormLogger "gorm.io/gorm/logger"

	"homeworkhelp/internal/api/auth"
	"homeworkhelp/internal/api/middleware"
	"homeworkhelp/internal/config"
	"homeworkhelp/internal/credential"
	"homeworkhelp/internal/ledger"
	"homeworkhelp/internal/model"
	"homeworkhelp/internal/pkg/dedup"
	"homeworkhelp/internal/pkg/metrics"
	"homeworkhelp/internal/pkg/ratelimit"
	"homeworkhelp/internal/twofactor"
)

// Server 封装了 API 服务所需的依赖和路由处理。
//
// 它持有数据库连接、Redis 客户端、账本服务以及 Gin 路由引擎。
type Server struct {
	cfg      *config.Config
	logger   *slog.Logger
	db       *gorm.DB
	rdb      *redis.Client
	router   *gin.Engine
	auth     *auth.Handler
	ledger   QuestionLedger
	deduper  Deduper
	denylist *middleware.TokenDenylist
}

// QuestionLedger 是问答积分流转的抽象，便于 handler 测试替换。
type QuestionLedger interface {
	CreateQuestion(ctx context.Context, askerID uint, title, content string, bounty int) (*model.Question, error)
	AcceptAnswer(ctx context.Context, askerID, answerID uint) (*ledger.AcceptResult, error)
}

// Deduper 拦截窗口期内的重复提问。
type Deduper interface {
	IsDuplicate(ctx context.Context, userID uint, title, content string) (bool, error)
	Delete(ctx context.Context, userID uint, title, content string) error
}

// NewServer 初始化 API 服务器。
//
// 它负责：
// 1. 连接 MySQL 数据库并执行自动迁移
// 2. 连接 Redis
// 3. 构造账本、两步验证、限流等服务
// 4. 初始化 Gin 路由引擎
//
// 参数:
//
//	ctx: 上下文
//	cfg: 配置对象（密钥材料已在 config.Load 阶段校验）
//	logger: 日志记录器
//
// 返回值:
//
//	*Server: 初始化完成的服务器实例
//	error: 初始化失败返回错误
func NewServer(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Server, error) {
	db, err := gorm.Open(mysql.Open(cfg.MySQL.DSN), &gorm.Config{
		Logger: gormLogger.Default.LogMode(gormLogger.Silent), // 关闭GORM调试日志
	})
	if err != nil {
		return nil, err
	}
	if err := db.AutoMigrate(&model.User{}, &model.Question{}, &model.Answer{}, &model.AnswerLike{}, &model.ActivityLog{}); err != nil {
		return nil, err
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       0,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, err
	}

	encKey, err := cfg.TOTPKeyBytes()
	if err != nil {
		return nil, err
	}
	cipher, err := credential.NewCipher(encKey)
	if err != nil {
		return nil, err
	}

	verifier := twofactor.New(cfg.Security.Issuer)
	led := ledger.New(db, logger, cfg.App.DailyRewardCredits)
	denylist := middleware.NewTokenDenylist(rdb)
	limiter := ratelimit.NewRedisRateLimiter(rdb, logger, "homeworkhelp:ratelimit:auth",
		cfg.App.LoginRateLimit, cfg.App.LoginRateBurst)
	deduper := dedup.NewDeduplicator(rdb, time.Duration(cfg.App.DedupWindow)*time.Second)

	metrics.InitMetrics()

	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(middleware.RequestLogger(logger))

	s := &Server{
		cfg:    cfg,
		logger: logger,
		db:     db,
		rdb:    rdb,
		router: r,
		auth: auth.NewHandler(auth.Config{
			DB:          db,
			Redis:       rdb,
			JWTSecret:   cfg.Security.JWTSecret,
			SeedCredits: cfg.App.SeedCredits,
			SessionTTL:  cfg.App.SessionTTL,
			PendingTTL:  cfg.App.Pending2FATTL,
			Cipher:      cipher,
			Verifier:    verifier,
			Ledger:      led,
			Denylist:    denylist,
			Limiter:     limiter,
			Logger:      logger,
		}),
		ledger:   led,
		deduper:  deduper,
		denylist: denylist,
	}
	s.registerRoutes()
	return s, nil
}

// Run 启动 HTTP 服务器并开始监听请求。
func (s *Server) Run() error {
	s.logger.Info("api server listening", slog.String("addr", s.cfg.App.HTTPAddr))
	return s.router.Run(s.cfg.App.HTTPAddr)
}

// Router 返回 HTTP 路由处理器。
func (s *Server) Router() http.Handler {
	return s.router
}

// Close 关闭数据库与缓存连接。
func (s *Server) Close() error {
	var firstErr error
	if s.rdb != nil {
		if err := s.rdb.Close(); err != nil {
			firstErr = err
		}
	}
	if s.db != nil {
		sqlDB, err := s.db.DB()
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
		} else {
			if closeErr := sqlDB.Close(); closeErr != nil {
				if firstErr == nil {
					firstErr = closeErr
				}
			}
		}
	}
	return firstErr
}

// registerRoutes 注册所有的 API 路由。
func (s *Server) registerRoutes() {
	// Prometheus metrics 端点
	s.router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	s.router.GET("/healthz", s.handleHealthz)

	s.router.POST("/register", s.auth.Register)
	s.router.POST("/login", s.auth.Login)
	s.router.POST("/login/2fa", s.auth.Verify2FA)

	authed := s.router.Group("/")
	authed.Use(middleware.AuthMiddleware(s.cfg.Security.JWTSecret))
	authed.Use(middleware.TokenRevocationMiddleware(s.denylist))
	authed.POST("/logout", s.auth.Logout)
	authed.POST("/2fa/setup", s.auth.Setup2FA)
	authed.POST("/2fa/activate", s.auth.Activate2FA)
	authed.POST("/2fa/disable", s.auth.Disable2FA)

	authed.GET("/questions", s.handleListQuestions)
	authed.GET("/questions/solved", s.handleListSolvedQuestions)
	authed.GET("/questions/:id", s.handleGetQuestion)
	authed.POST("/questions", s.handleCreateQuestion)
	authed.POST("/questions/:id/answers", s.handleCreateAnswer)
	authed.POST("/answers/:id/accept", s.handleAcceptAnswer)
	authed.POST("/answers/:id/like", s.handleLikeAnswer)

	admin := authed.Group("/admin")
	admin.Use(middleware.RequireRole("admin"))
	admin.GET("/dashboard", s.handleAdminDashboard)
	admin.DELETE("/users/:id", s.handleAdminDeleteUser)
	admin.DELETE("/questions/:id", s.handleAdminDeleteQuestion)
}

func (s *Server) handleHealthz(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()

	if s.db == nil || s.rdb == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "error"})
		return
	}

	var one int
	if err := s.db.WithContext(ctx).Raw("SELECT 1").Scan(&one).Error; err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "error"})
		return
	}
	if err := s.rdb.Ping(ctx).Err(); err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "error"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func getUserID(c *gin.Context) uint {
	v, ok := c.Get("userID")
	if !ok {
		return 0
	}
	id, _ := v.(uint)
	return id
}

func getUsername(c *gin.Context) string {
	return c.GetString("username")
}

func getUserRole(c *gin.Context) string {
	role, ok := c.Get("role")
	if !ok {
		return ""
	}
	if s, ok := role.(string); ok {
		return s
	}
	return ""
}

package config

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-sql-driver/mysql"
	"github.com/spf13/viper"
)

// Config 保存应用程序配置。
type Config struct {
	App      AppConfig      `json:"app"`
	MySQL    MySQLConfig    `json:"mysql"`
	Redis    RedisConfig    `json:"redis"`
	Security SecurityConfig `json:"security"`
}

// AppConfig 应用程序基础配置。
type AppConfig struct {
	Env      string `json:"env"`       // 运行环境: local / prod
	LogLevel string `json:"log_level"` // 日志级别: debug / info / warn / error
	HTTPAddr string `json:"http_addr"` // API 服务监听地址

	DailyRewardCredits int `json:"daily_reward_credits"` // 每日登录奖励积分
	SeedCredits        int `json:"seed_credits"`         // 新注册用户的初始积分
	MaxBounty          int `json:"max_bounty"`           // 单个问题允许的最大悬赏（0 表示不限）

	AnswerRoles []string `json:"answer_roles"` // 允许回答问题的角色列表

	SessionTTL    time.Duration `json:"session_ttl"`     // 会话令牌有效期（如 "24h"）
	Pending2FATTL time.Duration `json:"pending_2fa_ttl"` // 两步验证待确认令牌有效期（如 "5m"）

	LoginRateLimit float64 `json:"login_rate_limit"` // 登录/验证码尝试限流速率（token/s）
	LoginRateBurst float64 `json:"login_rate_burst"` // 限流桶容量
	DedupWindow    int     `json:"dedup_window"`     // 重复提问拦截窗口（秒）
}

// MySQLConfig MySQL 数据库配置。
type MySQLConfig struct {
	DSN string `json:"dsn"` // 数据库连接字符串
}

// RedisConfig Redis 缓存配置。
type RedisConfig struct {
	Addr     string `json:"addr"`     // Redis 地址 (host:port)
	Password string `json:"password"` // Redis 密码
}

// SecurityConfig 安全相关配置。
//
// JWTSecret 与 TOTPEncKey 没有默认值：缺失时 Load 直接报错，
// 进程在启动阶段失败，绝不回退到可猜测的内置密钥。
type SecurityConfig struct {
	JWTSecret  string `json:"jwt_secret"`   // JWT 签名密钥
	TOTPEncKey string `json:"totp_enc_key"` // TOTP 秘钥加密密钥（hex，16/24/32 字节）
	Issuer     string `json:"issuer"`       // TOTP provisioning URI 中的签发方名称
}

// Load 从 JSON 文件加载配置。
//
// 它会尝试读取 configs/config.json 文件，如果不存在则使用默认值，
// 随后用环境变量覆盖，最后校验密钥材料是否齐全。
//
// 参数:
//
//	configPath: 配置文件路径（如果为空则使用默认路径 "configs/config.json"）
//
// 返回值:
//
//	*Config: 加载完成的配置对象
//	error: 加载或校验失败返回错误
func Load(configPath ...string) (*Config, error) {
	path := "configs/config.json"
	if len(configPath) > 0 && configPath[0] != "" {
		path = configPath[0]
	}

	cfg := getDefaultConfig()

	if _, err := os.Stat(path); err == nil {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
		cfg = &Config{}
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config file: %w", err)
		}
		applyDefaults(cfg)
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate 校验配置的硬性要求。
//
// 密钥材料缺失属于启动致命错误，而不是运行期可恢复错误。
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Security.JWTSecret) == "" {
		return fmt.Errorf("security.jwt_secret is required (set JWT_SECRET)")
	}
	if strings.TrimSpace(c.Security.TOTPEncKey) == "" {
		return fmt.Errorf("security.totp_enc_key is required (set TOTP_ENC_KEY)")
	}
	if _, err := c.TOTPKeyBytes(); err != nil {
		return err
	}
	return nil
}

// TOTPKeyBytes 解析 hex 形式的 TOTP 加密密钥。
func (c *Config) TOTPKeyBytes() ([]byte, error) {
	key, err := hex.DecodeString(strings.TrimSpace(c.Security.TOTPEncKey))
	if err != nil {
		return nil, fmt.Errorf("security.totp_enc_key is not valid hex: %w", err)
	}
	switch len(key) {
	case 16, 24, 32:
		return key, nil
	default:
		return nil, fmt.Errorf("security.totp_enc_key must decode to 16/24/32 bytes, got %d", len(key))
	}
}

// getDefaultConfig 返回默认配置。密钥材料没有默认值。
func getDefaultConfig() *Config {
	return &Config{
		App: AppConfig{
			Env:                "local",
			LogLevel:           "info",
			HTTPAddr:           ":8081",
			DailyRewardCredits: 20,
			SeedCredits:        100,
			MaxBounty:          0,
			AnswerRoles:        []string{"student", "helper"},
			SessionTTL:         24 * time.Hour,
			Pending2FATTL:      5 * time.Minute,
			LoginRateLimit:     1,
			LoginRateBurst:     5,
			DedupWindow:        600,
		},
		MySQL: MySQLConfig{
			DSN: "root:password@tcp(localhost:3306)/homeworkhelp?parseTime=true&loc=UTC",
		},
		Redis: RedisConfig{
			Addr:     "localhost:6379",
			Password: "",
		},
		Security: SecurityConfig{
			Issuer: "HomeworkHelp",
		},
	}
}

// applyDefaults 对未设置的字段应用默认值。
func applyDefaults(cfg *Config) {
	defaults := getDefaultConfig()

	if cfg.App.Env == "" {
		cfg.App.Env = defaults.App.Env
	}
	if cfg.App.LogLevel == "" {
		cfg.App.LogLevel = defaults.App.LogLevel
	}
	if cfg.App.HTTPAddr == "" {
		cfg.App.HTTPAddr = defaults.App.HTTPAddr
	}
	if cfg.App.DailyRewardCredits == 0 {
		cfg.App.DailyRewardCredits = defaults.App.DailyRewardCredits
	}
	if cfg.App.SeedCredits == 0 {
		cfg.App.SeedCredits = defaults.App.SeedCredits
	}
	if len(cfg.App.AnswerRoles) == 0 {
		cfg.App.AnswerRoles = defaults.App.AnswerRoles
	}
	if cfg.App.SessionTTL == 0 {
		cfg.App.SessionTTL = defaults.App.SessionTTL
	}
	if cfg.App.Pending2FATTL == 0 {
		cfg.App.Pending2FATTL = defaults.App.Pending2FATTL
	}
	if cfg.App.LoginRateLimit == 0 {
		cfg.App.LoginRateLimit = defaults.App.LoginRateLimit
	}
	if cfg.App.LoginRateBurst == 0 {
		cfg.App.LoginRateBurst = defaults.App.LoginRateBurst
	}
	if cfg.App.DedupWindow == 0 {
		cfg.App.DedupWindow = defaults.App.DedupWindow
	}
	if cfg.MySQL.DSN == "" {
		cfg.MySQL.DSN = defaults.MySQL.DSN
	}
	if cfg.Redis.Addr == "" {
		cfg.Redis.Addr = defaults.Redis.Addr
	}
	if cfg.Security.Issuer == "" {
		cfg.Security.Issuer = defaults.Security.Issuer
	}
}

func applyEnvOverrides(cfg *Config) {
	viper.AutomaticEnv()

	_ = viper.BindEnv("db_host", "DB_HOST")
	_ = viper.BindEnv("db_password", "DB_PASSWORD")
	_ = viper.BindEnv("redis_addr", "REDIS_ADDR")
	_ = viper.BindEnv("redis_password", "REDIS_PASSWORD")
	_ = viper.BindEnv("jwt_secret", "JWT_SECRET")
	_ = viper.BindEnv("totp_enc_key", "TOTP_ENC_KEY")

	if v := os.Getenv("APP_ENV"); v != "" {
		cfg.App.Env = v
	}
	if v := os.Getenv("APP_LOG_LEVEL"); v != "" {
		cfg.App.LogLevel = v
	}
	if v := os.Getenv("APP_HTTP_ADDR"); v != "" {
		cfg.App.HTTPAddr = v
	}
	if v := os.Getenv("APP_DAILY_REWARD_CREDITS"); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			cfg.App.DailyRewardCredits = i
		}
	}
	if v := os.Getenv("APP_SEED_CREDITS"); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			cfg.App.SeedCredits = i
		}
	}
	if v := os.Getenv("APP_MAX_BOUNTY"); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			cfg.App.MaxBounty = i
		}
	}
	if v := os.Getenv("APP_ANSWER_ROLES"); v != "" {
		roles := []string{}
		for _, r := range strings.Split(v, ",") {
			if r = strings.TrimSpace(strings.ToLower(r)); r != "" {
				roles = append(roles, r)
			}
		}
		if len(roles) > 0 {
			cfg.App.AnswerRoles = roles
		}
	}
	if v := os.Getenv("APP_SESSION_TTL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.App.SessionTTL = d
		}
	}
	if v := os.Getenv("APP_PENDING_2FA_TTL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.App.Pending2FATTL = d
		}
	}
	if v := os.Getenv("APP_LOGIN_RATE_LIMIT"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.App.LoginRateLimit = f
		}
	}
	if v := os.Getenv("APP_LOGIN_RATE_BURST"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.App.LoginRateBurst = f
		}
	}
	if v := os.Getenv("APP_DEDUP_WINDOW"); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			cfg.App.DedupWindow = i
		}
	}

	if v := viper.GetString("jwt_secret"); v != "" {
		cfg.Security.JWTSecret = v
	}
	if v := viper.GetString("totp_enc_key"); v != "" {
		cfg.Security.TOTPEncKey = v
	}
	if v := os.Getenv("TOTP_ISSUER"); v != "" {
		cfg.Security.Issuer = v
	}

	if v := os.Getenv("DB_DSN"); v != "" {
		cfg.MySQL.DSN = v
	} else if hasAnyEnv("DB_HOST", "DB_PORT", "DB_USER", "DB_PASSWORD", "DB_NAME") || viper.GetString("db_host") != "" || viper.GetString("db_password") != "" {
		parsed := parseMySQLDSN(cfg.MySQL.DSN)
		if v := viper.GetString("db_host"); v != "" {
			host := v
			port := getenvDefault("DB_PORT", parsed.Addr, "3306")
			parsed.Addr = host + ":" + port
		} else if v := os.Getenv("DB_PORT"); v != "" {
			host := parsed.Addr
			if strings.Contains(host, ":") {
				host = strings.Split(host, ":")[0]
			}
			parsed.Addr = host + ":" + v
		}
		if v := os.Getenv("DB_USER"); v != "" {
			parsed.User = v
		}
		if v := viper.GetString("db_password"); v != "" {
			parsed.Passwd = v
		}
		if v := os.Getenv("DB_NAME"); v != "" {
			parsed.DBName = v
		}
		cfg.MySQL.DSN = parsed.FormatDSN()
	}

	if v := viper.GetString("redis_addr"); v != "" {
		cfg.Redis.Addr = v
	}
	if v := viper.GetString("redis_password"); v != "" {
		cfg.Redis.Password = v
	}
}

func hasAnyEnv(keys ...string) bool {
	for _, key := range keys {
		if os.Getenv(key) != "" {
			return true
		}
	}
	return false
}

func getenvDefault(envKey, fallbackAddr, defaultValue string) string {
	if v := os.Getenv(envKey); v != "" {
		return v
	}
	if fallbackAddr == "" {
		return defaultValue
	}
	if strings.Contains(fallbackAddr, ":") {
		parts := strings.Split(fallbackAddr, ":")
		if len(parts) == 2 && parts[1] != "" {
			return parts[1]
		}
	}
	return defaultValue
}

func parseMySQLDSN(dsn string) *mysql.Config {
	fallback := &mysql.Config{
		User:   "root",
		Passwd: "",
		Net:    "tcp",
		Addr:   "localhost:3306",
		DBName: "homeworkhelp",
		Params: map[string]string{
			"parseTime": "true",
			"loc":       "UTC",
		},
	}
	if dsn == "" {
		return fallback
	}
	parsed, err := mysql.ParseDSN(dsn)
	if err != nil {
		return fallback
	}
	return parsed
}

// UnmarshalJSON 自定义 JSON 解析，支持 Duration 字符串。
func (a *AppConfig) UnmarshalJSON(data []byte) error {
	type Alias AppConfig
	aux := &struct {
		SessionTTL    string `json:"session_ttl"`
		Pending2FATTL string `json:"pending_2fa_ttl"`
		*Alias
	}{
		Alias: (*Alias)(a),
	}

	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}

	if aux.SessionTTL != "" {
		duration, err := time.ParseDuration(aux.SessionTTL)
		if err != nil {
			return fmt.Errorf("invalid session_ttl format: %w", err)
		}
		a.SessionTTL = duration
	}
	if aux.Pending2FATTL != "" {
		duration, err := time.ParseDuration(aux.Pending2FATTL)
		if err != nil {
			return fmt.Errorf("invalid pending_2fa_ttl format: %w", err)
		}
		a.Pending2FATTL = duration
	}

	return nil
}

// MarshalJSON 自定义 JSON 序列化，将 Duration 转为字符串。
func (a AppConfig) MarshalJSON() ([]byte, error) {
	type Alias AppConfig
	return json.Marshal(&struct {
		SessionTTL    string `json:"session_ttl"`
		Pending2FATTL string `json:"pending_2fa_ttl"`
		*Alias
	}{
		SessionTTL:    a.SessionTTL.String(),
		Pending2FATTL: a.Pending2FATTL.String(),
		Alias:         (*Alias)(&a),
	})
}

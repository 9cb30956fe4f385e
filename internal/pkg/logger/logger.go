package logger

import (
	"log/slog"
	"os"
	"strings"
)

// NewDefault 根据配置的级别构造默认 slog 日志器。
//
// 参数:
//
//	level: 日志级别字符串 (debug / info / warn / error)，无法识别时回退到 info
//
// 返回值:
//
//	*slog.Logger: 输出到 stdout 的文本日志器
func NewDefault(level string) *slog.Logger {
	handler := slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: ParseLevel(level),
	})
	return slog.New(handler)
}

// ParseLevel 将级别字符串解析为 slog.Level。
func ParseLevel(level string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

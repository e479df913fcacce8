package logger

import (
	"io"
	"os"
	"strings"
	"time"

	"Speedtest_Light_Go/internal/config"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Init 根据配置设置全局日志级别和输出格式，日志写到 stderr。
// 会替换全局 logger，只能在开始记录日志之前调用。
func Init(lcfg config.LogConfig) {
	InitWriter(lcfg, os.Stderr)
}

// InitWriter 与 Init 相同，但输出到指定的 writer
func InitWriter(lcfg config.LogConfig, out io.Writer) {
	zerolog.SetGlobalLevel(ParseLevel(lcfg.Level))

	if strings.ToLower(lcfg.Format) == "json" {
		log.Logger = zerolog.New(out).With().Timestamp().Logger()
		return
	}
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: out, TimeFormat: time.RFC3339})
}

// SetLevel 只修改全局日志级别，可在运行期间并发调用。
// 输出格式只在启动时由 Init 设置。
func SetLevel(level string) {
	zerolog.SetGlobalLevel(ParseLevel(level))
}

// ParseLevel 将字符串转换为 zerolog 级别，无法识别时返回 info
func ParseLevel(level string) zerolog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "trace":
		return zerolog.TraceLevel
	case "debug":
		return zerolog.DebugLevel
	case "warn", "warning":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	case "disabled", "off":
		return zerolog.Disabled
	default:
		return zerolog.InfoLevel
	}
}

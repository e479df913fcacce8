package scheduler

import (
	"context"
	"fmt"
	"strings"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog/log"
)

// parser 支持标准五段 cron 表达式和 @every / @hourly 等描述符
var parser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// Validate 检查调度表达式是否合法
func Validate(expr string) error {
	if _, err := parser.Parse(strings.TrimSpace(expr)); err != nil {
		return fmt.Errorf("无效的调度表达式 %q: %w", expr, err)
	}
	return nil
}

// Run 按 expr 周期性执行 job，阻塞直到 ctx 被取消。
// 上一次执行尚未结束时跳过本次触发；返回前等待正在执行的 job 结束。
func Run(ctx context.Context, expr string, job func(context.Context)) error {
	expr = strings.TrimSpace(expr)
	c := cron.New(
		cron.WithParser(parser),
		cron.WithLogger(cronLogger{}),
		cron.WithChain(cron.Recover(cronLogger{}), cron.SkipIfStillRunning(cronLogger{})),
	)
	id, err := c.AddFunc(expr, func() { job(ctx) })
	if err != nil {
		return fmt.Errorf("无效的调度表达式 %q: %w", expr, err)
	}

	c.Start()
	log.Info().Str("schedule", expr).Time("next", c.Entry(id).Next).Msg("scheduler started")

	<-ctx.Done()
	<-c.Stop().Done()
	log.Info().Msg("scheduler stopped")
	return nil
}

// cronLogger 将 cron 的日志接到 zerolog
type cronLogger struct{}

func (cronLogger) Info(msg string, keysAndValues ...interface{}) {
	log.Debug().Fields(keysAndValues).Msg("cron: " + msg)
}

func (cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	log.Error().Err(err).Fields(keysAndValues).Msg("cron: " + msg)
}

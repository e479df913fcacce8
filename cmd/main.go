package main

import (
	"context"
	_ "embed"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"

	"Speedtest_Light_Go/internal/config"
	"Speedtest_Light_Go/internal/datasource"
	"Speedtest_Light_Go/internal/engine"
	"Speedtest_Light_Go/internal/logger"
	"Speedtest_Light_Go/internal/output"
	"Speedtest_Light_Go/internal/scheduler"
	"Speedtest_Light_Go/internal/server"
	"Speedtest_Light_Go/pkg/model"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
)

//go:embed default_config.yaml
var defaultConfigData []byte

// ensureFile 检查文件是否存在于可执行文件目录，如果不存在，则使用提供的默认数据创建它。
func ensureFile(fileName string, defaultData []byte) (string, error) {
	exePath, err := os.Executable()
	if err != nil {
		return "", fmt.Errorf("无法获取可执行文件路径: %w", err)
	}
	exeDir := filepath.Dir(exePath)
	filePath := filepath.Join(exeDir, fileName)

	if _, err := os.Stat(filePath); os.IsNotExist(err) {
		if err := os.WriteFile(filePath, defaultData, 0644); err != nil {
			return "", fmt.Errorf("无法写入默认文件 %s: %w", fileName, err)
		}
		log.Info().Msgf("首次运行，已在 %s 生成默认 %s 文件", exeDir, fileName)
	} else if err != nil {
		return "", fmt.Errorf("检查文件 %s 时出错: %w", fileName, err)
	}
	return filePath, nil
}

func main() {
	// 定义命令行标志
	cliMode := flag.Bool("cli", false, "以命令行模式运行")
	quiet := flag.Bool("quiet", false, "只输出延迟、下载和上传速率")
	cfgFlag := flag.String("config", "", "配置文件路径，默认为可执行文件目录下的 config.yaml")
	format := flag.String("format", output.FormatHuman, "输出格式: human, json 或 csv")
	useBytes := flag.Bool("bytes", false, "以 MB/s 而不是 Mbit/s 显示速率")
	schedule := flag.String("schedule", "", "命令行模式下按 cron 表达式重复测速，例如 \"@every 30m\"")
	port := flag.Int("port", 8080, "Web 模式监听端口")
	flag.Parse()

	// 加载当前目录下的 .env（如果有），其中的 SPEEDTEST_* 变量会覆盖配置文件
	_ = godotenv.Load()

	cfgPath := *cfgFlag
	if cfgPath == "" {
		var err error
		cfgPath, err = ensureFile("config.yaml", defaultConfigData)
		if err != nil {
			log.Fatal().Err(err).Msg("初始化配置文件失败")
		}
	}

	if *cliMode {
		// --- 命令行模式 ---
		os.Exit(runCli(cfgPath, cliOptions{
			format:   *format,
			quiet:    *quiet,
			useBytes: *useBytes,
			schedule: *schedule,
		}))
	}

	// --- Web 服务器模式 (默认) ---
	if cfg, err := config.LoadConfig(cfgPath); err == nil {
		logger.Init(cfg.Log)
	}
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := server.Start(ctx, *port, cfgPath); err != nil {
		log.Fatal().Err(err).Msg("Web 服务器退出")
	}
}

// cliOptions 是命令行模式下覆盖配置的选项
type cliOptions struct {
	format   string
	quiet    bool
	useBytes bool
	schedule string
}

// runCli 执行测速并输出结果，返回进程退出码。
// 设置了调度表达式时按计划重复测速，直到收到中断信号。
func runCli(cfgPath string, opts cliOptions) int {
	cfg, err := config.LoadConfig(cfgPath)
	if err != nil {
		log.Error().Err(err).Str("path", cfgPath).Msg("加载配置文件失败")
		return 1
	}
	logger.Init(cfg.Log)
	if opts.useBytes {
		cfg.Units = config.UnitsBytes
	}
	if opts.schedule != "" {
		cfg.Schedule = opts.schedule
		if err := scheduler.Validate(cfg.Schedule); err != nil {
			log.Error().Err(err).Msg("调度配置无效")
			return 1
		}
	}

	catalog, err := datasource.NewCatalog(cfg)
	if err != nil {
		log.Error().Err(err).Msg("创建数据源失败")
		return 1
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cfg.Schedule == "" {
		return runOnce(ctx, cfg, catalog, opts, true)
	}

	// 只在第一次成功输出时写 CSV 表头，之后的结果逐行追加
	header := true
	err = scheduler.Run(ctx, cfg.Schedule, func(ctx context.Context) {
		if runOnce(ctx, cfg, catalog, opts, header) == 0 {
			header = false
		}
	})
	if err != nil {
		log.Error().Err(err).Msg("调度器启动失败")
		return 1
	}
	return 0
}

// runOnce 执行一次测速并把结果写到 stdout
func runOnce(ctx context.Context, cfg *config.Config, catalog datasource.Catalog, opts cliOptions, header bool) int {
	// 人类可读格式的进度写到 stdout，其它格式写到 stderr 以免混入结果
	var progressOut io.Writer = os.Stdout
	if opts.format != output.FormatHuman && opts.format != "" {
		progressOut = os.Stderr
	}
	if opts.quiet {
		progressOut = io.Discard
	}
	progress := &dots{out: progressOut}

	runner := &engine.Runner{
		Config:     cfg,
		Catalog:    catalog,
		Progress:   progress.message,
		OnDispatch: progress.dot,
	}
	report, err := runner.Run(ctx)
	progress.flush()
	if errors.Is(err, model.ErrCancelled) {
		fmt.Fprintln(os.Stderr, "Cancelling...")
		return 130
	}
	if err != nil {
		log.Error().Err(err).Msg("测速失败")
		return 1
	}

	if opts.format == output.FormatCSV {
		err = output.WriteCSV(os.Stdout, report, cfg.Units, header)
	} else {
		err = output.Write(os.Stdout, opts.format, report, cfg.Units, opts.quiet)
	}
	if err != nil {
		log.Error().Err(err).Msg("输出结果失败")
		return 1
	}
	return 0
}

// dots 打印进度消息，测速阶段每启动一个传输打印一个点
type dots struct {
	mu      sync.Mutex
	out     io.Writer
	pending bool
}

func (d *dots) message(msg string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.pending {
		fmt.Fprintln(d.out)
		d.pending = false
	}
	fmt.Fprintln(d.out, msg)
}

func (d *dots) dot(engine.Progress) {
	d.mu.Lock()
	defer d.mu.Unlock()
	fmt.Fprint(d.out, ".")
	d.pending = true
}

func (d *dots) flush() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.pending {
		fmt.Fprintln(d.out)
		d.pending = false
	}
}

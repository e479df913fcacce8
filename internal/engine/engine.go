package engine

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"Speedtest_Light_Go/internal/config"
	"Speedtest_Light_Go/internal/datasource"
	"Speedtest_Light_Go/internal/selector"
	"Speedtest_Light_Go/internal/tester"
	"Speedtest_Light_Go/pkg/model"

	"github.com/rs/zerolog/log"
)

// ProgressCallback 是一个用于报告进度的回调函数类型
type ProgressCallback func(message string)

// Runner 按顺序执行：获取服务器列表 -> 选择服务器 -> 下载测速 -> 上传测速
type Runner struct {
	Config   *config.Config
	Catalog  datasource.Catalog
	Progress ProgressCallback

	// 可选的阶段内进度回调，CLI 用它打印进度点，Web 模式用它推送实时速率
	OnDispatch func(Progress)
	OnProgress func(Progress)

	// 为空时按配置创建
	ProbeClient    *http.Client
	TransferClient *http.Client
}

// Run 使用给定配置和数据源执行一次完整测速
func Run(ctx context.Context, cfg *config.Config, catalog datasource.Catalog, progressCb ProgressCallback) (*model.Report, error) {
	r := &Runner{Config: cfg, Catalog: catalog, Progress: progressCb}
	return r.Run(ctx)
}

// Run 执行一次完整测速。被取消时返回包装了 model.ErrCancelled 的错误，不返回部分结果。
func (r *Runner) Run(ctx context.Context) (*model.Report, error) {
	cfg := r.Config
	if cfg == nil {
		cfg = config.Default()
	}

	// --- 1. 获取服务器列表 ---
	r.progress("步骤 1/4: 获取客户端信息和服务器列表...")
	client, candidates, err := r.Catalog.Fetch(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return nil, cancelled(ctx)
		}
		return nil, fmt.Errorf("获取服务器列表失败: %w", err)
	}
	if len(candidates) == 0 {
		return nil, model.ErrNoServers
	}
	r.progress(fmt.Sprintf("客户端: %s (%s)", client.ISP, client.IP))

	closest := selector.Closest(candidates, client.Coordinate, cfg.ServerCount, cfg.IncludeAllServers)
	if len(closest) == 0 {
		return nil, model.ErrNoServers
	}

	// --- 2. 延迟测试 ---
	r.progress(fmt.Sprintf("步骤 2/4: 对最近的 %d 台服务器进行延迟测试...", len(closest)))
	probeClient := r.ProbeClient
	if probeClient == nil {
		probeClient = tester.NewHTTPClient(cfg.ProbeTimeout(), 2)
	}
	sel := selector.New(tester.NewProber(probeClient), cfg.LatencyTestConcurrency)
	best, err := sel.SelectBest(ctx, closest)
	if err != nil {
		if ctx.Err() != nil {
			return nil, cancelled(ctx)
		}
		return nil, fmt.Errorf("选择服务器失败: %w", err)
	}
	if best.Unreachable() {
		log.Warn().Str("server", best.URL).Msg("all candidate servers failed latency probes")
	}
	r.progress(fmt.Sprintf("已选择服务器: %s (%s) [%.2f km]: %.3f ms",
		best.Sponsor, best.Name, best.Distance, float64(best.Latency)/float64(time.Millisecond)))

	transferClient := r.TransferClient
	if transferClient == nil {
		transferClient = tester.NewHTTPClient(cfg.TransferTimeout(), cfg.SpeedTestConcurrency+2)
	}
	throughput := &Throughput{
		Transfer: &tester.Transferer{
			Client:  transferClient,
			Ceiling: cfg.StartCeiling(),
			Limiter: tester.NewRateLimiter(cfg.RateLimitMB),
		},
		Concurrency: cfg.SpeedTestConcurrency,
		OnDispatch:  r.OnDispatch,
		OnProgress:  r.OnProgress,
	}

	// --- 3. 下载测速 ---
	r.progress("步骤 3/4: 下载测速...")
	download, err := throughput.MeasureDownload(ctx, DownloadURLs(best.CandidateServer, cfg.DownloadPlan()))
	if err != nil {
		return nil, cancelled(ctx)
	}
	r.progress(fmt.Sprintf("下载完成: %d 个任务, %d 个失败, %.2f Mbit/s", download.Tasks, download.Failed, download.Mbps()))

	// --- 4. 上传测速 ---
	r.progress("步骤 4/4: 上传测速...")
	upload, err := throughput.MeasureUpload(ctx, best.URL, cfg.UploadPlan())
	if err != nil {
		return nil, cancelled(ctx)
	}
	r.progress(fmt.Sprintf("上传完成: %d 个任务, %d 个失败, %.2f Mbit/s", upload.Tasks, upload.Failed, upload.Mbps()))

	return &model.Report{
		Timestamp: time.Now(),
		Client:    client,
		Server:    best,
		Download:  download,
		Upload:    upload,
	}, nil
}

// DownloadURLs 为每个尺寸生成 <BaseDir>/random<S>x<S>.jpg
func DownloadURLs(server model.CandidateServer, sizes []int) []string {
	base := server.BaseDir()
	urls := make([]string, 0, len(sizes))
	for _, size := range sizes {
		urls = append(urls, fmt.Sprintf("%s/random%dx%d.jpg", base, size, size))
	}
	return urls
}

func (r *Runner) progress(message string) {
	if r.Progress != nil {
		r.Progress(message)
	}
}

func cancelled(ctx context.Context) error {
	cause := ctx.Err()
	if cause == nil {
		cause = context.Canceled
	}
	if errors.Is(cause, model.ErrCancelled) {
		return cause
	}
	return fmt.Errorf("%w: %v", model.ErrCancelled, cause)
}

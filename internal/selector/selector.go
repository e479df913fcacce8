package selector

import (
	"context"
	"sort"
	"sync"
	"time"

	"Speedtest_Light_Go/pkg/model"

	"github.com/rs/zerolog/log"
)

// LatencyMeasurer 测量单台服务器的平均延迟，tester.Prober 实现了该接口
type LatencyMeasurer interface {
	Measure(ctx context.Context, baseDir string, penalty time.Duration) (time.Duration, int)
}

// Selector 通过延迟探测选出最佳服务器
type Selector struct {
	prober      LatencyMeasurer
	concurrency int
}

// New 创建 Selector，concurrency 为同时探测的服务器数量
func New(prober LatencyMeasurer, concurrency int) *Selector {
	if concurrency <= 0 {
		concurrency = 1
	}
	return &Selector{prober: prober, concurrency: concurrency}
}

// Rank 探测所有服务器并按延迟升序返回，延迟相同时保持输入顺序
func (s *Selector) Rank(ctx context.Context, servers []model.RankedServer) ([]model.RankedServer, error) {
	if len(servers) == 0 {
		return nil, model.ErrNoServers
	}

	ranked := make([]model.RankedServer, len(servers))
	copy(ranked, servers)

	var wg sync.WaitGroup
	semaphore := make(chan struct{}, s.concurrency)
	for i := range ranked {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			select {
			case semaphore <- struct{}{}:
			case <-ctx.Done():
				return
			}
			defer func() { <-semaphore }()

			// 同一服务器的三次探测必须顺序执行
			latency, failed := s.prober.Measure(ctx, ranked[i].BaseDir(), model.UnreachableLatency)
			ranked[i].Latency = latency
			ranked[i].FailedProbes = failed
		}(i)
	}
	wg.Wait()

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	sort.SliceStable(ranked, func(i, j int) bool {
		return ranked[i].Latency < ranked[j].Latency
	})
	for _, r := range ranked {
		log.Debug().
			Str("server", r.Sponsor).
			Str("url", r.URL).
			Float64("distance_km", r.Distance).
			Dur("latency", r.Latency).
			Int("failed_probes", r.FailedProbes).
			Msg("server ranked")
	}
	return ranked, nil
}

// SelectBest 返回平均延迟最低的服务器
func (s *Selector) SelectBest(ctx context.Context, servers []model.RankedServer) (model.RankedServer, error) {
	ranked, err := s.Rank(ctx, servers)
	if err != nil {
		return model.RankedServer{}, err
	}
	return ranked[0], nil
}

package tester

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"
)

const (
	// LatencyFile 服务器上用于测延迟的文件
	LatencyFile = "latency.txt"
	// ProbeCount 每台服务器的探测次数
	ProbeCount = 3

	latencyToken = "test=test"
)

// Prober 通过请求 latency.txt 测量服务器往返延迟
type Prober struct {
	Client *http.Client
	Now    func() time.Time
}

// NewProber 创建 Prober
func NewProber(client *http.Client) *Prober {
	return &Prober{Client: client, Now: time.Now}
}

// Probe 对 baseDir/latency.txt 发起一次探测，返回往返耗时。
// 状态码非 2xx 或响应内容不是 test=test 时返回错误。
func (p *Prober) Probe(ctx context.Context, baseDir string) (time.Duration, error) {
	req, err := newRequest(ctx, http.MethodGet, baseDir+"/"+LatencyFile, nil)
	if err != nil {
		return 0, err
	}

	start := p.now()
	resp, err := p.client().Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 512))
	if err != nil {
		return 0, err
	}
	rtt := p.now().Sub(start)

	if !statusOK(resp.StatusCode) {
		return 0, fmt.Errorf("invalid status code: %d", resp.StatusCode)
	}
	if !bytes.Equal(bytes.TrimSpace(body), []byte(latencyToken)) {
		return 0, fmt.Errorf("unexpected latency body %q", truncate(body, 32))
	}
	if rtt < 0 {
		rtt = 0
	}
	return rtt, nil
}

// Measure 顺序执行 ProbeCount 次探测，失败的探测记为 penalty。
// 返回所有得分的平均值和失败次数。
func (p *Prober) Measure(ctx context.Context, baseDir string, penalty time.Duration) (time.Duration, int) {
	var (
		total  time.Duration
		failed int
	)
	for i := 0; i < ProbeCount; i++ {
		rtt, err := p.Probe(ctx, baseDir)
		if err != nil {
			log.Debug().Err(err).Str("server", baseDir).Int("probe", i+1).Msg("latency probe failed")
			total += penalty
			failed++
			continue
		}
		total += rtt
	}
	return total / ProbeCount, failed
}

func (p *Prober) client() *http.Client {
	if p.Client == nil {
		return http.DefaultClient
	}
	return p.Client
}

func (p *Prober) now() time.Time {
	if p.Now == nil {
		return time.Now()
	}
	return p.Now()
}

func truncate(b []byte, n int) string {
	if len(b) > n {
		b = b[:n]
	}
	return string(b)
}

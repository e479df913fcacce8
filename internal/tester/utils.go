package tester

import (
	"context"
	"io"
	"net"
	"net/http"
	"time"
)

// UserAgent 所有测速请求使用的 User-Agent
const UserAgent = "Mozilla/5.0 (Macintosh; Intel Mac OS X 10_12_6) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/98.0.4758.80 Safari/537.36"

// NewHTTPClient 创建测速专用的 HTTP 客户端。
// timeout 为 0 时不限制单次请求时长，maxConns 控制每个主机的空闲连接数。
func NewHTTPClient(timeout time.Duration, maxConns int) *http.Client {
	if maxConns < 2 {
		maxConns = 2
	}
	dialer := &net.Dialer{Timeout: 10 * time.Second, KeepAlive: 30 * time.Second}
	return &http.Client{
		Timeout: timeout,
		Transport: &http.Transport{
			Proxy:                 http.ProxyFromEnvironment,
			DialContext:           dialer.DialContext,
			MaxIdleConns:          64,
			MaxIdleConnsPerHost:   maxConns,
			IdleConnTimeout:       10 * time.Second,
			TLSHandshakeTimeout:   10 * time.Second,
			ExpectContinueTimeout: 1 * time.Second,
		},
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			if len(via) > 10 { // 限制最多重定向 10 次
				return http.ErrUseLastResponse
			}
			return nil
		},
	}
}

// newRequest 创建带 context 和 User-Agent 的请求
func newRequest(ctx context.Context, method, url string, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", UserAgent)
	req.Header.Set("Cache-Control", "no-cache")
	return req, nil
}

func statusOK(code int) bool {
	return code >= 200 && code < 300
}

package tester

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"
)

const (
	// DefaultStartCeiling 阶段开始后超过该时长不再发起新的传输
	DefaultStartCeiling = 10 * time.Second

	readChunkSize     = 10 * 1024
	uploadFieldPrefix = "content1="
)

// Transferer 执行单次下载或上传，失败时一律返回 0 字节
type Transferer struct {
	Client  *http.Client
	Now     func() time.Time
	Ceiling time.Duration
	// Limiter 为空时不限速，同一阶段的所有传输共享
	Limiter *rate.Limiter
}

// NewRateLimiter 根据 MB/s 创建限速器，rateLimitMB <= 0 时返回 nil
func NewRateLimiter(rateLimitMB float64) *rate.Limiter {
	if rateLimitMB <= 0 {
		return nil
	}
	// 转换为 B/s
	limit := rate.Limit(rateLimitMB * 1024 * 1024)
	// 桶大小至少要能容纳一个读块，否则 WaitN 会直接报错
	burst := int(rateLimitMB * 1024 * 1024)
	if burst < readChunkSize {
		burst = readChunkSize
	}
	return rate.NewLimiter(limit, burst)
}

// Download 下载 url 并返回读取的字节数。
// 距离 runStart 已超过 Ceiling 时直接返回 0，不发起请求。
func (t *Transferer) Download(ctx context.Context, url string, runStart time.Time) int64 {
	if t.tooLate(runStart) {
		return 0
	}
	n, err := t.download(ctx, url)
	if err != nil {
		log.Debug().Err(err).Str("url", url).Msg("download failed")
		return 0
	}
	return n
}

func (t *Transferer) download(ctx context.Context, url string) (int64, error) {
	req, err := newRequest(ctx, http.MethodGet, url, nil)
	if err != nil {
		return 0, fmt.Errorf("创建请求失败: %w", err)
	}
	resp, err := t.client().Do(req)
	if err != nil {
		return 0, fmt.Errorf("请求失败: %w", err)
	}
	defer resp.Body.Close()

	if !statusOK(resp.StatusCode) {
		return 0, fmt.Errorf("无效的状态码: %d", resp.StatusCode)
	}

	buffer := make([]byte, readChunkSize)
	var contentRead int64
	for {
		if t.Limiter != nil {
			if err := t.Limiter.WaitN(ctx, len(buffer)); err != nil {
				return 0, err
			}
		}
		n, err := resp.Body.Read(buffer)
		contentRead += int64(n)
		if err == io.EOF {
			return contentRead, nil
		}
		if err != nil {
			// 中途出错不计入部分字节
			return 0, err
		}
	}
}

// Upload 向 url POST 一个长度为 size 的表单负载，成功时返回负载长度
func (t *Transferer) Upload(ctx context.Context, url string, runStart time.Time, size int) int64 {
	payload := UploadPayload(size)
	if t.tooLate(runStart) {
		return 0
	}
	if err := t.upload(ctx, url, payload); err != nil {
		log.Debug().Err(err).Str("url", url).Int("size", size).Msg("upload failed")
		return 0
	}
	return int64(len(payload))
}

func (t *Transferer) upload(ctx context.Context, url string, payload []byte) error {
	var body io.Reader = &chunkReader{data: payload}
	if t.Limiter != nil {
		body = &limitedReader{ctx: ctx, r: body, limiter: t.Limiter}
	}
	req, err := newRequest(ctx, http.MethodPost, url, body)
	if err != nil {
		return fmt.Errorf("创建请求失败: %w", err)
	}
	req.ContentLength = int64(len(payload))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := t.client().Do(req)
	if err != nil {
		return fmt.Errorf("请求失败: %w", err)
	}
	defer resp.Body.Close()

	if _, err := io.Copy(io.Discard, resp.Body); err != nil {
		return err
	}
	if !statusOK(resp.StatusCode) {
		return fmt.Errorf("无效的状态码: %d", resp.StatusCode)
	}
	return nil
}

// UploadPayload 生成 content1=<随机十六进制> 形式的负载，总长度恰好为 size。
// size 不足前缀长度时只返回前缀。
func UploadPayload(size int) []byte {
	if size <= len(uploadFieldPrefix) {
		return []byte(uploadFieldPrefix)
	}
	n := size - len(uploadFieldPrefix)
	raw := make([]byte, (n+1)/2)
	_, _ = rand.Read(raw)

	buf := make([]byte, len(uploadFieldPrefix)+hex.EncodedLen(len(raw)))
	copy(buf, uploadFieldPrefix)
	hex.Encode(buf[len(uploadFieldPrefix):], raw)
	return buf[:size]
}

func (t *Transferer) tooLate(runStart time.Time) bool {
	ceiling := t.Ceiling
	if ceiling <= 0 {
		ceiling = DefaultStartCeiling
	}
	return t.now().Sub(runStart) > ceiling
}

func (t *Transferer) client() *http.Client {
	if t.Client == nil {
		return http.DefaultClient
	}
	return t.Client
}

func (t *Transferer) now() time.Time {
	if t.Now == nil {
		return time.Now()
	}
	return t.Now()
}

// chunkReader 按 readChunkSize 分块输出负载
type chunkReader struct {
	data []byte
	off  int
}

func (r *chunkReader) Read(p []byte) (int, error) {
	if r.off >= len(r.data) {
		return 0, io.EOF
	}
	if len(p) > readChunkSize {
		p = p[:readChunkSize]
	}
	n := copy(p, r.data[r.off:])
	r.off += n
	return n, nil
}

type limitedReader struct {
	ctx     context.Context
	r       io.Reader
	limiter *rate.Limiter
}

func (l *limitedReader) Read(p []byte) (int, error) {
	n, err := l.r.Read(p)
	if n > 0 {
		if werr := l.limiter.WaitN(l.ctx, n); werr != nil {
			return n, werr
		}
	}
	return n, err
}

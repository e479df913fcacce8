package model

import (
	"errors"
	"math"
	"net/url"
	"path"
	"strings"
	"time"
)

// UnreachableLatency 是探测失败时计入的惩罚延迟
const UnreachableLatency = 3600 * time.Second

var (
	// ErrNoServers 表示没有可用的测速服务器
	ErrNoServers = errors.New("no servers available")
	// ErrCancelled 表示测速被用户中止
	ErrCancelled = errors.New("measurement cancelled")
)

// Coordinate 经纬度坐标（度）
type Coordinate struct {
	Lat float64 `json:"lat" yaml:"lat"`
	Lon float64 `json:"lon" yaml:"lon"`
}

// ClientInfo 描述本地客户端
type ClientInfo struct {
	IP  string `json:"ip" yaml:"ip"`
	ISP string `json:"isp" yaml:"isp"`
	Coordinate `yaml:",inline"`
}

// CandidateServer 是从服务器列表中读取的测速服务器
type CandidateServer struct {
	ID      string `json:"id" yaml:"id"`
	URL     string `json:"url" yaml:"url"`
	Name    string `json:"name" yaml:"name"`
	Country string `json:"country" yaml:"country"`
	Sponsor string `json:"sponsor" yaml:"sponsor"`
	Host    string `json:"host" yaml:"host"`
	Coordinate `yaml:",inline"`
}

// BaseDir 返回服务器 URL 去掉最后一段路径后的目录，
// 例如 http://host/speedtest/upload.php -> http://host/speedtest
func (s CandidateServer) BaseDir() string {
	u, err := url.Parse(s.URL)
	if err != nil || u.Path == "" {
		return strings.TrimSuffix(s.URL, "/")
	}
	dir := path.Dir(u.Path)
	if dir == "/" || dir == "." {
		dir = ""
	}
	u.Path = dir
	u.RawQuery = ""
	u.Fragment = ""
	return u.String()
}

// RankedServer 在候选服务器基础上附加距离和延迟
type RankedServer struct {
	CandidateServer
	Distance     float64       `json:"distance_km"`
	Latency      time.Duration `json:"latency"` // 三次探测得分的平均值
	FailedProbes int           `json:"failed_probes"`
}

// Unreachable 所有探测都失败时返回 true
func (r RankedServer) Unreachable() bool {
	return r.FailedProbes > 0 && r.Latency >= UnreachableLatency
}

// LatencyMicros 以微秒为单位返回延迟，保留 3 位小数
func (r RankedServer) LatencyMicros() float64 {
	us := float64(r.Latency.Nanoseconds()) / 1e3
	return math.Round(us*1000) / 1000
}

// Direction 测速方向
type Direction string

const (
	Download Direction = "download"
	Upload   Direction = "upload"
)

// ThroughputSample 是一次测速阶段的完整结果
type ThroughputSample struct {
	Direction Direction     `json:"direction"`
	Bytes     int64         `json:"bytes"`
	Elapsed   time.Duration `json:"elapsed"`
	Tasks     int           `json:"tasks"`
	Failed    int           `json:"failed"`
}

// Rate 返回 B/s，耗时为零时返回 0
func (s ThroughputSample) Rate() float64 {
	if s.Elapsed <= 0 || s.Bytes <= 0 {
		return 0
	}
	return float64(s.Bytes) / s.Elapsed.Seconds()
}

// Mbps 返回 Mbit/s
func (s ThroughputSample) Mbps() float64 {
	return s.Rate() * 8 / 1000 / 1000
}

// Report 是一次完整测速的结果
type Report struct {
	Timestamp time.Time
	Client    ClientInfo
	Server    RankedServer
	Download  ThroughputSample
	Upload    ThroughputSample
}

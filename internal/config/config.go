package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"Speedtest_Light_Go/internal/scheduler"

	"github.com/ilyakaznacheev/cleanenv"
	"gopkg.in/yaml.v3"
)

const (
	// SourceSpeedtestNet 从 speedtest.net 获取客户端信息和服务器列表
	SourceSpeedtestNet = "speedtest.net"
	// SourceFile 从本地 YAML 文件读取服务器列表
	SourceFile = "file"

	UnitsBits  = "bits"
	UnitsBytes = "bytes"

	// 上传负载的最小长度，即 "content1=" 前缀长度
	minUploadSize = 9
)

// LogConfig 日志配置
type LogConfig struct {
	Level  string `yaml:"level" json:"level" env:"SPEEDTEST_LOG_LEVEL"`
	Format string `yaml:"format" json:"format" env:"SPEEDTEST_LOG_FORMAT"` // console 或 json
}

// Config 结构用于映射 config.yaml 文件的内容
type Config struct {
	Source                 string    `yaml:"source" json:"source" env:"SPEEDTEST_SOURCE"`
	ServersFile            string    `yaml:"servers_file" json:"servers_file" env:"SPEEDTEST_SERVERS_FILE"`
	ServerCount            int       `yaml:"server_count" json:"server_count" env:"SPEEDTEST_SERVER_COUNT"`
	IncludeAllServers      bool      `yaml:"include_all_servers" json:"include_all_servers"`
	LatencyTestConcurrency int       `yaml:"latency_test_concurrency" json:"latency_test_concurrency"`
	ProbeTimeoutSec        int       `yaml:"probe_timeout_sec" json:"probe_timeout_sec"`
	SpeedTestConcurrency   int       `yaml:"speedtest_concurrency" json:"speedtest_concurrency" env:"SPEEDTEST_CONCURRENCY"`
	StartCeilingSec        int       `yaml:"start_ceiling_sec" json:"start_ceiling_sec"`
	TransferTimeoutSec     int       `yaml:"transfer_timeout_sec" json:"transfer_timeout_sec"`
	DownloadSizes          []int     `yaml:"download_sizes" json:"download_sizes"`
	DownloadRepeats        int       `yaml:"download_repeats" json:"download_repeats"`
	UploadSizes            []int     `yaml:"upload_sizes" json:"upload_sizes"`
	UploadRepeats          int       `yaml:"upload_repeats" json:"upload_repeats"`
	RateLimitMB            float64   `yaml:"rate_limit_mb" json:"rate_limit_mb" env:"SPEEDTEST_RATE_LIMIT_MB"`
	Units                  string    `yaml:"units" json:"units" env:"SPEEDTEST_UNITS"`
	Schedule               string    `yaml:"schedule" json:"schedule" env:"SPEEDTEST_SCHEDULE"`
	Log                    LogConfig `yaml:"log" json:"log"`
}

// Default 返回默认配置
func Default() *Config {
	cfg := &Config{}
	cfg.ApplyDefaults()
	return cfg
}

// LoadConfig 从指定路径加载和解析 YAML 配置文件，
// 设置了 SPEEDTEST_* 环境变量的字段以环境变量为准。
// 文件中的相对 servers_file 以配置文件所在目录为基准。
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("解析配置失败: %w", err)
	}
	cfg.ServersFile = resolvePath(filepath.Dir(path), cfg.ServersFile)
	if err := cleanenv.ReadEnv(&cfg); err != nil {
		return nil, fmt.Errorf("读取环境变量失败: %w", err)
	}
	return finish(&cfg)
}

// Parse 解析 YAML 配置，补全默认值并校验
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("解析配置失败: %w", err)
	}
	return finish(&cfg)
}

// resolvePath 将相对本地路径转换为 dir 下的路径，URL 和绝对路径保持不变
func resolvePath(dir, p string) string {
	if p == "" || filepath.IsAbs(p) || strings.HasPrefix(p, "http://") || strings.HasPrefix(p, "https://") {
		return p
	}
	return filepath.Join(dir, p)
}

func finish(cfg *Config) (*Config, error) {
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyDefaults 为未设置的字段填充默认值
func (c *Config) ApplyDefaults() {
	if c.Source == "" {
		c.Source = SourceSpeedtestNet
	}
	if c.ServerCount == 0 {
		c.ServerCount = 5
	}
	if c.LatencyTestConcurrency == 0 {
		c.LatencyTestConcurrency = 1
	}
	if c.ProbeTimeoutSec == 0 {
		c.ProbeTimeoutSec = 10
	}
	if c.SpeedTestConcurrency == 0 {
		c.SpeedTestConcurrency = 6
	}
	if c.StartCeilingSec == 0 {
		c.StartCeilingSec = 10
	}
	if len(c.DownloadSizes) == 0 {
		c.DownloadSizes = []int{350, 500, 750, 1000, 1500, 2000, 2500, 3000, 3500, 4000}
	}
	if c.DownloadRepeats == 0 {
		c.DownloadRepeats = 4
	}
	if len(c.UploadSizes) == 0 {
		c.UploadSizes = []int{250000, 500000}
	}
	if c.UploadRepeats == 0 {
		c.UploadRepeats = 25
	}
	if c.Units == "" {
		c.Units = UnitsBits
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "console"
	}
}

// Validate 检查配置是否合法
func (c *Config) Validate() error {
	switch c.Source {
	case SourceSpeedtestNet:
	case SourceFile:
		if c.ServersFile == "" {
			return fmt.Errorf("source 为 %q 时必须设置 servers_file", SourceFile)
		}
	default:
		return fmt.Errorf("无效的 source: %q", c.Source)
	}

	if c.ServerCount < 0 || c.LatencyTestConcurrency < 0 || c.SpeedTestConcurrency < 0 {
		return fmt.Errorf("数量和并发配置不能为负数")
	}
	if c.ProbeTimeoutSec < 0 || c.StartCeilingSec < 0 || c.TransferTimeoutSec < 0 {
		return fmt.Errorf("超时配置不能为负数")
	}
	if c.DownloadRepeats < 0 || c.UploadRepeats < 0 {
		return fmt.Errorf("重复次数不能为负数")
	}
	for _, s := range c.DownloadSizes {
		if s <= 0 {
			return fmt.Errorf("无效的下载尺寸: %d", s)
		}
	}
	for _, s := range c.UploadSizes {
		if s < minUploadSize {
			return fmt.Errorf("上传大小 %d 小于最小值 %d", s, minUploadSize)
		}
	}
	if c.RateLimitMB < 0 {
		return fmt.Errorf("rate_limit_mb 不能为负数")
	}
	if c.Units != UnitsBits && c.Units != UnitsBytes {
		return fmt.Errorf("无效的 units: %q", c.Units)
	}
	if c.Schedule != "" {
		if err := scheduler.Validate(c.Schedule); err != nil {
			return err
		}
	}
	return nil
}

// ProbeTimeout 单次延迟探测的超时
func (c *Config) ProbeTimeout() time.Duration {
	return time.Duration(c.ProbeTimeoutSec) * time.Second
}

// StartCeiling 阶段开始后允许发起新传输的时长
func (c *Config) StartCeiling() time.Duration {
	return time.Duration(c.StartCeilingSec) * time.Second
}

// TransferTimeout 单次传输的超时，0 表示不限制
func (c *Config) TransferTimeout() time.Duration {
	return time.Duration(c.TransferTimeoutSec) * time.Second
}

// DownloadPlan 展开下载尺寸列表，每个尺寸重复 DownloadRepeats 次
func (c *Config) DownloadPlan() []int {
	return expand(c.DownloadSizes, c.DownloadRepeats)
}

// UploadPlan 展开上传大小列表，每个大小重复 UploadRepeats 次
func (c *Config) UploadPlan() []int {
	return expand(c.UploadSizes, c.UploadRepeats)
}

func expand(sizes []int, repeats int) []int {
	plan := make([]int, 0, len(sizes)*repeats)
	for _, s := range sizes {
		for i := 0; i < repeats; i++ {
			plan = append(plan, s)
		}
	}
	return plan
}

package output

import (
	"fmt"
	"io"
	"time"

	"Speedtest_Light_Go/internal/config"
	"Speedtest_Light_Go/pkg/model"

	"github.com/dustin/go-humanize"
)

// HumanReadableResult 定义了一个对人类友好的、用于最终输出的数据结构
type HumanReadableResult struct {
	Timestamp     string  `json:"timestamp"`
	ClientIP      string  `json:"client_ip"`
	ISP           string  `json:"isp"`
	ServerID      string  `json:"server_id"`
	Sponsor       string  `json:"sponsor"`
	ServerName    string  `json:"server_name"`
	Country       string  `json:"country"`
	DistanceKm    float64 `json:"distance_km"`
	LatencyMS     float64 `json:"latency_ms"`
	Download      float64 `json:"download"`
	Upload        float64 `json:"upload"`
	Units         string  `json:"units"`
	DownloadBytes int64   `json:"download_bytes"`
	UploadBytes   int64   `json:"upload_bytes"`
}

// ToHumanReadable 将测速报告转换为对人类友好的格式
func ToHumanReadable(r *model.Report, units string) HumanReadableResult {
	return HumanReadableResult{
		Timestamp:     r.Timestamp.Format(time.RFC3339),
		ClientIP:      r.Client.IP,
		ISP:           r.Client.ISP,
		ServerID:      r.Server.ID,
		Sponsor:       r.Server.Sponsor,
		ServerName:    r.Server.Name,
		Country:       r.Server.Country,
		DistanceKm:    r.Server.Distance,
		LatencyMS:     r.Server.LatencyMicros() / 1000,
		Download:      Speed(r.Download, units),
		Upload:        Speed(r.Upload, units),
		Units:         UnitLabel(units),
		DownloadBytes: r.Download.Bytes,
		UploadBytes:   r.Upload.Bytes,
	}
}

// Speed 按单位换算速率：bits 为 Mbit/s，bytes 为 MB/s
func Speed(s model.ThroughputSample, units string) float64 {
	if units == config.UnitsBytes {
		return s.Rate() / 1000 / 1000
	}
	return s.Mbps()
}

// UnitLabel 返回单位显示名
func UnitLabel(units string) string {
	if units == config.UnitsBytes {
		return "MB/s"
	}
	return "Mbit/s"
}

// WriteHuman 输出终端格式的结果；quiet 时只输出三行
func WriteHuman(w io.Writer, r *model.Report, units string, quiet bool) error {
	h := ToHumanReadable(r, units)
	if quiet {
		_, err := fmt.Fprintf(w, "Ping: %.3f ms\nDownload: %.2f %s\nUpload: %.2f %s\n",
			h.LatencyMS, h.Download, h.Units, h.Upload, h.Units)
		return err
	}

	_, err := fmt.Fprintf(w,
		"Hosted by %s (%s) [%.2f km]: %.3f ms\n"+
			"Download: %.2f %s (%s in %s, %d/%d transfers ok)\n"+
			"Upload: %.2f %s (%s in %s, %d/%d transfers ok)\n",
		h.Sponsor, h.ServerName, h.DistanceKm, h.LatencyMS,
		h.Download, h.Units, humanize.Bytes(uint64(r.Download.Bytes)), r.Download.Elapsed.Round(time.Millisecond),
		r.Download.Tasks-r.Download.Failed, r.Download.Tasks,
		h.Upload, h.Units, humanize.Bytes(uint64(r.Upload.Bytes)), r.Upload.Elapsed.Round(time.Millisecond),
		r.Upload.Tasks-r.Upload.Failed, r.Upload.Tasks,
	)
	return err
}

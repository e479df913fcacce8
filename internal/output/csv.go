package output

import (
	"encoding/csv"
	"fmt"
	"io"

	"Speedtest_Light_Go/pkg/model"
)

// CSVHeader CSV 输出的表头
var CSVHeader = []string{
	"Timestamp",
	"Server ID",
	"Sponsor",
	"Server Name",
	"Distance (km)",
	"Ping (ms)",
	"Download",
	"Upload",
	"Units",
	"IP Address",
}

// WriteCSV 将测速报告写为 CSV；header 为 false 时不写表头，便于追加
func WriteCSV(w io.Writer, r *model.Report, units string, header bool) error {
	writer := csv.NewWriter(w)

	if header {
		if err := writer.Write(CSVHeader); err != nil {
			return fmt.Errorf("写入 CSV 表头失败: %w", err)
		}
	}

	h := ToHumanReadable(r, units)
	row := []string{
		h.Timestamp,
		h.ServerID,
		h.Sponsor,
		h.ServerName,
		fmt.Sprintf("%.2f", h.DistanceKm),
		fmt.Sprintf("%.3f", h.LatencyMS),
		fmt.Sprintf("%.2f", h.Download),
		fmt.Sprintf("%.2f", h.Upload),
		h.Units,
		h.ClientIP,
	}
	if err := writer.Write(row); err != nil {
		return fmt.Errorf("写入 CSV 行失败: %w", err)
	}

	writer.Flush()
	return writer.Error()
}

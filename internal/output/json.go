package output

import (
	"encoding/json"
	"fmt"
	"io"

	"Speedtest_Light_Go/pkg/model"
)

// WriteJSON 将测速报告以 JSON 格式写出
func WriteJSON(w io.Writer, r *model.Report, units string) error {
	// 将原始结果转换为对人类友好的格式
	humanReadable := ToHumanReadable(r, units)

	data, err := json.MarshalIndent(humanReadable, "", "  ")
	if err != nil {
		return fmt.Errorf("无法将结果序列化为 JSON: %w", err)
	}
	if _, err := w.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("无法写入 JSON: %w", err)
	}
	return nil
}

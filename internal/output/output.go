package output

import (
	"fmt"
	"io"

	"Speedtest_Light_Go/pkg/model"
)

const (
	FormatHuman = "human"
	FormatJSON  = "json"
	FormatCSV   = "csv"
)

// Write 按格式输出测速报告
func Write(w io.Writer, format string, r *model.Report, units string, quiet bool) error {
	switch format {
	case "", FormatHuman:
		return WriteHuman(w, r, units, quiet)
	case FormatJSON:
		return WriteJSON(w, r, units)
	case FormatCSV:
		return WriteCSV(w, r, units, true)
	default:
		return fmt.Errorf("无效的输出格式: %s", format)
	}
}

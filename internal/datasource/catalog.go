package datasource

import (
	"context"
	"fmt"
	"io"
	"net/http"

	"Speedtest_Light_Go/internal/config"
	"Speedtest_Light_Go/pkg/model"
)

// Catalog 提供客户端位置和候选测速服务器列表
type Catalog interface {
	Fetch(ctx context.Context) (model.ClientInfo, []model.CandidateServer, error)
}

// NewCatalog 根据配置中的 source 选择数据源
func NewCatalog(cfg *config.Config) (Catalog, error) {
	switch cfg.Source {
	case config.SourceSpeedtestNet, "":
		return NewSpeedtestNet(), nil
	case config.SourceFile:
		return &File{Path: cfg.ServersFile}, nil
	default:
		return nil, fmt.Errorf("无效的数据源: %s", cfg.Source)
	}
}

func downloadURL(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("bad status: %s", resp.Status)
	}

	return io.ReadAll(resp.Body)
}

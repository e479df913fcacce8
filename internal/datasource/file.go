package datasource

import (
	"context"
	"fmt"
	"os"
	"strings"

	"Speedtest_Light_Go/pkg/model"

	"gopkg.in/yaml.v3"
)

// File 从本地 YAML 文件（或 http(s) 地址）读取客户端位置和服务器列表
type File struct {
	Path string
}

type fileDocument struct {
	Client  model.ClientInfo        `yaml:"client"`
	Servers []model.CandidateServer `yaml:"servers"`
}

// Fetch 读取并解析服务器列表文件，忽略没有 URL 的条目
func (f *File) Fetch(ctx context.Context) (model.ClientInfo, []model.CandidateServer, error) {
	var (
		data []byte
		err  error
	)
	if strings.HasPrefix(f.Path, "http://") || strings.HasPrefix(f.Path, "https://") {
		data, err = downloadURL(ctx, f.Path)
	} else {
		data, err = os.ReadFile(f.Path)
	}
	if err != nil {
		return model.ClientInfo{}, nil, fmt.Errorf("无法读取服务器列表 '%s': %w", f.Path, err)
	}

	var doc fileDocument
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return model.ClientInfo{}, nil, fmt.Errorf("解析服务器列表失败: %w", err)
	}

	servers := make([]model.CandidateServer, 0, len(doc.Servers))
	for _, s := range doc.Servers {
		if strings.TrimSpace(s.URL) == "" {
			continue
		}
		servers = append(servers, s)
	}
	return doc.Client, servers, nil
}

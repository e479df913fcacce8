package datasource

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"Speedtest_Light_Go/pkg/model"

	"github.com/rs/zerolog/log"
	st "github.com/showwin/speedtest-go/speedtest"
)

// speedtestAPI 是 speedtest-go 客户端中用到的部分
type speedtestAPI interface {
	FetchUserInfoContext(ctx context.Context) (*st.User, error)
	FetchServerListContext(ctx context.Context) (st.Servers, error)
}

// SpeedtestNet 通过 speedtest.net 获取客户端信息和公共服务器列表
type SpeedtestNet struct {
	api speedtestAPI
}

// NewSpeedtestNet 创建使用独立 speedtest-go 实例的数据源
func NewSpeedtestNet() *SpeedtestNet {
	return &SpeedtestNet{api: st.New()}
}

// Fetch 获取客户端位置和服务器列表，坐标无法解析的服务器会被跳过
func (s *SpeedtestNet) Fetch(ctx context.Context) (model.ClientInfo, []model.CandidateServer, error) {
	user, err := s.api.FetchUserInfoContext(ctx)
	if err != nil {
		return model.ClientInfo{}, nil, fmt.Errorf("获取客户端信息失败: %w", err)
	}
	client, err := toClientInfo(user)
	if err != nil {
		return model.ClientInfo{}, nil, err
	}

	list, err := s.api.FetchServerListContext(ctx)
	if err != nil {
		return model.ClientInfo{}, nil, fmt.Errorf("获取服务器列表失败: %w", err)
	}

	servers := make([]model.CandidateServer, 0, len(list))
	skipped := 0
	for _, srv := range list {
		c, ok := toCandidate(srv)
		if !ok {
			skipped++
			continue
		}
		servers = append(servers, c)
	}
	log.Debug().Int("servers", len(servers)).Int("skipped", skipped).Msg("server list fetched")
	return client, servers, nil
}

func toClientInfo(u *st.User) (model.ClientInfo, error) {
	if u == nil {
		return model.ClientInfo{}, fmt.Errorf("客户端信息为空")
	}
	coord, err := parseCoordinate(u.Lat, u.Lon)
	if err != nil {
		return model.ClientInfo{}, fmt.Errorf("无效的客户端坐标: %w", err)
	}
	return model.ClientInfo{IP: u.IP, ISP: u.Isp, Coordinate: coord}, nil
}

func toCandidate(s *st.Server) (model.CandidateServer, bool) {
	if s == nil || strings.TrimSpace(s.URL) == "" {
		return model.CandidateServer{}, false
	}
	coord, err := parseCoordinate(s.Lat, s.Lon)
	if err != nil {
		return model.CandidateServer{}, false
	}
	return model.CandidateServer{
		ID:         s.ID,
		URL:        s.URL,
		Name:       s.Name,
		Country:    s.Country,
		Sponsor:    s.Sponsor,
		Host:       s.Host,
		Coordinate: coord,
	}, true
}

func parseCoordinate(lat, lon string) (model.Coordinate, error) {
	la, err := strconv.ParseFloat(strings.TrimSpace(lat), 64)
	if err != nil {
		return model.Coordinate{}, err
	}
	lo, err := strconv.ParseFloat(strings.TrimSpace(lon), 64)
	if err != nil {
		return model.Coordinate{}, err
	}
	return model.Coordinate{Lat: la, Lon: lo}, nil
}

package selector

import (
	"math"
	"sort"

	"Speedtest_Light_Go/internal/geo"
	"Speedtest_Light_Go/pkg/model"
)

// DefaultLimit 默认保留的最近服务器数量
const DefaultLimit = 5

// Closest 按地理距离从近到远返回候选服务器。
// 距离完全相同的服务器作为一组整体加入，因此当边界处存在并列时
// 返回数量可能超过 limit；includeAll 为 true 时返回全部服务器。
func Closest(candidates []model.CandidateServer, origin model.Coordinate, limit int, includeAll bool) []model.RankedServer {
	if limit <= 0 {
		limit = DefaultLimit
	}

	buckets := make(map[float64][]model.RankedServer)
	var distances []float64
	for _, c := range candidates {
		d := geo.Distance(origin, c.Coordinate)
		if math.IsNaN(d) {
			continue
		}
		if _, ok := buckets[d]; !ok {
			distances = append(distances, d)
		}
		buckets[d] = append(buckets[d], model.RankedServer{CandidateServer: c, Distance: d})
	}
	sort.Float64s(distances)

	closest := make([]model.RankedServer, 0, min(limit, len(candidates)))
	for _, d := range distances {
		closest = append(closest, buckets[d]...)
		if !includeAll && len(closest) >= limit {
			break
		}
	}
	return closest
}

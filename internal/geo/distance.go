package geo

import (
	"math"

	"Speedtest_Light_Go/pkg/model"
)

// EarthRadiusKm 地球平均半径
const EarthRadiusKm = 6371.0

// Distance 使用 haversine 公式计算两点之间的球面距离（km）
func Distance(a, b model.Coordinate) float64 {
	dLat := radians(b.Lat - a.Lat)
	dLon := radians(b.Lon - a.Lon)

	h := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(radians(a.Lat))*math.Cos(radians(b.Lat))*math.Sin(dLon/2)*math.Sin(dLon/2)
	c := 2 * math.Atan2(math.Sqrt(h), math.Sqrt(1-h))
	return EarthRadiusKm * c
}

func radians(deg float64) float64 {
	return deg * math.Pi / 180
}

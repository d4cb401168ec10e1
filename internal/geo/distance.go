// Package geo は球面近似による地点間距離の計算を提供する。
// 近傍検索（PostGISのgeography, use_spheroid=false）と同じ球を使うため、
// ここで計算した距離はSQL側の distance_km と浮動小数点誤差の範囲で一致する。
package geo

import (
	"fmt"
	"math"
)

// EarthRadiusKm はPostGISが球面計算に用いる地球の平均半径（km）。
const EarthRadiusKm = 6371.0088

// KmToMiles はkmからマイルへの換算係数。
const KmToMiles = 0.621371

// DistanceBetween は2地点間の大圏距離をkmで返す（haversine）。
// 引数の順序を入れ替えても同じ値を返す。
func DistanceBetween(lat1, lon1, lat2, lon2 float64) float64 {
	phi1 := toRadians(lat1)
	phi2 := toRadians(lat2)
	dPhi := toRadians(lat2 - lat1)
	dLambda := toRadians(lon2 - lon1)

	a := math.Sin(dPhi/2)*math.Sin(dPhi/2) +
		math.Cos(phi1)*math.Cos(phi2)*math.Sin(dLambda/2)*math.Sin(dLambda/2)
	// 丸め誤差で1をわずかに超えるとNaNになる
	a = math.Min(1, math.Max(0, a))

	return 2 * EarthRadiusKm * math.Asin(math.Sqrt(a))
}

// ToMiles はkmをマイルに換算する。
func ToMiles(km float64) float64 {
	return km * KmToMiles
}

// ValidateCoordinates は緯度・経度が有効範囲かを検証する。
func ValidateCoordinates(lat, lon float64) error {
	if math.IsNaN(lat) || lat < -90 || lat > 90 {
		return fmt.Errorf("latitude out of range: %v", lat)
	}
	if math.IsNaN(lon) || lon < -180 || lon > 180 {
		return fmt.Errorf("longitude out of range: %v", lon)
	}
	return nil
}

func toRadians(deg float64) float64 {
	return deg * math.Pi / 180
}

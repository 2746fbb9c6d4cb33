package posts

import (
	"math"

	"github.com/mmcloughlin/geohash"
)

const earthRadiusKm = 6371.0

// Размеры ячейки geohash на экваторе, км: ширина и высота для точности 1..9.
var (
	cellWidthKm  = [...]float64{5000, 1250, 156, 39.1, 4.89, 1.22, 0.153, 0.0382, 0.00477}
	cellHeightKm = [...]float64{5000, 625, 156, 19.5, 4.89, 0.61, 0.153, 0.019, 0.00477}
)

// precisionFor выбирает самую мелкую точность, при которой ячейка не меньше радиуса:
// тогда центр и восемь соседей покрывают весь круг поиска. Ширина ячейки сужается к полюсам.
func precisionFor(lat, radiusKm float64) uint {
	shrink := math.Cos(lat * math.Pi / 180)
	for p := len(cellWidthKm); p >= 1; p-- {
		if math.Min(cellWidthKm[p-1]*shrink, cellHeightKm[p-1]) >= radiusKm {
			return uint(p)
		}
	}
	return 1
}

// searchCells — ячейка точки и её соседи без повторов (у полюсов соседи совпадают).
func searchCells(lat, lng, radiusKm float64) []string {
	center := geohash.EncodeWithPrecision(lat, lng, precisionFor(lat, radiusKm))
	cells := append([]string{center}, geohash.Neighbors(center)...)
	seen := make(map[string]struct{}, len(cells))
	out := cells[:0]
	for _, c := range cells {
		if _, ok := seen[c]; ok {
			continue
		}
		seen[c] = struct{}{}
		out = append(out, c)
	}
	return out
}

func haversineKm(lat1, lng1, lat2, lng2 float64) float64 {
	rad := math.Pi / 180
	dLat := (lat2 - lat1) * rad
	dLng := (lng2 - lng1) * rad
	a := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(lat1*rad)*math.Cos(lat2*rad)*math.Sin(dLng/2)*math.Sin(dLng/2)
	return 2 * earthRadiusKm * math.Asin(math.Min(1, math.Sqrt(a)))
}

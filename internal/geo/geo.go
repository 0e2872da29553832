// Package geo holds the distance and linear referencing helpers used to snap
// raw positions onto a known path.
package geo

import (
	"math"

	"transit-trajectories/internal/gtfs"
)

const earthRadius = 6371000.0

// Haversine distance in meters
func Haversine(lat1, lon1, lat2, lon2 float64) float64 {
	toRad := func(d float64) float64 { return d * math.Pi / 180 }
	dLat := toRad(lat2 - lat1)
	dLon := toRad(lon2 - lon1)
	a := math.Sin(dLat/2)*math.Sin(dLat/2) + math.Cos(toRad(lat1))*math.Cos(toRad(lat2))*math.Sin(dLon/2)*math.Sin(dLon/2)
	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
	return earthRadius * c
}

// Line is a polyline with precomputed cumulative distances.
type Line struct {
	pts []gtfs.Point
	cum []float64
}

// NewLine builds a Line, dropping consecutive duplicate vertices.
// It returns nil when fewer than two distinct vertices remain.
func NewLine(pts []gtfs.Point) *Line {
	clean := make([]gtfs.Point, 0, len(pts))
	for _, p := range pts {
		if n := len(clean); n > 0 && clean[n-1] == p {
			continue
		}
		clean = append(clean, p)
	}
	if len(clean) < 2 {
		return nil
	}
	return &Line{pts: clean, cum: CumDistances(clean)}
}

// FromShape builds a Line from ordered shape points.
func FromShape(shape []gtfs.ShapePoint) *Line {
	pts := make([]gtfs.Point, len(shape))
	for i, sp := range shape {
		pts[i] = gtfs.Point{Lat: sp.Lat, Lon: sp.Lon}
	}
	return NewLine(pts)
}

// Length returns the total length in meters.
func (l *Line) Length() float64 { return l.cum[len(l.cum)-1] }

// CumDistances returns the running haversine distance at each vertex.
func CumDistances(pts []gtfs.Point) []float64 {
	n := len(pts)
	if n == 0 {
		return nil
	}
	cum := make([]float64, n)
	sum := 0.0
	for i := 1; i < n; i++ {
		sum += Haversine(pts[i-1].Lat, pts[i-1].Lon, pts[i].Lat, pts[i].Lon)
		cum[i] = sum
	}
	return cum
}

// Locate returns the distance along l of the vertex closest to p.
// Uses an equirectangular approximation for projection to segments.
func (l *Line) Locate(p gtfs.Point) float64 {
	cosLat0 := math.Cos(p.Lat * math.Pi / 180)
	toXY := func(q gtfs.Point) (x, y float64) {
		y = (q.Lat - p.Lat) * math.Pi / 180 * earthRadius
		x = (q.Lon - p.Lon) * math.Pi / 180 * earthRadius * cosLat0
		return
	}
	bestDist2 := math.MaxFloat64
	bestAlong := 0.0
	x0, y0 := toXY(l.pts[0])
	for i := 1; i < len(l.pts); i++ {
		x1, y1 := toXY(l.pts[i])
		dx := x1 - x0
		dy := y1 - y0
		segLen2 := dx*dx + dy*dy
		t := 0.0
		if segLen2 > 0 {
			// projection of origin onto segment
			t = math.Max(0, math.Min(1, -(x0*dx+y0*dy)/segLen2))
		}
		px := x0 + t*dx
		py := y0 + t*dy
		if d2 := px*px + py*py; d2 < bestDist2 {
			bestDist2 = d2
			bestAlong = l.cum[i-1] + t*(l.cum[i]-l.cum[i-1])
		}
		x0, y0 = x1, y1
	}
	return bestAlong
}

// Interpolate returns the point at dist meters along l, clamped to its ends.
func (l *Line) Interpolate(dist float64) gtfs.Point {
	n := len(l.pts)
	if dist <= 0 {
		return l.pts[0]
	}
	if dist >= l.cum[n-1] {
		return l.pts[n-1]
	}
	i := 1
	for i < n && l.cum[i] < dist {
		i++
	}
	d0, d1 := l.cum[i-1], l.cum[i]
	p0, p1 := l.pts[i-1], l.pts[i]
	if d1 == d0 {
		return p0
	}
	frac := (dist - d0) / (d1 - d0)
	return gtfs.Point{
		Lat: p0.Lat + (p1.Lat-p0.Lat)*frac,
		Lon: p0.Lon + (p1.Lon-p0.Lon)*frac,
	}
}

// Snap projects p onto l by linear referencing.
func (l *Line) Snap(p gtfs.Point) gtfs.Point {
	return l.Interpolate(l.Locate(p))
}

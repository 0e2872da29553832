package mapmatch

import (
	"strings"

	"transit-trajectories/internal/gtfs"
)

// polyline6 precision: coordinates are scaled by 1e6 before delta encoding.
const precision = 1e6

// DecodePolyline decodes a precision-6 encoded polyline. A truncated trailing
// value is decoded from the groups that are present.
func DecodePolyline(encoded string) []gtfs.Point {
	if encoded == "" {
		return nil
	}
	var (
		out      []gtfs.Point
		idx      int
		lat, lon int64
	)
	next := func() int64 {
		var result int64
		var shift uint
		for idx < len(encoded) {
			b := int64(encoded[idx]) - 63
			idx++
			result |= (b & 0x1f) << shift
			shift += 5
			if b < 0x20 {
				break
			}
		}
		if result&1 != 0 {
			return ^(result >> 1)
		}
		return result >> 1
	}
	for idx < len(encoded) {
		lat += next()
		lon += next()
		out = append(out, gtfs.Point{Lat: float64(lat) / precision, Lon: float64(lon) / precision})
	}
	return out
}

// EncodePolyline is the inverse of DecodePolyline.
func EncodePolyline(pts []gtfs.Point) string {
	var b strings.Builder
	var prevLat, prevLon int64
	for _, p := range pts {
		lat := round(p.Lat * precision)
		lon := round(p.Lon * precision)
		encodeValue(&b, lat-prevLat)
		encodeValue(&b, lon-prevLon)
		prevLat, prevLon = lat, lon
	}
	return b.String()
}

func encodeValue(b *strings.Builder, v int64) {
	u := v << 1
	if v < 0 {
		u = ^u
	}
	for u >= 0x20 {
		b.WriteByte(byte((0x20 | (u & 0x1f)) + 63))
		u >>= 5
	}
	b.WriteByte(byte(u + 63))
}

func round(f float64) int64 {
	if f < 0 {
		return int64(f - 0.5)
	}
	return int64(f + 0.5)
}

package trajectory

import (
	"transit-trajectories/internal/geo"
	"transit-trajectories/internal/gtfs"
)

const (
	TierExternal  = "T0"
	TierShape     = "T1"
	TierScheduled = "T2"
	TierRaw       = "T3"
)

// projector maps a raw position to a trajectory vertex, or reports failure so
// the next tier can try.
type projector struct {
	tier    string
	project func(gtfs.Point) (gtfs.Point, bool)
}

// lineProjector snaps onto l by linear referencing. A nil line always fails.
func lineProjector(tier string, l *geo.Line) projector {
	return projector{tier: tier, project: func(p gtfs.Point) (gtfs.Point, bool) {
		if l == nil || !p.Valid() {
			return gtfs.Point{}, false
		}
		return l.Snap(p), true
	}}
}

var rawProjector = projector{tier: TierRaw, project: func(p gtfs.Point) (gtfs.Point, bool) {
	return p, p.Valid()
}}

// tierChain returns the T1, T2, T3 projectors for one trip, in precedence order.
func tierChain(tripID string, geom GeometryIndex) []projector {
	var shape, stops *geo.Line
	if geom != nil && tripID != "" {
		shape = geo.FromShape(geom.Shape(tripID))
		stops = geo.NewLine(geom.StopPath(tripID))
	}
	return []projector{
		lineProjector(TierShape, shape),
		lineProjector(TierScheduled, stops),
		rawProjector,
	}
}

// projectPoints runs every point through chain, first success wins. Points no
// tier can place are dropped. tiers lists the tiers used, in chain order.
func projectPoints(raw []gtfs.TimedPoint, chain []projector) (out []gtfs.TimedPoint, tiers []string) {
	used := make([]bool, len(chain))
	out = make([]gtfs.TimedPoint, 0, len(raw))
	for _, rp := range raw {
		for i, pr := range chain {
			if p, ok := pr.project(rp.Point); ok {
				out = append(out, gtfs.TimedPoint{Point: p, Time: rp.Time})
				used[i] = true
				break
			}
		}
	}
	for i, u := range used {
		if u {
			tiers = append(tiers, chain[i].tier)
		}
	}
	return out, tiers
}

// Package routefilter expands user supplied route ids and short names into
// the canonical route_id set used to filter realtime entities.
package routefilter

import (
	"context"
	"fmt"
	"sort"
	"strings"
)

// Catalog maps route short names to the route ids that carry them.
type Catalog interface {
	RouteIDsByShortName(ctx context.Context, shortNames []string) (map[string][]string, error)
}

// Filter is the resolved route filter. The zero value matches everything.
type Filter struct {
	RouteIDs   map[string]struct{}
	ShortNames map[string]struct{}
	// Unresolved keeps short names the catalog did not know, for logging.
	Unresolved []string
}

// Applies reports whether filtering is active.
func (f Filter) Applies() bool {
	return len(f.RouteIDs) > 0 || len(f.ShortNames) > 0
}

// Accepts reports whether an entity with the given route id passes the filter.
// An empty route id is rejected only while filtering is active.
func (f Filter) Accepts(routeID string) bool {
	if !f.Applies() {
		return true
	}
	if routeID == "" {
		return false
	}
	_, ok := f.RouteIDs[routeID]
	return ok
}

// IDs returns the route id set in sorted order.
func (f Filter) IDs() []string {
	out := make([]string, 0, len(f.RouteIDs))
	for id := range f.RouteIDs {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

func (f Filter) String() string {
	if !f.Applies() {
		return "ALL"
	}
	return strings.Join(f.IDs(), ",")
}

// Resolve normalizes routeIDs and shortNames and unions in the ids the catalog
// knows for each short name. catalog may be nil when no short names are given.
func Resolve(ctx context.Context, catalog Catalog, routeIDs, shortNames []string) (Filter, error) {
	f := Filter{
		RouteIDs:   normalize(routeIDs),
		ShortNames: normalize(shortNames),
	}
	if len(f.ShortNames) == 0 {
		return f, nil
	}
	if catalog == nil {
		return f, fmt.Errorf("resolve route short names: no route catalog")
	}

	names := make([]string, 0, len(f.ShortNames))
	for n := range f.ShortNames {
		names = append(names, n)
	}
	sort.Strings(names)

	found, err := catalog.RouteIDsByShortName(ctx, names)
	if err != nil {
		return f, fmt.Errorf("resolve route short names: %w", err)
	}
	for _, n := range names {
		ids := found[n]
		if len(ids) == 0 {
			f.Unresolved = append(f.Unresolved, n)
			continue
		}
		for _, id := range ids {
			f.RouteIDs[id] = struct{}{}
		}
	}
	return f, nil
}

func normalize(tokens []string) map[string]struct{} {
	out := make(map[string]struct{}, len(tokens))
	for _, t := range tokens {
		if t = strings.TrimSpace(t); t != "" {
			out[t] = struct{}{}
		}
	}
	return out
}

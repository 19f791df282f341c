// Package geo implements point-in-geofence containment and the
// non-standard lat-first WKT-like parsing used by the relational
// store's geofence `area` column. Deliberately not a general WKT
// library: the source format swaps lat/lon relative to real WKT, and
// handing it to an off-the-shelf parser would silently invert every
// coordinate.
package geo

import (
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"

	"github.com/nwperu/trackgw/internal/model"
)

const earthRadiusM = 6_371_000.0

var (
	polygonRe = regexp.MustCompile(`(?i)POLYGON\s*\(\(\s*(.+?)\s*\)\)`)
	circleRe  = regexp.MustCompile(`(?i)CIRCLE\s*\(\s*([\-0-9.]+)\s+([\-0-9.]+)\s*,\s*([\-0-9.]+)\s*\)`)
)

// Parse parses a geofence `area` string of the form
// "POLYGON ((lat lon, lat lon, ...))" or "CIRCLE (lat lon, radius)"
// into a model.GeofenceDefinition. Vertex/center ordering is lat-first,
// matching the relational store's convention, not standard WKT.
func Parse(name, area string) (model.GeofenceDefinition, error) {
	area = strings.TrimSpace(area)

	if m := circleRe.FindStringSubmatch(area); m != nil {
		lat, err1 := strconv.ParseFloat(m[1], 64)
		lon, err2 := strconv.ParseFloat(m[2], 64)
		radius, err3 := strconv.ParseFloat(m[3], 64)
		if err1 != nil || err2 != nil || err3 != nil {
			return model.GeofenceDefinition{}, fmt.Errorf("geo: malformed circle %q", area)
		}
		if radius <= 0 {
			return model.GeofenceDefinition{}, fmt.Errorf("geo: circle radius must be > 0, got %v", radius)
		}
		return model.GeofenceDefinition{
			Name:    name,
			Kind:    model.GeofenceCircle,
			Center:  model.LatLon{Lat: lat, Lon: lon},
			RadiusM: radius,
		}, nil
	}

	if m := polygonRe.FindStringSubmatch(area); m != nil {
		pairs := strings.Split(m[1], ",")
		verts := make([]model.LatLon, 0, len(pairs))
		for _, p := range pairs {
			fields := strings.Fields(strings.TrimSpace(p))
			if len(fields) != 2 {
				return model.GeofenceDefinition{}, fmt.Errorf("geo: malformed polygon vertex %q", p)
			}
			lat, err1 := strconv.ParseFloat(fields[0], 64)
			lon, err2 := strconv.ParseFloat(fields[1], 64)
			if err1 != nil || err2 != nil {
				return model.GeofenceDefinition{}, fmt.Errorf("geo: malformed polygon vertex %q", p)
			}
			verts = append(verts, model.LatLon{Lat: lat, Lon: lon})
		}
		if len(dedupVertices(verts)) < 3 {
			return model.GeofenceDefinition{}, fmt.Errorf("geo: polygon needs >= 3 distinct vertices, got %d", len(verts))
		}
		return model.GeofenceDefinition{
			Name:     name,
			Kind:     model.GeofencePolygon,
			Vertices: verts,
		}, nil
	}

	return model.GeofenceDefinition{}, fmt.Errorf("geo: unrecognized area format %q", area)
}

func dedupVertices(v []model.LatLon) []model.LatLon {
	out := v[:0:0]
	for _, p := range v {
		dup := false
		for _, q := range out {
			if p == q {
				dup = true
				break
			}
		}
		if !dup {
			out = append(out, p)
		}
	}
	return out
}

// Contains reports whether pt lies inside the geofence.
func Contains(g model.GeofenceDefinition, pt model.LatLon) bool {
	switch g.Kind {
	case model.GeofenceCircle:
		return haversineM(g.Center, pt) <= g.RadiusM
	case model.GeofencePolygon:
		return pointInPolygon(g.Vertices, pt)
	default:
		return false
	}
}

// haversineM returns the great-circle distance between a and b in meters.
func haversineM(a, b model.LatLon) float64 {
	const deg2rad = math.Pi / 180
	lat1, lat2 := a.Lat*deg2rad, b.Lat*deg2rad
	dLat := (b.Lat - a.Lat) * deg2rad
	dLon := (b.Lon - a.Lon) * deg2rad

	h := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(lat1)*math.Cos(lat2)*math.Sin(dLon/2)*math.Sin(dLon/2)
	return 2 * earthRadiusM * math.Asin(math.Sqrt(h))
}

// pointInPolygon implements the standard ray-casting test over
// (lat, lon) treated as a planar (y, x) pair — adequate for the small,
// city-scale polygons this gateway deals with.
func pointInPolygon(verts []model.LatLon, pt model.LatLon) bool {
	inside := false
	n := len(verts)
	for i, j := 0, n-1; i < n; j, i = i, i+1 {
		vi, vj := verts[i], verts[j]
		intersects := ((vi.Lon > pt.Lon) != (vj.Lon > pt.Lon)) &&
			(pt.Lat < (vj.Lat-vi.Lat)*(pt.Lon-vi.Lon)/(vj.Lon-vi.Lon)+vi.Lat)
		if intersects {
			inside = !inside
		}
	}
	return inside
}

// Transition computes the geofence transition, if any, between a
// previous and current point. Returns "" when there is no transition.
func Transition(g model.GeofenceDefinition, prev, curr model.LatLon, havePrev bool) string {
	if !havePrev {
		return ""
	}
	prevInside := Contains(g, prev)
	currInside := Contains(g, curr)
	switch {
	case !prevInside && currInside:
		return model.EventGeofenceEnter
	case prevInside && !currInside:
		return model.EventGeofenceExit
	default:
		return ""
	}
}

package geo

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/nwperu/trackgw/internal/model"
)

func TestParseCircle(t *testing.T) {
	g, err := Parse("home", "CIRCLE (-12.04 -77.03, 500)")
	require.NoError(t, err)
	require.Equal(t, model.GeofenceCircle, g.Kind)
	require.InDelta(t, -12.04, g.Center.Lat, 1e-9)
	require.InDelta(t, -77.03, g.Center.Lon, 1e-9)
	require.Equal(t, 500.0, g.RadiusM)
}

func TestParseCircleRejectsNonPositiveRadius(t *testing.T) {
	_, err := Parse("bad", "CIRCLE (-12.04 -77.03, 0)")
	require.Error(t, err)
}

func TestParsePolygon(t *testing.T) {
	g, err := Parse("yard", "POLYGON ((-12.00 -77.00, -12.00 -77.01, -12.01 -77.01, -12.01 -77.00))")
	require.NoError(t, err)
	require.Equal(t, model.GeofencePolygon, g.Kind)
	require.Len(t, g.Vertices, 4)
}

func TestParsePolygonRejectsTooFewVertices(t *testing.T) {
	_, err := Parse("bad", "POLYGON ((-12.00 -77.00, -12.00 -77.00, -12.00 -77.00))")
	require.Error(t, err)
}

func TestCircleContainmentEnterExit(t *testing.T) {
	g, err := Parse("home", "CIRCLE (-12.04 -77.03, 500)")
	require.NoError(t, err)

	outside := model.LatLon{Lat: -12.05, Lon: -77.03}
	inside := model.LatLon{Lat: -12.04, Lon: -77.03}

	require.False(t, Contains(g, outside))
	require.True(t, Contains(g, inside))

	require.Equal(t, model.EventGeofenceEnter, Transition(g, outside, inside, true))
	require.Equal(t, model.EventGeofenceExit, Transition(g, inside, outside, true))
	require.Equal(t, "", Transition(g, inside, inside, true))
	require.Equal(t, "", Transition(g, model.LatLon{}, inside, false))
}

func TestPolygonContainment(t *testing.T) {
	g, err := Parse("box", "POLYGON ((0 0, 0 10, 10 10, 10 0))")
	require.NoError(t, err)

	require.True(t, Contains(g, model.LatLon{Lat: 5, Lon: 5}))
	require.False(t, Contains(g, model.LatLon{Lat: 20, Lon: 20}))
}

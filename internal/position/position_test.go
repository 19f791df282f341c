package position

import (
	"context"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"github.com/nwperu/trackgw/internal/model"
	"github.com/nwperu/trackgw/internal/registry"
)

type fakeGeofenceSource struct {
	defs []model.GeofenceDefinition
}

func (f *fakeGeofenceSource) GetGeofencesForDevice(ctx context.Context, deviceID int64) ([]model.GeofenceDefinition, error) {
	return f.defs, nil
}

type resolverAdapter struct {
	*registry.Registry
	refreshed int
}

func (r *resolverAdapter) RequestSelectiveRefresh(ctx context.Context) { r.refreshed++ }

type recordingSink struct {
	transitions []string
}

func (s *recordingSink) OnGeofenceTransition(prevDevice model.Device, eventType, geofenceName string, at time.Time, lat, lon float64) {
	s.transitions = append(s.transitions, eventType)
}

func mustParseWire(t *testing.T, s string) time.Time {
	t.Helper()
	tm, err := time.ParseInLocation(model.WireTimeLayout, s, time.UTC)
	require.NoError(t, err)
	return tm
}

func TestApplyGeofenceEnterScenario(t *testing.T) {
	reg := registry.New()
	reg.ReplaceAll([]model.Device{{
		ID: 1, UniqueID: "353451044508750",
		Latitude: -12.05, Longitude: -77.03,
		LastUpdate: mustParseWire(t, "2024-01-01 00:00:00"),
	}})

	circle := model.GeofenceDefinition{
		Name: "home", Kind: model.GeofenceCircle,
		Center: model.LatLon{Lat: -12.04, Lon: -77.03}, RadiusM: 500,
	}
	sink := &recordingSink{}
	up := New(logrus.New(), &resolverAdapter{Registry: reg}, &fakeGeofenceSource{defs: []model.GeofenceDefinition{circle}}, sink)

	rec := model.NormalizedRecord{
		Kind: model.KindPosition, UniqueID: "353451044508750",
		DateTime: mustParseWire(t, "2024-01-01 12:00:05"),
		Latitude: -12.04, Longitude: -77.03, Speed: 18.52, Course: 90, Valid: true,
	}
	up.Apply(context.Background(), rec)

	d, ok := reg.GetByUniqueID("353451044508750")
	require.True(t, ok)
	require.InDelta(t, -12.04, d.Latitude, 1e-6)
	require.InDelta(t, 18.52, d.Speed, 1e-6)
	require.True(t, d.LastUpdate.After(mustParseWire(t, "2024-01-01 00:00:00")))

	require.Equal(t, []string{model.EventGeofenceEnter}, sink.transitions)
}

func TestApplyDropsStalePosition(t *testing.T) {
	reg := registry.New()
	reg.ReplaceAll([]model.Device{{
		ID: 1, UniqueID: "imei1",
		LastUpdate: mustParseWire(t, "2024-01-01 12:00:00"),
	}})
	sink := &recordingSink{}
	up := New(logrus.New(), &resolverAdapter{Registry: reg}, &fakeGeofenceSource{}, sink)

	rec := model.NormalizedRecord{
		Kind: model.KindPosition, UniqueID: "imei1",
		DateTime: mustParseWire(t, "2024-01-01 11:59:59"),
		Latitude: -12.03, Longitude: -77.02,
	}
	up.Apply(context.Background(), rec)

	d, _ := reg.GetByUniqueID("imei1")
	require.Equal(t, 0.0, d.Latitude)
	require.Empty(t, sink.transitions)
}

func TestApplyUnknownDeviceDropsAfterRefreshAttempt(t *testing.T) {
	reg := registry.New()
	adapter := &resolverAdapter{Registry: reg}
	sink := &recordingSink{}
	up := New(logrus.New(), adapter, &fakeGeofenceSource{}, sink)

	up.Apply(context.Background(), model.NormalizedRecord{Kind: model.KindPosition, UniqueID: "ghost"})

	require.Equal(t, 1, adapter.refreshed)
	require.Empty(t, sink.transitions)
}

package liveness

import (
	"context"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"github.com/nwperu/trackgw/internal/model"
	"github.com/nwperu/trackgw/internal/registry"
)

func TestSweepMarksStaleDeviceOffline(t *testing.T) {
	reg := registry.New()
	reg.ReplaceAll([]model.Device{{
		ID: 1, UniqueID: "imei1", Status: model.StatusOnline,
		Speed: 42, LastUpdate: time.Now().Add(-20 * time.Minute),
	}})

	var handled []string
	handle := func(ctx context.Context, dev DeviceSnapshot, eventType string, at time.Time, lat, lon float64) {
		handled = append(handled, eventType)
	}
	loop := New(logrus.New(), reg, handle)
	loop.sweep(context.Background())

	d, ok := reg.GetByUniqueID("imei1")
	require.True(t, ok)
	require.Equal(t, model.StatusOffline, d.Status)
	require.Equal(t, 0.0, d.Speed)
	require.Equal(t, []string{model.EventDeviceOffline}, handled)
}

func TestSweepIgnoresFreshDevice(t *testing.T) {
	reg := registry.New()
	reg.ReplaceAll([]model.Device{{
		ID: 1, UniqueID: "imei1", Status: model.StatusOnline,
		LastUpdate: time.Now(),
	}})

	var handled []string
	handle := func(ctx context.Context, dev DeviceSnapshot, eventType string, at time.Time, lat, lon float64) {
		handled = append(handled, eventType)
	}
	loop := New(logrus.New(), reg, handle)
	loop.sweep(context.Background())

	require.Empty(t, handled)
}

func TestSweepDoesNotFireForNeverSeenDevice(t *testing.T) {
	reg := registry.New()
	reg.ReplaceAll([]model.Device{{
		ID: 1, UniqueID: "imei1", Status: model.StatusUnknown,
	}})

	var handled []string
	handle := func(ctx context.Context, dev DeviceSnapshot, eventType string, at time.Time, lat, lon float64) {
		handled = append(handled, eventType)
	}
	loop := New(logrus.New(), reg, handle)
	loop.sweep(context.Background())

	d, ok := reg.GetByUniqueID("imei1")
	require.True(t, ok)
	require.Equal(t, model.StatusOffline, d.Status)
	require.Empty(t, handled)
}

func TestSweepDoesNotRefireForAlreadyOfflineDevice(t *testing.T) {
	reg := registry.New()
	reg.ReplaceAll([]model.Device{{
		ID: 1, UniqueID: "imei1", Status: model.StatusOffline,
		LastUpdate: time.Now().Add(-20 * time.Minute),
	}})

	var handled []string
	handle := func(ctx context.Context, dev DeviceSnapshot, eventType string, at time.Time, lat, lon float64) {
		handled = append(handled, eventType)
	}
	loop := New(logrus.New(), reg, handle)
	loop.sweep(context.Background())

	require.Empty(t, handled)
}

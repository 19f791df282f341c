// Package liveness implements the Liveness Loop (spec §4.10): a
// periodic sweep that marks devices offline once their last position
// is stale, and emits a deviceOffline event on the online→offline
// transition.
package liveness

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/nwperu/trackgw/internal/model"
)

const (
	sweepInterval     = 60 * time.Second
	offlineThreshold  = 10 * time.Minute
)

// Registry is the subset of registry.Registry the loop needs.
type Registry interface {
	All() []model.Device
	Mutate(uniqueID string, f func(d *model.Device)) (prev model.Device, found bool)
}

// DeviceSnapshot mirrors event.DeviceSnapshot's shape (duck-typed by
// main.go's adapter) to avoid an import cycle with internal/event.
type DeviceSnapshot struct {
	ID        int64
	Name      string
	UniqueID  string
	Contactos []string
}

type handleFunc func(ctx context.Context, dev DeviceSnapshot, eventType string, at time.Time, lat, lon float64)

// Loop is the C10 component.
type Loop struct {
	log    *logrus.Logger
	reg    Registry
	handle handleFunc
}

func New(log *logrus.Logger, reg Registry, handle handleFunc) *Loop {
	return &Loop{log: log, reg: reg, handle: handle}
}

// Run sweeps every sweepInterval until ctx is canceled (spec §4.10).
func (l *Loop) Run(ctx context.Context) {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			l.sweep(ctx)
		}
	}
}

func (l *Loop) sweep(ctx context.Context) {
	now := time.Now()
	for _, d := range l.reg.All() {
		stale := d.LastUpdate.IsZero() || now.Sub(d.LastUpdate) > offlineThreshold
		if !stale {
			continue
		}

		wasOnline := false
		l.reg.Mutate(d.UniqueID, func(dev *model.Device) {
			wasOnline = dev.Status == model.StatusOnline // only this edge synthesizes an event (spec §4.10)
			dev.Status = model.StatusOffline
			dev.Speed = 0
		})
		if !wasOnline {
			continue
		}

		l.handle(ctx, DeviceSnapshot{ID: d.ID, Name: d.Name, UniqueID: d.UniqueID, Contactos: d.Contactos},
			model.EventDeviceOffline, now, d.Latitude, d.Longitude)
	}
}

// Package position implements the Position Updater (spec §4.4): for
// each incoming Position record it resolves the device, applies the
// monotonic recency guard, mutates the registry, and evaluates
// geofence transitions against the device's bound geofences.
package position

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/nwperu/trackgw/internal/geo"
	"github.com/nwperu/trackgw/internal/metrics"
	"github.com/nwperu/trackgw/internal/model"
)

// GeofenceSource looks up the geofences bound to a device, uncached,
// per call (spec §4.4: "per-call, not cached").
type GeofenceSource interface {
	GetGeofencesForDevice(ctx context.Context, deviceID int64) ([]model.GeofenceDefinition, error)
}

// Resolver finds a device by uniqueid, optionally triggering a
// selective refresh when the uniqueid is unknown (spec §4.2, §4.3).
// RequestSelectiveRefresh blocks until the refresh lands, so the retry
// in Apply below can actually observe it.
type Resolver interface {
	GetByUniqueID(uniqueID string) (model.Device, bool)
	Mutate(uniqueID string, f func(d *model.Device)) (prev model.Device, found bool)
	RequestSelectiveRefresh(ctx context.Context)
}

// TransitionSink receives geofence transitions for downstream event
// dispatch (Event Engine, C5).
type TransitionSink interface {
	OnGeofenceTransition(prevDevice model.Device, eventType, geofenceName string, at time.Time, lat, lon float64)
}

// AuditSink records every applied position for offline replay
// (internal/audit.Logger). Optional: nil disables auditing.
type AuditSink interface {
	Record(deviceID int64, uniqueID string, lat, lon, speed, course float64, at time.Time)
}

// Updater is the Position Updater component.
type Updater struct {
	log       *logrus.Logger
	registry  Resolver
	geofences GeofenceSource
	sink      TransitionSink
	audit     AuditSink
}

func New(log *logrus.Logger, registry Resolver, geofences GeofenceSource, sink TransitionSink) *Updater {
	return &Updater{log: log, registry: registry, geofences: geofences, sink: sink}
}

// WithAudit attaches an audit sink that records every applied position.
func (u *Updater) WithAudit(audit AuditSink) *Updater {
	u.audit = audit
	return u
}

// Apply processes one Position record end to end (spec §4.4 steps 1-6).
func (u *Updater) Apply(ctx context.Context, rec model.NormalizedRecord) {
	_, found := u.registry.GetByUniqueID(rec.UniqueID)
	if !found {
		u.registry.RequestSelectiveRefresh(ctx)
		_, found = u.registry.GetByUniqueID(rec.UniqueID)
		if !found {
			metrics.PositionsDropped.WithLabelValues("unknown_device").Inc()
			return
		}
	}

	var applied bool
	prev, foundOnMutate := u.registry.Mutate(rec.UniqueID, func(d *model.Device) {
		if !rec.DateTime.After(d.LastUpdate) {
			return // stale: monotonic guard (spec §4.4 step 2)
		}
		applied = true

		d.Latitude = rec.Latitude
		d.Longitude = rec.Longitude
		d.Speed = rec.Speed
		d.Course = rec.Course
		d.LastUpdate = rec.DateTime
		d.Status = model.StatusOnline
		if rec.Speed != 0 {
			d.LastStop = rec.DateTime
		}
	})
	if !foundOnMutate {
		metrics.PositionsDropped.WithLabelValues("unknown_device").Inc()
		return
	}
	if !applied {
		metrics.PositionsDropped.WithLabelValues("stale").Inc()
		return
	}
	metrics.PositionsApplied.Inc()
	if u.audit != nil {
		u.audit.Record(prev.ID, rec.UniqueID, rec.Latitude, rec.Longitude, rec.Speed, rec.Course, rec.DateTime)
	}

	u.evaluateGeofences(ctx, prev, rec)
}

func (u *Updater) evaluateGeofences(ctx context.Context, prev model.Device, rec model.NormalizedRecord) {
	if prev.LastUpdate.IsZero() {
		return // no prior point to compare against
	}

	geofences, err := u.geofences.GetGeofencesForDevice(ctx, prev.ID)
	if err != nil {
		u.log.WithError(err).WithField("device_id", prev.ID).Warn("position: geofence lookup failed")
		return
	}

	prevPt := model.LatLon{Lat: prev.Latitude, Lon: prev.Longitude}
	currPt := model.LatLon{Lat: rec.Latitude, Lon: rec.Longitude}

	for _, g := range geofences {
		transition := geo.Transition(g, prevPt, currPt, true)
		if transition == "" {
			continue
		}
		direction := "enter"
		if transition == model.EventGeofenceExit {
			direction = "exit"
		}
		metrics.GeofenceTransitions.WithLabelValues(direction).Inc()
		u.sink.OnGeofenceTransition(prev, transition, g.Name, rec.DateTime, rec.Latitude, rec.Longitude)
	}
}

// Package event implements the Event Engine (spec §4.5): it accepts
// decoded device events, derived geofence transitions, and synthetic
// events from the HTTP surface and liveness loop, resolves
// subscribers, and hands the canonical payload to the Notifier.
package event

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/nwperu/trackgw/internal/metrics"
	"github.com/nwperu/trackgw/internal/model"
)

// whatsappEventTypes get an additional WhatsApp send per the device's
// contactos (spec §4.5 step 4).
var whatsappEventTypes = map[string]bool{
	model.EventPowerCut:      true,
	model.EventLowBattery:    true,
	model.EventSOS:           true,
	model.EventGeofenceEnter: true,
	model.EventGeofenceExit:  true,
}

// UserResolver resolves the users subscribed to a device's events.
type UserResolver interface {
	GetUsersForDevice(ctx context.Context, deviceID int64) ([]int64, error)
}

// Dispatcher is the Notifier's inbound contract.
type Dispatcher interface {
	DispatchPush(ctx context.Context, userID int64, ev model.Event)
	DispatchWebSocket(userID int64, ev model.Event)
	DispatchWhatsApp(ctx context.Context, numbers []string, ev model.Event)
}

// DeviceSnapshot is the minimal device info the engine needs to build
// a canonical event payload without depending on the registry package
// directly (kept decoupled so C5 can be driven by either C4's prior
// snapshot or C9/C10's live lookup).
type DeviceSnapshot struct {
	ID        int64
	Name      string
	UniqueID  string
	Contactos []string
}

// Engine is the Event Engine component.
type Engine struct {
	log   *logrus.Logger
	users UserResolver
	disp  Dispatcher
}

func New(log *logrus.Logger, users UserResolver, disp Dispatcher) *Engine {
	return &Engine{log: log, users: users, disp: disp}
}

// Handle normalizes one event and fans it out (spec §4.5 steps 1-4).
// "All downstream work is fire and forget from the caller's
// perspective" — Handle itself returns once subscribers are resolved
// and dispatch has been kicked off; it does not wait for delivery.
func (e *Engine) Handle(ctx context.Context, dev DeviceSnapshot, eventType string, at time.Time, lat, lon float64, geofenceName string) {
	ev := model.Event{
		DeviceID: dev.ID, Name: dev.Name, UniqueID: dev.UniqueID,
		Type: eventType, EventTime: at, Latitude: lat, Longitude: lon,
		GeofenceName: geofenceName,
	}
	metrics.EventsDispatched.WithLabelValues(eventType).Inc()

	users, err := e.users.GetUsersForDevice(ctx, dev.ID)
	if err != nil {
		e.log.WithError(err).WithField("device_id", dev.ID).Warn("event: subscriber lookup failed")
		users = nil
	}

	for _, uid := range users {
		go e.disp.DispatchPush(ctx, uid, ev)
		e.disp.DispatchWebSocket(uid, ev)
	}

	if whatsappEventTypes[eventType] && len(dev.Contactos) > 0 {
		go e.disp.DispatchWhatsApp(ctx, dev.Contactos, ev)
	}
}

// Package registry implements the authoritative in-memory device table
// (spec §4.3): the single source of truth for live device state,
// keyed both by internal id and by tracker uniqueid, with the write
// discipline that keeps per-device mutation serialized.
//
// Structurally this generalizes the teacher's clients map pattern
// (internal/server.Server.clients guarded by sync.RWMutex) from
// "registered WebSocket connections" to "tracked devices".
package registry

import (
	"sync"
	"time"

	"github.com/nwperu/trackgw/internal/model"
)

// Registry is the process-wide device cache. Exactly one instance
// exists, constructed explicitly and passed to every component that
// needs it (dependency injection, not a package-level singleton).
type Registry struct {
	mu       sync.RWMutex
	byID     map[int64]*model.Device
	byUnique map[string]*model.Device

	refreshMu sync.Mutex // serializes opportunistic selective refreshes
	refreshing bool
}

func New() *Registry {
	return &Registry{
		byID:     make(map[int64]*model.Device),
		byUnique: make(map[string]*model.Device),
	}
}

// GetByID returns a read-only snapshot, or ok=false if unknown.
func (r *Registry) GetByID(id int64) (model.Device, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.byID[id]
	if !ok {
		return model.Device{}, false
	}
	return d.Clone(), true
}

// GetByUniqueID returns a read-only snapshot, or ok=false if unknown.
func (r *Registry) GetByUniqueID(uniqueID string) (model.Device, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.byUnique[uniqueID]
	if !ok {
		return model.Device{}, false
	}
	return d.Clone(), true
}

// SnapshotForUser returns the devices in ids, in the order given,
// skipping any that are no longer in the registry.
func (r *Registry) SnapshotForUser(ids []int64) []model.Device {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]model.Device, 0, len(ids))
	for _, id := range ids {
		if d, ok := r.byID[id]; ok {
			out = append(out, d.Clone())
		}
	}
	return out
}

// SnapshotOne returns a single device by id, for guest sessions.
func (r *Registry) SnapshotOne(id int64) []model.Device {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if d, ok := r.byID[id]; ok {
		return []model.Device{d.Clone()}
	}
	return nil
}

// ReplaceAll performs a full refresh: the table is atomically replaced
// with the given list (spec §4.3 refresh policy).
func (r *Registry) ReplaceAll(devices []model.Device) {
	byID := make(map[int64]*model.Device, len(devices))
	byUnique := make(map[string]*model.Device, len(devices))
	for i := range devices {
		d := devices[i]
		if d.Status == "" {
			d.Status = model.StatusUnknown
		}
		cp := d
		byID[cp.ID] = &cp
		byUnique[cp.UniqueID] = &cp
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.byID = byID
	r.byUnique = byUnique
}

// MergeSelective overwrites only the whitelisted field set on existing
// devices and inserts devices not yet present; it never removes a
// device absent from the incoming list (spec §4.3).
func (r *Registry) MergeSelective(devices []model.Device) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, incoming := range devices {
		existing, ok := r.byID[incoming.ID]
		if !ok {
			cp := incoming
			if cp.Status == "" {
				cp.Status = model.StatusUnknown
			}
			r.byID[cp.ID] = &cp
			if cp.UniqueID != "" {
				r.byUnique[cp.UniqueID] = &cp
			}
			continue
		}

		// Whitelisted merge: positionid/groupid/attributes/phone/model/
		// category/icon/latitude/longitude/course/speed/driver/contactos.
		// model.Device has no separate contact field, so none is merged.
		existing.PositionID = incoming.PositionID
		existing.GroupID = incoming.GroupID
		existing.Attributes = incoming.Attributes
		existing.Phone = incoming.Phone
		existing.Model = incoming.Model
		existing.Category = incoming.Category
		existing.Icon = incoming.Icon
		existing.Latitude = incoming.Latitude
		existing.Longitude = incoming.Longitude
		existing.Course = incoming.Course
		existing.Speed = incoming.Speed
		existing.Driver = incoming.Driver
		existing.Contactos = append([]string(nil), incoming.Contactos...)

		if existing.UniqueID != "" {
			r.byUnique[existing.UniqueID] = existing
		}
	}
}

// Mutate applies f to the device identified by uniqueID under the
// registry's single-writer-per-device discipline. It returns the
// snapshot taken immediately before mutation (for geofence/event
// comparison) and whether the device was found. f must not retain the
// pointer it receives beyond the call.
func (r *Registry) Mutate(uniqueID string, f func(d *model.Device)) (prev model.Device, found bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	d, ok := r.byUnique[uniqueID]
	if !ok {
		return model.Device{}, false
	}
	prev = d.Clone()
	f(d)
	return prev, true
}

// UpdateLastSeen marks uniqueID as seen at `at` (spec §4.2: Connection
// records route here, not to the Position Updater). Guarded by the same
// monotonic rule as position writes so a reordered Connection frame
// cannot clobber a newer position already applied.
func (r *Registry) UpdateLastSeen(uniqueID string, at time.Time) (found bool) {
	_, found = r.Mutate(uniqueID, func(d *model.Device) {
		if !at.After(d.LastUpdate) {
			return
		}
		d.LastUpdate = at
		d.Status = model.StatusOnline
	})
	return found
}

// TryBeginRefresh reports whether the caller won the right to perform
// an opportunistic selective refresh; callers must call EndRefresh
// when done. Rate-limits refreshes to one in-flight at a time (spec §4.3).
func (r *Registry) TryBeginRefresh() bool {
	r.refreshMu.Lock()
	defer r.refreshMu.Unlock()
	if r.refreshing {
		return false
	}
	r.refreshing = true
	return true
}

func (r *Registry) EndRefresh() {
	r.refreshMu.Lock()
	r.refreshing = false
	r.refreshMu.Unlock()
}

// All returns a snapshot of every device, for the liveness sweep.
func (r *Registry) All() []model.Device {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]model.Device, 0, len(r.byID))
	for _, d := range r.byID {
		out = append(out, d.Clone())
	}
	return out
}

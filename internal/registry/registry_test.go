package registry

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/nwperu/trackgw/internal/model"
)

func TestReplaceAllAndLookup(t *testing.T) {
	r := New()
	r.ReplaceAll([]model.Device{
		{ID: 1, UniqueID: "imei1", Name: "Truck 1"},
		{ID: 2, UniqueID: "imei2", Name: "Truck 2"},
	})

	d, ok := r.GetByID(1)
	require.True(t, ok)
	require.Equal(t, "Truck 1", d.Name)

	d, ok = r.GetByUniqueID("imei2")
	require.True(t, ok)
	require.Equal(t, int64(2), d.ID)

	_, ok = r.GetByID(99)
	require.False(t, ok)
}

func TestMergeSelectiveInsertsAndUpdatesWithoutRemoving(t *testing.T) {
	r := New()
	r.ReplaceAll([]model.Device{{ID: 1, UniqueID: "imei1", Name: "Truck 1", Latitude: 1}})

	r.MergeSelective([]model.Device{
		{ID: 1, UniqueID: "imei1", Name: "ignored-not-whitelisted", Latitude: 5},
		{ID: 2, UniqueID: "imei2", Name: "Truck 2"},
	})

	d, ok := r.GetByID(1)
	require.True(t, ok)
	require.Equal(t, "Truck 1", d.Name) // name not in the merge whitelist
	require.Equal(t, 5.0, d.Latitude)

	_, ok = r.GetByID(2)
	require.True(t, ok, "new device from selective refresh should be inserted")
}

func TestMutateAppliesChangeAndReturnsPriorSnapshot(t *testing.T) {
	r := New()
	r.ReplaceAll([]model.Device{{ID: 1, UniqueID: "imei1", Latitude: 1, Longitude: 1}})

	prev, found := r.Mutate("imei1", func(d *model.Device) {
		d.Latitude = 2
		d.Longitude = 2
		d.LastUpdate = time.Now()
	})
	require.True(t, found)
	require.Equal(t, 1.0, prev.Latitude)

	d, _ := r.GetByID(1)
	require.Equal(t, 2.0, d.Latitude)
}

func TestUpdateLastSeenMarksOnlineAndAdvancesLastUpdate(t *testing.T) {
	r := New()
	r.ReplaceAll([]model.Device{{ID: 1, UniqueID: "imei1", Status: model.StatusUnknown}})

	now := time.Now()
	require.True(t, r.UpdateLastSeen("imei1", now))

	d, _ := r.GetByID(1)
	require.Equal(t, model.StatusOnline, d.Status)
	require.True(t, d.LastUpdate.Equal(now))

	require.False(t, r.UpdateLastSeen("unknown-imei", now))
}

func TestUpdateLastSeenIgnoresStaleTimestamp(t *testing.T) {
	r := New()
	latest := time.Now()
	r.ReplaceAll([]model.Device{{ID: 1, UniqueID: "imei1", LastUpdate: latest, Status: model.StatusOnline}})

	require.True(t, r.UpdateLastSeen("imei1", latest.Add(-time.Minute)))

	d, _ := r.GetByID(1)
	require.True(t, d.LastUpdate.Equal(latest))
}

func TestTryBeginRefreshRateLimits(t *testing.T) {
	r := New()
	require.True(t, r.TryBeginRefresh())
	require.False(t, r.TryBeginRefresh())
	r.EndRefresh()
	require.True(t, r.TryBeginRefresh())
}

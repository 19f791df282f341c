package hub

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"github.com/nwperu/trackgw/internal/model"
)

type fakeAuth struct {
	users  map[string]int64 // "user:pass" -> userID
	guests map[string]int64 // token -> deviceID
}

func (a *fakeAuth) ValidateCredentials(ctx context.Context, user, pass string) (int64, bool, error) {
	id, ok := a.users[user+":"+pass]
	return id, ok, nil
}

func (a *fakeAuth) ValidateGuestToken(token string) (int64, bool) {
	id, ok := a.guests[token]
	return id, ok
}

type fakeDevices struct {
	assignments map[int64][]int64
	devices     map[int64]model.Device
}

func (d *fakeDevices) GetDevicesForUser(ctx context.Context, userID int64) ([]int64, error) {
	return d.assignments[userID], nil
}

func (d *fakeDevices) SnapshotForUser(ids []int64) []model.Device {
	out := make([]model.Device, 0, len(ids))
	for _, id := range ids {
		if dev, ok := d.devices[id]; ok {
			out = append(out, dev)
		}
	}
	return out
}

func (d *fakeDevices) SnapshotOne(id int64) []model.Device {
	if dev, ok := d.devices[id]; ok {
		return []model.Device{dev}
	}
	return nil
}

func newRealTestHub(t *testing.T) (*Hub, *fakeAuth, *httptest.Server) {
	t.Helper()
	auth := &fakeAuth{
		users:  map[string]int64{"alice:secret": 1},
		guests: map[string]int64{"tok-1": 7},
	}
	devices := &fakeDevices{
		assignments: map[int64][]int64{1: {7}},
		devices:     map[int64]model.Device{7: {ID: 7, Name: "unit-7", UniqueID: "imei7"}},
	}
	h := New(logrus.New(), auth, devices)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h.ServeWS(w, r)
	}))
	return h, auth, srv
}

func TestRejectsBadCredentials(t *testing.T) {
	_, _, srv := newRealTestHub(t)
	defer srv.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/?u=alice&p=wrong"
	_, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.Error(t, err)
	if resp != nil {
		require.Equal(t, 403, resp.StatusCode)
	}
}

func TestAuthenticatedUserGetsInitialSnapshot(t *testing.T) {
	_, _, srv := newRealTestHub(t)
	defer srv.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/?u=alice&p=secret"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, msg, err := conn.ReadMessage()
	require.NoError(t, err)

	var payload struct {
		Devices []model.Device `json:"devices"`
	}
	require.NoError(t, json.Unmarshal(msg, &payload))
	require.Len(t, payload.Devices, 1)
	require.Equal(t, int64(7), payload.Devices[0].ID)
}

func TestGuestTokenGetsScopedSnapshot(t *testing.T) {
	_, _, srv := newRealTestHub(t)
	defer srv.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/?t=tok-1"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, msg, err := conn.ReadMessage()
	require.NoError(t, err)

	var payload struct {
		Devices []model.Device `json:"devices"`
	}
	require.NoError(t, json.Unmarshal(msg, &payload))
	require.Len(t, payload.Devices, 1)
	require.Equal(t, "imei7", payload.Devices[0].UniqueID)
}

func TestRejectsUnknownGuestToken(t *testing.T) {
	_, _, srv := newRealTestHub(t)
	defer srv.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/?t=nope"
	_, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.Error(t, err)
	if resp != nil {
		require.Equal(t, 403, resp.StatusCode)
	}
}

func TestFanOutToUserDeliversToConnectedSocket(t *testing.T) {
	h, _, srv := newRealTestHub(t)
	defer srv.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/?u=alice&p=secret"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err = conn.ReadMessage() // drain initial snapshot
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		h.mu.RLock()
		defer h.mu.RUnlock()
		return len(h.userClients[1]) == 1
	}, time.Second, 10*time.Millisecond)

	h.FanOutToUser(1, []byte(`{"event":{"type":"sos"}}`))

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, msg, err := conn.ReadMessage()
	require.NoError(t, err)
	require.Contains(t, string(msg), "sos")
}

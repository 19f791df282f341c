package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"github.com/nwperu/trackgw/internal/model"
)

type fakeRegistry struct {
	devices map[int64]model.Device

	mu        sync.Mutex
	refreshed int
}

func (r *fakeRegistry) GetByID(id int64) (model.Device, bool) {
	d, ok := r.devices[id]
	return d, ok
}
func (r *fakeRegistry) RequestSelectiveRefresh(ctx context.Context) {
	r.mu.Lock()
	r.refreshed++
	r.mu.Unlock()
}

type fakeExternal struct {
	validUser    string
	validPass    string
	validUserID  int64
	devicesForID []int64
	nearby       []int64
	assigned     []int64
}

func (f *fakeExternal) ValidateCredentials(ctx context.Context, user, pass string) (int64, bool, error) {
	if user == f.validUser && pass == f.validPass {
		return f.validUserID, true, nil
	}
	return 0, false, nil
}
func (f *fakeExternal) GetDevicesForUser(ctx context.Context, userID int64) ([]int64, error) {
	return f.devicesForID, nil
}
func (f *fakeExternal) GetNearbySupportUsers(ctx context.Context, lat, lon float64, category string) ([]int64, error) {
	return f.nearby, nil
}
func (f *fakeExternal) AssignDeviceToUser(ctx context.Context, userID, deviceID int64) error {
	f.assigned = append(f.assigned, userID)
	return nil
}

type fakeHub struct{ closed []string }

func (h *fakeHub) CloseGuestSessions(token string) { h.closed = append(h.closed, token) }

func newTestServer() (*Server, *fakeRegistry, *fakeExternal) {
	gin.SetMode(gin.TestMode)
	reg := &fakeRegistry{devices: map[int64]model.Device{
		1: {ID: 1, Name: "unit-1", UniqueID: "imei1", Latitude: -12.0, Longitude: -77.0, Contactos: []string{"999"}},
	}}
	ext := &fakeExternal{validUser: "alice", validPass: "secret", validUserID: 42, devicesForID: []int64{1}}
	var handled []string
	handle := func(ctx context.Context, deviceID int64, name, uniqueID string, contactos []string, eventType string, at time.Time, lat, lon float64) {
		handled = append(handled, eventType)
	}
	s := New(logrus.New(), reg, ext, &fakeHub{}, handle)
	_ = handled
	return s, reg, ext
}

func TestPostSOSNotFound(t *testing.T) {
	s, _, _ := newTestServer()
	r := gin.New()
	s.Register(r)

	body, _ := json.Marshal(map[string]any{"deviceid": 999})
	req := httptest.NewRequest(http.MethodPost, "/api/sos", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	require.Equal(t, http.StatusNotFound, w.Code)
}

func TestPostSOSFound(t *testing.T) {
	s, _, _ := newTestServer()
	r := gin.New()
	s.Register(r)

	body, _ := json.Marshal(map[string]any{"deviceid": 1})
	req := httptest.NewRequest(http.MethodPost, "/api/sos", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
}

func TestGetUpdateDevices(t *testing.T) {
	s, reg, _ := newTestServer()
	r := gin.New()
	s.Register(r)

	req := httptest.NewRequest(http.MethodGet, "/api/update-devices", nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	require.Equal(t, http.StatusAccepted, w.Code)
	require.Eventually(t, func() bool {
		reg.mu.Lock()
		defer reg.mu.Unlock()
		return reg.refreshed == 1
	}, time.Second, 10*time.Millisecond)
}

func TestPostShareBadCredentials(t *testing.T) {
	s, _, _ := newTestServer()
	r := gin.New()
	s.Register(r)

	body, _ := json.Marshal(map[string]any{"usuario": "alice", "contraseña": "wrong", "deviceid": 1, "expires_at": "2099-01-01 00:00:00"})
	req := httptest.NewRequest(http.MethodPost, "/api/share", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	require.Equal(t, http.StatusForbidden, w.Code)
}

func TestPostShareMintsTokenValidatedByHub(t *testing.T) {
	s, _, _ := newTestServer()
	r := gin.New()
	s.Register(r)

	body, _ := json.Marshal(map[string]any{"usuario": "alice", "contraseña": "secret", "deviceid": 1, "expires_at": "2099-01-01 00:00:00"})
	req := httptest.NewRequest(http.MethodPost, "/api/share", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)

	var resp map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	token, _ := resp["token"].(string)
	require.NotEmpty(t, token)

	deviceID, ok := s.ValidateGuestToken(token)
	require.True(t, ok)
	require.Equal(t, int64(1), deviceID)
}

func TestPostShareDeviceNotAssigned(t *testing.T) {
	s, _, ext := newTestServer()
	ext.devicesForID = []int64{2}
	r := gin.New()
	s.Register(r)

	body, _ := json.Marshal(map[string]any{"usuario": "alice", "contraseña": "secret", "deviceid": 1, "expires_at": "2099-01-01 00:00:00"})
	req := httptest.NewRequest(http.MethodPost, "/api/share", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	require.Equal(t, http.StatusForbidden, w.Code)
}

// Package httpapi implements the HTTP Control Surface (spec §4.9):
// SOS synthesis, selective device refresh, and guest share-token
// minting. Routing follows the teacher's gin-based internal/server
// handler registration style.
package httpapi

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/nwperu/trackgw/internal/model"
)

// Registry is the subset of registry.Registry the control surface needs.
type Registry interface {
	GetByID(id int64) (model.Device, bool)
	RequestSelectiveRefresh(ctx context.Context)
}

// External is the subset of external.Client the control surface needs.
type External interface {
	ValidateCredentials(ctx context.Context, user, pass string) (userID int64, ok bool, err error)
	GetDevicesForUser(ctx context.Context, userID int64) ([]int64, error)
	GetNearbySupportUsers(ctx context.Context, lat, lon float64, category string) ([]int64, error)
	AssignDeviceToUser(ctx context.Context, userID, deviceID int64) error
}

// Hub can force-disconnect expired guest sessions.
type Hub interface {
	CloseGuestSessions(token string)
}

type guestEntry struct {
	deviceID  int64
	expiresAt time.Time
}

// Server is the C9 component.
type Server struct {
	log      *logrus.Logger
	reg      Registry
	engine   *eventAdapter
	ext      External
	hub      Hub

	mu     sync.RWMutex
	guests map[string]guestEntry
}

// eventAdapter holds the event-handling function passed to New, so the
// concrete event.Engine type (and its DeviceSnapshot) can be wired in
// from main without an import cycle between event and httpapi.
type eventAdapter struct {
	handle func(ctx context.Context, deviceID int64, deviceName, uniqueID string, contactos []string, eventType string, at time.Time, lat, lon float64)
}

func New(log *logrus.Logger, reg Registry, ext External, hub Hub, handle func(ctx context.Context, deviceID int64, deviceName, uniqueID string, contactos []string, eventType string, at time.Time, lat, lon float64)) *Server {
	return &Server{
		log:    log,
		reg:    reg,
		ext:    ext,
		hub:    hub,
		engine: &eventAdapter{handle: handle},
		guests: make(map[string]guestEntry),
	}
}

// SetHub attaches the hub after construction, breaking the
// hub<->httpapi construction cycle (the hub's Authenticator needs
// ValidateGuestToken from this Server before the hub itself exists).
func (s *Server) SetHub(h Hub) {
	s.hub = h
}

// Register wires every route onto r (spec §4.9).
func (s *Server) Register(r gin.IRouter) {
	r.POST("/api/sos", s.postSOS)
	r.GET("/api/update-devices", s.getUpdateDevices)
	r.POST("/api/share", s.postShare)
}

type sosRequest struct {
	DeviceID int64 `json:"deviceid" binding:"required"`
}

func (s *Server) postSOS(c *gin.Context) {
	var req sosRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}

	dev, ok := s.reg.GetByID(req.DeviceID)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "device not found"})
		return
	}

	now := time.Now()
	s.engine.handle(c.Request.Context(), dev.ID, dev.Name, dev.UniqueID, dev.Contactos, model.EventSOS, now, dev.Latitude, dev.Longitude)

	go func() {
		ctx := context.Background()
		users, err := s.ext.GetNearbySupportUsers(ctx, dev.Latitude, dev.Longitude, dev.Category)
		if err != nil {
			s.log.WithError(err).Warn("httpapi: nearby support lookup failed")
			return
		}
		for _, uid := range users {
			if err := s.ext.AssignDeviceToUser(ctx, uid, dev.ID); err != nil {
				s.log.WithError(err).WithField("user_id", uid).Warn("httpapi: support assignment failed")
			}
		}
	}()

	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *Server) getUpdateDevices(c *gin.Context) {
	// RequestSelectiveRefresh now blocks until the merge completes (so
	// the Position Updater's retry-after-refresh can observe it); this
	// handler must still answer 202 immediately, so the wait happens on
	// a detached background goroutine with its own context.
	go s.reg.RequestSelectiveRefresh(context.Background())
	c.JSON(http.StatusAccepted, gin.H{"status": "refresh scheduled"})
}

type shareRequest struct {
	Usuario    string `json:"usuario" binding:"required"`
	Contrasena string `json:"contraseña" binding:"required"`
	DeviceID   int64  `json:"deviceid" binding:"required"`
	ExpiresAt  string `json:"expires_at" binding:"required"`
}

func (s *Server) postShare(c *gin.Context) {
	var req shareRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}

	expiresAt, err := time.ParseInLocation(model.WireTimeLayout, req.ExpiresAt, time.UTC)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid expires_at"})
		return
	}

	ctx := c.Request.Context()
	userID, ok, err := s.ext.ValidateCredentials(ctx, req.Usuario, req.Contrasena)
	if err != nil || !ok {
		c.JSON(http.StatusForbidden, gin.H{"error": "authentication failed"})
		return
	}

	ids, err := s.ext.GetDevicesForUser(ctx, userID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "lookup failed"})
		return
	}
	assigned := false
	for _, id := range ids {
		if id == req.DeviceID {
			assigned = true
			break
		}
	}
	if !assigned {
		c.JSON(http.StatusForbidden, gin.H{"error": "device not assigned to user"})
		return
	}

	token := uuid.NewString()

	s.mu.Lock()
	s.guests[token] = guestEntry{deviceID: req.DeviceID, expiresAt: expiresAt}
	s.mu.Unlock()

	delay := time.Until(expiresAt)
	if delay < 0 {
		delay = 0
	}
	time.AfterFunc(delay, func() {
		s.mu.Lock()
		delete(s.guests, token)
		s.mu.Unlock()
		s.hub.CloseGuestSessions(token)
	})

	c.JSON(http.StatusOK, gin.H{"token": token, "expires_at": expiresAt})
}

// ValidateGuestToken implements hub.Authenticator: it looks up token
// and rejects it once past its TTL (spec §3 GuestToken lifecycle).
func (s *Server) ValidateGuestToken(token string) (deviceID int64, ok bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, found := s.guests[token]
	if !found || time.Now().After(e.expiresAt) {
		return 0, false
	}
	return e.deviceID, true
}

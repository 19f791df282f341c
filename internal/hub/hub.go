// Package hub implements the WebSocket Hub (spec §4.8): authenticates
// users and guest tokens, registers sockets, drives per-user/per-guest
// 5-second snapshot timers, and accepts fan-out from the Event Engine
// and Notifier.
//
// Structurally this generalizes the teacher's handleWS/broadcast
// pattern (internal/server.Server: clients map guarded by RWMutex,
// per-client send channel, writer/reader goroutines, non-blocking
// broadcast) from one global client set to per-user/per-guest targeted
// fan-out with periodic per-key snapshot tasks.
package hub

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/nwperu/trackgw/internal/metrics"
	"github.com/nwperu/trackgw/internal/model"
)

const snapshotInterval = 5 * time.Second

// Authenticator validates user credentials and guest tokens.
type Authenticator interface {
	ValidateCredentials(ctx context.Context, user, pass string) (userID int64, ok bool, err error)
	ValidateGuestToken(token string) (deviceID int64, ok bool)
}

// DeviceSource supplies the device snapshots sent on registration and
// on each periodic tick.
type DeviceSource interface {
	GetDevicesForUser(ctx context.Context, userID int64) ([]int64, error)
	SnapshotForUser(ids []int64) []model.Device
	SnapshotOne(deviceID int64) []model.Device
}

type client struct {
	conn *websocket.Conn
	send chan []byte

	isGuest  bool
	userID   int64
	token    string
	deviceID int64
}

// Hub is the C8 component. Exactly one instance exists per process.
type Hub struct {
	log      *logrus.Logger
	auth     Authenticator
	devices  DeviceSource
	upgrader websocket.Upgrader

	mu            sync.RWMutex
	userClients   map[int64]map[*client]struct{}
	guestClients  map[string]map[*client]struct{}
	userTickers   map[int64]context.CancelFunc
	guestTickers  map[string]context.CancelFunc
}

func New(log *logrus.Logger, auth Authenticator, devices DeviceSource) *Hub {
	return &Hub{
		log:     log,
		auth:    auth,
		devices: devices,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		userClients:  make(map[int64]map[*client]struct{}),
		guestClients: make(map[string]map[*client]struct{}),
		userTickers:  make(map[int64]context.CancelFunc),
		guestTickers: make(map[string]context.CancelFunc),
	}
}

// ServeWS handles the WebSocket upgrade and handshake (spec §4.8).
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	q := r.URL.Query()

	var c *client
	if t := q.Get("t"); t != "" {
		deviceID, ok := h.auth.ValidateGuestToken(t)
		if !ok {
			http.Error(w, "invalid or expired guest token", http.StatusForbidden)
			return
		}
		c = &client{isGuest: true, token: t, deviceID: deviceID}
	} else {
		user, pass := q.Get("u"), q.Get("p")
		userID, ok, err := h.auth.ValidateCredentials(ctx, user, pass)
		if err != nil || !ok {
			http.Error(w, "authentication failed", http.StatusForbidden)
			return
		}
		c = &client{userID: userID}
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.WithError(err).Debug("hub: upgrade failed")
		return
	}
	c.conn = conn
	c.send = make(chan []byte, 16)

	h.register(c)
	metrics.WSClients.Inc()

	go h.writePump(c)
	h.sendInitialSnapshot(ctx, c)
	h.readPump(c) // blocks until the client disconnects
}

func (h *Hub) register(c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if c.isGuest {
		set, ok := h.guestClients[c.token]
		if !ok {
			set = make(map[*client]struct{})
			h.guestClients[c.token] = set
		}
		set[c] = struct{}{}
		if _, running := h.guestTickers[c.token]; !running {
			ctx, cancel := context.WithCancel(context.Background())
			h.guestTickers[c.token] = cancel
			go h.guestSnapshotLoop(ctx, c.token, c.deviceID)
		}
		return
	}

	set, ok := h.userClients[c.userID]
	if !ok {
		set = make(map[*client]struct{})
		h.userClients[c.userID] = set
	}
	set[c] = struct{}{}
	if _, running := h.userTickers[c.userID]; !running {
		ctx, cancel := context.WithCancel(context.Background())
		h.userTickers[c.userID] = cancel
		go h.userSnapshotLoop(ctx, c.userID)
	}
}

func (h *Hub) unregister(c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if c.isGuest {
		set, ok := h.guestClients[c.token]
		if ok {
			delete(set, c)
			if len(set) == 0 {
				delete(h.guestClients, c.token)
				if cancel, ok := h.guestTickers[c.token]; ok {
					cancel()
					delete(h.guestTickers, c.token)
				}
			}
		}
	} else {
		set, ok := h.userClients[c.userID]
		if ok {
			delete(set, c)
			if len(set) == 0 {
				delete(h.userClients, c.userID)
				if cancel, ok := h.userTickers[c.userID]; ok {
					cancel()
					delete(h.userTickers, c.userID)
				}
			}
		}
	}
	close(c.send)
	metrics.WSClients.Dec()
}

func (h *Hub) sendInitialSnapshot(ctx context.Context, c *client) {
	var devices []model.Device
	if c.isGuest {
		devices = h.devices.SnapshotOne(c.deviceID)
	} else {
		ids, err := h.devices.GetDevicesForUser(ctx, c.userID)
		if err != nil {
			h.log.WithError(err).WithField("user_id", c.userID).Warn("hub: initial device list failed")
		}
		devices = h.devices.SnapshotForUser(ids)
	}
	h.sendTo(c, devices)
}

func (h *Hub) sendTo(c *client, devices []model.Device) {
	payload, err := json.Marshal(map[string]any{"devices": devices})
	if err != nil {
		return
	}
	select {
	case c.send <- payload:
	default:
		// slow client: drop rather than block the snapshot loop
	}
}

// userSnapshotLoop refetches userID's device assignment list every
// 5s and broadcasts to every socket registered for that user (spec
// §4.8). Terminates when the last socket for userID closes (ctx
// canceled by unregister).
func (h *Hub) userSnapshotLoop(ctx context.Context, userID int64) {
	ticker := time.NewTicker(snapshotInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			ids, err := h.devices.GetDevicesForUser(ctx, userID)
			if err != nil {
				h.log.WithError(err).WithField("user_id", userID).Warn("hub: periodic snapshot lookup failed")
				continue
			}
			devices := h.devices.SnapshotForUser(ids)
			h.broadcastToUser(userID, devices)
		}
	}
}

func (h *Hub) guestSnapshotLoop(ctx context.Context, token string, deviceID int64) {
	ticker := time.NewTicker(snapshotInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			devices := h.devices.SnapshotOne(deviceID)
			h.broadcastToGuest(token, devices)
		}
	}
}

func (h *Hub) broadcastToUser(userID int64, devices []model.Device) {
	payload, err := json.Marshal(map[string]any{"devices": devices})
	if err != nil {
		return
	}
	h.mu.RLock()
	set := h.userClients[userID]
	targets := make([]*client, 0, len(set))
	for c := range set {
		targets = append(targets, c)
	}
	h.mu.RUnlock()
	h.fanOut(targets, payload)
}

func (h *Hub) broadcastToGuest(token string, devices []model.Device) {
	payload, err := json.Marshal(map[string]any{"devices": devices})
	if err != nil {
		return
	}
	h.mu.RLock()
	set := h.guestClients[token]
	targets := make([]*client, 0, len(set))
	for c := range set {
		targets = append(targets, c)
	}
	h.mu.RUnlock()
	h.fanOut(targets, payload)
}

// FanOutToUser sends payload to every socket registered for userID
// (Notifier's WebSocket channel, spec §4.7).
func (h *Hub) FanOutToUser(userID int64, payload []byte) {
	h.mu.RLock()
	set := h.userClients[userID]
	targets := make([]*client, 0, len(set))
	for c := range set {
		targets = append(targets, c)
	}
	h.mu.RUnlock()
	h.fanOut(targets, payload)
}

// FanOutToGuest sends payload to every socket bearing token.
func (h *Hub) FanOutToGuest(token string, payload []byte) {
	h.mu.RLock()
	set := h.guestClients[token]
	targets := make([]*client, 0, len(set))
	for c := range set {
		targets = append(targets, c)
	}
	h.mu.RUnlock()
	h.fanOut(targets, payload)
}

// CloseGuestSessions force-closes every socket bearing token (guest
// token revocation, spec §3 GuestToken lifecycle).
func (h *Hub) CloseGuestSessions(token string) {
	h.mu.RLock()
	set := h.guestClients[token]
	targets := make([]*client, 0, len(set))
	for c := range set {
		targets = append(targets, c)
	}
	h.mu.RUnlock()
	for _, c := range targets {
		_ = c.conn.Close()
	}
}

// fanOut delivers payload to every target concurrently; one broken
// socket does not block others (spec §4.8).
func (h *Hub) fanOut(targets []*client, payload []byte) {
	for _, c := range targets {
		select {
		case c.send <- payload:
		default:
		}
	}
}

func (h *Hub) writePump(c *client) {
	for msg := range c.send {
		if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
			return
		}
	}
	_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
}

func (h *Hub) readPump(c *client) {
	defer h.unregister(c)
	defer c.conn.Close()
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

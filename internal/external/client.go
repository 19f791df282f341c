// Package external is the typed facade over the admin API and the
// relational store (spec §4.6): device list, user<->device
// assignments, device<->geofence definitions, push-token lookup,
// nearby-support-user lookup, and upstream credential validation.
//
// Grounded on original_source's src/controllers/*.py and
// src/utils/common.py: table/column names and endpoint paths are kept
// 1:1 so the gateway talks to the same upstream services unmodified.
package external

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	_ "github.com/go-sql-driver/mysql"

	"github.com/nwperu/trackgw/internal/config"
	"github.com/nwperu/trackgw/internal/geo"
	"github.com/nwperu/trackgw/internal/model"
)

const defaultTimeout = 10 * time.Second

// UpstreamError distinguishes permanent (4xx) from transient (5xx,
// timeout, transport) upstream failures per spec §7.
type UpstreamError struct {
	Permanent bool
	Status    int
	Err       error
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("external: upstream error (status=%d permanent=%v): %v", e.Status, e.Permanent, e.Err)
}
func (e *UpstreamError) Unwrap() error { return e.Err }

// Client is the facade consumed by the rest of the gateway.
type Client struct {
	http *http.Client
	db   *sql.DB

	adminURL   string
	traccarURL string
}

// New opens the relational store's connection pool and wires the
// admin API base URL. The pool (not a per-call connection) is the
// "one long-lived owner, reconnect on failure" resource described in
// spec §5; sql.DB already pools and reconnects transparently.
func New(cfg config.Config) (*Client, error) {
	db, err := sql.Open("mysql", cfg.DB.DSN())
	if err != nil {
		return nil, fmt.Errorf("external: open db: %w", err)
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(time.Hour)

	return &Client{
		http:       &http.Client{Timeout: defaultTimeout},
		db:         db,
		adminURL:   cfg.Upstream.AdminNWPeruURL,
		traccarURL: cfg.Upstream.TraccarURL,
	}, nil
}

func (c *Client) Close() error {
	return c.db.Close()
}

// LoadAllDevices hits the admin API's alldevices-info endpoint.
func (c *Client) LoadAllDevices(ctx context.Context) ([]model.Device, error) {
	var raw []adminDevice
	if err := c.getJSON(ctx, c.adminURL+"alldevices-info", &raw); err != nil {
		return nil, err
	}
	out := make([]model.Device, 0, len(raw))
	for _, rd := range raw {
		out = append(out, rd.toDevice())
	}
	return out, nil
}

type adminDevice struct {
	ID         int64    `json:"id"`
	UniqueID   string   `json:"uniqueid"`
	Name       string   `json:"name"`
	Category   string   `json:"category"`
	Icon       string   `json:"icon"`
	Model      string   `json:"model"`
	PositionID int64    `json:"positionid"`
	GroupID    int64    `json:"groupid"`
	Attributes string   `json:"attributes"`
	Phone      string   `json:"phone"`
	Driver     string   `json:"driver"`
	Contactos  []string `json:"contactos"`
	Latitude   float64  `json:"latitude"`
	Longitude  float64  `json:"longitude"`
	Speed      float64  `json:"speed"`
	Course     float64  `json:"course"`
	LastUpdate string   `json:"lastupdate"`
}

func (rd adminDevice) toDevice() model.Device {
	d := model.Device{
		ID: rd.ID, UniqueID: rd.UniqueID, Name: rd.Name, Category: rd.Category,
		Icon: rd.Icon, Model: rd.Model, PositionID: rd.PositionID, GroupID: rd.GroupID,
		Attributes: rd.Attributes, Phone: rd.Phone, Driver: rd.Driver, Contactos: rd.Contactos,
		Latitude: rd.Latitude, Longitude: rd.Longitude, Speed: rd.Speed, Course: rd.Course,
		Status: model.StatusUnknown,
	}
	// Parse failures force status offline (spec §4.10); leaving
	// LastUpdate zero achieves that via the liveness loop's staleness
	// check without duplicating that policy here.
	if rd.LastUpdate != "" {
		if t, err := time.ParseInLocation(model.WireTimeLayout, rd.LastUpdate, time.UTC); err == nil {
			d.LastUpdate = t
		}
	}
	return d
}

// GetUsersForDevice queries tc_user_device (original_source
// user_devices_controller.get_users).
func (c *Client) GetUsersForDevice(ctx context.Context, deviceID int64) ([]int64, error) {
	rows, err := c.db.QueryContext(ctx, `SELECT userid FROM tc_user_device WHERE deviceid = ?`, deviceID)
	if err != nil {
		return nil, c.classifyDBError(err)
	}
	defer rows.Close()

	var out []int64
	for rows.Next() {
		var uid int64
		if err := rows.Scan(&uid); err != nil {
			return nil, fmt.Errorf("external: scan userid: %w", err)
		}
		out = append(out, uid)
	}
	return out, rows.Err()
}

// GetDevicesForUser queries tc_user_device the other direction
// (original_source user_devices_controller.get_devices).
func (c *Client) GetDevicesForUser(ctx context.Context, userID int64) ([]int64, error) {
	rows, err := c.db.QueryContext(ctx, `SELECT deviceid FROM tc_user_device WHERE userid = ?`, userID)
	if err != nil {
		return nil, c.classifyDBError(err)
	}
	defer rows.Close()

	var out []int64
	for rows.Next() {
		var did int64
		if err := rows.Scan(&did); err != nil {
			return nil, fmt.Errorf("external: scan deviceid: %w", err)
		}
		out = append(out, did)
	}
	return out, rows.Err()
}

// GetGeofencesForDevice joins tc_device_geofence with tc_geofences
// (original_source device_geofence_controller.get_geofences) and
// parses the lat-first WKT-like `area` column via internal/geo.
func (c *Client) GetGeofencesForDevice(ctx context.Context, deviceID int64) ([]model.GeofenceDefinition, error) {
	rows, err := c.db.QueryContext(ctx, `
		SELECT g.name, g.area
		FROM tc_device_geofence dg
		JOIN tc_geofences g ON g.id = dg.geofenceid
		WHERE dg.deviceid = ?`, deviceID)
	if err != nil {
		return nil, c.classifyDBError(err)
	}
	defer rows.Close()

	var out []model.GeofenceDefinition
	for rows.Next() {
		var name, area string
		if err := rows.Scan(&name, &area); err != nil {
			return nil, fmt.Errorf("external: scan geofence row: %w", err)
		}
		g, err := geo.Parse(name, area)
		if err != nil {
			continue // malformed geofence definition: skip, do not fail the whole call
		}
		out = append(out, g)
	}
	return out, rows.Err()
}

// GetPushTokensForUser queries the admin API's pushtokenuser endpoint,
// filtered by event type (original_source events.py
// get_tokens_and_send_notification).
func (c *Client) GetPushTokensForUser(ctx context.Context, userID int64, eventType string) ([]string, error) {
	u := fmt.Sprintf("%spushtokenuser?traccar_id=%d&type=%s", c.adminURL, userID, url.QueryEscape(eventType))
	var tokens []string
	if err := c.getJSON(ctx, u, &tokens); err != nil {
		return nil, err
	}
	return tokens, nil
}

// GetNearbySupportUsers queries the admin API for support users near a
// coordinate, optionally filtered by device category.
func (c *Client) GetNearbySupportUsers(ctx context.Context, lat, lon float64, category string) ([]int64, error) {
	u := fmt.Sprintf("%snearby-support-users?lat=%f&lon=%f", c.adminURL, lat, lon)
	if category != "" {
		u += "&category=" + url.QueryEscape(category)
	}
	var ids []int64
	if err := c.getJSON(ctx, u, &ids); err != nil {
		return nil, err
	}
	return ids, nil
}

// AssignDeviceToUser writes a new tc_user_device row.
func (c *Client) AssignDeviceToUser(ctx context.Context, userID, deviceID int64) error {
	_, err := c.db.ExecContext(ctx, `
		INSERT IGNORE INTO tc_user_device (userid, deviceid) VALUES (?, ?)`, userID, deviceID)
	if err != nil {
		return c.classifyDBError(err)
	}
	return nil
}

// ValidateCredentials revalidates a username/password against the
// upstream Traccar session endpoint (original_source common.py login).
func (c *Client) ValidateCredentials(ctx context.Context, user, pass string) (userID int64, ok bool, err error) {
	form := url.Values{"email": {user}, "password": {pass}}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.traccarURL+"session", nil)
	if err != nil {
		return 0, false, err
	}
	req.URL.RawQuery = form.Encode()

	resp, err := c.http.Do(req)
	if err != nil {
		return 0, false, &UpstreamError{Permanent: false, Err: err}
	}
	defer drain(resp.Body)

	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		return 0, false, nil
	}
	if resp.StatusCode >= 400 {
		return 0, false, c.classifyHTTPStatus(resp.StatusCode, fmt.Errorf("session endpoint returned %d", resp.StatusCode))
	}

	var body struct {
		ID int64 `json:"id"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return 0, false, fmt.Errorf("external: decode session response: %w", err)
	}
	return body.ID, true, nil
}

func (c *Client) getJSON(ctx context.Context, u string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return &UpstreamError{Permanent: false, Err: err}
	}
	defer drain(resp.Body)

	if resp.StatusCode >= 400 {
		return c.classifyHTTPStatus(resp.StatusCode, fmt.Errorf("%s returned %d", u, resp.StatusCode))
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("external: decode response from %s: %w", u, err)
	}
	return nil
}

func (c *Client) classifyHTTPStatus(status int, err error) error {
	return &UpstreamError{Permanent: status >= 400 && status < 500, Status: status, Err: err}
}

func (c *Client) classifyDBError(err error) error {
	// database/sql + go-sql-driver/mysql already reconnect transparently
	// within the pool; we classify any remaining error as transient so
	// callers degrade gracefully (spec §7) rather than treating it as fatal.
	return &UpstreamError{Permanent: false, Err: err}
}

func drain(rc io.ReadCloser) {
	_, _ = io.Copy(io.Discard, rc)
	_ = rc.Close()
}

// Package notifier implements the Notifier (spec §4.7): concurrent,
// backpressure-safe dispatch to Expo push, the WhatsApp webhook, and
// the WebSocket hub. Push templates are ported verbatim (including
// the Spanish-language user-facing copy) from original_source's
// src/tcp/sender/events.py send_push_notification.
package notifier

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"github.com/nwperu/trackgw/internal/config"
	"github.com/nwperu/trackgw/internal/metrics"
	"github.com/nwperu/trackgw/internal/model"
)

const expoPushURL = "https://exp.host/--/api/v2/push/send"
const pushTimeout = 10 * time.Second

// TokenSource resolves Expo push tokens for a user + event type.
type TokenSource interface {
	GetPushTokensForUser(ctx context.Context, userID int64, eventType string) ([]string, error)
}

// Hub is the WebSocket fan-out target (C8).
type Hub interface {
	FanOutToUser(userID int64, payload []byte)
}

// pushTemplate mirrors one entry of the original per-event Expo
// payload table.
type pushTemplate struct {
	Sound     string
	Title     string
	Body      func(ev model.Event) string
	ChannelID string
}

var pushTemplates = map[string]pushTemplate{
	model.EventSOS: {
		Sound: "default", Title: "Alerta SOS",
		Body:      func(ev model.Event) string { return fmt.Sprintf("%s ha activado una alerta de SOS", ev.Name) },
		ChannelID: "alerts",
	},
	model.EventGeofenceEnter: {
		Sound: "default", Title: "Entrada a geocerca",
		Body: func(ev model.Event) string {
			return fmt.Sprintf("%s entró a la geocerca %s", ev.Name, ev.GeofenceName)
		},
		ChannelID: "geofence",
	},
	model.EventGeofenceExit: {
		Sound: "default", Title: "Salida de geocerca",
		Body: func(ev model.Event) string {
			return fmt.Sprintf("%s salió de la geocerca %s", ev.Name, ev.GeofenceName)
		},
		ChannelID: "geofence",
	},
	model.EventIgnitionOn: {
		Sound: "default", Title: "Encendido",
		Body:      func(ev model.Event) string { return fmt.Sprintf("%s encendió el motor", ev.Name) },
		ChannelID: "status",
	},
	model.EventIgnitionOff: {
		Sound: "default", Title: "Apagado",
		Body:      func(ev model.Event) string { return fmt.Sprintf("%s apagó el motor", ev.Name) },
		ChannelID: "status",
	},
	model.EventPowerCut: {
		Sound: "default", Title: "Corte de energía",
		Body:      func(ev model.Event) string { return fmt.Sprintf("%s reporta corte de energía", ev.Name) },
		ChannelID: "alerts",
	},
	model.EventDeviceOverspd: {
		Sound: "default", Title: "Exceso de velocidad",
		Body:      func(ev model.Event) string { return fmt.Sprintf("%s superó el límite de velocidad", ev.Name) },
		ChannelID: "alerts",
	},
}

// Notifier is the C7 component, shared process-wide.
type Notifier struct {
	log   *logrus.Logger
	cfg   config.WhatsAppConfig
	http  *http.Client
	limit *rate.Limiter
	hub   Hub
	tok   TokenSource

	mu sync.Mutex
}

// New constructs a Notifier with one HTTP client, shared by every Expo
// push and WhatsApp send. The client is created here, not lazily, and
// the Notifier has no method that closes it. burstPerSecond limits the
// rate of Expo sends (sends per second, with a burst of the same size)
// so a burst of subscriber tokens for one event cannot monopolize the
// shared client.
func New(log *logrus.Logger, cfg config.WhatsAppConfig, hub Hub, tok TokenSource, burstPerSecond int) *Notifier {
	if burstPerSecond <= 0 {
		burstPerSecond = 20
	}
	return &Notifier{
		log:   log,
		cfg:   cfg,
		http:  &http.Client{Timeout: pushTimeout},
		limit: rate.NewLimiter(rate.Limit(burstPerSecond), burstPerSecond),
		hub:   hub,
		tok:   tok,
	}
}

// DispatchPush sends one Expo push per token held by userID for ev.Type.
// Unrecognized event types are suppressed, not an error (spec §4.7).
func (n *Notifier) DispatchPush(ctx context.Context, userID int64, ev model.Event) {
	tmpl, ok := pushTemplates[ev.Type]
	if !ok {
		return
	}
	tokens, err := n.tok.GetPushTokensForUser(ctx, userID, ev.Type)
	if err != nil {
		n.log.WithError(err).WithField("user_id", userID).Warn("notifier: push token lookup failed")
		return
	}

	var wg sync.WaitGroup
	for _, token := range tokens {
		token := token
		wg.Add(1)
		go func() {
			defer wg.Done()
			n.sendOnePush(ctx, token, tmpl, ev)
		}()
	}
	wg.Wait()
}

func (n *Notifier) sendOnePush(ctx context.Context, token string, tmpl pushTemplate, ev model.Event) {
	if err := n.limit.Wait(ctx); err != nil {
		return
	}

	payload := map[string]any{
		"to":        token,
		"sound":     tmpl.Sound,
		"title":     tmpl.Title,
		"body":      tmpl.Body(ev),
		"channelId": tmpl.ChannelID,
		"data": map[string]any{
			"vehicleId": ev.DeviceID,
			"type":      ev.Type,
		},
	}
	body, err := json.Marshal(payload)
	if err != nil {
		n.log.WithError(err).Error("notifier: marshal push payload failed")
		return
	}

	reqCtx, cancel := context.WithTimeout(ctx, pushTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, expoPushURL, bytes.NewReader(body))
	if err != nil {
		return
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.http.Do(req)
	if err != nil {
		metrics.PushSent.WithLabelValues("error").Inc()
		n.log.WithError(err).WithField("token", token).Warn("notifier: push send failed")
		return
	}
	defer drain(resp.Body)

	if resp.StatusCode >= 300 {
		metrics.PushSent.WithLabelValues("rejected").Inc()
		n.log.WithField("token", token).WithField("status", resp.StatusCode).Warn("notifier: push rejected")
		return
	}
	metrics.PushSent.WithLabelValues("ok").Inc()
}

// DispatchWebSocket hands the event to the hub's per-user fan-out.
func (n *Notifier) DispatchWebSocket(userID int64, ev model.Event) {
	payload, err := json.Marshal(map[string]any{"event": ev})
	if err != nil {
		n.log.WithError(err).Error("notifier: marshal ws event failed")
		return
	}
	n.hub.FanOutToUser(userID, payload)
}

// DispatchWhatsApp sends one fire-and-forget POST per phone number,
// prepending the Peru country code (original_source common.py
// send_message_whatsapp, events.py's "51"+number convention).
func (n *Notifier) DispatchWhatsApp(ctx context.Context, numbers []string, ev model.Event) {
	if n.cfg.URL == "" {
		return
	}
	message := whatsAppBody(ev)

	for _, number := range numbers {
		number := strings.TrimSpace(number)
		if number == "" {
			continue
		}
		full := number
		if !strings.HasPrefix(full, "51") {
			full = "51" + full
		}
		go n.sendOneWhatsApp(ctx, full, message)
	}
}

func (n *Notifier) sendOneWhatsApp(ctx context.Context, number, message string) {
	reqCtx, cancel := context.WithTimeout(ctx, pushTimeout)
	defer cancel()

	body, _ := json.Marshal(map[string]string{"number": number, "message": message})
	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, n.cfg.URL, bytes.NewReader(body))
	if err != nil {
		return
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+n.cfg.Token)

	resp, err := n.http.Do(req)
	if err != nil {
		n.log.WithError(err).WithField("number", number).Warn("notifier: whatsapp send failed")
		return
	}
	drain(resp.Body)
}

func whatsAppBody(ev model.Event) string {
	switch ev.Type {
	case model.EventSOS:
		return fmt.Sprintf("%s activó una alerta de SOS", ev.Name)
	case model.EventGeofenceEnter:
		return fmt.Sprintf("%s entró a la geocerca %s", ev.Name, ev.GeofenceName)
	case model.EventGeofenceExit:
		return fmt.Sprintf("%s salió de la geocerca %s", ev.Name, ev.GeofenceName)
	case model.EventLowBattery:
		return fmt.Sprintf("%s reporta batería baja", ev.Name)
	case model.EventPowerCut:
		return fmt.Sprintf("%s reporta corte de energía", ev.Name)
	default:
		return fmt.Sprintf("%s: evento %s", ev.Name, ev.Type)
	}
}

// drain fully reads and closes resp.Body (spec §4.7: "response bodies
// must always be drained") so the underlying connection can be reused.
func drain(rc io.ReadCloser) {
	_, _ = io.Copy(io.Discard, rc)
	_ = rc.Close()
}

// Command gateway runs the full fleet-tracking ingestion pipeline: it
// wires the protocol listeners, the device registry, the position and
// event engines, the WebSocket hub, the HTTP control surface, and the
// liveness sweep into one process and runs them until terminated.
//
// Structurally this is the teacher's cmd/goefidash/main.go pattern —
// load config, start retry-backed background connections, run the
// server until a signal fires — generalized from one ECU+GPS dashboard
// to N protocol listeners feeding a shared registry.
package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/nwperu/trackgw/internal/audit"
	"github.com/nwperu/trackgw/internal/config"
	"github.com/nwperu/trackgw/internal/decoder"
	"github.com/nwperu/trackgw/internal/event"
	"github.com/nwperu/trackgw/internal/external"
	"github.com/nwperu/trackgw/internal/hub"
	"github.com/nwperu/trackgw/internal/httpapi"
	"github.com/nwperu/trackgw/internal/listener"
	"github.com/nwperu/trackgw/internal/liveness"
	"github.com/nwperu/trackgw/internal/model"
	"github.com/nwperu/trackgw/internal/notifier"
	"github.com/nwperu/trackgw/internal/position"
	"github.com/nwperu/trackgw/internal/registry"
)

func main() {
	envPath := flag.String("env", "", "Path to .env file (optional)")
	listenersPath := flag.String("listeners", "", "Path to listener topology YAML (optional)")
	flag.Parse()

	log := logrus.New()
	log.SetFormatter(&logrus.JSONFormatter{})
	log.Info("gateway starting")

	cfg, err := config.Load(*envPath, *listenersPath)
	if err != nil {
		log.WithError(err).Fatal("config load failed")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		log.WithField("signal", sig).Info("shutdown signal received")
		cancel()
	}()

	reg := registry.New()

	ext, err := external.New(cfg)
	if err != nil {
		log.WithError(err).Fatal("external client init failed")
	}
	defer ext.Close()

	refresher := &refreshingRegistry{Registry: reg, log: log, ext: ext}
	go connectAndLoadWithRetry(ctx, log, refresher, 10)

	// eng is wired up after api/hub below; the closures here capture
	// the variable, not its (as yet nil) value.
	var eng *event.Engine

	api := httpapi.New(log, refresher, ext, nil, func(ctx context.Context, deviceID int64, name, uniqueID string, contactos []string, eventType string, at time.Time, lat, lon float64) {
		eng.Handle(ctx, event.DeviceSnapshot{ID: deviceID, Name: name, UniqueID: uniqueID, Contactos: contactos}, eventType, at, lat, lon, "")
	})

	auth := &hubAuthenticator{ext: ext, guests: api}
	devSrc := &hubDeviceSource{refreshingRegistry: refresher, ext: ext}
	h := hub.New(log, auth, devSrc)
	api.SetHub(h)

	notif := notifier.New(log, cfg.WhatsApp, h, ext, 20)
	eng = event.New(log, ext, notif)

	auditLog := audit.New(log, audit.Config{Enabled: os.Getenv("AUDIT_LOG_ENABLED") == "true", Path: os.Getenv("AUDIT_LOG_PATH")})
	defer auditLog.Close()
	pos := position.New(log, refresher, ext, &eventSink{log: log, eng: eng}).WithAudit(auditLog)

	live := liveness.New(log, reg, func(ctx context.Context, dev liveness.DeviceSnapshot, eventType string, at time.Time, lat, lon float64) {
		eng.Handle(ctx, event.DeviceSnapshot{ID: dev.ID, Name: dev.Name, UniqueID: dev.UniqueID, Contactos: dev.Contactos}, eventType, at, lat, lon, "")
	})
	go live.Run(ctx)

	router := &recordRouter{log: log, reg: reg, pos: pos, eng: eng}
	pool := listener.NewPool(log, router)
	endpoints := buildEndpoints(cfg)

	go func() {
		if err := pool.Run(ctx, endpoints); err != nil {
			log.WithError(err).Error("listener pool exited with error")
		}
	}()

	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())
	api.Register(r)
	r.GET("/ws", func(c *gin.Context) { h.ServeWS(c.Writer, c.Request) })

	httpSrv := &http.Server{Addr: cfg.HTTPAddr, Handler: r}
	go func() {
		log.WithField("addr", cfg.HTTPAddr).Info("http control surface listening")
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.WithError(err).Error("http server exited with error")
		}
	}()

	<-ctx.Done()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	_ = httpSrv.Shutdown(shutdownCtx)
	log.Info("gateway stopped")
}

func buildEndpoints(cfg config.Config) []listener.Endpoint {
	out := make([]listener.Endpoint, 0, len(cfg.Listeners))
	for _, lc := range cfg.Listeners {
		lc := lc
		var newDecoder func() decoder.Decoder
		switch lc.Protocol {
		case "gps103":
			newDecoder = func() decoder.Decoder { return decoder.NewGPS103(cfg.Tracker.TZOffset()) }
		case "h02":
			newDecoder = func() decoder.Decoder { return decoder.NewH02(cfg.Tracker.TZOffset(), cfg.Tracker.H02SpeedUnit) }
		case "teltonika":
			newDecoder = func() decoder.Decoder { return decoder.NewTeltonika() }
		case "osmand":
			newDecoder = func() decoder.Decoder { return decoder.NewOsmAnd() }
		default:
			continue
		}
		out = append(out, listener.Endpoint{
			Protocol:   lc.Protocol,
			Port:       lc.Port,
			TCP:        lc.Transport == "tcp" || lc.Transport == "tcp+udp",
			UDP:        lc.Transport == "udp" || lc.Transport == "tcp+udp",
			NewDecoder: newDecoder,
		})
	}
	return out
}

// recordRouter adapts normalized records into calls on the position
// updater and event engine (listener.Router).
type recordRouter struct {
	log *logrus.Logger
	reg *registry.Registry
	pos *position.Updater
	eng *event.Engine
}

func (r *recordRouter) RouteConnection(rec model.NormalizedRecord) {
	if r.reg.UpdateLastSeen(rec.UniqueID, rec.DateTime) {
		return
	}
	r.log.WithField("uniqueid", rec.UniqueID).Debug("connection from unregistered device")
}

func (r *recordRouter) RoutePosition(rec model.NormalizedRecord) {
	r.pos.Apply(context.Background(), rec)
}

func (r *recordRouter) RouteEvent(rec model.NormalizedRecord) {
	dev, ok := r.reg.GetByUniqueID(rec.UniqueID)
	if !ok {
		return
	}
	r.eng.Handle(context.Background(), event.DeviceSnapshot{
		ID: dev.ID, Name: dev.Name, UniqueID: dev.UniqueID, Contactos: dev.Contactos,
	}, rec.EventType, rec.DateTime, rec.Latitude, rec.Longitude, "")
}

// eventSink bridges position.TransitionSink into the event engine.
type eventSink struct {
	log *logrus.Logger
	eng *event.Engine
}

func (s *eventSink) OnGeofenceTransition(prevDevice model.Device, eventType, geofenceName string, at time.Time, lat, lon float64) {
	s.eng.Handle(context.Background(), event.DeviceSnapshot{
		ID: prevDevice.ID, Name: prevDevice.Name, UniqueID: prevDevice.UniqueID, Contactos: prevDevice.Contactos,
	}, eventType, at, lat, lon, geofenceName)
}

// hubAuthenticator satisfies hub.Authenticator by combining the
// external client's credential check with the HTTP control surface's
// in-memory guest-token table.
type hubAuthenticator struct {
	ext    *external.Client
	guests *httpapi.Server
}

func (a *hubAuthenticator) ValidateCredentials(ctx context.Context, user, pass string) (int64, bool, error) {
	return a.ext.ValidateCredentials(ctx, user, pass)
}

func (a *hubAuthenticator) ValidateGuestToken(token string) (int64, bool) {
	return a.guests.ValidateGuestToken(token)
}

// hubDeviceSource satisfies hub.DeviceSource by pairing the registry's
// snapshot reads with the external client's live assignment lookup.
type hubDeviceSource struct {
	*refreshingRegistry
	ext *external.Client
}

func (d *hubDeviceSource) GetDevicesForUser(ctx context.Context, userID int64) ([]int64, error) {
	return d.ext.GetDevicesForUser(ctx, userID)
}

// refreshingRegistry satisfies position.Resolver and httpapi.Registry
// by adding a rate-limited selective refresh on top of the plain registry
// (spec §4.3's "at most one in-flight refresh"). RequestSelectiveRefresh
// blocks its caller until the refresh completes: §4.4 step 1 retries
// GetByUniqueID right after requesting the refresh, so that retry only
// has a chance of succeeding if the merge has actually landed by then.
// A caller that loses the race to trigger its own refresh instead waits
// on the winner's in-flight one, so concurrent unknown-uniqueid misses
// coalesce onto a single upstream load.
type refreshingRegistry struct {
	*registry.Registry
	log *logrus.Logger
	ext *external.Client

	mu   sync.Mutex
	done chan struct{} // non-nil while a refresh is in flight
}

func (r *refreshingRegistry) RequestSelectiveRefresh(ctx context.Context) {
	r.mu.Lock()
	won := r.Registry.TryBeginRefresh()
	var done chan struct{}
	if won {
		done = make(chan struct{})
		r.done = done
	} else {
		done = r.done
	}
	r.mu.Unlock()

	if !won {
		if done != nil {
			select {
			case <-done:
			case <-ctx.Done():
			}
		}
		return
	}

	devices, err := r.ext.LoadAllDevices(ctx)
	if err != nil {
		r.log.WithError(err).Warn("registry refresh failed")
	} else {
		r.Registry.MergeSelective(devices)
	}
	r.Registry.EndRefresh()

	r.mu.Lock()
	r.done = nil
	r.mu.Unlock()
	close(done)
}

// connectAndLoadWithRetry performs the initial full registry load with
// exponential backoff, in the teacher's connectWithRetry idiom, so the
// gateway accepts traffic immediately while the device table warms up.
func connectAndLoadWithRetry(ctx context.Context, log *logrus.Logger, r *refreshingRegistry, maxAttempts int) {
	delay := 1 * time.Second
	maxDelay := 60 * time.Second
	attempt := 0

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		devices, err := r.ext.LoadAllDevices(ctx)
		if err == nil {
			r.Registry.ReplaceAll(devices)
			log.WithField("count", len(devices)).Info("initial device load complete")
			return
		}

		attempt++
		if maxAttempts > 0 && attempt >= maxAttempts {
			log.WithError(err).WithField("attempt", attempt).Error("initial device load failed, giving up")
			return
		}
		log.WithError(err).WithField("attempt", attempt).Warn("initial device load failed, retrying")
		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}
		delay *= 2
		if delay > maxDelay {
			delay = maxDelay
		}
	}
}

// Package config loads the gateway's environment-driven configuration
// and the static listener port table. Environment loading follows the
// original service's convention of sourcing every credential from the
// process environment (via a .env file in development), centralized
// here the way the teacher's server.Config centralizes its YAML+env
// config instead of scattering os.Getenv calls through the codebase.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config is the fully resolved gateway configuration.
type Config struct {
	DB       DBConfig
	Upstream UpstreamConfig
	WhatsApp WhatsAppConfig
	Tracker  TrackerConfig

	Listeners []ListenerConfig
	HTTPAddr  string
}

type DBConfig struct {
	Host     string
	User     string
	Password string
	Name     string
	Port     int
}

func (d DBConfig) DSN() string {
	return fmt.Sprintf("%s:%s@tcp(%s:%d)/%s?parseTime=true&loc=UTC", d.User, d.Password, d.Host, d.Port, d.Name)
}

type UpstreamConfig struct {
	TraccarURL   string
	AdminNWPeruURL string
}

type WhatsAppConfig struct {
	URL   string
	Token string
}

// TrackerConfig resolves the two Open Questions (§9) that are
// deployment-specific: the clock-offset assumption for GPS103/H02
// datetimes, and the unit convention for H02 speed fields.
type TrackerConfig struct {
	TZOffsetMinutes int
	H02SpeedUnit    string // "knots" (default, per spec canonical) or "kmh"
}

// ListenerConfig is one (protocol, transport, port) endpoint, loaded
// from a small YAML topology file — the one piece of static config the
// spec names explicitly (§4.2's port table).
type ListenerConfig struct {
	Protocol  string `yaml:"protocol"`
	Transport string `yaml:"transport"` // "tcp", "udp", or "tcp+udp"
	Port      int    `yaml:"port"`
}

// listenerFile is the on-disk shape of the optional YAML topology file.
type listenerFile struct {
	Listeners []ListenerConfig `yaml:"listeners"`
}

// DefaultListeners matches the port table in spec.md §4.2.
func DefaultListeners() []ListenerConfig {
	return []ListenerConfig{
		{Protocol: "gps103", Transport: "tcp", Port: 6001},
		{Protocol: "h02", Transport: "tcp", Port: 6013},
		{Protocol: "teltonika", Transport: "tcp+udp", Port: 6027},
		{Protocol: "osmand", Transport: "tcp", Port: 6055},
	}
}

// Load reads .env (if present) then the process environment, and an
// optional listener-topology YAML file.
func Load(envPath, listenersYAMLPath string) (Config, error) {
	if envPath != "" {
		if err := godotenv.Load(envPath); err != nil && !os.IsNotExist(err) {
			return Config{}, fmt.Errorf("config: load env file %s: %w", envPath, err)
		}
	} else {
		_ = godotenv.Load() // best-effort local .env; absence is not an error
	}

	cfg := Config{
		DB: DBConfig{
			Host:     getenv("DB_HOST_TRACCAR", "localhost"),
			User:     getenv("DB_USER_TRACCAR", ""),
			Password: getenv("DB_PASSWORD_TRACCAR", ""),
			Name:     getenv("DB_NAME_TRACCAR", ""),
			Port:     getenvInt("DB_PORT_TRACCAR", 3306),
		},
		Upstream: UpstreamConfig{
			TraccarURL:     getenv("URL_HOST_TRACCAR", ""),
			AdminNWPeruURL: getenv("URL_HOST_ADMIN_NWPERU", ""),
		},
		WhatsApp: WhatsAppConfig{
			URL:   getenv("URL_HOST_API_WHATSAPP", ""),
			Token: getenv("TOKEN_API_WHATSAPP", ""),
		},
		Tracker: TrackerConfig{
			TZOffsetMinutes: getenvInt("TRACKER_TZ_OFFSET_MINUTES", 0),
			H02SpeedUnit:    getenv("H02_SPEED_UNIT", "knots"),
		},
		HTTPAddr: getenv("HTTP_ADDR", ":8080"),
	}

	listeners := DefaultListeners()
	if listenersYAMLPath != "" {
		data, err := os.ReadFile(listenersYAMLPath)
		if err != nil {
			if !os.IsNotExist(err) {
				return Config{}, fmt.Errorf("config: read listeners file %s: %w", listenersYAMLPath, err)
			}
		} else {
			var lf listenerFile
			if err := yaml.Unmarshal(data, &lf); err != nil {
				return Config{}, fmt.Errorf("config: parse listeners file %s: %w", listenersYAMLPath, err)
			}
			if len(lf.Listeners) > 0 {
				listeners = lf.Listeners
			}
		}
	}
	cfg.Listeners = listeners

	return cfg, nil
}

func getenv(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return fallback
}

func getenvInt(key string, fallback int) int {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

// TZOffset returns the configured clock-offset as a time.Duration.
func (t TrackerConfig) TZOffset() time.Duration {
	return time.Duration(t.TZOffsetMinutes) * time.Minute
}

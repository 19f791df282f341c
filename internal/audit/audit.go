// Package audit records every applied position update to rotating CSV
// files, for offline replay and dispute resolution.
//
// Adapted from the teacher's internal/logger.Logger: the same
// mutex-guarded writer and row-count rotation policy, repurposed from
// ECU+GPS telemetry rows to device position rows. Every recorded row is
// written; there is no row-interval throttle.
package audit

import (
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

const maxRowsPerFile = 100_000

var csvHeader = []string{
	"timestamp", "device_id", "uniqueid", "latitude", "longitude", "speed", "course",
}

// Config mirrors the teacher's logger.Config shape.
type Config struct {
	Enabled bool
	Path    string
}

// Logger is the C4 audit sink: every successfully applied position
// passes through Record.
type Logger struct {
	log *logrus.Logger

	mu      sync.Mutex
	dir     string
	enabled bool

	file   *os.File
	writer *csv.Writer
	rows   int
}

func New(log *logrus.Logger, cfg Config) *Logger {
	dir := cfg.Path
	if dir == "" {
		dir = "/var/log/trackgw/positions"
	}
	return &Logger{log: log, dir: dir, enabled: cfg.Enabled}
}

// Record appends one row if auditing is enabled, rotating the file
// every maxRowsPerFile rows (spec §4.4 is silent on persistence; this
// is ambient, not a decode/dispatch concern, so failures are logged
// and swallowed rather than propagated to the caller).
func (l *Logger) Record(deviceID int64, uniqueID string, lat, lon, speed, course float64, at time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if !l.enabled {
		return
	}

	if l.writer == nil || l.rows >= maxRowsPerFile {
		if err := l.rotateFile(at); err != nil {
			l.log.WithError(err).Warn("audit: rotate failed")
			return
		}
	}

	row := []string{
		at.Format(time.RFC3339Nano),
		fmt.Sprintf("%d", deviceID),
		uniqueID,
		fmt.Sprintf("%.6f", lat),
		fmt.Sprintf("%.6f", lon),
		fmt.Sprintf("%.2f", speed),
		fmt.Sprintf("%.2f", course),
	}
	if err := l.writer.Write(row); err != nil {
		l.log.WithError(err).Warn("audit: write failed")
		return
	}
	l.writer.Flush()
	l.rows++
}

// Close flushes and closes the current file.
func (l *Logger) Close() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.closeFile()
}

func (l *Logger) rotateFile(now time.Time) error {
	l.closeFile()

	if err := os.MkdirAll(l.dir, 0755); err != nil {
		return fmt.Errorf("mkdir %s: %w", l.dir, err)
	}

	filename := fmt.Sprintf("positions_%s.csv", now.Format("2006-01-02_150405"))
	path := filepath.Join(l.dir, filename)

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create %s: %w", path, err)
	}

	l.file = f
	l.writer = csv.NewWriter(f)
	l.rows = 0

	if err := l.writer.Write(csvHeader); err != nil {
		return err
	}
	l.writer.Flush()

	l.log.WithField("path", path).Info("audit: opened position log file")
	return nil
}

func (l *Logger) closeFile() {
	if l.writer != nil {
		l.writer.Flush()
		l.writer = nil
	}
	if l.file != nil {
		l.file.Close()
		l.file = nil
	}
}

// Package decoder implements the gateway's four protocol decoders.
// Each is a pure function from raw bytes (plus transport) to an
// ordered sequence of model.NormalizedRecord: no I/O, no shared state
// beyond an optional per-connection instance for protocols that carry
// per-connection state (GPS103 photo packets, the IMEI a Teltonika TCP
// connection announces in its identification frame).
package decoder

import (
	"fmt"
	"time"

	"github.com/nwperu/trackgw/internal/model"
)

// Transport identifies the socket kind a frame arrived on; a few
// decoders (Teltonika) frame differently per transport.
type Transport int

const (
	TCP Transport = iota
	UDP
)

// Decoder turns one complete frame into zero or more normalized
// records. Implementations must never panic on malformed input;
// instead they return the records they could extract and a non-nil
// error describing what was skipped.
type Decoder interface {
	Name() string
	Decode(frame []byte, transport Transport) ([]model.NormalizedRecord, error)
}

// ErrMalformedFrame wraps a decode failure with the offending span,
// truncated, for logging (spec §7: log with byte offset and truncated
// raw payload; never surface as a hard error to the caller).
type ErrMalformedFrame struct {
	Protocol string
	Offset   int
	Raw      []byte
}

func (e *ErrMalformedFrame) Error() string {
	raw := e.Raw
	const maxLen = 200
	truncated := false
	if len(raw) > maxLen {
		raw = raw[:maxLen]
		truncated = true
	}
	if truncated {
		return fmt.Sprintf("%s: malformed frame at offset %d: %q...(truncated)", e.Protocol, e.Offset, raw)
	}
	return fmt.Sprintf("%s: malformed frame at offset %d: %q", e.Protocol, e.Offset, raw)
}

// parseWireTime parses a gateway-internal "YYYY-MM-DD HH:MM:SS" string as UTC.
func parseWireTime(s string) (time.Time, error) {
	return time.ParseInLocation(model.WireTimeLayout, s, time.UTC)
}

// knotsToKmh converts speed in knots to km/h.
func knotsToKmh(knots float64) float64 {
	return knots * 1.852
}

package decoder

import (
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/nwperu/trackgw/internal/model"
)

// gps103AlarmTypes maps the GPS103 alarm/command keyword to the
// canonical event_type vocabulary (spec §4.1, §6).
var gps103AlarmTypes = map[string]string{
	"help me":         model.EventSOS,
	"low battery":     model.EventLowBattery,
	"stockade":        model.EventGeofenceAlarm,
	"move":            model.EventDeviceMoving,
	"speed":           model.EventDeviceOverspd,
	"door alarm":      model.EventDoorAlarm,
	"ac alarm":        model.EventPowerCut,
	"accident alarm":  model.EventAccidentAlarm,
	"sensor alarm":    model.EventAlarm,
	"bonnet alarm":    model.EventBonnetAlarm,
	"footbrake alarm": model.EventFootBrakeAlarm,
	"acc on":          model.EventIgnitionOn,
	"acc off":         model.EventIgnitionOff,
}

var gps103PositionCmds = map[string]bool{
	"tracker": true,
	"001":     true,
	"101":     true,
	"103":     true,
}

// GPS103Decoder decodes the GPS103/iStartek ASCII protocol. One
// instance is owned per connection: it accumulates photo subframes
// until the declared packet count is reached.
type GPS103Decoder struct {
	tzOffset time.Duration

	photoIMEI     string
	photoTotal    int
	photoReceived map[int][]byte
}

// NewGPS103 constructs a decoder. tzOffset is added to every parsed
// datetime to compensate for a tracker's local-clock assumption (the
// source's GPS103 devices apply +5h ad hoc; default here is 0 — treat
// device clocks as UTC — per the operator-configurable Open Question).
func NewGPS103(tzOffset time.Duration) *GPS103Decoder {
	return &GPS103Decoder{tzOffset: tzOffset, photoReceived: map[int][]byte{}}
}

func (d *GPS103Decoder) Name() string { return "gps103" }

func (d *GPS103Decoder) Decode(frame []byte, transport Transport) ([]model.NormalizedRecord, error) {
	s := strings.TrimSpace(string(frame))
	if s == "" {
		return nil, nil
	}

	// Bare-IMEI handshake: all digits.
	if isAllDigits(s) {
		return []model.NormalizedRecord{{
			Kind:     model.KindConnection,
			UniqueID: s,
			DateTime: time.Now().UTC(),
		}}, nil
	}

	if !strings.HasPrefix(s, "imei:") {
		return nil, &ErrMalformedFrame{Protocol: d.Name(), Raw: frame}
	}
	body := strings.TrimPrefix(s, "imei:")

	if strings.HasPrefix(body, "vr") {
		return d.decodePhoto(body)
	}

	fields := strings.Split(body, ",")
	if len(fields) < 3 {
		return nil, &ErrMalformedFrame{Protocol: d.Name(), Raw: frame}
	}
	imei := fields[0]
	cmd := fields[1]

	if strings.Contains(body, "OBD") {
		return d.decodeOBD(imei, cmd, fields)
	}
	if strings.HasSuffix(s, "*") {
		return d.decodeAlternative(imei, fields)
	}

	dt, err := d.parseGPS103DateTime(fields[2])
	if err != nil {
		return nil, &ErrMalformedFrame{Protocol: d.Name(), Raw: frame}
	}

	if gps103PositionCmds[cmd] {
		rec, err := d.decodePosition(imei, dt, fields)
		if err != nil {
			return nil, &ErrMalformedFrame{Protocol: d.Name(), Raw: frame}
		}
		return []model.NormalizedRecord{rec}, nil
	}

	return d.decodeAlarm(imei, cmd, dt, fields)
}

func (d *GPS103Decoder) decodeAlarm(imei, cmd string, dt time.Time, fields []string) ([]model.NormalizedRecord, error) {
	lower := strings.ToLower(cmd)

	switch {
	case strings.HasPrefix(cmd, "T:"):
		return []model.NormalizedRecord{{
			Kind: model.KindEvent, UniqueID: imei, DateTime: dt,
			EventType: model.EventTemperature,
			Extras:    map[string]any{"value": strings.TrimPrefix(cmd, "T:")},
		}}, nil
	case strings.HasPrefix(cmd, "DTC"):
		return []model.NormalizedRecord{{
			Kind: model.KindEvent, UniqueID: imei, DateTime: dt,
			EventType: model.EventFault,
			Extras:    map[string]any{"code": strings.TrimPrefix(cmd, "DTC")},
		}}, nil
	case lower == "oil" || lower == "oil1" || lower == "oil2":
		extras := map[string]any{"sensor": lower}
		if len(fields) > 3 {
			extras["percent"] = fields[3]
		}
		return []model.NormalizedRecord{{
			Kind: model.KindEvent, UniqueID: imei, DateTime: dt,
			EventType: model.EventFuelLeak, Extras: extras,
		}}, nil
	case lower == "tpms":
		extras := map[string]any{}
		for i, f := range fields[3:] {
			extras[fmt.Sprintf("wheel%d", i+1)] = f
		}
		return []model.NormalizedRecord{{
			Kind: model.KindEvent, UniqueID: imei, DateTime: dt,
			EventType: model.EventTPMS, Extras: extras,
		}}, nil
	case lower == "rfid":
		extras := map[string]any{}
		if len(fields) > 3 {
			extras["tag"] = fields[3]
		}
		return []model.NormalizedRecord{{
			Kind: model.KindEvent, UniqueID: imei, DateTime: dt,
			EventType: model.EventRFID, Extras: extras,
		}}, nil
	}

	if et, ok := gps103AlarmTypes[lower]; ok {
		return []model.NormalizedRecord{{
			Kind: model.KindEvent, UniqueID: imei, DateTime: dt, EventType: et,
		}}, nil
	}

	return []model.NormalizedRecord{{
		Kind: model.KindEvent, UniqueID: imei, DateTime: dt, EventType: model.EventUnknown,
	}}, nil
}

// decodePosition scans from field index 3 onward for the validity
// token (A|V), then reads the six fields that follow it: lat, N/S,
// lon, E/W, speed, course.
func (d *GPS103Decoder) decodePosition(imei string, dt time.Time, fields []string) (model.NormalizedRecord, error) {
	validityIdx := -1
	for i := 3; i < len(fields); i++ {
		if fields[i] == "A" || fields[i] == "V" {
			validityIdx = i
			break
		}
	}
	if validityIdx < 0 || validityIdx+6 >= len(fields) {
		return model.NormalizedRecord{}, fmt.Errorf("gps103: no position fields found")
	}
	valid := fields[validityIdx] == "A"
	lat, err := parseDM(fields[validityIdx+1], fields[validityIdx+2])
	if err != nil {
		return model.NormalizedRecord{}, err
	}
	lon, err := parseDM(fields[validityIdx+3], fields[validityIdx+4])
	if err != nil {
		return model.NormalizedRecord{}, err
	}
	knots, err := strconv.ParseFloat(fields[validityIdx+5], 64)
	if err != nil {
		return model.NormalizedRecord{}, err
	}
	course := 0.0
	if validityIdx+6 < len(fields) {
		course, _ = strconv.ParseFloat(fields[validityIdx+6], 64)
	}

	return model.NormalizedRecord{
		Kind: model.KindPosition, UniqueID: imei, DateTime: dt,
		Latitude: lat, Longitude: lon, Speed: knotsToKmh(knots), Course: course, Valid: valid,
	}, nil
}

// decodeOBD handles the ",OBD," sub-protocol (original_source
// gps103.py decode_obd): odometer/fuel/engine telemetry reported as a
// fault-style Event rather than a Position.
func (d *GPS103Decoder) decodeOBD(imei, cmd string, fields []string) ([]model.NormalizedRecord, error) {
	extras := map[string]any{}
	labels := []string{"odometer", "fuelConsumption", "hours", "obdSpeed", "engineLoad", "coolantTemp", "throttle", "rpm", "battery", "dtcs"}
	for i, label := range labels {
		idx := 3 + i
		if idx < len(fields) {
			extras[label] = fields[idx]
		}
	}
	return []model.NormalizedRecord{{
		Kind: model.KindEvent, UniqueID: imei, DateTime: time.Now().UTC(),
		EventType: model.EventFault, Extras: extras,
	}}, nil
}

// decodeAlternative handles the `*`-terminated alternative frame shape
// (original_source gps103.py decode_alternative).
func (d *GPS103Decoder) decodeAlternative(imei string, fields []string) ([]model.NormalizedRecord, error) {
	if len(fields) < 10 {
		return nil, &ErrMalformedFrame{Protocol: d.Name()}
	}
	lat, err1 := parseDM(fields[5], fields[6])
	lon, err2 := parseDM(fields[7], fields[8])
	if err1 != nil || err2 != nil {
		return nil, &ErrMalformedFrame{Protocol: d.Name()}
	}
	var speedKmh float64
	if len(fields) > 9 {
		kn, _ := strconv.ParseFloat(strings.TrimSuffix(fields[9], "*"), 64)
		speedKmh = knotsToKmh(kn)
	}
	return []model.NormalizedRecord{{
		Kind: model.KindPosition, UniqueID: imei, DateTime: time.Now().UTC(),
		Latitude: lat, Longitude: lon, Speed: speedKmh, Valid: true,
		Extras: map[string]any{"format": "alternative"},
	}}, nil
}

// decodePhoto accumulates photo subframes (original_source gps103.py
// decode_photo) until the declared packet count is reached, then
// emits a single Event carrying the reassembled hex image. Partial
// accumulations are discarded on any parse error.
func (d *GPS103Decoder) decodePhoto(body string) ([]model.NormalizedRecord, error) {
	parts := strings.SplitN(body, ",", 2)
	if len(parts) != 2 {
		d.resetPhoto()
		return nil, &ErrMalformedFrame{Protocol: d.Name()}
	}
	payload := parts[1]
	raw, err := hex.DecodeString(payload)
	if err != nil || len(raw) < 3 {
		d.resetPhoto()
		return nil, &ErrMalformedFrame{Protocol: d.Name()}
	}
	total := int(raw[0])
	index := int(raw[1]) // little-endian-ish single byte index
	data := raw[2:]

	if d.photoTotal == 0 {
		d.photoTotal = total
	}
	d.photoReceived[index] = data

	if index+1 < d.photoTotal {
		return nil, nil
	}

	var full []byte
	for i := 0; i < d.photoTotal; i++ {
		chunk, ok := d.photoReceived[i]
		if !ok {
			d.resetPhoto()
			return nil, &ErrMalformedFrame{Protocol: d.Name()}
		}
		full = append(full, chunk...)
	}
	d.resetPhoto()

	return []model.NormalizedRecord{{
		Kind: model.KindEvent, DateTime: time.Now().UTC(),
		EventType: "photo",
		Extras:    map[string]any{"image": hex.EncodeToString(full)},
	}}, nil
}

func (d *GPS103Decoder) resetPhoto() {
	d.photoTotal = 0
	d.photoReceived = map[int][]byte{}
}

func (d *GPS103Decoder) parseGPS103DateTime(s string) (time.Time, error) {
	var t time.Time
	var err error
	switch len(s) {
	case 12:
		t, err = time.ParseInLocation("060102150405", s, time.UTC)
	case 10:
		t, err = time.ParseInLocation("0601021504", s, time.UTC)
	default:
		return time.Time{}, fmt.Errorf("gps103: unrecognized datetime %q", s)
	}
	if err != nil {
		return time.Time{}, err
	}
	return t.Add(d.tzOffset), nil
}

func isAllDigits(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

// parseDM parses a DDMM.mmmm/DDDMM.mmmm coordinate plus hemisphere
// letter into signed decimal degrees.
func parseDM(value, hemi string) (float64, error) {
	v, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return 0, err
	}
	degrees := float64(int(v / 100))
	minutes := v - degrees*100
	dec := degrees + minutes/60

	switch strings.ToUpper(hemi) {
	case "S", "W":
		dec = -dec
	case "N", "E":
	default:
		return 0, fmt.Errorf("gps103: unknown hemisphere %q", hemi)
	}
	return dec, nil
}

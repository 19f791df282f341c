package decoder

import (
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/nwperu/trackgw/internal/model"
)

// H02Decoder decodes the H02 ASCII (*HQ,...#) and binary ($-prefixed)
// variants.
type H02Decoder struct {
	tzOffset  time.Duration
	speedUnit string // "knots" or "kmh", per TrackerConfig.H02SpeedUnit
}

func NewH02(tzOffset time.Duration, speedUnit string) *H02Decoder {
	if speedUnit == "" {
		speedUnit = "knots"
	}
	return &H02Decoder{tzOffset: tzOffset, speedUnit: speedUnit}
}

func (d *H02Decoder) Name() string { return "h02" }

func (d *H02Decoder) Decode(frame []byte, transport Transport) ([]model.NormalizedRecord, error) {
	s := strings.TrimSpace(string(frame))
	if s == "" {
		return nil, nil
	}

	if strings.HasPrefix(s, "$") {
		return d.decodeBinary(s)
	}

	if !strings.HasPrefix(s, "*") {
		return nil, &ErrMalformedFrame{Protocol: d.Name(), Raw: frame}
	}
	body := strings.TrimPrefix(s, "*")
	fields := strings.Split(body, ",")
	if len(fields) < 3 {
		return nil, &ErrMalformedFrame{Protocol: d.Name(), Raw: frame}
	}
	imei := fields[1]
	cmd := fields[2]

	switch cmd {
	case "V1":
		return d.decodeV1(imei, fields)
	case "NBR":
		return d.decodeLBS(imei, fields)
	case "LINK":
		return d.decodeLink(imei, fields)
	case "V3":
		return d.decodeV3(imei, fields)
	case "VP1":
		return d.decodeVP1(imei, fields)
	case "HTBT", "V0", "XT":
		return []model.NormalizedRecord{{
			Kind: model.KindConnection, UniqueID: imei, DateTime: time.Now().UTC(),
		}}, nil
	case "ALRM":
		return []model.NormalizedRecord{{
			Kind: model.KindEvent, UniqueID: imei, DateTime: time.Now().UTC(),
			EventType: model.EventAlarm,
		}}, nil
	default:
		return []model.NormalizedRecord{{
			Kind: model.KindEvent, UniqueID: imei, DateTime: time.Now().UTC(),
			EventType: model.EventUnknown,
		}}, nil
	}
}

// decodeV1 handles the primary position frame:
// *HQ,imei,V1,HHMMSS,A|V,DDMM.mmmm,N|S,DDDMM.mmmm,E|W,speed,course,DDMMYY,status...#
func (d *H02Decoder) decodeV1(imei string, fields []string) ([]model.NormalizedRecord, error) {
	if len(fields) < 11 {
		return nil, &ErrMalformedFrame{Protocol: d.Name()}
	}
	timeStr := fields[3]
	valid := fields[4] == "A"
	lat, err1 := parseDM(fields[5], fields[6])
	lon, err2 := parseDM(fields[7], fields[8])
	if err1 != nil || err2 != nil {
		return nil, &ErrMalformedFrame{Protocol: d.Name()}
	}
	rawSpeed, err3 := strconv.ParseFloat(fields[9], 64)
	if err3 != nil {
		return nil, &ErrMalformedFrame{Protocol: d.Name()}
	}
	course, _ := strconv.ParseFloat(fields[10], 64)

	var dateStr string
	if len(fields) > 11 {
		dateStr = fields[11]
	}
	dt, err := d.parseH02DateTime(dateStr, timeStr)
	if err != nil {
		return nil, &ErrMalformedFrame{Protocol: d.Name()}
	}

	speed := rawSpeed
	if d.speedUnit == "knots" {
		speed = knotsToKmh(rawSpeed)
	}

	rec := model.NormalizedRecord{
		Kind: model.KindPosition, UniqueID: imei, DateTime: dt,
		Latitude: lat, Longitude: lon, Speed: speed, Course: course, Valid: valid,
	}

	if len(fields) > 12 {
		if statusDword, err := strconv.ParseUint(strings.TrimSuffix(fields[12], "#"), 16, 32); err == nil {
			alarms, ignition := processStatus(uint32(statusDword))
			rec.Extras = map[string]any{"alarms": alarms, "ignition": ignition, "status": statusDword}
		}
	}
	return []model.NormalizedRecord{rec}, nil
}

// decodeLBS handles NBR cell-tower-list frames (original_source
// h02.py decode_lbs): no coordinates, surfaced as a bare Connection.
func (d *H02Decoder) decodeLBS(imei string, fields []string) ([]model.NormalizedRecord, error) {
	return []model.NormalizedRecord{{
		Kind: model.KindConnection, UniqueID: imei, DateTime: time.Now().UTC(),
	}}, nil
}

func (d *H02Decoder) decodeLink(imei string, fields []string) ([]model.NormalizedRecord, error) {
	extras := map[string]any{}
	labels := []string{"rssi", "satellites", "batteryLevel", "steps", "turnovers"}
	for i, label := range labels {
		idx := 3 + i
		if idx < len(fields) {
			extras[label] = fields[idx]
		}
	}
	return []model.NormalizedRecord{{
		Kind: model.KindEvent, UniqueID: imei, DateTime: time.Now().UTC(),
		EventType: model.EventUnknown, Extras: extras,
	}}, nil
}

// decodeV3 and decodeVP1 are hybrid cell/GPS shapes; when they carry a
// parseable coordinate pair they decode as Position, otherwise as a
// bare Connection (original_source h02.py decode_v3/decode_vp1).
func (d *H02Decoder) decodeV3(imei string, fields []string) ([]model.NormalizedRecord, error) {
	if len(fields) >= 9 {
		if lat, err1 := parseDM(fields[5], fields[6]); err1 == nil {
			if lon, err2 := parseDM(fields[7], fields[8]); err2 == nil {
				return []model.NormalizedRecord{{
					Kind: model.KindPosition, UniqueID: imei, DateTime: time.Now().UTC(),
					Latitude: lat, Longitude: lon, Valid: true,
				}}, nil
			}
		}
	}
	return []model.NormalizedRecord{{Kind: model.KindConnection, UniqueID: imei, DateTime: time.Now().UTC()}}, nil
}

func (d *H02Decoder) decodeVP1(imei string, fields []string) ([]model.NormalizedRecord, error) {
	return d.decodeV3(imei, fields)
}

// decodeBinary decodes the fixed-width `$`-prefixed binary variant
// (original_source h02.py decode_binary). The text after `$` is
// hex-decoded and sliced into: 8-byte id, BCD hh/mm/ss, packed lat/lon,
// flag byte, 3-byte speed, 2-byte course, 32-bit status. No date is read
// from the frame; the current UTC date is used.
func (d *H02Decoder) decodeBinary(s string) ([]model.NormalizedRecord, error) {
	h := strings.TrimPrefix(s, "$")
	raw, err := hex.DecodeString(h)
	if err != nil || len(raw) < 20 {
		return nil, &ErrMalformedFrame{Protocol: d.Name()}
	}

	imei := hex.EncodeToString(raw[0:8])
	bcd := func(b byte) int { return int(b>>4)*10 + int(b&0x0F) }
	hh, mm, ss := bcd(raw[8]), bcd(raw[9]), bcd(raw[10])
	latRaw := uint32(raw[11])<<24 | uint32(raw[12])<<16 | uint32(raw[13])<<8 | uint32(raw[14])
	lonRaw := uint32(raw[15])<<24 | uint32(raw[16])<<16 | uint32(raw[17])<<8 | uint32(raw[18])
	flags := raw[19]

	valid := flags&0x01 != 0
	latSign := 1.0
	if flags&0x02 != 0 {
		latSign = -1.0
	}
	lonSign := 1.0
	if flags&0x04 != 0 {
		lonSign = -1.0
	}

	lat := latSign * decodePackedDM(latRaw)
	lon := lonSign * decodePackedDM(lonRaw)

	var speed, course float64
	var status uint32
	if len(raw) >= 26 {
		speed = float64(uint32(raw[20])<<16 | uint32(raw[21])<<8 | uint32(raw[22]))
		course = float64(raw[23])*256 + float64(raw[24])
		if len(raw) >= 29 {
			status = uint32(raw[25])<<24 | uint32(raw[26])<<16 | uint32(raw[27])<<8 | uint32(raw[28])
		}
	}

	now := time.Now().UTC()
	dt := time.Date(now.Year(), now.Month(), now.Day(), hh, mm, ss, 0, time.UTC).Add(d.tzOffset)

	alarms, ignition := processStatus(status)

	return []model.NormalizedRecord{{
		Kind: model.KindPosition, UniqueID: imei, DateTime: dt,
		Latitude: lat, Longitude: lon, Speed: speed, Course: course, Valid: valid,
		Extras: map[string]any{"alarms": alarms, "ignition": ignition},
	}}, nil
}

func decodePackedDM(raw uint32) float64 {
	v := float64(raw) / 100000.0 // DDMM.mmmm scaled by 1e5 in the packed form
	degrees := float64(int(v / 100))
	minutes := v - degrees*100
	return degrees + minutes/60
}

// processStatus decodes the 32-bit status dword bitwise
// (original_source h02.py process_status).
func processStatus(status uint32) (alarms []string, ignition bool) {
	if status&0x00020000 == 0 {
		alarms = append(alarms, "vibration")
	}
	if status&0x00000001 == 0 {
		alarms = append(alarms, "sos")
	}
	if status&0x00000002 == 0 {
		alarms = append(alarms, "overspeed")
	}
	if status&0x00000004 == 0 {
		alarms = append(alarms, "power_cut")
	}
	ignition = status&0x00000400 != 0
	return alarms, ignition
}

func (d *H02Decoder) parseH02DateTime(dateStr, timeStr string) (time.Time, error) {
	hhmmss := timeStr
	if len(hhmmss) < 6 {
		return time.Time{}, fmt.Errorf("h02: bad time %q", timeStr)
	}
	hh, _ := strconv.Atoi(hhmmss[0:2])
	mm, _ := strconv.Atoi(hhmmss[2:4])
	ss, _ := strconv.Atoi(hhmmss[4:6])

	year, month, day := time.Now().UTC().Date()
	if len(dateStr) == 6 {
		if dd, err1 := strconv.Atoi(dateStr[0:2]); err1 == nil {
			if mo, err2 := strconv.Atoi(dateStr[2:4]); err2 == nil {
				if yy, err3 := strconv.Atoi(dateStr[4:6]); err3 == nil {
					day, month, year = dd, time.Month(mo), 2000+yy
				}
			}
		}
	}
	return time.Date(year, month, day, hh, mm, ss, 0, time.UTC).Add(d.tzOffset), nil
}

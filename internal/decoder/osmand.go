package decoder

import (
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/nwperu/trackgw/internal/model"
)

// OsmAndDecoder decodes the OsmAnd HTTP-style protocol: one or more
// concatenated "POST /?...  HTTP/1.1" requests separated by "\r\n\r\n".
type OsmAndDecoder struct{}

func NewOsmAnd() *OsmAndDecoder { return &OsmAndDecoder{} }

func (d *OsmAndDecoder) Name() string { return "osmand" }

func (d *OsmAndDecoder) Decode(frame []byte, transport Transport) ([]model.NormalizedRecord, error) {
	chunks := strings.Split(string(frame), "\r\n\r\n")
	var recs []model.NormalizedRecord
	var firstErr error

	for _, chunk := range chunks {
		chunk = strings.TrimSpace(chunk)
		if chunk == "" {
			continue
		}
		rec, err := d.decodeRequest(chunk)
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue // malformed request is skipped, not fatal to the batch
		}
		recs = append(recs, rec)
	}
	return recs, firstErr
}

func (d *OsmAndDecoder) decodeRequest(chunk string) (model.NormalizedRecord, error) {
	lines := strings.SplitN(chunk, "\r\n", 2)
	requestLine := strings.TrimSpace(lines[0])

	parts := strings.Fields(requestLine)
	if len(parts) < 2 {
		return model.NormalizedRecord{}, &ErrMalformedFrame{Protocol: d.Name(), Raw: []byte(chunk)}
	}
	target := parts[1]

	u, err := url.Parse(target)
	if err != nil {
		return model.NormalizedRecord{}, &ErrMalformedFrame{Protocol: d.Name(), Raw: []byte(chunk)}
	}
	q := u.Query()

	id := q.Get("id")
	latS := q.Get("lat")
	lonS := q.Get("lon")
	tsS := q.Get("timestamp")
	if id == "" || latS == "" || lonS == "" || tsS == "" {
		return model.NormalizedRecord{}, &ErrMalformedFrame{Protocol: d.Name(), Raw: []byte(chunk)}
	}

	lat, err := strconv.ParseFloat(latS, 64)
	if err != nil {
		return model.NormalizedRecord{}, &ErrMalformedFrame{Protocol: d.Name(), Raw: []byte(chunk)}
	}
	lon, err := strconv.ParseFloat(lonS, 64)
	if err != nil {
		return model.NormalizedRecord{}, &ErrMalformedFrame{Protocol: d.Name(), Raw: []byte(chunk)}
	}
	tsUnix, err := strconv.ParseInt(tsS, 10, 64)
	if err != nil {
		return model.NormalizedRecord{}, &ErrMalformedFrame{Protocol: d.Name(), Raw: []byte(chunk)}
	}

	speedKmh := 0.0
	if v := q.Get("speed"); v != "" {
		if knots, err := strconv.ParseFloat(v, 64); err == nil {
			speedKmh = knotsToKmh(knots)
		}
	}
	course := 0.0
	if v := q.Get("bearing"); v != "" {
		course, _ = strconv.ParseFloat(v, 64)
	}

	return model.NormalizedRecord{
		Kind: model.KindPosition, UniqueID: id, DateTime: time.Unix(tsUnix, 0).UTC(),
		Latitude: lat, Longitude: lon, Speed: speedKmh, Course: course, Valid: true,
	}, nil
}

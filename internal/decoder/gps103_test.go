package decoder

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/nwperu/trackgw/internal/model"
)

func TestGPS103DecodePosition(t *testing.T) {
	d := NewGPS103(0)
	frame := []byte("imei:353451044508750,tracker,240101120005,,F,120005.000,A,1202.4000,S,07701.8000,W,10.0,90.0")

	recs, err := d.Decode(frame, TCP)
	require.NoError(t, err)
	require.Len(t, recs, 1)

	r := recs[0]
	require.Equal(t, model.KindPosition, r.Kind)
	require.Equal(t, "353451044508750", r.UniqueID)
	require.InDelta(t, -12.04, r.Latitude, 1e-4)
	require.InDelta(t, -77.03, r.Longitude, 1e-4)
	require.InDelta(t, 18.52, r.Speed, 1e-6)
	require.Equal(t, 90.0, r.Course)
	require.True(t, r.Valid)
	require.Equal(t, 2024, r.DateTime.Year())
}

func TestGPS103DecodeHandshake(t *testing.T) {
	d := NewGPS103(0)
	recs, err := d.Decode([]byte("353451044508750"), TCP)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	require.Equal(t, model.KindConnection, recs[0].Kind)
}

func TestGPS103DecodeAlarm(t *testing.T) {
	d := NewGPS103(0)
	frame := []byte("imei:353451044508750,help me,2401011200,,,,,,,,,,")
	recs, err := d.Decode(frame, TCP)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	require.Equal(t, model.KindEvent, recs[0].Kind)
	require.Equal(t, model.EventSOS, recs[0].EventType)
}

func TestGPS103EmptyFrame(t *testing.T) {
	d := NewGPS103(0)
	recs, err := d.Decode([]byte(""), TCP)
	require.NoError(t, err)
	require.Nil(t, recs)
}

func TestGPS103MalformedPrefix(t *testing.T) {
	d := NewGPS103(0)
	_, err := d.Decode([]byte("garbage"), TCP)
	require.Error(t, err)
}

func TestGPS103Idempotent(t *testing.T) {
	d := NewGPS103(0)
	frame := []byte("imei:353451044508750,tracker,240101120005,,F,120005.000,A,1202.4000,S,07701.8000,W,10.0,90.0")
	a, err := d.Decode(frame, TCP)
	require.NoError(t, err)
	b, err := d.Decode(frame, TCP)
	require.NoError(t, err)
	require.Equal(t, a, b)
}

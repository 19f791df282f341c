package decoder

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/nwperu/trackgw/internal/model"
)

func TestTeltonikaIdentificationFrame(t *testing.T) {
	d := NewTeltonika()
	imei := "353451044508750"
	frame := make([]byte, 2+len(imei))
	binary.BigEndian.PutUint16(frame[0:2], uint16(len(imei)))
	copy(frame[2:], imei)

	recs, err := d.Decode(frame, TCP)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	require.Equal(t, model.KindConnection, recs[0].Kind)
	require.Equal(t, imei, recs[0].UniqueID)
}

// buildCodec8Frame constructs a single-record codec 0x08 AVL data
// frame with the given lat/lon/speed and no IO elements.
func buildCodec8Frame(t *testing.T, tsMs uint64, lat, lon, speed float64) []byte {
	t.Helper()
	record := make([]byte, 0, 32)
	var tmp [8]byte

	binary.BigEndian.PutUint64(tmp[:], tsMs)
	record = append(record, tmp[:]...)
	record = append(record, 0) // priority

	var lonBuf, latBuf [4]byte
	binary.BigEndian.PutUint32(lonBuf[:], uint32(int32(lon*1e7)))
	binary.BigEndian.PutUint32(latBuf[:], uint32(int32(lat*1e7)))
	record = append(record, lonBuf[:]...)
	record = append(record, latBuf[:]...)

	record = append(record, 0, 0) // altitude
	record = append(record, 0, 0) // course
	record = append(record, 5)    // satellites

	var speedBuf [2]byte
	binary.BigEndian.PutUint16(speedBuf[:], uint16(speed))
	record = append(record, speedBuf[:]...)

	record = append(record, 0)          // event id (1 byte for codec 8)
	record = append(record, 0, 0, 0, 0) // four empty IO bucket counts

	body := []byte{codec8, 1}
	body = append(body, record...)
	body = append(body, 1) // trailing record count repeat

	frame := make([]byte, 0, 8+len(body)+4)
	frame = append(frame, 0, 0, 0, 0) // preamble
	var dlBuf [4]byte
	binary.BigEndian.PutUint32(dlBuf[:], uint32(len(body)))
	frame = append(frame, dlBuf[:]...)
	frame = append(frame, body...)
	frame = append(frame, 0, 0, 0, 0) // CRC (unchecked)
	return frame
}

func TestTeltonikaCodec8AVLRecord(t *testing.T) {
	d := NewTeltonika()
	frame := buildCodec8Frame(t, 1700000000000, -9.9, -76.2, 60)

	recs, err := d.Decode(frame, TCP)
	require.NoError(t, err)
	require.Len(t, recs, 1)

	r := recs[0]
	require.Equal(t, model.KindPosition, r.Kind)
	require.InDelta(t, -9.9, r.Latitude, 1e-6)
	require.InDelta(t, -76.2, r.Longitude, 1e-6)
	require.Equal(t, 60.0, r.Speed)
	require.True(t, r.Valid)
}

func TestTeltonikaDataLengthMismatchRejected(t *testing.T) {
	d := NewTeltonika()
	frame := buildCodec8Frame(t, 1700000000000, -9.9, -76.2, 60)
	// Corrupt the declared data_length.
	binary.BigEndian.PutUint32(frame[4:8], 9999)

	recs, err := d.Decode(frame, TCP)
	require.Error(t, err)
	require.Nil(t, recs)
}

func TestTeltonikaKeepalive(t *testing.T) {
	d := NewTeltonika()
	recs, err := d.Decode([]byte{0xFF}, TCP)
	require.NoError(t, err)
	require.Nil(t, recs)
}

package decoder

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/nwperu/trackgw/internal/model"
)

func TestOsmAndDualRequestFrame(t *testing.T) {
	d := NewOsmAnd()
	frame := "POST /?id=865224&lat=-9.9&lon=-76.2&timestamp=1700000000&speed=0&bearing=0 HTTP/1.1\r\nHost: x\r\n\r\n" +
		"POST /?id=865224&lat=-9.91&lon=-76.21&timestamp=1700000060&speed=0&bearing=0 HTTP/1.1\r\nHost: x\r\n\r\n"

	recs, err := d.Decode([]byte(frame), TCP)
	require.NoError(t, err)
	require.Len(t, recs, 2)
	for _, r := range recs {
		require.Equal(t, model.KindPosition, r.Kind)
		require.Equal(t, 0.0, r.Speed)
	}
}

func TestOsmAndSkipsMalformedRequest(t *testing.T) {
	d := NewOsmAnd()
	frame := "POST /?lat=-9.9 HTTP/1.1\r\n\r\n" +
		"POST /?id=865224&lat=-9.9&lon=-76.2&timestamp=1700000000 HTTP/1.1\r\n\r\n"

	recs, err := d.Decode([]byte(frame), TCP)
	require.Error(t, err)
	require.Len(t, recs, 1)
}

func TestOsmAndEmptyFrame(t *testing.T) {
	d := NewOsmAnd()
	recs, err := d.Decode([]byte(""), TCP)
	require.NoError(t, err)
	require.Nil(t, recs)
}

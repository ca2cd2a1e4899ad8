package image

import (
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"raw-shutter-pi/pkg/camera"
	"raw-shutter-pi/pkg/clock"
	"raw-shutter-pi/pkg/dng"
)

var at = time.Date(2023, 12, 31, 23, 59, 58, 0, time.Local)

func newStorage(t *testing.T) *Storage {
	t.Helper()
	s, err := New(filepath.Join(t.TempDir(), "DCIM"), clock.Fixed(at), "test", zap.NewNop().Sugar())
	require.NoError(t, err)
	return s
}

// paddedImage builds a w x h RAW16 frame whose rows carry pad extra bytes.
func paddedImage(w, h, pad int) *camera.Image {
	stride := w*2 + pad
	data := make([]byte, stride*h)
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			binary.LittleEndian.PutUint16(data[y*stride+2*x:], uint16(y*100+x))
		}
		for i := w * 2; i < stride; i++ {
			data[y*stride+i] = 0xee
		}
	}
	return camera.NewImage("req", camera.FormatRawSensor, w, h, 42,
		[]camera.Plane{{Data: data, RowStride: stride, PixelStride: 2}}, nil)
}

func TestWriteHonorsRowStride(t *testing.T) {
	s := newStorage(t)
	img := paddedImage(5, 3, 6)
	md := &camera.CaptureMetadata{RequestID: "req", SensorTimestamp: 42, ExposureTime: 20 * time.Millisecond, Sensitivity: 400}
	ch := &camera.Characteristics{ID: "0", Model: "imx", CFA: camera.CFAGRBG, WhiteLevel: 4095}

	path, err := s.Write(img, md, ch)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(s.Dir(), "IMG_20231231_235958.dng"), path)
	assert.True(t, img.Released())

	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()
	d, err := dng.Decode(f)
	require.NoError(t, err)
	assert.Equal(t, 5, d.Width)
	assert.Equal(t, 3, d.Height)
	assert.EqualValues(t, 204, d.Pix[2*5+4])
	assert.Equal(t, [4]byte(camera.CFAGRBG), d.CFAPattern)
	assert.Equal(t, 400, d.ISO)
	assert.EqualValues(t, 4095, d.WhiteLevel)

	var private PrivateData
	require.NoError(t, json.Unmarshal(d.PrivateData, &private))
	assert.EqualValues(t, 42, private.Metadata.SensorTimestamp)
	assert.Equal(t, "imx", private.Characteristics.Model)
}

func TestWriteSameSecond(t *testing.T) {
	s := newStorage(t)
	var names []string
	for i := 0; i < 3; i++ {
		path, err := s.Write(paddedImage(2, 2, 0), &camera.CaptureMetadata{}, &camera.Characteristics{})
		require.NoError(t, err)
		names = append(names, filepath.Base(path))
	}
	assert.Equal(t, []string{
		"IMG_20231231_235958.dng",
		"IMG_20231231_235958_1.dng",
		"IMG_20231231_235958_2.dng",
	}, names)
}

func TestWriteNullImage(t *testing.T) {
	s := newStorage(t)
	_, err := s.Write(nil, &camera.CaptureMetadata{}, &camera.Characteristics{})
	assert.ErrorIs(t, err, ErrNullImage)

	img := camera.NewImage("req", camera.FormatRawSensor, 2, 2, 0, nil, nil)
	_, err = s.Write(img, &camera.CaptureMetadata{}, &camera.Characteristics{})
	assert.ErrorIs(t, err, ErrNullImage)
	assert.True(t, img.Released())
	_, err = os.Stat(s.Dir())
	assert.True(t, os.IsNotExist(err))
}

func TestWriteRejectsShortBuffer(t *testing.T) {
	s := newStorage(t)
	img := camera.NewImage("req", camera.FormatRawSensor, 4, 4, 0,
		[]camera.Plane{{Data: make([]byte, 10), RowStride: 8, PixelStride: 2}}, nil)
	_, err := s.Write(img, nil, nil)
	assert.ErrorIs(t, err, ErrUnsupportedFormat)
	assert.True(t, img.Released())

	jpeg := camera.NewImage("req", camera.FormatJPEG, 4, 4, 0,
		[]camera.Plane{{Data: make([]byte, 32)}}, nil)
	_, err = s.Write(jpeg, nil, nil)
	assert.ErrorIs(t, err, ErrUnsupportedFormat)
}

func TestNewRequiresPath(t *testing.T) {
	_, err := New("", nil, "", zap.NewNop().Sugar())
	assert.Error(t, err)
}

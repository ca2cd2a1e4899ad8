package capture

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"raw-shutter-pi/pkg/camera"
	"raw-shutter-pi/pkg/camera/fake"
	"raw-shutter-pi/pkg/clock"
	"raw-shutter-pi/pkg/dng"
	"raw-shutter-pi/pkg/storage/image"
)

var shotTime = time.Date(2024, 3, 9, 14, 5, 6, 0, time.Local)

func newWriter(t *testing.T) *image.Storage {
	t.Helper()
	w, err := image.New(t.TempDir(), clock.Fixed(shotTime), "test", zap.NewNop().Sugar())
	require.NoError(t, err)
	return w
}

func smallHardware() *fake.Hardware {
	hw := fake.NewEmpty()
	hw.AddDevice(&camera.Characteristics{
		ID:    "small",
		Make:  "raw-shutter",
		Model: "fake-small",
		StreamConfigs: []camera.StreamConfig{
			{Format: camera.FormatRawSensor, Size: camera.Size{Width: 64, Height: 48}},
		},
		CFA:        camera.CFABGGR,
		WhiteLevel: 1023,
	})
	return hw
}

func listDir(t *testing.T, dir string) []string {
	t.Helper()
	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return nil
	}
	require.NoError(t, err)
	var names []string
	for _, e := range entries {
		names = append(names, e.Name())
	}
	return names
}

type writerFunc func(*camera.Image, *camera.CaptureMetadata, *camera.Characteristics) (string, error)

func (f writerFunc) Write(img *camera.Image, md *camera.CaptureMetadata, ch *camera.Characteristics) (string, error) {
	return f(img, md, ch)
}

type chanIndexer chan string

func (c chanIndexer) Announce(path string) error {
	c <- path
	return nil
}

func TestCaptureWritesLargestRawFrame(t *testing.T) {
	hw := fake.New()
	w := newWriter(t)
	s := NewService(hw, w)

	out := s.CaptureImage(context.Background(), "0")
	require.True(t, out.OK(), out.Message)
	assert.Equal(t, filepath.Join(w.Dir(), "IMG_20240309_140506.dng"), out.FilePath)

	f, err := os.Open(out.FilePath)
	require.NoError(t, err)
	defer f.Close()
	d, err := dng.Decode(f)
	require.NoError(t, err)
	assert.Equal(t, 4000, d.Width)
	assert.Equal(t, 3000, d.Height)
	assert.Equal(t, "fake-rear", d.Model)
	assert.Equal(t, 100, d.ISO)

	var private image.PrivateData
	require.NoError(t, json.Unmarshal(d.PrivateData, &private))
	require.NotNil(t, private.Metadata)
	assert.NotZero(t, private.Metadata.SensorTimestamp)
	assert.Equal(t, camera.ControlModeAuto, private.Metadata.AEMode)
	assert.Equal(t, "0", private.Characteristics.ID)

	assert.Equal(t, 0, s.Guard().Held())
	assert.Equal(t, 1, hw.Opens())
	assert.Equal(t, 1, hw.Captures())
	assert.Equal(t, 1, hw.DeviceCloses())
	assert.Equal(t, 1, hw.SessionCloses())
	assert.Equal(t, 1, hw.ImagesReleased())
}

func TestCaptureStoresMetadataOfSameFrame(t *testing.T) {
	hw := smallHardware()
	store := newWriter(t)
	var (
		gotTimestamp int64
		gotRequest   string
	)
	w := writerFunc(func(img *camera.Image, md *camera.CaptureMetadata, ch *camera.Characteristics) (string, error) {
		gotTimestamp, gotRequest = img.Timestamp, img.RequestID
		return store.Write(img, md, ch)
	})
	s := NewService(hw, w)

	out := s.CaptureImage(context.Background(), "small")
	require.True(t, out.OK(), out.Message)
	require.NotZero(t, gotTimestamp)

	f, err := os.Open(out.FilePath)
	require.NoError(t, err)
	defer f.Close()
	d, err := dng.Decode(f)
	require.NoError(t, err)

	var private image.PrivateData
	require.NoError(t, json.Unmarshal(d.PrivateData, &private))
	require.NotNil(t, private.Metadata)
	assert.Equal(t, gotTimestamp, private.Metadata.SensorTimestamp)
	assert.Equal(t, gotRequest, private.Metadata.RequestID)
	assert.Equal(t, camera.FormatRawSensor, private.Characteristics.StreamConfigs[0].Format)
}

func TestCaptureUnknownCamera(t *testing.T) {
	hw := fake.New()
	w := newWriter(t)
	s := NewService(hw, w)

	out := s.CaptureImage(context.Background(), "missing")
	assert.Equal(t, CodeInvalidCameraID, out.ErrorCode)
	assert.Contains(t, out.Message, "missing")
	assert.Equal(t, 0, hw.Opens())
	assert.Equal(t, 0, s.Guard().Held())
	assert.Empty(t, listDir(t, w.Dir()))

	out = s.CaptureImage(context.Background(), "")
	assert.Equal(t, CodeInvalidCameraID, out.ErrorCode)
}

func TestCaptureDisconnectWhileOpening(t *testing.T) {
	hw := fake.New()
	hw.SetFault(fake.FaultDisconnectOnOpen)
	w := newWriter(t)
	s := NewService(hw, w)

	out := s.CaptureImage(context.Background(), "0")
	assert.Equal(t, CodeCameraError, out.ErrorCode)
	assert.Empty(t, out.FilePath)
	assert.Empty(t, listDir(t, w.Dir()))
	assert.Equal(t, 1, hw.DeviceCloses())
	assert.Equal(t, 0, s.Guard().Held())
}

func TestCaptureFaults(t *testing.T) {
	tests := []struct {
		fault          fake.Fault
		code           string
		deviceClosed   int
		sessionClosed  int
		imagesReleased int
	}{
		{fake.FaultOpenRejected, CodeCameraAccessError, 0, 0, 0},
		{fake.FaultOpenError, CodeCameraError, 1, 0, 0},
		{fake.FaultDisconnectOnOpen, CodeCameraError, 1, 0, 0},
		{fake.FaultConfigureFailed, CodeCaptureSessionFail, 1, 1, 0},
		{fake.FaultNoConfigure, CodeCameraError, 1, 0, 0},
		{fake.FaultCaptureFailed, CodeCameraError, 1, 1, 1},
		{fake.FaultNoImage, CodeCameraError, 1, 1, 1},
		{fake.FaultNullImage, CodeNullImage, 1, 1, 1},
		{fake.FaultImageBeforeCapture, CodeCameraError, 1, 1, 1},
		{fake.FaultForeignMetadata, CodeCameraError, 1, 1, 1},
		{fake.FaultDisconnectAfterCapture, CodeCameraError, 1, 1, 1},
	}
	for _, tt := range tests {
		hw := smallHardware()
		hw.SetFault(tt.fault)
		w := newWriter(t)
		s := NewService(hw, w, WithStageTimeout(200*time.Millisecond))

		out := s.CaptureImage(context.Background(), "small")
		assert.Equal(t, tt.code, out.ErrorCode, "fault %d: %s", tt.fault, out.Message)
		assert.NotEmpty(t, out.Message, "fault %d", tt.fault)
		assert.Empty(t, listDir(t, w.Dir()), "fault %d", tt.fault)
		assert.Equal(t, 0, s.Guard().Held(), "fault %d", tt.fault)
		assert.Equal(t, tt.deviceClosed, hw.DeviceCloses(), "fault %d", tt.fault)
		assert.Equal(t, tt.sessionClosed, hw.SessionCloses(), "fault %d", tt.fault)
		assert.Eventually(t, func() bool {
			return hw.ImagesReleased() == tt.imagesReleased && hw.ImagesDelivered() == tt.imagesReleased
		}, time.Second, 10*time.Millisecond, "fault %d", tt.fault)
	}
}

func TestCaptureTimeoutReportsState(t *testing.T) {
	hw := smallHardware()
	hw.SetFault(fake.FaultNoImage)
	s := NewService(hw, newWriter(t), WithStageTimeout(100*time.Millisecond))

	start := time.Now()
	out := s.CaptureImage(context.Background(), "small")
	assert.Equal(t, CodeCameraError, out.ErrorCode)
	assert.Contains(t, out.Message, StateAwaitingImage)
	assert.Contains(t, out.Message, "timeout")
	assert.Less(t, time.Since(start), 2*time.Second)
}

func TestCaptureSerializesRequests(t *testing.T) {
	hw := smallHardware()
	gate := make(chan struct{})
	hw.Gate = gate
	w := newWriter(t)
	s := NewService(hw, w)

	var wg sync.WaitGroup
	outs := make([]Outcome, 2)
	wg.Add(1)
	go func() {
		defer wg.Done()
		outs[0] = s.CaptureImage(context.Background(), "small")
	}()
	require.Eventually(t, func() bool { return hw.Opens() == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, 1, s.Guard().Held())

	wg.Add(1)
	go func() {
		defer wg.Done()
		outs[1] = s.CaptureImage(context.Background(), "small")
	}()
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 1, hw.Opens(), "second request opened the camera while the first was in flight")

	close(gate)
	wg.Wait()
	require.True(t, outs[0].OK(), outs[0].Message)
	require.True(t, outs[1].OK(), outs[1].Message)
	assert.Equal(t, 2, hw.Opens())
	assert.Equal(t, 0, s.Guard().Held())

	assert.ElementsMatch(t, []string{"IMG_20240309_140506.dng", "IMG_20240309_140506_1.dng"}, listDir(t, w.Dir()))
}

func TestCaptureWaitHonorsContext(t *testing.T) {
	hw := smallHardware()
	s := NewService(hw, newWriter(t))

	permit, err := s.Guard().Acquire(context.Background())
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	out := s.CaptureImage(ctx, "small")
	assert.Equal(t, CodeCameraNotReady, out.ErrorCode)
	assert.Equal(t, 0, hw.Opens())

	permit.Release()
	assert.Equal(t, 0, s.Guard().Held())
}

func TestCaptureWithoutRawOutput(t *testing.T) {
	hw := fake.New()
	s := NewService(hw, newWriter(t))

	out := s.CaptureImage(context.Background(), "1")
	assert.Equal(t, CodeCameraAccessError, out.ErrorCode)
	assert.Equal(t, 1, hw.DeviceCloses())
	assert.Equal(t, 0, hw.Captures())
}

func TestCaptureEnumerationFailure(t *testing.T) {
	hw := fake.New()
	hw.SetListError(errors.New("no /dev"))
	s := NewService(hw, newWriter(t))

	_, err := s.CameraIDs()
	require.Error(t, err)
	assert.Equal(t, CodeCameraError, KindOf(err).Code())

	out := s.CaptureImage(context.Background(), "0")
	assert.Equal(t, CodeCameraAccessError, out.ErrorCode)
	assert.Equal(t, 0, hw.Opens())
}

func TestCaptureWriterFailureStillCloses(t *testing.T) {
	hw := smallHardware()
	w := writerFunc(func(img *camera.Image, _ *camera.CaptureMetadata, _ *camera.Characteristics) (string, error) {
		_ = img.Close()
		return "", errors.New("disk full")
	})
	s := NewService(hw, w)

	out := s.CaptureImage(context.Background(), "small")
	assert.Equal(t, CodeIOError, out.ErrorCode)
	assert.Contains(t, out.Message, "disk full")
	assert.Equal(t, 1, hw.DeviceCloses())
	assert.Equal(t, 1, hw.SessionCloses())
	assert.Equal(t, 1, hw.ImagesReleased())
}

func TestCaptureRecoversWriterPanic(t *testing.T) {
	hw := smallHardware()
	w := writerFunc(func(img *camera.Image, _ *camera.CaptureMetadata, _ *camera.Characteristics) (string, error) {
		_ = img.Close()
		panic("encoder bug")
	})
	s := NewService(hw, w)

	out := s.CaptureImage(context.Background(), "small")
	assert.Equal(t, CodeCameraError, out.ErrorCode)
	assert.Equal(t, 0, s.Guard().Held())
	assert.Equal(t, 1, hw.DeviceCloses())

	out = s.CaptureImage(context.Background(), "small")
	assert.Equal(t, CodeCameraError, out.ErrorCode)
	assert.Equal(t, 2, hw.Opens())
}

func TestCaptureAnnouncesFile(t *testing.T) {
	hw := smallHardware()
	idx := make(chanIndexer, 1)
	s := NewService(hw, newWriter(t), WithIndexer(idx))

	out := s.CaptureImage(context.Background(), "small")
	require.True(t, out.OK(), out.Message)
	select {
	case p := <-idx:
		assert.Equal(t, out.FilePath, p)
	case <-time.After(time.Second):
		t.Fatal("file was not announced")
	}
	assert.True(t, strings.HasSuffix(out.FilePath, image.Ext))
}

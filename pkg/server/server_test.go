package server

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"raw-shutter-pi/pkg/camera/fake"
	"raw-shutter-pi/pkg/capture"
	"raw-shutter-pi/pkg/clock"
	"raw-shutter-pi/pkg/ov"
	"raw-shutter-pi/pkg/storage"
	"raw-shutter-pi/pkg/storage/image"
	"raw-shutter-pi/pkg/webdav"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type testServer struct {
	hw      *fake.Hardware
	gallery *storage.Gallery
	router  *gin.Engine
}

func newTestServer(t *testing.T, opts ...Option) *testServer {
	t.Helper()
	logger := zap.NewNop().Sugar()
	dir := filepath.Join(t.TempDir(), "pictures")
	gallery, err := storage.New(dir, logger)
	require.NoError(t, err)
	w, err := image.New(dir, clock.Fixed(time.Date(2024, 5, 1, 8, 0, 0, 0, time.Local)), "test", logger)
	require.NoError(t, err)

	hw := fake.New()
	svc := capture.NewService(hw, w, capture.WithIndexer(gallery), capture.WithLogger(logger), capture.WithStageTimeout(time.Second))
	dav := webdav.New(context.Background(), 0, dir)
	t.Cleanup(dav.Stop)
	return &testServer{hw: hw, gallery: gallery, router: New(svc, gallery, dav, logger, opts...).Router()}
}

func (ts *testServer) do(method, target string) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	ts.router.ServeHTTP(rec, httptest.NewRequest(method, target, nil))
	return rec
}

func TestListCameras(t *testing.T) {
	ts := newTestServer(t)
	rec := ts.do(http.MethodGet, "/api/camera")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `["0","1"]`)
}

func TestGetCamera(t *testing.T) {
	ts := newTestServer(t)
	rec := ts.do(http.MethodGet, "/api/camera/0")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"largestRawSize":{"width":4000,"height":3000}`)

	rec = ts.do(http.MethodGet, "/api/camera/missing")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestCaptureEndpoint(t *testing.T) {
	ts := newTestServer(t)
	rec := ts.do(http.MethodPost, "/api/camera/0/capture")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Contains(t, rec.Body.String(), "IMG_20240501_080000.dng")

	require.Eventually(t, func() bool {
		f, err := ts.gallery.Latest()
		return err == nil && f != nil
	}, time.Second, 10*time.Millisecond)

	rec = ts.do(http.MethodGet, "/api/images/latest")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "IMG_20240501_080000.dng")

	rec = ts.do(http.MethodGet, "/api/images")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "IMG_20240501_080000.dng")

	rec = ts.do(http.MethodGet, "/api/images/file/IMG_20240501_080000.dng")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "II", rec.Body.String()[:2])
}

func TestCaptureEndpointErrors(t *testing.T) {
	ts := newTestServer(t)
	rec := ts.do(http.MethodPost, "/api/camera/missing/capture")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	var body ov.CaptureError
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "error", body.Status)
	assert.Equal(t, capture.CodeInvalidCameraID, body.Code)

	ts.hw.SetFault(fake.FaultConfigureFailed)
	rec = ts.do(http.MethodPost, "/api/camera/0/capture")
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, capture.CodeCaptureSessionFail, body.Code)
	assert.Equal(t, 0, ts.hw.Opens()-ts.hw.DeviceCloses())
}

func TestLatestImageEmpty(t *testing.T) {
	ts := newTestServer(t)
	assert.Equal(t, http.StatusNotFound, ts.do(http.MethodGet, "/api/images/latest").Code)
	assert.Equal(t, http.StatusBadRequest, ts.do(http.MethodGet, "/api/images/file/info.json").Code)
}

func TestWebdavControl(t *testing.T) {
	ts := newTestServer(t)
	assert.Equal(t, http.StatusBadRequest, ts.do(http.MethodPut, "/api/device/webdav?op=reboot").Code)

	rec := ts.do(http.MethodPut, "/api/device/webdav?op=start")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"running":true`)

	rec = ts.do(http.MethodPut, "/api/device/webdav?op=shutdown")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"running":false`)
}

func TestDeviceStatus(t *testing.T) {
	ts := newTestServer(t)
	require.NoError(t, os.WriteFile(filepath.Join(ts.gallery.Dir(), "IMG_x.dng"), make([]byte, 10), 0600))
	rec := ts.do(http.MethodGet, "/api/device/status")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"captureBusy":false`)
}

func TestNoRoute(t *testing.T) {
	ts := newTestServer(t)
	assert.Equal(t, http.StatusNotFound, ts.do(http.MethodGet, "/nope").Code)
}

func preflight(ts *testServer, origin string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodOptions, "/api/camera", nil)
	req.Header.Set("Origin", origin)
	req.Header.Set("Access-Control-Request-Method", http.MethodGet)
	rec := httptest.NewRecorder()
	ts.router.ServeHTTP(rec, req)
	return rec
}

func TestCorsAnyOriginWithoutCredentials(t *testing.T) {
	ts := newTestServer(t)
	rec := preflight(ts, "http://evil.example")
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))
	assert.Empty(t, rec.Header().Get("Access-Control-Allow-Credentials"))
}

func TestCorsRestrictedOrigins(t *testing.T) {
	ts := newTestServer(t, WithAllowOrigins("http://raspberrypi.local:3000"))

	rec := preflight(ts, "http://raspberrypi.local:3000")
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "http://raspberrypi.local:3000", rec.Header().Get("Access-Control-Allow-Origin"))
	assert.Equal(t, "true", rec.Header().Get("Access-Control-Allow-Credentials"))

	rec = preflight(ts, "http://evil.example")
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Empty(t, rec.Header().Get("Access-Control-Allow-Origin"))
}

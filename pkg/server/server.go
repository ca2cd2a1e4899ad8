// Package server is the HTTP API in front of the capture service.
package server

import (
	"errors"
	"net"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/vincent-vinf/go-jsend"
	"go.uber.org/zap"

	"raw-shutter-pi/pkg/camera"
	"raw-shutter-pi/pkg/capture"
	"raw-shutter-pi/pkg/ov"
	"raw-shutter-pi/pkg/storage"
	"raw-shutter-pi/pkg/utils"
	"raw-shutter-pi/pkg/utils/ps"
	"raw-shutter-pi/pkg/webdav"
)

const (
	webDavStart    = "start"
	webDavShutdown = "shutdown"
)

type Server struct {
	svc     *capture.Service
	gallery *storage.Gallery
	dav     *webdav.Webdav
	logger  *zap.SugaredLogger
	origins []string
}

type Option func(*Server)

// WithAllowOrigins restricts cross-origin access to origins. Any origin is
// allowed by default.
func WithAllowOrigins(origins ...string) Option {
	return func(s *Server) {
		s.origins = origins
	}
}

func New(svc *capture.Service, gallery *storage.Gallery, dav *webdav.Webdav, logger *zap.SugaredLogger, opts ...Option) *Server {
	s := &Server{svc: svc, gallery: gallery, dav: dav, logger: logger}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Server) Router() *gin.Engine {
	r := gin.New()
	r.Use(gin.Logger())
	r.Use(gin.Recovery())
	r.Use(utils.Cors(s.origins))
	r.NoRoute(func(c *gin.Context) {
		c.JSON(http.StatusNotFound, jsend.SimpleErr("page not found"))
	})

	apiRouter := r.Group("/api")

	cameraRouter := apiRouter.Group("/camera")
	cameraRouter.GET("", s.listCameras)
	cameraRouter.GET("/:id", s.getCamera)
	cameraRouter.POST("/:id/capture", s.captureImage)

	imageRouter := apiRouter.Group("/images")
	imageRouter.GET("", s.listImages)
	imageRouter.GET("/latest", s.latestImage)
	imageRouter.GET("/file/:name", s.getImage)

	deviceRouter := apiRouter.Group("/device")
	deviceRouter.GET("/status", s.deviceStatus)
	deviceRouter.PUT("/webdav", s.ctlWebdav)

	return r
}

func (s *Server) listCameras(c *gin.Context) {
	ids, err := s.svc.CameraIDs()
	if err != nil {
		internalErr(c, err)
		return
	}

	c.JSON(http.StatusOK, jsend.Success(ids))
}

func (s *Server) getCamera(c *gin.Context) {
	id := c.Param("id")
	ch, err := s.svc.Characteristics(id)
	if err != nil {
		if capture.KindOf(err) == capture.KindInvalidRequest {
			c.JSON(http.StatusNotFound, jsend.SimpleErr(err.Error()))
			return
		}
		internalErr(c, err)
		return
	}
	res := ov.Camera{ID: id, Characteristics: ch}
	if size, err := camera.LargestRawOutputSize(ch); err == nil {
		res.LargestRawSize = &size
	}

	c.JSON(http.StatusOK, jsend.Success(res))
}

func (s *Server) captureImage(c *gin.Context) {
	out := s.svc.CaptureImage(c.Request.Context(), c.Param("id"))
	if out.OK() {
		c.JSON(http.StatusOK, jsend.Success(ov.CaptureResult{FilePath: out.FilePath}))
		return
	}

	c.JSON(captureStatus(out.ErrorCode), ov.CaptureError{
		Status:  "error",
		Code:    out.ErrorCode,
		Message: out.Message,
	})
}

func captureStatus(code string) int {
	switch code {
	case capture.CodeInvalidCameraID:
		return http.StatusNotFound
	case capture.CodeCameraNotReady:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) listImages(c *gin.Context) {
	files, err := s.gallery.ListImages()
	if err != nil {
		internalErr(c, err)
		return
	}

	c.JSON(http.StatusOK, jsend.Success(files))
}

func (s *Server) latestImage(c *gin.Context) {
	f, err := s.gallery.Latest()
	if err != nil {
		internalErr(c, err)
		return
	}
	if f == nil {
		c.JSON(http.StatusNotFound, jsend.SimpleErr("no image yet"))
		return
	}

	c.JSON(http.StatusOK, jsend.Success(f))
}

func (s *Server) getImage(c *gin.Context) {
	p, err := s.gallery.Path(c.Param("name"))
	if err != nil {
		c.JSON(http.StatusBadRequest, jsend.SimpleErr(err.Error()))
		return
	}

	c.FileAttachment(p, c.Param("name"))
}

func (s *Server) deviceStatus(c *gin.Context) {
	st, err := ps.DeviceStatus(s.gallery.Dir())
	if err != nil {
		internalErr(c, err)
		return
	}

	c.JSON(http.StatusOK, jsend.Success(gin.H{
		"device":       st,
		"captureBusy":  s.svc.Guard().Held() > 0,
		"webdav":       s.webdavStatus(c),
		"imagesFolder": s.gallery.Dir(),
	}))
}

func (s *Server) ctlWebdav(c *gin.Context) {
	if s.dav == nil {
		c.JSON(http.StatusNotImplemented, jsend.SimpleErr("webdav is disabled"))
		return
	}
	switch c.Query("op") {
	case webDavStart:
		s.dav.Start()
		c.JSON(http.StatusOK, jsend.Success(s.webdavStatus(c)))
	case webDavShutdown:
		s.dav.Stop()
		c.JSON(http.StatusOK, jsend.Success(s.webdavStatus(c)))
	default:
		c.JSON(http.StatusBadRequest, jsend.SimpleErr("unknown operation"))
	}
}

func (s *Server) webdavStatus(c *gin.Context) ov.WebdavStatus {
	if s.dav == nil {
		return ov.WebdavStatus{}
	}
	st := ov.WebdavStatus{Running: s.dav.Running(), Port: s.dav.Port()}
	if st.Running {
		host := c.Request.Host
		if h, _, err := net.SplitHostPort(host); err == nil {
			host = h
		}
		st.Host = host
	}
	return st
}

func internalErr(c *gin.Context, err error) {
	var ce *capture.Error
	if errors.As(err, &ce) {
		c.JSON(http.StatusInternalServerError, ov.CaptureError{Status: "error", Code: ce.Code(), Message: ce.Error()})
		return
	}
	c.JSON(http.StatusInternalServerError, jsend.SimpleErr(err.Error()))
}

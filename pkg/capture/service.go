package capture

import (
	"context"
	"runtime/debug"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"raw-shutter-pi/pkg/camera"
)

const DefaultStageTimeout = 10 * time.Second

// Indexer is told about every file a successful capture produced.
type Indexer interface {
	Announce(path string) error
}

type Option func(*Service)

// WithStageTimeout bounds every waiting state of a session. Zero waits forever.
func WithStageTimeout(d time.Duration) Option {
	return func(s *Service) {
		s.timeout = d
	}
}

func WithIndexer(i Indexer) Option {
	return func(s *Service) {
		s.indexer = i
	}
}

func WithLogger(l *zap.SugaredLogger) Option {
	return func(s *Service) {
		s.logger = l
	}
}

// Service is the entry point for captures. At most one runs at a time.
type Service struct {
	hw      camera.Hardware
	catalog *camera.Catalog
	guard   *Guard
	writer  Writer
	indexer Indexer
	timeout time.Duration
	logger  *zap.SugaredLogger
}

func NewService(hw camera.Hardware, w Writer, opts ...Option) *Service {
	s := &Service{
		hw:      hw,
		catalog: camera.NewCatalog(hw),
		guard:   NewGuard(),
		writer:  w,
		timeout: DefaultStageTimeout,
		logger:  zap.NewNop().Sugar(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Service) CameraIDs() ([]string, error) {
	ids, err := s.catalog.ListDeviceIDs()
	if err != nil {
		return nil, newError(KindDeviceError, err, "list cameras")
	}
	return ids, nil
}

func (s *Service) Characteristics(cameraID string) (*camera.Characteristics, error) {
	ch, err := s.catalog.Characteristics(cameraID)
	if err != nil {
		return nil, newError(KindOf(err), err, "camera %q", cameraID)
	}
	return ch, nil
}

// Guard exposes the concurrency guard, mostly for status reporting.
func (s *Service) Guard() *Guard {
	return s.guard
}

// CaptureImage takes one raw frame on cameraID and returns where it was
// written, or why not. ctx only bounds the wait for a free camera.
func (s *Service) CaptureImage(ctx context.Context, cameraID string) Outcome {
	result := make(chan Outcome, 1)
	r := NewReporter(s.logger, func(o Outcome) {
		result <- o
	})
	s.capture(ctx, uuid.NewString(), cameraID, r)
	return <-result
}

func (s *Service) capture(ctx context.Context, requestID, cameraID string, r *Reporter) {
	if cameraID == "" {
		_ = r.Deliver(failure(requestID, newError(KindInvalidRequest, nil, "empty camera id")))
		return
	}
	ch, err := s.Characteristics(cameraID)
	if err != nil {
		_ = r.Deliver(failure(requestID, err))
		return
	}

	permit, err := s.guard.Acquire(ctx)
	if err != nil {
		_ = r.Deliver(failure(requestID, newError(KindNotReady, err, "camera busy")))
		return
	}
	defer permit.Release()
	defer func() {
		if p := recover(); p != nil {
			s.logger.Errorf("capture %s: panic: %v\n%s", requestID, p, debug.Stack())
			_ = r.Deliver(failure(requestID, newError(KindDeviceError, nil, "internal error: %v", p)))
		}
	}()

	sess := NewSession(requestID, ch, s.hw, s.writer, s.timeout, s.logger)
	path, err := sess.Run()
	if err != nil {
		_ = r.Deliver(failure(requestID, err))
		return
	}
	_ = r.Deliver(success(requestID, path))
	s.announce(requestID, path)
}

func (s *Service) announce(requestID, path string) {
	if s.indexer == nil {
		return
	}
	go func() {
		if err := s.indexer.Announce(path); err != nil {
			s.logger.Warnf("capture %s: index %s: %v", requestID, path, err)
		}
	}()
}

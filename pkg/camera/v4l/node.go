package v4l

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/vladimirvivien/go4vl/device"
	"github.com/vladimirvivien/go4vl/v4l2"
	"go.uber.org/atomic"
	"go.uber.org/multierr"

	"raw-shutter-pi/pkg/camera"
)

// V4L2 control ids.
const (
	ctrlExposureAuto     v4l2.CtrlID = 10094849
	ctrlExposureAbsolute v4l2.CtrlID = 10094850 // 100us units
	ctrlFocusAuto        v4l2.CtrlID = 10094860
	ctrlISOSensitivity   v4l2.CtrlID = 10094871

	exposureAuto             v4l2.CtrlValue = 0
	exposureAperturePriority v4l2.CtrlValue = 3
)

// node is one opened video device. Notifications are delivered from a
// single goroutine in the order they were posted.
type node struct {
	hw   *Hardware
	id   string
	path string
	l    camera.Listener

	mu     sync.Mutex
	closed bool
	dev    *device.Device
	cancel context.CancelFunc
	queue  chan camera.Event
}

func newNode(h *Hardware, id, path string, l camera.Listener) *node {
	n := &node{hw: h, id: id, path: path, l: l, queue: make(chan camera.Event, 8)}
	go func() {
		for ev := range n.queue {
			n.l.Notify(ev)
		}
	}()
	return n
}

func (n *node) post(ev camera.Event) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.closed {
		if ia, ok := ev.(camera.ImageAvailable); ok && ia.Image != nil {
			_ = ia.Image.Close()
		}
		return
	}
	n.queue <- ev
}

func (n *node) setHandle(dev *device.Device) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.closed {
		_ = dev.Close()
		return
	}
	n.dev = dev
}

func (n *node) ID() string {
	return n.id
}

// CreateSession reopens the node in the Bayer mode matching the single
// requested output.
func (n *node) CreateSession(outputs []camera.StreamConfig) error {
	if len(outputs) != 1 || outputs[0].Format != camera.FormatRawSensor {
		return errors.Errorf("v4l: need exactly one raw output, got %v", outputs)
	}
	size := outputs[0].Size
	mode, ok := n.hw.mode(n.id, size)
	if !ok {
		return errors.Errorf("v4l: %s has no bayer mode for %s", n.path, size)
	}

	s := &session{node: n, size: size, mode: mode}
	go func() {
		n.mu.Lock()
		prev := n.dev
		n.dev = nil
		n.mu.Unlock()
		if prev != nil {
			_ = prev.Close()
		}

		dev, err := device.Open(n.path,
			device.WithBufferSize(1),
			device.WithPixFormat(v4l2.PixFormat{
				PixelFormat: v4l2.FourCCType(mode.fourcc),
				Width:       uint32(size.Width),
				Height:      uint32(size.Height),
				Field:       v4l2.FieldNone,
			}),
		)
		if err != nil {
			logger.Warnf("configure %s for %s: %v", n.path, size, err)
			n.post(camera.SessionConfigureFailed{Session: s})
			return
		}
		// The driver may silently substitute another format or size.
		applied, err := v4l2.GetPixFormat(dev.Fd())
		if err == nil {
			err = checkApplied(mode, size, applied)
		}
		if err != nil {
			logger.Warnf("configure %s for %s: %v", n.path, size, err)
			_ = dev.Close()
			n.post(camera.SessionConfigureFailed{Session: s})
			return
		}
		n.setHandle(dev)
		n.post(camera.SessionConfigured{Session: s})
	}()
	return nil
}

func (n *node) handle() *device.Device {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.dev
}

func (n *node) Close() error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.closed {
		return errors.Errorf("v4l: %s already closed", n.path)
	}
	n.closed = true
	close(n.queue)
	if n.cancel != nil {
		n.cancel()
	}
	if n.dev != nil {
		err := n.dev.Close()
		n.dev = nil
		return errors.Wrapf(err, "close %s", n.path)
	}
	return nil
}

type session struct {
	node   *node
	size   camera.Size
	mode   bayer
	closed atomic.Bool
	issued atomic.Bool
}

// Capture streams until the first frame arrives, then stops the stream.
func (s *session) Capture(req *camera.CaptureRequest) error {
	if s.closed.Load() {
		return errors.New("v4l: session closed")
	}
	if !s.issued.CompareAndSwap(false, true) {
		return errors.New("v4l: session already captured")
	}
	n := s.node
	dev := n.handle()
	if dev == nil {
		return errors.Errorf("v4l: %s not configured", n.path)
	}
	applyControls(dev, req)

	ctx, cancel := context.WithCancel(context.Background())
	n.mu.Lock()
	n.cancel = cancel
	n.mu.Unlock()
	if err := dev.Start(ctx); err != nil {
		cancel()
		return errors.Wrapf(err, "start %s", n.path)
	}

	go func() {
		defer cancel()
		var frame []byte
		select {
		case f, ok := <-dev.GetOutput():
			if !ok {
				n.post(camera.CaptureFailed{RequestID: req.ID, Reason: 0})
				return
			}
			frame = append([]byte(nil), f...)
		case <-ctx.Done():
			return
		}
		ts := time.Now()

		md := &camera.CaptureMetadata{
			RequestID:       req.ID,
			SensorTimestamp: ts.UnixNano(),
			AEMode:          req.AEMode,
			AFMode:          req.AFMode,
			CapturedAt:      ts,
		}
		if c, err := v4l2.GetControl(dev.Fd(), ctrlExposureAbsolute); err == nil {
			md.ExposureTime = time.Duration(c.Value) * 100 * time.Microsecond
		}
		if c, err := v4l2.GetControl(dev.Fd(), ctrlISOSensitivity); err == nil {
			md.Sensitivity = int(c.Value)
		}

		stride := s.size.Width * 2
		if pf, err := v4l2.GetPixFormat(dev.Fd()); err == nil && int(pf.BytesPerLine) >= stride {
			stride = int(pf.BytesPerLine)
		}
		img := camera.NewImage(req.ID, camera.FormatRawSensor, s.size.Width, s.size.Height, md.SensorTimestamp,
			[]camera.Plane{{Data: frame, RowStride: stride, PixelStride: 2}}, nil)

		n.post(camera.CaptureCompleted{RequestID: req.ID, Metadata: md})
		n.post(camera.ImageAvailable{Image: img})
	}()
	return nil
}

func checkApplied(mode bayer, size camera.Size, got v4l2.PixFormat) error {
	if uint32(got.PixelFormat) != mode.fourcc || int(got.Width) != size.Width || int(got.Height) != size.Height {
		return errors.Errorf("driver applied %s %dx%d, requested %s %s",
			fourccString(uint32(got.PixelFormat)), got.Width, got.Height, fourccString(mode.fourcc), size)
	}
	return nil
}

type controlSetter interface {
	SetControlValue(id v4l2.CtrlID, val v4l2.CtrlValue) error
}

// applyControls prefers full auto exposure and falls back to aperture
// priority on sensors that only expose the latter.
func applyControls(dev controlSetter, req *camera.CaptureRequest) {
	var err error
	if req.AEMode == camera.ControlModeAuto {
		if dev.SetControlValue(ctrlExposureAuto, exposureAuto) != nil {
			err = multierr.Append(err, dev.SetControlValue(ctrlExposureAuto, exposureAperturePriority))
		}
	}
	if req.AFMode == camera.ControlModeAuto {
		err = multierr.Append(err, dev.SetControlValue(ctrlFocusAuto, 1))
	}
	if err != nil {
		logger.Warnf("apply controls: %v", err)
	}
}

func (s *session) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return errors.New("v4l: session already closed")
	}
	s.node.mu.Lock()
	defer s.node.mu.Unlock()
	if s.node.cancel != nil {
		s.node.cancel()
		s.node.cancel = nil
	}
	return nil
}

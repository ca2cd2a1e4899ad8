// Package fake is an in-memory camera backend. It emits the same
// notification sequence as real hardware, on its own goroutines, and can be
// told to misbehave at any step.
package fake

import (
	"encoding/binary"
	"fmt"
	"sync"
	"time"

	"go.uber.org/atomic"

	"raw-shutter-pi/pkg/camera"
)

type Fault int

const (
	FaultNone Fault = iota
	// FaultOpenRejected makes Open fail synchronously.
	FaultOpenRejected
	// FaultOpenError reports DeviceError instead of DeviceOpened.
	FaultOpenError
	// FaultDisconnectOnOpen reports DeviceDisconnected instead of DeviceOpened.
	FaultDisconnectOnOpen
	FaultConfigureFailed
	// FaultNoConfigure never answers CreateSession.
	FaultNoConfigure
	FaultCaptureFailed
	// FaultNoImage completes the capture but never delivers the image.
	FaultNoImage
	FaultNullImage
	FaultImageBeforeCapture
	// FaultForeignMetadata reports metadata for a request that was never issued.
	FaultForeignMetadata
	FaultDisconnectAfterCapture
)

const DefaultErrorCode = 4 // CameraDevice.ERROR_CAMERA_DEVICE

type Hardware struct {
	mu      sync.Mutex
	ids     []string
	chars   map[string]*camera.Characteristics
	fault   Fault
	listErr error

	// Gate, when set, holds back the open notification until it is closed.
	Gate chan struct{}
	// ErrorCode is reported with FaultOpenError.
	ErrorCode int

	opens          atomic.Int32
	deviceCloses   atomic.Int32
	sessionCloses  atomic.Int32
	captures       atomic.Int32
	imagesOut      atomic.Int32
	imagesReleased atomic.Int32
}

// New returns a backend with a rear camera "0" offering raw output and a
// front camera "1" that only produces JPEG.
func New() *Hardware {
	h := &Hardware{ErrorCode: DefaultErrorCode}
	h.AddDevice(&camera.Characteristics{
		ID:    "0",
		Make:  "raw-shutter",
		Model: "fake-rear",
		StreamConfigs: []camera.StreamConfig{
			{Format: camera.FormatJPEG, Size: camera.Size{Width: 4000, Height: 3000}},
			{Format: camera.FormatRawSensor, Size: camera.Size{Width: 4000, Height: 3000}},
			{Format: camera.FormatRawSensor, Size: camera.Size{Width: 2000, Height: 1500}},
		},
		CFA:        camera.CFARGGB,
		BlackLevel: 64,
		WhiteLevel: 1023,
	})
	h.AddDevice(&camera.Characteristics{
		ID:    "1",
		Make:  "raw-shutter",
		Model: "fake-front",
		StreamConfigs: []camera.StreamConfig{
			{Format: camera.FormatJPEG, Size: camera.Size{Width: 1920, Height: 1080}},
		},
	})
	return h
}

// NewEmpty returns a backend without devices.
func NewEmpty() *Hardware {
	return &Hardware{ErrorCode: DefaultErrorCode}
}

func (h *Hardware) AddDevice(ch *camera.Characteristics) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.chars == nil {
		h.chars = make(map[string]*camera.Characteristics)
	}
	if _, ok := h.chars[ch.ID]; !ok {
		h.ids = append(h.ids, ch.ID)
	}
	h.chars[ch.ID] = ch
}

func (h *Hardware) SetFault(f Fault) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.fault = f
}

func (h *Hardware) SetListError(err error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.listErr = err
}

func (h *Hardware) currentFault() Fault {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.fault
}

func (h *Hardware) DeviceIDs() ([]string, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.listErr != nil {
		return nil, h.listErr
	}
	return append([]string(nil), h.ids...), nil
}

func (h *Hardware) Characteristics(id string) (*camera.Characteristics, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	ch, ok := h.chars[id]
	if !ok {
		return nil, fmt.Errorf("fake: no device %q", id)
	}
	return ch, nil
}

func (h *Hardware) Open(id string, l camera.Listener) error {
	ch, err := h.Characteristics(id)
	if err != nil {
		return err
	}
	h.opens.Inc()
	fault := h.currentFault()
	if fault == FaultOpenRejected {
		return fmt.Errorf("fake: device %s busy", id)
	}

	d := &device{hw: h, chars: ch, fault: fault, queue: make(chan camera.Event, 16), l: l}
	go d.emit()
	gate := h.Gate
	go func() {
		if gate != nil {
			<-gate
		}
		switch fault {
		case FaultOpenError:
			d.post(camera.DeviceError{Device: d, Code: h.ErrorCode})
		case FaultDisconnectOnOpen:
			d.post(camera.DeviceDisconnected{Device: d})
		default:
			d.post(camera.DeviceOpened{Device: d})
		}
	}()
	return nil
}

func (h *Hardware) Opens() int           { return int(h.opens.Load()) }
func (h *Hardware) DeviceCloses() int    { return int(h.deviceCloses.Load()) }
func (h *Hardware) SessionCloses() int   { return int(h.sessionCloses.Load()) }
func (h *Hardware) Captures() int        { return int(h.captures.Load()) }
func (h *Hardware) ImagesDelivered() int { return int(h.imagesOut.Load()) }
func (h *Hardware) ImagesReleased() int  { return int(h.imagesReleased.Load()) }

type device struct {
	hw    *Hardware
	chars *camera.Characteristics
	fault Fault
	l     camera.Listener

	mu     sync.Mutex
	closed bool
	queue  chan camera.Event
}

// emit delivers notifications in the order they were posted.
func (d *device) emit() {
	for ev := range d.queue {
		d.l.Notify(ev)
	}
}

func (d *device) post(ev camera.Event) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		if ia, ok := ev.(camera.ImageAvailable); ok && ia.Image != nil {
			_ = ia.Image.Close()
		}
		return
	}
	d.queue <- ev
}

func (d *device) ID() string {
	return d.chars.ID
}

func (d *device) CreateSession(outputs []camera.StreamConfig) error {
	if len(outputs) != 1 {
		return fmt.Errorf("fake: expected one output, got %d", len(outputs))
	}
	s := &session{dev: d, output: outputs[0]}
	go func() {
		switch d.fault {
		case FaultConfigureFailed:
			d.post(camera.SessionConfigureFailed{Session: s})
		case FaultNoConfigure:
		default:
			d.post(camera.SessionConfigured{Session: s})
		}
	}()
	return nil
}

func (d *device) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return fmt.Errorf("fake: device %s already closed", d.chars.ID)
	}
	d.closed = true
	close(d.queue)
	d.hw.deviceCloses.Inc()
	return nil
}

type session struct {
	dev    *device
	output camera.StreamConfig
	closed atomic.Bool
}

func (s *session) Capture(req *camera.CaptureRequest) error {
	if s.closed.Load() {
		return fmt.Errorf("fake: session closed")
	}
	s.dev.hw.captures.Inc()
	d := s.dev
	go func() {
		md, img := s.expose(req)
		switch d.fault {
		case FaultCaptureFailed:
			_ = img.Close()
			d.post(camera.CaptureFailed{RequestID: req.ID, Reason: 1})
		case FaultNoImage:
			_ = img.Close()
			d.post(camera.CaptureCompleted{RequestID: req.ID, Metadata: md})
		case FaultNullImage:
			_ = img.Close()
			d.post(camera.CaptureCompleted{RequestID: req.ID, Metadata: md})
			d.post(camera.ImageAvailable{})
		case FaultImageBeforeCapture:
			d.post(camera.ImageAvailable{Image: img})
			d.post(camera.CaptureCompleted{RequestID: req.ID, Metadata: md})
		case FaultForeignMetadata:
			_ = img.Close()
			md.RequestID = "foreign"
			d.post(camera.CaptureCompleted{RequestID: md.RequestID, Metadata: md})
		case FaultDisconnectAfterCapture:
			_ = img.Close()
			d.post(camera.CaptureCompleted{RequestID: req.ID, Metadata: md})
			d.post(camera.DeviceDisconnected{Device: d})
		default:
			d.post(camera.CaptureCompleted{RequestID: req.ID, Metadata: md})
			d.post(camera.ImageAvailable{Image: img})
		}
	}()
	return nil
}

// expose synthesizes a RAW16 frame: a horizontal ramp inside the sensor's
// black/white range.
func (s *session) expose(req *camera.CaptureRequest) (*camera.CaptureMetadata, *camera.Image) {
	size := s.output.Size
	ts := time.Now().UnixNano()
	stride := size.Width * 2
	data := make([]byte, stride*size.Height)
	white := s.dev.chars.WhiteLevel
	if white == 0 {
		white = 1023
	}
	for y := 0; y < size.Height; y++ {
		row := data[y*stride : (y+1)*stride]
		for x := 0; x < size.Width; x++ {
			v := uint16(uint32(x) * white / uint32(size.Width))
			binary.LittleEndian.PutUint16(row[x*2:], v)
		}
	}
	s.dev.hw.imagesOut.Inc()
	img := camera.NewImage(req.ID, camera.FormatRawSensor, size.Width, size.Height, ts,
		[]camera.Plane{{Data: data, RowStride: stride, PixelStride: 2}},
		func() { s.dev.hw.imagesReleased.Inc() })
	md := &camera.CaptureMetadata{
		RequestID:       req.ID,
		SensorTimestamp: ts,
		ExposureTime:    10 * time.Millisecond,
		Sensitivity:     100,
		FocalLength:     4.25,
		Aperture:        1.8,
		AEMode:          req.AEMode,
		AFMode:          req.AFMode,
		CapturedAt:      time.Now(),
	}
	return md, img
}

func (s *session) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return fmt.Errorf("fake: session already closed")
	}
	s.dev.hw.sessionCloses.Inc()
	return nil
}

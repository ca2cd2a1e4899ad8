package capture

import (
	"context"
	"sync"
	"time"

	"github.com/looplab/fsm"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"raw-shutter-pi/pkg/camera"
)

const (
	StateIdle            = "idle"
	StateOpening         = "opening"
	StateConfiguring     = "configuring"
	StateAwaitingCapture = "awaiting_capture"
	StateAwaitingImage   = "awaiting_image"
	StateFinalizing      = "finalizing"
	StateClosed          = "closed"
	StateFailed          = "failed"
)

const (
	eventBegin      = "begin"
	eventOpened     = "opened"
	eventConfigured = "configured"
	eventCaptured   = "captured"
	eventImage      = "image"
	eventFinalized  = "finalized"
	eventFail       = "fail"
)

// queueSize bounds the notifications buffered between the backend and the
// session loop. One request produces at most a handful.
const queueSize = 16

// Writer serializes one frame together with its metadata. It owns img and
// must close it on every path.
type Writer interface {
	Write(img *camera.Image, md *camera.CaptureMetadata, ch *camera.Characteristics) (string, error)
}

// Session drives one capture request from device open to teardown. Each
// hardware notification is handled by exactly one transition function, on
// the goroutine running Run. A Session is used once.
type Session struct {
	id      string
	chars   *camera.Characteristics
	hw      camera.Hardware
	writer  Writer
	timeout time.Duration
	logger  *zap.SugaredLogger

	machine *fsm.FSM
	events  chan camera.Event

	mu       sync.Mutex
	finished bool

	device        camera.Device
	deviceClosed  bool
	session       camera.Session
	sessionClosed bool
	request       *camera.CaptureRequest
	// metadata carries the capture result of this request from the
	// "capture completed" handler to the "image available" handler.
	metadata chan *camera.CaptureMetadata

	path string
	err  error
}

// NewSession prepares a session for requestID on the device described by ch.
// A timeout of zero waits forever in each state.
func NewSession(requestID string, ch *camera.Characteristics, hw camera.Hardware, w Writer, timeout time.Duration, logger *zap.SugaredLogger) *Session {
	s := &Session{
		id:       requestID,
		chars:    ch,
		hw:       hw,
		writer:   w,
		timeout:  timeout,
		logger:   logger,
		events:   make(chan camera.Event, queueSize),
		metadata: make(chan *camera.CaptureMetadata, 1),
	}
	s.machine = fsm.NewFSM(
		StateIdle,
		fsm.Events{
			{Name: eventBegin, Src: []string{StateIdle}, Dst: StateOpening},
			{Name: eventOpened, Src: []string{StateOpening}, Dst: StateConfiguring},
			{Name: eventConfigured, Src: []string{StateConfiguring}, Dst: StateAwaitingCapture},
			{Name: eventCaptured, Src: []string{StateAwaitingCapture}, Dst: StateAwaitingImage},
			{Name: eventImage, Src: []string{StateAwaitingImage}, Dst: StateFinalizing},
			{Name: eventFinalized, Src: []string{StateFinalizing}, Dst: StateClosed},
			{Name: eventFail, Src: []string{StateOpening, StateConfiguring, StateAwaitingCapture, StateAwaitingImage, StateFinalizing}, Dst: StateFailed},
		},
		fsm.Callbacks{
			"enter_state": func(_ context.Context, e *fsm.Event) {
				s.logger.Debugf("capture %s: %s -> %s (%s)", s.id, e.Src, e.Dst, e.Event)
			},
		},
	)
	return s
}

func (s *Session) ID() string {
	return s.id
}

func (s *Session) State() string {
	return s.machine.Current()
}

func (s *Session) terminal() bool {
	st := s.machine.Current()
	return st == StateClosed || st == StateFailed
}

// Notify implements camera.Listener. It only queues; the transition runs on
// the session loop.
func (s *Session) Notify(ev camera.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.finished {
		s.logger.Warnf("capture %s: late %s dropped", s.id, ev.Name())
		releaseImage(ev)
		return
	}
	select {
	case s.events <- ev:
	default:
		s.logger.Errorf("capture %s: notification queue full, %s dropped", s.id, ev.Name())
		releaseImage(ev)
	}
}

// Run opens the device and processes notifications until the request
// reaches closed or failed. Device and session are closed before it returns.
func (s *Session) Run() (string, error) {
	defer s.finish()

	if err := s.machine.Event(context.Background(), eventBegin); err != nil {
		return "", newError(KindNotReady, err, "session %s already used", s.id)
	}
	s.logger.Infof("capture %s: opening camera %s", s.id, s.chars.ID)
	if err := s.hw.Open(s.chars.ID, s); err != nil {
		s.fail(newError(KindAccess, err, "open camera %s", s.chars.ID))
		return s.path, s.err
	}

	timer := newStageTimer(s.timeout)
	defer timer.stop()
	for !s.terminal() {
		select {
		case ev := <-s.events:
			s.handle(ev)
			timer.reset()
		case <-timer.C():
			s.fail(newError(KindTimeout, nil, "no notification for %s while %s", s.timeout, s.State()))
		}
	}
	return s.path, s.err
}

func (s *Session) handle(ev camera.Event) {
	s.logger.Debugf("capture %s: %s in %s", s.id, ev.Name(), s.State())
	switch ev := ev.(type) {
	case camera.DeviceOpened:
		s.onDeviceOpened(ev)
	case camera.DeviceError:
		s.onDeviceError(ev)
	case camera.DeviceDisconnected:
		s.onDeviceDisconnected(ev)
	case camera.SessionConfigured:
		s.onSessionConfigured(ev)
	case camera.SessionConfigureFailed:
		s.onSessionConfigureFailed(ev)
	case camera.CaptureCompleted:
		s.onCaptureCompleted(ev)
	case camera.CaptureFailed:
		s.onCaptureFailed(ev)
	case camera.ImageAvailable:
		s.onImageAvailable(ev)
	default:
		s.violation(ev, "unknown notification")
	}
}

func (s *Session) onDeviceOpened(ev camera.DeviceOpened) {
	if !s.machine.Can(eventOpened) {
		s.violation(ev, "device already open")
		return
	}
	s.adoptDevice(ev.Device)
	s.transition(eventOpened)

	size, err := camera.LargestRawOutputSize(s.chars)
	if err != nil {
		s.fail(newError(KindAccess, err, "camera %s", s.chars.ID))
		return
	}
	s.request = &camera.CaptureRequest{
		ID:     s.id,
		Output: camera.StreamConfig{Format: camera.FormatRawSensor, Size: size},
		AEMode: camera.ControlModeAuto,
		AFMode: camera.ControlModeAuto,
	}
	s.logger.Infof("capture %s: configuring %s output %s", s.id, s.request.Output.Format, size)
	if err := s.device.CreateSession([]camera.StreamConfig{s.request.Output}); err != nil {
		s.fail(newError(KindSessionConfiguration, err, "create capture session"))
	}
}

func (s *Session) onDeviceError(ev camera.DeviceError) {
	s.adoptDevice(ev.Device)
	e := newError(KindDeviceError, nil, "camera error: %d", ev.Code)
	e.HardwareCode = ev.Code
	s.fail(e)
}

func (s *Session) onDeviceDisconnected(ev camera.DeviceDisconnected) {
	s.adoptDevice(ev.Device)
	s.fail(newError(KindDeviceDisconnected, nil, "camera %s disconnected", s.chars.ID))
}

func (s *Session) onSessionConfigured(ev camera.SessionConfigured) {
	if !s.machine.Can(eventConfigured) {
		s.violation(ev, "no session was requested")
		return
	}
	s.session = ev.Session
	s.transition(eventConfigured)

	if err := s.session.Capture(s.request); err != nil {
		s.fail(newError(KindAccess, err, "issue capture"))
	}
}

func (s *Session) onSessionConfigureFailed(ev camera.SessionConfigureFailed) {
	if !s.machine.Is(StateConfiguring) {
		s.violation(ev, "no session was requested")
		return
	}
	if ev.Session != nil {
		s.session = ev.Session
	}
	s.fail(newError(KindSessionConfiguration, nil, "failed to configure capture session"))
}

func (s *Session) onCaptureCompleted(ev camera.CaptureCompleted) {
	if !s.machine.Can(eventCaptured) {
		s.violation(ev, "no capture in flight")
		return
	}
	if ev.RequestID != s.request.ID || ev.Metadata == nil || ev.Metadata.RequestID != s.request.ID {
		s.violation(ev, "result does not belong to request "+s.request.ID)
		return
	}
	s.transition(eventCaptured)
	s.metadata <- ev.Metadata
}

func (s *Session) onCaptureFailed(ev camera.CaptureFailed) {
	if !s.machine.Is(StateAwaitingCapture) || ev.RequestID != s.request.ID {
		s.violation(ev, "no matching capture in flight")
		return
	}
	e := newError(KindDeviceError, nil, "capture failed: %d", ev.Reason)
	e.HardwareCode = ev.Reason
	s.fail(e)
}

func (s *Session) onImageAvailable(ev camera.ImageAvailable) {
	if !s.machine.Can(eventImage) {
		s.violation(ev, "image before capture result")
		return
	}
	if ev.Image != nil && ev.Image.RequestID != s.request.ID {
		s.violation(ev, "image does not belong to request "+s.request.ID)
		return
	}
	var md *camera.CaptureMetadata
	select {
	case md = <-s.metadata:
	default:
		s.violation(ev, "capture result missing")
		return
	}
	s.transition(eventImage)

	path, err := s.writer.Write(ev.Image, md, s.chars)
	s.closeHandles()
	if err != nil {
		s.err = newError(KindOf(err), err, "save image")
		s.logger.Errorf("capture %s: %v", s.id, s.err)
	} else {
		s.path = path
		s.logger.Infof("capture %s: saved %s", s.id, path)
	}
	s.transition(eventFinalized)
}

// violation rejects a notification that does not fit the current state.
// Resources it carries that the session does not own are released.
func (s *Session) violation(ev camera.Event, detail string) {
	s.discard(ev)
	s.fail(newError(KindProtocolViolation, nil, "%s while %s: %s", ev.Name(), s.State(), detail))
}

func (s *Session) discard(ev camera.Event) {
	switch ev := ev.(type) {
	case camera.DeviceOpened:
		if ev.Device != nil && ev.Device != s.device {
			_ = ev.Device.Close()
		}
	case camera.SessionConfigured:
		if ev.Session != nil && ev.Session != s.session {
			_ = ev.Session.Close()
		}
	case camera.SessionConfigureFailed:
		if ev.Session != nil && ev.Session != s.session {
			_ = ev.Session.Close()
		}
	case camera.ImageAvailable:
		releaseImage(ev)
	}
}

func (s *Session) adoptDevice(d camera.Device) {
	if d == nil {
		return
	}
	if s.device == nil {
		s.device = d
		return
	}
	if d != s.device {
		_ = d.Close()
	}
}

func (s *Session) transition(event string) {
	if err := s.machine.Event(context.Background(), event); err != nil {
		s.logger.Errorf("capture %s: %s from %s: %v", s.id, event, s.State(), err)
	}
}

// fail closes whatever is open and moves to failed. Only the first failure
// is kept.
func (s *Session) fail(err *Error) {
	if s.terminal() {
		return
	}
	s.closeHandles()
	from := s.State()
	s.transition(eventFail)
	s.err = err
	s.logger.Warnf("capture %s: failed in %s: %v", s.id, from, err)
}

func (s *Session) closeHandles() {
	var err error
	if s.session != nil && !s.sessionClosed {
		s.sessionClosed = true
		err = multierr.Append(err, s.session.Close())
	}
	if s.device != nil && !s.deviceClosed {
		s.deviceClosed = true
		err = multierr.Append(err, s.device.Close())
	}
	if err != nil {
		s.logger.Warnf("capture %s: closing camera: %v", s.id, err)
	}
}

func (s *Session) finish() {
	s.closeHandles()
	s.mu.Lock()
	s.finished = true
	s.mu.Unlock()
	for {
		select {
		case ev := <-s.events:
			s.logger.Warnf("capture %s: %s after %s dropped", s.id, ev.Name(), s.State())
			releaseImage(ev)
		default:
			return
		}
	}
}

func releaseImage(ev camera.Event) {
	if ia, ok := ev.(camera.ImageAvailable); ok && ia.Image != nil {
		_ = ia.Image.Close()
	}
}

// stageTimer bounds the wait for the next notification. A zero timeout
// disables it.
type stageTimer struct {
	d time.Duration
	t *time.Timer
}

func newStageTimer(d time.Duration) *stageTimer {
	st := &stageTimer{d: d}
	if d > 0 {
		st.t = time.NewTimer(d)
	}
	return st
}

func (st *stageTimer) C() <-chan time.Time {
	if st.t == nil {
		return nil
	}
	return st.t.C
}

func (st *stageTimer) reset() {
	if st.t != nil {
		st.t.Reset(st.d)
	}
}

func (st *stageTimer) stop() {
	if st.t != nil {
		st.t.Stop()
	}
}
